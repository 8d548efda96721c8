// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"io"

	"goa.design/clue/log"

	"github.com/bonjohen/ai-swarm-sub000/internal/config"
)

// logFormat picks the clue format for the configured log_format. "auto"
// uses the terminal format when w is a TTY and JSON otherwise.
func logFormat(setting string, w io.Writer) log.FormatFunc {
	switch setting {
	case "json":
		return log.FormatJSON
	case "text":
		return log.FormatText
	default:
		if IsTerminalWriter(w) {
			return log.FormatTerminal
		}
		return log.FormatJSON
	}
}

// loggerContext attaches a clue logger writing to w. Debug logs are
// enabled by the config or by --debug.
func loggerContext(ctx context.Context, cfg config.TelemetryConfig, w io.Writer, debug bool) context.Context {
	ctx = log.Context(ctx, log.WithFormat(logFormat(cfg.LogFormat, w)), log.WithOutput(w))
	if debug || cfg.Debug {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}
	return ctx
}
