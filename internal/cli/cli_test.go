// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bonjohen/ai-swarm-sub000/internal/agent"
	"github.com/bonjohen/ai-swarm-sub000/internal/app"
	"github.com/bonjohen/ai-swarm-sub000/internal/config"
	"github.com/bonjohen/ai-swarm-sub000/internal/model"
	"github.com/bonjohen/ai-swarm-sub000/internal/storage"
)

const testConfigTOML = `
[tier1]
disabled = true

[tier2]
disabled = true

[orchestrator]
checkpoint_backend = "file"

[telemetry]
log_format = "json"

[[providers]]
name = "qwen"
kind = "ollama"
model = "qwen2.5:14b"
quality = 0.65
max_context = 32768
`

const demoGraph = `
id: demo
entry: answer
nodes:
  - name: answer
    agent: echo
    inputs: [input]
    outputs: [answer]
    end: true
`

const twoStepGraph = `
id: two-step
entry: first
nodes:
  - name: first
    agent: first
    outputs: [draft]
    next: second
  - name: second
    agent: flaky
    inputs: [draft]
    outputs: [final]
    end: true
`

// setupHome points SWARM_HOME at a temp dir holding a config with no
// network dependencies.
func setupHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("SWARM_HOME", home)
	require.NoError(t, os.WriteFile(filepath.Join(home, "config.toml"), []byte(testConfigTOML), 0o600))
	return home
}

func writeGraph(t *testing.T, home, name, src string) {
	t.Helper()
	dir := filepath.Join(home, "graphs")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(src), 0o644))
}

func echoAgent() agent.Agent {
	return agent.Func(func(ctx context.Context, in agent.Input) (agent.Output, error) {
		return agent.Output{Delta: map[string]any{"answer": in.State["input"]}}, nil
	})
}

type result struct {
	code   int
	stdout string
	stderr string
}

func run(t *testing.T, opts []app.Option, argv ...string) result {
	t.Helper()
	var stdout, stderr bytes.Buffer
	c := &CLI{
		Stdout:     &stdout,
		Stderr:     &stderr,
		AppOptions: append([]app.Option{app.WithAdapter("qwen", model.Static("qwen", "{}"))}, opts...),
	}
	code := c.Run(context.Background(), argv)
	return result{code: code, stdout: stdout.String(), stderr: stderr.String()}
}

func envelope(t *testing.T, out string) (JSONResponse, map[string]any) {
	t.Helper()
	var resp JSONResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	data, _ := resp.Data.(map[string]any)
	return resp, data
}

// ============================================================================
// ARG PARSER
// ============================================================================

func TestArgParser(t *testing.T) {
	p := NewArgParser([]string{
		"run", "triage", "--json", "extra", "words",
		"--state", "a=1", "--state=b=2", "-g", "demo", "--max-cost", "0.5", "--dry",
	}, "json")

	assert.Equal(t, "run", p.Positional(0))
	assert.Equal(t, []string{"extra", "words"}, p.PositionalFrom(2))
	assert.Equal(t, 4, p.PositionalCount())
	assert.True(t, p.BoolFlag("json"), "declared boolean does not consume the next argument")
	assert.Equal(t, []string{"a=1", "b=2"}, p.Flags("state"))
	assert.Equal(t, "b=2", p.Flag("state"), "last value wins")
	assert.Equal(t, "demo", p.Flag("g"))
	assert.True(t, p.BoolFlag("dry"), "trailing flag without value is boolean")
	assert.True(t, p.HasFlag("--max-cost"))
	assert.False(t, p.HasFlag("missing"))
	assert.Equal(t, "fallback", p.FlagOrDefault("missing", "fallback"))
	assert.Equal(t, "", p.Positional(9))
	assert.Empty(t, p.PositionalFrom(9))

	cost, err := p.FlagFloat("max-cost")
	require.NoError(t, err)
	assert.InDelta(t, 0.5, cost, 1e-9)
}

func TestArgParser_DoubleDash(t *testing.T) {
	p := NewArgParser([]string{"dispatch", "--", "--not-a-flag", "text"})
	assert.Equal(t, []string{"--not-a-flag", "text"}, p.PositionalFrom(1))
	assert.False(t, p.HasFlag("not-a-flag"))
}

func TestArgParser_BoolWithValue(t *testing.T) {
	p := NewArgParser([]string{"--json=false", "--debug=yes"}, "json", "debug")
	assert.False(t, p.BoolFlag("json"))
	assert.True(t, p.BoolFlag("debug"))
}

func TestArgParser_NumericErrors(t *testing.T) {
	p := NewArgParser([]string{"--max-tokens", "lots", "--max-cost", "cheap"})

	_, err := p.FlagInt("max-tokens")
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "max-tokens", verr.Field)

	_, err = p.FlagFloat("max-cost")
	assert.ErrorAs(t, err, &verr)

	n, err := p.FlagInt("absent")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestParsePairs(t *testing.T) {
	got, err := ParsePairs("state", []string{"topic=go", " lang =en", "q=a=b", "topic=rust"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"topic": "rust", "lang": "en", "q": "a=b"}, got)

	_, err = ParsePairs("state", []string{"novalue"})
	assert.Error(t, err)
	_, err = ParsePairs("state", []string{"=x"})
	assert.Error(t, err)
}

func TestParseBoolString(t *testing.T) {
	for _, s := range []string{"true", "YES", "y", "1", "on"} {
		b, err := ParseBoolString(s)
		require.NoError(t, err, s)
		assert.True(t, b, s)
	}
	for _, s := range []string{"false", "No", "n", "0", "off"} {
		b, err := ParseBoolString(s)
		require.NoError(t, err, s)
		assert.False(t, b, s)
	}
	_, err := ParseBoolString("maybe")
	assert.Error(t, err)
}

// ============================================================================
// ERRORS AND OUTPUT
// ============================================================================

func TestGetExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitSuccess},
		{"validation", NewValidationError("x", "y", "bad"), ExitUsageError},
		{"config", fmt.Errorf("invalid config: %w", config.ValidationErrors{{Field: "server.addr", Message: "empty"}}), ExitConfigError},
		{"run failed", &RunFailedError{RunID: "r", Err: errors.New("boom")}, ExitRunFailed},
		{"graph not found", fmt.Errorf("%w: x", app.ErrGraphNotFound), ExitNotFoundError},
		{"checkpoint not found", fmt.Errorf("resume: %w", storage.ErrCheckpointNotFound), ExitNotFoundError},
		{"timeout", context.DeadlineExceeded, ExitTimeoutError},
		{"other", errors.New("other"), ExitGeneralError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, GetExitCode(tt.err))
		})
	}
}

func TestDisplayError_JSON(t *testing.T) {
	var buf bytes.Buffer
	DisplayError(&buf, "run", NewValidationError("graph", "", "required"), true)

	resp, _ := envelope(t, buf.String())
	assert.False(t, resp.Success)
	require.NotNil(t, resp.Error)
	assert.Contains(t, *resp.Error, "invalid graph")
	assert.Equal(t, "validation_error", resp.ErrorType)
	assert.Equal(t, "run", resp.Command)
}

func TestTerminalHelpers(t *testing.T) {
	var buf bytes.Buffer
	assert.False(t, IsTerminalWriter(&buf))

	t.Setenv("COLUMNS", "")
	assert.Equal(t, DefaultTerminalWidth, TerminalWidth(&buf))
	t.Setenv("COLUMNS", "132")
	assert.Equal(t, 132, TerminalWidth(&buf))
	t.Setenv("COLUMNS", "10")
	assert.Equal(t, DefaultTerminalWidth, TerminalWidth(&buf))

	assert.Equal(t, "short", Truncate("short", 10))
	assert.Equal(t, "abcdefg...", Truncate("abcdefghijklmnop", 10))
}

// ============================================================================
// COMMANDS
// ============================================================================

func TestRun_HelpAndVersion(t *testing.T) {
	res := run(t, nil)
	assert.Equal(t, ExitSuccess, res.code)
	assert.Contains(t, res.stdout, "Usage:")

	res = run(t, nil, "run", "--help")
	assert.Equal(t, ExitSuccess, res.code)
	assert.Contains(t, res.stdout, "Commands:")

	res = run(t, nil, "version", "--json")
	require.Equal(t, ExitSuccess, res.code)
	resp, data := envelope(t, res.stdout)
	assert.True(t, resp.Success)
	assert.Equal(t, Version, data["version"])
}

func TestRun_UnknownCommand(t *testing.T) {
	res := run(t, nil, "frobnicate")
	assert.Equal(t, ExitUsageError, res.code)
	assert.Contains(t, res.stderr, "unknown command")
}

func TestRun_Graph(t *testing.T) {
	home := setupHome(t)
	writeGraph(t, home, "demo.yaml", demoGraph)

	res := run(t, []app.Option{app.WithAgent("echo", echoAgent())},
		"run", "demo", "--state", "input=hello", "--run-id", "r-1", "--json")
	require.Equal(t, ExitSuccess, res.code, res.stdout+res.stderr)

	resp, data := envelope(t, res.stdout)
	assert.True(t, resp.Success)
	assert.Equal(t, "r-1", data["run_id"])
	assert.Equal(t, "completed", data["status"])
	state, _ := data["state"].(map[string]any)
	assert.Equal(t, "hello", state["answer"])
}

func TestRun_GraphPositionalInput(t *testing.T) {
	home := setupHome(t)
	writeGraph(t, home, "demo.yaml", demoGraph)

	res := run(t, []app.Option{app.WithAgent("echo", echoAgent())}, "run", "demo", "disk", "full")
	require.Equal(t, ExitSuccess, res.code, res.stderr)
	assert.Contains(t, res.stdout, "graph demo): completed")
}

func TestRun_FailedRunThenResume(t *testing.T) {
	home := setupHome(t)
	writeGraph(t, home, "two-step.yaml", twoStepGraph)

	var calls atomic.Int32
	opts := []app.Option{
		app.WithAgent("first", agent.Func(func(ctx context.Context, in agent.Input) (agent.Output, error) {
			return agent.Output{Delta: map[string]any{"draft": "v1"}}, nil
		})),
		app.WithAgent("flaky", agent.Func(func(ctx context.Context, in agent.Input) (agent.Output, error) {
			if calls.Add(1) == 1 {
				return agent.Output{}, errors.New("upstream unavailable")
			}
			return agent.Output{Delta: map[string]any{"final": in.State["draft"]}}, nil
		})),
	}

	res := run(t, opts, "run", "two-step", "--run-id", "r-2")
	assert.Equal(t, ExitRunFailed, res.code)
	assert.Contains(t, res.stdout, "failed")
	assert.Contains(t, res.stderr, "run r-2 failed")

	res = run(t, opts, "runs", "--json")
	require.Equal(t, ExitSuccess, res.code, res.stdout)
	assert.Contains(t, res.stdout, `"run_id": "r-2"`)

	res = run(t, opts, "resume", "r-2", "first", "--json")
	require.Equal(t, ExitSuccess, res.code, res.stdout+res.stderr)
	_, data := envelope(t, res.stdout)
	assert.Equal(t, "completed", data["status"])
	state, _ := data["state"].(map[string]any)
	assert.Equal(t, "v1", state["final"])
}

func TestRun_Errors(t *testing.T) {
	setupHome(t)

	res := run(t, nil, "run")
	assert.Equal(t, ExitUsageError, res.code)

	res = run(t, nil, "run", "nope")
	assert.Equal(t, ExitNotFoundError, res.code)

	res = run(t, nil, "resume", "missing-run", "first")
	assert.Equal(t, ExitNotFoundError, res.code)

	res = run(t, nil, "run", "nope", "--state", "bad")
	assert.Equal(t, ExitUsageError, res.code)

	res = run(t, nil, "run", "nope", "--json")
	resp, _ := envelope(t, res.stdout)
	assert.False(t, resp.Success)
	assert.Equal(t, "not_found_error", resp.ErrorType)
}

func TestRun_GraphsAndValidate(t *testing.T) {
	home := setupHome(t)
	writeGraph(t, home, "demo.yaml", demoGraph)
	writeGraph(t, home, "two-step.yaml", twoStepGraph)

	res := run(t, nil, "graphs")
	require.Equal(t, ExitSuccess, res.code, res.stderr)
	assert.Contains(t, res.stdout, "demo")
	assert.Contains(t, res.stdout, "two-step")

	res = run(t, []app.Option{app.WithAgent("echo", echoAgent())}, "validate", "demo")
	assert.Equal(t, ExitSuccess, res.code, res.stderr)
	assert.Contains(t, res.stdout, "Graph demo is valid: 1 nodes, entry answer")

	res = run(t, nil, "validate", "two-step", "--json")
	assert.Equal(t, ExitGeneralError, res.code)
	assert.Contains(t, res.stdout, "first")
	assert.Contains(t, res.stdout, "flaky")
}

func TestRun_DispatchSlashCommand(t *testing.T) {
	setupHome(t)

	res := run(t, nil, "dispatch", "/help")
	require.Equal(t, ExitSuccess, res.code, res.stderr)
	assert.Contains(t, res.stdout, "/run")

	res = run(t, nil, "dispatch")
	assert.Equal(t, ExitUsageError, res.code)
}

func TestRun_ProvidersAndStatus(t *testing.T) {
	setupHome(t)

	res := run(t, nil, "providers", "--json")
	require.Equal(t, ExitSuccess, res.code, res.stderr)
	assert.Contains(t, res.stdout, `"name": "qwen"`)

	res = run(t, nil, "status")
	require.Equal(t, ExitSuccess, res.code, res.stderr)
	assert.Contains(t, res.stdout, "Providers: 1/1 available\n")

	res = run(t, nil, "status", "--offline")
	require.Equal(t, ExitSuccess, res.code, res.stderr)
	assert.Contains(t, res.stdout, "Providers: 1/1 available [OFFLINE]")
}

func TestRun_Config(t *testing.T) {
	home := setupHome(t)

	res := run(t, nil, "config", "path")
	require.Equal(t, ExitSuccess, res.code)
	assert.Equal(t, filepath.Join(home, "config.toml"), strings.TrimSpace(res.stdout))

	res = run(t, nil, "config", "set", "tier3.daily_cap", "50")
	require.Equal(t, ExitSuccess, res.code, res.stderr)

	res = run(t, nil, "config", "get", "tier3.daily_cap")
	require.Equal(t, ExitSuccess, res.code, res.stderr)
	assert.Equal(t, "50", strings.TrimSpace(res.stdout))

	// The edit keeps the rest of the file.
	res = run(t, nil, "config", "get", "tier1.disabled")
	assert.Equal(t, "true", strings.TrimSpace(res.stdout))

	res = run(t, nil, "config", "set", "tier3.daily_cap", "lots")
	assert.Equal(t, ExitUsageError, res.code)

	res = run(t, nil, "config", "get", "no.such.key")
	assert.Equal(t, ExitUsageError, res.code)

	res = run(t, nil, "config", "keys")
	assert.Contains(t, res.stdout, "server.addr")

	res = run(t, nil, "config", "frob")
	assert.Equal(t, ExitUsageError, res.code)
}

func TestRun_ConfigRedactsSecrets(t *testing.T) {
	setupHome(t)

	res := run(t, nil, "config", "set", "server.auth_token", "s3cret")
	require.Equal(t, ExitSuccess, res.code, res.stderr)

	res = run(t, nil, "config", "show")
	require.Equal(t, ExitSuccess, res.code)
	assert.NotContains(t, res.stdout, "s3cret")

	res = run(t, nil, "config", "get", "server.auth_token")
	assert.Equal(t, "[REDACTED]", strings.TrimSpace(res.stdout))
}

func TestRun_InvalidConfigFile(t *testing.T) {
	home := t.TempDir()
	t.Setenv("SWARM_HOME", home)
	path := filepath.Join(home, "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte("[server]\naddr = \"\"\nrun_workers = -1\n"), 0o600))

	res := run(t, nil, "status", "--config", path)
	assert.Equal(t, ExitConfigError, res.code, res.stderr)
}
