// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"

	"goa.design/clue/log"

	"github.com/bonjohen/ai-swarm-sub000/internal/app"
	"github.com/bonjohen/ai-swarm-sub000/internal/commands"
	"github.com/bonjohen/ai-swarm-sub000/internal/config"
	"github.com/bonjohen/ai-swarm-sub000/internal/orchestrator"
	"github.com/bonjohen/ai-swarm-sub000/internal/server"
)

// Build information, set via ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// boolFlags never consume the following argument.
var boolFlags = []string{"json", "debug", "offline", "help", "h"}

// CLI runs one command line. AppOptions are passed to app.New, which lets
// tests swap adapters and agents.
type CLI struct {
	Stdout     io.Writer
	Stderr     io.Writer
	AppOptions []app.Option
}

// Run executes argv (without the program name) and returns the exit code.
func Run(ctx context.Context, argv []string, stdout, stderr io.Writer) int {
	return (&CLI{Stdout: stdout, Stderr: stderr}).Run(ctx, argv)
}

// Run executes argv and returns the exit code.
func (c *CLI) Run(ctx context.Context, argv []string) int {
	args := NewArgParser(argv, boolFlags...)
	cmd := args.Positional(0)
	jsonMode := args.BoolFlag("json")

	if args.BoolFlag("help") || args.BoolFlag("h") {
		cmd = "help"
	}

	err := c.dispatch(ctx, cmd, args)
	if err != nil {
		DisplayError(c.errWriter(jsonMode), cmd, err, jsonMode)
	}
	return GetExitCode(err)
}

// errWriter keeps the JSON envelope on stdout so callers parse one stream.
func (c *CLI) errWriter(jsonMode bool) io.Writer {
	if jsonMode {
		return c.Stdout
	}
	return c.Stderr
}

func (c *CLI) dispatch(ctx context.Context, cmd string, args *ArgParser) error {
	switch cmd {
	case "", "help":
		c.usage()
		return nil
	case "version":
		return c.out(args, "version").result(map[string]string{
			"version": Version, "commit": GitCommit, "build_date": BuildDate,
		}, func(w io.Writer) {
			fmt.Fprintf(w, "swarm %s (commit %s, built %s)\n", Version, GitCommit, BuildDate)
		})
	case "config":
		return c.runConfig(args)
	case "dispatch", "run", "resume", "runs", "graphs", "validate", "providers", "status", "serve":
	default:
		return NewValidationErrorWithExample("command", cmd, "unknown command", "swarm help")
	}

	cfg, path, err := loadConfig(args)
	if err != nil {
		return err
	}
	if args.BoolFlag("offline") {
		cfg.Offline = true
	}
	ctx = loggerContext(ctx, cfg.Telemetry, c.Stderr, args.BoolFlag("debug"))
	a, err := app.New(ctx, cfg, c.AppOptions...)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Error(ctx, err, log.KV{K: "msg", V: "close failed"})
		}
	}()

	switch cmd {
	case "dispatch":
		return c.runDispatch(ctx, a, args)
	case "run":
		return c.runGraph(ctx, a, args)
	case "resume":
		return c.runResume(ctx, a, args)
	case "runs":
		return c.runList(ctx, a, args)
	case "graphs":
		return c.runGraphs(a, args)
	case "validate":
		return c.runValidate(a, args)
	case "providers":
		return c.runProviders(ctx, a, args)
	case "status":
		return c.runStatus(ctx, a, args)
	default:
		return c.runServe(ctx, a, cfg, path, args)
	}
}

func (c *CLI) out(args *ArgParser, command string) output {
	return output{w: c.Stdout, json: args.BoolFlag("json"), command: command}
}

// loadConfig reads --config when given, the default location otherwise. It
// returns the file path to watch, empty when no file exists.
func loadConfig(args *ArgParser) (*config.Config, string, error) {
	if path := args.Flag("config"); path != "" {
		cfg, err := config.LoadFromPath(path)
		if err != nil {
			return nil, "", err
		}
		return cfg, path, nil
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, "", err
	}
	path, err := config.ActivePath()
	if err != nil {
		return cfg, "", nil
	}
	if _, err := os.Stat(path); err != nil {
		path = ""
	}
	return cfg, path, nil
}

// =============================================================================
// COMMANDS
// =============================================================================

func (c *CLI) runDispatch(ctx context.Context, a *app.App, args *ArgParser) error {
	input := strings.Join(args.PositionalFrom(1), " ")
	if strings.TrimSpace(input) == "" {
		return ErrMissingArgument("input", `swarm dispatch "summarize the incident report"`)
	}
	reply, err := a.Handle(ctx, input)
	if err != nil {
		return err
	}
	if perr := c.out(args, "dispatch").result(reply, func(w io.Writer) { printReply(w, reply) }); perr != nil {
		return perr
	}
	return runError(reply.Run)
}

func (c *CLI) runGraph(ctx context.Context, a *app.App, args *ArgParser) error {
	ref := args.Positional(1)
	if ref == "" {
		return ErrMissingArgument("graph", "swarm run triage --state input=\"disk full on db-1\"")
	}
	vars, err := ParsePairs("var", args.Flags("var"))
	if err != nil {
		return err
	}
	pairs, err := ParsePairs("state", args.Flags("state"))
	if err != nil {
		return err
	}
	state := make(orchestrator.State, len(pairs)+1)
	for k, v := range pairs {
		state[k] = v
	}
	if input := strings.Join(args.PositionalFrom(2), " "); input != "" {
		state["input"] = input
	}

	var opts []orchestrator.RunOption
	if id := args.Flag("run-id"); id != "" {
		opts = append(opts, orchestrator.WithRunID(id))
	}
	if args.HasFlag("max-cost") || args.HasFlag("max-tokens") {
		limits := a.Config().Budget
		if limits.MaxCostUSD, err = args.FlagFloat("max-cost"); err != nil {
			return err
		}
		if limits.MaxTokens, err = args.FlagInt("max-tokens"); err != nil {
			return err
		}
		opts = append(opts, orchestrator.WithLimits(limits))
	}

	g, err := a.ResolveGraph(ref, vars)
	if err != nil {
		return err
	}
	res, err := a.Run(ctx, g, state, opts...)
	if res == nil {
		return err
	}
	return c.report(args, "run", res)
}

func (c *CLI) runResume(ctx context.Context, a *app.App, args *ArgParser) error {
	runID, node := args.Positional(1), args.Positional(2)
	if runID == "" || node == "" {
		return ErrMissingArgument("run_id and node", "swarm resume 3f2a... draft")
	}
	res, err := a.Resume(ctx, args.Flag("graph"), runID, node)
	if res == nil {
		return err
	}
	return c.report(args, "resume", res)
}

func (c *CLI) report(args *ArgParser, command string, res *orchestrator.Result) error {
	rep := app.Report(res)
	if err := c.out(args, command).result(rep, func(w io.Writer) { printRun(w, rep) }); err != nil {
		return err
	}
	return runError(rep)
}

func runError(rep *app.RunReport) error {
	if rep == nil || rep.Err == nil {
		return nil
	}
	return &RunFailedError{RunID: rep.RunID, Err: rep.Err}
}

func (c *CLI) runList(ctx context.Context, a *app.App, args *ArgParser) error {
	runs, err := a.Store.Runs(ctx)
	if err != nil {
		return NewCommandError("runs", "list", "checkpoint store unavailable", err)
	}
	return c.out(args, "runs").result(runs, func(w io.Writer) {
		if len(runs) == 0 {
			fmt.Fprintln(w, "No checkpointed runs.")
			return
		}
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "RUN ID\tGRAPH\tLAST NODE\tCHECKPOINTS\tUPDATED")
		for _, r := range runs {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", r.RunID, r.GraphID, r.LastNode, r.Checkpoints, r.UpdatedAt.Format("2006-01-02 15:04:05"))
		}
		_ = tw.Flush()
	})
}

func (c *CLI) runGraphs(a *app.App, args *ArgParser) error {
	names, err := a.ListGraphs()
	if err != nil {
		return err
	}
	dir, _ := a.GraphDir()
	return c.out(args, "graphs").result(map[string]any{"dir": dir, "graphs": names}, func(w io.Writer) {
		if len(names) == 0 {
			fmt.Fprintf(w, "No graphs in %s\n", dir)
			return
		}
		for _, n := range names {
			fmt.Fprintln(w, n)
		}
	})
}

// ValidateReport is the result of the validate command.
type ValidateReport struct {
	Graph         string   `json:"graph"`
	Entry         string   `json:"entry"`
	Nodes         []string `json:"nodes"`
	MissingAgents []string `json:"missing_agents,omitempty"`
}

func (c *CLI) runValidate(a *app.App, args *ArgParser) error {
	ref := args.Positional(1)
	if ref == "" {
		return ErrMissingArgument("graph", "swarm validate ./graphs/triage.yaml")
	}
	vars, err := ParsePairs("var", args.Flags("var"))
	if err != nil {
		return err
	}
	g, err := a.ResolveGraph(ref, vars)
	if err != nil {
		return err
	}
	if err := g.Validate(); err != nil {
		return err
	}

	rep := ValidateReport{Graph: g.ID, Entry: g.Entry}
	missing := make(map[string]bool)
	for _, n := range g.NodeList() {
		rep.Nodes = append(rep.Nodes, n.Name)
		if _, err := a.Agents.Get(n.Agent); err != nil {
			missing[n.Agent] = true
		}
	}
	for name := range missing {
		rep.MissingAgents = append(rep.MissingAgents, name)
	}
	sort.Strings(rep.MissingAgents)

	if err := c.out(args, "validate").result(rep, func(w io.Writer) {
		fmt.Fprintf(w, "Graph %s is valid: %d nodes, entry %s\n", rep.Graph, len(rep.Nodes), rep.Entry)
		for _, name := range rep.MissingAgents {
			fmt.Fprintf(w, "  warning: agent %q is not configured\n", name)
		}
	}); err != nil {
		return err
	}
	if len(rep.MissingAgents) > 0 {
		return NewCommandError("validate", "check agents", "graph references unconfigured agents", errors.New(strings.Join(rep.MissingAgents, ", ")))
	}
	return nil
}

func (c *CLI) runProviders(ctx context.Context, a *app.App, args *ArgParser) error {
	entries := a.Registry.List()
	text, err := a.Describe(ctx, commands.ActionListProviders)
	if err != nil {
		return err
	}
	return c.out(args, "providers").result(entries, func(w io.Writer) { fmt.Fprint(w, text) })
}

func (c *CLI) runStatus(ctx context.Context, a *app.App, args *ArgParser) error {
	st, err := a.Status(ctx)
	if err != nil {
		return err
	}
	return c.out(args, "status").result(st, func(w io.Writer) { fmt.Fprint(w, st.String()) })
}

// runServe serves the HTTP API until SIGINT or SIGTERM. Provider health
// checks run in the background and the config file, when present, is
// watched for changes.
func (c *CLI) runServe(ctx context.Context, a *app.App, cfg *config.Config, path string, args *ArgParser) error {
	scfg := cfg.Server
	if addr := args.Flag("addr"); addr != "" {
		scfg.Addr = addr
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	go a.Health.Run(ctx)
	if path != "" {
		go func() {
			if err := a.Watch(ctx, path); err != nil {
				log.Error(ctx, err, log.KV{K: "msg", V: "config watch disabled"}, log.KV{K: "path", V: path})
			}
		}()
	}

	fmt.Fprintf(c.Stderr, "swarm %s listening on http://%s\n", Version, scfg.Addr)
	return server.New(ctx, a, scfg).ListenAndServe(ctx)
}

// =============================================================================
// CONFIG COMMAND
// =============================================================================

func (c *CLI) runConfig(args *ArgParser) error {
	sub := args.Positional(1)
	out := c.out(args, "config "+sub)

	switch sub {
	case "path":
		path, err := configPath(args)
		if err != nil {
			return err
		}
		return out.result(map[string]string{"path": path}, func(w io.Writer) { fmt.Fprintln(w, path) })
	case "keys":
		keys := config.AllKeys()
		return out.result(keys, func(w io.Writer) { fmt.Fprintln(w, strings.Join(keys, "\n")) })
	case "show", "":
		cfg, _, err := loadConfig(args)
		if err != nil {
			return NewCommandError("config", "load", "could not read configuration", err)
		}
		red := cfg.Redacted()
		return out.result(red, func(w io.Writer) { fmt.Fprintln(w, red.String()) })
	case "get":
		key := args.Positional(2)
		if key == "" {
			return ErrMissingArgument("key", "swarm config get tier3.daily_cap")
		}
		cfg, _, err := loadConfig(args)
		if err != nil {
			return NewCommandError("config", "load", "could not read configuration", err)
		}
		val, err := cfg.Redacted().Get(key)
		if err != nil {
			return NewValidationErrorWithExample("key", key, err.Error(), "swarm config keys")
		}
		return out.result(map[string]any{"key": key, "value": val}, func(w io.Writer) { fmt.Fprintln(w, val) })
	case "set":
		key, value := args.Positional(2), args.Positional(3)
		if key == "" || args.PositionalCount() < 4 {
			return ErrMissingArgument("key and value", "swarm config set tier3.daily_cap 50")
		}
		path, err := setConfigValue(args, key, value)
		if err != nil {
			return err
		}
		return out.result(map[string]string{"key": key, "value": value, "path": path}, func(w io.Writer) {
			fmt.Fprintf(w, "Set %s = %s in %s\n", key, value, path)
		})
	default:
		return NewValidationErrorWithExample("config subcommand", sub, "expected show, get, set, path or keys", "swarm config get server.addr")
	}
}

func configPath(args *ArgParser) (string, error) {
	if path := args.Flag("config"); path != "" {
		return path, nil
	}
	return config.ActivePath()
}

// setConfigValue edits the file itself so environment overrides are not
// written back to disk.
func setConfigValue(args *ArgParser, key, value string) (string, error) {
	path, err := configPath(args)
	if err != nil {
		return "", err
	}
	jsonFile := strings.HasSuffix(path, ".json")

	cfg := config.Default()
	if _, statErr := os.Stat(path); statErr == nil {
		if jsonFile {
			err = config.LoadJSON(cfg, path)
		} else {
			err = config.LoadTOML(cfg, path)
		}
		if err != nil {
			return "", NewCommandError("config", "load", path, err)
		}
	}
	if err := cfg.Set(key, value); err != nil {
		return "", NewValidationErrorWithExample("key", key, err.Error(), "swarm config keys")
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return "", err
	}
	if jsonFile {
		err = config.SaveJSON(cfg, path)
	} else {
		err = config.SaveTOML(cfg, path)
	}
	if err != nil {
		return "", NewCommandError("config", "save", path, err)
	}
	return path, nil
}

// =============================================================================
// TEXT RENDERING
// =============================================================================

func printReply(w io.Writer, reply app.Reply) {
	d := reply.Dispatch
	fmt.Fprintf(w, "Tier %s -> %s", d.Tier, d.Action)
	if d.Target != "" {
		fmt.Fprintf(w, " (%s)", d.Target)
	}
	if d.Provider != "" {
		fmt.Fprintf(w, " via %s", d.Provider)
	}
	fmt.Fprintf(w, ", confidence %.2f, %dms\n", d.Confidence, d.LatencyMs)
	if d.SafetyFlagged {
		fmt.Fprintf(w, "Flagged: %s\n", d.SafetyReason)
	}
	if reply.Text != "" {
		fmt.Fprintln(w)
		fmt.Fprintln(w, strings.TrimRight(reply.Text, "\n"))
	}
	if reply.Run != nil {
		fmt.Fprintln(w)
		printRun(w, reply.Run)
	}
}

func printRun(w io.Writer, rep *app.RunReport) {
	width := TerminalWidth(w)
	fmt.Fprintf(w, "Run %s (graph %s): %s\n", rep.RunID, rep.GraphID, rep.Status)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NODE\tATTEMPT\tSTATUS\tMODEL\tCOST\tERROR")
	for _, e := range rep.Events {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t$%.4f\t%s\n", e.NodeID, e.Attempt, e.Status, e.Model, e.CostUSD, Truncate(e.Error, width/2))
	}
	_ = tw.Flush()

	l := rep.Ledger
	fmt.Fprintf(w, "Tokens: %d in / %d out, cost $%.4f, %.1fs\n", l.TokensIn, l.TokensOut, l.CostUSD, l.ElapsedSeconds)
	if l.DegradationActive {
		fmt.Fprintln(w, "Budget degradation was active.")
	}
	if rep.Error != "" {
		fmt.Fprintf(w, "Error: %s\n", rep.Error)
	}
}

// =============================================================================
// USAGE
// =============================================================================

func (c *CLI) usage() {
	fmt.Fprint(c.Stdout, `swarm - tiered request dispatch and agent graph orchestration

Usage:
  swarm <command> [arguments] [flags]

Commands:
  dispatch <text...>          Route a request through the tiers and act on it
  run <graph> [input...]      Execute a graph
      --state key=value       Seed run state (repeatable)
      --var key=value         HCL graph variable (repeatable)
      --run-id id             Use a fixed run ID
      --max-cost usd          Cap run cost
      --max-tokens n          Cap run tokens
  resume <run_id> <node>      Continue a run after a checkpointed node
      --graph ref             Graph to resume (default: recorded in checkpoint)
  runs                        List checkpointed runs
  graphs                      List graphs in the graph directory
  validate <graph>            Check a graph definition and its agents
  providers                   List registered providers
  status                      Show availability, cap usage and decision stats
  serve [--addr host:port]    Serve the HTTP API
  config show|get|set|path|keys
  version                     Print version information

Global flags:
  --config path               Config file (default: ~/.swarm/config.toml)
  --json                      Print results as a JSON envelope
  --debug                     Enable debug logging
  --offline                   Use only providers on loopback endpoints
`)
}
