// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/bonjohen/ai-swarm-sub000/internal/commands"
	"github.com/bonjohen/ai-swarm-sub000/internal/dispatch"
	"github.com/bonjohen/ai-swarm-sub000/internal/offline"
	"github.com/bonjohen/ai-swarm-sub000/internal/orchestrator"
	"github.com/bonjohen/ai-swarm-sub000/internal/provider"
	"github.com/bonjohen/ai-swarm-sub000/internal/telemetry"
)

// Reply is a dispatched request and whatever acting on it produced.
type Reply struct {
	Dispatch dispatch.Result `json:"dispatch"`
	Run      *RunReport      `json:"run,omitempty"`
	Text     string          `json:"text,omitempty"`
}

// RunReport is a run result with its error as text.
type RunReport struct {
	*orchestrator.Result
	Error string `json:"error,omitempty"`
}

// Report wraps res for encoding.
func Report(res *orchestrator.Result) *RunReport {
	if res == nil {
		return nil
	}
	return &RunReport{Result: res, Error: res.Error()}
}

// Status is a point-in-time view of the pool and recent activity.
type Status struct {
	Offline    bool              `json:"offline"`
	Providers  []provider.Entry  `json:"providers"`
	Available  int               `json:"available"`
	CallsToday int64             `json:"calls_today"`
	DailyCap   int               `json:"daily_cap"`
	CallCounts map[string]int64  `json:"call_counts"`
	Summary    telemetry.Summary `json:"summary"`
}

// Status reports provider availability, the daily cap and the telemetry
// summary.
func (a *App) Status(ctx context.Context) (Status, error) {
	calls, err := a.Registry.CallsToday(ctx)
	if err != nil {
		return Status{}, err
	}
	entries := a.Registry.List()
	s := Status{
		Offline:    a.Config().Offline,
		Providers:  entries,
		CallsToday: calls,
		DailyCap:   a.Registry.DailyCap(),
		CallCounts: a.Registry.CallCounts(),
		Summary:    a.Stats.Summary(),
	}
	for _, e := range entries {
		if e.Available {
			s.Available++
		}
	}
	return s, nil
}

// Handle dispatches input and carries out the resolved action: graph
// actions run the graph, informational commands produce text, and model
// answers are returned as is. A failed run is reported in Reply.Run, not
// as an error.
func (a *App) Handle(ctx context.Context, input string) (Reply, error) {
	res, err := a.Dispatcher.Dispatch(ctx, input)
	if err != nil {
		return Reply{Dispatch: res}, err
	}
	reply := Reply{Dispatch: res, Text: res.Response}

	switch res.Action {
	case commands.ActionExecuteGraph:
		g, err := a.ResolveGraph(res.Target, res.Args)
		if err != nil {
			return reply, err
		}
		run, _ := a.Run(ctx, g, ArgsState(res.Args))
		reply.Run = Report(run)
	case commands.ActionResumeRun:
		run, err := a.Resume(ctx, "", res.Args["run_id"], res.Args["node"])
		if run == nil {
			return reply, err
		}
		reply.Run = Report(run)
	case commands.ActionStatus, commands.ActionHelp, commands.ActionListProviders:
		text, err := a.Describe(ctx, res.Action)
		if err != nil {
			return reply, err
		}
		reply.Text = text
	}
	return reply, nil
}

// ArgsState seeds run state from command arguments.
func ArgsState(args map[string]string) orchestrator.State {
	state := make(orchestrator.State, len(args))
	for k, v := range args {
		state[k] = v
	}
	return state
}

// Describe renders the text of an informational action. Other actions
// return an empty string.
func (a *App) Describe(ctx context.Context, action string) (string, error) {
	switch action {
	case commands.ActionStatus:
		st, err := a.Status(ctx)
		if err != nil {
			return "", err
		}
		return st.String(), nil
	case commands.ActionHelp:
		return a.helpText(), nil
	case commands.ActionListProviders:
		return providerTable(a.Registry.List()), nil
	}
	return "", nil
}

func (s Status) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Providers: %d/%d available", s.Available, len(s.Providers))
	if badge := offline.StatusBadge(s.Offline); badge != "" {
		fmt.Fprintf(&b, " %s", badge)
	}
	b.WriteString("\n")
	if s.DailyCap > 0 {
		fmt.Fprintf(&b, "Tier 3 calls today: %d/%d\n", s.CallsToday, s.DailyCap)
	} else {
		fmt.Fprintf(&b, "Tier 3 calls today: %d (no cap)\n", s.CallsToday)
	}
	fmt.Fprintf(&b, "Decisions: %d (escalation rate %.0f%%, avg %.0fms)\n",
		s.Summary.Decisions, s.Summary.EscalationRate*100, s.Summary.AvgLatencyMs)
	fmt.Fprintf(&b, "Node attempts: %d (%d failed), cost $%.4f\n",
		s.Summary.NodeAttempts, s.Summary.NodeFailures, s.Summary.NodeCost+s.Summary.DispatchCost)
	return b.String()
}

func (a *App) helpText() string {
	var b strings.Builder
	for _, cmd := range a.Commands.All() {
		fmt.Fprintf(&b, "  %-28s %s\n", cmd.Usage(), cmd.Description)
	}
	return b.String()
}

func providerTable(entries []provider.Entry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%-16s %-10s %-8s %-10s %-10s %s\n", "NAME", "KIND", "QUALITY", "$/1K IN", "$/1K OUT", "STATUS")
	for _, e := range entries {
		status := "available"
		if !e.Available {
			status = "unavailable"
		}
		fmt.Fprintf(&b, "%-16s %-10s %-8.2f %-10.4f %-10.4f %s\n",
			e.Name, e.Kind, e.Quality, e.CostPer1KIn, e.CostPer1KOut, status)
	}
	return b.String()
}
