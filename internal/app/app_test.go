// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bonjohen/ai-swarm-sub000/internal/agent"
	"github.com/bonjohen/ai-swarm-sub000/internal/config"
	"github.com/bonjohen/ai-swarm-sub000/internal/model"
	"github.com/bonjohen/ai-swarm-sub000/internal/orchestrator"
	"github.com/bonjohen/ai-swarm-sub000/internal/provider"
)

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
    agent: second
    inputs: [draft]
    outputs: [final]
    end: true
`

// testConfig returns a config with no network dependencies: local tiers
// disabled, in-memory checkpoints, and an isolated SWARM_HOME.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	home := t.TempDir()
	t.Setenv("SWARM_HOME", home)
	t.Setenv("SWARM_TEST_MISSING_KEY", "")

	cfg := config.Default()
	cfg.Tier1.Disabled = true
	cfg.Tier2.Disabled = true
	cfg.Orchestrator.CheckpointBackend = config.BackendMemory
	cfg.Providers = []config.ProviderConfig{
		{Name: "qwen", Kind: config.KindOllama, Model: "qwen2.5:14b", Quality: 0.65, MaxContext: 32768},
		{Name: "remote", Kind: config.KindOpenRouter, Model: "anthropic/claude-sonnet-4.5", APIKeyEnv: "SWARM_TEST_MISSING_KEY",
			CostPer1KIn: 0.003, CostPer1KOut: 0.015, Quality: 0.93, MaxContext: 200000, RateLimit: 5, Burst: 1},
	}
	return cfg
}

func writeGraph(t *testing.T, name, src string) {
	t.Helper()
	dir := filepath.Join(os.Getenv("SWARM_HOME"), "graphs")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(src), 0o644))
}

func echoAgent() agent.Agent {
	return agent.Func(func(ctx context.Context, in agent.Input) (agent.Output, error) {
		return agent.Output{Delta: map[string]any{"answer": in.State["input"]}}, nil
	})
}

func newApp(t *testing.T, cfg *config.Config, opts ...Option) *App {
	t.Helper()
	opts = append([]Option{WithAdapter("qwen", model.Static("qwen", "{}"))}, opts...)
	a, err := New(context.Background(), cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

// ============================================================================
// WIRING
// ============================================================================

func TestNew_RegistersProviders(t *testing.T) {
	a := newApp(t, testConfig(t))

	local, ok := a.Registry.Get("qwen")
	require.True(t, ok)
	assert.True(t, local.Available)
	assert.True(t, local.IsLocal(), "ollama providers are tagged local")

	remote, ok := a.Registry.Get("remote")
	require.True(t, ok)
	assert.False(t, remote.Available, "remote provider without a key starts unavailable")
	_, limited := remote.Model.(*model.RateLimited)
	assert.True(t, limited, "rate_limit wraps the adapter")

	_, err := remote.Model.Call(context.Background(), "", "hi")
	assert.Error(t, err)
	assert.False(t, model.IsRetryable(err))
}

func TestNew_SkipsDisabledProviders(t *testing.T) {
	cfg := testConfig(t)
	cfg.Providers[1].Disabled = true
	a := newApp(t, cfg)
	_, ok := a.Registry.Get("remote")
	assert.False(t, ok)
}

func TestNew_OfflineBlocksRemoteProviders(t *testing.T) {
	cfg := testConfig(t)
	t.Setenv("SWARM_TEST_MISSING_KEY", "sk-test")
	cfg.Offline = true
	cfg.Providers = append(cfg.Providers, config.ProviderConfig{
		Name: "lan", Kind: config.KindOllama, Model: "llama3", BaseURL: "http://10.0.0.5:11434", Quality: 0.5, MaxContext: 8192,
	})
	a := newApp(t, cfg, WithAdapter("remote", model.Static("remote", "hi")))

	local, _ := a.Registry.Get("qwen")
	assert.True(t, local.Available, "loopback ollama stays available")
	remote, _ := a.Registry.Get("remote")
	assert.False(t, remote.Available, "hosted provider is blocked even with a key")
	lan, _ := a.Registry.Get("lan")
	assert.False(t, lan.Available, "non-loopback ollama is blocked")

	st, err := a.Status(context.Background())
	require.NoError(t, err)
	assert.True(t, st.Offline)
	assert.Contains(t, st.String(), "Providers: 1/3 available [OFFLINE]")
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Tier3.Strategy = "fastest"
	_, err := New(context.Background(), cfg)
	require.Error(t, err)
	var verrs config.ValidationErrors
	assert.True(t, errors.As(err, &verrs))
}

func TestNew_AgentFromConfig(t *testing.T) {
	cfg := testConfig(t)
	schema := filepath.Join(t.TempDir(), "outline.json")
	require.NoError(t, os.WriteFile(schema, []byte(`{"type":"object","required":["outline"]}`), 0o644))
	cfg.Agents = []config.AgentConfig{{Name: "outliner", Prompt: "Outline {{.topic}}", SchemaFile: schema, Required: []string{"outline"}}}

	a := newApp(t, cfg)
	_, err := a.Agents.Get("outliner")
	assert.NoError(t, err)

	cfg = testConfig(t)
	cfg.Agents = []config.AgentConfig{{Name: "broken", Prompt: "x", SchemaFile: "/does/not/exist.json"}}
	_, err = New(context.Background(), cfg)
	assert.Error(t, err)
}

func TestNew_SQLiteBackendIsAlsoASink(t *testing.T) {
	cfg := testConfig(t)
	cfg.Orchestrator.CheckpointBackend = config.BackendSQLite
	cfg.Telemetry.SQLitePath = filepath.Join(t.TempDir(), "swarm.db")
	a := newApp(t, cfg, WithAgent("echo", echoAgent()))
	writeGraph(t, "demo.yaml", demoGraph)

	reply, err := a.Handle(context.Background(), "/run demo hi")
	require.NoError(t, err)
	require.NotNil(t, reply.Run)
	runs, err := a.Store.Runs(context.Background())
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestDispatchConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Tier3.MinQuality = 0.8
	dc := DispatchConfig(cfg)
	assert.Equal(t, provider.CheapestQualified, dc.Tier3.Strategy)
	assert.Equal(t, 0.8, dc.Tier3.Requirements.MinQuality)
	assert.Equal(t, cfg.Tier1.Concurrency, dc.Tier1.Concurrency)
	assert.Equal(t, config.Seconds(cfg.Tier2.TimeoutSecs), dc.Tier2.CallTimeout)
	assert.Equal(t, cfg.Dispatch.MaxReasks, dc.MaxReasks)
}

// ============================================================================
// HANDLE
// ============================================================================

func TestHandle_RunsGraph(t *testing.T) {
	a := newApp(t, testConfig(t), WithAgent("echo", echoAgent()))
	writeGraph(t, "demo.yaml", demoGraph)

	reply, err := a.Handle(context.Background(), "/run demo hello world")
	require.NoError(t, err)
	require.NotNil(t, reply.Run)
	assert.Equal(t, orchestrator.StatusCompleted, reply.Run.Status)
	assert.Equal(t, "hello world", reply.Run.State["answer"])
	assert.Empty(t, reply.Run.Error)

	summary := a.Stats.Summary()
	assert.Equal(t, 1, summary.Decisions)
	assert.Equal(t, 1, summary.NodeAttempts)
}

func TestHandle_UnknownGraph(t *testing.T) {
	a := newApp(t, testConfig(t))
	_, err := a.Handle(context.Background(), "/run nowhere")
	assert.ErrorIs(t, err, ErrGraphNotFound)
}

func TestHandle_ResumeRun(t *testing.T) {
	var firstCalls atomic.Int32
	var failSecond atomic.Bool
	failSecond.Store(true)

	first := agent.Func(func(ctx context.Context, in agent.Input) (agent.Output, error) {
		firstCalls.Add(1)
		return agent.Output{Delta: map[string]any{"draft": "d"}}, nil
	})
	second := agent.Func(func(ctx context.Context, in agent.Input) (agent.Output, error) {
		if failSecond.Load() {
			return agent.Output{}, errors.New("upstream down")
		}
		return agent.Output{Delta: map[string]any{"final": fmt.Sprint(in.State["draft"], "!")}}, nil
	})
	a := newApp(t, testConfig(t), WithAgent("first", first), WithAgent("second", second))
	writeGraph(t, "two-step.yaml", twoStepGraph)

	g, err := a.ResolveGraph("two-step", nil)
	require.NoError(t, err)
	res, err := a.Run(context.Background(), g, nil, orchestrator.WithRunID("run-1"))
	require.Error(t, err)
	assert.Equal(t, orchestrator.StatusFailed, res.Status)

	failSecond.Store(false)
	reply, err := a.Handle(context.Background(), "/resume run-1 first")
	require.NoError(t, err)
	require.NotNil(t, reply.Run)
	assert.Equal(t, orchestrator.StatusCompleted, reply.Run.Status)
	assert.Equal(t, "d!", reply.Run.State["final"])
	assert.EqualValues(t, 1, firstCalls.Load(), "resumed run must not repeat completed nodes")
}

func TestHandle_ResumeUnknownRun(t *testing.T) {
	a := newApp(t, testConfig(t))
	reply, err := a.Handle(context.Background(), "/resume missing first")
	assert.Error(t, err)
	assert.Nil(t, reply.Run)
}

func TestHandle_InformationalCommands(t *testing.T) {
	a := newApp(t, testConfig(t))
	ctx := context.Background()

	reply, err := a.Handle(ctx, "/status")
	require.NoError(t, err)
	assert.Contains(t, reply.Text, "Providers: 1/2 available")

	reply, err = a.Handle(ctx, "/providers")
	require.NoError(t, err)
	assert.Contains(t, reply.Text, "qwen")
	assert.Contains(t, reply.Text, "unavailable")

	reply, err = a.Handle(ctx, "/help")
	require.NoError(t, err)
	assert.Contains(t, reply.Text, "/cert")
}

// ============================================================================
// GRAPHS
// ============================================================================

func TestResolveGraph(t *testing.T) {
	a := newApp(t, testConfig(t))
	writeGraph(t, "demo.yaml", demoGraph)

	g, err := a.ResolveGraph("demo", nil)
	require.NoError(t, err)
	assert.Equal(t, "demo", g.ID)

	path := filepath.Join(os.Getenv("SWARM_HOME"), "graphs", "demo.yaml")
	g, err = a.ResolveGraph(path, nil)
	require.NoError(t, err)
	assert.Equal(t, "answer", g.Entry)

	for _, ref := range []string{"", "missing", "../demo", ".."} {
		_, err := a.ResolveGraph(ref, nil)
		assert.ErrorIs(t, err, ErrGraphNotFound, "ref %q", ref)
	}

	names, err := a.ListGraphs()
	require.NoError(t, err)
	assert.Equal(t, []string{"demo"}, names)
}

// ============================================================================
// RELOAD
// ============================================================================

func TestApply(t *testing.T) {
	a := newApp(t, testConfig(t))

	next := a.Config().Clone()
	next.Dispatch.ConfidenceThreshold = 0.9
	next.Tier3.DailyCap = 7
	next.Escalation.MinConfidence = 0.5
	next.Providers[0].Quality = 0.75
	next.Providers = append(next.Providers, config.ProviderConfig{Name: "late", Kind: config.KindOllama, Model: "llama3"})
	a.Apply(context.Background(), next)

	assert.Equal(t, 0.9, a.Dispatcher.Config().ConfidenceThreshold)
	assert.Equal(t, 7, a.Registry.DailyCap())
	assert.Equal(t, 0.5, a.Router.Criteria().MinConfidence)
	e, _ := a.Registry.Get("qwen")
	assert.Equal(t, 0.75, e.Quality)
	assert.True(t, e.Available, "reload keeps availability")
	_, ok := a.Registry.Get("late")
	assert.False(t, ok, "new providers need a restart")
	assert.Same(t, next, a.Config())
}
