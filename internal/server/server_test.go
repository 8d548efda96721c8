// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bonjohen/ai-swarm-sub000/internal/agent"
	"github.com/bonjohen/ai-swarm-sub000/internal/app"
	"github.com/bonjohen/ai-swarm-sub000/internal/config"
	"github.com/bonjohen/ai-swarm-sub000/internal/model"
	"github.com/bonjohen/ai-swarm-sub000/internal/orchestrator"
	"github.com/bonjohen/ai-swarm-sub000/internal/tasks"
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

const inlineGraph = `{"id":"inline","entry":"answer","nodes":[{"name":"answer","agent":"echo","inputs":["input"],"outputs":["answer"],"end":true}]}`

// ============================================================================
// FIXTURES
// ============================================================================

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv("SWARM_HOME", t.TempDir())
	t.Setenv("SWARM_TEST_MISSING_KEY", "")

	cfg := config.Default()
	cfg.Tier1.Disabled = true
	cfg.Tier2.Disabled = true
	cfg.Orchestrator.CheckpointBackend = config.BackendMemory
	cfg.Providers = []config.ProviderConfig{
		{Name: "qwen", Kind: config.KindOllama, Model: "qwen2.5:14b", Quality: 0.65, MaxContext: 32768},
		{Name: "remote", Kind: config.KindOpenRouter, Model: "anthropic/claude-sonnet-4.5", APIKeyEnv: "SWARM_TEST_MISSING_KEY",
			CostPer1KIn: 0.003, CostPer1KOut: 0.015, Quality: 0.93, MaxContext: 200000},
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

type fixture struct {
	app *app.App
	srv *Server
	ts  *httptest.Server
}

func newFixture(t *testing.T, cfg *config.Config, opts ...app.Option) *fixture {
	t.Helper()
	ctx := context.Background()
	opts = append([]app.Option{
		app.WithAdapter("qwen", model.Static("qwen", "{}")),
		app.WithAgent("echo", echoAgent()),
	}, opts...)
	a, err := app.New(ctx, cfg, opts...)
	require.NoError(t, err)

	srv := New(ctx, a, cfg.Server)
	srv.Runs().Start(ctx)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		srv.Runs().Stop()
		_ = a.Close()
	})
	return &fixture{app: a, srv: srv, ts: ts}
}

func (f *fixture) do(t *testing.T, method, path, body string, header ...string) *http.Response {
	t.Helper()
	var rdr *bytes.Reader
	if body != "" {
		rdr = bytes.NewReader([]byte(body))
	} else {
		rdr = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, f.ts.URL+path, rdr)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

// waitRun polls GET /v1/runs/{id} until the task finishes.
func (f *fixture) waitRun(t *testing.T, runID string) tasks.Info {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp := f.do(t, http.MethodGet, "/v1/runs/"+runID, "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		status := decode[RunStatusResponse](t, resp)
		require.NotNil(t, status.Task)
		if status.Task.Status.IsTerminal() {
			return *status.Task
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("run %s did not finish", runID)
	return tasks.Info{}
}

func resultField(t *testing.T, info tasks.Info, path ...string) any {
	t.Helper()
	var cur any = info.Result
	for _, p := range path {
		m, ok := cur.(map[string]any)
		require.True(t, ok, "expected object at %q in %v", p, info.Result)
		cur = m[p]
	}
	return cur
}

// ============================================================================
// HEALTH, PROVIDERS AND STATS
// ============================================================================

func TestHealth(t *testing.T) {
	f := newFixture(t, testConfig(t))

	resp := f.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))

	health := decode[HealthResponse](t, resp)
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, 2, health.Providers)
	assert.Equal(t, 1, health.Available)
}

func TestHealth_DegradedWithoutProviders(t *testing.T) {
	f := newFixture(t, testConfig(t))
	f.app.Registry.MarkUnavailable("qwen")

	health := decode[HealthResponse](t, f.do(t, http.MethodGet, "/health", ""))
	assert.Equal(t, "degraded", health.Status)
}

func TestProviders(t *testing.T) {
	f := newFixture(t, testConfig(t))

	resp := f.do(t, http.MethodGet, "/v1/providers", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[map[string]any](t, resp)
	providers, ok := body["providers"].([]any)
	require.True(t, ok)
	assert.Len(t, providers, 2)
}

func TestStats(t *testing.T) {
	f := newFixture(t, testConfig(t))

	resp := f.do(t, http.MethodGet, "/v1/stats", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[map[string]any](t, resp)
	assert.EqualValues(t, 1, body["available"])
	assert.Contains(t, body, "runs")
	assert.Contains(t, body, "summary")
}

// ============================================================================
// DISPATCH
// ============================================================================

func TestDispatch_InformationalCommand(t *testing.T) {
	f := newFixture(t, testConfig(t))

	resp := f.do(t, http.MethodPost, "/v1/dispatch", `{"input":"/status"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[DispatchResponse](t, resp)
	assert.Equal(t, "status", body.Dispatch.Action)
	assert.Contains(t, body.Text, "Providers: 1/2 available")
}

func TestDispatch_QueuesGraphRun(t *testing.T) {
	f := newFixture(t, testConfig(t))
	writeGraph(t, "demo.yaml", demoGraph)

	resp := f.do(t, http.MethodPost, "/v1/dispatch", `{"input":"/run demo hello world"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	body := decode[DispatchResponse](t, resp)
	require.NotEmpty(t, body.RunID)

	info := f.waitRun(t, body.RunID)
	assert.Equal(t, tasks.TaskStatusComplete, info.Status)
	assert.Equal(t, "hello world", resultField(t, info, "state", "answer"))
}

func TestDispatch_UnknownGraph(t *testing.T) {
	f := newFixture(t, testConfig(t))
	resp := f.do(t, http.MethodPost, "/v1/dispatch", `{"input":"/run nowhere"}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDispatch_BadRequests(t *testing.T) {
	f := newFixture(t, testConfig(t))

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/v1/dispatch", `{"input":""}`).StatusCode)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/v1/dispatch", `{"prompt":"x"}`).StatusCode)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/v1/dispatch", `not json`).StatusCode)

	huge := fmt.Sprintf(`{"input":%q}`, strings.Repeat("a", MaxRequestBodySize+1))
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/dispatch", strings.NewReader(huge)))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

// ============================================================================
// RUNS
// ============================================================================

func TestCreateRun_Async(t *testing.T) {
	f := newFixture(t, testConfig(t))
	writeGraph(t, "demo.yaml", demoGraph)

	resp := f.do(t, http.MethodPost, "/v1/runs", `{"graph":"demo","state":{"input":"hi"},"run_id":"run-a"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	accepted := decode[AcceptedResponse](t, resp)
	assert.Equal(t, "run-a", accepted.RunID)

	info := f.waitRun(t, "run-a")
	assert.Equal(t, tasks.TaskStatusComplete, info.Status)
	assert.Equal(t, "hi", resultField(t, info, "state", "answer"))
	assert.Equal(t, orchestrator.StatusCompleted, resultField(t, info, "status"))
}

func TestCreateRun_InlineDefinitionWait(t *testing.T) {
	f := newFixture(t, testConfig(t))

	resp := f.do(t, http.MethodPost, "/v1/runs", `{"definition":`+inlineGraph+`,"state":{"input":"inline"},"wait":true}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	report := decode[map[string]any](t, resp)
	assert.Equal(t, orchestrator.StatusCompleted, report["status"])
	assert.Equal(t, "inline", report["state"].(map[string]any)["answer"])
}

func TestCreateRun_Invalid(t *testing.T) {
	f := newFixture(t, testConfig(t))

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/v1/runs", `{}`).StatusCode)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/v1/runs", `{"graph":"missing"}`).StatusCode)
	assert.Equal(t, http.StatusBadRequest,
		f.do(t, http.MethodPost, "/v1/runs", `{"graph":"demo","definition":`+inlineGraph+`}`).StatusCode)
	assert.Equal(t, http.StatusBadRequest,
		f.do(t, http.MethodPost, "/v1/runs", `{"definition":{"id":"x","entry":"nowhere","nodes":[]}}`).StatusCode)
}

func TestCreateRun_FailedRunKeepsPartialResult(t *testing.T) {
	failing := agent.Func(func(ctx context.Context, in agent.Input) (agent.Output, error) {
		return agent.Output{}, errors.New("upstream down")
	})
	f := newFixture(t, testConfig(t), app.WithAgent("first", echoAgent()), app.WithAgent("second", failing))
	writeGraph(t, "two-step.yaml", twoStepGraph)

	resp := f.do(t, http.MethodPost, "/v1/runs", `{"graph":"two-step","run_id":"run-f"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	info := f.waitRun(t, "run-f")
	assert.Equal(t, tasks.TaskStatusFailed, info.Status)
	assert.NotEmpty(t, info.Error)
	assert.Equal(t, orchestrator.StatusFailed, resultField(t, info, "status"))
}

func TestGetRun_FallsBackToCheckpoint(t *testing.T) {
	f := newFixture(t, testConfig(t))
	writeGraph(t, "demo.yaml", demoGraph)

	g, err := f.app.ResolveGraph("demo", nil)
	require.NoError(t, err)
	_, err = f.app.Run(context.Background(), g, orchestrator.State{"input": "x"}, orchestrator.WithRunID("direct"))
	require.NoError(t, err)

	resp := f.do(t, http.MethodGet, "/v1/runs/direct", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	status := decode[RunStatusResponse](t, resp)
	assert.Nil(t, status.Task)
	require.NotNil(t, status.Checkpoint)
	assert.Equal(t, "answer", status.Checkpoint.Node)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/v1/runs/unknown", "").StatusCode)
}

func TestListRuns(t *testing.T) {
	f := newFixture(t, testConfig(t))
	writeGraph(t, "demo.yaml", demoGraph)

	resp := f.do(t, http.MethodPost, "/v1/runs", `{"graph":"demo","state":{"input":"hi"},"run_id":"listed"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	f.waitRun(t, "listed")

	list := decode[RunListResponse](t, f.do(t, http.MethodGet, "/v1/runs", ""))
	require.Len(t, list.Queue, 1)
	assert.Equal(t, "listed", list.Queue[0].ID)
	require.Len(t, list.Checkpointed, 1)
	assert.Equal(t, "listed", list.Checkpointed[0].RunID)
}

func TestListGraphs(t *testing.T) {
	f := newFixture(t, testConfig(t))
	writeGraph(t, "demo.yaml", demoGraph)

	body := decode[map[string][]string](t, f.do(t, http.MethodGet, "/v1/graphs", ""))
	assert.Equal(t, []string{"demo"}, body["graphs"])
}

func TestCancelRun(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	blocking := agent.Func(func(ctx context.Context, in agent.Input) (agent.Output, error) {
		once.Do(func() { close(started) })
		select {
		case <-ctx.Done():
			return agent.Output{}, ctx.Err()
		case <-release:
			return agent.Output{Delta: map[string]any{"answer": "late"}}, nil
		}
	})
	defer close(release)

	f := newFixture(t, testConfig(t), app.WithAgent("echo", blocking))
	writeGraph(t, "demo.yaml", demoGraph)

	resp := f.do(t, http.MethodPost, "/v1/runs", `{"graph":"demo","state":{"input":"x"},"run_id":"slow"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	<-started

	resp = f.do(t, http.MethodDelete, "/v1/runs/slow", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	info := f.waitRun(t, "slow")
	assert.Equal(t, tasks.TaskStatusCanceled, info.Status)

	assert.Equal(t, http.StatusConflict, f.do(t, http.MethodDelete, "/v1/runs/slow", "").StatusCode)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodDelete, "/v1/runs/none", "").StatusCode)
}

func TestResumeRun(t *testing.T) {
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
	f := newFixture(t, testConfig(t), app.WithAgent("first", first), app.WithAgent("second", second))
	writeGraph(t, "two-step.yaml", twoStepGraph)

	g, err := f.app.ResolveGraph("two-step", nil)
	require.NoError(t, err)
	_, err = f.app.Run(context.Background(), g, nil, orchestrator.WithRunID("run-1"))
	require.Error(t, err)

	failSecond.Store(false)
	resp := f.do(t, http.MethodPost, "/v1/runs/run-1/resume", `{"node":"first"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	info := f.waitRun(t, "run-1")
	assert.Equal(t, tasks.TaskStatusComplete, info.Status)
	assert.Equal(t, "resume", info.Kind)
	assert.Equal(t, "d!", resultField(t, info, "state", "final"))
	assert.EqualValues(t, 1, firstCalls.Load())
}

func TestResumeRun_Errors(t *testing.T) {
	f := newFixture(t, testConfig(t))

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/v1/runs/run-1/resume", `{}`).StatusCode)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/v1/runs/missing/resume", `{"node":"first"}`).StatusCode)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/v1/runs/missing/resume", `{"node":"first","wait":true}`).StatusCode)
}

// ============================================================================
// MIDDLEWARE
// ============================================================================

func TestAuth(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.AuthToken = "s3cret"
	f := newFixture(t, cfg)

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/health", "").StatusCode, "health is open")
	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/v1/providers", "").StatusCode)
	assert.Equal(t, http.StatusUnauthorized,
		f.do(t, http.MethodGet, "/v1/providers", "", "Authorization", "Bearer wrong").StatusCode)
	assert.Equal(t, http.StatusUnauthorized,
		f.do(t, http.MethodGet, "/v1/providers", "", "Authorization", "Basic s3cret").StatusCode)
	assert.Equal(t, http.StatusOK,
		f.do(t, http.MethodGet, "/v1/providers", "", "Authorization", "Bearer s3cret").StatusCode)
}

func TestRateLimit(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.RateLimit = 0.001
	cfg.Server.Burst = 2
	f := newFixture(t, cfg)

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/health", "").StatusCode)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/health", "").StatusCode)
	resp := f.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "1", resp.Header.Get("Retry-After"))
}

func TestRateLimiter_Unlimited(t *testing.T) {
	rl := NewRateLimiter(0, 0)
	for i := 0; i < 100; i++ {
		assert.True(t, rl.Allow("192.0.2.1"))
	}
}

func TestRateLimiter_PerClient(t *testing.T) {
	rl := NewRateLimiter(0.001, 1)
	assert.True(t, rl.Allow("192.0.2.1"))
	assert.False(t, rl.Allow("192.0.2.1"))
	assert.True(t, rl.Allow("192.0.2.2"), "clients have separate buckets")
}

func TestValidateBearerToken(t *testing.T) {
	assert.True(t, ValidateBearerToken("abc", "abc"))
	assert.False(t, ValidateBearerToken("abd", "abc"))
	assert.False(t, ValidateBearerToken("", "abc"))
	assert.False(t, ValidateBearerToken("abc", ""))
}

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name   string
		remote string
		xff    string
		xri    string
		want   string
	}{
		{"direct", "203.0.113.7:5000", "", "", "203.0.113.7"},
		{"untrusted peer ignores headers", "203.0.113.7:5000", "198.51.100.1", "", "203.0.113.7"},
		{"trusted proxy forwards", "10.0.0.2:5000", "198.51.100.1, 10.0.0.2", "", "198.51.100.1"},
		{"trusted proxy real ip", "127.0.0.1:5000", "", "198.51.100.9", "198.51.100.9"},
		{"malformed header falls back", "127.0.0.1:5000", "not-an-ip", "", "127.0.0.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remote
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.xri != "" {
				r.Header.Set("X-Real-IP", tt.xri)
			}
			assert.Equal(t, tt.want, GetClientIP(r))
		})
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	h := RecoveryMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "internal server error")
}

func TestChainOrder(t *testing.T) {
	var order []string
	mw := func(name string) func(http.Handler) http.Handler {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}
	h := Chain(mw("a"), mw("b"))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		order = append(order, "handler")
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, []string{"a", "b", "handler"}, order)
}
