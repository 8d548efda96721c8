// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"goa.design/clue/log"

	"github.com/bonjohen/ai-swarm-sub000/internal/agent"
	"github.com/bonjohen/ai-swarm-sub000/internal/budget"
	"github.com/bonjohen/ai-swarm-sub000/internal/graph"
	"github.com/bonjohen/ai-swarm-sub000/internal/model"
	"github.com/bonjohen/ai-swarm-sub000/internal/router"
	"github.com/bonjohen/ai-swarm-sub000/internal/storage"
	"github.com/bonjohen/ai-swarm-sub000/internal/telemetry"
)

// State is a run's state. A run owns its state exclusively.
type State map[string]any

// Reserved state keys.
const (
	// DegradationKey holds the budget.DegradationHint while degraded.
	DegradationKey = "_degradation"
	// LastErrorKey holds the failing node's error when on_fail is taken.
	LastErrorKey = "last_error"
)

// DefaultMaxOnFailCycles bounds how often one on_fail edge may be taken.
const DefaultMaxOnFailCycles = 3

// Run statuses.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

const tracerName = "github.com/bonjohen/ai-swarm-sub000/internal/orchestrator"

// AgentResolver finds agents by name. *agent.Registry implements it.
type AgentResolver interface {
	Get(name string) (agent.Agent, error)
}

// Result is the outcome of a run. Events hold every attempt in order,
// including for failed runs.
type Result struct {
	RunID   string                `json:"run_id"`
	GraphID string                `json:"graph_id"`
	Status  string                `json:"status"`
	State   State                 `json:"state"`
	Events  []telemetry.NodeEvent `json:"events"`
	Ledger  budget.Snapshot       `json:"ledger"`
	// LastNode is the last node that ran, successfully or not.
	LastNode string `json:"last_node,omitempty"`
	Err      error  `json:"-"`
}

// Error returns the failure message, empty for completed runs.
func (r *Result) Error() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

// =============================================================================
// ORCHESTRATOR
// =============================================================================

// Orchestrator executes graphs. It keeps no per-run state and may run
// many graphs concurrently.
type Orchestrator struct {
	agents          AgentResolver
	router          *router.Router
	defaultModel    model.Model
	store           storage.CheckpointStore
	sink            telemetry.Sink
	limits          budget.Limits
	maxOnFailCycles int
	sleep           func(ctx context.Context, d time.Duration) error
	now             func() time.Time
	tracer          trace.Tracer
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithRouter resolves models for nodes that declare a policy.
func WithRouter(r *router.Router) Option {
	return func(o *Orchestrator) { o.router = r }
}

// WithDefaultModel is used for nodes without a policy.
func WithDefaultModel(m model.Model) Option {
	return func(o *Orchestrator) { o.defaultModel = m }
}

// WithCheckpoints enables checkpointing and ResumeFrom.
func WithCheckpoints(s storage.CheckpointStore) Option {
	return func(o *Orchestrator) { o.store = s }
}

// WithSink sets where node events go. Defaults to telemetry.Nop.
func WithSink(s telemetry.Sink) Option {
	return func(o *Orchestrator) { o.sink = s }
}

// WithBudget sets the default per-run caps.
func WithBudget(l budget.Limits) Option {
	return func(o *Orchestrator) { o.limits = l }
}

// WithMaxOnFailCycles overrides DefaultMaxOnFailCycles.
func WithMaxOnFailCycles(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxOnFailCycles = n
		}
	}
}

// WithSleep replaces the backoff sleep, for tests.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(o *Orchestrator) { o.sleep = fn }
}

// New creates an orchestrator over agents.
func New(agents AgentResolver, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		agents:          agents,
		sink:            telemetry.Nop{},
		maxOnFailCycles: DefaultMaxOnFailCycles,
		sleep:           sleepContext,
		now:             time.Now,
		tracer:          otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// RunOption configures one run.
type RunOption func(*runConfig)

type runConfig struct {
	runID  string
	limits *budget.Limits
}

// WithRunID sets the run id instead of generating one.
func WithRunID(id string) RunOption {
	return func(c *runConfig) { c.runID = id }
}

// WithLimits overrides the orchestrator's budget caps for one run.
func WithLimits(l budget.Limits) RunOption {
	return func(c *runConfig) { c.limits = &l }
}

// =============================================================================
// EXECUTE / RESUME
// =============================================================================

// Execute runs g from its entry with initial state. The returned error is
// the run's failure, also available as Result.Err; the Result is never nil.
func (o *Orchestrator) Execute(ctx context.Context, g *graph.Graph, initial State, opts ...RunOption) (*Result, error) {
	r := o.newRun(g, opts)
	for k, v := range initial {
		r.state[k] = v
	}
	if err := o.preflight(g); err != nil {
		return r.fail(err, ""), err
	}
	return o.drive(ctx, r, g.Entry)
}

// ResumeFrom continues run runID after node, using the state checkpointed
// when node succeeded. Nodes up to and including node are not re-run.
func (o *Orchestrator) ResumeFrom(ctx context.Context, g *graph.Graph, runID, node string, opts ...RunOption) (*Result, error) {
	opts = append([]RunOption{WithRunID(runID)}, opts...)
	r := o.newRun(g, opts)
	if err := o.preflight(g); err != nil {
		return r.fail(err, ""), err
	}
	if o.store == nil {
		return r.fail(ErrNoCheckpointStore, ""), ErrNoCheckpointStore
	}
	n, ok := g.Node(node)
	if !ok {
		err := &graph.GraphError{GraphID: g.ID, Problems: []string{fmt.Sprintf("resume node %q does not exist", node)}}
		return r.fail(err, ""), err
	}
	cp, err := o.store.Load(ctx, runID, node)
	if err != nil {
		err = fmt.Errorf("resume %s from %s: %w", runID, node, err)
		return r.fail(err, node), err
	}
	for k, v := range cp.State {
		r.state[k] = v
	}
	r.ledger.Restore(cp.Ledger)

	log.Info(ctx,
		log.KV{K: "msg", V: "resuming run"},
		log.KV{K: "run_id", V: runID},
		log.KV{K: "after", V: node},
	)
	if n.End {
		r.lastNode = node
		return r.complete(), nil
	}
	return o.drive(ctx, r, n.Next)
}

// preflight validates the graph and that every agent it names resolves.
func (o *Orchestrator) preflight(g *graph.Graph) error {
	if err := g.Validate(); err != nil {
		return err
	}
	var problems []string
	for _, n := range g.NodeList() {
		if _, err := o.agents.Get(n.Agent); err != nil {
			problems = append(problems, fmt.Sprintf("node %q: %v", n.Name, err))
		}
	}
	if len(problems) > 0 {
		return &graph.GraphError{GraphID: g.ID, Problems: problems}
	}
	return nil
}

func (o *Orchestrator) newRun(g *graph.Graph, opts []RunOption) *run {
	cfg := runConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.runID == "" {
		cfg.runID = uuid.NewString()
	}
	limits := o.limits
	if cfg.limits != nil {
		limits = *cfg.limits
	}
	return &run{
		id:     cfg.runID,
		graph:  g,
		state:  State{},
		ledger: budget.NewLedgerWithClock(limits, o.now),
		onFail: make(map[edge]int),
	}
}

// =============================================================================
// RUN LOOP
// =============================================================================

type edge struct{ from, to string }

// run is the state of one execution. It is owned by a single goroutine.
type run struct {
	id       string
	graph    *graph.Graph
	state    State
	ledger   *budget.Ledger
	events   []telemetry.NodeEvent
	onFail   map[edge]int
	lastNode string
}

func (r *run) result(status string, err error) *Result {
	return &Result{
		RunID:    r.id,
		GraphID:  r.graph.ID,
		Status:   status,
		State:    r.state,
		Events:   r.events,
		Ledger:   r.ledger.Snapshot(),
		LastNode: r.lastNode,
		Err:      err,
	}
}

func (r *run) complete() *Result { return r.result(StatusCompleted, nil) }

func (r *run) fail(err error, node string) *Result {
	if node != "" {
		r.lastNode = node
	}
	return r.result(StatusFailed, err)
}

func (o *Orchestrator) drive(ctx context.Context, r *run, start string) (*Result, error) {
	ctx, span := o.tracer.Start(ctx, "swarm.run", trace.WithAttributes(runAttrs(r)...))
	defer span.End()

	for current := start; current != ""; {
		node, _ := r.graph.Node(current)
		r.lastNode = node.Name

		if err := ctx.Err(); err != nil {
			return o.finish(ctx, span, r.fail(err, node.Name))
		}

		if missing := missingInputs(node, r.state); len(missing) > 0 {
			err := &MissingStateError{Node: node.Name, Keys: missing}
			o.emit(ctx, r, node, 1, attemptInfo{}, err, 0)
			return o.finish(ctx, span, r.fail(err, node.Name))
		}

		lastErr, attempt, aborted := o.runNode(ctx, r, node)
		if aborted {
			return o.finish(ctx, span, r.fail(lastErr, node.Name))
		}
		if lastErr == nil {
			o.checkpoint(ctx, r, node)
			if node.End {
				return o.finish(ctx, span, r.complete())
			}
			current = node.Next
			continue
		}

		nodeErr := &NodeError{RunID: r.id, Node: node.Name, Agent: node.Agent, Attempt: attempt, Err: lastErr}
		if node.OnFail == "" {
			return o.finish(ctx, span, r.fail(nodeErr, node.Name))
		}
		e := edge{node.Name, node.OnFail}
		r.onFail[e]++
		if r.onFail[e] > o.maxOnFailCycles {
			nodeErr.Err = fmt.Errorf("%w (%s -> %s taken %d times): %w", ErrOnFailLoop, e.from, e.to, r.onFail[e]-1, lastErr)
			return o.finish(ctx, span, r.fail(nodeErr, node.Name))
		}
		log.Warn(ctx,
			log.KV{K: "msg", V: "node failed, taking on_fail"},
			log.KV{K: "run_id", V: r.id},
			log.KV{K: "node", V: node.Name},
			log.KV{K: "on_fail", V: node.OnFail},
			log.KV{K: "cycle", V: r.onFail[e]},
		)
		r.state[LastErrorKey] = lastErr.Error()
		current = node.OnFail
	}
	return o.finish(ctx, span, r.complete())
}

// runNode runs a node's attempts. aborted is set when the run must end
// regardless of on_fail: budget caps and cancellation.
func (o *Orchestrator) runNode(ctx context.Context, r *run, node *graph.Node) (lastErr error, attempt int, aborted bool) {
	maxAttempts := node.MaxAttempts()
	for attempt = 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			if err := o.sleep(ctx, node.Backoff()); err != nil {
				return err, attempt - 1, true
			}
		}

		if err := r.ledger.Check(node.Name, node.Budget); err != nil {
			o.emit(ctx, r, node, attempt, attemptInfo{}, err, 0)
			return err, attempt, true
		}
		if hint, ok := r.ledger.Hint(); ok {
			r.state[DegradationKey] = hint
		} else {
			delete(r.state, DegradationKey)
		}

		start := o.now()
		info, err := o.attempt(ctx, r, node, attempt)
		o.emit(ctx, r, node, attempt, info, err, o.now().Sub(start))
		if err == nil {
			return nil, attempt, false
		}
		lastErr = err

		if ctx.Err() != nil {
			return ctx.Err(), attempt, true
		}
		if !retryable(err) {
			break
		}
	}
	if attempt > maxAttempts {
		attempt = maxAttempts
	}
	return lastErr, attempt, false
}

// attemptInfo is what one attempt contributes to its event.
type attemptInfo struct {
	decision router.Decision
	routed   bool
	usage    agent.Usage
}

func (o *Orchestrator) attempt(ctx context.Context, r *run, node *graph.Node, attempt int) (attemptInfo, error) {
	var info attemptInfo

	ctx, span := o.tracer.Start(ctx, "swarm.node", trace.WithAttributes(nodeAttrs(r, node, attempt)...))
	defer span.End()

	m := o.defaultModel
	if node.Policy != nil && o.router != nil {
		d, err := o.router.SelectModel(ctx, *node.Policy, r.state)
		if err != nil {
			recordSpanError(span, err)
			return info, err
		}
		info.decision, info.routed = d, true
		m = d.Model
		span.SetAttributes(decisionAttrs(d)...)
	}

	a, err := o.agents.Get(node.Agent)
	if err != nil {
		recordSpanError(span, err)
		return info, err
	}

	in := agent.Input{
		RunID: r.id,
		Node:  node.Name,
		State: r.state.clone(),
		Model: m,
	}
	if hint, ok := r.ledger.Hint(); ok {
		in.Hint = &hint
	}

	out, err := a.Run(ctx, in)
	info.usage = out.Usage
	if info.usage.CostUSD == 0 && info.routed {
		info.usage.CostUSD = info.decision.Entry.Cost(out.Usage.TokensIn, out.Usage.TokensOut)
	}
	r.ledger.Record(info.usage.TokensIn, info.usage.TokensOut, info.usage.CostUSD, node.Name)

	if info.routed && err != nil {
		o.router.ReportFailure(ctx, info.decision, err)
	}
	if err != nil {
		recordSpanError(span, err)
		return info, err
	}

	if missing := missingOutputs(node, out.Delta); len(missing) > 0 {
		err := &agent.ValidationError{Agent: node.Agent, Problems: []string{"missing outputs: " + strings.Join(missing, ", ")}}
		recordSpanError(span, err)
		return info, err
	}

	for _, flag := range out.ReviewFlags {
		r.ledger.FlagHumanReview(node.Name + ": " + flag)
	}
	for k, v := range out.Delta {
		r.state[k] = v
	}
	return info, nil
}

func (o *Orchestrator) emit(ctx context.Context, r *run, node *graph.Node, attempt int, info attemptInfo, err error, dur time.Duration) {
	snap := r.ledger.Snapshot()
	e := telemetry.NodeEvent{
		EventID:        uuid.NewString(),
		Timestamp:      o.now().UTC(),
		RunID:          r.id,
		GraphID:        r.graph.ID,
		NodeID:         node.Name,
		AgentID:        node.Agent,
		Status:         telemetry.StatusSuccess,
		Attempt:        attempt,
		TokensIn:       info.usage.TokensIn,
		TokensOut:      info.usage.TokensOut,
		CostUSD:        info.usage.CostUSD,
		RunTokens:      snap.TokensIn + snap.TokensOut,
		RunCostUSD:     snap.CostUSD,
		ElapsedSeconds: snap.ElapsedSeconds,
		DurationMs:     dur.Milliseconds(),
	}
	if info.routed {
		e.Model = info.decision.Entry.Name
		e.Tier = info.decision.Tier.String()
		e.Escalated = info.decision.Escalated
	} else if m := o.defaultModel; m != nil {
		e.Model = m.Name()
	}
	if err != nil {
		e.Status = telemetry.StatusFailed
		e.Error = err.Error()
	}
	r.events = append(r.events, e)
	o.sink.RecordNodeEvent(ctx, e)
}

func (o *Orchestrator) checkpoint(ctx context.Context, r *run, node *graph.Node) {
	if o.store == nil {
		return
	}
	cp := storage.Checkpoint{
		RunID:   r.id,
		GraphID: r.graph.ID,
		Node:    node.Name,
		State:   r.state,
		Ledger:  r.ledger.Snapshot(),
		SavedAt: o.now().UTC(),
	}
	if err := o.store.Save(ctx, cp); err != nil {
		log.Error(ctx, err,
			log.KV{K: "msg", V: "checkpoint failed"},
			log.KV{K: "run_id", V: r.id},
			log.KV{K: "node", V: node.Name},
		)
	}
}

func (o *Orchestrator) finish(ctx context.Context, span trace.Span, res *Result) (*Result, error) {
	span.SetAttributes(resultAttrs(res)...)
	if res.Err != nil {
		recordSpanError(span, res.Err)
		log.Error(ctx, res.Err,
			log.KV{K: "msg", V: "run failed"},
			log.KV{K: "run_id", V: res.RunID},
			log.KV{K: "node", V: res.LastNode},
		)
		return res, res.Err
	}
	log.Info(ctx,
		log.KV{K: "msg", V: "run completed"},
		log.KV{K: "run_id", V: res.RunID},
		log.KV{K: "events", V: len(res.Events)},
		log.KV{K: "cost_usd", V: res.Ledger.CostUSD},
	)
	return res, nil
}

// =============================================================================
// HELPERS
// =============================================================================

// retryable reports whether another attempt at the same node can help.
// Non-retryable provider errors fail the node at once.
func retryable(err error) bool {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable
	}
	return true
}

func missingInputs(node *graph.Node, state State) []string {
	var missing []string
	for _, k := range node.Inputs {
		if _, ok := state[k]; !ok {
			missing = append(missing, k)
		}
	}
	return missing
}

func missingOutputs(node *graph.Node, delta map[string]any) []string {
	var missing []string
	for _, k := range node.Outputs {
		if _, ok := delta[k]; !ok {
			missing = append(missing, k)
		}
	}
	return missing
}

func (s State) clone() map[string]any {
	out := make(map[string]any, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
