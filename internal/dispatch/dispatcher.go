// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"goa.design/clue/log"

	"github.com/bonjohen/ai-swarm-sub000/internal/agent"
	"github.com/bonjohen/ai-swarm-sub000/internal/commands"
	"github.com/bonjohen/ai-swarm-sub000/internal/model"
	"github.com/bonjohen/ai-swarm-sub000/internal/provider"
	"github.com/bonjohen/ai-swarm-sub000/internal/router"
	"github.com/bonjohen/ai-swarm-sub000/internal/telemetry"
	"github.com/bonjohen/ai-swarm-sub000/internal/util"
)

// =============================================================================
// DISPATCHER
// =============================================================================

// Dispatcher routes requests through the tiers. Safe for concurrent use.
type Dispatcher struct {
	mu   sync.RWMutex
	cfg  Config
	sems [3]semaphore // tiers 1..3

	commands *commands.Registry
	tier1    model.Model
	tier2    model.Model
	pool     *provider.Registry
	sink     telemetry.Sink
	metrics  *metrics
	now      func() time.Time
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithCommands enables Tier 0.
func WithCommands(r *commands.Registry) Option {
	return func(d *Dispatcher) { d.commands = r }
}

// WithTier1 sets the classifier model.
func WithTier1(m model.Model) Option {
	return func(d *Dispatcher) { d.tier1 = m }
}

// WithTier2 sets the reasoning model.
func WithTier2(m model.Model) Option {
	return func(d *Dispatcher) { d.tier2 = m }
}

// WithProviders enables Tier 3 over the registry's pool.
func WithProviders(r *provider.Registry) Option {
	return func(d *Dispatcher) { d.pool = r }
}

// WithSink sets where decisions are recorded. Defaults to telemetry.Nop.
func WithSink(s telemetry.Sink) Option {
	return func(d *Dispatcher) { d.sink = s }
}

// New creates a dispatcher. Tiers without a configured backend are skipped.
func New(cfg Config, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		sink:    telemetry.Nop{},
		metrics: newMetrics(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.UpdateConfig(cfg)
	return d
}

// Config returns the active configuration.
func (d *Dispatcher) Config() Config {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cfg
}

// UpdateConfig swaps thresholds and limits. Semaphores are rebuilt only
// for tiers whose concurrency changed; in-flight calls keep their slots.
func (d *Dispatcher) UpdateConfig(cfg Config) {
	cfg = cfg.withDefaults()
	d.mu.Lock()
	defer d.mu.Unlock()

	limits := [3]int{cfg.Tier1.Concurrency, cfg.Tier2.Concurrency, cfg.Tier3.Concurrency}
	for i, n := range limits {
		if n <= 0 {
			n = 1
		}
		if d.sems[i] == nil || cap(d.sems[i]) != n {
			d.sems[i] = newSemaphore(n)
		}
	}
	d.cfg = cfg
}

func (d *Dispatcher) snapshot() (Config, [3]semaphore) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cfg, d.sems
}

// dispatchRun carries one request's escalation context between tiers.
type dispatchRun struct {
	input     string
	cfg       Config
	sems      [3]semaphore
	class     *Classification
	reasoning *Reasoning
	reasons   []string
	escalated bool
}

func (r *dispatchRun) note(format string, args ...any) {
	r.reasons = append(r.reasons, fmt.Sprintf(format, args...))
}

// Dispatch resolves input. The error is non-nil only when ctx ends before
// a result is reached; tier failures escalate instead of erroring.
func (d *Dispatcher) Dispatch(ctx context.Context, input string) (Result, error) {
	start := d.now()
	cfg, sems := d.snapshot()
	run := &dispatchRun{input: input, cfg: cfg, sems: sems}

	res, err := d.resolve(ctx, run)
	if err != nil {
		return Result{}, err
	}

	res.DecisionID = telemetry.NewID()
	res.LatencyMs = d.now().Sub(start).Milliseconds()
	if res.Reason == "" && len(run.reasons) > 0 {
		res.Reason = strings.Join(run.reasons, "; ")
	}

	d.sink.RecordDecision(ctx, res.record(input))
	d.metrics.record(ctx, res)
	log.Debug(ctx,
		log.KV{K: "msg", V: "dispatch"},
		log.KV{K: "tier", V: res.Tier.String()},
		log.KV{K: "action", V: res.Action},
		log.KV{K: "escalated", V: res.Escalated},
		log.KV{K: "latency_ms", V: res.LatencyMs},
	)
	return res, nil
}

func (d *Dispatcher) resolve(ctx context.Context, run *dispatchRun) (Result, error) {
	// Static checks first: no network call for input we will reject anyway.
	if _, reason := Sanitize(run.input, run.cfg.MaxInputLength); reason != "" {
		return Result{
			Tier:          router.TierRules,
			Action:        ActionRejected,
			Confidence:    1.0,
			Reason:        reason,
			SafetyFlagged: true,
			SafetyReason:  reason,
		}, nil
	}

	if res, ok := d.tier0(run); ok {
		return res, nil
	}

	steps := []func(context.Context, *dispatchRun) (Result, bool){d.tier1Step, d.tier2Step, d.tier3Step}
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		if res, ok := step(ctx, run); ok {
			return res, nil
		}
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	return Result{
		Tier:      router.TierNone,
		Action:    ActionNeedsEscalation,
		Escalated: run.escalated,
		Intent:    intentOf(run.class),
	}, nil
}

// =============================================================================
// TIER 0
// =============================================================================

func (d *Dispatcher) tier0(run *dispatchRun) (Result, bool) {
	if d.commands == nil {
		return Result{}, false
	}
	if m, ok := d.commands.Match(run.input); ok {
		return fromMatch(m, "matched "+m.Command), true
	}
	m, pr := d.commands.MatchPayload(run.input)
	switch pr {
	case commands.PayloadMatched:
		return fromMatch(m, "payload command "+m.Command), true
	case commands.PayloadUnknown:
		return Result{
			Tier:       router.TierRules,
			Action:     commands.ActionUnknownCommand,
			Target:     m.Command,
			Confidence: 1.0,
			Reason:     fmt.Sprintf("unknown command %q", m.Command),
		}, true
	}
	return Result{}, false
}

func fromMatch(m commands.Match, reason string) Result {
	return Result{
		Tier:       router.TierRules,
		Action:     m.Action,
		Target:     m.Target,
		Args:       m.Args,
		Confidence: 1.0,
		Reason:     reason,
	}
}

// =============================================================================
// TIER 1
// =============================================================================

func (d *Dispatcher) tier1Step(ctx context.Context, run *dispatchRun) (Result, bool) {
	if d.tier1 == nil {
		return Result{}, false
	}
	var class Classification
	err := d.callTier(ctx, run, router.TierClassifier, d.tier1, classifierSystem, classifierPrompt(run.input), func(text string) error {
		return decodeInto(classificationSchema, text, &class)
	})
	if err != nil {
		run.note("tier 1 unavailable: %v", err)
		return Result{}, false
	}
	run.class = &class

	if class.SafetyFlag {
		reason := class.SafetyReason
		if reason == "" {
			reason = "flagged by classifier"
		}
		return Result{
			Tier:          router.TierClassifier,
			Action:        ActionRejected,
			Intent:        class.Intent,
			Confidence:    class.Confidence,
			Reason:        reason,
			SafetyFlagged: true,
			SafetyReason:  reason,
		}, true
	}

	composite := router.CompositeScore(class.ComplexityScore, class.Confidence, class.HallucinationRisk, run.cfg.Weights)
	switch {
	case class.RecommendedTier != 1:
		run.note("tier 1 recommended tier %d", class.RecommendedTier)
	case class.Confidence < run.cfg.ConfidenceThreshold:
		run.note("tier 1 confidence %.2f below %.2f", class.Confidence, run.cfg.ConfidenceThreshold)
	case composite > run.cfg.CompositeThreshold:
		run.note("tier 1 composite %.2f above %.2f", composite, run.cfg.CompositeThreshold)
	default:
		return Result{
			Tier:       router.TierClassifier,
			Action:     class.Action,
			Target:     class.Target,
			Intent:     class.Intent,
			Confidence: class.Confidence,
			Reason:     fmt.Sprintf("classified %s (composite %.2f)", class.Intent, composite),
		}, true
	}
	run.escalated = true
	return Result{}, false
}

// =============================================================================
// TIER 2
// =============================================================================

func (d *Dispatcher) tier2Step(ctx context.Context, run *dispatchRun) (Result, bool) {
	if d.tier2 == nil {
		return Result{}, false
	}
	var rs Reasoning
	err := d.callTier(ctx, run, router.TierReasoning, d.tier2, reasoningSystem, reasoningPrompt(run.input, run.class), func(text string) error {
		return decodeInto(reasoningSchema, text, &rs)
	})
	if err != nil {
		run.note("tier 2 unavailable: %v", err)
		return Result{}, false
	}
	run.reasoning = &rs

	switch {
	case rs.Escalate:
		run.note("tier 2 asked to escalate")
	case rs.QualityScore < run.cfg.QualityThreshold:
		run.note("tier 2 quality %.2f below %.2f", rs.QualityScore, run.cfg.QualityThreshold)
	default:
		return Result{
			Tier:       router.TierReasoning,
			Action:     rs.Action,
			Target:     rs.Target,
			Intent:     intentOf(run.class),
			Confidence: rs.QualityScore,
			Quality:    rs.QualityScore,
			Escalated:  run.escalated,
			Reason:     fmt.Sprintf("reasoned at depth %d", rs.ReasoningDepth),
		}, true
	}
	run.escalated = true
	return Result{}, false
}

// callTier runs one model tier under its semaphore with repair re-asks.
func (d *Dispatcher) callTier(ctx context.Context, run *dispatchRun, tier router.Tier, m model.Model, system, user string, validate agent.Validator) error {
	limits := run.cfg.Tier1
	if tier == router.TierReasoning {
		limits = run.cfg.Tier2
	}
	release, err := run.sems[tier-1].acquire(ctx, limits.AcquireTimeout)
	if err != nil {
		return err
	}
	defer release()

	loop := agent.RepairLoop{MaxRepairs: run.cfg.MaxReasks, CallTimeout: limits.CallTimeout}
	res, err := loop.Run(ctx, m, system, user, validate)
	if err != nil {
		log.Warn(ctx,
			log.KV{K: "msg", V: "tier call failed"},
			log.KV{K: "tier", V: tier.String()},
			log.KV{K: "attempts", V: res.Attempts},
			log.KV{K: "err", V: err.Error()},
		)
	}
	return err
}

// =============================================================================
// TIER 3
// =============================================================================

func (d *Dispatcher) tier3Step(ctx context.Context, run *dispatchRun) (Result, bool) {
	if d.pool == nil {
		run.note("no frontier pool configured")
		return Result{}, false
	}
	cfg := run.cfg.Tier3
	release, err := run.sems[2].acquire(ctx, cfg.AcquireTimeout)
	if err != nil {
		run.note("tier 3 unavailable: %v", err)
		return Result{}, false
	}
	defer release()

	prompt := frontierPrompt(run.input, run.class, run.reasoning)
	req := cfg.Requirements
	req.Exclude = slices.Clone(req.Exclude)
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		e, err := d.pool.SelectProviderWithFallback(ctx, req, cfg.Strategy)
		if err != nil {
			run.note("tier 3: %v", err)
			return Result{}, false
		}
		ok, err := d.pool.ReserveCall(ctx, e.Name)
		if err != nil {
			run.note("tier 3: %v", err)
			return Result{}, false
		}
		if !ok {
			run.note("tier 3: %v", provider.ErrDailyCapExceeded)
			return Result{}, false
		}

		c, err := d.callProvider(ctx, e, cfg.CallTimeout, prompt)
		if err != nil {
			if ctx.Err() != nil {
				return Result{}, false
			}
			run.note("provider %s failed: %v", e.Name, err)
			log.Warn(ctx,
				log.KV{K: "msg", V: "frontier provider failed, trying next"},
				log.KV{K: "provider", V: e.Name},
				log.KV{K: "attempt", V: attempt},
				log.KV{K: "err", V: err.Error()},
			)
			// Busy providers (429, 5xx) stay in the pool for other requests.
			req.Exclude = append(req.Exclude, e.Name)
			if model.IsUnreachable(err) || errors.Is(err, errNoAdapter) {
				_ = d.pool.MarkUnavailable(e.Name)
			}
			continue
		}
		return frontierResult(e, c, run), true
	}
	run.note("tier 3 attempts exhausted")
	return Result{}, false
}

var errNoAdapter = errors.New("no adapter registered")

func (d *Dispatcher) callProvider(ctx context.Context, e provider.Entry, timeout time.Duration, prompt string) (model.Completion, error) {
	if e.Model == nil {
		return model.Completion{}, errNoAdapter
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return model.Complete(ctx, e.Model, frontierSystem, prompt)
}

func frontierResult(e provider.Entry, c model.Completion, run *dispatchRun) Result {
	res := Result{
		Tier:       router.TierFrontier,
		Action:     ActionRespond,
		Intent:     intentOf(run.class),
		Confidence: e.Quality,
		Escalated:  true,
		Provider:   e.Name,
		Response:   c.Text,
		CostUSD:    e.Cost(c.TokensIn, c.TokensOut),
		Reason:     "resolved by frontier provider " + e.Name,
	}
	if obj, err := agent.DecodeObject(c.Text); err == nil {
		if a, ok := obj["action"].(string); ok && a != "" {
			res.Action = a
		}
		if t, ok := obj["target"].(string); ok {
			res.Target = t
		}
		if r, ok := obj["response"].(string); ok {
			res.Response = r
		}
	}
	res.Response = util.TruncateRunes(res.Response, maxResponseRunes)
	return res
}

// maxResponseRunes bounds the frontier reply kept on a Result.
const maxResponseRunes = 8000

func intentOf(c *Classification) string {
	if c == nil {
		return ""
	}
	return c.Intent
}
