// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package provider

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Config configures a Registry.
type Config struct {
	// DailyCap is the maximum number of recorded calls per UTC day. 0 = unlimited.
	DailyCap int
	// Counter stores the day's call count. Defaults to a MemoryCounter.
	Counter CapCounter
	// Now is the clock used to pick the day bucket. Defaults to time.Now.
	Now func() time.Time
}

// Registry is the concurrency-safe provider catalog.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	order   []string
	calls   map[string]int64

	dailyCap int
	counter  CapCounter
	now      func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg Config) *Registry {
	if cfg.Counter == nil {
		cfg.Counter = NewMemoryCounter()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Registry{
		entries:  make(map[string]*Entry),
		calls:    make(map[string]int64),
		dailyCap: cfg.DailyCap,
		counter:  cfg.Counter,
		now:      cfg.Now,
	}
}

// =============================================================================
// CATALOG
// =============================================================================

// Register upserts e by name. Re-registering keeps the original position in
// selection order, and a nil Model keeps the adapter already registered.
func (r *Registry) Register(e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e.Tags = append([]string(nil), e.Tags...)
	if existing, ok := r.entries[e.Name]; ok {
		if e.Model == nil {
			e.Model = existing.Model
		}
		*existing = e
		return
	}
	r.entries[e.Name] = &e
	r.order = append(r.order, e.Name)
}

// UpdateMetadata replaces cost, quality, context, kind and tags of an
// existing entry, leaving its adapter and availability untouched.
func (r *Registry) UpdateMetadata(e Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.entries[e.Name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownProvider, e.Name)
	}
	existing.Kind = e.Kind
	existing.CostPer1KIn = e.CostPer1KIn
	existing.CostPer1KOut = e.CostPer1KOut
	existing.Quality = e.Quality
	existing.MaxContext = e.MaxContext
	existing.Tags = append([]string(nil), e.Tags...)
	return nil
}

// Get returns a copy of the named entry.
func (r *Registry) Get(name string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// List returns every entry in registration order.
func (r *Registry) List() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, *r.entries[name])
	}
	return out
}

// ListAvailable returns entries whose availability flag is set.
func (r *Registry) ListAvailable() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, 0, len(r.order))
	for _, name := range r.order {
		if e := r.entries[name]; e.Available {
			out = append(out, *e)
		}
	}
	return out
}

// MarkUnavailable clears the availability flag.
func (r *Registry) MarkUnavailable(name string) error {
	return r.setAvailable(name, false)
}

// MarkAvailable sets the availability flag.
func (r *Registry) MarkAvailable(name string) error {
	return r.setAvailable(name, true)
}

func (r *Registry) setAvailable(name string, available bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	e.Available = available
	return nil
}

// =============================================================================
// SELECTION
// =============================================================================

// SelectProvider filters available entries by req and applies strategy.
func (r *Registry) SelectProvider(req Requirements, strategy Strategy) (Entry, error) {
	if err := strategy.Validate(); err != nil {
		return Entry{}, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var qualified []*Entry
	for _, name := range r.order {
		e := r.entries[name]
		if e.Available && req.Allows(*e) {
			qualified = append(qualified, e)
		}
	}
	if len(qualified) == 0 {
		return Entry{}, ErrNoQualifiedProvider
	}

	if len(req.PreferredTags) > 0 {
		var preferred []*Entry
		for _, e := range qualified {
			if req.preferred(*e) {
				preferred = append(preferred, e)
			}
		}
		if len(preferred) > 0 {
			qualified = preferred
		}
	}

	var chosen *Entry
	switch strategy {
	case CheapestQualified:
		for _, e := range qualified {
			if chosen == nil || e.AvgCostPer1K() < chosen.AvgCostPer1K() {
				chosen = e
			}
		}
	case HighestQuality:
		chosen = bestQuality(qualified)
	case PreferLocal:
		var local []*Entry
		for _, e := range qualified {
			if e.IsLocal() {
				local = append(local, e)
			}
		}
		if len(local) > 0 {
			chosen = bestQuality(local)
		} else {
			chosen = bestQuality(qualified)
		}
	}
	return *chosen, nil
}

// SelectProviderWithFallback is SelectProvider gated by the daily cap. It
// may be called again after MarkUnavailable on a failed choice, or with the
// failed name in req.Exclude, to obtain the next-best candidate. The cap
// check here is advisory; ReserveCall is what holds a slot.
func (r *Registry) SelectProviderWithFallback(ctx context.Context, req Requirements, strategy Strategy) (Entry, error) {
	if err := strategy.Validate(); err != nil {
		return Entry{}, err
	}
	exceeded, err := r.IsCapExceeded(ctx)
	if err != nil {
		return Entry{}, err
	}
	if exceeded {
		return Entry{}, ErrDailyCapExceeded
	}
	return r.SelectProvider(req, strategy)
}

// bestQuality returns the highest-quality entry; ties keep the earlier one.
func bestQuality(entries []*Entry) *Entry {
	var best *Entry
	for _, e := range entries {
		if best == nil || e.Quality > best.Quality {
			best = e
		}
	}
	return best
}

// =============================================================================
// DAILY CAP
// =============================================================================

// DayKey returns the UTC calendar-day bucket for t.
func DayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// RecordCall counts one call against today's cap and the provider's total.
func (r *Registry) RecordCall(ctx context.Context, name string) error {
	if _, err := r.counter.Incr(ctx, DayKey(r.now())); err != nil {
		return fmt.Errorf("record call for %q: %w", name, err)
	}
	r.mu.Lock()
	r.calls[name]++
	r.mu.Unlock()
	return nil
}

// ReserveCall counts one call against today's cap before the call is made.
// The increment comes first, so concurrent callers cannot all pass a check
// that only one of them may: when it takes the day past the cap it is taken
// back and ok is false. Callers that get ok make the call.
func (r *Registry) ReserveCall(ctx context.Context, name string) (ok bool, err error) {
	day := DayKey(r.now())
	n, err := r.counter.Incr(ctx, day)
	if err != nil {
		return false, fmt.Errorf("reserve call for %q: %w", name, err)
	}
	if limit := r.DailyCap(); limit > 0 && n > int64(limit) {
		if _, err := r.counter.Decr(ctx, day); err != nil {
			return false, fmt.Errorf("release call for %q: %w", name, err)
		}
		return false, nil
	}
	r.mu.Lock()
	r.calls[name]++
	r.mu.Unlock()
	return true, nil
}

// CallsToday returns the number of calls recorded in the current UTC day.
func (r *Registry) CallsToday(ctx context.Context) (int64, error) {
	return r.counter.Count(ctx, DayKey(r.now()))
}

// IsCapExceeded reports whether today's calls have met the cap.
func (r *Registry) IsCapExceeded(ctx context.Context) (bool, error) {
	r.mu.RLock()
	limit := r.dailyCap
	r.mu.RUnlock()
	if limit <= 0 {
		return false, nil
	}
	n, err := r.CallsToday(ctx)
	if err != nil {
		return false, fmt.Errorf("read daily cap counter: %w", err)
	}
	return n >= int64(limit), nil
}

// SetDailyCap changes the cap; 0 disables it.
func (r *Registry) SetDailyCap(limit int) {
	r.mu.Lock()
	r.dailyCap = limit
	r.mu.Unlock()
}

// DailyCap returns the configured cap.
func (r *Registry) DailyCap() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.dailyCap
}

// CallCounts returns lifetime recorded calls per provider.
func (r *Registry) CallCounts() map[string]int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]int64, len(r.calls))
	for k, v := range r.calls {
		out[k] = v
	}
	return out
}
