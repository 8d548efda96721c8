// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package provider

import (
	"errors"
	"fmt"

	"github.com/bonjohen/ai-swarm-sub000/internal/model"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrNoQualifiedProvider is returned when no available provider meets the requirements.
	ErrNoQualifiedProvider = errors.New("no qualified provider available")

	// ErrDailyCapExceeded is returned by fallback selection once the day's calls meet the cap.
	ErrDailyCapExceeded = errors.New("daily provider call cap exceeded")

	// ErrUnknownStrategy is wrapped by the error for an unrecognized strategy name.
	ErrUnknownStrategy = errors.New("unknown selection strategy")

	// ErrUnknownProvider is returned for operations on an unregistered name.
	ErrUnknownProvider = errors.New("unknown provider")
)

// =============================================================================
// STRATEGY
// =============================================================================

// Strategy picks one provider among qualifiers.
type Strategy string

const (
	// CheapestQualified minimizes the average of input/output cost per 1K tokens.
	CheapestQualified Strategy = "cheapest_qualified"
	// HighestQuality maximizes the quality score.
	HighestQuality Strategy = "highest_quality"
	// PreferLocal picks the best local qualifier, else the best remote one.
	PreferLocal Strategy = "prefer_local"
)

// Validate returns an error naming s if it is not a known strategy.
func (s Strategy) Validate() error {
	switch s {
	case CheapestQualified, HighestQuality, PreferLocal:
		return nil
	}
	return fmt.Errorf("%w: %q", ErrUnknownStrategy, string(s))
}

// ParseStrategy converts a configuration string into a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	st := Strategy(s)
	return st, st.Validate()
}

// =============================================================================
// ENTRY & REQUIREMENTS
// =============================================================================

// TagLocal marks providers running on this machine.
const TagLocal = "local"

// Entry describes one provider.
type Entry struct {
	Name         string      `json:"name"`
	Model        model.Model `json:"-"`
	Kind         string      `json:"kind"`
	CostPer1KIn  float64     `json:"cost_per_1k_in"`
	CostPer1KOut float64     `json:"cost_per_1k_out"`
	Quality      float64     `json:"quality"`
	MaxContext   int         `json:"max_context"`
	Tags         []string    `json:"tags,omitempty"`
	Available    bool        `json:"available"`
}

// AvgCostPer1K is the mean of input and output cost per 1K tokens.
func (e Entry) AvgCostPer1K() float64 {
	return (e.CostPer1KIn + e.CostPer1KOut) / 2
}

// HasTag reports whether the entry carries tag.
func (e Entry) HasTag(tag string) bool {
	for _, t := range e.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// IsLocal reports whether the entry is tagged local.
func (e Entry) IsLocal() bool {
	return e.HasTag(TagLocal)
}

// Cost prices a call at this entry's rates.
func (e Entry) Cost(tokensIn, tokensOut int) float64 {
	return float64(tokensIn)/1000*e.CostPer1KIn + float64(tokensOut)/1000*e.CostPer1KOut
}

// Requirements filters candidates. Zero values impose no bound.
type Requirements struct {
	MinQuality    float64  `json:"min_quality,omitempty" yaml:"min_quality,omitempty"`
	MaxCostPer1K  float64  `json:"max_cost_per_1k,omitempty" yaml:"max_cost_per_1k,omitempty"`
	MinContext    int      `json:"min_context,omitempty" yaml:"min_context,omitempty"`
	PreferredTags []string `json:"preferred_tags,omitempty" yaml:"preferred_tags,omitempty"`
	// Exclude names providers to skip, such as ones already tried.
	Exclude []string `json:"-" yaml:"-"`
}

// Allows reports whether e meets the hard bounds.
func (r Requirements) Allows(e Entry) bool {
	for _, name := range r.Exclude {
		if e.Name == name {
			return false
		}
	}
	if e.Quality < r.MinQuality {
		return false
	}
	if r.MinContext > 0 && e.MaxContext < r.MinContext {
		return false
	}
	if r.MaxCostPer1K > 0 && e.AvgCostPer1K() > r.MaxCostPer1K {
		return false
	}
	return true
}

func (r Requirements) preferred(e Entry) bool {
	for _, t := range r.PreferredTags {
		if !e.HasTag(t) {
			return false
		}
	}
	return true
}
