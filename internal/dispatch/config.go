// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package dispatch

import (
	"time"

	"github.com/bonjohen/ai-swarm-sub000/internal/provider"
	"github.com/bonjohen/ai-swarm-sub000/internal/router"
)

// Defaults.
const (
	DefaultConfidenceThreshold = 0.7
	DefaultQualityThreshold    = 0.7
	DefaultMaxReasks           = 2
	DefaultTier3Attempts       = 3
)

// TierLimits bounds one model tier.
type TierLimits struct {
	// Concurrency is the number of in-flight calls allowed. Zero means 1.
	Concurrency int
	// AcquireTimeout bounds the wait for a slot.
	AcquireTimeout time.Duration
	// CallTimeout bounds each model call.
	CallTimeout time.Duration
}

// Tier3Config configures frontier pool selection.
type Tier3Config struct {
	TierLimits
	Strategy     provider.Strategy
	Requirements provider.Requirements
	// MaxAttempts bounds provider fallbacks per dispatch.
	MaxAttempts int
}

// Config holds the dispatcher's thresholds and limits. It can be replaced
// at runtime with UpdateConfig.
type Config struct {
	MaxInputLength      int
	ConfidenceThreshold float64
	CompositeThreshold  float64
	QualityThreshold    float64
	Weights             router.Weights
	// MaxReasks is the number of corrective re-asks for invalid model output.
	MaxReasks int

	Tier1 TierLimits
	Tier2 TierLimits
	Tier3 Tier3Config
}

// DefaultConfig returns the default thresholds and limits.
func DefaultConfig() Config {
	return Config{
		MaxInputLength:      DefaultMaxInputLength,
		ConfidenceThreshold: DefaultConfidenceThreshold,
		CompositeThreshold:  router.DefaultCompositeThreshold,
		QualityThreshold:    DefaultQualityThreshold,
		Weights:             router.DefaultWeights(),
		MaxReasks:           DefaultMaxReasks,
		Tier1:               TierLimits{Concurrency: 4, AcquireTimeout: 2 * time.Second, CallTimeout: 10 * time.Second},
		Tier2:               TierLimits{Concurrency: 2, AcquireTimeout: 5 * time.Second, CallTimeout: 60 * time.Second},
		Tier3: Tier3Config{
			TierLimits:  TierLimits{Concurrency: 4, AcquireTimeout: 5 * time.Second, CallTimeout: 120 * time.Second},
			Strategy:    provider.CheapestQualified,
			MaxAttempts: DefaultTier3Attempts,
		},
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxInputLength <= 0 {
		c.MaxInputLength = d.MaxInputLength
	}
	if c.ConfidenceThreshold <= 0 {
		c.ConfidenceThreshold = d.ConfidenceThreshold
	}
	if c.CompositeThreshold <= 0 {
		c.CompositeThreshold = d.CompositeThreshold
	}
	if c.QualityThreshold <= 0 {
		c.QualityThreshold = d.QualityThreshold
	}
	if c.Weights == (router.Weights{}) {
		c.Weights = d.Weights
	}
	if c.MaxReasks < 0 {
		c.MaxReasks = 0
	}
	if c.Tier3.Strategy == "" {
		c.Tier3.Strategy = d.Tier3.Strategy
	}
	if c.Tier3.MaxAttempts <= 0 {
		c.Tier3.MaxAttempts = d.Tier3.MaxAttempts
	}
	return c
}
