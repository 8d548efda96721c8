// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/bonjohen/ai-swarm-sub000/internal/budget"
	"github.com/bonjohen/ai-swarm-sub000/internal/provider"
	"github.com/bonjohen/ai-swarm-sub000/internal/router"
	"github.com/bonjohen/ai-swarm-sub000/internal/util"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete swarm configuration.
type Config struct {
	Version string `toml:"version" json:"version"`

	// Offline restricts the pool to providers on loopback endpoints
	Offline bool `toml:"offline" json:"offline"`

	// Dispatch thresholds shared by all tiers
	Dispatch DispatchConfig `toml:"dispatch" json:"dispatch"`

	// Tier1 is the local micro-classifier
	Tier1 LocalTierConfig `toml:"tier1" json:"tier1"`

	// Tier2 is the local reasoning model
	Tier2 LocalTierConfig `toml:"tier2" json:"tier2"`

	// Tier3 is the frontier provider pool
	Tier3 FrontierConfig `toml:"tier3" json:"tier3"`

	// Providers are the registry entries, local and remote
	Providers []ProviderConfig `toml:"providers" json:"providers"`

	// Agents are the LLM agents graph nodes can name
	Agents []AgentConfig `toml:"agents" json:"agents"`

	// Escalation criteria for graph node routing
	Escalation router.EscalationCriteria `toml:"escalation" json:"escalation"`

	Orchestrator OrchestratorConfig `toml:"orchestrator" json:"orchestrator"`

	// Budget holds the default per-run caps
	Budget budget.Limits `toml:"budget" json:"budget"`

	Telemetry TelemetryConfig `toml:"telemetry" json:"telemetry"`
	Server    ServerConfig    `toml:"server" json:"server"`
	Cap       CapConfig       `toml:"cap" json:"cap"`
}

// DispatchConfig contains the input and escalation thresholds.
type DispatchConfig struct {
	// MaxInputLength is the rune limit for dispatched text
	MaxInputLength int `toml:"max_input_length" json:"max_input_length"`
	// ConfidenceThreshold is the minimum Tier 1 confidence to resolve
	ConfidenceThreshold float64 `toml:"confidence_threshold" json:"confidence_threshold"`
	// CompositeThreshold escalates Tier 1 results scoring at or above it
	CompositeThreshold float64 `toml:"composite_threshold" json:"composite_threshold"`
	// QualityThreshold is the minimum Tier 2 self-reported quality
	QualityThreshold float64 `toml:"quality_threshold" json:"quality_threshold"`
	// Weights for the composite escalation score
	Weights router.Weights `toml:"weights" json:"weights"`
	// MaxReasks is the number of corrective re-asks for invalid output
	MaxReasks int `toml:"max_reasks" json:"max_reasks"`
	// CertGraph is the graph targeted by /cert
	CertGraph string `toml:"cert_graph" json:"cert_graph"`
}

// LocalTierConfig describes an Ollama-served tier.
type LocalTierConfig struct {
	// OllamaURL is the URL of the Ollama server
	OllamaURL string `toml:"ollama_url" json:"ollama_url"`
	// Model is the Ollama model tag
	Model string `toml:"model" json:"model"`
	// ContextSize is num_ctx for the model (0 = server default)
	ContextSize int `toml:"context_size" json:"context_size"`
	// MaxTokens is num_predict (0 = server default)
	MaxTokens   int     `toml:"max_tokens" json:"max_tokens"`
	Temperature float64 `toml:"temperature" json:"temperature"`
	// Concurrency is the number of in-flight calls allowed
	Concurrency int `toml:"concurrency" json:"concurrency"`
	// TimeoutSecs bounds each call
	TimeoutSecs int `toml:"timeout_secs" json:"timeout_secs"`
	// AcquireTimeoutSecs bounds the wait for a concurrency slot
	AcquireTimeoutSecs int `toml:"acquire_timeout_secs" json:"acquire_timeout_secs"`
	// Disabled skips the tier
	Disabled bool `toml:"disabled" json:"disabled"`
}

// FrontierConfig describes Tier 3 selection over the provider registry.
type FrontierConfig struct {
	// Strategy is cheapest_qualified, highest_quality or prefer_local
	Strategy string `toml:"strategy" json:"strategy"`
	// DailyCap is the maximum number of Tier 3 calls per UTC day (0 = unlimited)
	DailyCap int `toml:"daily_cap" json:"daily_cap"`
	// MaxAttempts bounds provider fallbacks per dispatch
	MaxAttempts        int     `toml:"max_attempts" json:"max_attempts"`
	Concurrency        int     `toml:"concurrency" json:"concurrency"`
	TimeoutSecs        int     `toml:"timeout_secs" json:"timeout_secs"`
	AcquireTimeoutSecs int     `toml:"acquire_timeout_secs" json:"acquire_timeout_secs"`
	MinQuality         float64 `toml:"min_quality" json:"min_quality"`
	MaxCostPer1K       float64 `toml:"max_cost_per_1k" json:"max_cost_per_1k"`
}

// ProviderConfig is one registry entry and the adapter that serves it.
type ProviderConfig struct {
	// Name is the registry key
	Name string `toml:"name" json:"name"`
	// Kind selects the adapter: ollama, openrouter, anthropic or openai
	Kind string `toml:"kind" json:"kind"`
	// Model is the provider's model id
	Model   string `toml:"model" json:"model"`
	BaseURL string `toml:"base_url" json:"base_url"`
	// APIKeyEnv names the environment variable holding the key
	APIKeyEnv string `toml:"api_key_env" json:"api_key_env"`
	// APIKey is used when APIKeyEnv is unset. Prefer APIKeyEnv.
	APIKey       string   `toml:"api_key" json:"api_key"`
	CostPer1KIn  float64  `toml:"cost_per_1k_in" json:"cost_per_1k_in"`
	CostPer1KOut float64  `toml:"cost_per_1k_out" json:"cost_per_1k_out"`
	Quality      float64  `toml:"quality" json:"quality"`
	MaxContext   int      `toml:"max_context" json:"max_context"`
	MaxTokens    int      `toml:"max_tokens" json:"max_tokens"`
	Tags         []string `toml:"tags" json:"tags"`
	// RateLimit is requests per second (0 = unlimited)
	RateLimit float64 `toml:"rate_limit" json:"rate_limit"`
	Burst     int     `toml:"burst" json:"burst"`
	Disabled  bool    `toml:"disabled" json:"disabled"`
}

// Key resolves the API key from APIKeyEnv, then APIKey.
func (p ProviderConfig) Key() string {
	if p.APIKeyEnv != "" {
		if v := os.Getenv(p.APIKeyEnv); v != "" {
			return v
		}
	}
	return p.APIKey
}

// AgentConfig defines an LLM agent for graph nodes.
type AgentConfig struct {
	Name   string `toml:"name" json:"name"`
	System string `toml:"system" json:"system"`
	// Prompt is a text/template over the run state
	Prompt string `toml:"prompt" json:"prompt"`
	// PromptFile replaces Prompt with the file's contents
	PromptFile string `toml:"prompt_file" json:"prompt_file"`
	// SchemaFile is a JSON Schema the reply must satisfy
	SchemaFile string `toml:"schema_file" json:"schema_file"`
	// Required lists keys the reply must carry
	Required    []string `toml:"required" json:"required"`
	MaxRepairs  int      `toml:"max_repairs" json:"max_repairs"`
	TimeoutSecs int      `toml:"timeout_secs" json:"timeout_secs"`
}

// Provider kinds.
const (
	KindOllama     = "ollama"
	KindOpenRouter = "openrouter"
	KindAnthropic  = "anthropic"
	KindOpenAI     = "openai"
)

// OrchestratorConfig contains graph execution settings.
type OrchestratorConfig struct {
	// MaxOnFailCycles bounds how often one on_fail edge may be taken
	MaxOnFailCycles int `toml:"max_on_fail_cycles" json:"max_on_fail_cycles"`
	// CheckpointBackend is memory, file or sqlite
	CheckpointBackend string `toml:"checkpoint_backend" json:"checkpoint_backend"`
	// CheckpointDir is used by the file backend (empty = ~/.swarm/checkpoints)
	CheckpointDir string `toml:"checkpoint_dir" json:"checkpoint_dir"`
	// GraphDir is searched for graph names that are not paths
	GraphDir string `toml:"graph_dir" json:"graph_dir"`
	// DefaultModel names the provider used by nodes without a policy
	DefaultModel string `toml:"default_model" json:"default_model"`
}

// TelemetryConfig contains telemetry sinks and logging.
type TelemetryConfig struct {
	// SQLitePath is the database for checkpoints and records (empty = ~/.swarm/swarm.db)
	SQLitePath string `toml:"sqlite_path" json:"sqlite_path"`
	// ArchiveDir enables JSONL archives when set
	ArchiveDir string `toml:"archive_dir" json:"archive_dir"`
	// RetentionDays prunes archives older than this (0 = keep)
	RetentionDays int `toml:"retention_days" json:"retention_days"`
	// MemoryCapacity bounds in-memory records for stats
	MemoryCapacity int `toml:"memory_capacity" json:"memory_capacity"`
	// LogFormat is auto, text or json
	LogFormat string `toml:"log_format" json:"log_format"`
	Debug     bool   `toml:"debug" json:"debug"`
}

// ServerConfig contains the HTTP API settings.
type ServerConfig struct {
	Addr string `toml:"addr" json:"addr"`
	// AuthToken enables bearer authentication when set
	AuthToken string `toml:"auth_token" json:"auth_token"`
	// RateLimit is requests per second per client IP (0 = unlimited)
	RateLimit        float64 `toml:"rate_limit" json:"rate_limit"`
	Burst            int     `toml:"burst" json:"burst"`
	ReadTimeoutSecs  int     `toml:"read_timeout_secs" json:"read_timeout_secs"`
	WriteTimeoutSecs int     `toml:"write_timeout_secs" json:"write_timeout_secs"`
	// RunWorkers is the number of graph runs executed concurrently
	RunWorkers int `toml:"run_workers" json:"run_workers"`
	// MaxQueuedRuns bounds runs waiting for a worker
	MaxQueuedRuns int `toml:"max_queued_runs" json:"max_queued_runs"`
}

// CapConfig selects where the Tier 3 daily counter lives.
type CapConfig struct {
	// Backend is memory or redis
	Backend       string `toml:"backend" json:"backend"`
	RedisAddr     string `toml:"redis_addr" json:"redis_addr"`
	RedisPassword string `toml:"redis_password" json:"redis_password"`
	RedisDB       int    `toml:"redis_db" json:"redis_db"`
	KeyPrefix     string `toml:"key_prefix" json:"key_prefix"`
}

// Backends.
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// =============================================================================
// DEFAULT CONFIGURATION
// =============================================================================

// DefaultOllamaURL is the local Ollama endpoint.
const DefaultOllamaURL = "http://127.0.0.1:11434"

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Version: "1.0.0",

		Dispatch: DispatchConfig{
			MaxInputLength:      4000,
			ConfidenceThreshold: 0.7,
			CompositeThreshold:  router.DefaultCompositeThreshold,
			QualityThreshold:    0.7,
			Weights:             router.DefaultWeights(),
			MaxReasks:           2,
			CertGraph:           "cert-graph",
		},

		Tier1: LocalTierConfig{
			OllamaURL:          DefaultOllamaURL,
			Model:              "qwen2.5:1.5b",
			ContextSize:        4096,
			MaxTokens:          256,
			Temperature:        0,
			Concurrency:        4,
			TimeoutSecs:        10,
			AcquireTimeoutSecs: 2,
		},

		Tier2: LocalTierConfig{
			OllamaURL:          DefaultOllamaURL,
			Model:              "qwen2.5:14b",
			ContextSize:        16384,
			MaxTokens:          1024,
			Temperature:        0.2,
			Concurrency:        2,
			TimeoutSecs:        60,
			AcquireTimeoutSecs: 5,
		},

		Tier3: FrontierConfig{
			Strategy:           string(provider.CheapestQualified),
			DailyCap:           200,
			MaxAttempts:        3,
			Concurrency:        4,
			TimeoutSecs:        120,
			AcquireTimeoutSecs: 5,
		},

		Escalation: router.DefaultEscalationCriteria(),

		Orchestrator: OrchestratorConfig{
			MaxOnFailCycles:   3,
			CheckpointBackend: BackendFile,
		},

		Budget: budget.Limits{
			DegradeAtFraction: budget.DefaultDegradeAtFraction,
		},

		Telemetry: TelemetryConfig{
			MemoryCapacity: 1000,
			LogFormat:      "auto",
		},

		Server: ServerConfig{
			Addr:             "127.0.0.1:8787",
			RateLimit:        10,
			Burst:            20,
			ReadTimeoutSecs:  30,
			WriteTimeoutSecs: 300,
			RunWorkers:       2,
			MaxQueuedRuns:    64,
		},

		Cap: CapConfig{
			Backend:   BackendMemory,
			KeyPrefix: "swarm:tier3",
		},
	}
}

// =============================================================================
// CONFIG PATH HELPERS
// =============================================================================

// ConfigDir returns the swarm configuration directory path.
func ConfigDir() (string, error) {
	if dir := os.Getenv("SWARM_HOME"); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".swarm"), nil
}

// ConfigPathTOML returns the path to the TOML config file.
func ConfigPathTOML() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// ConfigPathJSON returns the path to the JSON config file.
func ConfigPathJSON() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.json"), nil
}

// ActivePath returns the config file Load would read, or the TOML path
// when neither exists.
func ActivePath() (string, error) {
	tomlPath, err := ConfigPathTOML()
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(tomlPath); err == nil {
		return tomlPath, nil
	}
	jsonPath, err := ConfigPathJSON()
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(jsonPath); err == nil {
		return jsonPath, nil
	}
	return tomlPath, nil
}

// ensureSecurePermissions narrows a config file to 0600. Config may hold
// API keys and the server auth token.
func ensureSecurePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if mode := info.Mode().Perm(); mode != 0600 {
		if err := os.Chmod(path, 0600); err != nil {
			return fmt.Errorf("failed to fix insecure permissions (was %o): %w", mode, err)
		}
	}
	return nil
}

// =============================================================================
// LOADING
// =============================================================================

// Load loads configuration from ~/.swarm/config.toml, then config.json,
// then defaults. Environment overrides are applied last.
func Load() (*Config, error) {
	path, err := ActivePath()
	if err != nil {
		return finish(Default())
	}
	if _, statErr := os.Stat(path); statErr != nil {
		return finish(Default())
	}
	return LoadFromPath(path)
}

// LoadFromPath loads a TOML or JSON file over the defaults.
func LoadFromPath(path string) (*Config, error) {
	cfg := Default()
	if strings.HasSuffix(path, ".json") {
		if err := LoadJSON(cfg, path); err != nil {
			return nil, fmt.Errorf("failed to load JSON config from %s: %w", path, err)
		}
	} else {
		if err := LoadTOML(cfg, path); err != nil {
			return nil, fmt.Errorf("failed to load TOML config from %s: %w", path, err)
		}
	}
	return finish(cfg)
}

func finish(cfg *Config) (*Config, error) {
	cfg.ApplyEnvOverrides()
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadTOML decodes path into cfg.
func LoadTOML(cfg *Config, path string) error {
	if err := ensureSecurePermissions(path); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not ensure secure permissions on %s: %v\n", path, err)
	}
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return fmt.Errorf("failed to decode TOML file: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return fmt.Errorf("unknown keys: %s", strings.Join(keys, ", "))
	}
	return nil
}

// LoadJSON decodes path into cfg.
func LoadJSON(cfg *Config, path string) error {
	if err := ensureSecurePermissions(path); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not ensure secure permissions on %s: %v\n", path, err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read JSON file: %w", err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to decode JSON file: %w", err)
	}
	return nil
}

// SetDefaults fills zero values that must not stay zero.
func (c *Config) SetDefaults() {
	d := Default()

	if c.Version == "" {
		c.Version = d.Version
	}
	if c.Dispatch.MaxInputLength == 0 {
		c.Dispatch.MaxInputLength = d.Dispatch.MaxInputLength
	}
	if c.Dispatch.Weights == (router.Weights{}) {
		c.Dispatch.Weights = d.Dispatch.Weights
	}
	if c.Dispatch.CertGraph == "" {
		c.Dispatch.CertGraph = d.Dispatch.CertGraph
	}

	fillTier := func(t *LocalTierConfig, dt LocalTierConfig) {
		if t.OllamaURL == "" {
			t.OllamaURL = dt.OllamaURL
		}
		if t.Model == "" {
			t.Model = dt.Model
		}
		if t.Concurrency == 0 {
			t.Concurrency = dt.Concurrency
		}
		if t.TimeoutSecs == 0 {
			t.TimeoutSecs = dt.TimeoutSecs
		}
		if t.AcquireTimeoutSecs == 0 {
			t.AcquireTimeoutSecs = dt.AcquireTimeoutSecs
		}
	}
	fillTier(&c.Tier1, d.Tier1)
	fillTier(&c.Tier2, d.Tier2)

	if c.Tier3.Strategy == "" {
		c.Tier3.Strategy = d.Tier3.Strategy
	}
	if c.Tier3.MaxAttempts == 0 {
		c.Tier3.MaxAttempts = d.Tier3.MaxAttempts
	}
	if c.Tier3.Concurrency == 0 {
		c.Tier3.Concurrency = d.Tier3.Concurrency
	}
	if c.Tier3.TimeoutSecs == 0 {
		c.Tier3.TimeoutSecs = d.Tier3.TimeoutSecs
	}
	if c.Tier3.AcquireTimeoutSecs == 0 {
		c.Tier3.AcquireTimeoutSecs = d.Tier3.AcquireTimeoutSecs
	}

	if c.Escalation == (router.EscalationCriteria{}) {
		c.Escalation = d.Escalation
	}
	if c.Orchestrator.MaxOnFailCycles == 0 {
		c.Orchestrator.MaxOnFailCycles = d.Orchestrator.MaxOnFailCycles
	}
	if c.Orchestrator.CheckpointBackend == "" {
		c.Orchestrator.CheckpointBackend = d.Orchestrator.CheckpointBackend
	}
	if c.Budget.DegradeAtFraction == 0 {
		c.Budget.DegradeAtFraction = d.Budget.DegradeAtFraction
	}
	if c.Telemetry.MemoryCapacity == 0 {
		c.Telemetry.MemoryCapacity = d.Telemetry.MemoryCapacity
	}
	if c.Telemetry.LogFormat == "" {
		c.Telemetry.LogFormat = d.Telemetry.LogFormat
	}
	if c.Server.Addr == "" {
		c.Server.Addr = d.Server.Addr
	}
	if c.Server.RunWorkers == 0 {
		c.Server.RunWorkers = d.Server.RunWorkers
	}
	if c.Server.MaxQueuedRuns == 0 {
		c.Server.MaxQueuedRuns = d.Server.MaxQueuedRuns
	}
	if c.Cap.Backend == "" {
		c.Cap.Backend = d.Cap.Backend
	}
	if c.Cap.KeyPrefix == "" {
		c.Cap.KeyPrefix = d.Cap.KeyPrefix
	}
}

// =============================================================================
// SAVING
// =============================================================================

// Save writes cfg to the active config path.
func Save(cfg *Config) error {
	path, err := ActivePath()
	if err != nil {
		return err
	}
	if strings.HasSuffix(path, ".json") {
		return SaveJSON(cfg, path)
	}
	return SaveTOML(cfg, path)
}

// SaveTOML writes cfg as TOML with a short header.
func SaveTOML(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var b strings.Builder
	b.WriteString("# swarm configuration file\n")
	b.WriteString("# Generated by swarm - edit with care\n\n")
	if err := toml.NewEncoder(&b).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := util.AtomicWriteFile(path, []byte(b.String()), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// SaveJSON writes cfg as indented JSON.
func SaveJSON(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := util.AtomicWriteJSON(path, cfg, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError is a single invalid field.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors collects every invalid field.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	msgs := make([]string, len(e))
	for i, err := range e {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "; ")
}

// Validate checks the configuration and returns ValidationErrors.
func (c *Config) Validate() error {
	var errs ValidationErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}
	unit := func(field string, v float64) {
		if v < 0 || v > 1 {
			add(field, "must be between 0 and 1, got %g", v)
		}
	}

	if c.Dispatch.MaxInputLength < 1 {
		add("dispatch.max_input_length", "must be positive, got %d", c.Dispatch.MaxInputLength)
	}
	unit("dispatch.confidence_threshold", c.Dispatch.ConfidenceThreshold)
	unit("dispatch.composite_threshold", c.Dispatch.CompositeThreshold)
	unit("dispatch.quality_threshold", c.Dispatch.QualityThreshold)
	w := c.Dispatch.Weights
	if w.Complexity < 0 || w.InverseConfidence < 0 || w.HallucinationRisk < 0 {
		add("dispatch.weights", "weights must not be negative")
	}
	if c.Dispatch.MaxReasks < 0 {
		add("dispatch.max_reasks", "must not be negative")
	}

	for name, t := range map[string]LocalTierConfig{"tier1": c.Tier1, "tier2": c.Tier2} {
		if t.Disabled {
			continue
		}
		if _, err := url.ParseRequestURI(t.OllamaURL); err != nil {
			add(name+".ollama_url", "invalid URL: %v", err)
		}
		if t.Concurrency < 1 {
			add(name+".concurrency", "must be at least 1, got %d", t.Concurrency)
		}
		if t.TimeoutSecs < 0 || t.AcquireTimeoutSecs < 0 {
			add(name+".timeout_secs", "timeouts must not be negative")
		}
	}

	if _, err := provider.ParseStrategy(c.Tier3.Strategy); err != nil {
		add("tier3.strategy", "%v", err)
	}
	if c.Tier3.DailyCap < 0 {
		add("tier3.daily_cap", "must not be negative")
	}
	if c.Tier3.Concurrency < 1 {
		add("tier3.concurrency", "must be at least 1, got %d", c.Tier3.Concurrency)
	}
	unit("tier3.min_quality", c.Tier3.MinQuality)

	seen := make(map[string]bool)
	for i, p := range c.Providers {
		field := fmt.Sprintf("providers[%d]", i)
		if p.Name == "" {
			add(field+".name", "is required")
		} else if seen[p.Name] {
			add(field+".name", "duplicate provider %q", p.Name)
		}
		seen[p.Name] = true
		switch p.Kind {
		case KindOllama, KindOpenRouter, KindAnthropic, KindOpenAI:
		default:
			add(field+".kind", "must be one of: ollama, openrouter, anthropic, openai, got %q", p.Kind)
		}
		if p.Model == "" {
			add(field+".model", "is required")
		}
		if p.BaseURL != "" {
			if _, err := url.ParseRequestURI(p.BaseURL); err != nil {
				add(field+".base_url", "invalid URL: %v", err)
			}
		}
		if p.CostPer1KIn < 0 || p.CostPer1KOut < 0 {
			add(field+".cost_per_1k_in", "costs must not be negative")
		}
		unit(field+".quality", p.Quality)
		if p.RateLimit < 0 {
			add(field+".rate_limit", "must not be negative")
		}
	}

	agents := make(map[string]bool)
	for i, a := range c.Agents {
		field := fmt.Sprintf("agents[%d]", i)
		if a.Name == "" {
			add(field+".name", "is required")
		} else if agents[a.Name] {
			add(field+".name", "duplicate agent %q", a.Name)
		}
		agents[a.Name] = true
		if a.Prompt == "" && a.PromptFile == "" {
			add(field+".prompt", "prompt or prompt_file is required")
		}
		if a.MaxRepairs < 0 || a.TimeoutSecs < 0 {
			add(field+".max_repairs", "must not be negative")
		}
	}

	if c.Orchestrator.MaxOnFailCycles < 1 {
		add("orchestrator.max_on_fail_cycles", "must be at least 1, got %d", c.Orchestrator.MaxOnFailCycles)
	}
	switch c.Orchestrator.CheckpointBackend {
	case BackendMemory, BackendFile, BackendSQLite:
	default:
		add("orchestrator.checkpoint_backend", "must be memory, file or sqlite, got %q", c.Orchestrator.CheckpointBackend)
	}
	if d := c.Orchestrator.DefaultModel; d != "" && !seen[d] {
		add("orchestrator.default_model", "unknown provider %q", d)
	}

	if c.Budget.MaxTokens < 0 || c.Budget.MaxCostUSD < 0 || c.Budget.MaxWallSeconds < 0 {
		add("budget", "caps must not be negative")
	}
	if c.Budget.DegradeAtFraction <= 0 || c.Budget.DegradeAtFraction > 1 {
		add("budget.degrade_at_fraction", "must be in (0, 1], got %g", c.Budget.DegradeAtFraction)
	}

	switch c.Telemetry.LogFormat {
	case "auto", "text", "json":
	default:
		add("telemetry.log_format", "must be auto, text or json, got %q", c.Telemetry.LogFormat)
	}
	if c.Server.RateLimit < 0 {
		add("server.rate_limit", "must not be negative")
	}
	if c.Server.RunWorkers < 1 {
		add("server.run_workers", "must be at least 1")
	}

	switch c.Cap.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Cap.RedisAddr == "" {
			add("cap.redis_addr", "is required for the redis backend")
		}
	default:
		add("cap.backend", "must be memory or redis, got %q", c.Cap.Backend)
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies environment variable overrides to the config.
//
// Supported environment variables:
//   - SWARM_OLLAMA_URL: overrides tier1.ollama_url and tier2.ollama_url
//   - SWARM_TIER1_MODEL / SWARM_TIER2_MODEL: override the tier models
//   - SWARM_DAILY_CAP: overrides tier3.daily_cap
//   - SWARM_CAP_BACKEND / SWARM_REDIS_ADDR: override cap.backend and cap.redis_addr
//   - SWARM_CHECKPOINT_BACKEND: overrides orchestrator.checkpoint_backend
//   - SWARM_MAX_COST_USD: overrides budget.max_cost_usd
//   - SWARM_SERVER_ADDR / SWARM_AUTH_TOKEN: override server settings
//   - SWARM_LOG_FORMAT / SWARM_DEBUG: override telemetry logging
//   - SWARM_OFFLINE: overrides offline
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("SWARM_OLLAMA_URL"); v != "" {
		c.Tier1.OllamaURL = v
		c.Tier2.OllamaURL = v
	}
	if v := os.Getenv("SWARM_TIER1_MODEL"); v != "" {
		c.Tier1.Model = v
	}
	if v := os.Getenv("SWARM_TIER2_MODEL"); v != "" {
		c.Tier2.Model = v
	}
	if v := os.Getenv("SWARM_DAILY_CAP"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Tier3.DailyCap = n
		}
	}
	if v := os.Getenv("SWARM_CAP_BACKEND"); v != "" {
		c.Cap.Backend = v
	}
	if v := os.Getenv("SWARM_REDIS_ADDR"); v != "" {
		c.Cap.RedisAddr = v
	}
	if v := os.Getenv("SWARM_CHECKPOINT_BACKEND"); v != "" {
		c.Orchestrator.CheckpointBackend = v
	}
	if v := os.Getenv("SWARM_MAX_COST_USD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Budget.MaxCostUSD = f
		}
	}
	if v := os.Getenv("SWARM_SERVER_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("SWARM_AUTH_TOKEN"); v != "" {
		c.Server.AuthToken = v
	}
	if v := os.Getenv("SWARM_LOG_FORMAT"); v != "" {
		c.Telemetry.LogFormat = v
	}
	if v := os.Getenv("SWARM_DEBUG"); v != "" {
		c.Telemetry.Debug = v == "1" || strings.EqualFold(v, "true")
	}
	if v := os.Getenv("SWARM_OFFLINE"); v != "" {
		c.Offline = v == "1" || strings.EqualFold(v, "true")
	}
}

// =============================================================================
// GET/SET HELPERS (DOT NOTATION)
// =============================================================================

// Get retrieves a configuration value using dot notation (e.g., "tier3.daily_cap").
func (c *Config) Get(key string) (any, error) {
	field, err := c.lookup(key)
	if err != nil {
		return nil, err
	}
	return field.Interface(), nil
}

// Set sets a configuration value using dot notation (e.g., "tier3.daily_cap").
func (c *Config) Set(key string, value any) error {
	field, err := c.lookup(key)
	if err != nil {
		return err
	}
	if !field.CanSet() {
		return fmt.Errorf("cannot set field: %s", key)
	}
	return setFieldValue(field, value)
}

func (c *Config) lookup(key string) (reflect.Value, error) {
	if key == "" {
		return reflect.Value{}, errors.New("empty key")
	}
	parts := strings.Split(key, ".")
	v := reflect.ValueOf(c).Elem()
	for i, part := range parts {
		fieldName := normalizeFieldName(part)
		field := v.FieldByNameFunc(func(name string) bool {
			return strings.EqualFold(name, fieldName)
		})
		if !field.IsValid() {
			return reflect.Value{}, fmt.Errorf("unknown field: %s", strings.Join(parts[:i+1], "."))
		}
		if i == len(parts)-1 {
			return field, nil
		}
		if field.Kind() != reflect.Struct {
			return reflect.Value{}, fmt.Errorf("field '%s' is not a struct", strings.Join(parts[:i+1], "."))
		}
		v = field
	}
	return reflect.Value{}, fmt.Errorf("invalid key: %s", key)
}

// normalizeFieldName converts a snake_case or kebab-case name to its Go field equivalent.
func normalizeFieldName(name string) string {
	parts := strings.FieldsFunc(name, func(r rune) bool {
		return r == '_' || r == '-'
	})
	var result strings.Builder
	for _, part := range parts {
		result.WriteString(strings.ToUpper(part[:1]))
		result.WriteString(strings.ToLower(part[1:]))
	}
	return result.String()
}

// setFieldValue sets a reflect.Value from a value with type conversion.
func setFieldValue(field reflect.Value, value any) error {
	if strVal, ok := value.(string); ok {
		switch field.Kind() {
		case reflect.String:
			field.SetString(strVal)
			return nil
		case reflect.Int, reflect.Int64:
			intVal, err := strconv.ParseInt(strVal, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid integer value: %v", err)
			}
			field.SetInt(intVal)
			return nil
		case reflect.Float64:
			floatVal, err := strconv.ParseFloat(strVal, 64)
			if err != nil {
				return fmt.Errorf("invalid float value: %v", err)
			}
			field.SetFloat(floatVal)
			return nil
		case reflect.Bool:
			boolVal, err := strconv.ParseBool(strVal)
			if err != nil {
				boolVal = strings.EqualFold(strVal, "yes")
			}
			field.SetBool(boolVal)
			return nil
		case reflect.Slice:
			if field.Type().Elem().Kind() == reflect.String {
				var items []string
				for _, s := range strings.Split(strVal, ",") {
					if s = strings.TrimSpace(s); s != "" {
						items = append(items, s)
					}
				}
				field.Set(reflect.ValueOf(items))
				return nil
			}
		}
	}

	val := reflect.ValueOf(value)
	if !val.IsValid() {
		return fmt.Errorf("cannot assign nil to %s", field.Type())
	}
	if val.Type().AssignableTo(field.Type()) {
		field.Set(val)
		return nil
	}
	if val.Type().ConvertibleTo(field.Type()) && val.Kind() != reflect.String {
		field.Set(val.Convert(field.Type()))
		return nil
	}
	return fmt.Errorf("cannot assign %T to %s", value, field.Type())
}

// AllKeys returns every scalar configuration key in dot notation, in
// declaration order.
func AllKeys() []string {
	var keys []string
	var walk func(t reflect.Type, prefix string)
	walk = func(t reflect.Type, prefix string) {
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			name := strings.Split(f.Tag.Get("toml"), ",")[0]
			if name == "" || name == "-" {
				continue
			}
			if prefix != "" {
				name = prefix + "." + name
			}
			if f.Type.Kind() == reflect.Struct && f.Type != reflect.TypeOf(time.Time{}) {
				walk(f.Type, name)
				continue
			}
			if f.Type.Kind() == reflect.Slice && f.Type.Elem().Kind() == reflect.Struct {
				continue
			}
			keys = append(keys, name)
		}
	}
	walk(reflect.TypeOf(Config{}), "")
	return keys
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// Clone creates a deep copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	if c.Providers != nil {
		clone.Providers = make([]ProviderConfig, len(c.Providers))
		for i, p := range c.Providers {
			p.Tags = append([]string(nil), p.Tags...)
			clone.Providers[i] = p
		}
	}
	if c.Agents != nil {
		clone.Agents = make([]AgentConfig, len(c.Agents))
		for i, a := range c.Agents {
			a.Required = append([]string(nil), a.Required...)
			clone.Agents[i] = a
		}
	}
	return &clone
}

// Redacted returns a copy with secrets replaced.
// SECURITY: Use for every display or log of the config.
func (c *Config) Redacted() *Config {
	safe := c.Clone()
	for i := range safe.Providers {
		if safe.Providers[i].APIKey != "" {
			safe.Providers[i].APIKey = "[REDACTED]"
		}
	}
	if safe.Server.AuthToken != "" {
		safe.Server.AuthToken = "[REDACTED]"
	}
	if safe.Cap.RedisPassword != "" {
		safe.Cap.RedisPassword = "[REDACTED]"
	}
	return safe
}

// String returns the redacted configuration as JSON.
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c.Redacted(), "", "  ")
	return string(data)
}

// Provider returns the named provider entry.
func (c *Config) Provider(name string) (ProviderConfig, bool) {
	for _, p := range c.Providers {
		if p.Name == name {
			return p, true
		}
	}
	return ProviderConfig{}, false
}

// Agent returns the named agent definition.
func (c *Config) Agent(name string) (AgentConfig, bool) {
	for _, a := range c.Agents {
		if a.Name == name {
			return a, true
		}
	}
	return AgentConfig{}, false
}

// Seconds converts a seconds setting to a duration.
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// =============================================================================
// SINGLETON PATTERN (THREAD-SAFE)
// =============================================================================

var (
	globalConfig     *Config
	globalConfigOnce sync.Once
	globalConfigMu   sync.RWMutex
)

// Global returns the global configuration instance.
// Loads configuration on first access. Thread-safe.
func Global() *Config {
	globalConfigOnce.Do(func() {
		cfg, err := Load()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v (using defaults)\n", err)
			cfg = Default()
		}
		globalConfigMu.Lock()
		if globalConfig == nil {
			globalConfig = cfg
		}
		globalConfigMu.Unlock()
	})

	globalConfigMu.RLock()
	defer globalConfigMu.RUnlock()
	return globalConfig
}

// ReloadGlobal reloads the global configuration from disk. Thread-safe.
func ReloadGlobal() error {
	cfg, err := Load()
	if err != nil {
		return err
	}
	SetGlobal(cfg)
	return nil
}

// SetGlobal sets the global configuration instance. Thread-safe.
func SetGlobal(cfg *Config) {
	globalConfigMu.Lock()
	defer globalConfigMu.Unlock()
	globalConfig = cfg
}

// ResetGlobalForTesting resets the global config state for testing.
func ResetGlobalForTesting() {
	globalConfigMu.Lock()
	defer globalConfigMu.Unlock()
	globalConfig = nil
	globalConfigOnce = sync.Once{}
}
