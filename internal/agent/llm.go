// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"text/template"
	"time"
)

// ErrNoModel is returned by model-backed agents invoked without a model.
var ErrNoModel = errors.New("no model resolved for node")

// LLMAgent renders a prompt from run state, calls the node's model through
// a RepairLoop and returns the validated JSON object as its delta.
type LLMAgent struct {
	name     string
	system   string
	prompt   *template.Template
	schema   *Schema
	required []string
	loop     RepairLoop
}

// LLMConfig configures an LLMAgent.
type LLMConfig struct {
	Name string
	// System is the system prompt, sent verbatim.
	System string
	// Prompt is a text/template executed against the run state. While the
	// budget is degraded the template also sees .Degraded and .Hint.
	Prompt string
	// Schema optionally validates the reply object.
	Schema *Schema
	// Required lists keys the reply must carry.
	Required    []string
	MaxRepairs  int
	CallTimeout time.Duration
}

// NewLLMAgent parses the prompt template.
func NewLLMAgent(cfg LLMConfig) (*LLMAgent, error) {
	if cfg.Name == "" {
		return nil, errors.New("llm agent: name is required")
	}
	tmpl, err := template.New(cfg.Name).Option("missingkey=zero").Parse(cfg.Prompt)
	if err != nil {
		return nil, fmt.Errorf("llm agent %s: parse prompt: %w", cfg.Name, err)
	}
	return &LLMAgent{
		name:     cfg.Name,
		system:   cfg.System,
		prompt:   tmpl,
		schema:   cfg.Schema,
		required: cfg.Required,
		loop:     RepairLoop{MaxRepairs: cfg.MaxRepairs, CallTimeout: cfg.CallTimeout},
	}, nil
}

// Name returns the agent name.
func (a *LLMAgent) Name() string { return a.name }

// Run implements Agent.
func (a *LLMAgent) Run(ctx context.Context, in Input) (Output, error) {
	if in.Model == nil {
		return Output{}, fmt.Errorf("%s: %w", a.name, ErrNoModel)
	}

	user, err := a.render(in)
	if err != nil {
		return Output{}, err
	}

	var delta map[string]any
	res, err := a.loop.Run(ctx, in.Model, a.system, user, func(text string) error {
		obj, verr := a.validate(text)
		if verr != nil {
			return verr
		}
		delta = obj
		return nil
	})
	out := Output{Usage: res.Usage}
	if err != nil {
		var ve *ValidationError
		if errors.As(err, &ve) && ve.Agent == "" {
			ve.Agent = a.name
		}
		return out, err
	}
	out.Delta = delta
	return out, nil
}

func (a *LLMAgent) render(in Input) (string, error) {
	data := make(map[string]any, len(in.State)+2)
	for k, v := range in.State {
		data[k] = v
	}
	data["Degraded"] = in.Hint != nil
	if in.Hint != nil {
		data["Hint"] = *in.Hint
	}
	var buf bytes.Buffer
	if err := a.prompt.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("%s: render prompt: %w", a.name, err)
	}
	return buf.String(), nil
}

func (a *LLMAgent) validate(text string) (map[string]any, error) {
	var (
		obj map[string]any
		err error
	)
	if a.schema != nil {
		obj, err = a.schema.ValidateText(text)
	} else {
		obj, err = DecodeObject(text)
	}
	if err != nil {
		return nil, err
	}

	var missing []string
	for _, k := range a.required {
		if _, ok := obj[k]; !ok {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return nil, &ValidationError{
			Agent:    a.name,
			Problems: []string{"missing keys: " + strings.Join(missing, ", ")},
		}
	}
	return obj, nil
}
