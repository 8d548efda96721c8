// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package app

import (
	"fmt"
	"os"

	"github.com/bonjohen/ai-swarm-sub000/internal/agent"
	"github.com/bonjohen/ai-swarm-sub000/internal/config"
)

// buildAgents compiles the configured LLM agents.
func buildAgents(defs []config.AgentConfig) (*agent.Registry, error) {
	reg := agent.NewRegistry()
	for _, def := range defs {
		a, err := buildAgent(def)
		if err != nil {
			return nil, err
		}
		reg.Register(def.Name, a)
	}
	return reg, nil
}

func buildAgent(def config.AgentConfig) (*agent.LLMAgent, error) {
	prompt := def.Prompt
	if def.PromptFile != "" {
		b, err := os.ReadFile(def.PromptFile)
		if err != nil {
			return nil, fmt.Errorf("agent %s: read prompt: %w", def.Name, err)
		}
		prompt = string(b)
	}

	var schema *agent.Schema
	if def.SchemaFile != "" {
		doc, err := os.ReadFile(def.SchemaFile)
		if err != nil {
			return nil, fmt.Errorf("agent %s: read schema: %w", def.Name, err)
		}
		if schema, err = agent.CompileSchema(def.Name, doc); err != nil {
			return nil, fmt.Errorf("agent %s: %w", def.Name, err)
		}
	}

	return agent.NewLLMAgent(agent.LLMConfig{
		Name:        def.Name,
		System:      def.System,
		Prompt:      prompt,
		Schema:      schema,
		Required:    def.Required,
		MaxRepairs:  def.MaxRepairs,
		CallTimeout: config.Seconds(def.TimeoutSecs),
	})
}
