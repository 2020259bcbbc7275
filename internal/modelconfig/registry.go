// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package modelconfig implements the Model Config Registry (C7): a
// four-level cascade that resolves which model, temperature, and token
// budget to use for a given LLM call.
package modelconfig

import "github.com/showrunner/core/internal/config"

// ModelSelection is the resolved model configuration for one LLM call.
type ModelSelection struct {
	Model       string
	Temperature float64
	MaxTokens   int
	Source      string // which cascade level produced the final value, for glass-box logging
}

// StepConfig is the per-step override (spec §4.7 level 1); zero values fall through.
type StepConfig struct {
	Model       string
	Temperature float64
}

// compiledAgentDefaults is the built-in per-agent default table consulted
// when the project configuration carries no override for that agent.
var compiledAgentDefaults = map[string]string{
	"world_building": "anthropic/claude-sonnet",
	"character":      "anthropic/claude-sonnet",
	"scene_writing":  "anthropic/claude-opus",
	"evaluation":     "anthropic/claude-haiku",
	"research":       "anthropic/claude-haiku",
}

// Registry resolves model selections from project configuration.
type Registry struct {
	cfg *config.AppConfig
}

// New builds a Registry over the given project configuration.
func New(cfg *config.AppConfig) *Registry {
	return &Registry{cfg: cfg}
}

const (
	defaultTemperature = 0.7
	defaultMaxTokens   = 2000
)

// Resolve walks the four-level cascade, highest priority first: step
// config, the entity's model_preference, the per-agent default (project
// override, else compiled-in table), and finally the project-wide default.
func (r *Registry) Resolve(step StepConfig, entityModelPreference, agentName string) ModelSelection {
	sel := ModelSelection{Temperature: defaultTemperature, MaxTokens: defaultMaxTokens}

	if step.Model != "" {
		sel.Model = step.Model
		sel.Source = "step_config"
	} else if entityModelPreference != "" {
		sel.Model = entityModelPreference
		sel.Source = "entity_model_preference"
	} else if override, ok := r.cfg.ModelConfig.AgentDefaults[agentName]; ok && override != "" {
		sel.Model = override
		sel.Source = "agent_default_override"
	} else if def, ok := compiledAgentDefaults[agentName]; ok {
		sel.Model = def
		sel.Source = "agent_default_compiled"
	} else {
		sel.Model = r.cfg.Project.DefaultModel
		sel.Source = "project_default"
	}

	if step.Temperature != 0 {
		sel.Temperature = step.Temperature
	}

	return sel
}

// UpdateConfig writes a new agent default into the in-memory project
// configuration the Registry reads, so the next Resolve sees it. It returns
// nothing and does not write any configuration file.
func (r *Registry) UpdateConfig(agentName, model string) {
	if r.cfg.ModelConfig.AgentDefaults == nil {
		r.cfg.ModelConfig.AgentDefaults = make(map[string]string)
	}
	r.cfg.ModelConfig.AgentDefaults[agentName] = model
}
