// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/showrunner/core/internal/agent"
	"github.com/showrunner/core/internal/coreerr"
	"github.com/showrunner/core/internal/logger"
)

// RecordedAction is one entry of a recorded UI session fed to
// DistillRecordedActions (spec §4.9.7).
type RecordedAction struct {
	Type        string         // slash_command, chat_message, approval, text_selection, option_select, save, entity_mention
	Description string
	Payload     map[string]any
}

// commandPromptMap maps known slash commands to descriptive prompt
// templates, grounded in the original's curated command table.
var commandPromptMap = map[string]string{
	"brainstorm": "Brainstorm creative ideas and directions for the given text. Provide varied, imaginative suggestions.\n\nInput text:\n{{input_text}}",
	"expand":     "Expand and develop the following text with richer detail, deeper characterization, and enhanced prose.\n\nInput text:\n{{input_text}}",
	"compress":   "Condense the following text while preserving its core meaning, voice, and key plot points.\n\nInput text:\n{{input_text}}",
	"rewrite":    "Rewrite the following text with improved prose quality, pacing, and emotional impact.\n\nInput text:\n{{input_text}}",
	"continue":   "Continue the narrative from where the following text ends, maintaining consistent voice and pacing.\n\nInput text:\n{{input_text}}",
	"dialogue":   "Generate natural dialogue for the characters in this scene, maintaining their distinct voices.\n\nScene context:\n{{input_text}}",
	"critique":   "Provide a constructive critique of the following text, focusing on prose quality, pacing, character voice, and story coherence.\n\nInput text:\n{{input_text}}",
	"research":   "Research the topics and setting elements referenced in the following text. Provide factual context and creative implications.\n\nInput text:\n{{input_text}}",
}

// DistillRecordedActions synthesises a canonical DAG from a sequence of
// recorded UI actions, rule by rule, wiring each emitted step's first
// output to the previous step (spec §4.9.7).
func DistillRecordedActions(actions []RecordedAction, title string) (*Definition, error) {
	if len(actions) == 0 {
		return nil, coreerr.NewValidationError("recorded_actions", "cannot distill an empty action list")
	}

	var steps []Step
	var edges []Edge
	counter := 0
	nextID := func() string {
		counter++
		return fmt.Sprintf("step_%d", counter)
	}
	wireToPrevious := func(newStepID string) {
		if len(steps) > 1 {
			edges = append(edges, Edge{Source: steps[len(steps)-2].ID, Target: newStepID})
		}
	}

	hasApprovals := false
	for _, a := range actions {
		if a.Type == "approval" {
			hasApprovals = true
			break
		}
	}

	for _, a := range actions {
		switch a.Type {
		case "slash_command":
			command, _ := a.Payload["command"].(string)
			if command == "" {
				command = "unknown"
			}
			template, ok := commandPromptMap[command]
			if !ok {
				template = fmt.Sprintf("Execute /%s on the following content.\n\nInput text:\n{{input_text}}", command)
			}

			promptID := nextID()
			promptStep := Step{ID: promptID, StepType: StepPromptTemplate, Label: fmt.Sprintf("Prepare /%s Prompt", command), Config: map[string]any{"template_inline": template}}
			steps = append(steps, promptStep)
			wireToPrevious(promptID)

			genID := nextID()
			genStep := Step{ID: genID, StepType: StepLLMGenerate, Label: fmt.Sprintf("Generate /%s Output", command), Config: map[string]any{"temperature": 0.7, "max_tokens": 2048}}
			steps = append(steps, genStep)
			edges = append(edges, Edge{Source: promptID, Target: genID})

		case "chat_message":
			message, _ := a.Payload["message"].(string)
			if message == "" {
				message = a.Description
			}
			label := fmt.Sprintf("Chat: %s", message)
			if len(message) > 40 {
				label = fmt.Sprintf("Chat: %s...", message[:40])
			}
			id := nextID()
			step := Step{ID: id, StepType: StepLLMGenerate, Label: label, Config: map[string]any{
				"prompt_override": "{{chat_instruction}}\n\nContext:\n{{input_text}}",
				"temperature":     0.7,
				"max_tokens":      2048,
			}}
			steps = append(steps, step)
			wireToPrevious(id)

		case "approval":
			id := nextID()
			step := Step{ID: id, StepType: StepApproveOutput, Label: "Review & Approve Output", Config: map[string]any{"allow_edit": true}}
			steps = append(steps, step)
			wireToPrevious(id)

		case "text_selection":
			types, _ := a.Payload["container_types"].([]any)
			if len(types) == 0 {
				types = []any{"scene", "character"}
			}
			id := nextID()
			step := Step{ID: id, StepType: StepGatherBuckets, Label: "Gather Context", Config: map[string]any{"container_types": types, "max_items": 10}}
			steps = append(steps, step)
			wireToPrevious(id)

		case "save":
			containerType, _ := a.Payload["container_type"].(string)
			if containerType == "" {
				containerType = "fragment"
			}
			id := nextID()
			step := Step{ID: id, StepType: StepSaveToBucket, Label: "Save Output", Config: map[string]any{"container_type": containerType}}
			steps = append(steps, step)
			wireToPrevious(id)

		case "option_select":
			id := nextID()
			step := Step{ID: id, StepType: StepReviewPrompt, Label: "Review & Select Option", Config: map[string]any{}}
			steps = append(steps, step)
			wireToPrevious(id)

		case "entity_mention":
			entityName, _ := a.Payload["entity_name"].(string)
			if entityName == "" {
				entityName = "entity"
			}
			id := nextID()
			step := Step{ID: id, StepType: StepSemanticSearch, Label: fmt.Sprintf("Lookup: %s", entityName), Config: map[string]any{"limit": 5}}
			steps = append(steps, step)
			wireToPrevious(id)

		default:
			logger.GetPipelineLogger().Warn().Str("type", a.Type).Msg("unknown recorded action type, skipping")
		}
	}

	if hasApprovals && len(steps) > 0 {
		last := steps[len(steps)-1]
		if last.StepType != StepApproveOutput && last.StepType != StepReviewPrompt {
			id := nextID()
			final := Step{ID: id, StepType: StepApproveOutput, Label: "Final Review", Config: map[string]any{"allow_edit": true}}
			edges = append(edges, Edge{Source: last.ID, Target: id})
			steps = append(steps, final)
		}
	}

	return &Definition{
		Name:        title,
		Description: fmt.Sprintf("Recorded workflow distilled into reusable pipeline (%d steps)", len(steps)),
		Steps:       steps,
		Edges:       edges,
	}, nil
}

var fencePattern = regexp.MustCompile(`(?s)` + "```" + `(?:json)?\s*\n(.*?)\n` + "```")

type nlDAGResponse struct {
	Steps []struct {
		ID       string         `json:"id"`
		StepType string         `json:"step_type"`
		Label    string         `json:"label"`
		Config   map[string]any `json:"config"`
	} `json:"steps"`
	Edges []struct {
		Source string `json:"source"`
		Target string `json:"target"`
	} `json:"edges"`
}

// allStepTypes lists the enum consulted when building the planner's schema
// context and when validating its response.
var allStepTypes = []StepType{
	StepGatherBuckets, StepSemanticSearch, StepPromptTemplate, StepMultiVariant,
	StepReviewPrompt, StepApproveOutput, StepApproveImage, StepLLMGenerate,
	StepImageGenerate, StepSaveToBucket, StepHTTPRequest, StepResearchDeepDive,
	StepStyleEnforceDialogue, StepIfElse, StepLoop, StepMergeOutputs,
}

// GeneratePipelineFromNL dispatches a planner skill with a strict JSON
// schema and tolerantly parses its response into a Definition (spec
// §4.9.7). The response is parsed after stripping code fences; unknown step
// types default to LLM_GENERATE and edges with unknown endpoints are
// dropped, matching the original's tolerant parsing.
func GeneratePipelineFromNL(ctx context.Context, dispatcher *agent.Dispatcher, intent, title string) (*Definition, error) {
	skill, ok := dispatcher.GetSkill("pipeline_director")
	if !ok {
		return nil, coreerr.NewNotFoundError("skill", "pipeline_director")
	}

	schemaContext := map[string]any{
		"output_format": "strict_json",
		"valid_step_types": func() []string {
			names := make([]string, len(allStepTypes))
			for i, t := range allStepTypes {
				names[i] = string(t)
			}
			return names
		}(),
		"instructions": "Respond ONLY with a JSON object containing 'steps' and 'edges' arrays. " +
			"Each step must have a unique 'id', a valid 'step_type', a human-readable 'label', and a 'config' dict. " +
			"Edges define DAG connections (source -> target). Ensure no orphan nodes and at least one path from start to end.",
	}

	result := dispatcher.Execute(ctx, *skill, intent, schemaContext, "")
	if !result.Success {
		return nil, fmt.Errorf("pipeline generation failed: %s", result.Error)
	}

	responseText := strings.TrimSpace(result.Response)
	if m := fencePattern.FindStringSubmatch(responseText); m != nil {
		responseText = m[1]
	}

	var parsed nlDAGResponse
	if err := json.Unmarshal([]byte(responseText), &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse pipeline JSON from LLM response: %w", err)
	}
	if len(parsed.Steps) == 0 {
		return nil, coreerr.NewValidationError("nl_to_dag_response", "LLM response contained no pipeline steps")
	}

	steps := make([]Step, 0, len(parsed.Steps))
	stepIDs := make(map[string]bool, len(parsed.Steps))
	for i, rs := range parsed.Steps {
		stepType := StepType(rs.StepType)
		if !validStepType(rs.StepType) {
			logger.GetPipelineLogger().Warn().Str("step_type", rs.StepType).Msg("unknown step_type from LLM, defaulting to LLM_GENERATE")
			stepType = StepLLMGenerate
		}
		id := rs.ID
		if id == "" {
			id = fmt.Sprintf("step_%d", i+1)
		}
		label := rs.Label
		if label == "" {
			label = fmt.Sprintf("Step %d", i+1)
		}
		steps = append(steps, Step{ID: id, StepType: stepType, Label: label, Config: rs.Config})
		stepIDs[id] = true
	}

	edges := make([]Edge, 0, len(parsed.Edges))
	for _, re := range parsed.Edges {
		if stepIDs[re.Source] && stepIDs[re.Target] {
			edges = append(edges, Edge{Source: re.Source, Target: re.Target})
		} else {
			logger.GetPipelineLogger().Warn().Str("source", re.Source).Str("target", re.Target).Msg("skipping edge referencing unknown step")
		}
	}

	return &Definition{
		Name:        title,
		Description: fmt.Sprintf("Auto-generated from intent: %s", intent),
		Steps:       steps,
		Edges:       edges,
	}, nil
}
