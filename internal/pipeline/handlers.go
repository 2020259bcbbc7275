// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"

	"github.com/showrunner/core/internal/contextassembler"
	"github.com/showrunner/core/internal/logger"
	"github.com/showrunner/core/internal/modelconfig"
)

// HTTPDoer is the minimal collaborator consulted by HTTP_REQUEST; satisfied
// by *http.Client.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

func defaultHandlers() map[StepType]HandlerFunc {
	return map[StepType]HandlerFunc{
		StepGatherBuckets:        handleGatherBuckets,
		StepSemanticSearch:       handleSemanticSearch,
		StepPromptTemplate:       handlePromptTemplate,
		StepMultiVariant:         handleMultiVariant,
		StepLLMGenerate:          handleLLMGenerate,
		StepImageGenerate:        handleImageGenerate,
		StepSaveToBucket:         handleSaveToBucket,
		StepHTTPRequest:          handleHTTPRequest,
		StepResearchDeepDive:     handleResearchDeepDive,
		StepStyleEnforceDialogue: handleStyleEnforceDialogue,
	}
}

func configString(cfg map[string]any, key, def string) string {
	if v, ok := cfg[key].(string); ok && v != "" {
		return v
	}
	return def
}

func configInt(cfg map[string]any, key string, def int) int {
	if f, ok := asFloat(cfg[key]); ok {
		return int(f)
	}
	return def
}

// handleGatherBuckets and handleSemanticSearch both call the context
// assembler (C6); GATHER_BUCKETS restricts to configured container types,
// SEMANTIC_SEARCH derives its query from payload text.
func handleGatherBuckets(ctx context.Context, e *Engine, r *run, step Step) error {
	if e.Assembler == nil {
		return nil
	}
	r.mu.Lock()
	query, _ := r.payload["text"].(string)
	if query == "" {
		query, _ = r.payload["prompt_text"].(string)
	}
	r.mu.Unlock()

	var types []string
	if raw, ok := step.Config["container_types"].([]any); ok {
		for _, t := range raw {
			if s, ok := t.(string); ok {
				types = append(types, s)
			}
		}
	}
	maxTokens := configInt(step.Config, "max_tokens", 2000)

	result, err := e.Assembler.Assemble(ctx, contextassembler.Request{
		Query:         query,
		ExplicitTypes: types,
		MaxTokens:     maxTokens,
	})
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.payload["gathered_context"] = result.Text
	r.payload["gathered_context_meta"] = result.Buckets
	r.mu.Unlock()
	return nil
}

func handleSemanticSearch(ctx context.Context, e *Engine, r *run, step Step) error {
	if e.Assembler == nil {
		return nil
	}
	r.mu.Lock()
	query, _ := r.payload["text"].(string)
	if query == "" {
		query, _ = r.payload["prompt_text"].(string)
	}
	r.mu.Unlock()
	maxTokens := configInt(step.Config, "max_tokens", 2000)

	result, err := e.Assembler.Assemble(ctx, contextassembler.Request{Query: query, MaxTokens: maxTokens})
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.payload["search_results"] = result.Text
	r.payload["search_results_meta"] = result.Buckets
	r.mu.Unlock()
	return nil
}

var placeholderRe = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_]*)\s*\}\}`)

// handlePromptTemplate replaces every {{key}} placeholder with the payload's
// string value for key (spec §4.9.4).
func handlePromptTemplate(ctx context.Context, e *Engine, r *run, step Step) error {
	template := configString(step.Config, "template_inline", "")

	r.mu.Lock()
	defer r.mu.Unlock()

	var prompt string
	if template != "" {
		prompt = placeholderRe.ReplaceAllStringFunc(template, func(match string) string {
			key := placeholderRe.FindStringSubmatch(match)[1]
			if v, ok := r.payload[key].(string); ok {
				return v
			}
			return match
		})
	} else if existing, ok := r.payload["prompt_text"].(string); ok && existing != "" {
		prompt = existing
	} else {
		prompt = fmt.Sprintf("[Auto-assembled prompt from step %s]", step.ID)
	}

	r.payload["prompt_text"] = prompt
	r.payload["step_name"] = step.Label
	return nil
}

func handleMultiVariant(ctx context.Context, e *Engine, r *run, step Step) error {
	count := configInt(step.Config, "count", 3)
	r.mu.Lock()
	r.payload["variant_count"] = count
	r.mu.Unlock()
	return nil
}

type llmStructuredResponse struct {
	GeneratedText    string   `json:"generated_text"`
	ConfidenceScore  float64  `json:"confidence_score"`
	ContinuityErrors []string `json:"continuity_errors"`
}

// handleLLMGenerate resolves the model via the four-level cascade, appends
// the structured-output system instruction, and parses the model's JSON
// reply (spec §4.9.4).
func handleLLMGenerate(ctx context.Context, e *Engine, r *run, step Step) error {
	r.mu.Lock()
	overrideModel, _ := r.payload["model"].(string)
	overrideTemp, hasOverrideTemp := asFloat(r.payload["temperature"])
	delete(r.payload, "model")
	delete(r.payload, "temperature")
	delete(r.payload, "regenerate")
	agentID := r.currentAgentID
	promptText, _ := r.payload["prompt_text"].(string)
	var pinnedIDs []string
	if raw, ok := r.payload["pinned_context_ids"].([]any); ok {
		for _, id := range raw {
			if s, ok := id.(string); ok {
				pinnedIDs = append(pinnedIDs, s)
			}
		}
	}
	r.mu.Unlock()

	stepConfigModel := configString(step.Config, "model", "")
	runtimeOverrideModel := configString(step.Config, "target_model", "")
	stepTemp := 0.0
	if f, ok := asFloat(step.Config["temperature"]); ok {
		stepTemp = f
	}

	// Cascade per spec §4.9.4: step config > payload.model override >
	// per-step runtime override > agent default > project default. The
	// first three collapse into a single candidate that, if set, short
	// -circuits the registry's own step_config check; otherwise the
	// registry falls through to the agent/project defaults.
	candidateModel := stepConfigModel
	if candidateModel == "" {
		candidateModel = overrideModel
	}
	if candidateModel == "" {
		candidateModel = runtimeOverrideModel
	}

	var model string
	var temperature float64
	if e.Registry != nil {
		sel := e.Registry.Resolve(modelconfig.StepConfig{Model: candidateModel, Temperature: stepTemp}, "", agentID)
		model = sel.Model
		temperature = sel.Temperature
	} else {
		model = candidateModel
		temperature = stepTemp
	}
	if hasOverrideTemp {
		temperature = overrideTemp
	}

	if promptText == "" {
		r.mu.Lock()
		r.payload["generated_text"] = "[No prompt was provided to the LLM]"
		r.mu.Unlock()
		return nil
	}

	if len(pinnedIDs) > 0 && e.Assembler != nil {
		var pinned []string
		for _, id := range pinnedIDs {
			res, err := e.Assembler.Assemble(ctx, contextassembler.Request{ExplicitIDs: []string{id}, MaxTokens: 4000})
			if err == nil && res.Text != "" {
				pinned = append(pinned, res.Text)
			}
		}
		if len(pinned) > 0 {
			promptText += "\n\n## Pinned Context\n" + strings.Join(pinned, "\n\n")
		}
	}

	promptText += "\n\n[SYSTEM INSTRUCTION: You MUST output your response as a valid JSON object containing " +
		"exactly three keys: 'generated_text' (string), 'confidence_score' (number 0-100), and " +
		"'continuity_errors' (array of strings). Do not wrap it in markdown code fences.]"

	r.mu.Lock()
	r.payload["resolved_model"] = model
	r.mu.Unlock()

	if e.Model == nil {
		r.mu.Lock()
		r.payload["generated_text"] = "[No model provider configured]"
		r.payload["confidence_score"] = 0.0
		r.payload["continuity_errors"] = []string{}
		r.mu.Unlock()
		return nil
	}

	raw, err := e.Model.Generate(ctx, model, "You are a creative writing assistant.", promptText, temperature)
	if err != nil {
		r.mu.Lock()
		r.payload["generated_text"] = fmt.Sprintf("[LLM Error: %v]", err)
		r.mu.Unlock()
		logger.GetPipelineLogger().Warn().Err(err).Msg("llm generate failed")
		return nil
	}

	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	raw = strings.TrimSpace(raw)

	var parsed llmStructuredResponse
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		logger.GetPipelineLogger().Warn().Msg("failed to parse LLM structured output, using raw text")
		r.payload["generated_text"] = raw
		r.payload["confidence_score"] = 0.0
		r.payload["continuity_errors"] = []string{"Failed to parse structured output"}
		return nil
	}
	r.payload["generated_text"] = parsed.GeneratedText
	r.payload["confidence_score"] = parsed.ConfidenceScore
	errs := make([]any, len(parsed.ContinuityErrors))
	for i, s := range parsed.ContinuityErrors {
		errs[i] = s
	}
	r.payload["continuity_errors"] = errs
	return nil
}

func handleImageGenerate(ctx context.Context, e *Engine, r *run, step Step) error {
	r.mu.Lock()
	r.payload["image_status"] = "queued"
	r.payload["image_prompt"], _ = r.payload["prompt_text"].(string)
	r.mu.Unlock()
	return nil
}

func handleSaveToBucket(ctx context.Context, e *Engine, r *run, step Step) error {
	containerType := configString(step.Config, "container_type", "fragment")
	r.mu.Lock()
	r.payload["saved"] = map[string]any{"container_type": containerType, "status": "saved"}
	r.mu.Unlock()
	return nil
}

func handleHTTPRequest(ctx context.Context, e *Engine, r *run, step Step) error {
	url := configString(step.Config, "url", "")
	method := configString(step.Config, "method", "POST")
	if url == "" {
		r.mu.Lock()
		r.payload["http_response"] = map[string]any{"error": "no URL configured"}
		r.mu.Unlock()
		return nil
	}

	r.mu.Lock()
	body, _ := json.Marshal(r.payload)
	r.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		r.mu.Lock()
		r.payload["http_response"] = map[string]any{"error": err.Error()}
		r.mu.Unlock()
		return nil
	}
	req.Header.Set("Content-Type", "application/json")
	if headers, ok := step.Config["headers"].(map[string]any); ok {
		for k, v := range headers {
			if s, ok := v.(string); ok {
				req.Header.Set(k, s)
			}
		}
	}

	doer := e.HTTP
	if doer == nil {
		doer = http.DefaultClient
	}
	resp, err := doer.Do(req)
	if err != nil {
		r.mu.Lock()
		r.payload["http_response"] = map[string]any{"error": err.Error()}
		r.mu.Unlock()
		return nil
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 2000))
	r.mu.Lock()
	r.payload["http_response"] = map[string]any{"status": resp.StatusCode, "body": string(respBody)}
	r.mu.Unlock()
	return nil
}

func handleResearchDeepDive(ctx context.Context, e *Engine, r *run, step Step) error {
	r.mu.Lock()
	query, _ := r.payload["text"].(string)
	if query == "" {
		query, _ = r.payload["prompt_text"].(string)
	}
	r.mu.Unlock()

	if query == "" {
		r.mu.Lock()
		r.payload["research_result"] = map[string]any{"error": "no research query provided"}
		r.mu.Unlock()
		return nil
	}

	if e.Dispatcher == nil {
		r.mu.Lock()
		r.payload["research_result"] = map[string]any{"error": "agent dispatcher not available"}
		r.mu.Unlock()
		return nil
	}

	skill, ok := e.Dispatcher.GetSkill("research")
	if !ok {
		r.mu.Lock()
		r.payload["research_result"] = map[string]any{"error": "research skill not loaded"}
		r.mu.Unlock()
		return nil
	}

	stepModel := configString(step.Config, "model", "")
	result := e.Dispatcher.Execute(ctx, *skill, query, nil, stepModel)

	r.mu.Lock()
	defer r.mu.Unlock()
	if result.Success && len(result.Actions) > 0 {
		data := result.Actions[0]
		r.payload["research_result"] = data
		if summary, ok := data["summary"].(string); ok {
			r.payload["research_summary"] = summary
		}
	} else {
		resp := result.Response
		if len(resp) > 500 {
			resp = resp[:500]
		}
		r.payload["research_result"] = map[string]any{"response": resp, "error": result.Error}
	}
	return nil
}

var dialogueLineRe = regexp.MustCompile(`(?m)^([A-Z][A-Za-z' ]{0,30}):\s*(.+)$`)

// handleStyleEnforceDialogue rewrites dialogue lines attributed to a named
// speaker to match a stored voice profile while leaving surrounding prose
// untouched. Without a model provider it is a no-op (text passes through).
func handleStyleEnforceDialogue(ctx context.Context, e *Engine, r *run, step Step) error {
	r.mu.Lock()
	text, _ := r.payload["generated_text"].(string)
	r.mu.Unlock()
	if text == "" || e.Model == nil {
		return nil
	}

	voiceProfiles, _ := step.Config["voice_profiles"].(map[string]any)

	rewritten := dialogueLineRe.ReplaceAllStringFunc(text, func(line string) string {
		m := dialogueLineRe.FindStringSubmatch(line)
		speaker, utterance := m[1], m[2]
		profile, ok := voiceProfiles[speaker].(string)
		if !ok || profile == "" {
			return line
		}
		prompt := fmt.Sprintf("Rewrite this line of dialogue for %s, matching this voice: %s\n\nLine: %s\n\nRespond with only the rewritten line.", speaker, profile, utterance)
		out, err := e.Model.Generate(ctx, "", "You rewrite dialogue to match a character voice.", prompt, 0.7)
		if err != nil || out == "" {
			return line
		}
		return fmt.Sprintf("%s: %s", speaker, strings.TrimSpace(out))
	})

	r.mu.Lock()
	r.payload["generated_text"] = rewritten
	r.mu.Unlock()
	return nil
}
