// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/showrunner/core/internal/logger"
)

// DefaultMaxReActIterations bounds the ReAct loop when the caller does not
// override it.
const DefaultMaxReActIterations = 5

// ChatMessage is one turn passed to the chat provider.
type ChatMessage struct {
	Role    string
	Content string
}

// ChatRequest is the normalised shape sent to any chat provider adapter. No
// provider-specific fields leak past this boundary (spec §6).
type ChatRequest struct {
	Model       string
	Messages    []ChatMessage
	Temperature float64
}

// ChatProvider is the injected LLM collaborator for routing classification
// and ReAct execution.
type ChatProvider interface {
	Complete(ctx context.Context, req ChatRequest) (string, error)
}

var (
	reActActionRe = regexp.MustCompile(`Action:\s*([A-Za-z_][A-Za-z0-9_]*)\((.*)\)`)
	finalAnswerRe = regexp.MustCompile(`(?s)Final Answer:\s*(.*)`)
	codeFenceRe   = regexp.MustCompile("(?s)```(?:json)?\\s*\\n(.*?)\\n```")
)

// Dispatcher routes an intent to a skill and executes it via a bounded
// ReAct loop.
type Dispatcher struct {
	skills          map[string]Skill
	tools           map[string]Tool
	provider        ChatProvider
	classifierModel string
	maxIterations   int
}

// New builds a Dispatcher over a set of loaded skills.
func New(skills []Skill, provider ChatProvider, classifierModel string, maxIterations int) *Dispatcher {
	if maxIterations <= 0 {
		maxIterations = DefaultMaxReActIterations
	}
	skillMap := make(map[string]Skill, len(skills))
	for _, s := range skills {
		skillMap[s.Name] = s
	}
	return &Dispatcher{
		skills:          skillMap,
		tools:           make(map[string]Tool),
		provider:        provider,
		classifierModel: classifierModel,
		maxIterations:   maxIterations,
	}
}

// GetSkill returns the loaded skill by name, if any.
func (d *Dispatcher) GetSkill(name string) (*Skill, bool) {
	s, ok := d.skills[name]
	if !ok {
		return nil, false
	}
	return &s, true
}

// RegisterTool adds t to the tool registry, replacing any tool of the same name.
func (d *Dispatcher) RegisterTool(t Tool) {
	d.tools[t.Name] = t
}

// Route scores every skill's keywords against intent; the highest-scoring
// skill wins, unless it ties with the runner-up, in which case routing is
// ambiguous and the caller should fall back to RouteWithLLM.
func (d *Dispatcher) Route(intent string) (*Skill, bool) {
	lower := strings.ToLower(intent)

	type scored struct {
		name  string
		score int
	}
	var scores []scored
	for name, skill := range d.skills {
		score := 0
		for _, kw := range skill.Keywords {
			if strings.Contains(lower, kw) {
				score += len(strings.Fields(kw))
			}
		}
		if score > 0 {
			scores = append(scores, scored{name, score})
		}
	}

	if len(scores) == 0 {
		return nil, false
	}

	best := scores[0]
	for _, s := range scores[1:] {
		if s.score > best.score {
			best = s
		}
	}
	for _, s := range scores {
		if s.name != best.name && s.score >= best.score {
			return nil, false // ambiguous: a tie (or better) runner-up
		}
	}

	skill := d.skills[best.name]
	return &skill, true
}

// RouteWithLLM asks the classifier model to pick a skill name from the
// known set. A missing, unknown, or "none" response yields no match.
func (d *Dispatcher) RouteWithLLM(ctx context.Context, intent string) (*Skill, error) {
	if len(d.skills) == 0 || d.provider == nil {
		return nil, nil
	}

	var b strings.Builder
	for name, s := range d.skills {
		fmt.Fprintf(&b, "- %s: %s\n", name, s.Description)
	}

	prompt := fmt.Sprintf(
		"You are an intent classifier. Given a user intent and a list of available agent skills, "+
			"determine which skill best matches the intent.\n\nAvailable skills:\n%s\n"+
			"User intent: %q\n\nRespond with ONLY the skill name if one matches, or \"none\" if no skill fits.",
		b.String(), intent)

	resp, err := d.provider.Complete(ctx, ChatRequest{
		Model:       d.classifierModel,
		Messages:    []ChatMessage{{Role: "user", Content: prompt}},
		Temperature: 0,
	})
	if err != nil {
		logger.GetAgentLogger().Warn().Err(err).Msg("llm routing call failed")
		return nil, nil
	}

	name := strings.ToLower(strings.Trim(strings.TrimSpace(resp), "'\"`."))
	skill, ok := d.skills[name]
	if !ok {
		return nil, nil
	}
	return &skill, nil
}

// AgentResult is the outcome of Execute.
type AgentResult struct {
	SkillUsed   string
	Response    string
	Actions     []map[string]any
	Success     bool
	Error       string
	Iterations  int
	ModelUsed   string
	ContextUsed []string
}

// Execute runs skill's bounded ReAct loop against intent, with an optional
// context dict appended to the user message.
func (d *Dispatcher) Execute(ctx context.Context, skill Skill, intent string, extraContext map[string]any, model string) AgentResult {
	userMessage := intent
	contextKeys := make([]string, 0, len(extraContext))
	if len(extraContext) > 0 {
		b, _ := json.MarshalIndent(extraContext, "", "  ")
		userMessage = fmt.Sprintf("%s\n\n--- Context ---\n%s", intent, string(b))
		for k := range extraContext {
			contextKeys = append(contextKeys, k)
		}
	}

	systemContent := skill.SystemPrompt
	if preamble := d.toolsPreamble(); preamble != "" {
		systemContent += "\n\n" + preamble
	}

	messages := []ChatMessage{
		{Role: "system", Content: systemContent},
		{Role: "user", Content: userMessage},
	}

	iterations := 0
	var responseText string

	for iterations < d.maxIterations {
		resp, err := d.provider.Complete(ctx, ChatRequest{Model: model, Messages: messages})
		iterations++
		if err != nil {
			return AgentResult{
				SkillUsed:  skill.Name,
				Success:    false,
				Error:      err.Error(),
				Iterations: iterations,
				ModelUsed:  model,
			}
		}
		responseText = resp

		if m := finalAnswerRe.FindStringSubmatch(responseText); m != nil {
			responseText = strings.TrimSpace(m[1])
			break
		}

		toolName, arg, ok := parseReActAction(responseText)
		if !ok {
			break // no Action: directive -- treat the plain response as final
		}

		observation := d.callTool(toolName, arg)
		messages = append(messages,
			ChatMessage{Role: "assistant", Content: responseText},
			ChatMessage{Role: "user", Content: "Observation: " + observation},
		)
	}

	return AgentResult{
		SkillUsed:   skill.Name,
		Response:    responseText,
		Actions:     extractActions(responseText),
		Success:     true,
		Iterations:  iterations,
		ModelUsed:   model,
		ContextUsed: contextKeys,
	}
}

func (d *Dispatcher) callTool(name, arg string) string {
	tool, ok := d.tools[name]
	if !ok {
		return fmt.Sprintf("Error: Unknown tool %q. Available tools: %s", name, strings.Join(d.toolNames(), ", "))
	}
	obs, err := tool.Handler(arg)
	if err != nil {
		return fmt.Sprintf("Error executing %s: %v", name, err)
	}
	return obs
}

func (d *Dispatcher) toolNames() []string {
	names := make([]string, 0, len(d.tools))
	for n := range d.tools {
		names = append(names, n)
	}
	return names
}

func (d *Dispatcher) toolsPreamble() string {
	if len(d.tools) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("You have access to the following tools. To use a tool, write exactly:\n")
	b.WriteString(`  Action: ToolName("argument")` + "\n")
	b.WriteString("After using a tool you will receive an Observation with the result. ")
	b.WriteString("When you have enough information, write:\n  Final Answer: <your response>\n\nAvailable tools:\n")
	for _, t := range d.tools {
		fmt.Fprintf(&b, "  - %s: %s\n", t.Name, t.Description)
	}
	return b.String()
}

// parseReActAction extracts a ToolName("arg") directive from response text.
func parseReActAction(text string) (name, arg string, ok bool) {
	m := reActActionRe.FindStringSubmatch(text)
	if m == nil {
		return "", "", false
	}
	name = strings.TrimSpace(m[1])
	arg = strings.TrimSpace(m[2])
	if len(arg) >= 2 {
		if (arg[0] == '"' && arg[len(arg)-1] == '"') || (arg[0] == '\'' && arg[len(arg)-1] == '\'') {
			arg = arg[1 : len(arg)-1]
		}
	}
	return name, arg, true
}

// extractActions accepts either bare JSON or code-fenced JSON in the final
// response and returns every top-level object found.
func extractActions(text string) []map[string]any {
	var actions []map[string]any

	candidates := codeFenceRe.FindAllStringSubmatch(text, -1)
	bodies := make([]string, 0, len(candidates))
	for _, c := range candidates {
		bodies = append(bodies, c[1])
	}
	if len(bodies) == 0 {
		bodies = []string{text}
	}

	for _, body := range bodies {
		body = strings.TrimSpace(body)
		if body == "" {
			continue
		}
		var obj map[string]any
		if err := json.Unmarshal([]byte(body), &obj); err == nil {
			actions = append(actions, obj)
			continue
		}
		var arr []map[string]any
		if err := json.Unmarshal([]byte(body), &arr); err == nil {
			actions = append(actions, arr...)
		}
	}
	return actions
}
