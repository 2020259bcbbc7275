// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/showrunner/core/internal/logger"
)

// ChatCompletionRequest is the normalised shape sent to a streaming chat
// provider: {model, messages, temperature} (spec §6). Streaming is implied
// by the call: StreamingChatProvider.Stream returns a channel of deltas.
type ChatCompletionRequest struct {
	Model       string
	Messages    []ChatTurn
	Temperature float64
}

// StreamingChatProvider returns completion text as a sequence of delta
// chunks rather than one whole string, so the orchestrator can forward each
// chunk as a token event as soon as it arrives.
type StreamingChatProvider interface {
	Stream(ctx context.Context, req ChatCompletionRequest) (<-chan string, error)
}

// IntentClassifier decides which tool (if any) a message's content routes
// to, and whether that route needs human approval before it runs. A nil
// classifier makes every message plain chat.
type IntentClassifier interface {
	Classify(ctx context.Context, content string, autonomy AutonomyLevel) (intent string, requiresApproval bool, err error)
}

// PlanGenerator turns a natural-language goal into a numbered plan for the
// /plan slash command.
type PlanGenerator interface {
	GeneratePlan(ctx context.Context, goal string) ([]PlanStep, error)
}

// Orchestrator implements the per-message handling pipeline (spec §4.10):
// persist, classify, dispatch, assemble context, stream a reply, persist
// the reply. Grounded in the original's ChatOrchestrator.handle_message.
type Orchestrator struct {
	repo       *SessionRepository
	contextMgr *ContextManager
	tools      *ToolRegistry
	provider   StreamingChatProvider
	classifier IntentClassifier
	planner    PlanGenerator
	model      string

	plansMu sync.Mutex
	plans   map[string][]PlanStep
}

// NewOrchestrator wires the orchestrator's collaborators. provider,
// classifier, and planner may be nil; their absence degrades gracefully
// (chat-only responses, no approval gating, a canned plan fallback).
func NewOrchestrator(repo *SessionRepository, contextMgr *ContextManager, tools *ToolRegistry, provider StreamingChatProvider, classifier IntentClassifier, planner PlanGenerator, model string) *Orchestrator {
	return &Orchestrator{
		repo:       repo,
		contextMgr: contextMgr,
		tools:      tools,
		provider:   provider,
		classifier: classifier,
		planner:    planner,
		model:      model,
		plans:      make(map[string][]PlanStep),
	}
}

// HandleMessage runs the full pipeline for one inbound message and streams
// every Event it produces on the returned channel, closing it when done.
func (o *Orchestrator) HandleMessage(ctx context.Context, sessionID, content string, mentionedEntityIDs []string, contextPayload map[string]any) <-chan Event {
	out := make(chan Event, 16)
	go func() {
		defer close(out)

		if _, err := o.repo.AddMessage(&Message{
			SessionID:          sessionID,
			Role:               "user",
			Content:            content,
			MentionedEntityIDs: mentionedEntityIDs,
		}); err != nil {
			out <- errorEvent(sessionID, err)
			return
		}

		if strings.HasPrefix(strings.TrimSpace(content), "/") {
			o.handleSlashCommand(ctx, sessionID, strings.TrimSpace(content), out)
			return
		}

		o.handleConversational(ctx, sessionID, content, mentionedEntityIDs, contextPayload, out)
	}()
	return out
}

func (o *Orchestrator) handleConversational(ctx context.Context, sessionID, content string, mentionedEntityIDs []string, contextPayload map[string]any, out chan<- Event) {
	started := time.Now()

	intent := "chat"
	requiresApproval := false
	if o.classifier != nil {
		session, err := o.repo.GetSession(sessionID)
		autonomy := AutonomyAsk
		if err == nil {
			autonomy = session.AutonomyLevel
		}
		var classifyErr error
		intent, requiresApproval, classifyErr = o.classifier.Classify(ctx, content, autonomy)
		if classifyErr != nil {
			intent, requiresApproval = "chat", false
		}
	}

	if requiresApproval {
		out <- Event{
			EventType: "approval_needed",
			Data: map[string]any{
				"session_id": sessionID,
				"intent":     intent,
			},
		}
		return
	}

	out <- Event{
		EventType: "action_trace",
		Data:      map[string]any{"tool_name": intent, "phase": "start"},
	}

	var response strings.Builder
	var artifacts []Artifact

	if intent != "chat" && o.tools != nil && o.tools.Has(intent) {
		for ev := range o.tools.executeTool(ctx, intent, content, mentionedEntityIDs, sessionID, contextPayload) {
			if ev.EventType == "token" {
				if text, ok := ev.Data["text"].(string); ok {
					response.WriteString(text)
				}
			}
			if ev.EventType == "artifact" {
				artifacts = append(artifacts, Artifact{
					ArtifactType: fmt.Sprint(ev.Data["artifact_type"]),
					Title:        fmt.Sprint(ev.Data["title"]),
					Content:      fmt.Sprint(ev.Data["content"]),
				})
			}
			out <- ev
		}
	} else {
		o.streamModelReply(ctx, sessionID, content, mentionedEntityIDs, contextPayload, &response, out)
	}

	duration := time.Since(started).Milliseconds()
	out <- Event{
		EventType: "action_trace",
		Data:      map[string]any{"tool_name": intent, "phase": "end", "duration_ms": duration},
	}

	msg, err := o.repo.AddMessage(&Message{
		SessionID: sessionID,
		Role:      "assistant",
		Content:   response.String(),
		Artifacts: artifacts,
		ActionTraces: []ActionTrace{{
			ToolName:   intent,
			DurationMs: int(duration),
		}},
	})
	if err != nil {
		out <- errorEvent(sessionID, err)
		return
	}

	estimate := len(strings.Fields(content)) + len(strings.Fields(response.String()))
	if err := o.repo.UpdateTokenUsage(sessionID, estimate); err != nil {
		logger.GetChatLogger().Warn().Err(err).Msg("failed to update chat token usage")
	}

	out <- Event{
		EventType: "complete",
		Data: map[string]any{
			"message_id": msg.ID,
			"session_id": sessionID,
			"duration_ms": duration,
		},
	}
}

func (o *Orchestrator) streamModelReply(ctx context.Context, sessionID, content string, mentionedEntityIDs []string, contextPayload map[string]any, response *strings.Builder, out chan<- Event) {
	built, err := o.contextMgr.BuildContext(ctx, sessionID, mentionedEntityIDs, contextPayload, DefaultTokenBudget)
	if err != nil || o.provider == nil {
		o.writeShellResponse(content, response, out)
		return
	}

	messages := make([]ChatTurn, 0, len(built.Messages)+2)
	systemPrompt := "You are a collaborative creative-writing assistant."
	if built.SystemContext != "" {
		systemPrompt += "\n\n" + built.SystemContext
	}
	if built.EntityContext != "" {
		systemPrompt += "\n\n" + built.EntityContext
	}
	messages = append(messages, ChatTurn{Role: "system", Content: systemPrompt})
	messages = append(messages, built.Messages...)
	messages = append(messages, ChatTurn{Role: "user", Content: content})

	chunks, err := o.provider.Stream(ctx, ChatCompletionRequest{Model: o.model, Messages: messages, Temperature: 0.7})
	if err != nil {
		o.writeShellResponse(content, response, out)
		return
	}
	for chunk := range chunks {
		response.WriteString(chunk)
		out <- tokenEvent(chunk)
	}
}

// writeShellResponse produces the canned fallback used when no model
// provider is wired or the model call fails, tokenized the same way a real
// streamed reply would be.
func (o *Orchestrator) writeShellResponse(content string, response *strings.Builder, out chan<- Event) {
	shell := fmt.Sprintf("I heard: %q. (No model is configured to respond further.)", content)
	for _, tok := range tokenizeWords(shell) {
		response.WriteString(tok)
		out <- tokenEvent(tok)
	}
}

var stepNumberSplit = regexp.MustCompile(`[,\s]+`)

func (o *Orchestrator) handleSlashCommand(ctx context.Context, sessionID, command string, out chan<- Event) {
	fields := strings.SplitN(command, " ", 2)
	name := fields[0]
	var arg string
	if len(fields) > 1 {
		arg = strings.TrimSpace(fields[1])
	}

	switch name {
	case "/plan":
		o.handlePlan(ctx, sessionID, arg, out)
	case "/approve":
		o.handleApprove(sessionID, arg, out)
	case "/execute":
		o.handleExecute(ctx, sessionID, out)
	case "/compact":
		o.handleCompact(sessionID, out)
	default:
		o.emitAndPersist(sessionID, "Unknown command. Valid commands: /plan, /approve, /execute, /compact", out)
	}
}

func (o *Orchestrator) handlePlan(ctx context.Context, sessionID, goal string, out chan<- Event) {
	var steps []PlanStep
	if o.planner != nil {
		generated, err := o.planner.GeneratePlan(ctx, goal)
		if err == nil && len(generated) > 0 {
			steps = generated
		}
	}
	if steps == nil {
		steps = defaultPlan(goal)
	}
	for i := range steps {
		if steps[i].Status == "" {
			steps[i].Status = "pending"
		}
		if steps[i].Step == 0 {
			steps[i].Step = i + 1
		}
	}

	o.plansMu.Lock()
	o.plans[sessionID] = steps
	o.plansMu.Unlock()

	var b strings.Builder
	fmt.Fprintf(&b, "Plan for %q:\n", goal)
	for _, s := range steps {
		fmt.Fprintf(&b, "%d. [%s] %s\n", s.Step, s.Status, s.Action)
	}
	o.emitAndPersist(sessionID, b.String(), out)
}

func defaultPlan(goal string) []PlanStep {
	return []PlanStep{
		{Step: 1, Action: fmt.Sprintf("Research context relevant to: %s", goal), Status: "pending"},
		{Step: 2, Action: "Draft an outline", Status: "pending"},
		{Step: 3, Action: "Generate a first pass", Status: "pending"},
		{Step: 4, Action: "Review and refine", Status: "pending"},
	}
}

func (o *Orchestrator) handleApprove(sessionID, arg string, out chan<- Event) {
	o.plansMu.Lock()
	defer o.plansMu.Unlock()

	steps, ok := o.plans[sessionID]
	if !ok {
		o.emitAndPersist(sessionID, "No plan to approve. Use /plan <goal> first.", out)
		return
	}

	var approved []int
	if strings.EqualFold(strings.TrimSpace(arg), "all") {
		for i := range steps {
			steps[i].Status = "approved"
			approved = append(approved, steps[i].Step)
		}
	} else {
		wanted := make(map[int]bool)
		for _, tok := range stepNumberSplit.Split(strings.TrimSpace(arg), -1) {
			if tok == "" {
				continue
			}
			if n, err := strconv.Atoi(tok); err == nil {
				wanted[n] = true
			}
		}
		for i := range steps {
			if wanted[steps[i].Step] {
				steps[i].Status = "approved"
				approved = append(approved, steps[i].Step)
			}
		}
	}
	o.plans[sessionID] = steps

	approvedStrs := make([]string, len(approved))
	for i, n := range approved {
		approvedStrs[i] = strconv.Itoa(n)
	}
	msg := fmt.Sprintf("Approved steps: %s. Use /execute to run.", strings.Join(approvedStrs, ", "))
	o.emitAndPersist(sessionID, msg, out)
}

func (o *Orchestrator) handleExecute(ctx context.Context, sessionID string, out chan<- Event) {
	o.plansMu.Lock()
	steps, ok := o.plans[sessionID]
	o.plansMu.Unlock()
	if !ok {
		o.emitAndPersist(sessionID, "No plan to execute. Use /plan <goal> first.", out)
		return
	}

	executed := 0
	for _, s := range steps {
		if s.Status != "approved" {
			continue
		}
		out <- Event{EventType: "action_trace", Data: map[string]any{"tool_name": "plan_step", "step": s.Step, "action": s.Action}}
		out <- Event{EventType: "background_update", Data: map[string]any{"step": s.Step, "status": "completed"}}
		executed++
	}

	o.plansMu.Lock()
	delete(o.plans, sessionID)
	o.plansMu.Unlock()

	o.emitAndPersist(sessionID, fmt.Sprintf("Executed %d approved step(s).", executed), out)
}

func (o *Orchestrator) handleCompact(sessionID string, out chan<- Event) {
	result, err := o.contextMgr.Compact(sessionID, 10)
	if err != nil {
		out <- errorEvent(sessionID, err)
		return
	}
	o.emitAndPersist(sessionID, fmt.Sprintf(
		"Compacted %d messages, saving roughly %d tokens.",
		result.OriginalMessageCount, result.TokenReduction,
	), out)
}

// emitAndPersist tokenizes and streams text, then persists it as a single
// assistant message, matching how every slash command reports its result.
func (o *Orchestrator) emitAndPersist(sessionID, text string, out chan<- Event) {
	for _, tok := range tokenizeWords(text) {
		out <- tokenEvent(tok)
	}
	msg, err := o.repo.AddMessage(&Message{SessionID: sessionID, Role: "assistant", Content: text})
	if err != nil {
		out <- errorEvent(sessionID, err)
		return
	}
	out <- Event{EventType: "complete", Data: map[string]any{"message_id": msg.ID, "session_id": sessionID}}
}
