// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package chat implements the Chat Orchestrator (C10): per-message intent
// classification, tool dispatch, plan/approve/execute slash commands, and
// three-layer context assembly feeding a streaming model call.
package chat

import "time"

// SessionState is one of the states a ChatSession moves through.
type SessionState string

const (
	SessionActive    SessionState = "active"
	SessionCompacted SessionState = "compacted"
	SessionEnded     SessionState = "ended"
)

// AutonomyLevel governs how much a session's tools act without confirmation.
type AutonomyLevel int

const (
	AutonomyAsk     AutonomyLevel = 0
	AutonomySuggest AutonomyLevel = 1
	AutonomyExecute AutonomyLevel = 2
)

// ApprovalState tracks whether a message's proposed action was approved.
type ApprovalState string

const (
	ApprovalPending  ApprovalState = "pending"
	ApprovalApproved ApprovalState = "approved"
	ApprovalRejected ApprovalState = "rejected"
)

// Session is a chat conversation thread (spec §3.5).
type Session struct {
	ID              string
	Name            string
	ProjectID       string
	State           SessionState
	AutonomyLevel   AutonomyLevel
	ContextBudget   int
	TokenUsage      int
	Digest          string
	CompactionCount int
	Tags            []string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	Notes           string
}

// ActionTrace records one tool/step the orchestrator took while producing a
// message.
type ActionTrace struct {
	ToolName        string `json:"tool_name"`
	ContextSummary  string `json:"context_summary"`
	DurationMs      int    `json:"duration_ms"`
	TokenUsageIn    int    `json:"token_usage_in"`
	TokenUsageOut   int    `json:"token_usage_out"`
	SubInvocations  int    `json:"sub_invocations"`
}

// Artifact is a structured side-result attached to an assistant message
// (e.g. a search table, a generated YAML draft).
type Artifact struct {
	ArtifactType string `json:"artifact_type"`
	Title        string `json:"title"`
	Content      string `json:"content"`
	ContainerID  string `json:"container_id,omitempty"`
	IsSaved      bool   `json:"is_saved"`
}

// Message is one turn of a Session (spec §3.5).
type Message struct {
	ID                  string
	SessionID           string
	Role                string // user, assistant, system
	Content             string
	ActionTraces        []ActionTrace
	Artifacts           []Artifact
	MentionedEntityIDs  []string
	ApprovalState       ApprovalState
	SortOrder           int
	CreatedAt           time.Time
	UpdatedAt           time.Time
	Notes               string
}

// MemoryEntry is one Layer-1 project-memory fact (spec §3.6).
type MemoryEntry struct {
	ID         string
	ProjectID  string
	Key        string
	Value      string
	Scope      string // global, chapter, scene, character
	ScopeID    string
	Source     string
	AutoInject bool
}

// PlanStep is one numbered step of a /plan response (spec §4.10.2).
type PlanStep struct {
	Step   int    `json:"step"`
	Action string `json:"action"`
	Status string `json:"status"` // pending or approved
}

// Event is one item of the typed stream emitted by HandleMessage (spec
// §4.10.1). EventType is one of: token, action_trace, artifact,
// approval_needed, background_update, complete, error.
type Event struct {
	EventType string
	Data      map[string]any
}

func tokenEvent(text string) Event {
	return Event{EventType: "token", Data: map[string]any{"text": text}}
}

func errorEvent(sessionID string, err error) Event {
	return Event{EventType: "error", Data: map[string]any{"error": err.Error(), "session_id": sessionID}}
}
