// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/showrunner/core/internal/store"
)

func newOrchestratorHarness(t *testing.T) (*Orchestrator, *SessionRepository, string) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, store.NewRelationalIndex(db).Migrate())

	repo := NewSessionRepository(db)
	memory := NewProjectMemoryService(db)
	contextMgr := NewContextManager(repo, memory, nil)
	tools := NewToolRegistry()
	orch := NewOrchestrator(repo, contextMgr, tools, nil, nil, nil, "gpt-test")

	s, err := repo.CreateSession(&Session{Name: "s", ProjectID: "p"})
	require.NoError(t, err)
	return orch, repo, s.ID
}

func drain(ch <-chan Event) []Event {
	var events []Event
	for ev := range ch {
		events = append(events, ev)
	}
	return events
}

func eventTypes(events []Event) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.EventType
	}
	return out
}

func TestHandleMessage_PlainChatWithoutProviderFallsBackToShellResponse(t *testing.T) {
	orch, repo, sessionID := newOrchestratorHarness(t)
	events := drain(orch.HandleMessage(context.Background(), sessionID, "hello there", nil, nil))

	assert.Contains(t, eventTypes(events), "token")
	assert.Contains(t, eventTypes(events), "complete")

	messages, err := repo.GetMessages(sessionID)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "user", messages[0].Role)
	assert.Equal(t, "assistant", messages[1].Role)
	assert.NotEmpty(t, messages[1].Content)
}

type fakeClassifier struct {
	intent            string
	requiresApproval  bool
	err               error
}

func (f fakeClassifier) Classify(ctx context.Context, content string, autonomy AutonomyLevel) (string, bool, error) {
	return f.intent, f.requiresApproval, f.err
}

func TestHandleMessage_ApprovalGatedIntentStopsBeforeResponding(t *testing.T) {
	orch, repo, sessionID := newOrchestratorHarness(t)
	orch.classifier = fakeClassifier{intent: "pipeline", requiresApproval: true}

	events := drain(orch.HandleMessage(context.Background(), sessionID, "run the distillation pipeline", nil, nil))
	require.Len(t, events, 1)
	assert.Equal(t, "approval_needed", events[0].EventType)

	messages, err := repo.GetMessages(sessionID)
	require.NoError(t, err)
	require.Len(t, messages, 1) // only the persisted user message
	assert.Equal(t, "user", messages[0].Role)
}

func TestHandleMessage_DispatchesToRegisteredTool(t *testing.T) {
	orch, repo, sessionID := newOrchestratorHarness(t)
	orch.classifier = fakeClassifier{intent: "search"}
	orch.tools.Register("search", func(ctx context.Context, content string, entityIDs []string, sessionID string, contextPayload map[string]any) (string, error) {
		return "found 3 matching scenes", nil
	})

	events := drain(orch.HandleMessage(context.Background(), sessionID, "find scenes with elenya", nil, nil))

	var sawArtifact bool
	for _, e := range events {
		if e.EventType == "artifact" {
			sawArtifact = true
			assert.Equal(t, "table", e.Data["artifact_type"])
		}
	}
	assert.True(t, sawArtifact)

	messages, err := repo.GetMessages(sessionID)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Contains(t, messages[1].Content, "found 3 matching scenes")
}

func TestHandleMessage_ToolErrorBecomesResponseTextNotFatal(t *testing.T) {
	orch, _, sessionID := newOrchestratorHarness(t)
	orch.classifier = fakeClassifier{intent: "create"}
	orch.tools.Register("create", func(ctx context.Context, content string, entityIDs []string, sessionID string, contextPayload map[string]any) (string, error) {
		return "", errors.New("model unavailable")
	})

	events := drain(orch.HandleMessage(context.Background(), sessionID, "draft a new scene", nil, nil))
	assert.Contains(t, eventTypes(events), "complete")

	var tokens string
	for _, e := range events {
		if e.EventType == "token" {
			tokens += e.Data["text"].(string)
		}
	}
	assert.Contains(t, tokens, "failed")
}

func TestHandleMessage_SlashPlanApproveExecute(t *testing.T) {
	orch, repo, sessionID := newOrchestratorHarness(t)

	drain(orch.HandleMessage(context.Background(), sessionID, "/plan write chapter three", nil, nil))
	orch.plansMu.Lock()
	steps := orch.plans[sessionID]
	orch.plansMu.Unlock()
	require.Len(t, steps, 4)

	approveEvents := drain(orch.HandleMessage(context.Background(), sessionID, "/approve 1,2", nil, nil))
	var approveTokens string
	for _, e := range approveEvents {
		if e.EventType == "token" {
			approveTokens += e.Data["text"].(string)
		}
	}
	assert.Equal(t, "Approved steps: 1, 2. Use /execute to run.", approveTokens)

	orch.plansMu.Lock()
	approved := 0
	for _, s := range orch.plans[sessionID] {
		if s.Status == "approved" {
			approved++
		}
	}
	orch.plansMu.Unlock()
	assert.Equal(t, 2, approved)

	events := drain(orch.HandleMessage(context.Background(), sessionID, "/execute", nil, nil))
	var backgroundUpdates int
	for _, e := range events {
		if e.EventType == "background_update" {
			backgroundUpdates++
		}
	}
	assert.Equal(t, 2, backgroundUpdates)

	orch.plansMu.Lock()
	_, stillExists := orch.plans[sessionID]
	orch.plansMu.Unlock()
	assert.False(t, stillExists)

	messages, err := repo.GetMessages(sessionID)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(messages), 6) // 3 user slash commands + 3 assistant acks
}

func TestHandleMessage_ApproveAllApprovesEveryStep(t *testing.T) {
	orch, _, sessionID := newOrchestratorHarness(t)
	drain(orch.HandleMessage(context.Background(), sessionID, "/plan outline act two", nil, nil))
	approveEvents := drain(orch.HandleMessage(context.Background(), sessionID, "/approve all", nil, nil))

	var approveTokens string
	for _, e := range approveEvents {
		if e.EventType == "token" {
			approveTokens += e.Data["text"].(string)
		}
	}
	assert.Equal(t, "Approved steps: 1, 2, 3, 4. Use /execute to run.", approveTokens)

	orch.plansMu.Lock()
	defer orch.plansMu.Unlock()
	for _, s := range orch.plans[sessionID] {
		assert.Equal(t, "approved", s.Status)
	}
}

func TestHandleMessage_UnknownSlashCommandListsValidOnes(t *testing.T) {
	orch, _, sessionID := newOrchestratorHarness(t)
	events := drain(orch.HandleMessage(context.Background(), sessionID, "/frobnicate", nil, nil))

	var tokens string
	for _, e := range events {
		if e.EventType == "token" {
			tokens += e.Data["text"].(string)
		}
	}
	assert.Contains(t, tokens, "/plan")
	assert.Contains(t, tokens, "/compact")
}

func TestHandleMessage_CompactWithoutEnoughHistoryReportsZeroReduction(t *testing.T) {
	orch, _, sessionID := newOrchestratorHarness(t)
	events := drain(orch.HandleMessage(context.Background(), sessionID, "/compact", nil, nil))

	var tokens string
	for _, e := range events {
		if e.EventType == "token" {
			tokens += e.Data["text"].(string)
		}
	}
	assert.Contains(t, tokens, "Compacted")
	assert.Contains(t, tokens, "saving roughly 0 tokens")
}

type fakeStreamingProvider struct {
	chunks []string
	err    error
}

func (f fakeStreamingProvider) Stream(ctx context.Context, req ChatCompletionRequest) (<-chan string, error) {
	if f.err != nil {
		return nil, f.err
	}
	ch := make(chan string, len(f.chunks))
	for _, c := range f.chunks {
		ch <- c
	}
	close(ch)
	return ch, nil
}

func TestHandleMessage_StreamsProviderChunksAsTokens(t *testing.T) {
	orch, repo, sessionID := newOrchestratorHarness(t)
	orch.provider = fakeStreamingProvider{chunks: []string{"The ", "story ", "continues."}}

	events := drain(orch.HandleMessage(context.Background(), sessionID, "what happens next", nil, nil))

	var text string
	for _, e := range events {
		if e.EventType == "token" {
			text += e.Data["text"].(string)
		}
	}
	assert.Equal(t, "The story continues.", text)

	messages, err := repo.GetMessages(sessionID)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "The story continues.", messages[1].Content)
}

func TestHandleMessage_ProviderErrorFallsBackToShellResponse(t *testing.T) {
	orch, _, sessionID := newOrchestratorHarness(t)
	orch.provider = fakeStreamingProvider{err: errors.New("upstream down")}

	events := drain(orch.HandleMessage(context.Background(), sessionID, "continue the scene", nil, nil))
	assert.Contains(t, eventTypes(events), "token")
	assert.Contains(t, eventTypes(events), "complete")
}
