// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"context"
	"fmt"
	"strings"

	"github.com/showrunner/core/internal/contextassembler"
)

// DefaultTokenBudget is used when a caller does not specify one.
const DefaultTokenBudget = 8000

// LayerUsage breaks a BuiltContext's token estimate down by layer.
type LayerUsage struct {
	ProjectMemory    int
	SessionHistory   int
	OnDemandRetrieval int
}

// BuiltContext is the structured result of ContextManager.BuildContext
// (spec §4.10.4).
type BuiltContext struct {
	SystemContext string
	Messages      []ChatTurn
	EntityContext string
	TokenUsage    int
	Layers        LayerUsage
}

// ChatTurn is the minimal {role, content} shape sent to the model.
type ChatTurn struct {
	Role    string
	Content string
}

// CompactResult is returned by ContextManager.Compact.
type CompactResult struct {
	Digest               string
	OriginalMessageCount int
	TokenReduction        int
	PreservedEntities     []string
	CompactionNumber      int
}

// estimateTokens uses the cheap len/4 heuristic spec.md mandates throughout.
func estimateTokens(s string) int {
	return len(s) / 4
}

// ContextManager assembles the three-layer context and performs history
// compaction (spec §4.10.4), grounded in the original's ChatContextManager.
type ContextManager struct {
	repo      *SessionRepository
	memory    *ProjectMemoryService
	assembler *contextassembler.Assembler
}

// NewContextManager wires the three collaborators; assembler may be nil, in
// which case Layer 3 is always empty.
func NewContextManager(repo *SessionRepository, memory *ProjectMemoryService, assembler *contextassembler.Assembler) *ContextManager {
	return &ContextManager{repo: repo, memory: memory, assembler: assembler}
}

// BuildContext assembles Layer 1 (project memory), Layer 2 (session
// history), and Layer 3 (on-demand entity retrieval). Budget priority is
// L3 > L2 > L1: Layer 3 is taken whole, Layer 2 is trimmed from the oldest
// message to fit what Layer 3 leaves (the newest message is always kept),
// and Layer 1 is cut short to fit whatever budget remains after that.
func (cm *ContextManager) BuildContext(ctx context.Context, sessionID string, mentionedEntityIDs []string, contextPayload map[string]any, tokenBudget int) (*BuiltContext, error) {
	if tokenBudget <= 0 {
		tokenBudget = DefaultTokenBudget
	}

	entityContext := cm.buildEntityContext(ctx, mentionedEntityIDs)
	tokensL3 := estimateTokens(entityContext)

	remaining := tokenBudget - tokensL3
	if remaining < 0 {
		remaining = 0
	}

	messages, err := cm.repo.GetMessages(sessionID)
	if err != nil {
		return nil, err
	}

	included := make([]ChatTurn, 0, len(messages))
	tokensL2 := 0
	for i := len(messages) - 1; i >= 0; i-- {
		m := messages[i]
		cost := estimateTokens(m.Content)
		if tokensL2+cost > remaining && len(included) > 0 {
			break
		}
		included = append(included, ChatTurn{Role: m.Role, Content: m.Content})
		tokensL2 += cost
	}
	// included was built newest-first; restore chronological order.
	for i, j := 0, len(included)-1; i < j; i, j = i+1, j-1 {
		included[i], included[j] = included[j], included[i]
	}

	systemContext := cm.buildSystemContext(sessionID, contextPayload)
	l1Budget := tokenBudget - tokensL3 - tokensL2
	if l1Budget < 0 {
		l1Budget = 0
	}
	if estimateTokens(systemContext) > l1Budget {
		systemContext = systemContext[:l1Budget*4]
	}
	tokensL1 := estimateTokens(systemContext)

	return &BuiltContext{
		SystemContext: systemContext,
		Messages:      included,
		EntityContext: entityContext,
		TokenUsage:    tokensL1 + tokensL2 + tokensL3,
		Layers: LayerUsage{
			ProjectMemory:     tokensL1,
			SessionHistory:    tokensL2,
			OnDemandRetrieval: tokensL3,
		},
	}, nil
}

func (cm *ContextManager) buildSystemContext(sessionID string, contextPayload map[string]any) string {
	if cm.memory == nil {
		return ""
	}
	session, err := cm.repo.GetSession(sessionID)
	if err != nil {
		return ""
	}
	scope, _ := contextPayload["scope"].(string)
	scopeID, _ := contextPayload["scope_id"].(string)

	entries, err := cm.memory.AutoInjectable(session.ProjectID, scope, scopeID)
	if err != nil || len(entries) == 0 {
		return ""
	}
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		lines = append(lines, fmt.Sprintf("- %s: %s", e.Key, e.Value))
	}
	return strings.Join(lines, "\n")
}

func (cm *ContextManager) buildEntityContext(ctx context.Context, mentionedEntityIDs []string) string {
	if cm.assembler == nil || len(mentionedEntityIDs) == 0 {
		return ""
	}
	var parts []string
	for _, id := range mentionedEntityIDs {
		res, err := cm.assembler.Assemble(ctx, contextassembler.Request{ExplicitIDs: []string{id}, MaxTokens: 500})
		if err != nil || res.Text == "" {
			continue
		}
		parts = append(parts, fmt.Sprintf("[%s]\n%s", id, res.Text))
	}
	return strings.Join(parts, "\n\n")
}

// Compact summarises all but the most recent keepRecent messages into a
// digest, preserving mentioned entity ids from the kept messages (spec
// §4.10.4). Too-small histories are a no-op.
func (cm *ContextManager) Compact(sessionID string, keepRecent int) (*CompactResult, error) {
	if keepRecent <= 0 {
		keepRecent = 5
	}
	messages, err := cm.repo.GetMessages(sessionID)
	if err != nil {
		return nil, err
	}
	if len(messages) <= keepRecent {
		return &CompactResult{OriginalMessageCount: len(messages)}, nil
	}

	older := messages[:len(messages)-keepRecent]
	recent := messages[len(messages)-keepRecent:]

	var lines []string
	lines = append(lines, "## Conversation Summary")
	originalChars := 0
	for _, m := range older {
		content := m.Content
		originalChars += len(content)
		if len(content) > 200 {
			content = content[:200] + "..."
		}
		lines = append(lines, fmt.Sprintf("- %s: %s", m.Role, content))
	}
	for _, m := range recent {
		originalChars += len(m.Content)
	}
	digest := strings.Join(lines, "\n")

	originalTokens := originalChars / 4
	tokenReduction := originalTokens - estimateTokens(digest)
	if tokenReduction < 0 {
		tokenReduction = 0
	}

	seen := make(map[string]bool)
	var preserved []string
	for _, m := range recent {
		for _, id := range m.MentionedEntityIDs {
			if !seen[id] {
				seen[id] = true
				preserved = append(preserved, id)
			}
		}
	}

	compactionNumber, err := cm.repo.ReplaceDigest(sessionID, digest)
	if err != nil {
		return nil, err
	}

	return &CompactResult{
		Digest:               digest,
		OriginalMessageCount: len(messages),
		TokenReduction:       tokenReduction,
		PreservedEntities:    preserved,
		CompactionNumber:     compactionNumber,
	}, nil
}
