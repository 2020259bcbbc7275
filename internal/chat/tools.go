// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"context"
	"fmt"
	"regexp"
)

// ToolHandler runs synchronously and returns its whole result as a string,
// which the orchestrator then tokenizes and streams (spec §4.10.3's plain
// function handler shape).
type ToolHandler func(ctx context.Context, content string, entityIDs []string, sessionID string, contextPayload map[string]any) (string, error)

// StreamingToolHandler emits its own Events (token or otherwise) as it runs,
// mirroring the original's async-generator handler shape.
type StreamingToolHandler func(ctx context.Context, content string, entityIDs []string, sessionID string, contextPayload map[string]any) <-chan Event

// ToolRegistry dispatches a classified intent to its handler (spec
// §4.10.3), grounded in the original's tool-registry / _execute_tool split.
type ToolRegistry struct {
	handlers          map[string]ToolHandler
	streamingHandlers map[string]StreamingToolHandler
}

// NewToolRegistry returns an empty registry; callers Register handlers for
// the intents their deployment supports.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		handlers:          make(map[string]ToolHandler),
		streamingHandlers: make(map[string]StreamingToolHandler),
	}
}

// Register installs a synchronous handler for intent, replacing any prior
// registration (synchronous or streaming) under that name.
func (tr *ToolRegistry) Register(intent string, h ToolHandler) {
	delete(tr.streamingHandlers, intent)
	tr.handlers[intent] = h
}

// RegisterStreaming installs a self-streaming handler for intent.
func (tr *ToolRegistry) RegisterStreaming(intent string, h StreamingToolHandler) {
	delete(tr.handlers, intent)
	tr.streamingHandlers[intent] = h
}

// Has reports whether intent has a registered handler of either kind.
func (tr *ToolRegistry) Has(intent string) bool {
	if _, ok := tr.handlers[intent]; ok {
		return true
	}
	_, ok := tr.streamingHandlers[intent]
	return ok
}

// tokenizeWords splits text the way the original's regex tokenizer does —
// each token carries its trailing whitespace, so concatenating them exactly
// reconstructs the input.
var wordWithTrailingSpace = regexp.MustCompile(`\S+\s*`)

func tokenizeWords(text string) []string {
	return wordWithTrailingSpace.FindAllString(text, -1)
}

// intentToArtifactType maps a dispatched intent to the artifact shape its
// result is rendered as (spec §4.10.3's _intent_to_artifact_type table).
func intentToArtifactType(intent string) string {
	switch intent {
	case "search":
		return "table"
	case "create":
		return "yaml"
	case "evaluate", "pipeline":
		return "outline"
	case "research":
		return "prose"
	default:
		return "prose"
	}
}

// artifactIntents is the set of intents that get an `artifact` event after
// a (non-streaming) tool handler completes.
var artifactIntents = map[string]bool{
	"search": true, "create": true, "evaluate": true, "pipeline": true,
}

// executeTool runs whichever handler is registered for intent, emitting its
// result as a sequence of Events. Handler panics/errors are converted into a
// "Tool '<intent>' failed: ..." response rather than propagated, matching
// the original's exception-swallowing dispatch.
func (tr *ToolRegistry) executeTool(ctx context.Context, intent, content string, entityIDs []string, sessionID string, contextPayload map[string]any) <-chan Event {
	out := make(chan Event, 8)
	go func() {
		defer close(out)
		defer func() {
			if rec := recover(); rec != nil {
				out <- tokenEvent(fmt.Sprintf("Tool '%s' failed: panic: %v", intent, rec))
			}
		}()

		if sh, ok := tr.streamingHandlers[intent]; ok {
			events := sh(ctx, content, entityIDs, sessionID, contextPayload)
			for ev := range events {
				out <- ev
			}
			return
		}

		h, ok := tr.handlers[intent]
		if !ok {
			out <- tokenEvent(fmt.Sprintf("Tool '%s' is not available.", intent))
			return
		}

		result, err := h(ctx, content, entityIDs, sessionID, contextPayload)
		if err != nil {
			result = fmt.Sprintf("Tool '%s' failed: %v", intent, err)
		}
		for _, tok := range tokenizeWords(result) {
			out <- tokenEvent(tok)
		}
		if err == nil && artifactIntents[intent] {
			out <- Event{
				EventType: "artifact",
				Data: map[string]any{
					"artifact_type": intentToArtifactType(intent),
					"title":         fmt.Sprintf("%s result", intent),
					"content":       result,
				},
			}
		}
	}()
	return out
}
