// Copyright (C) 2025-2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package logger

import (
	"github.com/rs/zerolog"
)

// Static logger getters that map directly to config.yaml log.levels
// These ensure consistent logger names across the codebase

// GetStoreLogger returns a logger for the content store / relational index.
func GetStoreLogger() zerolog.Logger {
	return GetLogger("store")
}

// GetVectorLogger returns a logger for the vector index.
func GetVectorLogger() zerolog.Logger {
	return GetLogger("vector")
}

// GetUoWLogger returns a logger for the unit of work.
func GetUoWLogger() zerolog.Logger {
	return GetLogger("uow")
}

// GetKnowledgeLogger returns a logger for the knowledge graph service.
func GetKnowledgeLogger() zerolog.Logger {
	return GetLogger("knowledge")
}

// GetContextLogger returns a logger for the context assembler.
func GetContextLogger() zerolog.Logger {
	return GetLogger("context")
}

// GetModelConfigLogger returns a logger for the model config registry.
func GetModelConfigLogger() zerolog.Logger {
	return GetLogger("modelconfig")
}

// GetAgentLogger returns a logger for the agent dispatcher.
func GetAgentLogger() zerolog.Logger {
	return GetLogger("agent")
}

// GetPipelineLogger returns a logger for the pipeline engine.
func GetPipelineLogger() zerolog.Logger {
	return GetLogger("pipeline")
}

// GetChatLogger returns a logger for the chat orchestrator.
func GetChatLogger() zerolog.Logger {
	return GetLogger("chat")
}
