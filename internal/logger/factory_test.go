// Copyright (C) 2025-2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package logger

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/showrunner/core/internal/config"
)

func TestStaticLoggerGetters(t *testing.T) {
	cfg := &config.LogConfig{
		Level:  "info",
		Format: "json",
		Output: []config.LogOutputConfig{
			{Type: "console", Enabled: true},
		},
		Levels: map[string]string{
			"store":     "debug",
			"vector":    "warn",
			"uow":       "error",
			"knowledge": "trace",
			"pipeline":  "info",
			"chat":      "warn",
		},
		Context: config.LogContextConfig{
			IncludeTimestamp: true,
		},
	}

	err := Initialize(cfg)
	if err != nil {
		t.Fatalf("failed to initialize global logger: %v", err)
	}
	defer CloseGlobal()

	tests := []struct {
		name        string
		getterFunc  func() zerolog.Logger
		expectedPkg string
	}{
		{"store_logger", GetStoreLogger, "store"},
		{"vector_logger", GetVectorLogger, "vector"},
		{"uow_logger", GetUoWLogger, "uow"},
		{"knowledge_logger", GetKnowledgeLogger, "knowledge"},
		{"context_logger", GetContextLogger, "context"},
		{"modelconfig_logger", GetModelConfigLogger, "modelconfig"},
		{"agent_logger", GetAgentLogger, "agent"},
		{"pipeline_logger", GetPipelineLogger, "pipeline"},
		{"chat_logger", GetChatLogger, "chat"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := tt.getterFunc()
			l.Info().Str("test", "value").Msg("logger smoke test")

			l2 := tt.getterFunc()
			l2.Info().Msg("second logger test")
		})
	}
}

func TestStaticLoggerGetters_Uninitialized(t *testing.T) {
	originalManager := globalManager
	globalManager = nil
	defer func() {
		globalManager = originalManager
	}()

	tests := []struct {
		name       string
		getterFunc func() zerolog.Logger
	}{
		{"store_uninitialized", GetStoreLogger},
		{"pipeline_uninitialized", GetPipelineLogger},
		{"chat_uninitialized", GetChatLogger},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := tt.getterFunc()
			l.Info().Str("test", "uninitialized").Msg("test message")
			l.Error().Str("test", "uninitialized").Msg("error message")
		})
	}
}

func TestStaticLoggerGetters_Consistency(t *testing.T) {
	cfg := &config.LogConfig{
		Level:  "info",
		Format: "json",
		Output: []config.LogOutputConfig{
			{Type: "console", Enabled: true},
		},
	}

	err := Initialize(cfg)
	if err != nil {
		t.Fatalf("failed to initialize global logger: %v", err)
	}
	defer CloseGlobal()

	tests := []struct {
		name       string
		getterFunc func() zerolog.Logger
		pkgName    string
	}{
		{"store_consistency", GetStoreLogger, "store"},
		{"pipeline_consistency", GetPipelineLogger, "pipeline"},
		{"chat_consistency", GetChatLogger, "chat"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			staticLogger := tt.getterFunc()
			directLogger := GetLogger(tt.pkgName)

			staticLogger.Info().Msg("static logger test")
			directLogger.Info().Msg("direct logger test")
		})
	}
}

func TestStaticLoggerGetters_PackageSpecificLevels(t *testing.T) {
	cfg := &config.LogConfig{
		Level:  "info",
		Format: "json",
		Output: []config.LogOutputConfig{
			{Type: "console", Enabled: true},
		},
		Levels: map[string]string{
			"store":     "debug",
			"vector":    "error",
			"knowledge": "trace",
		},
	}

	err := Initialize(cfg)
	if err != nil {
		t.Fatalf("failed to initialize global logger: %v", err)
	}
	defer CloseGlobal()

	storeLogger := GetStoreLogger()
	storeLogger.Debug().Msg("store debug message")
	storeLogger.Info().Msg("store info message")

	vectorLogger := GetVectorLogger()
	vectorLogger.Error().Msg("vector error message")

	knowledgeLogger := GetKnowledgeLogger()
	knowledgeLogger.Trace().Msg("knowledge trace message")

	chatLogger := GetChatLogger()
	chatLogger.Info().Msg("chat info message")
}

func TestStaticLoggerGetters_DynamicLevelChanges(t *testing.T) {
	cfg := &config.LogConfig{
		Level:  "info",
		Format: "json",
		Output: []config.LogOutputConfig{
			{Type: "console", Enabled: true},
		},
	}

	err := Initialize(cfg)
	if err != nil {
		t.Fatalf("failed to initialize global logger: %v", err)
	}
	defer CloseGlobal()

	l := GetStoreLogger()

	if globalManager != nil {
		globalManager.SetPackageLevel("store", "debug")
	}

	l.Debug().Msg("debug message after level change")
	l.Info().Msg("info message after level change")

	l2 := GetStoreLogger()
	l2.Debug().Msg("debug message from new logger instance")
}

func BenchmarkStaticLoggerGetters(b *testing.B) {
	cfg := &config.LogConfig{
		Level:  "info",
		Format: "json",
		Output: []config.LogOutputConfig{
			{Type: "console", Enabled: true},
		},
	}

	err := Initialize(cfg)
	if err != nil {
		b.Fatalf("failed to initialize global logger: %v", err)
	}
	defer CloseGlobal()

	b.Run("GetStoreLogger", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			_ = GetStoreLogger()
		}
	})

	b.Run("GetPipelineLogger", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			_ = GetPipelineLogger()
		}
	})

	b.Run("Direct_GetLogger", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			_ = GetLogger("store")
		}
	})
}
