// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/showrunner/core/internal/coreerr"
	"github.com/showrunner/core/internal/store"
)

// ProjectMemoryService persists Layer-1 project memory entries (spec §3.6).
type ProjectMemoryService struct {
	db *gorm.DB
}

// NewProjectMemoryService wraps an already-migrated GORM handle.
func NewProjectMemoryService(db *gorm.DB) *ProjectMemoryService {
	return &ProjectMemoryService{db: db}
}

// AddEntry records a memory fact, auto-injectable by default.
func (s *ProjectMemoryService) AddEntry(projectID, key, value, scope, scopeID, source string) (*MemoryEntry, error) {
	if scope == "" {
		scope = "global"
	}
	entry := &MemoryEntry{
		ID:         uuid.NewString(),
		ProjectID:  projectID,
		Key:        key,
		Value:      value,
		Scope:      scope,
		ScopeID:    scopeID,
		Source:     source,
		AutoInject: true,
	}
	row := rowFromMemory(entry)
	now := time.Now().UTC()
	row.CreatedAt, row.UpdatedAt = now, now
	if err := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(&row).Error; err != nil {
		return nil, coreerr.NewStorageError("add_memory_entry", err)
	}
	return entry, nil
}

// AutoInjectable returns every entry eligible for Layer-1 injection, scoped
// to `global` plus any entry matching the given operational scope (spec
// §4.10.4's Layer 1 description).
func (s *ProjectMemoryService) AutoInjectable(projectID, scope, scopeID string) ([]*MemoryEntry, error) {
	q := s.db.Model(&store.ProjectMemoryRow{}).
		Where("project_id = ? AND auto_inject = ?", projectID, true)
	if scope != "" {
		if scopeID != "" {
			q = q.Where("scope = 'global' OR (scope = ? AND (scope_id IS NULL OR scope_id = ?))", scope, scopeID)
		} else {
			q = q.Where("scope = 'global' OR scope = ?", scope)
		}
	} else {
		q = q.Where("scope = 'global'")
	}

	var rows []store.ProjectMemoryRow
	if err := q.Order("created_at ASC").Find(&rows).Error; err != nil {
		return nil, coreerr.NewStorageError("list_auto_injectable", err)
	}
	out := make([]*MemoryEntry, len(rows))
	for i, row := range rows {
		out[i] = memoryFromRow(row)
	}
	return out, nil
}

func rowFromMemory(e *MemoryEntry) store.ProjectMemoryRow {
	var scopeID *string
	if e.ScopeID != "" {
		scopeID = &e.ScopeID
	}
	return store.ProjectMemoryRow{
		ID:         e.ID,
		ProjectID:  e.ProjectID,
		Key:        e.Key,
		Value:      e.Value,
		Scope:      e.Scope,
		ScopeID:    scopeID,
		Source:     e.Source,
		AutoInject: e.AutoInject,
	}
}

func memoryFromRow(row store.ProjectMemoryRow) *MemoryEntry {
	e := &MemoryEntry{
		ID:         row.ID,
		ProjectID:  row.ProjectID,
		Key:        row.Key,
		Value:      row.Value,
		Scope:      row.Scope,
		Source:     row.Source,
		AutoInject: row.AutoInject,
	}
	if row.ScopeID != nil {
		e.ScopeID = *row.ScopeID
	}
	return e
}
