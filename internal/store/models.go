// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import "time"

// EntityRow is the GORM-mirrored relational row for an Entity (C2). It
// carries only the columns needed for querying; the authoritative content
// lives in the YAML file at YAMLPath and the event log.
type EntityRow struct {
	ID              string `gorm:"primaryKey"`
	EntityType      string `gorm:"index"`
	Name            string
	YAMLPath        string `gorm:"uniqueIndex"`
	ContentHash     string
	AttributesJSON  string
	ParentID        *string `gorm:"index"`
	SortOrder       int
	TagsJSON        string
	EraID           *string `gorm:"index"`
	ParentVersionID *string
	ModelPreference string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (EntityRow) TableName() string { return "entities" }

// RelationshipRow is one edge, stored denormalized so it can be queried
// independently of the owning entity's YAML body.
type RelationshipRow struct {
	ID           uint `gorm:"primaryKey;autoIncrement"`
	SourceID     string `gorm:"index"`
	TargetID     string `gorm:"index"`
	Type         string
	MetadataJSON string
	CreatedAt    time.Time
}

func (RelationshipRow) TableName() string { return "relationships" }

// SyncMetadataRow tracks the last-known on-disk state of a YAML file, used
// to detect out-of-band edits (a human editing the file directly) that
// should trigger a relational-index reconciliation pass.
type SyncMetadataRow struct {
	YAMLPath    string `gorm:"primaryKey"`
	EntityID    string `gorm:"index"`
	EntityType  string
	ContentHash string
	Mtime       float64
	FileSize    int64
}

func (SyncMetadataRow) TableName() string { return "sync_metadata" }

// EventRow is one append-only log entry (C1). Events are never updated;
// the only deletion is ContentStore.DeleteEvent, which the Unit of Work uses
// to undo its own events when a commit fails. State is always derived by
// replaying the chain for a branch.
// Sequence is a monotonically increasing counter scoped to BranchID, giving
// the per-branch linear history spec §3.2 describes a stable insertion
// order independent of timestamp precision (spec §6's event_log schema).
type EventRow struct {
	EventID       string  `gorm:"primaryKey"`
	ParentEventID *string `gorm:"index"`
	BranchID      string  `gorm:"index:idx_event_branch_seq,priority:1"`
	Sequence      int64   `gorm:"index:idx_event_branch_seq,priority:2"`
	EventType     string
	ContainerID   string `gorm:"index"`
	PayloadJSON   string
	CreatedAt     time.Time
}

func (EventRow) TableName() string { return "event_log" }

// ChatSessionRow is the authoritative relational row for a chat session
// (spec §6): sessions have no YAML/event-log mirror, unlike entities.
type ChatSessionRow struct {
	ID               string `gorm:"primaryKey"`
	Name             string
	ProjectID        string `gorm:"index"`
	State            string `gorm:"index"`
	AutonomyLevel    int
	ContextBudget    int
	TokenUsage       int
	Digest           *string
	CompactionCount  int
	TagsJSON         string
	SchemaVersion    string
	CreatedAt        time.Time
	UpdatedAt        time.Time
	Notes            *string
}

func (ChatSessionRow) TableName() string { return "chat_sessions" }

// ChatMessageRow is one turn in a chat session, ordered by SortOrder within
// SessionID (spec §6's chat_messages table).
type ChatMessageRow struct {
	ID                     string `gorm:"primaryKey"`
	SessionID              string `gorm:"index:idx_messages_session;index:idx_messages_session_sort,priority:1"`
	Role                   string
	Content                string
	ActionTracesJSON       string
	ArtifactsJSON          string
	MentionedEntityIDsJSON string
	ApprovalState          *string
	SortOrder              int `gorm:"index:idx_messages_session_sort,priority:2"`
	SchemaVersion          string
	CreatedAt              time.Time
	UpdatedAt              time.Time
	Notes                  *string
}

func (ChatMessageRow) TableName() string { return "chat_messages" }

// ProjectMemoryRow is one Layer-1 entry consulted by the chat orchestrator's
// context manager (spec §3.6): auto-injectable entries scoped to a project.
type ProjectMemoryRow struct {
	ID         string `gorm:"primaryKey"`
	ProjectID  string `gorm:"index"`
	Key        string
	Value      string
	Scope      string `gorm:"index"`
	ScopeID    *string
	Source     string
	AutoInject bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (ProjectMemoryRow) TableName() string { return "project_memory" }
