// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/showrunner/core/internal/coreerr"
	"github.com/showrunner/core/internal/store"
)

// SessionRepository persists sessions and messages in the shared relational
// database, separate from the entity tables it shares a connection with
// (spec §6's chat_sessions / chat_messages tables).
type SessionRepository struct {
	db *gorm.DB
}

// NewSessionRepository wraps an already-migrated GORM handle.
func NewSessionRepository(db *gorm.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

func rowFromSession(s *Session) store.ChatSessionRow {
	tagsJSON, _ := json.Marshal(s.Tags)
	var digest, notes *string
	if s.Digest != "" {
		digest = &s.Digest
	}
	if s.Notes != "" {
		notes = &s.Notes
	}
	return store.ChatSessionRow{
		ID:              s.ID,
		Name:            s.Name,
		ProjectID:       s.ProjectID,
		State:           string(s.State),
		AutonomyLevel:   int(s.AutonomyLevel),
		ContextBudget:   s.ContextBudget,
		TokenUsage:      s.TokenUsage,
		Digest:          digest,
		CompactionCount: s.CompactionCount,
		TagsJSON:        string(tagsJSON),
		SchemaVersion:   "1.0.0",
		CreatedAt:       s.CreatedAt,
		UpdatedAt:       s.UpdatedAt,
		Notes:           notes,
	}
}

func sessionFromRow(row store.ChatSessionRow) *Session {
	var tags []string
	_ = json.Unmarshal([]byte(row.TagsJSON), &tags)
	s := &Session{
		ID:              row.ID,
		Name:            row.Name,
		ProjectID:       row.ProjectID,
		State:           SessionState(row.State),
		AutonomyLevel:   AutonomyLevel(row.AutonomyLevel),
		ContextBudget:   row.ContextBudget,
		TokenUsage:      row.TokenUsage,
		CompactionCount: row.CompactionCount,
		Tags:            tags,
		CreatedAt:       row.CreatedAt,
		UpdatedAt:       row.UpdatedAt,
	}
	if row.Digest != nil {
		s.Digest = *row.Digest
	}
	if row.Notes != nil {
		s.Notes = *row.Notes
	}
	return s
}

// CreateSession persists a new session, defaulting ContextBudget and
// SchemaVersion the way the original's repository does.
func (r *SessionRepository) CreateSession(s *Session) (*Session, error) {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.State == "" {
		s.State = SessionActive
	}
	if s.ContextBudget == 0 {
		s.ContextBudget = 100000
	}
	now := time.Now().UTC()
	s.CreatedAt, s.UpdatedAt = now, now

	row := rowFromSession(s)
	if err := r.db.Create(&row).Error; err != nil {
		return nil, coreerr.NewStorageError("create_chat_session", err)
	}
	return s, nil
}

// GetSession loads a session by id.
func (r *SessionRepository) GetSession(id string) (*Session, error) {
	var row store.ChatSessionRow
	err := r.db.First(&row, "id = ?", id).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, coreerr.NewNotFoundError("chat_session", id)
		}
		return nil, coreerr.NewStorageError("get_chat_session", err)
	}
	return sessionFromRow(row), nil
}

// UpdateSession persists mutated fields of s.
func (r *SessionRepository) UpdateSession(s *Session) error {
	s.UpdatedAt = time.Now().UTC()
	row := rowFromSession(s)
	if err := r.db.Model(&store.ChatSessionRow{}).Where("id = ?", s.ID).Updates(&row).Error; err != nil {
		return coreerr.NewStorageError("update_chat_session", err)
	}
	return nil
}

// DeleteSession removes a session and cascades to its messages (spec §3.5's
// cascade invariant, property test #10).
func (r *SessionRepository) DeleteSession(id string) (bool, error) {
	return r.deleteSessionTx(r.db, id)
}

func (r *SessionRepository) deleteSessionTx(tx *gorm.DB, id string) (bool, error) {
	if err := tx.Delete(&store.ChatMessageRow{}, "session_id = ?", id).Error; err != nil {
		return false, coreerr.NewStorageError("delete_chat_messages", err)
	}
	result := tx.Delete(&store.ChatSessionRow{}, "id = ?", id)
	if result.Error != nil {
		return false, coreerr.NewStorageError("delete_chat_session", result.Error)
	}
	return result.RowsAffected > 0, nil
}

func rowFromMessage(m *Message) store.ChatMessageRow {
	tracesJSON, _ := json.Marshal(m.ActionTraces)
	artifactsJSON, _ := json.Marshal(m.Artifacts)
	mentionsJSON, _ := json.Marshal(m.MentionedEntityIDs)
	var approval *string
	if m.ApprovalState != "" {
		s := string(m.ApprovalState)
		approval = &s
	}
	var notes *string
	if m.Notes != "" {
		notes = &m.Notes
	}
	return store.ChatMessageRow{
		ID:                     m.ID,
		SessionID:              m.SessionID,
		Role:                   m.Role,
		Content:                m.Content,
		ActionTracesJSON:       string(tracesJSON),
		ArtifactsJSON:          string(artifactsJSON),
		MentionedEntityIDsJSON: string(mentionsJSON),
		ApprovalState:          approval,
		SortOrder:              m.SortOrder,
		SchemaVersion:          "1.0.0",
		CreatedAt:              m.CreatedAt,
		UpdatedAt:              m.UpdatedAt,
		Notes:                  notes,
	}
}

func messageFromRow(row store.ChatMessageRow) *Message {
	var traces []ActionTrace
	_ = json.Unmarshal([]byte(row.ActionTracesJSON), &traces)
	var artifacts []Artifact
	_ = json.Unmarshal([]byte(row.ArtifactsJSON), &artifacts)
	var mentions []string
	_ = json.Unmarshal([]byte(row.MentionedEntityIDsJSON), &mentions)

	m := &Message{
		ID:                 row.ID,
		SessionID:          row.SessionID,
		Role:               row.Role,
		Content:            row.Content,
		ActionTraces:       traces,
		Artifacts:          artifacts,
		MentionedEntityIDs: mentions,
		SortOrder:          row.SortOrder,
		CreatedAt:          row.CreatedAt,
		UpdatedAt:          row.UpdatedAt,
	}
	if row.ApprovalState != nil {
		m.ApprovalState = ApprovalState(*row.ApprovalState)
	}
	if row.Notes != nil {
		m.Notes = *row.Notes
	}
	return m
}

// AddMessage persists a message, auto-assigning SortOrder as the session's
// running max + 1 (spec §3.5's monotonic-order invariant, property test #9).
func (r *SessionRepository) AddMessage(m *Message) (*Message, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	m.CreatedAt, m.UpdatedAt = now, now

	var maxOrder *int
	if err := r.db.Model(&store.ChatMessageRow{}).
		Where("session_id = ?", m.SessionID).
		Select("MAX(sort_order)").Scan(&maxOrder).Error; err != nil {
		return nil, coreerr.NewStorageError("add_message sort_order lookup", err)
	}
	if maxOrder != nil {
		m.SortOrder = *maxOrder + 1
	} else {
		m.SortOrder = 0
	}

	row := rowFromMessage(m)
	if err := r.db.Create(&row).Error; err != nil {
		return nil, coreerr.NewStorageError("add_message", err)
	}
	return m, nil
}

// GetMessages returns every message for sessionID ordered by sort_order
// ascending (property test #9).
func (r *SessionRepository) GetMessages(sessionID string) ([]*Message, error) {
	var rows []store.ChatMessageRow
	err := r.db.Where("session_id = ?", sessionID).
		Order("sort_order ASC").
		Find(&rows).Error
	if err != nil {
		return nil, coreerr.NewStorageError("get_messages", err)
	}
	out := make([]*Message, len(rows))
	for i, row := range rows {
		out[i] = messageFromRow(row)
	}
	return out, nil
}

// MessageCount returns the total number of messages in sessionID.
func (r *SessionRepository) MessageCount(sessionID string) (int64, error) {
	var count int64
	if err := r.db.Model(&store.ChatMessageRow{}).Where("session_id = ?", sessionID).Count(&count).Error; err != nil {
		return 0, coreerr.NewStorageError("message_count", err)
	}
	return count, nil
}

// UpdateTokenUsage adds delta to the session's running token_usage counter.
func (r *SessionRepository) UpdateTokenUsage(sessionID string, delta int) error {
	err := r.db.Model(&store.ChatSessionRow{}).
		Where("id = ?", sessionID).
		Updates(map[string]any{
			"token_usage": gorm.Expr("token_usage + ?", delta),
			"updated_at":  time.Now().UTC(),
		}).Error
	if err != nil {
		return coreerr.NewStorageError("update_token_usage", err)
	}
	return nil
}

// ReplaceDigest stores session's compaction digest and increments its
// compaction_count, used by ContextManager.Compact.
func (r *SessionRepository) ReplaceDigest(sessionID, digest string) (int, error) {
	var row store.ChatSessionRow
	if err := r.db.First(&row, "id = ?", sessionID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return 0, coreerr.NewNotFoundError("chat_session", sessionID)
		}
		return 0, coreerr.NewStorageError("replace_digest lookup", err)
	}
	count := row.CompactionCount + 1
	err := r.db.Model(&row).Updates(map[string]any{
		"digest":           digest,
		"compaction_count": count,
		"state":            string(SessionCompacted),
		"updated_at":       time.Now().UTC(),
	}).Error
	if err != nil {
		return 0, coreerr.NewStorageError("replace_digest", err)
	}
	return count, nil
}

// MarkArtifactSaved flips artifact[artifactIndex].is_saved on messageID to
// true (SPEC_FULL §2.5, grounded in the original's save-artifact flow).
// sessionID scopes the lookup so a message id cannot be mutated across
// session boundaries.
func (r *SessionRepository) MarkArtifactSaved(sessionID, messageID string, artifactIndex int) error {
	var row store.ChatMessageRow
	if err := r.db.First(&row, "id = ? AND session_id = ?", messageID, sessionID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return coreerr.NewNotFoundError("chat_message", messageID)
		}
		return coreerr.NewStorageError("mark_artifact_saved lookup", err)
	}
	var artifacts []Artifact
	if err := json.Unmarshal([]byte(row.ArtifactsJSON), &artifacts); err != nil {
		return coreerr.NewStorageError("mark_artifact_saved unmarshal", err)
	}
	if artifactIndex < 0 || artifactIndex >= len(artifacts) {
		return coreerr.NewValidationError("artifact_index", "index out of range for message artifacts")
	}
	artifacts[artifactIndex].IsSaved = true
	artifactsJSON, _ := json.Marshal(artifacts)
	if err := r.db.Model(&row).Update("artifacts_json", string(artifactsJSON)).Error; err != nil {
		return coreerr.NewStorageError("mark_artifact_saved", err)
	}
	return nil
}
