// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/showrunner/core/internal/coreerr"
)

// Event types recognised by the content store (spec §3.2).
const (
	EventCreate = "CREATE"
	EventUpdate = "UPDATE"
	EventDelete = "DELETE"
)

// Event is one entry in the append-only log for a branch. Events form a
// per-branch linear history (spec §3.2); replaying a branch's full chain in
// sequence order reconstructs the current state of every container on it.
type Event struct {
	EventID       string
	ParentEventID *string
	BranchID      string
	Sequence      int64
	EventType     string
	ContainerID   string
	Payload       map[string]any
	CreatedAt     time.Time
}

// ContentStore is the append-only event log (C1). Entities themselves are
// materialized on disk as YAML (see yamlfile.go); the event log is the
// durable record of every mutation, independent of the current file state,
// and is what branch/fork operations replay against.
type ContentStore struct {
	db *gorm.DB
}

// NewContentStore wraps an already-migrated GORM handle.
func NewContentStore(db *gorm.DB) *ContentStore {
	return &ContentStore{db: db}
}

// AppendEvent records a new event on the chain for containerID within
// branchID, assigning it the next monotonic sequence number on that branch
// (spec §4.1: "Appends atomically; assigns monotonic sequence").
// parentEventID should be the branch's current head for that container, or
// nil for the first event.
func (s *ContentStore) AppendEvent(parentEventID *string, branchID, eventType, containerID string, payload map[string]any) (*Event, error) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, coreerr.NewStorageError("append_event marshal payload", err)
	}

	seq, err := s.nextSequence(branchID)
	if err != nil {
		return nil, err
	}

	row := EventRow{
		EventID:       uuid.NewString(),
		ParentEventID: parentEventID,
		BranchID:      branchID,
		Sequence:      seq,
		EventType:     eventType,
		ContainerID:   containerID,
		PayloadJSON:   string(payloadJSON),
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.db.Create(&row).Error; err != nil {
		return nil, coreerr.NewStorageError("append_event insert", err)
	}

	return rowToEvent(row), nil
}

// nextSequence returns the next monotonic sequence number for branchID.
func (s *ContentStore) nextSequence(branchID string) (int64, error) {
	var maxSeq int64
	row := s.db.Model(&EventRow{}).Where("branch_id = ?", branchID).
		Select("COALESCE(MAX(sequence), -1)").Row()
	if err := row.Scan(&maxSeq); err != nil {
		return 0, coreerr.NewStorageError("next_sequence", err)
	}
	return maxSeq + 1, nil
}

// DeleteEvent removes a single event row by id. The log is otherwise
// append-only; this exists solely so the Unit of Work can compensate an
// event it appended earlier in a commit whose later atomic-core step
// (rename or soft-delete) subsequently failed.
func (s *ContentStore) DeleteEvent(eventID string) error {
	if err := s.db.Delete(&EventRow{}, "event_id = ?", eventID).Error; err != nil {
		return coreerr.NewStorageError("delete_event", err)
	}
	return nil
}

// GetEventChain returns every event recorded on branchID across every
// container, oldest first (spec §4.1: get_event_chain(branch_id) →
// seq<Event>), suitable for sequential whole-branch replay.
func (s *ContentStore) GetEventChain(branchID string) ([]*Event, error) {
	var rows []EventRow
	err := s.db.
		Where("branch_id = ?", branchID).
		Order("sequence ASC").
		Find(&rows).Error
	if err != nil {
		return nil, coreerr.NewStorageError("get_event_chain", err)
	}

	events := make([]*Event, 0, len(rows))
	for _, row := range rows {
		events = append(events, rowToEvent(row))
	}
	return events, nil
}

// HeadEventID returns the id of the most recent event for containerID on
// branchID, or nil if the container has no events on that branch yet. It is
// the caller's responsibility to pass this as ParentEventID for the next
// AppendEvent call, keeping the chain linked.
func (s *ContentStore) HeadEventID(containerID, branchID string) (*string, error) {
	var row EventRow
	err := s.db.
		Where("container_id = ? AND branch_id = ?", containerID, branchID).
		Order("sequence DESC").
		First(&row).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, coreerr.NewStorageError("head_event_id", err)
	}
	return &row.EventID, nil
}

// Branch creates newBranchID by copying every event of sourceBranchID up to
// and including forkEventID (in sequence order) onto the new branch, so
// newBranchID's projection equals sourceBranchID's projection at the fork
// point (spec §4.1: branch(source_branch_id, new_branch_id, fork_event_id)).
// Subsequent events recorded on either branch do not affect the other. Each
// copy keeps its own container's chain linked within the new branch, so
// later AppendEvent calls against newBranchID (via HeadEventID) resume
// correctly from the copied history.
func (s *ContentStore) Branch(sourceBranchID, newBranchID, forkEventID string) error {
	var rows []EventRow
	err := s.db.
		Where("branch_id = ?", sourceBranchID).
		Order("sequence ASC").
		Find(&rows).Error
	if err != nil {
		return coreerr.NewStorageError("branch get_chain", err)
	}

	cut := -1
	for i, r := range rows {
		if r.EventID == forkEventID {
			cut = i
			break
		}
	}
	if cut == -1 {
		return coreerr.NewNotFoundError("fork_event", forkEventID)
	}

	containerHeads := make(map[string]*string, len(rows))
	for _, r := range rows[:cut+1] {
		var payload map[string]any
		_ = json.Unmarshal([]byte(r.PayloadJSON), &payload)

		ev, err := s.AppendEvent(containerHeads[r.ContainerID], newBranchID, r.EventType, r.ContainerID, payload)
		if err != nil {
			return err
		}
		containerHeads[r.ContainerID] = &ev.EventID
	}
	return nil
}

// ProjectState replays the whole event chain for branchID and returns the
// current attributes of every container on it: CREATE/UPDATE overwrite,
// DELETE removes (spec §4.1: project_state(branch_id) →
// mapping<container_id, attributes>; §8 Testable Property #3). Reads never
// throw (spec §4.1): a branch with no events yet returns (nil, nil), not an
// error.
func (s *ContentStore) ProjectState(branchID string) (map[string]map[string]any, error) {
	events, err := s.GetEventChain(branchID)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, nil
	}

	state := make(map[string]map[string]any)
	for _, ev := range events {
		if ev.EventType == EventDelete {
			delete(state, ev.ContainerID)
			continue
		}
		state[ev.ContainerID] = ev.Payload
	}
	return state, nil
}

func rowToEvent(row EventRow) *Event {
	var payload map[string]any
	_ = json.Unmarshal([]byte(row.PayloadJSON), &payload)
	return &Event{
		EventID:       row.EventID,
		ParentEventID: row.ParentEventID,
		BranchID:      row.BranchID,
		Sequence:      row.Sequence,
		EventType:     row.EventType,
		ContainerID:   row.ContainerID,
		Payload:       payload,
		CreatedAt:     row.CreatedAt,
	}
}
