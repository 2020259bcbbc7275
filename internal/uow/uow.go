// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package uow implements the Unit of Work (C4): the only legal mutation
// path for entities. Every save or delete is buffered and committed
// atomically across the filesystem, the relational index, the event log,
// and the vector index.
package uow

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/showrunner/core/internal/coreerr"
	"github.com/showrunner/core/internal/logger"
	"github.com/showrunner/core/internal/store"
	"github.com/showrunner/core/internal/vector"
)

// entryOp distinguishes buffered save vs. delete operations.
type entryOp int

const (
	opSave entryOp = iota
	opDelete
)

type bufferedEntry struct {
	op            entryOp
	entityID      string
	entityType    string
	name          string
	yamlPath      string
	attributes    store.Attributes
	parentID      *string
	sortOrder     int
	tags          []string
	eventType     string
	eventPayload  map[string]any
	branchID      string
	expectedHash  string
}

// CloudSync enqueues persisted bytes for an external backup destination.
// Failures are logged and never fail a commit (spec §4.4 step 10).
type CloudSync interface {
	EnqueueUpload(ctx context.Context, path string, content []byte) error
	EnqueueDelete(ctx context.Context, path string) error
}

// UnitOfWork buffers entity mutations and commits them atomically. A fresh
// instance must be created per logical transaction; it is not safe to reuse
// after Commit or Rollback.
type UnitOfWork struct {
	relIndex  *store.RelationalIndex
	content   *store.ContentStore
	vecIndex  *vector.Index
	cloud     CloudSync

	mu       sync.Mutex
	pending  []bufferedEntry
	committed bool
}

// New constructs a Unit of Work over the given collaborators. vecIndex and
// cloud may be nil; their steps are simply skipped.
func New(relIndex *store.RelationalIndex, content *store.ContentStore, vecIndex *vector.Index, cloud CloudSync) *UnitOfWork {
	return &UnitOfWork{relIndex: relIndex, content: content, vecIndex: vecIndex, cloud: cloud}
}

// Save buffers a create/update of an entity. No disk I/O happens until Commit.
func (u *UnitOfWork) Save(entityID, entityType, name, yamlPath string, attrs store.Attributes, eventType string, eventPayload map[string]any, opts ...SaveOption) {
	e := bufferedEntry{
		op:           opSave,
		entityID:     entityID,
		entityType:   entityType,
		name:         name,
		yamlPath:     yamlPath,
		attributes:   attrs,
		eventType:    eventType,
		eventPayload: eventPayload,
		branchID:     "main",
	}
	for _, opt := range opts {
		opt(&e)
	}
	if e.eventPayload == nil {
		e.eventPayload = attrs
	}

	u.mu.Lock()
	u.pending = append(u.pending, e)
	u.mu.Unlock()
}

// Delete buffers a removal of an entity.
func (u *UnitOfWork) Delete(entityID, entityType, yamlPath string, eventPayload map[string]any, branchID string) {
	if branchID == "" {
		branchID = "main"
	}
	if eventPayload == nil {
		eventPayload = map[string]any{"entity_id": entityID}
	}

	u.mu.Lock()
	u.pending = append(u.pending, bufferedEntry{
		op:           opDelete,
		entityID:     entityID,
		entityType:   entityType,
		yamlPath:     yamlPath,
		eventType:    store.EventDelete,
		eventPayload: eventPayload,
		branchID:     branchID,
	})
	u.mu.Unlock()
}

// SaveOption customizes a buffered Save call.
type SaveOption func(*bufferedEntry)

func WithParentID(id string) SaveOption   { return func(e *bufferedEntry) { e.parentID = &id } }
func WithSortOrder(n int) SaveOption      { return func(e *bufferedEntry) { e.sortOrder = n } }
func WithTags(tags []string) SaveOption   { return func(e *bufferedEntry) { e.tags = tags } }
func WithBranchID(id string) SaveOption   { return func(e *bufferedEntry) { e.branchID = id } }
func WithExpectedHash(h string) SaveOption {
	return func(e *bufferedEntry) { e.expectedHash = h }
}

type lockHandle struct {
	path string
	file *os.File
}

// deletedSnapshot captures a row a commit deleted from the relational index,
// so it can be restored if a later atomic-core step fails.
type deletedSnapshot struct {
	entity   *store.EntityRow
	syncMeta *store.SyncMetadataRow
}

// Commit executes every buffered operation atomically (spec §4.4, steps
// 1-7 are the atomic core; 8-10 are best-effort side effects that never
// fail the commit) and returns the number of operations applied.
func (u *UnitOfWork) Commit(ctx context.Context) (int, error) {
	u.mu.Lock()
	pending := u.pending
	u.mu.Unlock()

	if len(pending) == 0 {
		return 0, nil
	}

	var locks []lockHandle
	var tmpFiles []string

	release := func() {
		for _, l := range locks {
			_ = l.file.Close()
		}
	}
	rollback := func() {
		for _, tmp := range tmpFiles {
			store.RemoveTemp(tmp)
		}
		u.mu.Lock()
		u.pending = nil
		u.mu.Unlock()
	}

	// Step 1: acquire advisory locks.
	for _, e := range pending {
		if e.yamlPath == "" {
			continue
		}
		lock, err := acquireLock(e.yamlPath)
		if err != nil {
			release()
			rollback()
			return 0, coreerr.NewStorageError("acquire advisory lock", err)
		}
		locks = append(locks, lock)
	}
	defer release()

	// Step 2: OCC check.
	for _, e := range pending {
		if e.op != opSave || e.expectedHash == "" {
			continue
		}
		current, err := u.relIndex.GetContentHash(e.entityID)
		if err != nil {
			rollback()
			return 0, err
		}
		if current != "" && current != e.expectedHash {
			rollback()
			return 0, &coreerr.ConflictError{
				EntityID: e.entityID,
				Path:     e.yamlPath,
				Expected: e.expectedHash,
				Actual:   current,
			}
		}
	}

	// Step 3: write temp YAML files with fsync.
	hashes := make(map[string]string, len(pending))
	now := time.Now().UTC()
	for i, e := range pending {
		if e.op != opSave {
			continue
		}
		hash, err := store.ComputeContentHash(e.attributes)
		if err != nil {
			rollback()
			return 0, err
		}
		hashes[e.entityID] = hash

		entity := &store.Entity{
			ID:         e.entityID,
			EntityType: e.entityType,
			Name:       e.name,
			Attributes: e.attributes,
			ParentID:   e.parentID,
			SortOrder:  e.sortOrder,
			Tags:       e.tags,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		tmp, err := store.WriteEntityYAML(e.yamlPath, entity)
		if err != nil {
			rollback()
			return 0, err
		}
		tmpFiles = append(tmpFiles, tmp)
		pending[i].attributes = e.attributes
	}

	// Steps 4-5: relational upserts/deletes and event appends, as one
	// database transaction so a failure partway through the batch rolls
	// back every row and event written so far, not just the entity that
	// failed (spec: steps 1-7 are the atomic core).
	var appendedEventIDs []string
	deletedSnapshots := make(map[string]deletedSnapshot, len(pending))
	txErr := u.relIndex.Transaction(func(txRel *store.RelationalIndex, txContent *store.ContentStore) error {
		for _, e := range pending {
			if e.op == opSave {
				entity := &store.Entity{
					ID:          e.entityID,
					EntityType:  e.entityType,
					Name:        e.name,
					Attributes:  e.attributes,
					ParentID:    e.parentID,
					SortOrder:   e.sortOrder,
					Tags:        e.tags,
					ContentHash: hashes[e.entityID],
					CreatedAt:   now,
					UpdatedAt:   now,
				}
				if err := txRel.UpsertEntity(entity, e.yamlPath); err != nil {
					return err
				}
				if err := txRel.UpsertSyncMetadata(store.SyncMetadataRow{
					YAMLPath:    e.yamlPath,
					EntityID:    e.entityID,
					EntityType:  e.entityType,
					ContentHash: hashes[e.entityID],
					Mtime:       float64(now.Unix()),
				}); err != nil {
					return err
				}
			} else {
				var snap deletedSnapshot
				if row, err := txRel.GetEntity(e.entityID); err == nil {
					snap.entity = row
				}
				if row, err := txRel.GetSyncMetadataByPath(e.yamlPath); err == nil {
					snap.syncMeta = row
				}
				deletedSnapshots[e.entityID] = snap

				if err := txRel.DeleteEntity(e.entityID); err != nil {
					return err
				}
				if err := txRel.DeleteSyncMetadata(e.yamlPath); err != nil {
					return err
				}
			}
		}

		for _, e := range pending {
			if e.eventType == "" {
				continue
			}
			head, err := txContent.HeadEventID(e.entityID, e.branchID)
			if err != nil {
				return err
			}
			ev, err := txContent.AppendEvent(head, e.branchID, e.eventType, e.entityID, e.eventPayload)
			if err != nil {
				return err
			}
			appendedEventIDs = append(appendedEventIDs, ev.EventID)
		}
		return nil
	})
	if txErr != nil {
		rollback()
		return 0, txErr
	}

	// compensate undoes the relational rows and events the transaction
	// above just committed. It runs when a later atomic-core step (rename,
	// soft-delete) fails after steps 4-5 already landed, since a filesystem
	// rename can't itself participate in the database transaction.
	compensate := func() {
		for _, e := range pending {
			if e.op == opSave {
				_ = u.relIndex.DeleteEntity(e.entityID)
				_ = u.relIndex.DeleteSyncMetadata(e.yamlPath)
				continue
			}
			snap := deletedSnapshots[e.entityID]
			if snap.entity != nil {
				_ = u.relIndex.RestoreEntityRow(*snap.entity)
			}
			if snap.syncMeta != nil {
				_ = u.relIndex.RestoreSyncMetadataRow(*snap.syncMeta)
			}
		}
		for _, id := range appendedEventIDs {
			_ = u.content.DeleteEvent(id)
		}
	}

	// Step 6: atomic rename tmp -> final.
	var renamedFinals []string
	tmpIdx := 0
	for _, e := range pending {
		if e.op != opSave {
			continue
		}
		if err := store.CommitRename(tmpFiles[tmpIdx], e.yamlPath); err != nil {
			for _, f := range renamedFinals {
				store.RemoveFinal(f)
			}
			compensate()
			rollback()
			return 0, err
		}
		renamedFinals = append(renamedFinals, e.yamlPath)
		tmpIdx++
	}

	// Step 7: soft-delete.
	var trashedPaths []string
	for _, e := range pending {
		if e.op != opDelete {
			continue
		}
		if err := store.SoftDelete(e.yamlPath); err != nil {
			for _, p := range trashedPaths {
				store.RestoreFromTrash(p)
			}
			for _, f := range renamedFinals {
				store.RemoveFinal(f)
			}
			compensate()
			rollback()
			return 0, err
		}
		trashedPaths = append(trashedPaths, e.yamlPath)
	}

	count := len(pending)
	u.mu.Lock()
	u.pending = nil
	u.committed = true
	u.mu.Unlock()

	// Step 8 is implicit: the relational index and sync-metadata rows were
	// already rewritten in step 4, which is what any mtime cache would key off.

	// Step 9: best-effort vector update.
	if u.vecIndex != nil {
		for _, e := range pending {
			if e.op == opSave {
				if err := u.vecIndex.UpsertEmbedding(ctx, e.entityID, renderForEmbedding(e.name, e.attributes), nil); err != nil {
					logger.GetUoWLogger().Warn().Err(err).Str("entity_id", e.entityID).Msg("vector upsert failed, continuing")
				}
			} else {
				u.vecIndex.Delete(e.entityID)
			}
		}
	}

	// Step 10: best-effort cloud sync.
	if u.cloud != nil {
		for _, e := range pending {
			if e.op == opSave {
				b, err := os.ReadFile(e.yamlPath)
				if err != nil {
					logger.GetUoWLogger().Warn().Err(err).Msg("cloud sync read failed, continuing")
					continue
				}
				if err := u.cloud.EnqueueUpload(ctx, e.yamlPath, b); err != nil {
					logger.GetUoWLogger().Warn().Err(err).Msg("cloud sync enqueue failed, continuing")
				}
			} else {
				if err := u.cloud.EnqueueDelete(ctx, e.yamlPath); err != nil {
					logger.GetUoWLogger().Warn().Err(err).Msg("cloud sync delete enqueue failed, continuing")
				}
			}
		}
	}

	return count, nil
}

// Rollback discards buffered operations. It touches no files: temp files
// exist only inside Commit, which removes them itself when it fails. Safe
// to call even if nothing was buffered.
func (u *UnitOfWork) Rollback() {
	u.mu.Lock()
	u.pending = nil
	u.mu.Unlock()
}

// Run acquires a Unit of Work scoped to fn: fn buffers saves/deletes via u,
// and Run guarantees Commit on a normal return and Rollback if fn returns
// an error or panics, matching the spec's "guaranteed release on all exit
// paths" requirement.
func Run(ctx context.Context, relIndex *store.RelationalIndex, content *store.ContentStore, vecIndex *vector.Index, cloud CloudSync, fn func(u *UnitOfWork) error) (int, error) {
	u := New(relIndex, content, vecIndex, cloud)

	defer func() {
		if r := recover(); r != nil {
			u.Rollback()
			panic(r)
		}
	}()

	if err := fn(u); err != nil {
		u.Rollback()
		return 0, err
	}

	return u.Commit(ctx)
}

func renderForEmbedding(name string, attrs store.Attributes) string {
	text := name
	if desc, ok := attrs["description"].(string); ok {
		text += " " + desc
	}
	return text
}
