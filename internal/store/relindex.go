// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"encoding/json"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/showrunner/core/internal/coreerr"
)

// RelationalIndex mirrors current entity state into SQLite for queries the
// YAML tree can't answer cheaply (C2): lookups by path, children of a
// parent, counts by type, relationship graphs. It is never the source of
// truth — the YAML files are — but the Unit of Work keeps it synchronized
// on every commit.
type RelationalIndex struct {
	db *gorm.DB
}

// NewRelationalIndex wraps an already-migrated GORM handle.
func NewRelationalIndex(db *gorm.DB) *RelationalIndex {
	return &RelationalIndex{db: db}
}

// Migrate creates or updates every table the entity store owns.
func (idx *RelationalIndex) Migrate() error {
	return idx.db.AutoMigrate(
		&EntityRow{},
		&RelationshipRow{},
		&SyncMetadataRow{},
		&EventRow{},
		&ChatSessionRow{},
		&ChatMessageRow{},
		&ProjectMemoryRow{},
	)
}

// Transaction runs fn inside a single database transaction spanning both
// the relational index and the event log (they share the same underlying
// connection), so the unit of work's relational-upsert and event-append
// steps either both land or neither does, even across multiple entities in
// one batch.
func (idx *RelationalIndex) Transaction(fn func(tx *RelationalIndex, events *ContentStore) error) error {
	return idx.db.Transaction(func(tx *gorm.DB) error {
		return fn(&RelationalIndex{db: tx}, &ContentStore{db: tx})
	})
}

// UpsertEntity writes or updates the relational row for e at yamlPath.
func (idx *RelationalIndex) UpsertEntity(e *Entity, yamlPath string) error {
	attrsJSON, err := json.Marshal(stripReservedKeys(e.Attributes))
	if err != nil {
		return coreerr.NewStorageError("upsert_entity marshal attributes", err)
	}
	tagsJSON, err := json.Marshal(e.Tags)
	if err != nil {
		return coreerr.NewStorageError("upsert_entity marshal tags", err)
	}

	row := EntityRow{
		ID:              e.ID,
		EntityType:      e.EntityType,
		Name:            e.Name,
		YAMLPath:        yamlPath,
		ContentHash:     e.ContentHash,
		AttributesJSON:  string(attrsJSON),
		ParentID:        e.ParentID,
		SortOrder:       e.SortOrder,
		TagsJSON:        string(tagsJSON),
		EraID:           e.EraID,
		ParentVersionID: e.ParentVersionID,
		ModelPreference: e.ModelPreference,
		CreatedAt:       e.CreatedAt,
		UpdatedAt:       e.UpdatedAt,
	}

	err = idx.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(&row).Error
	if err != nil {
		return coreerr.NewStorageError("upsert_entity", err)
	}
	return nil
}

// DeleteEntity removes the relational row for id. It does not touch the
// event log or the on-disk file; callers coordinate those separately (see
// internal/uow).
func (idx *RelationalIndex) DeleteEntity(id string) error {
	if err := idx.db.Delete(&EntityRow{}, "id = ?", id).Error; err != nil {
		return coreerr.NewStorageError("delete_entity", err)
	}
	return nil
}

// GetEntityByPath looks up the row whose YAMLPath matches exactly.
func (idx *RelationalIndex) GetEntityByPath(yamlPath string) (*EntityRow, error) {
	var row EntityRow
	err := idx.db.Where("yaml_path = ?", yamlPath).First(&row).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, coreerr.NewNotFoundError("entity", yamlPath)
		}
		return nil, coreerr.NewStorageError("get_entity_by_path", err)
	}
	return &row, nil
}

// GetEntity looks up a row by primary key.
func (idx *RelationalIndex) GetEntity(id string) (*EntityRow, error) {
	var row EntityRow
	err := idx.db.First(&row, "id = ?", id).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, coreerr.NewNotFoundError("entity", id)
		}
		return nil, coreerr.NewStorageError("get_entity", err)
	}
	return &row, nil
}

// QueryFilter narrows QueryEntities; zero-valued fields are ignored.
type QueryFilter struct {
	EntityType string
	ParentID   string
	Tag        string
	NamePrefix string
}

// QueryEntities returns rows matching filter, ordered by sort_order then name.
func (idx *RelationalIndex) QueryEntities(filter QueryFilter) ([]EntityRow, error) {
	q := idx.db.Model(&EntityRow{})
	if filter.EntityType != "" {
		q = q.Where("entity_type = ?", filter.EntityType)
	}
	if filter.ParentID != "" {
		q = q.Where("parent_id = ?", filter.ParentID)
	}
	if filter.NamePrefix != "" {
		q = q.Where("name LIKE ?", filter.NamePrefix+"%")
	}
	if filter.Tag != "" {
		q = q.Where("tags_json LIKE ?", "%\""+filter.Tag+"\"%")
	}

	var rows []EntityRow
	if err := q.Order("sort_order ASC, name ASC").Find(&rows).Error; err != nil {
		return nil, coreerr.NewStorageError("query_entities", err)
	}
	return rows, nil
}

// GetChildren returns direct children of parentID, ordered by sort_order.
func (idx *RelationalIndex) GetChildren(parentID string) ([]EntityRow, error) {
	var rows []EntityRow
	err := idx.db.
		Where("parent_id = ?", parentID).
		Order("sort_order ASC, name ASC").
		Find(&rows).Error
	if err != nil {
		return nil, coreerr.NewStorageError("get_children", err)
	}
	return rows, nil
}

// GetRoots returns every entity of entityType with no parent.
func (idx *RelationalIndex) GetRoots(entityType string) ([]EntityRow, error) {
	var rows []EntityRow
	err := idx.db.
		Where("entity_type = ? AND parent_id IS NULL", entityType).
		Order("sort_order ASC, name ASC").
		Find(&rows).Error
	if err != nil {
		return nil, coreerr.NewStorageError("get_roots", err)
	}
	return rows, nil
}

// GetContentHash returns the current content_hash for id, or "" if the
// entity does not exist (used by the Unit of Work's OCC check, which treats
// a missing entity as "no conflict possible").
func (idx *RelationalIndex) GetContentHash(id string) (string, error) {
	var row EntityRow
	err := idx.db.Select("content_hash").First(&row, "id = ?", id).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return "", nil
		}
		return "", coreerr.NewStorageError("get_content_hash", err)
	}
	return row.ContentHash, nil
}

// GetEntityCountByType returns counts grouped by entity_type.
func (idx *RelationalIndex) GetEntityCountByType() (map[string]int64, error) {
	type row struct {
		EntityType string
		Count      int64
	}
	var rows []row
	err := idx.db.Model(&EntityRow{}).
		Select("entity_type, count(*) as count").
		Group("entity_type").
		Scan(&rows).Error
	if err != nil {
		return nil, coreerr.NewStorageError("get_entity_count_by_type", err)
	}

	counts := make(map[string]int64, len(rows))
	for _, r := range rows {
		counts[r.EntityType] = r.Count
	}
	return counts, nil
}

// UpsertSyncMetadata records the last-known on-disk fingerprint for yamlPath.
func (idx *RelationalIndex) UpsertSyncMetadata(m SyncMetadataRow) error {
	err := idx.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "yaml_path"}},
		UpdateAll: true,
	}).Create(&m).Error
	if err != nil {
		return coreerr.NewStorageError("upsert_sync_metadata", err)
	}
	return nil
}

// DeleteSyncMetadata removes the fingerprint row for yamlPath.
func (idx *RelationalIndex) DeleteSyncMetadata(yamlPath string) error {
	if err := idx.db.Delete(&SyncMetadataRow{}, "yaml_path = ?", yamlPath).Error; err != nil {
		return coreerr.NewStorageError("delete_sync_metadata", err)
	}
	return nil
}

// GetSyncMetadataByPath returns the fingerprint row for yamlPath, or nil if
// none exists.
func (idx *RelationalIndex) GetSyncMetadataByPath(yamlPath string) (*SyncMetadataRow, error) {
	var row SyncMetadataRow
	err := idx.db.Where("yaml_path = ?", yamlPath).First(&row).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, coreerr.NewStorageError("get_sync_metadata_by_path", err)
	}
	return &row, nil
}

// RestoreEntityRow re-inserts a previously deleted entity row verbatim. Used
// only by the Unit of Work to compensate a delete whose later atomic-core
// step (soft-delete) subsequently failed.
func (idx *RelationalIndex) RestoreEntityRow(row EntityRow) error {
	if err := idx.db.Create(&row).Error; err != nil {
		return coreerr.NewStorageError("restore_entity_row", err)
	}
	return nil
}

// RestoreSyncMetadataRow re-inserts a previously deleted sync-metadata row,
// for the same compensation path as RestoreEntityRow.
func (idx *RelationalIndex) RestoreSyncMetadataRow(row SyncMetadataRow) error {
	if err := idx.db.Create(&row).Error; err != nil {
		return coreerr.NewStorageError("restore_sync_metadata_row", err)
	}
	return nil
}

// UpsertRelationship inserts or replaces the edge sourceID -> targetID of
// the given type. Relationships are append-mostly; a later save of the same
// (source, target, type) triple overwrites metadata rather than duplicating
// the row.
func (idx *RelationalIndex) UpsertRelationship(sourceID string, rel Relationship) error {
	metaJSON, err := json.Marshal(rel.Metadata)
	if err != nil {
		return coreerr.NewStorageError("upsert_relationship marshal metadata", err)
	}

	var existing RelationshipRow
	err = idx.db.Where("source_id = ? AND target_id = ? AND type = ?", sourceID, rel.TargetID, rel.Type).
		First(&existing).Error
	switch {
	case err == nil:
		existing.MetadataJSON = string(metaJSON)
		if err := idx.db.Save(&existing).Error; err != nil {
			return coreerr.NewStorageError("upsert_relationship", err)
		}
		return nil
	case err == gorm.ErrRecordNotFound:
		row := RelationshipRow{
			SourceID:     sourceID,
			TargetID:     rel.TargetID,
			Type:         rel.Type,
			MetadataJSON: string(metaJSON),
			CreatedAt:    time.Now().UTC(),
		}
		if err := idx.db.Create(&row).Error; err != nil {
			return coreerr.NewStorageError("upsert_relationship", err)
		}
		return nil
	default:
		return coreerr.NewStorageError("upsert_relationship lookup", err)
	}
}

// GetRelationships returns every outbound edge from sourceID.
func (idx *RelationalIndex) GetRelationships(sourceID string) ([]RelationshipRow, error) {
	var rows []RelationshipRow
	err := idx.db.Where("source_id = ?", sourceID).Find(&rows).Error
	if err != nil {
		return nil, coreerr.NewStorageError("get_relationships", err)
	}
	return rows, nil
}

// GetInboundRelationships returns every edge pointing at targetID.
func (idx *RelationalIndex) GetInboundRelationships(targetID string) ([]RelationshipRow, error) {
	var rows []RelationshipRow
	err := idx.db.Where("target_id = ?", targetID).Find(&rows).Error
	if err != nil {
		return nil, coreerr.NewStorageError("get_inbound_relationships", err)
	}
	return rows, nil
}
