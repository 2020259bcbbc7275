// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	idx := NewRelationalIndex(db)
	require.NoError(t, idx.Migrate())
	return db
}

func TestRelationalIndex_UpsertAndGetEntity(t *testing.T) {
	db := newTestDB(t)
	idx := NewRelationalIndex(db)

	e := &Entity{
		ID:          "char-1",
		EntityType:  "character",
		Name:        "Elenya",
		Attributes:  Attributes{"name": "Elenya"},
		ContentHash: "abc123",
		CreatedAt:   time.Now().UTC(),
		UpdatedAt:   time.Now().UTC(),
	}
	require.NoError(t, idx.UpsertEntity(e, "/proj/character/elenya.yaml"))

	row, err := idx.GetEntity("char-1")
	require.NoError(t, err)
	require.Equal(t, "Elenya", row.Name)
	require.Equal(t, "abc123", row.ContentHash)

	byPath, err := idx.GetEntityByPath("/proj/character/elenya.yaml")
	require.NoError(t, err)
	require.Equal(t, "char-1", byPath.ID)

	hash, err := idx.GetContentHash("char-1")
	require.NoError(t, err)
	require.Equal(t, "abc123", hash)
}

func TestRelationalIndex_UpsertEntity_Overwrites(t *testing.T) {
	db := newTestDB(t)
	idx := NewRelationalIndex(db)

	base := &Entity{ID: "char-1", EntityType: "character", Name: "Elenya", ContentHash: "h1"}
	require.NoError(t, idx.UpsertEntity(base, "/p.yaml"))

	base.Name = "Elenya Renamed"
	base.ContentHash = "h2"
	require.NoError(t, idx.UpsertEntity(base, "/p.yaml"))

	row, err := idx.GetEntity("char-1")
	require.NoError(t, err)
	require.Equal(t, "Elenya Renamed", row.Name)
	require.Equal(t, "h2", row.ContentHash)
}

func TestRelationalIndex_GetContentHash_MissingIsEmpty(t *testing.T) {
	db := newTestDB(t)
	idx := NewRelationalIndex(db)

	hash, err := idx.GetContentHash("does-not-exist")
	require.NoError(t, err)
	require.Equal(t, "", hash)
}

func TestRelationalIndex_ChildrenAndRoots(t *testing.T) {
	db := newTestDB(t)
	idx := NewRelationalIndex(db)

	parentID := "loc-1"
	require.NoError(t, idx.UpsertEntity(&Entity{ID: "loc-1", EntityType: "location", Name: "The Reach"}, "/loc.yaml"))
	require.NoError(t, idx.UpsertEntity(&Entity{ID: "char-1", EntityType: "character", Name: "Elenya", ParentID: &parentID, SortOrder: 1}, "/c1.yaml"))
	require.NoError(t, idx.UpsertEntity(&Entity{ID: "char-2", EntityType: "character", Name: "Aldric", ParentID: &parentID, SortOrder: 0}, "/c2.yaml"))

	children, err := idx.GetChildren("loc-1")
	require.NoError(t, err)
	require.Len(t, children, 2)
	require.Equal(t, "char-2", children[0].ID) // lower sort_order first

	roots, err := idx.GetRoots("location")
	require.NoError(t, err)
	require.Len(t, roots, 1)
	require.Equal(t, "loc-1", roots[0].ID)
}

func TestRelationalIndex_EntityCountByType(t *testing.T) {
	db := newTestDB(t)
	idx := NewRelationalIndex(db)

	require.NoError(t, idx.UpsertEntity(&Entity{ID: "c1", EntityType: "character", Name: "A"}, "/c1.yaml"))
	require.NoError(t, idx.UpsertEntity(&Entity{ID: "c2", EntityType: "character", Name: "B"}, "/c2.yaml"))
	require.NoError(t, idx.UpsertEntity(&Entity{ID: "s1", EntityType: "scene", Name: "S"}, "/s1.yaml"))

	counts, err := idx.GetEntityCountByType()
	require.NoError(t, err)
	require.Equal(t, int64(2), counts["character"])
	require.Equal(t, int64(1), counts["scene"])
}

func TestRelationalIndex_Relationships(t *testing.T) {
	db := newTestDB(t)
	idx := NewRelationalIndex(db)

	rel := Relationship{TargetID: "char-2", Type: "sets_up", Metadata: map[string]any{"resolved": false}}
	require.NoError(t, idx.UpsertRelationship("char-1", rel))

	out, err := idx.GetRelationships("char-1")
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, "char-2", out[0].TargetID)

	in, err := idx.GetInboundRelationships("char-2")
	require.NoError(t, err)
	require.Len(t, in, 1)
	require.Equal(t, "char-1", in[0].SourceID)

	// Upserting the same edge again updates metadata rather than duplicating.
	rel.Metadata = map[string]any{"resolved": true}
	require.NoError(t, idx.UpsertRelationship("char-1", rel))
	out, err = idx.GetRelationships("char-1")
	require.NoError(t, err)
	require.Len(t, out, 1)
}

func TestRelationalIndex_DeleteEntity(t *testing.T) {
	db := newTestDB(t)
	idx := NewRelationalIndex(db)

	require.NoError(t, idx.UpsertEntity(&Entity{ID: "char-1", EntityType: "character", Name: "Elenya"}, "/c.yaml"))
	require.NoError(t, idx.DeleteEntity("char-1"))

	_, err := idx.GetEntity("char-1")
	require.Error(t, err)
}
