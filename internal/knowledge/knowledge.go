// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package knowledge implements the Knowledge Graph Service (C5): a thin
// facade over the content store, relational index, and vector index that
// the pipeline engine and chat orchestrator consult for every context
// lookup, hierarchical query, and era fork.
package knowledge

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/showrunner/core/internal/coreerr"
	"github.com/showrunner/core/internal/store"
	"github.com/showrunner/core/internal/uow"
	"github.com/showrunner/core/internal/vector"
)

// structuralTypes are the entity types that participate in
// GetStructureTree; every other entity type is a leaf the tree does not
// descend into.
var structuralTypes = []string{"season", "arc", "act", "chapter", "scene"}

// maxEraWalk bounds the era-fork-chain resolution in GetEntityAtEra so a
// cyclical or very long parent_version_id chain can never spin forever.
const maxEraWalk = 16

// Service is the Knowledge Graph Service (C5).
type Service struct {
	rel     *store.RelationalIndex
	content *store.ContentStore
	vec     *vector.Index
}

// New builds a Service over the given collaborators.
func New(rel *store.RelationalIndex, content *store.ContentStore, vec *vector.Index) *Service {
	return &Service{rel: rel, content: content, vec: vec}
}

// FindContainers delegates to the relational index.
func (s *Service) FindContainers(filter store.QueryFilter) ([]store.EntityRow, error) {
	return s.rel.QueryEntities(filter)
}

// GetNeighbors returns id's outbound relationship rows, optionally
// restricted to relType.
func (s *Service) GetNeighbors(id string, relType string) ([]store.RelationshipRow, error) {
	rels, err := s.rel.GetRelationships(id)
	if err != nil {
		return nil, err
	}
	if relType == "" {
		return rels, nil
	}
	return lo.Filter(rels, func(r store.RelationshipRow, _ int) bool { return r.Type == relType }), nil
}

// GetChildren delegates to the relational index.
func (s *Service) GetChildren(parentID string) ([]store.EntityRow, error) {
	return s.rel.GetChildren(parentID)
}

// TreeNode is one node of a recursive structure tree.
type TreeNode struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	EntityType string     `json:"entity_type"`
	SortOrder  int        `json:"sort_order"`
	Children   []TreeNode `json:"children"`
}

// GetStructureTree builds the recursive season/arc/act/chapter/scene tree
// rooted at every top-level structural entity.
func (s *Service) GetStructureTree() ([]TreeNode, error) {
	var roots []store.EntityRow
	for _, t := range structuralTypes {
		rs, err := s.rel.GetRoots(t)
		if err != nil {
			return nil, err
		}
		roots = append(roots, rs...)
	}

	nodes := make([]TreeNode, 0, len(roots))
	for _, r := range roots {
		node, err := s.buildSubtree(r)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}
	return nodes, nil
}

func (s *Service) buildSubtree(row store.EntityRow) (TreeNode, error) {
	children, err := s.rel.GetChildren(row.ID)
	if err != nil {
		return TreeNode{}, err
	}

	node := TreeNode{ID: row.ID, Name: row.Name, EntityType: row.EntityType, SortOrder: row.SortOrder}
	for _, c := range children {
		if !lo.Contains(structuralTypes, c.EntityType) {
			continue
		}
		child, err := s.buildSubtree(c)
		if err != nil {
			return TreeNode{}, err
		}
		node.Children = append(node.Children, child)
	}
	return node, nil
}

// SearchHit is an entity enriched with an ordinal semantic-search score
// (0 = best match).
type SearchHit struct {
	store.EntityRow
	Score int
}

// SemanticSearch calls C3 then enriches each hit from C2.
func (s *Service) SemanticSearch(ctx context.Context, query string, limit int) ([]SearchHit, error) {
	hits := s.vec.SemanticSearch(ctx, query, limit)

	results := make([]SearchHit, 0, len(hits))
	for rank, h := range hits {
		row, err := s.rel.GetEntity(h.EntityID)
		if err != nil {
			continue // vector entry with no relational row; skip rather than fail the whole search
		}
		results = append(results, SearchHit{EntityRow: *row, Score: rank})
	}
	return results, nil
}

// HybridSearch retrieves candidates from C3, enriches from C2, and
// optionally filters by entity type.
func (s *Service) HybridSearch(ctx context.Context, query, entityType string, limit int) ([]SearchHit, error) {
	hits := s.vec.SemanticSearch(ctx, query, limit*2)

	results := make([]SearchHit, 0, limit)
	for rank, h := range hits {
		row, err := s.rel.GetEntity(h.EntityID)
		if err != nil {
			continue
		}
		if entityType != "" && row.EntityType != entityType {
			continue
		}
		results = append(results, SearchHit{EntityRow: *row, Score: rank})
		if len(results) >= limit {
			break
		}
	}
	return results, nil
}

// GetEntityAtEra returns the version of entityID scoped to eraID. It
// prefers a direct fork (parent_version_id == entityID, era_id == eraID);
// failing that it walks the fork chain backward up to maxEraWalk hops
// looking for an ancestor whose era matches; failing that it falls back to
// C1's own branch projection (era_id doubles as the event log's branch_id,
// spec §4.1/§4.5: an era fork is a timeline fork, which is exactly what
// ContentStore.Branch/ProjectState model), and finally to the base entity
// itself.
func (s *Service) GetEntityAtEra(entityID, eraID string) (*store.EntityRow, error) {
	forks, err := s.rel.QueryEntities(store.QueryFilter{})
	if err != nil {
		return nil, err
	}
	for _, f := range forks {
		if f.ParentVersionID != nil && *f.ParentVersionID == entityID && f.EraID != nil && *f.EraID == eraID {
			return &f, nil
		}
	}

	base, err := s.rel.GetEntity(entityID)
	if err != nil {
		return s.projectEntityAtEra(entityID, eraID)
	}
	if base.EraID != nil && *base.EraID == eraID {
		return base, nil
	}

	// Walk the parent_version_id chain backward looking for a matching era,
	// bounded so a malformed or cyclical chain cannot hang the lookup.
	cursor := base
	for i := 0; i < maxEraWalk && cursor.ParentVersionID != nil; i++ {
		parent, err := s.rel.GetEntity(*cursor.ParentVersionID)
		if err != nil {
			break
		}
		if parent.EraID != nil && *parent.EraID == eraID {
			return parent, nil
		}
		cursor = parent
	}

	if row, err := s.projectEntityAtEra(entityID, eraID); err == nil && row != nil {
		return row, nil
	}
	return base, nil
}

// projectEntityAtEra replays the event log branch named eraID and
// synthesizes an EntityRow from entityID's projected attributes, for eras
// that only exist as a forked event-log branch (no relational fork row).
func (s *Service) projectEntityAtEra(entityID, eraID string) (*store.EntityRow, error) {
	projected, err := s.content.ProjectState(eraID)
	if err != nil {
		return nil, err
	}
	attrs, ok := projected[entityID]
	if !ok {
		return nil, coreerr.NewNotFoundError("entity_at_era", entityID)
	}
	return synthesizeEntityRow(entityID, eraID, attrs), nil
}

func synthesizeEntityRow(entityID, eraID string, attrs map[string]any) *store.EntityRow {
	name, _ := attrs["name"].(string)
	attrsJSON, _ := json.Marshal(attrs)
	return &store.EntityRow{
		ID:             entityID,
		Name:           name,
		AttributesJSON: string(attrsJSON),
		EraID:          &eraID,
	}
}

// CreateEraFork clones entityID into a new entity with the given eraID,
// setting parent_version_id to the original, forks the underlying event log
// onto a new branch named newEraID (C1's branch(source_branch_id,
// new_branch_id, fork_event_id), spec §4.1), and persists the clone through
// the Unit of Work on that new branch.
func (s *Service) CreateEraFork(ctx context.Context, u *uow.UnitOfWork, entityID, newEraID, newYAMLPath string) (*store.EntityRow, error) {
	base, err := s.rel.GetEntity(entityID)
	if err != nil {
		return nil, err
	}

	var attrs store.Attributes
	if base.AttributesJSON != "" {
		attrs = store.Attributes{}
		if err := unmarshalJSON(base.AttributesJSON, &attrs); err != nil {
			return nil, coreerr.NewStorageError("create_era_fork unmarshal attributes", err)
		}
	}

	sourceBranch := "main"
	if base.EraID != nil {
		sourceBranch = *base.EraID
	}
	if forkEventID, err := s.content.HeadEventID(entityID, sourceBranch); err == nil && forkEventID != nil {
		if err := s.content.Branch(sourceBranch, newEraID, *forkEventID); err != nil {
			return nil, err
		}
	}

	newID := uuid.NewString()
	u.Save(newID, base.EntityType, base.Name, newYAMLPath, attrs, store.EventCreate, nil,
		uow.WithSortOrder(base.SortOrder), uow.WithBranchID(newEraID))

	return &store.EntityRow{
		ID:              newID,
		EntityType:      base.EntityType,
		Name:            base.Name,
		YAMLPath:        newYAMLPath,
		ParentVersionID: &entityID,
		EraID:           &newEraID,
	}, nil
}

// Thread is one unresolved relationship surfaced for narrative continuity
// tracking.
type Thread struct {
	EdgeID       string
	SourceID     string
	TargetID     string
	RelType      string
	Description  string
}

// GetUnresolvedThreads returns every relationship whose metadata lacks
// resolved = true, optionally scoped to the era it was created in.
func (s *Service) GetUnresolvedThreads(eraID string) ([]Thread, error) {
	rows, err := s.rel.QueryEntities(store.QueryFilter{})
	if err != nil {
		return nil, err
	}

	var threads []Thread
	for _, row := range rows {
		rels, err := s.rel.GetRelationships(row.ID)
		if err != nil {
			return nil, err
		}
		for _, r := range rels {
			var meta map[string]any
			_ = unmarshalJSON(r.MetadataJSON, &meta)
			if resolved, _ := meta["resolved"].(bool); resolved {
				continue
			}
			if eraID != "" {
				createdIn, _ := meta["created_in_era"].(string)
				if createdIn != eraID {
					continue
				}
			}
			description, _ := meta["description"].(string)
			threads = append(threads, Thread{
				EdgeID:      edgeID(r.SourceID, r.TargetID, r.Type),
				SourceID:    r.SourceID,
				TargetID:    r.TargetID,
				RelType:     r.Type,
				Description: description,
			})
		}
	}
	return threads, nil
}

// ResolveThread flips the resolved flag on the edge identified by edgeID,
// merging it into the edge's existing metadata rather than replacing it, so
// fields like created_in_era and description survive (spec §4.5's "flips
// the flag", not "replaces the metadata").
func (s *Service) ResolveThread(edgeID_ string, resolvedInEra string) error {
	sourceID, targetID, relType, ok := parseEdgeID(edgeID_)
	if !ok {
		return coreerr.NewValidationError("edge_id", "malformed edge id: "+edgeID_)
	}

	meta := map[string]any{}
	rels, err := s.rel.GetRelationships(sourceID)
	if err != nil {
		return err
	}
	for _, r := range rels {
		if r.TargetID == targetID && r.Type == relType {
			_ = unmarshalJSON(r.MetadataJSON, &meta)
			break
		}
	}
	meta["resolved"] = true
	meta["resolved_in_era"] = resolvedInEra

	rel := store.Relationship{
		TargetID: targetID,
		Type:     relType,
		Metadata: meta,
	}
	return s.rel.UpsertRelationship(sourceID, rel)
}

const edgeIDSeparator = "::::"

func edgeID(sourceID, targetID, relType string) string {
	return sourceID + edgeIDSeparator + targetID + edgeIDSeparator + relType
}

func parseEdgeID(id string) (sourceID, targetID, relType string, ok bool) {
	parts := strings.SplitN(id, edgeIDSeparator, 3)
	if len(parts) != 3 {
		return "", "", "", false
	}
	return parts[0], parts[1], parts[2], true
}

func unmarshalJSON(data string, out any) error {
	if data == "" {
		return nil
	}
	return json.Unmarshal([]byte(data), out)
}
