// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package vector

import (
	"context"
	"sort"
	"sync"

	"github.com/showrunner/core/internal/logger"
)

type entry struct {
	EntityID  string
	Text      string
	Embedding []float32
	Metadata  map[string]any
}

// Index is the vector index (C3). It holds one embedding per entity id and
// answers nearest-neighbour queries by cosine similarity. The embedding
// provider is injected; when it errors, Index transparently substitutes a
// deterministic fallback embedding rather than failing the write, per the
// "vector-index failures are non-fatal" rule the Unit of Work depends on.
type Index struct {
	mu        sync.RWMutex
	entries   map[string]entry
	provider  EmbeddingProvider
	dimension int
}

// NewIndex builds an empty index. provider may be nil, in which case every
// embedding uses the deterministic fallback.
func NewIndex(provider EmbeddingProvider, dimension int) *Index {
	if dimension <= 0 {
		dimension = FallbackDimension
	}
	return &Index{
		entries:   make(map[string]entry),
		provider:  provider,
		dimension: dimension,
	}
}

// UpsertEmbedding computes (or falls back to a deterministic) embedding for
// text and stores it under entityID, replacing any prior vector for that id.
func (idx *Index) UpsertEmbedding(ctx context.Context, entityID, text string, metadata map[string]any) error {
	vec := idx.embed(ctx, text)

	idx.mu.Lock()
	idx.entries[entityID] = entry{EntityID: entityID, Text: text, Embedding: vec, Metadata: metadata}
	idx.mu.Unlock()
	return nil
}

// embed never returns an error: a provider failure degrades to the
// deterministic fallback and is logged, matching the spec's
// "vector index never diverges from the relational index in cardinality"
// invariant — every UpsertEmbedding call produces exactly one stored vector.
func (idx *Index) embed(ctx context.Context, text string) []float32 {
	if idx.provider != nil {
		vecs, err := idx.provider.Embed(ctx, []string{text})
		if err == nil && len(vecs) == 1 {
			return vecs[0]
		}
		logger.GetVectorLogger().Warn().Err(err).Msg("embedding provider failed, using deterministic fallback")
	}
	return deterministicEmbedding(text, idx.dimension)
}

// Delete removes the stored vector for entityID, if any.
func (idx *Index) Delete(entityID string) {
	idx.mu.Lock()
	delete(idx.entries, entityID)
	idx.mu.Unlock()
}

// Count returns the number of vectors currently indexed.
func (idx *Index) Count() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.entries)
}

// Hit is one semantic-search result, best match first.
type Hit struct {
	EntityID string
	Score    float64
}

// SemanticSearch returns up to limit entity ids most similar to query,
// ordered best-first. On provider failure the query itself falls back to
// the deterministic embedding space, which still produces a stable (if
// non-semantic) ranking rather than an error.
func (idx *Index) SemanticSearch(ctx context.Context, query string, limit int) []Hit {
	qVec := idx.embed(ctx, query)

	idx.mu.RLock()
	hits := make([]Hit, 0, len(idx.entries))
	for id, e := range idx.entries {
		hits = append(hits, Hit{EntityID: id, Score: cosineSimilarity(qVec, e.Embedding)})
	}
	idx.mu.RUnlock()

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].EntityID < hits[j].EntityID
	})

	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits
}
