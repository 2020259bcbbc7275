// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package vector

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubProvider struct {
	vectors map[string][]float32
	err     error
}

func (s *stubProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if s.err != nil {
		return nil, s.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = s.vectors[t]
	}
	return out, nil
}

func TestIndex_UpsertAndSearch(t *testing.T) {
	provider := &stubProvider{vectors: map[string][]float32{
		"a warrior in the north":  {1, 0, 0},
		"a merchant in the south": {0, 1, 0},
		"northern warrior":        {0.9, 0.1, 0},
	}}
	idx := NewIndex(provider, 3)

	require.NoError(t, idx.UpsertEmbedding(context.Background(), "e1", "a warrior in the north", nil))
	require.NoError(t, idx.UpsertEmbedding(context.Background(), "e2", "a merchant in the south", nil))
	assert.Equal(t, 2, idx.Count())

	hits := idx.SemanticSearch(context.Background(), "northern warrior", 5)
	require.Len(t, hits, 2)
	assert.Equal(t, "e1", hits[0].EntityID, "warrior entity should rank above merchant")
}

func TestIndex_UpsertReplacesPriorVector(t *testing.T) {
	provider := &stubProvider{vectors: map[string][]float32{
		"first":  {1, 0, 0},
		"second": {0, 1, 0},
	}}
	idx := NewIndex(provider, 3)

	require.NoError(t, idx.UpsertEmbedding(context.Background(), "e1", "first", nil))
	require.NoError(t, idx.UpsertEmbedding(context.Background(), "e1", "second", nil))
	assert.Equal(t, 1, idx.Count())
}

func TestIndex_ProviderFailureFallsBackDeterministically(t *testing.T) {
	provider := &stubProvider{err: errors.New("provider unavailable")}
	idx := NewIndex(provider, 16)

	err := idx.UpsertEmbedding(context.Background(), "e1", "some prose", nil)
	require.NoError(t, err, "embedding failures must not be fatal to the caller")
	assert.Equal(t, 1, idx.Count())

	hits := idx.SemanticSearch(context.Background(), "some prose", 5)
	require.Len(t, hits, 1)
}

func TestIndex_NilProviderUsesFallback(t *testing.T) {
	idx := NewIndex(nil, 32)
	require.NoError(t, idx.UpsertEmbedding(context.Background(), "e1", "text", nil))
	assert.Equal(t, 1, idx.Count())
}

func TestIndex_Delete(t *testing.T) {
	idx := NewIndex(nil, 32)
	require.NoError(t, idx.UpsertEmbedding(context.Background(), "e1", "text", nil))
	idx.Delete("e1")
	assert.Equal(t, 0, idx.Count())
}

func TestDeterministicEmbedding_StableAndNormalized(t *testing.T) {
	v1 := deterministicEmbedding("hello world", 32)
	v2 := deterministicEmbedding("hello world", 32)
	assert.Equal(t, v1, v2)

	var sumSq float64
	for _, f := range v1 {
		sumSq += float64(f) * float64(f)
	}
	assert.InDelta(t, 1.0, sumSq, 0.01)
}
