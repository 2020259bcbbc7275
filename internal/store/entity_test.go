// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeContentHash_Deterministic(t *testing.T) {
	attrs := Attributes{"name": "Elenya", "age": 29, "_internal": "ignored"}

	h1, err := ComputeContentHash(attrs)
	require.NoError(t, err)

	h2, err := ComputeContentHash(Attributes{"age": 29, "name": "Elenya"})
	require.NoError(t, err)

	assert.Equal(t, h1, h2, "key order must not affect the hash")
	assert.Len(t, h1, 64)
}

func TestComputeContentHash_ReservedKeysStripped(t *testing.T) {
	withReserved, err := ComputeContentHash(Attributes{"name": "Elenya", "_sort_order": 3})
	require.NoError(t, err)

	withoutReserved, err := ComputeContentHash(Attributes{"name": "Elenya"})
	require.NoError(t, err)

	assert.Equal(t, withoutReserved, withReserved)
}

func TestComputeContentHash_ChangesWithAttributes(t *testing.T) {
	h1, err := ComputeContentHash(Attributes{"name": "Elenya"})
	require.NoError(t, err)

	h2, err := ComputeContentHash(Attributes{"name": "Caledria"})
	require.NoError(t, err)

	assert.NotEqual(t, h1, h2)
}

func TestRelationship_Resolved(t *testing.T) {
	unresolved := Relationship{TargetID: "t1", Type: "sets_up"}
	assert.False(t, unresolved.Resolved())

	resolved := Relationship{TargetID: "t1", Type: "sets_up", Metadata: map[string]any{"resolved": true}}
	assert.True(t, resolved.Resolved())

	explicitFalse := Relationship{TargetID: "t1", Type: "sets_up", Metadata: map[string]any{"resolved": false}}
	assert.False(t, explicitFalse.Resolved())
}
