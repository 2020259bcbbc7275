// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package agent

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSkillFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestLoadSkillsFromDir_SkipsReadme(t *testing.T) {
	dir := t.TempDir()
	writeSkillFile(t, dir, "scene_writing.md", "# Scene Writer\n\nWrites scenes for the show.\n")
	writeSkillFile(t, dir, "README.md", "# Do not load this one\n")

	skills, err := LoadSkillsFromDir(dir)
	require.NoError(t, err)
	require.Len(t, skills, 1)
	assert.Equal(t, "scene_writing", skills[0].Name)
	assert.Equal(t, "Writes scenes for the show.", skills[0].Description)
	assert.Contains(t, skills[0].SystemPrompt, "Scene Writer")
	assert.Equal(t, skillKeywords["scene_writing"], skills[0].Keywords)
}

func TestLoadSkillsFromDir_MissingDirReturnsEmptyNotError(t *testing.T) {
	skills, err := LoadSkillsFromDir(filepath.Join(t.TempDir(), "does-not-exist"))
	require.NoError(t, err)
	assert.Empty(t, skills)
}

func TestLoadSkillsFromDir_SortedByFilename(t *testing.T) {
	dir := t.TempDir()
	writeSkillFile(t, dir, "world_building.md", "World building.\n")
	writeSkillFile(t, dir, "character.md", "Character work.\n")

	skills, err := LoadSkillsFromDir(dir)
	require.NoError(t, err)
	require.Len(t, skills, 2)
	assert.Equal(t, "character", skills[0].Name)
	assert.Equal(t, "world_building", skills[1].Name)
}

func TestRouteAndExecute_FallsBackToLLMThenExecutes(t *testing.T) {
	dir := t.TempDir()
	writeSkillFile(t, dir, "research.md", "Looks things up and verifies facts.\n")
	skills, err := LoadSkillsFromDir(dir)
	require.NoError(t, err)

	provider := &stubProvider{responses: []string{"research", "Final Answer: verified"}}
	d := New(skills, provider, "classifier", 0)

	result, err := d.RouteAndExecute(context.Background(), "is this historically accurate", nil, "model-x")
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, "research", result.SkillUsed)
	assert.Equal(t, "verified", result.Response)
}

func TestRouteAndExecute_NoMatchReturnsNil(t *testing.T) {
	provider := &stubProvider{responses: []string{"none"}}
	d := New(testSkills(), provider, "classifier", 0)
	result, err := d.RouteAndExecute(context.Background(), "completely unrelated request", nil, "model-x")
	require.NoError(t, err)
	assert.Nil(t, result)
}
