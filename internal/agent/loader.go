// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package agent

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/showrunner/core/internal/logger"
)

// skillKeywords is the curated keyword table consulted by Route for each
// known skill name; a skill loaded from a file with no matching entry here
// falls back to pure LLM routing.
var skillKeywords = map[string][]string{
	"world_building": {"world", "setting", "lore", "history", "geography", "magic system"},
	"character":      {"character", "backstory", "personality", "arc", "relationship"},
	"scene_writing":  {"scene", "dialogue", "write", "draft", "prose"},
	"evaluation":     {"evaluate", "critique", "review", "continuity", "consistency"},
	"research":       {"research", "lookup", "fact check", "reference"},
}

const maxDescriptionLen = 200

var boldMarkerRe = regexp.MustCompile(`\*\*([^*]+)\*\*`)

// LoadSkillsFromDir loads every *.md file in dir (except README.md, case
// insensitive) as a Skill: the file stem is the skill name, the full
// content becomes the system prompt, and a short description is extracted
// from the first descriptive paragraph following any heading or YAML
// frontmatter.
func LoadSkillsFromDir(dir string) ([]Skill, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			logger.GetAgentLogger().Warn().Str("dir", dir).Msg("skills directory does not exist")
			return nil, nil
		}
		return nil, err
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(strings.ToLower(e.Name()), ".md") {
			continue
		}
		if strings.EqualFold(e.Name(), "readme.md") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	skills := make([]Skill, 0, len(names))
	for _, name := range names {
		content, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		skillName := strings.TrimSuffix(name, filepath.Ext(name))
		skills = append(skills, Skill{
			Name:         skillName,
			Description:  extractDescription(string(content)),
			SystemPrompt: string(content),
			Keywords:     skillKeywords[skillName],
		})
	}

	logger.GetAgentLogger().Info().Int("count", len(skills)).Msg("loaded agent skills")
	return skills, nil
}

// extractDescription finds the first non-empty paragraph that is not a
// heading or inside YAML frontmatter, falling back to "Agent skill".
func extractDescription(content string) string {
	var descLines []string
	inFrontmatter := false

	for _, line := range strings.Split(content, "\n") {
		stripped := strings.TrimSpace(line)

		if stripped == "---" {
			inFrontmatter = !inFrontmatter
			continue
		}
		if inFrontmatter {
			continue
		}

		if strings.HasPrefix(stripped, "#") {
			if len(descLines) > 0 {
				break
			}
			continue
		}

		if stripped == "" {
			if len(descLines) == 0 {
				continue
			}
			break
		}

		descLines = append(descLines, stripped)
	}

	desc := strings.Join(descLines, " ")
	desc = boldMarkerRe.ReplaceAllString(desc, "$1")
	if len(desc) > maxDescriptionLen {
		desc = desc[:maxDescriptionLen-3] + "..."
	}
	if desc == "" {
		return "Agent skill"
	}
	return desc
}

// RouteAndExecute tries keyword routing first, falls back to LLM
// classification, and executes the matched skill; it returns nil if no
// skill matches by either method.
func (d *Dispatcher) RouteAndExecute(ctx context.Context, intent string, extraContext map[string]any, model string) (*AgentResult, error) {
	skill, ok := d.Route(intent)
	if !ok {
		s, err := d.RouteWithLLM(ctx, intent)
		if err != nil {
			return nil, err
		}
		skill = s
	}
	if skill == nil {
		return nil, nil
	}
	result := d.Execute(ctx, *skill, intent, extraContext, model)
	return &result, nil
}
