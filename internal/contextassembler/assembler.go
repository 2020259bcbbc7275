// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package contextassembler implements the Context Assembler (C6): it turns
// an entity collection into a token-budgeted prompt text block with
// transparent ("glass box") accounting of what was included, truncated, or
// dropped.
package contextassembler

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/samber/lo"

	"github.com/showrunner/core/internal/knowledge"
	"github.com/showrunner/core/internal/store"
)

// maxAttributeLen truncates any single rendered attribute value over this
// many characters.
const maxAttributeLen = 500

// maxNeighborNames caps how many relationship targets are appended when
// IncludeRelationships is set.
const maxNeighborNames = 5

// semanticHitLimit bounds how many semantic_search hits are merged into the
// candidate pool alongside explicit ids/types.
const semanticHitLimit = 8

// Request describes what the caller wants assembled.
type Request struct {
	Query                string
	ExplicitIDs          []string
	ExplicitTypes        []string
	MaxTokens            int
	IncludeRelationships bool
}

// BucketInfo is the glass-box metadata for one included or truncated
// candidate.
type BucketInfo struct {
	ID        string
	Name      string
	EntityType string
	Preview   string
	Truncated bool
}

// Result is the assembled prompt text plus its accounting.
type Result struct {
	Text           string
	TokenEstimate  int
	Buckets        []BucketInfo
	IncludedCount  int
	TruncatedCount int
}

// Assembler is the Context Assembler (C6).
type Assembler struct {
	rel *store.RelationalIndex
	kg  *knowledge.Service
}

// New builds an Assembler over the relational index and knowledge service.
func New(rel *store.RelationalIndex, kg *knowledge.Service) *Assembler {
	return &Assembler{rel: rel, kg: kg}
}

type candidate struct {
	row           store.EntityRow
	text          string
	score         float64
	semanticBoost bool
}

// Assemble runs the full candidate-collection, rendering, scoring, and
// greedy-packing pipeline described for C6.
func (a *Assembler) Assemble(ctx context.Context, req Request) (*Result, error) {
	candidates, err := a.collectCandidates(ctx, req)
	if err != nil {
		return nil, err
	}

	queryWords := tokenizeQuery(req.Query)
	for i := range candidates {
		candidates[i].text = a.render(candidates[i].row, req.IncludeRelationships)
		candidates[i].score = lexicalOverlap(queryWords, candidates[i].text)
		if candidates[i].semanticBoost {
			candidates[i].score = math.Min(1.0, candidates[i].score+0.25)
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})

	return packIntoBudget(candidates, req.MaxTokens), nil
}

func (a *Assembler) collectCandidates(ctx context.Context, req Request) ([]candidate, error) {
	byID := make(map[string]candidate)

	for _, id := range req.ExplicitIDs {
		row, err := a.rel.GetEntity(id)
		if err != nil {
			continue // a stale explicit id is not fatal to assembly
		}
		byID[row.ID] = candidate{row: *row}
	}

	for _, t := range req.ExplicitTypes {
		rows, err := a.rel.QueryEntities(store.QueryFilter{EntityType: t})
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			if _, exists := byID[row.ID]; !exists {
				byID[row.ID] = candidate{row: row}
			}
		}
	}

	if req.Query != "" {
		hits, err := a.kg.SemanticSearch(ctx, req.Query, semanticHitLimit)
		if err != nil {
			return nil, err
		}
		for _, h := range hits {
			c := byID[h.ID]
			c.row = h.EntityRow
			c.semanticBoost = true
			byID[h.ID] = c
		}
	}

	return lo.Values(byID), nil
}

func (a *Assembler) render(row store.EntityRow, includeRelationships bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## %s (%s)\n", row.Name, row.EntityType)

	attrs := map[string]any{}
	if row.AttributesJSON != "" {
		_ = json.Unmarshal([]byte(row.AttributesJSON), &attrs)
	}
	for _, k := range sortedKeys(attrs) {
		v := fmt.Sprintf("%v", attrs[k])
		if len(v) > maxAttributeLen {
			v = v[:maxAttributeLen] + "..."
		}
		fmt.Fprintf(&b, "%s: %s\n", k, v)
	}

	if includeRelationships {
		rels, err := a.rel.GetRelationships(row.ID)
		if err == nil && len(rels) > 0 {
			names := make([]string, 0, maxNeighborNames)
			for i, r := range rels {
				if i >= maxNeighborNames {
					break
				}
				if target, err := a.rel.GetEntity(r.TargetID); err == nil {
					names = append(names, target.Name)
				}
			}
			if len(names) > 0 {
				fmt.Fprintf(&b, "related: %s\n", strings.Join(names, ", "))
			}
		}
	}

	return b.String()
}

func tokenizeQuery(query string) []string {
	return lo.Filter(strings.Fields(strings.ToLower(query)), func(w string, _ int) bool { return w != "" })
}

// lexicalOverlap is the fraction of query words literally present in text.
func lexicalOverlap(queryWords []string, text string) float64 {
	if len(queryWords) == 0 {
		return 0
	}
	lower := strings.ToLower(text)
	present := lo.CountBy(queryWords, func(w string) bool { return strings.Contains(lower, w) })
	return float64(present) / float64(len(queryWords))
}

// estimateTokens is the cheap 4-characters-per-token heuristic the spec
// prescribes; callers needing precision supply their own estimator upstream.
func estimateTokens(text string) int {
	return int(math.Ceil(float64(len(text)) / 4.0))
}

func packIntoBudget(candidates []candidate, maxTokens int) *Result {
	result := &Result{}
	var text strings.Builder
	running := 0

	for _, c := range candidates {
		tokens := estimateTokens(c.text)
		preview := c.text
		if len(preview) > 120 {
			preview = preview[:120]
		}

		bucket := BucketInfo{ID: c.row.ID, Name: c.row.Name, EntityType: c.row.EntityType, Preview: preview}

		if running+tokens > maxTokens {
			bucket.Truncated = true
			result.Buckets = append(result.Buckets, bucket)
			result.TruncatedCount++
			continue
		}

		text.WriteString(c.text)
		text.WriteString("\n")
		running += tokens
		result.Buckets = append(result.Buckets, bucket)
		result.IncludedCount++
	}

	result.Text = text.String()
	result.TokenEstimate = running
	return result
}

func sortedKeys(m map[string]any) []string {
	keys := lo.Keys(m)
	sort.Strings(keys)
	return keys
}
