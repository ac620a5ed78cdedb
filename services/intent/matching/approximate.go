// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package matching

import (
	"context"
	"log/slog"
	"sort"

	"github.com/sahilm/fuzzy"

	"github.com/j4xie/my-prototype-logistics-sub023/services/intent/datatypes"
	"github.com/j4xie/my-prototype-logistics-sub023/services/intent/knowledge"
)

// ApproximateMatcher catches typos and near-identical phrasings of known
// expressions. A fuzzy prefilter narrows the expression set, then
// normalized Levenshtein similarity scores the survivors. Two passes
// because full edit distance over every expression is O(n·len²) and the
// prefilter is O(n·len).
type ApproximateMatcher struct {
	catalog *knowledge.Catalog
	logger  *slog.Logger
}

// NewApproximateMatcher creates the approximate stage.
func NewApproximateMatcher(catalog *knowledge.Catalog, logger *slog.Logger) *ApproximateMatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &ApproximateMatcher{catalog: catalog, logger: logger}
}

// Name implements Matcher.
func (m *ApproximateMatcher) Name() string { return "approximate" }

// Match scores the input against learned expressions, keeping the best
// expression per intent at or above the tenant's approximate threshold.
func (m *ApproximateMatcher) Match(ctx context.Context, req *MatchRequest) ([]datatypes.Candidate, error) {
	exprs, err := m.catalog.Expressions(ctx, req.TenantID)
	if err != nil {
		return nil, err
	}
	if len(exprs) == 0 {
		return nil, nil
	}

	texts := make([]string, len(exprs))
	for i, e := range exprs {
		texts[i] = e.Text
	}

	// Prefilter: fuzzy subsequence match, best first. Cap the refine set
	// so a huge expression base cannot blow up the edit-distance pass.
	matches := fuzzy.Find(req.Text, texts)
	limit := req.Cfg.ApproximateMaxCandidates
	if limit <= 0 {
		limit = 50
	}
	if len(matches) > limit {
		matches = matches[:limit]
	}

	threshold := req.Cfg.ApproximateThreshold
	best := make(map[string]datatypes.Candidate) // intent code → best candidate

	for _, match := range matches {
		expr := exprs[match.Index]
		sim := levenshteinSimilarity(req.Text, expr.Text)
		if sim < threshold {
			continue
		}
		// Scale by the expression's own confidence so an unverified
		// auto-learned phrase cannot outrank a seed phrase.
		score := sim * expr.Confidence
		if prev, ok := best[expr.IntentCode]; ok && prev.RawScore >= score {
			continue
		}
		best[expr.IntentCode] = datatypes.Candidate{
			IntentCode: expr.IntentCode,
			RawScore:   score,
			Source:     datatypes.SourceApproximate,
		}
	}
	if len(best) == 0 {
		return nil, nil
	}

	cands := make([]datatypes.Candidate, 0, len(best))
	for code, c := range best {
		if def, err := m.catalog.Get(ctx, req.TenantID, code); err == nil {
			c.DisplayName = def.Name
		}
		cands = append(cands, c)
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].RawScore > cands[j].RawScore })
	return cands, nil
}

// levenshteinSimilarity maps rune-level edit distance into [0,1]:
// 1 - dist/maxLen. Identical strings score 1.0.
func levenshteinSimilarity(a, b string) float64 {
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 && len(rb) == 0 {
		return 1.0
	}
	maxLen := len(ra)
	if len(rb) > maxLen {
		maxLen = len(rb)
	}
	dist := levenshtein(ra, rb)
	return 1.0 - float64(dist)/float64(maxLen)
}

// levenshtein computes edit distance with a two-row DP table.
func levenshtein(a, b []rune) int {
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := 0; j <= len(b); j++ {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		curr[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = min3(
				prev[j]+1,      // deletion
				curr[j-1]+1,    // insertion
				prev[j-1]+cost, // substitution
			)
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}
