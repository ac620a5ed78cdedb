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
	"strings"

	"github.com/j4xie/my-prototype-logistics-sub023/services/intent/datatypes"
	"github.com/j4xie/my-prototype-logistics-sub023/services/intent/knowledge"
)

// KeywordMatcher scores each intent by matched keyword weight over total
// keyword weight. Single-token keywords compare against the token set;
// multi-word keywords (and CJK keywords longer than the bigram window)
// fall back to substring containment on the normalized text.
type KeywordMatcher struct {
	catalog *knowledge.Catalog
	logger  *slog.Logger
}

// NewKeywordMatcher creates the keyword stage.
func NewKeywordMatcher(catalog *knowledge.Catalog, logger *slog.Logger) *KeywordMatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &KeywordMatcher{catalog: catalog, logger: logger}
}

// Name implements Matcher.
func (m *KeywordMatcher) Name() string { return "keyword" }

// Match scores every live intent definition and returns those at or
// above the tenant's keyword threshold, best first.
func (m *KeywordMatcher) Match(ctx context.Context, req *MatchRequest) ([]datatypes.Candidate, error) {
	defs, err := m.catalog.Definitions(ctx, req.TenantID)
	if err != nil {
		return nil, err
	}

	tokens := make(map[string]bool, len(req.Tokens))
	for _, t := range req.Tokens {
		tokens[t] = true
	}

	var cands []datatypes.Candidate
	for _, def := range defs {
		total := def.TotalKeywordWeight()
		if total == 0 {
			continue
		}
		var matched float64
		for _, kw := range def.Keywords {
			if kw.Text == "" {
				continue
			}
			if keywordHits(kw.Text, tokens, req.Text) {
				w := kw.Weight
				if w <= 0 {
					w = 1.0
				}
				matched += w
			}
		}
		if matched == 0 {
			continue
		}
		score := matched / total
		if score < req.Cfg.KeywordThreshold {
			continue
		}
		cands = append(cands, datatypes.Candidate{
			IntentCode:  def.Code,
			RawScore:    score,
			Source:      datatypes.SourceKeyword,
			DisplayName: def.Name,
		})
	}
	if len(cands) == 0 {
		return nil, nil
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].RawScore != cands[j].RawScore {
			return cands[i].RawScore > cands[j].RawScore
		}
		return cands[i].IntentCode < cands[j].IntentCode
	})
	return cands, nil
}

// keywordHits reports whether a keyword matches the utterance: token
// equality first (cheap, exact), substring containment as the fallback
// for multi-word keywords and CJK runs longer than the bigram window.
func keywordHits(keyword string, tokens map[string]bool, text string) bool {
	if tokens[keyword] {
		return true
	}
	return strings.Contains(text, keyword)
}
