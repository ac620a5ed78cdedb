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

	"github.com/j4xie/my-prototype-logistics-sub023/services/intent/datatypes"
	"github.com/j4xie/my-prototype-logistics-sub023/services/intent/embedding"
	"github.com/j4xie/my-prototype-logistics-sub023/services/intent/knowledge"
)

// SemanticMatcher embeds the input and dots it against the warmed phrase
// vectors. Semantically robust: "销量最高的产品" and "哪个产品卖得最好"
// land near the same seed phrase regardless of word form.
//
// Degrades to a skip (nil, nil) when the tenant disabled the stage, the
// phrase cache is not warmed, or the embedding call fails.
type SemanticMatcher struct {
	catalog *knowledge.Catalog
	encoder *embedding.QueryEncoder
	phrases *embedding.PhraseVectorCache
	logger  *slog.Logger
}

// NewSemanticMatcher creates the semantic stage.
func NewSemanticMatcher(catalog *knowledge.Catalog, encoder *embedding.QueryEncoder, phrases *embedding.PhraseVectorCache, logger *slog.Logger) *SemanticMatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &SemanticMatcher{catalog: catalog, encoder: encoder, phrases: phrases, logger: logger}
}

// Name implements Matcher.
func (m *SemanticMatcher) Name() string { return "semantic" }

// Match returns the top-K intents by best-phrase cosine similarity at or
// above the tenant's semantic threshold.
func (m *SemanticMatcher) Match(ctx context.Context, req *MatchRequest) ([]datatypes.Candidate, error) {
	if !req.Cfg.SemanticEnabled {
		return nil, nil
	}
	vectors, warmed := m.phrases.Vectors(req.TenantID)
	if !warmed || len(vectors) == 0 {
		return nil, nil
	}

	embedCtx, cancel := context.WithTimeout(ctx, req.Cfg.EmbeddingTimeout.Std())
	defer cancel()
	queryVec, err := m.encoder.Encode(embedCtx, req.Text)
	if err != nil {
		m.logger.Warn("semantic: query embedding failed, skipping stage",
			"tenant", req.TenantID,
			"error", err.Error(),
		)
		return nil, nil
	}

	exprs, err := m.catalog.Expressions(ctx, req.TenantID)
	if err != nil {
		return nil, err
	}

	// Best similarity per intent across all its phrases.
	best := make(map[string]float64)
	for _, expr := range exprs {
		phraseVec, ok := vectors[expr.Hash]
		if !ok {
			continue
		}
		sim := embedding.Dot(queryVec, phraseVec) // both unit-normalized
		if sim < req.Cfg.SemanticThreshold {
			continue
		}
		if sim > best[expr.IntentCode] {
			best[expr.IntentCode] = sim
		}
	}
	if len(best) == 0 {
		return nil, nil
	}

	cands := make([]datatypes.Candidate, 0, len(best))
	for code, sim := range best {
		c := datatypes.Candidate{
			IntentCode: code,
			RawScore:   sim,
			Source:     datatypes.SourceSemantic,
		}
		if def, err := m.catalog.Get(ctx, req.TenantID, code); err == nil {
			c.DisplayName = def.Name
		}
		cands = append(cands, c)
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].RawScore > cands[j].RawScore })

	topK := req.Cfg.SemanticTopK
	if topK > 0 && len(cands) > topK {
		cands = cands[:topK]
	}
	return cands, nil
}
