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
	"time"

	"github.com/j4xie/my-prototype-logistics-sub023/services/intent/datatypes"
	"github.com/j4xie/my-prototype-logistics-sub023/services/intent/knowledge"
)

// ExactMatcher resolves an utterance by hash lookup against the learned
// expression index. O(1), no network, highest precision on the ladder.
type ExactMatcher struct {
	catalog *knowledge.Catalog
	logger  *slog.Logger
}

// NewExactMatcher creates the exact stage.
func NewExactMatcher(catalog *knowledge.Catalog, logger *slog.Logger) *ExactMatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExactMatcher{catalog: catalog, logger: logger}
}

// Name implements Matcher.
func (m *ExactMatcher) Name() string { return "exact" }

// Match looks the hash up in the merged expression index. The hit
// counter update happens off the hot path; a lost count is fine.
func (m *ExactMatcher) Match(ctx context.Context, req *MatchRequest) ([]datatypes.Candidate, error) {
	expr, err := m.catalog.ExpressionByHash(ctx, req.TenantID, req.Hash)
	if err != nil {
		if knowledge.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}

	go func() {
		bgCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := m.catalog.RecordExpressionHit(bgCtx, expr.TenantID, expr.Hash); err != nil {
			m.logger.Warn("exact: hit count update failed", "hash", expr.Hash, "error", err.Error())
		}
	}()

	def, err := m.catalog.Get(ctx, req.TenantID, expr.IntentCode)
	if err != nil {
		return nil, nil
	}
	return []datatypes.Candidate{{
		IntentCode:  expr.IntentCode,
		RawScore:    expr.Confidence,
		Source:      datatypes.SourceExact,
		DisplayName: def.Name,
	}}, nil
}
