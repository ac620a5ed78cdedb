// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package matching implements the cascading matcher: a fixed ladder of
// stages from cheap-and-precise (exact hash lookup) to expensive-and-
// recall-oriented (LLM fallback with case retrieval). Each stage either
// produces candidates good enough to stop the ladder, or the next stage
// runs. AI-capability stages degrade to a skip when their backend is
// down; matching as a whole only fails on storage errors.
package matching

import (
	"context"

	"github.com/j4xie/my-prototype-logistics-sub023/services/intent/config"
	"github.com/j4xie/my-prototype-logistics-sub023/services/intent/datatypes"
)

// MatchRequest carries one normalized utterance through the ladder.
// Text is already normalized and Hash/Tokens derived from it, so stages
// never re-tokenize.
type MatchRequest struct {
	TenantID string
	UserID   string

	// Text is the normalized utterance.
	Text string

	// Hash is SHA256(Text), the exact-match and cache key.
	Hash string

	// Tokens is the CJK-aware token set of Text.
	Tokens []string

	// PrevIntentCode is the user's previous resolved intent, used by
	// calibration's transition prior. Empty on a session's first turn.
	PrevIntentCode string

	// Cfg is the effective tenant configuration for this resolution.
	Cfg config.TenantConfig
}

// Matcher is one stage of the ladder.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type Matcher interface {
	// Match returns ranked candidates, best first. An empty slice means
	// "no opinion, try the next stage". Stages backed by an optional
	// capability return (nil, nil) while degraded; only storage errors
	// surface as errors.
	Match(ctx context.Context, req *MatchRequest) ([]datatypes.Candidate, error)

	// Name identifies the stage in logs and metrics.
	Name() string
}

// topCandidate returns the best candidate or nil.
func topCandidate(cands []datatypes.Candidate) *datatypes.Candidate {
	if len(cands) == 0 {
		return nil
	}
	return &cands[0]
}
