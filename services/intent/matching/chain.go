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
)

// StageSignal is one stage's contribution to calibration: its best
// score and the intent it voted for.
type StageSignal struct {
	IntentCode string
	Score      float64
}

// Outcome is the cascade's aggregate result for one utterance.
type Outcome struct {
	// Winner is the best candidate, nil when no stage matched anything.
	Winner *datatypes.Candidate

	// Candidates is the merged ranked list across stages, deduplicated
	// by intent code (best score wins).
	Candidates []datatypes.Candidate

	// ShortCircuit is true when a high-precision stage (exact,
	// approximate, RAG direct reuse) decided alone; calibration then
	// takes the winner's raw score as final.
	ShortCircuit bool

	// Keyword, Semantic and LLM are the per-stage fusion signals; nil
	// when the stage produced nothing.
	Keyword  *StageSignal
	Semantic *StageSignal
	LLM      *StageSignal

	// Degraded is true when an enabled AI stage could not run.
	Degraded bool

	// StagesRun lists stage names in execution order, for logs.
	StagesRun []string
}

// Probes report capability readiness, letting the cascade distinguish
// "stage found nothing" from "stage could not run".
type Probes struct {
	// SemanticReady reports whether the semantic stage can serve the
	// tenant (embedding up, phrase cache warmed).
	SemanticReady func(tenantID string) bool

	// LLMReady reports whether the chat fallback can run.
	LLMReady func() bool
}

// Cascade runs the matcher ladder.
//
// # Description
//
// Order: exact → approximate → keyword → semantic → LLM fallback.
// Exact and approximate are short-circuit stages: any hit ends the
// ladder, the match is precise enough that fusing weaker signals could
// only hurt. Keyword and semantic are signal stages: both run and feed
// calibration. The LLM fallback runs only when the signal stages left
// the outcome weak (nothing matched, or the best raw score is below
// the tenant's confirm threshold).
//
// # Thread Safety
//
// Safe for concurrent use.
type Cascade struct {
	exact       Matcher
	approximate Matcher
	keyword     Matcher
	semantic    Matcher
	fallback    Matcher
	probes      Probes
	logger      *slog.Logger
}

// NewCascade wires the five stages. fallback may be nil.
func NewCascade(exact, approximate, keyword, semantic, fallback Matcher, probes Probes, logger *slog.Logger) *Cascade {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cascade{
		exact:       exact,
		approximate: approximate,
		keyword:     keyword,
		semantic:    semantic,
		fallback:    fallback,
		probes:      probes,
		logger:      logger,
	}
}

// Match runs the ladder for one request.
func (c *Cascade) Match(ctx context.Context, req *MatchRequest) (*Outcome, error) {
	out := &Outcome{}

	// Short-circuit stages.
	for _, stage := range []Matcher{c.exact, c.approximate} {
		if stage == nil {
			continue
		}
		out.StagesRun = append(out.StagesRun, stage.Name())
		cands, err := stage.Match(ctx, req)
		if err != nil {
			return nil, err
		}
		if top := topCandidate(cands); top != nil {
			out.Winner = top
			out.Candidates = cands
			out.ShortCircuit = true
			c.logStages(req, out)
			return out, nil
		}
	}

	var merged []datatypes.Candidate

	// Signal stages.
	if c.keyword != nil {
		out.StagesRun = append(out.StagesRun, c.keyword.Name())
		cands, err := c.keyword.Match(ctx, req)
		if err != nil {
			return nil, err
		}
		if top := topCandidate(cands); top != nil {
			out.Keyword = &StageSignal{IntentCode: top.IntentCode, Score: top.RawScore}
		}
		merged = append(merged, cands...)
	}

	if c.semantic != nil && req.Cfg.SemanticEnabled {
		out.StagesRun = append(out.StagesRun, c.semantic.Name())
		ready := c.probes.SemanticReady == nil || c.probes.SemanticReady(req.TenantID)
		if !ready {
			out.Degraded = true
		} else {
			cands, err := c.semantic.Match(ctx, req)
			if err != nil {
				return nil, err
			}
			if top := topCandidate(cands); top != nil {
				out.Semantic = &StageSignal{IntentCode: top.IntentCode, Score: top.RawScore}
			} else if !c.probes.semanticStillReady(req.TenantID) {
				// The stage lost its capability mid-flight.
				out.Degraded = true
			}
			merged = append(merged, cands...)
		}
	}

	// Escalate only when the signal stages left the outcome weak.
	weak := bestScore(merged) < req.Cfg.Calibration.ConfirmThreshold
	if weak && c.fallback != nil {
		out.StagesRun = append(out.StagesRun, c.fallback.Name())
		ready := c.probes.LLMReady == nil || c.probes.LLMReady()
		if !ready {
			out.Degraded = true
		} else {
			cands, err := c.fallback.Match(ctx, req)
			if err != nil {
				return nil, err
			}
			if top := topCandidate(cands); top != nil {
				if top.Source == datatypes.SourceRAG {
					// Direct case reuse decides alone, like exact.
					out.Winner = top
					out.Candidates = dedupeRanked(append(cands, merged...))
					out.ShortCircuit = true
					c.logStages(req, out)
					return out, nil
				}
				out.LLM = &StageSignal{IntentCode: top.IntentCode, Score: top.RawScore}
			}
			merged = append(merged, cands...)
		}
	}

	out.Candidates = dedupeRanked(merged)
	if len(out.Candidates) > 0 {
		out.Winner = &out.Candidates[0]
	}
	c.logStages(req, out)
	return out, nil
}

func (c *Cascade) logStages(req *MatchRequest, out *Outcome) {
	winner := ""
	if out.Winner != nil {
		winner = out.Winner.IntentCode
	}
	c.logger.Debug("cascade complete",
		"tenant", req.TenantID,
		"stages", out.StagesRun,
		"winner", winner,
		"short_circuit", out.ShortCircuit,
		"degraded", out.Degraded,
	)
}

// semanticStillReady is Probes.SemanticReady with a nil guard.
func (p Probes) semanticStillReady(tenantID string) bool {
	if p.SemanticReady == nil {
		return true
	}
	return p.SemanticReady(tenantID)
}

// bestScore returns the highest raw score in cands, 0 when empty.
func bestScore(cands []datatypes.Candidate) float64 {
	var best float64
	for _, c := range cands {
		if c.RawScore > best {
			best = c.RawScore
		}
	}
	return best
}

// dedupeRanked keeps the best-scored candidate per intent code and
// sorts best first, code as the tiebreak.
func dedupeRanked(cands []datatypes.Candidate) []datatypes.Candidate {
	best := make(map[string]datatypes.Candidate, len(cands))
	for _, c := range cands {
		if prev, ok := best[c.IntentCode]; !ok || c.RawScore > prev.RawScore {
			best[c.IntentCode] = c
		}
	}
	out := make([]datatypes.Candidate, 0, len(best))
	for _, c := range best {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RawScore != out[j].RawScore {
			return out[i].RawScore > out[j].RawScore
		}
		return out[i].IntentCode < out[j].IntentCode
	})
	return out
}
