// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package calibration turns raw matcher scores into a final confidence
// and a recommended action. Fusion is a fixed weighted sum over four
// sources; absent sources contribute zero and the weights are NOT
// renormalized — missing evidence should lower confidence, not leave it
// untouched.
package calibration

import (
	"github.com/j4xie/my-prototype-logistics-sub023/services/intent/config"
	"github.com/j4xie/my-prototype-logistics-sub023/services/intent/datatypes"
)

// Inputs carries the per-source scores for one fusion. A false presence
// flag means the source produced nothing; its score is ignored.
type Inputs struct {
	LLM         float64
	HasLLM      bool
	Semantic    float64
	HasSemantic bool
	Keyword     float64
	HasKeyword  bool

	// Transition is P(candidate | previous intent) from the tenant's
	// transition matrix.
	Transition    float64
	HasTransition bool
}

// Result is the fused confidence, its per-source components, and the
// banded action.
type Result struct {
	Final      float64
	Components map[string]float64
	Action     datatypes.RecommendedAction
}

// Fuse computes the weighted sum and bands it into an action.
func Fuse(in Inputs, cfg config.CalibrationConfig) Result {
	components := make(map[string]float64, 4)
	var final float64

	if in.HasLLM {
		c := cfg.LLMWeight * clamp01(in.LLM)
		components["llm"] = c
		final += c
	}
	if in.HasSemantic {
		c := cfg.SemanticWeight * clamp01(in.Semantic)
		components["semantic"] = c
		final += c
	}
	if in.HasKeyword {
		c := cfg.KeywordWeight * clamp01(in.Keyword)
		components["keyword"] = c
		final += c
	}
	if in.HasTransition {
		c := cfg.TransitionWeight * clamp01(in.Transition)
		components["transition"] = c
		final += c
	}
	final = clamp01(final)

	return Result{
		Final:      final,
		Components: components,
		Action:     BandAction(final, cfg),
	}
}

// BandAction maps a confidence to the recommended action. Bands are
// closed at the bottom: a confidence exactly on a threshold gets the
// stronger action.
func BandAction(confidence float64, cfg config.CalibrationConfig) datatypes.RecommendedAction {
	switch {
	case confidence >= cfg.ExecuteThreshold:
		return datatypes.ActionExecute
	case confidence >= cfg.ConfirmThreshold:
		return datatypes.ActionConfirm
	case confidence >= cfg.ClarifyThreshold:
		return datatypes.ActionShowCandidates
	default:
		return datatypes.ActionClarify
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
