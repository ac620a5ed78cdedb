// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package learning closes the loop: user feedback and high-confidence
// resolutions become learned expressions and keywords, so the cheap
// stages of the ladder answer tomorrow what the expensive stages
// answered today. Bad learnings age out via the expression sweep.
package learning

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/j4xie/my-prototype-logistics-sub023/services/intent/config"
	"github.com/j4xie/my-prototype-logistics-sub023/services/intent/datatypes"
	"github.com/j4xie/my-prototype-logistics-sub023/services/intent/knowledge"
	"github.com/j4xie/my-prototype-logistics-sub023/services/intent/store"
	"github.com/j4xie/my-prototype-logistics-sub023/services/intent/textproc"
)

// autoLearnedConfidence is what an AUTO expression returns on an exact
// hit. Below a seed's 1.0: the mapping worked once but is unverified.
const autoLearnedConfidence = 0.90

// feedbackConfidence is what a user-confirmed expression returns.
const feedbackConfidence = 0.98

// Loop implements the learning feedback loop.
//
// # Thread Safety
//
// Safe for concurrent use.
type Loop struct {
	store   *store.Store
	catalog *knowledge.Catalog
	logger  *slog.Logger
}

// NewLoop creates a Loop.
func NewLoop(st *store.Store, catalog *knowledge.Catalog, logger *slog.Logger) *Loop {
	if st == nil {
		panic("learning.NewLoop: store must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{store: st, catalog: catalog, logger: logger}
}

// =============================================================================
// Explicit feedback
// =============================================================================

// RecordPositive attaches a confirmation to a sample and promotes its
// utterance to a verified FEEDBACK expression.
func (l *Loop) RecordPositive(ctx context.Context, sampleID string, cfg config.TenantConfig) (*datatypes.TrainingSample, error) {
	sample, err := l.store.AttachFeedback(ctx, sampleID, datatypes.FeedbackConfirmed, "")
	if err != nil {
		return nil, err
	}
	if sample.IntentCode == "" {
		return sample, nil
	}
	if err := l.learnExpression(ctx, sample.TenantID, sample.Input, sample.IntentCode, datatypes.ExprFeedback, true); err != nil {
		l.logger.Warn("learning: positive feedback expression failed",
			"sample", sampleID,
			"error", err.Error(),
		)
	}
	if err := l.learnKeywords(ctx, sample.TenantID, sample.Input, sample.IntentCode, cfg); err != nil {
		l.logger.Warn("learning: keyword extraction failed",
			"sample", sampleID,
			"error", err.Error(),
		)
	}
	return sample, nil
}

// RecordNegative attaches a rejection. The misfiring expression (if the
// resolution came from one) is deactivated so the mistake cannot repeat.
// When corrected names the intended intent, the utterance is re-learned
// against it.
func (l *Loop) RecordNegative(ctx context.Context, sampleID, corrected string, cfg config.TenantConfig) (*datatypes.TrainingSample, error) {
	sample, err := l.store.AttachFeedback(ctx, sampleID, datatypes.FeedbackRejected, corrected)
	if err != nil {
		return nil, err
	}

	hash := textproc.HashUtterance(sample.Input)
	switch sample.Method {
	case datatypes.SourceExact, datatypes.SourceApproximate:
		if err := l.catalog.DeactivateExpression(ctx, sample.TenantID, hash); err != nil {
			l.logger.Warn("learning: expression deactivation failed",
				"sample", sampleID,
				"error", err.Error(),
			)
		}
	}

	if corrected != "" && l.catalog.Exists(ctx, sample.TenantID, corrected) {
		if err := l.learnExpression(ctx, sample.TenantID, sample.Input, corrected, datatypes.ExprFeedback, true); err != nil {
			l.logger.Warn("learning: corrected expression failed",
				"sample", sampleID,
				"error", err.Error(),
			)
		}
	}
	return sample, nil
}

// =============================================================================
// Auto-learning
// =============================================================================

// MaybeAutoLearn promotes a resolution to an AUTO expression when the
// tenant allows it and the confidence clears the auto-learn bar. Exact
// and cache hits are skipped; they are already cheap.
func (l *Loop) MaybeAutoLearn(ctx context.Context, tenantID, input, intentCode string, source datatypes.MatchSource, confidence float64, cfg config.TenantConfig) {
	if !cfg.AutoLearnEnabled {
		return
	}
	if confidence < cfg.AutoLearnMinConfidence {
		return
	}
	switch source {
	case datatypes.SourceExact, datatypes.SourceCache:
		return
	}
	if err := l.learnExpression(ctx, tenantID, input, intentCode, datatypes.ExprAuto, false); err != nil {
		l.logger.Warn("learning: auto-learn failed",
			"tenant", tenantID,
			"intent", intentCode,
			"error", err.Error(),
		)
	}
}

// LearnFromSession promotes a completed conversation's original
// utterance: the user explicitly confirmed the mapping by finishing the
// dialogue.
func (l *Loop) LearnFromSession(ctx context.Context, sess *datatypes.ConversationSession) {
	if sess.IntentCode == "" || sess.OriginalUtterance == "" {
		return
	}
	if err := l.learnExpression(ctx, sess.TenantID, sess.OriginalUtterance, sess.IntentCode, datatypes.ExprFeedback, true); err != nil {
		l.logger.Warn("learning: session expression failed",
			"session", sess.ID,
			"error", err.Error(),
		)
	}
}

// learnExpression stores (or upgrades) an expression. Dedup is by
// normalized-text hash: an existing expression for the same text keeps
// its hit counter and is upgraded, never downgraded.
func (l *Loop) learnExpression(ctx context.Context, tenantID, input, intentCode string, source datatypes.ExpressionSource, verified bool) error {
	text := textproc.Normalize(input)
	if text == "" {
		return fmt.Errorf("learning: empty expression text")
	}
	hash := textproc.Hash(text)

	confidence := autoLearnedConfidence
	if verified {
		confidence = feedbackConfidence
	}

	existing, err := l.store.GetExpression(ctx, tenantID, hash)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if existing != nil {
		// Upgrade only: verified stays verified, confidence only rises,
		// a deactivated expression is revived by explicit feedback.
		existing.IntentCode = intentCode
		existing.Verified = existing.Verified || verified
		if confidence > existing.Confidence {
			existing.Confidence = confidence
		}
		if verified {
			existing.Active = true
			existing.Source = datatypes.ExprFeedback
		}
		if err := l.store.PutExpression(ctx, existing); err != nil {
			return err
		}
		l.catalog.Invalidate(tenantID)
		return nil
	}

	return l.catalog.AddExpression(ctx, &datatypes.LearnedExpression{
		TenantID:   tenantID,
		IntentCode: intentCode,
		Text:       text,
		Confidence: confidence,
		Source:     source,
		Verified:   verified,
		Active:     true,
	})
}

// learnKeywords extracts content tokens absent from the intent's current
// keyword set and appends up to MaxNewKeywords of them at weight 1.
func (l *Loop) learnKeywords(ctx context.Context, tenantID, input, intentCode string, cfg config.TenantConfig) error {
	if cfg.MaxNewKeywords <= 0 {
		return nil
	}
	def, err := l.catalog.Get(ctx, tenantID, intentCode)
	if err != nil {
		return err
	}

	existing := make(map[string]bool, len(def.Keywords))
	for _, kw := range def.Keywords {
		existing[kw.Text] = true
	}

	tokens := textproc.ContentTokens(textproc.Normalize(input))
	var added []datatypes.WeightedKeyword
	for _, t := range tokens {
		if existing[t] {
			continue
		}
		added = append(added, datatypes.WeightedKeyword{Text: t, Weight: 1.0, Source: "feedback"})
		existing[t] = true
		if len(added) >= cfg.MaxNewKeywords {
			break
		}
	}
	if len(added) == 0 {
		return nil
	}

	// Tenant-scope copy-on-write: learning from one tenant's feedback
	// must not edit the platform catalog.
	learned := *def
	learned.TenantID = tenantID
	learned.Keywords = append(append([]datatypes.WeightedKeyword{}, def.Keywords...), added...)
	if err := l.catalog.UpsertIntent(ctx, &learned); err != nil {
		return err
	}
	l.logger.Info("learning: keywords added",
		"tenant", tenantID,
		"intent", intentCode,
		"count", len(added),
	)
	return nil
}

// =============================================================================
// Expression aging
// =============================================================================

// SweepExpressions deactivates stale unverified expressions: AUTO
// expressions older than the aging window that never accumulated the
// minimum hit count. Verified and seed expressions are never aged.
// Returns the number deactivated.
func (l *Loop) SweepExpressions(ctx context.Context, tenantID string, cfg config.TenantConfig) (int, error) {
	if cfg.ExpressionAgingDays <= 0 {
		return 0, nil
	}
	cutoff := time.Now().AddDate(0, 0, -cfg.ExpressionAgingDays)

	exprs, err := l.store.ListExpressions(ctx, tenantID)
	if err != nil {
		return 0, err
	}
	aged := 0
	for _, e := range exprs {
		if !e.Active || e.Verified || e.Source != datatypes.ExprAuto {
			continue
		}
		if e.CreatedAt.After(cutoff) {
			continue
		}
		if e.HitCount >= int64(cfg.ExpressionMinHits) {
			continue
		}
		if err := l.store.DeactivateExpression(ctx, tenantID, e.Hash); err != nil {
			return aged, err
		}
		aged++
	}
	if aged > 0 {
		l.catalog.Invalidate(tenantID)
		l.logger.Info("learning: expressions aged out",
			"tenant", tenantID,
			"count", aged,
		)
	}
	return aged, nil
}
