// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package calibration

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/j4xie/my-prototype-logistics-sub023/services/intent/datatypes"
	"github.com/j4xie/my-prototype-logistics-sub023/services/intent/store"
)

// Users follow workflows: clocking in is often followed by a KPI query,
// a work order by a shipment. The transition matrix captures that as
// P(next intent | previous intent), Laplace-smoothed so unseen
// transitions get a small nonzero prior instead of zero.

// Matrix is an immutable per-tenant transition snapshot. Built whole,
// swapped whole, never mutated.
type Matrix struct {
	counts  map[string]map[string]int64 // from → to → count
	rowSums map[string]int64
	// numIntents is |intents| in the Laplace denominator: the size of
	// the tenant's live catalog at build time.
	numIntents int
	alpha      float64
}

// NewMatrix builds a snapshot from raw counts. numIntents must be the
// live catalog size; alpha <= 0 defaults to 1 (add-one smoothing).
func NewMatrix(counts map[string]map[string]int64, numIntents int, alpha float64) *Matrix {
	if alpha <= 0 {
		alpha = 1.0
	}
	rowSums := make(map[string]int64, len(counts))
	for from, row := range counts {
		var sum int64
		for _, n := range row {
			sum += n
		}
		rowSums[from] = sum
	}
	return &Matrix{counts: counts, rowSums: rowSums, numIntents: numIntents, alpha: alpha}
}

// Prob returns the smoothed P(to | from):
//
//	(count(from,to) + α) / (Σ_to' count(from,to') + α·|intents|)
//
// Unknown rows fall back to the uniform prior 1/|intents|.
func (m *Matrix) Prob(from, to string) float64 {
	if m == nil || m.numIntents == 0 {
		return 0
	}
	var count int64
	if row, ok := m.counts[from]; ok {
		count = row[to]
	}
	denom := float64(m.rowSums[from]) + m.alpha*float64(m.numIntents)
	if denom == 0 {
		return 0
	}
	return (float64(count) + m.alpha) / denom
}

// Counts returns a deep copy of the raw counts, for persistence and the
// admin surface.
func (m *Matrix) Counts() map[string]map[string]int64 {
	out := make(map[string]map[string]int64, len(m.counts))
	for from, row := range m.counts {
		cp := make(map[string]int64, len(row))
		for to, n := range row {
			cp[to] = n
		}
		out[from] = cp
	}
	return out
}

// =============================================================================
// TransitionTracker
// =============================================================================

// rebuildWindow bounds how far back the sample scan reaches on rebuild.
// Ninety days of behavior is plenty for workflow priors; older habits
// should not pin the matrix.
const rebuildWindow = 90 * 24 * time.Hour

// CatalogSizer reports a tenant's live intent count, the |intents| term.
type CatalogSizer func(ctx context.Context, tenantID string) (int, error)

// TransitionTracker owns the per-tenant matrices: live increments on
// every resolution, periodic rebuilds from the sample log, persistence
// across restarts.
//
// # Thread Safety
//
// Safe for concurrent use. Reads see consistent snapshots.
type TransitionTracker struct {
	store  *store.Store
	sizer  CatalogSizer
	alpha  float64
	logger *slog.Logger

	mu       sync.RWMutex
	matrices map[string]*Matrix
}

// NewTransitionTracker creates a tracker. alpha <= 0 defaults to 1.
func NewTransitionTracker(st *store.Store, sizer CatalogSizer, alpha float64, logger *slog.Logger) *TransitionTracker {
	if st == nil {
		panic("calibration.NewTransitionTracker: store must not be nil")
	}
	if alpha <= 0 {
		alpha = 1.0
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TransitionTracker{
		store:    st,
		sizer:    sizer,
		alpha:    alpha,
		logger:   logger,
		matrices: make(map[string]*Matrix),
	}
}

// Load restores a tenant's persisted snapshot, if one exists.
func (t *TransitionTracker) Load(ctx context.Context, tenantID string) error {
	counts, err := t.store.LoadTransitionCounts(ctx, tenantID)
	if err != nil {
		return err
	}
	if counts == nil {
		return nil
	}
	size := 0
	if t.sizer != nil {
		if size, err = t.sizer(ctx, tenantID); err != nil {
			return err
		}
	}
	t.swap(tenantID, NewMatrix(counts, size, t.alpha))
	return nil
}

// Matrix returns the tenant's current snapshot, nil when none exists.
func (t *TransitionTracker) Matrix(tenantID string) *Matrix {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.matrices[tenantID]
}

// Prob is a nil-safe P(to|from) for the tenant. Returns (0, false) when
// no matrix exists yet.
func (t *TransitionTracker) Prob(tenantID, from, to string) (float64, bool) {
	m := t.Matrix(tenantID)
	if m == nil || from == "" || to == "" {
		return 0, false
	}
	return m.Prob(from, to), true
}

// Record increments one observed transition in place by rebuilding the
// snapshot with the bumped count. Copy cost is fine: matrices are
// |intents|², tens of rows.
func (t *TransitionTracker) Record(tenantID, from, to string) {
	if from == "" || to == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	m := t.matrices[tenantID]
	var counts map[string]map[string]int64
	size := 0
	if m != nil {
		counts = m.Counts()
		size = m.numIntents
	} else {
		counts = make(map[string]map[string]int64)
	}
	if counts[from] == nil {
		counts[from] = make(map[string]int64)
	}
	counts[from][to]++
	t.matrices[tenantID] = NewMatrix(counts, size, t.alpha)
}

// Rebuild recomputes a tenant's matrix from the sample log and persists
// the counts. Uncorrected rejections are excluded.
func (t *TransitionTracker) Rebuild(ctx context.Context, tenantID string) error {
	counts := make(map[string]map[string]int64)
	since := time.Now().Add(-rebuildWindow)
	err := t.store.ScanSamples(ctx, tenantID, since, func(s *datatypes.TrainingSample) error {
		// An uncorrected rejection is not evidence of anything; a corrected
		// one tells us the step the user actually took.
		if s.Feedback == datatypes.FeedbackRejected && s.CorrectedIntentCode == "" {
			return nil
		}
		to := s.IntentCode
		if s.CorrectedIntentCode != "" {
			to = s.CorrectedIntentCode
		}
		if s.PrevIntentCode == "" || to == "" {
			return nil
		}
		if counts[s.PrevIntentCode] == nil {
			counts[s.PrevIntentCode] = make(map[string]int64)
		}
		counts[s.PrevIntentCode][to]++
		return nil
	})
	if err != nil {
		return err
	}

	size := 0
	if t.sizer != nil {
		if size, err = t.sizer(ctx, tenantID); err != nil {
			return err
		}
	}
	t.swap(tenantID, NewMatrix(counts, size, t.alpha))

	if err := t.store.SaveTransitionCounts(ctx, tenantID, counts); err != nil {
		t.logger.Warn("transition: persist failed", "tenant", tenantID, "error", err.Error())
	}
	t.logger.Debug("transition: rebuilt",
		"tenant", tenantID,
		"rows", len(counts),
		"intents", size,
	)
	return nil
}

// SetCatalogSize refreshes |intents| for a tenant after catalog writes.
func (t *TransitionTracker) SetCatalogSize(tenantID string, size int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m := t.matrices[tenantID]
	if m == nil {
		t.matrices[tenantID] = NewMatrix(make(map[string]map[string]int64), size, t.alpha)
		return
	}
	t.matrices[tenantID] = NewMatrix(m.Counts(), size, t.alpha)
}

func (t *TransitionTracker) swap(tenantID string, m *Matrix) {
	t.mu.Lock()
	t.matrices[tenantID] = m
	t.mu.Unlock()
}

// Tenants returns the tenant ids with a loaded matrix.
func (t *TransitionTracker) Tenants() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.matrices))
	for id := range t.matrices {
		out = append(out, id)
	}
	return out
}
