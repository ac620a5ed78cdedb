// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package embedding

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/j4xie/my-prototype-logistics-sub023/services/intent/datatypes"
)

// warmConcurrency bounds parallel embedding calls during warm-up.
const warmConcurrency = 10

// VectorStore persists phrase vectors between restarts. Nil-safe at the
// cache: a nil store means in-memory-only mode, which is what tests use.
type VectorStore interface {
	// LoadVectors returns (nil, nil) on miss, (vectors, nil) on hit.
	LoadVectors(ctx context.Context, corpusHash string) (map[string][]float32, error)

	// SaveVectors persists unit-normalized vectors under the corpus hash.
	SaveVectors(ctx context.Context, corpusHash string, vectors map[string][]float32, ttl time.Duration) error
}

// CorpusHasher computes the persistence key from phrases + model name.
type CorpusHasher func(phrases []string, model string) string

// tenantVectors is one tenant's immutable warmed state. Replaced whole
// on re-warm, never mutated in place.
type tenantVectors struct {
	vectors map[string][]float32 // expression hash → unit-normalized vector
	warmed  bool
}

// PhraseVectorCache holds unit-normalized vectors for every active
// expression of each tenant scope. The semantic matcher dots the query
// vector against these.
//
// # Description
//
// Warm loads persisted vectors by corpus hash when available, otherwise
// embeds every phrase through the Client with bounded concurrency. A
// phrase that fails to embed is skipped with a warning; it simply cannot
// match semantically until the next warm. Catalog writes invalidate the
// tenant; the owner re-warms in the background while readers keep the
// previous snapshot.
//
// # Thread Safety
//
// Safe for concurrent use. Warm for the same tenant must not run
// concurrently with itself; the resolver serializes warms per tenant.
type PhraseVectorCache struct {
	client Client
	store  VectorStore
	hasher CorpusHasher
	logger *slog.Logger

	mu      sync.RWMutex
	tenants map[string]*tenantVectors
}

// NewPhraseVectorCache creates an unwarmed cache. store may be nil.
func NewPhraseVectorCache(client Client, store VectorStore, hasher CorpusHasher, logger *slog.Logger) *PhraseVectorCache {
	if client == nil {
		panic("embedding.NewPhraseVectorCache: client must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PhraseVectorCache{
		client:  client,
		store:   store,
		hasher:  hasher,
		logger:  logger,
		tenants: make(map[string]*tenantVectors),
	}
}

// Warm computes (or loads) vectors for one tenant scope's expressions and
// swaps them in. exprs is the merged active expression set; changes to it
// change the corpus hash, which invalidates the persisted entry.
func (c *PhraseVectorCache) Warm(ctx context.Context, tenantID string, exprs []*datatypes.LearnedExpression) error {
	if len(exprs) == 0 {
		c.swap(tenantID, &tenantVectors{vectors: map[string][]float32{}, warmed: true})
		return nil
	}

	phrases := make([]string, len(exprs))
	for i, e := range exprs {
		phrases[i] = e.Text
	}
	var corpusHash string
	if c.hasher != nil {
		corpusHash = c.hasher(phrases, c.client.Model())
	}

	if c.store != nil && corpusHash != "" {
		cached, err := c.store.LoadVectors(ctx, corpusHash)
		if err != nil {
			c.logger.Warn("phrase cache: store load failed, warming from scratch",
				"tenant", tenantID,
				"error", err.Error(),
			)
		} else if len(cached) > 0 {
			c.swap(tenantID, &tenantVectors{vectors: cached, warmed: true})
			c.logger.Info("phrase cache: loaded persisted vectors",
				"tenant", tenantID,
				"phrase_count", len(cached),
			)
			return nil
		}
	}

	c.logger.Info("phrase cache: starting warm-up",
		"tenant", tenantID,
		"phrase_count", len(exprs),
		"model", c.client.Model(),
	)

	type result struct {
		hash   string
		vector []float32
	}
	resultCh := make(chan result, len(exprs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(warmConcurrency)

	for _, expr := range exprs {
		e := expr
		g.Go(func() error {
			vec, err := c.client.Encode(gctx, e.Text)
			if err != nil {
				c.logger.Warn("phrase cache: failed to embed phrase",
					"tenant", tenantID,
					"hash", e.Hash,
					"error", err.Error(),
				)
				// Individual failure is not fatal.
				return nil
			}
			if unit := UnitNormalize(vec); unit != nil {
				resultCh <- result{hash: e.Hash, vector: unit}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	close(resultCh)

	vectors := make(map[string][]float32, len(exprs))
	for r := range resultCh {
		vectors[r.hash] = r.vector
	}
	c.swap(tenantID, &tenantVectors{vectors: vectors, warmed: len(vectors) > 0})

	c.logger.Info("phrase cache: warm-up complete",
		"tenant", tenantID,
		"embedded", len(vectors),
		"requested", len(exprs),
	)

	// Persist after the swap; failure just means recompute next restart.
	if c.store != nil && corpusHash != "" && len(vectors) > 0 {
		if err := c.store.SaveVectors(ctx, corpusHash, vectors, 0); err != nil {
			c.logger.Warn("phrase cache: failed to persist vectors",
				"tenant", tenantID,
				"error", err.Error(),
			)
		}
	}
	return nil
}

// swap installs a tenant's new snapshot.
func (c *PhraseVectorCache) swap(tenantID string, tv *tenantVectors) {
	c.mu.Lock()
	c.tenants[tenantID] = tv
	c.mu.Unlock()
}

// Invalidate drops a tenant's warmed state. Readers see unwarmed (and the
// semantic stage degrades) until the next Warm completes.
func (c *PhraseVectorCache) Invalidate(tenantID string) {
	c.mu.Lock()
	delete(c.tenants, tenantID)
	c.mu.Unlock()
}

// Vector returns the unit-normalized vector for one expression hash.
func (c *PhraseVectorCache) Vector(tenantID, hash string) ([]float32, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	tv, ok := c.tenants[tenantID]
	if !ok || !tv.warmed {
		return nil, false
	}
	v, ok := tv.vectors[hash]
	return v, ok
}

// Vectors returns the tenant's full snapshot map and whether the tenant
// is warmed. Callers must treat the map as read-only.
func (c *PhraseVectorCache) Vectors(tenantID string) (map[string][]float32, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	tv, ok := c.tenants[tenantID]
	if !ok || !tv.warmed {
		return nil, false
	}
	return tv.vectors, true
}

// IsWarmed reports whether a tenant scope completed a warm.
func (c *PhraseVectorCache) IsWarmed(tenantID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	tv, ok := c.tenants[tenantID]
	return ok && tv.warmed
}
