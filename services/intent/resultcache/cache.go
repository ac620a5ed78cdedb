// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package resultcache is the two-level semantic result cache.
//
// Level 1 is an exact lookup by normalized-utterance hash. Level 2 scans
// the tenant's entries for cosine similarity against the input vector,
// at a threshold deliberately stricter than the semantic matcher's: a
// cache replays a full prior resolution (including its execution
// result), so a borderline paraphrase must miss here and re-resolve.
//
// Entries live in memory for speed and write through to BadgerDB with
// native TTL for restart survival. The in-memory tier lazily rehydrates
// per tenant from the persistent tier.
package resultcache

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/j4xie/my-prototype-logistics-sub023/services/intent/datatypes"
	"github.com/j4xie/my-prototype-logistics-sub023/services/intent/embedding"
	"github.com/j4xie/my-prototype-logistics-sub023/services/intent/store"
)

// Hit is one cache lookup result.
type Hit struct {
	Entry *datatypes.SemanticCacheEntry
	Level datatypes.CacheHitLevel

	// Similarity is the cosine similarity for SEMANTIC hits, 1.0 for EXACT.
	Similarity float64
}

// tenantTier is one tenant's in-memory entries.
type tenantTier struct {
	entries  map[string]*datatypes.SemanticCacheEntry // hash → entry
	hydrated bool
}

// Cache is the two-level semantic result cache.
//
// # Thread Safety
//
// Safe for concurrent use.
type Cache struct {
	store  *store.Store
	logger *slog.Logger

	mu      sync.RWMutex
	tenants map[string]*tenantTier
}

// New creates a Cache over the persistence store.
func New(st *store.Store, logger *slog.Logger) *Cache {
	if st == nil {
		panic("resultcache.New: store must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		store:   st,
		logger:  logger,
		tenants: make(map[string]*tenantTier),
	}
}

// tier returns the tenant's in-memory tier, rehydrating it from BadgerDB
// on first access.
func (c *Cache) tier(ctx context.Context, tenantID string) *tenantTier {
	c.mu.RLock()
	t, ok := c.tenants[tenantID]
	c.mu.RUnlock()
	if ok && t.hydrated {
		return t
	}

	entries := make(map[string]*datatypes.SemanticCacheEntry)
	err := c.store.ScanResultEntries(ctx, tenantID, func(e *datatypes.SemanticCacheEntry) error {
		entries[e.Hash] = e
		return nil
	})
	if err != nil {
		c.logger.Warn("result cache: rehydrate failed, starting empty",
			"tenant", tenantID,
			"error", err.Error(),
		)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.tenants[tenantID]; ok && existing.hydrated {
		return existing
	}
	t = &tenantTier{entries: entries, hydrated: true}
	c.tenants[tenantID] = t
	return t
}

// Lookup checks level 1 (hash) then level 2 (cosine vs queryVec, when
// non-nil) for a live entry. Returns nil on miss. Hit counters update
// in memory immediately and persist best-effort.
func (c *Cache) Lookup(ctx context.Context, tenantID, hash string, queryVec []float32, semanticThreshold float64) *Hit {
	t := c.tier(ctx, tenantID)
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	// Level 1: exact.
	if e, ok := t.entries[hash]; ok {
		if now.After(e.ExpiresAt) {
			delete(t.entries, hash)
		} else {
			e.ExactHits++
			c.persistAsync(e)
			return &Hit{Entry: e, Level: datatypes.CacheHitExact, Similarity: 1.0}
		}
	}

	// Level 2: semantic.
	if queryVec == nil || semanticThreshold <= 0 {
		return nil
	}
	var best *datatypes.SemanticCacheEntry
	var bestSim float64
	for h, e := range t.entries {
		if now.After(e.ExpiresAt) {
			delete(t.entries, h)
			continue
		}
		if len(e.Embedding) == 0 {
			continue
		}
		sim := embedding.Dot(queryVec, e.Embedding)
		if sim >= semanticThreshold && sim > bestSim {
			best, bestSim = e, sim
		}
	}
	if best == nil {
		return nil
	}
	best.SemanticHits++
	c.persistAsync(best)
	return &Hit{Entry: best, Level: datatypes.CacheHitSemantic, Similarity: bestSim}
}

// persistAsync writes an updated entry back to BadgerDB off the hot
// path. Called with mu held; the copy is taken synchronously.
func (c *Cache) persistAsync(e *datatypes.SemanticCacheEntry) {
	cp := *e
	ttl := time.Until(e.ExpiresAt)
	if ttl <= 0 {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := c.store.PutResultEntry(ctx, &cp, ttl); err != nil {
			c.logger.Warn("result cache: hit counter persist failed", "hash", cp.Hash, "error", err.Error())
		}
	}()
}

// Store inserts a resolution into both tiers. Storing the same hash
// twice replaces the entry; the cache is idempotent per utterance.
func (c *Cache) Store(ctx context.Context, entry *datatypes.SemanticCacheEntry, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	now := time.Now()
	entry.CreatedAt = now
	entry.ExpiresAt = now.Add(ttl)

	if err := c.store.PutResultEntry(ctx, entry, ttl); err != nil {
		return err
	}
	t := c.tier(ctx, entry.TenantID)
	c.mu.Lock()
	t.entries[entry.Hash] = entry
	c.mu.Unlock()
	return nil
}

// InvalidateIntent removes every entry pointing at one intent code, in
// both tiers. Called when a definition changes: the cached resolution
// may now carry stale metadata or a wrong answer.
func (c *Cache) InvalidateIntent(ctx context.Context, tenantID, intentCode string) (int, error) {
	t := c.tier(ctx, tenantID)

	c.mu.Lock()
	var victims []string
	for h, e := range t.entries {
		if e.IntentCode == intentCode {
			victims = append(victims, h)
			delete(t.entries, h)
		}
	}
	c.mu.Unlock()

	for _, h := range victims {
		if err := c.store.DeleteResultEntry(ctx, tenantID, h); err != nil {
			return len(victims), err
		}
	}
	return len(victims), nil
}

// Flush drops a tenant's entire cache, both tiers. Returns the number of
// persistent entries removed.
func (c *Cache) Flush(ctx context.Context, tenantID string) (int, error) {
	c.mu.Lock()
	delete(c.tenants, tenantID)
	c.mu.Unlock()
	return c.store.FlushResultEntries(ctx, tenantID)
}

// Stats summarizes one tenant's in-memory tier.
type Stats struct {
	Entries      int   `json:"entries"`
	ExactHits    int64 `json:"exact_hits"`
	SemanticHits int64 `json:"semantic_hits"`
}

// TenantStats reports entry and hit counts for the admin surface.
func (c *Cache) TenantStats(ctx context.Context, tenantID string) Stats {
	t := c.tier(ctx, tenantID)
	c.mu.RLock()
	defer c.mu.RUnlock()
	st := Stats{Entries: len(t.entries)}
	for _, e := range t.entries {
		st.ExactHits += e.ExactHits
		st.SemanticHits += e.SemanticHits
	}
	return st
}
