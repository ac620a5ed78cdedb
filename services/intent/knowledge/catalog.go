// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package knowledge owns the intent catalog: definitions and learned
// expressions, merged across the platform scope and one tenant scope.
//
// The catalog is read-heavy (every matcher stage consults it), so it keeps
// immutable per-tenant snapshots in memory, rebuilt from the store on write
// or on explicit invalidation. Readers see a consistent snapshot; writers
// pay the rebuild.
package knowledge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/j4xie/my-prototype-logistics-sub023/services/intent/datatypes"
	"github.com/j4xie/my-prototype-logistics-sub023/services/intent/store"
	"github.com/j4xie/my-prototype-logistics-sub023/services/intent/textproc"
)

// snapshot is one tenant scope's immutable view. Never mutated after build.
// Inactive expressions are kept: a tenant-scoped inactive entry masks the
// platform expression with the same hash, like definition tombstones.
type snapshot struct {
	defs  map[string]*datatypes.IntentDefinition  // code → def (incl. tombstones)
	exprs map[string]*datatypes.LearnedExpression // hash → expression (incl. masks)
}

// Catalog merges the platform intent catalog with per-tenant overrides.
//
// # Thread Safety
//
// Safe for concurrent use. Snapshots are copy-on-write.
type Catalog struct {
	store  *store.Store
	logger *slog.Logger

	mu    sync.RWMutex
	scope map[string]*snapshot // tenant id → snapshot ("" = platform)

	changeMu sync.Mutex
	onChange []func(tenantID string)
}

// NewCatalog creates a Catalog over the given store.
func NewCatalog(st *store.Store, logger *slog.Logger) *Catalog {
	if st == nil {
		panic("knowledge.NewCatalog: store must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalog{
		store:  st,
		logger: logger,
		scope:  make(map[string]*snapshot),
	}
}

// OnChange registers a callback invoked after any write invalidates a
// tenant scope. Callbacks must not block; the catalog calls them inline.
func (c *Catalog) OnChange(fn func(tenantID string)) {
	c.changeMu.Lock()
	defer c.changeMu.Unlock()
	c.onChange = append(c.onChange, fn)
}

func (c *Catalog) notify(tenantID string) {
	c.changeMu.Lock()
	fns := make([]func(string), len(c.onChange))
	copy(fns, c.onChange)
	c.changeMu.Unlock()
	for _, fn := range fns {
		fn(tenantID)
	}
}

// =============================================================================
// Snapshot loading
// =============================================================================

// load returns the scope's snapshot, building it from the store on first
// access after an invalidation.
func (c *Catalog) load(ctx context.Context, tenantID string) (*snapshot, error) {
	c.mu.RLock()
	snap, ok := c.scope[tenantID]
	c.mu.RUnlock()
	if ok {
		return snap, nil
	}

	defs, err := c.store.ListAllIntents(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("catalog load defs %q: %w", tenantID, err)
	}
	exprs, err := c.store.ListExpressions(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("catalog load expressions %q: %w", tenantID, err)
	}

	snap = &snapshot{
		defs:  make(map[string]*datatypes.IntentDefinition, len(defs)),
		exprs: make(map[string]*datatypes.LearnedExpression, len(exprs)),
	}
	for _, d := range defs {
		snap.defs[d.Code] = d
	}
	for _, e := range exprs {
		snap.exprs[e.Hash] = e
	}

	c.mu.Lock()
	// Another goroutine may have built the same snapshot; keep the first.
	if existing, ok := c.scope[tenantID]; ok {
		snap = existing
	} else {
		c.scope[tenantID] = snap
	}
	c.mu.Unlock()
	return snap, nil
}

// Invalidate drops the cached snapshot for one tenant scope.
func (c *Catalog) Invalidate(tenantID string) {
	c.mu.Lock()
	delete(c.scope, tenantID)
	c.mu.Unlock()
	c.notify(tenantID)
}

// =============================================================================
// Read API
// =============================================================================

// Definitions returns the live merged definitions for a tenant: platform
// defaults overlaid by the tenant's own definitions, with tenant tombstones
// masking platform entries. Sorted by code for deterministic candidate
// ordering.
func (c *Catalog) Definitions(ctx context.Context, tenantID string) ([]*datatypes.IntentDefinition, error) {
	platform, err := c.load(ctx, datatypes.PlatformTenant)
	if err != nil {
		return nil, err
	}
	merged := make(map[string]*datatypes.IntentDefinition, len(platform.defs))
	for code, d := range platform.defs {
		if !d.Deleted {
			merged[code] = d
		}
	}
	if tenantID != datatypes.PlatformTenant {
		tenant, err := c.load(ctx, tenantID)
		if err != nil {
			return nil, err
		}
		for code, d := range tenant.defs {
			if d.Deleted {
				delete(merged, code)
			} else {
				merged[code] = d
			}
		}
	}
	out := make([]*datatypes.IntentDefinition, 0, len(merged))
	for _, d := range merged {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

// Get returns the effective definition for one code, tenant scope first.
func (c *Catalog) Get(ctx context.Context, tenantID, code string) (*datatypes.IntentDefinition, error) {
	if tenantID != datatypes.PlatformTenant {
		tenant, err := c.load(ctx, tenantID)
		if err != nil {
			return nil, err
		}
		if d, ok := tenant.defs[code]; ok {
			if d.Deleted {
				return nil, store.ErrNotFound
			}
			return d, nil
		}
	}
	platform, err := c.load(ctx, datatypes.PlatformTenant)
	if err != nil {
		return nil, err
	}
	if d, ok := platform.defs[code]; ok && !d.Deleted {
		return d, nil
	}
	return nil, store.ErrNotFound
}

// Exists reports whether code resolves to a live definition. The LLM
// fallback uses this as its hallucination guard.
func (c *Catalog) Exists(ctx context.Context, tenantID, code string) bool {
	_, err := c.Get(ctx, tenantID, code)
	return err == nil
}

// ExpressionByHash resolves an active expression, tenant scope first.
// An inactive tenant-scoped entry masks the platform expression with the
// same hash. The winning expression must also point at a live intent.
func (c *Catalog) ExpressionByHash(ctx context.Context, tenantID, hash string) (*datatypes.LearnedExpression, error) {
	scopes := []string{tenantID}
	if tenantID != datatypes.PlatformTenant {
		scopes = append(scopes, datatypes.PlatformTenant)
	}
	for _, scope := range scopes {
		snap, err := c.load(ctx, scope)
		if err != nil {
			return nil, err
		}
		expr, ok := snap.exprs[hash]
		if !ok {
			continue
		}
		if !expr.Active {
			return nil, store.ErrNotFound
		}
		if !c.Exists(ctx, tenantID, expr.IntentCode) {
			continue
		}
		return expr, nil
	}
	return nil, store.ErrNotFound
}

// Expressions returns the merged active expressions for a tenant: platform
// plus tenant, tenant winning on hash collision (so an inactive tenant
// entry removes the platform one). Only expressions pointing at live
// intents are included.
func (c *Catalog) Expressions(ctx context.Context, tenantID string) ([]*datatypes.LearnedExpression, error) {
	platform, err := c.load(ctx, datatypes.PlatformTenant)
	if err != nil {
		return nil, err
	}
	merged := make(map[string]*datatypes.LearnedExpression, len(platform.exprs))
	for hash, e := range platform.exprs {
		merged[hash] = e
	}
	if tenantID != datatypes.PlatformTenant {
		tenant, err := c.load(ctx, tenantID)
		if err != nil {
			return nil, err
		}
		for hash, e := range tenant.exprs {
			merged[hash] = e
		}
	}
	out := make([]*datatypes.LearnedExpression, 0, len(merged))
	for _, e := range merged {
		if e.Active && c.Exists(ctx, tenantID, e.IntentCode) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hash < out[j].Hash })
	return out, nil
}

// =============================================================================
// Write API
// =============================================================================

// UpsertIntent writes a definition and invalidates its scope.
func (c *Catalog) UpsertIntent(ctx context.Context, def *datatypes.IntentDefinition) error {
	normalizeKeywords(def)
	if err := c.store.PutIntent(ctx, def); err != nil {
		return err
	}
	c.Invalidate(def.TenantID)
	return nil
}

// DeleteIntent soft-deletes a definition and invalidates its scope.
func (c *Catalog) DeleteIntent(ctx context.Context, tenantID, code string) error {
	if err := c.store.DeleteIntent(ctx, tenantID, code); err != nil {
		return err
	}
	c.Invalidate(tenantID)
	return nil
}

// AddExpression stores an expression and invalidates its scope. The text
// is normalized and hashed here so callers cannot disagree on the key.
func (c *Catalog) AddExpression(ctx context.Context, expr *datatypes.LearnedExpression) error {
	expr.Text = textproc.Normalize(expr.Text)
	if expr.Text == "" {
		return fmt.Errorf("knowledge: expression text must not be empty")
	}
	expr.Hash = textproc.Hash(expr.Text)
	if expr.CreatedAt.IsZero() {
		expr.CreatedAt = time.Now().UTC()
	}
	if err := c.store.PutExpression(ctx, expr); err != nil {
		return err
	}
	c.Invalidate(expr.TenantID)
	return nil
}

// DeactivateExpression marks an expression inactive and invalidates. When
// the expression lives in platform scope, the tenant cannot edit it; an
// inactive tenant-scoped shadow is written instead, masking the platform
// entry for this tenant only.
func (c *Catalog) DeactivateExpression(ctx context.Context, tenantID, hash string) error {
	_, err := c.store.GetExpression(ctx, tenantID, hash)
	switch {
	case err == nil:
		if err := c.store.DeactivateExpression(ctx, tenantID, hash); err != nil {
			return err
		}
	case errors.Is(err, store.ErrNotFound) && tenantID != datatypes.PlatformTenant:
		platform, perr := c.store.GetExpression(ctx, datatypes.PlatformTenant, hash)
		if errors.Is(perr, store.ErrNotFound) {
			return nil
		}
		if perr != nil {
			return perr
		}
		shadow := *platform
		shadow.TenantID = tenantID
		shadow.Active = false
		shadow.HitCount = 0
		if err := c.store.PutExpression(ctx, &shadow); err != nil {
			return err
		}
	case errors.Is(err, store.ErrNotFound):
		return nil
	default:
		return err
	}
	c.Invalidate(tenantID)
	return nil
}

// RecordExpressionHit bumps the persistent hit counter without
// invalidating the snapshot; counters do not affect matching.
func (c *Catalog) RecordExpressionHit(ctx context.Context, tenantID, hash string) error {
	return c.store.RecordExpressionHit(ctx, tenantID, hash)
}

// normalizeKeywords lowercases keyword text and defaults missing weights,
// so the keyword matcher can compare tokens directly.
func normalizeKeywords(def *datatypes.IntentDefinition) {
	for i := range def.Keywords {
		def.Keywords[i].Text = strings.ToLower(strings.TrimSpace(def.Keywords[i].Text))
		if def.Keywords[i].Weight <= 0 {
			def.Keywords[i].Weight = 1.0
		}
	}
}

// =============================================================================
// Stats
// =============================================================================

// Stats summarizes one tenant's effective catalog for the admin surface.
type Stats struct {
	IntentCount     int `json:"intent_count"`
	ExpressionCount int `json:"expression_count"`
	SeedExpressions int `json:"seed_expressions"`
	AutoExpressions int `json:"auto_expressions"`
	VerifiedCount   int `json:"verified_count"`
}

// TenantStats computes catalog stats for one tenant scope.
func (c *Catalog) TenantStats(ctx context.Context, tenantID string) (*Stats, error) {
	defs, err := c.Definitions(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	exprs, err := c.Expressions(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	st := &Stats{IntentCount: len(defs), ExpressionCount: len(exprs)}
	for _, e := range exprs {
		switch e.Source {
		case datatypes.ExprSeed:
			st.SeedExpressions++
		case datatypes.ExprAuto:
			st.AutoExpressions++
		}
		if e.Verified {
			st.VerifiedCount++
		}
	}
	return st, nil
}

// IsNotFound reports whether err is the catalog's miss sentinel.
func IsNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}
