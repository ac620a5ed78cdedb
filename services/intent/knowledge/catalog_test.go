// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package knowledge

import (
	"context"
	"testing"

	"github.com/j4xie/my-prototype-logistics-sub023/services/intent/datatypes"
	badgerstore "github.com/j4xie/my-prototype-logistics-sub023/services/intent/storage/badger"
	"github.com/j4xie/my-prototype-logistics-sub023/services/intent/store"
	"github.com/j4xie/my-prototype-logistics-sub023/services/intent/textproc"
)

func openTestCatalog(t *testing.T) *Catalog {
	t.Helper()
	cfg := badgerstore.DefaultConfig()
	cfg.InMemory = true
	db, err := badgerstore.OpenDB(cfg)
	if err != nil {
		t.Fatalf("openTestCatalog: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewCatalog(store.New(db, nil), nil)
}

// =============================================================================
// Scope merge
// =============================================================================

func TestCatalog_TenantOverridesPlatform(t *testing.T) {
	c := openTestCatalog(t)
	ctx := context.Background()

	platform := &datatypes.IntentDefinition{
		TenantID: datatypes.PlatformTenant, Code: "REPORT_KPI", Name: "平台报表",
	}
	if err := c.UpsertIntent(ctx, platform); err != nil {
		t.Fatalf("UpsertIntent(platform): %v", err)
	}
	override := &datatypes.IntentDefinition{
		TenantID: "acme", Code: "REPORT_KPI", Name: "ACME报表",
	}
	if err := c.UpsertIntent(ctx, override); err != nil {
		t.Fatalf("UpsertIntent(tenant): %v", err)
	}

	got, err := c.Get(ctx, "acme", "REPORT_KPI")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Name != "ACME报表" {
		t.Errorf("tenant override must win, got %q", got.Name)
	}

	// The platform view is untouched.
	got, err = c.Get(ctx, datatypes.PlatformTenant, "REPORT_KPI")
	if err != nil || got.Name != "平台报表" {
		t.Errorf("platform view = %+v, %v", got, err)
	}
}

func TestCatalog_TenantTombstoneMasksPlatform(t *testing.T) {
	c := openTestCatalog(t)
	ctx := context.Background()

	if err := c.UpsertIntent(ctx, &datatypes.IntentDefinition{
		TenantID: datatypes.PlatformTenant, Code: "CLOCK_IN",
	}); err != nil {
		t.Fatalf("UpsertIntent: %v", err)
	}
	// Tenant opts out of a platform intent.
	if err := c.UpsertIntent(ctx, &datatypes.IntentDefinition{
		TenantID: "acme", Code: "CLOCK_IN",
	}); err != nil {
		t.Fatalf("UpsertIntent: %v", err)
	}
	if err := c.DeleteIntent(ctx, "acme", "CLOCK_IN"); err != nil {
		t.Fatalf("DeleteIntent: %v", err)
	}

	if c.Exists(ctx, "acme", "CLOCK_IN") {
		t.Error("tenant tombstone must mask the platform definition")
	}
	if !c.Exists(ctx, datatypes.PlatformTenant, "CLOCK_IN") {
		t.Error("platform scope must keep the definition")
	}

	defs, err := c.Definitions(ctx, "acme")
	if err != nil {
		t.Fatalf("Definitions: %v", err)
	}
	for _, d := range defs {
		if d.Code == "CLOCK_IN" {
			t.Error("masked intent leaked into Definitions")
		}
	}
}

// =============================================================================
// Expressions
// =============================================================================

func TestCatalog_AddExpressionNormalizesAndHashes(t *testing.T) {
	c := openTestCatalog(t)
	ctx := context.Background()

	if err := c.UpsertIntent(ctx, &datatypes.IntentDefinition{
		TenantID: "acme", Code: "QUERY_INVENTORY",
	}); err != nil {
		t.Fatalf("UpsertIntent: %v", err)
	}
	expr := &datatypes.LearnedExpression{
		TenantID: "acme", IntentCode: "QUERY_INVENTORY",
		Text: "  查一下   库存 ", Source: datatypes.ExprFeedback,
		Confidence: 0.98, Verified: true, Active: true,
	}
	if err := c.AddExpression(ctx, expr); err != nil {
		t.Fatalf("AddExpression: %v", err)
	}
	if expr.Text != "查一下 库存" {
		t.Errorf("text not normalized: %q", expr.Text)
	}
	if expr.Hash != textproc.Hash(expr.Text) {
		t.Error("hash not derived from normalized text")
	}

	got, err := c.ExpressionByHash(ctx, "acme", expr.Hash)
	if err != nil {
		t.Fatalf("ExpressionByHash: %v", err)
	}
	if got.IntentCode != "QUERY_INVENTORY" {
		t.Errorf("lookup mismatch: %+v", got)
	}
}

func TestCatalog_ExpressionForDeadIntentHidden(t *testing.T) {
	c := openTestCatalog(t)
	ctx := context.Background()

	if err := c.UpsertIntent(ctx, &datatypes.IntentDefinition{TenantID: "acme", Code: "X"}); err != nil {
		t.Fatalf("UpsertIntent: %v", err)
	}
	expr := &datatypes.LearnedExpression{
		TenantID: "acme", IntentCode: "X", Text: "做点什么",
		Confidence: 1.0, Active: true,
	}
	if err := c.AddExpression(ctx, expr); err != nil {
		t.Fatalf("AddExpression: %v", err)
	}
	if err := c.DeleteIntent(ctx, "acme", "X"); err != nil {
		t.Fatalf("DeleteIntent: %v", err)
	}

	if _, err := c.ExpressionByHash(ctx, "acme", expr.Hash); !IsNotFound(err) {
		t.Errorf("expression pointing at a deleted intent must be hidden, got %v", err)
	}
	exprs, err := c.Expressions(ctx, "acme")
	if err != nil {
		t.Fatalf("Expressions: %v", err)
	}
	if len(exprs) != 0 {
		t.Errorf("Expressions leaked %d orphans", len(exprs))
	}
}

func TestCatalog_TenantDeactivationMasksPlatformExpression(t *testing.T) {
	c := openTestCatalog(t)
	ctx := context.Background()

	if err := c.UpsertIntent(ctx, &datatypes.IntentDefinition{
		TenantID: datatypes.PlatformTenant, Code: "QUERY_INVENTORY",
	}); err != nil {
		t.Fatalf("UpsertIntent: %v", err)
	}
	expr := &datatypes.LearnedExpression{
		TenantID: datatypes.PlatformTenant, IntentCode: "QUERY_INVENTORY",
		Text: "查一下库存", Source: datatypes.ExprSeed,
		Confidence: 1.0, Verified: true, Active: true,
	}
	if err := c.AddExpression(ctx, expr); err != nil {
		t.Fatalf("AddExpression: %v", err)
	}

	// A tenant rejects the platform seed. Platform scope is not writable
	// by the tenant, so the suppression lands as a tenant-scoped shadow.
	if err := c.DeactivateExpression(ctx, "acme", expr.Hash); err != nil {
		t.Fatalf("DeactivateExpression: %v", err)
	}

	if _, err := c.ExpressionByHash(ctx, "acme", expr.Hash); !IsNotFound(err) {
		t.Errorf("rejected platform expression must be masked for the tenant, got %v", err)
	}
	exprs, err := c.Expressions(ctx, "acme")
	if err != nil {
		t.Fatalf("Expressions: %v", err)
	}
	for _, e := range exprs {
		if e.Hash == expr.Hash {
			t.Error("masked expression leaked into the tenant merge")
		}
	}

	// The platform view and other tenants are untouched.
	if _, err := c.ExpressionByHash(ctx, datatypes.PlatformTenant, expr.Hash); err != nil {
		t.Errorf("platform scope must keep the expression, got %v", err)
	}
	if _, err := c.ExpressionByHash(ctx, "globex", expr.Hash); err != nil {
		t.Errorf("other tenants must still see the platform expression, got %v", err)
	}
}

// =============================================================================
// Seed load
// =============================================================================

func TestCatalog_LoadSeedIdempotent(t *testing.T) {
	c := openTestCatalog(t)
	ctx := context.Background()

	first, err := c.LoadSeed(ctx)
	if err != nil {
		t.Fatalf("LoadSeed: %v", err)
	}
	if first == 0 {
		t.Fatal("first seed load must create intents")
	}

	second, err := c.LoadSeed(ctx)
	if err != nil {
		t.Fatalf("LoadSeed again: %v", err)
	}
	if second != 0 {
		t.Errorf("second seed load created %d intents, want 0", second)
	}
}

func TestCatalog_LoadSeedNeverClobbersOperatorEdits(t *testing.T) {
	c := openTestCatalog(t)
	ctx := context.Background()

	if _, err := c.LoadSeed(ctx); err != nil {
		t.Fatalf("LoadSeed: %v", err)
	}
	def, err := c.Get(ctx, datatypes.PlatformTenant, "REPORT_KPI")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	def.Name = "运营定制报表"
	if err := c.UpsertIntent(ctx, def); err != nil {
		t.Fatalf("UpsertIntent: %v", err)
	}

	if _, err := c.LoadSeed(ctx); err != nil {
		t.Fatalf("LoadSeed after edit: %v", err)
	}
	got, err := c.Get(ctx, datatypes.PlatformTenant, "REPORT_KPI")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Name != "运营定制报表" {
		t.Errorf("seed reload clobbered an operator edit: %q", got.Name)
	}
}

func TestCatalog_SeedExpressionsAreVerifiedPlatformSeeds(t *testing.T) {
	c := openTestCatalog(t)
	ctx := context.Background()

	if _, err := c.LoadSeed(ctx); err != nil {
		t.Fatalf("LoadSeed: %v", err)
	}
	exprs, err := c.Expressions(ctx, datatypes.PlatformTenant)
	if err != nil {
		t.Fatalf("Expressions: %v", err)
	}
	if len(exprs) == 0 {
		t.Fatal("seed must create platform expressions")
	}
	for _, e := range exprs {
		if e.Source != datatypes.ExprSeed || !e.Verified || !e.Active || e.Confidence != 1.0 {
			t.Errorf("seed expression not canonical: %+v", e)
			break
		}
	}
}
