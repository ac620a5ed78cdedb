// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package learning

import (
	"context"
	"testing"
	"time"

	"github.com/j4xie/my-prototype-logistics-sub023/services/intent/config"
	"github.com/j4xie/my-prototype-logistics-sub023/services/intent/datatypes"
	"github.com/j4xie/my-prototype-logistics-sub023/services/intent/knowledge"
	badgerstore "github.com/j4xie/my-prototype-logistics-sub023/services/intent/storage/badger"
	"github.com/j4xie/my-prototype-logistics-sub023/services/intent/store"
	"github.com/j4xie/my-prototype-logistics-sub023/services/intent/textproc"
)

// =============================================================================
// Fixtures
// =============================================================================

func testConfig() config.TenantConfig {
	return config.TenantConfig{
		AutoLearnEnabled:       true,
		AutoLearnMinConfidence: 0.85,
		MaxNewKeywords:         3,
		ExpressionAgingDays:    30,
		ExpressionMinHits:      3,
	}
}

func newTestLoop(t *testing.T) (*Loop, *store.Store, *knowledge.Catalog) {
	t.Helper()
	cfg := badgerstore.DefaultConfig()
	cfg.InMemory = true
	db, err := badgerstore.OpenDB(cfg)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	st := store.New(db, nil)
	catalog := knowledge.NewCatalog(st, nil)
	ctx := context.Background()

	defs := []*datatypes.IntentDefinition{
		{
			TenantID: "acme", Code: "REPORT_KPI", Name: "经营报表",
			Keywords: []datatypes.WeightedKeyword{{Text: "报表", Weight: 2}},
		},
		{TenantID: "acme", Code: "QUERY_INVENTORY", Name: "库存查询"},
	}
	for _, def := range defs {
		if err := catalog.UpsertIntent(ctx, def); err != nil {
			t.Fatalf("UpsertIntent: %v", err)
		}
	}
	return NewLoop(st, catalog, nil), st, catalog
}

func appendSample(t *testing.T, st *store.Store, input, intentCode string, method datatypes.MatchSource) *datatypes.TrainingSample {
	t.Helper()
	sample := &datatypes.TrainingSample{
		TenantID:   "acme",
		Input:      input,
		IntentCode: intentCode,
		Method:     method,
		Confidence: 0.9,
	}
	if err := st.AppendSample(context.Background(), sample); err != nil {
		t.Fatalf("AppendSample: %v", err)
	}
	return sample
}

func getExpr(t *testing.T, st *store.Store, input string) *datatypes.LearnedExpression {
	t.Helper()
	hash := textproc.HashUtterance(input)
	expr, err := st.GetExpression(context.Background(), "acme", hash)
	if err != nil {
		t.Fatalf("GetExpression(%q): %v", input, err)
	}
	return expr
}

// =============================================================================
// Explicit feedback
// =============================================================================

func TestRecordPositive_LearnsVerifiedExpression(t *testing.T) {
	loop, st, _ := newTestLoop(t)
	ctx := context.Background()

	sample := appendSample(t, st, "帮我拉一下经营数据", "REPORT_KPI", datatypes.SourceLLM)
	got, err := loop.RecordPositive(ctx, sample.ID, testConfig())
	if err != nil {
		t.Fatalf("RecordPositive: %v", err)
	}
	if got.Feedback != datatypes.FeedbackConfirmed {
		t.Errorf("feedback = %v", got.Feedback)
	}

	expr := getExpr(t, st, "帮我拉一下经营数据")
	if expr.IntentCode != "REPORT_KPI" || !expr.Verified || !expr.Active {
		t.Errorf("expression = %+v", expr)
	}
	if expr.Source != datatypes.ExprFeedback || expr.Confidence != 0.98 {
		t.Errorf("expression = %+v", expr)
	}
}

func TestRecordPositive_AddsKeywordsToTenantCopy(t *testing.T) {
	loop, st, catalog := newTestLoop(t)
	ctx := context.Background()

	sample := appendSample(t, st, "经营 数据 报表", "REPORT_KPI", datatypes.SourceSemantic)
	if _, err := loop.RecordPositive(ctx, sample.ID, testConfig()); err != nil {
		t.Fatalf("RecordPositive: %v", err)
	}

	def, err := catalog.Get(ctx, "acme", "REPORT_KPI")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	byText := make(map[string]datatypes.WeightedKeyword)
	for _, kw := range def.Keywords {
		byText[kw.Text] = kw
	}
	if _, dup := byText["报表"]; !dup {
		t.Error("existing keyword lost")
	}
	added, ok := byText["经营"]
	if !ok {
		t.Fatalf("keywords = %v, want 经营 learned", def.Keywords)
	}
	if added.Weight != 1.0 || added.Source != "feedback" {
		t.Errorf("learned keyword = %+v", added)
	}
}

func TestRecordPositive_KeywordCapRespected(t *testing.T) {
	loop, st, catalog := newTestLoop(t)
	ctx := context.Background()

	cfg := testConfig()
	cfg.MaxNewKeywords = 1
	sample := appendSample(t, st, "经营 数据 汇总 明细", "REPORT_KPI", datatypes.SourceSemantic)
	if _, err := loop.RecordPositive(ctx, sample.ID, cfg); err != nil {
		t.Fatalf("RecordPositive: %v", err)
	}

	def, err := catalog.Get(ctx, "acme", "REPORT_KPI")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(def.Keywords) != 2 {
		t.Errorf("keywords = %v, want original plus one", def.Keywords)
	}
}

func TestRecordNegative_DeactivatesMisfiredExpression(t *testing.T) {
	loop, st, catalog := newTestLoop(t)
	ctx := context.Background()

	if err := catalog.AddExpression(ctx, &datatypes.LearnedExpression{
		TenantID:   "acme",
		IntentCode: "REPORT_KPI",
		Text:       "查一下库存",
		Confidence: 0.9,
		Source:     datatypes.ExprAuto,
		Active:     true,
	}); err != nil {
		t.Fatalf("AddExpression: %v", err)
	}

	sample := appendSample(t, st, "查一下库存", "REPORT_KPI", datatypes.SourceExact)
	got, err := loop.RecordNegative(ctx, sample.ID, "QUERY_INVENTORY", testConfig())
	if err != nil {
		t.Fatalf("RecordNegative: %v", err)
	}
	if got.Feedback != datatypes.FeedbackRejected || got.CorrectedIntentCode != "QUERY_INVENTORY" {
		t.Errorf("sample = %+v", got)
	}

	// The bad mapping is gone and the corrected one took its place. Both
	// share the same normalized-text hash, so the correction revives and
	// repoints the record rather than leaving a dead tombstone.
	expr := getExpr(t, st, "查一下库存")
	if expr.IntentCode != "QUERY_INVENTORY" {
		t.Errorf("intent = %s, want corrected target", expr.IntentCode)
	}
	if !expr.Active || !expr.Verified || expr.Source != datatypes.ExprFeedback {
		t.Errorf("expression = %+v", expr)
	}
}

func TestRecordNegative_SuppressesPlatformSeed(t *testing.T) {
	loop, st, catalog := newTestLoop(t)
	ctx := context.Background()

	seed := &datatypes.LearnedExpression{
		TenantID:   datatypes.PlatformTenant,
		IntentCode: "REPORT_KPI",
		Text:       "查一下库存",
		Confidence: 1.0,
		Source:     datatypes.ExprSeed,
		Verified:   true,
		Active:     true,
	}
	if err := catalog.AddExpression(ctx, seed); err != nil {
		t.Fatalf("AddExpression: %v", err)
	}

	sample := appendSample(t, st, "查一下库存", "REPORT_KPI", datatypes.SourceExact)
	if _, err := loop.RecordNegative(ctx, sample.ID, "", testConfig()); err != nil {
		t.Fatalf("RecordNegative: %v", err)
	}

	// The rejection lands as a tenant-scoped mask; the platform seed
	// itself stays intact for other tenants.
	if _, err := catalog.ExpressionByHash(ctx, "acme", seed.Hash); !knowledge.IsNotFound(err) {
		t.Errorf("rejected seed must be masked for the tenant, got %v", err)
	}
	platform, err := st.GetExpression(ctx, datatypes.PlatformTenant, seed.Hash)
	if err != nil {
		t.Fatalf("GetExpression(platform): %v", err)
	}
	if !platform.Active {
		t.Error("platform seed must not be deactivated by one tenant's rejection")
	}
}

func TestRecordNegative_UnknownCorrectionIgnored(t *testing.T) {
	loop, st, _ := newTestLoop(t)
	ctx := context.Background()

	sample := appendSample(t, st, "随便说点什么", "REPORT_KPI", datatypes.SourceLLM)
	if _, err := loop.RecordNegative(ctx, sample.ID, "NO_SUCH_INTENT", testConfig()); err != nil {
		t.Fatalf("RecordNegative: %v", err)
	}
	hash := textproc.HashUtterance("随便说点什么")
	if _, err := st.GetExpression(ctx, "acme", hash); err == nil {
		t.Error("correction against an unknown intent must not learn anything")
	}
}

// =============================================================================
// Auto-learning
// =============================================================================

func TestMaybeAutoLearn_LearnsUnverifiedExpression(t *testing.T) {
	loop, st, _ := newTestLoop(t)
	ctx := context.Background()

	loop.MaybeAutoLearn(ctx, "acme", "看看经营情况", "REPORT_KPI", datatypes.SourceSemantic, 0.9, testConfig())

	expr := getExpr(t, st, "看看经营情况")
	if expr.Verified || expr.Source != datatypes.ExprAuto {
		t.Errorf("expression = %+v", expr)
	}
	if expr.Confidence != 0.90 {
		t.Errorf("confidence = %v", expr.Confidence)
	}
}

func TestMaybeAutoLearn_Gating(t *testing.T) {
	cases := []struct {
		name       string
		source     datatypes.MatchSource
		confidence float64
		cfg        func() config.TenantConfig
	}{
		{"disabled", datatypes.SourceSemantic, 0.9, func() config.TenantConfig {
			cfg := testConfig()
			cfg.AutoLearnEnabled = false
			return cfg
		}},
		{"below floor", datatypes.SourceSemantic, 0.5, testConfig},
		{"exact already cheap", datatypes.SourceExact, 0.99, testConfig},
		{"cache already cheap", datatypes.SourceCache, 0.99, testConfig},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			loop, st, _ := newTestLoop(t)
			ctx := context.Background()
			loop.MaybeAutoLearn(ctx, "acme", "看看经营情况", "REPORT_KPI", tc.source, tc.confidence, tc.cfg())
			hash := textproc.HashUtterance("看看经营情况")
			if _, err := st.GetExpression(ctx, "acme", hash); err == nil {
				t.Error("gated auto-learn must not store an expression")
			}
		})
	}
}

func TestLearnExpression_UpgradeOnly(t *testing.T) {
	loop, st, _ := newTestLoop(t)
	ctx := context.Background()

	// Auto first, feedback second: the record must rise to verified.
	loop.MaybeAutoLearn(ctx, "acme", "看看经营情况", "REPORT_KPI", datatypes.SourceSemantic, 0.9, testConfig())
	sample := appendSample(t, st, "看看经营情况", "REPORT_KPI", datatypes.SourceSemantic)
	if _, err := loop.RecordPositive(ctx, sample.ID, testConfig()); err != nil {
		t.Fatalf("RecordPositive: %v", err)
	}
	expr := getExpr(t, st, "看看经营情况")
	if !expr.Verified || expr.Confidence != 0.98 {
		t.Errorf("expression after upgrade = %+v", expr)
	}

	// Feedback first, auto second: auto must not downgrade it.
	loop.MaybeAutoLearn(ctx, "acme", "看看经营情况", "REPORT_KPI", datatypes.SourceSemantic, 0.9, testConfig())
	expr = getExpr(t, st, "看看经营情况")
	if !expr.Verified || expr.Confidence != 0.98 {
		t.Errorf("expression after auto re-learn = %+v", expr)
	}
}

func TestLearnFromSession_PromotesOriginalUtterance(t *testing.T) {
	loop, st, _ := newTestLoop(t)
	ctx := context.Background()

	loop.LearnFromSession(ctx, &datatypes.ConversationSession{
		TenantID:          "acme",
		IntentCode:        "QUERY_INVENTORY",
		OriginalUtterance: "仓库里还剩多少货",
	})
	expr := getExpr(t, st, "仓库里还剩多少货")
	if expr.IntentCode != "QUERY_INVENTORY" || !expr.Verified {
		t.Errorf("expression = %+v", expr)
	}

	// Sessions abandoned without a confirmed intent teach nothing.
	loop.LearnFromSession(ctx, &datatypes.ConversationSession{
		TenantID:          "acme",
		OriginalUtterance: "呃",
	})
	if _, err := st.GetExpression(ctx, "acme", textproc.HashUtterance("呃")); err == nil {
		t.Error("intent-less session must not learn")
	}
}

// =============================================================================
// Expression aging
// =============================================================================

func TestSweepExpressions_AgesStaleAutoOnly(t *testing.T) {
	loop, st, catalog := newTestLoop(t)
	ctx := context.Background()

	old := time.Now().AddDate(0, 0, -60)
	put := func(text string, source datatypes.ExpressionSource, verified bool, hits int64) {
		t.Helper()
		err := st.PutExpression(ctx, &datatypes.LearnedExpression{
			TenantID:   "acme",
			IntentCode: "REPORT_KPI",
			Text:       text,
			Hash:       textproc.Hash(text),
			Confidence: 0.9,
			Source:     source,
			Verified:   verified,
			Active:     true,
			HitCount:   hits,
			CreatedAt:  old,
		})
		if err != nil {
			t.Fatalf("PutExpression(%q): %v", text, err)
		}
	}
	put("老旧无人用", datatypes.ExprAuto, false, 0)
	put("老旧但常用", datatypes.ExprAuto, false, 10)
	put("老旧已验证", datatypes.ExprFeedback, true, 0)
	put("种子表达", datatypes.ExprSeed, false, 0)
	catalog.Invalidate("acme")

	n, err := loop.SweepExpressions(ctx, "acme", testConfig())
	if err != nil {
		t.Fatalf("SweepExpressions: %v", err)
	}
	if n != 1 {
		t.Fatalf("swept %d, want 1", n)
	}
	if expr := getExpr(t, st, "老旧无人用"); expr.Active {
		t.Error("stale auto expression must be deactivated")
	}
	for _, text := range []string{"老旧但常用", "老旧已验证", "种子表达"} {
		if expr := getExpr(t, st, text); !expr.Active {
			t.Errorf("%q must survive the sweep", text)
		}
	}

	// Zero window disables aging entirely.
	cfg := testConfig()
	cfg.ExpressionAgingDays = 0
	if n, err := loop.SweepExpressions(ctx, "acme", cfg); err != nil || n != 0 {
		t.Errorf("disabled sweep = (%d, %v)", n, err)
	}
}

// =============================================================================
// Accuracy reporting
// =============================================================================

func TestAccuracy_CountsOnlyJudgedSamples(t *testing.T) {
	loop, st, _ := newTestLoop(t)
	ctx := context.Background()

	s1 := appendSample(t, st, "a", "REPORT_KPI", datatypes.SourceExact)
	s2 := appendSample(t, st, "b", "REPORT_KPI", datatypes.SourceSemantic)
	s3 := appendSample(t, st, "c", "REPORT_KPI", datatypes.SourceLLM)
	appendSample(t, st, "d", "REPORT_KPI", datatypes.SourceKeyword) // no feedback

	for _, id := range []string{s1.ID, s2.ID} {
		if _, err := loop.RecordPositive(ctx, id, testConfig()); err != nil {
			t.Fatalf("RecordPositive: %v", err)
		}
	}
	if _, err := loop.RecordNegative(ctx, s3.ID, "", testConfig()); err != nil {
		t.Fatalf("RecordNegative: %v", err)
	}

	report, err := loop.Accuracy(ctx, "acme", time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("Accuracy: %v", err)
	}
	if report.Total != 4 || report.Confirmed != 2 || report.Rejected != 1 {
		t.Errorf("report = %+v", report)
	}
	if report.Accuracy != 2.0/3.0 {
		t.Errorf("accuracy = %v", report.Accuracy)
	}
	if report.RejectedByMethod[datatypes.SourceLLM] != 1 {
		t.Errorf("rejected by method = %v", report.RejectedByMethod)
	}
}
