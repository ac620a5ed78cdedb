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
	"testing"
	"time"

	"github.com/j4xie/my-prototype-logistics-sub023/services/intent/config"
	"github.com/j4xie/my-prototype-logistics-sub023/services/intent/datatypes"
	"github.com/j4xie/my-prototype-logistics-sub023/services/intent/embedding"
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
		SemanticEnabled:          true,
		SemanticThreshold:        0.75,
		SemanticTopK:             5,
		ApproximateThreshold:     0.75,
		ApproximateMaxCandidates: 50,
		KeywordThreshold:         0.3,
		EmbeddingTimeout:         config.Duration(2 * time.Second),
		LLMTimeout:               config.Duration(2 * time.Second),
		RAGDirectReuseThreshold:  0.92,
		RAGTopK:                  3,
		Calibration: config.CalibrationConfig{
			LLMWeight: 0.4, SemanticWeight: 0.3, KeywordWeight: 0.2, TransitionWeight: 0.1,
			ExecuteThreshold: 0.85, ConfirmThreshold: 0.6, ClarifyThreshold: 0.4,
			TransitionAlpha: 1.0,
		},
	}
}

func testCatalog(t *testing.T) *knowledge.Catalog {
	t.Helper()
	cfg := badgerstore.DefaultConfig()
	cfg.InMemory = true
	db, err := badgerstore.OpenDB(cfg)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	c := knowledge.NewCatalog(store.New(db, nil), nil)
	ctx := context.Background()

	defs := []*datatypes.IntentDefinition{
		{
			TenantID: "acme", Code: "REPORT_KPI", Name: "经营报表",
			Keywords: []datatypes.WeightedKeyword{
				{Text: "报表", Weight: 2}, {Text: "销量", Weight: 2}, {Text: "kpi", Weight: 1},
			},
		},
		{
			TenantID: "acme", Code: "QUERY_INVENTORY", Name: "库存查询",
			Keywords: []datatypes.WeightedKeyword{
				{Text: "库存", Weight: 2}, {Text: "盘点", Weight: 1},
			},
		},
	}
	for _, def := range defs {
		if err := c.UpsertIntent(ctx, def); err != nil {
			t.Fatalf("UpsertIntent: %v", err)
		}
	}
	exprs := []struct {
		text, code string
		confidence float64
	}{
		{"查一下库存", "QUERY_INVENTORY", 1.0},
		{"销量最高的产品", "REPORT_KPI", 1.0},
	}
	for _, e := range exprs {
		err := c.AddExpression(ctx, &datatypes.LearnedExpression{
			TenantID: "acme", IntentCode: e.code, Text: e.text,
			Source: datatypes.ExprSeed, Confidence: e.confidence,
			Verified: true, Active: true,
		})
		if err != nil {
			t.Fatalf("AddExpression: %v", err)
		}
	}
	return c
}

func request(text string) *MatchRequest {
	normalized := textproc.Normalize(text)
	return &MatchRequest{
		TenantID: "acme",
		UserID:   "u1",
		Text:     normalized,
		Hash:     textproc.Hash(normalized),
		Tokens:   textproc.Tokenize(normalized),
		Cfg:      testConfig(),
	}
}

// stubMatcher wraps a func as a Matcher for cascade tests.
type stubMatcher struct {
	name string
	fn   func(ctx context.Context, req *MatchRequest) ([]datatypes.Candidate, error)
}

func (s *stubMatcher) Name() string { return s.name }
func (s *stubMatcher) Match(ctx context.Context, req *MatchRequest) ([]datatypes.Candidate, error) {
	return s.fn(ctx, req)
}

func stub(name string, cands ...datatypes.Candidate) *stubMatcher {
	return &stubMatcher{name: name, fn: func(context.Context, *MatchRequest) ([]datatypes.Candidate, error) {
		return cands, nil
	}}
}

// =============================================================================
// Exact matcher
// =============================================================================

func TestExact_Hit(t *testing.T) {
	m := NewExactMatcher(testCatalog(t), nil)

	cands, err := m.Match(context.Background(), request("查一下库存"))
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if len(cands) != 1 {
		t.Fatalf("got %d candidates, want 1", len(cands))
	}
	c := cands[0]
	if c.IntentCode != "QUERY_INVENTORY" || c.Source != datatypes.SourceExact {
		t.Errorf("candidate = %+v", c)
	}
	if c.RawScore != 1.0 {
		t.Errorf("seed expression must return its confidence, got %v", c.RawScore)
	}
	if c.DisplayName != "库存查询" {
		t.Errorf("display name = %q", c.DisplayName)
	}
}

func TestExact_CaseAndSpacingInsensitive(t *testing.T) {
	m := NewExactMatcher(testCatalog(t), nil)

	cands, err := m.Match(context.Background(), request("  查一下库存  "))
	if err != nil || len(cands) != 1 {
		t.Fatalf("normalized utterance must still hit: %v, %v", cands, err)
	}
}

func TestExact_Miss(t *testing.T) {
	m := NewExactMatcher(testCatalog(t), nil)

	cands, err := m.Match(context.Background(), request("完全无关的话"))
	if err != nil || cands != nil {
		t.Errorf("miss must be (nil, nil), got %v, %v", cands, err)
	}
}

// =============================================================================
// Approximate matcher
// =============================================================================

func TestApproximate_NearMiss(t *testing.T) {
	m := NewApproximateMatcher(testCatalog(t), nil)

	// One character dropped from the learned "查一下库存".
	cands, err := m.Match(context.Background(), request("查下库存"))
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if len(cands) == 0 {
		t.Fatal("expected a near-miss candidate")
	}
	c := cands[0]
	if c.IntentCode != "QUERY_INVENTORY" || c.Source != datatypes.SourceApproximate {
		t.Errorf("candidate = %+v", c)
	}
	// 1 deletion over 5 runes: similarity 0.8, scaled by confidence 1.0.
	if c.RawScore < 0.79 || c.RawScore > 0.81 {
		t.Errorf("RawScore = %v, want ~0.8", c.RawScore)
	}
}

func TestApproximate_BelowThresholdDropped(t *testing.T) {
	m := NewApproximateMatcher(testCatalog(t), nil)

	cands, err := m.Match(context.Background(), request("今天天气怎么样"))
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if len(cands) != 0 {
		t.Errorf("unrelated input must not match, got %+v", cands)
	}
}

func TestApproximate_ConfidenceScalesScore(t *testing.T) {
	c := testCatalog(t)
	ctx := context.Background()
	// Low-confidence auto-learned variant of an unrelated text.
	err := c.AddExpression(ctx, &datatypes.LearnedExpression{
		TenantID: "acme", IntentCode: "REPORT_KPI", Text: "本月业绩汇总",
		Source: datatypes.ExprAuto, Confidence: 0.9, Active: true,
	})
	if err != nil {
		t.Fatalf("AddExpression: %v", err)
	}
	m := NewApproximateMatcher(c, nil)

	cands, err := m.Match(ctx, request("本月业绩汇总"))
	if err != nil || len(cands) == 0 {
		t.Fatalf("Match: %v, %v", cands, err)
	}
	// Identical text, but the expression's own confidence caps the score.
	if cands[0].RawScore != 0.9 {
		t.Errorf("RawScore = %v, want 0.9", cands[0].RawScore)
	}
}

// =============================================================================
// Keyword matcher
// =============================================================================

func TestKeyword_WeightedScore(t *testing.T) {
	m := NewKeywordMatcher(testCatalog(t), nil)

	cands, err := m.Match(context.Background(), request("帮我看看销量报表"))
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if len(cands) == 0 {
		t.Fatal("expected a keyword candidate")
	}
	c := cands[0]
	if c.IntentCode != "REPORT_KPI" || c.Source != datatypes.SourceKeyword {
		t.Errorf("candidate = %+v", c)
	}
	// 销量(2) + 报表(2) matched out of total weight 5.
	if c.RawScore < 0.79 || c.RawScore > 0.81 {
		t.Errorf("RawScore = %v, want 0.8", c.RawScore)
	}
}

func TestKeyword_ThresholdFilters(t *testing.T) {
	m := NewKeywordMatcher(testCatalog(t), nil)

	req := request("kpi")
	req.Cfg.KeywordThreshold = 0.5
	// kpi alone is 1/5 of REPORT_KPI's weight, below the raised threshold.
	cands, err := m.Match(context.Background(), req)
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if len(cands) != 0 {
		t.Errorf("weak keyword match must be filtered, got %+v", cands)
	}
}

// =============================================================================
// Semantic matcher
// =============================================================================

// echoClient returns a fixed vector per known text so similarity is
// fully controlled by the test.
type echoClient struct {
	vectors map[string][]float32
}

func (e *echoClient) Encode(_ context.Context, text string) ([]float32, error) {
	if v, ok := e.vectors[text]; ok {
		return v, nil
	}
	return []float32{0, 0, 1}, nil
}
func (e *echoClient) Available() bool { return true }
func (e *echoClient) Model() string   { return "echo" }

func TestSemantic_ParaphraseMatch(t *testing.T) {
	cat := testCatalog(t)
	seed := "销量最高的产品"
	query := "哪个产品卖得最好"

	client := &echoClient{vectors: map[string][]float32{
		seed:  {1, 0, 0},
		query: {0.9, 0.435889894, 0}, // cosine ≈ 0.9 against seed
	}}
	encoder := embedding.NewQueryEncoder(client)
	phrases := embedding.NewPhraseVectorCache(client, nil, store.ComputeCorpusHash, nil)

	exprs, err := cat.Expressions(context.Background(), "acme")
	if err != nil {
		t.Fatalf("Expressions: %v", err)
	}
	if err := phrases.Warm(context.Background(), "acme", exprs); err != nil {
		t.Fatalf("Warm: %v", err)
	}

	m := NewSemanticMatcher(cat, encoder, phrases, nil)
	cands, err := m.Match(context.Background(), request(query))
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if len(cands) == 0 {
		t.Fatal("expected a semantic candidate")
	}
	c := cands[0]
	if c.IntentCode != "REPORT_KPI" || c.Source != datatypes.SourceSemantic {
		t.Errorf("candidate = %+v", c)
	}
	if c.RawScore < 0.89 || c.RawScore > 0.91 {
		t.Errorf("RawScore = %v, want ~0.9", c.RawScore)
	}
}

func TestSemantic_SkipsWhenUnwarmed(t *testing.T) {
	cat := testCatalog(t)
	client := &echoClient{}
	m := NewSemanticMatcher(cat, embedding.NewQueryEncoder(client),
		embedding.NewPhraseVectorCache(client, nil, store.ComputeCorpusHash, nil), nil)

	cands, err := m.Match(context.Background(), request("查库存"))
	if err != nil || cands != nil {
		t.Errorf("unwarmed tenant must skip, got %v, %v", cands, err)
	}
}

func TestSemantic_RespectsDisableFlag(t *testing.T) {
	cat := testCatalog(t)
	client := &echoClient{}
	m := NewSemanticMatcher(cat, embedding.NewQueryEncoder(client),
		embedding.NewPhraseVectorCache(client, nil, store.ComputeCorpusHash, nil), nil)

	req := request("查库存")
	req.Cfg.SemanticEnabled = false
	cands, err := m.Match(context.Background(), req)
	if err != nil || cands != nil {
		t.Errorf("disabled stage must skip, got %v, %v", cands, err)
	}
}

// =============================================================================
// Cascade
// =============================================================================

func TestCascade_ExactShortCircuits(t *testing.T) {
	exact := stub("exact", datatypes.Candidate{
		IntentCode: "A", RawScore: 1.0, Source: datatypes.SourceExact,
	})
	keywordRan := false
	keyword := &stubMatcher{name: "keyword", fn: func(context.Context, *MatchRequest) ([]datatypes.Candidate, error) {
		keywordRan = true
		return nil, nil
	}}
	c := NewCascade(exact, stub("approximate"), keyword, nil, nil, Probes{}, nil)

	out, err := c.Match(context.Background(), request("x"))
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if !out.ShortCircuit || out.Winner == nil || out.Winner.IntentCode != "A" {
		t.Errorf("outcome = %+v", out)
	}
	if keywordRan {
		t.Error("signal stages must not run after a short-circuit hit")
	}
}

func TestCascade_StrongSignalSkipsFallback(t *testing.T) {
	fallbackRan := false
	fallback := &stubMatcher{name: "llm", fn: func(context.Context, *MatchRequest) ([]datatypes.Candidate, error) {
		fallbackRan = true
		return nil, nil
	}}
	keyword := stub("keyword", datatypes.Candidate{
		IntentCode: "A", RawScore: 0.7, Source: datatypes.SourceKeyword,
	})
	c := NewCascade(stub("exact"), stub("approximate"), keyword, nil, fallback, Probes{}, nil)

	req := request("x")
	req.Cfg.SemanticEnabled = false
	out, err := c.Match(context.Background(), req)
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if fallbackRan {
		t.Error("fallback must not run when the best signal clears the confirm threshold")
	}
	if out.Winner == nil || out.Winner.IntentCode != "A" {
		t.Errorf("winner = %+v", out.Winner)
	}
}

func TestCascade_WeakSignalEscalates(t *testing.T) {
	keyword := stub("keyword", datatypes.Candidate{
		IntentCode: "A", RawScore: 0.4, Source: datatypes.SourceKeyword,
	})
	fallback := stub("llm", datatypes.Candidate{
		IntentCode: "B", RawScore: 0.85, Source: datatypes.SourceLLM,
	})
	c := NewCascade(stub("exact"), stub("approximate"), keyword, nil, fallback, Probes{}, nil)

	req := request("x")
	req.Cfg.SemanticEnabled = false
	out, err := c.Match(context.Background(), req)
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if out.LLM == nil || out.LLM.IntentCode != "B" {
		t.Errorf("LLM signal = %+v", out.LLM)
	}
	if out.Winner == nil || out.Winner.IntentCode != "B" {
		t.Errorf("winner = %+v", out.Winner)
	}
	if out.ShortCircuit {
		t.Error("an LLM verdict is a signal, not a short-circuit")
	}
}

func TestCascade_RAGReuseShortCircuits(t *testing.T) {
	fallback := stub("llm", datatypes.Candidate{
		IntentCode: "B", RawScore: 0.95, Source: datatypes.SourceRAG,
	})
	c := NewCascade(stub("exact"), stub("approximate"), stub("keyword"), nil, fallback, Probes{}, nil)

	req := request("x")
	req.Cfg.SemanticEnabled = false
	out, err := c.Match(context.Background(), req)
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if !out.ShortCircuit || out.Winner.Source != datatypes.SourceRAG {
		t.Errorf("outcome = %+v", out)
	}
}

func TestCascade_DegradedWhenCapabilitiesDown(t *testing.T) {
	c := NewCascade(stub("exact"), stub("approximate"), stub("keyword"),
		stub("semantic"), stub("llm"),
		Probes{
			SemanticReady: func(string) bool { return false },
			LLMReady:      func() bool { return false },
		}, nil)

	out, err := c.Match(context.Background(), request("x"))
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if !out.Degraded {
		t.Error("down capabilities must mark the outcome degraded")
	}
	if out.Winner != nil {
		t.Errorf("no stage produced candidates, winner = %+v", out.Winner)
	}
}

func TestCascade_DedupesAcrossStages(t *testing.T) {
	keyword := stub("keyword",
		datatypes.Candidate{IntentCode: "A", RawScore: 0.5, Source: datatypes.SourceKeyword},
		datatypes.Candidate{IntentCode: "B", RawScore: 0.35, Source: datatypes.SourceKeyword},
	)
	fallback := stub("llm",
		datatypes.Candidate{IntentCode: "A", RawScore: 0.8, Source: datatypes.SourceLLM},
	)
	c := NewCascade(stub("exact"), stub("approximate"), keyword, nil, fallback, Probes{}, nil)

	req := request("x")
	req.Cfg.SemanticEnabled = false
	out, err := c.Match(context.Background(), req)
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if len(out.Candidates) != 2 {
		t.Fatalf("candidates = %+v, want 2 after dedupe", out.Candidates)
	}
	if out.Candidates[0].IntentCode != "A" || out.Candidates[0].RawScore != 0.8 {
		t.Errorf("best candidate per code must survive: %+v", out.Candidates[0])
	}
}
