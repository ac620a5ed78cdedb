// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package conversation

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/j4xie/my-prototype-logistics-sub023/services/intent/config"
	"github.com/j4xie/my-prototype-logistics-sub023/services/intent/datatypes"
	"github.com/j4xie/my-prototype-logistics-sub023/services/intent/knowledge"
	badgerstore "github.com/j4xie/my-prototype-logistics-sub023/services/intent/storage/badger"
	"github.com/j4xie/my-prototype-logistics-sub023/services/intent/store"
)

// =============================================================================
// Fixtures
// =============================================================================

func testConfig() config.TenantConfig {
	return config.TenantConfig{
		MaxRounds:      3,
		SessionTimeout: config.Duration(10 * time.Minute),
	}
}

func newTestManager(t *testing.T, hook CompletionHook) *Manager {
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
		{TenantID: "acme", Code: "REPORT_KPI", Name: "经营报表"},
		{TenantID: "acme", Code: "QUERY_INVENTORY", Name: "库存查询"},
		{
			TenantID: "acme", Code: "SCHEDULE_SHIPMENT", Name: "安排发货",
			RequiresApproval: true,
			Params: []datatypes.ParamSpec{
				{Name: "order_no", Label: "订单号", Hint: "如 SO-12345", Pattern: `^SO-\d+$`, Required: true},
				{Name: "date", Label: "发货日期", Required: true},
			},
		},
	}
	for _, def := range defs {
		if err := catalog.UpsertIntent(ctx, def); err != nil {
			t.Fatalf("UpsertIntent: %v", err)
		}
	}
	return NewManager(st, catalog, hook, nil)
}

func kpiCandidates() []datatypes.Candidate {
	return []datatypes.Candidate{
		{IntentCode: "REPORT_KPI", DisplayName: "经营报表", RawScore: 0.5},
		{IntentCode: "QUERY_INVENTORY", DisplayName: "库存查询", RawScore: 0.45},
	}
}

// =============================================================================
// Disambiguation
// =============================================================================

func TestDisambiguation_PickByNumber(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	sess, question, err := m.StartDisambiguation(ctx, "acme", "u1", "看一下数据", kpiCandidates(), testConfig())
	if err != nil {
		t.Fatalf("StartDisambiguation: %v", err)
	}
	if !strings.Contains(question, "1.") || !strings.Contains(question, "经营报表") {
		t.Errorf("question = %q", question)
	}

	reply, err := m.HandleReply(ctx, "acme", sess.ID, "1", testConfig())
	if err != nil {
		t.Fatalf("HandleReply: %v", err)
	}
	if reply.Session.Status != datatypes.StatusCompleted {
		t.Fatalf("status = %v", reply.Session.Status)
	}
	res := reply.Resolution
	if res == nil || res.IntentCode != "REPORT_KPI" {
		t.Fatalf("resolution = %+v", res)
	}
	if res.RecommendedAction != datatypes.ActionExecute || res.Source != datatypes.SourceConversation {
		t.Errorf("resolution = %+v", res)
	}
	if res.Confidence != 0.95 {
		t.Errorf("confirmed confidence = %v", res.Confidence)
	}
}

func TestDisambiguation_PickByDisplayName(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	sess, _, err := m.StartDisambiguation(ctx, "acme", "u1", "看一下", kpiCandidates(), testConfig())
	if err != nil {
		t.Fatalf("StartDisambiguation: %v", err)
	}
	reply, err := m.HandleReply(ctx, "acme", sess.ID, "库存查询", testConfig())
	if err != nil {
		t.Fatalf("HandleReply: %v", err)
	}
	if reply.Resolution == nil || reply.Resolution.IntentCode != "QUERY_INVENTORY" {
		t.Errorf("resolution = %+v", reply.Resolution)
	}
}

func TestDisambiguation_UnrecognizedAnswerReprompts(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	sess, _, err := m.StartDisambiguation(ctx, "acme", "u1", "看一下", kpiCandidates(), testConfig())
	if err != nil {
		t.Fatalf("StartDisambiguation: %v", err)
	}
	reply, err := m.HandleReply(ctx, "acme", sess.ID, "呃", testConfig())
	if err != nil {
		t.Fatalf("HandleReply: %v", err)
	}
	if reply.Resolution != nil {
		t.Errorf("miss must re-prompt, got resolution %+v", reply.Resolution)
	}
	if reply.Question == "" || reply.Session.Status != datatypes.StatusActive {
		t.Errorf("reply = %+v", reply)
	}
}

func TestDisambiguation_MaxRoundsBound(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	sess, _, err := m.StartDisambiguation(ctx, "acme", "u1", "看一下", kpiCandidates(), testConfig())
	if err != nil {
		t.Fatalf("StartDisambiguation: %v", err)
	}

	var last *Reply
	for i := 0; i < 3; i++ {
		last, err = m.HandleReply(ctx, "acme", sess.ID, "不知道", testConfig())
		if err != nil {
			t.Fatalf("HandleReply round %d: %v", i+1, err)
		}
	}
	if last.Session.Status != datatypes.StatusMaxRoundsReached {
		t.Fatalf("status after 3 failed rounds = %v", last.Session.Status)
	}
	if last.Session.Round != 3 {
		t.Errorf("round = %d, want 3", last.Session.Round)
	}
	if last.Resolution == nil || last.Resolution.RecommendedAction != datatypes.ActionClarify {
		t.Errorf("give-up resolution = %+v", last.Resolution)
	}

	// The dead session takes no further replies.
	if _, err := m.HandleReply(ctx, "acme", sess.ID, "1", testConfig()); !errors.Is(err, ErrNoSession) {
		t.Errorf("terminal session must reject replies, got %v", err)
	}
}

func TestDisambiguation_FoldsIntoParamCollection(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	candidates := []datatypes.Candidate{
		{IntentCode: "SCHEDULE_SHIPMENT", DisplayName: "安排发货", RawScore: 0.5},
		{IntentCode: "REPORT_KPI", DisplayName: "经营报表", RawScore: 0.4},
	}
	sess, _, err := m.StartDisambiguation(ctx, "acme", "u1", "发货", candidates, testConfig())
	if err != nil {
		t.Fatalf("StartDisambiguation: %v", err)
	}

	reply, err := m.HandleReply(ctx, "acme", sess.ID, "1", testConfig())
	if err != nil {
		t.Fatalf("HandleReply: %v", err)
	}
	if reply.Session.Mode != datatypes.ModeParameterCollection {
		t.Fatalf("mode = %v, want parameter collection", reply.Session.Mode)
	}
	if !strings.Contains(reply.Question, "订单号") {
		t.Errorf("question = %q", reply.Question)
	}

	reply, err = m.HandleReply(ctx, "acme", sess.ID, "SO-12345", testConfig())
	if err != nil {
		t.Fatalf("HandleReply(order): %v", err)
	}
	if !strings.Contains(reply.Question, "发货日期") {
		t.Errorf("question = %q", reply.Question)
	}

	reply, err = m.HandleReply(ctx, "acme", sess.ID, "明天", testConfig())
	if err != nil {
		t.Fatalf("HandleReply(date): %v", err)
	}
	res := reply.Resolution
	if res == nil || reply.Session.Status != datatypes.StatusCompleted {
		t.Fatalf("reply = %+v", reply)
	}
	if res.Parameters["order_no"] != "SO-12345" || res.Parameters["date"] != "明天" {
		t.Errorf("parameters = %v", res.Parameters)
	}
	if !res.RequiresApproval {
		t.Error("definition metadata must be copied onto the resolution")
	}
}

// =============================================================================
// Parameter collection
// =============================================================================

func TestParamCollection_PatternRejectsAndReprompts(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	missing := []datatypes.ParamSpec{
		{Name: "order_no", Label: "订单号", Hint: "如 SO-12345", Pattern: `^SO-\d+$`, Required: true},
	}
	sess, _, err := m.StartParamCollection(ctx, "acme", "u1", "发货", "SCHEDULE_SHIPMENT", missing, testConfig())
	if err != nil {
		t.Fatalf("StartParamCollection: %v", err)
	}

	reply, err := m.HandleReply(ctx, "acme", sess.ID, "随便写的", testConfig())
	if err != nil {
		t.Fatalf("HandleReply: %v", err)
	}
	if reply.Resolution != nil || !strings.Contains(reply.Question, "格式不正确") {
		t.Errorf("invalid value must re-prompt: %+v", reply)
	}

	reply, err = m.HandleReply(ctx, "acme", sess.ID, "SO-777", testConfig())
	if err != nil {
		t.Fatalf("HandleReply: %v", err)
	}
	if reply.Resolution == nil || reply.Resolution.Parameters["order_no"] != "SO-777" {
		t.Errorf("reply = %+v", reply)
	}
}

// =============================================================================
// Lifecycle
// =============================================================================

func TestSession_ExpiredReplyTimesOut(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	cfg := testConfig()
	cfg.SessionTimeout = config.Duration(-time.Second)
	sess, _, err := m.StartDisambiguation(ctx, "acme", "u1", "看一下", kpiCandidates(), cfg)
	if err != nil {
		t.Fatalf("StartDisambiguation: %v", err)
	}

	if _, err := m.HandleReply(ctx, "acme", sess.ID, "1", cfg); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expired session must be gone, got %v", err)
	}
	got, err := m.Get(ctx, "acme", sess.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != datatypes.StatusTimeout {
		t.Errorf("status = %v, want TIMEOUT", got.Status)
	}
}

func TestSession_Cancel(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	sess, _, err := m.StartDisambiguation(ctx, "acme", "u1", "看一下", kpiCandidates(), testConfig())
	if err != nil {
		t.Fatalf("StartDisambiguation: %v", err)
	}
	cancelled, err := m.Cancel(ctx, "acme", sess.ID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if cancelled.Status != datatypes.StatusCancelled {
		t.Errorf("status = %v", cancelled.Status)
	}
	if active, _ := m.Active(ctx, "acme", "u1"); active != nil {
		t.Error("cancelled session still reported active")
	}
}

func TestSession_NewSessionReplacesActive(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	first, _, err := m.StartDisambiguation(ctx, "acme", "u1", "a", kpiCandidates(), testConfig())
	if err != nil {
		t.Fatalf("StartDisambiguation: %v", err)
	}
	second, _, err := m.StartDisambiguation(ctx, "acme", "u1", "b", kpiCandidates(), testConfig())
	if err != nil {
		t.Fatalf("StartDisambiguation: %v", err)
	}

	active, err := m.Active(ctx, "acme", "u1")
	if err != nil {
		t.Fatalf("Active: %v", err)
	}
	if active == nil || active.ID != second.ID {
		t.Errorf("active = %+v, want %s", active, second.ID)
	}
	if _, err := m.HandleReply(ctx, "acme", first.ID, "1", testConfig()); !errors.Is(err, ErrNoSession) {
		t.Errorf("replaced session must be unreachable, got %v", err)
	}
}

func TestSession_ForeignTenantCannotTouchSession(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	sess, _, err := m.StartDisambiguation(ctx, "acme", "u1", "看一下", kpiCandidates(), testConfig())
	if err != nil {
		t.Fatalf("StartDisambiguation: %v", err)
	}

	if _, err := m.HandleReply(ctx, "globex", sess.ID, "1", testConfig()); !errors.Is(err, ErrNoSession) {
		t.Errorf("foreign reply must look like a missing session, got %v", err)
	}
	if _, err := m.Cancel(ctx, "globex", sess.ID); !errors.Is(err, ErrNoSession) {
		t.Errorf("foreign cancel must look like a missing session, got %v", err)
	}
	if _, err := m.Get(ctx, "globex", sess.ID); !errors.Is(err, ErrNoSession) {
		t.Errorf("foreign lookup must look like a missing session, got %v", err)
	}

	// The owner's session is untouched by the attempts.
	got, err := m.Get(ctx, "acme", sess.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != datatypes.StatusActive || got.Round != 0 {
		t.Errorf("session = status %v round %d, want untouched ACTIVE", got.Status, got.Round)
	}
}

func TestSession_CompletionHookFires(t *testing.T) {
	var done *datatypes.ConversationSession
	m := newTestManager(t, func(_ context.Context, sess *datatypes.ConversationSession) {
		done = sess
	})
	ctx := context.Background()

	sess, _, err := m.StartDisambiguation(ctx, "acme", "u1", "看一下", kpiCandidates(), testConfig())
	if err != nil {
		t.Fatalf("StartDisambiguation: %v", err)
	}
	if _, err := m.HandleReply(ctx, "acme", sess.ID, "1", testConfig()); err != nil {
		t.Fatalf("HandleReply: %v", err)
	}
	if done == nil || done.IntentCode != "REPORT_KPI" {
		t.Errorf("completion hook saw %+v", done)
	}
}

func TestSweep_TimesOutExpiredActives(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	cfg := testConfig()
	cfg.SessionTimeout = config.Duration(-time.Second)
	if _, _, err := m.StartDisambiguation(ctx, "acme", "u1", "a", kpiCandidates(), cfg); err != nil {
		t.Fatalf("StartDisambiguation: %v", err)
	}
	if _, _, err := m.StartDisambiguation(ctx, "acme", "u2", "b", kpiCandidates(), testConfig()); err != nil {
		t.Fatalf("StartDisambiguation: %v", err)
	}

	n, err := m.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n != 1 {
		t.Errorf("swept %d, want 1", n)
	}
	if live, _ := m.Active(ctx, "acme", "u2"); live == nil {
		t.Error("unexpired session must survive the sweep")
	}
}
