// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package conversation runs the bounded clarification dialogues: intent
// disambiguation ("which of these did you mean?") and parameter
// collection ("which order number?"). Sessions are a strict state
// machine — ACTIVE until completed, cancelled, timed out, or the round
// budget runs out — and exactly one ACTIVE session exists per user.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/j4xie/my-prototype-logistics-sub023/services/intent/config"
	"github.com/j4xie/my-prototype-logistics-sub023/services/intent/datatypes"
	"github.com/j4xie/my-prototype-logistics-sub023/services/intent/knowledge"
	"github.com/j4xie/my-prototype-logistics-sub023/services/intent/store"
	"github.com/j4xie/my-prototype-logistics-sub023/services/intent/textproc"
)

// ErrNoSession is returned when a reply references a session that does
// not exist or is already terminal.
var ErrNoSession = errors.New("conversation: no active session")

// confirmedConfidence is the confidence assigned to an intent the user
// explicitly picked or completed parameters for. Not 1.0: users misclick.
const confirmedConfidence = 0.95

// CompletionHook runs after a session completes with a confirmed intent,
// feeding the learning loop. Errors are logged, not propagated; learning
// must never fail a user's dialogue.
type CompletionHook func(ctx context.Context, sess *datatypes.ConversationSession)

// Reply is the manager's answer to one dialogue turn.
type Reply struct {
	Session *datatypes.ConversationSession

	// Resolution is non-nil when the dialogue produced a final answer
	// (completed, or terminated with a clarify-from-scratch advice).
	Resolution *datatypes.Resolution

	// Question is the next prompt while the session stays ACTIVE.
	Question string
}

// Manager owns session lifecycle and reply handling.
//
// # Thread Safety
//
// Safe for concurrent use. Concurrent replies to the same session are
// last-writer-wins, which matches a single human typing.
type Manager struct {
	store   *store.Store
	catalog *knowledge.Catalog
	logger  *slog.Logger
	onDone  CompletionHook
}

// NewManager creates a Manager. hook may be nil.
func NewManager(st *store.Store, catalog *knowledge.Catalog, hook CompletionHook, logger *slog.Logger) *Manager {
	if st == nil {
		panic("conversation.NewManager: store must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: st, catalog: catalog, logger: logger, onDone: hook}
}

// =============================================================================
// Session starts
// =============================================================================

// StartDisambiguation opens a session asking the user to pick among
// candidates. Any previous ACTIVE session of the user is replaced.
func (m *Manager) StartDisambiguation(ctx context.Context, tenantID, userID, utterance string, candidates []datatypes.Candidate, cfg config.TenantConfig) (*datatypes.ConversationSession, string, error) {
	now := time.Now().UTC()
	sess := &datatypes.ConversationSession{
		ID:                uuid.NewString(),
		TenantID:          tenantID,
		UserID:            userID,
		Mode:              datatypes.ModeDisambiguation,
		Status:            datatypes.StatusActive,
		Round:             0,
		MaxRounds:         cfg.MaxRounds,
		OriginalUtterance: utterance,
		Candidates:        candidates,
		CreatedAt:         now,
		ExpiresAt:         now.Add(cfg.SessionTimeout.Std()),
		UpdatedAt:         now,
	}
	if err := m.store.PutSession(ctx, sess); err != nil {
		return nil, "", err
	}
	return sess, disambiguationQuestion(candidates), nil
}

// StartParamCollection opens a session collecting missing required
// parameters for an already-determined intent.
func (m *Manager) StartParamCollection(ctx context.Context, tenantID, userID, utterance, intentCode string, missing []datatypes.ParamSpec, cfg config.TenantConfig) (*datatypes.ConversationSession, string, error) {
	if len(missing) == 0 {
		return nil, "", fmt.Errorf("conversation: no parameters to collect")
	}
	now := time.Now().UTC()
	sess := &datatypes.ConversationSession{
		ID:                uuid.NewString(),
		TenantID:          tenantID,
		UserID:            userID,
		Mode:              datatypes.ModeParameterCollection,
		Status:            datatypes.StatusActive,
		Round:             0,
		MaxRounds:         cfg.MaxRounds,
		OriginalUtterance: utterance,
		IntentCode:        intentCode,
		PendingParams:     missing,
		Collected:         make(map[string]string),
		CreatedAt:         now,
		ExpiresAt:         now.Add(cfg.SessionTimeout.Std()),
		UpdatedAt:         now,
	}
	if err := m.store.PutSession(ctx, sess); err != nil {
		return nil, "", err
	}
	return sess, paramQuestion(missing[0]), nil
}

// =============================================================================
// Reply handling
// =============================================================================

// HandleReply advances the session with the user's answer. Session ids
// are unguessable but not secret; the caller's tenant must own the
// session or the reply is rejected as if the session did not exist.
func (m *Manager) HandleReply(ctx context.Context, tenantID, sessionID, answer string, cfg config.TenantConfig) (*Reply, error) {
	sess, err := m.ownedSession(ctx, tenantID, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status.Terminal() {
		return nil, ErrNoSession
	}
	now := time.Now().UTC()
	if sess.Expired(now) {
		sess.Status = datatypes.StatusTimeout
		sess.UpdatedAt = now
		_ = m.store.PutSession(ctx, sess)
		return nil, ErrNoSession
	}

	// A round is one completed exchange; this answer closes one.
	sess.Round++
	sess.UpdatedAt = now
	sess.ExpiresAt = now.Add(cfg.SessionTimeout.Std())

	var reply *Reply
	switch sess.Mode {
	case datatypes.ModeDisambiguation:
		reply = m.handleDisambiguation(ctx, sess, answer, cfg)
	case datatypes.ModeParameterCollection:
		reply = m.handleParamCollection(ctx, sess, answer)
	default:
		return nil, fmt.Errorf("conversation: unknown session mode %q", sess.Mode)
	}

	// Round budget: an ACTIVE session that just used its last round ends
	// as MAX_ROUNDS_REACHED and the reply becomes a give-up resolution.
	if sess.Status == datatypes.StatusActive && sess.Round >= sess.MaxRounds {
		sess.Status = datatypes.StatusMaxRoundsReached
		reply.Question = ""
		reply.Resolution = &datatypes.Resolution{
			RecommendedAction:  datatypes.ActionClarify,
			Candidates:         sess.Candidates,
			ClarifyingQuestion: "",
			SessionID:          sess.ID,
			CacheHit:           datatypes.CacheHitNone,
		}
	}

	if err := m.store.PutSession(ctx, sess); err != nil {
		return nil, err
	}
	if sess.Status == datatypes.StatusCompleted && m.onDone != nil {
		m.onDone(ctx, sess)
	}
	reply.Session = sess
	return reply, nil
}

// handleDisambiguation interprets the answer as a candidate pick: a
// 1-based number, an intent code, or a fuzzy match on display names.
func (m *Manager) handleDisambiguation(ctx context.Context, sess *datatypes.ConversationSession, answer string, cfg config.TenantConfig) *Reply {
	picked := pickCandidate(sess.Candidates, answer)
	if picked == nil {
		return &Reply{Question: "抱歉，没有理解您的选择。请回复序号。\n" + disambiguationQuestion(sess.Candidates)}
	}

	sess.IntentCode = picked.IntentCode

	// The picked intent may still need parameters; fold into collection
	// mode inside the same session and round budget.
	if def, err := m.catalog.Get(ctx, sess.TenantID, picked.IntentCode); err == nil {
		missing := def.RequiredParams()
		if len(missing) > 0 && sess.Round < sess.MaxRounds {
			sess.Mode = datatypes.ModeParameterCollection
			sess.PendingParams = missing
			if sess.Collected == nil {
				sess.Collected = make(map[string]string)
			}
			return &Reply{Question: paramQuestion(missing[0])}
		}
	}

	sess.Status = datatypes.StatusCompleted
	return &Reply{Resolution: m.completedResolution(ctx, sess)}
}

// handleParamCollection validates the answer against the current pending
// parameter and advances to the next.
func (m *Manager) handleParamCollection(ctx context.Context, sess *datatypes.ConversationSession, answer string) *Reply {
	if len(sess.PendingParams) == 0 {
		sess.Status = datatypes.StatusCompleted
		return &Reply{Resolution: m.completedResolution(ctx, sess)}
	}
	param := sess.PendingParams[0]
	value := strings.TrimSpace(answer)

	if param.Pattern != "" {
		re, err := regexp.Compile(param.Pattern)
		if err != nil {
			m.logger.Warn("conversation: invalid param pattern, accepting value",
				"param", param.Name,
				"pattern", param.Pattern,
			)
		} else if !re.MatchString(value) {
			return &Reply{Question: fmt.Sprintf("「%s」格式不正确。%s", value, paramQuestion(param))}
		}
	}

	if sess.Collected == nil {
		sess.Collected = make(map[string]string)
	}
	sess.Collected[param.Name] = value
	sess.PendingParams = sess.PendingParams[1:]

	if len(sess.PendingParams) > 0 {
		return &Reply{Question: paramQuestion(sess.PendingParams[0])}
	}
	sess.Status = datatypes.StatusCompleted
	return &Reply{Resolution: m.completedResolution(ctx, sess)}
}

// completedResolution builds the final resolution for a completed
// session, copying enforcement metadata from the definition.
func (m *Manager) completedResolution(ctx context.Context, sess *datatypes.ConversationSession) *datatypes.Resolution {
	res := &datatypes.Resolution{
		IntentCode:        sess.IntentCode,
		Confidence:        confirmedConfidence,
		RecommendedAction: datatypes.ActionExecute,
		Candidates:        []datatypes.Candidate{},
		SessionID:         sess.ID,
		Source:            datatypes.SourceConversation,
		CacheHit:          datatypes.CacheHitNone,
		Parameters:        sess.Collected,
	}
	if def, err := m.catalog.Get(ctx, sess.TenantID, sess.IntentCode); err == nil {
		res.Sensitivity = def.Sensitivity
		res.RequiredRoles = def.RequiredRoles
		res.RequiresApproval = def.RequiresApproval
		res.QuotaCost = def.QuotaCost
	}
	return res
}

// =============================================================================
// Cancel / lookup / sweep
// =============================================================================

// ownedSession fetches a session and verifies the caller's tenant owns
// it. A foreign session is indistinguishable from a missing one.
func (m *Manager) ownedSession(ctx context.Context, tenantID, sessionID string) (*datatypes.ConversationSession, error) {
	sess, err := m.store.GetSessionByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNoSession
		}
		return nil, err
	}
	if sess.TenantID != tenantID {
		return nil, ErrNoSession
	}
	return sess, nil
}

// Cancel terminates a session at the user's request.
func (m *Manager) Cancel(ctx context.Context, tenantID, sessionID string) (*datatypes.ConversationSession, error) {
	sess, err := m.ownedSession(ctx, tenantID, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status.Terminal() {
		return nil, ErrNoSession
	}
	sess.Status = datatypes.StatusCancelled
	sess.UpdatedAt = time.Now().UTC()
	if err := m.store.PutSession(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Get returns a tenant-owned session by id regardless of status.
func (m *Manager) Get(ctx context.Context, tenantID, sessionID string) (*datatypes.ConversationSession, error) {
	return m.ownedSession(ctx, tenantID, sessionID)
}

// Active returns the user's ACTIVE, unexpired session, or nil.
func (m *Manager) Active(ctx context.Context, tenantID, userID string) (*datatypes.ConversationSession, error) {
	sess, err := m.store.GetActiveSession(ctx, tenantID, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if sess.Status.Terminal() || sess.Expired(time.Now()) {
		return nil, nil
	}
	return sess, nil
}

// Sweep times out every expired ACTIVE session. Returns the number swept.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	var expired []*datatypes.ConversationSession
	err := m.store.ScanSessions(ctx, func(sess *datatypes.ConversationSession) error {
		if sess.Status == datatypes.StatusActive && sess.Expired(now) {
			expired = append(expired, sess)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	for _, sess := range expired {
		sess.Status = datatypes.StatusTimeout
		sess.UpdatedAt = now
		if err := m.store.PutSession(ctx, sess); err != nil {
			return 0, err
		}
	}
	return len(expired), nil
}

// =============================================================================
// Prompt building and answer parsing
// =============================================================================

// disambiguationQuestion renders the numbered candidate menu.
func disambiguationQuestion(candidates []datatypes.Candidate) string {
	var b strings.Builder
	b.WriteString("请问您想做什么？\n")
	for i, c := range candidates {
		name := c.DisplayName
		if name == "" {
			name = c.IntentCode
		}
		fmt.Fprintf(&b, "%d. %s\n", i+1, name)
	}
	b.WriteString("请回复序号。")
	return b.String()
}

// paramQuestion renders the prompt for one parameter.
func paramQuestion(p datatypes.ParamSpec) string {
	if p.Hint != "" {
		return fmt.Sprintf("请提供%s（%s）", p.Label, p.Hint)
	}
	return fmt.Sprintf("请提供%s", p.Label)
}

// pickCandidate resolves an answer to a candidate: 1-based index first,
// then exact code, then token overlap with the display name.
func pickCandidate(candidates []datatypes.Candidate, answer string) *datatypes.Candidate {
	answer = strings.TrimSpace(answer)
	if answer == "" {
		return nil
	}
	if n, err := strconv.Atoi(answer); err == nil {
		if n >= 1 && n <= len(candidates) {
			return &candidates[n-1]
		}
		return nil
	}
	norm := textproc.Normalize(answer)
	for i := range candidates {
		if strings.EqualFold(candidates[i].IntentCode, answer) {
			return &candidates[i]
		}
	}
	// Token overlap against display names; best overlap wins, ties lose.
	answerTokens := textproc.Tokenize(norm)
	if len(answerTokens) == 0 {
		return nil
	}
	tokSet := make(map[string]bool, len(answerTokens))
	for _, t := range answerTokens {
		tokSet[t] = true
	}
	bestIdx, bestOverlap, tied := -1, 0, false
	for i := range candidates {
		nameTokens := textproc.Tokenize(textproc.Normalize(candidates[i].DisplayName))
		overlap := 0
		for _, t := range nameTokens {
			if tokSet[t] {
				overlap++
			}
		}
		switch {
		case overlap > bestOverlap:
			bestIdx, bestOverlap, tied = i, overlap, false
		case overlap == bestOverlap && overlap > 0:
			tied = true
		}
	}
	if bestIdx < 0 || tied {
		return nil
	}
	return &candidates[bestIdx]
}
