// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package intent is the resolution service: it takes a natural-language
// utterance and returns a business intent with a calibrated confidence
// and a recommended action. It orchestrates the result cache, the
// cascading matcher, confidence calibration, clarification dialogues,
// and the learning loop. It never executes intents.
package intent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/j4xie/my-prototype-logistics-sub023/services/intent/calibration"
	"github.com/j4xie/my-prototype-logistics-sub023/services/intent/config"
	"github.com/j4xie/my-prototype-logistics-sub023/services/intent/conversation"
	"github.com/j4xie/my-prototype-logistics-sub023/services/intent/datatypes"
	"github.com/j4xie/my-prototype-logistics-sub023/services/intent/embedding"
	"github.com/j4xie/my-prototype-logistics-sub023/services/intent/knowledge"
	"github.com/j4xie/my-prototype-logistics-sub023/services/intent/learning"
	"github.com/j4xie/my-prototype-logistics-sub023/services/intent/matching"
	"github.com/j4xie/my-prototype-logistics-sub023/services/intent/resultcache"
	"github.com/j4xie/my-prototype-logistics-sub023/services/intent/store"
	"github.com/j4xie/my-prototype-logistics-sub023/services/intent/textproc"
)

var tracer = otel.Tracer("services/intent")

// ErrEmptyUtterance is returned for blank input.
var ErrEmptyUtterance = errors.New("intent: utterance must not be empty")

// cancelWords end an active session when typed as a reply.
var cancelWords = map[string]bool{
	"取消": true, "算了": true, "不用了": true,
	"cancel": true, "nevermind": true, "never mind": true,
}

// ResolveRequest is one resolution call.
type ResolveRequest struct {
	TenantID  string `json:"tenant_id"`
	UserID    string `json:"user_id" binding:"required"`
	Utterance string `json:"utterance" binding:"required"`

	// SessionID routes the utterance into an active conversation. When
	// empty, the user's active session (if any) is used automatically.
	SessionID string `json:"session_id,omitempty"`
}

// ResolveResponse wraps the resolution with the sample id, so feedback
// can reference this exact attempt.
type ResolveResponse struct {
	datatypes.Resolution
	SampleID string `json:"sample_id,omitempty"`
}

// Service orchestrates intent resolution.
//
// # Thread Safety
//
// Safe for concurrent use.
type Service struct {
	cfg         *config.Provider
	store       *store.Store
	catalog     *knowledge.Catalog
	cascade     *matching.Cascade
	cache       *resultcache.Cache
	conv        *conversation.Manager
	loop        *learning.Loop
	transitions *calibration.TransitionTracker
	encoder     *embedding.QueryEncoder
	phrases     *embedding.PhraseVectorCache
	logger      *slog.Logger

	// prevIntent tracks each user's last accepted intent for the
	// transition prior. In-memory only; a restart just loses one turn
	// of prior.
	prevMu     sync.Mutex
	prevIntent map[string]string

	// tenants is the set of tenant ids seen since startup, driving
	// background sweeps and rebuilds.
	tenantMu sync.Mutex
	tenants  map[string]bool

	readyMu sync.RWMutex
	ready   bool
}

// ServiceDeps bundles the constructor dependencies.
type ServiceDeps struct {
	Config       *config.Provider
	Store        *store.Store
	Catalog      *knowledge.Catalog
	Cascade      *matching.Cascade
	Cache        *resultcache.Cache
	Conversation *conversation.Manager
	Learning     *learning.Loop
	Transitions  *calibration.TransitionTracker
	Encoder      *embedding.QueryEncoder
	Phrases      *embedding.PhraseVectorCache
	Logger       *slog.Logger
}

// NewService wires the resolver. Catalog writes invalidate the phrase
// cache and the affected tenant's result cache entries.
func NewService(deps ServiceDeps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		cfg:         deps.Config,
		store:       deps.Store,
		catalog:     deps.Catalog,
		cascade:     deps.Cascade,
		cache:       deps.Cache,
		conv:        deps.Conversation,
		loop:        deps.Learning,
		transitions: deps.Transitions,
		encoder:     deps.Encoder,
		phrases:     deps.Phrases,
		logger:      logger,
		prevIntent:  make(map[string]string),
		tenants:     map[string]bool{datatypes.PlatformTenant: true},
	}
	s.catalog.OnChange(func(tenantID string) {
		s.phrases.Invalidate(tenantID)
		go s.rewarm(tenantID)
	})
	return s
}

// rewarm re-embeds a tenant's phrases in the background after a catalog
// change. Readers degrade (not block) until it completes.
func (s *Service) rewarm(tenantID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	if err := s.WarmTenant(ctx, tenantID); err != nil {
		s.logger.Warn("rewarm failed", "tenant", tenantID, "error", err.Error())
	}
}

// WarmTenant loads or computes a tenant's phrase vectors and restores
// its transition matrix.
func (s *Service) WarmTenant(ctx context.Context, tenantID string) error {
	exprs, err := s.catalog.Expressions(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("warm %q: %w", tenantID, err)
	}
	if err := s.phrases.Warm(ctx, tenantID, exprs); err != nil {
		return fmt.Errorf("warm %q: %w", tenantID, err)
	}
	if err := s.transitions.Load(ctx, tenantID); err != nil {
		s.logger.Warn("transition snapshot load failed", "tenant", tenantID, "error", err.Error())
	}
	defs, err := s.catalog.Definitions(ctx, tenantID)
	if err == nil {
		s.transitions.SetCatalogSize(tenantID, len(defs))
	}
	return nil
}

// SetReady flips the warmup guard. The HTTP layer returns 503 for
// resolve calls until the first warm completes.
func (s *Service) SetReady(ready bool) {
	s.readyMu.Lock()
	s.ready = ready
	s.readyMu.Unlock()
}

// Ready reports whether startup warming finished.
func (s *Service) Ready() bool {
	s.readyMu.RLock()
	defer s.readyMu.RUnlock()
	return s.ready
}

// Catalog exposes the knowledge catalog for the admin surface.
func (s *Service) Catalog() *knowledge.Catalog { return s.catalog }

// Cache exposes the result cache for the admin surface.
func (s *Service) Cache() *resultcache.Cache { return s.cache }

// Learning exposes the learning loop for the admin surface.
func (s *Service) Learning() *learning.Loop { return s.loop }

// Transitions exposes the transition tracker for the admin surface.
func (s *Service) Transitions() *calibration.TransitionTracker { return s.transitions }

// Conversations exposes the conversation manager.
func (s *Service) Conversations() *conversation.Manager { return s.conv }

// ConfigFor returns the effective tenant configuration.
func (s *Service) ConfigFor(tenantID string) config.TenantConfig {
	return s.cfg.Resolve(tenantID)
}

// noteTenant records a tenant for background maintenance.
func (s *Service) noteTenant(tenantID string) {
	s.tenantMu.Lock()
	s.tenants[tenantID] = true
	s.tenantMu.Unlock()
}

// KnownTenants returns the tenants seen since startup.
func (s *Service) KnownTenants() []string {
	s.tenantMu.Lock()
	defer s.tenantMu.Unlock()
	out := make([]string, 0, len(s.tenants))
	for id := range s.tenants {
		out = append(out, id)
	}
	return out
}

// =============================================================================
// Resolve
// =============================================================================

// Resolve runs the full pipeline for one utterance.
func (s *Service) Resolve(ctx context.Context, req *ResolveRequest) (*ResolveResponse, error) {
	ctx, span := tracer.Start(ctx, "intent.Resolve", trace.WithAttributes(
		attribute.String("tenant", req.TenantID),
	))
	defer span.End()
	started := time.Now()

	utterance := strings.TrimSpace(req.Utterance)
	if utterance == "" {
		return nil, ErrEmptyUtterance
	}
	s.noteTenant(req.TenantID)
	cfg := s.cfg.Resolve(req.TenantID)

	// An in-flight conversation absorbs the input before anything else.
	if resp, handled, err := s.maybeHandleSessionReply(ctx, req, utterance, cfg); handled {
		return resp, err
	}

	normalized := textproc.Normalize(utterance)
	hash := textproc.Hash(normalized)
	tokens := textproc.Tokenize(normalized)

	// The input vector serves cache lookup, the semantic stage (via the
	// encoder's own cache) and cache store. Nil when degraded.
	var queryVec []float32
	if cfg.SemanticEnabled && s.encoder.Available() {
		embedCtx, cancel := context.WithTimeout(ctx, cfg.EmbeddingTimeout.Std())
		if vec, err := s.encoder.Encode(embedCtx, normalized); err == nil {
			queryVec = vec
		}
		cancel()
	}

	// Result cache.
	if cfg.CacheEnabled {
		if hit := s.cache.Lookup(ctx, req.TenantID, hash, queryVec, cfg.CacheSemanticThreshold); hit != nil {
			cacheLookupsTotal.WithLabelValues(string(hit.Level)).Inc()
			return s.finishFromCache(ctx, req, utterance, hit, started)
		}
		cacheLookupsTotal.WithLabelValues("MISS").Inc()
	}

	prev := s.previousIntent(req.TenantID, req.UserID)

	outcome, err := s.cascade.Match(ctx, &matching.MatchRequest{
		TenantID:       req.TenantID,
		UserID:         req.UserID,
		Text:           normalized,
		Hash:           hash,
		Tokens:         tokens,
		PrevIntentCode: prev,
		Cfg:            cfg,
	})
	if err != nil {
		return nil, fmt.Errorf("intent: match: %w", err)
	}

	res := s.calibrate(outcome, prev, req.TenantID, cfg)
	res.Degraded = outcome.Degraded
	if outcome.Degraded {
		degradedTotal.Inc()
	}

	resp, err := s.dispatch(ctx, req, utterance, normalized, hash, queryVec, outcome, res, cfg)
	if err != nil {
		return nil, err
	}

	source := "NONE"
	if resp.Source != "" {
		source = string(resp.Source)
	}
	resolutionsTotal.WithLabelValues(source, string(resp.RecommendedAction)).Inc()
	resolutionLatencySeconds.WithLabelValues(source).Observe(time.Since(started).Seconds())
	span.SetAttributes(
		attribute.String("action", string(resp.RecommendedAction)),
		attribute.String("source", source),
		attribute.Float64("confidence", resp.Confidence),
	)
	return resp, nil
}

// maybeHandleSessionReply routes the utterance into an active session.
// handled=false means no session applies and normal resolution proceeds.
func (s *Service) maybeHandleSessionReply(ctx context.Context, req *ResolveRequest, utterance string, cfg config.TenantConfig) (*ResolveResponse, bool, error) {
	sessionID := req.SessionID
	if sessionID == "" {
		active, err := s.conv.Active(ctx, req.TenantID, req.UserID)
		if err != nil {
			return nil, true, err
		}
		if active == nil {
			return nil, false, nil
		}
		sessionID = active.ID
	}

	if cancelWords[strings.ToLower(strings.TrimSpace(utterance))] {
		sess, err := s.conv.Cancel(ctx, req.TenantID, sessionID)
		if err != nil {
			if errors.Is(err, conversation.ErrNoSession) {
				return nil, false, nil
			}
			return nil, true, err
		}
		sessionsTotal.WithLabelValues(string(sess.Status)).Inc()
		return &ResolveResponse{Resolution: datatypes.Resolution{
			RecommendedAction: datatypes.ActionClarify,
			Candidates:        []datatypes.Candidate{},
			SessionID:         sess.ID,
			CacheHit:          datatypes.CacheHitNone,
		}}, true, nil
	}

	reply, err := s.conv.HandleReply(ctx, req.TenantID, sessionID, utterance, cfg)
	if err != nil {
		if errors.Is(err, conversation.ErrNoSession) {
			// Stale session: resolve the utterance fresh.
			return nil, false, nil
		}
		return nil, true, err
	}

	sess := reply.Session
	if sess.Status.Terminal() {
		sessionsTotal.WithLabelValues(string(sess.Status)).Inc()
	}

	if reply.Resolution != nil && sess.Status == datatypes.StatusCompleted {
		sampleID := s.recordSample(ctx, req, sess.OriginalUtterance, reply.Resolution, sess.ID)
		s.acceptIntent(req.TenantID, req.UserID, reply.Resolution.IntentCode)
		return &ResolveResponse{Resolution: *reply.Resolution, SampleID: sampleID}, true, nil
	}
	if reply.Resolution != nil {
		return &ResolveResponse{Resolution: *reply.Resolution}, true, nil
	}
	return &ResolveResponse{Resolution: datatypes.Resolution{
		RecommendedAction:  datatypes.ActionClarify,
		Candidates:         sess.Candidates,
		ClarifyingQuestion: reply.Question,
		SessionID:          sess.ID,
		CacheHit:           datatypes.CacheHitNone,
	}}, true, nil
}

// previousIntent returns the user's last accepted intent code.
func (s *Service) previousIntent(tenantID, userID string) string {
	s.prevMu.Lock()
	defer s.prevMu.Unlock()
	return s.prevIntent[tenantID+"\x00"+userID]
}

// acceptIntent records a resolved intent as the user's new previous
// intent and feeds the live transition counts.
func (s *Service) acceptIntent(tenantID, userID, intentCode string) {
	if intentCode == "" {
		return
	}
	key := tenantID + "\x00" + userID
	s.prevMu.Lock()
	prev := s.prevIntent[key]
	s.prevIntent[key] = intentCode
	s.prevMu.Unlock()
	if prev != "" {
		s.transitions.Record(tenantID, prev, intentCode)
	}
}

// calibrate fuses the cascade outcome into a Resolution shell (intent,
// confidence, action, candidates). Dispatch fills the rest.
func (s *Service) calibrate(outcome *matching.Outcome, prev, tenantID string, cfg config.TenantConfig) *datatypes.Resolution {
	res := &datatypes.Resolution{
		Candidates: outcome.Candidates,
		CacheHit:   datatypes.CacheHitNone,
	}
	if res.Candidates == nil {
		res.Candidates = []datatypes.Candidate{}
	}
	if outcome.Winner == nil {
		res.RecommendedAction = datatypes.ActionClarify
		return res
	}

	winner := outcome.Winner
	res.IntentCode = winner.IntentCode
	res.Source = winner.Source

	if outcome.ShortCircuit {
		// Exact, approximate and RAG reuse carry their own precision;
		// fusing weaker signals on top could only dilute them.
		res.Confidence = winner.RawScore
		res.RecommendedAction = calibration.BandAction(res.Confidence, cfg.Calibration)
		return res
	}

	in := calibration.Inputs{}
	if outcome.Keyword != nil && outcome.Keyword.IntentCode == winner.IntentCode {
		in.Keyword, in.HasKeyword = outcome.Keyword.Score, true
	}
	if outcome.Semantic != nil && outcome.Semantic.IntentCode == winner.IntentCode {
		in.Semantic, in.HasSemantic = outcome.Semantic.Score, true
	}
	if outcome.LLM != nil && outcome.LLM.IntentCode == winner.IntentCode {
		in.LLM, in.HasLLM = outcome.LLM.Score, true
	}
	if p, ok := s.transitions.Prob(tenantID, prev, winner.IntentCode); ok {
		in.Transition, in.HasTransition = p, true
	}

	fused := calibration.Fuse(in, cfg.Calibration)
	res.Confidence = fused.Final
	res.RecommendedAction = fused.Action
	return res
}

// dispatch turns the calibrated shell into the final response: enforce
// metadata copy, parameter collection, disambiguation sessions, sample
// logging, auto-learning and cache write.
func (s *Service) dispatch(ctx context.Context, req *ResolveRequest, utterance, normalized, hash string, queryVec []float32, outcome *matching.Outcome, res *datatypes.Resolution, cfg config.TenantConfig) (*ResolveResponse, error) {
	switch res.RecommendedAction {
	case datatypes.ActionExecute, datatypes.ActionConfirm:
		def, err := s.catalog.Get(ctx, req.TenantID, res.IntentCode)
		if err != nil {
			// Winner vanished mid-flight (catalog write race); clarify.
			res.IntentCode = ""
			res.RecommendedAction = datatypes.ActionClarify
			return s.dispatchClarify(ctx, req, utterance, res, cfg)
		}
		res.Sensitivity = def.Sensitivity
		res.RequiredRoles = def.RequiredRoles
		res.RequiresApproval = def.RequiresApproval
		res.QuotaCost = def.QuotaCost

		// Required parameters cannot come from a single-shot utterance;
		// open a collection dialogue and hold the action.
		if missing := def.RequiredParams(); len(missing) > 0 {
			sess, question, err := s.conv.StartParamCollection(ctx, req.TenantID, req.UserID, utterance, res.IntentCode, missing, cfg)
			if err != nil {
				return nil, err
			}
			res.SessionID = sess.ID
			res.ClarifyingQuestion = question
		}

		sampleID := s.recordSample(ctx, req, utterance, res, res.SessionID)
		// Only a truly accepted resolution becomes a transition step and
		// a cache entry. One pending params, the session completion path
		// does both instead.
		if res.SessionID == "" {
			s.acceptIntent(req.TenantID, req.UserID, res.IntentCode)
			s.loop.MaybeAutoLearn(ctx, req.TenantID, normalized, res.IntentCode, res.Source, res.Confidence, cfg)
			if cfg.CacheEnabled && res.RecommendedAction == datatypes.ActionExecute {
				s.storeCacheEntry(ctx, req.TenantID, hash, queryVec, res, def, cfg)
			}
		}
		return &ResolveResponse{Resolution: *res, SampleID: sampleID}, nil

	case datatypes.ActionShowCandidates:
		sampleID := s.recordSample(ctx, req, utterance, res, "")
		return &ResolveResponse{Resolution: *res, SampleID: sampleID}, nil

	default:
		return s.dispatchClarify(ctx, req, utterance, res, cfg)
	}
}

// dispatchClarify opens a disambiguation session when there is anything
// to disambiguate, otherwise asks for a rephrase.
func (s *Service) dispatchClarify(ctx context.Context, req *ResolveRequest, utterance string, res *datatypes.Resolution, cfg config.TenantConfig) (*ResolveResponse, error) {
	res.IntentCode = ""
	res.Source = ""
	if len(res.Candidates) >= 2 {
		sess, question, err := s.conv.StartDisambiguation(ctx, req.TenantID, req.UserID, utterance, res.Candidates, cfg)
		if err != nil {
			return nil, err
		}
		res.SessionID = sess.ID
		res.ClarifyingQuestion = question
	} else {
		res.ClarifyingQuestion = "抱歉，我没有理解您的意思，请换一种说法。"
	}
	sampleID := s.recordSample(ctx, req, utterance, res, res.SessionID)
	return &ResolveResponse{Resolution: *res, SampleID: sampleID}, nil
}

// finishFromCache replays a cached resolution.
func (s *Service) finishFromCache(ctx context.Context, req *ResolveRequest, utterance string, hit *resultcache.Hit, started time.Time) (*ResolveResponse, error) {
	e := hit.Entry
	cfg := s.cfg.Resolve(req.TenantID)
	res := &datatypes.Resolution{
		IntentCode:        e.IntentCode,
		Confidence:        e.Confidence,
		RecommendedAction: calibration.BandAction(e.Confidence, cfg.Calibration),
		Candidates:        []datatypes.Candidate{},
		Source:            datatypes.SourceCache,
		CacheHit:          hit.Level,
	}
	if def, err := s.catalog.Get(ctx, req.TenantID, e.IntentCode); err == nil {
		res.Sensitivity = def.Sensitivity
		res.RequiredRoles = def.RequiredRoles
		res.RequiresApproval = def.RequiresApproval
		res.QuotaCost = def.QuotaCost
	}
	sampleID := s.recordSample(ctx, req, utterance, res, "")
	s.acceptIntent(req.TenantID, req.UserID, e.IntentCode)

	resolutionsTotal.WithLabelValues(string(datatypes.SourceCache), string(res.RecommendedAction)).Inc()
	resolutionLatencySeconds.WithLabelValues(string(datatypes.SourceCache)).Observe(time.Since(started).Seconds())
	return &ResolveResponse{Resolution: *res, SampleID: sampleID}, nil
}

// storeCacheEntry writes an EXECUTE resolution into the result cache.
// Per-intent TTL overrides the tenant default.
func (s *Service) storeCacheEntry(ctx context.Context, tenantID, hash string, queryVec []float32, res *datatypes.Resolution, def *datatypes.IntentDefinition, cfg config.TenantConfig) {
	ttl := cfg.CacheTTL.Std()
	if def.CacheTTL > 0 {
		ttl = def.CacheTTL
	}
	entry := &datatypes.SemanticCacheEntry{
		TenantID:   tenantID,
		Hash:       hash,
		Embedding:  queryVec,
		IntentCode: res.IntentCode,
		Confidence: res.Confidence,
		Source:     res.Source,
	}
	if err := s.cache.Store(ctx, entry, ttl); err != nil {
		s.logger.Warn("result cache store failed", "tenant", tenantID, "error", err.Error())
	}
}

// recordSample appends a training sample for this resolution attempt.
// Failures are logged, never surfaced: losing a log row must not fail a
// user's request.
func (s *Service) recordSample(ctx context.Context, req *ResolveRequest, utterance string, res *datatypes.Resolution, sessionID string) string {
	method := res.Source
	if method == "" {
		method = datatypes.SourceConversation
		if res.RecommendedAction == datatypes.ActionClarify || res.RecommendedAction == datatypes.ActionShowCandidates {
			method = "NONE"
		}
	}
	sample := &datatypes.TrainingSample{
		TenantID:       req.TenantID,
		UserID:         req.UserID,
		SessionID:      sessionID,
		Input:          utterance,
		IntentCode:     res.IntentCode,
		PrevIntentCode: s.previousIntent(req.TenantID, req.UserID),
		Method:         method,
		Confidence:     res.Confidence,
		Feedback:       datatypes.FeedbackNone,
	}
	if err := s.store.AppendSample(ctx, sample); err != nil {
		s.logger.Warn("sample append failed", "tenant", req.TenantID, "error", err.Error())
		return ""
	}
	return sample.ID
}

// =============================================================================
// Feedback
// =============================================================================

// FeedbackRequest is one explicit feedback call.
type FeedbackRequest struct {
	TenantID string `json:"tenant_id"`
	SampleID string `json:"sample_id" binding:"required"`
	Positive bool   `json:"positive"`

	// CorrectedIntentCode names the intended intent on negative feedback.
	CorrectedIntentCode string `json:"corrected_intent_code,omitempty"`
}

// Feedback applies explicit user feedback to a prior resolution. On
// confirmation the utterance also enters the RAG case corpus.
func (s *Service) Feedback(ctx context.Context, req *FeedbackRequest) (*datatypes.TrainingSample, error) {
	cfg := s.cfg.Resolve(req.TenantID)
	if req.Positive {
		sample, err := s.loop.RecordPositive(ctx, req.SampleID, cfg)
		if err != nil {
			return nil, err
		}
		feedbackTotal.WithLabelValues(string(datatypes.FeedbackConfirmed)).Inc()
		expressionsLearnedTotal.WithLabelValues(string(datatypes.ExprFeedback)).Inc()
		s.recordCase(ctx, sample)
		return sample, nil
	}
	sample, err := s.loop.RecordNegative(ctx, req.SampleID, req.CorrectedIntentCode, cfg)
	if err != nil {
		return nil, err
	}
	feedbackTotal.WithLabelValues(string(datatypes.FeedbackRejected)).Inc()
	// A rejection also evicts the poisoned cache entry.
	if sample.IntentCode != "" {
		if _, err := s.cache.InvalidateIntent(ctx, sample.TenantID, sample.IntentCode); err != nil {
			s.logger.Warn("cache invalidation after rejection failed", "error", err.Error())
		}
	}
	return sample, nil
}

// recordCase adds a confirmed sample to the RAG case corpus, embedding
// the utterance when the capability is up.
func (s *Service) recordCase(ctx context.Context, sample *datatypes.TrainingSample) {
	if sample.IntentCode == "" {
		return
	}
	text := textproc.Normalize(sample.Input)
	c := &datatypes.ResolvedCase{
		TenantID:   sample.TenantID,
		Hash:       textproc.Hash(text),
		Text:       text,
		IntentCode: sample.IntentCode,
		Confidence: sample.Confidence,
		CreatedAt:  time.Now().UTC(),
	}
	if s.encoder.Available() {
		if vec, err := s.encoder.Encode(ctx, text); err == nil {
			c.Embedding = vec
		}
	}
	if err := s.store.PutCase(ctx, c); err != nil {
		s.logger.Warn("case record failed", "tenant", sample.TenantID, "error", err.Error())
	}
}

// =============================================================================
// Background maintenance
// =============================================================================

// RunMaintenance executes one sweep cycle: session timeouts, expression
// aging, transition rebuilds. Called periodically from main.
func (s *Service) RunMaintenance(ctx context.Context) {
	if n, err := s.conv.Sweep(ctx); err != nil {
		s.logger.Warn("session sweep failed", "error", err.Error())
	} else if n > 0 {
		sessionsTotal.WithLabelValues(string(datatypes.StatusTimeout)).Add(float64(n))
	}
	for _, tenantID := range s.KnownTenants() {
		cfg := s.cfg.Resolve(tenantID)
		if _, err := s.loop.SweepExpressions(ctx, tenantID, cfg); err != nil {
			s.logger.Warn("expression sweep failed", "tenant", tenantID, "error", err.Error())
		}
		if err := s.transitions.Rebuild(ctx, tenantID); err != nil {
			s.logger.Warn("transition rebuild failed", "tenant", tenantID, "error", err.Error())
		}
	}
}
