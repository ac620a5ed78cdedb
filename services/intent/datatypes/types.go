// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes defines the shared data model for the intent resolution
// core: intent definitions, learned expressions, training samples,
// conversation sessions, and the wire shapes exchanged with upstream callers.
//
// All entities are tenant-scoped. The empty tenant id ("") denotes the
// platform-level default scope that tenant-specific records override.
package datatypes

import (
	"time"
)

// PlatformTenant is the tenant id of the platform-level default scope.
// Tenant-specific records with the same intent code override platform records.
const PlatformTenant = ""

// =============================================================================
// Match Sources and Recommended Actions
// =============================================================================

// MatchSource identifies which matcher stage produced a candidate.
type MatchSource string

const (
	// SourceExact is an O(1) learned-expression hash hit.
	SourceExact MatchSource = "EXACT"

	// SourceApproximate is an edit-distance match against learned expressions.
	SourceApproximate MatchSource = "APPROXIMATE"

	// SourceKeyword is a weighted keyword-overlap match.
	SourceKeyword MatchSource = "KEYWORD"

	// SourceSemantic is an embedding cosine-similarity match.
	SourceSemantic MatchSource = "SEMANTIC"

	// SourceRAG is a direct reuse of a similar historical case.
	SourceRAG MatchSource = "RAG"

	// SourceLLM is the retrieval-augmented LLM fallback classification.
	SourceLLM MatchSource = "LLM"

	// SourceCache marks a result served from the semantic result cache.
	SourceCache MatchSource = "CACHE"

	// SourceConversation marks a result confirmed through a clarification
	// dialogue rather than a single-shot match.
	SourceConversation MatchSource = "CONVERSATION"
)

// RecommendedAction is the calibrated next step for a resolution.
type RecommendedAction string

const (
	// ActionExecute means confidence is high enough to act directly.
	ActionExecute RecommendedAction = "EXECUTE"

	// ActionConfirm means ask the user to confirm, then act.
	ActionConfirm RecommendedAction = "CONFIRM"

	// ActionShowCandidates means present the ranked candidate list.
	ActionShowCandidates RecommendedAction = "SHOW_CANDIDATES"

	// ActionClarify means start a disambiguation conversation.
	ActionClarify RecommendedAction = "CLARIFY"
)

// Candidate is one ranked intent candidate from a matcher stage.
type Candidate struct {
	// IntentCode identifies the candidate intent.
	IntentCode string `json:"intent_code"`

	// RawScore is the stage-native score in [0.0, 1.0] before calibration.
	RawScore float64 `json:"raw_score"`

	// Source is the matcher stage that produced this candidate.
	Source MatchSource `json:"source"`

	// DisplayName is the human-readable intent name (filled from the
	// knowledge base for user-facing candidate lists).
	DisplayName string `json:"display_name,omitempty"`
}

// =============================================================================
// Intent Definitions
// =============================================================================

// WeightedKeyword is a single keyword in an intent's keyword set.
type WeightedKeyword struct {
	// Text is the keyword itself, stored lowercase.
	Text string `json:"text" yaml:"text"`

	// Weight is the keyword's contribution to the match score. Defaults to 1.0.
	Weight float64 `json:"weight" yaml:"weight"`

	// Source tags where the keyword came from: "seed", "auto", or "feedback".
	Source string `json:"source,omitempty" yaml:"source,omitempty"`
}

// ParamSpec describes one parameter an intent requires before execution.
type ParamSpec struct {
	// Name is the machine parameter name handed to the executor.
	Name string `json:"name" yaml:"name"`

	// Label is the friendly label used in collection prompts.
	Label string `json:"label" yaml:"label"`

	// Hint is an optional validation hint shown alongside the prompt.
	Hint string `json:"hint,omitempty" yaml:"hint,omitempty"`

	// Pattern is an optional regex the collected value must match.
	Pattern string `json:"pattern,omitempty" yaml:"pattern,omitempty"`

	// Required marks parameters that must be collected before completion.
	Required bool `json:"required" yaml:"required"`
}

// IntentDefinition is one entry in the intent knowledge base.
//
// Definitions are scoped per tenant; a tenant-level definition overrides the
// platform-level default with the same code. Soft-deleted definitions remain
// in the store with Deleted=true and are excluded from matching.
type IntentDefinition struct {
	TenantID string `json:"tenant_id" yaml:"tenant_id"`

	// Code is the unique intent code within its scope (e.g. "REPORT_KPI").
	Code string `json:"code" yaml:"code"`

	// Name is the display name shown in candidate lists.
	Name string `json:"name" yaml:"name"`

	// Category groups intents for reporting (e.g. "report", "timeclock").
	Category string `json:"category" yaml:"category"`

	// Keywords is the weighted keyword set used by the keyword matcher.
	Keywords []WeightedKeyword `json:"keywords" yaml:"keywords"`

	// Params lists parameters the executor needs; missing required params
	// trigger a parameter-collection conversation.
	Params []ParamSpec `json:"params,omitempty" yaml:"params,omitempty"`

	// Sensitivity is the action's sensitivity level (0 = benign).
	Sensitivity int `json:"sensitivity" yaml:"sensitivity"`

	// RequiredRoles lists roles allowed to execute this intent.
	RequiredRoles []string `json:"required_roles,omitempty" yaml:"required_roles,omitempty"`

	// RequiresApproval marks intents that need a second pair of eyes.
	RequiresApproval bool `json:"requires_approval" yaml:"requires_approval"`

	// QuotaCost is the quota units one execution consumes.
	QuotaCost int `json:"quota_cost" yaml:"quota_cost"`

	// CacheTTL overrides the tenant's default result-cache TTL for this
	// intent. Zero means use the tenant default.
	CacheTTL time.Duration `json:"cache_ttl,omitempty" yaml:"cache_ttl,omitempty"`

	// Deleted marks soft-deleted definitions.
	Deleted bool `json:"deleted" yaml:"-"`

	UpdatedAt time.Time `json:"updated_at" yaml:"-"`
}

// TotalKeywordWeight returns the sum of keyword weights, treating zero or
// negative weights as 1.0.
func (d *IntentDefinition) TotalKeywordWeight() float64 {
	var total float64
	for _, kw := range d.Keywords {
		w := kw.Weight
		if w <= 0 {
			w = 1.0
		}
		total += w
	}
	return total
}

// RequiredParams returns the subset of Params with Required=true.
func (d *IntentDefinition) RequiredParams() []ParamSpec {
	var out []ParamSpec
	for _, p := range d.Params {
		if p.Required {
			out = append(out, p)
		}
	}
	return out
}

// =============================================================================
// Learned Expressions
// =============================================================================

// ExpressionSource tags how a learned expression entered the knowledge base.
type ExpressionSource string

const (
	// ExprSeed is a phrase shipped with the intent catalog.
	ExprSeed ExpressionSource = "SEED"

	// ExprAuto was learned automatically from a high-confidence resolution.
	ExprAuto ExpressionSource = "AUTO"

	// ExprFeedback was confirmed explicitly by a user.
	ExprFeedback ExpressionSource = "FEEDBACK"
)

// LearnedExpression maps a normalized utterance to an intent code.
//
// The exact matcher looks these up by hash in O(1); the approximate and
// semantic matchers use the expression text and its embedding.
type LearnedExpression struct {
	TenantID   string `json:"tenant_id"`
	IntentCode string `json:"intent_code"`

	// Text is the normalized expression text.
	Text string `json:"text"`

	// Hash is the SHA256 of Text, the tenant-scoped dedup key.
	Hash string `json:"hash"`

	// Confidence is returned directly on an exact hit.
	Confidence float64 `json:"confidence"`

	Source ExpressionSource `json:"source"`

	// HitCount counts exact/approximate hits; expressions whose count stays
	// low past the aging threshold are deactivated by the periodic sweep.
	HitCount int64 `json:"hit_count"`

	// Verified marks expressions confirmed by explicit user feedback.
	Verified bool `json:"verified"`

	// Active gates the expression's participation in matching.
	Active bool `json:"active"`

	CreatedAt time.Time `json:"created_at"`
	LastHitAt time.Time `json:"last_hit_at,omitempty"`
}

// =============================================================================
// Training Samples
// =============================================================================

// FeedbackOutcome is the later-attached outcome of a resolution attempt.
type FeedbackOutcome string

const (
	FeedbackNone      FeedbackOutcome = "NONE"
	FeedbackConfirmed FeedbackOutcome = "CONFIRMED"
	FeedbackRejected  FeedbackOutcome = "REJECTED"
)

// TrainingSample is one append-only log row per resolution attempt. It is the
// source of truth for transition statistics and accuracy reporting.
type TrainingSample struct {
	ID        string `json:"id"`
	TenantID  string `json:"tenant_id"`
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id,omitempty"`

	// Input is the raw utterance.
	Input string `json:"input"`

	// IntentCode is the matched intent, empty when nothing matched.
	IntentCode string `json:"intent_code,omitempty"`

	// PrevIntentCode is the user's previous confirmed intent, used to build
	// the transition matrix.
	PrevIntentCode string `json:"prev_intent_code,omitempty"`

	// Method is the matcher stage (or CACHE) that produced the result.
	Method MatchSource `json:"method"`

	Confidence float64 `json:"confidence"`

	// Feedback is attached after the fact; NONE until then.
	Feedback FeedbackOutcome `json:"feedback"`

	// CorrectedIntentCode is set when negative feedback names the intent the
	// user actually wanted.
	CorrectedIntentCode string `json:"corrected_intent_code,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// =============================================================================
// Conversation Sessions
// =============================================================================

// SessionMode selects the dialogue behavior of a conversation session.
type SessionMode string

const (
	// ModeDisambiguation asks the user to pick between candidate intents.
	ModeDisambiguation SessionMode = "INTENT_DISAMBIGUATION"

	// ModeParameterCollection collects missing required parameters for an
	// already-determined intent.
	ModeParameterCollection SessionMode = "PARAMETER_COLLECTION"
)

// SessionStatus is the state-machine state of a conversation session.
// ACTIVE is the only non-terminal state.
type SessionStatus string

const (
	StatusActive           SessionStatus = "ACTIVE"
	StatusCompleted        SessionStatus = "COMPLETED"
	StatusTimeout          SessionStatus = "TIMEOUT"
	StatusCancelled        SessionStatus = "CANCELLED"
	StatusMaxRoundsReached SessionStatus = "MAX_ROUNDS_REACHED"
)

// Terminal reports whether s is a terminal state. There are no transitions
// out of a terminal state.
func (s SessionStatus) Terminal() bool {
	return s != StatusActive
}

// ConversationSession is one bounded multi-round dialogue. Exactly one ACTIVE
// session exists per (tenant, user); starting a new one terminates the old.
type ConversationSession struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`
	UserID   string `json:"user_id"`

	Mode   SessionMode   `json:"mode"`
	Status SessionStatus `json:"status"`

	// Round counts completed question/answer exchanges. Invariant:
	// Round <= MaxRounds at all times.
	Round     int `json:"round"`
	MaxRounds int `json:"max_rounds"`

	// OriginalUtterance is the utterance that started the session. On
	// COMPLETED it is handed to the learning loop with the confirmed intent.
	OriginalUtterance string `json:"original_utterance"`

	// Candidates is the pending candidate list (disambiguation mode).
	Candidates []Candidate `json:"candidates,omitempty"`

	// IntentCode is the determined intent (parameter-collection mode, or
	// set on completion of disambiguation).
	IntentCode string `json:"intent_code,omitempty"`

	// PendingParams are the parameters still to collect, in prompt order.
	PendingParams []ParamSpec `json:"pending_params,omitempty"`

	// Collected holds parameter values gathered so far.
	Collected map[string]string `json:"collected,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Expired reports whether the session's inactivity window has passed.
func (s *ConversationSession) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// =============================================================================
// Semantic Cache Entries
// =============================================================================

// SemanticCacheEntry is one cached resolution keyed by the normalized
// utterance hash, optionally carrying the input embedding for semantic reuse.
type SemanticCacheEntry struct {
	TenantID string `json:"tenant_id"`

	// Hash is the SHA256 of the normalized utterance.
	Hash string `json:"hash"`

	// Embedding is the input vector, present only when semantic matching was
	// enabled at store time. Unit-normalized.
	Embedding []float32 `json:"embedding,omitempty"`

	IntentCode string      `json:"intent_code"`
	Confidence float64     `json:"confidence"`
	Source     MatchSource `json:"source"`

	// ExecutionResult is the prior execution outcome attached by the
	// business-action layer, replayed verbatim on a hit.
	ExecutionResult string `json:"execution_result,omitempty"`

	ExpiresAt time.Time `json:"expires_at"`

	// ExactHits and SemanticHits count reuse by lookup level.
	ExactHits    int64 `json:"exact_hits"`
	SemanticHits int64 `json:"semantic_hits"`

	CreatedAt time.Time `json:"created_at"`
}

// =============================================================================
// Resolved Cases (retrieval corpus)
// =============================================================================

// ResolvedCase is one confirmed historical resolution kept for retrieval.
// High-similarity cases are reused directly; otherwise the nearest cases
// become few-shot examples for the LLM fallback.
type ResolvedCase struct {
	TenantID string `json:"tenant_id"`

	// Hash is the SHA256 of the normalized utterance, also the storage key.
	Hash string `json:"hash"`

	// Text is the normalized utterance, kept for few-shot prompts and for
	// lexical retrieval when embeddings are unavailable.
	Text string `json:"text"`

	// Embedding is the unit-normalized input vector, empty when the case
	// was recorded while the embedding capability was down.
	Embedding []float32 `json:"embedding,omitempty"`

	IntentCode string  `json:"intent_code"`
	Confidence float64 `json:"confidence"`

	// HitCount counts direct reuses of this case.
	HitCount int64 `json:"hit_count"`

	CreatedAt time.Time `json:"created_at"`
}

// =============================================================================
// Resolution (upstream contract)
// =============================================================================

// CacheHitLevel reports which cache level served a resolution.
type CacheHitLevel string

const (
	CacheHitNone     CacheHitLevel = "NONE"
	CacheHitExact    CacheHitLevel = "EXACT"
	CacheHitSemantic CacheHitLevel = "SEMANTIC"
)

// Resolution is the upstream result of one resolve() call.
type Resolution struct {
	// IntentCode is the resolved intent; empty when clarification is needed.
	IntentCode string `json:"intent_code,omitempty"`

	// Confidence is the calibrated final confidence in [0.0, 1.0].
	Confidence float64 `json:"confidence"`

	RecommendedAction RecommendedAction `json:"recommended_action"`

	// Candidates is the ranked candidate list (always present, may be empty).
	Candidates []Candidate `json:"candidates"`

	// ClarifyingQuestion is set when a conversation round is pending.
	ClarifyingQuestion string `json:"clarifying_question,omitempty"`

	// SessionID identifies the conversation session when one is active.
	SessionID string `json:"session_id,omitempty"`

	// Source is the stage that produced the winning candidate.
	Source MatchSource `json:"source,omitempty"`

	// CacheHit reports cache reuse for observability and tests.
	CacheHit CacheHitLevel `json:"cache_hit"`

	// Parameters holds collected parameter values once parameter collection
	// completes. The executor consumes these; this core never executes.
	Parameters map[string]string `json:"parameters,omitempty"`

	// Degraded is true when an AI capability was unavailable and the result
	// was produced by the remaining stages only.
	Degraded bool `json:"degraded,omitempty"`

	// Sensitivity, RequiredRoles, RequiresApproval and QuotaCost are copied
	// from the intent definition so the business-action layer can enforce
	// them without a second lookup.
	Sensitivity      int      `json:"sensitivity,omitempty"`
	RequiredRoles    []string `json:"required_roles,omitempty"`
	RequiresApproval bool     `json:"requires_approval,omitempty"`
	QuotaCost        int      `json:"quota_cost,omitempty"`
}

// Message is one chat message exchanged with the LLM capability.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
