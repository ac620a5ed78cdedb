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
	"fmt"
	"log/slog"
	"strings"

	"github.com/j4xie/my-prototype-logistics-sub023/services/intent/datatypes"
	"github.com/j4xie/my-prototype-logistics-sub023/services/intent/knowledge"
	"github.com/j4xie/my-prototype-logistics-sub023/services/intent/llm"
	"github.com/j4xie/my-prototype-logistics-sub023/services/intent/rag"
)

// LLMFallbackMatcher is the last rung of the ladder. Before paying for a
// chat call it checks the retrieved cases: a historical case above the
// direct-reuse threshold is returned as-is (SourceRAG). Otherwise the
// nearest cases become few-shot examples in a classification prompt.
//
// The model's answer is only trusted if the intent code actually exists
// in the tenant's catalog.
type LLMFallbackMatcher struct {
	catalog   *knowledge.Catalog
	retriever *rag.Retriever
	chat      llm.ChatClient
	logger    *slog.Logger
}

// NewLLMFallbackMatcher creates the fallback stage. chat may be nil for
// a deployment without an LLM; the stage then only does direct reuse.
func NewLLMFallbackMatcher(catalog *knowledge.Catalog, retriever *rag.Retriever, chat llm.ChatClient, logger *slog.Logger) *LLMFallbackMatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LLMFallbackMatcher{catalog: catalog, retriever: retriever, chat: chat, logger: logger}
}

// Name implements Matcher.
func (m *LLMFallbackMatcher) Name() string { return "llm_fallback" }

// llmVerdict is the JSON shape the model is instructed to emit.
type llmVerdict struct {
	IntentCode string  `json:"intent_code"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason,omitempty"`
}

// Match runs case retrieval, then (if needed and possible) the chat call.
func (m *LLMFallbackMatcher) Match(ctx context.Context, req *MatchRequest) ([]datatypes.Candidate, error) {
	cases, err := m.retriever.Retrieve(ctx, req.TenantID, req.Text, nil, req.Cfg.RAGTopK)
	if err != nil {
		return nil, err
	}

	// Direct reuse: a vector-scored case close enough that asking the
	// model again would only add latency and cost. Lexical scores are
	// relative ranks, not similarities, so they never qualify.
	if len(cases) > 0 && !cases[0].Lexical && cases[0].Similarity >= req.Cfg.RAGDirectReuseThreshold {
		top := cases[0]
		if m.catalog.Exists(ctx, req.TenantID, top.Case.IntentCode) {
			go func() {
				if err := m.retriever.RecordHit(context.Background(), top.Case.TenantID, top.Case.Hash); err != nil {
					m.logger.Warn("llm_fallback: case hit count update failed", "error", err.Error())
				}
			}()
			def, _ := m.catalog.Get(ctx, req.TenantID, top.Case.IntentCode)
			c := datatypes.Candidate{
				IntentCode: top.Case.IntentCode,
				RawScore:   top.Similarity,
				Source:     datatypes.SourceRAG,
			}
			if def != nil {
				c.DisplayName = def.Name
			}
			return []datatypes.Candidate{c}, nil
		}
	}

	if m.chat == nil || !m.chat.Available() {
		return nil, nil
	}

	defs, err := m.catalog.Definitions(ctx, req.TenantID)
	if err != nil {
		return nil, err
	}
	if len(defs) == 0 {
		return nil, nil
	}

	messages := buildClassifyPrompt(req.Text, defs, cases)

	chatCtx, cancel := context.WithTimeout(ctx, req.Cfg.LLMTimeout.Std())
	defer cancel()
	reply, err := m.chat.Chat(chatCtx, messages)
	if err != nil {
		m.logger.Warn("llm_fallback: chat call failed, skipping stage",
			"tenant", req.TenantID,
			"error", err.Error(),
		)
		return nil, nil
	}

	var verdict llmVerdict
	if err := llm.ExtractJSON(reply, &verdict); err != nil {
		m.logger.Warn("llm_fallback: unparseable model reply", "error", err.Error())
		return nil, nil
	}
	verdict.IntentCode = strings.TrimSpace(verdict.IntentCode)

	// NONE is the instructed "no intent applies" answer.
	if verdict.IntentCode == "" || strings.EqualFold(verdict.IntentCode, "NONE") {
		return nil, nil
	}
	// Hallucination guard: the code must exist in the catalog.
	if !m.catalog.Exists(ctx, req.TenantID, verdict.IntentCode) {
		m.logger.Warn("llm_fallback: model returned unknown intent code",
			"tenant", req.TenantID,
			"intent_code", verdict.IntentCode,
		)
		return nil, nil
	}
	if verdict.Confidence < 0 {
		verdict.Confidence = 0
	}
	if verdict.Confidence > 1 {
		verdict.Confidence = 1
	}

	c := datatypes.Candidate{
		IntentCode: verdict.IntentCode,
		RawScore:   verdict.Confidence,
		Source:     datatypes.SourceLLM,
	}
	if def, err := m.catalog.Get(ctx, req.TenantID, verdict.IntentCode); err == nil {
		c.DisplayName = def.Name
	}
	return []datatypes.Candidate{c}, nil
}

// buildClassifyPrompt assembles the system instruction, the intent menu,
// the few-shot cases, and the utterance.
func buildClassifyPrompt(text string, defs []*datatypes.IntentDefinition, cases []rag.ScoredCase) []datatypes.Message {
	var menu strings.Builder
	for _, d := range defs {
		fmt.Fprintf(&menu, "- %s: %s", d.Code, d.Name)
		if len(d.Keywords) > 0 {
			kws := make([]string, 0, len(d.Keywords))
			for _, kw := range d.Keywords {
				kws = append(kws, kw.Text)
			}
			fmt.Fprintf(&menu, " (keywords: %s)", strings.Join(kws, ", "))
		}
		menu.WriteString("\n")
	}

	var examples strings.Builder
	for _, sc := range cases {
		fmt.Fprintf(&examples, "Input: %s\nIntent: %s\n\n", sc.Case.Text, sc.Case.IntentCode)
	}

	system := `You classify factory-floor requests into business intent codes.
Answer with a single JSON object: {"intent_code": "...", "confidence": 0.0-1.0}.
Use exactly one code from the list, or "NONE" if no code applies.
Do not invent codes. Confidence reflects how certain you are.`

	var user strings.Builder
	user.WriteString("Intent codes:\n")
	user.WriteString(menu.String())
	if examples.Len() > 0 {
		user.WriteString("\nResolved examples:\n")
		user.WriteString(examples.String())
	}
	fmt.Fprintf(&user, "\nInput: %s\nJSON:", text)

	return []datatypes.Message{
		{Role: "system", Content: system},
		{Role: "user", Content: user.String()},
	}
}
