// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package rag retrieves historical resolved cases to ground the LLM
// fallback. Retrieval is vector-first (cosine over stored case
// embeddings) with a BM25 lexical fallback when the embedding capability
// is down, so few-shot grounding survives a degraded deployment.
//
// The case corpus is stored in BadgerDB and scored brute-force: cases
// only enter it after confirmed resolutions, so per-tenant corpora stay
// in the thousands, where a linear dot-product scan beats any ANN index
// once network cost is counted.
package rag

import (
	"context"
	"log/slog"
	"sort"

	"github.com/j4xie/my-prototype-logistics-sub023/services/intent/datatypes"
	"github.com/j4xie/my-prototype-logistics-sub023/services/intent/embedding"
	"github.com/j4xie/my-prototype-logistics-sub023/services/intent/store"
	"github.com/j4xie/my-prototype-logistics-sub023/services/intent/textproc"
)

// ScoredCase is one retrieved case with its similarity to the query.
type ScoredCase struct {
	Case       *datatypes.ResolvedCase
	Similarity float64

	// Lexical is true when the score came from the BM25 fallback rather
	// than cosine similarity. Lexical scores must never trigger direct
	// reuse; they only ground few-shot prompts.
	Lexical bool
}

// Retriever finds the nearest historical cases for an utterance.
//
// # Thread Safety
//
// Safe for concurrent use.
type Retriever struct {
	store   *store.Store
	encoder *embedding.QueryEncoder
	logger  *slog.Logger
}

// NewRetriever creates a Retriever. encoder may be nil for a purely
// lexical deployment.
func NewRetriever(st *store.Store, encoder *embedding.QueryEncoder, logger *slog.Logger) *Retriever {
	if st == nil {
		panic("rag.NewRetriever: store must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Retriever{store: st, encoder: encoder, logger: logger}
}

// Retrieve returns up to topK cases most similar to text, best first.
// queryVec may be nil; the retriever then embeds text itself, and falls
// back to BM25 when embedding is unavailable.
func (r *Retriever) Retrieve(ctx context.Context, tenantID, text string, queryVec []float32, topK int) ([]ScoredCase, error) {
	if topK <= 0 {
		topK = 3
	}
	cases, err := r.store.ListCases(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if len(cases) == 0 {
		return nil, nil
	}

	if queryVec == nil && r.encoder != nil && r.encoder.Available() {
		vec, err := r.encoder.Encode(ctx, text)
		if err == nil {
			queryVec = vec
		} else {
			r.logger.Warn("rag: query embedding failed, using lexical retrieval",
				"tenant", tenantID,
				"error", err.Error(),
			)
		}
	}

	var scored []ScoredCase
	if queryVec != nil {
		scored = scoreByVector(cases, queryVec)
	}
	if len(scored) == 0 {
		scored = scoreByBM25(cases, text)
	}

	sort.Slice(scored, func(i, j int) bool { return scored[i].Similarity > scored[j].Similarity })
	if len(scored) > topK {
		scored = scored[:topK]
	}
	return scored, nil
}

// RecordHit bumps the reuse counter of a directly-reused case.
func (r *Retriever) RecordHit(ctx context.Context, tenantID, hash string) error {
	return r.store.RecordCaseHit(ctx, tenantID, hash)
}

// scoreByVector dots the unit query vector against each case embedding.
// Cases stored without an embedding are skipped.
func scoreByVector(cases []*datatypes.ResolvedCase, queryVec []float32) []ScoredCase {
	out := make([]ScoredCase, 0, len(cases))
	for _, c := range cases {
		if len(c.Embedding) == 0 {
			continue
		}
		sim := embedding.Dot(queryVec, c.Embedding)
		if sim <= 0 {
			continue
		}
		out = append(out, ScoredCase{Case: c, Similarity: sim})
	}
	return out
}

// =============================================================================
// BM25 lexical fallback
// =============================================================================

// Okapi BM25 constants, standard values.
const (
	bm25K1 = 1.5
	bm25B  = 0.75
)

// scoreByBM25 ranks cases lexically with per-query BM25. The index is
// built inline rather than maintained: the corpus is small and rebuild
// is cheaper than cache invalidation on every confirmed resolution.
func scoreByBM25(cases []*datatypes.ResolvedCase, query string) []ScoredCase {
	queryTerms := textproc.Tokenize(textproc.Normalize(query))
	if len(queryTerms) == 0 {
		return nil
	}

	type doc struct {
		c  *datatypes.ResolvedCase
		tf map[string]int
	}
	docs := make([]doc, 0, len(cases))
	df := make(map[string]int)
	totalLen := 0
	for _, c := range cases {
		terms := textproc.Tokenize(c.Text)
		tf := make(map[string]int, len(terms))
		for _, t := range terms {
			tf[t]++
		}
		docs = append(docs, doc{c: c, tf: tf})
		totalLen += len(terms)
		for t := range tf {
			df[t]++
		}
	}
	if len(docs) == 0 {
		return nil
	}
	avgLen := float64(totalLen) / float64(len(docs))

	// Lucene-style smoothed IDF: log((N+1)/(df+1)) + 1.
	idf := make(map[string]float64, len(df))
	for t, n := range df {
		idf[t] = logIDF(len(docs), n)
	}

	out := make([]ScoredCase, 0, len(docs))
	var maxScore float64
	for _, d := range docs {
		dl := 0
		for _, n := range d.tf {
			dl += n
		}
		var score float64
		for _, term := range queryTerms {
			tf, inDoc := d.tf[term]
			if !inDoc {
				continue
			}
			termIDF := idf[term]
			numerator := float64(tf) * (bm25K1 + 1)
			denominator := float64(tf) + bm25K1*(1.0-bm25B+bm25B*float64(dl)/avgLen)
			score += termIDF * (numerator / denominator)
		}
		if score > 0 {
			out = append(out, ScoredCase{Case: d.c, Similarity: score, Lexical: true})
			if score > maxScore {
				maxScore = score
			}
		}
	}
	// Normalize to [0,1] so the caller's thresholds stay meaningful.
	if maxScore > 0 {
		for i := range out {
			out[i].Similarity /= maxScore
		}
	}
	return out
}
