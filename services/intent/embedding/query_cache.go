// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package embedding

import (
	"context"
	"sync"
	"time"
)

// Several stages of one resolution need the same input vector (semantic
// matcher, cache store, case retrieval). QueryEncoder embeds once and
// serves the rest from a small TTL cache keyed by normalized text.

// queryCacheMaxEntries bounds the cache; eviction drops the oldest half.
const queryCacheMaxEntries = 512

// queryCacheTTL keeps a vector long enough to cover retries of the same
// utterance within one conversation.
const queryCacheTTL = 5 * time.Minute

type queryEntry struct {
	vector    []float32
	expiresAt time.Time
}

// QueryEncoder wraps a Client with a bounded TTL cache of unit-normalized
// input vectors.
//
// # Thread Safety
//
// Safe for concurrent use.
type QueryEncoder struct {
	client Client

	mu      sync.Mutex
	entries map[string]queryEntry
}

// NewQueryEncoder creates a QueryEncoder over client.
func NewQueryEncoder(client Client) *QueryEncoder {
	if client == nil {
		panic("embedding.NewQueryEncoder: client must not be nil")
	}
	return &QueryEncoder{
		client:  client,
		entries: make(map[string]queryEntry),
	}
}

// Available proxies the underlying client's availability.
func (q *QueryEncoder) Available() bool { return q.client.Available() }

// Model proxies the underlying client's model name.
func (q *QueryEncoder) Model() string { return q.client.Model() }

// Encode returns the unit-normalized vector for text, serving repeats
// from the cache. Unlike Client.Encode, the result is normalized.
func (q *QueryEncoder) Encode(ctx context.Context, text string) ([]float32, error) {
	now := time.Now()

	q.mu.Lock()
	if e, ok := q.entries[text]; ok && now.Before(e.expiresAt) {
		q.mu.Unlock()
		return e.vector, nil
	}
	q.mu.Unlock()

	raw, err := q.client.Encode(ctx, text)
	if err != nil {
		return nil, err
	}
	unit := UnitNormalize(raw)
	if unit == nil {
		return nil, ErrUnavailable
	}

	q.mu.Lock()
	if len(q.entries) >= queryCacheMaxEntries {
		q.evictLocked(now)
	}
	q.entries[text] = queryEntry{vector: unit, expiresAt: now.Add(queryCacheTTL)}
	q.mu.Unlock()
	return unit, nil
}

// evictLocked drops expired entries first, then arbitrary ones until the
// cache is half empty. Called with mu held.
func (q *QueryEncoder) evictLocked(now time.Time) {
	for k, e := range q.entries {
		if now.After(e.expiresAt) {
			delete(q.entries, k)
		}
	}
	for k := range q.entries {
		if len(q.entries) <= queryCacheMaxEntries/2 {
			break
		}
		delete(q.entries, k)
	}
}
