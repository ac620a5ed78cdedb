// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

// =============================================================================
// Phrase Vector Persistence
// =============================================================================
//
// Seed phrase embeddings are expensive to compute (one embedding call per
// phrase) but change only when the catalog or the embedding model changes.
// This store persists them between service restarts.
//
// Design choices:
//
//	1. Corpus hash as cache key: SHA256(sorted phrases + model name). Any
//	   change to the seed phrases or model produces a different hash, which
//	   makes the previous entry unreachable. No explicit invalidation API
//	   is needed; stale entries age out via TTL.
//
//	2. BadgerDB native TTL: expiry is enforced by BadgerDB's GC, not by
//	   application code. Expired keys return ErrKeyNotFound, which the
//	   store treats as a cache miss.
//
// Storage layout:
//
//	intent/vec/v1/{corpusHash}  →  gob-encoded map[string][]float32
//	                                (phrase hash → unit-normalized vector)

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/gob"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"time"

	dgbadger "github.com/dgraph-io/badger/v4"
)

// vectorCacheDefaultTTL keeps warmed vectors across weekend downtime
// without retaining them forever.
const vectorCacheDefaultTTL = 7 * 24 * time.Hour

// errCacheMiss distinguishes a normal miss from a storage error.
var errCacheMiss = errors.New("cache miss")

// LoadVectors retrieves cached unit-normalized phrase vectors for the
// given corpus hash. Returns (nil, nil) on miss (absent or expired),
// (nil, error) on storage or decode failure.
func (s *Store) LoadVectors(ctx context.Context, corpusHash string) (map[string][]float32, error) {
	key := []byte(prefixVec + corpusHash)

	var raw []byte
	err := s.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		item, err := txn.Get(key)
		if errors.Is(err, dgbadger.ErrKeyNotFound) {
			return errCacheMiss
		}
		if err != nil {
			return fmt.Errorf("get vector key: %w", err)
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, errCacheMiss) {
		s.logger.Debug("vector cache: miss", "hash", shortHash(corpusHash))
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("vector cache load: %w", err)
	}

	vectors, err := gobDecodeVectors(raw)
	if err != nil {
		return nil, fmt.Errorf("vector cache decode: %w", err)
	}
	s.logger.Debug("vector cache: hit",
		"hash", shortHash(corpusHash),
		"phrase_count", len(vectors),
	)
	return vectors, nil
}

// SaveVectors persists unit-normalized phrase vectors under the corpus
// hash. ttl <= 0 uses the 7-day default. Persistence failure is the
// caller's problem to log; vectors recompute on the next restart.
func (s *Store) SaveVectors(ctx context.Context, corpusHash string, vectors map[string][]float32, ttl time.Duration) error {
	if len(vectors) == 0 {
		return nil
	}
	if ttl <= 0 {
		ttl = vectorCacheDefaultTTL
	}
	raw, err := gobEncodeVectors(vectors)
	if err != nil {
		return fmt.Errorf("vector cache encode: %w", err)
	}
	key := []byte(prefixVec + corpusHash)
	err = s.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		return txn.SetEntry(dgbadger.NewEntry(key, raw).WithTTL(ttl))
	})
	if err != nil {
		return fmt.Errorf("vector cache save: %w", err)
	}
	s.logger.Debug("vector cache: saved",
		"hash", shortHash(corpusHash),
		"phrase_count", len(vectors),
		"ttl", ttl,
	)
	return nil
}

// ComputeCorpusHash hashes the phrase corpus plus the embedding model
// name. Phrases are sorted first so map iteration order cannot change
// the digest.
func ComputeCorpusHash(phrases []string, model string) string {
	sorted := make([]string, len(phrases))
	copy(sorted, phrases)
	sort.Strings(sorted)

	h := sha256.New()
	for _, p := range sorted {
		fmt.Fprintf(h, "%s\n", p)
	}
	fmt.Fprintf(h, "model=%s\n", model)
	return hex.EncodeToString(h.Sum(nil))
}

// shortHash truncates a hash for log display.
func shortHash(h string) string {
	if len(h) > 8 {
		return h[:8] + "..."
	}
	return h
}

func gobEncodeVectors(vectors map[string][]float32) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(vectors); err != nil {
		return nil, fmt.Errorf("gob encode: %w", err)
	}
	return buf.Bytes(), nil
}

func gobDecodeVectors(data []byte) (map[string][]float32, error) {
	var vectors map[string][]float32
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&vectors); err != nil {
		return nil, fmt.Errorf("gob decode: %w", err)
	}
	return vectors, nil
}
