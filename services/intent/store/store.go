// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store persists the intent core's entities in BadgerDB.
//
// Storage layout (all keys versioned v1):
//
//	intent/def/v1/{tenant}/{code}        → JSON IntentDefinition
//	intent/expr/v1/{tenant}/{hash}       → JSON LearnedExpression
//	intent/sample/v1/{tenant}/{tsNano}/{id} → JSON TrainingSample (append-only)
//	intent/sampleidx/v1/{id}             → full sample key (feedback attach)
//	intent/session/v1/{tenant}/{user}    → JSON ConversationSession (active)
//	intent/sessionid/v1/{id}             → "{tenant}\x00{user}" pointer
//	intent/rescache/v1/{tenant}/{hash}   → JSON SemanticCacheEntry (Badger TTL)
//	intent/vec/v1/{corpusHash}           → gob map[string][]float32 (Badger TTL)
//
// Tenant scoping is positional in the key, so per-tenant scans are prefix
// iterations and whole-tenant flushes are prefix deletes.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	dgbadger "github.com/dgraph-io/badger/v4"

	badgerstore "github.com/j4xie/my-prototype-logistics-sub023/services/intent/storage/badger"
)

// Key prefixes. The version segment allows future format changes without
// collision.
const (
	prefixDef       = "intent/def/v1/"
	prefixExpr      = "intent/expr/v1/"
	prefixSample    = "intent/sample/v1/"
	prefixSampleIdx = "intent/sampleidx/v1/"
	prefixSession   = "intent/session/v1/"
	prefixSessionID = "intent/sessionid/v1/"
	prefixResCache  = "intent/rescache/v1/"
	prefixVec       = "intent/vec/v1/"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("store: not found")

// Store persists intent-core entities. It does not own the DB lifecycle;
// the caller opens and closes the BadgerDB instance.
//
// # Thread Safety
//
// Safe for concurrent use.
type Store struct {
	db     *badgerstore.DB
	logger *slog.Logger
}

// New creates a Store over an opened DB.
func New(db *badgerstore.DB, logger *slog.Logger) *Store {
	if db == nil {
		panic("store.New: db must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger}
}

// tenantKey joins a prefix, tenant and one or more segments. The tenant
// segment is escaped so a tenant id containing '/' cannot cross scopes.
func tenantKey(prefix, tenant string, segments ...string) []byte {
	parts := make([]string, 0, len(segments)+1)
	parts = append(parts, escapeSegment(tenant))
	for _, s := range segments {
		parts = append(parts, escapeSegment(s))
	}
	return []byte(prefix + strings.Join(parts, "/"))
}

// escapeSegment makes a key segment slash-safe.
func escapeSegment(s string) string {
	return strings.ReplaceAll(s, "/", "%2F")
}

// getJSON reads and unmarshals one key. Returns ErrNotFound on absence
// (including TTL expiry).
func (s *Store) getJSON(ctx context.Context, key []byte, out interface{}) error {
	err := s.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		item, err := txn.Get(key)
		if errors.Is(err, dgbadger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("get %q: %w", key, err)
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, out)
		})
	})
	return err
}

// setJSON marshals and writes one key, with an optional TTL entry hook.
func (s *Store) setJSON(ctx context.Context, key []byte, v interface{}, mutate func(*dgbadger.Entry) *dgbadger.Entry) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %q: %w", key, err)
	}
	return s.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		entry := dgbadger.NewEntry(key, raw)
		if mutate != nil {
			entry = mutate(entry)
		}
		return txn.SetEntry(entry)
	})
}

// scanPrefix iterates all values under prefix, invoking fn with each raw
// value. fn returning a non-nil error aborts the scan.
func (s *Store) scanPrefix(ctx context.Context, prefix []byte, fn func(key, val []byte) error) error {
	return s.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		opts := dgbadger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			key := item.KeyCopy(nil)
			val, err := item.ValueCopy(nil)
			if err != nil {
				return fmt.Errorf("copy value %q: %w", key, err)
			}
			if err := fn(key, val); err != nil {
				return err
			}
		}
		return nil
	})
}

// unmarshalLogged decodes a stored record, logging (not failing) on
// corruption so one bad record cannot wedge a whole scan.
func unmarshalLogged(logger *slog.Logger, val []byte, out interface{}) error {
	if err := json.Unmarshal(val, out); err != nil {
		logger.Warn("skipping corrupt store record", "error", err)
		return err
	}
	return nil
}

// deletePrefix removes every key under prefix. Returns the number deleted.
func (s *Store) deletePrefix(ctx context.Context, prefix []byte) (int, error) {
	var keys [][]byte
	err := s.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		opts := dgbadger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}
	err = s.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return fmt.Errorf("delete %q: %w", k, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}
