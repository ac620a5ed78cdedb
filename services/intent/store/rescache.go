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

import (
	"context"
	"fmt"
	"time"

	dgbadger "github.com/dgraph-io/badger/v4"

	"github.com/j4xie/my-prototype-logistics-sub023/services/intent/datatypes"
)

// PutResultEntry writes a semantic cache entry with Badger's native TTL,
// so expired entries disappear without a sweeper.
func (s *Store) PutResultEntry(ctx context.Context, entry *datatypes.SemanticCacheEntry, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("store: result entry ttl must be positive, got %v", ttl)
	}
	key := tenantKey(prefixResCache, entry.TenantID, entry.Hash)
	err := s.setJSON(ctx, key, entry, func(e *dgbadger.Entry) *dgbadger.Entry {
		return e.WithTTL(ttl)
	})
	if err != nil {
		return fmt.Errorf("put result entry %s/%s: %w", entry.TenantID, entry.Hash, err)
	}
	return nil
}

// GetResultEntry fetches one cache entry by utterance hash.
func (s *Store) GetResultEntry(ctx context.Context, tenantID, hash string) (*datatypes.SemanticCacheEntry, error) {
	var entry datatypes.SemanticCacheEntry
	if err := s.getJSON(ctx, tenantKey(prefixResCache, tenantID, hash), &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

// ScanResultEntries visits every live cache entry for a tenant, used to
// rebuild the in-memory tier on startup.
func (s *Store) ScanResultEntries(ctx context.Context, tenantID string, fn func(*datatypes.SemanticCacheEntry) error) error {
	prefix := tenantKey(prefixResCache, tenantID)
	prefix = append(prefix, '/')
	return s.scanPrefix(ctx, prefix, func(_, val []byte) error {
		var entry datatypes.SemanticCacheEntry
		if err := unmarshalLogged(s.logger, val, &entry); err != nil {
			return nil
		}
		return fn(&entry)
	})
}

// DeleteResultEntry removes a single cache entry.
func (s *Store) DeleteResultEntry(ctx context.Context, tenantID, hash string) error {
	return s.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		return txn.Delete(tenantKey(prefixResCache, tenantID, hash))
	})
}

// FlushResultEntries drops every cache entry for a tenant and returns
// how many were removed.
func (s *Store) FlushResultEntries(ctx context.Context, tenantID string) (int, error) {
	prefix := tenantKey(prefixResCache, tenantID)
	prefix = append(prefix, '/')
	return s.deletePrefix(ctx, prefix)
}
