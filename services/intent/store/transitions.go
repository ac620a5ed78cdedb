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
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"

	dgbadger "github.com/dgraph-io/badger/v4"
)

// prefixTrans stores per-tenant transition count snapshots.
const prefixTrans = "intent/trans/v1/"

// SaveTransitionCounts persists a tenant's from→to intent transition
// counts so the matrix survives restarts without a full log replay.
func (s *Store) SaveTransitionCounts(ctx context.Context, tenantID string, counts map[string]map[string]int64) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(counts); err != nil {
		return fmt.Errorf("transition counts encode: %w", err)
	}
	key := tenantKey(prefixTrans, tenantID)
	err := s.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		return txn.Set(key, buf.Bytes())
	})
	if err != nil {
		return fmt.Errorf("transition counts save %q: %w", tenantID, err)
	}
	return nil
}

// LoadTransitionCounts retrieves a tenant's transition count snapshot.
// Returns (nil, nil) when no snapshot exists.
func (s *Store) LoadTransitionCounts(ctx context.Context, tenantID string) (map[string]map[string]int64, error) {
	key := tenantKey(prefixTrans, tenantID)
	var raw []byte
	err := s.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		item, err := txn.Get(key)
		if errors.Is(err, dgbadger.ErrKeyNotFound) {
			return errCacheMiss
		}
		if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, errCacheMiss) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("transition counts load %q: %w", tenantID, err)
	}
	var counts map[string]map[string]int64
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&counts); err != nil {
		return nil, fmt.Errorf("transition counts decode: %w", err)
	}
	return counts, nil
}
