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
	"errors"
	"fmt"

	dgbadger "github.com/dgraph-io/badger/v4"

	"github.com/j4xie/my-prototype-logistics-sub023/services/intent/datatypes"
)

// prefixCase stores the retrieval corpus of confirmed resolutions.
const prefixCase = "intent/case/v1/"

// PutCase upserts a resolved case. An existing case for the same
// utterance hash keeps its hit count.
func (s *Store) PutCase(ctx context.Context, c *datatypes.ResolvedCase) error {
	if c.Hash == "" {
		return fmt.Errorf("store: case hash must not be empty")
	}
	prev, err := s.GetCase(ctx, c.TenantID, c.Hash)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if prev != nil {
		c.HitCount = prev.HitCount
		if c.CreatedAt.IsZero() {
			c.CreatedAt = prev.CreatedAt
		}
	}
	key := tenantKey(prefixCase, c.TenantID, c.Hash)
	if err := s.setJSON(ctx, key, c, nil); err != nil {
		return fmt.Errorf("put case %s/%s: %w", c.TenantID, c.Hash, err)
	}
	return nil
}

// GetCase fetches one resolved case by utterance hash.
func (s *Store) GetCase(ctx context.Context, tenantID, hash string) (*datatypes.ResolvedCase, error) {
	var c datatypes.ResolvedCase
	if err := s.getJSON(ctx, tenantKey(prefixCase, tenantID, hash), &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// ListCases returns every resolved case for one tenant scope. The corpus
// stays small enough for brute-force scoring: cases only enter it after
// confirmed resolutions.
func (s *Store) ListCases(ctx context.Context, tenantID string) ([]*datatypes.ResolvedCase, error) {
	prefix := tenantKey(prefixCase, tenantID)
	prefix = append(prefix, '/')
	var cases []*datatypes.ResolvedCase
	err := s.scanPrefix(ctx, prefix, func(_, val []byte) error {
		var c datatypes.ResolvedCase
		if err := unmarshalLogged(s.logger, val, &c); err != nil {
			return nil
		}
		cases = append(cases, &c)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list cases %q: %w", tenantID, err)
	}
	return cases, nil
}

// RecordCaseHit bumps a case's direct-reuse counter.
func (s *Store) RecordCaseHit(ctx context.Context, tenantID, hash string) error {
	c, err := s.GetCase(ctx, tenantID, hash)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	c.HitCount++
	key := tenantKey(prefixCase, tenantID, hash)
	return s.setJSON(ctx, key, c, nil)
}

// DeleteCasesForIntent removes every case pointing at an intent code,
// used when an intent is deleted or renamed.
func (s *Store) DeleteCasesForIntent(ctx context.Context, tenantID, intentCode string) (int, error) {
	cases, err := s.ListCases(ctx, tenantID)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, c := range cases {
		if c.IntentCode != intentCode {
			continue
		}
		err := s.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
			return txn.Delete(tenantKey(prefixCase, tenantID, c.Hash))
		})
		if err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}
