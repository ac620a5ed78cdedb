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
	"time"

	"github.com/j4xie/my-prototype-logistics-sub023/services/intent/datatypes"
)

// PutExpression upserts a learned expression, keyed by the hash of its
// normalized text. The exact matcher relies on that hash being stable.
func (s *Store) PutExpression(ctx context.Context, expr *datatypes.LearnedExpression) error {
	if expr.Hash == "" {
		return fmt.Errorf("store: expression hash must not be empty")
	}
	key := tenantKey(prefixExpr, expr.TenantID, expr.Hash)
	if err := s.setJSON(ctx, key, expr, nil); err != nil {
		return fmt.Errorf("put expression %s/%s: %w", expr.TenantID, expr.Hash, err)
	}
	return nil
}

// GetExpression fetches one expression by normalized-text hash.
func (s *Store) GetExpression(ctx context.Context, tenantID, hash string) (*datatypes.LearnedExpression, error) {
	var expr datatypes.LearnedExpression
	if err := s.getJSON(ctx, tenantKey(prefixExpr, tenantID, hash), &expr); err != nil {
		return nil, err
	}
	return &expr, nil
}

// ListExpressions returns every expression for a tenant, active or not.
// The in-memory exact index filters on Active at load time.
func (s *Store) ListExpressions(ctx context.Context, tenantID string) ([]*datatypes.LearnedExpression, error) {
	prefix := tenantKey(prefixExpr, tenantID)
	prefix = append(prefix, '/')
	var exprs []*datatypes.LearnedExpression
	err := s.scanPrefix(ctx, prefix, func(_, val []byte) error {
		var expr datatypes.LearnedExpression
		if err := unmarshalLogged(s.logger, val, &expr); err != nil {
			return nil
		}
		exprs = append(exprs, &expr)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list expressions %q: %w", tenantID, err)
	}
	return exprs, nil
}

// RecordExpressionHit bumps the hit counter and last-hit timestamp.
// Lost updates under concurrent hits are acceptable; the counter feeds
// the aging sweep, not billing.
func (s *Store) RecordExpressionHit(ctx context.Context, tenantID, hash string) error {
	expr, err := s.GetExpression(ctx, tenantID, hash)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	expr.HitCount++
	expr.LastHitAt = time.Now().UTC()
	return s.PutExpression(ctx, expr)
}

// DeactivateExpression marks an expression inactive without deleting it,
// so negative feedback can be audited later.
func (s *Store) DeactivateExpression(ctx context.Context, tenantID, hash string) error {
	expr, err := s.GetExpression(ctx, tenantID, hash)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	expr.Active = false
	return s.PutExpression(ctx, expr)
}
