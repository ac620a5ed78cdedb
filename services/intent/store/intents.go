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

// PutIntent upserts an intent definition. UpdatedAt is stamped here so
// callers cannot forget it.
func (s *Store) PutIntent(ctx context.Context, def *datatypes.IntentDefinition) error {
	if def.Code == "" {
		return fmt.Errorf("store: intent code must not be empty")
	}
	def.UpdatedAt = time.Now().UTC()
	key := tenantKey(prefixDef, def.TenantID, def.Code)
	if err := s.setJSON(ctx, key, def, nil); err != nil {
		return fmt.Errorf("put intent %s/%s: %w", def.TenantID, def.Code, err)
	}
	return nil
}

// GetIntent fetches one definition. Soft-deleted definitions are still
// returned; callers that need only live intents use ListIntents.
func (s *Store) GetIntent(ctx context.Context, tenantID, code string) (*datatypes.IntentDefinition, error) {
	var def datatypes.IntentDefinition
	if err := s.getJSON(ctx, tenantKey(prefixDef, tenantID, code), &def); err != nil {
		return nil, err
	}
	return &def, nil
}

// ListIntents returns all live (non-deleted) definitions for one tenant
// scope. Pass datatypes.PlatformTenant for the platform catalog.
func (s *Store) ListIntents(ctx context.Context, tenantID string) ([]*datatypes.IntentDefinition, error) {
	prefix := tenantKey(prefixDef, tenantID)
	prefix = append(prefix, '/')
	var defs []*datatypes.IntentDefinition
	err := s.scanPrefix(ctx, prefix, func(_, val []byte) error {
		var def datatypes.IntentDefinition
		if err := unmarshalLogged(s.logger, val, &def); err != nil {
			return nil // skip corrupt record, already logged
		}
		if !def.Deleted {
			defs = append(defs, &def)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list intents %q: %w", tenantID, err)
	}
	return defs, nil
}

// ListAllIntents returns every definition for one tenant scope including
// soft-deleted ones. The knowledge catalog needs tombstones so a tenant
// delete can mask a platform default.
func (s *Store) ListAllIntents(ctx context.Context, tenantID string) ([]*datatypes.IntentDefinition, error) {
	prefix := tenantKey(prefixDef, tenantID)
	prefix = append(prefix, '/')
	var defs []*datatypes.IntentDefinition
	err := s.scanPrefix(ctx, prefix, func(_, val []byte) error {
		var def datatypes.IntentDefinition
		if err := unmarshalLogged(s.logger, val, &def); err != nil {
			return nil
		}
		defs = append(defs, &def)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list all intents %q: %w", tenantID, err)
	}
	return defs, nil
}

// DeleteIntent soft-deletes a definition so historical training samples
// keep a resolvable code. Missing definitions are not an error.
func (s *Store) DeleteIntent(ctx context.Context, tenantID, code string) error {
	def, err := s.GetIntent(ctx, tenantID, code)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	def.Deleted = true
	return s.PutIntent(ctx, def)
}
