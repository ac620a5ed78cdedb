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

	dgbadger "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/j4xie/my-prototype-logistics-sub023/services/intent/datatypes"
)

// AppendSample writes a training sample to the append-only log and its
// id index. The sample's ID and CreatedAt are assigned here when unset.
func (s *Store) AppendSample(ctx context.Context, sample *datatypes.TrainingSample) error {
	if sample.ID == "" {
		sample.ID = uuid.NewString()
	}
	if sample.CreatedAt.IsZero() {
		sample.CreatedAt = time.Now().UTC()
	}
	key := sampleKey(sample.TenantID, sample.CreatedAt, sample.ID)
	if err := s.setJSON(ctx, key, sample, nil); err != nil {
		return fmt.Errorf("append sample %s: %w", sample.ID, err)
	}
	idxKey := []byte(prefixSampleIdx + escapeSegment(sample.ID))
	err := s.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		return txn.Set(idxKey, key)
	})
	if err != nil {
		return fmt.Errorf("index sample %s: %w", sample.ID, err)
	}
	return nil
}

// sampleKey orders the log by creation time; the trailing id keeps
// same-nanosecond samples distinct.
func sampleKey(tenantID string, at time.Time, id string) []byte {
	ts := fmt.Sprintf("%020d", at.UnixNano())
	return tenantKey(prefixSample, tenantID, ts, id)
}

// GetSample resolves a sample by id via the index.
func (s *Store) GetSample(ctx context.Context, id string) (*datatypes.TrainingSample, error) {
	var fullKey []byte
	err := s.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		item, err := txn.Get([]byte(prefixSampleIdx + escapeSegment(id)))
		if errors.Is(err, dgbadger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		fullKey, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	var sample datatypes.TrainingSample
	if err := s.getJSON(ctx, fullKey, &sample); err != nil {
		return nil, err
	}
	return &sample, nil
}

// AttachFeedback records the user's verdict on an earlier resolution.
// corrected may be empty for a plain confirm/reject.
func (s *Store) AttachFeedback(ctx context.Context, id string, outcome datatypes.FeedbackOutcome, corrected string) (*datatypes.TrainingSample, error) {
	sample, err := s.GetSample(ctx, id)
	if err != nil {
		return nil, err
	}
	sample.Feedback = outcome
	sample.CorrectedIntentCode = corrected
	key := sampleKey(sample.TenantID, sample.CreatedAt, sample.ID)
	if err := s.setJSON(ctx, key, sample, nil); err != nil {
		return nil, fmt.Errorf("attach feedback %s: %w", id, err)
	}
	return sample, nil
}

// ScanSamples visits all samples for a tenant created at or after since,
// in chronological order. fn returning an error stops the scan.
func (s *Store) ScanSamples(ctx context.Context, tenantID string, since time.Time, fn func(*datatypes.TrainingSample) error) error {
	prefix := tenantKey(prefixSample, tenantID)
	prefix = append(prefix, '/')
	err := s.scanPrefix(ctx, prefix, func(_, val []byte) error {
		var sample datatypes.TrainingSample
		if err := unmarshalLogged(s.logger, val, &sample); err != nil {
			return nil
		}
		if sample.CreatedAt.Before(since) {
			return nil
		}
		return fn(&sample)
	})
	if err != nil {
		return fmt.Errorf("scan samples %q: %w", tenantID, err)
	}
	return nil
}
