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
	"errors"
	"fmt"

	dgbadger "github.com/dgraph-io/badger/v4"

	"github.com/j4xie/my-prototype-logistics-sub023/services/intent/datatypes"
)

// sessionPointerSep separates tenant and user in the id-index value.
// NUL cannot appear in either field after normalization.
const sessionPointerSep = "\x00"

// PutSession writes a session under its (tenant, user) slot and its id
// pointer. One active session per user is enforced by the key itself:
// starting a new session overwrites the previous slot.
func (s *Store) PutSession(ctx context.Context, sess *datatypes.ConversationSession) error {
	if sess.ID == "" || sess.UserID == "" {
		return fmt.Errorf("store: session id and user id must not be empty")
	}
	key := tenantKey(prefixSession, sess.TenantID, sess.UserID)
	if err := s.setJSON(ctx, key, sess, nil); err != nil {
		return fmt.Errorf("put session %s: %w", sess.ID, err)
	}
	pointer := []byte(sess.TenantID + sessionPointerSep + sess.UserID)
	err := s.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		return txn.Set([]byte(prefixSessionID+escapeSegment(sess.ID)), pointer)
	})
	if err != nil {
		return fmt.Errorf("index session %s: %w", sess.ID, err)
	}
	return nil
}

// GetActiveSession returns the session occupying the user's slot, if any.
// Expired or terminal sessions are still returned; the conversation
// manager decides what to do with them.
func (s *Store) GetActiveSession(ctx context.Context, tenantID, userID string) (*datatypes.ConversationSession, error) {
	var sess datatypes.ConversationSession
	if err := s.getJSON(ctx, tenantKey(prefixSession, tenantID, userID), &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// GetSessionByID resolves a session through the id pointer.
func (s *Store) GetSessionByID(ctx context.Context, id string) (*datatypes.ConversationSession, error) {
	var pointer []byte
	err := s.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		item, err := txn.Get([]byte(prefixSessionID + escapeSegment(id)))
		if errors.Is(err, dgbadger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		pointer, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	parts := bytes.SplitN(pointer, []byte(sessionPointerSep), 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("store: malformed session pointer for %q", id)
	}
	sess, err := s.GetActiveSession(ctx, string(parts[0]), string(parts[1]))
	if err != nil {
		return nil, err
	}
	// The slot may have been recycled by a newer session.
	if sess.ID != id {
		return nil, ErrNotFound
	}
	return sess, nil
}

// DeleteSession clears the user's slot and the id pointer.
func (s *Store) DeleteSession(ctx context.Context, sess *datatypes.ConversationSession) error {
	return s.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		if err := txn.Delete(tenantKey(prefixSession, sess.TenantID, sess.UserID)); err != nil {
			return err
		}
		return txn.Delete([]byte(prefixSessionID + escapeSegment(sess.ID)))
	})
}

// ScanSessions visits every stored session, for the expiry sweeper.
func (s *Store) ScanSessions(ctx context.Context, fn func(*datatypes.ConversationSession) error) error {
	return s.scanPrefix(ctx, []byte(prefixSession), func(_, val []byte) error {
		var sess datatypes.ConversationSession
		if err := unmarshalLogged(s.logger, val, &sess); err != nil {
			return nil
		}
		return fn(&sess)
	})
}
