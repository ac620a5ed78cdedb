// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package badger wraps a BadgerDB instance behind small transaction helpers.
//
// BadgerDB is embedded key-value storage: no network call, no availability
// dependency, ~100µs access latency. The intent core uses it for everything
// it persists — intent definitions, learned expressions, the training-sample
// log, conversation sessions, cached embedding vectors, and result-cache
// entries — with Badger's native TTL doing expiry for the cache keys.
package badger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	dgbadger "github.com/dgraph-io/badger/v4"
)

// Config controls how the DB is opened.
type Config struct {
	// Path is the on-disk directory. Ignored when InMemory is true.
	Path string

	// InMemory opens a throwaway in-memory instance (tests).
	InMemory bool

	// GCInterval is how often value-log garbage collection runs.
	// Zero uses the default (10 minutes).
	GCInterval time.Duration

	// Logger receives open/close and GC diagnostics. Nil uses slog.Default().
	Logger *slog.Logger
}

// DefaultConfig returns a Config with production defaults. The caller must
// set Path before OpenDB.
func DefaultConfig() Config {
	return Config{
		GCInterval: 10 * time.Minute,
	}
}

// DB is an opened BadgerDB instance plus its GC goroutine.
//
// # Thread Safety
//
// Safe for concurrent use. Badger transactions are per-goroutine.
type DB struct {
	db     *dgbadger.DB
	logger *slog.Logger
	stopGC chan struct{}
}

// OpenDB opens (or creates) the BadgerDB at cfg.Path and starts value-log GC.
//
// # Inputs
//
//   - cfg: Open configuration. Path must be non-empty unless InMemory is set.
//
// # Outputs
//
//   - *DB: The opened instance. Caller owns the lifecycle and must Close.
//   - error: Non-nil if the directory cannot be opened.
func OpenDB(cfg Config) (*DB, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var opts dgbadger.Options
	if cfg.InMemory {
		opts = dgbadger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, fmt.Errorf("badger: config Path must not be empty")
		}
		opts = dgbadger.DefaultOptions(cfg.Path)
	}
	// Badger's own logger is chatty at INFO; route nothing through it and
	// log lifecycle events ourselves.
	opts = opts.WithLogger(nil)

	inner, err := dgbadger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badger: open %q: %w", cfg.Path, err)
	}

	db := &DB{
		db:     inner,
		logger: logger,
		stopGC: make(chan struct{}),
	}

	gcInterval := cfg.GCInterval
	if gcInterval <= 0 {
		gcInterval = 10 * time.Minute
	}
	if !cfg.InMemory {
		go db.runGC(gcInterval)
	}

	logger.Info("badger: opened",
		slog.String("path", cfg.Path),
		slog.Bool("in_memory", cfg.InMemory),
	)
	return db, nil
}

// runGC runs value-log garbage collection until Close.
func (d *DB) runGC(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-d.stopGC:
			return
		case <-ticker.C:
			// ErrNoRewrite is the normal "nothing to collect" outcome.
			if err := d.db.RunValueLogGC(0.5); err != nil && err != dgbadger.ErrNoRewrite {
				d.logger.Debug("badger: value log GC", slog.String("error", err.Error()))
			}
		}
	}
}

// WithReadTxn runs fn inside a read-only transaction.
//
// Context cancellation is checked before the transaction starts; Badger
// transactions themselves are short and local, so no mid-transaction
// cancellation is attempted.
func (d *DB) WithReadTxn(ctx context.Context, fn func(txn *dgbadger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return d.db.View(fn)
}

// WithTxn runs fn inside a read-write transaction.
func (d *DB) WithTxn(ctx context.Context, fn func(txn *dgbadger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return d.db.Update(fn)
}

// Close stops GC and closes the underlying instance.
func (d *DB) Close() error {
	close(d.stopGC)
	if err := d.db.Close(); err != nil {
		return fmt.Errorf("badger: close: %w", err)
	}
	d.logger.Info("badger: closed")
	return nil
}
