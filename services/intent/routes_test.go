// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package intent

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/j4xie/my-prototype-logistics-sub023/services/intent/knowledge"
	badgerstore "github.com/j4xie/my-prototype-logistics-sub023/services/intent/storage/badger"
	"github.com/j4xie/my-prototype-logistics-sub023/services/intent/store"
)

func newGuardedRouter(t *testing.T) (*gin.Engine, *Service) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := badgerstore.DefaultConfig()
	cfg.InMemory = true
	db, err := badgerstore.OpenDB(cfg)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	svc := NewService(ServiceDeps{
		Catalog: knowledge.NewCatalog(store.New(db, nil), nil),
	})
	r := gin.New()
	r.POST("/resolve", WarmupGuard(svc), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	return r, svc
}

func TestWarmupGuard_RejectsWithRetryAfterUntilReady(t *testing.T) {
	r, svc := newGuardedRouter(t)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/resolve", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status during warm = %d, want 503", w.Code)
	}
	if got := w.Header().Get("Retry-After"); got != "5" {
		t.Errorf("Retry-After = %q, want 5", got)
	}

	svc.SetReady(true)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/resolve", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status after warm = %d, want 200", w.Code)
	}
	if got := w.Header().Get("Retry-After"); got != "" {
		t.Errorf("Retry-After leaked onto a ready response: %q", got)
	}
}
