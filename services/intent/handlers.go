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
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/j4xie/my-prototype-logistics-sub023/services/intent/conversation"
	"github.com/j4xie/my-prototype-logistics-sub023/services/intent/datatypes"
	"github.com/j4xie/my-prototype-logistics-sub023/services/intent/knowledge"
)

// tenantHeader carries the tenant id on every request. Empty means the
// platform tenant.
const tenantHeader = "X-Tenant-ID"

// Handler exposes the resolution service over HTTP.
type Handler struct {
	svc    *Service
	logger *slog.Logger
}

// NewHandler creates the HTTP handler.
//
// # Inputs
//   - svc: the resolution service. Must not be nil.
//   - logger: structured logger. If nil, slog.Default() is used.
func NewHandler(svc *Service, logger *slog.Logger) *Handler {
	if svc == nil {
		panic("intent.NewHandler: svc must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{svc: svc, logger: logger}
}

func tenantID(c *gin.Context) string {
	return c.GetHeader(tenantHeader)
}

// =============================================================================
// Resolution surface
// =============================================================================

// Resolve handles POST /api/v1/intent/resolve.
func (h *Handler) Resolve(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	req.TenantID = tenantID(c)

	resp, err := h.svc.Resolve(c.Request.Context(), &req)
	if err != nil {
		if errors.Is(err, ErrEmptyUtterance) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		h.logger.Error("resolve failed", "tenant", req.TenantID, "error", err.Error())
		c.JSON(http.StatusInternalServerError, gin.H{"error": "resolution failed"})
		return
	}
	c.JSON(http.StatusOK, resp)
}

// Feedback handles POST /api/v1/intent/feedback.
func (h *Handler) Feedback(c *gin.Context) {
	var req FeedbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	req.TenantID = tenantID(c)

	sample, err := h.svc.Feedback(c.Request.Context(), &req)
	if err != nil {
		if knowledge.IsNotFound(err) {
			c.JSON(http.StatusNotFound, gin.H{"error": "sample not found"})
			return
		}
		h.logger.Error("feedback failed", "sample", req.SampleID, "error", err.Error())
		c.JSON(http.StatusInternalServerError, gin.H{"error": "feedback failed"})
		return
	}
	c.JSON(http.StatusOK, sample)
}

// GetSession handles GET /api/v1/intent/sessions/:id.
func (h *Handler) GetSession(c *gin.Context) {
	sess, err := h.svc.Conversations().Get(c.Request.Context(), tenantID(c), c.Param("id"))
	if err != nil {
		if errors.Is(err, conversation.ErrNoSession) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "session lookup failed"})
		return
	}
	c.JSON(http.StatusOK, sess)
}

// CancelSession handles POST /api/v1/intent/sessions/:id/cancel.
func (h *Handler) CancelSession(c *gin.Context) {
	sess, err := h.svc.Conversations().Cancel(c.Request.Context(), tenantID(c), c.Param("id"))
	if err != nil {
		if errors.Is(err, conversation.ErrNoSession) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "cancel failed"})
		return
	}
	sessionsTotal.WithLabelValues(string(sess.Status)).Inc()
	c.JSON(http.StatusOK, sess)
}

// =============================================================================
// Admin surface: intent catalog
// =============================================================================

// ListIntents handles GET /api/v1/admin/intents.
func (h *Handler) ListIntents(c *gin.Context) {
	defs, err := h.svc.Catalog().Definitions(c.Request.Context(), tenantID(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"intents": defs, "count": len(defs)})
}

// GetIntent handles GET /api/v1/admin/intents/:code.
func (h *Handler) GetIntent(c *gin.Context) {
	def, err := h.svc.Catalog().Get(c.Request.Context(), tenantID(c), c.Param("code"))
	if err != nil {
		if knowledge.IsNotFound(err) {
			c.JSON(http.StatusNotFound, gin.H{"error": "intent not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}
	c.JSON(http.StatusOK, def)
}

// UpsertIntent handles PUT /api/v1/admin/intents/:code.
func (h *Handler) UpsertIntent(c *gin.Context) {
	var def datatypes.IntentDefinition
	if err := c.ShouldBindJSON(&def); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid definition: " + err.Error()})
		return
	}
	def.Code = c.Param("code")
	def.TenantID = tenantID(c)
	if def.Code == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "intent code required"})
		return
	}
	if err := h.svc.Catalog().UpsertIntent(c.Request.Context(), &def); err != nil {
		h.logger.Error("intent upsert failed", "code", def.Code, "error", err.Error())
		c.JSON(http.StatusInternalServerError, gin.H{"error": "upsert failed"})
		return
	}
	// A redefinition invalidates every cached resolution for this code.
	if _, err := h.svc.Cache().InvalidateIntent(c.Request.Context(), def.TenantID, def.Code); err != nil {
		h.logger.Warn("cache invalidation failed", "code", def.Code, "error", err.Error())
	}
	c.JSON(http.StatusOK, def)
}

// DeleteIntent handles DELETE /api/v1/admin/intents/:code.
func (h *Handler) DeleteIntent(c *gin.Context) {
	tenant := tenantID(c)
	code := c.Param("code")
	if err := h.svc.Catalog().DeleteIntent(c.Request.Context(), tenant, code); err != nil {
		if knowledge.IsNotFound(err) {
			c.JSON(http.StatusNotFound, gin.H{"error": "intent not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete failed"})
		return
	}
	if _, err := h.svc.Cache().InvalidateIntent(c.Request.Context(), tenant, code); err != nil {
		h.logger.Warn("cache invalidation failed", "code", code, "error", err.Error())
	}
	c.JSON(http.StatusOK, gin.H{"deleted": code})
}

// AddExpression handles POST /api/v1/admin/intents/:code/expressions.
func (h *Handler) AddExpression(c *gin.Context) {
	var body struct {
		Text string `json:"text" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	tenant := tenantID(c)
	code := c.Param("code")
	expr := &datatypes.LearnedExpression{
		TenantID:   tenant,
		Text:       body.Text,
		IntentCode: code,
		Source:     datatypes.ExprSeed,
		Confidence: 1.0,
		Verified:   true,
		Active:     true,
	}
	if err := h.svc.Catalog().AddExpression(c.Request.Context(), expr); err != nil {
		if knowledge.IsNotFound(err) {
			c.JSON(http.StatusNotFound, gin.H{"error": "intent not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "add expression failed"})
		return
	}
	expressionsLearnedTotal.WithLabelValues(string(datatypes.ExprSeed)).Inc()
	c.JSON(http.StatusOK, expr)
}

// =============================================================================
// Admin surface: cache, transitions, stats
// =============================================================================

// FlushCache handles POST /api/v1/admin/cache/flush.
func (h *Handler) FlushCache(c *gin.Context) {
	n, err := h.svc.Cache().Flush(c.Request.Context(), tenantID(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "flush failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"evicted": n})
}

// InvalidateCache handles POST /api/v1/admin/cache/invalidate.
func (h *Handler) InvalidateCache(c *gin.Context) {
	var body struct {
		IntentCode string `json:"intent_code" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	n, err := h.svc.Cache().InvalidateIntent(c.Request.Context(), tenantID(c), body.IntentCode)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "invalidate failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"evicted": n, "intent_code": body.IntentCode})
}

// Transitions handles GET /api/v1/admin/transitions. It returns the raw
// count rows; probabilities are derived with Laplace smoothing at read
// time, so counts are the durable truth.
func (h *Handler) Transitions(c *gin.Context) {
	m := h.svc.Transitions().Matrix(tenantID(c))
	if m == nil {
		c.JSON(http.StatusOK, gin.H{"counts": map[string]map[string]int64{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"counts": m.Counts()})
}

// RebuildTransitions handles POST /api/v1/admin/transitions/rebuild,
// forcing an immediate recount from the sample log instead of waiting
// for the maintenance cycle.
func (h *Handler) RebuildTransitions(c *gin.Context) {
	tenant := tenantID(c)
	if err := h.svc.Transitions().Rebuild(c.Request.Context(), tenant); err != nil {
		h.logger.Error("transition rebuild failed", "tenant", tenant, "error", err.Error())
		c.JSON(http.StatusInternalServerError, gin.H{"error": "rebuild failed"})
		return
	}
	h.Transitions(c)
}

// Stats handles GET /api/v1/admin/stats.
func (h *Handler) Stats(c *gin.Context) {
	tenant := tenantID(c)
	ctx := c.Request.Context()
	catalogStats, err := h.svc.Catalog().TenantStats(ctx, tenant)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "stats failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"catalog": catalogStats,
		"cache":   h.svc.Cache().TenantStats(ctx, tenant),
	})
}

// Accuracy handles GET /api/v1/admin/accuracy?days=N (default 7).
func (h *Handler) Accuracy(c *gin.Context) {
	days := 7
	if raw := c.Query("days"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "days must be a positive integer"})
			return
		}
		days = v
	}
	since := time.Now().AddDate(0, 0, -days)
	report, err := h.svc.Learning().Accuracy(c.Request.Context(), tenantID(c), since)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "accuracy report failed"})
		return
	}
	c.JSON(http.StatusOK, report)
}

// =============================================================================
// Health
// =============================================================================

// Health handles GET /healthz.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Ready handles GET /readyz. Ready means the startup warm completed;
// degraded AI capabilities do not make the service unready.
func (h *Handler) Ready(c *gin.Context) {
	if !h.svc.Ready() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "warming"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}
