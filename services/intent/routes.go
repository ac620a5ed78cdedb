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

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// WarmupGuard rejects resolution traffic with 503 until the startup
// warm completes. Health and admin routes are never guarded.
func WarmupGuard(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !svc.Ready() {
			c.Header("Retry-After", "5")
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"error": "service is warming up, retry shortly",
			})
			return
		}
		c.Next()
	}
}

// RegisterRoutes mounts the full HTTP surface on the router.
//
// # Description
//
// Layout:
//   - /api/v1/intent/*  resolution surface (warmup-guarded)
//   - /api/v1/admin/*   operator surface
//   - /healthz /readyz /metrics
func RegisterRoutes(r *gin.Engine, h *Handler, svc *Service) {
	v1 := r.Group("/api/v1")

	res := v1.Group("/intent", WarmupGuard(svc))
	{
		res.POST("/resolve", h.Resolve)
		res.POST("/feedback", h.Feedback)
		res.GET("/sessions/:id", h.GetSession)
		res.POST("/sessions/:id/cancel", h.CancelSession)
	}

	admin := v1.Group("/admin")
	{
		admin.GET("/intents", h.ListIntents)
		admin.GET("/intents/:code", h.GetIntent)
		admin.PUT("/intents/:code", h.UpsertIntent)
		admin.DELETE("/intents/:code", h.DeleteIntent)
		admin.POST("/intents/:code/expressions", h.AddExpression)
		admin.POST("/cache/flush", h.FlushCache)
		admin.POST("/cache/invalidate", h.InvalidateCache)
		admin.GET("/transitions", h.Transitions)
		admin.POST("/transitions/rebuild", h.RebuildTransitions)
		admin.GET("/stats", h.Stats)
		admin.GET("/accuracy", h.Accuracy)
	}

	r.GET("/healthz", h.Health)
	r.GET("/readyz", h.Ready)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
}
