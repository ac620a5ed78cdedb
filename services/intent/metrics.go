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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Prometheus Metrics for Intent Resolution
// =============================================================================

var (
	// resolutionsTotal counts resolutions by source stage and action.
	// Labels: source (EXACT..CACHE), action (EXECUTE..CLARIFY)
	resolutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "intent",
		Subsystem: "resolver",
		Name:      "resolutions_total",
		Help:      "Total resolutions by winning source and recommended action",
	}, []string{"source", "action"})

	// resolutionLatencySeconds measures end-to-end resolve latency.
	// Labels: source
	resolutionLatencySeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "intent",
		Subsystem: "resolver",
		Name:      "latency_seconds",
		Help:      "End-to-end resolution latency by winning source",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
	}, []string{"source"})

	// cacheLookupsTotal counts result cache lookups by level.
	// Labels: level (EXACT, SEMANTIC, MISS)
	cacheLookupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "intent",
		Subsystem: "cache",
		Name:      "lookups_total",
		Help:      "Result cache lookups by hit level",
	}, []string{"level"})

	// degradedTotal counts resolutions that ran without an AI capability.
	degradedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "intent",
		Subsystem: "resolver",
		Name:      "degraded_total",
		Help:      "Resolutions completed while an AI capability was unavailable",
	})

	// sessionsTotal counts conversation sessions by terminal status.
	// Labels: status (COMPLETED, TIMEOUT, CANCELLED, MAX_ROUNDS_REACHED)
	sessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "intent",
		Subsystem: "conversation",
		Name:      "sessions_total",
		Help:      "Conversation sessions ended, by terminal status",
	}, []string{"status"})

	// feedbackTotal counts explicit feedback by outcome.
	// Labels: outcome (CONFIRMED, REJECTED)
	feedbackTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "intent",
		Subsystem: "learning",
		Name:      "feedback_total",
		Help:      "Explicit feedback received, by outcome",
	}, []string{"outcome"})

	// expressionsLearnedTotal counts expressions added by source.
	// Labels: source (AUTO, FEEDBACK)
	expressionsLearnedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "intent",
		Subsystem: "learning",
		Name:      "expressions_learned_total",
		Help:      "Learned expressions added to the knowledge base, by source",
	}, []string{"source"})
)
