// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package learning

import (
	"context"
	"time"

	"github.com/j4xie/my-prototype-logistics-sub023/services/intent/datatypes"
)

// AccuracyReport summarizes resolution quality over a window, from the
// training sample log. Accuracy counts only samples with feedback;
// unfeedbacked samples say nothing about correctness.
type AccuracyReport struct {
	TenantID string    `json:"tenant_id"`
	Since    time.Time `json:"since"`

	Total     int `json:"total"`
	Confirmed int `json:"confirmed"`
	Rejected  int `json:"rejected"`

	// Accuracy is Confirmed / (Confirmed + Rejected), 0 when no feedback.
	Accuracy float64 `json:"accuracy"`

	// ByMethod counts samples per matcher stage.
	ByMethod map[datatypes.MatchSource]int `json:"by_method"`

	// RejectedByMethod locates which stages misfire.
	RejectedByMethod map[datatypes.MatchSource]int `json:"rejected_by_method"`
}

// Accuracy builds a report for one tenant since the given time.
func (l *Loop) Accuracy(ctx context.Context, tenantID string, since time.Time) (*AccuracyReport, error) {
	report := &AccuracyReport{
		TenantID:         tenantID,
		Since:            since,
		ByMethod:         make(map[datatypes.MatchSource]int),
		RejectedByMethod: make(map[datatypes.MatchSource]int),
	}
	err := l.store.ScanSamples(ctx, tenantID, since, func(s *datatypes.TrainingSample) error {
		report.Total++
		report.ByMethod[s.Method]++
		switch s.Feedback {
		case datatypes.FeedbackConfirmed:
			report.Confirmed++
		case datatypes.FeedbackRejected:
			report.Rejected++
			report.RejectedByMethod[s.Method]++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if judged := report.Confirmed + report.Rejected; judged > 0 {
		report.Accuracy = float64(report.Confirmed) / float64(judged)
	}
	return report, nil
}
