// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import "testing"

type verdict struct {
	IntentCode string  `json:"intent_code"`
	Confidence float64 `json:"confidence"`
}

func TestExtractJSON_Clean(t *testing.T) {
	var v verdict
	if err := ExtractJSON(`{"intent_code": "REPORT_KPI", "confidence": 0.82}`, &v); err != nil {
		t.Fatalf("ExtractJSON: %v", err)
	}
	if v.IntentCode != "REPORT_KPI" || v.Confidence != 0.82 {
		t.Errorf("parsed %+v", v)
	}
}

func TestExtractJSON_FencedWithProse(t *testing.T) {
	raw := "Sure! Here is the classification:\n```json\n{\"intent_code\": \"CLOCK_IN\", \"confidence\": 0.9}\n```\nLet me know if you need anything else."
	var v verdict
	if err := ExtractJSON(raw, &v); err != nil {
		t.Fatalf("ExtractJSON: %v", err)
	}
	if v.IntentCode != "CLOCK_IN" {
		t.Errorf("parsed %+v", v)
	}
}

func TestExtractJSON_BracesInsideStrings(t *testing.T) {
	raw := `{"intent_code": "X", "confidence": 0.5, "reason": "matched {kpi} pattern \"}\" ok"}`
	var v struct {
		verdict
		Reason string `json:"reason"`
	}
	if err := ExtractJSON(raw, &v); err != nil {
		t.Fatalf("ExtractJSON: %v", err)
	}
	if v.Reason == "" {
		t.Error("reason lost")
	}
}

func TestExtractJSON_NestedObject(t *testing.T) {
	raw := `prefix {"outer": {"inner": 1}, "intent_code": "Y", "confidence": 0.1} suffix`
	var v verdict
	if err := ExtractJSON(raw, &v); err != nil {
		t.Fatalf("ExtractJSON: %v", err)
	}
	if v.IntentCode != "Y" {
		t.Errorf("parsed %+v", v)
	}
}

func TestExtractJSON_NoObject(t *testing.T) {
	var v verdict
	if err := ExtractJSON("I could not classify that.", &v); err == nil {
		t.Error("expected an error for prose with no JSON")
	}
}

func TestExtractJSON_UnbalancedBraces(t *testing.T) {
	var v verdict
	if err := ExtractJSON(`{"intent_code": "X"`, &v); err == nil {
		t.Error("expected an error for truncated JSON")
	}
}
