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

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Models wrap JSON in markdown fences, prepend prose, or append
// commentary. ExtractJSON digs the first balanced top-level object out
// of whatever came back and unmarshals it.

// ExtractJSON finds the first JSON object in raw and unmarshals it into
// out. Returns an error when no parseable object exists.
func ExtractJSON(raw string, out interface{}) error {
	candidate := stripFences(raw)

	start := strings.IndexByte(candidate, '{')
	if start < 0 {
		return fmt.Errorf("llm: no JSON object in response")
	}
	end := matchBrace(candidate, start)
	if end < 0 {
		return fmt.Errorf("llm: unbalanced JSON object in response")
	}

	if err := json.Unmarshal([]byte(candidate[start:end+1]), out); err != nil {
		return fmt.Errorf("llm: parsing extracted JSON: %w", err)
	}
	return nil
}

// stripFences removes a surrounding markdown code fence, if present.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	// Drop an optional language tag on the fence line.
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		first := strings.TrimSpace(s[:idx])
		if first == "json" || first == "" {
			s = s[idx+1:]
		}
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// matchBrace returns the index of the brace closing the object opened at
// start, honoring strings and escapes. Returns -1 when unbalanced.
func matchBrace(s string, start int) int {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}
