// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package rag

import "math"

// logIDF is Lucene-style smoothed inverse document frequency:
// log((N+1)/(df+1)) + 1, always >= 1.
func logIDF(n, df int) float64 {
	return math.Log(float64(n+1)/float64(df+1)) + 1.0
}
