// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package textproc provides utterance normalization, hashing and tokenization
// shared by the matchers, the result cache, and the learning loop.
//
// Factory-floor utterances mix Latin-script and CJK text with no reliable
// word boundaries, so tokenization emits Latin word runs plus CJK character
// bigrams rather than assuming whitespace segmentation.
package textproc

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"
)

// minTokenRunes is the minimum token length kept by Tokenize.
// Single characters carry almost no intent signal in either script.
const minTokenRunes = 2

// Normalize canonicalizes an utterance for hashing and exact matching:
// trim, lowercase fold, and whitespace collapse. Two utterances that differ
// only in case or spacing normalize to the same string.
func Normalize(utterance string) string {
	fields := strings.Fields(strings.ToLower(strings.TrimSpace(utterance)))
	return strings.Join(fields, " ")
}

// Hash returns the lowercase hex SHA256 of the normalized utterance.
// This is the exact-match and dedup key used across the core.
func Hash(normalized string) string {
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// HashUtterance normalizes and hashes in one step.
func HashUtterance(utterance string) string {
	return Hash(Normalize(utterance))
}

// isCJK reports whether r belongs to the CJK unified ideograph ranges.
func isCJK(r rune) bool {
	return unicode.Is(unicode.Han, r)
}

// Tokenize splits an utterance into matchable tokens.
//
// Latin-script and digit runs become whole tokens ("inventory", "42").
// CJK runs are emitted as overlapping character bigrams ("销量" → "销量";
// "销量最高" → "销量", "量最", "最高"), which approximates word segmentation
// well enough for keyword overlap scoring without a dictionary.
//
// Tokens shorter than two runes are dropped. The result preserves first-seen
// order and contains no duplicates.
func Tokenize(utterance string) []string {
	lower := strings.ToLower(utterance)

	var tokens []string
	seen := make(map[string]bool)
	emit := func(tok string) {
		if len([]rune(tok)) < minTokenRunes {
			return
		}
		if !seen[tok] {
			seen[tok] = true
			tokens = append(tokens, tok)
		}
	}

	var latin []rune
	var cjk []rune
	flushLatin := func() {
		if len(latin) > 0 {
			emit(string(latin))
			latin = latin[:0]
		}
	}
	flushCJK := func() {
		if len(cjk) == 1 {
			// A lone ideograph between delimiters still carries some signal;
			// keep it despite the bigram rule. Dedup directly, since emit
			// enforces the minimum length this branch exists to waive.
			tok := string(cjk)
			if !seen[tok] {
				seen[tok] = true
				tokens = append(tokens, tok)
			}
		}
		for i := 0; i+1 < len(cjk); i++ {
			emit(string(cjk[i : i+2]))
		}
		cjk = cjk[:0]
	}

	for _, r := range lower {
		switch {
		case isCJK(r):
			flushLatin()
			cjk = append(cjk, r)
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			flushCJK()
			latin = append(latin, r)
		default:
			flushLatin()
			flushCJK()
		}
	}
	flushLatin()
	flushCJK()

	return tokens
}

// stopwords are tokens too generic to become learned keywords.
// English function words plus common Chinese particles/verbs that appear in
// nearly every utterance.
var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "that": true,
	"this": true, "what": true, "which": true, "show": true, "give": true,
	"please": true, "want": true, "need": true, "can": true, "you": true,
	"how": true, "are": true, "was": true, "all": true, "any": true,
	"我要": true, "我想": true, "请问": true, "帮我": true, "一下": true,
	"什么": true, "怎么": true, "哪个": true, "这个": true, "那个": true,
	"查询": false, // domain verb, deliberately kept
}

// IsStopword reports whether tok is too generic to be a learned keyword.
func IsStopword(tok string) bool {
	return stopwords[tok]
}

// ContentTokens tokenizes and drops stopwords.
func ContentTokens(utterance string) []string {
	var out []string
	for _, tok := range Tokenize(utterance) {
		if !IsStopword(tok) {
			out = append(out, tok)
		}
	}
	return out
}

// Truncate shortens s to max runes for log and span attributes.
func Truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}
