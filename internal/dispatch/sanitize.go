// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package dispatch

import (
	"fmt"
	"regexp"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// DefaultMaxInputLength bounds request length in characters.
const DefaultMaxInputLength = 4000

// injectionSignature is one known prompt-injection phrase.
type injectionSignature struct {
	name    string
	pattern *regexp.Regexp
}

var injectionSignatures = []injectionSignature{
	{"ignore instructions", regexp.MustCompile(`(?i)\bignore\b[^\n]{0,60}?\binstructions?\b`)},
	{"disregard instructions", regexp.MustCompile(`(?i)\bdisregard\b[^\n]{0,60}?\binstructions?\b`)},
	{"forget instructions", regexp.MustCompile(`(?i)\bforget\b[^\n]{0,60}?\binstructions?\b`)},
	{"system tag", regexp.MustCompile(`(?i)<\s*/?\s*system\s*>`)},
	{"role override", regexp.MustCompile(`(?i)\byou\s+are\s+now\b`)},
	{"new instructions", regexp.MustCompile(`(?i)\bnew\s+instructions\s*:`)},
}

// Sanitize checks input before any tier sees it. Clean input is returned
// unmodified with an empty reason; otherwise reason says what tripped.
// The scan runs on the NFKC form so full-width look-alikes are caught.
func Sanitize(input string, maxLen int) (string, string) {
	if maxLen <= 0 {
		maxLen = DefaultMaxInputLength
	}
	if n := utf8.RuneCountInString(input); n > maxLen {
		return input, fmt.Sprintf("input length %d exceeds limit %d", n, maxLen)
	}

	scan := norm.NFKC.String(input)
	for _, sig := range injectionSignatures {
		if sig.pattern.MatchString(scan) {
			return input, "prompt injection signature: " + sig.name
		}
	}
	return input, ""
}
