// Package text prepares raw input for synthesis: it cleans up whitespace and
// punctuation and packs sentences into blocks sized for the speech engine.
package text

import (
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Ellipsis replaces runs of three or more dots in aggressive mode.
const Ellipsis = "…"

var (
	bangRun      = regexp.MustCompile(`[!！]{2,}`)
	questionRun  = regexp.MustCompile(`[?？]{2,}`)
	dotRun       = regexp.MustCompile(`[.。]{3,}`)
	semicolonRun = regexp.MustCompile(`;{2,}`)
)

// Normalize collapses whitespace (newlines included) into single spaces and
// guarantees the result ends with a sentence terminator. With aggressive set it
// also composes the text to NFC and squeezes repeated punctuation.
//
// Normalize is idempotent: Normalize(Normalize(t, a), a) == Normalize(t, a).
func Normalize(raw string, aggressive bool) string {
	if aggressive {
		raw = norm.NFC.String(raw)
	}
	t := strings.Join(strings.Fields(raw), " ")
	if t == "" {
		return ""
	}
	if aggressive {
		t = bangRun.ReplaceAllString(t, "!")
		t = questionRun.ReplaceAllString(t, "?")
		t = dotRun.ReplaceAllString(t, Ellipsis)
		t = semicolonRun.ReplaceAllString(t, ";")
	}
	if !EndsWithTerminator(t) {
		t += "."
		if aggressive {
			// "x。。" plus the appended dot forms a new run
			t = dotRun.ReplaceAllString(t, Ellipsis)
		}
	}
	return t
}

// EndsWithTerminator reports whether s ends with '.', '!', '?' or an ellipsis.
func EndsWithTerminator(s string) bool {
	return strings.HasSuffix(s, ".") ||
		strings.HasSuffix(s, "!") ||
		strings.HasSuffix(s, "?") ||
		strings.HasSuffix(s, Ellipsis)
}

func isTerminator(r rune) bool {
	switch r {
	case '.', '!', '?', '…':
		return true
	}
	return false
}
