package text

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Block is one sentence-bounded chunk of normalized text rendered as a unit.
type Block struct {
	Index int    `json:"index"`
	Text  string `json:"text"`
	Len   int    `json:"len"`
}

// Segment splits text into sentences and greedily packs them into blocks of at
// most maxLen characters (Unicode code points), joining sentences with one
// space. A sentence is never split: one that is longer than maxLen becomes an
// oversized block of its own.
func Segment(text string, maxLen int) []Block {
	sentences := Sentences(text)
	if len(sentences) == 0 {
		return nil
	}

	var (
		blocks []Block
		cur    strings.Builder
		curLen int
	)
	flush := func() {
		if curLen == 0 {
			return
		}
		blocks = append(blocks, Block{Index: len(blocks), Text: cur.String(), Len: curLen})
		cur.Reset()
		curLen = 0
	}

	for _, s := range sentences {
		n := utf8.RuneCountInString(s)
		if curLen > 0 && curLen+1+n > maxLen {
			flush()
		}
		if curLen > 0 {
			cur.WriteByte(' ')
			curLen++
		}
		cur.WriteString(s)
		curLen += n
	}
	flush()
	return blocks
}

// Sentences splits text at whitespace that follows a terminator ('.', '!',
// '?' or an ellipsis). Sentences are trimmed and empty ones dropped.
func Sentences(text string) []string {
	var (
		out   []string
		start int
		prev  rune
	)
	for i, r := range text {
		if unicode.IsSpace(r) && isTerminator(prev) {
			if s := strings.TrimSpace(text[start:i]); s != "" {
				out = append(out, s)
			}
			start = i
		}
		prev = r
	}
	if s := strings.TrimSpace(text[start:]); s != "" {
		out = append(out, s)
	}
	return out
}

// TotalLen sums the lengths of blocks.
func TotalLen(blocks []Block) int {
	total := 0
	for _, b := range blocks {
		total += b.Len
	}
	return total
}
