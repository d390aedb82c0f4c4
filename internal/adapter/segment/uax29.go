// Package segment finds sentence boundaries in streamed text.
package segment

import (
	"strings"
	"unicode"

	"github.com/clipperhouse/uax29/v2/sentences"

	"monadic-chat/internal/domain"
)

var _ domain.SentenceBoundaryDetector = UAX29Detector{}

// UAX29Detector splits text on Unicode UAX #29 sentence boundaries. The last
// segment is kept as the remainder unless it already ends in terminal
// punctuation followed by whitespace, since more text may still extend it.
type UAX29Detector struct{}

// Find implements domain.SentenceBoundaryDetector.
func (UAX29Detector) Find(buffer string) ([]string, string) {
	if buffer == "" {
		return nil, ""
	}

	var segs []string
	tokens := sentences.FromString(buffer)
	for tokens.Next() {
		segs = append(segs, tokens.Value())
	}
	if len(segs) == 0 {
		return nil, buffer
	}

	last := segs[len(segs)-1]
	if closedSentence(last) {
		return segs, ""
	}
	return segs[:len(segs)-1], last
}

// closedSentence reports whether s ends with sentence-final punctuation and
// at least one trailing space.
func closedSentence(s string) bool {
	trimmed := strings.TrimRightFunc(s, unicode.IsSpace)
	if len(trimmed) == len(s) || trimmed == "" {
		return false
	}
	trimmed = strings.TrimRight(trimmed, `"')]}”’»`)
	if trimmed == "" {
		return false
	}
	switch r := []rune(trimmed)[len([]rune(trimmed))-1]; r {
	case '.', '!', '?', '。', '！', '？', '…':
		return true
	}
	return false
}
