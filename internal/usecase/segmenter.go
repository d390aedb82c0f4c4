package usecase

import (
	"strings"

	"monadic-chat/internal/domain"
)

// SentenceSegmenter buffers streamed text and releases completed sentences.
// Everything fed in comes back out exactly once, through Feed or Flush.
type SentenceSegmenter struct {
	detector domain.SentenceBoundaryDetector
	buf      string
}

// NewSentenceSegmenter creates a segmenter using detector for boundaries.
func NewSentenceSegmenter(detector domain.SentenceBoundaryDetector) *SentenceSegmenter {
	return &SentenceSegmenter{detector: detector}
}

// Feed appends fragment and returns the sentences it completed.
func (s *SentenceSegmenter) Feed(fragment string) []string {
	if fragment == "" {
		return nil
	}
	s.buf += fragment

	sentences, rest := s.detector.Find(s.buf)
	if len(sentences) == 0 {
		return nil
	}
	// A detector that loses or invents characters is ignored for this pass.
	if strings.Join(sentences, "")+rest != s.buf {
		return nil
	}

	out := sentences[:0:0]
	for _, sent := range sentences {
		if sent != "" {
			out = append(out, sent)
		}
	}
	s.buf = rest
	return out
}

// Flush returns the buffered remainder and empties the buffer.
func (s *SentenceSegmenter) Flush() string {
	rest := s.buf
	s.buf = ""
	return rest
}

// Pending returns the buffered text without consuming it.
func (s *SentenceSegmenter) Pending() string { return s.buf }
