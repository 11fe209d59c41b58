package llm

import (
	"regexp"
	"strings"
)

// A sentence ends at terminal punctuation followed by whitespace, so
// decimals such as "3.5" stay intact.
var sentenceEnd = regexp.MustCompile(`[^.!?]*[.!?]+\s`)

// SentenceSplitter accumulates streamed deltas and releases whole sentences.
type SentenceSplitter struct {
	buf strings.Builder
}

func NewSentenceSplitter() *SentenceSplitter {
	return &SentenceSplitter{}
}

// Push appends delta and returns any sentences it completed.
func (s *SentenceSplitter) Push(delta string) []string {
	if delta == "" {
		return nil
	}
	s.buf.WriteString(delta)
	text := s.buf.String()

	var sentences []string
	for {
		loc := sentenceEnd.FindStringIndex(text)
		if loc == nil {
			break
		}
		if sentence := strings.TrimSpace(text[:loc[1]]); sentence != "" {
			sentences = append(sentences, sentence)
		}
		text = text[loc[1]:]
	}

	s.buf.Reset()
	s.buf.WriteString(text)
	return sentences
}

// Flush returns the trailing text and empties the buffer.
func (s *SentenceSplitter) Flush() string {
	rest := strings.TrimSpace(s.buf.String())
	s.buf.Reset()
	return rest
}
