package prompt

import (
	"fmt"
	"sort"
	"strings"
)

// Span is a detected region of text
type Span struct {
	Kind       string
	Value      string
	Start      int
	End        int
	Confidence float64
}

// TokenFunc returns the replacement token for one redacted span of kind
type TokenFunc func(kind string) string

// RefTokens returns a TokenFunc producing [REDACTED:<KIND>:ref_NNNN] tokens.
// The counter lives in the returned closure, so callers create one per
// evaluation.
func RefTokens() TokenFunc {
	n := 0
	return func(kind string) string {
		n++
		return fmt.Sprintf("[REDACTED:%s:ref_%04d]", kind, n)
	}
}

// resolveOverlaps keeps a non-overlapping subset of spans, preferring the
// earliest start, then the longest span, then the lowest rank.
func resolveOverlaps(spans []Span, rank func(kind string) int) []Span {
	if len(spans) < 2 {
		return spans
	}
	sort.SliceStable(spans, func(i, j int) bool {
		a, b := spans[i], spans[j]
		if a.Start != b.Start {
			return a.Start < b.Start
		}
		if la, lb := a.End-a.Start, b.End-b.Start; la != lb {
			return la > lb
		}
		return rank(a.Kind) < rank(b.Kind)
	})

	kept := spans[:0:0]
	end := -1
	for _, s := range spans {
		if s.Start < end {
			continue
		}
		kept = append(kept, s)
		end = s.End
	}
	return kept
}

// Redact replaces each span of text with a token. Spans must be sorted and
// non-overlapping. Repeated values of the same kind share one token. The
// returned map goes from token to original value.
func Redact(text string, spans []Span, token TokenFunc) (string, map[string]string) {
	if len(spans) == 0 {
		return text, nil
	}

	tokens := make(map[string]string, len(spans))
	byValue := make(map[string]string, len(spans))

	var b strings.Builder
	b.Grow(len(text))
	last := 0
	for _, s := range spans {
		key := s.Kind + "\x00" + s.Value
		tok, ok := byValue[key]
		if !ok {
			tok = token(s.Kind)
			byValue[key] = tok
			tokens[tok] = s.Value
		}
		b.WriteString(text[last:s.Start])
		b.WriteString(tok)
		last = s.End
	}
	b.WriteString(text[last:])
	return b.String(), tokens
}
