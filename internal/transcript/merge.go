// Package transcript reconciles cumulative transcript text with newly saved
// segments and repairs records corrupted by repeated phrases.
package transcript

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// delimiterRe matches a timestamp delimiter such as "\n[03:15] ".
var delimiterRe = regexp.MustCompile(`\n\[\d+:\d+\] `)

// Delimiter renders the boundary marker inserted before genuinely new content.
func Delimiter(elapsed time.Duration) string {
	if elapsed < 0 {
		elapsed = 0
	}
	secs := int(elapsed / time.Second)
	return fmt.Sprintf("\n[%02d:%02d] ", secs/60, secs%60)
}

// LastSegment returns the text following the final delimiter in s, or s
// itself when it has none.
func LastSegment(s string) string {
	locs := delimiterRe.FindAllStringIndex(s, -1)
	if len(locs) == 0 {
		return s
	}
	return s[locs[len(locs)-1][1]:]
}

// Segments splits s at delimiter boundaries.
func Segments(s string) []string {
	return delimiterRe.Split(s, -1)
}

// Merge appends incoming to existing without duplicating content already
// present. elapsed is the time since the record was created and only affects
// the delimiter written before new, unrelated content.
//
// A save that grows the last segment is an extension and gets no delimiter,
// even when the same words were said earlier in the transcript. An empty
// last segment (existing ends in a delimiter) is a prefix of anything.
func Merge(existing, incoming string, elapsed time.Duration) string {
	incoming = strings.TrimSpace(incoming)
	if incoming == "" {
		return existing
	}
	if existing == "" {
		return incoming
	}
	// Already the tail of the transcript; covers incoming that itself
	// carries delimiters.
	if strings.HasSuffix(existing, incoming) {
		return existing
	}

	last := LastSegment(existing)
	if strings.HasPrefix(incoming, last) {
		return existing + incoming[len(last):]
	}
	if strings.HasPrefix(last, incoming) || strings.Contains(existing, incoming) {
		return existing
	}
	return existing + Delimiter(elapsed) + incoming
}
