package transcript

import (
	"strings"
	"time"
)

// CollapseOptions tunes repeated-phrase collapsing.
type CollapseOptions struct {
	// MaxWindow is the longest token run tested for back-to-back repetition.
	MaxWindow int
	// SegmentSpacing is the synthetic gap between regenerated delimiters.
	SegmentSpacing time.Duration
}

// DefaultCollapseOptions returns the window and spacing used by cleanup.
func DefaultCollapseOptions() CollapseOptions {
	return CollapseOptions{
		MaxWindow:      10,
		SegmentSpacing: 10 * time.Second,
	}
}

// CollapseRepeats removes back-to-back duplicated phrases from text using the
// default options.
func CollapseRepeats(text string) string {
	return CollapseRepeatsWith(text, DefaultCollapseOptions())
}

// CollapseRepeatsWith removes back-to-back duplicated token runs within each
// delimited segment and reassembles the segments with sequential synthetic
// delimiters, since the original timing cannot be recovered.
//
// It cannot tell a capture artifact from a value genuinely repeated by the
// speaker, so callers should treat its output as a proposal to review.
func CollapseRepeatsWith(text string, opts CollapseOptions) string {
	if strings.TrimSpace(text) == "" {
		return text
	}
	if opts.MaxWindow <= 0 {
		opts.MaxWindow = DefaultCollapseOptions().MaxWindow
	}

	var cleaned []string
	for _, seg := range Segments(text) {
		if c := collapseTokens(strings.Fields(seg), opts.MaxWindow); len(c) > 0 {
			cleaned = append(cleaned, strings.Join(c, " "))
		}
	}
	if len(cleaned) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString(cleaned[0])
	for i := 1; i < len(cleaned); i++ {
		b.WriteString(Delimiter(time.Duration(i) * opts.SegmentSpacing))
		b.WriteString(cleaned[i])
	}
	return b.String()
}

func collapseTokens(words []string, maxWindow int) []string {
	out := make([]string, 0, len(words))
	i := 0
	for i < len(words) {
		n := repeatLength(words, i, maxWindow)
		if n == 0 {
			out = append(out, words[i])
			i++
			continue
		}
		out = append(out, words[i:i+n]...)
		i += n
		for i+n <= len(words) && equalRuns(words, i-n, i, n) {
			i += n
		}
	}
	return out
}

// repeatLength returns the shortest window n such that the n tokens at start
// are immediately followed by the same n tokens, or 0.
func repeatLength(words []string, start, maxWindow int) int {
	limit := (len(words) - start) / 2
	if limit > maxWindow {
		limit = maxWindow
	}
	for n := 1; n <= limit; n++ {
		if equalRuns(words, start, start+n, n) {
			return n
		}
	}
	return 0
}

func equalRuns(words []string, a, b, n int) bool {
	for k := 0; k < n; k++ {
		if words[a+k] != words[b+k] {
			return false
		}
	}
	return true
}
