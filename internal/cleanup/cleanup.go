// Package cleanup repairs stored transcripts corrupted by repeated phrases.
// It only proposes changes unless told to apply them.
package cleanup

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/n10l/speechrelay/internal/eventlog"
	"github.com/n10l/speechrelay/internal/store"
	"github.com/n10l/speechrelay/internal/transcript"
)

// Options controls a cleanup pass.
type Options struct {
	// Apply rewrites changed records. Without it the pass is a dry run.
	Apply bool
	// Filter narrows the records scanned. Limit is the page size and Offset
	// is ignored.
	Filter   store.Filter
	Collapse transcript.CollapseOptions
	// EventLog, when set, records each applied rewrite.
	EventLog *eventlog.Logger
	// Locker, when set, serializes each rewrite with live saves to the
	// same session.
	Locker Locker
}

// Locker hands out per-session locks. The returned func releases the lock.
type Locker interface {
	LockSession(sessionID string) func()
}

// Change describes one record the pass would rewrite, or did.
type Change struct {
	ID          string `json:"id"`
	SessionID   string `json:"sessionId"`
	ProducerID  string `json:"producerId"`
	BytesBefore int    `json:"bytesBefore"`
	BytesAfter  int    `json:"bytesAfter"`
	Applied     bool   `json:"applied"`
	Preview     string `json:"preview,omitempty"`
}

// Saved is the byte delta for this record.
func (c Change) Saved() int { return c.BytesBefore - c.BytesAfter }

// Summary aggregates a pass.
type Summary struct {
	Scanned    int      `json:"scanned"`
	Changed    int      `json:"changed"`
	BytesSaved int      `json:"bytesSaved"`
	Applied    bool     `json:"applied"`
	Changes    []Change `json:"changes"`
}

const previewLen = 120

func preview(s string) string {
	r := []rune(s)
	if len(r) <= previewLen {
		return s
	}
	return string(r[:previewLen]) + "..."
}

// Propose returns the collapsed text for a record and whether it is worth
// rewriting. Records where collapsing removes nothing are left alone, since
// renumbering delimiters alone would only discard real timing.
func Propose(text string, opts transcript.CollapseOptions) (string, bool) {
	cleaned := transcript.CollapseRepeatsWith(text, opts)
	return cleaned, len(cleaned) < len(text)
}

// Run scans the store page by page and collapses repeated phrases in each
// record. A rewrite failure stops the pass; the summary so far is returned
// with the error.
func Run(ctx context.Context, s store.Transcripts, opts Options, log zerolog.Logger) (Summary, error) {
	if opts.Collapse.MaxWindow <= 0 {
		opts.Collapse = transcript.DefaultCollapseOptions()
	}
	f := opts.Filter.Normalize()
	f.Offset = 0

	sum := Summary{Applied: opts.Apply}
	for {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		page, total, err := s.List(ctx, f)
		if err != nil {
			return sum, fmt.Errorf("list transcripts: %w", err)
		}

		for _, rec := range page {
			sum.Scanned++
			text := rec.Text
			cleaned, ok := Propose(text, opts.Collapse)
			if !ok {
				continue
			}

			applied := false
			if opts.Apply {
				text, cleaned, ok, err = apply(ctx, s, opts, rec)
				if err != nil {
					return sum, err
				}
				if !ok {
					continue
				}
				applied = true
			}

			ch := Change{
				ID:          rec.ID,
				SessionID:   rec.SessionID,
				ProducerID:  rec.ProducerID,
				BytesBefore: len(text),
				BytesAfter:  len(cleaned),
				Applied:     applied,
				Preview:     preview(cleaned),
			}
			if applied {
				if err := opts.EventLog.Log(ctx, rec.SessionID, rec.ProducerID, eventlog.EventTranscriptCleaned, map[string]any{
					"bytesBefore": ch.BytesBefore,
					"bytesAfter":  ch.BytesAfter,
				}); err != nil {
					log.Warn().Err(err).Str("id", rec.ID).Msg("audit event not recorded")
				}
			}

			sum.Changed++
			sum.BytesSaved += ch.Saved()
			sum.Changes = append(sum.Changes, ch)
			log.Info().
				Str("id", ch.ID).
				Str("sessionId", ch.SessionID).
				Int("bytesBefore", ch.BytesBefore).
				Int("bytesAfter", ch.BytesAfter).
				Bool("applied", ch.Applied).
				Msg("repeated phrases collapsed")
		}

		f.Offset += len(page)
		if len(page) == 0 || f.Offset >= total {
			break
		}
	}

	log.Info().
		Int("scanned", sum.Scanned).
		Int("changed", sum.Changed).
		Int("bytesSaved", sum.BytesSaved).
		Bool("applied", sum.Applied).
		Msg("cleanup pass finished")
	return sum, nil
}

// apply re-reads the record under the session lock so a save that landed
// after the page was listed is collapsed too, never overwritten. It returns
// the text it started from, the rewrite, and false when nothing is left to
// collapse.
func apply(ctx context.Context, s store.Transcripts, opts Options, rec store.Transcript) (string, string, bool, error) {
	if opts.Locker != nil {
		unlock := opts.Locker.LockSession(rec.SessionID)
		defer unlock()
	}

	cur, err := s.Get(ctx, rec.SessionID)
	if errors.Is(err, store.ErrNotFound) {
		return "", "", false, nil
	}
	if err != nil {
		return "", "", false, fmt.Errorf("reload %s: %w", rec.SessionID, err)
	}
	cleaned, ok := Propose(cur.Text, opts.Collapse)
	if !ok {
		return "", "", false, nil
	}
	if err := s.Rewrite(ctx, cur.ID, cleaned); err != nil {
		return "", "", false, fmt.Errorf("rewrite %s: %w", cur.ID, err)
	}
	return cur.Text, cleaned, true, nil
}
