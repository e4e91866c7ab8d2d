package relay

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog"

	"github.com/n10l/speechrelay/internal/eventlog"
	"github.com/n10l/speechrelay/internal/metrics"
	"github.com/n10l/speechrelay/internal/store"
	"github.com/n10l/speechrelay/internal/transcript"
)

// Merge outcomes, also used as metric labels.
const (
	OutcomeCreated   = "created"
	OutcomeUnchanged = "unchanged"
	OutcomeExtended  = "extended"
	OutcomeAppended  = "appended"
)

// ErrNotOwner is returned when a save targets a session stored under a
// different producer.
var ErrNotOwner = errors.New("session belongs to another producer")

// Persister applies saves to the store through the merge rule, one write at
// a time per session.
type Persister struct {
	store    store.Transcripts
	locks    *sessionLocks
	metrics  *metrics.Metrics
	eventLog *eventlog.Logger
	log      zerolog.Logger
	now      func() time.Time
}

func NewPersister(s store.Transcripts, m *metrics.Metrics, el *eventlog.Logger, log zerolog.Logger) *Persister {
	if m == nil {
		m = metrics.DefaultMetrics
	}
	return &Persister{
		store:    s,
		locks:    newSessionLocks(),
		metrics:  m,
		eventLog: el,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SaveResult reports what a save did.
type SaveResult struct {
	Record  store.Transcript
	Outcome string
}

// Save loads the session's record, merges the incoming text into it and
// writes it back. A final save marks the record final; it never reverts.
func (p *Persister) Save(ctx context.Context, in SpeechPayload) (SaveResult, error) {
	if in.SessionID == "" {
		return SaveResult{}, errors.New("missing sessionId")
	}
	saveType := in.SaveType
	if saveType == "" {
		saveType = "auto"
	}
	start := time.Now()

	unlock := p.locks.lock(in.SessionID)
	defer unlock()

	res, err := p.save(ctx, in)
	p.metrics.RecordSave(saveType, res.Outcome, err, time.Since(start).Seconds())
	if errors.Is(err, ErrNotOwner) {
		p.log.Warn().
			Str("sessionId", in.SessionID).
			Str("producerId", in.ProducerID).
			Str("saveType", saveType).
			Msg("save rejected, session owned by another producer")
		p.eventLog.LogAsync(in.SessionID, in.ProducerID, eventlog.EventSaveFailed, map[string]any{
			"saveType": saveType,
			"error":    err.Error(),
		})
		return res, err
	}
	if err != nil {
		p.log.Error().Err(err).
			Str("sessionId", in.SessionID).
			Str("producerId", in.ProducerID).
			Str("saveType", saveType).
			Msg("persist transcript failed")
		sentry.WithScope(func(scope *sentry.Scope) {
			scope.SetTag("sessionId", in.SessionID)
			scope.SetTag("saveType", saveType)
			sentry.CaptureException(err)
		})
		p.eventLog.LogAsync(in.SessionID, in.ProducerID, eventlog.EventSaveFailed, map[string]any{
			"saveType": saveType,
			"error":    err.Error(),
		})
		return res, err
	}

	p.log.Debug().
		Str("sessionId", in.SessionID).
		Str("saveType", saveType).
		Str("outcome", res.Outcome).
		Int("length", len(res.Record.Text)).
		Msg("transcript persisted")
	return res, nil
}

// LockSession serializes an offline rewrite with live saves for sessionID.
// The returned func releases the lock.
func (p *Persister) LockSession(sessionID string) func() {
	return p.locks.lock(sessionID)
}

func durationSeconds(d float64) int {
	if d <= 0 || math.IsNaN(d) || math.IsInf(d, 0) {
		return 0
	}
	return int(math.Round(d))
}

func (p *Persister) save(ctx context.Context, in SpeechPayload) (SaveResult, error) {
	incoming := strings.TrimSpace(in.FinalTranscript)
	duration := durationSeconds(in.Duration)

	existing, err := p.store.Get(ctx, in.SessionID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		rec, err := p.store.Put(ctx, store.Transcript{
			SessionID:       in.SessionID,
			ProducerID:      in.ProducerID,
			ChannelID:       in.ChannelID,
			Text:            incoming,
			InterimText:     in.InterimTranscript,
			IsFinal:         in.IsFinal,
			StartTime:       in.StartTime,
			DurationSeconds: duration,
			SavedAt:         p.now(),
		})
		if err != nil {
			return SaveResult{}, fmt.Errorf("insert transcript: %w", err)
		}
		return SaveResult{Record: rec, Outcome: OutcomeCreated}, nil
	case err != nil:
		return SaveResult{}, fmt.Errorf("load transcript: %w", err)
	}
	if existing.ProducerID != "" && existing.ProducerID != in.ProducerID {
		return SaveResult{}, fmt.Errorf("save %s: %w", in.SessionID, ErrNotOwner)
	}

	now := p.now()
	merged := transcript.Merge(existing.Text, incoming, now.Sub(existing.CreatedAt))

	next := existing
	next.Text = merged
	next.InterimText = in.InterimTranscript
	next.IsFinal = existing.IsFinal || in.IsFinal
	next.SavedAt = now
	if next.ProducerID == "" {
		next.ProducerID = in.ProducerID
	}
	if in.ChannelID != "" {
		next.ChannelID = in.ChannelID
	}
	if duration > next.DurationSeconds {
		next.DurationSeconds = duration
	}
	if next.StartTime == nil {
		next.StartTime = in.StartTime
	}

	rec, err := p.store.Put(ctx, next)
	if err != nil {
		return SaveResult{}, fmt.Errorf("update transcript: %w", err)
	}
	return SaveResult{Record: rec, Outcome: mergeOutcome(existing.Text, merged)}, nil
}

func mergeOutcome(before, after string) string {
	switch {
	case before == after:
		return OutcomeUnchanged
	case len(transcript.Segments(after)) > len(transcript.Segments(before)):
		return OutcomeAppended
	default:
		return OutcomeExtended
	}
}
