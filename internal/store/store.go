// Package store persists transcript records, one row per capture session.
package store

import (
	"context"
	_ "embed"
	"errors"
	"time"
)

// ErrNotFound is returned when no record matches.
var ErrNotFound = errors.New("transcript not found")

// Transcript is the durable record of one capture session.
type Transcript struct {
	ID              string     `json:"id"`
	SessionID       string     `json:"sessionId"`
	ProducerID      string     `json:"producerId"`
	ChannelID       string     `json:"channelId"`
	Text            string     `json:"transcript"`
	InterimText     string     `json:"interimTranscript"`
	IsFinal         bool       `json:"isFinal"`
	StartTime       *time.Time `json:"startTime,omitempty"`
	DurationSeconds int        `json:"durationSeconds"`
	CreatedAt       time.Time  `json:"createdAt"`
	SavedAt         time.Time  `json:"savedAt"`
}

// Filter selects records for listing. ProducerID matches as a substring.
type Filter struct {
	ProducerID string
	ChannelID  string
	IsFinal    *bool
	Limit      int
	Offset     int
}

const (
	defaultLimit = 50
	maxLimit     = 1000
)

// Normalize clamps paging to sane bounds.
func (f Filter) Normalize() Filter {
	if f.Limit <= 0 {
		f.Limit = defaultLimit
	}
	if f.Limit > maxLimit {
		f.Limit = maxLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}

// Transcripts is implemented by every backend.
type Transcripts interface {
	// Get returns the record for a session, or ErrNotFound.
	Get(ctx context.Context, sessionID string) (Transcript, error)
	// Put inserts the record or replaces the mutable fields of the existing
	// record for the same session. ID and CreatedAt are kept on update.
	Put(ctx context.Context, t Transcript) (Transcript, error)
	// List returns one page of records, newest first, and the total match count.
	List(ctx context.Context, f Filter) ([]Transcript, int, error)
	// Rewrite replaces the text of one record, for offline repair.
	Rewrite(ctx context.Context, id, text string) error
	// Delete removes a record by id, or returns ErrNotFound.
	Delete(ctx context.Context, id string) error
}

//go:embed schema_postgres.sql
var postgresSchema string

//go:embed schema_sqlite.sql
var sqliteSchema string
