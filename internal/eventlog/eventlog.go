// Package eventlog records relay session events to the speech_events table.
package eventlog

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// EventType represents the type of session event
type EventType string

const (
	EventSpeechStart       EventType = "speech_start"
	EventSpeechStop        EventType = "speech_stop"
	EventSpeechSave        EventType = "speech_save"
	EventSpeechSubmit      EventType = "speech_submit"
	EventSaveFailed        EventType = "save_failed"
	EventTranscriptDeleted EventType = "transcript_deleted"
	EventTranscriptCleaned EventType = "transcript_cleaned"
)

// Logger provides async event logging to the database
type Logger struct {
	db *pgxpool.Pool
}

// New creates a new event logger. A nil pool disables logging.
func New(db *pgxpool.Pool) *Logger {
	return &Logger{db: db}
}

// Log writes an event to the database synchronously
func (l *Logger) Log(ctx context.Context, sessionID, producerID string, eventType EventType, data map[string]any) error {
	if l == nil || l.db == nil || sessionID == "" {
		return nil
	}

	dataJSON, err := json.Marshal(data)
	if err != nil {
		dataJSON = []byte("{}")
	}

	_, err = l.db.Exec(ctx, `
		INSERT INTO speech_events (session_id, producer_id, event_type, event_data)
		VALUES ($1, $2, $3, $4)
	`, sessionID, producerID, string(eventType), dataJSON)

	return err
}

// LogAsync logs an event without blocking the caller
func (l *Logger) LogAsync(sessionID, producerID string, eventType EventType, data map[string]any) {
	if l == nil || l.db == nil || sessionID == "" {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = l.Log(ctx, sessionID, producerID, eventType, data)
	}()
}
