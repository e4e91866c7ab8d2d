package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLite stores transcripts in a local database file. Used for single-node
// deployments and by the capture client's offline spool.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer avoids SQLITE_BUSY under concurrent saves.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init sqlite schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

const sqliteColumns = `id, session_id, producer_id, channel_id, transcript, interim_transcript,
	is_final, start_time, duration_seconds, created_at, saved_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanSQLite(row scanner) (Transcript, error) {
	var (
		t     Transcript
		start sql.NullTime
	)
	err := row.Scan(&t.ID, &t.SessionID, &t.ProducerID, &t.ChannelID, &t.Text, &t.InterimText,
		&t.IsFinal, &start, &t.DurationSeconds, &t.CreatedAt, &t.SavedAt)
	if start.Valid {
		st := start.Time
		t.StartTime = &st
	}
	return t, err
}

func (s *SQLite) Get(ctx context.Context, sessionID string) (Transcript, error) {
	t, err := scanSQLite(s.db.QueryRowContext(ctx, `
		SELECT `+sqliteColumns+`
		FROM speech_transcriptions
		WHERE session_id = ?
	`, sessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return Transcript{}, ErrNotFound
	}
	return t, err
}

func (s *SQLite) Put(ctx context.Context, t Transcript) (Transcript, error) {
	now := time.Now().UTC()
	if t.SavedAt.IsZero() {
		t.SavedAt = now
	}
	var start any
	if t.StartTime != nil {
		start = t.StartTime.UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO speech_transcriptions
			(id, session_id, producer_id, channel_id, transcript, interim_transcript,
			 is_final, start_time, duration_seconds, created_at, saved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (session_id) DO UPDATE SET
			producer_id = excluded.producer_id,
			channel_id = excluded.channel_id,
			transcript = excluded.transcript,
			interim_transcript = excluded.interim_transcript,
			is_final = excluded.is_final,
			start_time = COALESCE(speech_transcriptions.start_time, excluded.start_time),
			duration_seconds = excluded.duration_seconds,
			saved_at = excluded.saved_at
	`, uuid.NewString(), t.SessionID, t.ProducerID, t.ChannelID, t.Text, t.InterimText,
		t.IsFinal, start, t.DurationSeconds, now, t.SavedAt.UTC())
	if err != nil {
		return Transcript{}, fmt.Errorf("upsert transcript: %w", err)
	}
	return s.Get(ctx, t.SessionID)
}

func sqliteWhere(f Filter) (string, []any) {
	var conds []string
	var args []any
	if f.ProducerID != "" {
		// LIKE is case-insensitive for ASCII in SQLite.
		conds = append(conds, "producer_id LIKE ?")
		args = append(args, "%"+f.ProducerID+"%")
	}
	if f.ChannelID != "" {
		conds = append(conds, "channel_id = ?")
		args = append(args, f.ChannelID)
	}
	if f.IsFinal != nil {
		conds = append(conds, "is_final = ?")
		args = append(args, *f.IsFinal)
	}
	if len(conds) == 0 {
		return "", args
	}
	return "WHERE " + strings.Join(conds, " AND "), args
}

func (s *SQLite) List(ctx context.Context, f Filter) ([]Transcript, int, error) {
	f = f.Normalize()
	where, args := sqliteWhere(f)

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM speech_transcriptions `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count transcripts: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sqliteColumns+`
		FROM speech_transcriptions
		`+where+`
		ORDER BY created_at DESC, rowid DESC
		LIMIT ? OFFSET ?
	`, append(args, f.Limit, f.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list transcripts: %w", err)
	}
	defer rows.Close()

	var out []Transcript
	for rows.Next() {
		t, err := scanSQLite(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, t)
	}
	return out, total, rows.Err()
}

func (s *SQLite) Rewrite(ctx context.Context, id, text string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE speech_transcriptions SET transcript = ? WHERE id = ?`, text, id)
	if err != nil {
		return err
	}
	return affected(res)
}

func (s *SQLite) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM speech_transcriptions WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return affected(res)
}

func affected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
