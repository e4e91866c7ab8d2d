package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres stores transcripts in PostgreSQL.
type Postgres struct {
	db *pgxpool.Pool
}

func NewPostgres(db *pgxpool.Pool) *Postgres {
	return &Postgres{db: db}
}

// OpenPostgres connects, pings and migrates.
func OpenPostgres(ctx context.Context, url string) (*Postgres, error) {
	db, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := db.Ping(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	p := NewPostgres(db)
	if err := p.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return p, nil
}

// Pool exposes the connection pool for components sharing the database.
func (p *Postgres) Pool() *pgxpool.Pool {
	return p.db
}

func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.db.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("migrate postgres: %w", err)
	}
	return nil
}

func (p *Postgres) Close() {
	p.db.Close()
}

const pgColumns = `id::text, session_id, producer_id, channel_id, transcript, interim_transcript,
	is_final, start_time, duration_seconds, created_at, saved_at`

func scanTranscript(row pgx.Row) (Transcript, error) {
	var t Transcript
	err := row.Scan(&t.ID, &t.SessionID, &t.ProducerID, &t.ChannelID, &t.Text, &t.InterimText,
		&t.IsFinal, &t.StartTime, &t.DurationSeconds, &t.CreatedAt, &t.SavedAt)
	return t, err
}

func (p *Postgres) Get(ctx context.Context, sessionID string) (Transcript, error) {
	t, err := scanTranscript(p.db.QueryRow(ctx, `
		SELECT `+pgColumns+`
		FROM speech_transcriptions
		WHERE session_id = $1
	`, sessionID))
	if err == pgx.ErrNoRows {
		return Transcript{}, ErrNotFound
	}
	return t, err
}

func (p *Postgres) Put(ctx context.Context, t Transcript) (Transcript, error) {
	if t.SavedAt.IsZero() {
		t.SavedAt = time.Now().UTC()
	}
	return scanTranscript(p.db.QueryRow(ctx, `
		INSERT INTO speech_transcriptions
			(id, session_id, producer_id, channel_id, transcript, interim_transcript,
			 is_final, start_time, duration_seconds, saved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (session_id) DO UPDATE SET
			producer_id = EXCLUDED.producer_id,
			channel_id = EXCLUDED.channel_id,
			transcript = EXCLUDED.transcript,
			interim_transcript = EXCLUDED.interim_transcript,
			is_final = EXCLUDED.is_final,
			start_time = COALESCE(speech_transcriptions.start_time, EXCLUDED.start_time),
			duration_seconds = EXCLUDED.duration_seconds,
			saved_at = EXCLUDED.saved_at
		RETURNING `+pgColumns,
		uuid.NewString(), t.SessionID, t.ProducerID, t.ChannelID, t.Text, t.InterimText,
		t.IsFinal, t.StartTime, t.DurationSeconds, t.SavedAt))
}

// pgWhere builds the WHERE clause and arguments for a filter.
func pgWhere(f Filter) (string, []any) {
	var conds []string
	var args []any
	if f.ProducerID != "" {
		args = append(args, "%"+f.ProducerID+"%")
		conds = append(conds, fmt.Sprintf("producer_id ILIKE $%d", len(args)))
	}
	if f.ChannelID != "" {
		args = append(args, f.ChannelID)
		conds = append(conds, fmt.Sprintf("channel_id = $%d", len(args)))
	}
	if f.IsFinal != nil {
		args = append(args, *f.IsFinal)
		conds = append(conds, fmt.Sprintf("is_final = $%d", len(args)))
	}
	if len(conds) == 0 {
		return "", args
	}
	return "WHERE " + strings.Join(conds, " AND "), args
}

func (p *Postgres) List(ctx context.Context, f Filter) ([]Transcript, int, error) {
	f = f.Normalize()
	where, args := pgWhere(f)

	var total int
	if err := p.db.QueryRow(ctx, `SELECT COUNT(*) FROM speech_transcriptions `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count transcripts: %w", err)
	}

	args = append(args, f.Limit, f.Offset)
	rows, err := p.db.Query(ctx, fmt.Sprintf(`
		SELECT %s
		FROM speech_transcriptions
		%s
		ORDER BY created_at DESC
		LIMIT $%d OFFSET $%d
	`, pgColumns, where, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list transcripts: %w", err)
	}
	defer rows.Close()

	var out []Transcript
	for rows.Next() {
		t, err := scanTranscript(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, t)
	}
	return out, total, rows.Err()
}

func (p *Postgres) Rewrite(ctx context.Context, id, text string) error {
	if _, err := uuid.Parse(id); err != nil {
		return ErrNotFound
	}
	tag, err := p.db.Exec(ctx, `
		UPDATE speech_transcriptions SET transcript = $2 WHERE id = $1
	`, id, text)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) Delete(ctx context.Context, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return ErrNotFound
	}
	tag, err := p.db.Exec(ctx, `DELETE FROM speech_transcriptions WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
