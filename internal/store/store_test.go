package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// getTestDB returns a database pool for testing.
// Skips the test if DATABASE_URL is not set.
func getTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Skip("DATABASE_URL not set, skipping integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	db, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		t.Fatalf("failed to connect to database: %v", err)
	}
	if err := db.Ping(ctx); err != nil {
		t.Fatalf("failed to ping database: %v", err)
	}
	return db
}

func TestFilterNormalize(t *testing.T) {
	tests := []struct {
		in         Filter
		wantLimit  int
		wantOffset int
	}{
		{Filter{}, 50, 0},
		{Filter{Limit: 10, Offset: 20}, 10, 20},
		{Filter{Limit: 5000}, 1000, 0},
		{Filter{Limit: -1, Offset: -5}, 50, 0},
	}
	for _, tt := range tests {
		got := tt.in.Normalize()
		if got.Limit != tt.wantLimit || got.Offset != tt.wantOffset {
			t.Errorf("Normalize(%+v) = limit %d offset %d, want %d %d",
				tt.in, got.Limit, got.Offset, tt.wantLimit, tt.wantOffset)
		}
	}
}

func TestMemory(t *testing.T) {
	m := NewMemory()
	// Distinct creation times keep ordering deterministic.
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	tick := 0
	m.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	runContract(t, m, "")
}

func TestSQLite(t *testing.T) {
	ctx := context.Background()
	s, err := OpenSQLite(ctx, filepath.Join(t.TempDir(), "transcripts.db"))
	if err != nil {
		t.Fatalf("OpenSQLite failed: %v", err)
	}
	defer s.Close()
	runContract(t, s, "")
}

func TestSQLiteReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "transcripts.db")

	s, err := OpenSQLite(ctx, path)
	if err != nil {
		t.Fatalf("OpenSQLite failed: %v", err)
	}
	if _, err := s.Put(ctx, Transcript{SessionID: "persist", ProducerID: "p", Text: "kept"}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	s.Close()

	s, err = OpenSQLite(ctx, path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s.Close()
	got, err := s.Get(ctx, "persist")
	if err != nil {
		t.Fatalf("Get after reopen failed: %v", err)
	}
	if got.Text != "kept" {
		t.Errorf("Text = %q, want %q", got.Text, "kept")
	}
}

func TestPostgres(t *testing.T) {
	db := getTestDB(t)
	defer db.Close()

	ctx := context.Background()
	p := NewPostgres(db)
	if err := p.Migrate(ctx); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}

	prefix := "test-" + uuid.NewString()[:8] + "-"
	defer db.Exec(ctx, `DELETE FROM speech_transcriptions WHERE session_id LIKE $1`, prefix+"%")
	runContract(t, p, prefix)
}

// runContract exercises behaviour every backend must share. prefix isolates
// rows on shared databases.
func runContract(t *testing.T, s Transcripts, prefix string) {
	ctx := context.Background()
	producer := prefix + "student"
	start := time.Date(2026, 3, 1, 8, 59, 0, 0, time.UTC)

	t.Run("GetMissing", func(t *testing.T) {
		if _, err := s.Get(ctx, prefix+"nope"); !errors.Is(err, ErrNotFound) {
			t.Errorf("Get missing = %v, want ErrNotFound", err)
		}
	})

	var first Transcript
	t.Run("InsertThenUpdate", func(t *testing.T) {
		var err error
		first, err = s.Put(ctx, Transcript{
			SessionID:  prefix + "s1",
			ProducerID: producer + "-7",
			ChannelID:  "week-2",
			Text:       "patient alert",
			StartTime:  &start,
		})
		if err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		if first.ID == "" {
			t.Fatal("expected generated id")
		}
		if first.CreatedAt.IsZero() {
			t.Error("expected created_at")
		}

		second, err := s.Put(ctx, Transcript{
			SessionID:       prefix + "s1",
			ProducerID:      producer + "-7",
			ChannelID:       "week-2",
			Text:            "patient alert and oriented",
			IsFinal:         true,
			DurationSeconds: 42,
		})
		if err != nil {
			t.Fatalf("second Put failed: %v", err)
		}
		if second.ID != first.ID {
			t.Errorf("ID changed on update: %s -> %s", first.ID, second.ID)
		}
		if !second.CreatedAt.Equal(first.CreatedAt) {
			t.Errorf("CreatedAt changed on update: %v -> %v", first.CreatedAt, second.CreatedAt)
		}

		got, err := s.Get(ctx, prefix+"s1")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if got.Text != "patient alert and oriented" || !got.IsFinal || got.DurationSeconds != 42 {
			t.Errorf("unexpected record after update: %+v", got)
		}
		if got.StartTime == nil || !got.StartTime.Equal(start) {
			t.Errorf("StartTime = %v, want %v kept from first save", got.StartTime, start)
		}
	})

	t.Run("List", func(t *testing.T) {
		for i := 2; i <= 4; i++ {
			_, err := s.Put(ctx, Transcript{
				SessionID:  fmt.Sprintf("%ss%d", prefix, i),
				ProducerID: fmt.Sprintf("%s-%d", producer, i),
				ChannelID:  "week-3",
				Text:       "vitals",
			})
			if err != nil {
				t.Fatalf("Put %d failed: %v", i, err)
			}
		}

		all, total, err := s.List(ctx, Filter{ProducerID: producer})
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if total != 4 || len(all) != 4 {
			t.Fatalf("List = %d rows, total %d, want 4", len(all), total)
		}
		if all[0].SessionID != prefix+"s4" || all[3].SessionID != prefix+"s1" {
			t.Errorf("expected newest first, got %s .. %s", all[0].SessionID, all[3].SessionID)
		}

		page, total, err := s.List(ctx, Filter{ProducerID: producer, Limit: 2, Offset: 1})
		if err != nil {
			t.Fatalf("paged List failed: %v", err)
		}
		if total != 4 || len(page) != 2 || page[0].SessionID != prefix+"s3" {
			t.Errorf("page = %d rows starting %v, total %d", len(page), page, total)
		}

		week3, total, err := s.List(ctx, Filter{ProducerID: producer, ChannelID: "week-3"})
		if err != nil {
			t.Fatalf("channel List failed: %v", err)
		}
		if total != 3 || len(week3) != 3 {
			t.Errorf("channel filter matched %d, want 3", total)
		}

		final := true
		finals, total, err := s.List(ctx, Filter{ProducerID: producer, IsFinal: &final})
		if err != nil {
			t.Fatalf("final List failed: %v", err)
		}
		if total != 1 || finals[0].SessionID != prefix+"s1" {
			t.Errorf("final filter = %d rows, want s1 only", total)
		}

		past, total, err := s.List(ctx, Filter{ProducerID: producer, Offset: 10})
		if err != nil {
			t.Fatalf("offset List failed: %v", err)
		}
		if total != 4 || len(past) != 0 {
			t.Errorf("offset past end = %d rows, total %d", len(past), total)
		}
	})

	t.Run("Rewrite", func(t *testing.T) {
		if err := s.Rewrite(ctx, first.ID, "patient alert"); err != nil {
			t.Fatalf("Rewrite failed: %v", err)
		}
		got, err := s.Get(ctx, prefix+"s1")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if got.Text != "patient alert" {
			t.Errorf("Text = %q after rewrite", got.Text)
		}
		if err := s.Rewrite(ctx, uuid.NewString(), "x"); !errors.Is(err, ErrNotFound) {
			t.Errorf("Rewrite missing = %v, want ErrNotFound", err)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		if err := s.Delete(ctx, first.ID); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		if _, err := s.Get(ctx, prefix+"s1"); !errors.Is(err, ErrNotFound) {
			t.Errorf("Get after delete = %v, want ErrNotFound", err)
		}
		if err := s.Delete(ctx, first.ID); !errors.Is(err, ErrNotFound) {
			t.Errorf("second Delete = %v, want ErrNotFound", err)
		}
		if err := s.Delete(ctx, "not-a-uuid"); !errors.Is(err, ErrNotFound) {
			t.Errorf("Delete bad id = %v, want ErrNotFound", err)
		}
	})
}
