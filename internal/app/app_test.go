package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/n10l/speechrelay/internal/store"
)

func TestOpenStore(t *testing.T) {
	ctx := context.Background()

	s, pool, closeFn, err := OpenStore(ctx, "memory:")
	if err != nil || pool != nil {
		t.Fatalf("memory: %v, pool %v", err, pool)
	}
	if _, ok := s.(*store.Memory); !ok {
		t.Errorf("memory: got %T", s)
	}
	closeFn()

	s, pool, closeFn, err = OpenStore(ctx, "sqlite:"+filepath.Join(t.TempDir(), "relay.db"))
	if err != nil || pool != nil {
		t.Fatalf("sqlite: %v, pool %v", err, pool)
	}
	if _, ok := s.(*store.SQLite); !ok {
		t.Errorf("sqlite: got %T", s)
	}
	closeFn()

	if _, _, _, err := OpenStore(ctx, "mysql://localhost/db"); err == nil {
		t.Error("expected error for unsupported scheme")
	}
}

func TestNewRequiresSecret(t *testing.T) {
	if _, err := New(Config{DatabaseURL: "memory:"}, zerolog.Nop()); err == nil {
		t.Error("expected error without JWT_SECRET")
	}
}

func TestAppServesRelay(t *testing.T) {
	a, err := New(Config{
		DatabaseURL:       "memory:",
		JWTSecret:         "app-test",
		ObserverQueueSize: 64,
		PersistTimeout:    time.Second,
		CleanupInterval:   time.Hour,
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	a.Start()

	srv := httptest.NewServer(a.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz = %d", resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := a.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
	a.Close()

	resp, err = http.Get(srv.URL + "/readyz")
	if err != nil {
		t.Fatalf("readyz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("readyz after shutdown = %d, want 503", resp.StatusCode)
	}
}
