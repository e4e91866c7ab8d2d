package vocabulary

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestScorer_SetCatalog(t *testing.T) {
	s := NewScorer(NewCatalog(map[string][]string{"meds": {"heparin"}}))
	if got := s.Score("heparin"); got == 0 {
		t.Fatal("expected heparin to score")
	}

	s.SetCatalog(NewCatalog(map[string][]string{"meds": {"warfarin"}}))
	if got := s.Score("heparin"); got != 0 {
		t.Errorf("Score(heparin) after swap = %d, want 0", got)
	}
	if got := s.Score("warfarin"); got == 0 {
		t.Error("expected warfarin to score after swap")
	}

	s.SetCatalog(nil)
	if s.Catalog() != Default() {
		t.Error("SetCatalog(nil) should restore the default catalog")
	}
}

func TestWatch_ReloadsOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	if err := os.WriteFile(path, []byte("meds:\n  - heparin\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	scorer := NewScorer(NewCatalog(map[string][]string{"meds": {"heparin"}}))
	var mu sync.Mutex
	reloads := 0

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, 50*time.Millisecond, zerolog.Nop(), func(c *Catalog) {
			mu.Lock()
			reloads++
			mu.Unlock()
			scorer.SetCatalog(c)
		})
	}()
	time.Sleep(100 * time.Millisecond)

	// A broken file must not replace the catalog in use.
	if err := os.WriteFile(path, []byte("- not a map\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	time.Sleep(300 * time.Millisecond)
	mu.Lock()
	if reloads != 0 {
		t.Errorf("reloads after invalid file = %d, want 0", reloads)
	}
	mu.Unlock()
	if scorer.Score("heparin") == 0 {
		t.Error("previous catalog should stay in use")
	}

	if err := os.WriteFile(path, []byte("meds:\n  - heparin\n  - enoxaparin\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for scorer.Score("enoxaparin") == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if scorer.Score("enoxaparin") == 0 {
		t.Fatal("catalog was not reloaded")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Watch returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}
