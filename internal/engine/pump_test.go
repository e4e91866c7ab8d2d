package engine

import (
	"bytes"
	"errors"
	"io"
	"testing"
	"time"
)

func TestPump_Frames(t *testing.T) {
	p := NewPump(bytes.NewReader([]byte("0123456789")), 4)

	var got []string
	for f := range p.Frames() {
		got = append(got, string(f))
	}

	want := []string{"0123", "4567", "89"}
	if len(got) != len(want) {
		t.Fatalf("frames = %q, want %q", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("frame %d = %q, want %q", i, got[i], want[i])
		}
	}

	select {
	case <-p.Done():
	case <-time.After(time.Second):
		t.Fatal("pump not done after frames closed")
	}
	if err := p.Err(); err != nil {
		t.Errorf("Err() = %v, want nil", err)
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("device unplugged") }

func TestPump_ReadError(t *testing.T) {
	p := NewPump(io.MultiReader(bytes.NewReader([]byte("ab")), failingReader{}), 4)

	var frames int
	for range p.Frames() {
		frames++
	}
	<-p.Done()

	if frames != 1 {
		t.Errorf("frames = %d, want 1", frames)
	}
	if p.Err() == nil {
		t.Error("expected read error")
	}
}
