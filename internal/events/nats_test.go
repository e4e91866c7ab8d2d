package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type fakeNATS struct {
	mu       sync.Mutex
	subjects []string
	payloads [][]byte
	err      error
	drained  bool
}

func (f *fakeNATS) Publish(subject string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.subjects = append(f.subjects, subject)
	f.payloads = append(f.payloads, data)
	return nil
}

func (f *fakeNATS) Drain() error {
	f.drained = true
	return nil
}

func (f *fakeNATS) Close() {}

func TestSubjectToken(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"student-7", "student-7"},
		{"", "_"},
		{"a.b", "a_b"},
		{"ward *3>", "ward__3_"},
	}
	for _, tt := range tests {
		if got := subjectToken(tt.in); got != tt.want {
			t.Errorf("subjectToken(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNATSMirrorSubjects(t *testing.T) {
	fc := &fakeNATS{}
	p := &Publisher{
		topic:   "speech.events",
		nats:    newNATSMirror(fc, "relay.", zerolog.Nop()),
		metrics: testMetrics(),
		log:     zerolog.Nop(),
	}

	rec := Record{Event: "student-speech-update", ProducerID: "s.7", SessionID: "sess-1"}
	if err := p.Publish(context.Background(), rec); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	if len(fc.subjects) != 1 || fc.subjects[0] != "relay.s_7.student-speech-update" {
		t.Fatalf("subjects = %v", fc.subjects)
	}
	var got Record
	if err := json.Unmarshal(fc.payloads[0], &got); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if got.ProducerID != "s.7" || got.SessionID != "sess-1" {
		t.Errorf("payload = %+v", got)
	}

	if err := p.Close(); err != nil || !fc.drained {
		t.Errorf("Close = %v, drained = %v", err, fc.drained)
	}
}

func TestNATSMirrorDefaultPrefix(t *testing.T) {
	m := newNATSMirror(&fakeNATS{}, "", zerolog.Nop())
	if got := m.subject(Record{Event: "e", ProducerID: "p"}); got != "speech.relay.p.e" {
		t.Errorf("subject = %q", got)
	}
}

func TestNATSFailureDoesNotFailPublish(t *testing.T) {
	fc := &fakeNATS{err: errors.New("nats: connection closed")}
	fw := &fakeWriter{}
	p := &Publisher{
		w:       fw,
		enabled: true,
		topic:   "speech.events",
		nats:    newNATSMirror(fc, "relay", zerolog.Nop()),
		metrics: testMetrics(),
		log:     zerolog.Nop(),
	}

	if err := p.Publish(context.Background(), Record{Event: "student-speech-stop", ProducerID: "p"}); err != nil {
		t.Fatalf("Publish = %v", err)
	}
	if len(fw.msgs) != 1 {
		t.Errorf("kafka messages = %d, want 1", len(fw.msgs))
	}
}

func TestNew_UnreachableNATS(t *testing.T) {
	p := New(&Config{NATS: NATSConfig{URL: "nats://127.0.0.1:1", ConnectTimeout: 200 * time.Millisecond}}, testMetrics(), zerolog.Nop())
	if p.nats != nil {
		t.Error("expected no NATS mirror when the server is unreachable")
	}
	if err := p.Publish(context.Background(), Record{Event: "x"}); err != nil {
		t.Errorf("Publish = %v", err)
	}
}
