package capture

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	was := !t.stopped && !t.fired
	t.stopped = true
	return was
}

// Advance moves time forward and runs every timer that came due, in order.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()

	sort.SliceStable(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	for _, t := range due {
		t.f()
	}
}

// Pending counts timers that are scheduled and not cancelled.
func (c *fakeClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

type fakeEngine struct {
	mu       sync.Mutex
	handlers []Handler
	stops    int
	startErr error
}

func (e *fakeEngine) Start(ctx context.Context, h Handler) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers = append(e.handlers, h)
	return e.startErr
}

func (e *fakeEngine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stops++
	return nil
}

func (e *fakeEngine) setStartErr(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.startErr = err
}

func (e *fakeEngine) Starts() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.handlers)
}

func (e *fakeEngine) Stops() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stops
}

// Last returns the handler of the most recent run.
func (e *fakeEngine) Last() Handler {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.handlers[len(e.handlers)-1]
}

type recorder struct {
	mu          sync.Mutex
	starts      int
	stops       []Snapshot
	errors      []ErrorCode
	connections []ConnectionStatus
	updates     []Update
	saved       []Snapshot
}

func (r *recorder) hooks() Hooks {
	return Hooks{
		OnStart: func(SessionInfo) {
			r.mu.Lock()
			r.starts++
			r.mu.Unlock()
		},
		OnStop: func(s Snapshot) {
			r.mu.Lock()
			r.stops = append(r.stops, s)
			r.mu.Unlock()
		},
		OnError: func(code ErrorCode) {
			r.mu.Lock()
			r.errors = append(r.errors, code)
			r.mu.Unlock()
		},
		OnConnectionChange: func(s ConnectionStatus) {
			r.mu.Lock()
			r.connections = append(r.connections, s)
			r.mu.Unlock()
		},
		OnResult: func(u Update) {
			r.mu.Lock()
			r.updates = append(r.updates, u)
			r.mu.Unlock()
		},
		OnSave: func(s Snapshot, err error) {
			if err != nil {
				return
			}
			r.mu.Lock()
			r.saved = append(r.saved, s)
			r.mu.Unlock()
		},
	}
}

func (r *recorder) stopCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.stops)
}

func (r *recorder) errorCodes() []ErrorCode {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ErrorCode(nil), r.errors...)
}

func (r *recorder) savedSnapshots() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Snapshot(nil), r.saved...)
}

type fakeSaver struct {
	mu    sync.Mutex
	snaps []Snapshot
	err   error
}

func (s *fakeSaver) Save(ctx context.Context, snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snaps = append(s.snaps, snap)
	return s.err
}

func (s *fakeSaver) Snapshots() []Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Snapshot(nil), s.snaps...)
}

var errSaveFailed = errors.New("save failed")

type harness struct {
	t     *testing.T
	clock *fakeClock
	eng   *fakeEngine
	rec   *recorder
	saver *fakeSaver
	ctrl  *Controller
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		t:     t,
		clock: newFakeClock(),
		eng:   &fakeEngine{},
		rec:   &recorder{},
		saver: &fakeSaver{},
	}
	h.ctrl = New(h.eng, Options{
		Config: DefaultConfig(),
		Clock:  h.clock,
		Logger: zerolog.Nop(),
		Saver:  h.saver,
		Hooks:  h.rec.hooks(),
	})
	t.Cleanup(func() { h.ctrl.Close() })
	return h
}

// settle waits until every queued event and in-flight save has been handled.
func (h *harness) settle() {
	h.ctrl.Snapshot()
	h.ctrl.saves.Wait()
	h.ctrl.Snapshot()
}

func (h *harness) advance(d time.Duration) {
	h.clock.Advance(d)
	h.settle()
}

func (h *harness) startListening() {
	h.t.Helper()
	err := h.ctrl.Start(context.Background(), SessionInfo{
		SessionID:  "sess-1",
		ProducerID: "student-7",
		ChannelID:  "week-2",
	})
	if err != nil {
		h.t.Fatalf("Start failed: %v", err)
	}
	h.eng.Last().OnStart()
	h.expectState(StateListening)
}

func (h *harness) expectState(want State) {
	h.t.Helper()
	if got := h.ctrl.State(); got != want {
		h.t.Fatalf("State() = %v, want %v", got, want)
	}
}
