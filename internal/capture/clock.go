package capture

import "time"

// Timer is a scheduled callback that can be cancelled.
type Timer interface {
	Stop() bool
}

// Clock abstracts time so tests can drive timers without real delays.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// SystemClock uses the time package.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

func (SystemClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// task is a scheduled event guarded by a generation token. Cancelling bumps
// the generation so a callback already queued is recognized as stale.
type task struct {
	gen   uint64
	timer Timer
}

func (t *task) schedule(clock Clock, d time.Duration, fire func(gen uint64)) {
	t.cancel()
	gen := t.gen
	t.timer = clock.AfterFunc(d, func() { fire(gen) })
}

func (t *task) cancel() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.gen++
}

func (t *task) pending() bool { return t.timer != nil }

// current reports whether gen belongs to the live schedule and clears it.
func (t *task) current(gen uint64) bool {
	if gen != t.gen || t.timer == nil {
		return false
	}
	t.timer = nil
	return true
}
