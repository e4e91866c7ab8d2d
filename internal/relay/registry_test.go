package relay

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func waitTick() { time.Sleep(20 * time.Millisecond) }

func testProducer(id, producerID string, at time.Time) *producerConn {
	return &producerConn{id: id, producerID: producerID, connectedAt: at, done: make(chan struct{})}
}

func TestRegistry_AddAndRemove(t *testing.T) {
	r := NewRegistry()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	if !r.AddProducer(testProducer("p2", "bob", base.Add(time.Second))) {
		t.Fatal("AddProducer should succeed when not draining")
	}
	if !r.AddProducer(testProducer("p1", "alice", base)) {
		t.Fatal("AddProducer should succeed when not draining")
	}

	var greeted []ProducerInfo
	o := &observer{id: "o1"}
	if !r.AddObserver(o, func(roster []ProducerInfo) { greeted = roster }) {
		t.Fatal("AddObserver should succeed when not draining")
	}
	if len(greeted) != 2 || greeted[0].ProducerID != "alice" || greeted[1].ProducerID != "bob" {
		t.Errorf("roster = %+v, want alice then bob", greeted)
	}

	if p, o := r.Counts(); p != 2 || o != 1 {
		t.Errorf("Counts() = %d, %d", p, o)
	}
	if len(r.Observers()) != 1 {
		t.Errorf("Observers() = %d, want 1", len(r.Observers()))
	}

	r.RemoveProducer("p1")
	r.RemoveProducer("p1") // second remove is a no-op
	r.RemoveProducer("p2")
	r.RemoveObserver("o1")

	if p, o := r.Counts(); p != 0 || o != 0 {
		t.Errorf("Counts() after removal = %d, %d", p, o)
	}
	r.Wait()
}

func TestRegistry_Draining(t *testing.T) {
	r := NewRegistry()

	if r.IsDraining() {
		t.Error("IsDraining() should be false initially")
	}
	if !r.AddProducer(testProducer("p1", "alice", time.Now())) {
		t.Fatal("AddProducer should succeed before draining")
	}

	r.StartDraining()

	if !r.IsDraining() {
		t.Error("IsDraining() should be true after StartDraining()")
	}
	if r.AddProducer(testProducer("p2", "bob", time.Now())) {
		t.Error("AddProducer should fail while draining")
	}
	if r.AddObserver(&observer{id: "o1"}, nil) {
		t.Error("AddObserver should fail while draining")
	}

	var waited atomic.Bool
	done := make(chan struct{})
	go func() {
		r.Wait()
		waited.Store(true)
		close(done)
	}()

	waitTick()
	if waited.Load() {
		t.Fatal("Wait returned with a producer still registered")
	}
	r.RemoveProducer("p1")
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after the last removal")
	}
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			o := &observer{id: fmt.Sprintf("obs-%d", i)}
			if r.AddObserver(o, nil) {
				r.Observers()
				r.RemoveObserver(o.id)
			}
		}(i)
		go func() {
			defer wg.Done()
			r.Roster()
		}()
	}
	wg.Wait()
	r.Wait()
}

func TestSessionLocks(t *testing.T) {
	l := newSessionLocks()

	var inside atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := l.lock("sess-1")
			if inside.Add(1) != 1 {
				t.Error("two holders inside one session lock")
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
			unlock()
		}()
	}

	// A different session is never blocked by sess-1.
	unlock := l.lock("sess-2")
	unlock()

	wg.Wait()
	if n := l.size(); n != 0 {
		t.Errorf("size() = %d, want 0 after all unlocks", n)
	}
}
