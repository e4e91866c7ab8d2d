package relay

import (
	"sort"
	"sync"
)

// Registry tracks connected producers and observers and supports graceful
// draining. When draining, new connections are rejected while open ones are
// closed by the relay and finish their handlers.
//
// The mutex makes the draining check and wg.Add atomic, so no connection can
// register after StartDraining returns.
type Registry struct {
	mu        sync.RWMutex
	draining  bool
	wg        sync.WaitGroup
	producers map[string]*producerConn
	observers map[string]*observer
}

func NewRegistry() *Registry {
	return &Registry{
		producers: make(map[string]*producerConn),
		observers: make(map[string]*observer),
	}
}

// AddProducer registers a producer connection. Returns false when draining.
func (r *Registry) AddProducer(p *producerConn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.draining {
		return false
	}
	r.wg.Add(1)
	r.producers[p.id] = p
	return true
}

// AddObserver registers an observer and calls greet with the current roster
// before any later broadcast can reach the observer.
func (r *Registry) AddObserver(o *observer, greet func([]ProducerInfo)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.draining {
		return false
	}
	r.wg.Add(1)
	if greet != nil {
		greet(r.rosterLocked())
	}
	r.observers[o.id] = o
	return true
}

// RemoveProducer must be called exactly once per successful AddProducer.
func (r *Registry) RemoveProducer(id string) {
	r.mu.Lock()
	_, ok := r.producers[id]
	delete(r.producers, id)
	r.mu.Unlock()
	if ok {
		r.wg.Done()
	}
}

// RemoveObserver must be called exactly once per successful AddObserver.
func (r *Registry) RemoveObserver(id string) {
	r.mu.Lock()
	_, ok := r.observers[id]
	delete(r.observers, id)
	r.mu.Unlock()
	if ok {
		r.wg.Done()
	}
}

// Observers returns a snapshot safe to iterate without the lock.
func (r *Registry) Observers() []*observer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*observer, 0, len(r.observers))
	for _, o := range r.observers {
		out = append(out, o)
	}
	return out
}

func (r *Registry) producerSnapshot() []*producerConn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*producerConn, 0, len(r.producers))
	for _, p := range r.producers {
		out = append(out, p)
	}
	return out
}

// Roster lists connected producers, oldest first.
func (r *Registry) Roster() []ProducerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rosterLocked()
}

func (r *Registry) rosterLocked() []ProducerInfo {
	out := make([]ProducerInfo, 0, len(r.producers))
	for _, p := range r.producers {
		out = append(out, p.info())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].ConnectedAt.Before(out[j].ConnectedAt)
		}
		return out[i].SocketID < out[j].SocketID
	})
	return out
}

// Counts returns the number of connected producers and observers.
func (r *Registry) Counts() (producers, observers int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.producers), len(r.observers)
}

// StartDraining makes future Add calls return false.
func (r *Registry) StartDraining() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.draining = true
}

// IsDraining reports whether the registry is in draining mode.
func (r *Registry) IsDraining() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.draining
}

// Wait blocks until every registered connection has been removed.
func (r *Registry) Wait() {
	r.wg.Wait()
}
