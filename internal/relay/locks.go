package relay

import "sync"

// sessionLocks hands out one mutex per session id. Entries are reference
// counted and removed when the last holder unlocks, so the map only holds
// sessions with a write in flight.
type sessionLocks struct {
	mu sync.Mutex
	m  map[string]*sessionLock
}

type sessionLock struct {
	mu   sync.Mutex
	refs int
}

func newSessionLocks() *sessionLocks {
	return &sessionLocks{m: make(map[string]*sessionLock)}
}

// lock blocks until the session is free and returns its unlock func.
func (s *sessionLocks) lock(id string) func() {
	s.mu.Lock()
	l, ok := s.m[id]
	if !ok {
		l = &sessionLock{}
		s.m[id] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.m, id)
		}
		s.mu.Unlock()
	}
}

func (s *sessionLocks) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.m)
}
