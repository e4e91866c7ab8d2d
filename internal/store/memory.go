package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process store for development and tests.
type Memory struct {
	mu   sync.Mutex
	rows map[string]*Transcript // by session id
	seq  map[string]int         // insertion order, breaks created_at ties
	next int
	now  func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		rows: make(map[string]*Transcript),
		seq:  make(map[string]int),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func (m *Memory) Get(_ context.Context, sessionID string) (Transcript, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.rows[sessionID]
	if !ok {
		return Transcript{}, ErrNotFound
	}
	return *t, nil
}

func (m *Memory) Put(_ context.Context, t Transcript) (Transcript, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if t.SavedAt.IsZero() {
		t.SavedAt = now
	}
	if cur, ok := m.rows[t.SessionID]; ok {
		t.ID = cur.ID
		t.CreatedAt = cur.CreatedAt
		if cur.StartTime != nil {
			t.StartTime = cur.StartTime
		}
	} else {
		t.ID = uuid.NewString()
		t.CreatedAt = now
		m.next++
		m.seq[t.SessionID] = m.next
	}
	stored := t
	m.rows[t.SessionID] = &stored
	return t, nil
}

func (m *Memory) match(t *Transcript, f Filter) bool {
	if f.ProducerID != "" && !strings.Contains(strings.ToLower(t.ProducerID), strings.ToLower(f.ProducerID)) {
		return false
	}
	if f.ChannelID != "" && t.ChannelID != f.ChannelID {
		return false
	}
	if f.IsFinal != nil && t.IsFinal != *f.IsFinal {
		return false
	}
	return true
}

func (m *Memory) List(_ context.Context, f Filter) ([]Transcript, int, error) {
	f = f.Normalize()
	m.mu.Lock()
	defer m.mu.Unlock()

	var all []Transcript
	for _, t := range m.rows {
		if m.match(t, f) {
			all = append(all, *t)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return m.seq[all[i].SessionID] > m.seq[all[j].SessionID]
	})

	total := len(all)
	if f.Offset >= total {
		return nil, total, nil
	}
	end := f.Offset + f.Limit
	if end > total {
		end = total
	}
	return all[f.Offset:end], total, nil
}

func (m *Memory) byID(id string) *Transcript {
	for _, t := range m.rows {
		if t.ID == id {
			return t
		}
	}
	return nil
}

func (m *Memory) Rewrite(_ context.Context, id, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.byID(id)
	if t == nil {
		return ErrNotFound
	}
	t.Text = text
	return nil
}

func (m *Memory) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.byID(id)
	if t == nil {
		return ErrNotFound
	}
	delete(m.rows, t.SessionID)
	delete(m.seq, t.SessionID)
	return nil
}
