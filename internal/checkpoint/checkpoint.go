// Package checkpoint tracks the per-account "last processed time"
// watermark used to select new messages. A checkpoint only ever moves
// forward; rewinding would reprocess messages that already got drafts.
//
// The in-memory store satisfies the scheduler's minimal contract
// (durable across ticks, not across restarts). The SQLite store adds
// restart durability with the same interface.
package checkpoint

import (
	"sync"
	"time"
)

// Store is the watermark contract shared by both implementations.
type Store interface {
	// Last returns the checkpoint for an account. ok is false when the
	// account has never been seen.
	Last(account string) (t time.Time, ok bool, err error)

	// Advance moves the checkpoint forward. Calls with a time at or
	// before the stored watermark are ignored.
	Advance(account string, t time.Time) error

	// All returns a snapshot of every known checkpoint.
	All() (map[string]time.Time, error)
}

// Memory is the process-lifetime store. Safe for concurrent use.
type Memory struct {
	mu    sync.Mutex
	marks map[string]time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{marks: make(map[string]time.Time)}
}

// Last implements Store.
func (m *Memory) Last(account string) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.marks[account]
	return t, ok, nil
}

// Advance implements Store. Earlier times never rewind the watermark.
func (m *Memory) Advance(account string, t time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.marks[account]; ok && !t.After(existing) {
		return nil
	}
	m.marks[account] = t
	return nil
}

// All implements Store.
func (m *Memory) All() (map[string]time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]time.Time, len(m.marks))
	for k, v := range m.marks {
		out[k] = v
	}
	return out, nil
}
