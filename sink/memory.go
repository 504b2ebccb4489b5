package sink

import (
	"sync"

	"github.com/e7canasta/camgrab"
)

// MemoryStore keeps a private copy of the frame in each slot.
type MemoryStore struct {
	mu    sync.RWMutex
	slots map[int]*camgrab.Frame
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{slots: make(map[int]*camgrab.Frame)}
}

func (m *MemoryStore) Clear() error {
	m.mu.Lock()
	m.slots = make(map[int]*camgrab.Frame)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Put(slot int, frame *camgrab.Frame) error {
	c := frame.Clone()
	m.mu.Lock()
	m.slots[slot] = c
	m.mu.Unlock()
	return nil
}

// Get returns the frame stored at slot.
func (m *MemoryStore) Get(slot int) (*camgrab.Frame, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.slots[slot]
	return f, ok
}

// Len returns the number of occupied slots.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.slots)
}
