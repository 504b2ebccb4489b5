package notify

import (
	"sort"
	"sync"
)

// mailbox keeps the newest unconsumed event per context.
//
// put never blocks: an event still pending for the same context is
// overwritten and counted as dropped. take blocks until something is pending
// or the mailbox is closed.
type mailbox struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending map[int]FrameEvent
	closed  bool

	drops map[int]uint64
}

func newMailbox() *mailbox {
	m := &mailbox{
		pending: make(map[int]FrameEvent),
		drops:   make(map[int]uint64),
	}
	m.cond = sync.NewCond(&m.mu)
	return m
}

func (m *mailbox) put(ev FrameEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	if _, unconsumed := m.pending[ev.Context]; unconsumed {
		m.drops[ev.Context]++
	}
	m.pending[ev.Context] = ev
	m.cond.Signal()
}

// take returns every pending event in ascending context order, or nil once closed.
func (m *mailbox) take() []FrameEvent {
	m.mu.Lock()
	defer m.mu.Unlock()

	for len(m.pending) == 0 && !m.closed {
		m.cond.Wait()
	}
	if m.closed {
		return nil
	}

	out := make([]FrameEvent, 0, len(m.pending))
	for _, ev := range m.pending {
		out = append(out, ev)
	}
	clear(m.pending)
	sort.Slice(out, func(i, j int) bool { return out[i].Context < out[j].Context })
	return out
}

func (m *mailbox) close() {
	m.mu.Lock()
	m.closed = true
	m.cond.Broadcast()
	m.mu.Unlock()
}

func (m *mailbox) dropped() map[int]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[int]uint64, len(m.drops))
	for k, v := range m.drops {
		out[k] = v
	}
	return out
}
