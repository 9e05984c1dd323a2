package collector

import "sync"

// Buffer keeps the most recent events in a fixed-size ring. The status API
// serves it so operators can inspect recent redirects and state changes.
type Buffer struct {
	mu     sync.Mutex
	events []Event
	next   int
	full   bool
}

// NewBuffer returns a ring holding up to size events.
func NewBuffer(size int) *Buffer {
	if size <= 0 {
		size = 256
	}
	return &Buffer{events: make([]Event, size)}
}

func (b *Buffer) Write(e Event) {
	b.mu.Lock()
	b.events[b.next] = e
	b.next = (b.next + 1) % len(b.events)
	if b.next == 0 {
		b.full = true
	}
	b.mu.Unlock()
}

// Events returns buffered events oldest first.
func (b *Buffer) Events() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.full {
		return append([]Event(nil), b.events[:b.next]...)
	}
	out := make([]Event, 0, len(b.events))
	out = append(out, b.events[b.next:]...)
	return append(out, b.events[:b.next]...)
}

// OfType returns buffered events of type t, oldest first.
func (b *Buffer) OfType(t EventType) []Event {
	var out []Event
	for _, e := range b.Events() {
		if e.EventType() == t {
			out = append(out, e)
		}
	}
	return out
}
