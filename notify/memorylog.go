package notify

import (
	"context"
	"sync"
)

// MemoryLog is a process-lifetime fallback for events the Bus failed to
// deliver. It is never the source of truth and must be passed explicitly to
// its consumers rather than shared as package state.
type MemoryLog struct {
	mu     sync.Mutex
	events []Event
}

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{}
}

// Record stores an undelivered event for later inspection or replay.
func (l *MemoryLog) Record(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

// Events returns a copy of the recorded events.
func (l *MemoryLog) Events() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Event, len(l.events))
	copy(out, l.events)
	return out
}

// Len reports how many events are pending in the fallback log.
func (l *MemoryLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}

// NopBus discards every event. Useful in tests and as the default transport
// before a real push channel is configured.
type NopBus struct{}

func (NopBus) Notify(context.Context, []string, string, map[string]any) error { return nil }
