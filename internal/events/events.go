// Package events carries the engine's lifecycle notifications to the outer
// layers (logging, persistence, notification delivery). Subscribers get their
// own buffered channel; a slow subscriber drops events rather than stalling
// the trading path.
package events

import (
	"sync"
	"time"
)

type Kind string

const (
	KindStarted        Kind = "started"
	KindStopped        Kind = "stopped"
	KindCycleCompleted Kind = "cycle_completed"
	KindFillDetected   Kind = "fill_detected"
	KindError          Kind = "error"
	KindSessionInvalid Kind = "session_invalid"
)

type Event struct {
	Kind   Kind
	At     time.Time
	Market string

	// Payload is one of engine.CycleResult, orders.Fill, or error depending
	// on Kind; nil for lifecycle kinds.
	Payload any
}

type Bus struct {
	mu   sync.Mutex
	subs []chan Event
	done bool
}

func NewBus() *Bus {
	return &Bus{}
}

// Subscribe returns a channel that receives every subsequent event. The
// channel is closed when the bus is closed.
func (b *Bus) Subscribe(buffer int) <-chan Event {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.done {
		close(ch)
		return ch
	}
	b.subs = append(b.subs, ch)
	return ch
}

// Publish delivers ev to all subscribers without blocking.
func (b *Bus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.done {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Close closes all subscriber channels. Publish after Close is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.done {
		return
	}
	b.done = true
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
}
