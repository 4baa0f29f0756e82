// Package eventbus is the synchronous publish/subscribe channel observers
// use to watch queued events, completed flushes and delivery errors.
package eventbus

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/kon-rad/llmtrace/internal/ingest"
)

type Name string

const (
	// Wildcard subscribes to every name.
	Wildcard Name = "*"
	// Flush fires once per delivered batch with the batch items.
	Flush Name = "flush"
	// Error fires when a batch is dropped after its last attempt.
	Error Name = "error"
)

// ForType is the name emitted when an item of type t is queued.
func ForType(t ingest.EventType) Name {
	return Name(t)
}

type Handler func(name Name, payload any)

type subscription struct {
	id      uint64
	name    Name
	handler Handler
}

// Bus delivers events to subscribers in registration order. Once closed it
// never delivers again.
type Bus struct {
	mu     sync.Mutex
	nextID uint64
	subs   []subscription
	closed bool
	logger *slog.Logger
}

func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{logger: logger}
}

// On registers handler for name and returns a function that removes it.
// Calling the returned function more than once is harmless.
func (b *Bus) On(name Name, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription{id: id, name: name, handler: handler})

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(id) })
	}
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return
		}
	}
}

// Emit calls every matching handler on the caller's goroutine. A panicking
// handler is logged and skipped.
func (b *Bus) Emit(name Name, payload any) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	matched := make([]subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if s.name == name || s.name == Wildcard {
			matched = append(matched, s)
		}
	}
	b.mu.Unlock()

	for _, s := range matched {
		b.call(s, name, payload)
	}
}

func (b *Bus) call(s subscription, name Name, payload any) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Warn("event handler panicked", "event", string(name), "panic", fmt.Sprint(r))
		}
	}()
	s.handler(name, payload)
}

// Close makes Emit a no-op for the rest of the bus lifetime.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = nil
}

func (b *Bus) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}
