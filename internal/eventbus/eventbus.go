// Package eventbus is the minimal publish side of the external workflow
// engine boundary: core emits named events with a JSON payload and never
// observes what, if anything, consumes them.
package eventbus

import (
	"encoding/json"
	"log/slog"
	"sync"
)

// Event is a single bus message.
type Event struct {
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload"`
}

// Publisher is the subset of bus behavior core depends on. The facade
// never blocks on delivery and never learns whether a handler ran.
type Publisher interface {
	Publish(name string, payload any) error
}

// Bus is an in-process, channel-backed Publisher. It is the default
// wiring for a single-process deployment; an external message broker can
// implement Publisher instead without the rest of core noticing.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]chan Event
	logger      *slog.Logger
}

// New constructs a Bus.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subscribers: make(map[string][]chan Event),
		logger:      logger.With("component", "eventbus"),
	}
}

// Publish marshals payload and fans it out to every subscriber of name.
// Delivery is best-effort: a subscriber channel that is full is skipped
// rather than blocking the publisher.
func (b *Bus) Publish(name string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	evt := Event{Name: name, Payload: data}

	b.mu.RLock()
	chans := append([]chan Event(nil), b.subscribers[name]...)
	b.mu.RUnlock()

	for _, ch := range chans {
		select {
		case ch <- evt:
		default:
			b.logger.Warn("dropped event, subscriber channel full", "event", name)
		}
	}
	return nil
}

// Subscribe returns a channel receiving every future event published
// under name. Close the returned stop func to unsubscribe.
func (b *Bus) Subscribe(name string, buffer int) (<-chan Event, func()) {
	ch := make(chan Event, buffer)

	b.mu.Lock()
	b.subscribers[name] = append(b.subscribers[name], ch)
	b.mu.Unlock()

	stop := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subscribers[name]
		for i, c := range subs {
			if c == ch {
				b.subscribers[name] = append(subs[:i], subs[i+1:]...)
				close(ch)
				return
			}
		}
	}
	return ch, stop
}
