// Package progress fans sync and job status events out to subscribers:
// server-sent event streams, websocket clients and an optional AMQP exchange.
package progress

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	EventSyncStart    = "sync:start"
	EventSyncProgress = "sync:progress"
	EventSyncComplete = "sync:complete"
	EventSyncError    = "sync:error"
)

// Event is one named notification. Data is a snapshot and must not be
// mutated after publishing.
type Event struct {
	Name string    `json:"event"`
	Data any       `json:"data"`
	At   time.Time `json:"at"`
}

// Sink receives forwarded events.
type Sink interface {
	Send(ctx context.Context, ev Event) error
}

// Broadcaster delivers every published event to all current subscribers.
// Subscribing and unsubscribing are safe while a publish is in progress. A
// subscriber that falls behind loses events rather than blocking publishers.
type Broadcaster struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Event
	nextID  uint64
	buffer  int
	logger  *slog.Logger
	dropped atomic.Int64
}

func NewBroadcaster(buffer int, logger *slog.Logger) *Broadcaster {
	if buffer <= 0 {
		buffer = 64
	}
	return &Broadcaster{
		subs:   make(map[uint64]chan Event),
		buffer: buffer,
		logger: logger.With("component", "progress"),
	}
}

// Subscribe registers a new subscriber. The returned cancel function removes
// it and closes the channel; it is safe to call more than once.
func (b *Broadcaster) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, b.buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

func (b *Broadcaster) Publish(name string, data any) {
	ev := Event{Name: name, Data: data, At: time.Now().UTC()}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.dropped.Add(1)
			b.logger.Warn("Subscriber is falling behind, dropping event", "subscriber", id, "event", name)
		}
	}
}

// Subscribers returns the number of registered subscribers.
func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were skipped because a subscriber's buffer was full.
func (b *Broadcaster) Dropped() int64 {
	return b.dropped.Load()
}

// Forward relays events to sink until ctx is done. Send failures are logged
// and do not stop forwarding.
func (b *Broadcaster) Forward(ctx context.Context, sink Sink) {
	events, cancel := b.Subscribe()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := sink.Send(ctx, ev); err != nil {
				b.logger.Error("Failed to forward event", "event", ev.Name, "error", err)
			}
		}
	}
}
