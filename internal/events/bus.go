// Package events fans DownloadChanged notifications out to SSE
// subscribers. Publishers are never blocked by slow consumers.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Event names on the wire.
const (
	NameDownloadChanged = "DownloadChanged"
	NameResync          = "Resync"
	NameHeartbeat       = "Heartbeat"
)

// DefaultBufferSize is the per-subscriber event buffer.
const DefaultBufferSize = 128

// HeartbeatInterval keeps idle SSE connections alive.
const HeartbeatInterval = 30 * time.Second

// DownloadChanged is the payload published on every persisted state or
// byte-counter change of a download row.
type DownloadChanged struct {
	ID         string    `json:"id"`
	Status     string    `json:"status"`
	Priority   int       `json:"priority"`
	RetryCount int       `json:"retry_count"`
	BytesDone  int64     `json:"bytes_done"`
	BytesTotal int64     `json:"bytes_total"`
	ErrorCode  string    `json:"error_code,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Event is what subscribers receive.
type Event struct {
	Name    string
	Payload interface{}
}

// Subscriber owns a bounded buffer of pending events. When the buffer
// overflows, the oldest event is dropped and a single Resync event is
// queued so the client re-fetches the full list.
type Subscriber struct {
	ch            chan Event
	resyncPending bool
	mu            sync.Mutex
}

// Events is the subscriber's receive channel.
func (s *Subscriber) Events() <-chan Event {
	return s.ch
}

func (s *Subscriber) push(evt Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if evt.Name != NameResync && s.resyncPending {
		// Client already owes itself a resync; individual events are
		// redundant until it catches up.
		return
	}

	select {
	case s.ch <- evt:
		return
	default:
	}

	// Buffer full: discard the oldest event and queue a Resync instead.
	select {
	case <-s.ch:
	default:
	}
	s.resyncPending = true
	select {
	case s.ch <- Event{Name: NameResync}:
	default:
	}
}

func (s *Subscriber) ack() {
	s.mu.Lock()
	s.resyncPending = false
	s.mu.Unlock()
}

// Bus is the in-process publish/subscribe hub.
type Bus struct {
	logger  *slog.Logger
	bufSize int

	mu   sync.Mutex
	subs map[*Subscriber]struct{}
}

func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		logger:  logger,
		bufSize: DefaultBufferSize,
		subs:    make(map[*Subscriber]struct{}),
	}
}

// Subscribe registers a new subscriber.
func (b *Bus) Subscribe() *Subscriber {
	sub := &Subscriber{ch: make(chan Event, b.bufSize)}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	n := len(b.subs)
	b.mu.Unlock()
	b.logger.Debug("event subscriber attached", "subscribers", n)
	return sub
}

// Unsubscribe detaches a subscriber. Its channel is not closed;
// receivers select on their own context instead.
func (b *Bus) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	delete(b.subs, sub)
	b.mu.Unlock()
}

// PublishChanged publishes a DownloadChanged event to every subscriber.
func (b *Bus) PublishChanged(payload DownloadChanged) {
	b.publish(Event{Name: NameDownloadChanged, Payload: payload})
}

// AckResync clears a subscriber's pending-resync flag, called by the
// SSE handler after it delivers the Resync event.
func (b *Bus) AckResync(sub *Subscriber) {
	sub.ack()
}

func (b *Bus) publish(evt Event) {
	b.mu.Lock()
	subs := make([]*Subscriber, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.push(evt)
	}
}

// Run emits heartbeat events until the context ends.
func (b *Bus) Run(ctx context.Context) error {
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case t := <-ticker.C:
			b.publish(Event{Name: NameHeartbeat, Payload: map[string]interface{}{
				"at": t.UTC(),
			}})
		}
	}
}

// SubscriberCount is exposed for tests and health output.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
