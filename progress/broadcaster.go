// Package progress implements the session progress channel: a fan-out
// broadcaster keyed by session ID. Delivery is bounded and drop-on-
// backpressure; a slow subscriber never blocks a producing session.
package progress

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// EventType classifies a progress event.
type EventType string

const (
	// EventProgress reports chunk-level progress of a session.
	EventProgress EventType = "progress"
	// EventError reports a session error.
	EventError EventType = "error"
	// EventCompletion reports a session reaching a terminal state.
	EventCompletion EventType = "completion"
)

// Event is one status/progress update pushed to observers.
type Event struct {
	Type         EventType `json:"type"`
	SessionID    string    `json:"sessionId"`
	Status       string    `json:"status"`
	Progress     float64   `json:"progress"`
	CurrentChunk int       `json:"currentChunk"`
	TotalChunks  int       `json:"totalChunks"`
	Message      string    `json:"message"`
	Timestamp    time.Time `json:"timestamp"`
}

// SubscriptionStats tracks per-subscription delivery counters.
type SubscriptionStats struct {
	EventsReceived atomic.Uint64
	EventsDropped  atomic.Uint64
}

// Subscription is one observer's registration.
type Subscription struct {
	// ID is the unique identifier for this subscription.
	ID string

	// SessionID filters delivery to a single session. Empty receives
	// events for all sessions.
	SessionID string

	// Channel is where events are delivered.
	Channel chan Event

	// Stats tracks delivery statistics.
	Stats SubscriptionStats
}

// Broadcaster fans session events out to any number of subscribers.
type Broadcaster struct {
	subscribers map[string]*Subscription
	mu          sync.RWMutex

	publishCh     chan Event
	subscribeCh   chan *Subscription
	unsubscribeCh chan string
	done          chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	published atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
}

// NewBroadcaster creates a Broadcaster with the given publish buffer size.
func NewBroadcaster(publishBufferSize int) *Broadcaster {
	ctx, cancel := context.WithCancel(context.Background())
	return &Broadcaster{
		subscribers:   make(map[string]*Subscription),
		publishCh:     make(chan Event, publishBufferSize),
		subscribeCh:   make(chan *Subscription, 16),
		unsubscribeCh: make(chan string, 16),
		done:          make(chan struct{}),
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Run starts the broadcaster main loop. Call in a goroutine.
func (b *Broadcaster) Run() {
	defer close(b.done)

	for {
		select {
		case <-b.ctx.Done():
			b.closeAll()
			return

		case sub := <-b.subscribeCh:
			b.mu.Lock()
			b.subscribers[sub.ID] = sub
			b.mu.Unlock()

		case id := <-b.unsubscribeCh:
			b.mu.Lock()
			if sub, exists := b.subscribers[id]; exists {
				close(sub.Channel)
				delete(b.subscribers, id)
			}
			b.mu.Unlock()

		case event := <-b.publishCh:
			b.published.Add(1)
			b.broadcast(event)
		}
	}
}

// broadcast delivers an event to every interested subscriber, non-blocking.
// A full subscriber channel drops the event for that subscriber only.
func (b *Broadcaster) broadcast(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subscribers {
		if sub.SessionID != "" && sub.SessionID != event.SessionID {
			continue
		}

		select {
		case sub.Channel <- event:
			b.delivered.Add(1)
			sub.Stats.EventsReceived.Add(1)
		default:
			b.dropped.Add(1)
			sub.Stats.EventsDropped.Add(1)
		}
	}
}

func (b *Broadcaster) closeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subscribers {
		close(sub.Channel)
	}
	b.subscribers = make(map[string]*Subscription)
}

// Stop gracefully stops the broadcaster and closes all subscriptions.
func (b *Broadcaster) Stop() {
	b.cancel()
	<-b.done
}

// Publish pushes an event to all interested subscribers. Non-blocking: if
// the publish buffer is full the event is dropped and false returned.
func (b *Broadcaster) Publish(event Event) bool {
	select {
	case <-b.ctx.Done():
		return false
	default:
	}

	select {
	case b.publishCh <- event:
		return true
	default:
		b.dropped.Add(1)
		return false
	}
}

// Subscribe registers an observer. sessionID may be empty to receive all
// sessions' events. channelSize bounds the subscriber's buffer.
func (b *Broadcaster) Subscribe(id, sessionID string, channelSize int) *Subscription {
	sub := &Subscription{
		ID:        id,
		SessionID: sessionID,
		Channel:   make(chan Event, channelSize),
	}

	select {
	case b.subscribeCh <- sub:
		return sub
	case <-b.ctx.Done():
		close(sub.Channel)
		return nil
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(id string) {
	select {
	case b.unsubscribeCh <- id:
	case <-b.ctx.Done():
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Stats returns cumulative published/delivered/dropped counters.
func (b *Broadcaster) Stats() (published, delivered, dropped uint64) {
	return b.published.Load(), b.delivered.Load(), b.dropped.Load()
}
