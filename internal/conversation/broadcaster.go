// ABOUTME: In-memory fan-out of newly logged records to tail subscribers
// ABOUTME: Publishes each appended Record to every subscriber of its conversation

package conversation

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/2389/relay-gateway/internal/store"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 64
)

// Broadcaster provides in-memory pub/sub for appended records. Subscribers
// register for a conversation id and receive records as they are logged.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan store.Record // conversationID -> subID -> ch
	closed      bool
	logger      *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]map[string]chan store.Record),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers a subscriber for records on the given conversation.
// Returns a channel that receives records and a subscription ID for later
// unsubscription. The subscription is automatically cleaned up when ctx is
// cancelled. After Close the returned channel is already closed.
func (b *Broadcaster) Subscribe(ctx context.Context, conversationID string) (<-chan store.Record, string) {
	subID := uuid.New().String()
	ch := make(chan store.Record, subscriberBufferSize)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, subID
	}
	if _, ok := b.subscribers[conversationID]; !ok {
		b.subscribers[conversationID] = make(map[string]chan store.Record)
	}
	b.subscribers[conversationID][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added",
		"conversation_id", conversationID,
		"sub_id", subID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(conversationID, subID)
	}()

	return ch, subID
}

// Publish sends a record to all subscribers of the conversation.
// Non-blocking: records are dropped for subscribers whose channels are full.
func (b *Broadcaster) Publish(conversationID string, rec store.Record) {
	// Read lock held across the sends so Unsubscribe cannot close a channel
	// mid-send
	b.mu.RLock()
	defer b.mu.RUnlock()

	for subID, ch := range b.subscribers[conversationID] {
		select {
		case ch <- rec:
		default:
			b.logger.Debug("dropped record for slow subscriber",
				"conversation_id", conversationID,
				"sub_id", subID,
				"uuid", rec.UUID)
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(conversationID, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[conversationID]
	if !ok {
		return
	}

	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)

	if len(subs) == 0 {
		delete(b.subscribers, conversationID)
	}

	b.logger.Debug("subscriber removed",
		"conversation_id", conversationID,
		"sub_id", subID)
}

// SubscriberCount returns the number of live subscriptions for a conversation.
func (b *Broadcaster) SubscriberCount(conversationID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[conversationID])
}

// Close shuts down the broadcaster and closes all subscriber channels.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for convID, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, convID)
	}
	b.closed = true

	b.logger.Debug("broadcaster closed")
}
