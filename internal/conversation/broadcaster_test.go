// ABOUTME: Tests for the record Broadcaster fan-out pub/sub
// ABOUTME: Covers subscribe, publish, unsubscribe, context cancellation, concurrency

package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/relay-gateway/internal/store"
)

func makeRecord(uuid, conversationID string) store.Record {
	return store.Record{
		Time:     time.Now().UTC(),
		Username: conversationID,
		Message:  json.RawMessage(`{"type":"text","text":"hello from ` + uuid + `"}`),
		UUID:     uuid,
	}
}

func TestBroadcaster_SingleSubscriberReceivesRecord(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ch, _ := b.Subscribe(t.Context(), "c1")

	b.Publish("c1", makeRecord("r-1", "c1"))

	select {
	case received := <-ch:
		assert.Equal(t, "r-1", received.UUID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for record")
	}
}

func TestBroadcaster_MultipleSubscribersReceiveSameRecord(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ctx := t.Context()
	ch1, _ := b.Subscribe(ctx, "c1")
	ch2, _ := b.Subscribe(ctx, "c1")
	ch3, _ := b.Subscribe(ctx, "c1")

	b.Publish("c1", makeRecord("r-2", "c1"))

	for i, ch := range []<-chan store.Record{ch1, ch2, ch3} {
		select {
		case received := <-ch:
			assert.Equal(t, "r-2", received.UUID, "subscriber %d got wrong record", i)
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d timed out", i)
		}
	}
}

func TestBroadcaster_ConversationsAreIsolated(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ctx := t.Context()
	ch1, _ := b.Subscribe(ctx, "c1")
	ch2, _ := b.Subscribe(ctx, "c2")

	b.Publish("c1", makeRecord("r-3", "c1"))

	select {
	case received := <-ch1:
		assert.Equal(t, "r-3", received.UUID)
	case <-time.After(time.Second):
		t.Fatal("subscriber for c1 timed out")
	}

	select {
	case <-ch2:
		t.Fatal("subscriber for c2 should not receive records for c1")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestBroadcaster_SlowConsumerDoesNotBlockPublisher(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ctx := t.Context()

	// Never read from the first subscriber
	_, _ = b.Subscribe(ctx, "c1")
	ch2, _ := b.Subscribe(ctx, "c1")

	done := make(chan struct{})
	go func() {
		for i := range 2 * subscriberBufferSize {
			b.Publish("c1", makeRecord(fmt.Sprintf("r-%d", i), "c1"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publisher blocked on a full subscriber")
	}

	assert.Len(t, ch2, subscriberBufferSize, "fast consumer buffer should be full, not blocking")
}

func TestBroadcaster_ContextCancellationCleansUp(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, _ := b.Subscribe(ctx, "c1")
	assert.Equal(t, 1, b.SubscriberCount("c1"))

	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok, "channel should be closed after context cancel")
	case <-time.After(time.Second):
		t.Fatal("channel not closed after context cancel")
	}
	assert.Equal(t, 0, b.SubscriberCount("c1"))
}

func TestBroadcaster_ManualUnsubscribe(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ch, subID := b.Subscribe(t.Context(), "c1")
	b.Unsubscribe("c1", subID)

	select {
	case _, ok := <-ch:
		assert.False(t, ok, "channel should be closed after unsubscribe")
	case <-time.After(time.Second):
		t.Fatal("channel not closed after unsubscribe")
	}

	// Publishing and double unsubscribe should not panic
	b.Publish("c1", makeRecord("after-unsub", "c1"))
	b.Unsubscribe("c1", subID)
}

func TestBroadcaster_CloseClosesAllSubscriptions(t *testing.T) {
	b := NewBroadcaster(nil)

	ch1, _ := b.Subscribe(t.Context(), "c1")
	ch2, _ := b.Subscribe(t.Context(), "c2")

	b.Close()

	for i, ch := range []<-chan store.Record{ch1, ch2} {
		select {
		case _, ok := <-ch:
			assert.False(t, ok, "channel %d should be closed after Close()", i)
		case <-time.After(time.Second):
			t.Fatalf("channel %d not closed after Close()", i)
		}
	}

	late, _ := b.Subscribe(t.Context(), "c1")
	_, ok := <-late
	assert.False(t, ok, "subscribe after Close should return a closed channel")
}

func TestBroadcaster_ConcurrentPublishSubscribe(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	var wg sync.WaitGroup

	for range 10 {
		wg.Go(func() {
			ctx, cancel := context.WithCancel(t.Context())
			defer cancel()
			ch, _ := b.Subscribe(ctx, "busy")
			for range 5 {
				select {
				case <-ch:
				case <-time.After(500 * time.Millisecond):
					return
				}
			}
		})
	}

	for range 10 {
		wg.Go(func() {
			for range 10 {
				b.Publish("busy", makeRecord("concurrent", "busy"))
			}
		})
	}

	wg.Wait()
}

func TestBroadcaster_SubscribeReturnsUniqueIDs(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ctx := t.Context()
	_, id1 := b.Subscribe(ctx, "c1")
	_, id2 := b.Subscribe(ctx, "c1")
	_, id3 := b.Subscribe(ctx, "c2")

	require.NotEqual(t, id1, id2)
	require.NotEqual(t, id1, id3)
	require.NotEqual(t, id2, id3)
}
