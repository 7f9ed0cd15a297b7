// ABOUTME: Append-only conversation log cached in memory and persisted through a store.KV
// ABOUTME: Every mutation is written through before it becomes visible to readers

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/2389/relay-gateway/internal/store"
)

// ErrPersist wraps any failure to write the log to its backend. The
// in-memory state is unchanged when it is returned, so the caller may retry.
var ErrPersist = errors.New("persisting conversation log")

// Publisher receives every record after it has been durably appended.
type Publisher interface {
	Publish(conversationID string, rec store.Record)
}

// Log is the process-wide conversation log.
type Log struct {
	kv        store.KV
	publisher Publisher
	logger    *slog.Logger

	writeMu sync.Mutex // serializes Append and Clear

	mu    sync.RWMutex // guards cache
	cache map[string][]store.Record
}

// NewLog creates an empty log over kv. publisher may be nil. Call Load to
// read existing state.
func NewLog(kv store.KV, publisher Publisher, logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{
		kv:        kv,
		publisher: publisher,
		logger:    logger.With("component", "conversation_log"),
		cache:     make(map[string][]store.Record),
	}
}

// Load replaces the cache with everything in the backend. It never fails:
// if the key listing fails the log starts empty, and a conversation that
// cannot be read is skipped. Both are logged at WARN.
func (l *Log) Load(ctx context.Context) {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	loaded := make(map[string][]store.Record)

	keys, err := l.kv.Keys(ctx)
	if err != nil {
		l.logger.Warn("could not list stored conversations, starting empty", "error", err)
	} else {
		for _, id := range keys {
			records, err := l.kv.Get(ctx, id)
			if err != nil {
				l.logger.Warn("could not load conversation, skipping",
					"conversation_id", id,
					"error", err)
				continue
			}
			loaded[id] = records
		}
	}

	l.mu.Lock()
	l.cache = loaded
	l.mu.Unlock()

	l.logger.Info("conversation log loaded", "conversations", len(loaded))
}

// Append adds rec to the end of the conversation and persists the whole
// sequence before returning. On failure the error wraps ErrPersist and the
// record is not visible.
func (l *Log) Append(ctx context.Context, conversationID string, rec store.Record) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	l.mu.RLock()
	current := l.cache[conversationID]
	l.mu.RUnlock()

	next := make([]store.Record, len(current), len(current)+1)
	copy(next, current)
	next = append(next, rec)

	if err := l.kv.Put(ctx, conversationID, next); err != nil {
		l.logger.Error("failed to persist record",
			"conversation_id", conversationID,
			"uuid", rec.UUID,
			"error", err)
		return fmt.Errorf("%w: appending to %s: %w", ErrPersist, conversationID, err)
	}

	l.mu.Lock()
	l.cache[conversationID] = next
	l.mu.Unlock()

	l.logger.Debug("record appended",
		"conversation_id", conversationID,
		"username", rec.Username,
		"uuid", rec.UUID,
		"length", len(next))

	if l.publisher != nil {
		l.publisher.Publish(conversationID, rec)
	}
	return nil
}

// Clear resets the conversation to an empty sequence.
func (l *Log) Clear(ctx context.Context, conversationID string) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	if err := l.kv.Put(ctx, conversationID, []store.Record{}); err != nil {
		l.logger.Error("failed to persist cleared conversation",
			"conversation_id", conversationID,
			"error", err)
		return fmt.Errorf("%w: clearing %s: %w", ErrPersist, conversationID, err)
	}

	l.mu.Lock()
	l.cache[conversationID] = []store.Record{}
	l.mu.Unlock()

	l.logger.Info("conversation cleared", "conversation_id", conversationID)
	return nil
}

// Get returns a copy of the conversation's records in append order. Unknown
// conversations return an empty, non-nil slice.
func (l *Log) Get(conversationID string) []store.Record {
	l.mu.RLock()
	defer l.mu.RUnlock()

	records := l.cache[conversationID]
	out := make([]store.Record, len(records))
	copy(out, records)
	return out
}

// Conversations returns every known conversation id, sorted.
func (l *Log) Conversations() []string {
	l.mu.RLock()
	ids := make([]string, 0, len(l.cache))
	for id := range l.cache {
		ids = append(ids, id)
	}
	l.mu.RUnlock()

	slices.Sort(ids)
	return ids
}
