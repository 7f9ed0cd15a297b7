// ABOUTME: Reply events emitted by message processors and the sinks that accept them
// ABOUTME: Collector is the buffering sink used for synchronous responses

package relay

import (
	"context"
	"sync"
)

// Button is a quick-reply option attached to a text reply.
type Button struct {
	Title   string `json:"title"`
	Payload string `json:"payload"`
}

// Reply is one unit of processor output: text, text with buttons, or an
// image reference.
type Reply struct {
	RecipientID string   `json:"recipient_id"`
	Text        string   `json:"text,omitempty"`
	Buttons     []Button `json:"buttons,omitempty"`
	Image       string   `json:"image,omitempty"`
}

// Sink accepts replies from a processor.
type Sink interface {
	Accept(ctx context.Context, reply Reply) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, reply Reply) error

// Accept calls f.
func (f SinkFunc) Accept(ctx context.Context, reply Reply) error { return f(ctx, reply) }

// Collector buffers every accepted reply in order.
type Collector struct {
	mu      sync.Mutex
	replies []Reply
}

// NewCollector creates an empty Collector.
func NewCollector() *Collector {
	return &Collector{}
}

// Accept appends reply. It only fails if ctx is already done.
func (c *Collector) Accept(ctx context.Context, reply Reply) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.replies = append(c.replies, reply)
	c.mu.Unlock()
	return nil
}

// Replies returns a copy of everything accepted so far. Call it after the
// producer has returned.
func (c *Collector) Replies() []Reply {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Reply, len(c.replies))
	copy(out, c.replies)
	return out
}
