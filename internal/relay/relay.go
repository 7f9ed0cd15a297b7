// ABOUTME: Stream relay: one producer goroutine pushes replies into a bounded queue
// ABOUTME: The consumer drains them in order until a typed terminal marker arrives

package relay

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrClosed is returned by Next after the terminal marker was read, and
	// by Accept once the relay is finished or abandoned.
	ErrClosed = errors.New("relay closed")

	// ErrProducerTimeout is carried on the terminal marker when the producer
	// did not finish within the producer timeout.
	ErrProducerTimeout = errors.New("producer timed out")

	// ErrProducerPanic wraps a recovered producer panic.
	ErrProducerPanic = errors.New("producer panicked")
)

const (
	// DefaultBufferSize is the queue capacity when none is configured.
	DefaultBufferSize = 16

	// DefaultProducerTimeout bounds how long a consumer waits on a producer.
	DefaultProducerTimeout = 60 * time.Second
)

// Producer writes zero or more replies to sink and returns. ctx is cancelled
// when the consumer abandons the relay or the producer timeout passes.
type Producer func(ctx context.Context, sink Sink) error

// Options configures a Relay.
type Options struct {
	BufferSize      int
	ProducerTimeout time.Duration
	Logger          *slog.Logger
}

// Event is one item read from the relay: a reply, or the terminal marker.
type Event struct {
	Reply Reply
	Final bool
	Err   error // only set on the terminal marker
}

// Relay hands replies from one producer goroutine to one consumer.
type Relay struct {
	events    chan Event
	ctx       context.Context
	cancel    context.CancelFunc
	abandoned chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	finished  atomic.Bool // producer returned
	drained   atomic.Bool // consumer saw the terminal marker
	logger    *slog.Logger
}

// Start creates a relay and runs produce on its own goroutine. The caller
// must Close the relay when it stops consuming.
func Start(ctx context.Context, opts Options, produce Producer) *Relay {
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	if opts.ProducerTimeout <= 0 {
		opts.ProducerTimeout = DefaultProducerTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	pctx, cancel := context.WithTimeout(ctx, opts.ProducerTimeout)
	r := &Relay{
		events:    make(chan Event, opts.BufferSize),
		ctx:       pctx,
		cancel:    cancel,
		abandoned: make(chan struct{}),
		done:      make(chan struct{}),
		logger:    opts.Logger.With("component", "relay"),
	}

	go r.run(produce)
	return r
}

func (r *Relay) run(produce Producer) {
	var err error
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: %v", ErrProducerPanic, p)
			r.logger.Error("producer panicked", "panic", p)
		}
		r.finish(err)
	}()

	err = produce(r.ctx, r)
}

// finish queues the terminal marker. It gives up only if the consumer has
// abandoned the relay.
func (r *Relay) finish(err error) {
	r.finished.Store(true)
	defer close(r.done)

	if err != nil {
		r.logger.Debug("producer finished with error", "error", err)
	}

	select {
	case r.events <- Event{Final: true, Err: err}:
	case <-r.abandoned:
	}
}

// Accept queues reply, blocking while the queue is full.
func (r *Relay) Accept(ctx context.Context, reply Reply) error {
	if r.finished.Load() {
		return ErrClosed
	}
	select {
	case r.events <- Event{Reply: reply}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-r.ctx.Done():
		return r.ctx.Err()
	case <-r.abandoned:
		return ErrClosed
	}
}

// Next returns the next event in production order. The terminal marker is
// returned exactly once; afterwards Next returns ErrClosed. If the producer
// times out or the relay is closed before a marker arrives, Next
// synthesizes one carrying the reason.
func (r *Relay) Next(ctx context.Context) (Event, error) {
	if r.drained.Load() {
		return Event{}, ErrClosed
	}

	// Queued events win over an expired producer deadline
	select {
	case ev := <-r.events:
		return r.deliver(ev), nil
	default:
	}

	select {
	case ev := <-r.events:
		return r.deliver(ev), nil
	case <-ctx.Done():
		return Event{}, ctx.Err()
	case <-r.ctx.Done():
		select {
		case ev := <-r.events:
			return r.deliver(ev), nil
		default:
		}
		r.drained.Store(true)
		if errors.Is(r.ctx.Err(), context.DeadlineExceeded) {
			return Event{Final: true, Err: ErrProducerTimeout}, nil
		}
		return Event{Final: true, Err: fmt.Errorf("%w: %w", ErrClosed, r.ctx.Err())}, nil
	}
}

func (r *Relay) deliver(ev Event) Event {
	if ev.Final {
		r.drained.Store(true)
	}
	return ev
}

// All returns the remaining replies as a lazy sequence. The sequence ends
// after the terminal marker; a producer error is yielded last.
func (r *Relay) All(ctx context.Context) iter.Seq2[Reply, error] {
	return func(yield func(Reply, error) bool) {
		for {
			ev, err := r.Next(ctx)
			if err != nil {
				yield(Reply{}, err)
				return
			}
			if ev.Final {
				if ev.Err != nil {
					yield(Reply{}, ev.Err)
				}
				return
			}
			if !yield(ev.Reply, nil) {
				return
			}
		}
	}
}

// Done is closed once the producer goroutine has returned.
func (r *Relay) Done() <-chan struct{} {
	return r.done
}

// Close abandons the relay: the producer context is cancelled and any
// blocked Accept or terminal send is released. Safe to call multiple times.
func (r *Relay) Close() {
	r.closeOnce.Do(func() {
		close(r.abandoned)
		r.cancel()
	})
}
