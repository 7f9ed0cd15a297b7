// ABOUTME: Service is the central layer between the HTTP boundary, the processor, and the log
// ABOUTME: Every exchanged message flows through here and is recorded before it is returned

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/2389/relay-gateway/internal/dedupe"
	"github.com/2389/relay-gateway/internal/processor"
	"github.com/2389/relay-gateway/internal/relay"
	"github.com/2389/relay-gateway/internal/store"
)

// RestartCommand clears the conversation instead of being processed.
const RestartCommand = "_restart"

// DefaultSaveTimeout bounds each streamed-reply write, which runs detached
// from the request context.
const DefaultSaveTimeout = 5 * time.Second

var (
	// ErrEmptyMessage is returned when a say request carries no text.
	ErrEmptyMessage = errors.New("message is required")

	// ErrMissingConversation is returned when no conversation id is given.
	ErrMissingConversation = errors.New("conversation id is required")

	// ErrProcessing wraps an error returned by the processor in batch mode.
	ErrProcessing = errors.New("processing message")
)

// SayRequest is one inbound message.
type SayRequest struct {
	ConversationID string
	Text           string
	CorrelationID  string // optional; a fresh UUID is used when empty
	Stream         bool
}

// ReplySet is the outcome of Handle. Exactly one of Replies or Stream is
// meaningful; Restarted requests carry neither.
type ReplySet struct {
	Replies   []relay.Reply
	Stream    *relay.Relay
	Restarted bool
	// Resubmitted is set when the correlation id was already logged; the
	// replies were produced again but not logged again.
	Resubmitted bool
}

// Options tunes a Service. Zero values use package defaults.
type Options struct {
	Relay       relay.Options
	Dedupe      *dedupe.Cache // nil disables re-submission detection
	SaveTimeout time.Duration
}

// Service handles say requests for every conversation.
type Service struct {
	log       *Log
	processor processor.Processor
	opts      Options
	logger    *slog.Logger
}

// NewService creates a Service over log and processor.
func NewService(log *Log, proc processor.Processor, opts Options, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.SaveTimeout <= 0 {
		opts.SaveTimeout = DefaultSaveTimeout
	}
	if opts.Relay.Logger == nil {
		opts.Relay.Logger = logger
	}
	return &Service{
		log:       log,
		processor: proc,
		opts:      opts,
		logger:    logger.With("component", "conversation"),
	}
}

// Log returns the underlying conversation log.
func (s *Service) Log() *Log {
	return s.log
}

// Handle records the inbound message, runs the processor, and returns its
// replies either buffered or as a stream.
//
// Record first, then act: the inbound message is persisted before the
// processor sees it. In batch mode every reply is persisted before Handle
// returns. In stream mode each reply is persisted as it is produced, before
// the consumer can read it.
//
// A message re-submitted with a correlation id already logged for the
// conversation (within the dedupe TTL) is processed again and its replies
// are returned, but neither the message nor those replies are logged a
// second time.
func (s *Service) Handle(ctx context.Context, req *SayRequest) (*ReplySet, error) {
	if req.ConversationID == "" {
		return nil, ErrMissingConversation
	}
	if req.Text == "" {
		return nil, ErrEmptyMessage
	}

	if req.Text == RestartCommand {
		if err := s.log.Clear(ctx, req.ConversationID); err != nil {
			return nil, err
		}
		if s.opts.Dedupe != nil {
			s.opts.Dedupe.Forget(req.ConversationID)
		}
		return &ReplySet{Restarted: true}, nil
	}

	resubmitted, err := s.recordInbound(ctx, req)
	if err != nil {
		return nil, err
	}
	logReplies := !resubmitted

	if req.Stream {
		return &ReplySet{Stream: s.stream(ctx, req, logReplies), Resubmitted: resubmitted}, nil
	}
	set, err := s.batch(ctx, req, logReplies)
	if err != nil {
		return nil, err
	}
	set.Resubmitted = resubmitted
	return set, nil
}

// recordInbound logs the inbound message. It reports true, without
// logging, when the correlation id was already logged.
func (s *Service) recordInbound(ctx context.Context, req *SayRequest) (bool, error) {
	correlationID := req.CorrelationID
	if correlationID == "" {
		correlationID = uuid.New().String()
	} else if s.opts.Dedupe != nil && s.opts.Dedupe.Seen(req.ConversationID, correlationID) {
		s.logger.Debug("re-submitted message already logged",
			"conversation_id", req.ConversationID,
			"uuid", correlationID)
		return true, nil
	}

	rec, err := store.NewRecord(req.ConversationID, store.Payload{Type: store.PayloadText, Text: req.Text}, correlationID)
	if err != nil {
		return false, err
	}
	if err := s.log.Append(ctx, req.ConversationID, rec); err != nil {
		if req.CorrelationID != "" && s.opts.Dedupe != nil {
			s.opts.Dedupe.Remove(req.ConversationID, correlationID)
		}
		return false, err
	}

	s.logger.Debug("inbound message recorded",
		"conversation_id", req.ConversationID,
		"uuid", correlationID)
	return false, nil
}

func (s *Service) batch(ctx context.Context, req *SayRequest, logReplies bool) (*ReplySet, error) {
	collector := relay.NewCollector()
	procErr := s.processor.ProcessMessage(ctx, req.ConversationID, req.Text, collector)

	// Whatever was produced is history, even if the processor then failed
	replies := collector.Replies()
	if logReplies {
		for _, reply := range replies {
			if err := s.recordReply(ctx, req.ConversationID, reply); err != nil {
				return nil, err
			}
		}
	}

	if procErr != nil {
		s.logger.Warn("processor failed",
			"conversation_id", req.ConversationID,
			"replies", len(replies),
			"error", procErr)
		return nil, fmt.Errorf("%w: %w", ErrProcessing, procErr)
	}

	return &ReplySet{Replies: replies}, nil
}

func (s *Service) stream(ctx context.Context, req *SayRequest, logReplies bool) *relay.Relay {
	return relay.Start(ctx, s.opts.Relay, func(pctx context.Context, sink relay.Sink) error {
		if !logReplies {
			return s.processor.ProcessMessage(pctx, req.ConversationID, req.Text, sink)
		}
		persisting := relay.SinkFunc(func(actx context.Context, reply relay.Reply) error {
			// Detached so a client disconnect does not lose history
			saveCtx, cancel := context.WithTimeout(context.WithoutCancel(actx), s.opts.SaveTimeout)
			defer cancel()
			if err := s.recordReply(saveCtx, req.ConversationID, reply); err != nil {
				return err
			}
			return sink.Accept(actx, reply)
		})
		return s.processor.ProcessMessage(pctx, req.ConversationID, req.Text, persisting)
	})
}

func (s *Service) recordReply(ctx context.Context, conversationID string, reply relay.Reply) error {
	author := reply.RecipientID
	if author == "" {
		author = conversationID
	}

	for _, payload := range payloadsForReply(reply) {
		rec, err := store.NewRecord(store.BotAuthor, payload, author)
		if err != nil {
			return err
		}
		if err := s.log.Append(ctx, conversationID, rec); err != nil {
			return err
		}
	}
	return nil
}

// payloadsForReply maps one reply to the records it is logged as: text,
// then buttons, then image.
func payloadsForReply(reply relay.Reply) []store.Payload {
	var payloads []store.Payload
	if reply.Text != "" {
		payloads = append(payloads, store.Payload{Type: store.PayloadText, Text: reply.Text})
	}
	if len(reply.Buttons) > 0 {
		buttons := make([]store.Button, len(reply.Buttons))
		for i, b := range reply.Buttons {
			buttons[i] = store.Button{Title: b.Title, Payload: b.Payload}
		}
		payloads = append(payloads, store.Payload{Type: store.PayloadButton, Buttons: buttons})
	}
	if reply.Image != "" {
		payloads = append(payloads, store.Payload{Type: store.PayloadImage, Image: reply.Image})
	}
	return payloads
}
