// ABOUTME: Message processors turn one inbound message into zero or more replies
// ABOUTME: Replies are pushed into a relay.Sink as they are produced

package processor

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/2389/relay-gateway/internal/config"
	"github.com/2389/relay-gateway/internal/relay"
)

// Processor handles one message for a conversation, writing replies to sink.
type Processor interface {
	ProcessMessage(ctx context.Context, conversationID, text string, sink relay.Sink) error
}

// Func adapts a function to Processor.
type Func func(ctx context.Context, conversationID, text string, sink relay.Sink) error

// ProcessMessage calls f.
func (f Func) ProcessMessage(ctx context.Context, conversationID, text string, sink relay.Sink) error {
	return f(ctx, conversationID, text, sink)
}

// Echo replies with the inbound text.
type Echo struct{}

// ProcessMessage sends text straight back.
func (Echo) ProcessMessage(ctx context.Context, conversationID, text string, sink relay.Sink) error {
	return sink.Accept(ctx, relay.Reply{RecipientID: conversationID, Text: text})
}

// New builds the processor selected by cfg.Kind.
func New(cfg config.ProcessorConfig, logger *slog.Logger) (Processor, error) {
	switch cfg.Kind {
	case config.ProcessorEcho:
		return Echo{}, nil
	case "", config.ProcessorScripted:
		rules := RulesFromConfig(cfg.Rules)
		if len(rules) == 0 {
			rules = DefaultRules()
		}
		return NewScripted(rules, cfg.Fallback, logger), nil
	default:
		return nil, fmt.Errorf("unknown processor kind %q", cfg.Kind)
	}
}
