// ABOUTME: Rule-driven processor that answers messages from a fixed script
// ABOUTME: Rules match by case-insensitive substring; replies may be delayed to exercise streaming

package processor

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/2389/relay-gateway/internal/config"
	"github.com/2389/relay-gateway/internal/relay"
)

// CallBackPrompt is the action prompt asked when a CRA scan is mentioned.
const CallBackPrompt = "Action: What is the call back number that the CRA agent gave you?"

// Step is one scripted reply and how long to wait before sending it.
type Step struct {
	Reply relay.Reply
	Delay time.Duration
}

// Rule emits Steps when Match occurs in the message. An empty Match
// matches every message.
type Rule struct {
	Match string
	Steps []Step
}

// Scripted answers messages from an ordered rule list.
type Scripted struct {
	rules    []Rule
	fallback string
	logger   *slog.Logger
}

// NewScripted creates a Scripted processor. An empty fallback means
// unmatched messages get no reply.
func NewScripted(rules []Rule, fallback string, logger *slog.Logger) *Scripted {
	if logger == nil {
		logger = slog.Default()
	}
	normalized := make([]Rule, len(rules))
	for i, r := range rules {
		normalized[i] = Rule{Match: strings.ToLower(r.Match), Steps: r.Steps}
	}
	return &Scripted{
		rules:    normalized,
		fallback: fallback,
		logger:   logger.With("component", "processor"),
	}
}

// ProcessMessage runs the first matching rule, or sends the fallback.
func (s *Scripted) ProcessMessage(ctx context.Context, conversationID, text string, sink relay.Sink) error {
	lower := strings.ToLower(text)

	for i, rule := range s.rules {
		if !strings.Contains(lower, rule.Match) {
			continue
		}
		s.logger.Debug("rule matched",
			"conversation_id", conversationID,
			"rule", i,
			"steps", len(rule.Steps))
		return s.run(ctx, conversationID, rule.Steps, sink)
	}

	if s.fallback == "" {
		return nil
	}
	return sink.Accept(ctx, relay.Reply{RecipientID: conversationID, Text: s.fallback})
}

func (s *Scripted) run(ctx context.Context, conversationID string, steps []Step, sink relay.Sink) error {
	for _, step := range steps {
		if step.Delay > 0 {
			timer := time.NewTimer(step.Delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			}
		}

		reply := step.Reply
		reply.RecipientID = conversationID
		if err := sink.Accept(ctx, reply); err != nil {
			return err
		}
	}
	return nil
}

// DefaultRules is the built-in script used when no rules are configured.
func DefaultRules() []Rule {
	return []Rule{
		{
			Match: "cra",
			Steps: []Step{{Reply: relay.Reply{Text: CallBackPrompt}}},
		},
		{
			Match: "hello",
			Steps: []Step{{Reply: relay.Reply{
				Text: "Hello! Did a CRA agent call you?",
				Buttons: []relay.Button{
					{Title: "Yes", Payload: "/affirm"},
					{Title: "No", Payload: "/deny"},
				},
			}}},
		},
	}
}

// RulesFromConfig converts configured rules into processor rules.
func RulesFromConfig(cfg []config.RuleConfig) []Rule {
	rules := make([]Rule, 0, len(cfg))
	for _, rc := range cfg {
		rule := Rule{Match: rc.Match}
		for _, reply := range rc.Replies {
			step := Step{
				Reply: relay.Reply{Text: reply.Text, Image: reply.Image},
				Delay: reply.Delay,
			}
			for _, b := range reply.Buttons {
				step.Reply.Buttons = append(step.Reply.Buttons, relay.Button{Title: b.Title, Payload: b.Payload})
			}
			rule.Steps = append(rule.Steps, step)
		}
		rules = append(rules, rule)
	}
	return rules
}
