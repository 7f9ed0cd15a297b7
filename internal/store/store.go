// ABOUTME: Record types and the KV interface for conversation log persistence
// ABOUTME: Backends store each conversation's full record sequence under its id

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a conversation has no stored sequence
var ErrNotFound = errors.New("not found")

// Author used for every outbound record
const BotAuthor = "bot"

// Payload types written by the gateway. Records loaded from disk may carry
// any other JSON payload; it is preserved untouched.
const (
	PayloadText   = "text"
	PayloadButton = "button"
	PayloadImage  = "image"
)

// Record is one logged message in a conversation.
type Record struct {
	Time     time.Time       `json:"time"`
	Username string          `json:"username"`
	Message  json.RawMessage `json:"message"`
	UUID     string          `json:"uuid"`
}

// zonelessLayouts are ISO-8601 forms written without an offset, such as
// Python's datetime.isoformat(). They are read as UTC.
var zonelessLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// ParseTimestamp parses an RFC 3339 time, or an ISO-8601 time without an
// offset as UTC.
func ParseTimestamp(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	for _, layout := range zonelessLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// UnmarshalJSON accepts any time ParseTimestamp understands.
func (r *Record) UnmarshalJSON(b []byte) error {
	type plain Record
	var aux struct {
		plain
		Time json.RawMessage `json:"time"`
	}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	*r = Record(aux.plain)

	if len(aux.Time) == 0 || string(aux.Time) == "null" {
		r.Time = time.Time{}
		return nil
	}
	var s string
	if err := json.Unmarshal(aux.Time, &s); err != nil {
		return fmt.Errorf("record time: %w", err)
	}
	t, err := ParseTimestamp(s)
	if err != nil {
		return fmt.Errorf("record time: %w", err)
	}
	r.Time = t
	return nil
}

// Button is a quick-reply option attached to a bot message.
type Button struct {
	Title   string `json:"title"`
	Payload string `json:"payload"`
}

// Payload is the decoded form of the well-known message shapes.
type Payload struct {
	Type    string   `json:"type"`
	Text    string   `json:"text,omitempty"`
	Buttons []Button `json:"buttons,omitempty"`
	Image   string   `json:"image,omitempty"`
}

// NewRecord builds a record stamped with the current UTC time.
func NewRecord(username string, payload Payload, uuid string) (Record, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Record{}, fmt.Errorf("encoding payload: %w", err)
	}
	return Record{
		Time:     time.Now().UTC(),
		Username: username,
		Message:  raw,
		UUID:     uuid,
	}, nil
}

// Payload decodes the record's message. Unknown shapes decode with only
// the fields Payload knows about.
func (r Record) Payload() (Payload, error) {
	var p Payload
	if len(r.Message) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(r.Message, &p); err != nil {
		return p, fmt.Errorf("decoding payload: %w", err)
	}
	return p, nil
}

// KV is the storage contract behind the conversation log. Put always
// replaces the whole sequence for a key.
type KV interface {
	Get(ctx context.Context, key string) ([]Record, error)
	Put(ctx context.Context, key string, records []Record) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)

	// Close releases any resources held by the store
	Close() error
}

func cloneRecords(in []Record) []Record {
	out := make([]Record, len(in))
	copy(out, in)
	return out
}
