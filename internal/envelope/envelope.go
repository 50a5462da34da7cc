// Package envelope defines the message unit that crosses the relay bus
// and its JSON wire codec.
package envelope

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind is the envelope variant tag.
type Kind string

const (
	// KindMessage is a normal chat line that may trigger mention injection.
	KindMessage Kind = "message"
	// KindEcho distributes an agent's own prior output to its siblings.
	// Echoes are a notification of fact, not a conversational trigger.
	KindEcho Kind = "echo"
)

// Envelope is one message unit transported over the bus.
type Envelope struct {
	From      string `json:"from"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"` // epoch millis, informational
	Depth     int    `json:"depth"`
	Kind      Kind   `json:"type,omitempty"`
}

// NewMessage creates a fresh depth-0 chat envelope.
func NewMessage(from, text string) Envelope {
	return Envelope{
		From:      from,
		Text:      text,
		Timestamp: time.Now().UnixMilli(),
		Kind:      KindMessage,
	}
}

// NewEcho creates an echo envelope carrying an agent's own output.
func NewEcho(from, text string) Envelope {
	return Envelope{
		From:      from,
		Text:      text,
		Timestamp: time.Now().UnixMilli(),
		Kind:      KindEcho,
	}
}

// DecodeError is returned when a wire payload cannot be turned into a
// valid Envelope. Callers drop the message and keep consuming.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode envelope: %s: %v", e.Reason, e.Err)
	}
	return "decode envelope: " + e.Reason
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Encode serializes the envelope to its JSON wire form.
// A zero Timestamp is filled with the current time.
func Encode(env Envelope) ([]byte, error) {
	if env.Timestamp == 0 {
		env.Timestamp = time.Now().UnixMilli()
	}
	if env.Kind == "" {
		env.Kind = KindMessage
	}
	return json.Marshal(env)
}

// Decode parses and validates a wire payload.
// Missing "type" defaults to "message". A malformed payload yields a
// *DecodeError; a single corrupt message must never halt the relay loop.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, &DecodeError{Reason: "invalid JSON", Err: err}
	}
	if env.Kind == "" {
		env.Kind = KindMessage
	}
	if env.Kind != KindMessage && env.Kind != KindEcho {
		return Envelope{}, &DecodeError{Reason: fmt.Sprintf("unknown type %q", env.Kind)}
	}
	if env.From == "" {
		return Envelope{}, &DecodeError{Reason: "missing from"}
	}
	if env.Text == "" && env.Kind == KindMessage {
		return Envelope{}, &DecodeError{Reason: "empty text on message envelope"}
	}
	if env.Depth < 0 {
		return Envelope{}, &DecodeError{Reason: fmt.Sprintf("negative depth %d", env.Depth)}
	}
	return env, nil
}
