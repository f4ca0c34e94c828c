// Package protocol defines the realtime event framing exchanged with
// clients over WebSocket text frames.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MaxMessageSize is the default maximum inbound frame size (64KB).
const MaxMessageSize = 65536

// Inbound event names.
const (
	EventSendMessage = "send-message"
	EventTyping      = "typing"
)

// Outbound event names.
const (
	EventOnlineUsers      = "online-users"
	EventUserStatusChange = "user-status-change"
	EventReceiveMessage   = "receive-message"
	EventMessageSent      = "message-sent"
	EventUserTyping       = "user-typing"
	EventError            = "error"
)

var (
	ErrEmptyEvent      = errors.New("protocol: missing event name")
	ErrMessageTooLarge = errors.New("protocol: message too large")
)

// Envelope is the wire frame: {"event": name, "data": payload}.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Outbound is an event queued for delivery to one connection. Data is
// encoded lazily by the connection's writer.
type Outbound struct {
	Event string
	Data  any
}

// Encode serializes an outbound event into a wire frame.
func Encode(ev Outbound) ([]byte, error) {
	if ev.Event == "" {
		return nil, ErrEmptyEvent
	}
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal %s: %w", ev.Event, err)
	}
	frame, err := json.Marshal(Envelope{Event: ev.Event, Data: data})
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal envelope: %w", err)
	}
	return frame, nil
}

// Decode parses a wire frame into its envelope. The payload is left raw for
// the caller to decode with DecodeData once the event name is known.
func Decode(frame []byte) (*Envelope, error) {
	if len(frame) > MaxMessageSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(frame))
	}
	env := &Envelope{}
	if err := json.Unmarshal(frame, env); err != nil {
		return nil, fmt.Errorf("protocol: unmarshal: %w", err)
	}
	if env.Event == "" {
		return nil, ErrEmptyEvent
	}
	return env, nil
}

// DecodeData unmarshals the envelope payload into v.
func (e *Envelope) DecodeData(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("protocol: %s: missing data", e.Event)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("protocol: %s: unmarshal data: %w", e.Event, err)
	}
	return nil
}
