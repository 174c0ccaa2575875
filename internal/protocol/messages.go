// Package protocol defines the WebSocket message contract between the
// broker, runners, and browser subscribers.
//
// Every frame is a single UTF-8 JSON object with a "type" discriminator.
// Types in the command set travel app -> runner; everything else is an
// event travelling runner -> app. Receivers must tolerate unknown types
// (log and drop) so either side can be upgraded first.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Command is the envelope for messages the app sends to a runner.
type Command struct {
	Type      string          `json:"type"`
	ID        string          `json:"id"`
	ProjectID string          `json:"projectId,omitempty"`
	Timestamp string          `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Trace     *TraceContext   `json:"_trace,omitempty"`
}

// Event is the envelope for messages a runner emits. CommandID, when set,
// correlates the event to the command that caused it.
type Event struct {
	Type      string          `json:"type"`
	CommandID string          `json:"commandId,omitempty"`
	ProjectID string          `json:"projectId,omitempty"`
	Timestamp string          `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Trace     *TraceContext   `json:"_trace,omitempty"`
}

// NewCommand creates a command envelope with a fresh id and timestamp.
func NewCommand(cmdType, projectID string, payload any) (*Command, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", cmdType, err)
	}
	return &Command{
		Type:      cmdType,
		ID:        uuid.NewString(),
		ProjectID: projectID,
		Timestamp: Timestamp(),
		Payload:   raw,
	}, nil
}

// NewEvent creates an event envelope. Callers set CommandID and ProjectID
// when the event correlates to a command.
func NewEvent(eventType string, payload any) (*Event, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return &Event{
		Type:      eventType,
		Timestamp: Timestamp(),
		Payload:   raw,
	}, nil
}

// ParseCommand decodes a command envelope from a wire frame.
func ParseCommand(data []byte) (*Command, error) {
	var c Command
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse command: %w", err)
	}
	if c.Type == "" {
		return nil, fmt.Errorf("command missing type")
	}
	return &c, nil
}

// ParseEvent decodes an event envelope from a wire frame. Unknown types
// parse successfully; callers check IsEventType and drop what they do not
// recognize.
func ParseEvent(data []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("parse event: %w", err)
	}
	if e.Type == "" {
		return nil, fmt.Errorf("event missing type")
	}
	return &e, nil
}

// ParsePayload unmarshals the command payload into the given target.
func (c *Command) ParsePayload(target any) error {
	if len(c.Payload) == 0 {
		return fmt.Errorf("command %s has no payload", c.Type)
	}
	return json.Unmarshal(c.Payload, target)
}

// ParsePayload unmarshals the event payload into the given target.
func (e *Event) ParsePayload(target any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("event %s has no payload", e.Type)
	}
	return json.Unmarshal(e.Payload, target)
}

// Timestamp returns the current time in the wire format (RFC 3339, UTC).
func Timestamp() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func marshalPayload(payload any) (json.RawMessage, error) {
	if payload == nil {
		return nil, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return data, nil
}
