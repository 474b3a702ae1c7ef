package schema

import (
	"encoding/json"
	"errors"
	"fmt"
)

// EventType is the tag carried by every stream event on the wire.
type EventType string

const (
	// EventStatus carries a human readable progress message.
	EventStatus EventType = "status"
	// EventChunk carries a raw stdout fragment from the agent.
	EventChunk EventType = "chunk"
	// EventError carries a best-effort failure message.
	EventError EventType = "error"
	// EventDone terminates a stream.
	EventDone EventType = "done"
)

// ErrUnknownEvent is returned when a line carries an unrecognised tag.
var ErrUnknownEvent = errors.New("unknown stream event")

// StreamEvent is one line of a relay stream. The set of implementations is
// closed: StatusEvent, ChunkEvent, ErrorEvent and DoneEvent.
type StreamEvent interface {
	Type() EventType
	streamEvent()
}

// StatusEvent reports progress.
type StatusEvent struct {
	Message string
}

// ChunkEvent carries stdout bytes; fragments are not line aligned.
type ChunkEvent struct {
	Data string
}

// ErrorEvent reports a failure.
type ErrorEvent struct {
	Message string
}

// DoneEvent terminates a stream.
type DoneEvent struct{}

func (StatusEvent) Type() EventType { return EventStatus }
func (ChunkEvent) Type() EventType  { return EventChunk }
func (ErrorEvent) Type() EventType  { return EventError }
func (DoneEvent) Type() EventType   { return EventDone }

func (StatusEvent) streamEvent() {}
func (ChunkEvent) streamEvent()  {}
func (ErrorEvent) streamEvent()  {}
func (DoneEvent) streamEvent()   {}

type wireEvent struct {
	Type    EventType `json:"type"`
	Message *string   `json:"message,omitempty"`
	Data    *string   `json:"data,omitempty"`
}

// EncodeEvent renders an event as a single JSON object without a trailing newline.
func EncodeEvent(ev StreamEvent) ([]byte, error) {
	var wire wireEvent
	switch e := ev.(type) {
	case StatusEvent:
		wire = wireEvent{Type: EventStatus, Message: &e.Message}
	case ChunkEvent:
		wire = wireEvent{Type: EventChunk, Data: &e.Data}
	case ErrorEvent:
		wire = wireEvent{Type: EventError, Message: &e.Message}
	case DoneEvent:
		wire = wireEvent{Type: EventDone}
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownEvent, ev)
	}
	return json.Marshal(wire)
}

// DecodeEvent parses one JSON line into its event variant.
func DecodeEvent(line []byte) (StreamEvent, error) {
	var wire wireEvent
	if err := json.Unmarshal(line, &wire); err != nil {
		return nil, err
	}
	switch wire.Type {
	case EventStatus:
		return StatusEvent{Message: deref(wire.Message)}, nil
	case EventChunk:
		return ChunkEvent{Data: deref(wire.Data)}, nil
	case EventError:
		return ErrorEvent{Message: deref(wire.Message)}, nil
	case EventDone:
		return DoneEvent{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, wire.Type)
	}
}

func deref(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
