// Package stream defines the uniform event vocabulary shared by the
// gateway's emitter and the client consumer.
//
// DESIGN: One request produces an ordered event sequence: zero or more
// Chunk events followed by exactly one terminal event (Done, Error or
// Cancelled). The wire encoding is SSE records:
//
//	data: {"content":"...","model":"...","provider":"..."}
//	data: [DONE]
//	data: {"error":"..."}
//	data: {"cancelled":"..."}
package stream

import (
	"encoding/json"
	"fmt"

	"github.com/promptgate/promptgate/internal/utils"
)

// EventType tags the members of the event union.
type EventType string

const (
	EventChunk     EventType = "chunk"
	EventDone      EventType = "done"
	EventError     EventType = "error"
	EventCancelled EventType = "cancelled"
)

// Event is one record in a request's event sequence.
type Event struct {
	Type EventType

	// Chunk fields
	Content  string
	Model    string
	Provider string

	// Error message (EventError) or cancellation reason (EventCancelled)
	Message string
}

// Terminal reports whether the event ends the sequence.
func (e Event) Terminal() bool {
	return e.Type != EventChunk
}

// DoneSentinel is the literal payload that terminates a successful stream.
const DoneSentinel = "[DONE]"

type chunkPayload struct {
	Content  string `json:"content"`
	Model    string `json:"model,omitempty"`
	Provider string `json:"provider,omitempty"`
}

type errorPayload struct {
	Error string `json:"error"`
}

type cancelledPayload struct {
	Cancelled string `json:"cancelled"`
}

// Encode renders the event as a single SSE data payload (without the
// leading "data: " prefix).
func (e Event) Encode() ([]byte, error) {
	switch e.Type {
	case EventChunk:
		return utils.MarshalNoEscape(chunkPayload{Content: e.Content, Model: e.Model, Provider: e.Provider})
	case EventDone:
		return []byte(DoneSentinel), nil
	case EventError:
		return utils.MarshalNoEscape(errorPayload{Error: e.Message})
	case EventCancelled:
		return utils.MarshalNoEscape(cancelledPayload{Cancelled: e.Message})
	default:
		return nil, fmt.Errorf("unknown event type %q", e.Type)
	}
}

// Decode parses a single SSE data payload back into an Event.
// Returns false for payloads that are not recognizable events; callers
// treat those as non-fatal per-record loss.
func Decode(payload []byte) (Event, bool) {
	if string(payload) == DoneSentinel {
		return Event{Type: EventDone}, true
	}

	var raw struct {
		Content   *string `json:"content"`
		Model     string  `json:"model"`
		Provider  string  `json:"provider"`
		Error     *string `json:"error"`
		Cancelled *string `json:"cancelled"`
	}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return Event{}, false
	}

	switch {
	case raw.Error != nil:
		return Event{Type: EventError, Message: *raw.Error}, true
	case raw.Cancelled != nil:
		return Event{Type: EventCancelled, Message: *raw.Cancelled}, true
	case raw.Content != nil:
		return Event{Type: EventChunk, Content: *raw.Content, Model: raw.Model, Provider: raw.Provider}, true
	default:
		return Event{}, false
	}
}
