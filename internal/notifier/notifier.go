// Package notifier defines the per-router outbound event channel that
// streams status, partial results, and input-lock signals to a connected
// client while a plan executes asynchronously. Delivery is best-effort
// single-hop: events for a router with no attached client are dropped, and
// the final response stays retrievable from the Store regardless.
package notifier

import (
	"context"

	"github.com/agentcore/planrunner/internal/model"
)

// EventType identifies the kind of a client event.
type EventType string

const (
	EventStatus         EventType = "status"
	EventResponse       EventType = "response"
	EventMessageHistory EventType = "message_history"
	EventInputLock      EventType = "input_lock"
	EventInputUnlock    EventType = "input_unlock"
	EventError          EventType = "error"
)

// Event is one typed client event. RouterID is always set; the remaining
// fields depend on Type.
type Event struct {
	Type     EventType `json:"type"`
	RouterID string    `json:"router_id"`

	// Message carries the status text, response markdown, or error text.
	Message string `json:"message,omitempty"`

	// MessageID identifies the backing store message for response events
	// when available, so clients can later query planner info for it.
	MessageID string `json:"message_id,omitempty"`

	// Messages carries the full message log for message_history events.
	Messages []model.Message `json:"messages,omitempty"`
}

// Notifier delivers events to the client attached to a router session, if
// any. Send never blocks on a slow or absent client; implementations drop
// events they cannot deliver promptly.
type Notifier interface {
	Send(ctx context.Context, ev Event)
}

// Status builds a status event.
func Status(routerID, message string) Event {
	return Event{Type: EventStatus, RouterID: routerID, Message: message}
}

// Response builds a response event.
func Response(routerID, message, messageID string) Event {
	return Event{Type: EventResponse, RouterID: routerID, Message: message, MessageID: messageID}
}

// MessageHistory builds a message_history replay event.
func MessageHistory(routerID string, messages []model.Message) Event {
	return Event{Type: EventMessageHistory, RouterID: routerID, Messages: messages}
}

// InputLock builds an input_lock event.
func InputLock(routerID string) Event {
	return Event{Type: EventInputLock, RouterID: routerID}
}

// InputUnlock builds an input_unlock event.
func InputUnlock(routerID string) Event {
	return Event{Type: EventInputUnlock, RouterID: routerID}
}

// Error builds an error event.
func Error(routerID, message string) Event {
	return Event{Type: EventError, RouterID: routerID, Message: message}
}
