package models

import "time"

// EventType names a message on the client event stream.
type EventType string

const (
	// EventCoachingPrompt carries a coaching prompt to the client.
	EventCoachingPrompt EventType = "coaching_prompt"
	// EventResponseResult reports the outcome of a processed reply.
	EventResponseResult EventType = "response_result"
	// EventHeartbeat keeps the connection alive and refreshes presence.
	EventHeartbeat EventType = "heartbeat"
	// EventError reports a stream-level error to the client.
	EventError EventType = "error"
)

// Event is the envelope written to client connections and published across
// processes by the registry broker.
type Event struct {
	Type      EventType   `json:"type"`
	UserID    string      `json:"user_id,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// NewPromptEvent wraps a prompt for delivery on the event stream.
func NewPromptEvent(p *Prompt) Event {
	return Event{
		Type:      EventCoachingPrompt,
		UserID:    p.UserID,
		Data:      p,
		Timestamp: time.Now(),
	}
}

// NewResponseResultEvent wraps a reply outcome for the event stream.
func NewResponseResultEvent(userID string, result *ReplyResult) Event {
	return Event{
		Type:      EventResponseResult,
		UserID:    userID,
		Data:      result,
		Timestamp: time.Now(),
	}
}

// NewErrorEvent wraps a stream-level error message.
func NewErrorEvent(userID, message string) Event {
	return Event{
		Type:      EventError,
		UserID:    userID,
		Data:      map[string]string{"message": message},
		Timestamp: time.Now(),
	}
}
