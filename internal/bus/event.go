package bus

import "encoding/json"

// Event is the normalized envelope the bus dispatches (spec §3). Consumers
// may retain references but must not mutate Content.
type Event struct {
	Type      string
	Content   map[string]any
	Channel   string
	SessionID string
	ClientID  string
	Timestamp int64

	consumed bool
}

// MarkConsumed flags the event as handled so later handlers for the same
// dequeue (e.g. a second wait-for-input listener) can skip redundant work.
// Used by the workflow engine's user:input handling (spec §4.3).
func (e *Event) MarkConsumed() {
	e.consumed = true
}

// Consumed reports whether a prior handler already marked this event.
func (e *Event) Consumed() bool {
	return e.consumed
}

// String returns a value from Content at the given key, or "" if absent or
// not a string.
func (e *Event) String(key string) string {
	v, ok := e.Content[key].(string)
	if !ok {
		return ""
	}
	return v
}

type wireEvent struct {
	Type      string         `json:"type"`
	Content   map[string]any `json:"content,omitempty"`
	Channel   string         `json:"channel"`
	SessionID string         `json:"sessionId"`
	ClientID  string         `json:"clientId,omitempty"`
	Timestamp int64          `json:"timestamp"`
}

// MarshalJSON renders the event in the wire shape IPC clients expect.
func (e *Event) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireEvent{
		Type:      e.Type,
		Content:   e.Content,
		Channel:   e.Channel,
		SessionID: e.SessionID,
		ClientID:  e.ClientID,
		Timestamp: e.Timestamp,
	})
}

// UnmarshalJSON parses the wire shape back into an Event.
func (e *Event) UnmarshalJSON(data []byte) error {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	e.Type = w.Type
	e.Content = w.Content
	e.Channel = w.Channel
	e.SessionID = w.SessionID
	e.ClientID = w.ClientID
	e.Timestamp = w.Timestamp
	return nil
}
