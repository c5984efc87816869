package events

import (
	"encoding/json"
	"time"
)

// Turn outcomes.
const (
	OutcomeReply    = "reply"    // Model produced the reply
	OutcomeFallback = "fallback" // A fixed fallback reply was returned
	OutcomeError    = "error"    // The turn failed with an upstream error
	OutcomeBusy     = "busy"     // The session was busy and the turn was rejected
)

// TurnEvent summarizes one handled message. It carries no message text.
type TurnEvent struct {
	RequestID  string    `json:"request_id"`
	Session    string    `json:"session"`
	Persona    string    `json:"persona,omitempty"`
	ToolCalls  []string  `json:"tool_calls,omitempty"`
	Model      string    `json:"model,omitempty"`
	DurationMs int64     `json:"duration_ms"`
	Outcome    string    `json:"outcome"`
	Timestamp  time.Time `json:"timestamp"`
}

// Payload returns the JSON wire form.
func (e TurnEvent) Payload() ([]byte, error) {
	return json.Marshal(e)
}
