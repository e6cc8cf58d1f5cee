package voice

import "fmt"

// Failure is one detected, classified quality failure.
type Failure struct {
	Type           FailureType `json:"type"`
	Severity       Severity    `json:"severity"`
	Message        string      `json:"message"`
	ConversationID string      `json:"conversation_id,omitempty"`
	TurnID         string      `json:"turn_id,omitempty"`
	TurnIndex      *int        `json:"turn_index,omitempty"`
	SignalName     string      `json:"signal_name,omitempty"`
	SignalValue    *float64    `json:"signal_value,omitempty"`
	Threshold      *float64    `json:"threshold,omitempty"`
}

// Validate checks the closed enums and required message.
func (f Failure) Validate() error {
	if !f.Type.Valid() {
		return fmt.Errorf("invalid failure type: %q", f.Type)
	}
	if !f.Severity.Valid() {
		return fmt.Errorf("invalid failure severity: %q", f.Severity)
	}
	if f.Message == "" {
		return fmt.Errorf("failure message is required")
	}
	if f.TurnIndex != nil && *f.TurnIndex < 0 {
		return fmt.Errorf("failure turn_index must be >=0")
	}
	return nil
}
