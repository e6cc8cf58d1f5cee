package telemetrycontext

import (
	"fmt"
	"strings"

	"github.com/voice-observation/voiceobs/api/voice"
	"github.com/voice-observation/voiceobs/internal/observability/telemetry"
)

const defaultEmitter = "voicetrace"

// ResolveInput defines canonical correlation resolver inputs.
type ResolveInput struct {
	ConversationID       string
	TurnID               string
	EventID              string
	SchemaVersion        string
	EmittedBy            string
	RuntimeTimestampMS   int64
	WallClockTimestampMS int64
}

// InputFromAttributes reads correlation ids from voice span attributes.
func InputFromAttributes(attrs map[string]string) ResolveInput {
	return ResolveInput{
		ConversationID: attrs[voice.AttrConversationID],
		TurnID:         attrs[voice.AttrTurnID],
		SchemaVersion:  attrs[voice.AttrSchemaVersion],
	}
}

// Resolver normalizes correlation IDs and default values for telemetry.
type Resolver struct {
	DefaultSchemaVersion string
	DefaultEmitter       string
}

// NewResolver returns canonical correlation resolver defaults.
func NewResolver() Resolver {
	return Resolver{
		DefaultSchemaVersion: voice.SchemaVersion,
		DefaultEmitter:       defaultEmitter,
	}
}

// Resolve returns normalized telemetry correlation values.
func Resolve(in ResolveInput) (telemetry.Correlation, error) {
	return NewResolver().Resolve(in)
}

// Resolve returns normalized telemetry correlation values. A conversation id
// and an event id are required.
func (r Resolver) Resolve(in ResolveInput) (telemetry.Correlation, error) {
	conversationID := strings.TrimSpace(in.ConversationID)
	if conversationID == "" {
		return telemetry.Correlation{}, fmt.Errorf("conversation_id is required")
	}
	eventID := strings.TrimSpace(in.EventID)
	if eventID == "" {
		return telemetry.Correlation{}, fmt.Errorf("event_id is required")
	}

	return telemetry.Correlation{
		ConversationID:       conversationID,
		TurnID:               strings.TrimSpace(in.TurnID),
		EventID:              eventID,
		SchemaVersion:        firstNonEmpty(strings.TrimSpace(in.SchemaVersion), strings.TrimSpace(r.DefaultSchemaVersion), voice.SchemaVersion),
		EmittedBy:            firstNonEmpty(strings.TrimSpace(in.EmittedBy), strings.TrimSpace(r.DefaultEmitter), defaultEmitter),
		RuntimeTimestampMS:   nonNegative(in.RuntimeTimestampMS),
		WallClockTimestampMS: nonNegative(in.WallClockTimestampMS),
	}, nil
}

// ResolveLenient is Resolve for events that may sit outside a conversation,
// such as a stage opened without one. Missing ids are left empty.
func (r Resolver) ResolveLenient(in ResolveInput) telemetry.Correlation {
	if c, err := r.Resolve(in); err == nil {
		return c
	}
	return telemetry.Correlation{
		ConversationID:       strings.TrimSpace(in.ConversationID),
		TurnID:               strings.TrimSpace(in.TurnID),
		EventID:              strings.TrimSpace(in.EventID),
		SchemaVersion:        firstNonEmpty(strings.TrimSpace(in.SchemaVersion), strings.TrimSpace(r.DefaultSchemaVersion), voice.SchemaVersion),
		EmittedBy:            firstNonEmpty(strings.TrimSpace(in.EmittedBy), strings.TrimSpace(r.DefaultEmitter), defaultEmitter),
		RuntimeTimestampMS:   nonNegative(in.RuntimeTimestampMS),
		WallClockTimestampMS: nonNegative(in.WallClockTimestampMS),
	}
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}

func nonNegative(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}
