package telemetry

import (
	"strings"

	"github.com/voice-observation/voiceobs/api/voice"
)

// Metric names emitted for voice conversations.
const (
	// MetricStageDurationMS is one pipeline stage's duration, labelled with
	// the stage type and provider.
	MetricStageDurationMS = "stage_duration_ms"
	// MetricResponseLatencyMS is the silence between the user's speech end
	// and the agent's speech start on one agent turn.
	MetricResponseLatencyMS = "response_latency_ms"
	// MetricFailuresTotal counts classified failures per type and severity.
	MetricFailuresTotal = "failures_total"
)

// LogNameEvaluation names log events that carry a semantic evaluation of an
// agent response.
const LogNameEvaluation = "voice.evaluation"

// EventKind defines telemetry payload kind.
type EventKind string

const (
	EventKindMetric EventKind = "metric"
	EventKindSpan   EventKind = "span"
	EventKindLog    EventKind = "log"
)

// Correlation carries the ids that tie an event to a conversation.
type Correlation struct {
	ConversationID       string `json:"conversation_id,omitempty"`
	TurnID               string `json:"turn_id,omitempty"`
	EventID              string `json:"event_id,omitempty"`
	SchemaVersion        string `json:"schema_version,omitempty"`
	EmittedBy            string `json:"emitted_by,omitempty"`
	RuntimeTimestampMS   int64  `json:"runtime_timestamp_ms,omitempty"`
	WallClockTimestampMS int64  `json:"wall_clock_timestamp_ms,omitempty"`
}

func (c Correlation) normalized() Correlation {
	c.ConversationID = strings.TrimSpace(c.ConversationID)
	c.TurnID = strings.TrimSpace(c.TurnID)
	c.EventID = strings.TrimSpace(c.EventID)
	c.SchemaVersion = strings.TrimSpace(c.SchemaVersion)
	c.EmittedBy = strings.TrimSpace(c.EmittedBy)
	c.RuntimeTimestampMS = clampMS(c.RuntimeTimestampMS)
	c.WallClockTimestampMS = clampMS(c.WallClockTimestampMS)
	return c
}

// MetricEvent is one metric sample.
type MetricEvent struct {
	Name       string            `json:"name"`
	Value      float64           `json:"value"`
	Unit       string            `json:"unit,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Counter reports whether the sample is a delta count rather than a gauge
// reading.
func (m MetricEvent) Counter() bool {
	return m.Unit == "count" || strings.HasSuffix(m.Name, "_total")
}

// SpanEvent is one ended voice span: a conversation, a turn or a stage.
// Attribute values are the stringified voicetrace attributes.
type SpanEvent struct {
	Name         string            `json:"name"`
	Kind         string            `json:"kind"`
	StartMS      int64             `json:"start_ms"`
	EndMS        int64             `json:"end_ms"`
	TraceID      string            `json:"trace_id,omitempty"`
	SpanID       string            `json:"span_id,omitempty"`
	ParentSpanID string            `json:"parent_span_id,omitempty"`
	Attributes   map[string]string `json:"attributes,omitempty"`
}

// ConversationID returns the voice.conversation.id attribute.
func (s SpanEvent) ConversationID() string {
	return s.Attributes[voice.AttrConversationID]
}

// Stage returns the stage type of a voice.stage.* span.
func (s SpanEvent) Stage() (voice.StageType, bool) {
	return voice.StageTypeFromSpanName(s.Name)
}

// IsTurn reports whether the span is a voice.turn span.
func (s SpanEvent) IsTurn() bool { return s.Name == voice.SpanTurn }

// Failed reports whether the span ended with voice.error set.
func (s SpanEvent) Failed() bool { return s.Attributes[voice.AttrError] == "true" }

// LogEvent is one log record, such as a semantic evaluation.
type LogEvent struct {
	Name       string            `json:"name"`
	Severity   string            `json:"severity"`
	Message    string            `json:"message"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Event is the envelope written to every sink. Exactly one of Metric, Span
// and Log is set, matching Kind.
type Event struct {
	Kind        EventKind    `json:"kind"`
	TimestampMS int64        `json:"timestamp_ms"`
	Correlation Correlation  `json:"correlation"`
	Metric      *MetricEvent `json:"metric,omitempty"`
	Span        *SpanEvent   `json:"span,omitempty"`
	Log         *LogEvent    `json:"log,omitempty"`
}

// ConversationID returns the correlated conversation, falling back to the
// payload attributes.
func (e Event) ConversationID() string {
	if e.Correlation.ConversationID != "" {
		return e.Correlation.ConversationID
	}
	switch {
	case e.Span != nil:
		return e.Span.ConversationID()
	case e.Metric != nil:
		return e.Metric.Attributes[voice.AttrConversationID]
	case e.Log != nil:
		return e.Log.Attributes[voice.AttrConversationID]
	}
	return ""
}

func clampMS(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}

func trimAttributes(in map[string]string) map[string]string {
	var out map[string]string
	for k, v := range in {
		key := strings.TrimSpace(k)
		if key == "" {
			continue
		}
		if out == nil {
			out = make(map[string]string, len(in))
		}
		out[key] = strings.TrimSpace(v)
	}
	return out
}
