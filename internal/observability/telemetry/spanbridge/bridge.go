// Package spanbridge exports voicetrace spans and conversation evaluations
// through the telemetry pipeline.
package spanbridge

import (
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voice-observation/voiceobs/api/voice"
	"github.com/voice-observation/voiceobs/internal/observability/telemetry"
	telemetrycontext "github.com/voice-observation/voiceobs/internal/observability/telemetry/context"
	"github.com/voice-observation/voiceobs/pkg/failures"
	"github.com/voice-observation/voiceobs/pkg/voicetrace"
)

const spanKindInternal = "internal"

// Option configures a TraceSink.
type Option func(*TraceSink)

// WithIDGenerator overrides trace and span id generation. The function must
// return unique hex strings; trace ids use the full value, span ids the first
// 16 characters.
func WithIDGenerator(newID func() string) Option {
	return func(s *TraceSink) {
		if newID != nil {
			s.newID = newID
		}
	}
}

// TraceSink is a voicetrace.Sink that turns every ended span into a span
// event on an Emitter. Root spans start a new trace id; children inherit it.
type TraceSink struct {
	emitter  telemetry.Emitter
	resolver telemetrycontext.Resolver
	newID    func() string
}

// NewTraceSink returns a sink emitting to emitter. A nil emitter routes
// through telemetry.DefaultEmitter at emit time.
func NewTraceSink(emitter telemetry.Emitter, opts ...Option) *TraceSink {
	s := &TraceSink{
		emitter:  emitter,
		resolver: telemetrycontext.NewResolver(),
		newID:    hexUUID,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func hexUUID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func (s *TraceSink) target() telemetry.Emitter {
	if s.emitter != nil {
		return s.emitter
	}
	return telemetry.DefaultEmitter()
}

// StartSpan implements voicetrace.Sink.
func (s *TraceSink) StartSpan(parent voicetrace.SpanHandle, name string, start time.Time) voicetrace.SpanHandle {
	h := &span{
		sink:   s,
		name:   name,
		start:  start,
		spanID: shortID(s.newID()),
		attrs:  make(map[string]string, 8),
	}
	if p, ok := parent.(*span); ok && p != nil {
		h.traceID = p.traceID
		h.parentID = p.spanID
	} else {
		h.traceID = s.newID()
	}
	return h
}

func shortID(id string) string {
	if len(id) > 16 {
		return id[:16]
	}
	return id
}

type span struct {
	sink     *TraceSink
	name     string
	start    time.Time
	traceID  string
	spanID   string
	parentID string

	mu    sync.Mutex
	ended bool
	attrs map[string]string
}

func (h *span) SetAttributes(attrs ...voicetrace.Attribute) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ended {
		return
	}
	for _, a := range attrs {
		h.attrs[a.Key] = a.Text()
	}
}

func (h *span) End(end time.Time) {
	h.mu.Lock()
	if h.ended {
		h.mu.Unlock()
		return
	}
	h.ended = true
	attrs := make(map[string]string, len(h.attrs))
	for k, v := range h.attrs {
		attrs[k] = v
	}
	h.mu.Unlock()

	in := telemetrycontext.InputFromAttributes(attrs)
	in.EventID = h.spanID
	in.RuntimeTimestampMS = end.UnixMilli()
	in.WallClockTimestampMS = time.Now().UnixMilli()
	correlation := h.sink.resolver.ResolveLenient(in)

	emitter := h.sink.target()
	emitter.EmitSpan(telemetry.SpanEvent{
		Name:         h.name,
		Kind:         spanKindInternal,
		StartMS:      h.start.UnixMilli(),
		EndMS:        end.UnixMilli(),
		TraceID:      h.traceID,
		SpanID:       h.spanID,
		ParentSpanID: h.parentID,
		Attributes:   attrs,
	}, correlation)
	h.emitMetrics(emitter, end, attrs, correlation)
}

// emitMetrics derives metric samples from an ended span: a stage duration
// for every stage span and a response latency for every agent turn that
// measured one.
func (h *span) emitMetrics(emitter telemetry.Emitter, end time.Time, attrs map[string]string, correlation telemetry.Correlation) {
	labels := make(map[string]string, 4)
	copyLabel := func(key string) {
		if v := attrs[key]; v != "" {
			labels[key] = v
		}
	}
	copyLabel(voice.AttrConversationID)
	if stage, ok := voice.StageTypeFromSpanName(h.name); ok {
		value, err := strconv.ParseFloat(attrs[voice.AttrStageDurationMS], 64)
		if err != nil {
			value = float64(end.Sub(h.start)) / float64(time.Millisecond)
		}
		labels[voice.AttrStageType] = string(stage)
		copyLabel(voice.AttrStageProvider)
		correlation.EventID = h.spanID + "/" + telemetry.MetricStageDurationMS
		emitter.EmitMetric(telemetry.MetricStageDurationMS, value, "ms", labels, correlation)
		return
	}
	if h.name != voice.SpanTurn {
		return
	}
	raw, ok := attrs[voice.AttrTurnResponseLatencyMS]
	if !ok {
		return
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return
	}
	copyLabel(voice.AttrActor)
	copyLabel(voice.AttrTurnIndex)
	correlation.EventID = h.spanID + "/" + telemetry.MetricResponseLatencyMS
	emitter.EmitMetric(telemetry.MetricResponseLatencyMS, value, "ms", labels, correlation)
}

// EmitFailures records a conversation's classified failures as
// failures_total samples, one per type and severity pair.
func EmitFailures(emitter telemetry.Emitter, conversationID string, found []voice.Failure) {
	if len(found) == 0 {
		return
	}
	if emitter == nil {
		emitter = telemetry.DefaultEmitter()
	}
	type bucket struct {
		typ      voice.FailureType
		severity voice.Severity
	}
	counts := make(map[bucket]int)
	var order []bucket
	for _, f := range found {
		b := bucket{f.Type, f.Severity}
		if counts[b] == 0 {
			order = append(order, b)
		}
		counts[b]++
	}
	sort.Slice(order, func(i, j int) bool {
		if order[i].typ != order[j].typ {
			return order[i].typ < order[j].typ
		}
		return order[i].severity.Rank() < order[j].severity.Rank()
	})

	now := time.Now().UnixMilli()
	for _, b := range order {
		in := telemetrycontext.ResolveInput{
			ConversationID:     conversationID,
			SchemaVersion:      voice.SchemaVersion,
			EventID:            hexUUID(),
			RuntimeTimestampMS: now,
		}
		emitter.EmitMetric(telemetry.MetricFailuresTotal, float64(counts[b]), "count", map[string]string{
			voice.AttrConversationID:  conversationID,
			voice.AttrFailureType:     string(b.typ),
			voice.AttrFailureSeverity: string(b.severity),
		}, telemetrycontext.NewResolver().ResolveLenient(in))
	}
}

// EmitEvaluation records a semantic evaluation of an agent response as a log
// event so offline analysis sees the same evaluations as the live
// conversation.
func EmitEvaluation(emitter telemetry.Emitter, conversationID string, ev failures.EvaluationObservation) {
	if emitter == nil {
		emitter = telemetry.DefaultEmitter()
	}
	attrs := map[string]string{
		voice.AttrConversationID: conversationID,
		voice.AttrSchemaVersion:  voice.SchemaVersion,
	}
	if ev.TurnID != "" {
		attrs[voice.AttrTurnID] = ev.TurnID
	}
	if ev.TurnIndex != nil {
		attrs[voice.AttrTurnIndex] = strconv.Itoa(*ev.TurnIndex)
	}
	if ev.IntentCorrect != nil {
		attrs[voice.AttrEvalIntentCorrect] = strconv.FormatBool(*ev.IntentCorrect)
	}
	if ev.Relevance != nil {
		attrs[voice.AttrEvalRelevance] = strconv.FormatFloat(*ev.Relevance, 'f', -1, 64)
	}
	in := telemetrycontext.InputFromAttributes(attrs)
	in.EventID = hexUUID()
	in.RuntimeTimestampMS = time.Now().UnixMilli()
	correlation := telemetrycontext.NewResolver().ResolveLenient(in)
	emitter.EmitLog(telemetry.LogNameEvaluation, "info", "semantic evaluation", attrs, correlation)
}
