package metrics

import (
	"strings"
	"sync"
	"time"

	"github.com/voice-observation/voiceobs/api/voice"
	"github.com/voice-observation/voiceobs/pkg/voicetrace"
)

// Sink decorates a voicetrace.Sink and observes every ended span.
type Sink struct {
	inner   voicetrace.Sink
	metrics *Metrics
}

// NewSink wraps inner. A nil inner only records metrics.
func NewSink(inner voicetrace.Sink, m *Metrics) *Sink {
	if inner == nil {
		inner = voicetrace.Discard
	}
	return &Sink{inner: inner, metrics: m}
}

// StartSpan implements voicetrace.Sink.
func (s *Sink) StartSpan(parent voicetrace.SpanHandle, name string, start time.Time) voicetrace.SpanHandle {
	var innerParent voicetrace.SpanHandle
	if p, ok := parent.(*span); ok && p != nil {
		innerParent = p.inner
	} else {
		innerParent = parent
	}
	return &span{
		inner:   s.inner.StartSpan(innerParent, name, start),
		metrics: s.metrics,
		name:    name,
		start:   start,
		attrs:   make(map[string]any, 8),
	}
}

type span struct {
	inner   voicetrace.SpanHandle
	metrics *Metrics
	name    string
	start   time.Time

	mu    sync.Mutex
	ended bool
	attrs map[string]any
}

func (s *span) SetAttributes(attrs ...voicetrace.Attribute) {
	s.mu.Lock()
	if !s.ended {
		for _, a := range attrs {
			s.attrs[a.Key] = a.Value
		}
	}
	s.mu.Unlock()
	s.inner.SetAttributes(attrs...)
}

func (s *span) End(end time.Time) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	attrs := s.attrs
	s.mu.Unlock()

	s.observe(attrs, end)
	s.inner.End(end)
}

func (s *span) observe(attrs map[string]any, end time.Time) {
	_, failed := attrs[voice.AttrError]
	switch {
	case s.name == voice.SpanConversation:
		s.metrics.ConversationsRun.Inc()
	case s.name == voice.SpanTurn:
		actor, _ := attrs[voice.AttrActor].(string)
		s.metrics.Turns.WithLabelValues(actor).Inc()
		if v, ok := attrs[voice.AttrTurnResponseLatencyMS].(float64); ok {
			s.metrics.ResponseLatency.Observe(v / 1000)
		}
		if v, ok := attrs[voice.AttrSilenceAfterUserMS].(float64); ok {
			s.metrics.SilenceAfterUser.Observe(v / 1000)
		}
		if v, ok := attrs[voice.AttrTurnOverlapMS].(float64); ok && v > 0 {
			s.metrics.Overlap.Observe(v / 1000)
		}
		if detected, _ := attrs[voice.AttrInterruptionDetected].(bool); detected {
			s.metrics.Interruptions.Inc()
		}
	case strings.HasPrefix(s.name, voice.SpanStagePrefix):
		stage, ok := voice.StageTypeFromSpanName(s.name)
		if !ok {
			return
		}
		durationMs, ok := attrs[voice.AttrStageDurationMS].(float64)
		if !ok {
			durationMs = float64(end.Sub(s.start)) / float64(time.Millisecond)
		}
		provider, _ := attrs[voice.AttrStageProvider].(string)
		s.metrics.observeStage(stage, provider, durationMs, failed)
	}
}
