// Package otelsink adapts an OpenTelemetry tracer to voicetrace.Sink.
package otelsink

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/voice-observation/voiceobs/api/voice"
	"github.com/voice-observation/voiceobs/pkg/voicetrace"
)

// InstrumentationName identifies spans produced through this sink.
const InstrumentationName = "github.com/voice-observation/voiceobs"

// Sink starts OpenTelemetry spans for voicetrace scopes.
type Sink struct {
	tracer trace.Tracer
	base   context.Context
}

// Option configures a Sink.
type Option func(*Sink)

// WithParentContext starts root spans from ctx, which may carry a remote
// span context propagated from the caller.
func WithParentContext(ctx context.Context) Option {
	return func(s *Sink) {
		if ctx != nil {
			s.base = ctx
		}
	}
}

// New returns a sink backed by tracer.
func New(tracer trace.Tracer, opts ...Option) *Sink {
	s := &Sink{tracer: tracer, base: context.Background()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// FromProvider returns a sink using the provider's tracer for this module.
func FromProvider(tp trace.TracerProvider, opts ...Option) *Sink {
	return New(tp.Tracer(InstrumentationName, trace.WithInstrumentationVersion(voice.SchemaVersion)), opts...)
}

// StartSpan implements voicetrace.Sink.
func (s *Sink) StartSpan(parent voicetrace.SpanHandle, name string, start time.Time) voicetrace.SpanHandle {
	ctx := s.base
	if p, ok := parent.(*span); ok && p != nil {
		ctx = trace.ContextWithSpan(ctx, p.span)
	}
	_, sp := s.tracer.Start(ctx, name,
		trace.WithTimestamp(start),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	return &span{span: sp}
}

type span struct {
	mu   sync.Mutex
	span trace.Span
}

// SpanContext exposes the OpenTelemetry span context, e.g. for log
// correlation.
func (s *span) SpanContext() trace.SpanContext { return s.span.SpanContext() }

func (s *span) SetAttributes(attrs ...voicetrace.Attribute) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kvs := make([]attribute.KeyValue, 0, len(attrs))
	for _, a := range attrs {
		kvs = append(kvs, convert(a))
		if a.Key == voice.AttrErrorMessage {
			s.span.SetStatus(codes.Error, a.Text())
		}
	}
	s.span.SetAttributes(kvs...)
}

func (s *span) End(end time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.span.End(trace.WithTimestamp(end))
}

func convert(a voicetrace.Attribute) attribute.KeyValue {
	key := attribute.Key(a.Key)
	switch v := a.Value.(type) {
	case string:
		return key.String(v)
	case int64:
		return key.Int64(v)
	case float64:
		return key.Float64(v)
	case bool:
		return key.Bool(v)
	default:
		return key.String(a.Text())
	}
}
