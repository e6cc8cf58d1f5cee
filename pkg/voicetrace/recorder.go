package voicetrace

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// RecordedSpan is a span captured by Recorder.
type RecordedSpan struct {
	Name       string
	SpanID     string
	ParentID   string
	Start      time.Time
	End        time.Time
	Attributes map[string]any
}

// Attr returns an attribute value.
func (s RecordedSpan) Attr(key string) (any, bool) {
	v, ok := s.Attributes[key]
	return v, ok
}

// StringAttr returns a string attribute, empty when absent.
func (s RecordedSpan) StringAttr(key string) string {
	v, _ := s.Attributes[key].(string)
	return v
}

// IntAttr returns an integer attribute.
func (s RecordedSpan) IntAttr(key string) (int64, bool) {
	v, ok := s.Attributes[key].(int64)
	return v, ok
}

// FloatAttr returns a float attribute.
func (s RecordedSpan) FloatAttr(key string) (float64, bool) {
	v, ok := s.Attributes[key].(float64)
	return v, ok
}

// Recorder is an in-memory Sink that keeps ended spans in end order.
type Recorder struct {
	mu    sync.Mutex
	seq   atomic.Uint64
	spans []RecordedSpan
}

// NewRecorder returns an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{spans: make([]RecordedSpan, 0, 16)}
}

// StartSpan implements Sink.
func (r *Recorder) StartSpan(parent SpanHandle, name string, start time.Time) SpanHandle {
	h := &recordedHandle{
		recorder: r,
		span: RecordedSpan{
			Name:       name,
			SpanID:     fmt.Sprintf("span-%d", r.seq.Add(1)),
			Start:      start,
			Attributes: map[string]any{},
		},
	}
	if p, ok := parent.(*recordedHandle); ok && p != nil {
		h.span.ParentID = p.span.SpanID
	}
	return h
}

// Spans returns a copy of every ended span.
func (r *Recorder) Spans() []RecordedSpan {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]RecordedSpan, len(r.spans))
	for i, s := range r.spans {
		out[i] = cloneRecorded(s)
	}
	return out
}

// SpansNamed returns ended spans with the given name.
func (r *Recorder) SpansNamed(name string) []RecordedSpan {
	var out []RecordedSpan
	for _, s := range r.Spans() {
		if s.Name == name {
			out = append(out, s)
		}
	}
	return out
}

// Reset drops every recorded span.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.spans = r.spans[:0]
}

func (r *Recorder) add(s RecordedSpan) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.spans = append(r.spans, s)
}

type recordedHandle struct {
	recorder *Recorder
	mu       sync.Mutex
	ended    bool
	span     RecordedSpan
}

func (h *recordedHandle) SetAttributes(attrs ...Attribute) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ended {
		return
	}
	for _, a := range attrs {
		h.span.Attributes[a.Key] = a.Value
	}
}

func (h *recordedHandle) End(end time.Time) {
	h.mu.Lock()
	if h.ended {
		h.mu.Unlock()
		return
	}
	h.ended = true
	h.span.End = end
	span := cloneRecorded(h.span)
	h.mu.Unlock()
	h.recorder.add(span)
}

func cloneRecorded(s RecordedSpan) RecordedSpan {
	attrs := make(map[string]any, len(s.Attributes))
	for k, v := range s.Attributes {
		attrs[k] = v
	}
	s.Attributes = attrs
	return s
}
