package voicetrace

import (
	"strconv"
	"time"
)

// Attribute is a typed span attribute. Value is one of string, int64,
// float64 or bool.
type Attribute struct {
	Key   string
	Value any
}

// String returns a string attribute.
func String(key, value string) Attribute { return Attribute{Key: key, Value: value} }

// Int returns an integer attribute.
func Int(key string, value int) Attribute { return Attribute{Key: key, Value: int64(value)} }

// Float returns a floating point attribute.
func Float(key string, value float64) Attribute { return Attribute{Key: key, Value: value} }

// Bool returns a boolean attribute.
func Bool(key string, value bool) Attribute { return Attribute{Key: key, Value: value} }

// Text renders the value for string-only backends.
func (a Attribute) Text() string {
	switch v := a.Value.(type) {
	case string:
		return v
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	default:
		return ""
	}
}

// Sink is the tracing backend. StartSpan is called on scope entry with the
// span of the scope that was current at entry (nil for roots). Sinks are
// shared by every conversation and must be safe for concurrent use.
type Sink interface {
	StartSpan(parent SpanHandle, name string, start time.Time) SpanHandle
}

// SpanHandle is one started span. Scopes set attributes and end each handle
// exactly once.
type SpanHandle interface {
	SetAttributes(attrs ...Attribute)
	End(end time.Time)
}

// Discard is a Sink that drops every span.
var Discard Sink = noopSink{}

type noopSink struct{}

func (noopSink) StartSpan(SpanHandle, string, time.Time) SpanHandle { return noopSpan{} }

type noopSpan struct{}

func (noopSpan) SetAttributes(...Attribute) {}
func (noopSpan) End(time.Time)              {}
