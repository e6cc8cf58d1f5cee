package telemetry

import (
	"context"
	"sync"
)

// MemorySink keeps exported events in memory, in export order. Tests use it
// to look at one conversation's spans, metrics and evaluations.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
}

// NewMemorySink returns an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Export records event.
func (s *MemorySink) Export(_ context.Context, event Event) error {
	s.mu.Lock()
	s.events = append(s.events, event)
	s.mu.Unlock()
	return nil
}

// Events returns every recorded event.
func (s *MemorySink) Events() []Event {
	return s.filter(func(Event) bool { return true })
}

// Spans returns the recorded spans in end order.
func (s *MemorySink) Spans() []SpanEvent {
	var out []SpanEvent
	for _, event := range s.filter(func(e Event) bool { return e.Span != nil }) {
		out = append(out, *event.Span)
	}
	return out
}

// SpansForConversation returns the spans of one conversation in end order:
// stages before their turn, turns before the conversation.
func (s *MemorySink) SpansForConversation(conversationID string) []SpanEvent {
	var out []SpanEvent
	for _, event := range s.filter(func(e Event) bool {
		return e.Span != nil && e.ConversationID() == conversationID
	}) {
		out = append(out, *event.Span)
	}
	return out
}

// Metrics returns the samples recorded under name.
func (s *MemorySink) Metrics(name string) []MetricEvent {
	var out []MetricEvent
	for _, event := range s.filter(func(e Event) bool { return e.Metric != nil && e.Metric.Name == name }) {
		out = append(out, *event.Metric)
	}
	return out
}

// Logs returns the log records recorded under name, such as
// LogNameEvaluation.
func (s *MemorySink) Logs(name string) []Event {
	return s.filter(func(e Event) bool { return e.Log != nil && e.Log.Name == name })
}

// Conversations returns the conversation ids seen, in order of first
// appearance.
func (s *MemorySink) Conversations() []string {
	seen := make(map[string]bool)
	var out []string
	for _, event := range s.Events() {
		id := event.ConversationID()
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func (s *MemorySink) filter(match func(Event) bool) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, 0, len(s.events))
	for _, event := range s.events {
		if match(event) {
			out = append(out, event)
		}
	}
	return out
}
