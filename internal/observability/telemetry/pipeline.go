package telemetry

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Sink exports normalized telemetry events.
type Sink interface {
	Export(context.Context, Event) error
}

// BatchSink is implemented by sinks that export several events at once. The
// pipeline prefers it over Export when available.
type BatchSink interface {
	Sink
	ExportBatch(context.Context, []Event) error
}

// Emitter defines a non-blocking telemetry emission handle.
type Emitter interface {
	EmitMetric(name string, value float64, unit string, attributes map[string]string, correlation Correlation)
	EmitSpan(span SpanEvent, correlation Correlation)
	EmitLog(name, severity, message string, attributes map[string]string, correlation Correlation)
}

type noopEmitter struct{}

func (noopEmitter) EmitMetric(string, float64, string, map[string]string, Correlation) {}
func (noopEmitter) EmitSpan(SpanEvent, Correlation)                                    {}
func (noopEmitter) EmitLog(string, string, string, map[string]string, Correlation)     {}

type emitterRef struct{ Emitter }

var defaultEmitter atomic.Pointer[emitterRef]

// SetDefaultEmitter replaces the process-wide emitter used by bridges built
// without one. nil restores the no-op emitter.
func SetDefaultEmitter(emitter Emitter) {
	if emitter == nil {
		defaultEmitter.Store(nil)
		return
	}
	defaultEmitter.Store(&emitterRef{emitter})
}

// DefaultEmitter returns the process-wide emitter.
func DefaultEmitter() Emitter {
	if ref := defaultEmitter.Load(); ref != nil {
		return ref.Emitter
	}
	return noopEmitter{}
}

// Config controls queueing, batching and sampling.
type Config struct {
	QueueCapacity int
	// BatchSize caps how many queued events one export call carries.
	BatchSize int
	// ExportTimeout bounds one export call, batched or not.
	ExportTimeout time.Duration
	// ConversationSampleRate keeps one conversation in N. Sampling is keyed
	// by conversation id so a kept conversation keeps every span, metric and
	// evaluation. Events without a conversation id are always kept.
	ConversationSampleRate int
	Logger                 *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.QueueCapacity < 1 {
		c.QueueCapacity = 256
	}
	if c.BatchSize < 1 {
		c.BatchSize = 64
	}
	if c.ExportTimeout <= 0 {
		c.ExportTimeout = 200 * time.Millisecond
	}
	if c.ConversationSampleRate < 1 {
		c.ConversationSampleRate = 1
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Stats captures current pipeline counters. Dropped counts events refused
// because the queue was full; SampledOut counts events of conversations
// excluded by ConversationSampleRate.
type Stats struct {
	Enqueued        uint64
	Dropped         uint64
	SampledOut      uint64
	Exported        uint64
	ExportedSpans   uint64
	ExportedMetrics uint64
	ExportedLogs    uint64
	ExportFailures  uint64
	QueueDepth      int
}

type counters struct {
	enqueued       atomic.Uint64
	dropped        atomic.Uint64
	sampledOut     atomic.Uint64
	exportFailures atomic.Uint64
	exported       [3]atomic.Uint64
}

func kindSlot(kind EventKind) int {
	switch kind {
	case EventKindSpan:
		return 0
	case EventKindMetric:
		return 1
	default:
		return 2
	}
}

// Pipeline queues events without blocking the caller and exports them from
// a single worker, in emission order, in batches of up to Config.BatchSize.
type Pipeline struct {
	sink Sink
	cfg  Config

	queue chan Event
	stop  chan struct{}
	done  chan struct{}

	closeOnce sync.Once
	closeErr  error
	counters
}

type discardSink struct{}

func (discardSink) Export(context.Context, Event) error { return nil }

// NewPipeline starts a pipeline exporting to sink. A nil sink discards.
func NewPipeline(sink Sink, cfg Config) *Pipeline {
	if sink == nil {
		sink = discardSink{}
	}
	cfg = cfg.withDefaults()
	p := &Pipeline{
		sink:  sink,
		cfg:   cfg,
		queue: make(chan Event, cfg.QueueCapacity),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go p.run()
	return p
}

// Close exports everything still queued, then closes the sink when it holds
// resources. Later calls return the first result.
func (p *Pipeline) Close() error {
	p.closeOnce.Do(func() {
		close(p.stop)
		<-p.done
		if closer, ok := p.sink.(interface{ Close() error }); ok {
			p.closeErr = closer.Close()
		}
		stats := p.Stats()
		p.cfg.Logger.Debug("telemetry pipeline closed",
			"exported", stats.Exported,
			"spans", stats.ExportedSpans,
			"metrics", stats.ExportedMetrics,
			"logs", stats.ExportedLogs,
			"dropped", stats.Dropped,
			"sampled_out", stats.SampledOut,
			"export_failures", stats.ExportFailures,
		)
	})
	return p.closeErr
}

// Stats returns a snapshot of the counters.
func (p *Pipeline) Stats() Stats {
	spans := p.exported[0].Load()
	metrics := p.exported[1].Load()
	logs := p.exported[2].Load()
	return Stats{
		Enqueued:        p.enqueued.Load(),
		Dropped:         p.dropped.Load(),
		SampledOut:      p.sampledOut.Load(),
		Exported:        spans + metrics + logs,
		ExportedSpans:   spans,
		ExportedMetrics: metrics,
		ExportedLogs:    logs,
		ExportFailures:  p.exportFailures.Load(),
		QueueDepth:      len(p.queue),
	}
}

// EmitMetric enqueues a metric sample.
func (p *Pipeline) EmitMetric(name string, value float64, unit string, attributes map[string]string, correlation Correlation) {
	p.offer(Event{
		Kind:        EventKindMetric,
		Correlation: correlation,
		Metric: &MetricEvent{
			Name:       strings.TrimSpace(name),
			Value:      value,
			Unit:       strings.TrimSpace(unit),
			Attributes: trimAttributes(attributes),
		},
	})
}

// EmitSpan enqueues an ended span. Negative timestamps are clamped to zero.
func (p *Pipeline) EmitSpan(span SpanEvent, correlation Correlation) {
	span.Name = strings.TrimSpace(span.Name)
	span.Kind = strings.TrimSpace(span.Kind)
	span.StartMS = clampMS(span.StartMS)
	span.EndMS = clampMS(span.EndMS)
	span.Attributes = trimAttributes(span.Attributes)
	p.offer(Event{Kind: EventKindSpan, Correlation: correlation, Span: &span})
}

// EmitLog enqueues a log record.
func (p *Pipeline) EmitLog(name, severity, message string, attributes map[string]string, correlation Correlation) {
	p.offer(Event{
		Kind:        EventKindLog,
		Correlation: correlation,
		Log: &LogEvent{
			Name:       strings.TrimSpace(name),
			Severity:   strings.ToLower(strings.TrimSpace(severity)),
			Message:    message,
			Attributes: trimAttributes(attributes),
		},
	})
}

func (p *Pipeline) offer(event Event) {
	event.Correlation = event.Correlation.normalized()
	event.TimestampMS = event.Correlation.RuntimeTimestampMS
	if event.TimestampMS == 0 {
		event.TimestampMS = time.Now().UnixMilli()
	}
	if !p.keep(event.ConversationID()) {
		p.sampledOut.Add(1)
		return
	}
	select {
	case p.queue <- event:
		p.enqueued.Add(1)
	default:
		p.dropped.Add(1)
	}
}

func (p *Pipeline) keep(conversationID string) bool {
	rate := uint64(p.cfg.ConversationSampleRate)
	if rate <= 1 || conversationID == "" {
		return true
	}
	return xxhash.Sum64String(conversationID)%rate == 0
}

func (p *Pipeline) run() {
	defer close(p.done)
	batch := make([]Event, 0, p.cfg.BatchSize)
	for {
		select {
		case event := <-p.queue:
			p.flush(p.fill(append(batch[:0], event)))
		case <-p.stop:
			for {
				batch = p.fill(batch[:0])
				if len(batch) == 0 {
					return
				}
				p.flush(batch)
			}
		}
	}
}

// fill tops batch up with whatever is already queued.
func (p *Pipeline) fill(batch []Event) []Event {
	for len(batch) < p.cfg.BatchSize {
		select {
		case event := <-p.queue:
			batch = append(batch, event)
		default:
			return batch
		}
	}
	return batch
}

func (p *Pipeline) flush(batch []Event) {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ExportTimeout)
	defer cancel()
	if bs, ok := p.sink.(BatchSink); ok {
		if err := bs.ExportBatch(ctx, batch); err != nil {
			p.failed(len(batch), batch[0].Kind, err)
			return
		}
		for _, event := range batch {
			p.exported[kindSlot(event.Kind)].Add(1)
		}
		return
	}
	for _, event := range batch {
		if err := p.sink.Export(ctx, event); err != nil {
			p.failed(1, event.Kind, err)
			continue
		}
		p.exported[kindSlot(event.Kind)].Add(1)
	}
}

func (p *Pipeline) failed(n int, kind EventKind, err error) {
	// Only the first failure is logged; the count is in Stats.
	if p.exportFailures.Add(uint64(n)) == uint64(n) {
		p.cfg.Logger.Warn("telemetry export failed", "kind", string(kind), "events", n, "error", err)
	}
}
