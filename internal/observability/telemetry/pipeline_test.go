package telemetry

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/voice-observation/voiceobs/api/voice"
)

type blockingSink struct {
	block <-chan struct{}
}

func (s blockingSink) Export(ctx context.Context, _ Event) error {
	select {
	case <-s.block:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type failingSink struct{}

func (failingSink) Export(context.Context, Event) error { return errors.New("collector down") }

type closingSink struct {
	*MemorySink
	closed bool
}

func (s *closingSink) Close() error {
	s.closed = true
	return nil
}

// gatedBatchSink holds its first batch until release is closed.
type gatedBatchSink struct {
	entered chan struct{}
	release chan struct{}
	err     error

	mu      sync.Mutex
	batches [][]string
	once    sync.Once
}

func newGatedBatchSink() *gatedBatchSink {
	return &gatedBatchSink{entered: make(chan struct{}), release: make(chan struct{})}
}

func (s *gatedBatchSink) Export(ctx context.Context, event Event) error {
	return s.ExportBatch(ctx, []Event{event})
}

func (s *gatedBatchSink) ExportBatch(_ context.Context, events []Event) error {
	s.once.Do(func() {
		close(s.entered)
		<-s.release
	})
	names := make([]string, 0, len(events))
	for _, event := range events {
		names = append(names, event.Span.Name)
	}
	s.mu.Lock()
	s.batches = append(s.batches, names)
	s.mu.Unlock()
	return s.err
}

func stageSpan(name, conversationID string) SpanEvent {
	return SpanEvent{Name: name, Kind: "internal", Attributes: map[string]string{voice.AttrConversationID: conversationID}}
}

func TestPipelineEmitIsNonBlockingWhenQueueIsFull(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	pipeline := NewPipeline(blockingSink{block: block}, Config{
		QueueCapacity: 1,
		ExportTimeout: 5 * time.Millisecond,
	})
	defer func() {
		close(block)
		_ = pipeline.Close()
	}()

	start := time.Now()
	for i := 0; i < 2000; i++ {
		pipeline.EmitSpan(stageSpan("voice.stage.llm", "conv-1"), Correlation{
			ConversationID:     "conv-1",
			TurnID:             "turn-1",
			SchemaVersion:      voice.SchemaVersion,
			RuntimeTimestampMS: int64(i + 1),
			EmittedBy:          "voicetrace",
		})
	}
	elapsed := time.Since(start)
	if elapsed > 200*time.Millisecond {
		t.Fatalf("expected non-blocking emit under pressure, took %s", elapsed)
	}

	stats := pipeline.Stats()
	if stats.Dropped == 0 {
		t.Fatalf("expected dropped events under queue pressure, got %+v", stats)
	}
}

func TestPipelineSamplesWholeConversations(t *testing.T) {
	t.Parallel()

	sink := NewMemorySink()
	pipeline := NewPipeline(sink, Config{QueueCapacity: 512, ConversationSampleRate: 4})

	const conversations = 40
	for i := 0; i < conversations; i++ {
		id := fmt.Sprintf("conv-%02d", i)
		correlation := Correlation{ConversationID: id, RuntimeTimestampMS: int64(i + 1)}
		pipeline.EmitSpan(stageSpan("voice.stage.asr", id), correlation)
		pipeline.EmitMetric(MetricStageDurationMS, 80, "ms", map[string]string{voice.AttrStageType: "asr"}, correlation)
		pipeline.EmitSpan(stageSpan(voice.SpanTurn, id), correlation)
	}
	pipeline.EmitLog(LogNameEvaluation, "info", "uncorrelated", nil, Correlation{})
	if err := pipeline.Close(); err != nil {
		t.Fatalf("unexpected close error: %v", err)
	}

	kept := sink.Conversations()
	if len(kept) == 0 || len(kept) == conversations {
		t.Fatalf("expected a strict subset of conversations kept, got %d", len(kept))
	}
	for _, id := range kept {
		if got := len(sink.SpansForConversation(id)); got != 2 {
			t.Fatalf("expected kept conversation %s to keep both spans, got %d", id, got)
		}
	}
	if got := len(sink.Metrics(MetricStageDurationMS)); got != len(kept) {
		t.Fatalf("expected one stage metric per kept conversation, got %d for %d", got, len(kept))
	}
	if got := len(sink.Logs(LogNameEvaluation)); got != 1 {
		t.Fatalf("expected uncorrelated log to bypass sampling, got %d", got)
	}
	stats := pipeline.Stats()
	if stats.SampledOut != uint64(3*(conversations-len(kept))) {
		t.Fatalf("expected every event of a sampled-out conversation counted, got %+v", stats)
	}

	// The same ids are kept on every run.
	again := NewMemorySink()
	repeat := NewPipeline(again, Config{QueueCapacity: 64, ConversationSampleRate: 4})
	for i := 0; i < conversations; i++ {
		id := fmt.Sprintf("conv-%02d", i)
		repeat.EmitSpan(stageSpan(voice.SpanTurn, id), Correlation{ConversationID: id})
	}
	_ = repeat.Close()
	if !reflect.DeepEqual(again.Conversations(), kept) {
		t.Fatalf("expected deterministic sampling: %v vs %v", again.Conversations(), kept)
	}
}

func TestPipelineExportsMetricSpanAndLogEvents(t *testing.T) {
	t.Parallel()

	sink := NewMemorySink()
	pipeline := NewPipeline(sink, Config{QueueCapacity: 16})

	correlation := Correlation{
		ConversationID:     " conv-42 ",
		TurnID:             "turn-7",
		EventID:            "evt-1",
		SchemaVersion:      voice.SchemaVersion,
		RuntimeTimestampMS: 100,
		EmittedBy:          "voicetrace",
	}
	pipeline.EmitMetric(MetricStageDurationMS, 420, "ms", map[string]string{voice.AttrStageType: "llm"}, correlation)
	pipeline.EmitSpan(SpanEvent{
		Name:         voice.SpanTurn,
		Kind:         "internal",
		StartMS:      100,
		EndMS:        -1,
		TraceID:      "trace-1",
		SpanID:       "span-2",
		ParentSpanID: "span-1",
		Attributes:   map[string]string{voice.AttrActor: " agent ", " ": "dropped"},
	}, correlation)
	pipeline.EmitLog(LogNameEvaluation, "INFO", "evaluation", map[string]string{voice.AttrEvalIntentCorrect: "false"}, correlation)

	if err := pipeline.Close(); err != nil {
		t.Fatalf("unexpected close error: %v", err)
	}
	events := sink.Events()
	if len(events) != 3 {
		t.Fatalf("expected 3 exported events, got %d", len(events))
	}
	metrics := sink.Metrics(MetricStageDurationMS)
	if len(metrics) != 1 || metrics[0].Value != 420 || metrics[0].Attributes[voice.AttrStageType] != "llm" {
		t.Fatalf("unexpected metric events: %+v", metrics)
	}
	spans := sink.SpansForConversation("conv-42")
	if len(spans) != 1 {
		t.Fatalf("expected span matched through its correlation, got %+v", spans)
	}
	span := spans[0]
	if !span.IsTurn() || span.ParentSpanID != "span-1" || span.EndMS != 0 {
		t.Fatalf("expected parent id kept and negative end clamped, got %+v", span)
	}
	if len(span.Attributes) != 1 || span.Attributes[voice.AttrActor] != "agent" {
		t.Fatalf("expected normalized attributes, got %+v", span.Attributes)
	}
	logs := sink.Logs(LogNameEvaluation)
	if len(logs) != 1 || logs[0].Log.Severity != "info" {
		t.Fatalf("unexpected log events: %+v", logs)
	}
	for _, event := range events {
		if event.ConversationID() != "conv-42" || event.TimestampMS != 100 {
			t.Fatalf("unexpected correlation payload: %+v", event.Correlation)
		}
	}
	stats := pipeline.Stats()
	if stats.Exported != 3 || stats.ExportedSpans != 1 || stats.ExportedMetrics != 1 || stats.ExportedLogs != 1 {
		t.Fatalf("unexpected per-signal counts: %+v", stats)
	}
}

func TestPipelineExportsBatchesInOrder(t *testing.T) {
	t.Parallel()

	sink := newGatedBatchSink()
	pipeline := NewPipeline(sink, Config{QueueCapacity: 16, BatchSize: 4, ExportTimeout: time.Second})

	emit := func(i int) {
		pipeline.EmitSpan(stageSpan(fmt.Sprintf("voice.stage.s%d", i), "conv-batch"), Correlation{ConversationID: "conv-batch"})
	}
	emit(0)
	<-sink.entered
	for i := 1; i < 10; i++ {
		emit(i)
	}
	close(sink.release)
	if err := pipeline.Close(); err != nil {
		t.Fatalf("unexpected close error: %v", err)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	var sizes []int
	var order []string
	for _, batch := range sink.batches {
		sizes = append(sizes, len(batch))
		order = append(order, batch...)
	}
	if !reflect.DeepEqual(sizes, []int{1, 4, 4, 1}) {
		t.Fatalf("unexpected batch sizes %v", sizes)
	}
	for i, name := range order {
		if name != fmt.Sprintf("voice.stage.s%d", i) {
			t.Fatalf("expected emission order, got %v", order)
		}
	}
	if stats := pipeline.Stats(); stats.ExportedSpans != 10 {
		t.Fatalf("expected 10 exported spans, got %+v", stats)
	}
}

func TestPipelineCountsExportFailures(t *testing.T) {
	t.Parallel()

	pipeline := NewPipeline(failingSink{}, Config{QueueCapacity: 4})
	pipeline.EmitMetric(MetricFailuresTotal, 1, "count", nil, Correlation{})
	pipeline.EmitMetric(MetricFailuresTotal, 1, "count", nil, Correlation{})
	if err := pipeline.Close(); err != nil {
		t.Fatalf("unexpected close error: %v", err)
	}
	stats := pipeline.Stats()
	if stats.ExportFailures != 2 || stats.Exported != 0 {
		t.Fatalf("expected 2 export failures, got %+v", stats)
	}

	batchSink := newGatedBatchSink()
	batchSink.err = errors.New("collector down")
	close(batchSink.release)
	batched := NewPipeline(batchSink, Config{QueueCapacity: 4})
	batched.EmitSpan(stageSpan(voice.SpanTurn, "conv-fail"), Correlation{})
	_ = batched.Close()
	if stats := batched.Stats(); stats.ExportFailures != 1 || stats.Exported != 0 {
		t.Fatalf("expected failed batch counted per event, got %+v", stats)
	}
}

func TestPipelineCloseClosesSink(t *testing.T) {
	t.Parallel()

	sink := &closingSink{MemorySink: NewMemorySink()}
	pipeline := NewPipeline(sink, Config{})
	if err := pipeline.Close(); err != nil {
		t.Fatalf("unexpected close error: %v", err)
	}
	if !sink.closed {
		t.Fatalf("expected sink to be closed")
	}
	if err := pipeline.Close(); err != nil {
		t.Fatalf("expected repeated close to be a no-op, got %v", err)
	}
}

func TestDefaultEmitterCanBeOverridden(t *testing.T) {
	sink := NewMemorySink()
	pipeline := NewPipeline(sink, Config{QueueCapacity: 8})
	defer func() {
		SetDefaultEmitter(nil)
		_ = pipeline.Close()
	}()

	SetDefaultEmitter(pipeline)
	DefaultEmitter().EmitMetric(MetricResponseLatencyMS, 640, "ms", nil, Correlation{
		ConversationID:     "conv-default",
		RuntimeTimestampMS: 1,
	})

	_ = pipeline.Close()
	if got := sink.Metrics(MetricResponseLatencyMS); len(got) != 1 || got[0].Value != 640 {
		t.Fatalf("expected default emitter to route through pipeline, got %+v", sink.Events())
	}
	SetDefaultEmitter(nil)
	if _, ok := DefaultEmitter().(noopEmitter); !ok {
		t.Fatalf("expected nil to restore the no-op emitter")
	}
}
