package report

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/voice-observation/voiceobs/api/voice"
	"github.com/voice-observation/voiceobs/internal/tooling/ops"
	"github.com/voice-observation/voiceobs/pkg/failures"
)

func ptr[T any](v T) *T { return &v }

func sampleInput() failures.Input {
	return failures.Input{
		ConversationID: "conv-report",
		Turns: []failures.TurnObservation{
			{TurnID: "t1", TurnIndex: ptr(1), Actor: voice.ActorAgent, ResponseLatencyMs: ptr(400.0), SilenceAfterUserMs: ptr(400.0), OverlapMs: ptr(-400.0)},
			{TurnID: "t3", TurnIndex: ptr(3), Actor: voice.ActorAgent, ResponseLatencyMs: ptr(2500.0), SilenceAfterUserMs: ptr(2500.0), OverlapMs: ptr(-2500.0)},
		},
		Stages: []failures.StageObservation{
			{Type: voice.StageASR, DurationMs: 300},
			{Type: voice.StageLLM, DurationMs: 900},
			{TurnID: "t3", TurnIndex: ptr(3), Type: voice.StageLLM, DurationMs: 5600},
			{Type: voice.StageTTS, DurationMs: 200},
		},
	}
}

func TestBuildSummarizesFailuresAndGates(t *testing.T) {
	t.Parallel()

	in := sampleInput()
	found := failures.Classify(in, failures.DefaultThresholds())
	r := Build(in.ConversationID, in, found, ops.DefaultLatencyGateThresholds())

	if r.SchemaVersion != voice.SchemaVersion || r.ConversationID != "conv-report" {
		t.Fatalf("unexpected report identity: %+v", r)
	}
	if r.Summary.Total != 1 || r.Summary.ByType[voice.FailureSlowResponse] != 1 {
		t.Fatalf("expected one slow response, got %+v", r.Summary)
	}
	if r.Latency.Passed {
		t.Fatalf("expected latency gate failure for p95=2500ms")
	}
	if r.Latency.ResponseLatencyP95MS == nil || *r.Latency.ResponseLatencyP95MS != 2500 {
		t.Fatalf("unexpected latency p95: %+v", r.Latency)
	}
	if r.Passed() {
		t.Fatalf("expected failing report")
	}

	if len(r.Stages) != 3 {
		t.Fatalf("expected asr, llm and tts stats, got %+v", r.Stages)
	}
	llm := r.Stages[1]
	if llm.Type != voice.StageLLM || llm.Count != 2 || llm.P50MS != 900 || llm.P95MS != 5600 || llm.MaxMS != 5600 {
		t.Fatalf("unexpected llm stats: %+v", llm)
	}
}

func TestBuildWithoutFailuresKeepsEmptyList(t *testing.T) {
	t.Parallel()

	r := Build("conv-empty", failures.Input{}, nil, ops.DefaultLatencyGateThresholds())
	data, err := json.Marshal(r)
	if err != nil {
		t.Fatalf("unexpected marshal error: %v", err)
	}
	if !strings.Contains(string(data), `"failures":[]`) {
		t.Fatalf("expected empty failure array, got %s", data)
	}
	if r.Stages == nil || len(r.Stages) != 0 {
		t.Fatalf("expected empty stage stats, got %+v", r.Stages)
	}
}

func TestDocumentRendering(t *testing.T) {
	t.Parallel()

	in := sampleInput()
	th := failures.DefaultThresholds()
	gates := ops.DefaultLatencyGateThresholds()
	failing := Build(in.ConversationID, in, failures.Classify(in, th), gates)
	doc := NewDocument([]ConversationReport{failing}, th, gates, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	if doc.Passed || doc.Totals.Total != 1 || doc.Totals.Worst != voice.SeverityHigh {
		t.Fatalf("unexpected document totals: passed=%v totals=%+v", doc.Passed, doc.Totals)
	}

	var buf bytes.Buffer
	if err := WriteJSON(&buf, doc); err != nil {
		t.Fatalf("unexpected json error: %v", err)
	}
	var decoded Document
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	if decoded.GeneratedAtUTC != "2026-03-01T12:00:00Z" || len(decoded.Conversations) != 1 {
		t.Fatalf("unexpected decoded document: %+v", decoded)
	}

	md := RenderMarkdown(doc)
	for _, want := range []string{
		"# Voice Conversation Report",
		"## Conversation conv-report",
		"| slow_response | 1 |",
		"| llm | 2 | 900 | 5600 | 5600 |",
		"(4th turn)",
		"Status: FAIL",
	} {
		if !strings.Contains(md, want) {
			t.Fatalf("expected %q in markdown:\n%s", want, md)
		}
	}

	html, err := RenderHTML(doc)
	if err != nil {
		t.Fatalf("unexpected html error: %v", err)
	}
	for _, want := range []string{"<h1>Voice Conversation Report</h1>", "<table>", "<strong>high</strong>"} {
		if !strings.Contains(string(html), want) {
			t.Fatalf("expected %q in html:\n%s", want, html)
		}
	}
}

func TestEmptyDocumentPasses(t *testing.T) {
	t.Parallel()

	doc := NewDocument(nil, failures.DefaultThresholds(), ops.DefaultLatencyGateThresholds(), time.Unix(0, 0))
	if !doc.Passed || doc.Conversations == nil {
		t.Fatalf("expected passing empty document, got %+v", doc)
	}
	if !strings.Contains(RenderMarkdown(doc), "Status: PASS") {
		t.Fatalf("expected PASS status")
	}
}
