// Package report assembles classified failures and latency gates into
// per-conversation reports and renders them as JSON, Markdown or HTML.
package report

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/voice-observation/voiceobs/api/voice"
	"github.com/voice-observation/voiceobs/internal/tooling/ops"
	"github.com/voice-observation/voiceobs/pkg/failures"
)

// StageStats summarizes the durations of one stage type.
type StageStats struct {
	Type  voice.StageType `json:"type"`
	Count int             `json:"count"`
	P50MS float64         `json:"p50_ms"`
	P95MS float64         `json:"p95_ms"`
	MaxMS float64         `json:"max_ms"`
}

// ConversationReport is the analysis result for one conversation.
type ConversationReport struct {
	SchemaVersion  string                `json:"schema_version"`
	ConversationID string                `json:"conversation_id"`
	Failures       []voice.Failure       `json:"failures"`
	Summary        failures.Summary      `json:"summary"`
	Latency        ops.LatencyGateReport `json:"latency"`
	Stages         []StageStats          `json:"stages,omitempty"`
}

// Passed reports whether the conversation has no failures and passes every
// latency gate.
func (r ConversationReport) Passed() bool {
	return r.Summary.Total == 0 && r.Latency.Passed
}

// Build assembles the report for one conversation from its observations and
// the failures already classified from them.
func Build(conversationID string, in failures.Input, found []voice.Failure, gates ops.LatencyGateThresholds) ConversationReport {
	if found == nil {
		found = []voice.Failure{}
	}
	return ConversationReport{
		SchemaVersion:  voice.SchemaVersion,
		ConversationID: conversationID,
		Failures:       found,
		Summary:        failures.Summarize(found),
		Latency:        ops.EvaluateLatencyGates(in.Turns, gates),
		Stages:         stageStats(in.Stages),
	}
}

func stageStats(stages []failures.StageObservation) []StageStats {
	durations := make(map[voice.StageType][]float64)
	for _, s := range stages {
		durations[s.Type] = append(durations[s.Type], s.DurationMs)
	}
	out := make([]StageStats, 0, len(durations))
	for _, st := range voice.AllStageTypes() {
		values := durations[st]
		if len(values) == 0 {
			continue
		}
		peak := values[0]
		for _, v := range values[1:] {
			if v > peak {
				peak = v
			}
		}
		out = append(out, StageStats{
			Type:  st,
			Count: len(values),
			P50MS: ops.Percentile(values, 0.50),
			P95MS: ops.Percentile(values, 0.95),
			MaxMS: peak,
		})
	}
	return out
}

// Document is the top-level analysis artifact.
type Document struct {
	SchemaVersion  string                    `json:"schema_version"`
	GeneratedAtUTC string                    `json:"generated_at_utc"`
	Thresholds     failures.Thresholds       `json:"thresholds"`
	Gates          ops.LatencyGateThresholds `json:"gates"`
	Conversations  []ConversationReport      `json:"conversations"`
	Totals         failures.Summary          `json:"totals"`
	Passed         bool                      `json:"passed"`
}

// NewDocument wraps conversation reports with the thresholds they were
// produced under. Conversations keep their given order.
func NewDocument(reports []ConversationReport, th failures.Thresholds, gates ops.LatencyGateThresholds, generatedAt time.Time) Document {
	if reports == nil {
		reports = []ConversationReport{}
	}
	var all []voice.Failure
	passed := true
	for _, r := range reports {
		all = append(all, r.Failures...)
		if !r.Passed() {
			passed = false
		}
	}
	return Document{
		SchemaVersion:  voice.SchemaVersion,
		GeneratedAtUTC: generatedAt.UTC().Format(time.RFC3339),
		Thresholds:     th,
		Gates:          gates,
		Conversations:  reports,
		Totals:         failures.Summarize(all),
		Passed:         passed,
	}
}

// WriteJSON writes doc as indented JSON.
func WriteJSON(w io.Writer, doc Document) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	return nil
}

// RenderMarkdown renders a human-readable summary of doc.
func RenderMarkdown(doc Document) string {
	lines := []string{
		"# Voice Conversation Report",
		"",
		"Generated at (UTC): " + doc.GeneratedAtUTC,
		"Schema version: " + doc.SchemaVersion,
		fmt.Sprintf("Conversations: %s", humanize.Comma(int64(len(doc.Conversations)))),
		fmt.Sprintf("Failures: %s", humanize.Comma(int64(doc.Totals.Total))),
	}
	if doc.Totals.Worst != "" {
		lines = append(lines, "Worst severity: "+string(doc.Totals.Worst))
	}
	lines = append(lines, "", "## Failures by type", "")
	lines = append(lines, "| Type | Count |", "| --- | ---: |")
	for _, ft := range voice.AllFailureTypes() {
		if n := doc.Totals.ByType[ft]; n > 0 {
			lines = append(lines, fmt.Sprintf("| %s | %d |", ft, n))
		}
	}

	for _, conv := range doc.Conversations {
		lines = append(lines, renderConversation(conv)...)
	}

	if doc.Passed {
		lines = append(lines, "", "Status: PASS")
	} else {
		lines = append(lines, "", "Status: FAIL")
	}
	return strings.Join(lines, "\n") + "\n"
}

func renderConversation(conv ConversationReport) []string {
	lines := []string{"", "## Conversation " + conv.ConversationID, ""}
	lat := conv.Latency
	lines = append(lines, fmt.Sprintf("Agent turns: %d (%d measured)", lat.AgentTurns, lat.MeasuredTurns))
	if lat.ResponseLatencyP50MS != nil && lat.ResponseLatencyP95MS != nil {
		lines = append(lines, fmt.Sprintf("Response latency: p50 %.0f ms, p95 %.0f ms", *lat.ResponseLatencyP50MS, *lat.ResponseLatencyP95MS))
	}
	if lat.SilenceP95MS != nil {
		lines = append(lines, fmt.Sprintf("Silence after user p95: %.0f ms", *lat.SilenceP95MS))
	}
	lines = append(lines, fmt.Sprintf("Interruptions: %d (rate %.2f)", lat.Interruptions, lat.InterruptionRate))

	if len(conv.Stages) > 0 {
		lines = append(lines, "", "| Stage | Count | p50 ms | p95 ms | max ms |", "| --- | ---: | ---: | ---: | ---: |")
		for _, s := range conv.Stages {
			lines = append(lines, fmt.Sprintf("| %s | %d | %.0f | %.0f | %.0f |", s.Type, s.Count, s.P50MS, s.P95MS, s.MaxMS))
		}
	}

	if len(conv.Failures) > 0 {
		ordered := append([]voice.Failure(nil), conv.Failures...)
		sort.SliceStable(ordered, func(i, j int) bool {
			return ordered[i].Severity.Rank() > ordered[j].Severity.Rank()
		})
		lines = append(lines, "", "### Failures", "")
		for _, f := range ordered {
			lines = append(lines, fmt.Sprintf("- **%s** %s%s: %s", f.Severity, f.Type, turnSuffix(f), f.Message))
		}
	}
	if len(lat.Violations) > 0 {
		lines = append(lines, "", "### Gate violations", "")
		for _, v := range lat.Violations {
			lines = append(lines, "- "+v)
		}
	}
	return lines
}

func turnSuffix(f voice.Failure) string {
	if f.TurnIndex == nil {
		return ""
	}
	return fmt.Sprintf(" (%s turn)", humanize.Ordinal(*f.TurnIndex+1))
}

var (
	markdownOnce sync.Once
	markdown     goldmark.Markdown
)

func markdownRenderer() goldmark.Markdown {
	markdownOnce.Do(func() {
		markdown = goldmark.New(goldmark.WithExtensions(extension.GFM))
	})
	return markdown
}

// RenderHTML renders the Markdown summary of doc as an HTML fragment.
func RenderHTML(doc Document) ([]byte, error) {
	var buf bytes.Buffer
	if err := markdownRenderer().Convert([]byte(RenderMarkdown(doc)), &buf); err != nil {
		return nil, fmt.Errorf("render report html: %w", err)
	}
	return buf.Bytes(), nil
}
