// Package analysis rebuilds classifier input from exported telemetry so that
// recorded conversations can be classified offline with the same rules the
// live tracer applies.
package analysis

import (
	"fmt"
	"io"
	"strconv"

	"github.com/voice-observation/voiceobs/api/voice"
	"github.com/voice-observation/voiceobs/internal/observability/report"
	"github.com/voice-observation/voiceobs/internal/observability/telemetry"
	"github.com/voice-observation/voiceobs/internal/tooling/ops"
	"github.com/voice-observation/voiceobs/pkg/failures"
)

// Conversation is the reconstructed input of one conversation.
type Conversation struct {
	ID    string
	Input failures.Input
}

// ReadEvents decodes a telemetry JSONL stream.
func ReadEvents(r io.Reader) ([]telemetry.Event, error) {
	return telemetry.ReadJSONL(r)
}

// BuildInput groups span and evaluation events by conversation, in order of
// first appearance. Agent turn spans that took part in the timeline become
// turn observations, stage spans become stage observations (plus a
// recognition for ASR stages carrying a confidence) and evaluation logs
// become evaluations. Events without a conversation id are skipped.
func BuildInput(events []telemetry.Event) ([]Conversation, error) {
	turnSpans := make(map[string]map[string]string)
	for _, event := range events {
		if event.Kind == telemetry.EventKindSpan && event.Span != nil && event.Span.Name == voice.SpanTurn {
			turnSpans[event.Span.SpanID] = event.Span.Attributes
		}
	}

	var order []string
	byID := make(map[string]*failures.Input)
	conversation := func(id string) *failures.Input {
		in, ok := byID[id]
		if !ok {
			in = &failures.Input{ConversationID: id}
			byID[id] = in
			order = append(order, id)
		}
		return in
	}

	for i, event := range events {
		switch {
		case event.Kind == telemetry.EventKindSpan && event.Span != nil:
			span := event.Span
			id := conversationID(span.Attributes, event.Correlation)
			if id == "" {
				continue
			}
			in := conversation(id)
			if err := addSpan(in, span, turnSpans); err != nil {
				return nil, fmt.Errorf("event %d (%s): %w", i+1, span.Name, err)
			}
		case event.Kind == telemetry.EventKindLog && event.Log != nil && event.Log.Name == telemetry.LogNameEvaluation:
			id := conversationID(event.Log.Attributes, event.Correlation)
			if id == "" {
				continue
			}
			in := conversation(id)
			ev, err := evaluation(event.Log.Attributes, event.Correlation)
			if err != nil {
				return nil, fmt.Errorf("event %d (%s): %w", i+1, event.Log.Name, err)
			}
			in.Evaluations = append(in.Evaluations, ev)
		}
	}

	out := make([]Conversation, 0, len(order))
	for _, id := range order {
		out = append(out, Conversation{ID: id, Input: *byID[id]})
	}
	return out, nil
}

type config struct {
	gates ops.LatencyGateThresholds
}

// Option configures Analyze.
type Option func(*config)

// WithGates overrides the latency gate thresholds.
func WithGates(gates ops.LatencyGateThresholds) Option {
	return func(c *config) { c.gates = gates }
}

// Analyze classifies every conversation found in events and returns one
// report per conversation.
func Analyze(events []telemetry.Event, th failures.Thresholds, opts ...Option) ([]report.ConversationReport, error) {
	cfg := config{gates: ops.DefaultLatencyGateThresholds()}
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := th.Validate(); err != nil {
		return nil, fmt.Errorf("invalid thresholds: %w", err)
	}
	conversations, err := BuildInput(events)
	if err != nil {
		return nil, err
	}
	reports := make([]report.ConversationReport, 0, len(conversations))
	for _, c := range conversations {
		found := failures.Classify(c.Input, th)
		reports = append(reports, report.Build(c.ID, c.Input, found, cfg.gates))
	}
	return reports, nil
}

func conversationID(attrs map[string]string, correlation telemetry.Correlation) string {
	if id := attrs[voice.AttrConversationID]; id != "" {
		return id
	}
	return correlation.ConversationID
}

func addSpan(in *failures.Input, span *telemetry.SpanEvent, turnSpans map[string]map[string]string) error {
	attrs := span.Attributes
	if span.Name == voice.SpanTurn {
		if attrs[voice.AttrActor] != string(voice.ActorAgent) || attrs[voice.AttrTurnTimeline] == "" {
			return nil
		}
		turn := failures.TurnObservation{TurnID: attrs[voice.AttrTurnID], Actor: voice.ActorAgent}
		var err error
		if turn.TurnIndex, err = optionalInt(attrs, voice.AttrTurnIndex); err != nil {
			return err
		}
		if turn.ResponseLatencyMs, err = optionalFloat(attrs, voice.AttrTurnResponseLatencyMS); err != nil {
			return err
		}
		if turn.SilenceAfterUserMs, err = optionalFloat(attrs, voice.AttrSilenceAfterUserMS); err != nil {
			return err
		}
		if turn.OverlapMs, err = optionalFloat(attrs, voice.AttrTurnOverlapMS); err != nil {
			return err
		}
		in.Turns = append(in.Turns, turn)
		return nil
	}

	stageType, ok := voice.StageTypeFromSpanName(span.Name)
	if !ok {
		return nil
	}
	duration, err := optionalFloat(attrs, voice.AttrStageDurationMS)
	if err != nil {
		return err
	}
	stage := failures.StageObservation{
		Type:     stageType,
		Provider: attrs[voice.AttrStageProvider],
		Model:    attrs[voice.AttrStageModel],
	}
	if duration != nil {
		stage.DurationMs = *duration
	} else {
		stage.DurationMs = float64(span.EndMS - span.StartMS)
	}

	turnAttrs := attrs
	if attrs[voice.AttrTurnID] == "" {
		if parent, ok := turnSpans[span.ParentSpanID]; ok {
			turnAttrs = parent
		}
	}
	stage.TurnID = turnAttrs[voice.AttrTurnID]
	if stage.TurnIndex, err = optionalInt(turnAttrs, voice.AttrTurnIndex); err != nil {
		return err
	}
	in.Stages = append(in.Stages, stage)

	if stageType != voice.StageASR {
		return nil
	}
	confidence, err := optionalFloat(attrs, voice.AttrASRConfidence)
	if err != nil || confidence == nil {
		return err
	}
	in.Recognitions = append(in.Recognitions, failures.RecognitionObservation{
		TurnID:     stage.TurnID,
		TurnIndex:  stage.TurnIndex,
		Confidence: *confidence,
	})
	return nil
}

func evaluation(attrs map[string]string, correlation telemetry.Correlation) (failures.EvaluationObservation, error) {
	ev := failures.EvaluationObservation{TurnID: attrs[voice.AttrTurnID]}
	if ev.TurnID == "" {
		ev.TurnID = correlation.TurnID
	}
	var err error
	if ev.TurnIndex, err = optionalInt(attrs, voice.AttrTurnIndex); err != nil {
		return ev, err
	}
	if ev.Relevance, err = optionalFloat(attrs, voice.AttrEvalRelevance); err != nil {
		return ev, err
	}
	if raw, ok := attrs[voice.AttrEvalIntentCorrect]; ok {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return ev, fmt.Errorf("%s: %w", voice.AttrEvalIntentCorrect, err)
		}
		ev.IntentCorrect = &v
	}
	return ev, nil
}

func optionalFloat(attrs map[string]string, key string) (*float64, error) {
	raw, ok := attrs[key]
	if !ok || raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", key, err)
	}
	return &v, nil
}

func optionalInt(attrs map[string]string, key string) (*int, error) {
	raw, ok := attrs[key]
	if !ok || raw == "" {
		return nil, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", key, err)
	}
	return &v, nil
}
