package failures

import (
	"fmt"

	"github.com/voice-observation/voiceobs/api/voice"
)

// TurnObservation carries the timeline metrics measured when an agent turn
// closed. Nil metrics were not measurable and are skipped.
type TurnObservation struct {
	TurnID             string      `json:"turn_id,omitempty"`
	TurnIndex          *int        `json:"turn_index,omitempty"`
	Actor              voice.Actor `json:"actor"`
	ResponseLatencyMs  *float64    `json:"response_latency_ms,omitempty"`
	SilenceAfterUserMs *float64    `json:"silence_after_user_ms,omitempty"`
	OverlapMs          *float64    `json:"overlap_ms,omitempty"`
}

// StageObservation is one completed pipeline stage.
type StageObservation struct {
	TurnID     string          `json:"turn_id,omitempty"`
	TurnIndex  *int            `json:"turn_index,omitempty"`
	Type       voice.StageType `json:"type"`
	Provider   string          `json:"provider,omitempty"`
	Model      string          `json:"model,omitempty"`
	DurationMs float64         `json:"duration_ms"`
}

// RecognitionObservation is the confidence reported by ASR for one turn.
type RecognitionObservation struct {
	TurnID     string  `json:"turn_id,omitempty"`
	TurnIndex  *int    `json:"turn_index,omitempty"`
	Confidence float64 `json:"confidence"`
}

// EvaluationObservation is an externally produced semantic evaluation of an
// agent response. Either field may be absent.
type EvaluationObservation struct {
	TurnID        string   `json:"turn_id,omitempty"`
	TurnIndex     *int     `json:"turn_index,omitempty"`
	IntentCorrect *bool    `json:"intent_correct,omitempty"`
	Relevance     *float64 `json:"relevance,omitempty"`
}

// Input is everything the classifier looks at for one conversation.
type Input struct {
	ConversationID string                   `json:"conversation_id,omitempty"`
	Turns          []TurnObservation        `json:"turns,omitempty"`
	Stages         []StageObservation       `json:"stages,omitempty"`
	Recognitions   []RecognitionObservation `json:"recognitions,omitempty"`
	Evaluations    []EvaluationObservation  `json:"evaluations,omitempty"`
}

// Classify applies every rule to in and returns the detected failures.
// Output order follows rule order, then input order. Classify performs no
// I/O and never fails on missing signals.
func Classify(in Input, th Thresholds) []voice.Failure {
	out := make([]voice.Failure, 0)
	out = append(out, classifyTurns(in, th)...)
	out = append(out, classifyStages(in, th)...)
	out = append(out, classifyRecognitions(in, th)...)
	out = append(out, classifyEvaluations(in, th)...)
	return out
}

func classifyTurns(in Input, th Thresholds) []voice.Failure {
	var out []voice.Failure
	for _, turn := range in.Turns {
		if turn.OverlapMs != nil && *turn.OverlapMs > th.InterruptionOverlapMs {
			overlap := *turn.OverlapMs
			out = append(out, newFailure(in.ConversationID, turn.TurnID, turn.TurnIndex,
				voice.FailureInterruption,
				th.InterruptionSeverity(overlap),
				fmt.Sprintf("agent started speaking %.0fms before the user finished", overlap),
				SignalOverlapMS, overlap, th.InterruptionOverlapMs))
		}
		if turn.SilenceAfterUserMs != nil && *turn.SilenceAfterUserMs > th.ExcessiveSilenceMs {
			silence := *turn.SilenceAfterUserMs
			out = append(out, newFailure(in.ConversationID, turn.TurnID, turn.TurnIndex,
				voice.FailureExcessiveSilence,
				th.SilenceSeverity(silence),
				fmt.Sprintf("%.0fms of silence after the user finished speaking", silence),
				SignalSilenceMS, silence, th.ExcessiveSilenceMs))
		}
	}
	return out
}

func classifyStages(in Input, th Thresholds) []voice.Failure {
	var out []voice.Failure
	for _, stage := range in.Stages {
		limit, ok := th.SlowThreshold(stage.Type)
		if !ok || stage.DurationMs <= limit {
			continue
		}
		out = append(out, newFailure(in.ConversationID, stage.TurnID, stage.TurnIndex,
			voice.FailureSlowResponse,
			th.SlowResponseSeverity(stage.DurationMs),
			fmt.Sprintf("%s stage took %.0fms (limit %.0fms)", stage.Type, stage.DurationMs, limit),
			durationSignal(stage.Type), stage.DurationMs, limit))
	}
	return out
}

func classifyRecognitions(in Input, th Thresholds) []voice.Failure {
	var out []voice.Failure
	for _, rec := range in.Recognitions {
		if rec.Confidence >= th.ASRMinConfidence {
			continue
		}
		out = append(out, newFailure(in.ConversationID, rec.TurnID, rec.TurnIndex,
			voice.FailureASRLowConfidence,
			th.ConfidenceSeverity(rec.Confidence),
			fmt.Sprintf("speech recognition confidence %.2f below %.2f", rec.Confidence, th.ASRMinConfidence),
			SignalASRConfidence, rec.Confidence, th.ASRMinConfidence))
	}
	return out
}

func classifyEvaluations(in Input, th Thresholds) []voice.Failure {
	var out []voice.Failure
	for _, eval := range in.Evaluations {
		if eval.IntentCorrect != nil && !*eval.IntentCorrect {
			out = append(out, newFailure(in.ConversationID, eval.TurnID, eval.TurnIndex,
				voice.FailureLLMIncorrectIntent,
				voice.SeverityHigh,
				"agent response did not match the user's intent",
				SignalIntentCorrect, 0, 1))
			continue
		}
		if eval.Relevance != nil && *eval.Relevance < th.LLMMinRelevance {
			relevance := *eval.Relevance
			out = append(out, newFailure(in.ConversationID, eval.TurnID, eval.TurnIndex,
				voice.FailureLLMIncorrectIntent,
				th.RelevanceSeverity(relevance),
				fmt.Sprintf("agent response relevance %.2f below %.2f", relevance, th.LLMMinRelevance),
				SignalLLMRelevance, relevance, th.LLMMinRelevance))
		}
	}
	return out
}

func durationSignal(stage voice.StageType) string {
	switch stage {
	case voice.StageASR:
		return SignalASRDuration
	case voice.StageLLM:
		return SignalLLMDuration
	case voice.StageTTS:
		return SignalTTSDuration
	default:
		return string(stage) + "_duration_ms"
	}
}

func newFailure(conversationID, turnID string, turnIndex *int, t voice.FailureType, sev voice.Severity, msg, signal string, value, threshold float64) voice.Failure {
	f := voice.Failure{
		Type:           t,
		Severity:       sev,
		Message:        msg,
		ConversationID: conversationID,
		TurnID:         turnID,
		SignalName:     signal,
		SignalValue:    &value,
		Threshold:      &threshold,
	}
	if turnIndex != nil {
		idx := *turnIndex
		f.TurnIndex = &idx
	}
	return f
}

// Summary counts failures by type and severity.
type Summary struct {
	Total      int                       `json:"total"`
	ByType     map[voice.FailureType]int `json:"by_type"`
	BySeverity map[voice.Severity]int    `json:"by_severity"`
	Worst      voice.Severity            `json:"worst,omitempty"`
}

// Summarize counts failures. Every taxonomy type and severity is present in
// the maps, zero when absent.
func Summarize(failures []voice.Failure) Summary {
	s := Summary{
		Total:      len(failures),
		ByType:     make(map[voice.FailureType]int, len(voice.AllFailureTypes())),
		BySeverity: make(map[voice.Severity]int, len(voice.AllSeverities())),
	}
	for _, t := range voice.AllFailureTypes() {
		s.ByType[t] = 0
	}
	for _, sev := range voice.AllSeverities() {
		s.BySeverity[sev] = 0
	}
	for _, f := range failures {
		t, _ := voice.ParseFailureType(string(f.Type))
		s.ByType[t]++
		if f.Severity.Valid() {
			s.BySeverity[f.Severity]++
		}
		if f.Severity.Rank() > s.Worst.Rank() {
			s.Worst = f.Severity
		}
	}
	return s
}
