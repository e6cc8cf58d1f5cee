// Package failures classifies conversation signals into the voice failure
// taxonomy and grades each failure's severity.
package failures

import "github.com/voice-observation/voiceobs/api/voice"

// Definition documents one failure type. DefaultThreshold and Unit are
// informational; classification reads Thresholds.
type Definition struct {
	Type             voice.FailureType `json:"type" yaml:"type"`
	Description      string            `json:"description" yaml:"description"`
	Signals          []string          `json:"signals" yaml:"signals"`
	DefaultThreshold float64           `json:"default_threshold" yaml:"default_threshold"`
	Unit             string            `json:"unit" yaml:"unit"`
}

// Signal names carried on produced failures.
const (
	SignalOverlapMS     = "overlap_ms"
	SignalSilenceMS     = "silence_after_user_ms"
	SignalASRDuration   = "asr_duration_ms"
	SignalLLMDuration   = "llm_duration_ms"
	SignalTTSDuration   = "tts_duration_ms"
	SignalASRConfidence = "asr_confidence"
	SignalLLMRelevance  = "llm_relevance"
	SignalIntentCorrect = "intent_correct"
)

var registry = map[voice.FailureType]Definition{
	voice.FailureInterruption: {
		Type:             voice.FailureInterruption,
		Description:      "Agent started speaking before the user finished speaking.",
		Signals:          []string{SignalOverlapMS},
		DefaultThreshold: 0,
		Unit:             "ms",
	},
	voice.FailureExcessiveSilence: {
		Type:             voice.FailureExcessiveSilence,
		Description:      "Dead air between the end of user speech and the agent's response.",
		Signals:          []string{SignalSilenceMS},
		DefaultThreshold: 3000,
		Unit:             "ms",
	},
	voice.FailureSlowResponse: {
		Type:             voice.FailureSlowResponse,
		Description:      "A pipeline stage (ASR, LLM or TTS) took longer than its latency budget.",
		Signals:          []string{SignalASRDuration, SignalLLMDuration, SignalTTSDuration},
		DefaultThreshold: 2000,
		Unit:             "ms",
	},
	voice.FailureASRLowConfidence: {
		Type:             voice.FailureASRLowConfidence,
		Description:      "Speech recognition returned a transcript with low confidence.",
		Signals:          []string{SignalASRConfidence},
		DefaultThreshold: 0.7,
		Unit:             "ratio",
	},
	voice.FailureLLMIncorrectIntent: {
		Type:             voice.FailureLLMIncorrectIntent,
		Description:      "The agent's response missed the user's intent or was not relevant.",
		Signals:          []string{SignalIntentCorrect, SignalLLMRelevance},
		DefaultThreshold: 0.5,
		Unit:             "ratio",
	},
	voice.FailureUnknown: {
		Type:        voice.FailureUnknown,
		Description: "Failure that does not fit any known category.",
		Signals:     []string{},
		Unit:        "",
	},
}

// GetFailureDefinition returns the definition for t, or the unknown
// definition when t is not registered.
func GetFailureDefinition(t voice.FailureType) Definition {
	if def, ok := registry[t]; ok {
		return cloneDefinition(def)
	}
	return cloneDefinition(registry[voice.FailureUnknown])
}

// Definitions returns every definition in taxonomy order.
func Definitions() []Definition {
	types := voice.AllFailureTypes()
	out := make([]Definition, 0, len(types))
	for _, t := range types {
		out = append(out, GetFailureDefinition(t))
	}
	return out
}

func cloneDefinition(d Definition) Definition {
	d.Signals = append([]string(nil), d.Signals...)
	return d
}
