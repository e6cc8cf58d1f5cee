package failures

import "github.com/voice-observation/voiceobs/api/voice"

// The grading functions assume the triggering threshold has already fired;
// they only place the value in a tier.

// InterruptionSeverity grades an overlap in milliseconds.
func (t Thresholds) InterruptionSeverity(overlapMs float64) voice.Severity {
	return tier(overlapMs, t.InterruptionLowMaxMs, t.InterruptionMediumMaxMs)
}

// SilenceSeverity grades a silence in milliseconds.
func (t Thresholds) SilenceSeverity(silenceMs float64) voice.Severity {
	return tier(silenceMs, t.SilenceLowMaxMs, t.SilenceMediumMaxMs)
}

// SlowResponseSeverity grades a stage duration in milliseconds.
func (t Thresholds) SlowResponseSeverity(durationMs float64) voice.Severity {
	return tier(durationMs, t.SlowLowMaxMs, t.SlowMediumMaxMs)
}

// ConfidenceSeverity grades an ASR confidence below ASRMinConfidence.
func (t Thresholds) ConfidenceSeverity(confidence float64) voice.Severity {
	switch {
	case confidence < t.ASRMinConfidence/2:
		return voice.SeverityHigh
	case confidence < t.ASRMinConfidence*0.8:
		return voice.SeverityMedium
	default:
		return voice.SeverityLow
	}
}

// RelevanceSeverity grades an LLM relevance score below LLMMinRelevance.
func (t Thresholds) RelevanceSeverity(relevance float64) voice.Severity {
	if relevance < t.LLMMinRelevance/2 {
		return voice.SeverityHigh
	}
	return voice.SeverityMedium
}

func tier(value, lowMax, mediumMax float64) voice.Severity {
	switch {
	case value <= lowMax:
		return voice.SeverityLow
	case value <= mediumMax:
		return voice.SeverityMedium
	default:
		return voice.SeverityHigh
	}
}
