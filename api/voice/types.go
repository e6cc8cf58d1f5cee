package voice

import (
	"fmt"
	"strings"
)

// Actor identifies who produced a turn.
type Actor string

const (
	ActorUser   Actor = "user"
	ActorAgent  Actor = "agent"
	ActorSystem Actor = "system"
)

// AllActors returns every actor in declaration order.
func AllActors() []Actor {
	return []Actor{ActorUser, ActorAgent, ActorSystem}
}

// Valid reports whether a is a known actor.
func (a Actor) Valid() bool {
	switch a {
	case ActorUser, ActorAgent, ActorSystem:
		return true
	default:
		return false
	}
}

// ParseActor parses a case-insensitive actor name.
func ParseActor(raw string) (Actor, error) {
	a := Actor(strings.ToLower(strings.TrimSpace(raw)))
	if !a.Valid() {
		return "", fmt.Errorf("invalid actor: %q", raw)
	}
	return a, nil
}

// StageType identifies one pipeline step inside a turn.
type StageType string

const (
	StageASR StageType = "asr"
	StageLLM StageType = "llm"
	StageTTS StageType = "tts"
)

// AllStageTypes returns every stage type in pipeline order.
func AllStageTypes() []StageType {
	return []StageType{StageASR, StageLLM, StageTTS}
}

// Valid reports whether s is a known stage type.
func (s StageType) Valid() bool {
	switch s {
	case StageASR, StageLLM, StageTTS:
		return true
	default:
		return false
	}
}

// SpanName returns the span name emitted for this stage.
func (s StageType) SpanName() string {
	return SpanStagePrefix + string(s)
}

// ParseStageType parses a case-insensitive stage type.
func ParseStageType(raw string) (StageType, error) {
	s := StageType(strings.ToLower(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", fmt.Errorf("invalid stage type: %q", raw)
	}
	return s, nil
}

// StageTypeFromSpanName extracts the stage type from a voice.stage.* span name.
func StageTypeFromSpanName(name string) (StageType, bool) {
	if !strings.HasPrefix(name, SpanStagePrefix) {
		return "", false
	}
	s := StageType(strings.TrimPrefix(name, SpanStagePrefix))
	return s, s.Valid()
}

// FailureType is the closed failure taxonomy.
type FailureType string

const (
	FailureInterruption       FailureType = "interruption"
	FailureExcessiveSilence   FailureType = "excessive_silence"
	FailureSlowResponse       FailureType = "slow_response"
	FailureASRLowConfidence   FailureType = "asr_low_confidence"
	FailureLLMIncorrectIntent FailureType = "llm_incorrect_intent"
	FailureUnknown            FailureType = "unknown"
)

// AllFailureTypes returns the taxonomy in documentation order.
func AllFailureTypes() []FailureType {
	return []FailureType{
		FailureInterruption,
		FailureExcessiveSilence,
		FailureSlowResponse,
		FailureASRLowConfidence,
		FailureLLMIncorrectIntent,
		FailureUnknown,
	}
}

// Valid reports whether f is part of the taxonomy.
func (f FailureType) Valid() bool {
	switch f {
	case FailureInterruption, FailureExcessiveSilence, FailureSlowResponse,
		FailureASRLowConfidence, FailureLLMIncorrectIntent, FailureUnknown:
		return true
	default:
		return false
	}
}

// ParseFailureType maps unrecognised names to FailureUnknown and reports
// whether the input was recognised.
func ParseFailureType(raw string) (FailureType, bool) {
	f := FailureType(strings.ToLower(strings.TrimSpace(raw)))
	if !f.Valid() {
		return FailureUnknown, false
	}
	return f, true
}

// Severity is a three-tier grading of a detected failure.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// AllSeverities returns severities from least to most severe.
func AllSeverities() []Severity {
	return []Severity{SeverityLow, SeverityMedium, SeverityHigh}
}

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh:
		return true
	default:
		return false
	}
}

// Rank orders severities; unknown values rank below low.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	default:
		return 0
	}
}

// ParseSeverity parses a case-insensitive severity.
func ParseSeverity(raw string) (Severity, error) {
	s := Severity(strings.ToLower(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", fmt.Errorf("invalid severity: %q", raw)
	}
	return s, nil
}
