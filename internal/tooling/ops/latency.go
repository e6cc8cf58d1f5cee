package ops

import (
	"fmt"
	"math"
	"sort"

	"github.com/voice-observation/voiceobs/api/voice"
	"github.com/voice-observation/voiceobs/pkg/failures"
)

// LatencyGateThresholds define conversation-level latency limits.
type LatencyGateThresholds struct {
	ResponseLatencyP95MS float64 `json:"response_latency_p95_ms" yaml:"response_latency_p95_ms"`
	MaxInterruptionRate  float64 `json:"max_interruption_rate" yaml:"max_interruption_rate"`
}

// DefaultLatencyGateThresholds returns the baseline gate thresholds.
func DefaultLatencyGateThresholds() LatencyGateThresholds {
	return LatencyGateThresholds{
		ResponseLatencyP95MS: 1500,
		MaxInterruptionRate:  0.1,
	}
}

// LatencyGateReport summarizes gate results.
type LatencyGateReport struct {
	Samples              int      `json:"samples"`
	AgentTurns           int      `json:"agent_turns"`
	MeasuredTurns        int      `json:"measured_turns"`
	ResponseLatencyP50MS *float64 `json:"response_latency_p50_ms,omitempty"`
	ResponseLatencyP95MS *float64 `json:"response_latency_p95_ms,omitempty"`
	SilenceP95MS         *float64 `json:"silence_after_user_p95_ms,omitempty"`
	Interruptions        int      `json:"interruptions"`
	InterruptionRate     float64  `json:"interruption_rate"`
	Violations           []string `json:"violations,omitempty"`
	Passed               bool     `json:"passed"`
}

// EvaluateLatencyGates evaluates latency gates against agent turn
// observations. Turns by other actors are counted as samples only.
func EvaluateLatencyGates(turns []failures.TurnObservation, thresholds LatencyGateThresholds) LatencyGateReport {
	report := LatencyGateReport{Samples: len(turns)}
	latencies := make([]float64, 0, len(turns))
	silences := make([]float64, 0, len(turns))

	for _, turn := range turns {
		if turn.Actor != voice.ActorAgent {
			continue
		}
		report.AgentTurns++
		if turn.ResponseLatencyMs != nil {
			report.MeasuredTurns++
			if *turn.ResponseLatencyMs < 0 {
				report.Violations = append(report.Violations, fmt.Sprintf("turn %s has negative response latency", turnLabel(turn)))
			} else {
				latencies = append(latencies, *turn.ResponseLatencyMs)
			}
		}
		if turn.SilenceAfterUserMs != nil {
			silences = append(silences, *turn.SilenceAfterUserMs)
		}
		if turn.OverlapMs != nil && *turn.OverlapMs > 0 {
			report.Interruptions++
		}
	}

	if len(latencies) > 0 {
		p50 := Percentile(latencies, 0.50)
		p95 := Percentile(latencies, 0.95)
		report.ResponseLatencyP50MS = &p50
		report.ResponseLatencyP95MS = &p95
		if p95 > thresholds.ResponseLatencyP95MS {
			report.Violations = append(report.Violations, fmt.Sprintf("response latency p95=%.0fms exceeds threshold=%.0fms", p95, thresholds.ResponseLatencyP95MS))
		}
	}
	if len(silences) > 0 {
		p95 := Percentile(silences, 0.95)
		report.SilenceP95MS = &p95
	}

	if report.AgentTurns > 0 {
		report.InterruptionRate = float64(report.Interruptions) / float64(report.AgentTurns)
	}
	if report.InterruptionRate > thresholds.MaxInterruptionRate {
		report.Violations = append(report.Violations, fmt.Sprintf("interruption rate=%.2f exceeds max=%.2f", report.InterruptionRate, thresholds.MaxInterruptionRate))
	}
	if report.AgentTurns == 0 {
		report.Violations = append(report.Violations, "no agent turns available for latency gates")
	}

	report.Passed = len(report.Violations) == 0
	return report
}

func turnLabel(turn failures.TurnObservation) string {
	if turn.TurnID != "" {
		return turn.TurnID
	}
	if turn.TurnIndex != nil {
		return fmt.Sprintf("#%d", *turn.TurnIndex)
	}
	return "?"
}

// Percentile is the nearest-rank percentile of values, q in (0, 1].
func Percentile(values []float64, q float64) float64 {
	if len(values) == 0 {
		return 0
	}
	copied := append([]float64(nil), values...)
	sort.Float64s(copied)
	index := int(math.Ceil(q*float64(len(copied)))) - 1
	if index < 0 {
		index = 0
	}
	if index >= len(copied) {
		index = len(copied) - 1
	}
	return copied[index]
}
