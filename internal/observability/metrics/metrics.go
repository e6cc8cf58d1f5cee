// Package metrics exposes voice pipeline measurements as Prometheus
// collectors.
package metrics

import (
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voice-observation/voiceobs/api/voice"
)

// Metrics holds the collectors registered on one registry.
type Metrics struct {
	StageDuration    *prometheus.HistogramVec
	StageErrors      *prometheus.CounterVec
	Turns            *prometheus.CounterVec
	ResponseLatency  prometheus.Histogram
	SilenceAfterUser prometheus.Histogram
	Overlap          prometheus.Histogram
	Interruptions    prometheus.Counter
	Failures         *prometheus.CounterVec
	ConversationsRun prometheus.Counter

	gatherer prometheus.Gatherer
}

// New registers every collector on reg. A nil reg uses a fresh registry.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		StageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "voice_stage_duration_seconds",
			Help:    "Per-stage latency",
			Buckets: []float64{0.05, 0.1, 0.2, 0.3, 0.5, 0.8, 1.0, 2.0, 3.0, 5.0, 8.0},
		}, []string{"stage", "provider"}),

		StageErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "voice_stage_errors_total",
			Help: "Stages that ended with an error",
		}, []string{"stage"}),

		Turns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "voice_turns_total",
			Help: "Turns ended, by actor",
		}, []string{"actor"}),

		ResponseLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "voice_response_latency_seconds",
			Help:    "Time from user speech end to agent speech start",
			Buckets: []float64{0.1, 0.2, 0.5, 0.8, 1.0, 1.5, 2.0, 3.0, 5.0},
		}),

		SilenceAfterUser: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "voice_silence_after_user_seconds",
			Help:    "Silence between the user finishing and the agent responding",
			Buckets: []float64{0.1, 0.2, 0.5, 1.0, 2.0, 3.0, 5.0, 8.0, 13.0},
		}),

		Overlap: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "voice_overlap_seconds",
			Help:    "Agent speech overlapping the user's speech (positive overlaps only)",
			Buckets: []float64{0.05, 0.1, 0.2, 0.5, 1.0, 2.0},
		}),

		Interruptions: f.NewCounter(prometheus.CounterOpts{
			Name: "voice_interruptions_total",
			Help: "Agent turns that started before the user finished speaking",
		}),

		Failures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "voice_failures_total",
			Help: "Classified failures by type and severity",
		}, []string{"type", "severity"}),

		ConversationsRun: f.NewCounter(prometheus.CounterOpts{
			Name: "voice_conversations_total",
			Help: "Conversations ended",
		}),

		gatherer: reg,
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// ObserveFailures counts classified failures.
func (m *Metrics) ObserveFailures(failures []voice.Failure) {
	for _, f := range failures {
		m.Failures.WithLabelValues(string(f.Type), string(f.Severity)).Inc()
	}
}

func (m *Metrics) observeStage(stage voice.StageType, provider string, durationMs float64, failed bool) {
	if provider = strings.TrimSpace(provider); provider == "" {
		provider = "unknown"
	}
	m.StageDuration.WithLabelValues(string(stage), provider).Observe(durationMs / 1000)
	if failed {
		m.StageErrors.WithLabelValues(string(stage)).Inc()
	}
}
