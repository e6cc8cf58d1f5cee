package telemetry

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	// EnvTelemetryEnabled toggles telemetry emission.
	EnvTelemetryEnabled = "VOICEOBS_TELEMETRY_ENABLED"
	// EnvTelemetryOTLPHTTPEndpoint sets OTLP/HTTP endpoint base URL.
	EnvTelemetryOTLPHTTPEndpoint = "VOICEOBS_TELEMETRY_OTLP_HTTP_ENDPOINT"
	// EnvTelemetryJSONLPath sets a local JSONL export file, used when no
	// OTLP endpoint is configured.
	EnvTelemetryJSONLPath = "VOICEOBS_TELEMETRY_JSONL_PATH"
	// EnvTelemetryQueueCapacity sets in-memory queue capacity.
	EnvTelemetryQueueCapacity = "VOICEOBS_TELEMETRY_QUEUE_CAPACITY"
	// EnvTelemetryConversationSampleRate keeps one conversation in N.
	EnvTelemetryConversationSampleRate = "VOICEOBS_TELEMETRY_CONVERSATION_SAMPLE_RATE"
	// EnvTelemetryBatchSize caps events per export call.
	EnvTelemetryBatchSize = "VOICEOBS_TELEMETRY_BATCH_SIZE"
	// EnvTelemetryExportTimeoutMS sets export timeout in milliseconds.
	EnvTelemetryExportTimeoutMS = "VOICEOBS_TELEMETRY_EXPORT_TIMEOUT_MS"
)

// RuntimeConfig captures env-configured telemetry settings.
type RuntimeConfig struct {
	Enabled                bool
	OTLPHTTPEndpoint       string
	JSONLPath              string
	QueueCapacity          int
	BatchSize              int
	ConversationSampleRate int
	ExportTimeoutMS        int
	// Logger receives pipeline diagnostics; nil uses slog.Default.
	Logger *slog.Logger
}

// RuntimeConfigFromEnv parses telemetry config from environment.
func RuntimeConfigFromEnv() (RuntimeConfig, error) {
	cfg := RuntimeConfig{
		Enabled:                true,
		OTLPHTTPEndpoint:       strings.TrimSpace(os.Getenv(EnvTelemetryOTLPHTTPEndpoint)),
		JSONLPath:              strings.TrimSpace(os.Getenv(EnvTelemetryJSONLPath)),
		QueueCapacity:          256,
		BatchSize:              64,
		ConversationSampleRate: 1,
		ExportTimeoutMS:        200,
	}

	if raw := strings.TrimSpace(os.Getenv(EnvTelemetryEnabled)); raw != "" {
		enabled, err := strconv.ParseBool(raw)
		if err != nil {
			return RuntimeConfig{}, fmt.Errorf("%s parse error: %w", EnvTelemetryEnabled, err)
		}
		cfg.Enabled = enabled
	}
	var err error
	if cfg.QueueCapacity, err = positiveIntEnv(EnvTelemetryQueueCapacity, cfg.QueueCapacity); err != nil {
		return RuntimeConfig{}, err
	}
	if cfg.BatchSize, err = positiveIntEnv(EnvTelemetryBatchSize, cfg.BatchSize); err != nil {
		return RuntimeConfig{}, err
	}
	if cfg.ConversationSampleRate, err = positiveIntEnv(EnvTelemetryConversationSampleRate, cfg.ConversationSampleRate); err != nil {
		return RuntimeConfig{}, err
	}
	if cfg.ExportTimeoutMS, err = positiveIntEnv(EnvTelemetryExportTimeoutMS, cfg.ExportTimeoutMS); err != nil {
		return RuntimeConfig{}, err
	}

	return cfg, nil
}

func positiveIntEnv(name string, fallback int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 1 {
		return 0, fmt.Errorf("%s must be integer >=1", name)
	}
	return v, nil
}

// NewPipelineFromEnv creates a telemetry pipeline from environment settings.
// It returns nil when telemetry is disabled.
func NewPipelineFromEnv() (*Pipeline, error) {
	cfg, err := RuntimeConfigFromEnv()
	if err != nil {
		return nil, err
	}
	return NewPipelineFromConfig(cfg)
}

// NewPipelineFromConfig picks the OTLP sink when an endpoint is set, else the
// JSONL file sink when a path is set, else a discarding sink.
func NewPipelineFromConfig(cfg RuntimeConfig) (*Pipeline, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	timeout := time.Duration(cfg.ExportTimeoutMS) * time.Millisecond

	sink := Sink(discardSink{})
	switch {
	case cfg.OTLPHTTPEndpoint != "":
		httpSink, err := NewOTLPHTTPSink(OTLPHTTPSinkConfig{
			Endpoint: cfg.OTLPHTTPEndpoint,
			Client:   &http.Client{Timeout: timeout},
		})
		if err != nil {
			return nil, err
		}
		sink = httpSink
	case cfg.JSONLPath != "":
		fileSink, err := OpenJSONLFile(cfg.JSONLPath)
		if err != nil {
			return nil, err
		}
		sink = fileSink
	}

	return NewPipeline(sink, Config{
		QueueCapacity:          cfg.QueueCapacity,
		BatchSize:              cfg.BatchSize,
		ConversationSampleRate: cfg.ConversationSampleRate,
		ExportTimeout:          timeout,
		Logger:                 cfg.Logger,
	}), nil
}
