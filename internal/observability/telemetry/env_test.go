package telemetry

import (
	"os"
	"path/filepath"
	"testing"
)

func TestRuntimeConfigFromEnvDefaults(t *testing.T) {
	cfg, err := RuntimeConfigFromEnv()
	if err != nil {
		t.Fatalf("unexpected default env parse error: %v", err)
	}
	if !cfg.Enabled || cfg.QueueCapacity != 256 || cfg.BatchSize != 64 || cfg.ConversationSampleRate != 1 || cfg.ExportTimeoutMS != 200 {
		t.Fatalf("unexpected default config: %+v", cfg)
	}
}

func TestRuntimeConfigFromEnvRejectsInvalidValues(t *testing.T) {
	t.Run("invalid_enabled", func(t *testing.T) {
		t.Setenv(EnvTelemetryEnabled, "not-bool")
		if _, err := RuntimeConfigFromEnv(); err == nil {
			t.Fatalf("expected invalid enabled parse error")
		}
	})

	t.Run("invalid_queue_capacity", func(t *testing.T) {
		t.Setenv(EnvTelemetryQueueCapacity, "0")
		if _, err := RuntimeConfigFromEnv(); err == nil {
			t.Fatalf("expected queue capacity validation error")
		}
	})

	t.Run("invalid_sample_rate", func(t *testing.T) {
		t.Setenv(EnvTelemetryConversationSampleRate, "-1")
		if _, err := RuntimeConfigFromEnv(); err == nil {
			t.Fatalf("expected sample rate validation error")
		}
	})

	t.Run("invalid_batch_size", func(t *testing.T) {
		t.Setenv(EnvTelemetryBatchSize, "0")
		if _, err := RuntimeConfigFromEnv(); err == nil {
			t.Fatalf("expected batch size validation error")
		}
	})

	t.Run("invalid_timeout", func(t *testing.T) {
		t.Setenv(EnvTelemetryExportTimeoutMS, "abc")
		if _, err := RuntimeConfigFromEnv(); err == nil {
			t.Fatalf("expected timeout validation error")
		}
	})
}

func TestRuntimeConfigFromEnvReadsSampling(t *testing.T) {
	t.Setenv(EnvTelemetryConversationSampleRate, "10")
	t.Setenv(EnvTelemetryBatchSize, "8")
	cfg, err := RuntimeConfigFromEnv()
	if err != nil {
		t.Fatalf("unexpected env parse error: %v", err)
	}
	if cfg.ConversationSampleRate != 10 || cfg.BatchSize != 8 {
		t.Fatalf("unexpected sampling config: %+v", cfg)
	}
}

func TestNewPipelineFromEnv(t *testing.T) {
	t.Run("disabled_returns_nil", func(t *testing.T) {
		t.Setenv(EnvTelemetryEnabled, "false")
		pipeline, err := NewPipelineFromEnv()
		if err != nil {
			t.Fatalf("unexpected disabled env error: %v", err)
		}
		if pipeline != nil {
			t.Fatalf("expected nil pipeline when telemetry disabled")
		}
	})

	t.Run("invalid_endpoint_fails", func(t *testing.T) {
		t.Setenv(EnvTelemetryEnabled, "true")
		t.Setenv(EnvTelemetryOTLPHTTPEndpoint, "localhost:4318")
		if _, err := NewPipelineFromEnv(); err == nil {
			t.Fatalf("expected invalid endpoint to fail")
		}
	})

	t.Run("enabled_without_endpoint_uses_local_pipeline", func(t *testing.T) {
		t.Setenv(EnvTelemetryEnabled, "true")
		t.Setenv(EnvTelemetryOTLPHTTPEndpoint, "")
		pipeline, err := NewPipelineFromEnv()
		if err != nil {
			t.Fatalf("unexpected pipeline creation error: %v", err)
		}
		if pipeline == nil {
			t.Fatalf("expected non-nil pipeline when telemetry enabled")
		}
		if err := pipeline.Close(); err != nil {
			t.Fatalf("unexpected close error: %v", err)
		}
	})

	t.Run("jsonl_path_writes_file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "events.jsonl")
		t.Setenv(EnvTelemetryEnabled, "true")
		t.Setenv(EnvTelemetryOTLPHTTPEndpoint, "")
		t.Setenv(EnvTelemetryJSONLPath, path)
		pipeline, err := NewPipelineFromEnv()
		if err != nil {
			t.Fatalf("unexpected pipeline creation error: %v", err)
		}
		pipeline.EmitMetric(MetricResponseLatencyMS, 300, "ms", nil, Correlation{ConversationID: "conv-env"})
		if err := pipeline.Close(); err != nil {
			t.Fatalf("unexpected close error: %v", err)
		}

		f, err := os.Open(path)
		if err != nil {
			t.Fatalf("open jsonl: %v", err)
		}
		defer f.Close()
		events, err := ReadJSONL(f)
		if err != nil {
			t.Fatalf("read jsonl: %v", err)
		}
		if len(events) != 1 || events[0].Correlation.ConversationID != "conv-env" {
			t.Fatalf("unexpected jsonl events: %+v", events)
		}
	})
}
