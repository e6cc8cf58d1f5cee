package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
)

// OTLPHTTPSinkConfig defines OTLP/HTTP export settings.
type OTLPHTTPSinkConfig struct {
	Endpoint    string
	ServiceName string
	// Headers are added to every export request, e.g. collector auth.
	Headers map[string]string
	Client  *http.Client
}

// OTLPHTTPSink posts OTLP/JSON requests to a collector: voice spans to
// /v1/traces, metric samples to /v1/metrics and evaluations to /v1/logs
// below the endpoint. A batch becomes at most one request per signal.
type OTLPHTTPSink struct {
	endpoint    url.URL
	serviceName string
	headers     http.Header
	client      *http.Client
}

// NewOTLPHTTPSink validates cfg and returns a sink.
func NewOTLPHTTPSink(cfg OTLPHTTPSinkConfig) (*OTLPHTTPSink, error) {
	raw := strings.TrimSpace(cfg.Endpoint)
	if raw == "" {
		return nil, fmt.Errorf("otlp endpoint is required")
	}
	endpoint, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse otlp endpoint: %w", err)
	}
	if endpoint.Scheme == "" || endpoint.Host == "" {
		return nil, fmt.Errorf("otlp endpoint must include scheme and host")
	}

	s := &OTLPHTTPSink{
		endpoint:    *endpoint,
		serviceName: strings.TrimSpace(cfg.ServiceName),
		headers:     make(http.Header, len(cfg.Headers)+1),
		client:      cfg.Client,
	}
	if s.serviceName == "" {
		s.serviceName = "voiceobs"
	}
	if s.client == nil {
		s.client = &http.Client{}
	}
	for k, v := range cfg.Headers {
		if k = strings.TrimSpace(k); k != "" {
			s.headers.Set(k, v)
		}
	}
	s.headers.Set("Content-Type", "application/json")
	return s, nil
}

// Export sends a single event.
func (s *OTLPHTTPSink) Export(ctx context.Context, event Event) error {
	return s.ExportBatch(ctx, []Event{event})
}

// ExportBatch splits events by signal and posts one request per signal, in
// the order traces, metrics, logs. The first failing request aborts the
// batch.
func (s *OTLPHTTPSink) ExportBatch(ctx context.Context, events []Event) error {
	var spans, metrics, logs []Event
	for _, event := range events {
		switch {
		case event.Span != nil:
			spans = append(spans, event)
		case event.Metric != nil:
			metrics = append(metrics, event)
		case event.Log != nil:
			logs = append(logs, event)
		}
	}
	if len(spans) > 0 {
		if err := s.post(ctx, "/v1/traces", buildOTLPTraces(s.serviceName, spans)); err != nil {
			return err
		}
	}
	if len(metrics) > 0 {
		if err := s.post(ctx, "/v1/metrics", buildOTLPMetrics(s.serviceName, metrics)); err != nil {
			return err
		}
	}
	if len(logs) > 0 {
		if err := s.post(ctx, "/v1/logs", buildOTLPLogs(s.serviceName, logs)); err != nil {
			return err
		}
	}
	return nil
}

func (s *OTLPHTTPSink) post(ctx context.Context, signalPath string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal otlp %s: %w", signalPath, err)
	}
	u := s.endpoint
	u.Path = path.Join("/", u.Path, signalPath)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build otlp request: %w", err)
	}
	req.Header = s.headers.Clone()

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("otlp export %s: %w", signalPath, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("otlp export %s: status %d", signalPath, resp.StatusCode)
	}
	return nil
}
