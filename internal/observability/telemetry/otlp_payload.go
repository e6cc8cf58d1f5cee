package telemetry

import (
	"sort"
	"strconv"
	"strings"

	"github.com/voice-observation/voiceobs/api/voice"
)

// OTLP/JSON request bodies. Only the fields voice telemetry fills are
// modelled; 64-bit integers are decimal strings and ids are lowercase hex,
// as the OTLP/HTTP JSON encoding requires.

const otlpScopeName = "github.com/voice-observation/voiceobs"

type otlpAnyValue struct {
	StringValue string `json:"stringValue"`
}

type otlpKeyValue struct {
	Key   string       `json:"key"`
	Value otlpAnyValue `json:"value"`
}

type otlpResource struct {
	Attributes []otlpKeyValue `json:"attributes"`
}

type otlpScope struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

type otlpStatus struct {
	Code    int    `json:"code"`
	Message string `json:"message,omitempty"`
}

type otlpSpan struct {
	TraceID           string         `json:"traceId"`
	SpanID            string         `json:"spanId"`
	ParentSpanID      string         `json:"parentSpanId,omitempty"`
	Name              string         `json:"name"`
	Kind              int            `json:"kind"`
	StartTimeUnixNano string         `json:"startTimeUnixNano"`
	EndTimeUnixNano   string         `json:"endTimeUnixNano"`
	Attributes        []otlpKeyValue `json:"attributes,omitempty"`
	Status            *otlpStatus    `json:"status,omitempty"`
}

type otlpScopeSpans struct {
	Scope otlpScope  `json:"scope"`
	Spans []otlpSpan `json:"spans"`
}

type otlpResourceSpans struct {
	Resource   otlpResource     `json:"resource"`
	ScopeSpans []otlpScopeSpans `json:"scopeSpans"`
}

type otlpTraces struct {
	ResourceSpans []otlpResourceSpans `json:"resourceSpans"`
}

type otlpDataPoint struct {
	TimeUnixNano string         `json:"timeUnixNano"`
	AsDouble     float64        `json:"asDouble"`
	Attributes   []otlpKeyValue `json:"attributes,omitempty"`
}

type otlpGauge struct {
	DataPoints []otlpDataPoint `json:"dataPoints"`
}

type otlpSum struct {
	DataPoints             []otlpDataPoint `json:"dataPoints"`
	AggregationTemporality int             `json:"aggregationTemporality"`
	IsMonotonic            bool            `json:"isMonotonic"`
}

type otlpMetric struct {
	Name  string     `json:"name"`
	Unit  string     `json:"unit,omitempty"`
	Gauge *otlpGauge `json:"gauge,omitempty"`
	Sum   *otlpSum   `json:"sum,omitempty"`
}

type otlpScopeMetrics struct {
	Scope   otlpScope    `json:"scope"`
	Metrics []otlpMetric `json:"metrics"`
}

type otlpResourceMetrics struct {
	Resource     otlpResource       `json:"resource"`
	ScopeMetrics []otlpScopeMetrics `json:"scopeMetrics"`
}

type otlpMetrics struct {
	ResourceMetrics []otlpResourceMetrics `json:"resourceMetrics"`
}

type otlpLogRecord struct {
	TimeUnixNano   string         `json:"timeUnixNano"`
	SeverityNumber int            `json:"severityNumber"`
	SeverityText   string         `json:"severityText"`
	Body           otlpAnyValue   `json:"body"`
	Attributes     []otlpKeyValue `json:"attributes,omitempty"`
}

type otlpScopeLogs struct {
	Scope      otlpScope       `json:"scope"`
	LogRecords []otlpLogRecord `json:"logRecords"`
}

type otlpResourceLogs struct {
	Resource  otlpResource    `json:"resource"`
	ScopeLogs []otlpScopeLogs `json:"scopeLogs"`
}

type otlpLogs struct {
	ResourceLogs []otlpResourceLogs `json:"resourceLogs"`
}

const (
	otlpSpanKindInternal     = 1
	otlpStatusError          = 2
	otlpTemporalityDelta     = 1
	otlpTraceIDHexWidth      = 32
	otlpSpanIDHexWidth       = 16
	correlationAttrEventID   = "voice.event.id"
	correlationAttrEmittedBy = "voice.emitted_by"
)

func otlpResourceFor(serviceName string) otlpResource {
	return otlpResource{Attributes: []otlpKeyValue{
		{Key: "service.name", Value: otlpAnyValue{StringValue: serviceName}},
		{Key: voice.AttrSchemaVersion, Value: otlpAnyValue{StringValue: voice.SchemaVersion}},
	}}
}

func otlpScopeFor() otlpScope {
	return otlpScope{Name: otlpScopeName, Version: voice.SchemaVersion}
}

func buildOTLPTraces(serviceName string, events []Event) otlpTraces {
	spans := make([]otlpSpan, 0, len(events))
	for _, event := range events {
		s := event.Span
		span := otlpSpan{
			TraceID:           padHex(s.TraceID, otlpTraceIDHexWidth),
			SpanID:            padHex(s.SpanID, otlpSpanIDHexWidth),
			Name:              s.Name,
			Kind:              otlpSpanKindInternal,
			StartTimeUnixNano: unixNano(s.StartMS),
			EndTimeUnixNano:   unixNano(s.EndMS),
			Attributes:        otlpAttributes(s.Attributes, event.Correlation),
		}
		if s.ParentSpanID != "" {
			span.ParentSpanID = padHex(s.ParentSpanID, otlpSpanIDHexWidth)
		}
		if s.Failed() {
			span.Status = &otlpStatus{Code: otlpStatusError, Message: s.Attributes[voice.AttrErrorMessage]}
		}
		spans = append(spans, span)
	}
	return otlpTraces{ResourceSpans: []otlpResourceSpans{{
		Resource:   otlpResourceFor(serviceName),
		ScopeSpans: []otlpScopeSpans{{Scope: otlpScopeFor(), Spans: spans}},
	}}}
}

// buildOTLPMetrics groups samples by metric name, keeping first-seen order.
func buildOTLPMetrics(serviceName string, events []Event) otlpMetrics {
	var metrics []otlpMetric
	index := make(map[string]int)
	for _, event := range events {
		m := event.Metric
		point := otlpDataPoint{
			TimeUnixNano: unixNano(event.TimestampMS),
			AsDouble:     m.Value,
			Attributes:   otlpAttributes(m.Attributes, event.Correlation),
		}
		i, ok := index[m.Name]
		if !ok {
			i = len(metrics)
			index[m.Name] = i
			metric := otlpMetric{Name: m.Name, Unit: m.Unit}
			if m.Counter() {
				metric.Sum = &otlpSum{AggregationTemporality: otlpTemporalityDelta, IsMonotonic: true}
			} else {
				metric.Gauge = &otlpGauge{}
			}
			metrics = append(metrics, metric)
		}
		if metrics[i].Sum != nil {
			metrics[i].Sum.DataPoints = append(metrics[i].Sum.DataPoints, point)
		} else {
			metrics[i].Gauge.DataPoints = append(metrics[i].Gauge.DataPoints, point)
		}
	}
	return otlpMetrics{ResourceMetrics: []otlpResourceMetrics{{
		Resource:     otlpResourceFor(serviceName),
		ScopeMetrics: []otlpScopeMetrics{{Scope: otlpScopeFor(), Metrics: metrics}},
	}}}
}

func buildOTLPLogs(serviceName string, events []Event) otlpLogs {
	records := make([]otlpLogRecord, 0, len(events))
	for _, event := range events {
		l := event.Log
		attrs := otlpAttributes(l.Attributes, event.Correlation)
		attrs = append(attrs, otlpKeyValue{Key: "event.name", Value: otlpAnyValue{StringValue: l.Name}})
		records = append(records, otlpLogRecord{
			TimeUnixNano:   unixNano(event.TimestampMS),
			SeverityNumber: severityNumber(l.Severity),
			SeverityText:   strings.ToUpper(l.Severity),
			Body:           otlpAnyValue{StringValue: l.Message},
			Attributes:     attrs,
		})
	}
	return otlpLogs{ResourceLogs: []otlpResourceLogs{{
		Resource:  otlpResourceFor(serviceName),
		ScopeLogs: []otlpScopeLogs{{Scope: otlpScopeFor(), LogRecords: records}},
	}}}
}

// otlpAttributes merges payload attributes with the correlation ids, sorted
// by key. Payload attributes win on conflict.
func otlpAttributes(attrs map[string]string, c Correlation) []otlpKeyValue {
	merged := make(map[string]string, len(attrs)+4)
	add := func(key, value string) {
		if value != "" {
			merged[key] = value
		}
	}
	add(voice.AttrConversationID, c.ConversationID)
	add(voice.AttrTurnID, c.TurnID)
	add(correlationAttrEventID, c.EventID)
	add(correlationAttrEmittedBy, c.EmittedBy)
	for k, v := range attrs {
		merged[k] = v
	}
	if len(merged) == 0 {
		return nil
	}
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]otlpKeyValue, 0, len(keys))
	for _, k := range keys {
		out = append(out, otlpKeyValue{Key: k, Value: otlpAnyValue{StringValue: merged[k]}})
	}
	return out
}

func severityNumber(severity string) int {
	switch strings.ToLower(severity) {
	case "debug":
		return 5
	case "info":
		return 9
	case "warn", "warning":
		return 13
	case "error":
		return 17
	default:
		return 0
	}
}

func unixNano(ms int64) string {
	return strconv.FormatInt(ms*1_000_000, 10)
}

// padHex left-pads id with zeros to width. Longer ids are kept whole.
func padHex(id string, width int) string {
	id = strings.ToLower(id)
	if len(id) >= width {
		return id
	}
	return strings.Repeat("0", width-len(id)) + id
}
