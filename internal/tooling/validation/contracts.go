package validation

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/voice-observation/voiceobs/api/voice"
	"github.com/voice-observation/voiceobs/internal/observability/report"
	"github.com/voice-observation/voiceobs/internal/observability/telemetry"
)

//go:embed schemas/*.json
var schemaFiles embed.FS

const (
	reportSchemaFile    = "schemas/report.schema.json"
	spanEventSchemaFile = "schemas/span_event.schema.json"
)

var (
	schemasOnce     sync.Once
	reportSchema    *jsonschema.Schema
	spanEventSchema *jsonschema.Schema
	schemasErr      error
)

func compiledSchemas() (*jsonschema.Schema, *jsonschema.Schema, error) {
	schemasOnce.Do(func() {
		reportSchema, schemasErr = compileSchema(reportSchemaFile)
		if schemasErr != nil {
			return
		}
		spanEventSchema, schemasErr = compileSchema(spanEventSchemaFile)
	})
	return reportSchema, spanEventSchema, schemasErr
}

func compileSchema(name string) (*jsonschema.Schema, error) {
	raw, err := schemaFiles.ReadFile(name)
	if err != nil {
		return nil, fmt.Errorf("read embedded schema %s: %w", name, err)
	}
	url := "https://schemas.voiceobs.dev/" + filepath.Base(name)
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", name, err)
	}
	return schema, nil
}

func validateAgainstSchema(schema *jsonschema.Schema, raw []byte) error {
	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return err
	}
	return schema.Validate(payload)
}

// ValidateReport checks an analysis report against its JSON schema and the
// typed invariants the schema cannot express (summary counts matching the
// failure list, the overall pass flag).
func ValidateReport(raw []byte) error {
	schema, _, err := compiledSchemas()
	if err != nil {
		return err
	}
	var doc report.Document
	if err := strictUnmarshal(raw, &doc); err != nil {
		return fmt.Errorf("decode report: %w", err)
	}
	if err := validateAgainstSchema(schema, raw); err != nil {
		return fmt.Errorf("report schema: %w", err)
	}
	return validateDocument(doc)
}

func validateDocument(doc report.Document) error {
	if doc.SchemaVersion != voice.SchemaVersion {
		return fmt.Errorf("schema_version %q is not supported (expected %q)", doc.SchemaVersion, voice.SchemaVersion)
	}
	if err := doc.Thresholds.Validate(); err != nil {
		return fmt.Errorf("thresholds: %w", err)
	}
	total := 0
	passed := true
	seen := make(map[string]struct{}, len(doc.Conversations))
	for idx, conv := range doc.Conversations {
		if _, dup := seen[conv.ConversationID]; dup {
			return fmt.Errorf("conversations[%d] duplicates conversation_id %q", idx, conv.ConversationID)
		}
		seen[conv.ConversationID] = struct{}{}
		for fidx, f := range conv.Failures {
			if err := f.Validate(); err != nil {
				return fmt.Errorf("conversations[%d].failures[%d]: %w", idx, fidx, err)
			}
		}
		if conv.Summary.Total != len(conv.Failures) {
			return fmt.Errorf("conversations[%d].summary.total=%d does not match %d failures", idx, conv.Summary.Total, len(conv.Failures))
		}
		total += conv.Summary.Total
		if !conv.Passed() {
			passed = false
		}
	}
	if doc.Totals.Total != total {
		return fmt.Errorf("totals.total=%d does not match %d conversation failures", doc.Totals.Total, total)
	}
	if doc.Passed != passed {
		return fmt.Errorf("passed=%v is inconsistent with conversation results", doc.Passed)
	}
	return nil
}

// ValidateSpanEvent checks one exported span event line.
func ValidateSpanEvent(raw []byte) error {
	_, schema, err := compiledSchemas()
	if err != nil {
		return err
	}
	var event telemetry.Event
	if err := strictUnmarshal(raw, &event); err != nil {
		return fmt.Errorf("decode span event: %w", err)
	}
	if err := validateAgainstSchema(schema, raw); err != nil {
		return fmt.Errorf("span event schema: %w", err)
	}
	span := event.Span
	if span.EndMS < span.StartMS {
		return fmt.Errorf("span %s ends before it starts", span.Name)
	}
	if version, ok := span.Attributes[voice.AttrSchemaVersion]; ok && version != voice.SchemaVersion {
		return fmt.Errorf("span %s has schema version %q (expected %q)", span.Name, version, voice.SchemaVersion)
	}
	if strings.HasPrefix(span.Name, voice.SpanStagePrefix) {
		if _, ok := voice.StageTypeFromSpanName(span.Name); !ok {
			return fmt.Errorf("unknown stage span %s", span.Name)
		}
	}
	return nil
}

// ContractValidationSummary reports fixture validation totals.
type ContractValidationSummary struct {
	Total    int
	Failed   int
	Failures []string
}

// ValidateContractFixtures validates valid/invalid fixture sets for the
// report and span event contracts under root.
func ValidateContractFixtures(root string) (ContractValidationSummary, error) {
	validators := []struct {
		name      string
		validator func([]byte) error
	}{
		{name: "report", validator: ValidateReport},
		{name: "span_event", validator: ValidateSpanEvent},
	}

	summary := ContractValidationSummary{}
	for _, entry := range validators {
		for _, validity := range []struct {
			dir        string
			shouldPass bool
		}{
			{dir: "valid", shouldPass: true},
			{dir: "invalid", shouldPass: false},
		} {
			dir := filepath.Join(root, entry.name, validity.dir)
			items, err := os.ReadDir(dir)
			if err != nil {
				return summary, fmt.Errorf("read fixtures %s: %w", dir, err)
			}
			names := make([]string, 0, len(items))
			for _, item := range items {
				if !item.IsDir() {
					names = append(names, item.Name())
				}
			}
			sort.Strings(names)
			for _, name := range names {
				summary.Total++
				filePath := filepath.Join(dir, name)
				raw, readErr := os.ReadFile(filePath)
				if readErr != nil {
					summary.Failed++
					summary.Failures = append(summary.Failures, fmt.Sprintf("%s: read error: %v", filePath, readErr))
					continue
				}
				err := entry.validator(raw)
				if validity.shouldPass && err != nil {
					summary.Failed++
					summary.Failures = append(summary.Failures, fmt.Sprintf("%s: expected valid, err=%v", filePath, err))
				}
				if !validity.shouldPass && err == nil {
					summary.Failed++
					summary.Failures = append(summary.Failures, fmt.Sprintf("%s: expected invalid", filePath))
				}
			}
		}
	}
	return summary, nil
}

// RenderSummary formats a fixture validation summary.
func RenderSummary(summary ContractValidationSummary) string {
	lines := []string{fmt.Sprintf("contract fixtures: total=%d failed=%d", summary.Total, summary.Failed)}
	if len(summary.Failures) > 0 {
		lines = append(lines, "failures:")
		for _, f := range summary.Failures {
			lines = append(lines, "- "+f)
		}
	}
	return strings.Join(lines, "\n")
}

func strictUnmarshal(data []byte, target any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(target); err != nil {
		return err
	}
	var extra any
	if err := dec.Decode(&extra); err != io.EOF {
		return fmt.Errorf("unexpected trailing JSON payload")
	}
	return nil
}
