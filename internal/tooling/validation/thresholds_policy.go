package validation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/voice-observation/voiceobs/pkg/failures"
)

// ValidationMode controls strictness for tooling validation commands.
type ValidationMode string

const (
	ValidationModeStrict  ValidationMode = "strict"
	ValidationModeRelaxed ValidationMode = "relaxed"
)

// ParseValidationMode normalizes command mode input.
func ParseValidationMode(raw string) (ValidationMode, error) {
	trimmed := strings.ToLower(strings.TrimSpace(raw))
	if trimmed == "" {
		return ValidationModeStrict, nil
	}
	switch ValidationMode(trimmed) {
	case ValidationModeStrict, ValidationModeRelaxed:
		return ValidationMode(trimmed), nil
	default:
		return "", fmt.Errorf("unsupported validation mode %q (expected strict|relaxed)", raw)
	}
}

// ValidateThresholdsFile validates a thresholds file in strict or relaxed
// mode. The format follows the file extension as in failures.LoadThresholdsFile.
func ValidateThresholdsFile(path string, mode string) (failures.Thresholds, error) {
	normalizedPath := strings.TrimSpace(path)
	if normalizedPath == "" {
		return failures.Thresholds{}, fmt.Errorf("thresholds path is required")
	}
	raw, err := os.ReadFile(normalizedPath)
	if err != nil {
		return failures.Thresholds{}, fmt.Errorf("read thresholds file %s: %w", normalizedPath, err)
	}
	format := "yaml"
	switch strings.ToLower(filepath.Ext(normalizedPath)) {
	case ".json", ".jsonc":
		format = "json"
	}
	th, err := ValidateThresholds(raw, format, mode)
	if err != nil {
		return failures.Thresholds{}, fmt.Errorf("validate thresholds %s: %w", normalizedPath, err)
	}
	return th, nil
}

// ValidateThresholds decodes raw (format "yaml" or "json") over the defaults.
// Strict mode rejects unknown keys and requires every severity tier to start
// at or above the threshold that triggers it; relaxed mode only applies
// failures.Thresholds.Validate.
func ValidateThresholds(raw []byte, format string, mode string) (failures.Thresholds, error) {
	parsedMode, err := ParseValidationMode(mode)
	if err != nil {
		return failures.Thresholds{}, err
	}
	strict := parsedMode == ValidationModeStrict
	th := failures.DefaultThresholds()
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "yaml", "yml", "":
		err = decodeYAML(raw, &th, strict)
	case "json", "jsonc":
		err = decodeJSON(jsonc.ToJSON(raw), &th, strict)
	default:
		return failures.Thresholds{}, fmt.Errorf("unsupported thresholds format %q (expected yaml|json)", format)
	}
	if err != nil {
		return failures.Thresholds{}, err
	}
	if err := th.Validate(); err != nil {
		return failures.Thresholds{}, err
	}
	if strict {
		if err := validateTierOrdering(th); err != nil {
			return failures.Thresholds{}, err
		}
	}
	return th, nil
}

func validateTierOrdering(th failures.Thresholds) error {
	if th.InterruptionLowMaxMs < th.InterruptionOverlapMs {
		return fmt.Errorf("interruption_low_max_ms=%.0f is below interruption_overlap_ms=%.0f", th.InterruptionLowMaxMs, th.InterruptionOverlapMs)
	}
	if th.SilenceLowMaxMs < th.ExcessiveSilenceMs {
		return fmt.Errorf("silence_low_max_ms=%.0f is below excessive_silence_ms=%.0f", th.SilenceLowMaxMs, th.ExcessiveSilenceMs)
	}
	for _, slow := range []struct {
		name  string
		value float64
	}{
		{"slow_asr_ms", th.SlowASRMs},
		{"slow_llm_ms", th.SlowLLMMs},
		{"slow_tts_ms", th.SlowTTSMs},
	} {
		if th.SlowLowMaxMs < slow.value {
			return fmt.Errorf("slow_low_max_ms=%.0f is below %s=%.0f", th.SlowLowMaxMs, slow.name, slow.value)
		}
	}
	return nil
}

func decodeYAML(raw []byte, out any, strict bool) error {
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(strict)
	if err := dec.Decode(out); err != nil && err != io.EOF {
		return err
	}
	return nil
}

func decodeJSON(raw []byte, out any, strict bool) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	if strict {
		dec.DisallowUnknownFields()
	}
	if err := dec.Decode(out); err != nil {
		return err
	}
	var extra any
	if err := dec.Decode(&extra); err != nil {
		if err == io.EOF {
			return nil
		}
		return err
	}
	return fmt.Errorf("unexpected trailing JSON payload")
}
