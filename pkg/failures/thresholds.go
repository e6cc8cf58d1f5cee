package failures

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/voice-observation/voiceobs/api/voice"
)

// EnvThresholdsFile names a thresholds file overlaying the defaults.
const EnvThresholdsFile = "VOICEOBS_THRESHOLDS_FILE"

// Thresholds holds the triggering and grading cutoffs. Every field is
// independently overridable; a Thresholds value is read-only once in use and
// may be shared across goroutines.
type Thresholds struct {
	InterruptionOverlapMs float64 `json:"interruption_overlap_ms" yaml:"interruption_overlap_ms"`
	ExcessiveSilenceMs    float64 `json:"excessive_silence_ms" yaml:"excessive_silence_ms"`
	SlowASRMs             float64 `json:"slow_asr_ms" yaml:"slow_asr_ms"`
	SlowLLMMs             float64 `json:"slow_llm_ms" yaml:"slow_llm_ms"`
	SlowTTSMs             float64 `json:"slow_tts_ms" yaml:"slow_tts_ms"`
	ASRMinConfidence      float64 `json:"asr_min_confidence" yaml:"asr_min_confidence"`
	LLMMinRelevance       float64 `json:"llm_min_relevance" yaml:"llm_min_relevance"`

	InterruptionLowMaxMs    float64 `json:"interruption_low_max_ms" yaml:"interruption_low_max_ms"`
	InterruptionMediumMaxMs float64 `json:"interruption_medium_max_ms" yaml:"interruption_medium_max_ms"`
	SilenceLowMaxMs         float64 `json:"silence_low_max_ms" yaml:"silence_low_max_ms"`
	SilenceMediumMaxMs      float64 `json:"silence_medium_max_ms" yaml:"silence_medium_max_ms"`
	SlowLowMaxMs            float64 `json:"slow_low_max_ms" yaml:"slow_low_max_ms"`
	SlowMediumMaxMs         float64 `json:"slow_medium_max_ms" yaml:"slow_medium_max_ms"`
}

// DefaultThresholds returns the baseline thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		InterruptionOverlapMs: 0,
		ExcessiveSilenceMs:    3000,
		SlowASRMs:             2000,
		SlowLLMMs:             2000,
		SlowTTSMs:             2000,
		ASRMinConfidence:      0.7,
		LLMMinRelevance:       0.5,

		InterruptionLowMaxMs:    200,
		InterruptionMediumMaxMs: 500,
		SilenceLowMaxMs:         5000,
		SilenceMediumMaxMs:      8000,
		SlowLowMaxMs:            3000,
		SlowMediumMaxMs:         5000,
	}
}

// Validate rejects negative cutoffs, inverted tiers and out-of-range ratios.
func (t Thresholds) Validate() error {
	named := []struct {
		name  string
		value float64
	}{
		{"interruption_overlap_ms", t.InterruptionOverlapMs},
		{"excessive_silence_ms", t.ExcessiveSilenceMs},
		{"slow_asr_ms", t.SlowASRMs},
		{"slow_llm_ms", t.SlowLLMMs},
		{"slow_tts_ms", t.SlowTTSMs},
		{"interruption_low_max_ms", t.InterruptionLowMaxMs},
		{"interruption_medium_max_ms", t.InterruptionMediumMaxMs},
		{"silence_low_max_ms", t.SilenceLowMaxMs},
		{"silence_medium_max_ms", t.SilenceMediumMaxMs},
		{"slow_low_max_ms", t.SlowLowMaxMs},
		{"slow_medium_max_ms", t.SlowMediumMaxMs},
	}
	for _, n := range named {
		if n.value < 0 {
			return fmt.Errorf("%s must be >=0", n.name)
		}
	}
	if t.ASRMinConfidence < 0 || t.ASRMinConfidence > 1 {
		return fmt.Errorf("asr_min_confidence must be within [0,1]")
	}
	if t.LLMMinRelevance < 0 || t.LLMMinRelevance > 1 {
		return fmt.Errorf("llm_min_relevance must be within [0,1]")
	}
	if t.InterruptionLowMaxMs > t.InterruptionMediumMaxMs {
		return fmt.Errorf("interruption_low_max_ms must be <= interruption_medium_max_ms")
	}
	if t.SilenceLowMaxMs > t.SilenceMediumMaxMs {
		return fmt.Errorf("silence_low_max_ms must be <= silence_medium_max_ms")
	}
	if t.SlowLowMaxMs > t.SlowMediumMaxMs {
		return fmt.Errorf("slow_low_max_ms must be <= slow_medium_max_ms")
	}
	return nil
}

// SlowThreshold returns the triggering duration for a stage type.
func (t Thresholds) SlowThreshold(stage voice.StageType) (float64, bool) {
	switch stage {
	case voice.StageASR:
		return t.SlowASRMs, true
	case voice.StageLLM:
		return t.SlowLLMMs, true
	case voice.StageTTS:
		return t.SlowTTSMs, true
	default:
		return 0, false
	}
}

// ParseThresholdsYAML overlays a (possibly partial) YAML document on the
// defaults: keys absent from data keep their default values.
func ParseThresholdsYAML(data []byte) (Thresholds, error) {
	th := DefaultThresholds()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&th); err != nil && !errors.Is(err, io.EOF) {
		return Thresholds{}, fmt.Errorf("decode thresholds: %w", err)
	}
	if err := th.Validate(); err != nil {
		return Thresholds{}, fmt.Errorf("invalid thresholds: %w", err)
	}
	return th, nil
}

// ParseThresholdsJSON overlays a JSON document on the defaults. Comments and
// trailing commas are accepted; unknown keys are rejected.
func ParseThresholdsJSON(data []byte) (Thresholds, error) {
	th := DefaultThresholds()
	dec := json.NewDecoder(bytes.NewReader(jsonc.ToJSON(data)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&th); err != nil && !errors.Is(err, io.EOF) {
		return Thresholds{}, fmt.Errorf("decode thresholds: %w", err)
	}
	if err := th.Validate(); err != nil {
		return Thresholds{}, fmt.Errorf("invalid thresholds: %w", err)
	}
	return th, nil
}

// LoadThresholdsFile reads a thresholds file. Files ending in .json or .jsonc
// are parsed as JSON, anything else as YAML.
func LoadThresholdsFile(path string) (Thresholds, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Thresholds{}, fmt.Errorf("read thresholds file %s: %w", path, err)
	}
	parse := ParseThresholdsYAML
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		parse = ParseThresholdsJSON
	}
	th, err := parse(data)
	if err != nil {
		return Thresholds{}, fmt.Errorf("thresholds file %s: %w", path, err)
	}
	return th, nil
}

// ThresholdsFromEnv loads the file named by VOICEOBS_THRESHOLDS_FILE, or the
// defaults when it is unset.
func ThresholdsFromEnv() (Thresholds, error) {
	path := strings.TrimSpace(os.Getenv(EnvThresholdsFile))
	if path == "" {
		return DefaultThresholds(), nil
	}
	return LoadThresholdsFile(path)
}

// MarshalThresholdsYAML renders the effective thresholds.
func MarshalThresholdsYAML(t Thresholds) ([]byte, error) {
	return yaml.Marshal(t)
}
