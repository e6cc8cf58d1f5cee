package voicetrace

import (
	"sync"
	"time"

	"github.com/voice-observation/voiceobs/api/voice"
	"github.com/voice-observation/voiceobs/pkg/failures"
)

// Stage is one pipeline step: recognition, generation or synthesis. Setters
// may be called any time before End; values set after End are dropped.
type Stage struct {
	tracer    *Tracer
	conv      *Conversation
	turn      *Turn
	stageType voice.StageType
	provider  string
	model     string
	start     time.Time
	span      SpanHandle
	outer     *Stage
	parent    frame

	mu           sync.Mutex
	ended        bool
	durationMs   float64
	inputSize    *int
	outputSize   *int
	inputTokens  *int
	outputTokens *int
	ttfbMs       *float64
	confidence   *float64
}

// Type returns the stage type.
func (s *Stage) Type() voice.StageType { return s.stageType }

// Provider returns the provider name, possibly empty.
func (s *Stage) Provider() string { return s.provider }

// Model returns the model name, possibly empty.
func (s *Stage) Model() string { return s.model }

// Turn returns the turn current when the stage opened, or nil.
func (s *Stage) Turn() *Turn { return s.turn }

// SetOutputSize records the stage output size (characters, bytes or audio
// frames, as the caller defines it).
func (s *Stage) SetOutputSize(n int) { s.setInt(&s.outputSize, n) }

// SetInputTokens records LLM prompt tokens.
func (s *Stage) SetInputTokens(n int) { s.setInt(&s.inputTokens, n) }

// SetOutputTokens records LLM completion tokens.
func (s *Stage) SetOutputTokens(n int) { s.setInt(&s.outputTokens, n) }

// SetTTFB records the time to first byte in milliseconds.
func (s *Stage) SetTTFB(ms float64) { s.setFloat(&s.ttfbMs, ms) }

// SetConfidence records the recognition confidence of an ASR stage.
func (s *Stage) SetConfidence(c float64) { s.setFloat(&s.confidence, c) }

// DurationMs returns the measured duration once the stage has ended.
func (s *Stage) DurationMs() (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.durationMs, s.ended
}

func (s *Stage) setInt(dst **int, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	*dst = &n
}

func (s *Stage) setFloat(dst **float64, v float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	*dst = &v
}

func (s *Stage) spanHandle() SpanHandle { return s.span }
func (s *Stage) outerFrame() frame      { return s.parent }

func (s *Stage) isEnded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

// End closes the stage span. Later calls are no-ops.
func (s *Stage) End() { s.EndWithError(nil) }

// EndWithError closes the stage, flagging err on its span when non-nil.
func (s *Stage) EndWithError(err error) {
	end := s.tracer.now()

	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	s.durationMs = elapsedMs(s.start, end)
	attrs := s.attributesLocked()
	stageObs, recognition := s.observationsLocked()
	s.mu.Unlock()

	if s.conv != nil {
		s.conv.addStage(stageObs, recognition)
	}
	attrs = append(attrs, errorAttributes(err)...)
	s.span.SetAttributes(attrs...)
	s.span.End(end)
}

func (s *Stage) attributesLocked() []Attribute {
	attrs := baseAttributes(s.conv)
	attrs = append(attrs,
		String(voice.AttrStageType, string(s.stageType)),
		Float(voice.AttrStageDurationMS, s.durationMs),
	)
	if s.provider != "" {
		attrs = append(attrs, String(voice.AttrStageProvider, s.provider))
	}
	if s.model != "" {
		attrs = append(attrs, String(voice.AttrStageModel, s.model))
	}
	if s.turn != nil {
		attrs = append(attrs,
			String(voice.AttrTurnID, s.turn.id),
			Int(voice.AttrTurnIndex, s.turn.index),
		)
	}
	for _, opt := range []struct {
		key string
		v   *int
	}{
		{voice.AttrStageInputSize, s.inputSize},
		{voice.AttrStageOutputSize, s.outputSize},
		{voice.AttrStageInputTokens, s.inputTokens},
		{voice.AttrStageOutputTokens, s.outputTokens},
	} {
		if opt.v != nil {
			attrs = append(attrs, Int(opt.key, *opt.v))
		}
	}
	if s.ttfbMs != nil {
		attrs = append(attrs, Float(voice.AttrStageTTFBMS, *s.ttfbMs))
	}
	if s.confidence != nil {
		attrs = append(attrs, Float(voice.AttrASRConfidence, *s.confidence))
	}
	return attrs
}

func (s *Stage) observationsLocked() (failures.StageObservation, *failures.RecognitionObservation) {
	obs := failures.StageObservation{
		Type:       s.stageType,
		Provider:   s.provider,
		Model:      s.model,
		DurationMs: s.durationMs,
	}
	if s.turn != nil {
		index := s.turn.index
		obs.TurnID = s.turn.id
		obs.TurnIndex = &index
	}
	if s.confidence == nil || s.stageType != voice.StageASR {
		return obs, nil
	}
	return obs, &failures.RecognitionObservation{
		TurnID:     obs.TurnID,
		TurnIndex:  obs.TurnIndex,
		Confidence: *s.confidence,
	}
}
