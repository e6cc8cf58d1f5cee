// Package simulate drives scripted voice conversations through a tracer on a
// virtual clock, producing the same spans and observations a live agent
// would.
package simulate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/voice-observation/voiceobs/api/voice"
	"github.com/voice-observation/voiceobs/pkg/failures"
	"github.com/voice-observation/voiceobs/pkg/voicetrace"
)

// Clock is a manually advanced time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock starts a clock at start.
func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

// Now returns the current virtual time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by ms milliseconds.
func (c *Clock) Advance(ms int64) {
	c.mu.Lock()
	c.now = c.now.Add(time.Duration(ms) * time.Millisecond)
	c.mu.Unlock()
}

// Exchange is one user turn followed by one agent turn.
type Exchange struct {
	UserSpeechMs  int64
	ASRMs         int64
	ASRConfidence float64
	LLMMs         int64
	TTSMs         int64
	TTSFirstByte  int64
	AgentSpeechMs int64
	// BargeInMs > 0 marks the agent speech start that many milliseconds
	// before the user finished speaking.
	BargeInMs int64
	// ExtraSilenceMs is waited after the stages before the agent speaks.
	ExtraSilenceMs int64

	IntentCorrect *bool
	Relevance     *float64
}

// Script is a scripted conversation.
type Script struct {
	ConversationID string
	ASRProvider    string
	LLMProvider    string
	LLMModel       string
	TTSProvider    string
	Exchanges      []Exchange
}

// EvaluationFunc receives every evaluation recorded on a conversation.
type EvaluationFunc func(conversationID string, ev failures.EvaluationObservation)

// Run plays script through tracer, advancing clock as the script dictates.
// The tracer must read time from clock. The ended conversation is returned
// so callers can classify it.
func Run(ctx context.Context, tracer *voicetrace.Tracer, clock *Clock, script Script, onEval EvaluationFunc) (*voicetrace.Conversation, error) {
	var conv *voicetrace.Conversation
	err := tracer.Conversation(ctx, script.ConversationID, func(ctx context.Context, c *voicetrace.Conversation) error {
		conv = c
		for i, ex := range script.Exchanges {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := runExchange(ctx, tracer, clock, script, ex, c, onEval); err != nil {
				return fmt.Errorf("exchange %d: %w", i, err)
			}
		}
		return nil
	})
	return conv, err
}

func runExchange(ctx context.Context, tracer *voicetrace.Tracer, clock *Clock, script Script, ex Exchange, conv *voicetrace.Conversation, onEval EvaluationFunc) error {
	var userEnd time.Time
	err := tracer.Turn(ctx, voice.ActorUser, func(ctx context.Context, _ *voicetrace.Turn) error {
		clock.Advance(ex.UserSpeechMs)
		userEnd = clock.Now()
		voicetrace.MarkSpeechEnd(ctx)
		return tracer.Stage(ctx, voice.StageASR, voicetrace.StageOptions{Provider: script.ASRProvider}, func(_ context.Context, s *voicetrace.Stage) error {
			clock.Advance(ex.ASRMs)
			s.SetConfidence(ex.ASRConfidence)
			return nil
		})
	})
	if err != nil {
		return err
	}

	return tracer.Turn(ctx, voice.ActorAgent, func(ctx context.Context, turn *voicetrace.Turn) error {
		if ex.BargeInMs > 0 {
			voicetrace.MarkSpeechStartAt(ctx, userEnd.Add(-time.Duration(ex.BargeInMs)*time.Millisecond))
		}
		err := tracer.Stage(ctx, voice.StageLLM, voicetrace.StageOptions{Provider: script.LLMProvider, Model: script.LLMModel}, func(_ context.Context, s *voicetrace.Stage) error {
			clock.Advance(ex.LLMMs)
			s.SetOutputTokens(int(ex.LLMMs / 20))
			return nil
		})
		if err != nil {
			return err
		}
		err = tracer.Stage(ctx, voice.StageTTS, voicetrace.StageOptions{Provider: script.TTSProvider}, func(_ context.Context, s *voicetrace.Stage) error {
			clock.Advance(ex.TTSMs)
			s.SetTTFB(float64(ex.TTSFirstByte))
			return nil
		})
		if err != nil {
			return err
		}
		clock.Advance(ex.ExtraSilenceMs)
		if ex.BargeInMs <= 0 {
			voicetrace.MarkSpeechStart(ctx)
		}
		clock.Advance(ex.AgentSpeechMs)

		if ex.IntentCorrect != nil || ex.Relevance != nil {
			index := turn.Index()
			ev := failures.EvaluationObservation{
				TurnID:        turn.ID(),
				TurnIndex:     &index,
				IntentCorrect: ex.IntentCorrect,
				Relevance:     ex.Relevance,
			}
			conv.AddEvaluation(ev)
			if onEval != nil {
				onEval(conv.ID(), ev)
			}
		}
		return nil
	})
}

// DefaultScript builds a conversation of n exchanges mixing healthy
// exchanges with every failure the classifier detects.
func DefaultScript(conversationID string, n int) Script {
	script := Script{
		ConversationID: conversationID,
		ASRProvider:    "deepgram",
		LLMProvider:    "openai",
		LLMModel:       "gpt-4o-mini",
		TTSProvider:    "elevenlabs",
	}
	for i := 0; i < n; i++ {
		ex := Exchange{
			UserSpeechMs:  1200,
			ASRMs:         180,
			ASRConfidence: 0.94,
			LLMMs:         450,
			TTSMs:         160,
			TTSFirstByte:  90,
			AgentSpeechMs: 2000,
		}
		switch i % 6 {
		case 1:
			ex.LLMMs = 3400
		case 2:
			ex.BargeInMs = 350
		case 3:
			ex.ASRConfidence = 0.31
			correct := false
			ex.IntentCorrect = &correct
		case 4:
			ex.ExtraSilenceMs = 4200
			relevance := 0.35
			ex.Relevance = &relevance
		}
		script.Exchanges = append(script.Exchanges, ex)
	}
	return script
}
