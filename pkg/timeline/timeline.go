// Package timeline turns turn boundaries and speech marks of one
// conversation into user-perceived latency metrics.
package timeline

import (
	"errors"
	"sync"
	"time"

	"github.com/voice-observation/voiceobs/api/voice"
)

// ErrTurnInProgress is returned by StartTurn when another turn already holds
// the in-progress slot.
var ErrTurnInProgress = errors.New("timeline: a turn is already in progress")

const nsPerMS = 1e6

// TurnTiming is the timeline entry for one turn. Times are nanoseconds on the
// timeline clock.
type TurnTiming struct {
	TurnIndex         int         `json:"turn_index"`
	Actor             voice.Actor `json:"actor"`
	StartTimeNs       int64       `json:"start_time_ns"`
	EndTimeNs         *int64      `json:"end_time_ns,omitempty"`
	SpeechEndTimeNs   *int64      `json:"speech_end_time_ns,omitempty"`
	SpeechStartTimeNs *int64      `json:"speech_start_time_ns,omitempty"`
}

// DurationMs returns the turn's wall duration once it has ended.
func (t TurnTiming) DurationMs() (float64, bool) {
	if t.EndTimeNs == nil {
		return 0, false
	}
	return float64(*t.EndTimeNs-t.StartTimeNs) / nsPerMS, true
}

func (t TurnTiming) clone() TurnTiming {
	t.EndTimeNs = clonePtr(t.EndTimeNs)
	t.SpeechEndTimeNs = clonePtr(t.SpeechEndTimeNs)
	t.SpeechStartTimeNs = clonePtr(t.SpeechStartTimeNs)
	return t
}

// Option configures a Timeline.
type Option func(*Timeline)

// WithClock overrides the nanosecond clock used for turn boundaries and
// speech marks.
func WithClock(now func() int64) Option {
	return func(t *Timeline) {
		if now != nil {
			t.now = now
		}
	}
}

// Timeline holds the completed turns of one conversation and at most one
// in-progress turn.
type Timeline struct {
	mu         sync.Mutex
	now        func() int64
	completed  []TurnTiming
	inProgress *TurnTiming
}

// New returns an empty timeline.
func New(opts ...Option) *Timeline {
	t := &Timeline{
		now: func() int64 { return time.Now().UnixNano() },
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// StartTurn opens the in-progress entry.
func (t *Timeline) StartTurn(turnIndex int, actor voice.Actor) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.inProgress != nil {
		return ErrTurnInProgress
	}
	t.inProgress = &TurnTiming{
		TurnIndex:   turnIndex,
		Actor:       actor,
		StartTimeNs: t.now(),
	}
	return nil
}

// EndTurn finalizes the in-progress entry and moves it to the completed list.
func (t *Timeline) EndTurn() (TurnTiming, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.inProgress == nil {
		return TurnTiming{}, false
	}
	end := t.now()
	entry := t.inProgress
	entry.EndTimeNs = &end
	t.completed = append(t.completed, *entry)
	t.inProgress = nil
	return entry.clone(), true
}

// MarkSpeechEnd records when speech ended in the in-progress turn.
func (t *Timeline) MarkSpeechEnd() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.inProgress == nil {
		return
	}
	ts := t.now()
	t.inProgress.SpeechEndTimeNs = &ts
}

// MarkSpeechStart records when speech started in the in-progress turn.
func (t *Timeline) MarkSpeechStart() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.inProgress == nil {
		return
	}
	ts := t.now()
	t.inProgress.SpeechStartTimeNs = &ts
}

// MarkSpeechStartAt records an explicit speech start, e.g. backdated for a
// barge-in where the agent began responding before playback started.
func (t *Timeline) MarkSpeechStartAt(ns int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.inProgress == nil {
		return
	}
	t.inProgress.SpeechStartTimeNs = &ns
}

// Now reads the timeline clock.
func (t *Timeline) Now() int64 {
	return t.now()
}

// LastTurnByActor returns the most recent completed turn by actor.
func (t *Timeline) LastTurnByActor(actor voice.Actor) (TurnTiming, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	last, ok := t.lastTurnByActorLocked(actor)
	if !ok {
		return TurnTiming{}, false
	}
	return last.clone(), true
}

func (t *Timeline) lastTurnByActorLocked(actor voice.Actor) (*TurnTiming, bool) {
	for i := len(t.completed) - 1; i >= 0; i-- {
		if t.completed[i].Actor == actor {
			return &t.completed[i], true
		}
	}
	return nil, false
}

// Completed returns a copy of the completed turns in completion order.
func (t *Timeline) Completed() []TurnTiming {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]TurnTiming, len(t.completed))
	for i := range t.completed {
		out[i] = t.completed[i].clone()
	}
	return out
}

// InProgress returns a copy of the in-progress turn.
func (t *Timeline) InProgress() (TurnTiming, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.inProgress == nil {
		return TurnTiming{}, false
	}
	return t.inProgress.clone(), true
}

// speechPairLocked returns the user speech end and agent speech start when the
// in-progress turn is an agent turn with a speech start and the last user
// turn has a speech end.
func (t *Timeline) speechPairLocked() (userSpeechEnd, agentSpeechStart int64, ok bool) {
	agent := t.inProgress
	if agent == nil || agent.Actor != voice.ActorAgent || agent.SpeechStartTimeNs == nil {
		return 0, 0, false
	}
	user, found := t.lastTurnByActorLocked(voice.ActorUser)
	if !found || user.SpeechEndTimeNs == nil {
		return 0, 0, false
	}
	return *user.SpeechEndTimeNs, *agent.SpeechStartTimeNs, true
}

// ResponseLatencyMs is the time from the user's speech end to the agent's
// speech start, clamped at zero.
func (t *Timeline) ResponseLatencyMs() (float64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.responseLatencyLocked()
}

func (t *Timeline) responseLatencyLocked() (float64, bool) {
	userEnd, agentStart, ok := t.speechPairLocked()
	if !ok {
		return 0, false
	}
	return max(0, float64(agentStart-userEnd)/nsPerMS), true
}

// SilenceAfterUserMs prefers the speech-mark response latency and falls back
// to the gap between the last user turn's end and the agent turn's start.
func (t *Timeline) SilenceAfterUserMs() (float64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.silenceAfterUserLocked()
}

func (t *Timeline) silenceAfterUserLocked() (float64, bool) {
	if latency, ok := t.responseLatencyLocked(); ok {
		return latency, true
	}
	agent := t.inProgress
	if agent == nil || agent.Actor != voice.ActorAgent {
		return 0, false
	}
	user, found := t.lastTurnByActorLocked(voice.ActorUser)
	if !found || user.EndTimeNs == nil {
		return 0, false
	}
	return max(0, float64(agent.StartTimeNs-*user.EndTimeNs)/nsPerMS), true
}

// SilenceBeforeAgentMs is an alias of SilenceAfterUserMs.
func (t *Timeline) SilenceBeforeAgentMs() (float64, bool) {
	return t.SilenceAfterUserMs()
}

// OverlapMs is userSpeechEnd minus agentSpeechStart. It is not clamped:
// positive means the agent started speaking before the user finished.
func (t *Timeline) OverlapMs() (float64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.overlapLocked()
}

func (t *Timeline) overlapLocked() (float64, bool) {
	userEnd, agentStart, ok := t.speechPairLocked()
	if !ok {
		return 0, false
	}
	return float64(userEnd-agentStart) / nsPerMS, true
}

// IsInterruption reports a strictly positive overlap.
func (t *Timeline) IsInterruption() bool {
	overlap, ok := t.OverlapMs()
	return ok && overlap > 0
}

// Metrics is a point-in-time snapshot of the latency metrics for the
// in-progress turn.
type Metrics struct {
	ResponseLatencyMs  *float64 `json:"response_latency_ms,omitempty"`
	SilenceAfterUserMs *float64 `json:"silence_after_user_ms,omitempty"`
	OverlapMs          *float64 `json:"overlap_ms,omitempty"`
	Interruption       bool     `json:"interruption"`
}

// Snapshot computes all metrics for the in-progress turn. It must be taken
// before EndTurn since every metric is defined relative to the open turn.
// All metrics are read from the same state.
func (t *Timeline) Snapshot() Metrics {
	t.mu.Lock()
	defer t.mu.Unlock()
	var m Metrics
	if v, ok := t.responseLatencyLocked(); ok {
		m.ResponseLatencyMs = &v
	}
	if v, ok := t.silenceAfterUserLocked(); ok {
		m.SilenceAfterUserMs = &v
	}
	if v, ok := t.overlapLocked(); ok {
		m.OverlapMs = &v
		m.Interruption = v > 0
	}
	return m
}

func clonePtr(p *int64) *int64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
