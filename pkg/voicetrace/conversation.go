package voicetrace

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/voice-observation/voiceobs/api/voice"
	"github.com/voice-observation/voiceobs/pkg/failures"
	"github.com/voice-observation/voiceobs/pkg/timeline"
)

// Conversation is the outermost scope. It owns the turn counter and the
// timeline, and accumulates the observations the classifier runs over.
type Conversation struct {
	tracer   *Tracer
	id       string
	start    time.Time
	span     SpanHandle
	timeline *timeline.Timeline
	outer    *Conversation
	parent   frame

	turnCounter atomic.Int64
	endOnce     sync.Once
	ended       atomic.Bool

	mu  sync.Mutex
	obs failures.Input
}

func newConversation(t *Tracer, id string, start time.Time) *Conversation {
	conv := &Conversation{
		tracer: t,
		id:     id,
		start:  start,
		obs:    failures.Input{ConversationID: id},
	}
	conv.timeline = timeline.New(timeline.WithClock(func() int64 {
		return t.now().UnixNano()
	}))
	return conv
}

func (c *Conversation) spanHandle() SpanHandle { return c.span }
func (c *Conversation) outerFrame() frame      { return c.parent }
func (c *Conversation) isEnded() bool          { return c.ended.Load() }

// ID returns the conversation id.
func (c *Conversation) ID() string { return c.id }

// Timeline returns the conversation's timeline.
func (c *Conversation) Timeline() *timeline.Timeline { return c.timeline }

// TurnCount returns how many turns have been entered so far.
func (c *Conversation) TurnCount() int { return int(c.turnCounter.Load()) }

func (c *Conversation) nextTurnIndex() int {
	return int(c.turnCounter.Add(1) - 1)
}

// End closes the conversation span. Later calls are no-ops.
func (c *Conversation) End() { c.EndWithError(nil) }

// EndWithError closes the conversation span, flagging err on it when non-nil.
func (c *Conversation) EndWithError(err error) {
	c.endOnce.Do(func() {
		c.ended.Store(true)
		end := c.tracer.now()
		attrs := baseAttributes(c)
		attrs = append(attrs, errorAttributes(err)...)
		c.span.SetAttributes(attrs...)
		c.span.End(end)
	})
}

// AddEvaluation records an externally produced semantic evaluation of an
// agent response.
func (c *Conversation) AddEvaluation(ev failures.EvaluationObservation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.obs.Evaluations = append(c.obs.Evaluations, ev)
}

// Observations returns a copy of everything recorded so far.
func (c *Conversation) Observations() failures.Input {
	c.mu.Lock()
	defer c.mu.Unlock()
	return failures.Input{
		ConversationID: c.obs.ConversationID,
		Turns:          append([]failures.TurnObservation(nil), c.obs.Turns...),
		Stages:         append([]failures.StageObservation(nil), c.obs.Stages...),
		Recognitions:   append([]failures.RecognitionObservation(nil), c.obs.Recognitions...),
		Evaluations:    append([]failures.EvaluationObservation(nil), c.obs.Evaluations...),
	}
}

// Classify runs the failure classifier over the recorded observations.
func (c *Conversation) Classify(th failures.Thresholds) []voice.Failure {
	return failures.Classify(c.Observations(), th)
}

func (c *Conversation) addTurn(obs failures.TurnObservation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.obs.Turns = append(c.obs.Turns, obs)
}

func (c *Conversation) addStage(obs failures.StageObservation, recognition *failures.RecognitionObservation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.obs.Stages = append(c.obs.Stages, obs)
	if recognition != nil {
		c.obs.Recognitions = append(c.obs.Recognitions, *recognition)
	}
}
