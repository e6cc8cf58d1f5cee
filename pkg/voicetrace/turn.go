package voicetrace

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/voice-observation/voiceobs/api/voice"
	"github.com/voice-observation/voiceobs/pkg/failures"
	"github.com/voice-observation/voiceobs/pkg/timeline"
)

// Turn is one utterance-level exchange by a single actor.
//
// Only top-level turns occupy the conversation timeline. A turn opened while
// another turn is current is recorded as a span only, and speech marks on it
// are ignored.
type Turn struct {
	tracer *Tracer
	conv   *Conversation
	id     string
	index  int
	actor  voice.Actor
	nested bool
	start  time.Time
	span   SpanHandle
	outer  *Turn
	parent frame

	mu         sync.Mutex
	onTimeline bool
	ended      bool
}

// ID returns the unique turn id.
func (t *Turn) ID() string { return t.id }

// Index returns the position of the turn in entry order within the
// conversation, starting at 0.
func (t *Turn) Index() int { return t.index }

// Actor returns who produced the turn.
func (t *Turn) Actor() voice.Actor { return t.actor }

// Nested reports whether the turn was opened inside another turn.
func (t *Turn) Nested() bool { return t.nested }

// Conversation returns the enclosing conversation.
func (t *Turn) Conversation() *Conversation { return t.conv }

func (t *Turn) spanHandle() SpanHandle { return t.span }
func (t *Turn) outerFrame() frame      { return t.parent }

func (t *Turn) isEnded() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ended
}

func (t *Turn) joinTimeline() {
	if t.nested {
		return
	}
	err := t.conv.timeline.StartTurn(t.index, t.actor)
	switch {
	case err == nil:
		t.onTimeline = true
	case errors.Is(err, timeline.ErrTurnInProgress):
		t.tracer.logger.Warn("voicetrace: timeline slot occupied, turn recorded as span only",
			"conversation_id", t.conv.id,
			"turn_index", t.index,
			"actor", string(t.actor),
		)
	default:
		t.tracer.logger.Error("voicetrace: timeline start failed", "error", err)
	}
}

// acceptsMark reports whether a speech mark may reach the timeline. Callers
// hold t.mu.
func (t *Turn) acceptsMark(mark string) bool {
	if t.onTimeline && !t.ended {
		return true
	}
	t.tracer.logger.Debug("voicetrace: speech mark ignored",
		"conversation_id", t.conv.id,
		"turn_index", t.index,
		"mark", mark,
		"nested", t.nested,
		"ended", t.ended,
	)
	return false
}

// MarkSpeechEnd records that this turn's speech ended now.
func (t *Turn) MarkSpeechEnd() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.acceptsMark("speech_end") {
		return
	}
	t.conv.timeline.MarkSpeechEnd()
}

// MarkSpeechStart records that this turn's speech started now.
func (t *Turn) MarkSpeechStart() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.acceptsMark("speech_start") {
		return
	}
	t.conv.timeline.MarkSpeechStart()
}

// MarkSpeechStartAt records an explicit speech start time.
func (t *Turn) MarkSpeechStartAt(at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.acceptsMark("speech_start") {
		return
	}
	t.conv.timeline.MarkSpeechStartAt(at.UnixNano())
}

// End closes the turn span and finalizes its timeline entry. Later calls are
// no-ops.
func (t *Turn) End() { t.EndWithError(nil) }

// EndWithError closes the turn, flagging err on its span when non-nil.
func (t *Turn) EndWithError(err error) {
	t.mu.Lock()
	if t.ended {
		t.mu.Unlock()
		return
	}
	t.ended = true
	attrs := baseAttributes(t.conv)
	attrs = append(attrs,
		String(voice.AttrTurnID, t.id),
		Int(voice.AttrTurnIndex, t.index),
		String(voice.AttrActor, string(t.actor)),
	)
	if t.onTimeline {
		attrs = append(attrs, t.closeTimeline()...)
	}
	t.mu.Unlock()

	attrs = append(attrs, errorAttributes(err)...)
	t.span.SetAttributes(attrs...)
	t.span.End(t.tracer.now())
}

// closeTimeline measures the agent metrics while the turn still holds the
// in-progress slot, then ends the timeline entry.
func (t *Turn) closeTimeline() []Attribute {
	var attrs []Attribute
	tl := t.conv.timeline
	if t.actor == voice.ActorAgent {
		m := tl.Snapshot()
		if m.ResponseLatencyMs != nil {
			attrs = append(attrs, Float(voice.AttrTurnResponseLatencyMS, *m.ResponseLatencyMs))
		}
		if m.SilenceAfterUserMs != nil {
			attrs = append(attrs, Float(voice.AttrSilenceAfterUserMS, *m.SilenceAfterUserMs))
		}
		if m.OverlapMs != nil {
			attrs = append(attrs,
				Float(voice.AttrTurnOverlapMS, *m.OverlapMs),
				Bool(voice.AttrInterruptionDetected, m.Interruption),
			)
		}
		index := t.index
		t.conv.addTurn(failures.TurnObservation{
			TurnID:             t.id,
			TurnIndex:          &index,
			Actor:              t.actor,
			ResponseLatencyMs:  m.ResponseLatencyMs,
			SilenceAfterUserMs: m.SilenceAfterUserMs,
			OverlapMs:          m.OverlapMs,
		})
	}
	entry, ok := tl.EndTurn()
	if !ok {
		return attrs
	}
	if raw, err := json.Marshal(entry); err == nil {
		attrs = append(attrs, String(voice.AttrTurnTimeline, string(raw)))
	}
	return attrs
}
