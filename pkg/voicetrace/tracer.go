// Package voicetrace instruments voice-agent pipelines with nested
// conversation, turn and stage scopes. Each scope becomes one span on a Sink,
// parented to the scope that was current when it opened, and turn scopes
// feed the conversation's timeline.
//
// The "current" conversation, turn and stage travel on context.Context, so
// independent goroutines never observe each other's scopes and leaving a
// scope restores the previous one by construction: callers keep using the
// context they had before the scope opened.
package voicetrace

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/voice-observation/voiceobs/api/voice"
	"github.com/voice-observation/voiceobs/pkg/scope"
)

var (
	conversationKey = scope.NewKey[*Conversation]("voicetrace.conversation")
	turnKey         = scope.NewKey[*Turn]("voicetrace.turn")
	stageKey        = scope.NewKey[*Stage]("voicetrace.stage")
	frameKey        = scope.NewKey[frame]("voicetrace.frame")
)

// frame is the innermost scope carried on a context. A context may outlive
// the End of its scope in the imperative Start/End form, so lookups walk past
// ended frames to the enclosing live one.
type frame interface {
	spanHandle() SpanHandle
	outerFrame() frame
	isEnded() bool
}

func liveFrame(ctx context.Context) frame {
	f, _ := frameKey.Value(ctx)
	for f != nil && f.isEnded() {
		f = f.outerFrame()
	}
	return f
}

// parentSpan returns the span of the innermost live scope, or nil.
func parentSpan(ctx context.Context) SpanHandle {
	if f := liveFrame(ctx); f != nil {
		return f.spanHandle()
	}
	return nil
}

func liveConversation(ctx context.Context) *Conversation {
	conv, _ := conversationKey.Value(ctx)
	for conv != nil && conv.isEnded() {
		conv = conv.outer
	}
	return conv
}

func liveTurn(ctx context.Context) *Turn {
	turn, _ := turnKey.Value(ctx)
	for turn != nil && turn.isEnded() {
		turn = turn.outer
	}
	return turn
}

func liveStage(ctx context.Context) *Stage {
	stage, _ := stageKey.Value(ctx)
	for stage != nil && stage.isEnded() {
		stage = stage.outer
	}
	return stage
}

// Option configures a Tracer.
type Option func(*Tracer)

// WithClock overrides the wall clock used for span boundaries, stage
// durations and the conversation timelines.
func WithClock(now func() time.Time) Option {
	return func(t *Tracer) {
		if now != nil {
			t.now = now
		}
	}
}

// WithLogger sets the logger for scope diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Tracer) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithIDGenerator overrides conversation and turn id generation.
func WithIDGenerator(newID func() string) Option {
	return func(t *Tracer) {
		if newID != nil {
			t.newID = newID
		}
	}
}

// Tracer opens scopes and emits their spans to a Sink. A Tracer is safe for
// concurrent use by any number of conversations.
type Tracer struct {
	sink   Sink
	now    func() time.Time
	logger *slog.Logger
	newID  func() string
}

// NewTracer returns a tracer emitting to sink. A nil sink discards spans.
func NewTracer(sink Sink, opts ...Option) *Tracer {
	if sink == nil {
		sink = Discard
	}
	t := &Tracer{
		sink:   sink,
		now:    time.Now,
		logger: slog.Default(),
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// StartConversation opens a conversation scope. An empty id is replaced by a
// fresh unique id. The returned context carries the conversation; End must be
// called exactly once, typically deferred.
func (t *Tracer) StartConversation(ctx context.Context, id string) (context.Context, *Conversation) {
	if ctx == nil {
		ctx = context.Background()
	}
	if id == "" {
		id = t.newID()
	}
	start := t.now()
	conv := newConversation(t, id, start)
	conv.outer = liveConversation(ctx)
	conv.parent = liveFrame(ctx)
	conv.span = t.sink.StartSpan(parentSpan(ctx), voice.SpanConversation, start)

	ctx = conversationKey.With(ctx, conv)
	ctx = frameKey.With(ctx, conv)
	return ctx, conv
}

// StartTurn opens a turn scope inside the current conversation. It returns a
// *ScopeError wrapping ErrNoConversation when no conversation is current.
func (t *Tracer) StartTurn(ctx context.Context, actor voice.Actor) (context.Context, *Turn, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	conv := liveConversation(ctx)
	if conv == nil {
		return ctx, nil, &ScopeError{Op: "start turn", Err: ErrNoConversation}
	}
	if !actor.Valid() {
		return ctx, nil, &ScopeError{Op: "start turn", Err: fmt.Errorf("invalid actor: %q", actor)}
	}

	outer := liveTurn(ctx)
	start := t.now()
	turn := &Turn{
		tracer: t,
		conv:   conv,
		id:     t.newID(),
		index:  conv.nextTurnIndex(),
		actor:  actor,
		nested: outer != nil,
		start:  start,
		outer:  outer,
		parent: liveFrame(ctx),
	}
	turn.span = t.sink.StartSpan(parentSpan(ctx), voice.SpanTurn, start)
	turn.joinTimeline()

	ctx = turnKey.With(ctx, turn)
	ctx = frameKey.With(ctx, turn)
	return ctx, turn, nil
}

// StageOptions describes the provider side of a stage.
type StageOptions struct {
	Provider  string
	Model     string
	InputSize *int
}

// StartStage opens a stage scope. Stages may be opened inside or outside a
// turn and without a conversation.
func (t *Tracer) StartStage(ctx context.Context, stageType voice.StageType, opts StageOptions) (context.Context, *Stage) {
	if ctx == nil {
		ctx = context.Background()
	}
	if !stageType.Valid() {
		t.logger.Warn("voicetrace: unknown stage type", "stage_type", string(stageType))
	}
	start := t.now()
	stage := &Stage{
		tracer:    t,
		conv:      liveConversation(ctx),
		turn:      liveTurn(ctx),
		outer:     liveStage(ctx),
		parent:    liveFrame(ctx),
		stageType: stageType,
		provider:  opts.Provider,
		model:     opts.Model,
		start:     start,
	}
	if opts.InputSize != nil {
		size := *opts.InputSize
		stage.inputSize = &size
	}
	stage.span = t.sink.StartSpan(parentSpan(ctx), stageType.SpanName(), start)

	ctx = stageKey.With(ctx, stage)
	ctx = frameKey.With(ctx, stage)
	return ctx, stage
}

// Conversation runs fn inside a conversation scope and ends the scope on
// every exit path. fn's error, or panic, propagates unchanged.
func (t *Tracer) Conversation(ctx context.Context, id string, fn func(context.Context, *Conversation) error) error {
	ctx, conv := t.StartConversation(ctx, id)
	return scope.Guard(ctx, func(ctx context.Context) error {
		return fn(ctx, conv)
	}, conv.EndWithError)
}

// Turn runs fn inside a turn scope. See Conversation for the exit contract.
func (t *Tracer) Turn(ctx context.Context, actor voice.Actor, fn func(context.Context, *Turn) error) error {
	ctx, turn, err := t.StartTurn(ctx, actor)
	if err != nil {
		return err
	}
	return scope.Guard(ctx, func(ctx context.Context) error {
		return fn(ctx, turn)
	}, turn.EndWithError)
}

// Stage runs fn inside a stage scope. See Conversation for the exit contract.
func (t *Tracer) Stage(ctx context.Context, stageType voice.StageType, opts StageOptions, fn func(context.Context, *Stage) error) error {
	ctx, stage := t.StartStage(ctx, stageType, opts)
	return scope.Guard(ctx, func(ctx context.Context) error {
		return fn(ctx, stage)
	}, stage.EndWithError)
}

// CurrentConversation returns the innermost open conversation carried by
// ctx, or nil.
func CurrentConversation(ctx context.Context) *Conversation {
	return liveConversation(ctx)
}

// CurrentTurn returns the innermost open turn carried by ctx, or nil. A turn
// ended through End no longer counts even if ctx still carries it.
func CurrentTurn(ctx context.Context) *Turn {
	return liveTurn(ctx)
}

// CurrentStage returns the innermost open stage carried by ctx, or nil.
func CurrentStage(ctx context.Context) *Stage {
	return liveStage(ctx)
}

// MarkSpeechEnd records that speech ended in the current turn. No-op without
// a current turn.
func MarkSpeechEnd(ctx context.Context) {
	if turn := CurrentTurn(ctx); turn != nil {
		turn.MarkSpeechEnd()
	}
}

// MarkSpeechStart records that speech started now in the current turn.
func MarkSpeechStart(ctx context.Context) {
	if turn := CurrentTurn(ctx); turn != nil {
		turn.MarkSpeechStart()
	}
}

// MarkSpeechStartAt records an explicit speech start in the current turn,
// for barge-in where the agent logically began before playback.
func MarkSpeechStartAt(ctx context.Context, at time.Time) {
	if turn := CurrentTurn(ctx); turn != nil {
		turn.MarkSpeechStartAt(at)
	}
}

func baseAttributes(conv *Conversation) []Attribute {
	attrs := []Attribute{String(voice.AttrSchemaVersion, voice.SchemaVersion)}
	if conv != nil {
		attrs = append(attrs, String(voice.AttrConversationID, conv.id))
	}
	return attrs
}

func errorAttributes(err error) []Attribute {
	if err == nil {
		return nil
	}
	return []Attribute{Bool(voice.AttrError, true), String(voice.AttrErrorMessage, err.Error())}
}

func elapsedMs(start, end time.Time) float64 {
	return float64(end.Sub(start)) / float64(time.Millisecond)
}
