package voice

// SchemaVersion is stamped on every span as voice.schema.version.
const SchemaVersion = "0.0.2"

// Span names.
const (
	SpanConversation = "voice.conversation"
	SpanTurn         = "voice.turn"
	SpanStagePrefix  = "voice.stage."
)

// Attribute keys. These are part of the exported schema; renaming one is a
// schema version bump.
const (
	AttrSchemaVersion  = "voice.schema.version"
	AttrConversationID = "voice.conversation.id"

	AttrTurnID    = "voice.turn.id"
	AttrTurnIndex = "voice.turn.index"
	AttrActor     = "voice.actor"

	AttrStageType         = "voice.stage.type"
	AttrStageProvider     = "voice.stage.provider"
	AttrStageModel        = "voice.stage.model"
	AttrStageDurationMS   = "voice.stage.duration_ms"
	AttrStageInputSize    = "voice.stage.input_size"
	AttrStageOutputSize   = "voice.stage.output_size"
	AttrStageInputTokens  = "voice.stage.input_tokens"
	AttrStageOutputTokens = "voice.stage.output_tokens"
	AttrStageTTFBMS       = "voice.stage.ttfb_ms"

	AttrASRConfidence = "voice.asr.confidence"

	AttrTurnResponseLatencyMS = "voice.turn.response_latency_ms"
	AttrSilenceAfterUserMS    = "voice.silence.after_user_ms"
	AttrTurnOverlapMS         = "voice.turn.overlap_ms"
	AttrInterruptionDetected  = "voice.interruption.detected"
	AttrTurnTimeline          = "voice.turn.timeline"

	AttrEvalIntentCorrect = "voice.eval.intent_correct"
	AttrEvalRelevance     = "voice.eval.relevance"

	AttrError        = "voice.error"
	AttrErrorMessage = "voice.error.message"

	// Labels on the failures_total metric.
	AttrFailureType     = "voice.failure.type"
	AttrFailureSeverity = "voice.failure.severity"
)
