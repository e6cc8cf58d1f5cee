package voicetrace

import "errors"

// ErrNoConversation is wrapped by ScopeError when a turn is opened outside a
// conversation.
var ErrNoConversation = errors.New("openTurn requires an active conversation")

// ScopeError reports misuse of the scope hierarchy. It is the only error the
// tracing core returns to callers.
type ScopeError struct {
	Op  string
	Err error
}

func (e *ScopeError) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *ScopeError) Unwrap() error { return e.Err }
