// Package scope provides a typed "current value" carried on a context.Context
// with stack discipline: pushing derives a child context, so the caller's
// context still holds the previous value once the block is left.
package scope

import (
	"context"
	"errors"
)

// ErrBodyExited is handed to exit hooks when the body called runtime.Goexit.
var ErrBodyExited = errors.New("scope: body exited without returning")

// Key is a typed context key for one kind of scoped value.
type Key[T any] struct {
	name *string
}

// NewKey returns a distinct key. Two keys with the same name never collide.
func NewKey[T any](name string) Key[T] {
	return Key[T]{name: &name}
}

// String returns the key's name for diagnostics.
func (k Key[T]) String() string {
	if k.name == nil {
		return "scope.Key(<nil>)"
	}
	return *k.name
}

// With returns a child of ctx in which v is the current value.
func (k Key[T]) With(ctx context.Context, v T) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, k, v)
}

// Value returns the current value, if any.
func (k Key[T]) Value(ctx context.Context) (T, bool) {
	var zero T
	if ctx == nil {
		return zero, false
	}
	v, ok := ctx.Value(k).(T)
	if !ok {
		return zero, false
	}
	return v, true
}

// Run pushes v for the duration of body. See Guard for the exit contract.
func Run[T any](ctx context.Context, key Key[T], v T, body func(context.Context) error, exit func(error)) error {
	return Guard(key.With(ctx, v), body, exit)
}

// Guard runs body and then always runs exit, whether body returned, failed
// or panicked. exit receives the body's error (a panic is reported as
// *PanicError). Guard returns the body's error unchanged, or re-panics with
// the original value once exit has run.
func Guard(ctx context.Context, body func(context.Context) error, exit func(error)) (err error) {
	panicked := true
	defer func() {
		if !panicked {
			if exit != nil {
				exit(err)
			}
			return
		}
		recovered := recover()
		if recovered == nil {
			// runtime.Goexit: nothing to re-raise.
			if exit != nil {
				exit(ErrBodyExited)
			}
			return
		}
		if exit != nil {
			exit(&PanicError{Value: recovered})
		}
		panic(recovered)
	}()
	err = body(ctx)
	panicked = false
	return err
}

// PanicError is handed to exit hooks when the scope body panicked.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	if err, ok := e.Value.(error); ok {
		return "panic: " + err.Error()
	}
	return "panic in scope body"
}

// Unwrap exposes a panicked error value to errors.Is/As.
func (e *PanicError) Unwrap() error {
	err, _ := e.Value.(error)
	return err
}
