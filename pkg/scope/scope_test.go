package scope

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func TestWithAndValueRestoreOnOuterContext(t *testing.T) {
	t.Parallel()

	key := NewKey[string]("test.scope")
	outer := key.With(context.Background(), "outer")
	inner := key.With(outer, "inner")

	if v, _ := key.Value(inner); v != "inner" {
		t.Fatalf("expected inner value, got %q", v)
	}
	if v, _ := key.Value(outer); v != "outer" {
		t.Fatalf("expected outer value to be untouched, got %q", v)
	}
	if _, ok := key.Value(context.Background()); ok {
		t.Fatalf("expected no value on a bare context")
	}
}

func TestKeysWithSameNameDoNotCollide(t *testing.T) {
	t.Parallel()

	a := NewKey[int]("dup")
	b := NewKey[int]("dup")
	ctx := a.With(context.Background(), 1)
	if _, ok := b.Value(ctx); ok {
		t.Fatalf("expected distinct keys with equal names not to collide")
	}
}

func TestRunCallsExitOnEveryPath(t *testing.T) {
	t.Parallel()

	key := NewKey[int]("depth")
	sentinel := errors.New("body failed")

	t.Run("success", func(t *testing.T) {
		var exitErr error
		exited := false
		err := Run(context.Background(), key, 1, func(ctx context.Context) error {
			if v, _ := key.Value(ctx); v != 1 {
				t.Fatalf("expected pushed value inside body, got %d", v)
			}
			return nil
		}, func(err error) {
			exited = true
			exitErr = err
		})
		if err != nil || !exited || exitErr != nil {
			t.Fatalf("unexpected result err=%v exited=%v exitErr=%v", err, exited, exitErr)
		}
	})

	t.Run("error", func(t *testing.T) {
		var exitErr error
		err := Run(context.Background(), key, 1, func(context.Context) error {
			return sentinel
		}, func(err error) { exitErr = err })
		if !errors.Is(err, sentinel) || !errors.Is(exitErr, sentinel) {
			t.Fatalf("expected body error to reach exit and caller, got err=%v exitErr=%v", err, exitErr)
		}
	})

	t.Run("panic", func(t *testing.T) {
		var exitErr error
		func() {
			defer func() {
				if r := recover(); r != sentinel {
					t.Fatalf("expected original panic value to propagate, got %v", r)
				}
			}()
			_ = Run(context.Background(), key, 1, func(context.Context) error {
				panic(sentinel)
			}, func(err error) { exitErr = err })
		}()
		var panicErr *PanicError
		if !errors.As(exitErr, &panicErr) || !errors.Is(exitErr, sentinel) {
			t.Fatalf("expected exit to observe panic, got %v", exitErr)
		}
	})

	t.Run("cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		exited := false
		err := Run(ctx, key, 1, func(ctx context.Context) error {
			return ctx.Err()
		}, func(error) { exited = true })
		if !errors.Is(err, context.Canceled) || !exited {
			t.Fatalf("expected cancellation to propagate after exit, err=%v exited=%v", err, exited)
		}
	})
}

func TestConcurrentScopesAreIsolated(t *testing.T) {
	t.Parallel()

	key := NewKey[int]("worker")
	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			_ = Run(context.Background(), key, id, func(ctx context.Context) error {
				for j := 0; j < 100; j++ {
					if v, _ := key.Value(ctx); v != id {
						errs <- errors.New("observed foreign scope value")
						return nil
					}
				}
				return nil
			}, nil)
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}
}
