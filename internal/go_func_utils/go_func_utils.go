package go_func_utils

import (
	"context"
	"log"
	"runtime/debug"
	"time"
)

// SafeGo runs fn on a new goroutine. A panic is written to logger with its
// stack before it is re-raised, so it is not lost behind the terminal UI.
func SafeGo(logger *log.Logger, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Printf("PANIC: %v\n%s", r, debug.Stack())
				panic(r)
			}
		}()
		fn()
	}()
}

// Await runs fn on its own goroutine and waits for it for at most timeout.
// fn receives a context that is cancelled when the wait is abandoned.
// A zero or negative timeout only bounds the wait by ctx.
func Await[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type outcome struct {
		value T
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		v, err := fn(ctx)
		done <- outcome{value: v, err: err}
	}()

	select {
	case out := <-done:
		return out.value, out.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
