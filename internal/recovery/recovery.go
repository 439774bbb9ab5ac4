// Package recovery provides panic guards for relay goroutines.
package recovery

import (
	"fmt"
	"log/slog"
	"runtime/debug"
)

// Guard recovers from a panic and logs it with the provided logger.
// It must be deferred directly by the goroutine it protects:
//
//	go func() {
//	    defer recovery.Guard(logger, "listener")
//	    // ...
//	}()
func Guard(logger *slog.Logger, name string) {
	if r := recover(); r != nil {
		logPanic(logger, name, r)
	}
}

// GuardWithCallback recovers from a panic, logs it and hands the recovered
// value to fn as an error. The relay uses fn to trip the session's failure
// signal so a panicking loop restarts the session instead of the process.
func GuardWithCallback(logger *slog.Logger, name string, fn func(err error)) {
	if r := recover(); r != nil {
		logPanic(logger, name, r)
		if fn != nil {
			fn(&PanicError{Goroutine: name, Value: r})
		}
	}
}

// PanicError wraps a recovered panic value.
type PanicError struct {
	Goroutine string
	Value     any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic in %s: %v", e.Goroutine, e.Value)
}

func logPanic(logger *slog.Logger, name string, r any) {
	logger.Error("panic recovered",
		"goroutine", name,
		"panic", fmt.Sprintf("%v", r),
		"stack", string(debug.Stack()))
}
