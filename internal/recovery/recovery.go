// Package recovery keeps a panicking goroutine from taking the host process
// down with it.
package recovery

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
)

// ErrPanic wraps the value recovered by Guard.
var ErrPanic = errors.New("panic")

// Guard runs fn and converts a panic inside it into an error wrapping
// ErrPanic. The panic and its stack are logged under name.
//
//	go func() {
//	    done <- recovery.Guard(logger, "relay", loop.Run)
//	}()
func Guard(logger *slog.Logger, name string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logPanic(logger, name, r)
			err = fmt.Errorf("%s: %w: %v", name, ErrPanic, r)
		}
	}()
	return fn()
}

// RecoverWithLog recovers from panics and logs them. Use it with defer at
// the top of goroutines whose result nobody waits for.
func RecoverWithLog(logger *slog.Logger, name string) {
	if r := recover(); r != nil {
		logPanic(logger, name, r)
	}
}

func logPanic(logger *slog.Logger, name string, r any) {
	logger.Error("panic recovered",
		"goroutine", name,
		"panic", fmt.Sprintf("%v", r),
		"stack", string(debug.Stack()))
}
