package logging

import (
	"fmt"
	"log/slog"
	"runtime/debug"
)

// PanicError wraps a recovered panic value with its stack.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Recover logs a panic in the calling goroutine instead of crashing the
// daemon. Use as: defer logging.Recover(logger, "ws.read", nil).
// onPanic, if non-nil, receives the recovered error.
func Recover(logger *slog.Logger, op string, onPanic func(error)) {
	r := recover()
	if r == nil {
		return
	}
	err := &PanicError{Value: r, Stack: debug.Stack()}
	if logger != nil {
		logger.Error("recovered panic",
			slog.String("op", op),
			slog.Any("panic", r),
			slog.String("stack", string(err.Stack)))
	}
	if onPanic != nil {
		onPanic(err)
	}
}
