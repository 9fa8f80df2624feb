package errors

import (
	"fmt"
	"runtime/debug"
)

// RecoverPanic turns a recovered value into a fatal error carrying the stack
// of the panicking goroutine. It must be called from the deferred function
// that called recover. A nil value yields nil.
func RecoverPanic(r interface{}) error {
	if r == nil {
		return nil
	}

	cause, ok := r.(error)
	if !ok {
		cause = fmt.Errorf("panic: %v", r)
	}

	return ErrFatal.
		WithCause(cause).
		WithDetail("panic", true).
		WithDetail("stack", string(debug.Stack()))
}
