package handler

import (
	"errors"
	"fmt"
)

// Errors attached to failed Results and returned while building handlers.
//
// Check them with errors.Is:
//
//	if errors.Is(res.Err, handler.ErrTimeout) {
//	    // the invocation outlived its deadline
//	}
var (
	// ErrHandlerFault wraps every error a handler returns.
	ErrHandlerFault = errors.New("handler fault")

	// ErrTimeout is attached when an invocation exceeds its deadline.
	ErrTimeout = errors.New("handler timed out")

	// ErrPanic is attached when an invocation panics.
	ErrPanic = errors.New("handler panicked")

	// ErrDuplicateHandler is returned when two descriptors share a name.
	ErrDuplicateHandler = errors.New("duplicate handler name")

	// ErrUnknownKind is returned for a kind with no registered constructor.
	ErrUnknownKind = errors.New("unknown handler kind")

	// ErrShuttingDown is attached to invocations cancelled by shutdown.
	ErrShuttingDown = errors.New("daemon shutting down")
)

// PanicError records a recovered panic and the goroutine stack.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Is makes errors.Is(err, ErrPanic) and errors.Is(err, ErrHandlerFault) true.
func (e *PanicError) Is(target error) bool {
	return target == ErrPanic || target == ErrHandlerFault
}

// Fault wraps an error returned by a handler so it matches ErrHandlerFault.
func Fault(err error) error {
	if err == nil || errors.Is(err, ErrHandlerFault) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrHandlerFault, err)
}

// IsTimeout reports whether err marks a timed-out invocation.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsPanic reports whether err came from a recovered panic.
func IsPanic(err error) bool {
	return errors.Is(err, ErrPanic)
}
