package poll

import (
	"errors"
	"fmt"
)

var (
	// ErrDisposed is returned (or used to reject pending ticks) once a poll is disposed.
	ErrDisposed = errors.New("poll disposed")

	// ErrInvalidFrequency reports a Frequency that violates Min <= Interval <= Max.
	ErrInvalidFrequency = errors.New("invalid poll frequency")

	// ErrNilFactory is returned by New when no factory is supplied.
	ErrNilFactory = errors.New("poll factory is nil")
)

// PanicError wraps a value recovered from a panicking factory.
type PanicError struct {
	Value any
	Stack string
}

func (e *PanicError) Error() string { return fmt.Sprintf("poll factory panic: %v", e.Value) }
