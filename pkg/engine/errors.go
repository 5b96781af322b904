package engine

import (
	"errors"
	"fmt"
)

// ErrExhausted is returned when every execution failed. The run's Error
// carries the last failure.
var ErrExhausted = errors.New("repair attempts exhausted")

// ErrNoProgress is returned when a repair reproduced the failing candidate
// and Config.StopOnRepeat is set. It matches ErrExhausted.
var ErrNoProgress = fmt.Errorf("%w: no progress", ErrExhausted)

// GenerationError wraps a CodeGenerator failure. It is fatal to the run.
type GenerationError struct {
	Err error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generation failed: %v", e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// RepairError wraps a CodeRepairer failure. The run ends exhausted, so a
// RepairError also matches ErrExhausted.
type RepairError struct {
	Attempt int
	Err     error
}

func (e *RepairError) Error() string {
	return fmt.Sprintf("repair %d failed: %v", e.Attempt, e.Err)
}

func (e *RepairError) Unwrap() error { return e.Err }

// Is reports a match against ErrExhausted.
func (e *RepairError) Is(target error) bool {
	return target == ErrExhausted
}
