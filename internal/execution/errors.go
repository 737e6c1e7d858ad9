package execution

import (
	"errors"
	"fmt"
)

var (
	ErrExecution           = errors.New("execution failed")
	ErrEnvironmentNotReady = errors.New("execution environment not ready")
	// ErrExecutionBusy rejects a run requested while another is in flight.
	// Runs are never queued.
	ErrExecutionBusy = errors.New("execution already in progress")
	ErrUnknownBlock  = errors.New("unknown block")
)

// ExecutionError is a failed run. Output holds whatever the program printed
// before failing and belongs to the run's output slot.
type ExecutionError struct {
	RunID   string
	BlockID string
	Output  string
	Err     error
}

func (e *ExecutionError) Error() string {
	target := e.BlockID
	if target == "" {
		target = "notebook"
	}
	return fmt.Sprintf("run %s (%s) failed: %v", e.RunID, target, e.Err)
}

func (e *ExecutionError) Is(target error) bool {
	return target == ErrExecution
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// EnvironmentNotReadyError means the execution service has no environment
// or session for the room. It is the only failure that triggers an
// automatic start and retry.
type EnvironmentNotReadyError struct {
	Room   string
	Reason string
}

func (e *EnvironmentNotReadyError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("environment for room %s is not ready", e.Room)
	}
	return fmt.Sprintf("environment for room %s is not ready: %s", e.Room, e.Reason)
}

func (e *EnvironmentNotReadyError) Is(target error) bool {
	return target == ErrEnvironmentNotReady
}
