package jobs

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned for unknown job ids.
	ErrNotFound = errors.New("job not found")
	// ErrTerminal is returned when mutating a completed or failed job.
	ErrTerminal = errors.New("job already finished")
)

// ValidationError rejects a request before any job is created.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// RenderError is an engine failure on one block.
type RenderError struct {
	Block int
	Err   error
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("render block %d: %v", e.Block+1, e.Err)
}

func (e *RenderError) Unwrap() error { return e.Err }

// AssemblyError is a failure joining rendered blocks into the artifact.
type AssemblyError struct {
	Err error
}

func (e *AssemblyError) Error() string {
	return fmt.Sprintf("assemble audio: %v", e.Err)
}

func (e *AssemblyError) Unwrap() error { return e.Err }
