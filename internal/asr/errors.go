package asr

import (
	"errors"
	"fmt"
)

// Errors for invalid session operations.
var (
	// ErrNotStreaming is returned for operations on a closed or
	// torn-down session.
	ErrNotStreaming = errors.New("asr: session is not streaming")
	// ErrAlreadyFlushed is returned when audio is fed after Flush.
	ErrAlreadyFlushed = errors.New("asr: session already flushed")
	// ErrQueueFull is recoverable backpressure from the async feeder;
	// the engine never drops audio on the caller's behalf.
	ErrQueueFull = errors.New("asr: feeder queue full")
	// ErrNoHandler is returned when a session is driven before a
	// result handler has been registered.
	ErrNoHandler = errors.New("asr: no result handler registered")
)

// BackendError wraps a failure propagated from the inference backend.
// It is fatal to the session: state may be inconsistent and the
// session must be torn down, but the process survives.
type BackendError struct {
	Stage string // encoder, decoder or joiner
	Err   error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("asr: inference backend failed in %s: %v", e.Stage, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }
