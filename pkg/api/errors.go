package api

import (
	"errors"
	"fmt"
)

var (
	// ErrTaskNotFound is returned by Store.GetTask when no pending task has the ID.
	ErrTaskNotFound = errors.New("task not found")

	// ErrLockNotFound is returned when a lock ID is unknown to the store.
	ErrLockNotFound = errors.New("lock not found")

	// ErrProcessRequired is a configuration error: the queue has no process function.
	ErrProcessRequired = errors.New("queue has no process function")

	// ErrUnknownStore is a configuration error: the store value
	// matches no registered backend, or the value lacks a required capability.
	ErrUnknownStore = errors.New("unknown_store")

	// ErrInvalidLength is a configuration error: the store reported an
	// impossible queue length on connect.
	ErrInvalidLength = errors.New("store reported an invalid length")

	// ErrConnectFailed is surfaced once the store connect retries are exhausted.
	ErrConnectFailed = errors.New("failed_connect_to_store")

	// ErrCancelled is the failure of a task cancelled explicitly or by a
	// merge with cancelIfRunning.
	ErrCancelled = errors.New("cancelled")

	// ErrTimedOut is the failure of a batch that stayed in progress longer
	// than the configured maximum.
	ErrTimedOut = errors.New("timed out")

	// ErrSaturated is returned by Push while the queue is at capacity.
	ErrSaturated = errors.New("queue is saturated")

	// ErrFiltered is returned by Push when the filter hook drops the input.
	ErrFiltered = errors.New("input rejected by filter")

	// ErrClosed is returned by operations on a closed queue.
	ErrClosed = errors.New("queue is closed")

	// ErrStoreSwitched fails tasks left pending in a store the queue
	// stopped using.
	ErrStoreSwitched = errors.New("queue switched to another store")
)

// ConfigError is a fatal configuration problem. It is never retried.
type ConfigError struct {
	Err    error
	Detail string
}

func (e *ConfigError) Error() string {
	if e.Detail == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %s", e.Err, e.Detail)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// ProcessPanicError wraps a value recovered from a panicking process function.
type ProcessPanicError struct {
	Value any
}

func (e *ProcessPanicError) Error() string {
	return fmt.Sprintf("process panicked: %v", e.Value)
}

// Unwrap exposes the panic value when it is itself an error.
func (e *ProcessPanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}
