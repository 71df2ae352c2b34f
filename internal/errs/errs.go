// Package errs defines the discriminated error taxonomy every public
// operation returns at its API boundary — callers branch on these sentinels
// with errors.Is rather than parsing messages or seeing stack traces.
package errs

import "errors"

var (
	ErrValidation       = errors.New("validation failed")
	ErrFull             = errors.New("queue at high watermark")
	ErrDeadlineExceeded = errors.New("deadline already past")
	ErrNoRoute          = errors.New("no candidate route")
	ErrAllOpen          = errors.New("all candidate circuit breakers open")
	ErrAcquireTimeout   = errors.New("connection acquire timed out")
	ErrCircuitOpen      = errors.New("circuit breaker open")
	ErrTransport        = errors.New("transport error")
	ErrRemoteTimeout    = errors.New("remote timed out")
	ErrRemoteRejected   = errors.New("remote rejected request")
	ErrUnhealthy        = errors.New("target unhealthy")
	ErrCancelled        = errors.New("operation cancelled")
	ErrPrereqFailed     = errors.New("recovery prerequisite failed")
	ErrRecoveryFailed   = errors.New("recovery execution failed")
	ErrNotFound         = errors.New("not found")
)
