// Package errdefs holds the sentinel errors shared by the session engines.
// Callers match them with errors.Is; engines wrap them with context.
package errdefs

import "errors"

var (
	// ErrNotFound reports an id that is not registered.
	ErrNotFound = errors.New("not found")
	// ErrTimeout reports a bounded operation that ran out of time.
	ErrTimeout = errors.New("timed out")
	// ErrAuthFailed reports credentials rejected by the remote host.
	ErrAuthFailed = errors.New("authentication failed")
	// ErrAuthRequired reports a missing secret for password auth.
	ErrAuthRequired = errors.New("authentication secret required")
	// ErrTransport reports a failed dial, handshake or channel open.
	ErrTransport = errors.New("transport error")
	// ErrBind reports a local listener that could not be bound.
	ErrBind = errors.New("bind failed")
	// ErrNotConnected reports a connection that exists but is not usable.
	ErrNotConnected = errors.New("not connected")
	// ErrPoisoned reports a registry whose invariants were broken by a panic.
	ErrPoisoned = errors.New("registry poisoned")
	// ErrSpawn reports a process or pty that could not be started.
	ErrSpawn = errors.New("spawn failed")
	// ErrInvalid reports a request with missing or out-of-range fields.
	ErrInvalid = errors.New("invalid argument")
	// ErrRateLimited reports a connect attempt refused by the rate limiter.
	ErrRateLimited = errors.New("rate limited")
)
