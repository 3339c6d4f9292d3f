// Package errs contains sentinel errors and typed errors used across layers for stable error mapping.
package errs

import "errors"

// Common sentinels across store/gateway/controller layers.
var (
	// ErrNetwork indicates a connectivity failure (DNS, refused, reset, timeout).
	ErrNetwork = errors.New("network error")

	// ErrTimeout indicates the bounded wait for a response elapsed. It unwraps to ErrNetwork.
	ErrTimeout = &timeoutError{}

	// ErrUnauthorized indicates invalid credentials or an expired/rejected token.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrStorage indicates a local persistence failure. It never leaves the token store.
	ErrStorage = errors.New("storage error")

	// ErrValidation indicates a client-side validation failure.
	ErrValidation = errors.New("validation error")

	// ErrSuperseded indicates the operation finished after the session it
	// belonged to was ended (logout, expiry or 401), so its result was dropped.
	ErrSuperseded = errors.New("superseded by session end")

	// ErrForbidden indicates the current user lacks the role for the operation.
	ErrForbidden = errors.New("forbidden")

	// ErrRateLimited indicates too many failed login attempts.
	ErrRateLimited = errors.New("rate limited")
)

type timeoutError struct{}

func (*timeoutError) Error() string { return "request timed out" }
func (*timeoutError) Unwrap() error { return ErrNetwork }
