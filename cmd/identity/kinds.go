package identity

import "errors"

// Sentinel error kinds (stable for errors.Is and for mapping to API status codes).
var (
	ErrInvalidInput = errors.New("invalid_input")
	ErrNotFound     = errors.New("not_found")
	ErrConflict     = errors.New("conflict")

	// ErrInvalidCredentials covers both an unknown email and a wrong password.
	ErrInvalidCredentials = errors.New("invalid_credentials")
	ErrNotVerified        = errors.New("email_not_verified")
	ErrEmailInUse         = errors.New("email_in_use")

	// ErrUnavailable marks a directory call that timed out or could not reach
	// its backend. Callers should answer with a retryable status.
	ErrUnavailable = errors.New("identity_unavailable")
)
