package identity

import (
	"errors"
	"fmt"

	"learnhub/cmd/internal/db"
)

// OpError is a typed operation error with a stable Op + Kind contract.
// Msg may carry human-readable context and must never include secrets.
type OpError struct {
	Op   string
	Kind error
	Msg  string
}

func (e OpError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %s", e.Op, e.Kind, e.Msg)
}

func (e OpError) Unwrap() error { return e.Kind }

// ConflictError reports a uniqueness violation on a logical field ("email").
type ConflictError struct {
	Op    string
	Field string
}

func (e ConflictError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %v", e.Op, ErrConflict)
	}
	return fmt.Sprintf("%s: %v: %s", e.Op, ErrConflict, e.Field)
}

// Unwrap exposes ErrEmailInUse for email conflicts so the HTTP layer can
// map it without knowing about ConflictError.
func (e ConflictError) Unwrap() []error {
	if e.Field == "email" {
		return []error{ErrConflict, ErrEmailInUse}
	}
	return []error{ErrConflict}
}

// NotFoundError reports a missing row.
type NotFoundError struct {
	Op       string
	Resource string
}

func (e NotFoundError) Error() string {
	if e.Resource == "" {
		return fmt.Sprintf("%s: %v", e.Op, ErrNotFound)
	}
	return fmt.Sprintf("%s: %v: %s", e.Op, ErrNotFound, e.Resource)
}

func (e NotFoundError) Unwrap() error { return ErrNotFound }

// IsConflict reports whether err is a ConflictError.
func IsConflict(err error) bool {
	var ce ConflictError
	return errors.As(err, &ce)
}

// IsNotFound reports whether err represents ErrNotFound (including NotFoundError).
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsInvalidInput reports whether err represents ErrInvalidInput.
func IsInvalidInput(err error) bool { return errors.Is(err, ErrInvalidInput) }

// unavailable wraps timeouts and connection failures as ErrUnavailable and
// passes everything else through.
func unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	if db.Unreachable(err) {
		return OpError{Op: op, Kind: ErrUnavailable, Msg: err.Error()}
	}
	return err
}
