package session

import (
	"context"
	"time"
)

// Invalidation describes a conditional valid -> invalid transition.
type Invalidation struct {
	SessionID string
	Now       time.Time
	Reason    Reason

	// ReplacedBy links a rotated session to its successor.
	ReplacedBy string

	// RequireUnexpired makes the transition fail when expires_at <= Now.
	RequireUnexpired bool
}

// PrunePolicy selects dead rows for deletion.
type PrunePolicy struct {
	Now time.Time
	// DeadBefore: rows invalidated (or, if never invalidated, expired)
	// before this instant are eligible.
	DeadBefore time.Time
	// KeepPerUser newest rows per user are always kept.
	KeepPerUser int
}

// Store persists sessions. Implementations must make Invalidate atomic with
// respect to concurrent callers on the same session: at most one caller may
// observe transitioned == true.
type Store interface {
	// Create inserts s. It returns ErrDuplicateSession if the id or refresh
	// hash is already present.
	Create(ctx context.Context, s Session) error

	FindByRefreshHash(ctx context.Context, hash string) (Session, error)
	FindByID(ctx context.Context, sessionID string) (Session, error)

	// ListValidByUser returns sessions that are valid and unexpired at now,
	// newest first.
	ListValidByUser(ctx context.Context, userID string, now time.Time) ([]Session, error)

	// Invalidate flips a valid session to invalid. It returns false without
	// error when the session was already invalid (or expired, with
	// RequireUnexpired), and ErrSessionNotFound when no such row exists.
	Invalidate(ctx context.Context, inv Invalidation) (transitioned bool, err error)

	// InvalidateAllForUser flips every valid session of userID except
	// exceptSessionID (which may be empty) and returns how many changed.
	InvalidateAllForUser(ctx context.Context, userID, exceptSessionID string, now time.Time, reason Reason) (int64, error)

	// Prune deletes dead rows per policy and returns how many were removed.
	Prune(ctx context.Context, p PrunePolicy) (int64, error)
}
