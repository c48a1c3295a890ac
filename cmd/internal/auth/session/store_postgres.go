package session

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store over learnhub.sessions.
type PostgresStore struct {
	pool  *pgxpool.Pool
	table string
}

var schemaRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// NewPostgresStore creates a Postgres-backed session store in schema
// (empty means "learnhub").
func NewPostgresStore(pool *pgxpool.Pool, schema string) (*PostgresStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("session: nil pool")
	}
	if schema == "" {
		schema = "learnhub"
	}
	if !schemaRe.MatchString(schema) {
		return nil, fmt.Errorf("session: invalid schema identifier %q", schema)
	}
	return &PostgresStore{pool: pool, table: pgx.Identifier{schema, "sessions"}.Sanitize()}, nil
}

var _ Store = (*PostgresStore)(nil)

const sessionColumns = `
	id, user_id, refresh_token_hash,
	COALESCE(user_agent, '') AS user_agent,
	COALESCE(host(ip), '') AS ip,
	remember_me, created_at, last_used_at, expires_at,
	is_valid, invalidated_at,
	COALESCE(invalidation_reason, '') AS invalidation_reason,
	COALESCE(replaced_by_session_id, '') AS replaced_by_session_id`

// Create inserts a new session row.
func (s *PostgresStore) Create(ctx context.Context, row Session) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO `+s.table+` (
			id, user_id, refresh_token_hash, user_agent, ip, remember_me,
			created_at, last_used_at, expires_at, is_valid
		) VALUES (
			$1, $2, $3, $4, $5::inet, $6,
			$7, $7, $8, true
		)
	`, row.ID, row.UserID, row.RefreshTokenHash, nullIfEmpty(row.UserAgent), nullIfEmpty(row.IP), row.RememberMe,
		row.CreatedAt, row.ExpiresAt)

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" { // unique_violation
		return ErrDuplicateSession
	}
	return err
}

// FindByRefreshHash loads a session by refresh token digest.
func (s *PostgresStore) FindByRefreshHash(ctx context.Context, hash string) (Session, error) {
	return s.getOne(ctx, `SELECT `+sessionColumns+` FROM `+s.table+` WHERE refresh_token_hash = $1`, hash)
}

// FindByID loads a session by id.
func (s *PostgresStore) FindByID(ctx context.Context, sessionID string) (Session, error) {
	return s.getOne(ctx, `SELECT `+sessionColumns+` FROM `+s.table+` WHERE id = $1`, sessionID)
}

func (s *PostgresStore) getOne(ctx context.Context, sql string, arg any) (Session, error) {
	var row Session
	err := pgxscan.Get(ctx, s.pool, &row, sql, arg)
	if pgxscan.NotFound(err) {
		return Session{}, ErrSessionNotFound
	}
	if err != nil {
		return Session{}, err
	}
	return row, nil
}

// ListValidByUser lists usable sessions, newest first.
func (s *PostgresStore) ListValidByUser(ctx context.Context, userID string, now time.Time) ([]Session, error) {
	var rows []Session
	err := pgxscan.Select(ctx, s.pool, &rows, `
		SELECT `+sessionColumns+`
		FROM `+s.table+`
		WHERE user_id = $1 AND is_valid AND expires_at > $2
		ORDER BY created_at DESC, id DESC
	`, userID, now)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// Invalidate performs the conditional valid -> invalid flip in one UPDATE.
// Postgres row locking serializes concurrent updates of the same row, and
// the loser re-evaluates "is_valid" against the committed value, so only one
// caller sees a row come back.
func (s *PostgresStore) Invalidate(ctx context.Context, inv Invalidation) (bool, error) {
	var id string
	err := s.pool.QueryRow(ctx, `
		UPDATE `+s.table+`
		SET is_valid = false,
		    invalidated_at = $2,
		    invalidation_reason = $3,
		    replaced_by_session_id = $4,
		    last_used_at = CASE WHEN $4::text IS NULL THEN last_used_at ELSE $2 END
		WHERE id = $1
		  AND is_valid
		  AND (NOT $5::bool OR expires_at > $2)
		RETURNING id
	`, inv.SessionID, inv.Now, string(inv.Reason), nullIfEmpty(inv.ReplacedBy), inv.RequireUnexpired).Scan(&id)
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return false, err
	}

	// Nothing flipped: distinguish "already dead" from "never existed".
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM `+s.table+` WHERE id = $1)`, inv.SessionID).Scan(&exists); err != nil {
		return false, err
	}
	if !exists {
		return false, ErrSessionNotFound
	}
	return false, nil
}

// InvalidateAllForUser flips every valid session of the user except one.
func (s *PostgresStore) InvalidateAllForUser(ctx context.Context, userID, exceptSessionID string, now time.Time, reason Reason) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE `+s.table+`
		SET is_valid = false,
		    invalidated_at = $2,
		    invalidation_reason = $3
		WHERE user_id = $1
		  AND is_valid
		  AND ($4::text IS NULL OR id <> $4)
	`, userID, now, string(reason), nullIfEmpty(exceptSessionID))
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// Prune deletes dead rows older than the cutoff, sparing each user's newest
// KeepPerUser rows regardless of state.
func (s *PostgresStore) Prune(ctx context.Context, p PrunePolicy) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM `+s.table+` AS s
		USING (
			SELECT id, row_number() OVER (PARTITION BY user_id ORDER BY created_at DESC, id DESC) AS rn
			FROM `+s.table+`
		) AS ranked
		WHERE s.id = ranked.id
		  AND ranked.rn > $1
		  AND (NOT s.is_valid OR s.expires_at <= $2)
		  AND COALESCE(s.invalidated_at, s.expires_at) < $3
	`, p.KeepPerUser, p.Now, p.DeadBefore)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
