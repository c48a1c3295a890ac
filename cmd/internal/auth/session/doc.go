// Package session owns learnhub's sign-in sessions.
//
// A session is one row per issued refresh token. Access tokens are short-lived
// signed tokens (PASETO v4.public or HS256 JWT) carrying user id, email, role
// and session id; they are verified without touching the store. Refresh
// tokens are opaque random strings; only their keyed hash is stored.
//
// Session state only moves forward:
//
//	ACTIVE --(expires_at passes, noticed lazily)--> EXPIRED --> INVALIDATED
//	ACTIVE --(sign-out, rotation, admin, reuse)--> INVALIDATED
//
// Rotation is single-use: the old row is flipped with a conditional update
// that only succeeds while the row is still valid and unexpired. Exactly one
// concurrent caller observes that transition and mints the replacement row;
// the others get ErrTokenInvalid. The replacement is written after the flip,
// so a crash in between leaves the user signed out rather than holding two
// live sessions for one token.
package session
