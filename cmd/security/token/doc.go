// Package token hashes opaque bearer secrets (refresh tokens) for storage.
//
// Stored digests are always 64-char lower-case hex. With a key configured the
// digest is HMAC-SHA256(token, key); without one it falls back to SHA-256,
// which is only acceptable outside production.
package token
