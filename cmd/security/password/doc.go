// Package password hashes and verifies learner and staff passwords.
//
// New hashes are Argon2id in PHC form:
//
//	$argon2id$v=19$m=<KiB>,t=<iterations>,p=<parallelism>$<salt>$<key>
//
// Bcrypt hashes ($2a$, $2b$, $2y$) imported from the previous platform are
// still accepted by Verify; NeedsRehash reports them so callers can upgrade
// on the next successful sign-in.
//
// Stored hashes are untrusted input: Verify refuses parameters far above the
// configured cost to keep a tampered row from pinning a CPU.
package password
