// Package identity is the learnhub user directory and the credential check
// that sits in front of session issuance.
//
// Users are owned here; the session packages only ever hold a user id and
// re-resolve through Directory when they need role or verification state.
package identity
