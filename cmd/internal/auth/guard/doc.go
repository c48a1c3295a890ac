// Package guard turns credentials carried by an HTTP request into a
// Principal.
//
// Access verifies the short-lived access token without touching the session
// store, then re-reads the user so deleted or unverified accounts are
// refused. Refresh resolves the opaque refresh token through the session
// service (validation only; rotation is the handler's job). Authorize and
// RequireRoles compare the principal's role against an allow list.
package guard
