package identity

import (
	"context"
	"strings"
	"sync"
	"time"

	"learnhub/cmd/identity/ids"
)

// MemoryStore is an in-process Directory for local development and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	byID    map[string]*UserAuth
	byEmail map[string]string
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:    make(map[string]*UserAuth),
		byEmail: make(map[string]string),
	}
}

var _ Directory = (*MemoryStore)(nil)

func (m *MemoryStore) CreateUser(ctx context.Context, in CreateUserInput) (User, error) {
	const op = "identity.CreateUser"
	if err := ctx.Err(); err != nil {
		return User{}, unavailable(op, err)
	}

	email := strings.TrimSpace(in.Email)
	if email == "" || in.PasswordHash == "" {
		return User{}, OpError{Op: op, Kind: ErrInvalidInput, Msg: "email and password hash are required"}
	}
	role := in.Role
	if role == "" {
		role = RoleStudent
	}
	if !role.Valid() {
		return User{}, OpError{Op: op, Kind: ErrInvalidInput, Msg: "unknown role"}
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	id, err := ids.NewULID(now)
	if err != nil {
		return User{}, err
	}

	u := User{ID: id, Email: email, Role: role, DisplayName: in.DisplayName, CreatedAt: now}
	if in.Verified {
		at := now
		u.EmailVerifiedAt = &at
	}

	norm := NormalizeEmail(email)

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, taken := m.byEmail[norm]; taken {
		return User{}, ConflictError{Op: op, Field: "email"}
	}
	m.byID[id] = &UserAuth{User: u, PasswordHash: in.PasswordHash}
	m.byEmail[norm] = id
	return u, nil
}

func (m *MemoryStore) GetUserAuthByEmail(ctx context.Context, emailNorm string) (UserAuth, error) {
	if err := ctx.Err(); err != nil {
		return UserAuth{}, unavailable("identity.GetUserAuthByEmail", err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byEmail[emailNorm]
	if !ok {
		return UserAuth{}, NotFoundError{Op: "identity.GetUserAuthByEmail", Resource: "user"}
	}
	return *m.byID[id], nil
}

func (m *MemoryStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, unavailable("identity.GetUserByID", err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	ua, ok := m.byID[userID]
	if !ok {
		return User{}, NotFoundError{Op: "identity.GetUserByID", Resource: "user"}
	}
	return ua.User, nil
}

func (m *MemoryStore) TouchLastLogin(_ context.Context, userID string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ua, ok := m.byID[userID]
	if !ok {
		return NotFoundError{Op: "identity.TouchLastLogin", Resource: "user"}
	}
	at := now
	ua.LastLoginAt = &at
	return nil
}

func (m *MemoryStore) SetPasswordHash(_ context.Context, userID, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ua, ok := m.byID[userID]
	if !ok {
		return NotFoundError{Op: "identity.SetPasswordHash", Resource: "user"}
	}
	ua.PasswordHash = hash
	return nil
}

// SetVerified flips the verification flag. Verification itself happens
// outside this service; this hook lets tests and seed tooling model it.
func (m *MemoryStore) SetVerified(userID string, at *time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ua, ok := m.byID[userID]; ok {
		ua.EmailVerifiedAt = at
	}
}

// Delete removes a user, modelling an account closed elsewhere.
func (m *MemoryStore) Delete(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ua, ok := m.byID[userID]; ok {
		delete(m.byEmail, NormalizeEmail(ua.Email))
		delete(m.byID, userID)
	}
}
