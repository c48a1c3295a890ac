package authapi

import (
	"time"

	"learnhub/cmd/identity"
	"learnhub/cmd/internal/auth/session"
)

type signUpRequest struct {
	Email       string  `json:"email"`
	Password    string  `json:"password"`
	DisplayName *string `json:"display_name"`
}

type signInRequest struct {
	Email      string `json:"email"`
	Password   string `json:"password"`
	RememberMe bool   `json:"remember_me"`

	// ReturnTokens echoes both tokens in the body for clients that cannot
	// use cookies. Browsers should leave it off.
	ReturnTokens bool `json:"return_tokens"`
}

type signOutRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type userResponse struct {
	ID            string     `json:"id"`
	Email         string     `json:"email"`
	Role          string     `json:"role"`
	DisplayName   *string    `json:"display_name"`
	EmailVerified bool       `json:"email_verified"`
	CreatedAt     time.Time  `json:"created_at"`
	LastLoginAt   *time.Time `json:"last_login_at"`
}

type sessionResponse struct {
	SessionID        string    `json:"session_id"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
	AccessToken      string    `json:"access_token,omitempty"`
	RefreshToken     string    `json:"refresh_token,omitempty"`
}

type signInResponse struct {
	User    userResponse    `json:"user"`
	Session sessionResponse `json:"session"`
}

type refreshResponse struct {
	Session sessionResponse `json:"session"`
}

type userEnvelope struct {
	User userResponse `json:"user"`
}

type sessionView struct {
	ID         string    `json:"id"`
	UserAgent  string    `json:"user_agent,omitempty"`
	IP         string    `json:"ip,omitempty"`
	RememberMe bool      `json:"remember_me"`
	CreatedAt  time.Time `json:"created_at"`
	LastUsedAt time.Time `json:"last_used_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	Current    bool      `json:"current"`
}

type sessionsResponse struct {
	Sessions []sessionView `json:"sessions"`
}

type revokedResponse struct {
	Revoked int64 `json:"revoked"`
}

type okResponse struct {
	OK bool `json:"ok"`
}

func toUserResponse(u identity.User) userResponse {
	return userResponse{
		ID:            u.ID,
		Email:         u.Email,
		Role:          string(u.Role),
		DisplayName:   u.DisplayName,
		EmailVerified: u.Verified(),
		CreatedAt:     u.CreatedAt,
		LastLoginAt:   u.LastLoginAt,
	}
}

func toSessionResponse(issued session.Issued, withTokens bool) sessionResponse {
	out := sessionResponse{
		SessionID:        issued.SessionID,
		AccessExpiresAt:  issued.AccessExp,
		RefreshExpiresAt: issued.RefreshExp,
	}
	if withTokens {
		out.AccessToken = issued.AccessToken
		out.RefreshToken = issued.RefreshToken
	}
	return out
}

func toSessionViews(rows []session.Session, currentID string) []sessionView {
	out := make([]sessionView, 0, len(rows))
	for _, s := range rows {
		out = append(out, sessionView{
			ID:         s.ID,
			UserAgent:  s.UserAgent,
			IP:         s.IP,
			RememberMe: s.RememberMe,
			CreatedAt:  s.CreatedAt,
			LastUsedAt: s.LastUsedAt,
			ExpiresAt:  s.ExpiresAt,
			Current:    s.ID == currentID,
		})
	}
	return out
}
