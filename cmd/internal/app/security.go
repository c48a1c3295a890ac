package app

import (
	"errors"

	"learnhub/cmd/internal/auth/session"
	"learnhub/cmd/security/token"
)

// ValidateSecurityConfig refuses to start with weaker refresh-token hashing
// than the policy asks for. Production always requires the HMAC key.
func ValidateSecurityConfig(cfg Config, sess session.Config) error {
	if !cfg.RequireTokenHMAC {
		return nil
	}
	if _, err := token.NewHasherRequireKey(sess.RefreshHMACKey); err != nil {
		switch {
		case errors.Is(err, token.ErrHMACKeyMissing):
			return errors.New("security policy: LEARNHUB_TOKEN_HMAC_KEY is required")
		case errors.Is(err, token.ErrHMACKeyTooShort):
			return errors.New("security policy: LEARNHUB_TOKEN_HMAC_KEY is too short (min 32 bytes)")
		default:
			return err
		}
	}
	return nil
}
