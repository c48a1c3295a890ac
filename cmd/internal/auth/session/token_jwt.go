package session

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type jwtClaims struct {
	Email     string `json:"email"`
	Role      string `json:"role"`
	SessionID string `json:"sid"`
	jwt.RegisteredClaims
}

type jwtManager struct {
	issuer    string
	ttl       time.Duration
	clockSkew time.Duration

	signing JWTKey
	verify  map[string][]byte
	parser  *jwt.Parser
}

// NewJWTManager builds an AccessTokenManager issuing HS256 JWTs. The first
// key in cfg.JWTKeys signs and stamps its id in the "kid" header; every key
// in the ring verifies, so secrets can be rotated without signing users out.
func NewJWTManager(cfg Config) (AccessTokenManager, error) {
	if len(cfg.JWTKeys) == 0 {
		return nil, ErrConfig
	}
	verify := make(map[string][]byte, len(cfg.JWTKeys))
	for _, k := range cfg.JWTKeys {
		verify[k.ID] = k.Secret
	}
	return &jwtManager{
		issuer:    cfg.Issuer,
		ttl:       cfg.AccessTokenTTL,
		clockSkew: cfg.ClockSkew,
		signing:   cfg.JWTKeys[0],
		verify:    verify,
		// Claims are checked by checkClaimTimes against the caller's clock.
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithoutClaimsValidation(),
		),
	}, nil
}

func (m *jwtManager) Issue(sub Subject, sessionID string, now time.Time) (string, time.Time, error) {
	iat := now.UTC().Truncate(time.Second)
	exp := iat.Add(m.ttl)

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwtClaims{
		Email:     sub.Email,
		Role:      sub.Role,
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   sub.UserID,
			IssuedAt:  jwt.NewNumericDate(iat),
			NotBefore: jwt.NewNumericDate(iat),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	})
	tok.Header["kid"] = m.signing.ID

	signed, err := tok.SignedString(m.signing.Secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

func (m *jwtManager) Verify(token string, now time.Time) (AccessClaims, error) {
	return m.parse(token, now, true)
}

func (m *jwtManager) ParseIgnoringExpiry(token string, now time.Time) (AccessClaims, error) {
	return m.parse(token, now, false)
}

func (m *jwtManager) parse(token string, now time.Time, enforceExpiry bool) (AccessClaims, error) {
	if token == "" || len(token) > maxAccessTokenLen {
		return AccessClaims{}, ErrTokenInvalid
	}

	var jc jwtClaims
	parsed, err := m.parser.ParseWithClaims(token, &jc, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		key, ok := m.verify[kid]
		if !ok {
			return nil, errors.New("unknown kid")
		}
		return key, nil
	})
	if err != nil || !parsed.Valid || jc.Issuer != m.issuer {
		return AccessClaims{}, ErrTokenInvalid
	}

	c := AccessClaims{
		UserID:    jc.Subject,
		Email:     jc.Email,
		Role:      jc.Role,
		SessionID: jc.SessionID,
		Issuer:    jc.Issuer,
	}
	if jc.IssuedAt != nil {
		c.IssuedAt = jc.IssuedAt.Time
	}
	if jc.ExpiresAt != nil {
		c.ExpiresAt = jc.ExpiresAt.Time
	}

	if err := checkClaimTimes(c, now, m.clockSkew, enforceExpiry); err != nil {
		return AccessClaims{}, err
	}
	return c, nil
}
