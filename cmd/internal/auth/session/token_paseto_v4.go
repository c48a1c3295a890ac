package session

import (
	"time"

	paseto "aidanwoods.dev/go-paseto"
)

type pasetoV4PublicManager struct {
	issuer    string
	ttl       time.Duration
	clockSkew time.Duration

	secret paseto.V4AsymmetricSecretKey
	public paseto.V4AsymmetricPublicKey
}

// NewPasetoV4PublicManager builds an AccessTokenManager signing PASETO
// v4.public tokens with the Ed25519 key in cfg.PasetoV4SecretKeyHex.
func NewPasetoV4PublicManager(cfg Config) (AccessTokenManager, error) {
	secret, err := paseto.NewV4AsymmetricSecretKeyFromHex(cfg.PasetoV4SecretKeyHex)
	if err != nil {
		return nil, ErrConfig
	}
	return &pasetoV4PublicManager{
		issuer:    cfg.Issuer,
		ttl:       cfg.AccessTokenTTL,
		clockSkew: cfg.ClockSkew,
		secret:    secret,
		public:    secret.Public(),
	}, nil
}

func (m *pasetoV4PublicManager) Issue(sub Subject, sessionID string, now time.Time) (string, time.Time, error) {
	iat := now.UTC().Truncate(time.Second)
	exp := iat.Add(m.ttl)

	tok := paseto.NewToken()
	tok.SetIssuer(m.issuer)
	tok.SetSubject(sub.UserID)
	tok.SetIssuedAt(iat)
	tok.SetNotBefore(iat)
	tok.SetExpiration(exp)
	tok.SetString("email", sub.Email)
	tok.SetString("role", sub.Role)
	tok.SetString("sid", sessionID)

	return tok.V4Sign(m.secret, nil), exp, nil
}

func (m *pasetoV4PublicManager) Verify(token string, now time.Time) (AccessClaims, error) {
	return m.parse(token, now, true)
}

func (m *pasetoV4PublicManager) ParseIgnoringExpiry(token string, now time.Time) (AccessClaims, error) {
	return m.parse(token, now, false)
}

func (m *pasetoV4PublicManager) parse(token string, now time.Time, enforceExpiry bool) (AccessClaims, error) {
	if token == "" || len(token) > maxAccessTokenLen {
		return AccessClaims{}, ErrTokenInvalid
	}

	// Time rules are applied by checkClaimTimes so both formats share one
	// expiry boundary.
	p := paseto.MakeParser(nil)
	p.AddRule(paseto.IssuedBy(m.issuer))

	parsed, err := p.ParseV4Public(m.public, token, nil)
	if err != nil {
		return AccessClaims{}, ErrTokenInvalid
	}

	var c AccessClaims
	c.Issuer, _ = parsed.GetIssuer()
	c.UserID, _ = parsed.GetSubject()
	c.IssuedAt, _ = parsed.GetIssuedAt()
	c.ExpiresAt, _ = parsed.GetExpiration()
	c.Email, _ = parsed.GetString("email")
	c.Role, _ = parsed.GetString("role")
	c.SessionID, _ = parsed.GetString("sid")

	if err := checkClaimTimes(c, now, m.clockSkew, enforceExpiry); err != nil {
		return AccessClaims{}, err
	}
	return c, nil
}
