package session

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"learnhub/cmd/security/token"
)

// minted is an Issued pair plus the digest that gets persisted.
type minted struct {
	Issued
	refreshHash string
}

// Issuer mints access/refresh pairs. It never touches the store.
type Issuer struct {
	tokens       AccessTokenManager
	hasher       token.Hasher
	refreshBytes int
	refreshTTL   time.Duration
	rememberTTL  time.Duration
}

// NewIssuer returns an Issuer for cfg.
func NewIssuer(cfg Config, tokens AccessTokenManager, hasher token.Hasher) *Issuer {
	return &Issuer{
		tokens:       tokens,
		hasher:       hasher,
		refreshBytes: cfg.RefreshTokenBytes,
		refreshTTL:   cfg.RefreshTTL,
		rememberTTL:  cfg.RefreshTTLRememberMe,
	}
}

func (i *Issuer) refreshLifetime(rememberMe bool) time.Duration {
	if rememberMe {
		return i.rememberTTL
	}
	return i.refreshTTL
}

// HashRefresh returns the stored digest of a presented refresh token.
func (i *Issuer) HashRefresh(plain string) string { return i.hasher.Hex(plain) }

// issue signs the access token and draws the refresh token concurrently;
// both finish before anything is returned.
func (i *Issuer) issue(ctx context.Context, now time.Time, sessionID string, sub Subject, rememberMe bool) (minted, error) {
	out := minted{Issued: Issued{SessionID: sessionID}}

	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		tok, exp, err := i.tokens.Issue(sub, sessionID, now)
		if err != nil {
			return err
		}
		out.AccessToken, out.AccessExp = tok, exp
		return nil
	})
	g.Go(func() error {
		plain, err := token.NewOpaque(i.refreshBytes)
		if err != nil {
			return err
		}
		out.RefreshToken = plain
		out.refreshHash = i.hasher.Hex(plain)
		out.RefreshExp = now.Add(i.refreshLifetime(rememberMe))
		return nil
	})
	if err := g.Wait(); err != nil {
		return minted{}, err
	}
	return out, nil
}
