package auth

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/rs/zerolog"

	"github.com/sonroyaalmerol/katana-dav/internal/cache"
	"github.com/sonroyaalmerol/katana-dav/internal/config"
)

// BearerAuth validates JWTs against a JWKS and maps the subject to a username.
type BearerAuth struct {
	cfg    config.AuthConfig
	logger zerolog.Logger
	fetch  func(ctx context.Context, url string) (jwk.Set, error)

	mu     sync.Mutex
	keyset jwk.Set
	ksAt   time.Time
	ksTTL  time.Duration

	verCache *cache.Cache[string, string]
}

func NewBearerAuth(cfg config.AuthConfig, logger zerolog.Logger) *BearerAuth {
	return &BearerAuth{
		cfg:    cfg,
		logger: logger,
		fetch: func(ctx context.Context, url string) (jwk.Set, error) {
			return jwk.Fetch(ctx, url)
		},
		ksTTL:    10 * time.Minute,
		verCache: cache.New[string, string](2 * time.Minute),
	}
}

func (b *BearerAuth) keys(ctx context.Context) (jwk.Set, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.keyset != nil && time.Since(b.ksAt) < b.ksTTL {
		return b.keyset, nil
	}
	set, err := b.fetch(ctx, b.cfg.JWKSURL)
	if err != nil {
		return nil, err
	}
	b.keyset = set
	b.ksAt = time.Now()
	return set, nil
}

// Authenticate returns the token subject.
func (b *BearerAuth) Authenticate(ctx context.Context, token string) (string, error) {
	if sub, ok := b.verCache.Get(token); ok {
		return sub, nil
	}
	if b.cfg.JWKSURL == "" {
		return "", errors.New("no jwt validation configured")
	}

	set, err := b.keys(ctx)
	if err != nil {
		return "", err
	}

	opts := []jwt.ParseOption{jwt.WithKeySet(set), jwt.WithValidate(true)}
	if b.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(b.cfg.Issuer))
	}
	tok, err := jwt.Parse([]byte(token), opts...)
	if err != nil {
		return "", err
	}
	if b.cfg.Audience != "" && !slices.Contains(tok.Audience(), b.cfg.Audience) {
		return "", errors.New("audience mismatch")
	}
	sub := tok.Subject()
	if sub == "" {
		return "", errors.New("no sub")
	}

	exp := time.Now().Add(2 * time.Minute)
	if te := tok.Expiration(); !te.IsZero() && te.Before(exp) {
		exp = te
	}
	b.verCache.Set(token, sub, exp)
	return sub, nil
}
