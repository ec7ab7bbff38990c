package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sonroyaalmerol/katana-dav/internal/config"
)

func newSigningKey(t *testing.T) (jwk.Key, jwk.Set) {
	t.Helper()
	raw, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	priv, err := jwk.FromRaw(raw)
	require.NoError(t, err)
	require.NoError(t, priv.Set(jwk.KeyIDKey, "test-key"))
	require.NoError(t, priv.Set(jwk.AlgorithmKey, jwa.RS256))

	pub, err := priv.PublicKey()
	require.NoError(t, err)
	require.NoError(t, pub.Set(jwk.KeyIDKey, "test-key"))
	require.NoError(t, pub.Set(jwk.AlgorithmKey, jwa.RS256))

	set := jwk.NewSet()
	require.NoError(t, set.AddKey(pub))
	return priv, set
}

func signToken(t *testing.T, key jwk.Key, sub, iss, aud string) string {
	t.Helper()
	tok, err := jwt.NewBuilder().
		Subject(sub).
		Issuer(iss).
		Audience([]string{aud}).
		IssuedAt(time.Now()).
		Expiration(time.Now().Add(time.Hour)).
		Build()
	require.NoError(t, err)
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.RS256, key))
	require.NoError(t, err)
	return string(signed)
}

func newTestBearer(set jwk.Set, fetches *int) *BearerAuth {
	b := NewBearerAuth(config.AuthConfig{
		JWKSURL:  "https://idp.example.com/jwks.json",
		Issuer:   "https://idp.example.com",
		Audience: "katana",
	}, zerolog.Nop())
	b.fetch = func(context.Context, string) (jwk.Set, error) {
		*fetches++
		return set, nil
	}
	return b
}

func TestBearerAcceptsValidToken(t *testing.T) {
	key, set := newSigningKey(t)
	fetches := 0
	b := newTestBearer(set, &fetches)

	token := signToken(t, key, "alice", "https://idp.example.com", "katana")
	sub, err := b.Authenticate(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "alice", sub)

	sub, err = b.Authenticate(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "alice", sub)
	assert.Equal(t, 1, fetches)
}

func TestBearerRejectsWrongIssuerAndAudience(t *testing.T) {
	key, set := newSigningKey(t)
	fetches := 0
	b := newTestBearer(set, &fetches)

	_, err := b.Authenticate(context.Background(), signToken(t, key, "alice", "https://evil.example.com", "katana"))
	assert.Error(t, err)

	_, err = b.Authenticate(context.Background(), signToken(t, key, "alice", "https://idp.example.com", "other"))
	assert.EqualError(t, err, "audience mismatch")
}

func TestBearerRejectsForeignSignature(t *testing.T) {
	_, set := newSigningKey(t)
	foreign, _ := newSigningKey(t)
	fetches := 0
	b := newTestBearer(set, &fetches)

	_, err := b.Authenticate(context.Background(), signToken(t, foreign, "alice", "https://idp.example.com", "katana"))
	assert.Error(t, err)
}

func TestBearerWithoutJWKS(t *testing.T) {
	b := NewBearerAuth(config.AuthConfig{}, zerolog.Nop())
	_, err := b.Authenticate(context.Background(), "x.y.z")
	assert.Error(t, err)
}
