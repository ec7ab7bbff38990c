package auth

import (
	"context"
	"crypto/md5"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strings"

	"github.com/rs/zerolog"

	"github.com/sonroyaalmerol/katana-dav/internal/storage"
	"github.com/sonroyaalmerol/katana-dav/internal/users"
)

const (
	// SchemeHash verifies against a bcrypt hash.
	SchemeHash = "hash"
	// SchemeDigest verifies against md5(username:realm:password).
	SchemeDigest = "digest"
)

// DigestSource returns the stored verification token for a user.
type DigestSource interface {
	UserDigest(ctx context.Context, username string) (string, error)
}

// UserPassValidator decides whether a username/password pair is acceptable.
type UserPassValidator interface {
	ValidateUserPass(ctx context.Context, username, password string) bool
}

type BasicBackend struct {
	Source DigestSource
	Scheme string
	Realm  string
	Logger zerolog.Logger
}

func (b *BasicBackend) ValidateUserPass(ctx context.Context, username, password string) bool {
	digest, err := b.Source.UserDigest(ctx, username)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			b.Logger.Error().Err(err).Str("user", username).Msg("digest lookup failed")
		}
		return false
	}

	if b.Scheme == SchemeDigest {
		expected := RealmDigest(username, b.Realm, password)
		return subtle.ConstantTimeCompare([]byte(digest), []byte(expected)) == 1
	}
	return users.CheckPassword(password, digest)
}

// RealmDigest is the HA1 value stored for the digest scheme.
func RealmDigest(username, realm, password string) string {
	sum := md5.Sum([]byte(username + ":" + realm + ":" + password))
	return hex.EncodeToString(sum[:])
}

// BasicAuth parses an Authorization header and delegates the credential check.
type BasicAuth struct {
	Validator UserPassValidator
}

func (b *BasicAuth) Authenticate(ctx context.Context, header string) (string, error) {
	if header == "" {
		return "", ErrNotAuthenticated
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "basic") {
		return "", ErrNotAuthenticated
	}
	dec, err := base64.StdEncoding.DecodeString(strings.TrimSpace(parts[1]))
	if err != nil {
		return "", ErrNotAuthenticated
	}
	username, password, ok := strings.Cut(string(dec), ":")
	if !ok || username == "" {
		return "", ErrNotAuthenticated
	}
	if !b.Validator.ValidateUserPass(ctx, username, password) {
		return username, ErrNotAuthenticated
	}
	return username, nil
}
