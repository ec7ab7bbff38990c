// Package users keeps the users table in step with the principal tree.
package users

import (
	"context"
	"encoding/xml"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/sonroyaalmerol/katana-dav/internal/events"
	"github.com/sonroyaalmerol/katana-dav/internal/storage"
)

const principalPrefix = "principals/"

// PasswordProperty is the write-only property clients patch to set a password.
var PasswordProperty = xml.Name{Space: "http://sabredav.org/ns", Local: "password"}

type Store interface {
	UpsertUser(ctx context.Context, u storage.User) error
	DeleteUser(ctx context.Context, username string) error
}

type Plugin struct {
	store  Store
	hasher Hasher
	logger zerolog.Logger
}

func NewPlugin(store Store, hasher Hasher, logger zerolog.Logger) *Plugin {
	return &Plugin{store: store, hasher: hasher, logger: logger}
}

func (p *Plugin) Register(d *events.Dispatcher) {
	d.OnUnbind(p.afterUnbind)
	d.OnPropPatch(p.propPatch)
}

func (p *Plugin) afterUnbind(ctx context.Context, path string) error {
	username, ok := usernameFromPath(path)
	if !ok {
		return nil
	}
	if err := p.store.DeleteUser(ctx, username); err != nil {
		return fmt.Errorf("delete user %s: %w", username, err)
	}
	p.logger.Info().Str("user", username).Msg("user removed")
	return nil
}

func (p *Plugin) propPatch(ctx context.Context, path string, pp *events.PropPatch) error {
	username, ok := usernameFromPath(path)
	if !ok {
		return nil
	}
	pp.Handle(PasswordProperty, func(password string) error {
		return p.SetPassword(ctx, username, password)
	})
	return nil
}

// SetPassword hashes password and stores it for username, creating the row if needed.
func (p *Plugin) SetPassword(ctx context.Context, username, password string) error {
	digest, err := p.hasher.Hash(password)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	if err := p.store.UpsertUser(ctx, storage.User{Username: username, Digest: digest}); err != nil {
		return fmt.Errorf("save user %s: %w", username, err)
	}
	p.logger.Info().Str("user", username).Msg("password updated")
	return nil
}

func usernameFromPath(path string) (string, bool) {
	path = strings.Trim(path, "/")
	if !strings.HasPrefix(path, principalPrefix) {
		return "", false
	}
	name := strings.TrimPrefix(path, principalPrefix)
	if name == "" || strings.Contains(name, "/") {
		return "", false
	}
	return name, true
}
