// Package principals is the directory of DAV principals.
package principals

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/sonroyaalmerol/katana-dav/internal/events"
	"github.com/sonroyaalmerol/katana-dav/internal/storage"
)

const Prefix = "principals/"

var (
	ErrForbidden = errors.New("forbidden")
	ErrNotFound  = errors.New("principal not found")
	ErrExists    = errors.New("principal already exists")
)

var (
	DisplayNameProperty = xml.Name{Space: "DAV:", Local: "displayname"}
	EmailProperty       = xml.Name{Space: "http://sabredav.org/ns", Local: "email-address"}
)

// ForbiddenError carries the message returned to the client.
type ForbiddenError struct {
	Message string
}

func (e *ForbiddenError) Error() string        { return e.Message }
func (e *ForbiddenError) Is(target error) bool { return target == ErrForbidden }

type Store interface {
	ListPrincipals(ctx context.Context) ([]*storage.Principal, error)
	GetPrincipal(ctx context.Context, uri string) (*storage.Principal, error)
	GetPrincipalByEmail(ctx context.Context, email string) (*storage.Principal, error)
	CreatePrincipal(ctx context.Context, p *storage.Principal) error
	UpdatePrincipal(ctx context.Context, p *storage.Principal) error
	DeletePrincipal(ctx context.Context, uri string) error
}

// Protection decides which principal paths may never be deleted.
type Protection interface {
	Protected(path string) bool
}

// FirstAdministrator protects principals/<Login>.
type FirstAdministrator struct {
	Login string
}

func (f FirstAdministrator) Protected(path string) bool {
	return f.Login != "" && strings.Trim(path, "/") == Prefix+f.Login
}

type Backend struct {
	store      Store
	protection Protection
	logger     zerolog.Logger
}

func NewBackend(store Store, protection Protection, logger zerolog.Logger) *Backend {
	return &Backend{store: store, protection: protection, logger: logger}
}

// Path builds the principal path for a username.
func Path(username string) string {
	return Prefix + username
}

// Username extracts the name from a principal path. ok is false for anything else.
func Username(path string) (string, bool) {
	path = strings.Trim(path, "/")
	name, found := strings.CutPrefix(path, Prefix)
	if !found || name == "" || strings.Contains(name, "/") {
		return "", false
	}
	return name, true
}

func (b *Backend) Principals(ctx context.Context) ([]*storage.Principal, error) {
	return b.store.ListPrincipals(ctx)
}

func (b *Backend) Principal(ctx context.Context, path string) (*storage.Principal, error) {
	p, err := b.store.GetPrincipal(ctx, strings.Trim(path, "/"))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	return p, err
}

// FindByEmail accepts a bare address or a mailto: URI.
func (b *Backend) FindByEmail(ctx context.Context, email string) (*storage.Principal, error) {
	email = strings.TrimSpace(email)
	if len(email) > 7 && strings.EqualFold(email[:7], "mailto:") {
		email = email[7:]
	}
	if email == "" {
		return nil, ErrNotFound
	}
	p, err := b.store.GetPrincipalByEmail(ctx, email)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	return p, err
}

func (b *Backend) Create(ctx context.Context, p *storage.Principal) error {
	if _, ok := Username(p.URI); !ok {
		return fmt.Errorf("invalid principal path %q", p.URI)
	}
	err := b.store.CreatePrincipal(ctx, p)
	if errors.Is(err, storage.ErrConflict) {
		return ErrExists
	}
	if err != nil {
		return err
	}
	b.logger.Info().Str("principal", p.URI).Msg("principal created")
	return nil
}

func (b *Backend) Update(ctx context.Context, p *storage.Principal) error {
	err := b.store.UpdatePrincipal(ctx, p)
	if errors.Is(err, storage.ErrNotFound) {
		return ErrNotFound
	}
	return err
}

// Delete removes a principal. The protected administrator path is always refused.
func (b *Backend) Delete(ctx context.Context, path string) error {
	path = strings.Trim(path, "/")
	if b.protection != nil && b.protection.Protected(path) {
		return &ForbiddenError{
			Message: fmt.Sprintf("Deleting the first administrator %s is forbidden.", path),
		}
	}
	err := b.store.DeletePrincipal(ctx, path)
	if errors.Is(err, storage.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	b.logger.Info().Str("principal", path).Msg("principal deleted")
	return nil
}

// Register lets the backend claim displayname and email-address on principal PROPPATCH.
func (b *Backend) Register(d *events.Dispatcher) {
	d.OnPropPatch(b.propPatch)
}

func (b *Backend) propPatch(ctx context.Context, path string, pp *events.PropPatch) error {
	if _, ok := Username(path); !ok {
		return nil
	}
	_, hasName := pp.Props[DisplayNameProperty]
	_, hasEmail := pp.Props[EmailProperty]
	if !hasName && !hasEmail {
		return nil
	}

	p, err := b.Principal(ctx, path)
	if err != nil {
		return err
	}
	pp.HandleMany([]xml.Name{DisplayNameProperty, EmailProperty}, func(values map[xml.Name]string) error {
		if v, ok := values[DisplayNameProperty]; ok {
			p.DisplayName = v
		}
		if v, ok := values[EmailProperty]; ok {
			p.Email = strings.TrimSpace(v)
		}
		if err := b.Update(ctx, p); err != nil {
			return fmt.Errorf("update principal %s: %w", path, err)
		}
		return nil
	})
	return nil
}
