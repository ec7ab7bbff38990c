package auth

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/sonroyaalmerol/katana-dav/internal/config"
	"github.com/sonroyaalmerol/katana-dav/internal/storage"
)

// ErrNotAuthenticated is the only authentication error that reaches the router; it becomes a 401.
var ErrNotAuthenticated = errors.New("not authenticated")

type Principal struct {
	Username    string
	DisplayName string
	Email       string
	Admin       bool
}

// URI is the principal path relative to the DAV root.
func (p *Principal) URI() string {
	return "principals/" + p.Username
}

type ctxKey int

const principalKey ctxKey = 1

func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

func PrincipalFrom(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey).(*Principal)
	return p, ok && p != nil
}

// PrincipalLookup resolves an authenticated username to its directory record.
type PrincipalLookup interface {
	GetPrincipal(ctx context.Context, uri string) (*storage.Principal, error)
}

type Chain struct {
	basic     *BasicAuth
	bearer    *BearerAuth
	lookup    PrincipalLookup
	challenge ChallengePolicy
	admin     string
	logger    zerolog.Logger
}

// NewChain wires the password validator chosen by AUTH_BACKEND. bearer may be nil.
func NewChain(cfg *config.Config, validator UserPassValidator, bearer *BearerAuth, lookup PrincipalLookup, logger zerolog.Logger) *Chain {
	return &Chain{
		basic:     &BasicAuth{Validator: validator},
		bearer:    bearer,
		lookup:    lookup,
		challenge: AJAXChallenge{Next: BasicChallenge{Realm: cfg.Auth.Realm}},
		admin:     cfg.Admin.Login,
		logger:    logger,
	}
}

func (c *Chain) BearerEnabled() bool { return c.bearer != nil }

// Authenticate resolves the request credentials to a Principal.
func (c *Chain) Authenticate(r *http.Request) (*Principal, error) {
	authz := r.Header.Get("Authorization")

	var (
		username string
		err      error
	)
	if len(authz) > 7 && strings.EqualFold(authz[:7], "bearer ") && c.bearer != nil {
		username, err = c.bearer.Authenticate(r.Context(), strings.TrimSpace(authz[7:]))
		if err != nil {
			c.logAttempt(r, "", err)
			return nil, ErrNotAuthenticated
		}
	} else {
		username, err = c.basic.Authenticate(r.Context(), authz)
		if err != nil {
			c.logAttempt(r, username, err)
			return nil, ErrNotAuthenticated
		}
	}

	rec, err := c.lookup.GetPrincipal(r.Context(), "principals/"+username)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			c.logger.Error().Err(err).Str("user", username).Msg("principal lookup failed")
		}
		c.logAttempt(r, username, errors.New("no principal"))
		return nil, ErrNotAuthenticated
	}

	return &Principal{
		Username:    username,
		DisplayName: rec.DisplayName,
		Email:       rec.Email,
		Admin:       username == c.admin,
	}, nil
}

// Unauthorized writes the 401 response with the configured challenge.
func (c *Chain) Unauthorized(w http.ResponseWriter, r *http.Request) {
	c.challenge.Challenge(w, r)
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}

func (c *Chain) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, err := c.Authenticate(r)
			if err != nil {
				c.Unauthorized(w, r)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

func (c *Chain) logAttempt(r *http.Request, username string, authErr error) {
	authType := ""
	if authz := r.Header.Get("Authorization"); authz != "" {
		if i := strings.IndexByte(authz, ' '); i > 0 {
			authType = strings.ToLower(authz[:i])
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}

	ev := c.logger.Info().
		Bool("auth_success", false).
		Str("user", username).
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Str("ip", host).
		Str("user_agent", r.Header.Get("User-Agent")).
		Str("auth_type", authType)
	if authErr != nil && !errors.Is(authErr, ErrNotAuthenticated) {
		ev = ev.Str("error", authErr.Error())
	}
	ev.Msg("auth attempt")
}
