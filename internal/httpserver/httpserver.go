package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/sonroyaalmerol/katana-dav/internal/admin"
	"github.com/sonroyaalmerol/katana-dav/internal/auth"
	"github.com/sonroyaalmerol/katana-dav/internal/config"
	"github.com/sonroyaalmerol/katana-dav/internal/dav"
	"github.com/sonroyaalmerol/katana-dav/internal/events"
	"github.com/sonroyaalmerol/katana-dav/internal/files"
	"github.com/sonroyaalmerol/katana-dav/internal/logging"
	"github.com/sonroyaalmerol/katana-dav/internal/notify"
	"github.com/sonroyaalmerol/katana-dav/internal/principals"
	"github.com/sonroyaalmerol/katana-dav/internal/ratelimit"
	"github.com/sonroyaalmerol/katana-dav/internal/router"
	"github.com/sonroyaalmerol/katana-dav/internal/scheduling"
	"github.com/sonroyaalmerol/katana-dav/internal/settings"
	"github.com/sonroyaalmerol/katana-dav/internal/storage"
	"github.com/sonroyaalmerol/katana-dav/internal/storage/backend"
	"github.com/sonroyaalmerol/katana-dav/internal/users"
)

type Server struct {
	http   *http.Server
	logger zerolog.Logger
}

func NewServer(cfg *config.Config, logger zerolog.Logger) (*Server, func(), error) {
	ctx := context.Background()

	store, err := backend.Open(cfg.Storage, logging.Component(logger, "storage"))
	if err != nil {
		return nil, nil, err
	}

	mail, err := settings.LoadMail(ctx, store, cfg.Mail, logging.Component(logger, "settings"))
	if err != nil {
		store.Close()
		return nil, nil, err
	}

	authn := newAuthChain(cfg, store, logging.Component(logger, "auth"))

	dir := principals.NewBackend(store, principals.FirstAdministrator{Login: cfg.Admin.Login}, logging.Component(logger, "principals"))
	dispatcher := events.NewDispatcher()
	dir.Register(dispatcher)
	plugin := users.NewPlugin(store, users.Hasher{Cost: cfg.PasswordCost}, logging.Component(logger, "users"))
	plugin.Register(dispatcher)

	if err := EnsureAdministrator(ctx, cfg, dir, plugin); err != nil {
		store.Close()
		return nil, nil, err
	}

	opts := []notify.Option{notify.WithLocation(cfg.Location())}
	if token := cfg.Mail.MapboxToken; token != "" {
		opts = append(opts, notify.WithMapFetcher(notify.NewMapboxFetcher(token)))
	}
	notifier := notify.New(mail, &notify.SMTPTransport{}, logging.Component(logger, "notify"), opts...)

	sched := scheduling.NewService(cfg.ICS, dir, store, notifier, logging.Component(logger, "scheduling"))
	davh := dav.NewHandlers(cfg, store, dir, dispatcher, sched, logging.Component(logger, "dav"))

	deps := router.Deps{
		Config: cfg,
		DAV:    davh,
		Auth:   authn,
		System: admin.New(cfg, mail, notifier, logging.Component(logger, "admin")).Routes(),
		Logger: logging.Component(logger, "http"),
	}
	if cfg.FilesRoot != "" {
		fh, err := files.NewHandler(cfg.FilesRoot, "/files")
		if err != nil {
			store.Close()
			return nil, nil, err
		}
		deps.Files = fh
	}
	if cfg.HTTP.RateLimit > 0 {
		deps.Limiter = ratelimit.New(cfg.HTTP.RateLimit, cfg.HTTP.RateBurst, 5*time.Minute, cfg.HTTP.TrustedProxies)
	}

	srv := &Server{
		http: &http.Server{
			Addr:         cfg.HTTP.Addr,
			Handler:      router.New(deps),
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 120 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		logger: logger,
	}
	cleanup := func() {
		if deps.Limiter != nil {
			deps.Limiter.Stop()
		}
		store.Close()
	}
	logger.Info().Msgf("configured %s (storage=%s, auth=%s)", cfg.HTTP.Addr, cfg.Storage.Type, cfg.Auth.Backend)
	return srv, cleanup, nil
}

func newAuthChain(cfg *config.Config, store storage.Store, logger zerolog.Logger) *auth.Chain {
	var validator auth.UserPassValidator
	switch cfg.Auth.Backend {
	case "ldap":
		validator = auth.NewLDAPVerifier(cfg.LDAP, logger)
	default:
		validator = &auth.BasicBackend{Source: store, Scheme: cfg.Auth.Scheme, Realm: cfg.Auth.Realm, Logger: logger}
	}
	var bearer *auth.BearerAuth
	if cfg.Auth.EnableBearer {
		bearer = auth.NewBearerAuth(cfg.Auth, logger)
	}
	return auth.NewChain(cfg, validator, bearer, store, logger)
}

// EnsureAdministrator creates the administrator principal and resets its
// password when ADMIN_PASSWORD is configured. It is a no-op otherwise.
func EnsureAdministrator(ctx context.Context, cfg *config.Config, dir *principals.Backend, plugin *users.Plugin) error {
	if cfg.Admin.Password == "" {
		return nil
	}
	p := &storage.Principal{
		URI:         principals.Path(cfg.Admin.Login),
		DisplayName: "Administrator",
		Email:       cfg.Admin.Email,
	}
	if err := dir.Create(ctx, p); err != nil && !errors.Is(err, principals.ErrExists) {
		return fmt.Errorf("ensure administrator principal: %w", err)
	}
	return plugin.SetPassword(ctx, cfg.Admin.Login, cfg.Admin.Password)
}

// Handler exposes the routed handler, mostly for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

func (s *Server) Start() error {
	s.logger.Info().Msgf("listening on %s", s.http.Addr)
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
