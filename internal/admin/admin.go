// Package admin serves the JSON endpoints used by the administration application.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/sonroyaalmerol/katana-dav/internal/auth"
	"github.com/sonroyaalmerol/katana-dav/internal/cache"
	"github.com/sonroyaalmerol/katana-dav/internal/config"
)

const maxBody = 64 << 10

type MailSettings interface {
	Get() config.MailConfig
	Update(ctx context.Context, next config.MailConfig) error
}

type MailTester interface {
	SendTest(ctx context.Context, cfg config.MailConfig, to string) error
}

type API struct {
	storage  config.StorageConfig
	version  config.VersionConfig
	mail     MailSettings
	tester   MailTester
	client   *http.Client
	versions *cache.Cache[string, []string]
	logger   zerolog.Logger
}

func New(cfg *config.Config, mail MailSettings, tester MailTester, logger zerolog.Logger) *API {
	ttl := cfg.Version.CacheTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &API{
		storage:  cfg.Storage,
		version:  cfg.Version,
		mail:     mail,
		tester:   tester,
		client:   &http.Client{Timeout: 10 * time.Second},
		versions: cache.New[string, []string](ttl),
		logger:   logger,
	}
}

// Routes mounts the endpoints below system/. Callers must run the auth middleware first.
func (a *API) Routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/versions", a.handleVersions)
	r.Group(func(r chi.Router) {
		r.Use(requireAdmin)
		r.Get("/configurations", a.handleGetConfigurations)
		r.Post("/configurations", a.handlePostConfigurations)
	})
	return r
}

func requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := auth.PrincipalFrom(r.Context())
		if !ok {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if !p.Admin {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type databaseView struct {
	DSN      string `json:"dsn"`
	Username string `json:"username"`
}

type mailView struct {
	Address  string `json:"address"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
}

type configurations struct {
	Database databaseView `json:"database"`
	Mail     mailView     `json:"mail"`
}

// mailPayload is the body of a POST and the payload of a mail test.
type mailPayload struct {
	Transport string `json:"transport"`
	Username  string `json:"username"`
	Password  string `json:"password"`
}

func (p mailPayload) apply(base config.MailConfig) (config.MailConfig, error) {
	next, err := base.WithTransport(p.Transport)
	if err != nil {
		return base, err
	}
	next.Username = p.Username
	next.Password = p.Password
	return next, nil
}

func (a *API) handleGetConfigurations(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("test") == "mail" {
		a.testMail(w, r)
		return
	}
	m := a.mail.Get()
	writeJSON(w, http.StatusOK, configurations{
		Database: a.database(),
		Mail:     mailView{Address: m.Address, Port: m.Port, Username: m.Username, Password: m.Password},
	})
}

func (a *API) database() databaseView {
	if a.storage.Type == "postgres" {
		u, err := url.Parse(a.storage.PostgresURL)
		if err != nil {
			return databaseView{}
		}
		view := databaseView{Username: u.User.Username()}
		u.User = nil
		view.DSN = u.String()
		return view
	}
	return databaseView{DSN: "sqlite:" + a.storage.SQLitePath}
}

func (a *API) testMail(w http.ResponseWriter, r *http.Request) {
	var p mailPayload
	if err := json.Unmarshal([]byte(r.URL.Query().Get("payload")), &p); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	cfg, err := p.apply(a.mail.Get())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := a.tester.SendTest(r.Context(), cfg, p.Username); err != nil {
		a.logger.Warn().Err(err).Str("transport", p.Transport).Msg("test mail failed")
		http.Error(w, "mail not sent", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"sent": true})
}

func (a *API) handlePostConfigurations(w http.ResponseWriter, r *http.Request) {
	var p mailPayload
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(&p); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	next, err := p.apply(a.mail.Get())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := a.mail.Update(r.Context(), next); err != nil {
		a.logger.Error().Err(err).Msg("saving mail settings failed")
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type versionsView struct {
	Current string   `json:"current_version"`
	Next    []string `json:"next_versions,omitempty"`
}

func (a *API) handleVersions(w http.ResponseWriter, r *http.Request) {
	view := versionsView{Current: a.version.Current}
	if a.version.UpdateURL != "" {
		available, err := a.versions.GetOrLoad(a.version.UpdateURL, func() ([]string, error) {
			return a.fetchVersions(r.Context())
		})
		if err != nil {
			a.logger.Warn().Err(err).Str("url", a.version.UpdateURL).Msg("version check failed")
		}
		view.Next = newerThan(a.version.Current, available)
	}
	writeJSON(w, http.StatusOK, view)
}

// fetchVersions expects a JSON array of version strings.
func (a *API) fetchVersions(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.version.UpdateURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("update server returned %d", resp.StatusCode)
	}
	var out []string
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBody)).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode versions: %w", err)
	}
	if out == nil {
		return nil, errors.New("update server returned no versions")
	}
	return out, nil
}

func newerThan(current string, available []string) []string {
	var out []string
	for _, v := range available {
		if compareVersions(v, current) > 0 {
			out = append(out, v)
		}
	}
	return out
}

// compareVersions orders dotted numeric versions; a leading "v" is ignored.
func compareVersions(a, b string) int {
	pa := strings.Split(strings.TrimPrefix(a, "v"), ".")
	pb := strings.Split(strings.TrimPrefix(b, "v"), ".")
	for i := 0; i < len(pa) || i < len(pb); i++ {
		var x, y int
		if i < len(pa) {
			_, _ = fmt.Sscanf(pa[i], "%d", &x)
		}
		if i < len(pb) {
			_, _ = fmt.Sscanf(pb[i], "%d", &y)
		}
		if x != y {
			if x < y {
				return -1
			}
			return 1
		}
	}
	return 0
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
