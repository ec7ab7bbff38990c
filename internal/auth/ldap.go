package auth

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/go-ldap/ldap/v3"
	"github.com/rs/zerolog"

	"github.com/sonroyaalmerol/katana-dav/internal/config"
)

// LDAPVerifier checks credentials with a search-then-bind against a directory.
type LDAPVerifier struct {
	cfg    config.LDAPConfig
	logger zerolog.Logger
	dial   func(config.LDAPConfig) (ldapConn, error)
}

type ldapConn interface {
	Bind(username, password string) error
	Search(req *ldap.SearchRequest) (*ldap.SearchResult, error)
	Close() error
}

func NewLDAPVerifier(cfg config.LDAPConfig, logger zerolog.Logger) *LDAPVerifier {
	return &LDAPVerifier{
		cfg:    cfg,
		logger: logger,
		dial: func(c config.LDAPConfig) (ldapConn, error) {
			return dialLDAPAuto(c)
		},
	}
}

func (v *LDAPVerifier) ValidateUserPass(ctx context.Context, username, password string) bool {
	if password == "" {
		return false
	}
	conn, err := v.dial(v.cfg)
	if err != nil {
		v.logger.Error().Err(err).Str("url", v.cfg.URL).Msg("failed to dial LDAP")
		return false
	}
	defer conn.Close()

	if v.cfg.BindDN != "" {
		if err := conn.Bind(v.cfg.BindDN, v.cfg.BindPassword); err != nil {
			v.logger.Error().Err(err).Str("bind_dn", v.cfg.BindDN).Msg("service bind failed")
			return false
		}
	}

	req := ldap.NewSearchRequest(
		v.cfg.UserBaseDN,
		ldap.ScopeWholeSubtree, ldap.NeverDerefAliases, 2, int(v.cfg.Timeout.Seconds()), false,
		userFilter(v.cfg.UserFilter, username),
		[]string{"dn"},
		nil,
	)
	res, err := conn.Search(req)
	if err != nil {
		v.logger.Error().Err(err).Str("user_base_dn", v.cfg.UserBaseDN).Str("user", username).Msg("LDAP search failed")
		return false
	}
	if len(res.Entries) != 1 {
		v.logger.Debug().Str("user", username).Int("entries", len(res.Entries)).Msg("LDAP user not unique or not found")
		return false
	}

	if err := conn.Bind(res.Entries[0].DN, password); err != nil {
		v.logger.Debug().Err(err).Str("user_dn", res.Entries[0].DN).Msg("user bind failed")
		return false
	}
	return true
}

func userFilter(tmpl, username string) string {
	esc := ldap.EscapeFilter(username)
	n := strings.Count(tmpl, "%s")
	args := make([]any, n)
	for i := range args {
		args[i] = esc
	}
	return fmt.Sprintf(tmpl, args...)
}

func dialLDAPAuto(cfg config.LDAPConfig) (*ldap.Conn, error) {
	u := strings.TrimSpace(cfg.URL)
	if u == "" {
		return nil, errors.New("LDAP URL is empty")
	}

	lower := strings.ToLower(u)
	switch {
	case strings.HasPrefix(lower, "ldaps://"):
		tlsConfig := &tls.Config{
			InsecureSkipVerify: cfg.InsecureSkipVerify,
			ServerName:         serverName(u[len("ldaps://"):]),
		}
		return ldap.DialURL(u, ldap.DialWithTLSConfig(tlsConfig))
	case strings.HasPrefix(lower, "ldap://"):
	default:
		return nil, errors.New("URL must start with ldap:// or ldaps://")
	}

	conn, err := ldap.DialURL(u)
	if err != nil {
		return nil, err
	}
	if cfg.RequireTLS {
		tlsConfig := &tls.Config{
			InsecureSkipVerify: cfg.InsecureSkipVerify,
			ServerName:         serverName(u[len("ldap://"):]),
		}
		if err := conn.StartTLS(tlsConfig); err != nil {
			conn.Close()
			return nil, fmt.Errorf("StartTLS failed: %w", err)
		}
	}
	return conn, nil
}

func serverName(hostPort string) string {
	hostPort = strings.TrimSuffix(hostPort, "/")
	if host, _, err := net.SplitHostPort(hostPort); err == nil && host != "" {
		return host
	}
	return hostPort
}
