package auth

import (
	"context"
	"errors"
	"testing"

	"github.com/go-ldap/ldap/v3"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/sonroyaalmerol/katana-dav/internal/config"
)

type fakeLDAP struct {
	entries  []*ldap.Entry
	password map[string]string
	filter   string
	binds    []string
}

func (f *fakeLDAP) Bind(dn, password string) error {
	f.binds = append(f.binds, dn)
	if f.password[dn] != password {
		return ldap.NewError(ldap.LDAPResultInvalidCredentials, errors.New("invalid credentials"))
	}
	return nil
}

func (f *fakeLDAP) Search(req *ldap.SearchRequest) (*ldap.SearchResult, error) {
	f.filter = req.Filter
	return &ldap.SearchResult{Entries: f.entries}, nil
}

func (f *fakeLDAP) Close() error { return nil }

func newFakeVerifier(conn *fakeLDAP) *LDAPVerifier {
	v := NewLDAPVerifier(config.LDAPConfig{
		URL:          "ldap://ldap.example.com",
		BindDN:       "cn=svc,dc=example,dc=com",
		BindPassword: "svcpw",
		UserBaseDN:   "ou=people,dc=example,dc=com",
		UserFilter:   "(|(uid=%s)(mail=%s))",
	}, zerolog.Nop())
	v.dial = func(config.LDAPConfig) (ldapConn, error) { return conn, nil }
	return v
}

func TestLDAPVerifierSearchThenBind(t *testing.T) {
	conn := &fakeLDAP{
		entries: []*ldap.Entry{ldap.NewEntry("uid=alice,ou=people,dc=example,dc=com", nil)},
		password: map[string]string{
			"cn=svc,dc=example,dc=com":             "svcpw",
			"uid=alice,ou=people,dc=example,dc=com": "alicepw",
		},
	}
	v := newFakeVerifier(conn)

	assert.True(t, v.ValidateUserPass(context.Background(), "alice", "alicepw"))
	assert.Equal(t, "(|(uid=alice)(mail=alice))", conn.filter)
	assert.Equal(t, []string{"cn=svc,dc=example,dc=com", "uid=alice,ou=people,dc=example,dc=com"}, conn.binds)

	assert.False(t, v.ValidateUserPass(context.Background(), "alice", "wrong"))
	assert.False(t, v.ValidateUserPass(context.Background(), "alice", ""))
}

func TestLDAPVerifierRequiresUniqueEntry(t *testing.T) {
	conn := &fakeLDAP{password: map[string]string{"cn=svc,dc=example,dc=com": "svcpw"}}
	assert.False(t, newFakeVerifier(conn).ValidateUserPass(context.Background(), "ghost", "pw"))
}

func TestUserFilterEscapes(t *testing.T) {
	assert.Equal(t, `(uid=a\2ab)`, userFilter("(uid=%s)", "a*b"))
}

func TestDialLDAPAutoRejectsBadURLs(t *testing.T) {
	_, err := dialLDAPAuto(config.LDAPConfig{})
	assert.Error(t, err)
	_, err = dialLDAPAuto(config.LDAPConfig{URL: "http://example.com"})
	assert.Error(t, err)
}

func TestServerName(t *testing.T) {
	assert.Equal(t, "ldap.example.com", serverName("ldap.example.com:636"))
	assert.Equal(t, "ldap.example.com", serverName("ldap.example.com"))
}
