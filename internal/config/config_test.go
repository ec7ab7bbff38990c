package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("MAIL_PORT", "")
	t.Setenv("STORAGE_TYPE", "")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Storage.Type)
	assert.Equal(t, 587, cfg.Mail.Port)
	assert.Equal(t, 10, cfg.PasswordCost)
	assert.Equal(t, "admin", cfg.Admin.Login)
	assert.True(t, cfg.Mail.StartTLS)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("MAIL_PORT", "2525")
	t.Setenv("HTTP_TRUSTED_PROXIES", "10.0.0.0/8, 127.0.0.1")
	t.Setenv("PASSWORD_COST", "12")
	t.Setenv("MAIL_STARTTLS", "false")
	cfg, err := Load()
	require.NoError(t, err)
	assert.False(t, cfg.Mail.StartTLS)
	assert.Equal(t, 2525, cfg.Mail.Port)
	assert.Equal(t, []string{"10.0.0.0/8", "127.0.0.1"}, cfg.HTTP.TrustedProxies)
	assert.Equal(t, 12, cfg.PasswordCost)
}

func TestMailTransport(t *testing.T) {
	m := MailConfig{Address: "smtp.example.com", Port: 25}
	assert.Equal(t, "smtp.example.com:25", m.Transport())

	m2, err := m.WithTransport("mail.example.org:465")
	require.NoError(t, err)
	assert.Equal(t, "mail.example.org", m2.Address)
	assert.Equal(t, 465, m2.Port)

	_, err = m.WithTransport("nope")
	assert.Error(t, err)
	_, err = m.WithTransport("host:99999")
	assert.Error(t, err)
}

func TestBuildProdID(t *testing.T) {
	c := ICSConfig{CompanyName: "katana", ProductName: "katana-dav", Version: "1.0.0", Language: "EN"}
	assert.Equal(t, "-//katana//katana-dav 1.0.0//EN", c.BuildProdID())
	c.Version = ""
	assert.Equal(t, "-//katana//katana-dav//EN", c.BuildProdID())
}
