package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/sonroyaalmerol/katana-dav/internal/config"
)

// Transport delivers a composed message. cfg carries the SMTP endpoint and
// credentials in effect at send time.
type Transport interface {
	Send(ctx context.Context, cfg config.MailConfig, from string, to []string, msg []byte) error
}

// SMTPTransport submits messages over SMTP. Port 465 uses implicit TLS, other
// ports upgrade with STARTTLS when MailConfig.StartTLS is set.
type SMTPTransport struct {
	TLSConfig *tls.Config
}

func (t *SMTPTransport) Send(ctx context.Context, cfg config.MailConfig, from string, to []string, msg []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if cfg.Address == "" {
		return fmt.Errorf("mail transport is not configured")
	}

	c, err := t.dial(cfg)
	if err != nil {
		return fmt.Errorf("dial %s: %w", cfg.Transport(), err)
	}
	defer c.Close()

	if cfg.Username != "" {
		if ok, _ := c.Extension("AUTH"); !ok {
			return fmt.Errorf("smtp server %s does not support authentication", cfg.Transport())
		}
		if err := c.Auth(sasl.NewPlainClient("", cfg.Username, cfg.Password)); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}

	if err := c.SendMail(from, to, bytes.NewReader(msg)); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	return c.Quit()
}

func (t *SMTPTransport) dial(cfg config.MailConfig) (*smtp.Client, error) {
	switch {
	case cfg.Port == 465:
		return smtp.DialTLS(cfg.Transport(), t.tlsConfig(cfg.Address))
	case cfg.StartTLS:
		return smtp.DialStartTLS(cfg.Transport(), t.tlsConfig(cfg.Address))
	default:
		return smtp.Dial(cfg.Transport())
	}
}

func (t *SMTPTransport) tlsConfig(host string) *tls.Config {
	if t.TLSConfig != nil {
		return t.TLSConfig.Clone()
	}
	return &tls.Config{ServerName: host, MinVersion: tls.VersionTLS12}
}
