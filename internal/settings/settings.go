// Package settings holds the runtime-editable mail transport configuration.
package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/sonroyaalmerol/katana-dav/internal/config"
	"github.com/sonroyaalmerol/katana-dav/internal/storage"
)

const mailKey = "mail"

type Store interface {
	GetSetting(ctx context.Context, key string) ([]byte, error)
	PutSetting(ctx context.Context, key string, value []byte) error
}

// Mail is safe for concurrent use. Readers get a copy.
type Mail struct {
	mu     sync.RWMutex
	cur    config.MailConfig
	store  Store
	logger zerolog.Logger
}

// LoadMail starts from the environment defaults and overlays the persisted row if present.
func LoadMail(ctx context.Context, store Store, defaults config.MailConfig, logger zerolog.Logger) (*Mail, error) {
	m := &Mail{cur: defaults, store: store, logger: logger}

	raw, err := store.GetSetting(ctx, mailKey)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return m, nil
	case err != nil:
		return nil, fmt.Errorf("load mail settings: %w", err)
	}

	var persisted config.MailConfig
	if err := json.Unmarshal(raw, &persisted); err != nil {
		logger.Warn().Err(err).Msg("ignoring malformed mail settings")
		return m, nil
	}
	m.cur = merge(defaults, persisted)
	return m, nil
}

func (m *Mail) Get() config.MailConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cur
}

// Update persists next and swaps it in. Fields that are not serialized keep their current value.
func (m *Mail) Update(ctx context.Context, next config.MailConfig) error {
	raw, err := json.Marshal(next)
	if err != nil {
		return err
	}
	if err := m.store.PutSetting(ctx, mailKey, raw); err != nil {
		return fmt.Errorf("save mail settings: %w", err)
	}

	m.mu.Lock()
	m.cur = merge(m.cur, next)
	m.mu.Unlock()

	m.logger.Info().
		Str("address", next.Address).
		Int("port", next.Port).
		Str("username", next.Username).
		Msg("mail settings updated")
	return nil
}

func merge(base, over config.MailConfig) config.MailConfig {
	base.Address = over.Address
	if over.Port > 0 {
		base.Port = over.Port
	}
	base.Username = over.Username
	base.Password = over.Password
	return base
}
