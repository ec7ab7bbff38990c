package sqlite

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/sonroyaalmerol/katana-dav/internal/metrics"
	"github.com/sonroyaalmerol/katana-dav/internal/storage"
)

func (s *Store) UserDigest(ctx context.Context, username string) (string, error) {
	defer metrics.ObserveDB(ctx, "users.digest")()
	var digest string
	err := s.db.QueryRowContext(ctx, `SELECT digesta1 FROM users WHERE username = ?`, username).Scan(&digest)
	if err != nil {
		return "", notFound(err)
	}
	return digest, nil
}

func (s *Store) UpsertUser(ctx context.Context, u storage.User) error {
	defer metrics.ObserveDB(ctx, "users.upsert")()
	_, err := s.db.ExecContext(ctx, `REPLACE INTO users (username, digesta1) VALUES (?, ?)`, u.Username, u.Digest)
	return err
}

func (s *Store) DeleteUser(ctx context.Context, username string) error {
	defer metrics.ObserveDB(ctx, "users.delete")()
	_, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE username = ?`, username)
	return err
}

const principalColumns = `id, uri, email, displayname, created_at`

func scanPrincipal(row interface{ Scan(...any) error }) (*storage.Principal, error) {
	var p storage.Principal
	var created string
	if err := row.Scan(&p.ID, &p.URI, &p.Email, &p.DisplayName, &created); err != nil {
		return nil, err
	}
	p.CreatedAt = parseTime(created)
	return &p, nil
}

func (s *Store) ListPrincipals(ctx context.Context) ([]*storage.Principal, error) {
	defer metrics.ObserveDB(ctx, "principals.list")()
	rows, err := s.db.QueryContext(ctx, `SELECT `+principalColumns+` FROM principals ORDER BY uri`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*storage.Principal
	for rows.Next() {
		p, err := scanPrincipal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) GetPrincipal(ctx context.Context, uri string) (*storage.Principal, error) {
	defer metrics.ObserveDB(ctx, "principals.get")()
	p, err := scanPrincipal(s.db.QueryRowContext(ctx, `SELECT `+principalColumns+` FROM principals WHERE uri = ?`, uri))
	return p, notFound(err)
}

func (s *Store) GetPrincipalByEmail(ctx context.Context, email string) (*storage.Principal, error) {
	defer metrics.ObserveDB(ctx, "principals.get_by_email")()
	p, err := scanPrincipal(s.db.QueryRowContext(ctx,
		`SELECT `+principalColumns+` FROM principals WHERE lower(email) = ? LIMIT 1`, strings.ToLower(email)))
	return p, notFound(err)
}

func (s *Store) CreatePrincipal(ctx context.Context, p *storage.Principal) error {
	defer metrics.ObserveDB(ctx, "principals.create")()
	if p.ID == "" {
		p.ID = storage.NewID()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM principals WHERE uri = ?`, p.URI).Scan(&exists)
		if err == nil {
			return storage.ErrConflict
		}
		if err != sql.ErrNoRows {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO principals (id, uri, email, displayname, created_at) VALUES (?, ?, ?, ?, ?)`,
			p.ID, p.URI, p.Email, p.DisplayName, formatTime(p.CreatedAt))
		return err
	})
}

func (s *Store) UpdatePrincipal(ctx context.Context, p *storage.Principal) error {
	defer metrics.ObserveDB(ctx, "principals.update")()
	res, err := s.db.ExecContext(ctx,
		`UPDATE principals SET email = ?, displayname = ? WHERE uri = ?`, p.Email, p.DisplayName, p.URI)
	if err != nil {
		return err
	}
	return expectOne(res)
}

func (s *Store) DeletePrincipal(ctx context.Context, uri string) error {
	defer metrics.ObserveDB(ctx, "principals.delete")()
	res, err := s.db.ExecContext(ctx, `DELETE FROM principals WHERE uri = ?`, uri)
	if err != nil {
		return err
	}
	return expectOne(res)
}

func (s *Store) DeliverInbox(ctx context.Context, msg *storage.InboxMessage) error {
	defer metrics.ObserveDB(ctx, "inbox.deliver")()
	if msg.ID == "" {
		msg.ID = storage.NewID()
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scheduling_inbox (id, owner, uid, method, data, received_at) VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.Owner, msg.UID, msg.Method, msg.Data, formatTime(msg.ReceivedAt))
	return err
}

func (s *Store) ListInbox(ctx context.Context, owner string) ([]*storage.InboxMessage, error) {
	defer metrics.ObserveDB(ctx, "inbox.list")()
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner, uid, method, data, received_at FROM scheduling_inbox WHERE owner = ? ORDER BY received_at ASC`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*storage.InboxMessage
	for rows.Next() {
		var m storage.InboxMessage
		var received string
		if err := rows.Scan(&m.ID, &m.Owner, &m.UID, &m.Method, &m.Data, &received); err != nil {
			return nil, err
		}
		m.ReceivedAt = parseTime(received)
		out = append(out, &m)
	}
	return out, rows.Err()
}

func (s *Store) DeleteInbox(ctx context.Context, owner, id string) error {
	defer metrics.ObserveDB(ctx, "inbox.delete")()
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduling_inbox WHERE owner = ? AND id = ?`, owner, id)
	if err != nil {
		return err
	}
	return expectOne(res)
}

func (s *Store) GetSetting(ctx context.Context, key string) ([]byte, error) {
	defer metrics.ObserveDB(ctx, "settings.get")()
	var v string
	if err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&v); err != nil {
		return nil, notFound(err)
	}
	return []byte(v), nil
}

func (s *Store) PutSetting(ctx context.Context, key string, value []byte) error {
	defer metrics.ObserveDB(ctx, "settings.put")()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, string(value))
	return err
}
