package postgres

import (
	"context"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/sonroyaalmerol/katana-dav/internal/metrics"
	"github.com/sonroyaalmerol/katana-dav/internal/storage"
)

func (s *Store) UserDigest(ctx context.Context, username string) (string, error) {
	defer metrics.ObserveDB(ctx, "users.digest")()
	var digest string
	if err := s.pool.QueryRow(ctx, `select digesta1 from users where username = $1`, username).Scan(&digest); err != nil {
		return "", notFound(err)
	}
	return digest, nil
}

func (s *Store) UpsertUser(ctx context.Context, u storage.User) error {
	defer metrics.ObserveDB(ctx, "users.upsert")()
	_, err := s.pool.Exec(ctx, `
		insert into users (username, digesta1) values ($1, $2)
		on conflict (username) do update set digesta1 = excluded.digesta1`, u.Username, u.Digest)
	return err
}

func (s *Store) DeleteUser(ctx context.Context, username string) error {
	defer metrics.ObserveDB(ctx, "users.delete")()
	_, err := s.pool.Exec(ctx, `delete from users where username = $1`, username)
	return err
}

const principalColumns = `id::text, uri, email, displayname, created_at`

func scanPrincipal(row pgx.Row) (*storage.Principal, error) {
	var p storage.Principal
	if err := row.Scan(&p.ID, &p.URI, &p.Email, &p.DisplayName, &p.CreatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) ListPrincipals(ctx context.Context) ([]*storage.Principal, error) {
	defer metrics.ObserveDB(ctx, "principals.list")()
	rows, err := s.pool.Query(ctx, `select `+principalColumns+` from principals order by uri`)
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
	p, err := scanPrincipal(s.pool.QueryRow(ctx, `select `+principalColumns+` from principals where uri = $1`, uri))
	return p, notFound(err)
}

func (s *Store) GetPrincipalByEmail(ctx context.Context, email string) (*storage.Principal, error) {
	defer metrics.ObserveDB(ctx, "principals.get_by_email")()
	p, err := scanPrincipal(s.pool.QueryRow(ctx,
		`select `+principalColumns+` from principals where lower(email) = $1 limit 1`, strings.ToLower(email)))
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
	_, err := s.pool.Exec(ctx, `
		insert into principals (id, uri, email, displayname, created_at)
		values ($1::uuid, $2, $3, $4, $5)`,
		p.ID, p.URI, p.Email, p.DisplayName, p.CreatedAt)
	return conflict(err)
}

func (s *Store) UpdatePrincipal(ctx context.Context, p *storage.Principal) error {
	defer metrics.ObserveDB(ctx, "principals.update")()
	return expectOne(s.pool.Exec(ctx,
		`update principals set email = $1, displayname = $2 where uri = $3`, p.Email, p.DisplayName, p.URI))
}

func (s *Store) DeletePrincipal(ctx context.Context, uri string) error {
	defer metrics.ObserveDB(ctx, "principals.delete")()
	return expectOne(s.pool.Exec(ctx, `delete from principals where uri = $1`, uri))
}

func (s *Store) DeliverInbox(ctx context.Context, msg *storage.InboxMessage) error {
	defer metrics.ObserveDB(ctx, "inbox.deliver")()
	if msg.ID == "" {
		msg.ID = storage.NewID()
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		insert into scheduling_inbox (id, owner, uid, method, data, received_at)
		values ($1::uuid, $2, $3, $4, $5, $6)`,
		msg.ID, msg.Owner, msg.UID, msg.Method, msg.Data, msg.ReceivedAt)
	return err
}

func (s *Store) ListInbox(ctx context.Context, owner string) ([]*storage.InboxMessage, error) {
	defer metrics.ObserveDB(ctx, "inbox.list")()
	rows, err := s.pool.Query(ctx, `
		select id::text, owner, uid, method, data, received_at
		from scheduling_inbox where owner = $1 order by received_at asc`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*storage.InboxMessage
	for rows.Next() {
		var m storage.InboxMessage
		if err := rows.Scan(&m.ID, &m.Owner, &m.UID, &m.Method, &m.Data, &m.ReceivedAt); err != nil {
			return nil, err
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

func (s *Store) DeleteInbox(ctx context.Context, owner, id string) error {
	defer metrics.ObserveDB(ctx, "inbox.delete")()
	return expectOne(s.pool.Exec(ctx, `delete from scheduling_inbox where owner = $1 and id::text = $2`, owner, id))
}

func (s *Store) GetSetting(ctx context.Context, key string) ([]byte, error) {
	defer metrics.ObserveDB(ctx, "settings.get")()
	var v string
	if err := s.pool.QueryRow(ctx, `select value::text from settings where key = $1`, key).Scan(&v); err != nil {
		return nil, notFound(err)
	}
	return []byte(v), nil
}

func (s *Store) PutSetting(ctx context.Context, key string, value []byte) error {
	defer metrics.ObserveDB(ctx, "settings.put")()
	_, err := s.pool.Exec(ctx, `
		insert into settings (key, value) values ($1, $2::jsonb)
		on conflict (key) do update set value = excluded.value`, key, string(value))
	return err
}
