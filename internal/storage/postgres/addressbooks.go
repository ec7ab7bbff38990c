package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/sonroyaalmerol/katana-dav/internal/metrics"
	"github.com/sonroyaalmerol/katana-dav/internal/storage"
)

const addressBookColumns = `id::text, owner, uri, display_name, description, ctag, sync_seq, created_at, updated_at`

func scanAddressBook(row pgx.Row) (*storage.AddressBook, error) {
	var ab storage.AddressBook
	var seq int64
	if err := row.Scan(&ab.ID, &ab.Owner, &ab.URI, &ab.DisplayName, &ab.Description, &ab.CTag, &seq, &ab.CreatedAt, &ab.UpdatedAt); err != nil {
		return nil, err
	}
	ab.SyncToken = storage.FormatSyncToken(seq)
	return &ab, nil
}

func (s *Store) CreateAddressBook(ctx context.Context, ab *storage.AddressBook) error {
	defer metrics.ObserveDB(ctx, "addressbooks.create")()
	if ab.ID == "" {
		ab.ID = storage.NewID()
	}
	if ab.CTag == "" {
		ab.CTag = storage.NewTag()
	}
	now := time.Now().UTC()
	ab.CreatedAt, ab.UpdatedAt = now, now
	ab.SyncToken = storage.FormatSyncToken(0)

	_, err := s.pool.Exec(ctx, `
		insert into addressbooks (id, owner, uri, display_name, description, ctag, sync_seq, created_at, updated_at)
		values ($1::uuid, $2, $3, $4, $5, $6, 0, $7, $7)`,
		ab.ID, ab.Owner, ab.URI, ab.DisplayName, ab.Description, ab.CTag, now)
	return conflict(err)
}

func (s *Store) GetAddressBook(ctx context.Context, owner, uri string) (*storage.AddressBook, error) {
	defer metrics.ObserveDB(ctx, "addressbooks.get")()
	ab, err := scanAddressBook(s.pool.QueryRow(ctx,
		`select `+addressBookColumns+` from addressbooks where owner = $1 and uri = $2`, owner, uri))
	return ab, notFound(err)
}

func (s *Store) ListAddressBooks(ctx context.Context, owner string) ([]*storage.AddressBook, error) {
	defer metrics.ObserveDB(ctx, "addressbooks.list")()
	rows, err := s.pool.Query(ctx, `select `+addressBookColumns+` from addressbooks where owner = $1 order by uri`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*storage.AddressBook
	for rows.Next() {
		ab, err := scanAddressBook(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ab)
	}
	return out, rows.Err()
}

func (s *Store) UpdateAddressBook(ctx context.Context, ab *storage.AddressBook) error {
	defer metrics.ObserveDB(ctx, "addressbooks.update")()
	ab.CTag = storage.NewTag()
	return expectOne(s.pool.Exec(ctx, `
		update addressbooks set display_name = $1, description = $2, ctag = $3, updated_at = now()
		where owner = $4 and uri = $5`,
		ab.DisplayName, ab.Description, ab.CTag, ab.Owner, ab.URI))
}

func (s *Store) DeleteAddressBook(ctx context.Context, owner, uri string) error {
	defer metrics.ObserveDB(ctx, "addressbooks.delete")()
	return expectOne(s.pool.Exec(ctx, `delete from addressbooks where owner = $1 and uri = $2`, owner, uri))
}

func (s *Store) DeleteAddressBooksByOwner(ctx context.Context, owner string) error {
	defer metrics.ObserveDB(ctx, "addressbooks.delete_by_owner")()
	_, err := s.pool.Exec(ctx, `delete from addressbooks where owner = $1`, owner)
	return err
}

const cardColumns = `id::text, addressbook_id::text, uid, etag, data, updated_at`

func scanCard(row pgx.Row) (*storage.Card, error) {
	var c storage.Card
	if err := row.Scan(&c.ID, &c.AddressBookID, &c.UID, &c.ETag, &c.Data, &c.UpdatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Store) GetCard(ctx context.Context, addressBookID, uid string) (*storage.Card, error) {
	defer metrics.ObserveDB(ctx, "cards.get")()
	c, err := scanCard(s.pool.QueryRow(ctx,
		`select `+cardColumns+` from addressbook_cards where addressbook_id = $1::uuid and uid = $2`, addressBookID, uid))
	return c, notFound(err)
}

func (s *Store) PutCard(ctx context.Context, card *storage.Card) error {
	defer metrics.ObserveDB(ctx, "cards.put")()
	if card.ID == "" {
		card.ID = storage.NewID()
	}
	card.ETag = storage.NewTag()
	card.UpdatedAt = time.Now().UTC()

	return s.withTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			insert into addressbook_cards (id, addressbook_id, uid, etag, data, updated_at)
			values ($1::uuid, $2::uuid, $3, $4, $5, $6)
			on conflict (addressbook_id, uid) do update set
				etag = excluded.etag,
				data = excluded.data,
				updated_at = excluded.updated_at`,
			card.ID, card.AddressBookID, card.UID, card.ETag, card.Data, card.UpdatedAt)
		if err != nil {
			return err
		}
		return nextSeq(ctx, tx, "addressbooks", "addressbook_changes", "addressbook_id", card.AddressBookID, card.UID, false)
	})
}

func (s *Store) DeleteCard(ctx context.Context, addressBookID, uid string) error {
	defer metrics.ObserveDB(ctx, "cards.delete")()
	return s.withTx(ctx, func(tx pgx.Tx) error {
		if err := expectOne(tx.Exec(ctx,
			`delete from addressbook_cards where addressbook_id = $1::uuid and uid = $2`, addressBookID, uid)); err != nil {
			return err
		}
		return nextSeq(ctx, tx, "addressbooks", "addressbook_changes", "addressbook_id", addressBookID, uid, true)
	})
}

func (s *Store) ListCards(ctx context.Context, addressBookID string) ([]*storage.Card, error) {
	defer metrics.ObserveDB(ctx, "cards.list")()
	rows, err := s.pool.Query(ctx,
		`select `+cardColumns+` from addressbook_cards where addressbook_id = $1::uuid order by uid`, addressBookID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*storage.Card
	for rows.Next() {
		c, err := scanCard(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) ListAddressBookChanges(ctx context.Context, addressBookID string, sinceSeq int64, limit int) ([]storage.Change, int64, error) {
	defer metrics.ObserveDB(ctx, "addressbooks.changes")()
	return s.listChanges(ctx, "addressbook_changes", "addressbook_id", addressBookID, sinceSeq, limit)
}
