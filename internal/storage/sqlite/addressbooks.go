package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/sonroyaalmerol/katana-dav/internal/metrics"
	"github.com/sonroyaalmerol/katana-dav/internal/storage"
)

const addressBookColumns = `id, owner, uri, display_name, description, ctag, sync_seq, created_at, updated_at`

func scanAddressBook(row interface{ Scan(...any) error }) (*storage.AddressBook, error) {
	var ab storage.AddressBook
	var created, updated string
	var seq int64
	if err := row.Scan(&ab.ID, &ab.Owner, &ab.URI, &ab.DisplayName, &ab.Description, &ab.CTag, &seq, &created, &updated); err != nil {
		return nil, err
	}
	ab.SyncToken = storage.FormatSyncToken(seq)
	ab.CreatedAt = parseTime(created)
	ab.UpdatedAt = parseTime(updated)
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

	return s.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM addressbooks WHERE owner = ? AND uri = ?`, ab.Owner, ab.URI).Scan(&exists)
		if err == nil {
			return storage.ErrConflict
		}
		if err != sql.ErrNoRows {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO addressbooks (id, owner, uri, display_name, description, ctag, sync_seq, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)`,
			ab.ID, ab.Owner, ab.URI, ab.DisplayName, ab.Description, ab.CTag, formatTime(now), formatTime(now))
		return err
	})
}

func (s *Store) GetAddressBook(ctx context.Context, owner, uri string) (*storage.AddressBook, error) {
	defer metrics.ObserveDB(ctx, "addressbooks.get")()
	ab, err := scanAddressBook(s.db.QueryRowContext(ctx,
		`SELECT `+addressBookColumns+` FROM addressbooks WHERE owner = ? AND uri = ?`, owner, uri))
	return ab, notFound(err)
}

func (s *Store) ListAddressBooks(ctx context.Context, owner string) ([]*storage.AddressBook, error) {
	defer metrics.ObserveDB(ctx, "addressbooks.list")()
	rows, err := s.db.QueryContext(ctx, `SELECT `+addressBookColumns+` FROM addressbooks WHERE owner = ? ORDER BY uri`, owner)
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
	res, err := s.db.ExecContext(ctx, `
		UPDATE addressbooks SET display_name = ?, description = ?, ctag = ?, updated_at = ?
		WHERE owner = ? AND uri = ?`,
		ab.DisplayName, ab.Description, ab.CTag, formatTime(time.Now()), ab.Owner, ab.URI)
	if err != nil {
		return err
	}
	return expectOne(res)
}

func (s *Store) DeleteAddressBook(ctx context.Context, owner, uri string) error {
	defer metrics.ObserveDB(ctx, "addressbooks.delete")()
	res, err := s.db.ExecContext(ctx, `DELETE FROM addressbooks WHERE owner = ? AND uri = ?`, owner, uri)
	if err != nil {
		return err
	}
	return expectOne(res)
}

func (s *Store) DeleteAddressBooksByOwner(ctx context.Context, owner string) error {
	defer metrics.ObserveDB(ctx, "addressbooks.delete_by_owner")()
	_, err := s.db.ExecContext(ctx, `DELETE FROM addressbooks WHERE owner = ?`, owner)
	return err
}

const cardColumns = `id, addressbook_id, uid, etag, data, updated_at`

func scanCard(row interface{ Scan(...any) error }) (*storage.Card, error) {
	var c storage.Card
	var updated string
	if err := row.Scan(&c.ID, &c.AddressBookID, &c.UID, &c.ETag, &c.Data, &updated); err != nil {
		return nil, err
	}
	c.UpdatedAt = parseTime(updated)
	return &c, nil
}

func (s *Store) GetCard(ctx context.Context, addressBookID, uid string) (*storage.Card, error) {
	defer metrics.ObserveDB(ctx, "cards.get")()
	c, err := scanCard(s.db.QueryRowContext(ctx,
		`SELECT `+cardColumns+` FROM addressbook_cards WHERE addressbook_id = ? AND uid = ?`, addressBookID, uid))
	return c, notFound(err)
}

func (s *Store) PutCard(ctx context.Context, card *storage.Card) error {
	defer metrics.ObserveDB(ctx, "cards.put")()
	if card.ID == "" {
		card.ID = storage.NewID()
	}
	card.ETag = storage.NewTag()
	card.UpdatedAt = time.Now().UTC()

	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO addressbook_cards (id, addressbook_id, uid, etag, data, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(addressbook_id, uid) DO UPDATE SET
				etag = excluded.etag,
				data = excluded.data,
				updated_at = excluded.updated_at`,
			card.ID, card.AddressBookID, card.UID, card.ETag, card.Data, formatTime(card.UpdatedAt))
		if err != nil {
			return err
		}
		return nextSeq(tx, "addressbooks", "addressbook_changes", "addressbook_id", card.AddressBookID, card.UID, false)
	})
}

func (s *Store) DeleteCard(ctx context.Context, addressBookID, uid string) error {
	defer metrics.ObserveDB(ctx, "cards.delete")()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM addressbook_cards WHERE addressbook_id = ? AND uid = ?`, addressBookID, uid)
		if err != nil {
			return err
		}
		if err := expectOne(res); err != nil {
			return err
		}
		return nextSeq(tx, "addressbooks", "addressbook_changes", "addressbook_id", addressBookID, uid, true)
	})
}

func (s *Store) ListCards(ctx context.Context, addressBookID string) ([]*storage.Card, error) {
	defer metrics.ObserveDB(ctx, "cards.list")()
	rows, err := s.db.QueryContext(ctx, `SELECT `+cardColumns+` FROM addressbook_cards WHERE addressbook_id = ? ORDER BY uid`, addressBookID)
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
	return listChanges(ctx, s.db, "addressbook_changes", "addressbook_id", addressBookID, sinceSeq, limit)
}
