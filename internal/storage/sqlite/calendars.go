package sqlite

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/sonroyaalmerol/katana-dav/internal/metrics"
	"github.com/sonroyaalmerol/katana-dav/internal/storage"
)

const calendarColumns = `id, owner, uri, display_name, description, color, components, ctag, sync_seq, created_at, updated_at`

func scanCalendar(row interface{ Scan(...any) error }) (*storage.Calendar, error) {
	var c storage.Calendar
	var comps, created, updated string
	var seq int64
	if err := row.Scan(&c.ID, &c.Owner, &c.URI, &c.DisplayName, &c.Description, &c.Color, &comps, &c.CTag, &seq, &created, &updated); err != nil {
		return nil, err
	}
	c.Components = storage.SplitComponents(comps)
	c.SyncToken = storage.FormatSyncToken(seq)
	c.CreatedAt = parseTime(created)
	c.UpdatedAt = parseTime(updated)
	return &c, nil
}

func (s *Store) CreateCalendar(ctx context.Context, c *storage.Calendar) error {
	defer metrics.ObserveDB(ctx, "calendars.create")()
	if c.ID == "" {
		c.ID = storage.NewID()
	}
	if c.CTag == "" {
		c.CTag = storage.NewTag()
	}
	if len(c.Components) == 0 {
		c.Components = []string{"VEVENT"}
	}
	now := time.Now().UTC()
	c.CreatedAt, c.UpdatedAt = now, now
	c.SyncToken = storage.FormatSyncToken(0)

	return s.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM calendars WHERE owner = ? AND uri = ?`, c.Owner, c.URI).Scan(&exists)
		if err == nil {
			return storage.ErrConflict
		}
		if err != sql.ErrNoRows {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO calendars (id, owner, uri, display_name, description, color, components, ctag, sync_seq, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
			c.ID, c.Owner, c.URI, c.DisplayName, c.Description, c.Color,
			storage.JoinComponents(c.Components), c.CTag, formatTime(now), formatTime(now))
		return err
	})
}

func (s *Store) GetCalendar(ctx context.Context, owner, uri string) (*storage.Calendar, error) {
	defer metrics.ObserveDB(ctx, "calendars.get")()
	c, err := scanCalendar(s.db.QueryRowContext(ctx,
		`SELECT `+calendarColumns+` FROM calendars WHERE owner = ? AND uri = ?`, owner, uri))
	return c, notFound(err)
}

func (s *Store) ListCalendars(ctx context.Context, owner string) ([]*storage.Calendar, error) {
	defer metrics.ObserveDB(ctx, "calendars.list")()
	rows, err := s.db.QueryContext(ctx, `SELECT `+calendarColumns+` FROM calendars WHERE owner = ? ORDER BY uri`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*storage.Calendar
	for rows.Next() {
		c, err := scanCalendar(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) UpdateCalendar(ctx context.Context, c *storage.Calendar) error {
	defer metrics.ObserveDB(ctx, "calendars.update")()
	c.CTag = storage.NewTag()
	res, err := s.db.ExecContext(ctx, `
		UPDATE calendars SET display_name = ?, description = ?, color = ?, components = ?, ctag = ?, updated_at = ?
		WHERE owner = ? AND uri = ?`,
		c.DisplayName, c.Description, c.Color, storage.JoinComponents(c.Components), c.CTag, formatTime(time.Now()),
		c.Owner, c.URI)
	if err != nil {
		return err
	}
	return expectOne(res)
}

func (s *Store) DeleteCalendar(ctx context.Context, owner, uri string) error {
	defer metrics.ObserveDB(ctx, "calendars.delete")()
	res, err := s.db.ExecContext(ctx, `DELETE FROM calendars WHERE owner = ? AND uri = ?`, owner, uri)
	if err != nil {
		return err
	}
	return expectOne(res)
}

func (s *Store) DeleteCalendarsByOwner(ctx context.Context, owner string) error {
	defer metrics.ObserveDB(ctx, "calendars.delete_by_owner")()
	_, err := s.db.ExecContext(ctx, `DELETE FROM calendars WHERE owner = ?`, owner)
	return err
}

const objectColumns = `id, calendar_id, uid, etag, data, component, start_at, end_at, updated_at`

func scanObject(row interface{ Scan(...any) error }) (*storage.Object, error) {
	var o storage.Object
	var start, end sql.NullString
	var updated string
	if err := row.Scan(&o.ID, &o.CalendarID, &o.UID, &o.ETag, &o.Data, &o.Component, &start, &end, &updated); err != nil {
		return nil, err
	}
	o.StartAt = parseTimePtr(start)
	o.EndAt = parseTimePtr(end)
	o.UpdatedAt = parseTime(updated)
	return &o, nil
}

func (s *Store) GetObject(ctx context.Context, calendarID, uid string) (*storage.Object, error) {
	defer metrics.ObserveDB(ctx, "objects.get")()
	o, err := scanObject(s.db.QueryRowContext(ctx,
		`SELECT `+objectColumns+` FROM calendar_objects WHERE calendar_id = ? AND uid = ?`, calendarID, uid))
	return o, notFound(err)
}

func (s *Store) PutObject(ctx context.Context, obj *storage.Object) error {
	defer metrics.ObserveDB(ctx, "objects.put")()
	if obj.ID == "" {
		obj.ID = storage.NewID()
	}
	obj.ETag = storage.NewTag()
	obj.UpdatedAt = time.Now().UTC()

	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO calendar_objects (id, calendar_id, uid, etag, data, component, start_at, end_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(calendar_id, uid) DO UPDATE SET
				etag = excluded.etag,
				data = excluded.data,
				component = excluded.component,
				start_at = excluded.start_at,
				end_at = excluded.end_at,
				updated_at = excluded.updated_at`,
			obj.ID, obj.CalendarID, obj.UID, obj.ETag, obj.Data, obj.Component,
			formatTimePtr(obj.StartAt), formatTimePtr(obj.EndAt), formatTime(obj.UpdatedAt))
		if err != nil {
			return err
		}
		return nextSeq(tx, "calendars", "calendar_changes", "calendar_id", obj.CalendarID, obj.UID, false)
	})
}

func (s *Store) DeleteObject(ctx context.Context, calendarID, uid string) error {
	defer metrics.ObserveDB(ctx, "objects.delete")()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM calendar_objects WHERE calendar_id = ? AND uid = ?`, calendarID, uid)
		if err != nil {
			return err
		}
		if err := expectOne(res); err != nil {
			return err
		}
		return nextSeq(tx, "calendars", "calendar_changes", "calendar_id", calendarID, uid, true)
	})
}

func (s *Store) ListObjects(ctx context.Context, calendarID string, start, end *time.Time) ([]*storage.Object, error) {
	return s.ListObjectsByComponent(ctx, calendarID, nil, start, end)
}

// ListObjectsByComponent keeps objects without stored bounds (recurring or undated) so callers can
// expand them in memory.
func (s *Store) ListObjectsByComponent(ctx context.Context, calendarID string, components []string, start, end *time.Time) ([]*storage.Object, error) {
	defer metrics.ObserveDB(ctx, "objects.list")()
	q := `SELECT ` + objectColumns + ` FROM calendar_objects WHERE calendar_id = ?`
	args := []any{calendarID}

	if len(components) > 0 {
		q += " AND component IN (?" + strings.Repeat(", ?", len(components)-1) + ")"
		for _, c := range components {
			args = append(args, strings.ToUpper(c))
		}
	}
	if start != nil {
		q += " AND (end_at IS NULL OR end_at > ?)"
		args = append(args, formatTime(*start))
	}
	if end != nil {
		q += " AND (start_at IS NULL OR start_at < ?)"
		args = append(args, formatTime(*end))
	}
	q += " ORDER BY uid"

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*storage.Object
	for rows.Next() {
		o, err := scanObject(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *Store) ListCalendarChanges(ctx context.Context, calendarID string, sinceSeq int64, limit int) ([]storage.Change, int64, error) {
	defer metrics.ObserveDB(ctx, "calendars.changes")()
	return listChanges(ctx, s.db, "calendar_changes", "calendar_id", calendarID, sinceSeq, limit)
}
