package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/sonroyaalmerol/katana-dav/internal/metrics"
	"github.com/sonroyaalmerol/katana-dav/internal/storage"
)

const calendarColumns = `id::text, owner, uri, display_name, description, color, components, ctag, sync_seq, created_at, updated_at`

func scanCalendar(row pgx.Row) (*storage.Calendar, error) {
	var c storage.Calendar
	var comps string
	var seq int64
	if err := row.Scan(&c.ID, &c.Owner, &c.URI, &c.DisplayName, &c.Description, &c.Color, &comps, &c.CTag, &seq, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.Components = storage.SplitComponents(comps)
	c.SyncToken = storage.FormatSyncToken(seq)
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

	_, err := s.pool.Exec(ctx, `
		insert into calendars (id, owner, uri, display_name, description, color, components, ctag, sync_seq, created_at, updated_at)
		values ($1::uuid, $2, $3, $4, $5, $6, $7, $8, 0, $9, $9)`,
		c.ID, c.Owner, c.URI, c.DisplayName, c.Description, c.Color, storage.JoinComponents(c.Components), c.CTag, now)
	return conflict(err)
}

func (s *Store) GetCalendar(ctx context.Context, owner, uri string) (*storage.Calendar, error) {
	defer metrics.ObserveDB(ctx, "calendars.get")()
	c, err := scanCalendar(s.pool.QueryRow(ctx,
		`select `+calendarColumns+` from calendars where owner = $1 and uri = $2`, owner, uri))
	return c, notFound(err)
}

func (s *Store) ListCalendars(ctx context.Context, owner string) ([]*storage.Calendar, error) {
	defer metrics.ObserveDB(ctx, "calendars.list")()
	rows, err := s.pool.Query(ctx, `select `+calendarColumns+` from calendars where owner = $1 order by uri`, owner)
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
	return expectOne(s.pool.Exec(ctx, `
		update calendars
		set display_name = $1, description = $2, color = $3, components = $4, ctag = $5, updated_at = now()
		where owner = $6 and uri = $7`,
		c.DisplayName, c.Description, c.Color, storage.JoinComponents(c.Components), c.CTag, c.Owner, c.URI))
}

func (s *Store) DeleteCalendar(ctx context.Context, owner, uri string) error {
	defer metrics.ObserveDB(ctx, "calendars.delete")()
	return expectOne(s.pool.Exec(ctx, `delete from calendars where owner = $1 and uri = $2`, owner, uri))
}

func (s *Store) DeleteCalendarsByOwner(ctx context.Context, owner string) error {
	defer metrics.ObserveDB(ctx, "calendars.delete_by_owner")()
	_, err := s.pool.Exec(ctx, `delete from calendars where owner = $1`, owner)
	return err
}

const objectColumns = `id::text, calendar_id::text, uid, etag, data, component, start_at, end_at, updated_at`

func scanObject(row pgx.Row) (*storage.Object, error) {
	var o storage.Object
	if err := row.Scan(&o.ID, &o.CalendarID, &o.UID, &o.ETag, &o.Data, &o.Component, &o.StartAt, &o.EndAt, &o.UpdatedAt); err != nil {
		return nil, err
	}
	return &o, nil
}

func (s *Store) GetObject(ctx context.Context, calendarID, uid string) (*storage.Object, error) {
	defer metrics.ObserveDB(ctx, "objects.get")()
	o, err := scanObject(s.pool.QueryRow(ctx,
		`select `+objectColumns+` from calendar_objects where calendar_id = $1::uuid and uid = $2`, calendarID, uid))
	return o, notFound(err)
}

func (s *Store) PutObject(ctx context.Context, obj *storage.Object) error {
	defer metrics.ObserveDB(ctx, "objects.put")()
	if obj.ID == "" {
		obj.ID = storage.NewID()
	}
	obj.ETag = storage.NewTag()
	obj.UpdatedAt = time.Now().UTC()

	return s.withTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			insert into calendar_objects (id, calendar_id, uid, etag, data, component, start_at, end_at, updated_at)
			values ($1::uuid, $2::uuid, $3, $4, $5, $6, $7, $8, $9)
			on conflict (calendar_id, uid) do update set
				etag = excluded.etag,
				data = excluded.data,
				component = excluded.component,
				start_at = excluded.start_at,
				end_at = excluded.end_at,
				updated_at = excluded.updated_at`,
			obj.ID, obj.CalendarID, obj.UID, obj.ETag, obj.Data, obj.Component, obj.StartAt, obj.EndAt, obj.UpdatedAt)
		if err != nil {
			return err
		}
		return nextSeq(ctx, tx, "calendars", "calendar_changes", "calendar_id", obj.CalendarID, obj.UID, false)
	})
}

func (s *Store) DeleteObject(ctx context.Context, calendarID, uid string) error {
	defer metrics.ObserveDB(ctx, "objects.delete")()
	return s.withTx(ctx, func(tx pgx.Tx) error {
		if err := expectOne(tx.Exec(ctx,
			`delete from calendar_objects where calendar_id = $1::uuid and uid = $2`, calendarID, uid)); err != nil {
			return err
		}
		return nextSeq(ctx, tx, "calendars", "calendar_changes", "calendar_id", calendarID, uid, true)
	})
}

func (s *Store) ListObjects(ctx context.Context, calendarID string, start, end *time.Time) ([]*storage.Object, error) {
	return s.ListObjectsByComponent(ctx, calendarID, nil, start, end)
}

func (s *Store) ListObjectsByComponent(ctx context.Context, calendarID string, components []string, start, end *time.Time) ([]*storage.Object, error) {
	defer metrics.ObserveDB(ctx, "objects.list")()
	q := `select ` + objectColumns + ` from calendar_objects where calendar_id = $1::uuid`
	args := []any{calendarID}

	if len(components) > 0 {
		upper := make([]string, len(components))
		for i, c := range components {
			upper[i] = strings.ToUpper(c)
		}
		args = append(args, upper)
		q += fmt.Sprintf(" and component = any($%d)", len(args))
	}
	if start != nil {
		args = append(args, *start)
		q += fmt.Sprintf(" and (end_at is null or end_at > $%d)", len(args))
	}
	if end != nil {
		args = append(args, *end)
		q += fmt.Sprintf(" and (start_at is null or start_at < $%d)", len(args))
	}
	q += " order by uid"

	rows, err := s.pool.Query(ctx, q, args...)
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
	return s.listChanges(ctx, "calendar_changes", "calendar_id", calendarID, sinceSeq, limit)
}
