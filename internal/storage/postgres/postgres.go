package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/sonroyaalmerol/katana-dav/internal/storage"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

var _ storage.Store = (*Store)(nil)

type Store struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

func New(dsn string, logger zerolog.Logger) (*Store, error) {
	if err := runMigrations(dsn, logger); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	pool, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		return nil, err
	}
	return &Store{pool: pool, logger: logger}, nil
}

func runMigrations(dsn string, logger zerolog.Logger) error {
	sourceDriver, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create source driver: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", sourceDriver, dsn)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	defer m.Close()

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("failed to get current migration version: %w", err)
	}
	if dirty {
		logger.Warn().Uint("version", version).Msg("database is in dirty state, forcing version")
		if err := m.Force(int(version)); err != nil {
			return fmt.Errorf("failed to force migration version: %w", err)
		}
	}

	err = m.Up()
	switch {
	case errors.Is(err, migrate.ErrNoChange):
		logger.Debug().Msg("no new migrations to apply")
	case err != nil:
		return fmt.Errorf("failed to run migrations: %w", err)
	default:
		newVersion, _, _ := m.Version()
		logger.Info().Uint("from_version", version).Uint("to_version", newVersion).Msg("migrations applied")
	}
	return nil
}

func (s *Store) Close() { s.pool.Close() }

func (s *Store) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.ErrNotFound
	}
	return err
}

func conflict(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return storage.ErrConflict
	}
	return err
}

func expectOne(tag pgconn.CommandTag, err error) error {
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// nextSeq bumps the sync sequence of a collection row and records the change.
func nextSeq(ctx context.Context, tx pgx.Tx, table, changes, fk, id, uid string, deleted bool) error {
	var seq int64
	err := tx.QueryRow(ctx,
		`update `+table+` set sync_seq = sync_seq + 1, ctag = $1, updated_at = now() where id = $2::uuid returning sync_seq`,
		storage.NewTag(), id,
	).Scan(&seq)
	if err != nil {
		return notFound(err)
	}
	_, err = tx.Exec(ctx,
		`insert into `+changes+` (`+fk+`, seq, uid, deleted) values ($1::uuid, $2, $3, $4)`, id, seq, uid, deleted)
	return err
}

func (s *Store) listChanges(ctx context.Context, changes, fk, id string, sinceSeq int64, limit int) ([]storage.Change, int64, error) {
	q := `select seq, uid, deleted from ` + changes + ` where ` + fk + ` = $1::uuid and seq > $2 order by seq asc`
	args := []any{id, sinceSeq}
	if limit > 0 {
		q += " limit $3"
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []storage.Change
	last := sinceSeq
	for rows.Next() {
		var c storage.Change
		if err := rows.Scan(&c.Seq, &c.UID, &c.Deleted); err != nil {
			return nil, 0, err
		}
		out = append(out, c)
		last = c.Seq
	}
	return out, last, rows.Err()
}
