package db

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

const upsertSQL = `
	INSERT INTO domains (name, expiry_date, is_expired, checked_at)
	VALUES ($1, $2, $3, $4)
	ON CONFLICT (name) DO UPDATE
	SET expiry_date = EXCLUDED.expiry_date,
	    is_expired  = EXCLUDED.is_expired,
	    checked_at  = EXCLUDED.checked_at`

// PostgresDB stores records in the domains table of a PostgreSQL database.
type PostgresDB struct {
	URL  string
	Pool *pgxpool.Pool
	// MaxConns bounds the pool. Per-record upserts from lookup workers share it.
	MaxConns int32
}

// NewPostgresDB creates a new PostgresDB instance.
// Note that the pool is not created until Open() is called.
func NewPostgresDB(url string) *PostgresDB {
	return &PostgresDB{URL: url, MaxConns: 10}
}

// Open connects, pings and applies pending migrations.
func (db *PostgresDB) Open(ctx context.Context) error {
	cfg, err := pgxpool.ParseConfig(db.URL)
	if err != nil {
		return fmt.Errorf("parsing database url: %w", err)
	}
	if db.MaxConns > 0 {
		cfg.MaxConns = db.MaxConns
	}
	cfg.HealthCheckPeriod = 30 * time.Second
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return fmt.Errorf("connecting: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return fmt.Errorf("connecting: %w", err)
	}
	db.Pool = pool
	if err := db.migrate(ctx); err != nil {
		pool.Close()
		db.Pool = nil
		return err
	}
	return nil
}

func (db *PostgresDB) migrate(ctx context.Context) error {
	sqlDB := stdlib.OpenDBFromPool(db.Pool)
	defer sqlDB.Close()

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	if err := goose.UpContext(ctx, sqlDB, "migrations"); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	return nil
}

// Close releases every pooled connection.
func (db *PostgresDB) Close() error {
	if db.Pool != nil {
		db.Pool.Close()
	}
	return nil
}

func scanRecord(row pgx.Row) (Record, error) {
	var rec Record
	err := row.Scan(&rec.Name, &rec.ExpiryDate, &rec.IsExpired, &rec.CheckedAt)
	return rec, err
}

// Get reads a single record.
func (db *PostgresDB) Get(ctx context.Context, name string) (Record, bool, error) {
	rec, err := scanRecord(db.Pool.QueryRow(ctx,
		`SELECT name, expiry_date, is_expired, checked_at FROM domains WHERE name = $1`, name))
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("get %s: %w", name, err)
	}
	return rec, true, nil
}

// ExistsAndFresh reports whether name was checked within window before now.
func (db *PostgresDB) ExistsAndFresh(ctx context.Context, name string, now time.Time, window time.Duration) (bool, error) {
	var ok bool
	err := db.Pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM domains WHERE name = $1 AND checked_at > $2)`,
		name, now.Add(-window)).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("freshness of %s: %w", name, err)
	}
	return ok, nil
}

// Stale loads names into a temporary table with COPY and anti-joins it against domains, which
// is far cheaper than one query per name for a whole zone.
func (db *PostgresDB) Stale(ctx context.Context, names []string, now time.Time, window time.Duration) (out []string, err error) {
	tx, err := db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("stale: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		} else {
			err = tx.Commit(ctx)
		}
	}()

	if _, err = tx.Exec(ctx, `CREATE TEMP TABLE candidates (name VARCHAR(253)) ON COMMIT DROP`); err != nil {
		return nil, fmt.Errorf("stale: %w", err)
	}
	if _, err = tx.CopyFrom(ctx, pgx.Identifier{"candidates"}, []string{"name"},
		pgx.CopyFromSlice(len(names), func(i int) ([]any, error) {
			return []any{names[i]}, nil
		})); err != nil {
		return nil, fmt.Errorf("stale: copy candidates: %w", err)
	}
	rows, err := tx.Query(ctx, `
		SELECT c.name
		FROM candidates c
		LEFT JOIN domains d ON d.name = c.name AND d.checked_at > $1
		WHERE d.name IS NULL`, now.Add(-window))
	if err != nil {
		return nil, fmt.Errorf("stale: %w", err)
	}
	out, err = pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("stale: %w", err)
	}
	return out, nil
}

// DueForCheck returns records with no expiry date or expiring by now+horizon.
func (db *PostgresDB) DueForCheck(ctx context.Context, now time.Time, horizon time.Duration) ([]Due, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT name, expiry_date
		FROM domains
		WHERE expiry_date IS NULL OR expiry_date <= $1
		ORDER BY name`, now.Add(horizon))
	if err != nil {
		return nil, fmt.Errorf("due for check: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Due, error) {
		var d Due
		err := row.Scan(&d.Name, &d.ExpiryDate)
		return d, err
	})
	if err != nil {
		return nil, fmt.Errorf("due for check: %w", err)
	}
	return out, nil
}

// Upsert writes one record on whichever pooled connection is free.
func (db *PostgresDB) Upsert(ctx context.Context, rec Record) error {
	if err := validate(rec); err != nil {
		return err
	}
	if _, err := db.Pool.Exec(ctx, upsertSQL, rec.Name, rec.ExpiryDate, rec.IsExpired, rec.CheckedAt); err != nil {
		return fmt.Errorf("upsert %s: %w", rec.Name, err)
	}
	return nil
}

// UpsertMany sends every upsert in one batch inside one transaction; any failure rolls the
// whole batch back.
func (db *PostgresDB) UpsertMany(ctx context.Context, recs []Record) (err error) {
	if len(recs) == 0 {
		return nil
	}
	for _, rec := range recs {
		if err := validate(rec); err != nil {
			return &StoreError{Size: len(recs), Err: err}
		}
	}

	tx, err := db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return &StoreError{Size: len(recs), Err: err}
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		if cerr := tx.Commit(ctx); cerr != nil {
			err = &StoreError{Size: len(recs), Err: cerr}
		}
	}()

	batch := &pgx.Batch{}
	for _, rec := range recs {
		batch.Queue(upsertSQL, rec.Name, rec.ExpiryDate, rec.IsExpired, rec.CheckedAt)
	}
	if err = tx.SendBatch(ctx, batch).Close(); err != nil {
		return &StoreError{Size: len(recs), Err: err}
	}
	return nil
}

// Delete removes one domain.
func (db *PostgresDB) Delete(ctx context.Context, name string) error {
	tag, err := db.Pool.Exec(ctx, `DELETE FROM domains WHERE name = $1`, name)
	if err != nil {
		return fmt.Errorf("delete %s: %w", name, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteMany removes several domains at once.
func (db *PostgresDB) DeleteMany(ctx context.Context, names []string) error {
	if _, err := db.Pool.Exec(ctx, `DELETE FROM domains WHERE name = ANY($1)`, names); err != nil {
		return fmt.Errorf("delete many: %w", err)
	}
	return nil
}

// QueryMany returns the known records among names.
func (db *PostgresDB) QueryMany(ctx context.Context, names []string) ([]Record, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT name, expiry_date, is_expired, checked_at
		FROM domains
		WHERE name = ANY($1)
		ORDER BY name`, names)
	if err != nil {
		return nil, fmt.Errorf("query many: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Record, error) {
		return scanRecord(row)
	})
	if err != nil {
		return nil, fmt.Errorf("query many: %w", err)
	}
	return out, nil
}
