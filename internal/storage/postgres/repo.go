package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"homewatch/internal/domain"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS listings (
  id            TEXT PRIMARY KEY,
  title         TEXT NOT NULL,
  price         TEXT NOT NULL,
  link          TEXT NOT NULL,
  discovered_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
ALTER TABLE listings ADD COLUMN IF NOT EXISTS sq_meters TEXT NOT NULL DEFAULT 'N/A';
ALTER TABLE listings ADD COLUMN IF NOT EXISTS location  TEXT NOT NULL DEFAULT 'Unknown Location';
ALTER TABLE listings ADD COLUMN IF NOT EXISTS source    TEXT NOT NULL DEFAULT 'api';
CREATE INDEX IF NOT EXISTS idx_listings_recent ON listings (discovered_at DESC, id DESC);

CREATE TABLE IF NOT EXISTS ingest_runs (
  id            UUID PRIMARY KEY,
  source        TEXT NOT NULL,
  started_at    TIMESTAMPTZ NOT NULL,
  finished_at   TIMESTAMPTZ NOT NULL,
  seen          INT NOT NULL,
  new_count     INT NOT NULL,
  duplicates    INT NOT NULL,
  rejected      INT NOT NULL,
  failed        INT NOT NULL,
  notified      INT NOT NULL,
  notify_failed INT NOT NULL,
  dropped       INT NOT NULL
);
`

const cols = `id, title, price, sq_meters, location, link, source, discovered_at`

type Repo struct{ pool *pgxpool.Pool }

// Open parses dsn, caps the pool and verifies connectivity.
func Open(ctx context.Context, dsn string, maxConns int) (*Repo, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, domain.ConfigErrorf("parse DATABASE_URL: %v", err)
	}
	if maxConns <= 0 {
		maxConns = 4
	}
	cfg.MaxConns = int32(maxConns)
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return &Repo{pool: pool}, nil
}

func (r *Repo) Close() { r.pool.Close() }

func (r *Repo) Ping(ctx context.Context) error { return r.pool.Ping(ctx) }

// Migrate is additive and safe to run on every start.
func (r *Repo) Migrate(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (r *Repo) Insert(ctx context.Context, l domain.Listing) (domain.InsertResult, error) {
	tag, err := r.pool.Exec(ctx, `
INSERT INTO listings (id, title, price, sq_meters, location, link, source)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (id) DO NOTHING`,
		l.ID, l.Title, l.Price, l.SqMeters, l.Location, l.Link, l.Source)
	if err != nil {
		return 0, err
	}
	if tag.RowsAffected() == 0 {
		return domain.AlreadyExists, nil
	}
	return domain.Inserted, nil
}

func (r *Repo) Exists(ctx context.Context, id string) (bool, error) {
	var ok bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM listings WHERE id = $1)`, id).Scan(&ok)
	return ok, err
}

func (r *Repo) Get(ctx context.Context, id string) (domain.Listing, error) {
	l, err := scan(r.pool.QueryRow(ctx, `SELECT `+cols+` FROM listings WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Listing{}, domain.ErrNotFound
	}
	return l, err
}

func (r *Repo) ListRecent(ctx context.Context, q domain.ListQuery) (domain.ListingsPage, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if q.Cursor != nil {
		rows, err = r.pool.Query(ctx, `SELECT `+cols+` FROM listings
WHERE (discovered_at, id) < ($1, $2)
ORDER BY discovered_at DESC, id DESC
LIMIT $3`, q.Cursor.DiscoveredAt, q.Cursor.ID, q.Limit+1)
	} else {
		rows, err = r.pool.Query(ctx, `SELECT `+cols+` FROM listings
ORDER BY discovered_at DESC, id DESC
LIMIT $1`, q.Limit+1)
	}
	if err != nil {
		return domain.ListingsPage{}, err
	}
	defer rows.Close()

	var items []domain.Listing
	for rows.Next() {
		l, err := scan(rows)
		if err != nil {
			return domain.ListingsPage{}, err
		}
		items = append(items, l)
	}
	if err := rows.Err(); err != nil {
		return domain.ListingsPage{}, err
	}

	if len(items) <= q.Limit {
		return domain.ListingsPage{Items: items}, nil
	}
	items = items[:q.Limit]
	last := items[len(items)-1]
	next := domain.Cursor{DiscoveredAt: last.DiscoveredAt, ID: last.ID}.Encode()
	return domain.ListingsPage{Items: items, NextCursor: &next}, nil
}

func (r *Repo) RecordRun(ctx context.Context, run domain.RunRecord) error {
	_, err := r.pool.Exec(ctx, `
INSERT INTO ingest_runs
  (id, source, started_at, finished_at, seen, new_count, duplicates, rejected, failed, notified, notify_failed, dropped)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		run.ID, string(run.Source), run.StartedAt, run.FinishedAt,
		run.Seen, run.New, run.Duplicates, run.Rejected, run.Failed,
		run.Notified, run.NotifyFailed, run.Dropped)
	return err
}

func scan(row pgx.Row) (domain.Listing, error) {
	var l domain.Listing
	if err := row.Scan(&l.ID, &l.Title, &l.Price, &l.SqMeters, &l.Location, &l.Link, &l.Source, &l.DiscoveredAt); err != nil {
		return domain.Listing{}, err
	}
	l.DiscoveredAt = l.DiscoveredAt.UTC()
	return l, nil
}
