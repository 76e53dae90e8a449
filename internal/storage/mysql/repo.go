package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"homewatch/internal/domain"
)

type Repo struct{ db *sql.DB }

func New(db *sql.DB) *Repo { return &Repo{db: db} }

// Migrate creates missing tables and adds missing columns. It never drops or
// rewrites existing data.
func (r *Repo) Migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, createListingsSQL); err != nil {
		return fmt.Errorf("create listings: %w", err)
	}
	for _, c := range addedColumns {
		var n int
		if err := r.db.QueryRowContext(ctx, columnExistsSQL, c.name).Scan(&n); err != nil {
			return fmt.Errorf("inspect column %s: %w", c.name, err)
		}
		if n > 0 {
			continue
		}
		if _, err := r.db.ExecContext(ctx, c.ddl); err != nil {
			return fmt.Errorf("add column %s: %w", c.name, err)
		}
	}
	if _, err := r.db.ExecContext(ctx, createRunsSQL); err != nil {
		return fmt.Errorf("create ingest_runs: %w", err)
	}
	return nil
}

func (r *Repo) Exists(ctx context.Context, id string) (bool, error) {
	var one int
	err := r.db.QueryRowContext(ctx, existsSQL, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *Repo) Insert(ctx context.Context, l domain.Listing) (domain.InsertResult, error) {
	res, err := r.db.ExecContext(ctx, insertListingSQL,
		l.ID, l.Title, l.Price, l.SqMeters, l.Location, l.Link, l.Source,
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return domain.AlreadyExists, nil
	}
	return domain.Inserted, nil
}

func (r *Repo) Get(ctx context.Context, id string) (domain.Listing, error) {
	l, err := scanListing(r.db.QueryRowContext(ctx, getListingSQL, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Listing{}, domain.ErrNotFound
	}
	return l, err
}

func (r *Repo) ListRecent(ctx context.Context, q domain.ListQuery) (domain.ListingsPage, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if q.Cursor != nil {
		rows, err = r.db.QueryContext(ctx, listRecentAfterSQL,
			q.Cursor.DiscoveredAt, q.Cursor.DiscoveredAt, q.Cursor.ID, q.Limit+1)
	} else {
		rows, err = r.db.QueryContext(ctx, listRecentSQL, q.Limit+1)
	}
	if err != nil {
		return domain.ListingsPage{}, err
	}
	defer rows.Close()

	var out []domain.Listing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return domain.ListingsPage{}, err
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return domain.ListingsPage{}, err
	}
	return page(out, q.Limit), nil
}

func (r *Repo) RecordRun(ctx context.Context, run domain.RunRecord) error {
	_, err := r.db.ExecContext(ctx, insertRunSQL,
		run.ID, string(run.Source), run.StartedAt.UTC(), run.FinishedAt.UTC(),
		run.Seen, run.New, run.Duplicates, run.Rejected, run.Failed,
		run.Notified, run.NotifyFailed, run.Dropped,
	)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanListing(s rowScanner) (domain.Listing, error) {
	var l domain.Listing
	var sqm, loc, src sql.NullString
	if err := s.Scan(&l.ID, &l.Title, &l.Price, &sqm, &loc, &l.Link, &src, &l.DiscoveredAt); err != nil {
		return domain.Listing{}, err
	}
	l.SqMeters = nullOr(sqm, domain.NotAvailable)
	l.Location = nullOr(loc, domain.UnknownLocation)
	l.Source = nullOr(src, string(domain.SourceAPI))
	l.DiscoveredAt = l.DiscoveredAt.UTC()
	return l, nil
}

func nullOr(ns sql.NullString, def string) string {
	if !ns.Valid || ns.String == "" {
		return def
	}
	return ns.String
}

// page trims the limit+1 probe row and derives the next cursor.
func page(items []domain.Listing, limit int) domain.ListingsPage {
	if len(items) <= limit {
		return domain.ListingsPage{Items: items}
	}
	items = items[:limit]
	last := items[len(items)-1]
	next := domain.Cursor{DiscoveredAt: last.DiscoveredAt, ID: last.ID}.Encode()
	return domain.ListingsPage{Items: items, NextCursor: &next}
}
