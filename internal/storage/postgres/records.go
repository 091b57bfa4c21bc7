package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/atelier-crawler/internal/crawler"
)

const recordColumns = "id, created_at, title, url, category, price, duration, location"

// List returns records ordered by id.
func (s *Store) List(ctx context.Context, filter crawler.ListFilter) ([]crawler.StoredRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s
WHERE ($1::text = '' OR lower(category) = lower($1))
ORDER BY id
LIMIT $2 OFFSET $3`, recordColumns, s.records)
	rows, err := s.pool.Query(ctx, query, filter.Category, limitArg(filter.Limit), filter.Offset)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	return collectRecords(rows)
}

// Get fetches a record by id.
func (s *Store) Get(ctx context.Context, id int64) (crawler.StoredRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, recordColumns, s.records)
	rec, err := scanRecord(s.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.StoredRecord{}, crawler.ErrNotFound
	}
	if err != nil {
		return crawler.StoredRecord{}, fmt.Errorf("get record %d: %w", id, err)
	}
	return rec, nil
}

// ListURLs returns every stored URL.
func (s *Store) ListURLs(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`SELECT url FROM %s ORDER BY id`, s.records))
	if err != nil {
		return nil, fmt.Errorf("list urls: %w", err)
	}
	urls, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan urls: %w", err)
	}
	return urls, nil
}

// BatchUpsert inserts records in one statement. Rows whose url_key already
// exists are skipped by the unique constraint; only created rows are returned.
func (s *Store) BatchUpsert(ctx context.Context, records []crawler.Record) ([]crawler.StoredRecord, error) {
	seen := make(map[string]struct{}, len(records))
	values := make([]string, 0, len(records))
	args := make([]any, 0, len(records)*7)
	for _, rec := range records {
		key := crawler.URLKey(rec.URL)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		n := len(args)
		values = append(values, fmt.Sprintf("($%d,$%d,$%d,$%d,$%d,$%d,$%d)", n+1, n+2, n+3, n+4, n+5, n+6, n+7))
		args = append(args, rec.Title, rec.URL, key, rec.Category, rec.Price, rec.Duration, rec.Location)
	}
	if len(values) == 0 {
		return []crawler.StoredRecord{}, nil
	}

	query := fmt.Sprintf(`INSERT INTO %s (title, url, url_key, category, price, duration, location)
VALUES %s
ON CONFLICT (url_key) DO NOTHING
RETURNING %s`, s.records, strings.Join(values, ","), recordColumns)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("batch upsert: %w", err)
	}
	return collectRecords(rows)
}

// DeleteAll removes every record.
func (s *Store) DeleteAll(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s`, s.records))
	if err != nil {
		return 0, fmt.Errorf("delete records: %w", err)
	}
	return tag.RowsAffected(), nil
}

func collectRecords(rows pgx.Rows) ([]crawler.StoredRecord, error) {
	defer rows.Close()
	out := make([]crawler.StoredRecord, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return out, nil
}

func scanRecord(row pgx.Row) (crawler.StoredRecord, error) {
	var rec crawler.StoredRecord
	err := row.Scan(
		&rec.ID,
		&rec.CreatedAt,
		&rec.Title,
		&rec.URL,
		&rec.Category,
		&rec.Price,
		&rec.Duration,
		&rec.Location,
	)
	return rec, err
}

// limitArg maps a non-positive limit to NULL, which Postgres reads as no limit.
func limitArg(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}
