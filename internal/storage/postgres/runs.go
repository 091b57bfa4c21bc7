package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/atelier-crawler/internal/crawler"
)

const runColumns = "run_id, spider_name, status, items_scraped, error_message, created_at, updated_at, completed_at"

// CreateRun inserts a new run row.
func (s *Store) CreateRun(ctx context.Context, run crawler.Run) error {
	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`, s.runs, runColumns)
	if _, err := s.pool.Exec(ctx, query, runArgs(run)...); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// GetRun fetches a run by ID.
func (s *Store) GetRun(ctx context.Context, runID string) (crawler.Run, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE run_id = $1`, runColumns, s.runs)
	run, err := scanRun(s.pool.QueryRow(ctx, query, runID))
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.Run{}, crawler.ErrNotFound
	}
	if err != nil {
		return crawler.Run{}, fmt.Errorf("get run %s: %w", runID, err)
	}
	return run, nil
}

// SaveRun upserts a run. Rows that already have completed_at are never
// modified, so the first terminal write wins even across processes. The
// spider name and creation time of an existing row are preserved.
func (s *Store) SaveRun(ctx context.Context, run crawler.Run) error {
	query := fmt.Sprintf(`INSERT INTO %[1]s (%[2]s) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (run_id) DO UPDATE SET
	status = EXCLUDED.status,
	items_scraped = EXCLUDED.items_scraped,
	error_message = EXCLUDED.error_message,
	updated_at = EXCLUDED.updated_at,
	completed_at = EXCLUDED.completed_at
WHERE %[1]s.completed_at IS NULL`, s.runs, runColumns)
	if _, err := s.pool.Exec(ctx, query, runArgs(run)...); err != nil {
		return fmt.Errorf("save run: %w", err)
	}
	return nil
}

// ListRuns returns runs newest first.
func (s *Store) ListRuns(ctx context.Context, filter crawler.RunFilter) ([]crawler.Run, error) {
	var status any
	if filter.Status != nil {
		status = string(*filter.Status)
	}
	query := fmt.Sprintf(`SELECT %s FROM %s
WHERE ($1::text IS NULL OR status = $1)
ORDER BY created_at DESC, run_id DESC
LIMIT $2 OFFSET $3`, runColumns, s.runs)
	rows, err := s.pool.Query(ctx, query, status, limitArg(filter.Limit), filter.Offset)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	out := make([]crawler.Run, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return out, nil
}

func runArgs(run crawler.Run) []any {
	return []any{
		run.ID,
		run.SpiderName,
		string(run.Status),
		run.ItemsScraped,
		run.ErrorMessage,
		run.CreatedAt,
		run.UpdatedAt,
		run.CompletedAt,
	}
}

func scanRun(row pgx.Row) (crawler.Run, error) {
	var (
		run    crawler.Run
		status string
	)
	err := row.Scan(
		&run.ID,
		&run.SpiderName,
		&status,
		&run.ItemsScraped,
		&run.ErrorMessage,
		&run.CreatedAt,
		&run.UpdatedAt,
		&run.CompletedAt,
	)
	run.Status = crawler.RunStatus(status)
	return run, err
}
