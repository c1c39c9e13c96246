package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	routex "github.com/dctx-team/routex/internal"
)

const teeCols = `id, name, type, enabled, url, method, headers, file_path, custom_handler, filter, retries, timeout_ms, created_at, updated_at`

func (s *Store) CreateTee(ctx context.Context, t *routex.TeeDestination) error {
	headers, filter, err := teeJSON(t)
	if err != nil {
		return err
	}
	_, err = s.write.ExecContext(ctx,
		`INSERT INTO tee_destinations (`+teeCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Name, t.Type, boolToInt(t.Enabled), t.URL, t.Method, headers,
		t.FilePath, t.CustomHandler, filter, t.Retries, t.TimeoutMs,
		t.CreatedAt, t.UpdatedAt,
	)
	return conflictErr(err, "tee destination")
}

func (s *Store) GetTee(ctx context.Context, id string) (*routex.TeeDestination, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+teeCols+` FROM tee_destinations WHERE id=?`, id)
	return scanTee(row)
}

func (s *Store) ListTees(ctx context.Context) ([]*routex.TeeDestination, error) {
	return s.queryTees(ctx,
		`SELECT `+teeCols+` FROM tee_destinations ORDER BY name ASC`)
}

func (s *Store) ListEnabledTees(ctx context.Context) ([]*routex.TeeDestination, error) {
	return s.queryTees(ctx,
		`SELECT `+teeCols+` FROM tee_destinations WHERE enabled=1 ORDER BY name ASC`)
}

func (s *Store) queryTees(ctx context.Context, query string, args ...any) ([]*routex.TeeDestination, error) {
	rows, err := s.read.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tees []*routex.TeeDestination
	for rows.Next() {
		t, err := scanTee(rows)
		if err != nil {
			return nil, err
		}
		tees = append(tees, t)
	}
	return tees, rows.Err()
}

func (s *Store) UpdateTee(ctx context.Context, t *routex.TeeDestination) error {
	headers, filter, err := teeJSON(t)
	if err != nil {
		return err
	}
	result, err := s.write.ExecContext(ctx,
		`UPDATE tee_destinations SET name=?, type=?, enabled=?, url=?, method=?,
		 headers=?, file_path=?, custom_handler=?, filter=?, retries=?, timeout_ms=?,
		 updated_at=? WHERE id=?`,
		t.Name, t.Type, boolToInt(t.Enabled), t.URL, t.Method,
		headers, t.FilePath, t.CustomHandler, filter, t.Retries, t.TimeoutMs,
		routex.NowMillis(), t.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "tee destination")
}

func (s *Store) DeleteTee(ctx context.Context, id string) (bool, error) {
	result, err := s.write.ExecContext(ctx, `DELETE FROM tee_destinations WHERE id=?`, id)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	return n > 0, err
}

func teeJSON(t *routex.TeeDestination) (headers, filter sql.NullString, err error) {
	if len(t.Headers) > 0 {
		b, err := json.Marshal(t.Headers)
		if err != nil {
			return headers, filter, fmt.Errorf("marshal headers: %w", err)
		}
		headers = sql.NullString{String: string(b), Valid: true}
	}
	if t.Filter != nil {
		b, err := json.Marshal(t.Filter)
		if err != nil {
			return headers, filter, fmt.Errorf("marshal filter: %w", err)
		}
		filter = sql.NullString{String: string(b), Valid: true}
	}
	return headers, filter, nil
}

func scanTee(sc scanner) (*routex.TeeDestination, error) {
	var t routex.TeeDestination
	var enabled int
	var headers, filter sql.NullString

	err := sc.Scan(&t.ID, &t.Name, &t.Type, &enabled, &t.URL, &t.Method, &headers,
		&t.FilePath, &t.CustomHandler, &filter, &t.Retries, &t.TimeoutMs,
		&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, notFoundErr(err)
	}
	t.Enabled = enabled != 0
	if err := unmarshalInto(headers, &t.Headers); err != nil {
		return nil, err
	}
	if filter.Valid && filter.String != "" {
		t.Filter = new(routex.TeeFilter)
		if err := unmarshalInto(filter, t.Filter); err != nil {
			return nil, err
		}
	}
	return &t, nil
}
