package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	routex "github.com/dctx-team/routex/internal"
)

const channelCols = `id, name, type, base_url, api_key, models, priority, weight, status,
	transformers, request_count, success_count, failure_count, consecutive_failures,
	last_failure_time, circuit_breaker_until, rate_limited_until, last_used_at,
	created_at, updated_at`

// CreateChannel inserts a new channel.
func (s *Store) CreateChannel(ctx context.Context, c *routex.Channel) error {
	models, err := marshalJSON(c.Models)
	if err != nil {
		return err
	}
	transformers, err := marshalJSON(c.Transformers)
	if err != nil {
		return err
	}
	_, err = s.write.ExecContext(ctx,
		`INSERT INTO channels (`+channelCols+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Name, c.Type, c.BaseURL, c.APIKey, models, c.Priority, c.Weight, c.Status,
		transformers, c.RequestCount, c.SuccessCount, c.FailureCount, c.ConsecutiveFailures,
		c.LastFailureTime, c.CircuitBreakerUntil, c.RateLimitedUntil, c.LastUsedAt,
		c.CreatedAt, c.UpdatedAt,
	)
	return conflictErr(err, "channel")
}

// GetChannel retrieves a channel by ID.
func (s *Store) GetChannel(ctx context.Context, id string) (*routex.Channel, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+channelCols+` FROM channels WHERE id=?`, id)
	return scanChannel(row)
}

// GetChannelByName retrieves a channel by its unique name.
func (s *Store) GetChannelByName(ctx context.Context, name string) (*routex.Channel, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+channelCols+` FROM channels WHERE name=?`, name)
	return scanChannel(row)
}

// ListChannels returns all channels ordered by (priority DESC, name ASC).
func (s *Store) ListChannels(ctx context.Context) ([]*routex.Channel, error) {
	return s.queryChannels(ctx,
		`SELECT `+channelCols+` FROM channels ORDER BY priority DESC, name ASC`)
}

// ListEnabledChannels returns enabled channels ordered by (priority DESC, name ASC).
func (s *Store) ListEnabledChannels(ctx context.Context) ([]*routex.Channel, error) {
	return s.queryChannels(ctx,
		`SELECT `+channelCols+` FROM channels WHERE status=? ORDER BY priority DESC, name ASC`,
		routex.StatusEnabled)
}

func (s *Store) queryChannels(ctx context.Context, query string, args ...any) ([]*routex.Channel, error) {
	rows, err := s.read.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var channels []*routex.Channel
	for rows.Next() {
		c, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		channels = append(channels, c)
	}
	return channels, rows.Err()
}

// UpdateChannel updates a channel row.
func (s *Store) UpdateChannel(ctx context.Context, c *routex.Channel) error {
	models, err := marshalJSON(c.Models)
	if err != nil {
		return err
	}
	transformers, err := marshalJSON(c.Transformers)
	if err != nil {
		return err
	}
	result, err := s.write.ExecContext(ctx,
		`UPDATE channels SET name=?, type=?, base_url=?, api_key=?, models=?, priority=?,
		 weight=?, status=?, transformers=?, request_count=?, success_count=?,
		 failure_count=?, consecutive_failures=?, last_failure_time=?,
		 circuit_breaker_until=?, rate_limited_until=?, last_used_at=?, updated_at=?
		 WHERE id=?`,
		c.Name, c.Type, c.BaseURL, c.APIKey, models, c.Priority,
		c.Weight, c.Status, transformers, c.RequestCount, c.SuccessCount,
		c.FailureCount, c.ConsecutiveFailures, c.LastFailureTime,
		c.CircuitBreakerUntil, c.RateLimitedUntil, c.LastUsedAt, routex.NowMillis(),
		c.ID,
	)
	if err != nil {
		return conflictErr(err, "channel")
	}
	return checkRowsAffected(result, "channel")
}

// DeleteChannel removes a channel. Request logs cascade via FK.
func (s *Store) DeleteChannel(ctx context.Context, id string) (bool, error) {
	result, err := s.write.ExecContext(ctx, `DELETE FROM channels WHERE id=?`, id)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	return n > 0, err
}

// IncrementChannelUsage atomically bumps the usage counters of a channel.
func (s *Store) IncrementChannelUsage(ctx context.Context, id string, success bool) error {
	col := "failure_count"
	if success {
		col = "success_count"
	}
	result, err := s.write.ExecContext(ctx,
		`UPDATE channels SET request_count=request_count+1, `+col+`=`+col+`+1,
		 last_used_at=?, updated_at=? WHERE id=?`,
		routex.NowMillis(), routex.NowMillis(), id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "channel")
}

// SetChannelStatus updates status and the matching cooldown column.
// For rate_limited the until value lands in rate_limited_until, for
// circuit_open in circuit_breaker_until; enabled clears both.
func (s *Store) SetChannelStatus(ctx context.Context, id, status string, until int64) error {
	var query string
	args := []any{status, routex.NowMillis()}
	switch status {
	case routex.StatusRateLimited:
		query = `UPDATE channels SET status=?, updated_at=?, rate_limited_until=?, last_failure_time=? WHERE id=?`
		args = append(args, until, routex.NowMillis(), id)
	case routex.StatusCircuitOpen:
		query = `UPDATE channels SET status=?, updated_at=?, circuit_breaker_until=?, last_failure_time=? WHERE id=?`
		args = append(args, until, routex.NowMillis(), id)
	default:
		query = `UPDATE channels SET status=?, updated_at=?, rate_limited_until=0, circuit_breaker_until=0, consecutive_failures=0 WHERE id=?`
		args = append(args, id)
	}
	result, err := s.write.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "channel")
}

func scanChannel(sc scanner) (*routex.Channel, error) {
	var c routex.Channel
	var models, transformers sql.NullString

	err := sc.Scan(
		&c.ID, &c.Name, &c.Type, &c.BaseURL, &c.APIKey, &models, &c.Priority, &c.Weight,
		&c.Status, &transformers, &c.RequestCount, &c.SuccessCount, &c.FailureCount,
		&c.ConsecutiveFailures, &c.LastFailureTime, &c.CircuitBreakerUntil,
		&c.RateLimitedUntil, &c.LastUsedAt, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, notFoundErr(err)
	}

	if err := unmarshalInto(models, &c.Models); err != nil {
		return nil, err
	}
	if err := unmarshalInto(transformers, &c.Transformers); err != nil {
		return nil, err
	}
	return &c, nil
}

// --- helpers shared across the package ---

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// notFoundErr translates sql.ErrNoRows to routex.ErrNotFound.
func notFoundErr(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return routex.ErrNotFound
	}
	return err
}

// conflictErr translates a UNIQUE constraint violation to routex.ErrConflict.
func conflictErr(err error, entity string) error {
	if err == nil {
		return nil
	}
	if isUniqueViolation(err) {
		return fmt.Errorf("%s: %w", entity, routex.ErrConflict)
	}
	return err
}

// isUniqueViolation matches modernc sqlite's constraint error text; the
// driver does not export a typed constraint error.
func isUniqueViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed: UNIQUE")
}

func marshalJSON(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	switch s := v.(type) {
	case []string:
		if len(s) == 0 {
			return sql.NullString{}, nil
		}
	case []routex.TransformerUse:
		if len(s) == 0 {
			return sql.NullString{}, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func unmarshalInto(ns sql.NullString, v any) error {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(ns.String), v); err != nil {
		return fmt.Errorf("unmarshal column: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func checkRowsAffected(result sql.Result, entity string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", entity, routex.ErrNotFound)
	}
	return nil
}
