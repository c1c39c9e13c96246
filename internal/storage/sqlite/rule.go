package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	routex "github.com/dctx-team/routex/internal"
)

const ruleCols = `id, name, type, condition, target_channel, target_model, priority, enabled, created_at, updated_at`

func (s *Store) CreateRule(ctx context.Context, r *routex.RoutingRule) error {
	cond, err := json.Marshal(r.Condition)
	if err != nil {
		return fmt.Errorf("marshal condition: %w", err)
	}
	_, err = s.write.ExecContext(ctx,
		`INSERT INTO routing_rules (`+ruleCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Name, r.Type, string(cond), r.TargetChannel, r.TargetModel,
		r.Priority, boolToInt(r.Enabled), r.CreatedAt, r.UpdatedAt,
	)
	return conflictErr(err, "rule")
}

func (s *Store) GetRule(ctx context.Context, id string) (*routex.RoutingRule, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+ruleCols+` FROM routing_rules WHERE id=?`, id)
	return scanRule(row)
}

// ListRules returns all rules ordered by priority DESC.
func (s *Store) ListRules(ctx context.Context) ([]*routex.RoutingRule, error) {
	return s.queryRules(ctx,
		`SELECT `+ruleCols+` FROM routing_rules ORDER BY priority DESC, name ASC`)
}

// ListEnabledRules returns enabled rules ordered by priority DESC.
func (s *Store) ListEnabledRules(ctx context.Context) ([]*routex.RoutingRule, error) {
	return s.queryRules(ctx,
		`SELECT `+ruleCols+` FROM routing_rules WHERE enabled=1 ORDER BY priority DESC, name ASC`)
}

func (s *Store) queryRules(ctx context.Context, query string, args ...any) ([]*routex.RoutingRule, error) {
	rows, err := s.read.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []*routex.RoutingRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

func (s *Store) UpdateRule(ctx context.Context, r *routex.RoutingRule) error {
	cond, err := json.Marshal(r.Condition)
	if err != nil {
		return fmt.Errorf("marshal condition: %w", err)
	}
	result, err := s.write.ExecContext(ctx,
		`UPDATE routing_rules SET name=?, type=?, condition=?, target_channel=?,
		 target_model=?, priority=?, enabled=?, updated_at=? WHERE id=?`,
		r.Name, r.Type, string(cond), r.TargetChannel,
		r.TargetModel, r.Priority, boolToInt(r.Enabled), routex.NowMillis(), r.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "rule")
}

func (s *Store) DeleteRule(ctx context.Context, id string) (bool, error) {
	result, err := s.write.ExecContext(ctx, `DELETE FROM routing_rules WHERE id=?`, id)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	return n > 0, err
}

func scanRule(sc scanner) (*routex.RoutingRule, error) {
	var r routex.RoutingRule
	var cond string
	var enabled int

	err := sc.Scan(&r.ID, &r.Name, &r.Type, &cond, &r.TargetChannel,
		&r.TargetModel, &r.Priority, &enabled, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, notFoundErr(err)
	}
	if err := unmarshalInto(sql.NullString{String: cond, Valid: cond != ""}, &r.Condition); err != nil {
		return nil, err
	}
	r.Enabled = enabled != 0
	return &r, nil
}
