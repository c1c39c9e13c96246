package sqlite

import (
	"context"
	"strings"

	routex "github.com/dctx-team/routex/internal"
)

const requestCols = `id, channel_id, model, method, path, status_code, latency_ms,
	input_tokens, output_tokens, cached_tokens, success, error, timestamp, trace_id`

const requestColCount = 14

// Request query limits.
const (
	defaultRequestLimit = 100
	maxRequestLimit     = 1000
)

// InsertRequests writes a batch of request logs in a single multi-row
// INSERT. The batch arrives from the log worker, never from handlers.
func (s *Store) InsertRequests(ctx context.Context, logs []routex.RequestLog) error {
	if len(logs) == 0 {
		return nil
	}

	var sb strings.Builder
	sb.WriteString(`INSERT INTO requests (` + requestCols + `) VALUES `)
	args := make([]any, 0, len(logs)*requestColCount)
	for i, r := range logs {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)")
		args = append(args,
			r.ID, r.ChannelID, r.Model, r.Method, r.Path, r.StatusCode, r.LatencyMs,
			r.InputTokens, r.OutputTokens, r.CachedTokens, boolToInt(r.Success),
			r.Error, r.Timestamp, r.TraceID,
		)
	}
	_, err := s.write.ExecContext(ctx, sb.String(), args...)
	return err
}

// GetRequests returns logs newest first.
func (s *Store) GetRequests(ctx context.Context, limit, offset int) ([]routex.RequestLog, error) {
	limit, offset = clampPage(limit, offset)
	return s.queryRequests(ctx,
		`SELECT `+requestCols+` FROM requests ORDER BY timestamp DESC LIMIT ? OFFSET ?`,
		limit, offset)
}

// GetRequestsByChannel returns the latest logs for one channel.
func (s *Store) GetRequestsByChannel(ctx context.Context, channelID string, limit int) ([]routex.RequestLog, error) {
	limit, _ = clampPage(limit, 0)
	return s.queryRequests(ctx,
		`SELECT `+requestCols+` FROM requests WHERE channel_id=? ORDER BY timestamp DESC LIMIT ?`,
		channelID, limit)
}

// GetRequestsFiltered returns matching rows (newest first) plus the total
// count ignoring limit/offset.
func (s *Store) GetRequestsFiltered(ctx context.Context, f routex.RequestFilter) ([]routex.RequestLog, int, error) {
	where, args := buildRequestFilter(f)

	var total int
	if err := s.read.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM requests`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	limit, offset := clampPage(f.Limit, f.Offset)
	rows, err := s.queryRequests(ctx,
		`SELECT `+requestCols+` FROM requests`+where+` ORDER BY timestamp DESC LIMIT ? OFFSET ?`,
		append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	return rows, total, nil
}

func buildRequestFilter(f routex.RequestFilter) (string, []any) {
	var conds []string
	var args []any
	if f.Status != 0 {
		conds = append(conds, "status_code=?")
		args = append(args, f.Status)
	}
	if f.ChannelID != "" {
		conds = append(conds, "channel_id=?")
		args = append(args, f.ChannelID)
	}
	if f.Model != "" {
		conds = append(conds, "model=?")
		args = append(args, f.Model)
	}
	if f.Query != "" {
		like := "%" + f.Query + "%"
		conds = append(conds, "(path LIKE ? OR model LIKE ? OR error LIKE ?)")
		args = append(args, like, like, like)
	}
	if f.Since != 0 {
		conds = append(conds, "timestamp>=?")
		args = append(args, f.Since)
	}
	if f.Until != 0 {
		conds = append(conds, "timestamp<?")
		args = append(args, f.Until)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (s *Store) queryRequests(ctx context.Context, query string, args ...any) ([]routex.RequestLog, error) {
	rows, err := s.read.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []routex.RequestLog
	for rows.Next() {
		var r routex.RequestLog
		var success int
		err := rows.Scan(&r.ID, &r.ChannelID, &r.Model, &r.Method, &r.Path,
			&r.StatusCode, &r.LatencyMs, &r.InputTokens, &r.OutputTokens,
			&r.CachedTokens, &success, &r.Error, &r.Timestamp, &r.TraceID)
		if err != nil {
			return nil, err
		}
		r.Success = success != 0
		logs = append(logs, r)
	}
	return logs, rows.Err()
}

// GetAnalytics aggregates all request logs in one scan.
func (s *Store) GetAnalytics(ctx context.Context) (*routex.Analytics, error) {
	var a routex.Analytics
	err := s.read.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(success), 0),
		       COALESCE(AVG(latency_ms), 0),
		       COALESCE(SUM(input_tokens), 0),
		       COALESCE(SUM(output_tokens), 0),
		       COALESCE(SUM(cached_tokens), 0)
		FROM requests`).Scan(
		&a.TotalRequests, &a.SuccessRequests, &a.AvgLatencyMs,
		&a.InputTokens, &a.OutputTokens, &a.CachedTokens,
	)
	if err != nil {
		return nil, err
	}
	a.FailureRequests = a.TotalRequests - a.SuccessRequests
	a.EstimatedCost = float64(a.InputTokens)/1e6*routex.CostPerMInputUSD +
		float64(a.OutputTokens)/1e6*routex.CostPerMOutputUSD +
		float64(a.CachedTokens)/1e6*routex.CostPerMCachedUSD
	return &a, nil
}

// clampPage applies the effective bounds reported back in list responses.
func clampPage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = defaultRequestLimit
	}
	if limit > maxRequestLimit {
		limit = maxRequestLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
