// Package storage defines persistence interfaces for the proxy.
package storage

import (
	"context"

	routex "github.com/dctx-team/routex/internal"
)

// ChannelStore manages channel persistence.
type ChannelStore interface {
	CreateChannel(ctx context.Context, c *routex.Channel) error
	GetChannel(ctx context.Context, id string) (*routex.Channel, error)
	GetChannelByName(ctx context.Context, name string) (*routex.Channel, error)
	ListChannels(ctx context.Context) ([]*routex.Channel, error)
	ListEnabledChannels(ctx context.Context) ([]*routex.Channel, error)
	UpdateChannel(ctx context.Context, c *routex.Channel) error
	// DeleteChannel reports whether a row was removed. Request logs of the
	// channel are removed by the FK cascade.
	DeleteChannel(ctx context.Context, id string) (bool, error)
	// IncrementChannelUsage atomically bumps requestCount and either
	// successCount or failureCount, and stamps lastUsedAt.
	IncrementChannelUsage(ctx context.Context, id string, success bool) error
	// SetChannelStatus updates status plus the breaker bookkeeping columns.
	SetChannelStatus(ctx context.Context, id, status string, until int64) error
}

// RuleStore manages routing rule persistence.
type RuleStore interface {
	CreateRule(ctx context.Context, r *routex.RoutingRule) error
	GetRule(ctx context.Context, id string) (*routex.RoutingRule, error)
	ListRules(ctx context.Context) ([]*routex.RoutingRule, error)
	ListEnabledRules(ctx context.Context) ([]*routex.RoutingRule, error)
	UpdateRule(ctx context.Context, r *routex.RoutingRule) error
	DeleteRule(ctx context.Context, id string) (bool, error)
}

// TeeStore manages tee destination persistence.
type TeeStore interface {
	CreateTee(ctx context.Context, t *routex.TeeDestination) error
	GetTee(ctx context.Context, id string) (*routex.TeeDestination, error)
	ListTees(ctx context.Context) ([]*routex.TeeDestination, error)
	ListEnabledTees(ctx context.Context) ([]*routex.TeeDestination, error)
	UpdateTee(ctx context.Context, t *routex.TeeDestination) error
	DeleteTee(ctx context.Context, id string) (bool, error)
}

// RequestStore manages request log persistence.
type RequestStore interface {
	// InsertRequests batch-inserts log rows in a single transaction.
	InsertRequests(ctx context.Context, rows []routex.RequestLog) error
	GetRequests(ctx context.Context, limit, offset int) ([]routex.RequestLog, error)
	GetRequestsByChannel(ctx context.Context, channelID string, limit int) ([]routex.RequestLog, error)
	// GetRequestsFiltered returns matching rows plus the unclamped total.
	GetRequestsFiltered(ctx context.Context, f routex.RequestFilter) ([]routex.RequestLog, int, error)
	GetAnalytics(ctx context.Context) (*routex.Analytics, error)
}

// OAuthStore manages OAuth session persistence.
type OAuthStore interface {
	CreateSession(ctx context.Context, s *routex.OAuthSession) error
	GetSession(ctx context.Context, id string) (*routex.OAuthSession, error)
	ListSessions(ctx context.Context) ([]*routex.OAuthSession, error)
	UpdateSession(ctx context.Context, s *routex.OAuthSession) error
	DeleteSession(ctx context.Context, id string) (bool, error)
}

// Store combines all storage interfaces.
type Store interface {
	ChannelStore
	RuleStore
	TeeStore
	RequestStore
	OAuthStore
	Ping(ctx context.Context) error
	Close() error
}
