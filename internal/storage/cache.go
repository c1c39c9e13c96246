package storage

import (
	"context"
	"time"

	"github.com/maypok86/otter/v2"

	routex "github.com/dctx-team/routex/internal"
)

// DefaultCacheTTL is the row-cache expiry for channel/rule/tee reads.
const DefaultCacheTTL = 30 * time.Second

const cacheMaxEntries = 4096

// StatsRecorder counts cache hits and misses.
type StatsRecorder interface {
	CacheHit()
	CacheMiss()
}

type nopStats struct{}

func (nopStats) CacheHit()  {}
func (nopStats) CacheMiss() {}

// List cache keys.
const (
	keyChannelsAll     = "channels:all"
	keyChannelsEnabled = "channels:enabled"
	keyRulesAll        = "rules:all"
	keyRulesEnabled    = "rules:enabled"
	keyTeesAll         = "tees:all"
	keyTeesEnabled     = "tees:enabled"
)

// Cached wraps a Store with otter W-TinyLFU read caches for channels,
// rules, and tees. Writes invalidate; reads fill. Request logs and OAuth
// sessions pass through uncached.
type Cached struct {
	Store

	channels *otter.Cache[string, *routex.Channel]
	lists    *otter.Cache[string, any]
	stats    StatsRecorder
}

// NewCached builds the caching decorator. stats may be nil.
func NewCached(s Store, ttl time.Duration, stats StatsRecorder) *Cached {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if stats == nil {
		stats = nopStats{}
	}
	channels := otter.Must(&otter.Options[string, *routex.Channel]{
		MaximumSize:      cacheMaxEntries,
		ExpiryCalculator: otter.ExpiryWriting[string, *routex.Channel](ttl),
	})
	lists := otter.Must(&otter.Options[string, any]{
		MaximumSize:      64,
		ExpiryCalculator: otter.ExpiryWriting[string, any](ttl),
	})
	return &Cached{Store: s, channels: channels, lists: lists, stats: stats}
}

func (c *Cached) GetChannel(ctx context.Context, id string) (*routex.Channel, error) {
	if ch, ok := c.channels.GetIfPresent("id:" + id); ok {
		c.stats.CacheHit()
		return ch, nil
	}
	c.stats.CacheMiss()
	ch, err := c.Store.GetChannel(ctx, id)
	if err != nil {
		return nil, err
	}
	c.channels.Set("id:"+ch.ID, ch)
	c.channels.Set("name:"+ch.Name, ch)
	return ch, nil
}

func (c *Cached) GetChannelByName(ctx context.Context, name string) (*routex.Channel, error) {
	if ch, ok := c.channels.GetIfPresent("name:" + name); ok {
		c.stats.CacheHit()
		return ch, nil
	}
	c.stats.CacheMiss()
	ch, err := c.Store.GetChannelByName(ctx, name)
	if err != nil {
		return nil, err
	}
	c.channels.Set("id:"+ch.ID, ch)
	c.channels.Set("name:"+ch.Name, ch)
	return ch, nil
}

func (c *Cached) ListChannels(ctx context.Context) ([]*routex.Channel, error) {
	return cachedList(ctx, c, keyChannelsAll, c.Store.ListChannels)
}

func (c *Cached) ListEnabledChannels(ctx context.Context) ([]*routex.Channel, error) {
	return cachedList(ctx, c, keyChannelsEnabled, c.Store.ListEnabledChannels)
}

func (c *Cached) CreateChannel(ctx context.Context, ch *routex.Channel) error {
	if err := c.Store.CreateChannel(ctx, ch); err != nil {
		return err
	}
	c.InvalidateChannels()
	return nil
}

func (c *Cached) UpdateChannel(ctx context.Context, ch *routex.Channel) error {
	if err := c.Store.UpdateChannel(ctx, ch); err != nil {
		return err
	}
	c.InvalidateChannels()
	return nil
}

func (c *Cached) DeleteChannel(ctx context.Context, id string) (bool, error) {
	ok, err := c.Store.DeleteChannel(ctx, id)
	if ok {
		c.InvalidateChannels()
	}
	return ok, err
}

func (c *Cached) IncrementChannelUsage(ctx context.Context, id string, success bool) error {
	if err := c.Store.IncrementChannelUsage(ctx, id, success); err != nil {
		return err
	}
	// Counters drift inside the TTL window; selection tolerates that, but
	// least_used reads fresher numbers if we drop the row now.
	c.channels.Invalidate("id:" + id)
	return nil
}

func (c *Cached) SetChannelStatus(ctx context.Context, id, status string, until int64) error {
	if err := c.Store.SetChannelStatus(ctx, id, status, until); err != nil {
		return err
	}
	c.InvalidateChannels()
	return nil
}

func (c *Cached) ListRules(ctx context.Context) ([]*routex.RoutingRule, error) {
	return cachedList(ctx, c, keyRulesAll, c.Store.ListRules)
}

func (c *Cached) ListEnabledRules(ctx context.Context) ([]*routex.RoutingRule, error) {
	return cachedList(ctx, c, keyRulesEnabled, c.Store.ListEnabledRules)
}

func (c *Cached) CreateRule(ctx context.Context, r *routex.RoutingRule) error {
	if err := c.Store.CreateRule(ctx, r); err != nil {
		return err
	}
	c.InvalidateRules()
	return nil
}

func (c *Cached) UpdateRule(ctx context.Context, r *routex.RoutingRule) error {
	if err := c.Store.UpdateRule(ctx, r); err != nil {
		return err
	}
	c.InvalidateRules()
	return nil
}

func (c *Cached) DeleteRule(ctx context.Context, id string) (bool, error) {
	ok, err := c.Store.DeleteRule(ctx, id)
	if ok {
		c.InvalidateRules()
	}
	return ok, err
}

func (c *Cached) ListTees(ctx context.Context) ([]*routex.TeeDestination, error) {
	return cachedList(ctx, c, keyTeesAll, c.Store.ListTees)
}

func (c *Cached) ListEnabledTees(ctx context.Context) ([]*routex.TeeDestination, error) {
	return cachedList(ctx, c, keyTeesEnabled, c.Store.ListEnabledTees)
}

func (c *Cached) CreateTee(ctx context.Context, t *routex.TeeDestination) error {
	if err := c.Store.CreateTee(ctx, t); err != nil {
		return err
	}
	c.InvalidateTees()
	return nil
}

func (c *Cached) UpdateTee(ctx context.Context, t *routex.TeeDestination) error {
	if err := c.Store.UpdateTee(ctx, t); err != nil {
		return err
	}
	c.InvalidateTees()
	return nil
}

func (c *Cached) DeleteTee(ctx context.Context, id string) (bool, error) {
	ok, err := c.Store.DeleteTee(ctx, id)
	if ok {
		c.InvalidateTees()
	}
	return ok, err
}

// InvalidateChannels drops all channel rows and lists.
func (c *Cached) InvalidateChannels() {
	c.channels.InvalidateAll()
	c.lists.Invalidate(keyChannelsAll)
	c.lists.Invalidate(keyChannelsEnabled)
}

// InvalidateRules drops the rule lists.
func (c *Cached) InvalidateRules() {
	c.lists.Invalidate(keyRulesAll)
	c.lists.Invalidate(keyRulesEnabled)
}

// InvalidateTees drops the tee lists.
func (c *Cached) InvalidateTees() {
	c.lists.Invalidate(keyTeesAll)
	c.lists.Invalidate(keyTeesEnabled)
}

// InvalidateAll drops every cached entry.
func (c *Cached) InvalidateAll() {
	c.channels.InvalidateAll()
	c.lists.InvalidateAll()
}

func cachedList[T any](ctx context.Context, c *Cached, key string, load func(context.Context) ([]T, error)) ([]T, error) {
	if v, ok := c.lists.GetIfPresent(key); ok {
		if list, ok := v.([]T); ok {
			c.stats.CacheHit()
			return list, nil
		}
	}
	c.stats.CacheMiss()
	list, err := load(ctx)
	if err != nil {
		return nil, err
	}
	c.lists.Set(key, list)
	return list, nil
}
