package storage

import (
	"context"
	"testing"
	"time"

	routex "github.com/dctx-team/routex/internal"
)

// stubStore implements only the methods the cache exercises; the embedded
// interface panics on anything else.
type stubStore struct {
	Store
	channels map[string]*routex.Channel
	loads    int
	listings int
}

func (s *stubStore) GetChannel(_ context.Context, id string) (*routex.Channel, error) {
	s.loads++
	if ch, ok := s.channels[id]; ok {
		return ch, nil
	}
	return nil, routex.ErrNotFound
}

func (s *stubStore) ListEnabledChannels(context.Context) ([]*routex.Channel, error) {
	s.listings++
	out := make([]*routex.Channel, 0, len(s.channels))
	for _, ch := range s.channels {
		out = append(out, ch)
	}
	return out, nil
}

func (s *stubStore) UpdateChannel(_ context.Context, ch *routex.Channel) error {
	s.channels[ch.ID] = ch
	return nil
}

type countStats struct{ hits, misses int }

func (c *countStats) CacheHit()  { c.hits++ }
func (c *countStats) CacheMiss() { c.misses++ }

func TestCachedGetChannel(t *testing.T) {
	t.Parallel()
	stub := &stubStore{channels: map[string]*routex.Channel{
		"ch-1": {ID: "ch-1", Name: "primary"},
	}}
	stats := &countStats{}
	c := NewCached(stub, time.Minute, stats)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := c.GetChannel(ctx, "ch-1"); err != nil {
			t.Fatal(err)
		}
	}
	if stub.loads != 1 {
		t.Errorf("store loads = %d, want 1", stub.loads)
	}
	if stats.hits != 2 || stats.misses != 1 {
		t.Errorf("hits=%d misses=%d, want 2/1", stats.hits, stats.misses)
	}

	// The by-name key is filled from the same row.
	if _, err := c.GetChannelByName(ctx, "primary"); err != nil {
		t.Fatal(err)
	}
	if stub.loads != 1 {
		t.Errorf("by-name caused a load, loads = %d", stub.loads)
	}
}

func TestCachedInvalidationOnWrite(t *testing.T) {
	t.Parallel()
	stub := &stubStore{channels: map[string]*routex.Channel{
		"ch-1": {ID: "ch-1", Name: "primary", Priority: 1},
	}}
	c := NewCached(stub, time.Minute, nil)
	ctx := context.Background()

	if _, err := c.GetChannel(ctx, "ch-1"); err != nil {
		t.Fatal(err)
	}
	updated := &routex.Channel{ID: "ch-1", Name: "primary", Priority: 9}
	if err := c.UpdateChannel(ctx, updated); err != nil {
		t.Fatal(err)
	}

	got, err := c.GetChannel(ctx, "ch-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Priority != 9 {
		t.Errorf("priority = %d, want 9 after invalidation", got.Priority)
	}
	if stub.loads != 2 {
		t.Errorf("loads = %d, want 2", stub.loads)
	}
}

func TestCachedListReuse(t *testing.T) {
	t.Parallel()
	stub := &stubStore{channels: map[string]*routex.Channel{
		"ch-1": {ID: "ch-1", Name: "a"},
		"ch-2": {ID: "ch-2", Name: "b"},
	}}
	c := NewCached(stub, time.Minute, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		list, err := c.ListEnabledChannels(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if len(list) != 2 {
			t.Fatalf("list = %d, want 2", len(list))
		}
	}
	if stub.listings != 1 {
		t.Errorf("listings = %d, want 1", stub.listings)
	}

	c.InvalidateChannels()
	if _, err := c.ListEnabledChannels(ctx); err != nil {
		t.Fatal(err)
	}
	if stub.listings != 2 {
		t.Errorf("listings after invalidate = %d, want 2", stub.listings)
	}
}
