package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	routex "github.com/dctx-team/routex/internal"
)

type captureStore struct {
	mu      sync.Mutex
	batches [][]routex.RequestLog
}

func (s *captureStore) InsertRequests(_ context.Context, rows []routex.RequestLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch := make([]routex.RequestLog, len(rows))
	copy(batch, rows)
	s.batches = append(s.batches, batch)
	return nil
}

func (s *captureStore) GetRequests(context.Context, int, int) ([]routex.RequestLog, error) {
	return nil, nil
}

func (s *captureStore) GetRequestsByChannel(context.Context, string, int) ([]routex.RequestLog, error) {
	return nil, nil
}

func (s *captureStore) GetRequestsFiltered(context.Context, routex.RequestFilter) ([]routex.RequestLog, int, error) {
	return nil, 0, nil
}

func (s *captureStore) GetAnalytics(context.Context) (*routex.Analytics, error) {
	return nil, nil
}

func (s *captureStore) rows() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.batches {
		n += len(b)
	}
	return n
}

func TestRequestLoggerFlushOnTicker(t *testing.T) {
	t.Parallel()
	store := &captureStore{}
	l := NewRequestLogger(store, nil, WithFlushInterval(20*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	l.Enqueue(routex.RequestLog{ChannelID: "ch-1", Success: true})
	l.Enqueue(routex.RequestLog{ChannelID: "ch-1", Success: false})

	deadline := time.After(2 * time.Second)
	for store.rows() < 2 {
		select {
		case <-deadline:
			t.Fatal("rows never flushed")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	<-done
	if store.rows() != 2 {
		t.Errorf("rows = %d, want 2", store.rows())
	}
}

func TestRequestLoggerDrainOnStop(t *testing.T) {
	t.Parallel()
	store := &captureStore{}
	// Long interval: nothing flushes until shutdown drains.
	l := NewRequestLogger(store, nil, WithFlushInterval(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	for range 10 {
		l.Enqueue(routex.RequestLog{ChannelID: "ch-1"})
	}
	// Give Run a moment to pull from the channel, then stop.
	time.Sleep(20 * time.Millisecond)
	cancel()
	if err := <-done; err != nil {
		t.Fatal(err)
	}

	if store.rows() != 10 {
		t.Errorf("rows after drain = %d, want 10", store.rows())
	}
}

func TestRequestLoggerAssignsIDs(t *testing.T) {
	t.Parallel()
	store := &captureStore{}
	l := NewRequestLogger(store, nil)

	l.flush(context.Background(), []routex.RequestLog{
		{ChannelID: "a"},
		{ID: "fixed", ChannelID: "b"},
	})

	store.mu.Lock()
	defer store.mu.Unlock()
	rows := store.batches[0]
	if rows[0].ID == "" {
		t.Error("missing ID not assigned")
	}
	if rows[1].ID != "fixed" {
		t.Errorf("explicit ID overwritten: %q", rows[1].ID)
	}
}

func TestRequestLoggerChunksBatches(t *testing.T) {
	t.Parallel()
	store := &captureStore{}
	l := NewRequestLogger(store, nil, WithBatchSize(3))

	buf := make([]routex.RequestLog, 8)
	l.flush(context.Background(), buf)

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.batches) != 3 {
		t.Fatalf("batches = %d, want 3", len(store.batches))
	}
	if len(store.batches[0]) != 3 || len(store.batches[2]) != 2 {
		t.Errorf("batch sizes = %d/%d/%d",
			len(store.batches[0]), len(store.batches[1]), len(store.batches[2]))
	}
}
