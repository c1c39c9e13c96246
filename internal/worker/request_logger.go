package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	routex "github.com/dctx-team/routex/internal"
	"github.com/dctx-team/routex/internal/storage"
)

const (
	logChanSize     = 1000
	logBatchSize    = 500 // max rows per INSERT
	logHighWater    = 100 // buffered rows that force a flush
	logFlushEvery   = time.Second
	logDrainTimeout = 30 * time.Second
)

// RequestLogger buffers request logs and batch-flushes them to the
// store. Enqueue never blocks; logs are dropped when the channel is
// full (back-pressure on a slow database).
type RequestLogger struct {
	ch        chan routex.RequestLog
	store     storage.RequestStore
	batchSize int
	highWater int
	interval  time.Duration
	log       *slog.Logger
}

// LoggerOption tunes a RequestLogger.
type LoggerOption func(*RequestLogger)

// WithBatchSize overrides the per-INSERT row cap.
func WithBatchSize(n int) LoggerOption {
	return func(l *RequestLogger) {
		if n > 0 {
			l.batchSize = n
		}
	}
}

// WithFlushInterval overrides the periodic flush interval.
func WithFlushInterval(d time.Duration) LoggerOption {
	return func(l *RequestLogger) {
		if d > 0 {
			l.interval = d
		}
	}
}

// NewRequestLogger creates a RequestLogger backed by store.
func NewRequestLogger(store storage.RequestStore, log *slog.Logger, opts ...LoggerOption) *RequestLogger {
	if log == nil {
		log = slog.Default()
	}
	l := &RequestLogger{
		ch:        make(chan routex.RequestLog, logChanSize),
		store:     store,
		batchSize: logBatchSize,
		highWater: logHighWater,
		interval:  logFlushEvery,
		log:       log,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Name returns the worker identifier.
func (l *RequestLogger) Name() string { return "request_logger" }

// Enqueue queues one log row for persistence.
func (l *RequestLogger) Enqueue(r routex.RequestLog) {
	select {
	case l.ch <- r:
	default:
		l.log.Warn("request log dropped, channel full")
	}
}

// Run processes rows until ctx is cancelled, then drains what remains.
func (l *RequestLogger) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	buf := make([]routex.RequestLog, 0, l.highWater)

	for {
		select {
		case r := <-l.ch:
			buf = append(buf, r)
			if len(buf) >= l.highWater {
				l.flush(ctx, buf)
				buf = buf[:0]
			}

		case <-ticker.C:
			if len(buf) > 0 {
				l.flush(ctx, buf)
				buf = buf[:0]
			}

		case <-ctx.Done():
			l.drain(buf)
			return nil
		}
	}
}

// drain empties the channel and flushes everything with a fresh
// timeout, so accepted rows survive shutdown.
func (l *RequestLogger) drain(buf []routex.RequestLog) {
	ctx, cancel := context.WithTimeout(context.Background(), logDrainTimeout)
	defer cancel()

	for {
		select {
		case r := <-l.ch:
			buf = append(buf, r)
			if len(buf) >= l.batchSize {
				l.flush(ctx, buf)
				buf = buf[:0]
			}
		default:
			if len(buf) > 0 {
				l.flush(ctx, buf)
			}
			return
		}
	}
}

func (l *RequestLogger) flush(ctx context.Context, buf []routex.RequestLog) {
	batch := make([]routex.RequestLog, len(buf))
	copy(batch, buf)

	// Assign IDs off the hot path; callers may leave ID empty.
	for i := range batch {
		if batch[i].ID == "" {
			batch[i].ID = uuid.Must(uuid.NewV7()).String()
		}
	}

	// One INSERT per batchSize rows.
	for len(batch) > 0 {
		n := min(len(batch), l.batchSize)
		if err := l.store.InsertRequests(ctx, batch[:n]); err != nil {
			l.log.LogAttrs(ctx, slog.LevelError, "request log flush failed",
				slog.Int("count", n),
				slog.String("error", err.Error()),
			)
		}
		batch = batch[n:]
	}
}
