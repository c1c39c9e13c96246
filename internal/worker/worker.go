// Package worker provides background task infrastructure for the proxy:
// the request log batcher, cache warmer, and housekeeping sweeps.
package worker

import "context"

// Worker is a long-running background task.
type Worker interface {
	// Run blocks until ctx is cancelled or an unrecoverable error occurs.
	Run(ctx context.Context) error
}
