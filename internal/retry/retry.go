// Package retry classifies upstream errors and computes exponential
// backoff delays for the proxy's forward loop.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"os"
	"strings"
	"time"

	routex "github.com/dctx-team/routex/internal"
)

// Config holds retry parameters. All fields are env-overridable through
// the config layer.
type Config struct {
	MaxRetries      int
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	ExponentialBase float64
	JitterEnabled   bool
	JitterFactor    float64
}

// DefaultConfig returns the standard retry policy.
func DefaultConfig() Config {
	return Config{
		MaxRetries:      3,
		BaseDelay:       time.Second,
		MaxDelay:        30 * time.Second,
		ExponentialBase: 2,
		JitterEnabled:   true,
		JitterFactor:    0.25,
	}
}

// CalculateDelay returns the backoff before the given attempt (1-based):
// min(baseDelay * base^(attempt-1), maxDelay), optionally jittered by
// uniform(-jitterFactor, +jitterFactor) of the capped delay.
func (c Config) CalculateDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(c.BaseDelay)
	for i := 1; i < attempt; i++ {
		delay *= c.ExponentialBase
		if delay >= float64(c.MaxDelay) {
			break
		}
	}
	if delay > float64(c.MaxDelay) {
		delay = float64(c.MaxDelay)
	}
	if c.JitterEnabled && c.JitterFactor > 0 {
		jitter := (rand.Float64()*2 - 1) * c.JitterFactor * delay
		delay += jitter
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// httpStatusError is carried by upstream HTTP failures.
type httpStatusError interface {
	HTTPStatus() int
}

// IsRetriable classifies an upstream error. Network-class failures and
// HTTP 408/429/5xx retry; other 4xx do not; typed domain errors may opt
// out explicitly; everything else defaults to retry.
func IsRetriable(err error) bool {
	if err == nil {
		return false
	}

	// Explicit opt-out on the domain error wins.
	var de *routex.Error
	if errors.As(err, &de) && de.Retriable != nil {
		return *de.Retriable
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}

	var he httpStatusError
	if errors.As(err, &he) {
		return retriableStatus(he.HTTPStatus())
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	if isNetworkMessage(err.Error()) {
		return true
	}

	// Unknown errors default to retriable.
	return true
}

// RetriableStatus reports whether an HTTP status warrants a retry.
func RetriableStatus(code int) bool { return retriableStatus(code) }

func retriableStatus(code int) bool {
	switch {
	case code == 408, code == 429:
		return true
	case code >= 500:
		return true
	case code >= 400:
		return false
	default:
		return true
	}
}

var networkMessages = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"no such host",
	"network is unreachable",
	"host is unreachable",
	"i/o timeout",
	"timeout",
	"temporary failure",
}

func isNetworkMessage(msg string) bool {
	msg = strings.ToLower(msg)
	for _, m := range networkMessages {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// Sleep blocks for d or until ctx is cancelled.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
