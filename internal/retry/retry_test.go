package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	routex "github.com/dctx-team/routex/internal"
)

func TestCalculateDelayNoJitter(t *testing.T) {
	t.Parallel()
	cfg := Config{
		MaxRetries:      3,
		BaseDelay:       time.Second,
		MaxDelay:        30 * time.Second,
		ExponentialBase: 2,
	}

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{5, 16 * time.Second},
		{6, 30 * time.Second}, // capped
		{10, 30 * time.Second},
	}
	for _, tc := range cases {
		if got := cfg.CalculateDelay(tc.attempt); got != tc.want {
			t.Errorf("attempt %d = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}

func TestCalculateDelayJitterBounds(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()

	for i := 0; i < 100; i++ {
		d := cfg.CalculateDelay(2) // capped base 2s, jitter +/- 25%
		if d < 1500*time.Millisecond || d > 2500*time.Millisecond {
			t.Fatalf("jittered delay %v outside [1.5s, 2.5s]", d)
		}
	}
}

type statusErr int

func (e statusErr) Error() string   { return fmt.Sprintf("upstream status %d", int(e)) }
func (e statusErr) HTTPStatus() int { return int(e) }

func TestIsRetriable(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"timeout", context.DeadlineExceeded, true},
		{"dns", &net.DNSError{Err: "no such host", Name: "api.example.com"}, true},
		{"conn refused message", errors.New("dial tcp: connection refused"), true},
		{"status 408", statusErr(408), true},
		{"status 429", statusErr(429), true},
		{"status 503", statusErr(503), true},
		{"status 400", statusErr(400), false},
		{"status 404", statusErr(404), false},
		{"explicit opt-out", routex.E(routex.KindChannel, "bad request body").NotRetriable(), false},
		{"unknown defaults retriable", errors.New("boom"), true},
	}
	for _, tc := range cases {
		if got := IsRetriable(tc.err); got != tc.want {
			t.Errorf("%s: IsRetriable = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestSleepCancellable(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := Sleep(ctx, 5*time.Second)
	if err == nil {
		t.Fatal("expected context error")
	}
	if time.Since(start) > time.Second {
		t.Errorf("sleep did not cancel promptly: %v", time.Since(start))
	}
}
