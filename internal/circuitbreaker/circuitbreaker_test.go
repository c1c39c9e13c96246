package circuitbreaker

import (
	"testing"
	"time"
)

func TestBreakerTripsOnThreshold(t *testing.T) {
	t.Parallel()

	b := NewBreaker(Config{FailureThreshold: 5, Cooldown: time.Minute})

	for i := 1; i <= 4; i++ {
		if opened := b.RecordFailure(); opened {
			t.Fatalf("opened after %d failures", i)
		}
		if b.IsOpen() {
			t.Fatalf("open after %d failures", i)
		}
	}

	if opened := b.RecordFailure(); !opened {
		t.Fatal("fifth failure did not open the breaker")
	}
	if !b.IsOpen() {
		t.Fatal("breaker should be open")
	}
	// Already open: further failures do not re-report the transition.
	if opened := b.RecordFailure(); opened {
		t.Error("open transition reported twice")
	}
	if b.OpenUntil() == 0 {
		t.Error("OpenUntil should report the cooldown end")
	}
}

func TestBreakerSuccessResets(t *testing.T) {
	t.Parallel()

	b := NewBreaker(Config{FailureThreshold: 5, Cooldown: time.Minute})
	for i := 0; i < 5; i++ {
		b.RecordFailure()
	}
	if !b.IsOpen() {
		t.Fatal("breaker should be open")
	}

	b.RecordSuccess()
	if b.IsOpen() {
		t.Error("success should close the breaker")
	}
	if b.Failures() != 0 {
		t.Errorf("failures = %d, want 0", b.Failures())
	}
}

func TestBreakerCooldownAutoReset(t *testing.T) {
	t.Parallel()

	b := NewBreaker(Config{FailureThreshold: 2, Cooldown: 20 * time.Millisecond})
	b.RecordFailure()
	b.RecordFailure()
	if !b.IsOpen() {
		t.Fatal("breaker should be open")
	}

	time.Sleep(30 * time.Millisecond)
	if b.IsOpen() {
		t.Error("breaker should auto-reset after cooldown")
	}
	if b.Failures() != 0 {
		t.Errorf("failures after reset = %d, want 0", b.Failures())
	}
}

func TestRegistryGetOrCreate(t *testing.T) {
	t.Parallel()

	r := NewRegistry(DefaultConfig())
	if r.Get("ch-1") != nil {
		t.Fatal("unexpected breaker before creation")
	}
	b1 := r.GetOrCreate("ch-1")
	b2 := r.GetOrCreate("ch-1")
	if b1 != b2 {
		t.Error("GetOrCreate returned distinct instances")
	}
	if r.IsOpen("ch-unknown") {
		t.Error("unknown channel should never be open")
	}
}

func TestRegistryEvictStale(t *testing.T) {
	t.Parallel()

	r := NewRegistry(DefaultConfig())
	r.GetOrCreate("old")
	time.Sleep(10 * time.Millisecond)
	cutoff := time.Now()
	r.GetOrCreate("fresh")

	if n := r.EvictStale(cutoff); n != 1 {
		t.Errorf("evicted = %d, want 1", n)
	}
	if r.Get("old") != nil {
		t.Error("stale breaker survived")
	}
	if r.Get("fresh") == nil {
		t.Error("fresh breaker evicted")
	}
}
