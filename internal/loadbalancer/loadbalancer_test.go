package loadbalancer

import (
	"errors"
	"testing"
	"time"

	routex "github.com/dctx-team/routex/internal"
)

func ch(id string, priority int, weight float64) *routex.Channel {
	return &routex.Channel{
		ID:       id,
		Name:     id,
		Status:   routex.StatusEnabled,
		Priority: priority,
		Weight:   weight,
		Models:   []string{"claude-sonnet-4-5"},
	}
}

func TestSelectEmpty(t *testing.T) {
	t.Parallel()
	lb := New(routex.StrategyPriority, nil)

	_, err := lb.Select(nil, Context{})
	if !errors.Is(err, routex.ErrNoAvailableChannel) {
		t.Errorf("err = %v, want ErrNoAvailableChannel", err)
	}
}

func TestPrioritySelection(t *testing.T) {
	t.Parallel()
	lb := New(routex.StrategyPriority, nil)

	a, b, c := ch("A", 1, 1), ch("B", 2, 1), ch("C", 3, 1)
	got, err := lb.Select([]*routex.Channel{a, b, c}, Context{})
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != "C" {
		t.Errorf("selected %s, want C", got.ID)
	}

	// C drops out of the candidate set.
	got, err = lb.Select([]*routex.Channel{a, b}, Context{})
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != "B" {
		t.Errorf("selected %s, want B", got.ID)
	}
}

func TestRoundRobinRotation(t *testing.T) {
	t.Parallel()
	lb := New(routex.StrategyRoundRobin, nil)

	all := []*routex.Channel{ch("A", 1, 1), ch("B", 1, 1), ch("C", 1, 1)}
	var seq []string
	for i := 0; i < 4; i++ {
		got, err := lb.Select(all, Context{})
		if err != nil {
			t.Fatal(err)
		}
		seq = append(seq, got.ID)
	}
	want := []string{"A", "B", "C", "A"}
	for i := range want {
		if seq[i] != want[i] {
			t.Fatalf("sequence = %v, want %v", seq, want)
		}
	}

	// B disabled, index reset: rotation restarts over the remaining set.
	lb.ResetRoundRobin()
	rest := []*routex.Channel{all[0], all[2]}
	seq = nil
	for i := 0; i < 2; i++ {
		got, _ := lb.Select(rest, Context{})
		seq = append(seq, got.ID)
	}
	if seq[0] != "A" || seq[1] != "C" {
		t.Errorf("after reset = %v, want [A C]", seq)
	}
}

func TestWeightedZeroFallsBackToPriority(t *testing.T) {
	t.Parallel()
	lb := New(routex.StrategyWeighted, nil)

	a, b := ch("A", 5, 0), ch("B", 9, 0)
	got, err := lb.Select([]*routex.Channel{a, b}, Context{})
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != "B" {
		t.Errorf("selected %s, want B (priority fallback)", got.ID)
	}
}

func TestWeightedDistribution(t *testing.T) {
	t.Parallel()
	lb := New(routex.StrategyWeighted, nil)

	a, b := ch("A", 1, 9), ch("B", 1, 1)
	counts := map[string]int{}
	for i := 0; i < 1000; i++ {
		got, err := lb.Select([]*routex.Channel{a, b}, Context{})
		if err != nil {
			t.Fatal(err)
		}
		counts[got.ID]++
	}
	// A has 90% of the weight; allow a generous band.
	if counts["A"] < 800 || counts["A"] > 980 {
		t.Errorf("A selected %d of 1000, want ~900", counts["A"])
	}
}

func TestLeastUsed(t *testing.T) {
	t.Parallel()
	lb := New(routex.StrategyLeastUsed, nil)

	a, b := ch("A", 1, 1), ch("B", 1, 1)
	a.RequestCount = 100
	b.RequestCount = 3
	got, err := lb.Select([]*routex.Channel{a, b}, Context{})
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != "B" {
		t.Errorf("selected %s, want B", got.ID)
	}
}

func TestSetStrategy(t *testing.T) {
	t.Parallel()
	lb := New(routex.StrategyPriority, nil)

	if err := lb.SetStrategy(routex.StrategyLeastUsed); err != nil {
		t.Fatal(err)
	}
	if lb.Strategy() != routex.StrategyLeastUsed {
		t.Errorf("strategy = %q", lb.Strategy())
	}
	if err := lb.SetStrategy("bogus"); !errors.Is(err, routex.ErrValidation) {
		t.Errorf("invalid strategy err = %v, want validation", err)
	}
}

func TestSessionAffinity(t *testing.T) {
	t.Parallel()
	lb := New(routex.StrategyRoundRobin, nil)

	all := []*routex.Channel{ch("A", 1, 1), ch("B", 1, 1), ch("C", 1, 1)}
	first, err := lb.Select(all, Context{SessionID: "sess-1"})
	if err != nil {
		t.Fatal(err)
	}
	// Same session keeps landing on the same channel despite rotation.
	for i := 0; i < 5; i++ {
		got, err := lb.Select(all, Context{SessionID: "sess-1"})
		if err != nil {
			t.Fatal(err)
		}
		if got.ID != first.ID {
			t.Fatalf("affinity broken: %s then %s", first.ID, got.ID)
		}
	}

	// Mapped channel disabled: binding is dropped and re-selected.
	for _, c := range all {
		if c.ID == first.ID {
			c.Status = routex.StatusDisabled
		}
	}
	got, err := lb.Select(all, Context{SessionID: "sess-1"})
	if err != nil {
		t.Fatal(err)
	}
	if got.ID == first.ID {
		t.Errorf("re-selected disabled channel %s", got.ID)
	}
}

func TestModelFilter(t *testing.T) {
	t.Parallel()
	lb := New(routex.StrategyPriority, nil)

	a := ch("A", 9, 1)
	b := ch("B", 1, 1)
	b.Models = []string{"glm-4.7"}

	got, err := lb.Select([]*routex.Channel{a, b}, Context{Model: "glm-4.7"})
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != "B" {
		t.Errorf("selected %s, want B (only channel serving the model)", got.ID)
	}

	// Unknown model: the full set stays in play.
	got, err = lb.Select([]*routex.Channel{a, b}, Context{Model: "unknown"})
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != "A" {
		t.Errorf("selected %s, want A", got.ID)
	}
}

func TestAffinitySweep(t *testing.T) {
	t.Parallel()

	m := newAffinityMap(20 * time.Millisecond)
	m.put("s1", "ch-1")
	m.put("s2", "ch-2")

	if removed := m.sweep(time.Now()); removed != 0 {
		t.Errorf("early sweep removed %d", removed)
	}

	time.Sleep(30 * time.Millisecond)
	if removed := m.sweep(time.Now()); removed != 2 {
		t.Errorf("sweep removed %d, want 2", removed)
	}
	if m.len() != 0 {
		t.Errorf("entries left = %d", m.len())
	}
}
