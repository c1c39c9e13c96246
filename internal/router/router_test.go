package router

import (
	"context"
	"fmt"
	"strings"
	"testing"

	routex "github.com/dctx-team/routex/internal"
)

type fakeRules struct {
	rules []*routex.RoutingRule
}

func (f *fakeRules) ListEnabledRules(context.Context) ([]*routex.RoutingRule, error) {
	return f.rules, nil
}

func newRouter(t *testing.T, rules ...*routex.RoutingRule) *Router {
	t.Helper()
	r, err := New(context.Background(), &fakeRules{rules: rules}, nil)
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func candidates(names ...string) []*routex.Channel {
	out := make([]*routex.Channel, len(names))
	for i, n := range names {
		out[i] = &routex.Channel{ID: "id-" + n, Name: n, Status: routex.StatusEnabled}
	}
	return out
}

func userBody(model, text string) []byte {
	return []byte(fmt.Sprintf(`{"model":%q,"messages":[{"role":"user","content":%q}],"max_tokens":1024}`, model, text))
}

func TestTokenThresholdRule(t *testing.T) {
	t.Parallel()
	r := newRouter(t, &routex.RoutingRule{
		ID:            "r1",
		Name:          "long context",
		Condition:     routex.RuleCondition{TokenThreshold: 50000},
		TargetChannel: "anthropic-opus",
		TargetModel:   "claude-opus-4",
		Priority:      10,
		Enabled:       true,
	})

	// 200k characters of user text clears a 50k token threshold.
	long := Analyze(userBody("claude-sonnet-4-5", strings.Repeat("a", 200_000)))
	m := r.Match(long, candidates("anthropic-opus", "other"))
	if m == nil {
		t.Fatal("expected a match")
	}
	if m.Channel.Name != "anthropic-opus" || m.Model != "claude-opus-4" {
		t.Errorf("match = %s/%s", m.Channel.Name, m.Model)
	}

	short := Analyze(userBody("claude-sonnet-4-5", "hi"))
	if m := r.Match(short, candidates("anthropic-opus")); m != nil {
		t.Errorf("short request matched: %+v", m)
	}
}

func TestPriorityOrderFirstMatchWins(t *testing.T) {
	t.Parallel()
	// Source returns rules already ordered by priority DESC.
	r := newRouter(t,
		&routex.RoutingRule{
			ID: "high", Name: "high",
			Condition:     routex.RuleCondition{Keywords: []string{"hello"}},
			TargetChannel: "a", Priority: 100, Enabled: true,
		},
		&routex.RoutingRule{
			ID: "low", Name: "low",
			Condition:     routex.RuleCondition{Keywords: []string{"hello"}},
			TargetChannel: "b", Priority: 1, Enabled: true,
		},
	)

	a := Analyze(userBody("m", "hello there"))
	m := r.Match(a, candidates("a", "b"))
	if m == nil || m.Rule.ID != "high" {
		t.Errorf("match = %+v, want rule high", m)
	}
}

func TestTargetMissingFromCandidatesSkips(t *testing.T) {
	t.Parallel()
	r := newRouter(t,
		&routex.RoutingRule{
			ID: "r1", Name: "first",
			Condition:     routex.RuleCondition{Keywords: []string{"x"}},
			TargetChannel: "offline", Priority: 10, Enabled: true,
		},
		&routex.RoutingRule{
			ID: "r2", Name: "second",
			Condition:     routex.RuleCondition{Keywords: []string{"x"}},
			TargetChannel: "live", Priority: 1, Enabled: true,
		},
	)

	a := Analyze(userBody("m", "x marks the spot"))
	m := r.Match(a, candidates("live"))
	if m == nil || m.Rule.ID != "r2" {
		t.Errorf("match = %+v, want fallthrough to r2", m)
	}
}

func TestModelPatternAndUserPattern(t *testing.T) {
	t.Parallel()
	r := newRouter(t, &routex.RoutingRule{
		ID: "r1", Name: "pattern",
		Condition: routex.RuleCondition{
			ModelPattern: `^claude-`,
			UserPattern:  `(?i)urgent`,
		},
		TargetChannel: "fast", Priority: 1, Enabled: true,
	})

	hit := Analyze(userBody("claude-haiku-4-5", "This is URGENT, please"))
	if m := r.Match(hit, candidates("fast")); m == nil {
		t.Error("expected match")
	}

	wrongModel := Analyze(userBody("gpt-4o", "urgent"))
	if m := r.Match(wrongModel, candidates("fast")); m != nil {
		t.Error("model pattern should not match gpt-4o")
	}
}

func TestCustomPredicate(t *testing.T) {
	t.Parallel()
	r := newRouter(t, &routex.RoutingRule{
		ID: "r1", Name: "custom",
		Condition:     routex.RuleCondition{CustomFunction: "isBig"},
		TargetChannel: "big", Priority: 1, Enabled: true,
	})
	r.RegisterPredicate("isBig", func(a Analysis) bool {
		return a.WordCount > 3
	})

	if m := r.Match(Analyze(userBody("m", "one two three four five")), candidates("big")); m == nil {
		t.Error("predicate should match")
	}
	if m := r.Match(Analyze(userBody("m", "short")), candidates("big")); m != nil {
		t.Error("predicate should not match")
	}
}

func TestUnknownPredicateNeverMatches(t *testing.T) {
	t.Parallel()
	r := newRouter(t, &routex.RoutingRule{
		ID: "r1", Name: "mystery",
		Condition:     routex.RuleCondition{CustomFunction: "missing"},
		TargetChannel: "a", Priority: 1, Enabled: true,
	})
	if m := r.Match(Analyze(userBody("m", "anything")), candidates("a")); m != nil {
		t.Error("unknown predicate matched")
	}
}

func TestAnalyzeTokenEstimate(t *testing.T) {
	t.Parallel()

	// Claude: ~chars/3.5.
	a := Analyze(userBody("claude-sonnet-4-5", strings.Repeat("x", 3500)))
	if a.EstimatedTokens < 990 || a.EstimatedTokens > 1010 {
		t.Errorf("claude estimate = %d, want ~1000", a.EstimatedTokens)
	}

	// Non-Claude: chars/4.
	a = Analyze(userBody("gpt-4o", strings.Repeat("x", 4000)))
	if a.EstimatedTokens != 1000 {
		t.Errorf("openai estimate = %d, want 1000", a.EstimatedTokens)
	}
}

func TestAnalyzeStructure(t *testing.T) {
	t.Parallel()

	body := []byte(`{
		"model": "claude-sonnet-4-5",
		"system": "be brief",
		"messages": [
			{"role": "user", "content": [
				{"type": "text", "text": "describe this image"},
				{"type": "image", "source": {"type": "base64", "data": "..."}}
			]}
		],
		"tools": [{"name": "get_weather", "input_schema": {"type": "object"}}]
	}`)
	a := Analyze(body)

	if !a.HasTools {
		t.Error("HasTools = false")
	}
	if !a.HasImages {
		t.Error("HasImages = false")
	}
	if a.EstimatedTokens < imageTokenEstimate {
		t.Errorf("tokens = %d, image adjustment missing", a.EstimatedTokens)
	}
	if a.LastUserMessage != "describe this image" {
		t.Errorf("last user message = %q", a.LastUserMessage)
	}
}

func TestAnalyzeCodeDetection(t *testing.T) {
	t.Parallel()

	a := Analyze(userBody("m", "please fix this:\n```go\nfunc main() { panic(1) }\n```"))
	if !a.HasCode {
		t.Error("HasCode = false")
	}
	if a.Language != "go" {
		t.Errorf("language = %q, want go", a.Language)
	}
	if a.Category != CategoryCode {
		t.Errorf("category = %q, want code", a.Category)
	}
}
