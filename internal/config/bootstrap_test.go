package config

import (
	"context"
	"testing"

	routex "github.com/dctx-team/routex/internal"
	"github.com/dctx-team/routex/internal/storage/sqlite"
)

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.New(t.TempDir() + "/test.db")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBootstrap(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	disabled := false
	cfg := Default()
	cfg.Channels = []ChannelSeed{
		{
			Name:     "primary",
			Type:     routex.TypeAnthropic,
			APIKey:   "sk-test",
			Models:   []string{"claude-sonnet-4"},
			Priority: 10,
			Transformers: []TransformerSeed{
				{Name: "maxtoken", Options: map[string]any{"max": 8192}},
			},
		},
		{Name: "spare", Type: routex.TypeOpenAI, Enabled: &disabled},
	}
	cfg.Rules = []RuleSeed{
		{
			Name:          "big-context",
			TargetChannel: "spare",
			TargetModel:   "gpt-4o",
			Priority:      5,
			Condition:     map[string]any{"tokenThreshold": 60000},
		},
	}

	if err := Bootstrap(ctx, cfg, store, nil); err != nil {
		t.Fatal(err)
	}

	ch, err := store.GetChannelByName(ctx, "primary")
	if err != nil {
		t.Fatal(err)
	}
	if ch.Type != routex.TypeAnthropic || ch.Priority != 10 || ch.Weight != 1 {
		t.Errorf("channel = %+v", ch)
	}
	if len(ch.Transformers) != 1 || ch.Transformers[0].Name != "maxtoken" {
		t.Errorf("transformers = %+v", ch.Transformers)
	}

	spare, err := store.GetChannelByName(ctx, "spare")
	if err != nil {
		t.Fatal(err)
	}
	if spare.Status != routex.StatusDisabled {
		t.Errorf("spare status = %q", spare.Status)
	}

	rules, err := store.ListRules(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(rules) != 1 || rules[0].Condition.TokenThreshold != 60000 {
		t.Errorf("rules = %+v", rules)
	}

	// Idempotent: re-running neither duplicates nor overwrites.
	cfg.Channels[0].Priority = 99
	if err := Bootstrap(ctx, cfg, store, nil); err != nil {
		t.Fatal(err)
	}
	ch, _ = store.GetChannelByName(ctx, "primary")
	if ch.Priority != 10 {
		t.Errorf("existing channel overwritten: priority = %d", ch.Priority)
	}
	channels, _ := store.ListChannels(ctx)
	if len(channels) != 2 {
		t.Errorf("channels = %d, want 2", len(channels))
	}
}

func TestDetectDataDir(t *testing.T) {
	t.Setenv("DATA_DIR", "")
	t.Setenv("CLAW_RUNTIME", "")
	t.Setenv("RAILWAY_ENVIRONMENT", "")
	t.Setenv("FLY_APP_NAME", "")
	t.Setenv("RENDER", "")

	if got := DetectDataDir(); got != "./data" {
		t.Errorf("default = %q", got)
	}

	t.Setenv("FLY_APP_NAME", "routex-prod")
	if got := DetectDataDir(); got != "/data" {
		t.Errorf("platform = %q", got)
	}

	t.Setenv("DATA_DIR", "/mnt/volume")
	if got := DetectDataDir(); got != "/mnt/volume" {
		t.Errorf("explicit = %q", got)
	}
}
