package config

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"

	"github.com/google/uuid"

	routex "github.com/dctx-team/routex/internal"
	"github.com/dctx-team/routex/internal/storage"
)

// platformEnvVars mark managed runtimes where the persistent volume is
// mounted at /data.
var platformEnvVars = []string{
	"CLAW_RUNTIME",
	"RAILWAY_ENVIRONMENT",
	"FLY_APP_NAME",
	"RENDER",
}

// DetectDataDir picks the data directory: explicit DATA_DIR, then the
// platform volume, then ./data.
func DetectDataDir() string {
	if v := os.Getenv("DATA_DIR"); v != "" {
		return v
	}
	for _, name := range platformEnvVars {
		if os.Getenv(name) != "" {
			return "/data"
		}
	}
	return "./data"
}

// EnsureDataDir creates the data directory when missing.
func EnsureDataDir(dir string) error {
	return os.MkdirAll(dir, 0o755)
}

// Bootstrap seeds channels and routing rules from the config file.
// Existing rows (matched by name) are left untouched, so the file is a
// first-run convenience, not a source of truth.
func Bootstrap(ctx context.Context, cfg *Config, store storage.Store, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}

	for _, seed := range cfg.Channels {
		if seed.Name == "" {
			continue
		}
		if _, err := store.GetChannelByName(ctx, seed.Name); err == nil {
			continue
		} else if !errors.Is(err, routex.ErrNotFound) {
			return err
		}

		status := routex.StatusEnabled
		if !seed.IsEnabled() {
			status = routex.StatusDisabled
		}
		now := routex.NowMillis()
		ch := &routex.Channel{
			ID:           uuid.Must(uuid.NewV7()).String(),
			Name:         seed.Name,
			Type:         seed.Type,
			BaseURL:      seed.BaseURL,
			APIKey:       seed.APIKey,
			Models:       seed.Models,
			Priority:     seed.Priority,
			Weight:       max(1, seed.Weight),
			Status:       status,
			Transformers: convertTransformers(seed.Transformers),
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := store.CreateChannel(ctx, ch); err != nil {
			return err
		}
		log.Info("bootstrapped channel", "name", ch.Name, "type", ch.Type)
	}

	for _, seed := range cfg.Rules {
		if seed.Name == "" {
			continue
		}
		if ruleExists(ctx, store, seed.Name) {
			continue
		}

		cond, err := convertCondition(seed.Condition)
		if err != nil {
			return err
		}
		now := routex.NowMillis()
		rule := &routex.RoutingRule{
			ID:            uuid.Must(uuid.NewV7()).String(),
			Name:          seed.Name,
			Condition:     cond,
			TargetChannel: seed.TargetChannel,
			TargetModel:   seed.TargetModel,
			Priority:      seed.Priority,
			Enabled:       true,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := store.CreateRule(ctx, rule); err != nil {
			return err
		}
		log.Info("bootstrapped routing rule", "name", rule.Name)
	}

	return nil
}

func ruleExists(ctx context.Context, store storage.Store, name string) bool {
	rules, err := store.ListRules(ctx)
	if err != nil {
		return false
	}
	for _, r := range rules {
		if r.Name == name {
			return true
		}
	}
	return false
}

// convertTransformers maps the YAML-friendly seed shape onto the
// channel's transformer pipeline.
func convertTransformers(seeds []TransformerSeed) []routex.TransformerUse {
	if len(seeds) == 0 {
		return nil
	}
	uses := make([]routex.TransformerUse, 0, len(seeds))
	for _, s := range seeds {
		use := routex.TransformerUse{Name: s.Name}
		if len(s.Options) > 0 {
			if raw, err := json.Marshal(s.Options); err == nil {
				use.Options = raw
			}
		}
		uses = append(uses, use)
	}
	return uses
}

// convertCondition round-trips the free-form map through JSON into the
// typed condition.
func convertCondition(m map[string]any) (routex.RuleCondition, error) {
	var cond routex.RuleCondition
	if len(m) == 0 {
		return cond, nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return cond, err
	}
	err = json.Unmarshal(raw, &cond)
	return cond, err
}
