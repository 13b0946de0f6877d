// Package reconcile implements the external reconcilers of spec.md §7:
// components outside the core that call back into the Key Registry on a
// schedule or at startup. Both are pluggable so the core never depends on
// a concrete config source or upstream provider.
package reconcile

import (
	"context"
	"encoding/json"
	"os"
	"strings"

	"github.com/xiaopang/keybroker/internal/core"
	"github.com/xiaopang/keybroker/internal/logger"
)

// desiredKey is one entry of a preload source, before registration.
type desiredKey struct {
	ID   string `json:"id"`
	Plan string `json:"plan"`
}

// ConfigSyncer re-syncs the Key Registry from the key preload sources of
// spec.md §6, checked in order; the first non-empty source wins, matching
// the teacher's Load()+LoadFromConfig() merge-on-startup shape.
type ConfigSyncer struct {
	registry *core.Registry

	KeysJSON     string
	KeysJSONPath string
	KeysWithPlan string
	Keys         string
	DefaultPlan  string
}

// NewConfigSyncer builds a ConfigSyncer over registry.
func NewConfigSyncer(registry *core.Registry) *ConfigSyncer {
	return &ConfigSyncer{registry: registry, DefaultPlan: "ultimate"}
}

// Sync resolves the first non-empty preload source and registers every key
// it names. It is safe to call repeatedly: Register is itself idempotent
// for existing keys (spec.md §4.5, P7).
func (c *ConfigSyncer) Sync(ctx context.Context) error {
	desired, source, err := c.resolve()
	if err != nil {
		return err
	}
	if desired == nil {
		logger.Info("config sync: no preload source configured, skipping")
		return nil
	}

	logger.Info("config sync: registering preload keys", "source", source, "count", len(desired))
	for _, dk := range desired {
		if err := c.registry.Register(ctx, dk.ID, dk.Plan); err != nil {
			logger.Warn("config sync: register failed", "subscriptionId", dk.ID, "error", err)
		}
	}
	return nil
}

func (c *ConfigSyncer) resolve() ([]desiredKey, string, error) {
	if strings.TrimSpace(c.KeysJSON) != "" {
		keys, err := parseJSONKeys(c.KeysJSON)
		return keys, "MAILTESTER_KEYS_JSON", err
	}
	if strings.TrimSpace(c.KeysJSONPath) != "" {
		raw, err := os.ReadFile(c.KeysJSONPath)
		if err != nil {
			return nil, "MAILTESTER_KEYS_JSON_PATH", err
		}
		keys, err := parseJSONKeys(string(raw))
		return keys, "MAILTESTER_KEYS_JSON_PATH", err
	}
	if strings.TrimSpace(c.KeysWithPlan) != "" {
		return parseIDPlanPairs(c.KeysWithPlan), "MAILTESTER_KEYS_WITH_PLAN", nil
	}
	if strings.TrimSpace(c.Keys) != "" {
		return parsePlainIDs(c.Keys, c.DefaultPlan), "MAILTESTER_KEYS", nil
	}
	return nil, "", nil
}

func parseJSONKeys(raw string) ([]desiredKey, error) {
	var keys []desiredKey
	if err := json.Unmarshal([]byte(raw), &keys); err != nil {
		return nil, err
	}
	return keys, nil
}

// parseIDPlanPairs parses comma-separated "id:plan" pairs.
func parseIDPlanPairs(raw string) []desiredKey {
	var out []desiredKey
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, plan, found := strings.Cut(part, ":")
		if !found {
			out = append(out, desiredKey{ID: id, Plan: "ultimate"})
			continue
		}
		out = append(out, desiredKey{ID: id, Plan: plan})
	}
	return out
}

// parsePlainIDs parses comma-separated ids, all sharing defaultPlan.
func parsePlainIDs(raw, defaultPlan string) []desiredKey {
	if defaultPlan == "" {
		defaultPlan = "ultimate"
	}
	var out []desiredKey
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, desiredKey{ID: part, Plan: defaultPlan})
	}
	return out
}
