package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/titanous/json5"
)

// Config schema history:
//
//	v0 → v1: stamp configVersion (pre-versioning files)
//	v1 → v2: agent.contextWindow renamed to agent.maxContextTokens,
//	         media.ttlMinutes renamed to media.tempTtlMinutes
//
// Each step is idempotent; running the chain on an already-current file is a
// no-op.

// migrateRaw upgrades raw config bytes to the current schema in memory.
func migrateRaw(data []byte) ([]byte, error) {
	var raw map[string]any
	if err := json5.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	if rawVersion(raw) >= CurrentVersion {
		return data, nil
	}
	applySteps(raw)
	return json.Marshal(raw)
}

// MigrateFile upgrades the config file on disk, keeping the prior file as
// config.json.bak.<oldVersion>. Missing or already-current files are left
// alone.
func MigrateFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var raw map[string]any
	if err := json5.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	oldVersion := rawVersion(raw)
	if oldVersion >= CurrentVersion {
		return nil
	}

	backup := fmt.Sprintf("%s.bak.%d", path, oldVersion)
	if err := os.WriteFile(backup, data, 0o600); err != nil {
		return fmt.Errorf("back up config: %w", err)
	}

	applySteps(raw)
	out, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, append(out, '\n'), 0o600); err != nil {
		return fmt.Errorf("write migrated config: %w", err)
	}
	slog.Info("config migrated", "from", oldVersion, "to", CurrentVersion, "backup", backup)
	return nil
}

func rawVersion(raw map[string]any) int {
	if v, ok := raw["configVersion"].(float64); ok {
		return int(v)
	}
	return 0
}

func applySteps(raw map[string]any) {
	version := rawVersion(raw)

	if version < 2 {
		if agent, ok := raw["agent"].(map[string]any); ok {
			renameKey(agent, "contextWindow", "maxContextTokens")
		}
		if media, ok := raw["media"].(map[string]any); ok {
			renameKey(media, "ttlMinutes", "tempTtlMinutes")
		}
	}

	raw["configVersion"] = CurrentVersion
}

func renameKey(m map[string]any, from, to string) {
	if v, ok := m[from]; ok {
		if _, exists := m[to]; !exists {
			m[to] = v
		}
		delete(m, from)
	}
}
