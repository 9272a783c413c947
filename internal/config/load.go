package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/titanous/json5"
)

// Load reads the layered configuration: packaged defaults, then the config
// file, then CONDUIT_* environment variables. A missing file is not an
// error. Secret fields never survive the file layer; only the environment
// supplies them.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		data, err = migrateRaw(data)
		if err != nil {
			return nil, fmt.Errorf("migrate config: %w", err)
		}
		if err := json5.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
		cfg.clearFileSecrets()
	case os.IsNotExist(err):
		// defaults only
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg.applyEnv()
	cfg.ConfigVersion = CurrentVersion
	return cfg, nil
}

// clearFileSecrets drops secret values that arrived via the config file.
func (c *Config) clearFileSecrets() {
	c.Providers.OpenAI.APIKey = ""
	c.Providers.OpenRouter.APIKey = ""
	c.Channels.Telegram.Token = ""
	c.Channels.Discord.Token = ""
	c.Channels.WebChat.Token = ""
	c.Media.ProxyAPIKey = ""
}

// applyEnv overlays CONDUIT_* variables, using __ as the section separator.
func (c *Config) applyEnv() {
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	flt := func(key string, dst *float64) {
		if v := os.Getenv(key); v != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				*dst = f
			}
		}
	}
	boolean := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			*dst = v == "true" || v == "1"
		}
	}

	// Secrets: environment is the only source.
	str("CONDUIT_PROVIDERS__OPENAI__API_KEY", &c.Providers.OpenAI.APIKey)
	str("CONDUIT_PROVIDERS__OPENROUTER__API_KEY", &c.Providers.OpenRouter.APIKey)
	str("CONDUIT_CHANNELS__TELEGRAM__TOKEN", &c.Channels.Telegram.Token)
	str("CONDUIT_CHANNELS__DISCORD__TOKEN", &c.Channels.Discord.Token)
	str("CONDUIT_CHANNELS__WEBCHAT__TOKEN", &c.Channels.WebChat.Token)

	str("CONDUIT_PROVIDERS__OPENAI__API_BASE", &c.Providers.OpenAI.APIBase)
	str("CONDUIT_PROVIDERS__OPENROUTER__API_BASE", &c.Providers.OpenRouter.APIBase)

	str("CONDUIT_AGENT__MODEL", &c.Agent.Model)
	str("CONDUIT_AGENT__WORKSPACE", &c.Agent.Workspace)
	num("CONDUIT_AGENT__MAX_TOKENS", &c.Agent.MaxTokens)
	flt("CONDUIT_AGENT__TEMPERATURE", &c.Agent.Temperature)
	num("CONDUIT_AGENT__MAX_TOOL_ITERATIONS", &c.Agent.MaxToolIterations)
	num("CONDUIT_AGENT__MAX_SESSION_MESSAGES", &c.Agent.MaxSessionMessages)
	num("CONDUIT_AGENT__MAX_CONTEXT_TOKENS", &c.Agent.MaxContextTokens)

	boolean("CONDUIT_TOOLS__RESTRICT_TO_WORKSPACE", &c.Tools.RestrictToWorkspace)

	boolean("CONDUIT_MEDIA__ENABLED", &c.Media.Enabled)
	str("CONDUIT_MEDIA__OCR_PROXY_URL", &c.Media.OCRProxyURL)
	str("CONDUIT_MEDIA__TRANSCRIPTION_PROXY_URL", &c.Media.TranscriptionProxyURL)
	str("CONDUIT_MEDIA__PROXY_API_KEY", &c.Media.ProxyAPIKey)

	str("CONDUIT_GATEWAY__HOST", &c.Gateway.Host)
	num("CONDUIT_GATEWAY__PORT", &c.Gateway.Port)
	num("CONDUIT_GATEWAY__HEARTBEAT_MINUTES", &c.Gateway.HeartbeatMinutes)

	if v := os.Getenv("CONDUIT_CHANNELS__TELEGRAM__ALLOWLIST"); v != "" {
		c.Channels.Telegram.Allowlist = splitList(v)
	}
	if v := os.Getenv("CONDUIT_CHANNELS__DISCORD__ALLOWLIST"); v != "" {
		c.Channels.Discord.Allowlist = splitList(v)
	}

	boolean("CONDUIT_TELEMETRY__ENABLED", &c.Telemetry.Enabled)
	str("CONDUIT_TELEMETRY__ENDPOINT", &c.Telemetry.Endpoint)
	str("CONDUIT_TELEMETRY__PROTOCOL", &c.Telemetry.Protocol)
	str("CONDUIT_TELEMETRY__SERVICE_NAME", &c.Telemetry.ServiceName)
	boolean("CONDUIT_TELEMETRY__INSECURE", &c.Telemetry.Insecure)

	str("CONDUIT_LOGGING__LEVEL", &c.Logging.Level)
	str("CONDUIT_DATABASE__PATH", &c.Database.Path)

	// A channel token from the environment implies the channel is wanted.
	if c.Channels.Telegram.Token != "" {
		c.Channels.Telegram.Enabled = true
	}
	if c.Channels.Discord.Token != "" {
		c.Channels.Discord.Enabled = true
	}
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Save writes the config file with secrets stripped, mode 0600.
func Save(path string, cfg *Config) error {
	cp := *cfg
	cp.clearFileSecrets()
	cp.ConfigVersion = CurrentVersion

	data, err := json.MarshalIndent(&cp, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o600)
}
