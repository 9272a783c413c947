// Package config holds the gateway configuration: packaged defaults overlaid
// by an optional json5 config file, overlaid by CONDUIT_* environment
// variables. Secrets are environment-only and never persist to disk.
package config

import (
	"os"
	"path/filepath"
)

// CurrentVersion is the config schema version written by this build.
const CurrentVersion = 2

// Config is the root configuration.
type Config struct {
	ConfigVersion int             `json:"configVersion"`
	Agent         AgentConfig     `json:"agent"`
	Providers     ProvidersConfig `json:"providers"`
	Tools         ToolsConfig     `json:"tools"`
	Media         MediaConfig     `json:"media"`
	Channels      ChannelsConfig  `json:"channels"`
	Gateway       GatewayConfig   `json:"gateway"`
	Skills        SkillsConfig    `json:"skills,omitempty"`
	Telemetry     TelemetryConfig `json:"telemetry,omitempty"`
	Logging       LoggingConfig   `json:"logging,omitempty"`
	Database      DatabaseConfig  `json:"database,omitempty"`
}

// AgentConfig tunes the turn engine.
type AgentConfig struct {
	Workspace          string                   `json:"workspace"`
	SystemPrompt       string                   `json:"systemPrompt,omitempty"`
	Model              string                   `json:"model"`
	MaxTokens          int                      `json:"maxTokens"`
	Temperature        float64                  `json:"temperature"`
	MaxToolIterations  int                      `json:"maxToolIterations"`
	MaxSessionMessages int                      `json:"maxSessionMessages"`
	MaxContextTokens   int                      `json:"maxContextTokens,omitempty"`
	ModelOverrides     map[string]ModelOverride `json:"modelOverrides,omitempty"`
}

// ModelOverride adjusts per-model limits without changing the default model.
type ModelOverride struct {
	MaxTokens        int     `json:"maxTokens,omitempty"`
	Temperature      float64 `json:"temperature,omitempty"`
	MaxContextTokens int     `json:"maxContextTokens,omitempty"`
}

// ProviderConfig is one OpenAI-compatible endpoint. APIKey comes from the
// environment only.
type ProviderConfig struct {
	APIKey  string `json:"apiKey,omitempty"`
	APIBase string `json:"apiBase,omitempty"`
}

type ProvidersConfig struct {
	OpenAI     ProviderConfig `json:"openai"`
	OpenRouter ProviderConfig `json:"openrouter,omitempty"`
}

// ToolsConfig configures the built-in tools.
type ToolsConfig struct {
	RestrictToWorkspace bool `json:"restrictToWorkspace"`
	ShellTimeoutSeconds int  `json:"shellTimeoutSeconds,omitempty"`
	WebFetchMaxChars    int  `json:"webFetchMaxChars,omitempty"`
}

// MediaConfig mirrors the media pipeline policy knobs.
type MediaConfig struct {
	Enabled                 bool     `json:"enabled"`
	AllowedMimeTypes        []string `json:"allowedMimeTypes,omitempty"`
	MaxBytesPerItem         int64    `json:"maxBytesPerItem"`
	MaxItemsPerMessage      int      `json:"maxItemsPerMessage"`
	TempTTLMinutes          int      `json:"tempTtlMinutes"`
	QuarantineUnknownMime   bool     `json:"quarantineUnknownMime"`
	RejectOverLimit         bool     `json:"rejectOverLimit"`
	OCREnabled              bool     `json:"ocrEnabled"`
	TranscriptionEnabled    bool     `json:"transcriptionEnabled"`
	AuditEvents             bool     `json:"auditEvents"`
	ProcessorTimeoutSeconds int      `json:"processorTimeoutSeconds,omitempty"`

	// Proxy services performing the actual recognition. The API key comes
	// from the environment only.
	OCRProxyURL           string `json:"ocrProxyUrl,omitempty"`
	TranscriptionProxyURL string `json:"transcriptionProxyUrl,omitempty"`
	ProxyAPIKey           string `json:"proxyApiKey,omitempty"`
}

// ChannelConfig is one transport adapter. Token comes from the environment
// only. An empty allowlist means every sender is accepted.
type ChannelConfig struct {
	Enabled   bool     `json:"enabled"`
	Token     string   `json:"token,omitempty"`
	Allowlist []string `json:"allowlist,omitempty"`
}

type ChannelsConfig struct {
	Telegram ChannelConfig `json:"telegram"`
	Discord  ChannelConfig `json:"discord"`
	WebChat  ChannelConfig `json:"webchat"`
}

// GatewayConfig covers the HTTP surface and process-level timing.
type GatewayConfig struct {
	Host                 string `json:"host"`
	Port                 int    `json:"port"`
	MaxMessageChars      int    `json:"maxMessageChars"`
	RateLimitPerMinute   int    `json:"rateLimitPerMinute"`
	HeartbeatMinutes     int    `json:"heartbeatMinutes"`
	ShutdownGraceSeconds int    `json:"shutdownGraceSeconds"`
}

type SkillsConfig struct {
	Dirs []string `json:"dirs,omitempty"`
}

type TelemetryConfig struct {
	Enabled     bool   `json:"enabled"`
	Endpoint    string `json:"endpoint,omitempty"`
	Protocol    string `json:"protocol,omitempty"` // grpc | http
	ServiceName string `json:"serviceName,omitempty"`
	Insecure    bool   `json:"insecure,omitempty"`
}

type LoggingConfig struct {
	Level     string `json:"level,omitempty"` // debug | info | warn | error
	Persisted bool   `json:"persisted"`       // WARN+ into the logs table
}

type DatabaseConfig struct {
	Path string `json:"path,omitempty"`
}

// Default returns the packaged defaults.
func Default() *Config {
	return &Config{
		ConfigVersion: CurrentVersion,
		Agent: AgentConfig{
			Workspace:          "~/.conduit/workspace",
			Model:              "gpt-4o-mini",
			MaxTokens:          4096,
			Temperature:        0.7,
			MaxToolIterations:  10,
			MaxSessionMessages: 100,
			MaxContextTokens:   128000,
		},
		Tools: ToolsConfig{
			RestrictToWorkspace: true,
			ShellTimeoutSeconds: 60,
			WebFetchMaxChars:    10000,
		},
		Media: MediaConfig{
			Enabled:               true,
			AllowedMimeTypes:      []string{"image/", "audio/", "video/", "application/pdf", "text/plain"},
			MaxBytesPerItem:       20 << 20,
			MaxItemsPerMessage:    5,
			TempTTLMinutes:        60,
			QuarantineUnknownMime: true,
			RejectOverLimit:       false,
			OCREnabled:            true,
			TranscriptionEnabled:  true,
			AuditEvents:           true,
		},
		Gateway: GatewayConfig{
			Host:                 "127.0.0.1",
			Port:                 18890,
			MaxMessageChars:      32000,
			RateLimitPerMinute:   20,
			HeartbeatMinutes:     30,
			ShutdownGraceSeconds: 30,
		},
		Logging: LoggingConfig{Level: "info", Persisted: true},
		Database: DatabaseConfig{
			Path: "~/.conduit/conduit.db",
		},
	}
}

// ModelParams resolves maxTokens / temperature / context limit for a model,
// applying any modelOverrides entry.
func (a AgentConfig) ModelParams(model string) (maxTokens int, temperature float64, contextTokens int) {
	maxTokens, temperature, contextTokens = a.MaxTokens, a.Temperature, a.MaxContextTokens
	if ov, ok := a.ModelOverrides[model]; ok {
		if ov.MaxTokens > 0 {
			maxTokens = ov.MaxTokens
		}
		if ov.Temperature > 0 {
			temperature = ov.Temperature
		}
		if ov.MaxContextTokens > 0 {
			contextTokens = ov.MaxContextTokens
		}
	}
	return maxTokens, temperature, contextTokens
}

// WorkspacePath returns the agent workspace with ~ expanded.
func (c *Config) WorkspacePath() string { return ExpandHome(c.Agent.Workspace) }

// DatabasePath returns the sqlite path with ~ expanded.
func (c *Config) DatabasePath() string { return ExpandHome(c.Database.Path) }

// DefaultPath returns the user config file location.
func DefaultPath() string {
	return filepath.Join(ExpandHome("~/.conduit"), "config.json")
}

// ExpandHome replaces a leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
