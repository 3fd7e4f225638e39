// Package config provides configuration management for the Kiro proxy server.
// It handles loading and parsing YAML configuration files, and provides
// structured access to application settings including server bind address,
// credential directory, scheduling knobs, and upstream endpoints.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents the application's configuration, loaded from a YAML file.
type Config struct {
	// Host is the network interface the HTTP server binds to.
	Host string `yaml:"host" json:"host"`

	// Port is the network port on which the proxy server listens.
	Port int `yaml:"port" json:"port"`

	// AuthDir is the directory containing per-identity credential blobs.
	AuthDir string `yaml:"auth-dir" json:"auth-dir"`

	// APIKeys is a list of keys for authenticating clients to this proxy server.
	// Empty means no client authentication is required.
	APIKeys []string `yaml:"api-keys" json:"api-keys"`

	// ManagementKey guards the /v0/management surface. Empty disables it.
	ManagementKey string `yaml:"management-key" json:"management-key"`

	// ProxyURL is the URL of an optional proxy server for outbound requests.
	// Supports socks5://, http:// and https:// schemes.
	ProxyURL string `yaml:"proxy-url" json:"proxy-url"`

	// RequestLog enables detailed upstream request/response logging under logs/.
	RequestLog bool `yaml:"request-log" json:"request-log"`

	// LoggingToFile redirects application logs to rotating files instead of stdout.
	LoggingToFile bool `yaml:"logging-to-file" json:"logging-to-file"`

	// LogsMaxTotalSizeMB caps the total size of the logs directory. <= 0 disables cleanup.
	LogsMaxTotalSizeMB int64 `yaml:"logs-max-total-size-mb" json:"logs-max-total-size-mb"`

	// Debug enables verbose logging.
	Debug bool `yaml:"debug" json:"debug"`

	// RequestRetry is the number of same-identity retries for transient upstream
	// faults. The total attempt budget per request stays capped at three.
	RequestRetry int `yaml:"request-retry" json:"request-retry"`

	// QuotaCooldownMinutes is how long an identity rests after a quota error.
	QuotaCooldownMinutes int `yaml:"quota-cooldown-minutes" json:"quota-cooldown-minutes"`

	// RateLimitPerMinute is the per-identity dispatch budget per minute. 0 disables.
	RateLimitPerMinute int `yaml:"rate-limit-per-minute" json:"rate-limit-per-minute"`

	// Streaming configures server-side streaming behavior.
	Streaming StreamingConfig `yaml:"streaming" json:"streaming"`

	// History bounds conversation size before dispatch.
	History HistoryConfig `yaml:"history" json:"history"`

	// Kiro holds upstream endpoint and protocol settings.
	Kiro KiroConfig `yaml:"kiro" json:"kiro"`

	// LengthErrorMarkers are body substrings that classify an upstream response
	// as a content-too-long error. Merged with built-in defaults.
	LengthErrorMarkers []string `yaml:"length-error-markers" json:"length-error-markers"`

	// QuotaMarkers are body substrings that classify an upstream response as a
	// quota/rate-limit error. Merged with built-in defaults.
	QuotaMarkers []string `yaml:"quota-markers" json:"quota-markers"`
}

// StreamingConfig holds server streaming behavior configuration.
type StreamingConfig struct {
	// KeepAliveSeconds controls how often the server emits SSE heartbeats
	// (": keep-alive\n\n"). <= 0 disables keep-alives.
	KeepAliveSeconds int `yaml:"keepalive-seconds,omitempty" json:"keepalive-seconds,omitempty"`
}

// HistoryConfig bounds conversation size before dispatch.
type HistoryConfig struct {
	// MaxChars is the total character budget across history turns. <= 0 disables.
	MaxChars int `yaml:"max-chars" json:"max-chars"`

	// MaxTurns is the maximum number of history turns kept. <= 0 disables.
	MaxTurns int `yaml:"max-turns" json:"max-turns"`
}

// KiroConfig holds upstream endpoint and protocol settings.
type KiroConfig struct {
	// BaseURL is the upstream generateAssistantResponse endpoint.
	BaseURL string `yaml:"base-url" json:"base-url"`

	// RefreshURL is the token refresh endpoint for social/device credentials.
	// The %s placeholder, when present, is substituted with the region.
	RefreshURL string `yaml:"refresh-url" json:"refresh-url"`

	// IDCRefreshURL is the token refresh endpoint for IdC credentials.
	IDCRefreshURL string `yaml:"idc-refresh-url" json:"idc-refresh-url"`

	// ProfileARN is the fallback profile ARN for credentials that lack one.
	ProfileARN string `yaml:"profile-arn" json:"profile-arn"`

	// AgentMode is sent as the x-amzn-kiro-agent-mode header.
	AgentMode string `yaml:"agent-mode" json:"agent-mode"`

	// Origin tags upstream messages; the upstream protocol expects AI_EDITOR.
	Origin string `yaml:"origin" json:"origin"`

	// Version is the IDE version advertised in the x-amz-user-agent header.
	Version string `yaml:"version" json:"version"`
}

// Default values applied when the YAML omits them.
const (
	defaultPort                 = 8317
	defaultAuthDir              = "~/.kiroproxy"
	defaultQuotaCooldownMinutes = 15
	defaultRequestRetry         = 2
	defaultHistoryMaxChars      = 200_000
	defaultHistoryMaxTurns      = 100
	defaultKiroBaseURL          = "https://codewhisperer.us-east-1.amazonaws.com/generateAssistantResponse"
	defaultKiroRefreshURL       = "https://prod.%s.auth.desktop.kiro.dev/refreshToken"
	defaultKiroIDCRefreshURL    = "https://oidc.%s.amazonaws.com/token"
	defaultKiroAgentMode        = "vibe"
	defaultKiroOrigin           = "AI_EDITOR"
	defaultKiroVersion          = "0.2.13"
)

// LoadConfig reads the YAML configuration file at the given path, applies
// defaults for omitted fields, and returns the populated Config.
func LoadConfig(configFile string) (*Config, error) {
	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("config: failed to read %s: %w", configFile, err)
	}
	var cfg Config
	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: failed to parse %s: %w", configFile, err)
	}
	cfg.ApplyDefaults()
	return &cfg, nil
}

// LoadConfigOptional behaves like LoadConfig but tolerates a missing file when
// optional is true, returning a default-populated Config instead.
func LoadConfigOptional(configFile string, optional bool) (*Config, error) {
	cfg, err := LoadConfig(configFile)
	if err != nil {
		if optional && os.IsNotExist(underlying(err)) {
			def := &Config{}
			def.ApplyDefaults()
			return def, nil
		}
		return nil, err
	}
	return cfg, nil
}

func underlying(err error) error {
	type unwrapper interface{ Unwrap() error }
	for err != nil {
		u, ok := err.(unwrapper)
		if !ok {
			return err
		}
		err = u.Unwrap()
	}
	return err
}

// ApplyDefaults fills zero-valued fields with their documented defaults.
func (c *Config) ApplyDefaults() {
	if c.Port <= 0 {
		c.Port = defaultPort
	}
	if strings.TrimSpace(c.AuthDir) == "" {
		c.AuthDir = defaultAuthDir
	}
	if c.QuotaCooldownMinutes <= 0 {
		c.QuotaCooldownMinutes = defaultQuotaCooldownMinutes
	}
	if c.RequestRetry <= 0 {
		c.RequestRetry = defaultRequestRetry
	}
	if c.History.MaxChars <= 0 {
		c.History.MaxChars = defaultHistoryMaxChars
	}
	if c.History.MaxTurns <= 0 {
		c.History.MaxTurns = defaultHistoryMaxTurns
	}
	if strings.TrimSpace(c.Kiro.BaseURL) == "" {
		c.Kiro.BaseURL = defaultKiroBaseURL
	}
	if strings.TrimSpace(c.Kiro.RefreshURL) == "" {
		c.Kiro.RefreshURL = defaultKiroRefreshURL
	}
	if strings.TrimSpace(c.Kiro.IDCRefreshURL) == "" {
		c.Kiro.IDCRefreshURL = defaultKiroIDCRefreshURL
	}
	if strings.TrimSpace(c.Kiro.AgentMode) == "" {
		c.Kiro.AgentMode = defaultKiroAgentMode
	}
	if strings.TrimSpace(c.Kiro.Origin) == "" {
		c.Kiro.Origin = defaultKiroOrigin
	}
	if strings.TrimSpace(c.Kiro.Version) == "" {
		c.Kiro.Version = defaultKiroVersion
	}
}
