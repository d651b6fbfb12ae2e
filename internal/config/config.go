// Package config provides configuration loading for promptd.
//
// Configuration is read from an optional YAML file and then overridden by
// PROMPTD_-prefixed environment variables. Defaults are applied after
// unmarshaling and the result is validated before use.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config holds the complete promptd configuration.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	HTTP      HTTPConfig      `koanf:"http"`
	Logging   LoggingConfig   `koanf:"logging"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
	Registry  RegistryConfig  `koanf:"registry"`
	Sessions  SessionsConfig  `koanf:"sessions"`
	Framework FrameworkConfig `koanf:"framework"`
	Gates     GatesConfig     `koanf:"gates"`
	Verify    VerifyConfig    `koanf:"verify"`
	Secrets   SecretsConfig   `koanf:"secrets"`
	Events    EventsConfig    `koanf:"events"`
}

// ServerConfig identifies the MCP server and selects its transport.
type ServerConfig struct {
	Name            string    `koanf:"name"`
	Version         string    `koanf:"version"`
	Transport       Transport `koanf:"transport"`
	ShutdownTimeout Duration  `koanf:"shutdown_timeout"`
}

// HTTPConfig configures the HTTP listener used for health, metrics and the
// streamable MCP endpoint.
type HTTPConfig struct {
	Host      string  `koanf:"host"`
	Port      int     `koanf:"port"`
	RateLimit float64 `koanf:"rate_limit"` // requests per second, 0 disables
	Burst     int     `koanf:"burst"`
}

// LoggingConfig is the subset of logging options exposed through config.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	OTEL   bool   `koanf:"otel"`
}

// TelemetryConfig is the subset of telemetry options exposed through config.
type TelemetryConfig struct {
	Enabled    bool    `koanf:"enabled"`
	Endpoint   string  `koanf:"endpoint"`
	Protocol   string  `koanf:"protocol"`
	Insecure   bool    `koanf:"insecure"`
	SampleRate float64 `koanf:"sample_rate"`
}

// RegistryConfig points at the prompt/gate/methodology definition tree.
type RegistryConfig struct {
	Dir      string   `koanf:"dir"`
	Watch    bool     `koanf:"watch"`
	Debounce Duration `koanf:"debounce"`
}

// SessionsConfig configures chain session persistence and cleanup.
type SessionsConfig struct {
	Backend        SessionBackend `koanf:"backend"`
	Path           string         `koanf:"path"`
	StaleAfter     Duration       `koanf:"stale_after"`
	SweepInterval  Duration       `koanf:"sweep_interval"`
	MaxGateRetries int            `koanf:"max_gate_retries"`
}

// FrameworkConfig configures the methodology state manager.
type FrameworkConfig struct {
	StatePath        string `koanf:"state_path"`
	DefaultFramework string `koanf:"default_framework"`
	Enabled          bool   `koanf:"enabled"`
	GatesEnabled     bool   `koanf:"gates_enabled"`
}

// GatesConfig configures gate resolution.
type GatesConfig struct {
	FallbackID       string `koanf:"fallback_id"`
	MethodologyGates bool   `koanf:"methodology_gates"`
}

// VerifyConfig configures shell verification gates.
type VerifyConfig struct {
	Enabled        bool     `koanf:"enabled"`
	DefaultTimeout Duration `koanf:"default_timeout"`
	MaxIterations  int      `koanf:"max_iterations"`
	MaxOutput      int      `koanf:"max_output"`
	WorkDir        string   `koanf:"workdir"`
}

// SecretsConfig configures scrubbing of verification output.
type SecretsConfig struct {
	Enabled       bool   `koanf:"enabled"`
	Gitleaks      bool   `koanf:"gitleaks"`
	AllowlistPath string `koanf:"allowlist_path"`
}

// EventsConfig configures the optional NATS event sink.
type EventsConfig struct {
	NATSURL       string `koanf:"nats_url"`
	SubjectPrefix string `koanf:"subject_prefix"`
}

// Default returns a configuration with every default applied and no file
// or environment overrides.
func Default() *Config {
	cfg, err := load(nil, false)
	if err != nil {
		// the built-in defaults always decode
		panic(fmt.Sprintf("config: built-in defaults invalid: %v", err))
	}
	return cfg
}

// HomeDir returns the promptd state directory, ~/.config/promptd.
func HomeDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return filepath.Join(os.TempDir(), "promptd")
	}
	return filepath.Join(home, ".config", "promptd")
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	base := HomeDir()

	if cfg.Server.Name == "" {
		cfg.Server.Name = "promptd"
	}
	if cfg.Server.Version == "" {
		cfg.Server.Version = "0.1.0"
	}
	if cfg.Server.Transport == "" {
		cfg.Server.Transport = TransportStdio
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}

	if cfg.HTTP.Host == "" {
		cfg.HTTP.Host = "127.0.0.1"
	}
	if cfg.HTTP.Port == 0 {
		cfg.HTTP.Port = 9191
	}
	if cfg.HTTP.Burst == 0 {
		cfg.HTTP.Burst = 20
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Telemetry.Endpoint == "" {
		cfg.Telemetry.Endpoint = "localhost:4317"
	}
	if cfg.Telemetry.Protocol == "" {
		cfg.Telemetry.Protocol = "grpc"
	}
	if cfg.Telemetry.SampleRate == 0 {
		cfg.Telemetry.SampleRate = 1.0
	}

	if cfg.Registry.Dir == "" {
		cfg.Registry.Dir = filepath.Join(base, "resources")
	}
	if cfg.Registry.Debounce == 0 {
		cfg.Registry.Debounce = Duration(250 * time.Millisecond)
	}

	if cfg.Sessions.Backend == "" {
		cfg.Sessions.Backend = BackendFile
	}
	if cfg.Sessions.Path == "" {
		if cfg.Sessions.Backend == BackendSQLite {
			cfg.Sessions.Path = filepath.Join(base, "sessions.db")
		} else {
			cfg.Sessions.Path = filepath.Join(base, "chain-sessions.json")
		}
	}
	if cfg.Sessions.StaleAfter == 0 {
		cfg.Sessions.StaleAfter = Duration(24 * time.Hour)
	}
	if cfg.Sessions.SweepInterval == 0 {
		cfg.Sessions.SweepInterval = Duration(15 * time.Minute)
	}
	if cfg.Sessions.MaxGateRetries == 0 {
		cfg.Sessions.MaxGateRetries = 3
	}

	if cfg.Framework.StatePath == "" {
		cfg.Framework.StatePath = filepath.Join(base, "framework-state.json")
	}

	if cfg.Gates.FallbackID == "" {
		cfg.Gates.FallbackID = "content-structure"
	}

	if cfg.Verify.DefaultTimeout == 0 {
		cfg.Verify.DefaultTimeout = Duration(5 * time.Minute)
	}
	if cfg.Verify.MaxIterations == 0 {
		cfg.Verify.MaxIterations = 10
	}
	if cfg.Verify.MaxOutput == 0 {
		cfg.Verify.MaxOutput = 5000
	}

	if cfg.Events.SubjectPrefix == "" {
		cfg.Events.SubjectPrefix = "promptd.events"
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if !c.Server.Transport.Valid() {
		return fmt.Errorf("server.transport must be stdio or http, got %q", c.Server.Transport)
	}
	if c.Server.ShutdownTimeout.Duration() <= 0 {
		return errors.New("server.shutdown_timeout must be positive")
	}
	if c.HTTP.Port < 1 || c.HTTP.Port > 65535 {
		return fmt.Errorf("invalid http.port: %d (must be 1-65535)", c.HTTP.Port)
	}
	if c.HTTP.RateLimit < 0 {
		return fmt.Errorf("http.rate_limit must be >= 0, got %v", c.HTTP.RateLimit)
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		return fmt.Errorf("logging.format must be 'json' or 'console', got %q", c.Logging.Format)
	}
	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		return fmt.Errorf("telemetry.sample_rate must be between 0 and 1, got %v", c.Telemetry.SampleRate)
	}
	if !c.Sessions.Backend.Valid() {
		return fmt.Errorf("sessions.backend must be file or sqlite, got %q", c.Sessions.Backend)
	}
	if c.Sessions.MaxGateRetries < 1 {
		return fmt.Errorf("sessions.max_gate_retries must be >= 1, got %d", c.Sessions.MaxGateRetries)
	}
	if c.Sessions.StaleAfter.Duration() < time.Minute {
		return fmt.Errorf("sessions.stale_after must be at least 1m, got %s", c.Sessions.StaleAfter.Duration())
	}
	if c.Verify.MaxIterations < 1 {
		return fmt.Errorf("verify.max_iterations must be >= 1, got %d", c.Verify.MaxIterations)
	}
	if c.Verify.MaxOutput < 256 {
		return fmt.Errorf("verify.max_output must be >= 256, got %d", c.Verify.MaxOutput)
	}
	return nil
}

// Addr returns the host:port the HTTP listener binds.
func (h HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", h.Host, h.Port)
}
