// Package config handles Parley configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/parley/config.yaml, /etc/parley/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "parley", "config.yaml"))
	}

	paths = append(paths, "/etc/parley/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Parley configuration.
type Config struct {
	Listen         ListenConfig   `yaml:"listen"`
	Models         ModelsConfig   `yaml:"models"`
	Gemini         GeminiConfig   `yaml:"gemini"`
	Turn           TurnConfig     `yaml:"turn"`
	Sessions       SessionsConfig `yaml:"sessions"`
	Router         RouterConfig   `yaml:"router"`
	Tools          ToolsConfig    `yaml:"tools"`
	MQTT           MQTTConfig     `yaml:"mqtt"`
	PersonasDir    string         `yaml:"personas_dir"`
	DefaultPersona string         `yaml:"default_persona"`
	DataDir        string         `yaml:"data_dir"`
	LogLevel       string         `yaml:"log_level"`
	LogFormat      string         `yaml:"log_format"` // text (default) or json
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// ModelsConfig selects which provider and model serve each kind of call.
type ModelsConfig struct {
	// Provider is the fallback provider: "gemini" or "ollama".
	Provider string `yaml:"provider"`
	// Default is the model used for conversation turns.
	Default string `yaml:"default"`
	// Router is the model used for persona classification. Empty means
	// use Default.
	Router    string        `yaml:"router"`
	OllamaURL string        `yaml:"ollama_url"`
	Available []ModelConfig `yaml:"available"`
}

// ModelConfig maps a model name to the provider that serves it.
type ModelConfig struct {
	Name     string `yaml:"name"`
	Provider string `yaml:"provider"` // gemini, ollama
}

// GeminiConfig defines Gemini API settings.
type GeminiConfig struct {
	APIKey string `yaml:"api_key"`
}

// TurnConfig bounds a single conversation turn.
type TurnConfig struct {
	// Timeout caps the whole turn, including routing and both model calls.
	Timeout Duration `yaml:"timeout"`
	// UpstreamTimeout caps each individual model call.
	UpstreamTimeout Duration `yaml:"upstream_timeout"`
	// QueueWait is how long a request waits for an in-flight turn on the
	// same session before it is rejected.
	QueueWait Duration `yaml:"queue_wait"`
}

// SessionsConfig controls idle-session eviction. A zero IdleTTL keeps
// sessions for the life of the process.
type SessionsConfig struct {
	IdleTTL       Duration `yaml:"idle_ttl"`
	SweepInterval Duration `yaml:"sweep_interval"`
}

// RouterConfig controls the persona router.
type RouterConfig struct {
	MaxAuditLog int `yaml:"max_audit_log"`
}

// ToolsConfig configures built-in tools.
type ToolsConfig struct {
	// Timezone is an IANA zone name for getTime. Empty means local time.
	Timezone string `yaml:"timezone"`
}

// MQTTConfig configures the optional turn-event publisher. An empty
// Broker disables it.
type MQTTConfig struct {
	Broker     string `yaml:"broker"` // mqtt://host:1883 or mqtts://host:8883
	Username   string `yaml:"username"`
	Password   string `yaml:"password"`
	DeviceName string `yaml:"device_name"`
}

// Enabled reports whether an MQTT broker is configured.
func (m MQTTConfig) Enabled() bool {
	return m.Broker != ""
}

// Duration is a time.Duration that unmarshals from strings like "30s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	if s == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Load reads configuration from a YAML file. Environment variables
// referenced as ${NAME} are expanded before parsing, and unset fields
// take their values from Default.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{Port: 3000},
		Models: ModelsConfig{
			Provider:  "gemini",
			Default:   "gemini-2.0-flash",
			OllamaURL: "http://localhost:11434",
		},
		Turn: TurnConfig{
			Timeout:         Duration(2 * time.Minute),
			UpstreamTimeout: Duration(45 * time.Second),
			QueueWait:       Duration(30 * time.Second),
		},
		Sessions: SessionsConfig{
			SweepInterval: Duration(5 * time.Minute),
		},
		Router:         RouterConfig{MaxAuditLog: 1000},
		DefaultPersona: "tutor",
		MQTT:           MQTTConfig{DeviceName: "parley"},
	}
}

// applyDefaults fills fields a partial YAML document may have zeroed.
func (c *Config) applyDefaults() {
	d := Default()
	if c.Listen.Port == 0 {
		c.Listen.Port = d.Listen.Port
	}
	if c.Models.Provider == "" {
		c.Models.Provider = d.Models.Provider
	}
	if c.Models.Default == "" {
		c.Models.Default = d.Models.Default
	}
	if c.Models.Router == "" {
		c.Models.Router = c.Models.Default
	}
	if c.Turn.UpstreamTimeout == 0 {
		c.Turn.UpstreamTimeout = d.Turn.UpstreamTimeout
	}
	if c.Turn.Timeout == 0 {
		c.Turn.Timeout = d.Turn.Timeout
	}
	if c.Sessions.SweepInterval == 0 {
		c.Sessions.SweepInterval = d.Sessions.SweepInterval
	}
	if c.DefaultPersona == "" {
		c.DefaultPersona = d.DefaultPersona
	}
	if c.MQTT.DeviceName == "" {
		c.MQTT.DeviceName = d.MQTT.DeviceName
	}
}

// Validate checks for settings that would fail at runtime.
func (c *Config) Validate() error {
	var errs []error

	switch c.Models.Provider {
	case "gemini", "ollama":
	default:
		errs = append(errs, fmt.Errorf("models.provider %q: must be gemini or ollama", c.Models.Provider))
	}
	for _, m := range c.Models.Available {
		if m.Provider != "gemini" && m.Provider != "ollama" {
			errs = append(errs, fmt.Errorf("models.available %q: unknown provider %q", m.Name, m.Provider))
		}
	}
	if c.usesProvider("gemini") && c.Gemini.APIKey == "" {
		errs = append(errs, errors.New("gemini.api_key is required when a gemini model is configured"))
	}
	if c.Turn.UpstreamTimeout > c.Turn.Timeout {
		errs = append(errs, fmt.Errorf("turn.upstream_timeout (%s) exceeds turn.timeout (%s)",
			c.Turn.UpstreamTimeout.Std(), c.Turn.Timeout.Std()))
	}
	if c.Sessions.IdleTTL < 0 {
		errs = append(errs, errors.New("sessions.idle_ttl must not be negative"))
	}
	if c.Tools.Timezone != "" {
		if _, err := time.LoadLocation(c.Tools.Timezone); err != nil {
			errs = append(errs, fmt.Errorf("tools.timezone: %w", err))
		}
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// usesProvider reports whether any configured model is served by provider.
func (c *Config) usesProvider(provider string) bool {
	if c.Models.Provider == provider {
		return true
	}
	for _, m := range c.Models.Available {
		if m.Provider == provider {
			return true
		}
	}
	return false
}

// Location returns the configured tool timezone, or time.Local.
func (c *Config) Location() *time.Location {
	if c.Tools.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Tools.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}
