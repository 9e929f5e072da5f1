package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all invoicewa configuration.
type Config struct {
	// Core settings
	Name string `yaml:"name"`

	// HTTP surface
	Server ServerConfig `yaml:"server"`

	// Messaging session supervision
	Session SessionConfig `yaml:"session"`

	// Headless Chrome
	Browser BrowserConfig `yaml:"browser"`

	// Outbound documents
	Delivery DeliveryConfig `yaml:"delivery"`

	// Delivery history
	Journal JournalConfig `yaml:"journal"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig configures the REST façade.
type ServerConfig struct {
	Addr            string `yaml:"addr"`
	ShutdownTimeout string `yaml:"shutdown_timeout"`
}

// DeliveryConfig configures the delivery gateway.
type DeliveryConfig struct {
	// Country code prepended to 10-digit local numbers
	CountryCode string `yaml:"country_code"`

	// Directory for inline uploads spooled to disk before sending
	SpoolDir string `yaml:"spool_dir"`

	// Maximum inline payload accepted by the API, in bytes
	MaxInlineBytes int64 `yaml:"max_inline_bytes"`
}

// JournalConfig configures the SQLite delivery journal.
type JournalConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name: "invoicewa",

		Server: ServerConfig{
			Addr:            ":8085",
			ShutdownTimeout: "15s",
		},

		Session: SessionConfig{
			DataDir:            "data/whatsapp",
			MaxRetries:         3,
			InitTimeout:        "90s",
			QRExpiry:           "60s",
			BackoffBase:        "5s",
			BackoffCap:         "60s",
			PurgeSettle:        "2s",
			RestartSettle:      "1s",
			EventBuffer:        64,
			KillStrayProcesses: true,
		},

		Browser: BrowserConfig{
			Headless:          true,
			URL:               "https://web.whatsapp.com",
			PollInterval:      "1s",
			NavigationTimeout: "60s",
			DestroyTimeout:    "10s",
			SendTimeout:       "90s",
		},

		Delivery: DeliveryConfig{
			CountryCode:    "91",
			SpoolDir:       "data/spool",
			MaxInlineBytes: 16 << 20,
		},

		Journal: JournalConfig{
			Enabled: true,
			Path:    "data/deliveries.db",
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Return defaults if config file doesn't exist
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Override with environment variables
	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv("INVOICEWA_ADDR"); addr != "" {
		c.Server.Addr = addr
	}
	if dir := os.Getenv("INVOICEWA_DATA_DIR"); dir != "" {
		c.Session.DataDir = dir
	}
	if bin := os.Getenv("INVOICEWA_CHROME_BIN"); bin != "" {
		c.Browser.Bin = bin
	}
	if cc := os.Getenv("INVOICEWA_COUNTRY_CODE"); cc != "" {
		c.Delivery.CountryCode = cc
	}
	if path := os.Getenv("INVOICEWA_JOURNAL"); path != "" {
		c.Journal.Path = path
	}
	if raw := os.Getenv("INVOICEWA_MAX_RETRIES"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			c.Session.MaxRetries = n
		}
	}
}

// GetShutdownTimeout returns the HTTP graceful shutdown timeout.
func (c *Config) GetShutdownTimeout() time.Duration {
	return parseDuration(c.Server.ShutdownTimeout, 15*time.Second)
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr must be set")
	}
	if c.Session.DataDir == "" {
		return fmt.Errorf("session.data_dir must be set")
	}
	if c.Session.MaxRetries < 0 {
		return fmt.Errorf("session.max_retries must be >= 0, got %d", c.Session.MaxRetries)
	}
	if c.Session.GetBackoffCap() < c.Session.GetBackoffBase() {
		return fmt.Errorf("session.backoff_cap (%s) is below session.backoff_base (%s)",
			c.Session.GetBackoffCap(), c.Session.GetBackoffBase())
	}
	if c.Delivery.CountryCode == "" {
		return fmt.Errorf("delivery.country_code must be set")
	}
	for _, r := range c.Delivery.CountryCode {
		if r < '0' || r > '9' {
			return fmt.Errorf("delivery.country_code must be digits only, got %q", c.Delivery.CountryCode)
		}
	}
	if c.Journal.Enabled && c.Journal.Path == "" {
		return fmt.Errorf("journal.path must be set when the journal is enabled")
	}
	return nil
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return fallback
	}
	return d
}
