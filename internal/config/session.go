package config

import (
	"path/filepath"
	"time"
)

// SessionConfig configures the messaging-session supervisor.
type SessionConfig struct {
	// Root for session artifacts (browser profile + cache)
	DataDir string `yaml:"data_dir"`

	// Automatic retries for transient connection failures
	MaxRetries int `yaml:"max_retries"`

	InitTimeout   string `yaml:"init_timeout"`   // Initializing -> QR/Ready bound
	QRExpiry      string `yaml:"qr_expiry"`      // Validity of one issued QR token
	BackoffBase   string `yaml:"backoff_base"`   // First retry delay
	BackoffCap    string `yaml:"backoff_cap"`    // Retry delay ceiling
	PurgeSettle   string `yaml:"purge_settle"`   // Wait after purge for child processes to exit
	RestartSettle string `yaml:"restart_settle"` // Wait between restart teardown and new attempt

	EventBuffer        int  `yaml:"event_buffer"`
	KillStrayProcesses bool `yaml:"kill_stray_processes"`
}

// ProfileDir is the Chrome user-data-dir holding the WhatsApp auth state.
func (c SessionConfig) ProfileDir() string {
	return filepath.Join(c.DataDir, "auth")
}

// CacheDir holds the cached web client bundle.
func (c SessionConfig) CacheDir() string {
	return filepath.Join(c.DataDir, "cache")
}

func (c SessionConfig) GetInitTimeout() time.Duration {
	return parseDuration(c.InitTimeout, 90*time.Second)
}

func (c SessionConfig) GetQRExpiry() time.Duration {
	return parseDuration(c.QRExpiry, 60*time.Second)
}

func (c SessionConfig) GetBackoffBase() time.Duration {
	return parseDuration(c.BackoffBase, 5*time.Second)
}

func (c SessionConfig) GetBackoffCap() time.Duration {
	return parseDuration(c.BackoffCap, 60*time.Second)
}

func (c SessionConfig) GetPurgeSettle() time.Duration {
	return parseDuration(c.PurgeSettle, 2*time.Second)
}

func (c SessionConfig) GetRestartSettle() time.Duration {
	return parseDuration(c.RestartSettle, time.Second)
}
