package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Remote backend selectors.
const (
	BackendHTTP   = "http"
	BackendCouch  = "couch"
	BackendMemory = "memory"
)

// Config holds all environment-based configuration for boardsync.
type Config struct {
	// Environment controls log format.
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	// DBPath is where the local bbolt database lives. Empty means
	// ~/.boardsync/boardsync.db, resolved in Load.
	DBPath string `env:"BOARDSYNC_DB_PATH"`

	// Owner is recorded on boards created locally. Defaults to the
	// system hostname.
	Owner string `env:"BOARDSYNC_OWNER"`

	// RemoteBackend selects the remote store implementation.
	RemoteBackend string `env:"REMOTE_BACKEND" envDefault:"http"`

	// RemoteURL is the base URL of the board HTTP API (http backend).
	RemoteURL string `env:"REMOTE_URL"`

	// CouchDSN and CouchDB configure the CouchDB backend.
	CouchDSN string `env:"COUCH_DSN"`
	CouchDB  string `env:"COUCH_DB" envDefault:"boards"`

	// NotifyURL is the optional WebSocket change feed. Empty disables
	// the notifier.
	NotifyURL string `env:"NOTIFY_URL"`

	// SyncInterval is the periodic drain cadence.
	SyncInterval time.Duration `env:"SYNC_INTERVAL" envDefault:"10s"`

	// MaxRetries is how many attempts a queued operation gets before it
	// parks as failed.
	MaxRetries int `env:"MAX_RETRIES" envDefault:"5"`

	// IdleTimeout is how long edits may sit unsaved before the monitor
	// forces a local save.
	IdleTimeout time.Duration `env:"IDLE_TIMEOUT" envDefault:"5m"`

	// ImportDir is the optional drop directory watched for board files.
	// Empty disables the importer.
	ImportDir string `env:"IMPORT_DIR"`

	// ProbeURL is the endpoint used for connectivity checks. Empty
	// means the remote itself is probed.
	ProbeURL      string        `env:"PROBE_URL"`
	ProbeInterval time.Duration `env:"PROBE_INTERVAL" envDefault:"30s"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.Owner == "" {
		hostname, err := os.Hostname()
		if err != nil || hostname == "" {
			hostname = "boardsync"
		}

		cfg.Owner = hostname
	}

	if cfg.DBPath == "" {
		path, err := defaultDBPath()
		if err != nil {
			return nil, err
		}

		cfg.DBPath = path
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	// Resolve paths to absolute form at startup so downstream code can
	// compare and log them unambiguously.
	absDB, err := filepath.Abs(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("resolving db path: %w", err)
	}

	cfg.DBPath = absDB

	if cfg.ImportDir != "" {
		absDir, err := filepath.Abs(cfg.ImportDir)
		if err != nil {
			return nil, fmt.Errorf("resolving import dir: %w", err)
		}

		cfg.ImportDir = absDir
	}

	return cfg, nil
}

func (c *Config) validate() error {
	switch c.RemoteBackend {
	case BackendHTTP:
		if c.RemoteURL == "" {
			return fmt.Errorf("REMOTE_URL is required when REMOTE_BACKEND is %q", BackendHTTP)
		}
	case BackendCouch:
		if c.CouchDSN == "" {
			return fmt.Errorf("COUCH_DSN is required when REMOTE_BACKEND is %q", BackendCouch)
		}
	case BackendMemory:
	default:
		return fmt.Errorf("unknown REMOTE_BACKEND %q (want %s, %s or %s)",
			c.RemoteBackend, BackendHTTP, BackendCouch, BackendMemory)
	}

	if c.SyncInterval <= 0 {
		return fmt.Errorf("SYNC_INTERVAL must be positive, got %s", c.SyncInterval)
	}

	if c.MaxRetries < 1 {
		return fmt.Errorf("MAX_RETRIES must be at least 1, got %d", c.MaxRetries)
	}

	if c.IdleTimeout <= 0 {
		return fmt.Errorf("IDLE_TIMEOUT must be positive, got %s", c.IdleTimeout)
	}

	if c.ProbeInterval <= 0 {
		return fmt.Errorf("PROBE_INTERVAL must be positive, got %s", c.ProbeInterval)
	}

	return nil
}

// defaultDBPath returns ~/.boardsync/boardsync.db.
func defaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".boardsync", "boardsync.db"), nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
