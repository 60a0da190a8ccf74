package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/mitchellh/go-homedir"
)

// Config holds all environment-based configuration for cmis-sync.
type Config struct {
	// Browser Binding service URL of the CMIS server.
	URL string `env:"CMIS_URL"`

	// Basic-auth credentials.
	User     string `env:"CMIS_USER"`
	Password string `env:"CMIS_PASSWORD"`

	// Repository to bind. Empty selects the first repository the server
	// lists.
	RepositoryID string `env:"CMIS_REPOSITORY_ID" envDefault:""`

	// Remote folder mirrored into LocalDir.
	RemotePath string `env:"CMIS_REMOTE_PATH" envDefault:"/"`

	// Local directory the remote folder is mirrored into.
	LocalDir string `env:"CMIS_LOCAL_DIR"`

	// Cache database file. Defaults to ~/.cmis-sync/<base(LocalDir)>.cmissync.
	Database string `env:"CMIS_DATABASE"`

	// Poll interval between sync cycles in daemon mode.
	SyncInterval time.Duration `env:"SYNC_INTERVAL" envDefault:"5m"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
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

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if err := cfg.resolvePaths(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.URL == "" {
		return fmt.Errorf("CMIS_URL is required")
	}

	u, err := url.Parse(c.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("CMIS_URL must be an absolute http(s) URL")
	}

	if c.User == "" {
		return fmt.Errorf("CMIS_USER is required")
	}

	if c.LocalDir == "" {
		return fmt.Errorf("CMIS_LOCAL_DIR is required")
	}

	if !path.IsAbs(c.RemotePath) {
		return fmt.Errorf("CMIS_REMOTE_PATH must start with /")
	}

	if c.SyncInterval <= 0 {
		return fmt.Errorf("SYNC_INTERVAL must be positive")
	}

	return nil
}

// resolvePaths expands ~ and makes LocalDir and Database absolute. The
// engine maps remote paths under LocalDir by prefix, which only works
// reliably with absolute paths.
func (c *Config) resolvePaths() error {
	c.RemotePath = path.Clean(c.RemotePath)

	dir, err := homedir.Expand(c.LocalDir)
	if err != nil {
		return fmt.Errorf("expanding local dir: %w", err)
	}

	absDir, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("resolving local dir to absolute path: %w", err)
	}

	c.LocalDir = absDir

	if c.Database == "" {
		db, err := DefaultDatabase(c.LocalDir)
		if err != nil {
			return err
		}

		c.Database = db

		return nil
	}

	db, err := homedir.Expand(c.Database)
	if err != nil {
		return fmt.Errorf("expanding database path: %w", err)
	}

	absDB, err := filepath.Abs(db)
	if err != nil {
		return fmt.Errorf("resolving database path to absolute path: %w", err)
	}

	c.Database = absDB

	return nil
}

// DefaultDatabase returns the default cache database path for a local
// directory: ~/.cmis-sync/<base(localDir)>.cmissync
func DefaultDatabase(localDir string) (string, error) {
	home, err := homedir.Dir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".cmis-sync", filepath.Base(localDir)+".cmissync"), nil
}

// LockPath returns the path of the lock file guarding the database.
func (c *Config) LockPath() string {
	return c.Database + ".lock"
}
