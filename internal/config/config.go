package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the complete application configuration
type Config struct {
	CRM    CRMConfig    `yaml:"crm"`
	Listen ListenConfig `yaml:"listen"`
	Store  StoreConfig  `yaml:"store"`
	Auth   AuthConfig   `yaml:"auth"`
	TLS    TLSConfig    `yaml:"tls"`
	Log    LogConfig    `yaml:"log"`
}

// CRMConfig defines how the CRM REST backend is reached
type CRMConfig struct {
	BaseURL string `yaml:"base_url"` // e.g. "https://crm.example.com"
	Timeout int    `yaml:"timeout"`  // Per-request timeout in seconds
}

// ListenConfig defines where the dashboard listens
type ListenConfig struct {
	HTTP string `yaml:"http"` // HTTP server address (e.g., "127.0.0.1:8080")
}

// StoreConfig defines where session tokens are persisted
type StoreConfig struct {
	Path string `yaml:"path"` // JSON file holding the persisted session keys
}

// AuthConfig defines session behavior
type AuthConfig struct {
	ValidateOnStartup bool `yaml:"validate_on_startup"` // Call validate-token when a session is restored
	RefreshOnInvalid  bool `yaml:"refresh_on_invalid"`  // Try one silent refresh before logging out on a failed validation
	ValidateAttempts  int  `yaml:"validate_attempts"`  // Attempts at startup validation while the CRM is unreachable
}

// TLSConfig defines TLS settings for the HTTP server
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// LogConfig defines logging settings
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// Load reads and parses the configuration file. A missing file is not an
// error: defaults plus environment overrides are used instead.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path) // #nosec G304 -- path comes from the operator's --config flag
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	case errors.Is(err, os.ErrNotExist):
		slog.Debug("config file not found, using defaults", "path", path)
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := cfg.LoadDotEnv(os.Getwd); err != nil {
		return nil, fmt.Errorf("failed to read .env file: %w", err)
	}
	cfg.ApplyEnv(os.Getenv)

	cfg.Store.Path = expandHome(cfg.Store.Path)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		CRM: CRMConfig{
			Timeout: 30,
		},
		Listen: ListenConfig{
			HTTP: "127.0.0.1:8080",
		},
		Store: StoreConfig{
			Path: "~/.config/ccv-dashboard/session.json",
		},
		Auth: AuthConfig{
			ValidateOnStartup: true,
			RefreshOnInvalid:  false,
			ValidateAttempts:  3,
		},
		TLS: TLSConfig{
			Enabled: false,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadDotEnv applies overrides from a '.env' file in the working directory.
// A missing file is ignored.
func (c *Config) LoadDotEnv(getwd func() (string, error)) error {
	wd, err := getwd()
	if err != nil {
		return err
	}

	envMap, err := godotenv.Read(filepath.Join(wd, ".env"))
	switch {
	case err == nil:
		c.ApplyEnv(func(key string) string { return envMap[key] })
		return nil
	case errors.Is(err, os.ErrNotExist):
		return nil
	default:
		return err
	}
}

// ApplyEnv applies environment variable overrides. Empty values are ignored.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if v := getenv("CCV_CRM_BASE_URL"); v != "" {
		c.CRM.BaseURL = v
	}
	if v := getenv("CCV_CRM_TIMEOUT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.CRM.Timeout = n
		} else {
			slog.Warn("ignoring invalid CCV_CRM_TIMEOUT", "value", v)
		}
	}

	if v := getenv("CCV_LISTEN_HTTP"); v != "" {
		c.Listen.HTTP = v
	}
	if v := getenv("CCV_STORE_PATH"); v != "" {
		c.Store.Path = v
	}

	if v := getenv("CCV_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := getenv("CCV_LOG_FORMAT"); v != "" {
		c.Log.Format = v
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.CRM.BaseURL == "" {
		return fmt.Errorf("crm.base_url is required")
	}
	if !strings.HasPrefix(c.CRM.BaseURL, "http://") && !strings.HasPrefix(c.CRM.BaseURL, "https://") {
		return fmt.Errorf("crm.base_url must be a valid HTTP(S) URL")
	}

	if c.CRM.Timeout <= 0 {
		return fmt.Errorf("crm.timeout must be positive")
	}
	if c.CRM.Timeout > 300 {
		return fmt.Errorf("crm.timeout should not exceed 300 seconds")
	}

	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}

	if c.Auth.ValidateAttempts < 1 || c.Auth.ValidateAttempts > 10 {
		return fmt.Errorf("auth.validate_attempts must be between 1 and 10")
	}

	if c.TLS.Enabled {
		if c.TLS.CertFile == "" || c.TLS.KeyFile == "" {
			return fmt.Errorf("tls.cert_file and tls.key_file are required when TLS is enabled")
		}

		if _, err := os.Stat(c.TLS.CertFile); err != nil {
			return fmt.Errorf("tls.cert_file not found: %w", err)
		}
		if _, err := os.Stat(c.TLS.KeyFile); err != nil {
			return fmt.Errorf("tls.key_file not found: %w", err)
		}
	}

	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}

	validFormats := map[string]bool{
		"json": true,
		"text": true,
	}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: json, text")
	}

	if c.Listen.HTTP == "" {
		return fmt.Errorf("listen.http is required")
	}

	return nil
}

// SetupLogging configures the global slog logger based on the LogConfig.
func SetupLogging(cfg *LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	default:
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	slog.SetDefault(slog.New(handler))
}

// expandHome replaces a leading "~/" with the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}
