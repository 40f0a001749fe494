package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Listen.HTTP != "127.0.0.1:8080" {
		t.Errorf("expected HTTP listen 127.0.0.1:8080, got %s", cfg.Listen.HTTP)
	}

	if cfg.CRM.Timeout != 30 {
		t.Errorf("expected CRM timeout 30, got %d", cfg.CRM.Timeout)
	}

	if !cfg.Auth.ValidateOnStartup {
		t.Error("expected validate_on_startup to default to true")
	}

	if cfg.Auth.RefreshOnInvalid {
		t.Error("expected refresh_on_invalid to default to false")
	}

	if cfg.Auth.ValidateAttempts != 3 {
		t.Errorf("expected validate_attempts 3, got %d", cfg.Auth.ValidateAttempts)
	}

	if cfg.Log.Level != "info" {
		t.Errorf("expected log level info, got %s", cfg.Log.Level)
	}
}

func TestLoadConfig(t *testing.T) {
	tests := []struct {
		name        string
		configYAML  string
		wantErr     bool
		errContains string
	}{
		{
			name: "valid config",
			configYAML: `
crm:
  base_url: "https://crm.example.com"
  timeout: 20
listen:
  http: "127.0.0.1:9000"
store:
  path: "/tmp/ccv-session.json"
log:
  level: "info"
  format: "json"
`,
			wantErr: false,
		},
		{
			name: "missing base url",
			configYAML: `
crm:
  timeout: 20
`,
			wantErr:     true,
			errContains: "base_url is required",
		},
		{
			name: "base url without scheme",
			configYAML: `
crm:
  base_url: "crm.example.com"
`,
			wantErr:     true,
			errContains: "valid HTTP(S) URL",
		},
		{
			name: "invalid log level",
			configYAML: `
crm:
  base_url: "https://crm.example.com"
log:
  level: "verbose"
`,
			wantErr:     true,
			errContains: "log.level must be one of",
		},
		{
			name: "invalid yaml",
			configYAML: `
this is not: valid: yaml:
  bad: [syntax
`,
			wantErr:     true,
			errContains: "failed to parse",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, tt.configYAML))

			if tt.wantErr {
				if err == nil {
					t.Errorf("expected error containing '%s', got nil", tt.errContains)
				} else if tt.errContains != "" && !strings.Contains(err.Error(), tt.errContains) {
					t.Errorf("error = %v, want error containing %v", err, tt.errContains)
				}
			} else {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				if cfg == nil {
					t.Error("expected config, got nil")
				}
			}
		})
	}
}

func TestLoadMissingFileUsesDefaultsAndEnv(t *testing.T) {
	t.Setenv("CCV_CRM_BASE_URL", "https://env.example.com")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.CRM.BaseURL != "https://env.example.com" {
		t.Errorf("expected base_url from env, got %s", cfg.CRM.BaseURL)
	}
	if cfg.CRM.Timeout != 30 {
		t.Errorf("expected default timeout 30, got %d", cfg.CRM.Timeout)
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("CCV_CRM_BASE_URL", "https://env.example.com")
	t.Setenv("CCV_CRM_TIMEOUT", "45")
	t.Setenv("CCV_LOG_LEVEL", "debug")

	path := writeConfig(t, `
crm:
  base_url: "https://yaml.example.com"
  timeout: 10
log:
  level: "info"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.CRM.BaseURL != "https://env.example.com" {
		t.Errorf("expected base_url='https://env.example.com', got '%s'", cfg.CRM.BaseURL)
	}

	if cfg.CRM.Timeout != 45 {
		t.Errorf("expected timeout 45, got %d", cfg.CRM.Timeout)
	}

	if cfg.Log.Level != "debug" {
		t.Errorf("expected log level 'debug', got '%s'", cfg.Log.Level)
	}
}

func TestApplyEnvIgnoresInvalidTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ApplyEnv(func(key string) string {
		if key == "CCV_CRM_TIMEOUT" {
			return "soon"
		}
		return ""
	})

	if cfg.CRM.Timeout != 30 {
		t.Errorf("expected timeout to stay 30, got %d", cfg.CRM.Timeout)
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	env := "CCV_CRM_BASE_URL=https://dotenv.example.com\nCCV_LISTEN_HTTP=127.0.0.1:7000\n"
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte(env), 0600); err != nil {
		t.Fatal(err)
	}

	cfg := DefaultConfig()
	if err := cfg.LoadDotEnv(func() (string, error) { return dir, nil }); err != nil {
		t.Fatalf("LoadDotEnv failed: %v", err)
	}

	if cfg.CRM.BaseURL != "https://dotenv.example.com" {
		t.Errorf("expected base_url from .env, got %s", cfg.CRM.BaseURL)
	}
	if cfg.Listen.HTTP != "127.0.0.1:7000" {
		t.Errorf("expected listen from .env, got %s", cfg.Listen.HTTP)
	}

	// No .env file is fine.
	cfg = DefaultConfig()
	if err := cfg.LoadDotEnv(func() (string, error) { return t.TempDir(), nil }); err != nil {
		t.Errorf("LoadDotEnv without file failed: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
		errMsg  string
	}{
		{
			name:    "valid config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name: "timeout too high",
			modify: func(c *Config) {
				c.CRM.Timeout = 600
			},
			wantErr: true,
			errMsg:  "should not exceed 300",
		},
		{
			name: "timeout zero",
			modify: func(c *Config) {
				c.CRM.Timeout = 0
			},
			wantErr: true,
			errMsg:  "must be positive",
		},
		{
			name: "empty store path",
			modify: func(c *Config) {
				c.Store.Path = ""
			},
			wantErr: true,
			errMsg:  "store.path is required",
		},
		{
			name: "validate attempts zero",
			modify: func(c *Config) {
				c.Auth.ValidateAttempts = 0
			},
			wantErr: true,
			errMsg:  "auth.validate_attempts must be between 1 and 10",
		},
		{
			name: "validate attempts too high",
			modify: func(c *Config) {
				c.Auth.ValidateAttempts = 11
			},
			wantErr: true,
			errMsg:  "auth.validate_attempts must be between 1 and 10",
		},
		{
			name: "TLS enabled without cert",
			modify: func(c *Config) {
				c.TLS.Enabled = true
				c.TLS.CertFile = ""
			},
			wantErr: true,
			errMsg:  "are required when TLS is enabled",
		},
		{
			name: "invalid log format",
			modify: func(c *Config) {
				c.Log.Format = "xml"
			},
			wantErr: true,
			errMsg:  "log.format must be one of",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.CRM.BaseURL = "https://crm.example.com"
			cfg.Store.Path = "/tmp/session.json"

			tt.modify(cfg)

			err := cfg.Validate()
			if tt.wantErr {
				if err == nil {
					t.Errorf("expected error containing '%s', got nil", tt.errMsg)
				} else if !strings.Contains(err.Error(), tt.errMsg) {
					t.Errorf("error = %v, want error containing %v", err, tt.errMsg)
				}
			} else {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
			}
		})
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}

	if got := expandHome("~/x/session.json"); got != filepath.Join(home, "x/session.json") {
		t.Errorf("expandHome = %s", got)
	}
	if got := expandHome("/abs/session.json"); got != "/abs/session.json" {
		t.Errorf("expandHome changed absolute path: %s", got)
	}
}

func TestSetupLogging(t *testing.T) {
	old := slog.Default()
	t.Cleanup(func() {
		slog.SetDefault(old)
	})

	SetupLogging(&LogConfig{Level: "debug", Format: "json"})
	if !slog.Default().Enabled(context.Background(), slog.LevelDebug) {
		t.Error("expected debug logs to be enabled")
	}

	SetupLogging(&LogConfig{Level: "error", Format: "text"})
	if slog.Default().Enabled(context.Background(), slog.LevelInfo) {
		t.Error("expected info logs to be disabled at error level")
	}
	if !slog.Default().Enabled(context.Background(), slog.LevelError) {
		t.Error("expected error logs to be enabled")
	}
}
