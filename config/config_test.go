package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/liamcoop/riskrules/internal/sqldialect"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}
	return path
}

// clearEnv blanks every variable Load reads so the host environment cannot
// leak into a test
func clearEnv(t *testing.T) {
	for _, name := range []string{
		"PORT", "DATABASE_URL", "RULES_DB_DRIVER", "RULES_AUTO_MIGRATE", "LOG_LEVEL",
		"ERROR_SAMPLE_RATE", "RULES_DEPLOY_ON_STARTUP", "RULES_METRICS_ENABLED", "RULES_COST_LIMIT",
	} {
		t.Setenv(name, "")
	}
}

// TestLoadFile verifies values from the YAML file survive defaulting
func TestLoadFile(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
server:
  port: 9090
  shutdown_timeout: 5s
database:
  driver: sqlite
  url: "file:rules.db"
  auto_migrate: true
logging:
  level: debug
engine:
  deploy_on_startup: true
  cost_limit: 5000000
metrics:
  enabled: true
  namespace: customs
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Server.Port != 9090 || cfg.Server.ShutdownTimeout != 5*time.Second {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Database.Dialect() != sqldialect.SQLite || !cfg.Database.AutoMigrate {
		t.Errorf("database = %+v", cfg.Database)
	}
	if !cfg.Engine.DeployOnStartup || cfg.Engine.DeployedBy != "system" || cfg.Engine.CostLimit != 5000000 {
		t.Errorf("engine = %+v", cfg.Engine)
	}
	if cfg.Metrics.Namespace != "customs" || cfg.Metrics.Subsystem != "engine" || cfg.Metrics.Path != "/metrics" {
		t.Errorf("metrics = %+v", cfg.Metrics)
	}
	if cfg.Server.ReadTimeout != 15*time.Second {
		t.Errorf("ReadTimeout = %v, want default 15s", cfg.Server.ReadTimeout)
	}
	if cfg.Server.Addr() != ":9090" {
		t.Errorf("Addr() = %q", cfg.Server.Addr())
	}
}

// TestLoadEnvOverrides verifies environment variables win over the file
func TestLoadEnvOverrides(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
server:
  port: 9090
database:
  driver: sqlite
  url: "file:rules.db"
`)
	t.Setenv("PORT", "7070")
	t.Setenv("DATABASE_URL", "postgres://rules@db/rules?sslmode=disable")
	t.Setenv("RULES_DB_DRIVER", "Postgres")
	t.Setenv("LOG_LEVEL", "warn")
	t.Setenv("RULES_DEPLOY_ON_STARTUP", "true")
	t.Setenv("RULES_COST_LIMIT", "250000000")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Server.Port != 7070 {
		t.Errorf("Port = %d, want 7070", cfg.Server.Port)
	}
	if cfg.Database.Dialect() != sqldialect.Postgres || !strings.HasPrefix(cfg.Database.URL, "postgres://") {
		t.Errorf("database = %+v", cfg.Database)
	}
	if cfg.Logging.Level != "warn" || !cfg.Engine.DeployOnStartup || cfg.Engine.CostLimit != 250000000 {
		t.Errorf("logging = %+v, engine = %+v", cfg.Logging, cfg.Engine)
	}
}

// TestLoadWithoutFile verifies the environment alone can configure the server
func TestLoadWithoutFile(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATABASE_URL", "postgres://localhost/rules")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Database.Dialect() != sqldialect.Postgres || cfg.Server.Port != 8080 {
		t.Errorf("unexpected defaults %+v", cfg)
	}
}

// TestValidate verifies each invalid field is reported
func TestValidate(t *testing.T) {
	testCases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"port", func(c *Config) { c.Server.Port = 70000 }, "server.port"},
		{"driver", func(c *Config) { c.Database.Driver = "mysql" }, "database.driver"},
		{"url", func(c *Config) { c.Database.URL = "" }, "database.url"},
		{"level", func(c *Config) { c.Logging.Level = "chatty" }, "logging.level"},
		{"sample rate", func(c *Config) { c.Logging.ErrorSampleRate = -1 }, "error_sample_rate"},
		{"metrics path", func(c *Config) { c.Metrics.Enabled = true; c.Metrics.Path = "metrics" }, "metrics.path"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := &Config{Database: DatabaseConfig{URL: "file::memory:"}}
			ApplyDefaults(cfg)
			tc.mutate(cfg)

			err := Validate(cfg)
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() failed: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("Validate() error = %v, want mention of %q", err, tc.wantErr)
			}
		})
	}
}

// TestLoadErrors verifies unreadable and malformed files are rejected
func TestLoadErrors(t *testing.T) {
	clearEnv(t)
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected an error for a missing file")
	}
	if _, err := Load(writeConfig(t, "server: [")); err == nil {
		t.Error("expected an error for malformed YAML")
	}
	if _, err := Load(writeConfig(t, "server:\n  port: 8080\n")); err == nil {
		t.Error("expected an error when no database url is configured")
	}
}
