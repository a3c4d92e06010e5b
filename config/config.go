// Package config loads the server configuration: a YAML file, then defaults,
// then environment overrides, then validation.
package config

import (
	"strconv"
	"time"

	"github.com/liamcoop/riskrules/internal/sqldialect"
)

// Config is the root configuration of the rules server
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Logging  LoggingConfig  `yaml:"logging"`
	Engine   EngineConfig   `yaml:"engine"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// ServerConfig configures the HTTP listener
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig selects where rule rows and the container ledger live.
// Driver is "postgres" or "sqlite"; URL is the DSN for that driver.
type DatabaseConfig struct {
	Driver      string `yaml:"driver"`
	URL         string `yaml:"url"`
	AutoMigrate bool   `yaml:"auto_migrate"`
}

// Dialect returns the parsed driver. Validate guarantees it is known.
func (d DatabaseConfig) Dialect() sqldialect.Dialect {
	dialect, _ := sqldialect.Parse(d.Driver)
	return dialect
}

// Addr is the listen address of the HTTP server
func (s ServerConfig) Addr() string {
	return ":" + strconv.Itoa(s.Port)
}

// LoggingConfig configures internal/logger
type LoggingConfig struct {
	Level string `yaml:"level"`
	// ErrorSampleRate logs one in N warnings and errors; 1 logs all
	ErrorSampleRate int `yaml:"error_sample_rate"`
}

// EngineConfig configures container lifecycle at startup
type EngineConfig struct {
	// DeployOnStartup builds and deploys every fact type that has no
	// recorded version after recovery
	DeployOnStartup bool   `yaml:"deploy_on_startup"`
	DeployedBy      string `yaml:"deployed_by"`
	// CostLimit caps the CEL cost of one fire call; 0 selects the engine
	// default of 100000000
	CostLimit uint64 `yaml:"cost_limit"`
}

// MetricsConfig configures the Prometheus collectors
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`
	Subsystem string `yaml:"subsystem"`
}
