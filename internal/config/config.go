// Package config provides YAML-based configuration loading for donorlink.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Supported database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
)

// Config is the top-level donorlink configuration, loaded from donorlink.yaml.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Realtime  RealtimeConfig  `yaml:"realtime"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
	Server    ServerConfig    `yaml:"server"`
	Auth      AuthConfig      `yaml:"auth"`
}

// DatabaseConfig holds connection settings for the event store.
type DatabaseConfig struct {
	Driver   string `yaml:"driver"`
	Path     string `yaml:"path"` // sqlite only
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"sslmode"` // postgres only
}

// RealtimeConfig controls change-feed polling and live channel resubscription.
type RealtimeConfig struct {
	PollInterval   time.Duration `yaml:"poll_interval"`
	Buffer         int           `yaml:"buffer"`
	ResubscribeMin time.Duration `yaml:"resubscribe_min"`
	ResubscribeMax time.Duration `yaml:"resubscribe_max"`
}

// ReconcileConfig schedules the sweep that rewrites cached pledge totals from the log.
type ReconcileConfig struct {
	Schedule string `yaml:"schedule"` // 5-field cron expression
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// AuthConfig holds the bearer-token secret. An empty secret trusts the
// X-User-ID header, which is only meant for local development.
type AuthConfig struct {
	Secret string `yaml:"secret"`
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = DriverSQLite
	}
	switch c.Database.Driver {
	case DriverSQLite:
		if c.Database.Path == "" {
			c.Database.Path = "donorlink.db"
		}
	case DriverMySQL:
		if c.Database.Host == "" {
			c.Database.Host = "127.0.0.1"
		}
		if c.Database.Port == 0 {
			c.Database.Port = 3306
		}
		if c.Database.User == "" {
			c.Database.User = "root"
		}
	case DriverPostgres:
		if c.Database.Host == "" {
			c.Database.Host = "127.0.0.1"
		}
		if c.Database.Port == 0 {
			c.Database.Port = 5432
		}
		if c.Database.User == "" {
			c.Database.User = "postgres"
		}
		if c.Database.SSLMode == "" {
			c.Database.SSLMode = "disable"
		}
	}
	if c.Database.Name == "" {
		c.Database.Name = "donorlink"
	}

	if c.Realtime.PollInterval <= 0 {
		c.Realtime.PollInterval = time.Second
	}
	if c.Realtime.Buffer <= 0 {
		c.Realtime.Buffer = 64
	}
	if c.Realtime.ResubscribeMin <= 0 {
		c.Realtime.ResubscribeMin = 250 * time.Millisecond
	}
	if c.Realtime.ResubscribeMax <= 0 {
		c.Realtime.ResubscribeMax = 10 * time.Second
	}

	if c.Reconcile.Schedule == "" {
		c.Reconcile.Schedule = "*/5 * * * *"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	switch c.Database.Driver {
	case DriverSQLite, DriverMySQL, DriverPostgres:
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q is not one of sqlite, mysql, postgres", c.Database.Driver))
	}
	if c.Database.Port < 0 || c.Database.Port > 65535 {
		errs = append(errs, fmt.Sprintf("database.port %d is out of range", c.Database.Port))
	}
	if c.Realtime.ResubscribeMax < c.Realtime.ResubscribeMin {
		errs = append(errs, "realtime.resubscribe_max must not be less than resubscribe_min")
	}
	if len(strings.Fields(c.Reconcile.Schedule)) != 5 {
		errs = append(errs, fmt.Sprintf("reconcile.schedule %q must have 5 fields", c.Reconcile.Schedule))
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port %d is out of range", c.Server.Port))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
