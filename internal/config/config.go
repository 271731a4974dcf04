package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration.
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Database       DatabaseConfig       `yaml:"database"`
	Auth           AuthConfig           `yaml:"auth"`
	Engine         EngineConfig         `yaml:"engine"`
	Telemetry      TelemetryConfig      `yaml:"telemetry"`
	LeaderElection LeaderElectionConfig `yaml:"leader_election"`
}

// ServerConfig holds WebSocket and health server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	HealthPort      int           `yaml:"health_port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// WriteBuffer is the per-connection outbound queue size. A subscriber
	// whose queue stays full is evicted rather than blocking the engine.
	WriteBuffer int `yaml:"write_buffer"`
}

// DatabaseConfig holds database connection settings.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`
	Driver   string `yaml:"driver"` // "postgres" or "memory"
	// QueryTimeout bounds every engine write; on expiry the operation is
	// surfaced to the bidder as storage_failure.
	QueryTimeout time.Duration `yaml:"query_timeout"`
}

// DSN returns the Postgres connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// AuthConfig holds credential verification settings.
type AuthConfig struct {
	// Secret is the HMAC key shared with the auth service that issues
	// bearer tokens.
	Secret string `yaml:"secret"`
	// MaxFailures failed authentication attempts from one source address
	// within LockoutWindow lock that address out.
	MaxFailures   int           `yaml:"max_failures"`
	LockoutWindow time.Duration `yaml:"lockout_window"`
}

// EngineConfig holds auction engine tuning knobs.
type EngineConfig struct {
	// TickInterval is the lifecycle scheduler cadence.
	TickInterval time.Duration `yaml:"tick_interval"`
	// LaneQueueSize bounds the per-auction command queue.
	LaneQueueSize int `yaml:"lane_queue_size"`
	// SnapshotDepth is how many recent bids a join snapshot carries.
	SnapshotDepth int `yaml:"snapshot_depth"`
}

// TelemetryConfig holds OpenTelemetry settings.
type TelemetryConfig struct {
	ServiceName    string `yaml:"service_name"`
	ServiceVersion string `yaml:"service_version"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	Insecure       bool   `yaml:"insecure"`
}

// LeaderElectionConfig holds Kubernetes leader election settings.
type LeaderElectionConfig struct {
	Enabled        bool          `yaml:"enabled"`
	LeaseName      string        `yaml:"lease_name"`
	LeaseNamespace string        `yaml:"lease_namespace"`
	LeaseDuration  time.Duration `yaml:"lease_duration"`
	RenewDeadline  time.Duration `yaml:"renew_deadline"`
	RetryPeriod    time.Duration `yaml:"retry_period"`
}

// Load reads a YAML configuration file from the given path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Defaults()

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Defaults returns a Config populated with default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			HealthPort:      8081,
			ShutdownTimeout: 15 * time.Second,
			WriteBuffer:     64,
		},
		Database: DatabaseConfig{
			Host:         "localhost",
			Port:         5432,
			SSLMode:      "disable",
			Driver:       "postgres",
			QueryTimeout: 5 * time.Second,
		},
		Auth: AuthConfig{
			MaxFailures:   5,
			LockoutWindow: 15 * time.Minute,
		},
		Engine: EngineConfig{
			TickInterval:  time.Second,
			LaneQueueSize: 256,
			SnapshotDepth: 20,
		},
		Telemetry: TelemetryConfig{
			ServiceName:    "auctiond",
			ServiceVersion: "0.1.0",
		},
		LeaderElection: LeaderElectionConfig{
			Enabled:        false,
			LeaseName:      "auctiond-leader",
			LeaseNamespace: "default",
			LeaseDuration:  15 * time.Second,
			RenewDeadline:  10 * time.Second,
			RetryPeriod:    2 * time.Second,
		},
	}
}

// validate checks configuration invariants.
func (c *Config) validate() error {
	switch c.Database.Driver {
	case "postgres", "memory":
		// valid
	default:
		return fmt.Errorf("unsupported database driver %q: must be \"postgres\" or \"memory\"", c.Database.Driver)
	}
	if c.Auth.Secret == "" {
		return fmt.Errorf("auth.secret must be set")
	}
	if c.Engine.TickInterval <= 0 {
		return fmt.Errorf("engine.tick_interval must be positive")
	}
	if c.Engine.SnapshotDepth <= 0 {
		return fmt.Errorf("engine.snapshot_depth must be positive")
	}
	if c.Auth.MaxFailures <= 0 {
		return fmt.Errorf("auth.max_failures must be positive")
	}
	return nil
}
