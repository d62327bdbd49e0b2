// ABOUTME: Configuration loading and parsing for comcenter
// ABOUTME: Supports YAML or TOML files with .env loading, environment variable expansion and duration parsing

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Server transport types.
const (
	ServerTCP   = "tcp"
	ServerTLS   = "tls"
	ServerHTTP  = "http"
	ServerHTTPS = "https"
	ServerGRPC  = "grpc"
)

// Network connector types.
const (
	NetworkLoopback = "loopback"
	NetworkMatrix   = "matrix"
	NetworkHome     = "home"
)

// Database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config represents the complete comcenter configuration
type Config struct {
	Servers   []ServerConfig  `yaml:"servers" toml:"servers"`
	HTTP      HTTPConfig      `yaml:"http" toml:"http"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	Limits    LimitsConfig    `yaml:"limits" toml:"limits"`
	Networks  []NetworkConfig `yaml:"networks" toml:"networks"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics" toml:"metrics"`
}

// ServerConfig is one listener
type ServerConfig struct {
	Type     string `yaml:"type" toml:"type"`
	Addr     string `yaml:"addr" toml:"addr"`
	CertFile string `yaml:"cert_file" toml:"cert_file"`
	KeyFile  string `yaml:"key_file" toml:"key_file"`
}

// HTTPConfig holds paths served next to the JSON-RPC endpoint on http listeners
type HTTPConfig struct {
	HealthPath  string `yaml:"health_path" toml:"health_path"`
	MetricsPath string `yaml:"metrics_path" toml:"metrics_path"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
}

// DatabaseConfig holds credential store configuration
type DatabaseConfig struct {
	Driver string `yaml:"driver" toml:"driver"`
	Path   string `yaml:"path" toml:"path"`
	DSN    string `yaml:"dsn" toml:"dsn"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	Token TokenConfig `yaml:"token" toml:"token"`
}

// TokenConfig holds session token signing configuration
type TokenConfig struct {
	Secret    string        `yaml:"secret" toml:"secret"`
	Algorithm string        `yaml:"algorithm" toml:"algorithm"`
	ExpiresIn time.Duration `yaml:"-" toml:"-"`

	// Raw string value for unmarshaling
	ExpiresInRaw string `yaml:"expires_in" toml:"expires_in"`
}

// LimitsConfig holds per-client rate limiting configuration
type LimitsConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second" toml:"requests_per_second"`
	Burst             int     `yaml:"burst" toml:"burst"`
	MaxClients        int     `yaml:"max_clients" toml:"max_clients"`
}

// NetworkConfig activates one connector under a network name
type NetworkConfig struct {
	Name   string              `yaml:"name" toml:"name"`
	Type   string              `yaml:"type" toml:"type"`
	Matrix MatrixNetworkConfig `yaml:"matrix" toml:"matrix"`
	Home   HomeNetworkConfig   `yaml:"home" toml:"home"`
}

// MatrixNetworkConfig holds Matrix connector configuration
type MatrixNetworkConfig struct {
	Homeserver string `yaml:"homeserver" toml:"homeserver"`
}

// HomeNetworkConfig holds home hub connector configuration
type HomeNetworkConfig struct {
	Addr         string `yaml:"addr" toml:"addr"`
	Password     string `yaml:"password" toml:"password"`
	DB           int    `yaml:"db" toml:"db"`
	StreamPrefix string `yaml:"stream_prefix" toml:"stream_prefix"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool `yaml:"enabled" toml:"enabled"`
}

// DefaultPath returns the path to the config file.
// Priority: COMCENTER_CONFIG env var > XDG_CONFIG_HOME/comcenter/gateway.yaml > ~/.config/comcenter/gateway.yaml
func DefaultPath() string {
	if envPath := os.Getenv("COMCENTER_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "comcenter", "gateway.yaml")
}

// LoadDotEnv loads variables from a .env file into the process environment.
// A missing file is not an error. Variables already set are kept.
func LoadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are parsed as TOML, anything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw content
	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	cfg.applyDefaults()

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.HTTP.HealthPath == "" {
		c.HTTP.HealthPath = "/health"
	}
	if c.HTTP.MetricsPath == "" {
		c.HTTP.MetricsPath = "/metrics"
	}
	if c.Database.Driver == "" {
		c.Database.Driver = DriverSQLite
	}
	if c.Auth.Token.Algorithm == "" {
		c.Auth.Token.Algorithm = "HS256"
	}
	if c.Auth.Token.ExpiresInRaw == "" {
		c.Auth.Token.ExpiresInRaw = "24h"
	}
	if c.Limits.RequestsPerSecond == 0 {
		c.Limits.RequestsPerSecond = 20
	}
	if c.Limits.Burst == 0 {
		c.Limits.Burst = 40
	}
	if c.Limits.MaxClients == 0 {
		c.Limits.MaxClients = 10000
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// Listeners are required unless Tailscale provides them
	if len(c.Servers) == 0 && !c.Tailscale.Enabled {
		return fmt.Errorf("at least one entry in servers is required (or enable tailscale)")
	}

	for i, s := range c.Servers {
		switch s.Type {
		case ServerTCP, ServerHTTP, ServerGRPC:
		case ServerTLS, ServerHTTPS:
			if s.CertFile == "" || s.KeyFile == "" {
				return fmt.Errorf("servers[%d]: cert_file and key_file are required for %s", i, s.Type)
			}
		default:
			return fmt.Errorf("servers[%d]: unknown type %q", i, s.Type)
		}
		if s.Addr == "" {
			return fmt.Errorf("servers[%d]: addr is required", i)
		}
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	switch c.Database.Driver {
	case DriverSQLite:
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for sqlite")
		}
	case DriverPostgres:
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.Database.Driver)
	}

	if c.Auth.Token.Secret == "" {
		return fmt.Errorf("auth.token.secret is required")
	}
	switch c.Auth.Token.Algorithm {
	case "HS256", "HS384", "HS512":
	default:
		return fmt.Errorf("auth.token.algorithm must be HS256, HS384 or HS512, got %q", c.Auth.Token.Algorithm)
	}
	if c.Auth.Token.ExpiresIn <= 0 {
		return fmt.Errorf("auth.token.expires_in must be positive")
	}

	if c.Limits.RequestsPerSecond < 0 || c.Limits.Burst < 0 || c.Limits.MaxClients < 0 {
		return fmt.Errorf("limits must not be negative")
	}

	seen := make(map[string]bool, len(c.Networks))
	for i, n := range c.Networks {
		if n.Name == "" {
			return fmt.Errorf("networks[%d]: name is required", i)
		}
		if seen[n.Name] {
			return fmt.Errorf("networks[%d]: duplicate network name %q", i, n.Name)
		}
		seen[n.Name] = true

		switch n.Type {
		case NetworkLoopback:
		case NetworkMatrix:
			if n.Matrix.Homeserver == "" {
				return fmt.Errorf("networks[%d]: matrix.homeserver is required", i)
			}
		case NetworkHome:
			if n.Home.Addr == "" {
				return fmt.Errorf("networks[%d]: home.addr is required", i)
			}
		default:
			return fmt.Errorf("networks[%d]: unknown type %q", i, n.Type)
		}
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Auth.Token.ExpiresInRaw != "" {
		cfg.Auth.Token.ExpiresIn, err = time.ParseDuration(cfg.Auth.Token.ExpiresInRaw)
		if err != nil {
			return fmt.Errorf("parsing expires_in %q: %w", cfg.Auth.Token.ExpiresInRaw, err)
		}
	}

	return nil
}
