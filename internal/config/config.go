package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// Config represents the complete application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server" envconfig:"SERVER"`
	Security SecurityConfig `yaml:"security" envconfig:"SECURITY"`
	Logging  LoggingConfig  `yaml:"logging" envconfig:"LOGGING"`
	Database DatabaseConfig `yaml:"database" envconfig:"DATABASE"`
	Protocol ProtocolConfig `yaml:"protocol" envconfig:"PROTOCOL"`
	Updates  UpdatesConfig  `yaml:"updates" envconfig:"UPDATES"`
	Apps     []AppConfig    `yaml:"apps"`
}

// AppConfig seeds an application and its signing secret. Only the in-memory
// mode reads these; with a database configured, apps live in the apps table.
type AppConfig struct {
	ID     string `yaml:"id"`
	Secret string `yaml:"secret"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port" envconfig:"PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT"`
	MaxHeaderBytes  int           `yaml:"max_header_bytes" envconfig:"MAX_HEADER_BYTES"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT"`
}

// SecurityConfig contains security-related configuration
type SecurityConfig struct {
	// AdminTokenHashes holds bcrypt hashes of accepted admin bearer tokens.
	// Each entry is "subject:bcrypt-hash".
	AdminTokenHashes []string        `yaml:"admin_token_hashes" envconfig:"ADMIN_TOKEN_HASHES"`
	RateLimit        RateLimitConfig `yaml:"rate_limit" envconfig:"RATE_LIMIT"`
}

// RateLimitConfig contains rate limiting configuration for the
// verification endpoint.
type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled" envconfig:"ENABLED"`
	RPS     float64 `yaml:"rps" envconfig:"RPS"`
	Burst   int     `yaml:"burst" envconfig:"BURST"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level    string `yaml:"level" envconfig:"LEVEL"`
	Output   string `yaml:"output" envconfig:"OUTPUT"`
	FilePath string `yaml:"file_path" envconfig:"FILE_PATH"`
}

// DatabaseConfig contains the backing store configuration. An empty URL
// selects the in-memory stores, which is the mode the test suite runs in.
type DatabaseConfig struct {
	URL          string        `yaml:"url" envconfig:"URL"`
	QueryTimeout time.Duration `yaml:"query_timeout" envconfig:"QUERY_TIMEOUT"`
}

// ProtocolConfig contains the verification protocol parameters.
type ProtocolConfig struct {
	// FreshnessWindow is W: request timestamps outside [now-W, now+W] are
	// rejected as stale before the nonce store is consulted.
	FreshnessWindow time.Duration `yaml:"freshness_window" envconfig:"FRESHNESS_WINDOW"`
	// NonceSweepInterval drives the periodic purge of consumed nonces.
	// Correctness does not depend on it; lazy eviction alone is sufficient.
	NonceSweepInterval time.Duration `yaml:"nonce_sweep_interval" envconfig:"NONCE_SWEEP_INTERVAL"`
}

// UpdatesConfig contains update distribution configuration.
type UpdatesConfig struct {
	// PackagesDir is the root directory holding release artifacts referenced
	// by the release store.
	PackagesDir string `yaml:"packages_dir" envconfig:"PACKAGES_DIR"`
}

// defaultConfig returns the built-in defaults. File values overlay these,
// and explicit environment variables overlay both.
func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			MaxHeaderBytes:  1 << 20,
			ShutdownTimeout: 30 * time.Second,
		},
		Security: SecurityConfig{
			RateLimit: RateLimitConfig{Enabled: true, RPS: 100, Burst: 50},
		},
		Logging: LoggingConfig{
			Level:    "info",
			Output:   "console",
			FilePath: "logs/keygate.log",
		},
		Database: DatabaseConfig{QueryTimeout: 3 * time.Second},
		Protocol: ProtocolConfig{
			FreshnessWindow:    300 * time.Second,
			NonceSweepInterval: 5 * time.Minute,
		},
		Updates: UpdatesConfig{PackagesDir: "packages"},
	}
}

// Load loads configuration in three layers: built-in defaults, then an
// optional YAML config file, then environment variables. Later layers win.
// Defaults live in defaultConfig rather than struct tags because envconfig
// applies tag defaults over already-populated fields, which would clobber
// file values.
func Load() (*Config, error) {
	cfg := defaultConfig()

	configFile := getConfigFilePath()
	if _, err := os.Stat(configFile); err == nil {
		if err := loadFromFile(configFile, &cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := envconfig.Process("KEYGATE", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// loadFromFile overlays YAML file values onto cfg. Keys absent from the
// file leave the existing values untouched.
func loadFromFile(filePath string, cfg *Config) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// getConfigFilePath returns the config file path, overridable via env
func getConfigFilePath() string {
	if path := os.Getenv("KEYGATE_CONFIG_FILE"); path != "" {
		return path
	}
	return "config.yaml"
}

// validate checks configuration invariants at startup so a misconfigured
// instance refuses to serve rather than serving wrong verdicts.
func (c *Config) validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Protocol.FreshnessWindow <= 0 {
		return fmt.Errorf("freshness window must be positive, got %s", c.Protocol.FreshnessWindow)
	}
	if c.Database.QueryTimeout <= 0 {
		return fmt.Errorf("query timeout must be positive, got %s", c.Database.QueryTimeout)
	}
	if c.Security.RateLimit.Enabled && c.Security.RateLimit.RPS <= 0 {
		return fmt.Errorf("rate limit rps must be positive when enabled, got %f", c.Security.RateLimit.RPS)
	}
	for _, entry := range c.Security.AdminTokenHashes {
		if !strings.Contains(entry, ":") {
			return fmt.Errorf("admin token hash entry %q is not in subject:hash form", entry)
		}
	}
	for _, app := range c.Apps {
		if app.ID == "" || app.Secret == "" {
			return fmt.Errorf("app fixture entries need both id and secret")
		}
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}
	return nil
}
