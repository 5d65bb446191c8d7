package mitmca

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete certificate authority configuration.
type Config struct {
	// Storage configuration
	Storage StorageConfig `mapstructure:"storage"`

	// CA (root certificate) configuration
	CA CAConfig `mapstructure:"ca"`

	// Leaf (issued host certificate) configuration
	Leaf LeafConfig `mapstructure:"leaf"`

	// Admin API configuration
	Admin AdminConfig `mapstructure:"admin"`

	// Logging configuration
	Logging LoggingConfig `mapstructure:"logging"`
}

// StorageConfig contains key material storage settings.
type StorageConfig struct {
	// Dir is the directory holding ca.crt and ca_key.pem. Empty means
	// the platform default (see DefaultStoreDir).
	Dir string `mapstructure:"dir"`
}

// CAConfig contains root certificate settings.
type CAConfig struct {
	// Organization name for regenerated roots and issued leaves
	Organization string `mapstructure:"organization"`

	// ValidityDays for regenerated root certificates
	ValidityDays int `mapstructure:"validity_days"`
}

// LeafConfig contains issued-certificate settings.
type LeafConfig struct {
	// ValidityDays for issued host certificates
	ValidityDays int `mapstructure:"validity_days"`

	// ServerKeyBits is the RSA size of the shared leaf key pair
	ServerKeyBits int `mapstructure:"server_key_bits"`
}

// AdminConfig contains admin API settings.
type AdminConfig struct {
	// Addr to serve the admin API on (empty disables it)
	Addr string `mapstructure:"addr"`

	// PathPrefix for admin routes (default "/api")
	PathPrefix string `mapstructure:"path_prefix"`

	// MetricsEnabled exposes /metrics on the admin listener
	MetricsEnabled bool `mapstructure:"metrics_enabled"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	// Level is the log level: debug, info, warn, error
	Level string `mapstructure:"level"`

	// Format is the log format: text, json
	Format string `mapstructure:"format"`

	// Output is where to write logs: stdout, stderr, or file path
	Output string `mapstructure:"output"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		CA: CAConfig{
			Organization: DefaultOrganization,
			ValidityDays: DefaultRootValidityDays,
		},
		Leaf: LeafConfig{
			ValidityDays:  365,
			ServerKeyBits: defaultServerKeyBits,
		},
		Admin: AdminConfig{
			PathPrefix:     "/api",
			MetricsEnabled: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
	}
}

// LoadConfig loads configuration from file, environment, and defaults.
// It searches for config files in the following order:
// 1. Explicit path (if provided)
// 2. ./mitmca.yaml, ./mitmca.yml, ./mitmca.json, ./mitmca.toml
// 3. $HOME/.mitmca/config.yaml
// 4. /etc/mitmca/config.yaml
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigName("mitmca")
	v.SetConfigType("yaml")

	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.mitmca")
	v.AddConfigPath("/etc/mitmca")

	v.SetEnvPrefix("MITMCA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Config file not found is OK - use defaults
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}

// LoadConfigFromReader loads configuration from raw bytes.
// Useful for testing or embedded configs.
func LoadConfigFromReader(configType string, data []byte) (*Config, error) {
	v := viper.New()

	setDefaults(v)
	v.SetConfigType(configType)

	if err := v.ReadConfig(strings.NewReader(string(data))); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	defaults := DefaultConfig()

	v.SetDefault("storage.dir", defaults.Storage.Dir)

	v.SetDefault("ca.organization", defaults.CA.Organization)
	v.SetDefault("ca.validity_days", defaults.CA.ValidityDays)

	v.SetDefault("leaf.validity_days", defaults.Leaf.ValidityDays)
	v.SetDefault("leaf.server_key_bits", defaults.Leaf.ServerKeyBits)

	v.SetDefault("admin.addr", defaults.Admin.Addr)
	v.SetDefault("admin.path_prefix", defaults.Admin.PathPrefix)
	v.SetDefault("admin.metrics_enabled", defaults.Admin.MetricsEnabled)

	v.SetDefault("logging.level", defaults.Logging.Level)
	v.SetDefault("logging.format", defaults.Logging.Format)
	v.SetDefault("logging.output", defaults.Logging.Output)
}

// BuildAuthority creates an Authority from the configuration. The store
// directory falls back to the platform default when unset.
func (c *Config) BuildAuthority() (*Authority, error) {
	dir := c.Storage.Dir
	if dir == "" {
		d, err := DefaultStoreDir()
		if err != nil {
			return nil, err
		}
		dir = d
	}

	a := NewAuthority(NewStore(dir))
	if c.CA.Organization != "" {
		a.Organization = c.CA.Organization
	}
	if c.CA.ValidityDays > 0 {
		a.RootValidityDays = c.CA.ValidityDays
	}
	if c.Leaf.ValidityDays > 0 {
		a.LeafValidity = time.Duration(c.Leaf.ValidityDays) * 24 * time.Hour
	}
	if c.Leaf.ServerKeyBits > 0 {
		a.ServerKeyBits = c.Leaf.ServerKeyBits
	}

	return a, nil
}

// WriteExampleConfig writes an example configuration file.
func WriteExampleConfig(path string) error {
	example := `# mitmca - MITM proxy certificate authority configuration
# See https://github.com/acmacalister/mitmca for documentation

storage:
  # Directory for ca.crt and ca_key.pem.
  # Empty means the platform config dir, e.g. ~/.config/mitmca
  dir: ""

ca:
  # Organization name stamped on regenerated roots and issued leaves
  organization: "MITMCA Proxy"

  # Validity period for regenerated root certificates
  validity_days: 825

leaf:
  # Validity period for issued host certificates
  validity_days: 365

  # RSA size of the shared server key pair
  server_key_bits: 2048

admin:
  # Address to serve the admin API on (empty disables it)
  addr: "127.0.0.1:8443"

  # URL path prefix for admin routes
  path_prefix: "/api"

  # Expose Prometheus /metrics on the admin listener
  metrics_enabled: true

logging:
  # Log level: debug, info, warn, error
  level: "info"

  # Log format: text, json
  format: "text"

  # Output: stdout, stderr, or file path
  output: "stderr"
`

	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create directory: %w", err)
		}
	}

	return os.WriteFile(path, []byte(example), 0644)
}
