// Package config provides configuration management using Viper.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/terracat/terracat/internal/domain"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig     `mapstructure:"server"`
	Archive   ArchiveConfig    `mapstructure:"archive"`
	Catalog   CatalogConfig    `mapstructure:"catalog"`
	Drivers   DriversConfig    `mapstructure:"drivers"`
	Fetch     FetchConfig      `mapstructure:"fetch"`
	Rectify   RectifyConfig    `mapstructure:"rectify"`
	Providers []ProviderConfig `mapstructure:"providers"`
	TLS       TLSConfig        `mapstructure:"tls"`
	Metrics   MetricsConfig    `mapstructure:"metrics"`
	Logging   LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// ArchiveConfig holds the local archive layout.
type ArchiveConfig struct {
	// Root is the canonical archive tree: <root>/<driver>/tiles/...
	Root string `mapstructure:"root"`
	// Stage receives validated downloads before commit.
	Stage string `mapstructure:"stage"`
	// Scratch hosts scoped processing directories.
	Scratch string `mapstructure:"scratch"`
}

// CatalogConfig holds the SQLite catalog configuration.
type CatalogConfig struct {
	Path      string `mapstructure:"path"`
	BatchSize int    `mapstructure:"batch_size"`
}

// DriversConfig holds the driver definition directory.
type DriversConfig struct {
	Dir string `mapstructure:"dir"`
}

// FetchConfig holds acquisition tuning.
type FetchConfig struct {
	Timeout   time.Duration `mapstructure:"timeout"`
	Workers   int           `mapstructure:"workers"`
	CacheSize int           `mapstructure:"cache_size"`
}

// RectifyConfig holds reconciliation scheduling.
type RectifyConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	Watch    bool          `mapstructure:"watch"`
	Debounce time.Duration `mapstructure:"debounce"`
}

// ProviderConfig declares one remote provider adapter. Type selects
// the adapter; the remaining fields apply per type.
type ProviderConfig struct {
	Name string `mapstructure:"name"`
	Type string `mapstructure:"type"` // ftp, http, s3, azure, url

	// ftp / http / url
	Address  string        `mapstructure:"address"`
	BaseURL  string        `mapstructure:"base_url"`
	Username string        `mapstructure:"username"`
	Password string        `mapstructure:"password"`
	Timeout  time.Duration `mapstructure:"timeout"`
	Path     string        `mapstructure:"path"`

	// s3
	Bucket          string `mapstructure:"bucket"`
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`

	// azure
	Container        string `mapstructure:"container"`
	AccountName      string `mapstructure:"account_name"`
	AccountKey       string `mapstructure:"account_key"`
	ConnectionString string `mapstructure:"connection_string"`

	// s3 / azure
	Prefix string `mapstructure:"prefix"`

	// Patterns maps asset type to a filename regexp template.
	Patterns map[string]string `mapstructure:"patterns"`
	// URLs maps asset type to a full URL template (type url only).
	URLs map[string]string `mapstructure:"urls"`
}

// TLSConfig holds TLS/CertMagic configuration.
type TLSConfig struct {
	Enabled  bool      `mapstructure:"enabled"`
	Domains  []string  `mapstructure:"domains"`
	Email    string    `mapstructure:"email"`
	CacheDir string    `mapstructure:"cache_dir"`
	Staging  bool      `mapstructure:"staging"` // Use Let's Encrypt staging
	DNS      DNSConfig `mapstructure:"dns"`
}

// DNSConfig holds Azure DNS provider configuration for DNS-01
// challenges. An empty SubscriptionID selects HTTP-01.
type DNSConfig struct {
	SubscriptionID    string `mapstructure:"subscription_id"`
	ResourceGroupName string `mapstructure:"resource_group_name"`
	ClientID          string `mapstructure:"client_id"`
}

// MetricsConfig holds Prometheus metrics configuration.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json, text
}

// Defaults sets the default configuration values.
func Defaults() {
	// Server defaults
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout", 30*time.Second)
	viper.SetDefault("server.write_timeout", 30*time.Second)
	viper.SetDefault("server.shutdown_timeout", 10*time.Second)

	// Archive defaults
	viper.SetDefault("archive.root", "./data/archive")
	viper.SetDefault("archive.stage", "./data/stage")
	viper.SetDefault("archive.scratch", "./data/scratch")

	// Catalog defaults
	viper.SetDefault("catalog.path", "./data/catalog.db")
	viper.SetDefault("catalog.batch_size", 500)

	// Driver defaults
	viper.SetDefault("drivers.dir", "./drivers")

	// Fetch defaults
	viper.SetDefault("fetch.timeout", 5*time.Minute)
	viper.SetDefault("fetch.workers", 4)
	viper.SetDefault("fetch.cache_size", 4096)

	// Rectify defaults
	viper.SetDefault("rectify.interval", time.Hour)
	viper.SetDefault("rectify.watch", false)
	viper.SetDefault("rectify.debounce", 500*time.Millisecond)

	// TLS defaults
	viper.SetDefault("tls.enabled", false)
	viper.SetDefault("tls.cache_dir", "./.certmagic")
	viper.SetDefault("tls.staging", false)

	// Metrics defaults
	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.path", "/metrics")

	// Logging defaults
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
}

// Load loads configuration from environment and config file.
func Load(configPath string) (*Config, error) {
	Defaults()

	// Environment variable binding
	viper.SetEnvPrefix("TERRACAT")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Config file
	if configPath != "" {
		viper.SetConfigFile(configPath)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("./config")
		viper.AddConfigPath("/etc/terracat")
	}

	// Try to read config file (not required)
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Archive.Root == "" {
		return fmt.Errorf("archive root is required")
	}
	if c.Catalog.Path == "" {
		return fmt.Errorf("catalog path is required")
	}
	if c.Catalog.BatchSize < 0 {
		return fmt.Errorf("invalid catalog batch size: %d", c.Catalog.BatchSize)
	}

	if c.TLS.Enabled {
		if len(c.TLS.Domains) == 0 {
			return fmt.Errorf("TLS enabled but no domains specified")
		}
		if c.TLS.Email == "" {
			return fmt.Errorf("TLS enabled but no email specified")
		}
	}

	seen := make(map[string]bool)
	for i := range c.Providers {
		p := &c.Providers[i]
		if p.Name == "" {
			return fmt.Errorf("provider %d: name is required", i)
		}
		if seen[p.Name] {
			return fmt.Errorf("provider %q declared twice", p.Name)
		}
		seen[p.Name] = true

		switch p.Type {
		case "ftp":
			if p.Address == "" {
				return fmt.Errorf("provider %q: FTP address is required", p.Name)
			}
		case "http":
			if p.BaseURL == "" {
				return fmt.Errorf("provider %q: HTTP base URL is required", p.Name)
			}
		case "s3":
			if p.Bucket == "" {
				return fmt.Errorf("provider %q: S3 bucket is required", p.Name)
			}
			if p.Region == "" && p.Endpoint == "" {
				return fmt.Errorf("provider %q: S3 region or endpoint is required", p.Name)
			}
		case "azure":
			if p.Container == "" {
				return fmt.Errorf("provider %q: azure container is required", p.Name)
			}
			if p.AccountName == "" && p.ConnectionString == "" {
				return fmt.Errorf("provider %q: azure account name or connection string is required", p.Name)
			}
		case "url":
			if len(p.URLs) == 0 {
				return fmt.Errorf("provider %q: at least one URL template is required", p.Name)
			}
		default:
			return fmt.Errorf("provider %q: unknown type: %s", p.Name, p.Type)
		}
	}

	return nil
}

// Address returns the server address string.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// StageDir returns the stage directory, defaulting under the archive
// root.
func (c *ArchiveConfig) StageDir() string {
	if c.Stage != "" {
		return c.Stage
	}
	return filepath.Join(c.Root, ".stage")
}

// ScratchDir returns the scratch directory, defaulting under the
// archive root.
func (c *ArchiveConfig) ScratchDir() string {
	if c.Scratch != "" {
		return c.Scratch
	}
	return filepath.Join(c.Root, ".scratch")
}

// LoadDrivers reads every *.yaml driver definition in dir, compiles it
// and returns the set keyed by driver name.
func LoadDrivers(dir string) (map[string]*domain.DriverSpec, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading drivers dir: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext == ".yaml" || ext == ".yml" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	drivers := make(map[string]*domain.DriverSpec, len(names))
	for _, name := range names {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path) //#nosec G304 -- path comes from the configured drivers dir
		if err != nil {
			return nil, fmt.Errorf("reading driver %s: %w", name, err)
		}

		var spec domain.DriverSpec
		if err := yaml.Unmarshal(data, &spec); err != nil {
			return nil, fmt.Errorf("parsing driver %s: %w", name, err)
		}
		if err := spec.Compile(); err != nil {
			return nil, fmt.Errorf("driver %s: %w", name, err)
		}
		if _, dup := drivers[spec.Name]; dup {
			return nil, fmt.Errorf("driver %q declared twice", spec.Name)
		}
		drivers[spec.Name] = &spec
	}
	return drivers, nil
}
