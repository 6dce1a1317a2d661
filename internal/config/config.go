// Package config loads the registry configuration from alexandrie.toml
// and the environment.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config is the full registry configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Index    IndexConfig    `mapstructure:"index"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Registry RegistryConfig `mapstructure:"registry"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// Addr returns the listen address.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DatabaseConfig configures the metadata store.
type DatabaseConfig struct {
	// URL selects the backend by scheme: postgres:// or sqlite://.
	URL string `mapstructure:"url"`
}

// IndexConfig configures the git-backed registry index.
type IndexConfig struct {
	Path        string `mapstructure:"path"`
	Remote      string `mapstructure:"remote"`
	AuthorName  string `mapstructure:"author_name"`
	AuthorEmail string `mapstructure:"author_email"`

	// DLTemplate and APIURL seed config.json when initializing a fresh
	// index. The template carries {crate} and {version} placeholders.
	DLTemplate string `mapstructure:"dl_template"`
	APIURL     string `mapstructure:"api_url"`
}

// StorageConfig selects and configures the crate blob store.
type StorageConfig struct {
	// Kind is "disk" or "s3".
	Kind string `mapstructure:"kind"`

	// Path is the root directory for the disk backend.
	Path string `mapstructure:"path"`

	// S3 backend parameters.
	Endpoint  string `mapstructure:"endpoint"`
	Bucket    string `mapstructure:"bucket"`
	Prefix    string `mapstructure:"prefix"`
	Region    string `mapstructure:"region"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
}

// RegistryConfig holds the publish and download policy knobs.
type RegistryConfig struct {
	// MaxCrateSize caps uploaded tarballs, in bytes.
	MaxCrateSize int64 `mapstructure:"max_crate_size"`

	// DownloadYanked permits downloading yanked versions.
	DownloadYanked bool `mapstructure:"download_yanked"`
}

// Load reads alexandrie.toml from the given path (or the working
// directory when empty), applying defaults and ALEXANDRIE_* environment
// overrides.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 3000)
	v.SetDefault("database.url", "sqlite://alexandrie.db")
	v.SetDefault("index.path", "crate-index")
	v.SetDefault("index.author_name", "Alexandrie")
	v.SetDefault("index.author_email", "alexandrie@localhost")
	v.SetDefault("index.dl_template", "http://127.0.0.1:3000/api/v1/crates/{crate}/{version}/download")
	v.SetDefault("index.api_url", "http://127.0.0.1:3000")
	v.SetDefault("storage.kind", "disk")
	v.SetDefault("storage.path", "crate-storage")
	v.SetDefault("registry.max_crate_size", 50<<20)
	v.SetDefault("registry.download_yanked", true)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("alexandrie")
		v.SetConfigType("toml")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("alexandrie")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		// No config file; defaults and environment apply.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func validate(cfg *Config) error {
	switch cfg.Storage.Kind {
	case "disk":
		if cfg.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for the disk backend")
		}
	case "s3":
		if cfg.Storage.Endpoint == "" || cfg.Storage.Bucket == "" {
			return fmt.Errorf("storage.endpoint and storage.bucket are required for the s3 backend")
		}
	default:
		return fmt.Errorf("unknown storage kind %q (want \"disk\" or \"s3\")", cfg.Storage.Kind)
	}
	if cfg.Registry.MaxCrateSize <= 0 {
		return fmt.Errorf("registry.max_crate_size must be positive")
	}
	if cfg.Database.URL == "" {
		return fmt.Errorf("database.url is required")
	}
	return nil
}
