// Package config loads membank configuration from membank.yaml plus
// MEMBANK_* environment overrides. Environment variables win over file
// values; both win over defaults.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// ConfigFileName is the file looked up in the bank directory.
const ConfigFileName = "membank.yaml"

// Storage backend names accepted in config.
const (
	BackendDoltEmbedded = "dolt"
	BackendDoltServer   = "dolt-server"
	BackendMemory       = "memory"
)

// Embedding provider names accepted in config.
const (
	ProviderOpenAI = "openai"
	ProviderOllama = "ollama"
	ProviderNone   = "none"
)

// Config is the full membank configuration.
type Config struct {
	Storage   StorageConfig   `yaml:"storage" mapstructure:"storage"`
	Embedding EmbeddingConfig `yaml:"embedding" mapstructure:"embedding"`
	Query     QueryConfig     `yaml:"query" mapstructure:"query"`

	// Actor is recorded on proof rows.
	Actor string `yaml:"actor" mapstructure:"actor" validate:"max=100"`
}

// StorageConfig selects and configures the relational backend.
type StorageConfig struct {
	Backend  string `yaml:"backend" mapstructure:"backend" validate:"oneof=dolt dolt-server memory"`
	Path     string `yaml:"path" mapstructure:"path"`
	Database string `yaml:"database" mapstructure:"database" validate:"omitempty,max=64"`
	Branch   string `yaml:"branch" mapstructure:"branch"`

	CommitterName  string `yaml:"committer-name" mapstructure:"committer-name"`
	CommitterEmail string `yaml:"committer-email" mapstructure:"committer-email" validate:"omitempty,email"`

	ServerHost     string `yaml:"server-host" mapstructure:"server-host"`
	ServerPort     int    `yaml:"server-port" mapstructure:"server-port" validate:"min=0,max=65535"`
	ServerUser     string `yaml:"server-user" mapstructure:"server-user"`
	ServerPassword string `yaml:"server-password" mapstructure:"server-password"`
	ServerTLS      bool   `yaml:"server-tls" mapstructure:"server-tls"`
}

// EmbeddingConfig selects and configures the embedding provider.
type EmbeddingConfig struct {
	Provider string `yaml:"provider" mapstructure:"provider" validate:"oneof=openai ollama none"`
	Model    string `yaml:"model" mapstructure:"model"`
	Endpoint string `yaml:"endpoint" mapstructure:"endpoint" validate:"omitempty,url"`
	APIKey   string `yaml:"api-key" mapstructure:"api-key"`
	Dims     int    `yaml:"dims" mapstructure:"dims" validate:"min=0,max=8192"`

	// MaxAttempts bounds embedding retries per call, first try included.
	MaxAttempts int `yaml:"max-attempts" mapstructure:"max-attempts" validate:"min=0,max=20"`
}

// QueryConfig tunes retrieval behavior.
type QueryConfig struct {
	// TopK caps semantic query results when the caller does not specify.
	TopK int `yaml:"top-k" mapstructure:"top-k" validate:"min=0,max=1000"`

	// RebuildWorkers bounds concurrency during full index rebuilds.
	RebuildWorkers int `yaml:"rebuild-workers" mapstructure:"rebuild-workers" validate:"min=0,max=64"`
}

// Default returns the configuration used when no file or env overrides
// are present: embedded Dolt under dir, embeddings disabled.
func Default(dir string) *Config {
	return &Config{
		Storage: StorageConfig{
			Backend:  BackendDoltEmbedded,
			Path:     filepath.Join(dir, "dolt"),
			Database: "membank",
		},
		Embedding: EmbeddingConfig{
			Provider:    ProviderNone,
			MaxAttempts: 3,
		},
		Query: QueryConfig{
			TopK:           10,
			RebuildWorkers: 4,
		},
		Actor: "membank",
	}
}

// Load reads configuration for the given bank directory. A missing
// membank.yaml is not an error; env overrides still apply.
func Load(dir string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(filepath.Join(dir, ConfigFileName))

	v.SetEnvPrefix("MEMBANK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	cfg := Default(dir)
	setDefaults(v, cfg)

	if err := v.ReadInConfig(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: read %s: %w", ConfigFileName, err)
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults seeds viper so env-only overrides merge onto defaults.
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("storage.backend", cfg.Storage.Backend)
	v.SetDefault("storage.path", cfg.Storage.Path)
	v.SetDefault("storage.database", cfg.Storage.Database)
	v.SetDefault("storage.branch", cfg.Storage.Branch)
	v.SetDefault("storage.committer-name", cfg.Storage.CommitterName)
	v.SetDefault("storage.committer-email", cfg.Storage.CommitterEmail)
	v.SetDefault("storage.server-host", cfg.Storage.ServerHost)
	v.SetDefault("storage.server-port", cfg.Storage.ServerPort)
	v.SetDefault("storage.server-user", cfg.Storage.ServerUser)
	v.SetDefault("storage.server-password", cfg.Storage.ServerPassword)
	v.SetDefault("storage.server-tls", cfg.Storage.ServerTLS)
	v.SetDefault("embedding.provider", cfg.Embedding.Provider)
	v.SetDefault("embedding.model", cfg.Embedding.Model)
	v.SetDefault("embedding.endpoint", cfg.Embedding.Endpoint)
	v.SetDefault("embedding.api-key", cfg.Embedding.APIKey)
	v.SetDefault("embedding.dims", cfg.Embedding.Dims)
	v.SetDefault("embedding.max-attempts", cfg.Embedding.MaxAttempts)
	v.SetDefault("query.top-k", cfg.Query.TopK)
	v.SetDefault("query.rebuild-workers", cfg.Query.RebuildWorkers)
	v.SetDefault("actor", cfg.Actor)
}

var validate = validator.New()

// Validate checks field constraints declared on the config structs.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// Save writes the configuration to dir/membank.yaml.
func (c *Config) Save(dir string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	path := filepath.Join(dir, ConfigFileName)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}
