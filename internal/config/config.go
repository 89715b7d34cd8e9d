// Package config loads the process configuration with viper: defaults in
// code, an optional YAML file, then EXPENSESYNC_* environment variables.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/viper"

	"expensesync/internal/domain"
	"expensesync/internal/logging"
	"expensesync/internal/storage"
)

const (
	envPrefix  = "EXPENSESYNC"
	configName = "expensesync"
	appDir     = ".expensesync"
)

// Config is the full process configuration.
type Config struct {
	API     APIConfig                 `mapstructure:"api"`
	Storage storage.Config            `mapstructure:"storage"`
	Sync    SyncConfig                `mapstructure:"sync"`
	Session SessionConfig             `mapstructure:"session"`
	Log     logging.Config            `mapstructure:"log"`
	Sources []domain.SourceDescriptor `mapstructure:"sources"`

	// File is the config file that was read, if any.
	File string `mapstructure:"-"`
}

// APIConfig describes the remote expense service.
type APIConfig struct {
	BaseURL           string            `mapstructure:"base_url"`
	Timeout           time.Duration     `mapstructure:"timeout"`
	RequestsPerSecond float64           `mapstructure:"requests_per_second"`
	Headers           map[string]string `mapstructure:"headers"`
	ReceiptEndpoint   string            `mapstructure:"receipt_endpoint"`
}

// SyncConfig holds run-level defaults.
type SyncConfig struct {
	Delay             time.Duration `mapstructure:"delay"`
	Schedule          string        `mapstructure:"schedule"`
	SkipFailed        bool          `mapstructure:"skip_failed"`
	DefaultTimeout    time.Duration `mapstructure:"default_timeout"`
	DefaultMaxRetries int           `mapstructure:"default_max_retries"`
}

// SessionConfig picks where the bearer token lives.
type SessionConfig struct {
	Backend string `mapstructure:"backend"` // "file" | "keychain"
	Path    string `mapstructure:"path"`
}

// Dir returns the per-user application directory.
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return appDir
	}
	return filepath.Join(home, appDir)
}

// SetDefaults registers every default value on v.
func SetDefaults(v *viper.Viper) {
	dir := Dir()

	v.SetDefault("api.base_url", "http://localhost:8080")
	v.SetDefault("api.timeout", "30s")
	v.SetDefault("api.requests_per_second", 0)
	v.SetDefault("api.receipt_endpoint", "/api/receipts/extract")

	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.path", filepath.Join(dir, "expensesync.db"))

	v.SetDefault("sync.delay", "1s")
	v.SetDefault("sync.schedule", "")
	v.SetDefault("sync.skip_failed", false)
	v.SetDefault("sync.default_timeout", "0s")
	v.SetDefault("sync.default_max_retries", 2)

	v.SetDefault("session.backend", "file")
	v.SetDefault("session.path", filepath.Join(dir, "session.json"))

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")

	v.SetDefault("sources", DefaultSources())
}

// DefaultSources is the reference data every install syncs.
func DefaultSources() []map[string]any {
	return []map[string]any{
		{
			"name":              "departments",
			"display_name":      "Departments",
			"metadata_endpoint": "/api/departments/metadata",
			"data_endpoint":     "/api/departments",
			"table_name":        "departments",
			"required":          true,
		},
		{
			"name":              "currencies",
			"display_name":      "Currencies",
			"metadata_endpoint": "/api/currencies/metadata",
			"data_endpoint":     "/api/currencies",
			"table_name":        "currencies",
			"required":          true,
		},
		{
			"name":              "expense_items",
			"display_name":      "Expense Items",
			"metadata_endpoint": "/api/expense-items/metadata",
			"data_endpoint":     "/api/expense-items",
			"table_name":        "expense_items",
			"required":          false,
		},
	}
}

// NewViper returns a viper instance with defaults and environment binding.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)
	return v
}

// Load reads path, or when empty searches ./expensesync.yaml and
// ~/.expensesync/expensesync.yaml. A missing search-path file is not an error.
func Load(path string) (*Config, error) {
	v := NewViper()
	v.SetConfigType("yaml")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config %s", path)
		}
	} else {
		v.SetConfigName(configName)
		v.AddConfigPath(".")
		v.AddConfigPath(Dir())
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, errors.Wrap(err, "read config")
			}
		}
	}

	cfg, err := LoadWithViper(v)
	if err != nil {
		return nil, err
	}
	cfg.File = v.ConfigFileUsed()
	return cfg, nil
}

// LoadWithViper decodes, fills per-source defaults and validates.
func LoadWithViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	cfg.applySourceDefaults(explicitSourceKeys(v))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applySourceDefaults fills table names and, for sources that leave them
// unset, the run-level timeout and retry defaults. An explicit 0 is kept.
func (c *Config) applySourceDefaults(explicit []map[string]bool) {
	isSet := func(i int, key string) bool {
		return i < len(explicit) && explicit[i][key]
	}
	for i := range c.Sources {
		s := &c.Sources[i]
		if s.TableName == "" {
			s.TableName = s.Name
		}
		if !isSet(i, "timeout") {
			s.Timeout = c.Sync.DefaultTimeout
		}
		if !isSet(i, "max_retries") {
			s.MaxRetries = c.Sync.DefaultMaxRetries
		}
	}
}

// explicitSourceKeys lists, per source entry, the keys present in the raw
// config. viper.IsSet cannot see into list elements.
func explicitSourceKeys(v *viper.Viper) []map[string]bool {
	var entries []map[string]any
	switch raw := v.Get("sources").(type) {
	case []map[string]any:
		entries = raw
	case []any:
		for _, e := range raw {
			switch m := e.(type) {
			case map[string]any:
				entries = append(entries, m)
			case map[any]any:
				conv := make(map[string]any, len(m))
				for k, val := range m {
					if ks, ok := k.(string); ok {
						conv[ks] = val
					}
				}
				entries = append(entries, conv)
			default:
				entries = append(entries, nil)
			}
		}
	}

	out := make([]map[string]bool, len(entries))
	for i, e := range entries {
		out[i] = make(map[string]bool, len(e))
		for k := range e {
			out[i][strings.ToLower(k)] = true
		}
	}
	return out
}

// Validate checks the values that cannot be defaulted.
func (c *Config) Validate() error {
	if c.Sync.Delay < 0 {
		return errors.New("sync.delay must not be negative")
	}
	if c.API.Timeout < 0 {
		return errors.New("api.timeout must not be negative")
	}
	if c.API.RequestsPerSecond < 0 {
		return errors.New("api.requests_per_second must not be negative")
	}
	switch c.Session.Backend {
	case "", "file", "keychain":
	default:
		return errors.Newf("session.backend %q: want file or keychain", c.Session.Backend)
	}

	seen := make(map[string]bool, len(c.Sources))
	for i, s := range c.Sources {
		if s.Name == "" {
			return errors.Newf("sources[%d]: name is required", i)
		}
		if seen[s.Name] {
			return errors.Newf("sources[%d]: duplicate name %q", i, s.Name)
		}
		seen[s.Name] = true
		if s.DataEndpoint == "" {
			return errors.Newf("source %q: data_endpoint is required", s.Name)
		}
		if s.MaxRetries < 0 {
			return errors.Newf("source %q: max_retries must not be negative", s.Name)
		}
	}
	return nil
}

// Source returns the descriptor named name.
func (c *Config) Source(name string) (domain.SourceDescriptor, bool) {
	for _, s := range c.Sources {
		if s.Name == name {
			return s, true
		}
	}
	return domain.SourceDescriptor{}, false
}
