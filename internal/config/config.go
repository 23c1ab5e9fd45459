// Package config loads faa-sync settings from defaults, an optional YAML
// file, FAA_SYNC_* environment variables and command-line flags, in
// increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"io"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"faa_sync/internal/fetch"
	"faa_sync/internal/logging"
	"faa_sync/internal/storage"
)

// EnvPrefix prefixes every environment variable; store.sqlite.path is read
// from FAA_SYNC_STORE_SQLITE_PATH.
const EnvPrefix = "FAA_SYNC"

const redacted = "****"

// Config is the complete faa-sync configuration.
type Config struct {
	Source     SourceConfig     `mapstructure:"source" yaml:"source"`
	WorkDir    string           `mapstructure:"work_dir" yaml:"work_dir" validate:"required"`
	KeepRuns   int              `mapstructure:"keep_runs" yaml:"keep_runs" validate:"gte=0"`
	LockFile   string           `mapstructure:"lock_file" yaml:"lock_file"`
	Store      StoreConfig      `mapstructure:"store" yaml:"store"`
	Loader     LoaderConfig     `mapstructure:"loader" yaml:"loader"`
	ClickHouse ClickHouseConfig `mapstructure:"clickhouse" yaml:"clickhouse"`
	NATS       NATSConfig       `mapstructure:"nats" yaml:"nats"`
	Log        LogConfig        `mapstructure:"log" yaml:"log"`
	Metrics    MetricsConfig    `mapstructure:"metrics" yaml:"metrics"`
	API        APIConfig        `mapstructure:"api" yaml:"api"`
}

// SourceConfig describes the upstream archive download.
type SourceConfig struct {
	URL            string        `mapstructure:"url" yaml:"url" validate:"required,url"`
	Timeout        time.Duration `mapstructure:"timeout" yaml:"timeout" validate:"gt=0"`
	MaxAttempts    uint          `mapstructure:"max_attempts" yaml:"max_attempts" validate:"gte=1,lte=10"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff" yaml:"initial_backoff" validate:"gt=0"`
	UserAgent      string        `mapstructure:"user_agent" yaml:"user_agent"`
}

// StoreConfig selects and configures the relational store.
type StoreConfig struct {
	Driver   string         `mapstructure:"driver" yaml:"driver" validate:"oneof=sqlite postgres"`
	SQLite   SQLiteConfig   `mapstructure:"sqlite" yaml:"sqlite"`
	Postgres PostgresConfig `mapstructure:"postgres" yaml:"postgres"`
}

// SQLiteConfig configures the embedded store.
type SQLiteConfig struct {
	Path        string        `mapstructure:"path" yaml:"path"`
	BusyTimeout time.Duration `mapstructure:"busy_timeout" yaml:"busy_timeout" validate:"gte=0"`
}

// PostgresConfig configures the PostgreSQL store. URL, when set, wins over
// the individual fields.
type PostgresConfig struct {
	URL      string `mapstructure:"url" yaml:"url"`
	Host     string `mapstructure:"host" yaml:"host"`
	Port     int    `mapstructure:"port" yaml:"port" validate:"gte=0,lte=65535"`
	Database string `mapstructure:"database" yaml:"database"`
	User     string `mapstructure:"user" yaml:"user"`
	Password string `mapstructure:"password" yaml:"password"`
}

// LoaderConfig tunes the loader.
type LoaderConfig struct {
	BatchSize int `mapstructure:"batch_size" yaml:"batch_size" validate:"gte=1,lte=100000"`
}

// ClickHouseConfig enables the run-history sink.
type ClickHouseConfig struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	Host     string `mapstructure:"host" yaml:"host"`
	Port     int    `mapstructure:"port" yaml:"port" validate:"gte=0,lte=65535"`
	Database string `mapstructure:"database" yaml:"database"`
	User     string `mapstructure:"user" yaml:"user"`
	Password string `mapstructure:"password" yaml:"password"`
}

// NATSConfig enables run-outcome events. An empty URL disables publishing.
type NATSConfig struct {
	URL     string `mapstructure:"url" yaml:"url" validate:"omitempty,url"`
	Subject string `mapstructure:"subject" yaml:"subject"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level" validate:"oneof=trace debug info warn warning error disabled"`
	Format string `mapstructure:"format" yaml:"format" validate:"oneof=json console"`
	Caller bool   `mapstructure:"caller" yaml:"caller"`
}

// MetricsConfig configures the node-exporter textfile written after a run.
// An empty path disables it.
type MetricsConfig struct {
	Textfile string `mapstructure:"textfile" yaml:"textfile"`
}

// APIConfig configures the lookup API server.
type APIConfig struct {
	Address     string        `mapstructure:"address" yaml:"address" validate:"required"`
	AuthEnabled bool          `mapstructure:"auth_enabled" yaml:"auth_enabled"`
	APIKeys     []string      `mapstructure:"api_keys" yaml:"api_keys"`
	RateLimit   float64       `mapstructure:"rate_limit" yaml:"rate_limit" validate:"gte=0"`
	RateBurst   int           `mapstructure:"rate_burst" yaml:"rate_burst" validate:"gte=0"`
	Timeout     time.Duration `mapstructure:"timeout" yaml:"timeout" validate:"gt=0"`
}

// Default returns the built-in configuration.
func Default() Config {
	sc := storage.DefaultConfig()
	fc := fetch.DefaultConfig()
	return Config{
		Source: SourceConfig{
			URL:            fetch.DefaultURL,
			Timeout:        fc.Timeout,
			MaxAttempts:    fc.MaxAttempts,
			InitialBackoff: fc.InitialBackoff,
			UserAgent:      fc.UserAgent,
		},
		WorkDir:  "data",
		KeepRuns: 3,
		Store: StoreConfig{
			Driver: sc.Driver,
			SQLite: SQLiteConfig{Path: sc.SQLite.Path, BusyTimeout: sc.SQLite.BusyTimeout},
			Postgres: PostgresConfig{
				Host:     sc.Postgres.Host,
				Port:     sc.Postgres.Port,
				Database: sc.Postgres.Database,
				User:     sc.Postgres.User,
				Password: sc.Postgres.Password,
			},
		},
		Loader: LoaderConfig{BatchSize: 2000},
		ClickHouse: ClickHouseConfig{
			Host:     "localhost",
			Port:     9000,
			Database: "faa_sync",
			User:     "default",
		},
		NATS: NATSConfig{Subject: "faa.registry.sync"},
		Log:  LogConfig{Level: "info", Format: logging.FormatJSON},
		API: APIConfig{
			Address:   ":8081",
			RateLimit: 20,
			RateBurst: 40,
			Timeout:   30 * time.Second,
		},
	}
}

// NewViper returns a viper instance with defaults registered and the
// environment bound.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v, Default())
	return v
}

// SetDefaults registers every key of def with v so that environment
// variables for those keys are seen by Unmarshal.
func SetDefaults(v *viper.Viper, def Config) {
	setDefaults(v, "", reflect.ValueOf(def))
}

func setDefaults(v *viper.Viper, prefix string, rv reflect.Value) {
	rt := rv.Type()
	for i := range rt.NumField() {
		f := rt.Field(i)
		key := f.Tag.Get("mapstructure")
		if key == "" {
			continue
		}
		if prefix != "" {
			key = prefix + "." + key
		}
		fv := rv.Field(i)
		if fv.Kind() == reflect.Struct {
			setDefaults(v, key, fv)
			continue
		}
		v.SetDefault(key, fv.Interface())
	}
}

// Load reads the optional YAML file at path into v, then unmarshals and
// validates the result.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("mapstructure"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks field constraints and the cross-field rules.
func (c *Config) Validate() error {
	var errs []error
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		for _, fe := range verrs {
			errs = append(errs, fieldError(fe))
		}
	}

	switch c.Store.Driver {
	case storage.DriverSQLite:
		if c.Store.SQLite.Path == "" {
			errs = append(errs, errors.New("store.sqlite.path: required for the sqlite driver"))
		}
	case storage.DriverPostgres:
		if c.Store.Postgres.URL == "" && c.Store.Postgres.Host == "" {
			errs = append(errs, errors.New("store.postgres.host: required for the postgres driver"))
		}
	}
	if c.ClickHouse.Enabled && c.ClickHouse.Host == "" {
		errs = append(errs, errors.New("clickhouse.host: required when clickhouse is enabled"))
	}
	if c.API.AuthEnabled && len(c.API.APIKeys) == 0 {
		errs = append(errs, errors.New("api.api_keys: at least one key is required when auth is enabled"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

func fieldError(fe validator.FieldError) error {
	key := fe.Namespace()
	if _, rest, ok := strings.Cut(key, "."); ok {
		key = rest
	}
	if fe.Param() != "" {
		return fmt.Errorf("%s: failed %s=%s (got %v)", key, fe.Tag(), fe.Param(), fe.Value())
	}
	return fmt.Errorf("%s: failed %s (got %v)", key, fe.Tag(), fe.Value())
}

// StorageConfig returns the store settings.
func (c *Config) StorageConfig() storage.Config {
	return storage.Config{
		Driver: c.Store.Driver,
		SQLite: storage.SQLiteConfig{
			Path:        c.Store.SQLite.Path,
			BusyTimeout: c.Store.SQLite.BusyTimeout,
		},
		Postgres: storage.PostgresConfig{
			URL:      c.Store.Postgres.URL,
			Host:     c.Store.Postgres.Host,
			Port:     c.Store.Postgres.Port,
			Database: c.Store.Postgres.Database,
			User:     c.Store.Postgres.User,
			Password: c.Store.Postgres.Password,
		},
	}
}

// ClickHouseStorageConfig returns the run-history sink settings.
func (c *Config) ClickHouseStorageConfig() storage.ClickHouseConfig {
	return storage.ClickHouseConfig{
		Host:     c.ClickHouse.Host,
		Port:     c.ClickHouse.Port,
		Database: c.ClickHouse.Database,
		User:     c.ClickHouse.User,
		Password: c.ClickHouse.Password,
	}
}

// FetchConfig returns the download settings.
func (c *Config) FetchConfig() fetch.Config {
	return fetch.Config{
		Timeout:        c.Source.Timeout,
		MaxAttempts:    c.Source.MaxAttempts,
		InitialBackoff: c.Source.InitialBackoff,
		UserAgent:      c.Source.UserAgent,
	}
}

// LoggingConfig returns the logger settings.
func (c *Config) LoggingConfig(out io.Writer) logging.Config {
	return logging.Config{
		Level:     c.Log.Level,
		Format:    c.Log.Format,
		Caller:    c.Log.Caller,
		Timestamp: true,
		Output:    out,
	}
}

// Redacted returns a copy with every secret masked.
func (c Config) Redacted() Config {
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return redacted
	}
	c.Store.Postgres.Password = mask(c.Store.Postgres.Password)
	c.ClickHouse.Password = mask(c.ClickHouse.Password)
	if c.Store.Postgres.URL != "" {
		c.Store.Postgres.URL = redacted
	}
	if len(c.API.APIKeys) > 0 {
		keys := make([]string, len(c.API.APIKeys))
		for i := range keys {
			keys[i] = redacted
		}
		c.API.APIKeys = keys
	}
	return c
}

// WriteYAML writes the redacted configuration to w.
func (c Config) WriteYAML(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(c.Redacted()); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return enc.Close()
}
