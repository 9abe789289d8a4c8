// Package config loads the process configuration from defaults, an
// optional file, CLUSTERFORGE_* environment variables and command flags,
// in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/openfroyo/clusterforge/pkg/telemetry"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable, e.g.
// CLUSTERFORGE_STORE_BACKEND.
const EnvPrefix = "CLUSTERFORGE"

// Config is the process configuration.
type Config struct {
	// SecretKey encrypts secret fields. Empty stores them as plaintext.
	SecretKey string `mapstructure:"secret_key"`

	Store     StoreConfig      `mapstructure:"store"`
	Cache     CacheConfig      `mapstructure:"cache"`
	Reconcile ReconcileConfig  `mapstructure:"reconcile"`
	Workers   WorkersConfig    `mapstructure:"workers"`
	NATS      NATSConfig       `mapstructure:"nats"`
	Policy    PolicyConfig     `mapstructure:"policy"`
	HTTP      HTTPConfig       `mapstructure:"http"`
	Telemetry telemetry.Config `mapstructure:"telemetry"`
}

// StoreConfig selects the record store.
type StoreConfig struct {
	Backend string `mapstructure:"backend" validate:"oneof=etcd badger sqlite"`

	// Prefix is the root of every record key.
	Prefix string `mapstructure:"prefix" validate:"required,startswith=/"`

	Etcd struct {
		Endpoints   []string      `mapstructure:"endpoints"`
		Username    string        `mapstructure:"username"`
		Password    string        `mapstructure:"password"`
		DialTimeout time.Duration `mapstructure:"dial_timeout"`
	} `mapstructure:"etcd"`

	Badger struct {
		Path     string `mapstructure:"path"`
		InMemory bool   `mapstructure:"in_memory"`
	} `mapstructure:"badger"`

	SQLite struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"sqlite"`
}

// CacheConfig selects the shared cache holding locks and refreshed status.
type CacheConfig struct {
	Backend string `mapstructure:"backend" validate:"oneof=redis memory"`

	Redis struct {
		Addr          string   `mapstructure:"addr"`
		Password      string   `mapstructure:"password"`
		DB            int      `mapstructure:"db" validate:"gte=0"`
		MasterName    string   `mapstructure:"master_name"`
		SentinelAddrs []string `mapstructure:"sentinel_addrs"`
		KeyPrefix     string   `mapstructure:"key_prefix"`
	} `mapstructure:"redis"`

	// CleanupInterval purges expired entries of the memory cache.
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
}

// ReconcileConfig tunes the periodic refresh.
type ReconcileConfig struct {
	Interval         time.Duration `mapstructure:"interval" validate:"gte=1s"`
	DefaultNamespace string        `mapstructure:"default_namespace" validate:"required"`
	Concurrency      int           `mapstructure:"concurrency" validate:"gte=1"`
	TaskTimeout      time.Duration `mapstructure:"task_timeout" validate:"gt=0"`
	LockTTL          time.Duration `mapstructure:"lock_ttl" validate:"gt=0"`
	CacheTTL         time.Duration `mapstructure:"cache_ttl" validate:"gt=0"`
	ProvisionTimeout time.Duration `mapstructure:"provision_timeout" validate:"gte=0"`
}

// WorkersConfig sizes the in-process worker pool.
type WorkersConfig struct {
	Count     int `mapstructure:"count" validate:"gte=1"`
	QueueSize int `mapstructure:"queue_size" validate:"gte=0"`

	// MaxRetries applies to retryable backend errors. Jobs that hit their
	// deadline are never retried.
	MaxRetries  int           `mapstructure:"max_retries" validate:"gte=0"`
	BaseBackoff time.Duration `mapstructure:"base_backoff"`
}

// NATSConfig enables distributing jobs to remote workers. An empty URL
// keeps every job in process.
type NATSConfig struct {
	URL     string `mapstructure:"url" validate:"omitempty,url"`
	Subject string `mapstructure:"subject"`
	Queue   string `mapstructure:"queue"`
}

// PolicyConfig locates additional authorization rules.
type PolicyConfig struct {
	Dir   string `mapstructure:"dir"`
	Watch bool   `mapstructure:"watch"`
}

// HTTPConfig configures the client engines use to reach their backends.
type HTTPConfig struct {
	Timeout time.Duration `mapstructure:"timeout" validate:"gt=0"`
}

// SetDefaults registers every key with its default. Keys without a
// default are invisible to AutomaticEnv.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("secret_key", "")

	v.SetDefault("store.backend", "badger")
	v.SetDefault("store.prefix", "/clusterforge")
	v.SetDefault("store.etcd.endpoints", []string{"localhost:2379"})
	v.SetDefault("store.etcd.username", "")
	v.SetDefault("store.etcd.password", "")
	v.SetDefault("store.etcd.dial_timeout", 5*time.Second)
	v.SetDefault("store.badger.path", "./data/badger")
	v.SetDefault("store.badger.in_memory", false)
	v.SetDefault("store.sqlite.path", "./data/clusterforge.db")

	v.SetDefault("cache.backend", "memory")
	v.SetDefault("cache.redis.addr", "localhost:6379")
	v.SetDefault("cache.redis.password", "")
	v.SetDefault("cache.redis.db", 0)
	v.SetDefault("cache.redis.master_name", "")
	v.SetDefault("cache.redis.sentinel_addrs", []string{})
	v.SetDefault("cache.redis.key_prefix", "clusterforge:")
	v.SetDefault("cache.cleanup_interval", time.Minute)

	v.SetDefault("reconcile.interval", 30*time.Second)
	v.SetDefault("reconcile.default_namespace", "default")
	v.SetDefault("reconcile.concurrency", 4)
	v.SetDefault("reconcile.task_timeout", 30*time.Second)
	v.SetDefault("reconcile.lock_ttl", 60*time.Second)
	v.SetDefault("reconcile.cache_ttl", 30*time.Second)
	v.SetDefault("reconcile.provision_timeout", time.Hour)

	v.SetDefault("workers.count", 10)
	v.SetDefault("workers.queue_size", 0)
	v.SetDefault("workers.max_retries", 0)
	v.SetDefault("workers.base_backoff", time.Second)

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.subject", "clusterforge.tasks")
	v.SetDefault("nats.queue", "clusterforge-workers")

	v.SetDefault("policy.dir", "")
	v.SetDefault("policy.watch", false)

	v.SetDefault("http.timeout", 30*time.Second)

	tel := telemetry.DefaultConfig()
	v.SetDefault("telemetry.service_name", tel.ServiceName)
	v.SetDefault("telemetry.service_version", tel.ServiceVersion)
	v.SetDefault("telemetry.environment", tel.Environment)
	v.SetDefault("telemetry.logging.level", tel.Logging.Level)
	v.SetDefault("telemetry.logging.format", tel.Logging.Format)
	v.SetDefault("telemetry.logging.output", tel.Logging.Output)
	v.SetDefault("telemetry.logging.caller", tel.Logging.EnableCaller)
	v.SetDefault("telemetry.logging.sampling", tel.Logging.EnableSampling)
	v.SetDefault("telemetry.logging.sampling_initial", tel.Logging.SamplingInitial)
	v.SetDefault("telemetry.logging.sampling_thereafter", tel.Logging.SamplingThereafter)
	v.SetDefault("telemetry.tracing.enabled", tel.Tracing.Enabled)
	v.SetDefault("telemetry.tracing.exporter", tel.Tracing.Exporter)
	v.SetDefault("telemetry.tracing.endpoint", tel.Tracing.Endpoint)
	v.SetDefault("telemetry.tracing.sampling_rate", tel.Tracing.SamplingRate)
	v.SetDefault("telemetry.tracing.export_timeout", tel.Tracing.ExportTimeout)
	v.SetDefault("telemetry.tracing.insecure", tel.Tracing.Insecure)
	v.SetDefault("telemetry.metrics.enabled", tel.Metrics.Enabled)
	v.SetDefault("telemetry.metrics.listen_address", tel.Metrics.ListenAddress)
	v.SetDefault("telemetry.metrics.path", tel.Metrics.Path)
	v.SetDefault("telemetry.metrics.namespace", tel.Metrics.Namespace)
	v.SetDefault("telemetry.metrics.buckets", tel.Metrics.Buckets)
}

// NewViper returns a viper instance with defaults and environment binding.
func NewViper() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the configuration. With an empty path the file is looked up
// as clusterforge.{yaml,toml,json} in the working directory,
// $HOME/.clusterforge and /etc/clusterforge, and may be absent.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("clusterforge")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.clusterforge")
		v.AddConfigPath("/etc/clusterforge")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	return Decode(v)
}

// Decode unmarshals and validates the current state of v.
func Decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var validate = validator.New()

// Validate checks field rules and the requirements of the selected
// backends.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	switch c.Store.Backend {
	case "etcd":
		if len(c.Store.Etcd.Endpoints) == 0 {
			return errors.New("invalid configuration: store.etcd.endpoints is required for the etcd backend")
		}
	case "badger":
		if !c.Store.Badger.InMemory && c.Store.Badger.Path == "" {
			return errors.New("invalid configuration: store.badger.path is required unless in_memory is set")
		}
	case "sqlite":
		if c.Store.SQLite.Path == "" {
			return errors.New("invalid configuration: store.sqlite.path is required for the sqlite backend")
		}
	}

	if c.Cache.Backend == "redis" && c.Cache.Redis.Addr == "" && len(c.Cache.Redis.SentinelAddrs) == 0 {
		return errors.New("invalid configuration: cache.redis.addr is required for the redis backend")
	}

	if c.Reconcile.LockTTL < c.Reconcile.TaskTimeout {
		return fmt.Errorf("invalid configuration: reconcile.lock_ttl %s is shorter than reconcile.task_timeout %s",
			c.Reconcile.LockTTL, c.Reconcile.TaskTimeout)
	}

	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// Watch calls onChange with the new configuration every time the config
// file changes. Invalid edits are logged and skipped.
func Watch(v *viper.Viper, logger zerolog.Logger, onChange func(*Config)) {
	v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := Decode(v)
		if err != nil {
			logger.Error().Err(err).Str("file", e.Name).Msg("Ignoring invalid configuration change")
			return
		}
		logger.Info().Str("file", e.Name).Msg("Configuration reloaded")
		onChange(cfg)
	})
	v.WatchConfig()
}
