// Package config loads and validates service configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Event publisher backends.
const (
	BackendKafka  = "kafka"
	BackendPubSub = "pubsub"
	BackendMemory = "memory"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Auth         AuthConfig         `mapstructure:"auth"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Tracing      TracingConfig      `mapstructure:"tracing"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Cache        CacheConfig        `mapstructure:"cache"`
	Kafka        KafkaConfig        `mapstructure:"kafka"`
	PubSub       PubSubConfig       `mapstructure:"pubsub"`
	Events       EventsConfig       `mapstructure:"events"`
	Admission    AdmissionConfig    `mapstructure:"admission"`
	Quota        QuotaConfig        `mapstructure:"quota"`
	Sync         SyncConfig         `mapstructure:"sync"`
	Agents       AgentsConfig       `mapstructure:"agents"`
	DomainPolicy DomainPolicyConfig `mapstructure:"domain_policy"`
	Worker       WorkerConfig       `mapstructure:"worker"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features and the minimum level.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TracingConfig installs the OpenTelemetry tracer provider and propagators.
type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
}

// DatabaseConfig controls access to Postgres. An empty DSN selects the
// in-memory repositories.
type DatabaseConfig struct {
	DSN            string `mapstructure:"dsn"`
	MaxConns       int32  `mapstructure:"max_conns"`
	MinConns       int32  `mapstructure:"min_conns"`
	MigrateOnStart bool   `mapstructure:"migrate_on_start"`
}

// RedisConfig points the cache at Redis. An empty Addr selects the
// in-memory cache store.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// CacheConfig tunes the stampede-preventing cache.
type CacheConfig struct {
	Namespace     string        `mapstructure:"namespace"`
	DefaultTTL    time.Duration `mapstructure:"default_ttl"`
	QuotaTTL      time.Duration `mapstructure:"quota_ttl"`
	JitterPercent float64       `mapstructure:"jitter_percent"`
	LockGCDelay   time.Duration `mapstructure:"lock_gc_delay"`
}

// KafkaConfig configures the broker client, topics and the usage consumer.
type KafkaConfig struct {
	Brokers             []string      `mapstructure:"brokers"`
	LifecycleTopic      string        `mapstructure:"lifecycle_topic"`
	UsageTopic          string        `mapstructure:"usage_topic"`
	UsageGroupID        string        `mapstructure:"usage_group_id"`
	Partitions          int           `mapstructure:"partitions"`
	ReplicationFactor   int           `mapstructure:"replication_factor"`
	EnsureTopicAttempts int           `mapstructure:"ensure_topic_attempts"`
	EnsureTopicDelay    time.Duration `mapstructure:"ensure_topic_delay"`
	ReconnectBackoff    time.Duration `mapstructure:"reconnect_backoff"`
	ConsumerEnabled     bool          `mapstructure:"consumer_enabled"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// EventsConfig selects the publisher backend.
type EventsConfig struct {
	Backend string `mapstructure:"backend"`
}

// AdmissionConfig bounds job requests.
type AdmissionConfig struct {
	MaxURLs               int            `mapstructure:"max_urls"`
	MinTimeoutSeconds     int            `mapstructure:"min_timeout_seconds"`
	MaxTimeoutSeconds     int            `mapstructure:"max_timeout_seconds"`
	DefaultTimeoutSeconds int            `mapstructure:"default_timeout_seconds"`
	MaxRetriesLimit       int            `mapstructure:"max_retries_limit"`
	ActiveJobCaps         map[string]int `mapstructure:"active_job_caps"`
	DefaultActiveJobCap   int            `mapstructure:"default_active_job_cap"`
}

// QuotaConfig holds the role-default limits.
type QuotaConfig struct {
	StudentDefault  int `mapstructure:"student_default"`
	LecturerDefault int `mapstructure:"lecturer_default"`
	StaffDefault    int `mapstructure:"staff_default"`
	AdminDefault    int `mapstructure:"admin_default"`
}

// SyncConfig drives the quota sync worker.
type SyncConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
	Interval        time.Duration `mapstructure:"interval"`
	PageSize        int           `mapstructure:"page_size"`
	AutoReset       bool          `mapstructure:"auto_reset"`
	ResetWindowDays int           `mapstructure:"reset_window_days"`
	BackoffInitial  time.Duration `mapstructure:"backoff_initial"`
	BackoffMax      time.Duration `mapstructure:"backoff_max"`
}

// AgentsConfig configures the crawl agents and their politeness.
type AgentsConfig struct {
	UserAgent        string  `mapstructure:"user_agent"`
	HeadlessEnabled  bool    `mapstructure:"headless_enabled"`
	HeadlessParallel int     `mapstructure:"headless_parallel"`
	PerDomainRPS     float64 `mapstructure:"per_domain_rps"`
	PerDomainBurst   int     `mapstructure:"per_domain_burst"`
	MaxBodyBytes     int     `mapstructure:"max_body_bytes"`
}

// DomainPolicyConfig lists hosts refused per tier and per role.
type DomainPolicyConfig struct {
	Enabled      bool                `mapstructure:"enabled"`
	BlockPrivate bool                `mapstructure:"block_private_hosts"`
	Blocked      []string            `mapstructure:"blocked"`
	ByTier       map[string][]string `mapstructure:"by_tier"`
	ByRole       map[string][]string `mapstructure:"by_role"`
}

// WorkerConfig sizes the execution pool.
type WorkerConfig struct {
	Concurrency int `mapstructure:"concurrency"`
	QueueDepth  int `mapstructure:"queue_depth"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLQUOTA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.request_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("auth.enabled", false)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("tracing.enabled", true)
	v.SetDefault("tracing.service_name", "crawlquota")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 1)
	v.SetDefault("database.migrate_on_start", false)
	v.SetDefault("redis.db", 0)
	v.SetDefault("cache.namespace", "crawlquota")
	v.SetDefault("cache.default_ttl", "5m")
	v.SetDefault("cache.quota_ttl", "60s")
	v.SetDefault("cache.jitter_percent", 10)
	v.SetDefault("cache.lock_gc_delay", "30s")
	v.SetDefault("kafka.lifecycle_topic", "crawl-job-events")
	v.SetDefault("kafka.usage_topic", "crawl-quota-usage")
	v.SetDefault("kafka.usage_group_id", "crawlquota-usage")
	v.SetDefault("kafka.partitions", 3)
	v.SetDefault("kafka.replication_factor", 1)
	v.SetDefault("kafka.ensure_topic_attempts", 5)
	v.SetDefault("kafka.ensure_topic_delay", "2s")
	v.SetDefault("kafka.reconnect_backoff", "5s")
	v.SetDefault("kafka.consumer_enabled", true)
	v.SetDefault("events.backend", BackendMemory)
	v.SetDefault("admission.max_urls", 100)
	v.SetDefault("admission.min_timeout_seconds", 1)
	v.SetDefault("admission.max_timeout_seconds", 300)
	v.SetDefault("admission.default_timeout_seconds", 30)
	v.SetDefault("admission.max_retries_limit", 5)
	v.SetDefault("admission.default_active_job_cap", 3)
	v.SetDefault("admission.active_job_caps", map[string]int{"free": 3, "pro": 10, "enterprise": 50})
	v.SetDefault("quota.student_default", 100)
	v.SetDefault("quota.lecturer_default", 500)
	v.SetDefault("quota.staff_default", 300)
	v.SetDefault("quota.admin_default", 10000)
	v.SetDefault("sync.enabled", true)
	v.SetDefault("sync.startup_delay", "10s")
	v.SetDefault("sync.interval", "5m")
	v.SetDefault("sync.page_size", 500)
	v.SetDefault("sync.auto_reset", true)
	v.SetDefault("sync.reset_window_days", 30)
	v.SetDefault("sync.backoff_initial", "5s")
	v.SetDefault("sync.backoff_max", "2m")
	v.SetDefault("agents.user_agent", "crawlquota-bot/0.1")
	v.SetDefault("agents.headless_enabled", false)
	v.SetDefault("agents.headless_parallel", 1)
	v.SetDefault("agents.per_domain_rps", 1.0)
	v.SetDefault("agents.per_domain_burst", 1)
	v.SetDefault("agents.max_body_bytes", 10<<20)
	v.SetDefault("domain_policy.enabled", true)
	v.SetDefault("domain_policy.block_private_hosts", true)
	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.queue_depth", 64)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return errors.New("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return errors.New("auth.api_key must be set when auth is enabled")
	}
	if c.Cache.JitterPercent < 0 || c.Cache.JitterPercent > 100 {
		return errors.New("cache.jitter_percent must be within [0, 100]")
	}
	switch c.Events.Backend {
	case BackendMemory:
	case BackendKafka:
		if len(c.Kafka.Brokers) == 0 {
			return errors.New("kafka.brokers must be set when events.backend is kafka")
		}
	case BackendPubSub:
		if c.PubSub.ProjectID == "" || c.PubSub.TopicName == "" {
			return errors.New("pubsub.project_id and pubsub.topic_name must be set when events.backend is pubsub")
		}
	default:
		return fmt.Errorf("events.backend %q is not one of kafka, pubsub, memory", c.Events.Backend)
	}
	if c.Admission.MaxURLs <= 0 || c.Admission.MaxURLs > 100 {
		return errors.New("admission.max_urls must be within [1, 100]")
	}
	if c.Admission.MinTimeoutSeconds <= 0 || c.Admission.MaxTimeoutSeconds < c.Admission.MinTimeoutSeconds {
		return errors.New("admission timeout bounds must satisfy 0 < min <= max")
	}
	if c.Admission.DefaultTimeoutSeconds < c.Admission.MinTimeoutSeconds ||
		c.Admission.DefaultTimeoutSeconds > c.Admission.MaxTimeoutSeconds {
		return errors.New("admission.default_timeout_seconds must be within the timeout bounds")
	}
	if c.Admission.MaxRetriesLimit < 0 {
		return errors.New("admission.max_retries_limit must be >= 0")
	}
	if c.Sync.PageSize <= 0 {
		return errors.New("sync.page_size must be > 0")
	}
	if c.Sync.ResetWindowDays <= 0 {
		return errors.New("sync.reset_window_days must be > 0")
	}
	if c.Agents.HeadlessEnabled && c.Agents.HeadlessParallel <= 0 {
		return errors.New("agents.headless_parallel must be > 0 when headless is enabled")
	}
	if c.Agents.PerDomainRPS <= 0 {
		return errors.New("agents.per_domain_rps must be > 0")
	}
	if c.Worker.Concurrency <= 0 {
		return errors.New("worker.concurrency must be > 0")
	}
	if c.Worker.QueueDepth <= 0 {
		return errors.New("worker.queue_depth must be > 0")
	}
	return nil
}

// ActiveJobCap returns the concurrent job cap for tier.
func (c AdmissionConfig) ActiveJobCap(tier string) int {
	if n, ok := c.ActiveJobCaps[strings.ToLower(tier)]; ok {
		return n
	}
	return c.DefaultActiveJobCap
}
