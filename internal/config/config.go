// Package config provides configuration management for the UV
// dispatch exchange.
//
// Configuration is loaded from:
// 1. config.yaml file (optional)
// 2. Environment variables (UVX_ prefix, nested keys joined with _)
// 3. Default values
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	apperrors "uvexchange.io/uvx/internal/pkg/errors"
)

// Config is the root configuration structure.
type Config struct {
	Log        LogConfig        `mapstructure:"log"`
	DB         DBConfig         `mapstructure:"db"`
	KV         KVConfig         `mapstructure:"kv"`
	Bus        BusConfig        `mapstructure:"bus"`
	Claim      ClaimConfig      `mapstructure:"claim"`
	Cache      CacheConfig      `mapstructure:"cache"`
	DeadLetter DeadLetterConfig `mapstructure:"deadletter"`
	Partition  PartitionConfig  `mapstructure:"partition"`
	Worker     WorkerConfig     `mapstructure:"worker"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Producer   ProducerConfig   `mapstructure:"producer"`
	Geocoder   GeocoderConfig   `mapstructure:"geocoder"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
}

// MetricsConfig contains the Prometheus exposition settings.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or console
}

// DBConfig contains PostgreSQL connection settings. A single pgx pool
// is shared by every store consumer.
type DBConfig struct {
	ConnStr string `mapstructure:"conn_str"`

	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"sslmode"`

	PoolSize        int32         `mapstructure:"pool_size"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`

	AutoMigrate bool `mapstructure:"auto_migrate"`
}

// DSN returns the PostgreSQL connection string.
// Priority: conn_str > constructed from individual fields.
func (c DBConfig) DSN() string {
	if c.ConnStr != "" {
		return c.ConnStr
	}
	sslmode := c.SSLMode
	if sslmode == "" {
		sslmode = "disable"
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, sslmode,
	)
}

// KVConfig contains KV store connection settings.
type KVConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

// Addr returns the host:port address of the KV store.
func (c KVConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// BusConfig contains bus fabric settings.
type BusConfig struct {
	Endpoint      EndpointConfig `mapstructure:"endpoint"`
	MaxQueueSize  int            `mapstructure:"max_queue_size"`
	SendTimeoutMs int            `mapstructure:"send_timeout_ms"`
	BatchSize     int            `mapstructure:"batch_size"`
}

// EndpointConfig names the three bus endpoints: E1 carries the
// vehicle-orders stream, E2 order-update/retry, E3 finalization tasks.
type EndpointConfig struct {
	E1 string `mapstructure:"e1"`
	E2 string `mapstructure:"e2"`
	E3 string `mapstructure:"e3"`
}

// SendTimeout returns the per-message send deadline.
func (c BusConfig) SendTimeout() time.Duration {
	return time.Duration(c.SendTimeoutMs) * time.Millisecond
}

// ClaimConfig contains claim protocol settings.
type ClaimConfig struct {
	LockTTLMs int `mapstructure:"lock_ttl_ms"`
}

// LockTTL returns the distributed lock TTL for claim attempts.
func (c ClaimConfig) LockTTL() time.Duration {
	return time.Duration(c.LockTTLMs) * time.Millisecond
}

// CacheConfig contains per-vehicle candidate cache settings.
type CacheConfig struct {
	OrderTTLSec int `mapstructure:"order_ttl_sec"`
}

// OrderTTL returns the candidate cache TTL.
func (c CacheConfig) OrderTTL() time.Duration {
	return time.Duration(c.OrderTTLSec) * time.Second
}

// DeadLetterConfig contains dead-letter subsystem settings.
type DeadLetterConfig struct {
	ExpireSec  int    `mapstructure:"expire_sec"`
	ArchiveDir string `mapstructure:"archive_dir"`
}

// Expire returns the message age threshold for dead-lettering.
func (c DeadLetterConfig) Expire() time.Duration {
	return time.Duration(c.ExpireSec) * time.Second
}

// PartitionConfig contains grab-log partition maintenance settings.
type PartitionConfig struct {
	LookaheadMonths int `mapstructure:"lookahead_months"`
}

// WorkerConfig contains worker pool settings.
type WorkerConfig struct {
	GeneralPoolSize int `mapstructure:"general_pool_size"`
	BusPoolSize     int `mapstructure:"bus_pool_size"`
}

// SchedulerConfig contains cron schedules for the periodic producers
// and maintenance tasks. Expressions use a seconds field.
type SchedulerConfig struct {
	DispatchCron       string `mapstructure:"dispatch_cron"`
	OrderProducerCron  string `mapstructure:"order_producer_cron"`
	VehicleProduceCron string `mapstructure:"vehicle_producer_cron"`
	DeadLetterCron     string `mapstructure:"dead_letter_cron"`
	PartitionCron      string `mapstructure:"partition_cron"`
}

// ProducerConfig contains synthetic load generator settings.
type ProducerConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	OrderBatch    int  `mapstructure:"order_batch"`
	VehicleBatch  int  `mapstructure:"vehicle_batch"`
	MaxVehicles   int  `mapstructure:"max_vehicles"`
	RewardMaxYuan int  `mapstructure:"reward_max_yuan"`
}

// GeocoderConfig contains reverse-geocoding client settings.
type GeocoderConfig struct {
	BaseURL   string        `mapstructure:"base_url"`
	Timeout   time.Duration `mapstructure:"timeout"`
	BreakerOn bool          `mapstructure:"breaker_on"`
}

// Load reads configuration from file and environment variables.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/uvx")

	// Environment variable override: bus.max_queue_size → UVX_BUS_MAX_QUEUE_SIZE
	v.SetEnvPrefix("UVX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Config file is optional, use defaults and env vars
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks for critical configuration errors.
func (c *Config) Validate() error {
	if c.Bus.MaxQueueSize <= 0 {
		return apperrors.BadConfig("bus.max_queue_size must be positive")
	}
	if c.Bus.SendTimeoutMs <= 0 {
		return apperrors.BadConfig("bus.send_timeout_ms must be positive")
	}
	if c.Bus.BatchSize <= 0 {
		return apperrors.BadConfig("bus.batch_size must be positive")
	}
	if c.Claim.LockTTLMs <= 0 {
		return apperrors.BadConfig("claim.lock_ttl_ms must be positive")
	}
	if c.Cache.OrderTTLSec <= 0 {
		return apperrors.BadConfig("cache.order_ttl_sec must be positive")
	}
	if c.DeadLetter.ExpireSec <= 0 {
		return apperrors.BadConfig("deadletter.expire_sec must be positive")
	}
	if c.Partition.LookaheadMonths <= 0 {
		return apperrors.BadConfig("partition.lookahead_months must be positive")
	}
	if c.Bus.Endpoint.E1 == "" || c.Bus.Endpoint.E2 == "" || c.Bus.Endpoint.E3 == "" {
		return apperrors.BadConfig("bus.endpoint.e1/e2/e3 must all be set")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	// Log
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// DB
	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", 5432)
	v.SetDefault("db.user", "uvx")
	v.SetDefault("db.password", "")
	v.SetDefault("db.database", "uvx")
	v.SetDefault("db.sslmode", "disable")
	v.SetDefault("db.pool_size", 10)
	v.SetDefault("db.min_conns", 5)
	v.SetDefault("db.max_conn_lifetime", "1h")
	v.SetDefault("db.max_conn_idle_time", "10m")
	v.SetDefault("db.auto_migrate", false)

	// KV
	v.SetDefault("kv.host", "localhost")
	v.SetDefault("kv.port", 6379)
	v.SetDefault("kv.password", "")
	v.SetDefault("kv.db", 0)
	v.SetDefault("kv.pool_size", 10)

	// Bus
	v.SetDefault("bus.endpoint.e1", "inproc://vehicle-orders")
	v.SetDefault("bus.endpoint.e2", "inproc://order-update")
	v.SetDefault("bus.endpoint.e3", "inproc://order-log-task")
	v.SetDefault("bus.max_queue_size", 10000)
	v.SetDefault("bus.send_timeout_ms", 200)
	v.SetDefault("bus.batch_size", 50)

	// Claim
	v.SetDefault("claim.lock_ttl_ms", 1000)

	// Candidate cache
	v.SetDefault("cache.order_ttl_sec", 1800)

	// Dead letter
	v.SetDefault("deadletter.expire_sec", 300)
	v.SetDefault("deadletter.archive_dir", "/var/deadletter/")

	// Partitions
	v.SetDefault("partition.lookahead_months", 3)

	// Worker pools
	v.SetDefault("worker.general_pool_size", 100)
	v.SetDefault("worker.bus_pool_size", 50)

	// Scheduler (seconds-granularity cron expressions)
	v.SetDefault("scheduler.dispatch_cron", "*/2 * * * * *")
	v.SetDefault("scheduler.order_producer_cron", "*/30 * * * * *")
	v.SetDefault("scheduler.vehicle_producer_cron", "0 */5 * * * *")
	v.SetDefault("scheduler.dead_letter_cron", "0 0 * * * *")
	v.SetDefault("scheduler.partition_cron", "0 0 3 1 * *")

	// Producers
	v.SetDefault("producer.enabled", false)
	v.SetDefault("producer.order_batch", 20)
	v.SetDefault("producer.vehicle_batch", 5)
	v.SetDefault("producer.max_vehicles", 50)
	v.SetDefault("producer.reward_max_yuan", 100)

	// Metrics exposition
	v.SetDefault("metrics.addr", ":9100")

	// Geocoder
	v.SetDefault("geocoder.base_url", "")
	v.SetDefault("geocoder.timeout", "2s")
	v.SetDefault("geocoder.breaker_on", true)
}
