// Package config loads engine configuration from a YAML file with
// environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ChunkerConfig bounds the content-defined chunking algorithm (§4.1).
type ChunkerConfig struct {
	WindowSize   int `mapstructure:"window_size"`
	MinChunkSize int `mapstructure:"min_chunk_size"`
	AvgChunkSize int `mapstructure:"avg_chunk_size"`
	MaxChunkSize int `mapstructure:"max_chunk_size"`
}

// CompressionConfig selects the default compressor and the skip threshold.
type CompressionConfig struct {
	Algo             string `mapstructure:"algo"`
	MinSizeThreshold int    `mapstructure:"min_size_threshold"`
}

// StorageConfig locates the on-disk root and its subdirectories.
type StorageConfig struct {
	RootPath string `mapstructure:"root_path"`
}

// MigrationConfig configures the background legacy-blob migration worker
// (§12.1). LegacyRootPath is empty by default: a deployment with no v1
// data simply never starts the worker.
type MigrationConfig struct {
	LegacyRootPath string        `mapstructure:"legacy_root_path"`
	BatchSize      int           `mapstructure:"batch_size"`
	Interval       time.Duration `mapstructure:"interval"`
}

// MetadataConfig selects and configures the metadata DB backend.
type MetadataConfig struct {
	Backend  string         `mapstructure:"backend"` // "sqlite" or "postgres"
	SQLite   SQLiteConfig   `mapstructure:"sqlite"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// SQLiteConfig configures the embedded metadata DB backend.
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// PostgresConfig configures the alternate metadata DB backend.
type PostgresConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// RedisConfig configures the optional cross-process cache and distributed
// lock used by the sync coordinator. Enabled gates whether the engine
// dials Redis at all; with it false (the default), the engine falls back
// to an in-process signature cache and skips the cross-process pull lock
// entirely, which is correct for a single-process deployment.
type RedisConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Host        string        `mapstructure:"host"`
	Port        int           `mapstructure:"port"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	PoolSize    int           `mapstructure:"pool_size"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

// Addr returns the host:port Redis address string.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// GCConfig tunes the garbage collector's scheduling policy (§12.2).
type GCConfig struct {
	Interval     time.Duration `mapstructure:"interval"`
	GracePeriod  time.Duration `mapstructure:"grace_period"`
	MinOrphans   int           `mapstructure:"min_orphans"`
}

// SyncConfig tunes the sync coordinator's retry and throttling behavior
// (§4.9, §12.3). LockTTL and SignatureCacheTTL only matter when Redis is
// enabled: LockTTL bounds how long a crashed puller can hold the
// cross-process pull lock for a file_id, and SignatureCacheTTL bounds how
// long a peer's FileSignature is reused across concurrent pulls of the
// same file before being re-fetched.
type SyncConfig struct {
	MaxAttempts      int           `mapstructure:"max_attempts"`
	BackoffMin       time.Duration `mapstructure:"backoff_min"`
	BackoffMax       time.Duration `mapstructure:"backoff_max"`
	BandwidthLimitBps int64        `mapstructure:"bandwidth_limit_bps"`
	LockTTL           time.Duration `mapstructure:"lock_ttl"`
	SignatureCacheTTL time.Duration `mapstructure:"signature_cache_ttl"`
}

// WorkerPoolConfig bounds the offload pool for CPU-bound chunking, hashing,
// and compression work (§5, §9).
type WorkerPoolConfig struct {
	Size               int `mapstructure:"size"`
	OffloadThresholdKB int `mapstructure:"offload_threshold_kb"`
}

// ObservabilityConfig configures logging and metrics.
type ObservabilityConfig struct {
	LogLevel    string `mapstructure:"log_level"`
	MetricsPort int    `mapstructure:"metrics_port"`
}

// Config is the root engine configuration.
type Config struct {
	Storage       StorageConfig       `mapstructure:"storage"`
	Migration     MigrationConfig     `mapstructure:"migration"`
	Chunker       ChunkerConfig       `mapstructure:"chunker"`
	Compression   CompressionConfig   `mapstructure:"compression"`
	Metadata      MetadataConfig      `mapstructure:"metadata"`
	Redis         RedisConfig         `mapstructure:"redis"`
	GC            GCConfig            `mapstructure:"gc"`
	Sync          SyncConfig          `mapstructure:"sync"`
	WorkerPool    WorkerPoolConfig    `mapstructure:"worker_pool"`
	Observability ObservabilityConfig `mapstructure:"observability"`
}

func defaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			RootPath: "./data",
		},
		Migration: MigrationConfig{
			BatchSize: 50,
			Interval:  5 * time.Minute,
		},
		Chunker: ChunkerConfig{
			WindowSize:   48,
			MinChunkSize: 2 * 1024,
			AvgChunkSize: 8 * 1024,
			MaxChunkSize: 32 * 1024,
		},
		Compression: CompressionConfig{
			Algo:             "lz4",
			MinSizeThreshold: 1024,
		},
		Metadata: MetadataConfig{
			Backend: "sqlite",
			SQLite: SQLiteConfig{
				Path: "./data/meta/engine.db",
			},
			Postgres: PostgresConfig{
				MaxConns: 10,
			},
		},
		Redis: RedisConfig{
			Enabled:     false,
			Host:        "localhost",
			Port:        6379,
			PoolSize:    10,
			DialTimeout: 5 * time.Second,
		},
		GC: GCConfig{
			Interval:    10 * time.Minute,
			GracePeriod: 1 * time.Hour,
			MinOrphans:  1,
		},
		Sync: SyncConfig{
			MaxAttempts:       5,
			BackoffMin:        200 * time.Millisecond,
			BackoffMax:        30 * time.Second,
			BandwidthLimitBps: 0,
			LockTTL:           2 * time.Minute,
			SignatureCacheTTL: 30 * time.Second,
		},
		WorkerPool: WorkerPoolConfig{
			Size:               8,
			OffloadThresholdKB: 256,
		},
		Observability: ObservabilityConfig{
			LogLevel:    "info",
			MetricsPort: 9090,
		},
	}
}

// Load reads configuration from a YAML file at path, with environment
// variable overrides (e.g. STORAGE_ROOT_PATH, REDIS_HOST), falling back to
// defaultConfig for anything unset.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := defaultConfig()
	v.SetDefault("storage.root_path", def.Storage.RootPath)

	v.SetDefault("migration.legacy_root_path", def.Migration.LegacyRootPath)
	v.SetDefault("migration.batch_size", def.Migration.BatchSize)
	v.SetDefault("migration.interval", def.Migration.Interval)

	v.SetDefault("chunker.window_size", def.Chunker.WindowSize)
	v.SetDefault("chunker.min_chunk_size", def.Chunker.MinChunkSize)
	v.SetDefault("chunker.avg_chunk_size", def.Chunker.AvgChunkSize)
	v.SetDefault("chunker.max_chunk_size", def.Chunker.MaxChunkSize)

	v.SetDefault("compression.algo", def.Compression.Algo)
	v.SetDefault("compression.min_size_threshold", def.Compression.MinSizeThreshold)

	v.SetDefault("metadata.backend", def.Metadata.Backend)
	v.SetDefault("metadata.sqlite.path", def.Metadata.SQLite.Path)
	v.SetDefault("metadata.postgres.dsn", def.Metadata.Postgres.DSN)
	v.SetDefault("metadata.postgres.max_conns", def.Metadata.Postgres.MaxConns)

	v.SetDefault("redis.enabled", def.Redis.Enabled)
	v.SetDefault("redis.host", def.Redis.Host)
	v.SetDefault("redis.port", def.Redis.Port)
	v.SetDefault("redis.password", def.Redis.Password)
	v.SetDefault("redis.db", def.Redis.DB)
	v.SetDefault("redis.pool_size", def.Redis.PoolSize)
	v.SetDefault("redis.dial_timeout", def.Redis.DialTimeout)

	v.SetDefault("gc.interval", def.GC.Interval)
	v.SetDefault("gc.grace_period", def.GC.GracePeriod)
	v.SetDefault("gc.min_orphans", def.GC.MinOrphans)

	v.SetDefault("sync.max_attempts", def.Sync.MaxAttempts)
	v.SetDefault("sync.backoff_min", def.Sync.BackoffMin)
	v.SetDefault("sync.backoff_max", def.Sync.BackoffMax)
	v.SetDefault("sync.bandwidth_limit_bps", def.Sync.BandwidthLimitBps)
	v.SetDefault("sync.lock_ttl", def.Sync.LockTTL)
	v.SetDefault("sync.signature_cache_ttl", def.Sync.SignatureCacheTTL)

	v.SetDefault("worker_pool.size", def.WorkerPool.Size)
	v.SetDefault("worker_pool.offload_threshold_kb", def.WorkerPool.OffloadThresholdKB)

	v.SetDefault("observability.log_level", def.Observability.LogLevel)
	v.SetDefault("observability.metrics_port", def.Observability.MetricsPort)

	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks config constraints and returns an error on invalid
// settings.
func Validate(cfg *Config) error {
	if cfg.Storage.RootPath == "" {
		return fmt.Errorf("storage.root_path must be set")
	}
	if cfg.Chunker.MinChunkSize <= 0 || cfg.Chunker.MinChunkSize > cfg.Chunker.AvgChunkSize {
		return fmt.Errorf("chunker.min_chunk_size must be >0 and <= avg_chunk_size")
	}
	if cfg.Chunker.AvgChunkSize > cfg.Chunker.MaxChunkSize {
		return fmt.Errorf("chunker.avg_chunk_size must be <= max_chunk_size")
	}
	if cfg.Chunker.WindowSize <= 0 {
		return fmt.Errorf("chunker.window_size must be > 0")
	}
	switch cfg.Metadata.Backend {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("metadata.backend must be sqlite or postgres, got %q", cfg.Metadata.Backend)
	}
	if cfg.Metadata.Backend == "sqlite" && cfg.Metadata.SQLite.Path == "" {
		return fmt.Errorf("metadata.sqlite.path must be set when backend is sqlite")
	}
	if cfg.Metadata.Backend == "postgres" && cfg.Metadata.Postgres.DSN == "" {
		return fmt.Errorf("metadata.postgres.dsn must be set when backend is postgres")
	}
	switch cfg.Compression.Algo {
	case "none", "lz4", "zstd":
	default:
		return fmt.Errorf("compression.algo must be none, lz4, or zstd, got %q", cfg.Compression.Algo)
	}
	if cfg.GC.Interval <= 0 {
		return fmt.Errorf("gc.interval must be > 0")
	}
	if cfg.Sync.MaxAttempts < 1 {
		return fmt.Errorf("sync.max_attempts must be >= 1")
	}
	if cfg.WorkerPool.Size < 1 {
		return fmt.Errorf("worker_pool.size must be >= 1")
	}
	if cfg.Observability.MetricsPort <= 0 || cfg.Observability.MetricsPort > 65535 {
		return fmt.Errorf("observability.metrics_port must be 1..65535")
	}
	return nil
}
