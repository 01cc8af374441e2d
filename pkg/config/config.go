package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"fundcache/pkg/cache"
	"fundcache/pkg/logger"
	"fundcache/pkg/scheduler"
	"fundcache/pkg/server"
	"fundcache/pkg/statsink"
	"fundcache/pkg/storage"
)

// EnvPrefix 环境变量前缀，例如 FUNDCACHE_CACHE_DEFAULT_TTL=30m
const EnvPrefix = "FUNDCACHE"

// 持久层后端
const (
	BackendBolt   = "bolt"
	BackendFile   = "file"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// Config 主配置结构
type Config struct {
	// 缓存配置
	Cache cache.Config `mapstructure:"cache"`

	// 持久层配置
	Storage StorageConfig `mapstructure:"storage"`

	// Redis 后端配置
	Redis storage.RedisStoreConfig `mapstructure:"redis"`

	// 主动清理配置
	Sweep SweepConfig `mapstructure:"sweep"`

	// 日志配置
	Logging logger.Config `mapstructure:"logging"`

	// 指标配置
	Metrics MetricsConfig `mapstructure:"metrics"`

	// 管理接口配置
	Server server.Config `mapstructure:"server"`

	// InfluxDB 统计上报，url 为空时关闭
	Influx statsink.InfluxConfig `mapstructure:"influxdb"`
}

// StorageConfig 持久层配置
type StorageConfig struct {
	Backend string                  `mapstructure:"backend"` // bolt, file, redis, memory
	Bolt    storage.BoltStoreConfig `mapstructure:"bolt"`
	File    storage.FileStoreConfig `mapstructure:"file"`
}

// SweepConfig 主动清理配置
type SweepConfig struct {
	Enabled   bool          `mapstructure:"enabled"`    // 是否定时清理
	Schedule  string        `mapstructure:"schedule"`   // cron 表达式或 @every 描述符
	BatchSize int           `mapstructure:"batch_size"` // 每批扫描的键数量
	Timeout   time.Duration `mapstructure:"timeout"`    // 单次清理超时
}

// MetricsConfig 指标配置
type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`   // 是否在管理接口暴露 /metrics
	Namespace string `mapstructure:"namespace"` // 指标名前缀
}

// Default 返回默认配置
func Default() *Config {
	return &Config{
		Cache: cache.DefaultConfig(),
		Storage: StorageConfig{
			Backend: BackendBolt,
			Bolt: storage.BoltStoreConfig{
				Path:        "data/fundcache.db",
				OpenTimeout: 5 * time.Second,
			},
			File: storage.FileStoreConfig{
				BaseDir:    "data",
				FilePrefix: "fundcache_store",
			},
		},
		Redis: storage.RedisStoreConfig{
			Addr:            "localhost:6379",
			KeyPrefix:       "fundcache",
			ConnectTimeout:  5 * time.Second,
			RequestTimeout:  3 * time.Second,
			PoolSize:        10,
			BreakerFailures: 5,
			BreakerTimeout:  30 * time.Second,
		},
		Sweep: SweepConfig{
			Enabled:   true,
			Schedule:  cache.DefaultSweepSchedule,
			BatchSize: 100,
			Timeout:   10 * time.Minute,
		},
		Logging: logger.Config{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "fundcache",
		},
		Server: server.Config{
			Addr: ":8090",
			Mode: "release",
		},
		Influx: statsink.InfluxConfig{
			Org:      "fundcache",
			Bucket:   "fundcache",
			Interval: time.Minute,
		},
	}
}

// Load 读取配置文件并叠加环境变量。path 为空时只使用默认值与环境变量。
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return nil, fmt.Errorf("配置文件不存在: %s", path)
		}
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("配置无效: %w", err)
	}
	return cfg, nil
}

// setDefaults 注册所有键的默认值，环境变量只能覆盖 viper 已知的键
func setDefaults(v *viper.Viper, d *Config) {
	c := d.Cache
	v.SetDefault("cache.default_ttl", c.DefaultTTL)
	v.SetDefault("cache.memory_max_items", c.MemoryMaxItems)
	v.SetDefault("cache.memory_policy", string(c.MemoryPolicy))
	v.SetDefault("cache.memory_reap_interval", c.MemoryReapInterval)
	v.SetDefault("cache.compress_threshold", c.CompressThreshold)
	v.SetDefault("cache.compression", c.Compression)
	v.SetDefault("cache.chunk_size", c.ChunkSize)
	v.SetDefault("cache.shard_threshold", c.ShardThreshold)
	v.SetDefault("cache.page_size", c.PageSize)
	v.SetDefault("cache.sweep_batch_size", c.SweepBatchSize)
	v.SetDefault("cache.sweep_pause", c.SweepPause)
	v.SetDefault("cache.orphan_grace", c.OrphanGrace)

	v.SetDefault("storage.backend", d.Storage.Backend)
	v.SetDefault("storage.bolt.path", d.Storage.Bolt.Path)
	v.SetDefault("storage.bolt.open_timeout", d.Storage.Bolt.OpenTimeout)
	v.SetDefault("storage.bolt.no_sync", d.Storage.Bolt.NoSync)
	v.SetDefault("storage.file.base_dir", d.Storage.File.BaseDir)
	v.SetDefault("storage.file.file_prefix", d.Storage.File.FilePrefix)

	v.SetDefault("redis.addr", d.Redis.Addr)
	v.SetDefault("redis.password", d.Redis.Password)
	v.SetDefault("redis.db", d.Redis.DB)
	v.SetDefault("redis.key_prefix", d.Redis.KeyPrefix)
	v.SetDefault("redis.connect_timeout", d.Redis.ConnectTimeout)
	v.SetDefault("redis.request_timeout", d.Redis.RequestTimeout)
	v.SetDefault("redis.pool_size", d.Redis.PoolSize)
	v.SetDefault("redis.breaker_failures", d.Redis.BreakerFailures)
	v.SetDefault("redis.breaker_timeout", d.Redis.BreakerTimeout)

	v.SetDefault("sweep.enabled", d.Sweep.Enabled)
	v.SetDefault("sweep.schedule", d.Sweep.Schedule)
	v.SetDefault("sweep.batch_size", d.Sweep.BatchSize)
	v.SetDefault("sweep.timeout", d.Sweep.Timeout)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.output", d.Logging.Output)

	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.namespace", d.Metrics.Namespace)

	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.mode", d.Server.Mode)

	v.SetDefault("influxdb.url", d.Influx.URL)
	v.SetDefault("influxdb.token", d.Influx.Token)
	v.SetDefault("influxdb.org", d.Influx.Org)
	v.SetDefault("influxdb.bucket", d.Influx.Bucket)
	v.SetDefault("influxdb.interval", d.Influx.Interval)
	v.SetDefault("influxdb.instance", d.Influx.Instance)
}

// Validate 验证配置
func (c *Config) Validate() error {
	if err := c.Cache.Validate(); err != nil {
		return fmt.Errorf("cache: %w", err)
	}

	switch c.Storage.Backend {
	case BackendBolt:
		if c.Storage.Bolt.Path == "" {
			return errors.New("storage.bolt.path cannot be empty")
		}
	case BackendFile:
		if c.Storage.File.BaseDir == "" {
			return errors.New("storage.file.base_dir cannot be empty")
		}
	case BackendRedis:
		if c.Redis.Addr == "" {
			return errors.New("redis.addr cannot be empty")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("unknown storage backend: %q", c.Storage.Backend)
	}

	if c.Sweep.Enabled && c.Sweep.Schedule == "" {
		return errors.New("sweep.schedule cannot be empty when sweep is enabled")
	}
	if c.Sweep.BatchSize < 0 {
		return errors.New("sweep.batch_size cannot be negative")
	}
	if c.Sweep.Timeout < 0 {
		return errors.New("sweep.timeout cannot be negative")
	}

	if c.Influx.URL != "" && (c.Influx.Org == "" || c.Influx.Bucket == "") {
		return errors.New("influxdb.org and influxdb.bucket are required when influxdb.url is set")
	}

	return nil
}

// NewStore 按后端创建持久层，尚未打开
func (c *Config) NewStore() (storage.Store, error) {
	switch c.Storage.Backend {
	case BackendBolt:
		return storage.NewBoltStore(c.Storage.Bolt), nil
	case BackendFile:
		return storage.NewFileStore(c.Storage.File), nil
	case BackendRedis:
		return storage.NewRedisStore(c.Redis), nil
	case BackendMemory:
		return storage.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend: %q", c.Storage.Backend)
	}
}

// SweepJob 返回定时清理任务配置
func (c *Config) SweepJob() scheduler.JobConfig {
	job := cache.SweepJob(c.Sweep.Schedule, c.Sweep.BatchSize)
	job.Timeout = c.Sweep.Timeout
	job.Enabled = c.Sweep.Enabled
	return job
}

// SetDefaultTTL 设置默认过期时间
func (c *Config) SetDefaultTTL(ttl time.Duration) *Config {
	c.Cache.DefaultTTL = ttl
	return c
}

// SetBackend 设置持久层后端
func (c *Config) SetBackend(backend string) *Config {
	c.Storage.Backend = backend
	return c
}

// SetLogLevel 设置日志级别
func (c *Config) SetLogLevel(level string) *Config {
	c.Logging.Level = level
	return c
}
