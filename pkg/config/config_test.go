package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fundcache/pkg/cache"
	"fundcache/pkg/storage"
)

// TestDefault 测试默认配置是否正确
func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, time.Hour, cfg.Cache.DefaultTTL)
	assert.Equal(t, 100, cfg.Cache.MemoryMaxItems)
	assert.Equal(t, cache.PolicyFIFO, cfg.Cache.MemoryPolicy)
	assert.Equal(t, cache.CompressionGzip, cfg.Cache.Compression)

	assert.Equal(t, BackendBolt, cfg.Storage.Backend)
	assert.Equal(t, "data/fundcache.db", cfg.Storage.Bolt.Path)

	assert.True(t, cfg.Sweep.Enabled)
	assert.Equal(t, cache.DefaultSweepSchedule, cfg.Sweep.Schedule)
	assert.Equal(t, 100, cfg.Sweep.BatchSize)

	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "fundcache", cfg.Metrics.Namespace)
	assert.Equal(t, ":8090", cfg.Server.Addr)
	assert.Empty(t, cfg.Influx.URL, "默认不上报 InfluxDB")

	assert.NoError(t, cfg.Validate(), "默认配置应该是有效的")
}

// TestValidate 测试配置验证功能
func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"无效的缓存配置", func(c *Config) { c.Cache.ChunkSize = 0 }},
		{"未知的淘汰策略", func(c *Config) { c.Cache.MemoryPolicy = "random" }},
		{"未知的后端", func(c *Config) { c.Storage.Backend = "s3" }},
		{"bolt 路径为空", func(c *Config) { c.Storage.Bolt.Path = "" }},
		{"file 目录为空", func(c *Config) { c.SetBackend(BackendFile).Storage.File.BaseDir = "" }},
		{"redis 地址为空", func(c *Config) { c.SetBackend(BackendRedis).Redis.Addr = "" }},
		{"启用清理但没有调度表达式", func(c *Config) { c.Sweep.Schedule = "" }},
		{"批大小为负数", func(c *Config) { c.Sweep.BatchSize = -1 }},
		{"超时为负数", func(c *Config) { c.Sweep.Timeout = -time.Second }},
		{"InfluxDB 缺少 bucket", func(c *Config) { c.Influx.URL = "http://localhost:8086"; c.Influx.Bucket = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	// 内存后端不需要额外配置
	cfg := Default().SetBackend(BackendMemory)
	assert.NoError(t, cfg.Validate())
	store, err := cfg.NewStore()
	require.NoError(t, err)
	assert.IsType(t, &storage.MemoryStore{}, store)

	// 关闭清理时可以不配置调度表达式
	cfg = Default()
	cfg.Sweep.Enabled = false
	cfg.Sweep.Schedule = ""
	assert.NoError(t, cfg.Validate())
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fundcache.yaml")
	content := `
cache:
  default_ttl: 15m
  memory_max_items: 200
  memory_policy: lru
  compression: zstd
  chunk_size: 10240
storage:
  backend: file
  file:
    base_dir: ` + dir + `
sweep:
  schedule: "@every 30s"
  batch_size: 50
  timeout: 2m
logging:
  level: debug
  format: json
server:
  addr: 127.0.0.1:9100
influxdb:
  url: http://influx:8086
  interval: 15s
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 15*time.Minute, cfg.Cache.DefaultTTL)
	assert.Equal(t, 200, cfg.Cache.MemoryMaxItems)
	assert.Equal(t, cache.PolicyLRU, cfg.Cache.MemoryPolicy)
	assert.Equal(t, cache.CompressionZstd, cfg.Cache.Compression)
	assert.Equal(t, 10240, cfg.Cache.ChunkSize)
	// 文件里没有的键保留默认值
	assert.Equal(t, 100, cfg.Cache.PageSize)
	assert.Equal(t, time.Second, cfg.Cache.MemoryReapInterval)

	assert.Equal(t, BackendFile, cfg.Storage.Backend)
	assert.Equal(t, dir, cfg.Storage.File.BaseDir)
	assert.Equal(t, "fundcache_store", cfg.Storage.File.FilePrefix)

	assert.Equal(t, "@every 30s", cfg.Sweep.Schedule)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, "127.0.0.1:9100", cfg.Server.Addr)
	assert.Equal(t, "release", cfg.Server.Mode)
	assert.Equal(t, "http://influx:8086", cfg.Influx.URL)
	assert.Equal(t, 15*time.Second, cfg.Influx.Interval)
	assert.Equal(t, "fundcache", cfg.Influx.Bucket)

	job := cfg.SweepJob()
	assert.Equal(t, cache.TaskSweep, job.Task)
	assert.Equal(t, "@every 30s", job.Schedule)
	assert.Equal(t, 2*time.Minute, job.Timeout)
	assert.Equal(t, 50, job.Params["batch_size"])

	store, err := cfg.NewStore()
	require.NoError(t, err)
	assert.IsType(t, &storage.FileStore{}, store)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("FUNDCACHE_CACHE_DEFAULT_TTL", "30m")
	t.Setenv("FUNDCACHE_CACHE_MEMORY_MAX_ITEMS", "42")
	t.Setenv("FUNDCACHE_STORAGE_BACKEND", "redis")
	t.Setenv("FUNDCACHE_REDIS_ADDR", "redis.internal:6380")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 30*time.Minute, cfg.Cache.DefaultTTL)
	assert.Equal(t, 42, cfg.Cache.MemoryMaxItems)
	assert.Equal(t, BackendRedis, cfg.Storage.Backend)
	assert.Equal(t, "redis.internal:6380", cfg.Redis.Addr)
	assert.Equal(t, 5*time.Second, cfg.Redis.ConnectTimeout)

	store, err := cfg.NewStore()
	require.NoError(t, err)
	assert.IsType(t, &storage.RedisStore{}, store)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("cache:\n  chunk_size: 0\n"), 0644))
	_, err = Load(path)
	assert.Error(t, err)

	path = filepath.Join(t.TempDir(), "broken.yaml")
	require.NoError(t, os.WriteFile(path, []byte("cache: [unclosed"), 0644))
	_, err = Load(path)
	assert.Error(t, err)
}
