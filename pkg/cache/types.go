package cache

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"fundcache/pkg/storage"
)

// Config 缓存配置
type Config struct {
	DefaultTTL         time.Duration `mapstructure:"default_ttl"`          // 默认生存时间
	MemoryMaxItems     int           `mapstructure:"memory_max_items"`     // 内存层容量
	MemoryPolicy       PolicyType    `mapstructure:"memory_policy"`        // 内存层淘汰策略
	MemoryReapInterval time.Duration `mapstructure:"memory_reap_interval"` // 内存层过期回收间隔
	CompressThreshold  int           `mapstructure:"compress_threshold"`   // 超过该字节数默认压缩
	Compression        string        `mapstructure:"compression"`          // none | gzip | zstd
	ChunkSize          int           `mapstructure:"chunk_size"`           // 单个分片的最大字节数
	ShardThreshold     int           `mapstructure:"shard_threshold"`      // 超过该字节数自动分片
	PageSize           int           `mapstructure:"page_size"`            // 列表默认每页条数
	SweepBatchSize     int           `mapstructure:"sweep_batch_size"`     // 清理时每批扫描的键数
	SweepPause         time.Duration `mapstructure:"sweep_pause"`          // 批次之间的停顿
	OrphanGrace        time.Duration `mapstructure:"orphan_grace"`         // 孤儿分片的保留期
}

// DefaultConfig 返回默认缓存配置
func DefaultConfig() Config {
	return Config{
		DefaultTTL:         time.Hour,
		MemoryMaxItems:     100,
		MemoryPolicy:       PolicyFIFO,
		MemoryReapInterval: time.Second,
		CompressThreshold:  1024,
		Compression:        CompressionGzip,
		ChunkSize:          100 * 1024,
		ShardThreshold:     0, // 0 表示 10 × ChunkSize
		PageSize:           100,
		SweepBatchSize:     100,
		SweepPause:         0,
		OrphanGrace:        time.Minute,
	}
}

// Validate 验证配置
func (c Config) Validate() error {
	if c.DefaultTTL <= 0 {
		return fmt.Errorf("default_ttl 必须为正数")
	}
	if c.MemoryMaxItems <= 0 {
		return fmt.Errorf("memory_max_items 必须为正数")
	}
	if !isValidPolicy(c.MemoryPolicy) {
		return fmt.Errorf("无效的淘汰策略: %s", c.MemoryPolicy)
	}
	if c.MemoryReapInterval <= 0 {
		return fmt.Errorf("memory_reap_interval 必须为正数")
	}
	if c.CompressThreshold < 0 {
		return fmt.Errorf("compress_threshold 不能为负数")
	}
	if !isValidCompression(c.Compression) {
		return fmt.Errorf("无效的压缩算法: %s", c.Compression)
	}
	if c.ChunkSize <= 0 {
		return fmt.Errorf("chunk_size 必须为正数")
	}
	if c.ShardThreshold < 0 {
		return fmt.Errorf("shard_threshold 不能为负数")
	}
	if c.PageSize <= 0 {
		return fmt.Errorf("page_size 必须为正数")
	}
	if c.SweepBatchSize <= 0 {
		return fmt.Errorf("sweep_batch_size 必须为正数")
	}
	if c.SweepPause < 0 || c.OrphanGrace < 0 {
		return fmt.Errorf("sweep_pause 与 orphan_grace 不能为负数")
	}
	return nil
}

// shardThreshold 未配置时按 10 倍分片大小计算
func (c Config) shardThreshold() int {
	if c.ShardThreshold > 0 {
		return c.ShardThreshold
	}
	return 10 * c.ChunkSize
}

func isValidPolicy(p PolicyType) bool {
	switch p {
	case PolicyFIFO, PolicyLRU:
		return true
	}
	return false
}

func isValidCompression(name string) bool {
	switch name {
	case CompressionNone, CompressionGzip, CompressionZstd:
		return true
	}
	return false
}

// Option 构造 Cache 时注入的依赖
type Option func(*Cache)

// WithConfig 使用指定配置
func WithConfig(config Config) Option {
	return func(c *Cache) { c.config = config }
}

// WithClock 注入时钟，测试中用来模拟时间流逝
func WithClock(clock Clock) Option {
	return func(c *Cache) { c.clock = clock }
}

// WithLogger 注入日志条目
func WithLogger(log *logrus.Entry) Option {
	return func(c *Cache) { c.log = log }
}

// WithSerializer 替换默认的 JSON 序列化器
func WithSerializer(s Serializer) Option {
	return func(c *Cache) { c.serializer = s }
}

// WithCompressor 替换按配置创建的压缩器
func WithCompressor(comp Compressor) Option {
	return func(c *Cache) { c.compressor = comp }
}

// PutOption 单次写入的选项
type PutOption func(*putOptions)

type putOptions struct {
	ttl      time.Duration
	compress *bool
	shard    *bool
	pageSize int
}

// WithTTL 指定生存时间，非正数时使用默认值
func WithTTL(ttl time.Duration) PutOption {
	return func(o *putOptions) {
		if ttl > 0 {
			o.ttl = ttl
		}
	}
}

// WithCompress 强制开启或关闭压缩
func WithCompress(enabled bool) PutOption {
	return func(o *putOptions) { o.compress = &enabled }
}

// WithShard 强制开启或关闭分片
func WithShard(enabled bool) PutOption {
	return func(o *putOptions) { o.shard = &enabled }
}

// WithPageSize 指定列表分页大小，仅对 PutList 生效
func WithPageSize(size int) PutOption {
	return func(o *putOptions) {
		if size > 0 {
			o.pageSize = size
		}
	}
}

// 持久层记录类型
const (
	kindShard = "shard"
	kindPage  = "page"
)

// entryRecord 条目信封，存放在 entries 分区
type entryRecord struct {
	Key        string    `json:"key"`
	Value      []byte    `json:"value"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	Compressed bool      `json:"compressed"`
	Codec      string    `json:"codec,omitempty"`
	Serializer string    `json:"serializer,omitempty"`
}

// chunkRecord 分片记录，存放在 chunks 分区的 key_<i> 下
type chunkRecord struct {
	Kind       string    `json:"kind"`
	Base       string    `json:"base"`
	Index      int       `json:"index"`
	TotalCount int       `json:"total_count"`
	Data       []byte    `json:"data"`
	CreatedAt  time.Time `json:"created_at"`
	WriteID    string    `json:"write_id"`
}

// pageRecord 分页记录，存放在 chunks 分区的 key_page_<n> 下。
// Items 是该页条目切片的序列化结果。
type pageRecord struct {
	Kind       string    `json:"kind"`
	Base       string    `json:"base"`
	PageNumber int       `json:"page_number"`
	Count      int       `json:"count"`
	Items      []byte    `json:"items"`
	CreatedAt  time.Time `json:"created_at"`
	WriteID    string    `json:"write_id"`
}

// recordHeader 是分片与分页记录的公共部分，清理时只解析这些字段
type recordHeader struct {
	Kind      string    `json:"kind"`
	Base      string    `json:"base"`
	CreatedAt time.Time `json:"created_at"`
	WriteID   string    `json:"write_id"`
}

// ShardMetadata 分片集合的元数据，存放在 ttl 分区的 key 下
type ShardMetadata struct {
	Kind       string    `json:"kind"`
	TotalCount int       `json:"total_count"`
	Size       int       `json:"size"`
	Compressed bool      `json:"compressed"`
	Codec      string    `json:"codec,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	WriteID    string    `json:"write_id"`
}

// PageMetadata 分页集合的元数据，存放在 ttl 分区的 key_meta 下
type PageMetadata struct {
	Kind       string    `json:"kind"`
	TotalItems int       `json:"total_items"`
	PageSize   int       `json:"page_size"`
	TotalPages int       `json:"total_pages"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	WriteID    string    `json:"write_id"`
}

// metadataHeader 元数据的公共部分
type metadataHeader struct {
	Kind      string    `json:"kind"`
	ExpiresAt time.Time `json:"expires_at"`
	WriteID   string    `json:"write_id"`
}

// SweepResult 一次主动清理的结果
type SweepResult struct {
	StartedAt    time.Time     `json:"started_at"`
	Scanned      int           `json:"scanned"`       // 扫描的持久层记录数
	Removed      int           `json:"removed"`       // 删除的过期条目或集合数
	Corrupted    int           `json:"corrupted"`     // 删除的损坏记录数
	Orphans      int           `json:"orphans"`       // 删除的孤儿分片数
	MemoryReaped int           `json:"memory_reaped"` // 内存层回收的过期条目数
	Cancelled    bool          `json:"cancelled"`
	Duration     time.Duration `json:"duration"`
}

// Stats 缓存统计快照
type Stats struct {
	MemoryItems        int                              `json:"memory_items"`
	MemoryCapacity     int                              `json:"memory_capacity"`
	MemoryPolicy       PolicyType                       `json:"memory_policy"`
	ActiveExpiryTimers int                              `json:"active_expiry_timers"`
	MemoryEvictions    int64                            `json:"memory_evictions"`
	MemoryExpirations  int64                            `json:"memory_expirations"`
	Boxes              map[storage.Box]storage.BoxStats `json:"boxes"`
	PersistentEntries  int64                            `json:"persistent_entries"`
	ChunkRecords       int64                            `json:"chunk_records"`
	MetadataRecords    int64                            `json:"metadata_records"`
	TotalBytes         int64                            `json:"total_bytes"`
	Hits               int64                            `json:"hits"`
	MemoryHits         int64                            `json:"memory_hits"`
	Misses             int64                            `json:"misses"`
	HitRate            float64                          `json:"hit_rate"`
	Writes             int64                            `json:"writes"`
	WriteFailures      int64                            `json:"write_failures"`
	Corrupted          int64                            `json:"corrupted"`
	LastCleanup        time.Time                        `json:"last_cleanup"`
	LastSweep          *SweepResult                     `json:"last_sweep,omitempty"`
}
