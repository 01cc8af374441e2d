package cache

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	errpkg "fundcache/pkg/error"
	"fundcache/pkg/logger"
	"fundcache/pkg/storage"
)

// Cache 两级缓存：有界内存层在前，持久层（entries / chunks / ttl 三个分区）在后。
//
// 读取顺序为 内存 → 普通条目 → 分片集合 → 分页集合，命中持久层时回填内存层。
// 对外的方法不返回错误：内部实现返回错误，由这里记录日志后丢弃，
// 读取失败一律表现为未命中。
type Cache struct {
	config     Config
	store      storage.Store
	serializer Serializer
	compressor Compressor
	codecs     *codecRegistry
	memory     *MemoryTier
	clock      Clock
	log        *logrus.Entry

	locks keyLocks
	loads singleflight.Group

	initMu      sync.Mutex
	initialized atomic.Bool

	hits          atomic.Int64
	memoryHits    atomic.Int64
	misses        atomic.Int64
	writes        atomic.Int64
	writeFailures atomic.Int64
	corrupted     atomic.Int64

	sweepMu   sync.Mutex
	statsMu   sync.RWMutex
	lastSweep *SweepResult
}

// New 创建缓存。调用 Initialize 之前所有读写都视为未命中或空操作。
func New(store storage.Store, opts ...Option) *Cache {
	c := &Cache{
		config: DefaultConfig(),
		store:  store,
		clock:  SystemClock(),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.log == nil {
		c.log = logger.WithComponent("FundCache")
	}
	if c.serializer == nil {
		c.serializer = NewJSONSerializer()
	}
	if c.compressor == nil {
		comp, err := NewCompressor(c.config.Compression)
		if err != nil {
			c.log.WithError(err).Warn("压缩器创建失败，改用 gzip")
			comp = NewGzipCompressor(0)
		}
		c.compressor = comp
	}
	c.codecs = newCodecRegistry(c.compressor)
	c.memory = NewMemoryTier(MemoryTierConfig{
		MaxItems:     c.config.MemoryMaxItems,
		Policy:       c.config.MemoryPolicy,
		ReapInterval: c.config.MemoryReapInterval,
	}, c.clock, c.log.WithField("tier", "memory"))

	return c
}

// Initialize 打开持久层并启动内存层回收协程，重复调用无副作用
func (c *Cache) Initialize(ctx context.Context) error {
	c.initMu.Lock()
	defer c.initMu.Unlock()

	if c.initialized.Load() {
		return nil
	}

	if err := c.config.Validate(); err != nil {
		return WrapCacheError(ErrInitFailed, "缓存配置无效", err)
	}

	if err := c.store.Open(ctx); err != nil {
		c.log.WithError(err).Error("持久层初始化失败")
		return WrapCacheError(ErrInitFailed, "打开持久层失败", err)
	}

	c.memory.Start()
	c.initialized.Store(true)

	c.log.WithFields(logrus.Fields{
		"memory_max_items": c.config.MemoryMaxItems,
		"memory_policy":    c.config.MemoryPolicy,
		"compression":      c.compressor.Name(),
		"chunk_size":       c.config.ChunkSize,
		"shard_threshold":  c.config.shardThreshold(),
	}).Info("缓存初始化完成")
	return nil
}

// Close 停止回收协程并关闭持久层
func (c *Cache) Close() error {
	c.initMu.Lock()
	defer c.initMu.Unlock()

	if !c.initialized.Load() {
		return nil
	}
	c.initialized.Store(false)
	c.memory.Close()
	return c.store.Close()
}

// Config 返回生效的配置
func (c *Cache) Config() Config { return c.config }

// Put 写入任意可序列化的值，替换该键之前的所有表示（普通条目、分片集合、分页集合）
func (c *Cache) Put(ctx context.Context, key string, value interface{}, opts ...PutOption) {
	if err := c.put(ctx, key, value, opts...); err != nil {
		c.writeFailed(key, err)
	}
}

// Get 读取键并反序列化到 target，未命中时返回 false
func (c *Cache) Get(ctx context.Context, key string, target interface{}) bool {
	data, version, err := c.lookup(ctx, key)
	if err != nil {
		if errpkg.CodeOf(err) == ErrNotInitialized {
			c.log.WithField("key", key).Warn("缓存未初始化，读取视为未命中")
		}
		return false
	}

	if err := c.serializer.Unmarshal(data, target); err != nil {
		c.hits.Add(-1)
		c.misses.Add(1)
		c.corrupted.Add(1)
		err = WrapCacheError(ErrDeserializeFailed, "反序列化失败", err)
		c.log.WithError(err).WithField("key", key).Warn("反序列化失败，删除缓存条目")
		c.discardUnreadable(ctx, key, version)
		return false
	}
	return true
}

// discardUnreadable 读取之后该键所在条带没有写入时才删除，
// 否则新写入的值可能与本次读到的不同
func (c *Cache) discardUnreadable(ctx context.Context, key string, version uint64) {
	unlock, ok := c.locks.lockIfUnchanged(key, version)
	if !ok {
		c.log.WithField("key", key).Debug("读取后键已被改写，保留新值")
		return
	}
	defer unlock()

	c.memory.Delete(key)
	if err := c.removeAll(ctx, key); err != nil {
		c.log.WithError(err).WithField("key", key).Warn("删除缓存条目失败")
	}
}

// ContainsKey 判断任意一层是否存在未过期的记录，只读取信封和元数据
func (c *Cache) ContainsKey(ctx context.Context, key string) bool {
	if err := c.checkKey(key); err != nil {
		return false
	}
	if c.memory.Contains(key) {
		return true
	}

	now := c.clock.Now()

	if raw, err := c.store.Get(ctx, storage.BoxEntries, key); err == nil {
		var header struct {
			ExpiresAt time.Time `json:"expires_at"`
		}
		if envelope.Unmarshal(raw, &header) == nil && now.Before(header.ExpiresAt) {
			return true
		}
	}

	if raw, err := c.store.Get(ctx, storage.BoxTTL, key); err == nil {
		var meta metadataHeader
		if envelope.Unmarshal(raw, &meta) == nil && meta.Kind == kindShard && now.Before(meta.ExpiresAt) {
			return true
		}
	}

	if raw, err := c.store.Get(ctx, storage.BoxTTL, pageMetaKey(key)); err == nil {
		var meta metadataHeader
		if envelope.Unmarshal(raw, &meta) == nil && meta.Kind == kindPage && now.Before(meta.ExpiresAt) {
			return true
		}
	}

	return false
}

// Remove 删除键的所有表示，重复调用无副作用
func (c *Cache) Remove(ctx context.Context, key string) {
	if err := c.remove(ctx, key); err != nil {
		c.log.WithError(err).WithField("key", key).Warn("删除缓存条目失败")
	}
}

// Clear 清空内存层与持久层
func (c *Cache) Clear(ctx context.Context) {
	if err := c.clear(ctx); err != nil {
		c.log.WithError(err).Warn("清空缓存失败")
	}
}

// Stats 返回统计快照，不修改任何状态
func (c *Cache) Stats(ctx context.Context) Stats {
	stats := Stats{
		MemoryItems:        c.memory.Len(),
		MemoryCapacity:     c.memory.Capacity(),
		MemoryPolicy:       c.config.MemoryPolicy,
		ActiveExpiryTimers: c.memory.ActiveTimers(),
		Boxes:              make(map[storage.Box]storage.BoxStats, 3),
		Hits:               c.hits.Load(),
		MemoryHits:         c.memoryHits.Load(),
		Misses:             c.misses.Load(),
		Writes:             c.writes.Load(),
		WriteFailures:      c.writeFailures.Load(),
		Corrupted:          c.corrupted.Load(),
	}
	stats.MemoryEvictions, stats.MemoryExpirations = c.memory.Counters()

	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total)
	}

	if c.initialized.Load() {
		for _, box := range storage.Boxes() {
			boxStats, err := c.store.Stats(ctx, box)
			if err != nil {
				c.log.WithError(err).WithField("box", box).Debug("读取分区统计失败")
				continue
			}
			stats.Boxes[box] = boxStats
			stats.TotalBytes += boxStats.Bytes
		}
		stats.PersistentEntries = stats.Boxes[storage.BoxEntries].Count
		stats.ChunkRecords = stats.Boxes[storage.BoxChunks].Count
		stats.MetadataRecords = stats.Boxes[storage.BoxTTL].Count
	}

	c.statsMu.RLock()
	if c.lastSweep != nil {
		last := *c.lastSweep
		stats.LastSweep = &last
		stats.LastCleanup = last.StartedAt.Add(last.Duration)
	}
	c.statsMu.RUnlock()

	return stats
}

func (c *Cache) ready() error {
	if !c.initialized.Load() {
		return errNotInitialized
	}
	return nil
}

func (c *Cache) checkKey(key string) error {
	if err := c.ready(); err != nil {
		return err
	}
	if key == "" {
		return NewCacheError(ErrInvalidKey, "key must not be empty")
	}
	return nil
}

func (c *Cache) writeFailed(key string, err error) {
	c.writeFailures.Add(1)
	c.log.WithError(err).WithFields(logrus.Fields{
		"key":  key,
		"code": errpkg.CodeOf(err),
	}).Warn("缓存写入失败")
}

func (c *Cache) newPutOptions(opts []PutOption) putOptions {
	po := putOptions{
		ttl:      c.config.DefaultTTL,
		pageSize: c.config.PageSize,
	}
	for _, opt := range opts {
		opt(&po)
	}
	return po
}

func (c *Cache) put(ctx context.Context, key string, value interface{}, opts ...PutOption) error {
	if err := c.checkKey(key); err != nil {
		return err
	}

	data, err := c.serializer.Marshal(value)
	if err != nil {
		return WrapCacheError(ErrSerializeFailed, "序列化失败", err)
	}
	return c.putBytes(ctx, key, data, c.newPutOptions(opts))
}

// putBytes 写入已序列化的值。持久层写入成功后才更新内存层，
// 失败时内存层中该键被移除，避免留下与持久层不一致的旧值。
func (c *Cache) putBytes(ctx context.Context, key string, data []byte, po putOptions) error {
	unlock := c.locks.lock(key)
	defer unlock()

	now := c.clock.Now()
	expiresAt := now.Add(po.ttl)
	payload, compressed := c.compress(key, data, po)

	if err := c.removeAll(ctx, key); err != nil {
		c.memory.Delete(key)
		return err
	}

	var err error
	if c.shouldShard(len(payload), po) {
		err = c.writeShards(ctx, key, payload, compressed, now, expiresAt)
	} else {
		err = c.writeEntry(ctx, key, payload, compressed, now, expiresAt)
	}
	if err != nil {
		c.memory.Delete(key)
		return err
	}

	c.memory.Set(key, data, now, expiresAt)
	c.writes.Add(1)
	return nil
}

// compress 按阈值或显式选项压缩。压缩失败或没有收益时保留原始数据。
func (c *Cache) compress(key string, data []byte, po putOptions) ([]byte, bool) {
	enabled := len(data) > c.config.CompressThreshold
	if po.compress != nil {
		enabled = *po.compress
	}
	if !enabled || c.compressor.Name() == CompressionNone {
		return data, false
	}

	out, err := c.compressor.Compress(data)
	if err != nil {
		c.log.WithError(err).WithField("key", key).Warn("压缩失败，按原始数据写入")
		return data, false
	}
	if len(out) >= len(data) {
		return data, false
	}
	return out, true
}

func (c *Cache) decompress(key string, payload []byte, compressed bool, codec string) ([]byte, error) {
	if !compressed {
		return payload, nil
	}
	comp, ok := c.codecs.lookup(codec)
	if !ok {
		return nil, corrupted(key, "未知的压缩算法: "+codec, nil)
	}
	out, err := comp.Decompress(payload)
	if err != nil {
		return nil, corrupted(key, "解压失败", WrapCacheError(ErrCompressFailed, codec, err))
	}
	return out, nil
}

func (c *Cache) shouldShard(size int, po putOptions) bool {
	if po.shard != nil {
		return *po.shard && size > c.config.ChunkSize
	}
	return size > c.config.shardThreshold()
}

func (c *Cache) writeEntry(ctx context.Context, key string, payload []byte, compressed bool, createdAt, expiresAt time.Time) error {
	rec := entryRecord{
		Key:        key,
		Value:      payload,
		CreatedAt:  createdAt,
		ExpiresAt:  expiresAt,
		Compressed: compressed,
		Serializer: c.serializer.Name(),
	}
	if compressed {
		rec.Codec = c.compressor.Name()
	}

	raw, err := envelope.Marshal(&rec)
	if err != nil {
		return WrapCacheError(ErrSerializeFailed, "条目信封编码失败", err)
	}
	if err := c.store.Put(ctx, storage.BoxEntries, key, raw); err != nil {
		return WrapCacheError(ErrWriteFailed, "写入条目失败", err)
	}
	return nil
}

// readEntry 读取普通条目，过期或损坏的记录被删除
func (c *Cache) readEntry(ctx context.Context, key string) ([]byte, time.Time, time.Time, error) {
	raw, err := c.store.Get(ctx, storage.BoxEntries, key)
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, time.Time{}, time.Time{}, errMiss
		}
		return nil, time.Time{}, time.Time{}, err
	}

	var rec entryRecord
	if err := envelope.Unmarshal(raw, &rec); err != nil || rec.Key != key {
		c.discardEntry(ctx, key, raw)
		return nil, time.Time{}, time.Time{}, corrupted(key, "条目信封无法解析", err)
	}

	if !c.clock.Now().Before(rec.ExpiresAt) {
		c.discardEntry(ctx, key, raw)
		return nil, time.Time{}, time.Time{}, errExpired
	}

	data, err := c.decompress(key, rec.Value, rec.Compressed, rec.Codec)
	if err != nil {
		c.discardEntry(ctx, key, raw)
		return nil, time.Time{}, time.Time{}, err
	}
	return data, rec.CreatedAt, rec.ExpiresAt, nil
}

// lookup 按层级顺序查找，返回序列化后的值和读取开始前键所在条带的序号
func (c *Cache) lookup(ctx context.Context, key string) ([]byte, uint64, error) {
	if err := c.checkKey(key); err != nil {
		return nil, 0, err
	}

	version := c.locks.version(key)
	if data, ok := c.memory.Get(key); ok {
		c.hits.Add(1)
		c.memoryHits.Add(1)
		return data, version, nil
	}

	readers := []func(context.Context, string) ([]byte, time.Time, time.Time, error){
		c.readEntry,
		c.readShards,
		c.readPageSet,
	}
	for _, read := range readers {
		data, createdAt, expiresAt, err := read(ctx, key)
		if err == nil {
			// 读取期间有写入或删除时不回填，避免把旧值放回内存层
			c.locks.ifUnchanged(key, version, func() {
				c.memory.Set(key, data, createdAt, expiresAt)
			})
			c.hits.Add(1)
			return data, version, nil
		}
		c.noteReadError(key, err)
	}

	c.misses.Add(1)
	return nil, version, errMiss
}

func (c *Cache) noteReadError(key string, err error) {
	switch {
	case IsMiss(err):
	case IsCorrupted(err):
		c.corrupted.Add(1)
		c.log.WithError(err).WithField("key", key).Warn("缓存数据损坏，已删除")
	default:
		c.log.WithError(err).WithField("key", key).Warn("读取持久层失败")
	}
}

func (c *Cache) remove(ctx context.Context, key string) error {
	if err := c.checkKey(key); err != nil {
		return err
	}

	unlock := c.locks.lock(key)
	defer unlock()

	c.memory.Delete(key)
	return c.removeAll(ctx, key)
}

// removeAll 删除键在持久层的全部表示，调用方持有键锁
func (c *Cache) removeAll(ctx context.Context, key string) error {
	var firstErr error
	if err := c.store.Delete(ctx, storage.BoxEntries, key); err != nil {
		firstErr = WrapCacheError(ErrWriteFailed, "删除条目失败", err)
	}
	if err := c.removeShardSet(ctx, key); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := c.removePageSet(ctx, key); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (c *Cache) clear(ctx context.Context) error {
	if err := c.ready(); err != nil {
		return err
	}

	unlock := c.locks.lockAll()
	defer unlock()

	c.memory.Clear()

	var firstErr error
	for _, box := range storage.Boxes() {
		if err := c.store.Clear(ctx, box); err != nil && firstErr == nil {
			firstErr = WrapCacheError(ErrWriteFailed, "清空分区失败: "+string(box), err)
		}
	}
	c.log.Info("缓存已清空")
	return firstErr
}

// discardEntry 在键锁内确认记录未被并发覆盖后删除
func (c *Cache) discardEntry(ctx context.Context, key string, seen []byte) bool {
	unlock := c.locks.lock(key)
	defer unlock()

	current, err := c.store.Get(ctx, storage.BoxEntries, key)
	if err != nil || !bytes.Equal(current, seen) {
		return false
	}
	if err := c.store.Delete(ctx, storage.BoxEntries, key); err != nil {
		c.log.WithError(err).WithField("key", key).Warn("删除条目失败")
		return false
	}
	c.memory.Delete(key)
	return true
}

// deleteRecordRun 从 0 开始依次删除 keyFn(i) 下属于 base 的记录。
// 至少检查 known 个下标，之后遇到第一个缺失的下标停止；
// 连续缺失超过 maxMissingRun 个时无论 known 为多少都停止。
func (c *Cache) deleteRecordRun(ctx context.Context, base string, known int, keyFn func(string, int) string) (int, error) {
	removed := 0
	missing := 0
	for i := 0; ; i++ {
		if err := ctx.Err(); err != nil {
			return removed, err
		}

		physical := keyFn(base, i)
		raw, err := c.store.Get(ctx, storage.BoxChunks, physical)
		if err != nil && !storage.IsNotFound(err) {
			return removed, WrapCacheError(ErrWriteFailed, "读取分片失败", err)
		}

		var header recordHeader
		skip := err != nil ||
			(envelope.Unmarshal(raw, &header) == nil && header.Base != "" && header.Base != base) // 物理键与另一个集合重名
		if skip {
			missing++
			if i >= known || missing > maxMissingRun {
				return removed, nil
			}
			continue
		}
		missing = 0

		if err := c.store.Delete(ctx, storage.BoxChunks, physical); err != nil {
			return removed, WrapCacheError(ErrWriteFailed, "删除分片失败", err)
		}
		removed++
	}
}
