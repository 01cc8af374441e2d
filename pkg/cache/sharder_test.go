package cache

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fundcache/pkg/storage"
)

func shardConfig(cfg *Config) {
	cfg.ChunkSize = 10 * 1024
	cfg.ShardThreshold = 10 * 1024
}

func readShardMeta(t *testing.T, s storage.Store, key string) ShardMetadata {
	t.Helper()
	raw, err := s.Get(context.Background(), storage.BoxTTL, key)
	require.NoError(t, err)
	var meta ShardMetadata
	require.NoError(t, envelope.Unmarshal(raw, &meta))
	return meta
}

func TestSharder_DetailScenario(t *testing.T) {
	c, _, store := newTestCache(t, shardConfig)
	ctx := context.Background()

	// 序列化后正好 50 KiB（含两侧引号）
	blob := strings.Repeat("a", 50*1024-2)
	c.Put(ctx, "detail:AB12", blob, WithTTL(2*time.Hour), WithCompress(false))

	assert.Equal(t, int64(0), boxCount(t, store, storage.BoxEntries))
	assert.Equal(t, int64(5), boxCount(t, store, storage.BoxChunks))
	assert.Equal(t, int64(1), boxCount(t, store, storage.BoxTTL))

	meta := readShardMeta(t, store, "detail:AB12")
	assert.Equal(t, 5, meta.TotalCount)
	assert.Equal(t, 50*1024, meta.Size)
	assert.False(t, meta.Compressed)
	assert.NotEmpty(t, meta.WriteID)

	for i := 0; i < 5; i++ {
		_, err := store.Get(ctx, storage.BoxChunks, chunkKey("detail:AB12", i))
		assert.NoError(t, err, "chunk %d", i)
	}

	c.memory.Clear()
	got, ok := Get[string](ctx, c, "detail:AB12")
	require.True(t, ok)
	assert.Equal(t, blob, got)
}

func TestSharder_CompressedShards(t *testing.T) {
	c, _, store := newTestCache(t, func(cfg *Config) {
		cfg.ChunkSize = 64
		cfg.ShardThreshold = 64
		cfg.Compression = CompressionZstd
	})
	ctx := context.Background()

	details := make([]fundDetail, 200)
	for i := range details {
		details[i] = fundDetail{Code: "AB12", Name: "测试基金", NAV: float64(i), Managers: []string{"王五"}}
	}
	c.Put(ctx, "detail:AB12", details)

	meta := readShardMeta(t, store, "detail:AB12")
	assert.True(t, meta.Compressed)
	assert.Equal(t, CompressionZstd, meta.Codec)
	assert.Greater(t, meta.TotalCount, 1)

	c.memory.Clear()
	got, ok := Get[[]fundDetail](ctx, c, "detail:AB12")
	require.True(t, ok)
	assert.Equal(t, details, got)
}

func TestSharder_ForcedShard(t *testing.T) {
	c, _, store := newTestCache(t, func(cfg *Config) {
		cfg.ChunkSize = 100
		cfg.Compression = CompressionNone
	})
	ctx := context.Background()

	value := strings.Repeat("b", 250)

	// 默认阈值为 10 倍分片大小，252 字节不分片
	c.Put(ctx, "default", value)
	assert.Equal(t, int64(1), boxCount(t, store, storage.BoxEntries))
	assert.Equal(t, int64(0), boxCount(t, store, storage.BoxChunks))

	c.Put(ctx, "forced", value, WithShard(true))
	assert.Equal(t, int64(3), boxCount(t, store, storage.BoxChunks))
	assert.Equal(t, 3, readShardMeta(t, store, "forced").TotalCount)

	// 不超过一个分片时即使强制也写普通条目
	c.Put(ctx, "tiny", "x", WithShard(true))
	_, err := store.Get(ctx, storage.BoxEntries, "tiny")
	assert.NoError(t, err)

	c.Put(ctx, "never", strings.Repeat("c", 5000), WithShard(false))
	_, err = store.Get(ctx, storage.BoxEntries, "never")
	assert.NoError(t, err)
	assert.Equal(t, int64(3), boxCount(t, store, storage.BoxChunks))

	c.memory.Clear()
	assert.Equal(t, value, GetOr(ctx, c, "forced", ""))
	assert.Equal(t, strings.Repeat("c", 5000), GetOr(ctx, c, "never", ""))
}

func TestSharder_MissingChunk(t *testing.T) {
	c, _, store := newTestCache(t, shardConfig)
	ctx := context.Background()

	c.Put(ctx, "detail:AB12", strings.Repeat("a", 50*1024-2), WithCompress(false))
	c.memory.Clear()
	require.NoError(t, store.Delete(ctx, storage.BoxChunks, chunkKey("detail:AB12", 3)))

	_, ok := Get[string](ctx, c, "detail:AB12")
	assert.False(t, ok)

	// 不完整的集合整体删除
	assert.Equal(t, int64(0), boxCount(t, store, storage.BoxChunks))
	assert.Equal(t, int64(0), boxCount(t, store, storage.BoxTTL))
	assert.Equal(t, int64(1), c.Stats(ctx).Corrupted)
}

func TestSharder_InvalidMetadata(t *testing.T) {
	c, clock, store := newTestCache(t, shardConfig)
	ctx := context.Background()

	cases := map[string]ShardMetadata{
		"negative_size":   {TotalCount: 1, Size: -1},
		"too_many_chunks": {TotalCount: 5, Size: 3},
		"huge_count":      {TotalCount: 1 << 40, Size: 1 << 41},
		"zero_count":      {TotalCount: 0, Size: 10},
	}
	for name, meta := range cases {
		t.Run(name, func(t *testing.T) {
			meta.Kind = kindShard
			meta.WriteID = "w1"
			meta.CreatedAt = clock.Now()
			meta.ExpiresAt = clock.Now().Add(time.Hour)
			putMeta(t, store, "detail:bad", &meta)

			// 元数据无效时不分配、不遍历，直接当作损坏删除
			assert.NotPanics(t, func() {
				_, ok := Get[string](ctx, c, "detail:bad")
				assert.False(t, ok)
			})
			assert.Equal(t, int64(0), boxCount(t, store, storage.BoxTTL))
		})
	}
	assert.Equal(t, int64(len(cases)), c.Stats(ctx).Corrupted)
}

func TestSharder_CorruptCountBoundsDeletion(t *testing.T) {
	c, clock, store := newTestCache(t, shardConfig)
	ctx := context.Background()

	// 形式上合法但声称远多于实际的分片数，只有第 0 片存在
	rec := chunkRecord{Kind: kindShard, Base: "detail:big", Index: 0, TotalCount: maxSetRecords, Data: []byte("x"), WriteID: "w1"}
	raw, err := envelope.Marshal(&rec)
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, storage.BoxChunks, chunkKey("detail:big", 0), raw))
	putMeta(t, store, "detail:big", &ShardMetadata{
		Kind:       kindShard,
		TotalCount: maxSetRecords,
		Size:       maxSetRecords * 10,
		CreatedAt:  clock.Now(),
		ExpiresAt:  clock.Now().Add(time.Hour),
		WriteID:    "w1",
	})

	store.resetCounts()
	_, ok := Get[string](ctx, c, "detail:big")
	assert.False(t, ok)
	assert.Equal(t, int64(0), boxCount(t, store, storage.BoxChunks))
	assert.Equal(t, int64(0), boxCount(t, store, storage.BoxTTL))

	// 删除在连续缺失若干下标后停止，而不是遍历到声称的分片数
	assert.Less(t, store.boxGets(storage.BoxChunks), 4*maxMissingRun)

	// 写入同一条带的键不会被阻塞
	c.Put(ctx, "detail:big", "ok")
	got, ok := Get[string](ctx, c, "detail:big")
	require.True(t, ok)
	assert.Equal(t, "ok", got)
}

func TestSharder_ForeignWriteID(t *testing.T) {
	c, _, store := newTestCache(t, shardConfig)
	ctx := context.Background()

	c.Put(ctx, "detail:AB12", strings.Repeat("a", 30*1024), WithCompress(false))
	c.memory.Clear()

	raw, err := store.Get(ctx, storage.BoxChunks, chunkKey("detail:AB12", 1))
	require.NoError(t, err)
	var rec chunkRecord
	require.NoError(t, envelope.Unmarshal(raw, &rec))
	rec.WriteID = "another-write"
	raw, err = envelope.Marshal(&rec)
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, storage.BoxChunks, chunkKey("detail:AB12", 1), raw))

	_, ok := Get[string](ctx, c, "detail:AB12")
	assert.False(t, ok)
	assert.False(t, c.ContainsKey(ctx, "detail:AB12"))
	assert.Equal(t, int64(0), boxCount(t, store, storage.BoxChunks))
}

func TestSharder_Expired(t *testing.T) {
	c, clock, store := newTestCache(t, shardConfig)
	ctx := context.Background()

	c.Put(ctx, "detail:AB12", strings.Repeat("a", 30*1024), WithTTL(2*time.Hour), WithCompress(false))
	c.memory.Clear()

	clock.Advance(2 * time.Hour)
	_, ok := Get[string](ctx, c, "detail:AB12")
	assert.False(t, ok)
	assert.Equal(t, int64(0), boxCount(t, store, storage.BoxChunks))
	assert.Equal(t, int64(0), boxCount(t, store, storage.BoxTTL))
	assert.Equal(t, int64(0), c.Stats(ctx).Corrupted)
}

func TestSharder_OrphanChunksDroppedOnRead(t *testing.T) {
	c, _, store := newTestCache(t, shardConfig)
	ctx := context.Background()

	// 模拟写到一半崩溃：分片已写入，元数据未写
	for i := 0; i < 2; i++ {
		rec := chunkRecord{Kind: kindShard, Base: "detail:AB12", Index: i, TotalCount: 3, Data: []byte("partial"), WriteID: "crashed"}
		raw, err := envelope.Marshal(&rec)
		require.NoError(t, err)
		require.NoError(t, store.Put(ctx, storage.BoxChunks, chunkKey("detail:AB12", i), raw))
	}

	_, ok := Get[string](ctx, c, "detail:AB12")
	assert.False(t, ok)
	assert.Equal(t, int64(0), boxCount(t, store, storage.BoxChunks))
}

func TestSharder_MetadataKindCollision(t *testing.T) {
	c, _, store := newTestCache(t, func(cfg *Config) {
		cfg.ChunkSize = 64
		cfg.ShardThreshold = 64
		cfg.Compression = CompressionNone
	})
	ctx := context.Background()

	// "ranking_meta" 的分片元数据与 "ranking" 的分页元数据共用同一个物理键
	value := strings.Repeat("m", 200)
	c.Put(ctx, "ranking_meta", value)
	c.memory.Clear()

	_, ok := GetList[int](ctx, c, "ranking")
	assert.False(t, ok)
	_, ok = c.ListInfo(ctx, "ranking")
	assert.False(t, ok)

	// 不属于自己的元数据不会被删除
	assert.Equal(t, value, GetOr(ctx, c, "ranking_meta", ""))
	assert.Equal(t, int64(1), boxCount(t, store, storage.BoxTTL))
	assert.Equal(t, int64(0), c.Stats(ctx).Corrupted)
}

func TestSharder_WriteFailureRollsBack(t *testing.T) {
	c, _, store := newTestCache(t, shardConfig)
	ctx := context.Background()

	store.setFailPut(func(box storage.Box, key string) error {
		if box == storage.BoxTTL {
			return assert.AnError
		}
		return nil
	})
	c.Put(ctx, "detail:AB12", strings.Repeat("a", 30*1024), WithCompress(false))
	store.setFailPut(nil)

	assert.Equal(t, int64(0), boxCount(t, store, storage.BoxChunks))
	assert.Equal(t, int64(0), boxCount(t, store, storage.BoxTTL))
	assert.False(t, c.ContainsKey(ctx, "detail:AB12"))
	assert.Equal(t, int64(1), c.Stats(ctx).WriteFailures)
}
