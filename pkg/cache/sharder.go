package cache

import (
	"bytes"
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"fundcache/pkg/storage"
)

// writeShards 把负载切成不超过 ChunkSize 的分片写入 chunks 分区，
// 全部分片写完后才写元数据。调用方持有键锁并已删除旧的元数据。
func (c *Cache) writeShards(ctx context.Context, key string, payload []byte, compressed bool, createdAt, expiresAt time.Time) error {
	writeID := uuid.NewString()
	chunkSize := c.config.ChunkSize
	total := (len(payload) + chunkSize - 1) / chunkSize
	if total == 0 {
		total = 1
	}

	for i := 0; i < total; i++ {
		start := i * chunkSize
		end := start + chunkSize
		if end > len(payload) {
			end = len(payload)
		}

		rec := chunkRecord{
			Kind:       kindShard,
			Base:       key,
			Index:      i,
			TotalCount: total,
			Data:       payload[start:end],
			CreatedAt:  createdAt,
			WriteID:    writeID,
		}
		raw, err := envelope.Marshal(&rec)
		if err == nil {
			err = c.store.Put(ctx, storage.BoxChunks, chunkKey(key, i), raw)
		}
		if err != nil {
			c.abortSet(ctx, key, i+1, chunkKey)
			return WrapCacheError(ErrWriteFailed, "写入分片失败", err)
		}
	}

	meta := ShardMetadata{
		Kind:       kindShard,
		TotalCount: total,
		Size:       len(payload),
		Compressed: compressed,
		CreatedAt:  createdAt,
		ExpiresAt:  expiresAt,
		WriteID:    writeID,
	}
	if compressed {
		meta.Codec = c.compressor.Name()
	}
	raw, err := envelope.Marshal(&meta)
	if err == nil {
		err = c.store.Put(ctx, storage.BoxTTL, key, raw)
	}
	if err != nil {
		c.abortSet(ctx, key, total, chunkKey)
		return WrapCacheError(ErrWriteFailed, "写入分片元数据失败", err)
	}

	c.log.WithFields(logrus.Fields{
		"key":    key,
		"chunks": total,
		"size":   len(payload),
	}).Debug("分片写入完成")
	return nil
}

// abortSet 尽力删除写入失败时已经写下的记录，剩余部分交给清理任务
func (c *Cache) abortSet(ctx context.Context, key string, written int, keyFn func(string, int) string) {
	for i := 0; i < written; i++ {
		if err := c.store.Delete(ctx, storage.BoxChunks, keyFn(key, i)); err != nil {
			c.log.WithError(err).WithField("key", key).Debug("回滚分片失败")
			return
		}
	}
}

// readShards 读取并重组分片集合
func (c *Cache) readShards(ctx context.Context, key string) ([]byte, time.Time, time.Time, error) {
	var zero time.Time

	raw, err := c.store.Get(ctx, storage.BoxTTL, key)
	if err != nil {
		if storage.IsNotFound(err) {
			c.dropOrphanShards(ctx, key)
			return nil, zero, zero, errMiss
		}
		return nil, zero, zero, err
	}

	var meta ShardMetadata
	if err := envelope.Unmarshal(raw, &meta); err != nil {
		c.discardShardSet(ctx, key, raw)
		return nil, zero, zero, corrupted(key, "分片元数据无法解析", err)
	}
	if meta.Kind == kindPage {
		// 该元数据属于另一个键的分页集合
		return nil, zero, zero, errMiss
	}
	if !validShardMeta(meta) {
		c.discardShardSet(ctx, key, raw)
		return nil, zero, zero, corrupted(key, "分片元数据无效", nil)
	}

	if !c.clock.Now().Before(meta.ExpiresAt) {
		c.discardShardSet(ctx, key, raw)
		return nil, zero, zero, errExpired
	}

	payload := make([]byte, 0, capHint(meta.Size))
	for i := 0; i < meta.TotalCount; i++ {
		chunkRaw, err := c.store.Get(ctx, storage.BoxChunks, chunkKey(key, i))
		if err != nil && !storage.IsNotFound(err) {
			return nil, zero, zero, err
		}

		var rec chunkRecord
		reason := ""
		switch {
		case err != nil:
			reason = "分片缺失"
		case envelope.Unmarshal(chunkRaw, &rec) != nil:
			reason = "分片无法解析"
		case rec.Kind != kindShard || rec.Base != key || rec.Index != i:
			reason = "分片与元数据不匹配"
		case rec.WriteID != meta.WriteID:
			reason = "分片来自另一次写入"
		}
		if reason != "" {
			c.log.WithFields(logrus.Fields{
				"key":   key,
				"index": i,
				"total": meta.TotalCount,
			}).Warn("分片集合不完整: " + reason)
			c.discardShardSet(ctx, key, raw)
			return nil, zero, zero, corrupted(key, reason, nil)
		}

		payload = append(payload, rec.Data...)
	}

	if len(payload) != meta.Size {
		c.discardShardSet(ctx, key, raw)
		return nil, zero, zero, corrupted(key, "分片总长度与元数据不一致", nil)
	}

	data, err := c.decompress(key, payload, meta.Compressed, meta.Codec)
	if err != nil {
		c.discardShardSet(ctx, key, raw)
		return nil, zero, zero, err
	}
	return data, meta.CreatedAt, meta.ExpiresAt, nil
}

// validShardMeta 除空负载外每个分片至少一个字节，分片数不会超过负载长度
func validShardMeta(meta ShardMetadata) bool {
	if meta.Kind != kindShard || meta.Size < 0 {
		return false
	}
	if meta.TotalCount <= 0 || meta.TotalCount > maxSetRecords {
		return false
	}
	return meta.TotalCount <= max(meta.Size, 1)
}

// removeShardSet 删除分片及其元数据，调用方持有键锁
func (c *Cache) removeShardSet(ctx context.Context, key string) error {
	known := 0
	ownsMeta := false

	raw, err := c.store.Get(ctx, storage.BoxTTL, key)
	switch {
	case err == nil:
		var meta ShardMetadata
		if envelope.Unmarshal(raw, &meta) != nil {
			ownsMeta = true
		} else if meta.Kind != kindPage {
			ownsMeta = true
			if validShardMeta(meta) {
				known = meta.TotalCount
			}
		}
	case !storage.IsNotFound(err):
		return WrapCacheError(ErrWriteFailed, "读取分片元数据失败", err)
	}

	if _, err := c.deleteRecordRun(ctx, key, known, chunkKey); err != nil {
		return err
	}

	if ownsMeta {
		if err := c.store.Delete(ctx, storage.BoxTTL, key); err != nil {
			return WrapCacheError(ErrWriteFailed, "删除分片元数据失败", err)
		}
	}
	return nil
}

// discardShardSet 在键锁内确认元数据仍是 seen 后删除整个集合。
// seen 为 nil 表示元数据本就不存在，此时只清理孤儿分片。
func (c *Cache) discardShardSet(ctx context.Context, key string, seen []byte) bool {
	unlock := c.locks.lock(key)
	defer unlock()

	current, err := c.store.Get(ctx, storage.BoxTTL, key)
	switch {
	case err == nil:
		if seen == nil || !bytes.Equal(current, seen) {
			return false
		}
	case !storage.IsNotFound(err):
		return false
	}

	if err := c.removeShardSet(ctx, key); err != nil {
		c.log.WithError(err).WithField("key", key).Warn("删除分片集合失败")
		return false
	}
	if seen != nil {
		c.memory.Delete(key)
	}
	return true
}

// dropOrphanShards 元数据缺失时顺带清理残留的分片
func (c *Cache) dropOrphanShards(ctx context.Context, key string) {
	if _, err := c.store.Get(ctx, storage.BoxChunks, chunkKey(key, 0)); err != nil {
		return
	}
	if c.discardShardSet(ctx, key, nil) {
		c.log.WithField("key", key).Debug("清理无元数据的孤儿分片")
	}
}
