package cache

import (
	"bytes"
	"context"
	"errors"
	"runtime"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"fundcache/pkg/storage"
)

// sweepState 一次清理的中间状态
type sweepState struct {
	now    time.Time
	result SweepResult
	// owners 缓存本次清理中查到的集合元数据 write_id，键为 kind + "\x00" + base
	owners map[string]string
}

// CleanupExpired 主动清理：回收内存层的过期条目，再分批扫描三个持久分区，
// 删除过期或损坏的记录以及超过保留期的孤儿分片。
// 批次之间让出调度，ctx 取消时返回已完成部分的结果。
func (c *Cache) CleanupExpired(ctx context.Context, batchSize int) SweepResult {
	result, err := c.cleanupExpired(ctx, batchSize)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			c.log.WithError(err).Info("清理任务被取消")
		} else {
			c.log.WithError(err).Warn("清理过期条目失败")
		}
	}
	return result
}

func (c *Cache) cleanupExpired(ctx context.Context, batchSize int) (SweepResult, error) {
	if err := c.ready(); err != nil {
		return SweepResult{}, err
	}
	if batchSize <= 0 {
		batchSize = c.config.SweepBatchSize
	}

	c.sweepMu.Lock()
	defer c.sweepMu.Unlock()

	begin := time.Now()
	st := &sweepState{
		now:    c.clock.Now(),
		owners: make(map[string]string),
	}
	st.result.StartedAt = st.now
	st.result.MemoryReaped = c.memory.ReapExpired(st.now)

	passes := []struct {
		box   storage.Box
		visit func(context.Context, *sweepState, string)
	}{
		{storage.BoxEntries, c.sweepEntry},
		{storage.BoxTTL, c.sweepMetadata},
		{storage.BoxChunks, c.sweepChunk},
	}

	var err error
	for _, pass := range passes {
		if err = c.sweepBox(ctx, st, pass.box, batchSize, pass.visit); err != nil {
			break
		}
	}

	st.result.Duration = time.Since(begin)
	st.result.Cancelled = err != nil && ctx.Err() != nil
	c.recordSweep(st.result)

	c.log.WithFields(logrus.Fields{
		"scanned":       st.result.Scanned,
		"removed":       st.result.Removed,
		"corrupted":     st.result.Corrupted,
		"orphans":       st.result.Orphans,
		"memory_reaped": st.result.MemoryReaped,
		"duration":      st.result.Duration,
		"cancelled":     st.result.Cancelled,
	}).Info("缓存清理完成")

	return st.result, err
}

// sweepBox 分批遍历一个分区
func (c *Cache) sweepBox(ctx context.Context, st *sweepState, box storage.Box, batchSize int, visit func(context.Context, *sweepState, string)) error {
	cursor := ""
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		keys, next, err := c.store.Scan(ctx, box, cursor, batchSize)
		if err != nil {
			return err
		}
		for _, key := range keys {
			st.result.Scanned++
			visit(ctx, st, key)
		}

		if next == "" {
			return nil
		}
		cursor = next

		if err := c.yield(ctx); err != nil {
			return err
		}
	}
}

// yield 批次之间让出调度，可选地停顿 SweepPause
func (c *Cache) yield(ctx context.Context) error {
	runtime.Gosched()
	if c.config.SweepPause <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(c.config.SweepPause)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (c *Cache) sweepEntry(ctx context.Context, st *sweepState, key string) {
	raw, err := c.store.Get(ctx, storage.BoxEntries, key)
	if err != nil {
		return
	}

	var header struct {
		Key       string    `json:"key"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	if err := envelope.Unmarshal(raw, &header); err != nil || header.Key != key {
		if c.discardEntry(ctx, key, raw) {
			st.result.Corrupted++
		}
		return
	}

	if !st.now.Before(header.ExpiresAt) && c.discardEntry(ctx, key, raw) {
		st.result.Removed++
	}
}

// sweepMetadata 元数据决定整个集合的生命周期，分片本身不带过期时间
func (c *Cache) sweepMetadata(ctx context.Context, st *sweepState, key string) {
	raw, err := c.store.Get(ctx, storage.BoxTTL, key)
	if err != nil {
		return
	}

	var header metadataHeader
	parseErr := envelope.Unmarshal(raw, &header)
	base, isPageMeta := strings.CutSuffix(key, "_meta")

	switch {
	case parseErr == nil && header.Kind == kindShard:
		if !st.now.Before(header.ExpiresAt) && c.discardShardSet(ctx, key, raw) {
			st.result.Removed++
		}
	case parseErr == nil && header.Kind == kindPage && isPageMeta:
		if !st.now.Before(header.ExpiresAt) && c.discardPageSet(ctx, base, raw) {
			st.result.Removed++
		}
	default:
		// 无法解析或类型未知时按键名推断集合类型
		removed := false
		if isPageMeta {
			removed = c.discardPageSet(ctx, base, raw)
		}
		if !removed {
			removed = c.discardShardSet(ctx, key, raw)
		}
		if removed {
			st.result.Corrupted++
		}
	}
}

// sweepChunk 删除不属于任何有效集合且超过保留期的分片或分页
func (c *Cache) sweepChunk(ctx context.Context, st *sweepState, key string) {
	raw, err := c.store.Get(ctx, storage.BoxChunks, key)
	if err != nil {
		return
	}

	var header recordHeader
	if err := envelope.Unmarshal(raw, &header); err != nil || header.Base == "" ||
		(header.Kind != kindShard && header.Kind != kindPage) {
		// 无法归属任何集合
		if err := c.store.Delete(ctx, storage.BoxChunks, key); err == nil {
			st.result.Corrupted++
		}
		return
	}

	if st.now.Sub(header.CreatedAt) < c.config.OrphanGrace {
		return
	}

	ownerKey := header.Kind + "\x00" + header.Base
	writeID, cached := st.owners[ownerKey]
	if !cached {
		writeID = c.ownerWriteID(ctx, header.Kind, header.Base)
		st.owners[ownerKey] = writeID
	}
	if writeID == header.WriteID {
		return
	}

	if c.discardOrphan(ctx, key, header, raw) {
		st.result.Orphans++
	}
}

// ownerWriteID 返回集合元数据中的 write_id，元数据缺失或类型不符时返回空串
func (c *Cache) ownerWriteID(ctx context.Context, kind, base string) string {
	metaKey := base
	if kind == kindPage {
		metaKey = pageMetaKey(base)
	}

	raw, err := c.store.Get(ctx, storage.BoxTTL, metaKey)
	if err != nil {
		return ""
	}
	var header metadataHeader
	if envelope.Unmarshal(raw, &header) != nil || header.Kind != kind {
		return ""
	}
	return header.WriteID
}

// discardOrphan 在集合的键锁内重新确认后删除孤儿记录
func (c *Cache) discardOrphan(ctx context.Context, key string, header recordHeader, seen []byte) bool {
	unlock := c.locks.lock(header.Base)
	defer unlock()

	if c.ownerWriteID(ctx, header.Kind, header.Base) == header.WriteID {
		return false
	}

	current, err := c.store.Get(ctx, storage.BoxChunks, key)
	if err != nil || !bytes.Equal(current, seen) {
		return false
	}
	if err := c.store.Delete(ctx, storage.BoxChunks, key); err != nil {
		c.log.WithError(err).WithField("key", key).Warn("删除孤儿分片失败")
		return false
	}
	return true
}

func (c *Cache) recordSweep(result SweepResult) {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	c.lastSweep = &result
}
