package cache

import (
	"bytes"
	"context"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"

	"fundcache/pkg/storage"
)

// writePageSet 按 pageSize 切分列表，逐页写入 chunks 分区，最后写元数据。
// 调用方持有键锁并已删除该键之前的所有表示。
func writePageSet[T any](ctx context.Context, c *Cache, key string, items []T, pageSize int, createdAt, expiresAt time.Time) error {
	writeID := uuid.NewString()
	totalPages := (len(items) + pageSize - 1) / pageSize

	for p := 0; p < totalPages; p++ {
		start := p * pageSize
		end := start + pageSize
		if end > len(items) {
			end = len(items)
		}

		encoded, err := c.serializer.Marshal(items[start:end])
		if err != nil {
			c.abortSet(ctx, key, p, pageKey)
			return WrapCacheError(ErrSerializeFailed, "分页序列化失败", err)
		}

		rec := pageRecord{
			Kind:       kindPage,
			Base:       key,
			PageNumber: p,
			Count:      end - start,
			Items:      encoded,
			CreatedAt:  createdAt,
			WriteID:    writeID,
		}
		raw, err := envelope.Marshal(&rec)
		if err == nil {
			err = c.store.Put(ctx, storage.BoxChunks, pageKey(key, p), raw)
		}
		if err != nil {
			c.abortSet(ctx, key, p+1, pageKey)
			return WrapCacheError(ErrWriteFailed, "写入分页失败", err)
		}
	}

	meta := PageMetadata{
		Kind:       kindPage,
		TotalItems: len(items),
		PageSize:   pageSize,
		TotalPages: totalPages,
		CreatedAt:  createdAt,
		ExpiresAt:  expiresAt,
		WriteID:    writeID,
	}
	raw, err := envelope.Marshal(&meta)
	if err == nil {
		err = c.store.Put(ctx, storage.BoxTTL, pageMetaKey(key), raw)
	}
	if err != nil {
		c.abortSet(ctx, key, totalPages, pageKey)
		return WrapCacheError(ErrWriteFailed, "写入分页元数据失败", err)
	}

	c.log.WithFields(logrus.Fields{
		"key":   key,
		"items": len(items),
		"pages": totalPages,
	}).Debug("分页写入完成")
	return nil
}

// loadPageMeta 读取并校验分页元数据，过期或损坏时删除整个集合
func (c *Cache) loadPageMeta(ctx context.Context, key string) (PageMetadata, []byte, error) {
	raw, err := c.store.Get(ctx, storage.BoxTTL, pageMetaKey(key))
	if err != nil {
		if storage.IsNotFound(err) {
			c.dropOrphanPages(ctx, key)
			return PageMetadata{}, nil, errMiss
		}
		return PageMetadata{}, nil, err
	}

	var meta PageMetadata
	if err := envelope.Unmarshal(raw, &meta); err != nil {
		c.discardPageSet(ctx, key, raw)
		return PageMetadata{}, nil, corrupted(key, "分页元数据无法解析", err)
	}
	if meta.Kind == kindShard {
		// 该元数据属于另一个键的分片集合
		return PageMetadata{}, nil, errMiss
	}
	if meta.Kind != kindPage || !validPageMeta(meta) {
		c.discardPageSet(ctx, key, raw)
		return PageMetadata{}, nil, corrupted(key, "分页元数据无效", nil)
	}

	if !c.clock.Now().Before(meta.ExpiresAt) {
		c.discardPageSet(ctx, key, raw)
		return PageMetadata{}, nil, errExpired
	}
	return meta, raw, nil
}

func validPageMeta(meta PageMetadata) bool {
	if meta.PageSize <= 0 || meta.TotalItems < 0 {
		return false
	}
	if meta.TotalPages < 0 || meta.TotalPages > maxSetRecords {
		return false
	}
	return meta.TotalPages == (meta.TotalItems+meta.PageSize-1)/meta.PageSize
}

// pageCount 返回第 page 页应有的条目数
func pageCount(meta PageMetadata, page int) int {
	if page < meta.TotalPages-1 {
		return meta.PageSize
	}
	return meta.TotalItems - page*meta.PageSize
}

// loadPage 读取单页并校验其归属，异常时删除整个集合
func (c *Cache) loadPage(ctx context.Context, key string, page int, meta PageMetadata, metaRaw []byte) (pageRecord, error) {
	raw, err := c.store.Get(ctx, storage.BoxChunks, pageKey(key, page))
	if err != nil && !storage.IsNotFound(err) {
		return pageRecord{}, err
	}

	var rec pageRecord
	reason := ""
	switch {
	case err != nil:
		reason = "分页缺失"
	case envelope.Unmarshal(raw, &rec) != nil:
		reason = "分页无法解析"
	case rec.Kind != kindPage || rec.Base != key || rec.PageNumber != page:
		reason = "分页与元数据不匹配"
	case rec.WriteID != meta.WriteID:
		reason = "分页来自另一次写入"
	case rec.Count != pageCount(meta, page):
		reason = "分页条目数与元数据不一致"
	}
	if reason != "" {
		c.log.WithFields(logrus.Fields{
			"key":   key,
			"page":  page,
			"total": meta.TotalPages,
		}).Warn("分页集合不完整: " + reason)
		c.discardPageSet(ctx, key, metaRaw)
		return pageRecord{}, corrupted(key, reason, nil)
	}
	return rec, nil
}

// readPageRange 读取 [offset, offset+limit) 范围内的条目，只访问覆盖该范围的页。
// limit <= 0 表示读到末尾；offset 超出总数时返回空切片。
func readPageRange[T any](ctx context.Context, c *Cache, key string, offset, limit int) ([]T, error) {
	meta, metaRaw, err := c.loadPageMeta(ctx, key)
	if err != nil {
		return nil, err
	}

	if offset < 0 {
		offset = 0
	}
	if offset >= meta.TotalItems {
		return []T{}, nil
	}
	if limit <= 0 || limit > meta.TotalItems-offset {
		limit = meta.TotalItems - offset
	}

	startPage := offset / meta.PageSize
	endPage := (offset + limit - 1) / meta.PageSize
	if endPage > meta.TotalPages-1 {
		endPage = meta.TotalPages - 1
	}

	out := make([]T, 0, capHint(limit))
	for p := startPage; p <= endPage; p++ {
		rec, err := c.loadPage(ctx, key, p, meta, metaRaw)
		if err != nil {
			return nil, err
		}

		var items []T
		if err := c.serializer.Unmarshal(rec.Items, &items); err != nil || len(items) != rec.Count {
			c.discardPageSet(ctx, key, metaRaw)
			return nil, corrupted(key, "分页条目无法反序列化", err)
		}

		pageStart := p * meta.PageSize
		lo := offset - pageStart
		if lo < 0 {
			lo = 0
		}
		hi := offset + limit - pageStart
		if hi > len(items) {
			hi = len(items)
		}
		if lo < hi {
			out = append(out, items[lo:hi]...)
		}
	}
	return out, nil
}

// readPageSet 把整个分页集合重组为一个 JSON 数组，供 Get 使用
func (c *Cache) readPageSet(ctx context.Context, key string) ([]byte, time.Time, time.Time, error) {
	var zero time.Time

	meta, metaRaw, err := c.loadPageMeta(ctx, key)
	if err != nil {
		return nil, zero, zero, err
	}

	var buf bytes.Buffer
	buf.WriteByte('[')
	written := 0
	for p := 0; p < meta.TotalPages; p++ {
		rec, err := c.loadPage(ctx, key, p, meta, metaRaw)
		if err != nil {
			return nil, zero, zero, err
		}

		var items []jsoniter.RawMessage
		if err := envelope.Unmarshal(rec.Items, &items); err != nil || len(items) != rec.Count {
			c.discardPageSet(ctx, key, metaRaw)
			return nil, zero, zero, corrupted(key, "分页条目无法解析", err)
		}
		for _, item := range items {
			if written > 0 {
				buf.WriteByte(',')
			}
			buf.Write(item)
			written++
		}
	}
	buf.WriteByte(']')

	return buf.Bytes(), meta.CreatedAt, meta.ExpiresAt, nil
}

// removePageSet 删除分页及其元数据，调用方持有键锁
func (c *Cache) removePageSet(ctx context.Context, key string) error {
	known := 0
	ownsMeta := false

	raw, err := c.store.Get(ctx, storage.BoxTTL, pageMetaKey(key))
	switch {
	case err == nil:
		var meta PageMetadata
		if envelope.Unmarshal(raw, &meta) != nil {
			ownsMeta = true
		} else if meta.Kind != kindShard {
			ownsMeta = true
			if meta.Kind == kindPage && validPageMeta(meta) {
				known = meta.TotalPages
			}
		}
	case !storage.IsNotFound(err):
		return WrapCacheError(ErrWriteFailed, "读取分页元数据失败", err)
	}

	if _, err := c.deleteRecordRun(ctx, key, known, pageKey); err != nil {
		return err
	}

	if ownsMeta {
		if err := c.store.Delete(ctx, storage.BoxTTL, pageMetaKey(key)); err != nil {
			return WrapCacheError(ErrWriteFailed, "删除分页元数据失败", err)
		}
	}
	return nil
}

// discardPageSet 在键锁内确认元数据仍是 seen 后删除整个分页集合
func (c *Cache) discardPageSet(ctx context.Context, key string, seen []byte) bool {
	unlock := c.locks.lock(key)
	defer unlock()

	current, err := c.store.Get(ctx, storage.BoxTTL, pageMetaKey(key))
	switch {
	case err == nil:
		if seen == nil || !bytes.Equal(current, seen) {
			return false
		}
	case !storage.IsNotFound(err):
		return false
	}

	if err := c.removePageSet(ctx, key); err != nil {
		c.log.WithError(err).WithField("key", key).Warn("删除分页集合失败")
		return false
	}
	if seen != nil {
		c.memory.Delete(key)
	}
	return true
}

// dropOrphanPages 元数据缺失时顺带清理残留的分页
func (c *Cache) dropOrphanPages(ctx context.Context, key string) {
	if _, err := c.store.Get(ctx, storage.BoxChunks, pageKey(key, 0)); err != nil {
		return
	}
	if c.discardPageSet(ctx, key, nil) {
		c.log.WithField("key", key).Debug("清理无元数据的孤儿分页")
	}
}
