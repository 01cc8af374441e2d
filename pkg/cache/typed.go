package cache

import (
	"context"
)

// Get 读取并反序列化为 T
func Get[T any](ctx context.Context, c *Cache, key string) (T, bool) {
	var value T
	if !c.Get(ctx, key, &value) {
		var zero T
		return zero, false
	}
	return value, true
}

// GetOr 未命中时返回 fallback
func GetOr[T any](ctx context.Context, c *Cache, key string, fallback T) T {
	if value, ok := Get[T](ctx, c, key); ok {
		return value
	}
	return fallback
}

// PutList 以分页集合的形式写入列表，每页 WithPageSize 条（默认 PageSize）。
// 与 Put 一样替换该键之前的所有表示，失败只记录日志。
func PutList[T any](ctx context.Context, c *Cache, key string, items []T, opts ...PutOption) {
	if err := putList(ctx, c, key, items, opts...); err != nil {
		c.writeFailed(key, err)
	}
}

func putList[T any](ctx context.Context, c *Cache, key string, items []T, opts ...PutOption) error {
	if err := c.checkKey(key); err != nil {
		return err
	}
	po := c.newPutOptions(opts)

	unlock := c.locks.lock(key)
	defer unlock()

	c.memory.Delete(key)
	if err := c.removeAll(ctx, key); err != nil {
		return err
	}

	now := c.clock.Now()
	if err := writePageSet(ctx, c, key, items, po.pageSize, now, now.Add(po.ttl)); err != nil {
		return err
	}
	c.writes.Add(1)
	return nil
}

// GetRange 读取分页列表中 [offset, offset+limit) 的条目，只读取覆盖该范围的页。
// limit <= 0 表示读到末尾。分页读取不经过内存层。
func GetRange[T any](ctx context.Context, c *Cache, key string, offset, limit int) ([]T, bool) {
	if err := c.checkKey(key); err != nil {
		return nil, false
	}

	items, err := readPageRange[T](ctx, c, key, offset, limit)
	if err != nil {
		c.noteReadError(key, err)
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return items, true
}

// GetList 读取整个列表，普通条目、分片集合与分页集合均可
func GetList[T any](ctx context.Context, c *Cache, key string) ([]T, bool) {
	return Get[[]T](ctx, c, key)
}

// ListInfo 返回分页列表的元数据
func (c *Cache) ListInfo(ctx context.Context, key string) (PageMetadata, bool) {
	if err := c.checkKey(key); err != nil {
		return PageMetadata{}, false
	}
	meta, _, err := c.loadPageMeta(ctx, key)
	if err != nil {
		c.noteReadError(key, err)
		return PageMetadata{}, false
	}
	return meta, true
}

// GetOrLoad 读穿缓存：未命中时调用 loader 并写回。
// 同一个键的并发加载合并为一次，loader 的错误原样返回。
func GetOrLoad[T any](ctx context.Context, c *Cache, key string, loader func(context.Context) (T, error), opts ...PutOption) (T, error) {
	if value, ok := Get[T](ctx, c, key); ok {
		return value, nil
	}

	result, err, _ := c.loads.Do(key, func() (interface{}, error) {
		if value, ok := Get[T](ctx, c, key); ok {
			return value, nil
		}
		value, err := loader(ctx)
		if err != nil {
			return nil, err
		}
		c.Put(ctx, key, value, opts...)
		return value, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}

	if value, ok := result.(T); ok {
		return value, nil
	}
	// 同一个键被不同类型并发加载
	return loader(ctx)
}
