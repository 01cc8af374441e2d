// Package storage 提供缓存持久层的后端实现。
//
// 持久层按命名分区（Box）组织：通用条目、分片/分页块、TTL 元数据。
// 每个后端只需要保证单键的 Get/Put/Delete 是原子的，跨键的组合操作由上层处理。
package storage

import (
	"context"
	"fmt"

	errpkg "fundcache/pkg/error"
)

// Box 持久层分区名
type Box string

const (
	BoxEntries Box = "entries" // 普通缓存条目
	BoxChunks  Box = "chunks"  // 分片块与分页页
	BoxTTL     Box = "ttl"     // 分片/分页元数据
)

// Boxes 返回全部分区，顺序固定
func Boxes() []Box {
	return []Box{BoxEntries, BoxChunks, BoxTTL}
}

// BoxStats 单个分区的统计
type BoxStats struct {
	Count int64 `json:"count"` // 键数量
	Bytes int64 `json:"bytes"` // 值的总字节数
}

// Store 定义了持久化键值存储的行为。
type Store interface {
	// Open 打开存储并创建所有分区，失败时缓存子系统不可用。
	Open(ctx context.Context) error
	// Get 读取一个键，不存在时返回 ErrNotFound。
	Get(ctx context.Context, box Box, key string) ([]byte, error)
	// Put 写入（覆盖）一个键。
	Put(ctx context.Context, box Box, key string, value []byte) error
	// Delete 删除一个键，键不存在不是错误。
	Delete(ctx context.Context, box Box, key string) error
	// Scan 从 cursor 之后最多返回 limit 个键，next 为空表示扫描结束。
	Scan(ctx context.Context, box Box, cursor string, limit int) (keys []string, next string, err error)
	// Stats 返回分区统计。
	Stats(ctx context.Context, box Box) (BoxStats, error)
	// Clear 清空分区。
	Clear(ctx context.Context, box Box) error
	// Close 关闭存储并释放资源。
	Close() error
}

// IsNotFound 判断错误是否为键不存在
func IsNotFound(err error) bool {
	return errpkg.CodeOf(err) == ErrStorageNotFound
}

// WrapStorageError 将底层错误包装成 StorageError
func WrapStorageError(code errpkg.ErrorCode, message string, cause error) *StorageError {
	e := NewStorageError(code, message)
	e.Cause = cause
	return e
}

func validBox(box Box) error {
	switch box {
	case BoxEntries, BoxChunks, BoxTTL:
		return nil
	}
	return NewStorageError(ErrUnknownBox, fmt.Sprintf("unknown box %q", box))
}
