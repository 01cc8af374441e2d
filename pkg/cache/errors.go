package cache

import (
	errpkg "fundcache/pkg/error"
)

type CacheError struct {
	errpkg.BaseError
}

const (
	// ErrCacheMiss 表示在缓存中未找到请求的条目。
	ErrCacheMiss errpkg.ErrorCode = "CACHE_MISS"
	// ErrCacheExpired 表示条目存在但已过期（随后被删除）。
	ErrCacheExpired errpkg.ErrorCode = "CACHE_EXPIRED"
	// ErrCacheCorrupted 表示缓存数据已损坏（无法解码、分片缺失等）。
	ErrCacheCorrupted errpkg.ErrorCode = "CACHE_CORRUPTED"
	// ErrNotInitialized 表示在 Initialize 成功之前调用了缓存。
	ErrNotInitialized errpkg.ErrorCode = "CACHE_NOT_INITIALIZED"
	// ErrInitFailed 表示无法打开或创建持久层。
	ErrInitFailed errpkg.ErrorCode = "CACHE_INIT_FAILED"
	// ErrInvalidKey 表示键为空或非法。
	ErrInvalidKey errpkg.ErrorCode = "INVALID_KEY"
	// ErrSerializeFailed 表示序列化操作失败。
	ErrSerializeFailed errpkg.ErrorCode = "SERIALIZE_FAILED"
	// ErrDeserializeFailed 表示反序列化操作失败。
	ErrDeserializeFailed errpkg.ErrorCode = "DESERIALIZE_FAILED"
	// ErrCompressFailed 表示压缩或解压失败。
	ErrCompressFailed errpkg.ErrorCode = "COMPRESS_FAILED"
	// ErrWriteFailed 表示持久层写入失败。
	ErrWriteFailed errpkg.ErrorCode = "WRITE_FAILED"
)

var (
	errMiss           = NewCacheError(ErrCacheMiss, "cache entry not found")
	errExpired        = NewCacheError(ErrCacheExpired, "cache entry expired")
	errNotInitialized = NewCacheError(ErrNotInitialized, "cache is not initialized")
)

func NewCacheError(code errpkg.ErrorCode, message string) *CacheError {
	return &CacheError{
		BaseError: *errpkg.NewError(code, message),
	}
}

// WrapCacheError 将底层错误包装成 CacheError
func WrapCacheError(code errpkg.ErrorCode, message string, cause error) *CacheError {
	e := NewCacheError(code, message)
	e.Cause = cause
	return e
}

// corrupted 构造一个带键信息的损坏错误
func corrupted(key, reason string, cause error) *CacheError {
	e := WrapCacheError(ErrCacheCorrupted, reason, cause)
	e.WithContext("key", key)
	return e
}

// IsMiss 判断错误是否代表普通的未命中（含过期）
func IsMiss(err error) bool {
	switch errpkg.CodeOf(err) {
	case ErrCacheMiss, ErrCacheExpired:
		return true
	}
	return false
}

// IsCorrupted 判断错误是否代表数据损坏
func IsCorrupted(err error) bool {
	return errpkg.CodeOf(err) == ErrCacheCorrupted
}
