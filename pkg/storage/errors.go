package storage

import (
	"fundcache/pkg/error"
)

const (
	// ErrStorageIO 表示发生了存储I/O错误。
	ErrStorageIO error.ErrorCode = "STORAGE_IO"
	// ErrStorageNotFound 表示请求的键在分区中不存在。
	ErrStorageNotFound error.ErrorCode = "STORAGE_NOT_FOUND"
	// ErrStorageUnavailable 表示后端暂时不可用（例如熔断器打开）。
	ErrStorageUnavailable error.ErrorCode = "STORAGE_UNAVAILABLE"
	// ErrStorageOpen 表示无法打开或创建持久化存储。
	ErrStorageOpen error.ErrorCode = "STORAGE_OPEN"
	// ErrUnknownBox 表示访问了未定义的分区。
	ErrUnknownBox error.ErrorCode = "UNKNOWN_BOX"
	// ErrResourceClosed 表示尝试访问已关闭的资源。
	ErrResourceClosed error.ErrorCode = "RESOURCE_CLOSED"
)

var (
	// ErrNotFound 在 Get 找不到键时返回，可用 errors.Is 判断。
	ErrNotFound = NewStorageError(ErrStorageNotFound, "key not found")
	// ErrClosed 在存储关闭后的任何访问时返回。
	ErrClosed = NewStorageError(ErrResourceClosed, "store is closed")
)

type StorageError struct {
	error.BaseError
}

func NewStorageError(code error.ErrorCode, message string) *StorageError {
	return &StorageError{
		BaseError: *error.NewError(code, message),
	}
}
