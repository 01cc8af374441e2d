package storage

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"fundcache/pkg/logger"
)

// FileStoreConfig 文件存储配置
type FileStoreConfig struct {
	BaseDir    string `mapstructure:"base_dir"`    // 存储基础目录
	FilePrefix string `mapstructure:"file_prefix"` // 子目录名
}

// FileStore 文件存储实现，每个分区一个目录，每个键一个文件。
// 文件名是键的十六进制编码；编码过长的键改用 SHA-256 摘要命名，
// 原始键写在文件头部，扫描时从文件头读出。
type FileStore struct {
	mu      sync.RWMutex
	config  FileStoreConfig
	rootDir string
	opened  bool
	log     *logrus.Entry
}

const (
	fileSuffix = ".bin"
	// maxHexName 超过该长度的十六进制文件名会超出常见文件系统的 NAME_MAX
	maxHexName = 200
	// hashedPrefix 摘要命名的前缀，不属于十六进制字符
	hashedPrefix = "h_"
)

// NewFileStore 创建文件存储
func NewFileStore(config FileStoreConfig) *FileStore {
	if config.BaseDir == "" {
		config.BaseDir = os.TempDir()
	}
	if config.FilePrefix == "" {
		config.FilePrefix = "fundcache_store"
	}
	return &FileStore{
		config:  config,
		rootDir: filepath.Join(config.BaseDir, config.FilePrefix),
		log:     logger.WithComponent("FileStore"),
	}
}

// Open 创建各分区目录，并清理上次崩溃留下的临时文件
func (fs *FileStore) Open(ctx context.Context) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	for _, box := range Boxes() {
		dir := filepath.Join(fs.rootDir, string(box))
		if err := os.MkdirAll(dir, 0755); err != nil {
			return WrapStorageError(ErrStorageOpen, fmt.Sprintf("创建分区目录失败: %s", dir), err)
		}
		tmps, _ := filepath.Glob(filepath.Join(dir, "*.tmp"))
		for _, tmp := range tmps {
			_ = os.Remove(tmp)
		}
	}

	fs.opened = true
	fs.log.WithField("dir", fs.rootDir).Debug("文件存储已打开")
	return nil
}

// Get 读取键对应的文件
func (fs *FileStore) Get(ctx context.Context, box Box, key string) ([]byte, error) {
	path, hashed, err := fs.pathFor(box, key)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, WrapStorageError(ErrStorageIO, "读取文件失败", err)
	}
	if !hashed {
		return data, nil
	}

	stored, value, ok := splitHashed(data)
	if !ok || stored != key {
		return nil, ErrNotFound
	}
	return value, nil
}

// Put 先写临时文件再重命名，保证单键写入的原子性
func (fs *FileStore) Put(ctx context.Context, box Box, key string, value []byte) error {
	path, hashed, err := fs.pathFor(box, key)
	if err != nil {
		return err
	}
	if hashed {
		value = joinHashed(key, value)
	}

	tempFile := path + ".tmp"
	if err := os.WriteFile(tempFile, value, 0644); err != nil {
		return WrapStorageError(ErrStorageIO, "写入临时文件失败", err)
	}
	if err := os.Rename(tempFile, path); err != nil {
		_ = os.Remove(tempFile)
		return WrapStorageError(ErrStorageIO, "重命名文件失败", err)
	}
	return nil
}

// Delete 删除键对应的文件
func (fs *FileStore) Delete(ctx context.Context, box Box, key string) error {
	path, _, err := fs.pathFor(box, key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return WrapStorageError(ErrStorageIO, "删除文件失败", err)
	}
	return nil
}

// Scan 按键的字典序扫描，cursor 之后的键（不含 cursor）
func (fs *FileStore) Scan(ctx context.Context, box Box, cursor string, limit int) ([]string, string, error) {
	if limit <= 0 {
		limit = 100
	}

	all, err := fs.keys(box)
	if err != nil {
		return nil, "", err
	}

	start := 0
	if cursor != "" {
		start = sort.SearchStrings(all, cursor)
		if start < len(all) && all[start] == cursor {
			start++
		}
	}

	end := min(start+limit, len(all))
	keys := all[start:end]

	next := ""
	if end < len(all) && len(keys) > 0 {
		next = keys[len(keys)-1]
	}
	return keys, next, nil
}

// Stats 统计分区文件数与总字节数
func (fs *FileStore) Stats(ctx context.Context, box Box) (BoxStats, error) {
	var stats BoxStats
	dir, err := fs.dirFor(box)
	if err != nil {
		return stats, err
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return stats, WrapStorageError(ErrStorageIO, "读取分区目录失败", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), fileSuffix) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		stats.Count++
		stats.Bytes += info.Size()
	}
	return stats, nil
}

// Clear 删除分区目录下的所有文件
func (fs *FileStore) Clear(ctx context.Context, box Box) error {
	dir, err := fs.dirFor(box)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return WrapStorageError(ErrStorageIO, "清空分区失败", err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return WrapStorageError(ErrStorageIO, "重建分区目录失败", err)
	}
	return nil
}

// Close 关闭文件存储
func (fs *FileStore) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.opened = false
	return nil
}

// RootDir 返回存储根目录
func (fs *FileStore) RootDir() string {
	return fs.rootDir
}

func (fs *FileStore) dirFor(box Box) (string, error) {
	if err := validBox(box); err != nil {
		return "", err
	}
	fs.mu.RLock()
	opened := fs.opened
	fs.mu.RUnlock()
	if !opened {
		return "", ErrClosed
	}
	return filepath.Join(fs.rootDir, string(box)), nil
}

func (fs *FileStore) pathFor(box Box, key string) (string, bool, error) {
	dir, err := fs.dirFor(box)
	if err != nil {
		return "", false, err
	}
	if key == "" {
		return "", false, NewStorageError(ErrStorageIO, "empty key")
	}
	name, hashed := fileName(key)
	return filepath.Join(dir, name+fileSuffix), hashed, nil
}

// fileName 返回键对应的文件名（不含后缀），以及是否使用摘要命名
func fileName(key string) (string, bool) {
	encoded := hex.EncodeToString([]byte(key))
	if len(encoded) <= maxHexName {
		return encoded, false
	}
	sum := sha256.Sum256([]byte(key))
	return hashedPrefix + hex.EncodeToString(sum[:]), true
}

// joinHashed 摘要命名的文件内容为 uvarint(len(key)) + key + value
func joinHashed(key string, value []byte) []byte {
	buf := binary.AppendUvarint(make([]byte, 0, binary.MaxVarintLen64+len(key)+len(value)), uint64(len(key)))
	buf = append(buf, key...)
	return append(buf, value...)
}

func splitHashed(data []byte) (string, []byte, bool) {
	n, size := binary.Uvarint(data)
	if size <= 0 || n > uint64(len(data)-size) {
		return "", nil, false
	}
	end := size + int(n)
	return string(data[size:end]), bytes.Clone(data[end:]), true
}

// keys 返回分区内按字典序排序的原始键
func (fs *FileStore) keys(box Box) ([]string, error) {
	dir, err := fs.dirFor(box)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, WrapStorageError(ErrStorageIO, "读取分区目录失败", err)
	}

	keys := make([]string, 0, len(entries))
	for _, entry := range entries {
		name, ok := strings.CutSuffix(entry.Name(), fileSuffix)
		if entry.IsDir() || !ok {
			continue
		}

		if strings.HasPrefix(name, hashedPrefix) {
			data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
			if err != nil {
				continue
			}
			if key, _, ok := splitHashed(data); ok {
				keys = append(keys, key)
			}
			continue
		}

		raw, err := hex.DecodeString(name)
		if err != nil {
			continue
		}
		keys = append(keys, string(raw))
	}
	sort.Strings(keys)
	return keys, nil
}

var _ Store = (*FileStore)(nil)
