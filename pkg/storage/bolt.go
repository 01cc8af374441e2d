package storage

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"

	"fundcache/pkg/logger"
)

// BoltStoreConfig BoltDB 存储配置
type BoltStoreConfig struct {
	Path        string        `mapstructure:"path"`         // 数据库文件路径
	OpenTimeout time.Duration `mapstructure:"open_timeout"` // 获取文件锁的超时
	NoSync      bool          `mapstructure:"no_sync"`      // 跳过 fsync，仅用于测试
}

// BoltStore 基于 bbolt 的嵌入式存储，每个分区对应一个 bucket
type BoltStore struct {
	mu     sync.RWMutex
	config BoltStoreConfig
	db     *bolt.DB
	log    *logrus.Entry
}

// NewBoltStore 创建 BoltDB 存储，调用 Open 之前不会接触磁盘
func NewBoltStore(config BoltStoreConfig) *BoltStore {
	if config.Path == "" {
		config.Path = filepath.Join(os.TempDir(), "fundcache", "cache.db")
	}
	if config.OpenTimeout <= 0 {
		config.OpenTimeout = 5 * time.Second
	}
	return &BoltStore{
		config: config,
		log:    logger.WithComponent("BoltStore"),
	}
}

// Open 打开数据库文件并创建所有分区
func (s *BoltStore) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(s.config.Path), 0755); err != nil {
		return WrapStorageError(ErrStorageOpen, "创建数据目录失败", err)
	}

	db, err := bolt.Open(s.config.Path, 0600, &bolt.Options{Timeout: s.config.OpenTimeout})
	if err != nil {
		return WrapStorageError(ErrStorageOpen, fmt.Sprintf("打开数据库失败: %s", s.config.Path), err)
	}
	db.NoSync = s.config.NoSync

	err = db.Update(func(tx *bolt.Tx) error {
		for _, box := range Boxes() {
			if _, err := tx.CreateBucketIfNotExists([]byte(box)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return WrapStorageError(ErrStorageOpen, "创建分区失败", err)
	}

	s.db = db
	s.log.WithField("path", s.config.Path).Debug("BoltDB 存储已打开")
	return nil
}

// Get 读取键值，返回的切片是副本，可在事务结束后安全使用
func (s *BoltStore) Get(ctx context.Context, box Box, key string) ([]byte, error) {
	var out []byte
	err := s.view(box, func(b *bolt.Bucket) error {
		v := b.Get([]byte(key))
		if v == nil {
			return ErrNotFound
		}
		out = bytes.Clone(v)
		return nil
	})
	return out, err
}

// Put 写入键值
func (s *BoltStore) Put(ctx context.Context, box Box, key string, value []byte) error {
	return s.update(box, func(b *bolt.Bucket) error {
		return b.Put([]byte(key), value)
	})
}

// Delete 删除键
func (s *BoltStore) Delete(ctx context.Context, box Box, key string) error {
	return s.update(box, func(b *bolt.Bucket) error {
		return b.Delete([]byte(key))
	})
}

// Scan 按键的字典序扫描，cursor 为上一批的最后一个键
func (s *BoltStore) Scan(ctx context.Context, box Box, cursor string, limit int) ([]string, string, error) {
	if limit <= 0 {
		limit = 100
	}

	keys := make([]string, 0, limit)
	more := false
	err := s.view(box, func(b *bolt.Bucket) error {
		c := b.Cursor()
		var k []byte
		if cursor == "" {
			k, _ = c.First()
		} else {
			k, _ = c.Seek([]byte(cursor))
			if k != nil && string(k) == cursor {
				k, _ = c.Next()
			}
		}
		for ; k != nil; k, _ = c.Next() {
			if len(keys) == limit {
				more = true
				break
			}
			keys = append(keys, string(k))
		}
		return nil
	})
	if err != nil {
		return nil, "", err
	}

	next := ""
	if more && len(keys) > 0 {
		next = keys[len(keys)-1]
	}
	return keys, next, nil
}

// Stats 统计分区的键数量与字节数
func (s *BoltStore) Stats(ctx context.Context, box Box) (BoxStats, error) {
	var stats BoxStats
	err := s.view(box, func(b *bolt.Bucket) error {
		return b.ForEach(func(k, v []byte) error {
			stats.Count++
			stats.Bytes += int64(len(v))
			return nil
		})
	})
	return stats, err
}

// Clear 删除并重建分区
func (s *BoltStore) Clear(ctx context.Context, box Box) error {
	if err := validBox(box); err != nil {
		return err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return ErrClosed
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket([]byte(box)); err != nil && err != bolt.ErrBucketNotFound {
			return err
		}
		_, err := tx.CreateBucket([]byte(box))
		return err
	})
	if err != nil {
		return WrapStorageError(ErrStorageIO, "清空分区失败", err)
	}
	return nil
}

// Close 关闭数据库
func (s *BoltStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	if err != nil {
		return WrapStorageError(ErrStorageIO, "关闭数据库失败", err)
	}
	return nil
}

// Path 返回数据库文件路径
func (s *BoltStore) Path() string {
	return s.config.Path
}

func (s *BoltStore) view(box Box, fn func(b *bolt.Bucket) error) error {
	return s.tx(box, false, fn)
}

func (s *BoltStore) update(box Box, fn func(b *bolt.Bucket) error) error {
	return s.tx(box, true, fn)
}

func (s *BoltStore) tx(box Box, writable bool, fn func(b *bolt.Bucket) error) error {
	if err := validBox(box); err != nil {
		return err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return ErrClosed
	}

	run := func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(box))
		if b == nil {
			return NewStorageError(ErrUnknownBox, fmt.Sprintf("bucket %q missing", box))
		}
		return fn(b)
	}

	var err error
	if writable {
		err = s.db.Update(run)
	} else {
		err = s.db.View(run)
	}
	if err == nil || IsNotFound(err) {
		return err
	}
	if _, ok := err.(*StorageError); ok {
		return err
	}
	return WrapStorageError(ErrStorageIO, fmt.Sprintf("BoltDB 操作失败 (box=%s)", box), err)
}

var _ Store = (*BoltStore)(nil)
