package storage

import (
	"bytes"
	"context"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"fundcache/pkg/logger"
)

// MemoryStore 完全在内存中的存储，进程退出后数据丢失。
// 用于测试和不需要跨进程保留的临时缓存。
type MemoryStore struct {
	mu    sync.RWMutex
	boxes map[Box]map[string][]byte
	log   *logrus.Entry
}

// NewMemoryStore 创建内存存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		log: logger.WithComponent("MemoryStore"),
	}
}

// Open 创建所有分区，已打开时不清空数据
func (s *MemoryStore) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.boxes != nil {
		return nil
	}
	s.boxes = make(map[Box]map[string][]byte, len(Boxes()))
	for _, box := range Boxes() {
		s.boxes[box] = make(map[string][]byte)
	}
	s.log.Debug("内存存储已打开")
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, box Box, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, err := s.box(box)
	if err != nil {
		return nil, err
	}
	v, ok := b[key]
	if !ok {
		return nil, ErrNotFound
	}
	return bytes.Clone(v), nil
}

func (s *MemoryStore) Put(ctx context.Context, box Box, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := s.box(box)
	if err != nil {
		return err
	}
	b[key] = bytes.Clone(value)
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, box Box, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := s.box(box)
	if err != nil {
		return err
	}
	delete(b, key)
	return nil
}

// Scan 按字典序返回 cursor 之后的键，语义与 BoltStore 一致
func (s *MemoryStore) Scan(ctx context.Context, box Box, cursor string, limit int) ([]string, string, error) {
	if limit <= 0 {
		limit = 100
	}

	s.mu.RLock()
	b, err := s.box(box)
	if err != nil {
		s.mu.RUnlock()
		return nil, "", err
	}
	all := make([]string, 0, len(b))
	for k := range b {
		if cursor == "" || k > cursor {
			all = append(all, k)
		}
	}
	s.mu.RUnlock()

	sort.Strings(all)
	if len(all) <= limit {
		return all, "", nil
	}
	keys := all[:limit]
	return keys, keys[len(keys)-1], nil
}

func (s *MemoryStore) Stats(ctx context.Context, box Box) (BoxStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, err := s.box(box)
	if err != nil {
		return BoxStats{}, err
	}
	stats := BoxStats{Count: int64(len(b))}
	for _, v := range b {
		stats.Bytes += int64(len(v))
	}
	return stats, nil
}

func (s *MemoryStore) Clear(ctx context.Context, box Box) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.box(box); err != nil {
		return err
	}
	s.boxes[box] = make(map[string][]byte)
	return nil
}

// Close 丢弃所有数据
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.boxes = nil
	return nil
}

// box 调用方需持有锁
func (s *MemoryStore) box(box Box) (map[string][]byte, error) {
	if s.boxes == nil {
		return nil, ErrClosed
	}
	if err := validBox(box); err != nil {
		return nil, err
	}
	return s.boxes[box], nil
}

var _ Store = (*MemoryStore)(nil)
