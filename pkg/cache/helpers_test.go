package cache

import (
	"context"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"fundcache/pkg/logger"
	"fundcache/pkg/storage"
)

// fakeClock 可手动推进的时钟
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 18, 9, 30, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

// countingStore 记录读取次数，并可注入写入失败
type countingStore struct {
	storage.Store

	mu      sync.Mutex
	gets    map[string]int
	failPut func(box storage.Box, key string) error
}

func newCountingStore(inner storage.Store) *countingStore {
	return &countingStore{Store: inner, gets: make(map[string]int)}
}

func (s *countingStore) Get(ctx context.Context, box storage.Box, key string) ([]byte, error) {
	s.mu.Lock()
	s.gets[string(box)+"/"+key]++
	s.mu.Unlock()
	return s.Store.Get(ctx, box, key)
}

func (s *countingStore) Put(ctx context.Context, box storage.Box, key string, value []byte) error {
	s.mu.Lock()
	fail := s.failPut
	s.mu.Unlock()
	if fail != nil {
		if err := fail(box, key); err != nil {
			return err
		}
	}
	return s.Store.Put(ctx, box, key, value)
}

func (s *countingStore) setFailPut(fn func(box storage.Box, key string) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failPut = fn
}

func (s *countingStore) resetCounts() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gets = make(map[string]int)
}

// boxGets 返回分区内的读取总次数
func (s *countingStore) boxGets(box storage.Box) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	total := 0
	for k, n := range s.gets {
		if strings.HasPrefix(k, string(box)+"/") {
			total += n
		}
	}
	return total
}

// putMeta 直接写入一条元数据，模拟损坏或伪造的记录
func putMeta(t *testing.T, s storage.Store, key string, meta interface{}) {
	t.Helper()
	raw, err := envelope.Marshal(meta)
	require.NoError(t, err)
	require.NoError(t, s.Put(context.Background(), storage.BoxTTL, key, raw))
}

// pagesRead 返回 key 的哪些页被读取过
func (s *countingStore) pagesRead(key string) []int {
	s.mu.Lock()
	defer s.mu.Unlock()

	prefix := string(storage.BoxChunks) + "/" + key + "_page_"
	var pages []int
	for k := range s.gets {
		if n, ok := strings.CutPrefix(k, prefix); ok {
			if page, err := strconv.Atoi(n); err == nil {
				pages = append(pages, page)
			}
		}
	}
	sort.Ints(pages)
	return pages
}

func newTestCache(t testing.TB, mutate ...func(*Config)) (*Cache, *fakeClock, *countingStore) {
	t.Helper()

	config := DefaultConfig()
	for _, m := range mutate {
		m(&config)
	}

	clock := newFakeClock()
	store := newCountingStore(storage.NewBoltStore(storage.BoltStoreConfig{
		Path:   filepath.Join(t.TempDir(), "cache.db"),
		NoSync: true,
	}))

	c := New(store, WithConfig(config), WithClock(clock), WithLogger(logger.Discard()))
	require.NoError(t, c.Initialize(context.Background()))
	t.Cleanup(func() { _ = c.Close() })
	return c, clock, store
}

func boxCount(t *testing.T, s storage.Store, box storage.Box) int64 {
	t.Helper()
	stats, err := s.Stats(context.Background(), box)
	require.NoError(t, err)
	return stats.Count
}

type fundRanking struct {
	Code     string  `json:"code"`
	Name     string  `json:"name"`
	Rank     int     `json:"rank"`
	Return1Y float64 `json:"return_1y"`
}

func makeRankings(n int) []fundRanking {
	items := make([]fundRanking, n)
	for i := range items {
		items[i] = fundRanking{
			Code:     strconv.Itoa(100000 + i),
			Name:     "基金" + strconv.Itoa(i),
			Rank:     i,
			Return1Y: float64(i) / 10,
		}
	}
	return items
}
