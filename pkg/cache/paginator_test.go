package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fundcache/pkg/storage"
)

func TestPaginator_RankingScenario(t *testing.T) {
	c, _, store := newTestCache(t)
	ctx := context.Background()

	rankings := makeRankings(1200)
	PutList(ctx, c, "fund:000001", rankings, WithTTL(15*time.Minute), WithPageSize(100))

	assert.Equal(t, int64(12), boxCount(t, store, storage.BoxChunks))
	assert.Equal(t, int64(1), boxCount(t, store, storage.BoxTTL))

	store.resetCounts()
	got, ok := GetRange[fundRanking](ctx, c, "fund:000001", 250, 50)
	require.True(t, ok)
	require.Len(t, got, 50)
	assert.Equal(t, rankings[250:300], got)
	assert.Equal(t, 250, got[0].Rank)
	assert.Equal(t, 299, got[49].Rank)

	// 只读取覆盖该范围的页
	pages := store.pagesRead("fund:000001")
	assert.Contains(t, pages, 2)
	assert.Subset(t, []int{2, 3}, pages)
}

func TestPaginator_RangeGrid(t *testing.T) {
	c, _, store := newTestCache(t)
	ctx := context.Background()

	const total, pageSize = 23, 5
	items := make([]int, total)
	for i := range items {
		items[i] = i * 10
	}
	PutList(ctx, c, "ranking:grid", items, WithPageSize(pageSize))

	for offset := 0; offset <= total+2; offset++ {
		for limit := -1; limit <= total+2; limit++ {
			t.Run(fmt.Sprintf("offset=%d/limit=%d", offset, limit), func(t *testing.T) {
				want := []int{}
				if offset < total {
					end := total
					if limit > 0 && offset+limit < total {
						end = offset + limit
					}
					want = items[offset:end]
				}

				store.resetCounts()
				got, ok := GetRange[int](ctx, c, "ranking:grid", offset, limit)
				require.True(t, ok)
				assert.Equal(t, want, got)

				if len(want) > 0 {
					first := offset / pageSize
					last := (offset + len(want) - 1) / pageSize
					var expected []int
					for p := first; p <= last; p++ {
						expected = append(expected, p)
					}
					assert.Equal(t, expected, store.pagesRead("ranking:grid"))
				} else {
					assert.Empty(t, store.pagesRead("ranking:grid"))
				}
			})
		}
	}
}

func TestPaginator_NegativeOffset(t *testing.T) {
	c, _, _ := newTestCache(t)
	ctx := context.Background()

	PutList(ctx, c, "k", []string{"a", "b", "c"}, WithPageSize(2))
	got, ok := GetRange[string](ctx, c, "k", -5, 2)
	require.True(t, ok)
	assert.Equal(t, []string{"a", "b"}, got)
}

func TestPaginator_EmptyList(t *testing.T) {
	c, _, store := newTestCache(t)
	ctx := context.Background()

	PutList(ctx, c, "search:空", []fundRanking{})
	assert.Equal(t, int64(0), boxCount(t, store, storage.BoxChunks))
	assert.Equal(t, int64(1), boxCount(t, store, storage.BoxTTL))

	got, ok := GetRange[fundRanking](ctx, c, "search:空", 0, 10)
	require.True(t, ok)
	assert.Empty(t, got)

	all, ok := GetList[fundRanking](ctx, c, "search:空")
	require.True(t, ok)
	assert.Empty(t, all)

	info, ok := c.ListInfo(ctx, "search:空")
	require.True(t, ok)
	assert.Equal(t, 0, info.TotalItems)
	assert.Equal(t, 0, info.TotalPages)
}

func TestPaginator_FullListViaGet(t *testing.T) {
	c, _, _ := newTestCache(t)
	ctx := context.Background()

	rankings := makeRankings(250)
	PutList(ctx, c, "ranking:all", rankings)

	all, ok := GetList[fundRanking](ctx, c, "ranking:all")
	require.True(t, ok)
	assert.Equal(t, rankings, all)

	// 重组后的列表回填内存层
	assert.True(t, c.memory.Contains("ranking:all"))

	var viaGet []fundRanking
	require.True(t, c.Get(ctx, "ranking:all", &viaGet))
	assert.Equal(t, rankings, viaGet)
}

func TestPaginator_ListInfo(t *testing.T) {
	c, clock, _ := newTestCache(t)
	ctx := context.Background()

	PutList(ctx, c, "fund:000001", makeRankings(1200), WithTTL(15*time.Minute), WithPageSize(100))

	info, ok := c.ListInfo(ctx, "fund:000001")
	require.True(t, ok)
	assert.Equal(t, kindPage, info.Kind)
	assert.Equal(t, 1200, info.TotalItems)
	assert.Equal(t, 100, info.PageSize)
	assert.Equal(t, 12, info.TotalPages)
	assert.Equal(t, clock.Now().Add(15*time.Minute), info.ExpiresAt.UTC())

	_, ok = c.ListInfo(ctx, "fund:不存在")
	assert.False(t, ok)
}

func TestPaginator_MissingPage(t *testing.T) {
	c, _, store := newTestCache(t)
	ctx := context.Background()

	PutList(ctx, c, "ranking:3m", makeRankings(30), WithPageSize(10))
	require.NoError(t, store.Delete(ctx, storage.BoxChunks, pageKey("ranking:3m", 1)))

	// 不涉及缺失页的范围仍可读取
	got, ok := GetRange[fundRanking](ctx, c, "ranking:3m", 0, 5)
	require.True(t, ok)
	assert.Len(t, got, 5)

	_, ok = GetRange[fundRanking](ctx, c, "ranking:3m", 8, 5)
	assert.False(t, ok)

	// 发现缺页后整个集合被删除
	_, ok = c.ListInfo(ctx, "ranking:3m")
	assert.False(t, ok)
	assert.Equal(t, int64(0), boxCount(t, store, storage.BoxChunks))
	assert.Equal(t, int64(0), boxCount(t, store, storage.BoxTTL))
	assert.Equal(t, int64(1), c.Stats(ctx).Corrupted)
}

func TestPaginator_PageItemsMismatch(t *testing.T) {
	c, _, store := newTestCache(t)
	ctx := context.Background()

	PutList(ctx, c, "ranking:6m", []int{1, 2, 3, 4, 5}, WithPageSize(2))

	raw, err := store.Get(ctx, storage.BoxChunks, pageKey("ranking:6m", 0))
	require.NoError(t, err)
	var rec pageRecord
	require.NoError(t, envelope.Unmarshal(raw, &rec))
	rec.Items = []byte("[1]")
	raw, err = envelope.Marshal(&rec)
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, storage.BoxChunks, pageKey("ranking:6m", 0), raw))

	_, ok := GetRange[int](ctx, c, "ranking:6m", 0, 2)
	assert.False(t, ok)
	assert.False(t, c.ContainsKey(ctx, "ranking:6m"))
}

func TestPaginator_InvalidMetadata(t *testing.T) {
	c, clock, store := newTestCache(t)
	ctx := context.Background()

	// 页数与条目数自洽，但条目数大到无法按其预分配
	putMeta(t, store, pageMetaKey("ranking:huge"), &PageMetadata{
		Kind:       kindPage,
		TotalItems: 1 << 60,
		PageSize:   1 << 59,
		TotalPages: 2,
		CreatedAt:  clock.Now(),
		ExpiresAt:  clock.Now().Add(time.Hour),
		WriteID:    "w1",
	})
	assert.NotPanics(t, func() {
		_, ok := GetRange[int](ctx, c, "ranking:huge", 0, 0)
		assert.False(t, ok)
	})
	assert.Equal(t, int64(0), boxCount(t, store, storage.BoxTTL))

	// 页数超出上限的元数据直接视为损坏
	putMeta(t, store, pageMetaKey("ranking:many"), &PageMetadata{
		Kind:       kindPage,
		TotalItems: 1 << 40,
		PageSize:   1,
		TotalPages: 1 << 40,
		CreatedAt:  clock.Now(),
		ExpiresAt:  clock.Now().Add(time.Hour),
		WriteID:    "w1",
	})
	store.resetCounts()
	assert.NotPanics(t, func() {
		_, ok := GetList[int](ctx, c, "ranking:many")
		assert.False(t, ok)
	})
	assert.Less(t, store.boxGets(storage.BoxChunks), 4*maxMissingRun)
	assert.Equal(t, int64(0), boxCount(t, store, storage.BoxTTL))
	assert.Equal(t, int64(2), c.Stats(ctx).Corrupted)
}

func TestPaginator_Expired(t *testing.T) {
	c, clock, store := newTestCache(t)
	ctx := context.Background()

	PutList(ctx, c, "fund:000001", makeRankings(120), WithTTL(15*time.Minute), WithPageSize(50))
	clock.Advance(15 * time.Minute)

	_, ok := GetRange[fundRanking](ctx, c, "fund:000001", 0, 10)
	assert.False(t, ok)
	assert.Equal(t, int64(0), boxCount(t, store, storage.BoxChunks))
	assert.Equal(t, int64(0), boxCount(t, store, storage.BoxTTL))

	stats := c.Stats(ctx)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, int64(0), stats.Corrupted)
}

func TestPaginator_ReplacesOtherRepresentations(t *testing.T) {
	c, _, store := newTestCache(t)
	ctx := context.Background()

	c.Put(ctx, "ranking:1y", "plain value")
	PutList(ctx, c, "ranking:1y", []int{1, 2, 3}, WithPageSize(2))

	assert.Equal(t, int64(0), boxCount(t, store, storage.BoxEntries))
	assert.False(t, c.memory.Contains("ranking:1y"))
	got, ok := GetList[int](ctx, c, "ranking:1y")
	require.True(t, ok)
	assert.Equal(t, []int{1, 2, 3}, got)

	// 较短的新列表不会留下旧的尾页
	PutList(ctx, c, "ranking:1y", []int{9}, WithPageSize(2))
	assert.Equal(t, int64(1), boxCount(t, store, storage.BoxChunks))
	got, ok = GetList[int](ctx, c, "ranking:1y")
	require.True(t, ok)
	assert.Equal(t, []int{9}, got)

	c.Put(ctx, "ranking:1y", "plain again")
	assert.Equal(t, int64(0), boxCount(t, store, storage.BoxChunks))
	assert.Equal(t, int64(0), boxCount(t, store, storage.BoxTTL))
	assert.Equal(t, "plain again", GetOr(ctx, c, "ranking:1y", ""))
}

func TestPaginator_NotInitialized(t *testing.T) {
	c := New(nil)
	ctx := context.Background()

	PutList(ctx, c, "k", []int{1})
	_, ok := GetRange[int](ctx, c, "k", 0, 1)
	assert.False(t, ok)
	_, ok = c.ListInfo(ctx, "k")
	assert.False(t, ok)
}
