package cache

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fundcache/pkg/logger"
)

func newTestMemoryTier(maxItems int, policy PolicyType) (*MemoryTier, *fakeClock) {
	clock := newFakeClock()
	tier := NewMemoryTier(MemoryTierConfig{
		MaxItems:     maxItems,
		Policy:       policy,
		ReapInterval: 10 * time.Millisecond,
	}, clock, logger.Discard())
	return tier, clock
}

func TestMemoryTier_Defaults(t *testing.T) {
	tier := NewMemoryTier(MemoryTierConfig{}, SystemClock(), logger.Discard())
	assert.Equal(t, 100, tier.Capacity())
	assert.IsType(t, &FIFOPolicy{}, tier.policy)
	assert.Equal(t, time.Second, tier.reapInterval)
}

func TestMemoryTier_EvictionBound(t *testing.T) {
	tier, clock := newTestMemoryTier(100, PolicyFIFO)
	expires := clock.Now().Add(time.Hour)

	for i := 0; i < 150; i++ {
		tier.Set(fmt.Sprintf("fund:%03d", i), []byte("v"), clock.Now(), expires)
		assert.LessOrEqual(t, tier.Len(), 100)
	}

	assert.Equal(t, 100, tier.Len())
	assert.Equal(t, 100, tier.ActiveTimers())
	for i := 0; i < 50; i++ {
		assert.False(t, tier.Contains(fmt.Sprintf("fund:%03d", i)))
	}
	for i := 50; i < 150; i++ {
		assert.True(t, tier.Contains(fmt.Sprintf("fund:%03d", i)))
	}

	evictions, _ := tier.Counters()
	assert.Equal(t, int64(50), evictions)
}

func TestMemoryTier_OverwriteDoesNotEvict(t *testing.T) {
	tier, clock := newTestMemoryTier(3, PolicyFIFO)
	expires := clock.Now().Add(time.Hour)

	tier.Set("a", []byte("1"), clock.Now(), expires)
	tier.Set("b", []byte("2"), clock.Now(), expires)
	tier.Set("c", []byte("3"), clock.Now(), expires)
	tier.Set("b", []byte("22"), clock.Now(), expires)

	assert.Equal(t, 3, tier.Len())
	data, ok := tier.Get("b")
	require.True(t, ok)
	assert.Equal(t, []byte("22"), data)

	evictions, _ := tier.Counters()
	assert.Equal(t, int64(0), evictions)

	// 覆盖视为重新插入，最早的是 a
	tier.Set("d", []byte("4"), clock.Now(), expires)
	assert.False(t, tier.Contains("a"))
	assert.True(t, tier.Contains("b"))
}

func TestMemoryTier_Policies(t *testing.T) {
	tests := []struct {
		name    string
		policy  PolicyType
		evicted string
		kept    string
	}{
		// FIFO 下读取不影响顺序
		{name: "fifo", policy: PolicyFIFO, evicted: "a", kept: "b"},
		// LRU 下刚读过的 a 被保留
		{name: "lru", policy: PolicyLRU, evicted: "b", kept: "a"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tier, clock := newTestMemoryTier(2, tt.policy)
			expires := clock.Now().Add(time.Hour)

			tier.Set("a", []byte("1"), clock.Now(), expires)
			tier.Set("b", []byte("2"), clock.Now(), expires)
			_, ok := tier.Get("a")
			require.True(t, ok)

			tier.Set("c", []byte("3"), clock.Now(), expires)
			assert.False(t, tier.Contains(tt.evicted))
			assert.True(t, tier.Contains(tt.kept))
			assert.True(t, tier.Contains("c"))
		})
	}
}

func TestMemoryTier_Expiry(t *testing.T) {
	tier, clock := newTestMemoryTier(10, PolicyFIFO)

	tier.Set("short", []byte("1"), clock.Now(), clock.Now().Add(time.Minute))
	tier.Set("long", []byte("2"), clock.Now(), clock.Now().Add(time.Hour))

	// 已过期的条目不会写入
	tier.Set("stale", []byte("3"), clock.Now(), clock.Now())
	assert.False(t, tier.Contains("stale"))
	assert.Equal(t, 2, tier.ActiveTimers())

	clock.Advance(time.Minute)
	assert.False(t, tier.Contains("short"))
	_, ok := tier.Get("short")
	assert.False(t, ok)
	assert.Equal(t, 1, tier.Len())
	assert.Equal(t, 1, tier.ActiveTimers())

	_, expirations := tier.Counters()
	assert.Equal(t, int64(1), expirations)
}

func TestMemoryTier_DeleteCancelsTimer(t *testing.T) {
	tier, clock := newTestMemoryTier(10, PolicyFIFO)

	tier.Set("a", []byte("1"), clock.Now(), clock.Now().Add(time.Minute))
	tier.Set("b", []byte("2"), clock.Now(), clock.Now().Add(time.Minute))
	assert.Equal(t, 2, tier.ActiveTimers())

	tier.Delete("a")
	tier.Delete("a")
	tier.Delete("missing")
	assert.Equal(t, 1, tier.ActiveTimers())

	// 重新写入只更新已有的定时项
	tier.Set("b", []byte("2"), clock.Now(), clock.Now().Add(time.Hour))
	assert.Equal(t, 1, tier.ActiveTimers())

	clock.Advance(2 * time.Minute)
	assert.Equal(t, 0, tier.ReapExpired(clock.Now()))
	assert.True(t, tier.Contains("b"))

	tier.Clear()
	assert.Equal(t, 0, tier.Len())
	assert.Equal(t, 0, tier.ActiveTimers())
}

func TestMemoryTier_ReapExpired(t *testing.T) {
	tier, clock := newTestMemoryTier(10, PolicyFIFO)

	for i := 0; i < 5; i++ {
		tier.Set(fmt.Sprintf("k%d", i), []byte("v"), clock.Now(), clock.Now().Add(time.Duration(i+1)*time.Minute))
	}

	clock.Advance(3 * time.Minute)
	assert.Equal(t, 3, tier.ReapExpired(clock.Now()))
	assert.Equal(t, 2, tier.Len())
	assert.Equal(t, 2, tier.ActiveTimers())

	// 回收后淘汰顺序仍然一致
	victim, ok := tier.policy.Victim()
	require.True(t, ok)
	assert.Equal(t, "k3", victim)
}

func TestMemoryTier_ReaperGoroutine(t *testing.T) {
	tier, clock := newTestMemoryTier(10, PolicyFIFO)
	tier.Start()
	tier.Start()
	defer tier.Close()

	tier.Set("a", []byte("1"), clock.Now(), clock.Now().Add(time.Minute))
	tier.Set("b", []byte("2"), clock.Now(), clock.Now().Add(time.Hour))

	clock.Advance(time.Minute)
	assert.Eventually(t, func() bool {
		return tier.Len() == 1 && tier.ActiveTimers() == 1
	}, time.Second, 10*time.Millisecond)
	assert.True(t, tier.Contains("b"))
}

func TestMemoryTier_CloseIdempotent(t *testing.T) {
	tier, _ := newTestMemoryTier(10, PolicyFIFO)
	tier.Close()

	tier.Start()
	tier.Close()
	tier.Close()

	// 关闭后可以再次启动
	tier.Start()
	tier.Close()
}
