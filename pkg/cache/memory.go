package cache

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// memoryItem 内存层条目，data 是序列化后、压缩前的字节
type memoryItem struct {
	data      []byte
	expiresAt time.Time
	createdAt time.Time
}

// MemoryTierConfig 内存层配置
type MemoryTierConfig struct {
	MaxItems     int           // 最大条目数量
	Policy       PolicyType    // 淘汰策略
	ReapInterval time.Duration // 过期回收间隔
}

// MemoryTier 有界的内存层。
// 过期时间放在一个最小堆里，由单个回收协程按间隔清理。
type MemoryTier struct {
	mu       sync.RWMutex
	items    map[string]*memoryItem
	maxItems int
	policy   EvictionPolicy
	expiry   *expiryQueue
	clock    Clock
	log      *logrus.Entry

	evictions   int64
	expirations int64

	reapInterval time.Duration
	stopReaper   chan struct{}
	reaperDone   chan struct{}
	running      bool
}

// NewMemoryTier 创建内存层
func NewMemoryTier(config MemoryTierConfig, clock Clock, log *logrus.Entry) *MemoryTier {
	if config.MaxItems <= 0 {
		config.MaxItems = 100
	}
	if config.ReapInterval <= 0 {
		config.ReapInterval = time.Second
	}
	if config.Policy == "" {
		config.Policy = PolicyFIFO
	}
	return &MemoryTier{
		items:        make(map[string]*memoryItem),
		maxItems:     config.MaxItems,
		policy:       NewEvictionPolicy(config.Policy),
		expiry:       newExpiryQueue(),
		clock:        clock,
		log:          log,
		reapInterval: config.ReapInterval,
	}
}

// Get 读取条目，过期条目被删除并视为未命中。
// 返回的切片由内存层持有，调用方不得修改。
func (m *MemoryTier) Get(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, exists := m.items[key]
	if !exists {
		return nil, false
	}

	if !m.clock.Now().Before(item.expiresAt) {
		m.removeLocked(key)
		m.expirations++
		return nil, false
	}

	m.policy.OnAccess(key)
	return item.data, true
}

// Contains 判断是否存在未过期的条目，不影响淘汰顺序
func (m *MemoryTier) Contains(key string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	item, exists := m.items[key]
	return exists && m.clock.Now().Before(item.expiresAt)
}

// Set 写入条目。容量已满且键不存在时先淘汰一个条目。
func (m *MemoryTier) Set(key string, data []byte, createdAt, expiresAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.clock.Now().Before(expiresAt) {
		m.removeLocked(key)
		return
	}

	if _, exists := m.items[key]; !exists {
		for len(m.items) >= m.maxItems {
			if !m.evictLocked() {
				break
			}
		}
	}

	m.items[key] = &memoryItem{
		data:      data,
		expiresAt: expiresAt,
		createdAt: createdAt,
	}
	m.policy.OnAdd(key)
	m.expiry.Schedule(key, expiresAt)
}

// Delete 删除条目并取消其过期定时
func (m *MemoryTier) Delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(key)
}

// Clear 清空内存层
func (m *MemoryTier) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.items = make(map[string]*memoryItem)
	m.policy.Reset()
	m.expiry.Reset()
}

// ReapExpired 清理堆中所有已到期的条目，返回清理数量
func (m *MemoryTier) ReapExpired(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := m.expiry.PopExpired(now)
	for _, key := range keys {
		delete(m.items, key)
		m.policy.OnRemove(key)
	}
	m.expirations += int64(len(keys))
	return len(keys)
}

// Len 当前条目数量
func (m *MemoryTier) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}

// ActiveTimers 堆中的定时项数量
func (m *MemoryTier) ActiveTimers() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.expiry.Len()
}

// Capacity 最大条目数量
func (m *MemoryTier) Capacity() int { return m.maxItems }

// Counters 返回累计的淘汰数与过期数
func (m *MemoryTier) Counters() (evictions, expirations int64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.evictions, m.expirations
}

// Start 启动回收协程
func (m *MemoryTier) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}
	m.running = true
	m.stopReaper = make(chan struct{})
	m.reaperDone = make(chan struct{})
	go m.reapLoop(m.stopReaper, m.reaperDone)
}

// Close 停止回收协程并等待其退出
func (m *MemoryTier) Close() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	stop, done := m.stopReaper, m.reaperDone
	m.mu.Unlock()

	close(stop)
	<-done
}

func (m *MemoryTier) reapLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := m.ReapExpired(m.clock.Now()); n > 0 {
				m.log.WithField("count", n).Debug("内存层回收过期条目")
			}
		case <-stop:
			return
		}
	}
}

// evictLocked 按策略淘汰一个条目
func (m *MemoryTier) evictLocked() bool {
	victim, ok := m.policy.Victim()
	if !ok {
		return false
	}
	m.removeLocked(victim)
	m.policy.OnRemove(victim)
	m.evictions++
	return true
}

func (m *MemoryTier) removeLocked(key string) {
	if _, exists := m.items[key]; !exists {
		return
	}
	delete(m.items, key)
	m.policy.OnRemove(key)
	m.expiry.Cancel(key)
}
