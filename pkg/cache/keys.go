package cache

import (
	"hash/fnv"
	"strconv"
	"sync"
	"sync/atomic"
)

// 物理键的派生规则
func chunkKey(key string, index int) string {
	return key + "_" + strconv.Itoa(index)
}

func pageKey(key string, page int) string {
	return key + "_page_" + strconv.Itoa(page)
}

func pageMetaKey(key string) string {
	return key + "_meta"
}

const lockStripes = 64

// 持久化元数据中的数值只作为校验依据，分配与遍历都受以下上限约束
const (
	// maxSetRecords 单个分片或分页集合允许的最大记录数
	maxSetRecords = 1 << 20
	// maxPrealloc 按元数据中的长度预分配时的上限
	maxPrealloc = 64 * 1024
	// maxMissingRun 删除集合时连续缺失的下标超过该值即停止
	maxMissingRun = 16
)

func capHint(n int) int {
	if n < 0 {
		return 0
	}
	return min(n, maxPrealloc)
}

type keyStripe struct {
	mu  sync.Mutex
	seq atomic.Uint64
}

// keyLocks 条带化的键锁。每次加锁都会递增所在条带的序号，
// 读路径据此判断回填内存层期间是否发生过写入。
type keyLocks struct {
	stripes [lockStripes]keyStripe
}

func (l *keyLocks) stripe(key string) *keyStripe {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &l.stripes[h.Sum32()%lockStripes]
}

// lock 锁定键所在条带，返回解锁函数
func (l *keyLocks) lock(key string) func() {
	s := l.stripe(key)
	s.mu.Lock()
	s.seq.Add(1)
	return s.mu.Unlock
}

// lockAll 按顺序锁定全部条带
func (l *keyLocks) lockAll() func() {
	for i := range l.stripes {
		l.stripes[i].mu.Lock()
		l.stripes[i].seq.Add(1)
	}
	return func() {
		for i := len(l.stripes) - 1; i >= 0; i-- {
			l.stripes[i].mu.Unlock()
		}
	}
}

func (l *keyLocks) version(key string) uint64 {
	return l.stripe(key).seq.Load()
}

// lockIfUnchanged 条带序号未变化时加锁并递增序号，返回解锁函数
func (l *keyLocks) lockIfUnchanged(key string, version uint64) (func(), bool) {
	s := l.stripe(key)
	s.mu.Lock()
	if s.seq.Load() != version {
		s.mu.Unlock()
		return nil, false
	}
	s.seq.Add(1)
	return s.mu.Unlock, true
}

// ifUnchanged 在条带序号未变化时执行 fn，不递增序号
func (l *keyLocks) ifUnchanged(key string, version uint64, fn func()) bool {
	s := l.stripe(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seq.Load() != version {
		return false
	}
	fn()
	return true
}
