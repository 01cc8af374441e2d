package cache

import (
	"container/list"
)

// PolicyType 淘汰策略类型
type PolicyType string

const (
	PolicyFIFO PolicyType = "fifo" // First In First Out，按写入顺序淘汰
	PolicyLRU  PolicyType = "lru"  // Least Recently Used
)

// EvictionPolicy 内存层的淘汰策略。
// 实现不加锁，由 MemoryTier 的互斥锁保护。
type EvictionPolicy interface {
	OnAdd(key string)
	OnAccess(key string)
	OnRemove(key string)
	// Victim 返回下一个应被淘汰的键
	Victim() (string, bool)
	Reset()
}

// NewEvictionPolicy 创建淘汰策略
func NewEvictionPolicy(policyType PolicyType) EvictionPolicy {
	switch policyType {
	case PolicyLRU:
		return NewLRUPolicy()
	default:
		return NewFIFOPolicy() // 默认按写入顺序
	}
}

// keyQueue 队首为最早进入的键
type keyQueue struct {
	queue *list.List
	index map[string]*list.Element
}

func newKeyQueue() keyQueue {
	return keyQueue{
		queue: list.New(),
		index: make(map[string]*list.Element),
	}
}

func (q *keyQueue) pushBack(key string) {
	if elem, exists := q.index[key]; exists {
		q.queue.MoveToBack(elem)
		return
	}
	q.index[key] = q.queue.PushBack(key)
}

func (q *keyQueue) remove(key string) {
	if elem, exists := q.index[key]; exists {
		q.queue.Remove(elem)
		delete(q.index, key)
	}
}

func (q *keyQueue) front() (string, bool) {
	elem := q.queue.Front()
	if elem == nil {
		return "", false
	}
	return elem.Value.(string), true
}

func (q *keyQueue) reset() {
	q.queue.Init()
	q.index = make(map[string]*list.Element)
}

// FIFOPolicy FIFO淘汰策略，读取不影响顺序
type FIFOPolicy struct {
	keys keyQueue
}

// NewFIFOPolicy 创建FIFO策略
func NewFIFOPolicy() *FIFOPolicy {
	return &FIFOPolicy{keys: newKeyQueue()}
}

// OnAdd 重复写入同一个键视为重新插入，移到队尾
func (f *FIFOPolicy) OnAdd(key string)       { f.keys.pushBack(key) }
func (f *FIFOPolicy) OnAccess(string)        {}
func (f *FIFOPolicy) OnRemove(key string)    { f.keys.remove(key) }
func (f *FIFOPolicy) Victim() (string, bool) { return f.keys.front() }
func (f *FIFOPolicy) Reset()                 { f.keys.reset() }

// LRUPolicy LRU淘汰策略
type LRUPolicy struct {
	keys keyQueue
}

// NewLRUPolicy 创建LRU策略
func NewLRUPolicy() *LRUPolicy {
	return &LRUPolicy{keys: newKeyQueue()}
}

func (l *LRUPolicy) OnAdd(key string) { l.keys.pushBack(key) }

// OnAccess 访问时移到队尾
func (l *LRUPolicy) OnAccess(key string) {
	if elem, exists := l.keys.index[key]; exists {
		l.keys.queue.MoveToBack(elem)
	}
}

func (l *LRUPolicy) OnRemove(key string)    { l.keys.remove(key) }
func (l *LRUPolicy) Victim() (string, bool) { return l.keys.front() }
func (l *LRUPolicy) Reset()                 { l.keys.reset() }
