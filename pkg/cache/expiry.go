package cache

import (
	"container/heap"
	"time"
)

type expiryItem struct {
	key   string
	at    time.Time
	index int
}

// expiryHeap 按过期时间排序的最小堆
type expiryHeap []*expiryItem

func (h expiryHeap) Len() int           { return len(h) }
func (h expiryHeap) Less(i, j int) bool { return h[i].at.Before(h[j].at) }

func (h expiryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *expiryHeap) Push(x interface{}) {
	item := x.(*expiryItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *expiryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// expiryQueue 每个键至多一个定时项。重新调度会原地调整，取消会真正移除。
type expiryQueue struct {
	heap  expiryHeap
	byKey map[string]*expiryItem
}

func newExpiryQueue() *expiryQueue {
	return &expiryQueue{byKey: make(map[string]*expiryItem)}
}

// Schedule 设置或更新键的过期时间
func (q *expiryQueue) Schedule(key string, at time.Time) {
	if item, ok := q.byKey[key]; ok {
		item.at = at
		heap.Fix(&q.heap, item.index)
		return
	}
	item := &expiryItem{key: key, at: at}
	heap.Push(&q.heap, item)
	q.byKey[key] = item
}

// Cancel 取消键的定时项
func (q *expiryQueue) Cancel(key string) {
	item, ok := q.byKey[key]
	if !ok {
		return
	}
	heap.Remove(&q.heap, item.index)
	delete(q.byKey, key)
}

// PopExpired 弹出所有在 now 及之前到期的键
func (q *expiryQueue) PopExpired(now time.Time) []string {
	var keys []string
	for len(q.heap) > 0 && !q.heap[0].at.After(now) {
		item := heap.Pop(&q.heap).(*expiryItem)
		delete(q.byKey, item.key)
		keys = append(keys, item.key)
	}
	return keys
}

// Next 返回最近的到期时间
func (q *expiryQueue) Next() (time.Time, bool) {
	if len(q.heap) == 0 {
		return time.Time{}, false
	}
	return q.heap[0].at, true
}

func (q *expiryQueue) Len() int { return len(q.heap) }

func (q *expiryQueue) Reset() {
	q.heap = nil
	q.byKey = make(map[string]*expiryItem)
}
