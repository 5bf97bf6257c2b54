package cache

import (
	"container/list"
	"sync"

	"market-data-pipeline/internal/model"
)

type lruItem struct {
	key   string
	entry model.CachedEntry
	size  int
}

// LRU 内存层: 命中和写入都移动到最近使用位置
// 条目数超过 threshold 时按最久未使用淘汰到 capacity
type LRU struct {
	mu        sync.Mutex
	capacity  int
	threshold int
	ll        *list.List
	items     map[string]*list.Element
	bytes     int64
	evictions int64
}

func NewLRU(capacity, threshold int) *LRU {
	if capacity <= 0 {
		capacity = 1
	}
	if threshold < capacity {
		threshold = capacity
	}
	return &LRU{
		capacity:  capacity,
		threshold: threshold,
		ll:        list.New(),
		items:     make(map[string]*list.Element, threshold),
	}
}

func (l *LRU) Get(key string) (model.CachedEntry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	el, ok := l.items[key]
	if !ok {
		return model.CachedEntry{}, false
	}
	l.ll.MoveToFront(el)
	return el.Value.(*lruItem).entry, true
}

// Contains 不影响访问顺序
func (l *LRU) Contains(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.items[key]
	return ok
}

// Put 插入或替换, size 为序列化后的字节数
func (l *LRU) Put(key string, entry model.CachedEntry, size int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if el, ok := l.items[key]; ok {
		item := el.Value.(*lruItem)
		l.bytes += int64(size - item.size)
		item.entry = entry
		item.size = size
		l.ll.MoveToFront(el)
		return
	}

	l.items[key] = l.ll.PushFront(&lruItem{key: key, entry: entry, size: size})
	l.bytes += int64(size)

	if l.ll.Len() > l.threshold {
		for l.ll.Len() > l.capacity {
			l.removeElement(l.ll.Back())
			l.evictions++
		}
	}
}

func (l *LRU) Delete(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	el, ok := l.items[key]
	if !ok {
		return false
	}
	l.removeElement(el)
	return true
}

// RemoveIf 删除满足条件的条目, 返回删除数量
func (l *LRU) RemoveIf(pred func(model.CachedEntry) bool) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for el := l.ll.Front(); el != nil; {
		next := el.Next()
		if pred(el.Value.(*lruItem).entry) {
			l.removeElement(el)
			removed++
		}
		el = next
	}
	return removed
}

func (l *LRU) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ll.Init()
	l.items = make(map[string]*list.Element, l.threshold)
	l.bytes = 0
}

func (l *LRU) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ll.Len()
}

// Bytes 内存层条目序列化大小之和
func (l *LRU) Bytes() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.bytes
}

func (l *LRU) Evictions() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.evictions
}

func (l *LRU) removeElement(el *list.Element) {
	item := el.Value.(*lruItem)
	l.ll.Remove(el)
	delete(l.items, item.key)
	l.bytes -= int64(item.size)
}
