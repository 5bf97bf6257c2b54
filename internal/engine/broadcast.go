package engine

import (
	"sync"
	"sync/atomic"
)

// Broadcaster 非阻塞的多消费者广播
// 每个订阅者拥有独立缓冲通道, 通道已满时丢弃该消息并计数
type Broadcaster[T any] struct {
	mu      sync.RWMutex
	subs    map[uint64]chan T
	nextID  uint64
	buffer  int
	closed  bool
	dropped atomic.Int64
}

// Subscription 订阅句柄, C 在取消订阅或广播关闭时被关闭
type Subscription[T any] struct {
	C      <-chan T
	cancel func()
	once   sync.Once
}

func (s *Subscription[T]) Unsubscribe() {
	s.once.Do(s.cancel)
}

func NewBroadcaster[T any](buffer int) *Broadcaster[T] {
	if buffer <= 0 {
		buffer = 1
	}
	return &Broadcaster[T]{subs: make(map[uint64]chan T), buffer: buffer}
}

// Subscribe 从当前时刻开始接收消息, 不回放历史
func (b *Broadcaster[T]) Subscribe() *Subscription[T] {
	ch := make(chan T, b.buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return &Subscription[T]{C: ch, cancel: func() {}}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	return &Subscription[T]{C: ch, cancel: func() { b.remove(id) }}
}

// Publish 返回成功投递的订阅者数量
func (b *Broadcaster[T]) Publish(v T) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	delivered := 0
	for _, ch := range b.subs {
		select {
		case ch <- v:
			delivered++
		default:
			b.dropped.Add(1)
		}
	}
	return delivered
}

func (b *Broadcaster[T]) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
}

// Close 关闭所有订阅通道, 之后的 Subscribe 得到已关闭的通道
func (b *Broadcaster[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}

func (b *Broadcaster[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped 因订阅者过慢而丢弃的消息数
func (b *Broadcaster[T]) Dropped() int64 {
	return b.dropped.Load()
}
