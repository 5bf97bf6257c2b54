package model

// Ring 固定容量的环形缓冲区, 超出容量时静默覆盖最旧元素
// 非并发安全, 由所属 Symbol 的锁保护
type Ring[T any] struct {
	buf   []T
	start int
	size  int
}

func NewRing[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring[T]{buf: make([]T, capacity)}
}

func (r *Ring[T]) Push(v T) {
	if r.size < len(r.buf) {
		r.buf[(r.start+r.size)%len(r.buf)] = v
		r.size++
		return
	}
	r.buf[r.start] = v
	r.start = (r.start + 1) % len(r.buf)
}

func (r *Ring[T]) Len() int { return r.size }

func (r *Ring[T]) Cap() int { return len(r.buf) }

// Last 返回最后一个元素的指针, 用于原地更新当前 K 线
func (r *Ring[T]) Last() (*T, bool) {
	if r.size == 0 {
		return nil, false
	}
	return &r.buf[(r.start+r.size-1)%len(r.buf)], true
}

// Tail 按时间顺序返回最近 n 个元素的副本, n <= 0 返回全部
func (r *Ring[T]) Tail(n int) []T {
	if n <= 0 || n > r.size {
		n = r.size
	}
	out := make([]T, n)
	offset := r.size - n
	for i := 0; i < n; i++ {
		out[i] = r.buf[(r.start+offset+i)%len(r.buf)]
	}
	return out
}
