package service

import (
	"sync"
	"time"
)

// Clock 提供当前时间
type Clock interface {
	Now() time.Time
}

// Timer 是已调度任务的句柄
type Timer interface {
	// Stop 取消任务, 任务已执行或已取消时返回 false
	Stop() bool
}

// Scheduler 统一管理重连退避、心跳、节流和统计定时器
// 测试中使用 ManualScheduler 推进虚拟时间
type Scheduler interface {
	Clock
	AfterFunc(d time.Duration, f func()) Timer
	Every(d time.Duration, f func()) Timer
}

// RealScheduler 基于 time 包的实现
type RealScheduler struct{}

func NewRealScheduler() *RealScheduler {
	return &RealScheduler{}
}

func (RealScheduler) Now() time.Time { return time.Now() }

func (RealScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

func (RealScheduler) Every(d time.Duration, f func()) Timer {
	t := &realTicker{ticker: time.NewTicker(d), done: make(chan struct{})}
	go func() {
		for {
			select {
			case <-t.ticker.C:
				f()
			case <-t.done:
				return
			}
		}
	}()
	return t
}

type realTicker struct {
	ticker *time.Ticker
	done   chan struct{}
	once   sync.Once
}

func (t *realTicker) Stop() bool {
	stopped := false
	t.once.Do(func() {
		t.ticker.Stop()
		close(t.done)
		stopped = true
	})
	return stopped
}

// ManualScheduler 虚拟时钟调度器, 任务只在 Advance 时同步执行
type ManualScheduler struct {
	mu    sync.Mutex
	now   time.Time
	seq   uint64
	tasks []*manualTask
}

type manualTask struct {
	s       *ManualScheduler
	due     time.Time
	period  time.Duration
	seq     uint64
	fn      func()
	stopped bool
}

func NewManualScheduler(start time.Time) *ManualScheduler {
	return &ManualScheduler{now: start}
}

func (s *ManualScheduler) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

func (s *ManualScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return s.add(d, 0, f)
}

func (s *ManualScheduler) Every(d time.Duration, f func()) Timer {
	if d <= 0 {
		d = time.Millisecond
	}
	return s.add(d, d, f)
}

func (s *ManualScheduler) add(d, period time.Duration, f func()) *manualTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	t := &manualTask{s: s, due: s.now.Add(d), period: period, seq: s.seq, fn: f}
	s.tasks = append(s.tasks, t)
	return t
}

// Advance 推进虚拟时间, 按到期顺序执行所有到期任务 (包括执行过程中新调度且已到期的任务)
func (s *ManualScheduler) Advance(d time.Duration) {
	s.mu.Lock()
	target := s.now.Add(d)
	s.mu.Unlock()

	for {
		s.mu.Lock()
		next := s.nextDueLocked(target)
		if next == nil {
			s.now = target
			s.mu.Unlock()
			return
		}
		s.now = next.due
		if next.period > 0 {
			next.due = next.due.Add(next.period)
		} else {
			next.stopped = true
			s.removeLocked(next)
		}
		fn := next.fn
		s.mu.Unlock()

		fn()
	}
}

// Pending 返回尚未执行的任务数
func (s *ManualScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

func (s *ManualScheduler) nextDueLocked(target time.Time) *manualTask {
	var next *manualTask
	for _, t := range s.tasks {
		if t.due.After(target) {
			continue
		}
		if next == nil || t.due.Before(next.due) || (t.due.Equal(next.due) && t.seq < next.seq) {
			next = t
		}
	}
	return next
}

func (s *ManualScheduler) removeLocked(t *manualTask) {
	for i, cur := range s.tasks {
		if cur == t {
			s.tasks = append(s.tasks[:i], s.tasks[i+1:]...)
			return
		}
	}
}

func (t *manualTask) Stop() bool {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if t.stopped {
		return false
	}
	t.stopped = true
	t.s.removeLocked(t)
	return true
}
