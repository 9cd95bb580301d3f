package duel

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Timers 按对局ID管理的可取消定时任务，对局清理时统一取消
type Timers struct {
	clock clockwork.Clock
	mu    sync.Mutex
	seq   uint64
	tasks map[string]scheduledTask
}

type scheduledTask struct {
	timer clockwork.Timer
	seq   uint64
}

// NewTimers 创建定时任务表
func NewTimers(clock clockwork.Clock) *Timers {
	return &Timers{
		clock: clock,
		tasks: make(map[string]scheduledTask),
	}
}

// Schedule 在 d 之后执行 fn，替换同 key 的未触发任务
func (t *Timers) Schedule(key string, d time.Duration, fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if old, ok := t.tasks[key]; ok {
		old.timer.Stop()
	}
	t.seq++
	seq := t.seq
	timer := t.clock.AfterFunc(d, func() {
		go t.fire(key, seq, fn)
	})
	t.tasks[key] = scheduledTask{timer: timer, seq: seq}
}

func (t *Timers) fire(key string, seq uint64, fn func()) {
	t.mu.Lock()
	task, ok := t.tasks[key]
	if !ok || task.seq != seq {
		// 已被取消或替换
		t.mu.Unlock()
		return
	}
	delete(t.tasks, key)
	t.mu.Unlock()
	fn()
}

// Cancel 取消 key 对应的任务
func (t *Timers) Cancel(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	task, ok := t.tasks[key]
	if !ok {
		return false
	}
	task.timer.Stop()
	delete(t.tasks, key)
	return true
}

// CancelAll 取消全部任务
func (t *Timers) CancelAll() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for key, task := range t.tasks {
		task.timer.Stop()
		delete(t.tasks, key)
	}
}

// Pending 未触发的任务数
func (t *Timers) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.tasks)
}
