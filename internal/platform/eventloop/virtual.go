package eventloop

import (
	"sort"
	"sync"
	"time"
)

// Virtual is a Scheduler driven by the caller. Time only moves through
// Advance, which makes delayed work deterministic in tests.
type Virtual struct {
	mu     sync.Mutex
	now    time.Time
	seq    uint64
	posted []func()
	timers []*virtualTimer
}

// NewVirtual returns a Virtual scheduler whose clock starts at start.
func NewVirtual(start time.Time) *Virtual {
	return &Virtual{now: start}
}

func (v *Virtual) Now() time.Time {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.now
}

func (v *Virtual) Post(task func()) {
	v.mu.Lock()
	v.posted = append(v.posted, task)
	v.mu.Unlock()
}

func (v *Virtual) AfterFunc(d time.Duration, task func()) Timer {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.seq++
	t := &virtualTimer{owner: v, at: v.now.Add(d), seq: v.seq, task: task}
	v.timers = append(v.timers, t)
	return t
}

// RunPending runs posted tasks, including tasks they post, until none remain.
func (v *Virtual) RunPending() {
	for {
		v.mu.Lock()
		if len(v.posted) == 0 {
			v.mu.Unlock()
			return
		}
		task := v.posted[0]
		v.posted = v.posted[1:]
		v.mu.Unlock()
		task()
	}
}

// Advance moves the clock forward by d, firing due timers in order and
// draining posted tasks between them.
func (v *Virtual) Advance(d time.Duration) {
	v.mu.Lock()
	target := v.now.Add(d)
	v.mu.Unlock()

	for {
		v.RunPending()
		t := v.nextDue(target)
		if t == nil {
			break
		}
		t.task()
	}

	v.mu.Lock()
	v.now = target
	v.mu.Unlock()
	v.RunPending()
}

// PendingTimers reports how many timers are armed.
func (v *Virtual) PendingTimers() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.timers)
}

func (v *Virtual) nextDue(target time.Time) *virtualTimer {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.timers) == 0 {
		return nil
	}
	sort.SliceStable(v.timers, func(i, j int) bool {
		if v.timers[i].at.Equal(v.timers[j].at) {
			return v.timers[i].seq < v.timers[j].seq
		}
		return v.timers[i].at.Before(v.timers[j].at)
	})
	t := v.timers[0]
	if t.at.After(target) {
		return nil
	}
	v.timers = v.timers[1:]
	if t.at.After(v.now) {
		v.now = t.at
	}
	return t
}

func (v *Virtual) remove(t *virtualTimer) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	for i, candidate := range v.timers {
		if candidate == t {
			v.timers = append(v.timers[:i], v.timers[i+1:]...)
			return true
		}
	}
	return false
}

type virtualTimer struct {
	owner *Virtual
	at    time.Time
	seq   uint64
	task  func()
}

func (t *virtualTimer) Stop() bool {
	return t.owner.remove(t)
}
