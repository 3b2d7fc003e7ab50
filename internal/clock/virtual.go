package clock

import (
	"sort"
	"sync"
	"time"
)

// Virtual is a deterministic Clock for tests: time only moves when Advance
// is called, and callbacks fire in a fixed, reproducible order. This is the
// scheduler-and-storage-driver injection point the design calls for so that
// view-change and repair timing can be driven deterministically in tests.
type Virtual struct {
	mu      sync.Mutex
	now     time.Time
	nextID  uint64
	pending []*virtualTimer
}

// NewVirtual creates a Virtual clock starting at the given time.
func NewVirtual(start time.Time) *Virtual {
	return &Virtual{now: start}
}

type virtualTimer struct {
	id       uint64
	deadline time.Time
	f        func()
	active   bool
	pending  bool // still in owner.pending (not yet compacted out)
	owner    *Virtual
}

func (t *virtualTimer) Stop() bool {
	t.owner.mu.Lock()
	defer t.owner.mu.Unlock()
	was := t.active
	t.active = false
	return was
}

func (t *virtualTimer) Reset(d time.Duration) {
	t.owner.mu.Lock()
	defer t.owner.mu.Unlock()
	t.deadline = t.owner.now.Add(d)
	t.active = true
	if !t.pending {
		t.pending = true
		t.owner.pending = append(t.owner.pending, t)
	}
}

func (c *Virtual) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Virtual) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	t := &virtualTimer{id: c.nextID, deadline: c.now.Add(d), f: f, active: true, pending: true, owner: c}
	c.pending = append(c.pending, t)
	return t
}

// Advance moves the clock forward by d, firing (in deadline order, ties
// broken by scheduling order) every timer whose deadline has passed. The
// clock is moved to the target time before anything fires, so a callback
// that Resets its own timer (the repeating-timer idiom) lands strictly
// after the target and fires on a subsequent Advance, never reentrantly
// within this call -- matching the no-preemption single-threaded event
// loop model the replica runs under. Fired-and-not-Reset timers are
// compacted out afterwards; Reset keeps a timer in the pending set.
func (c *Virtual) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.now = target

	var due []*virtualTimer
	for _, t := range c.pending {
		if t.active && !t.deadline.After(target) {
			due = append(due, t)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].deadline.Equal(due[j].deadline) {
			return due[i].id < due[j].id
		}
		return due[i].deadline.Before(due[j].deadline)
	})
	c.mu.Unlock()

	for _, t := range due {
		c.mu.Lock()
		active := t.active && !t.deadline.After(target)
		t.active = false
		c.mu.Unlock()
		if active {
			t.f()
		}
	}

	c.mu.Lock()
	rest := c.pending[:0]
	for _, t := range c.pending {
		if t.active {
			rest = append(rest, t)
		} else {
			t.pending = false
		}
	}
	c.pending = rest
	c.mu.Unlock()
}

var _ Clock = (*Virtual)(nil)
