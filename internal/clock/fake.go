package clock

import (
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Fake is a deterministic Clock on top of clockwork.FakeClock. Time stands
// still until Advance is called. AfterFunc callbacks run synchronously inside
// Advance, in deadline order, and may register new timers; those fire in the
// same Advance when due.
type Fake struct {
	fc *clockwork.FakeClock

	mu    sync.Mutex
	funcs []*fakeFunc
}

type fakeFunc struct {
	deadline time.Time
	timer    clockwork.Timer
	callback func()
	stopped  bool
	fired    bool
}

func NewFake(start time.Time) *Fake {
	return &Fake{fc: clockwork.NewFakeClockAt(start)}
}

func (c *Fake) Now() time.Time { return c.fc.Now() }

func (c *Fake) After(d time.Duration) <-chan time.Time { return c.fc.After(d) }

func (c *Fake) AfterFunc(d time.Duration, f func()) Timer {
	if d < 0 {
		d = 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	w := &fakeFunc{deadline: c.fc.Now().Add(d), timer: c.fc.NewTimer(d), callback: f}
	c.funcs = append(c.funcs, w)
	return &fakeTimer{clock: c, fn: w}
}

// Advance moves the clock forward. The clock reads each callback's deadline
// while that callback runs.
func (c *Fake) Advance(d time.Duration) {
	target := c.fc.Now().Add(d)
	for {
		w := c.popDue(target)
		if w == nil {
			break
		}
		if step := w.deadline.Sub(c.fc.Now()); step > 0 {
			c.fc.Advance(step)
		}
		select {
		case <-w.timer.Chan():
		default:
		}
		w.callback()
	}
	if step := target.Sub(c.fc.Now()); step > 0 {
		c.fc.Advance(step)
	}
}

// Pending returns the number of AfterFunc timers that have neither fired nor
// been stopped.
func (c *Fake) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, w := range c.funcs {
		if !w.stopped && !w.fired {
			n++
		}
	}
	return n
}

// popDue removes and returns the earliest callback due at or before target.
func (c *Fake) popDue(target time.Time) *fakeFunc {
	c.mu.Lock()
	defer c.mu.Unlock()

	live := c.funcs[:0]
	for _, w := range c.funcs {
		if !w.stopped {
			live = append(live, w)
		}
	}
	c.funcs = live
	sort.SliceStable(c.funcs, func(i, j int) bool { return c.funcs[i].deadline.Before(c.funcs[j].deadline) })

	if len(c.funcs) == 0 || c.funcs[0].deadline.After(target) {
		return nil
	}
	w := c.funcs[0]
	c.funcs = c.funcs[1:]
	w.fired = true
	return w
}

type fakeTimer struct {
	clock *Fake
	fn    *fakeFunc
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.fn.stopped || t.fn.fired {
		return false
	}
	t.fn.stopped = true
	t.fn.timer.Stop()
	return true
}
