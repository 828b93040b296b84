package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake is a manual clock. Time stands still until Advance is called,
// which fires pending waiters in deadline order.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*waiter
}

type waiter struct {
	at time.Time
	ch chan time.Time
}

func NewFake(start time.Time) *Fake { return &Fake{now: start} }

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()

	w := &waiter{at: f.now.Add(d), ch: make(chan time.Time, 1)}
	if d <= 0 {
		w.ch <- f.now
		return w.ch
	}

	f.waiters = append(f.waiters, w)
	return w.ch
}

func (f *Fake) Sleep(d time.Duration) { <-f.After(d) }

// Advance moves the clock forward and fires every waiter whose
// deadline falls within the window, earliest first.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.now = f.now.Add(d)
	sort.SliceStable(f.waiters, func(i, j int) bool { return f.waiters[i].at.Before(f.waiters[j].at) })

	remaining := f.waiters[:0]
	for _, w := range f.waiters {
		if w.at.After(f.now) {
			remaining = append(remaining, w)
			continue
		}
		w.ch <- w.at
	}
	f.waiters = remaining
}

// WaitForWaiters blocks until at least n callers are parked in After
// or Sleep, so tests can synchronize with the goroutine under test
// before advancing.
func (f *Fake) WaitForWaiters(n int) {
	for {
		f.mu.Lock()
		count := len(f.waiters)
		f.mu.Unlock()

		if count >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
}
