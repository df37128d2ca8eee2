// Copyright 2016 Daniel Krawisz.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package idle

import (
	"sort"
	"sync"
	"time"
)

// Stopper cancels a pending callback. Stop returns false if the callback has
// already run or been stopped.
type Stopper interface {
	Stop() bool
}

// Clock is the source of time and of scheduled callbacks for a Timer.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Stopper
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) AfterFunc(d time.Duration, f func()) Stopper {
	return time.AfterFunc(d, f)
}

// SystemClock returns a Clock backed by the time package.
func SystemClock() Clock {
	return systemClock{}
}

// ManualClock is a Clock which only moves when Advance is called. Callbacks
// which become due are run synchronously by Advance, in deadline order.
type ManualClock struct {
	mtx    sync.Mutex
	now    time.Time
	nextID uint64
	timers map[uint64]*manualTimer
}

type manualTimer struct {
	clock *ManualClock
	id    uint64
	at    time.Time
	f     func()
}

// Stop removes the timer from its clock.
func (t *manualTimer) Stop() bool {
	t.clock.mtx.Lock()
	defer t.clock.mtx.Unlock()

	if _, ok := t.clock.timers[t.id]; !ok {
		return false
	}
	delete(t.clock.timers, t.id)
	return true
}

// NewManualClock returns a ManualClock set to start.
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{
		now:    start,
		timers: make(map[uint64]*manualTimer),
	}
}

// Now returns the current time of the clock.
func (c *ManualClock) Now() time.Time {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.now
}

// AfterFunc schedules f to run once the clock has advanced by d.
func (c *ManualClock) AfterFunc(d time.Duration, f func()) Stopper {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	c.nextID++
	t := &manualTimer{clock: c, id: c.nextID, at: c.now.Add(d), f: f}
	c.timers[t.id] = t
	return t
}

// Pending returns the number of scheduled callbacks which have not run.
func (c *ManualClock) Pending() int {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return len(c.timers)
}

// Advance moves the clock forward by d and runs every callback which is due.
func (c *ManualClock) Advance(d time.Duration) {
	c.mtx.Lock()
	c.now = c.now.Add(d)
	now := c.now

	var due []*manualTimer
	for id, t := range c.timers {
		if !t.at.After(now) {
			due = append(due, t)
			delete(c.timers, id)
		}
	}
	c.mtx.Unlock()

	sort.Slice(due, func(i, j int) bool {
		if due[i].at.Equal(due[j].at) {
			return due[i].id < due[j].id
		}
		return due[i].at.Before(due[j].at)
	})
	for _, t := range due {
		t.f()
	}
}
