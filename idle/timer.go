// Copyright 2016 Daniel Krawisz.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package idle implements the inactivity countdown which locks the vault.
package idle

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/DanielKrawisz/walletagent/event"
)

const (
	// DefaultMaxTime is the countdown length used when none is persisted.
	DefaultMaxTime = 3 * time.Minute

	// MaxTimeKey is the storage key of the persisted countdown length, in
	// milliseconds.
	MaxTimeKey = "locker.idle.maxTime"
)

// ErrInvalidMaxTime is returned by SetMaxTime for a non-positive duration.
var ErrInvalidMaxTime = errors.New("idle max time must be positive")

// Store persists the countdown length.
type Store interface {
	Get(ctx context.Context, key string, v interface{}) (bool, error)
	Set(ctx context.Context, key string, v interface{}) error
}

// Timer counts down from a maximum time after every call to Restart and
// notifies its listeners when the countdown elapses.
type Timer struct {
	store Store
	clock Clock

	mtx        sync.Mutex
	maxTime    time.Duration
	deadline   time.Time
	pending    Stopper
	generation uint64

	timeout event.Signal[struct{}]
}

// New creates a Timer whose maximum time is read from store, or
// DefaultMaxTime if nothing is persisted. The countdown is not started.
func New(ctx context.Context, store Store, clock Clock) (*Timer, error) {
	if clock == nil {
		clock = SystemClock()
	}

	maxTime := DefaultMaxTime
	var ms int64
	found, err := store.Get(ctx, MaxTimeKey, &ms)
	if err != nil {
		return nil, err
	}
	if found && ms > 0 {
		maxTime = time.Duration(ms) * time.Millisecond
	}

	return &Timer{
		store:   store,
		clock:   clock,
		maxTime: maxTime,
	}, nil
}

// MaxTime returns the countdown length.
func (t *Timer) MaxTime() time.Duration {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	return t.maxTime
}

// SetMaxTime persists a new countdown length. If a countdown is running and
// the new length is shorter than what remains of it, the countdown restarts
// with the new length. A running countdown is never lengthened.
func (t *Timer) SetMaxTime(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ErrInvalidMaxTime
	}
	if err := t.store.Set(ctx, MaxTimeKey, d.Milliseconds()); err != nil {
		return err
	}

	t.mtx.Lock()
	defer t.mtx.Unlock()

	t.maxTime = d
	if t.pending != nil && d < t.remaining() {
		log.Debugf("Idle countdown shortened to %v", d)
		t.restart()
	}
	return nil
}

// Restart cancels any pending countdown and starts a new one of length
// MaxTime.
func (t *Timer) Restart() {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	t.restart()
}

func (t *Timer) restart() {
	if t.pending != nil {
		t.pending.Stop()
	}
	t.generation++
	gen := t.generation
	t.deadline = t.clock.Now().Add(t.maxTime)
	t.pending = t.clock.AfterFunc(t.maxTime, func() {
		t.fire(gen)
	})
}

// fire dispatches the timeout unless the countdown it belongs to has been
// replaced or stopped in the meantime.
func (t *Timer) fire(gen uint64) {
	t.mtx.Lock()
	if gen != t.generation || t.pending == nil {
		t.mtx.Unlock()
		return
	}
	t.pending = nil
	t.mtx.Unlock()

	log.Debug("Idle countdown elapsed")
	t.timeout.Dispatch(struct{}{})
}

// Stop cancels the pending countdown, if any, without notifying listeners.
func (t *Timer) Stop() {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	if t.pending != nil {
		t.pending.Stop()
		t.pending = nil
	}
	t.generation++
	t.deadline = time.Time{}
}

// RemainingTime returns how long is left of the current countdown. It is
// computed from the clock rather than from whether the timeout has fired, so
// it is zero as soon as the deadline passes.
func (t *Timer) RemainingTime() time.Duration {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	return t.remaining()
}

func (t *Timer) remaining() time.Duration {
	if t.deadline.IsZero() {
		return 0
	}
	r := t.deadline.Sub(t.clock.Now())
	if r < 0 {
		return 0
	}
	return r
}

// OnTimeout registers fn to be called when a countdown elapses. It returns a
// function which removes fn.
func (t *Timer) OnTimeout(fn func()) func() {
	return t.timeout.Add(func(struct{}) { fn() })
}
