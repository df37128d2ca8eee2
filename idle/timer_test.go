// Copyright 2016 Daniel Krawisz.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package idle_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DanielKrawisz/walletagent/idle"
)

// mapStore is a Store which keeps JSON values in a map.
type mapStore struct {
	values map[string][]byte
	setErr error
}

func newMapStore() *mapStore {
	return &mapStore{values: make(map[string][]byte)}
}

func (s *mapStore) Get(ctx context.Context, key string, v interface{}) (bool, error) {
	b, ok := s.values[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(b, v)
}

func (s *mapStore) Set(ctx context.Context, key string, v interface{}) error {
	if s.setErr != nil {
		return s.setErr
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.values[key] = b
	return nil
}

var epoch = time.Date(2016, 1, 1, 0, 0, 0, 0, time.UTC)

func newTimer(t *testing.T, store *mapStore) (*idle.Timer, *idle.ManualClock) {
	clock := idle.NewManualClock(epoch)
	timer, err := idle.New(context.Background(), store, clock)
	if err != nil {
		t.Fatal(err)
	}
	return timer, clock
}

func TestDefaultMaxTime(t *testing.T) {
	timer, _ := newTimer(t, newMapStore())
	if got := timer.MaxTime(); got != 180000*time.Millisecond {
		t.Errorf("expected 180000ms got %v", got)
	}
	if got := timer.RemainingTime(); got != 0 {
		t.Errorf("timer not started yet, expected 0 remaining got %v", got)
	}
}

func TestPersistedMaxTime(t *testing.T) {
	store := newMapStore()
	store.values[idle.MaxTimeKey] = []byte("60000")

	timer, _ := newTimer(t, store)
	if got := timer.MaxTime(); got != time.Minute {
		t.Errorf("expected 1m got %v", got)
	}

	if err := timer.SetMaxTime(context.Background(), 5*time.Minute); err != nil {
		t.Fatal(err)
	}
	if string(store.values[idle.MaxTimeKey]) != "300000" {
		t.Errorf("unexpected persisted value %s", store.values[idle.MaxTimeKey])
	}

	// A new timer on the same store picks up the new value.
	timer, _ = newTimer(t, store)
	if got := timer.MaxTime(); got != 5*time.Minute {
		t.Errorf("expected 5m got %v", got)
	}
}

func TestSetMaxTimeErrors(t *testing.T) {
	store := newMapStore()
	timer, _ := newTimer(t, store)

	if err := timer.SetMaxTime(context.Background(), 0); err != idle.ErrInvalidMaxTime {
		t.Errorf("expected ErrInvalidMaxTime got %v", err)
	}

	store.setErr = errors.New("disk full")
	if err := timer.SetMaxTime(context.Background(), time.Minute); err != store.setErr {
		t.Errorf("expected store error got %v", err)
	}
	if timer.MaxTime() != idle.DefaultMaxTime {
		t.Error("max time changed although persisting failed")
	}
}

func TestTimeoutFiresOnce(t *testing.T) {
	timer, clock := newTimer(t, newMapStore())
	fired := 0
	timer.OnTimeout(func() { fired++ })

	timer.Restart()
	if got := timer.RemainingTime(); got != idle.DefaultMaxTime {
		t.Errorf("expected %v remaining got %v", idle.DefaultMaxTime, got)
	}

	clock.Advance(time.Minute)
	if got := timer.RemainingTime(); got != 2*time.Minute {
		t.Errorf("expected 2m remaining got %v", got)
	}
	if fired != 0 {
		t.Fatal("fired too early")
	}

	clock.Advance(2 * time.Minute)
	if fired != 1 {
		t.Fatalf("expected 1 timeout got %d", fired)
	}
	if timer.RemainingTime() != 0 {
		t.Error("expected no remaining time after timeout")
	}

	clock.Advance(time.Hour)
	if fired != 1 {
		t.Errorf("timeout fired again without restart: %d", fired)
	}
}

func TestRestartCancelsPrevious(t *testing.T) {
	timer, clock := newTimer(t, newMapStore())
	fired := 0
	timer.OnTimeout(func() { fired++ })

	timer.Restart()
	clock.Advance(2 * time.Minute)
	timer.Restart()
	timer.Restart()
	if clock.Pending() != 1 {
		t.Errorf("expected a single pending countdown, got %d", clock.Pending())
	}

	clock.Advance(2 * time.Minute)
	if fired != 0 {
		t.Fatal("cancelled countdown fired")
	}
	clock.Advance(time.Minute)
	if fired != 1 {
		t.Errorf("expected 1 timeout got %d", fired)
	}
}

func TestRemainingTimeWithoutFire(t *testing.T) {
	// The real clock is used with a tiny max time. Remaining time must drop to
	// zero once the deadline passes whether or not the callback has run.
	store := newMapStore()
	timer, err := idle.New(context.Background(), store, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := timer.SetMaxTime(context.Background(), 5*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	done := make(chan struct{})
	timer.OnTimeout(func() { close(done) })
	timer.Restart()

	time.Sleep(10 * time.Millisecond)
	if got := timer.RemainingTime(); got != 0 {
		t.Errorf("expected 0 remaining got %v", got)
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timeout never fired")
	}
}

func TestSetMaxTimeShrinks(t *testing.T) {
	timer, clock := newTimer(t, newMapStore())
	fired := 0
	timer.OnTimeout(func() { fired++ })

	timer.Restart()
	clock.Advance(time.Minute) // 2m remaining

	// Shorter than what remains: the countdown restarts with the new length.
	if err := timer.SetMaxTime(context.Background(), 30*time.Second); err != nil {
		t.Fatal(err)
	}
	if got := timer.RemainingTime(); got != 30*time.Second {
		t.Errorf("expected 30s remaining got %v", got)
	}

	clock.Advance(30 * time.Second)
	if fired != 1 {
		t.Errorf("expected 1 timeout got %d", fired)
	}
}

func TestSetMaxTimeDoesNotLengthen(t *testing.T) {
	timer, clock := newTimer(t, newMapStore())
	fired := 0
	timer.OnTimeout(func() { fired++ })

	timer.Restart()
	clock.Advance(2 * time.Minute) // 1m remaining

	// Not shorter than what remains: no restart.
	if err := timer.SetMaxTime(context.Background(), 90*time.Second); err != nil {
		t.Fatal(err)
	}
	if got := timer.RemainingTime(); got != time.Minute {
		t.Errorf("expected 1m remaining got %v", got)
	}
	clock.Advance(time.Minute)
	if fired != 1 {
		t.Fatalf("expected 1 timeout got %d", fired)
	}

	// The next countdown uses the new length.
	timer.Restart()
	if got := timer.RemainingTime(); got != 90*time.Second {
		t.Errorf("expected 90s remaining got %v", got)
	}
}

func TestSetMaxTimeWhileIdle(t *testing.T) {
	timer, clock := newTimer(t, newMapStore())
	if err := timer.SetMaxTime(context.Background(), time.Second); err != nil {
		t.Fatal(err)
	}
	if clock.Pending() != 0 {
		t.Error("SetMaxTime started a countdown")
	}
}

func TestStop(t *testing.T) {
	timer, clock := newTimer(t, newMapStore())
	fired := 0
	timer.OnTimeout(func() { fired++ })

	timer.Restart()
	timer.Stop()
	clock.Advance(time.Hour)
	if fired != 0 {
		t.Error("stopped countdown fired")
	}
	if timer.RemainingTime() != 0 {
		t.Error("expected no remaining time after Stop")
	}
}
