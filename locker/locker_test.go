// Copyright 2016 Daniel Krawisz.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package locker_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DanielKrawisz/walletagent/idle"
	"github.com/DanielKrawisz/walletagent/kv"
	"github.com/DanielKrawisz/walletagent/lock"
	"github.com/DanielKrawisz/walletagent/locker"
	"github.com/DanielKrawisz/walletagent/secret"
	"github.com/DanielKrawisz/walletagent/storage"
)

var (
	testParams = lock.KDFParams{Time: 1, Memory: 64, Parallelism: 1, KeyLen: 32}
	pass       = []byte("gT7#qL9!vZ2@xP4$")
	epoch      = time.Date(2016, 1, 1, 0, 0, 0, 0, time.UTC)
)

type vault struct {
	locker *locker.Locker
	secret *secret.Secret
	clock  *idle.ManualClock
	master *lock.Passphrase
}

// openVault opens a vault on engine the way the agent does at startup.
func openVault(t *testing.T, engine kv.Engine) *vault {
	ctx := context.Background()
	sec := secret.New(locker.ErrLocked)
	store := storage.New(engine, sec)
	clock := idle.NewManualClock(epoch)

	timer, err := idle.New(ctx, store, clock)
	if err != nil {
		t.Fatal(err)
	}
	master, err := lock.NewPassphrase(ctx, store, sec, true, lock.WithKDFParams(testParams))
	if err != nil {
		t.Fatal(err)
	}
	l, err := locker.New(sec, timer, master)
	if err != nil {
		t.Fatal(err)
	}
	return &vault{locker: l, secret: sec, clock: clock, master: master}
}

func TestPristine(t *testing.T) {
	v := openVault(t, kv.NewMem())

	if !v.locker.IsPristine() {
		t.Fatal("Expected a new vault to be pristine")
	}
	if v.locker.IsLocked() {
		t.Error("Expected a pristine vault to hold a generated secret")
	}
	s, err := v.locker.GetSecret()
	if err != nil || len(s) != secret.Size {
		t.Errorf("Unexpected secret %x, %v", s, err)
	}
	if err := v.locker.Lock(); err != locker.ErrPristine {
		t.Errorf("Expected ErrPristine, got %v", err)
	}

	// Generating the secret is not activity.
	if n := v.clock.Pending(); n != 0 {
		t.Errorf("Expected no idle countdown on a pristine vault, %d pending", n)
	}
	if r := v.locker.IdleTimer().RemainingTime(); r != 0 {
		t.Errorf("Expected no idle countdown on a pristine vault, remaining %v", r)
	}

	// Idling does nothing before the master lock is enabled.
	v.clock.Advance(time.Hour)
	if v.locker.IsLocked() {
		t.Error("Pristine vault locked on idle")
	}
}

func TestEnableMasterAndIdleLock(t *testing.T) {
	v := openVault(t, kv.NewMem())
	ctx := context.Background()

	var locked []bool
	v.locker.OnLockedChange(func(l bool) { locked = append(locked, l) })

	if err := v.locker.MasterLock().Enable(ctx, pass); err != nil {
		t.Fatal(err)
	}
	if v.locker.IsPristine() {
		t.Fatal("Expected vault not to be pristine after enabling the master lock")
	}
	if v.locker.IsLocked() {
		t.Fatal("Expected vault to be unlocked after enabling the master lock")
	}
	if r := v.locker.IdleTimer().RemainingTime(); r != idle.DefaultMaxTime {
		t.Errorf("Expected idle timer restarted, remaining %v", r)
	}

	v.clock.Advance(idle.DefaultMaxTime - time.Second)
	if v.locker.IsLocked() {
		t.Fatal("Locked too early")
	}
	v.clock.Advance(time.Second)
	if !v.locker.IsLocked() {
		t.Fatal("Expected idle vault to lock")
	}
	if len(locked) != 1 || !locked[0] {
		t.Errorf("Unexpected locked changes %v", locked)
	}

	_, err := v.locker.GetSecret()
	if !errors.Is(err, locker.ErrLocked) || !errors.Is(err, secret.ErrUndefined) {
		t.Errorf("Expected locked error, got %v", err)
	}
}

func TestUnlock(t *testing.T) {
	v := openVault(t, kv.NewMem())
	ctx := context.Background()

	if err := v.locker.MasterLock().Enable(ctx, pass); err != nil {
		t.Fatal(err)
	}
	original, _ := v.locker.GetSecret()
	if err := v.locker.Lock(); err != nil {
		t.Fatal(err)
	}

	var locked []bool
	v.locker.OnLockedChange(func(l bool) { locked = append(locked, l) })

	lk, err := v.locker.GetLock(lock.PassphraseType)
	if err != nil {
		t.Fatal(err)
	}

	// Time passes while locked.
	v.clock.Advance(time.Minute)

	if err := lk.Unlock(ctx, pass); err != nil {
		t.Fatal(err)
	}
	if v.locker.IsLocked() {
		t.Fatal("Expected vault to be unlocked")
	}
	if len(locked) != 1 || locked[0] {
		t.Errorf("Unexpected locked changes %v", locked)
	}
	if r := v.locker.IdleTimer().RemainingTime(); r != idle.DefaultMaxTime {
		t.Errorf("Expected idle timer restarted on unlock, remaining %v", r)
	}

	s, _ := v.locker.GetSecret()
	if string(s) != string(original) {
		t.Error("Unlock restored a different secret")
	}
}

func TestUpdateMasterRestartsIdleTimer(t *testing.T) {
	v := openVault(t, kv.NewMem())
	ctx := context.Background()

	if err := v.locker.MasterLock().Enable(ctx, pass); err != nil {
		t.Fatal(err)
	}

	v.clock.Advance(2 * time.Minute)
	if err := v.locker.MasterLock().Update(ctx, []byte("Rm8&Kw3^Yd6*Hn1%"), pass); err != nil {
		t.Fatal(err)
	}
	if v.locker.IsPristine() || v.locker.IsLocked() {
		t.Fatal("Expected vault to stay unlocked after a passphrase change")
	}
	if r := v.locker.IdleTimer().RemainingTime(); r != idle.DefaultMaxTime {
		t.Errorf("Expected idle timer restarted by the update, remaining %v", r)
	}
}

func TestActivityDelaysLock(t *testing.T) {
	v := openVault(t, kv.NewMem())
	ctx := context.Background()

	if err := v.locker.MasterLock().Enable(ctx, pass); err != nil {
		t.Fatal(err)
	}

	v.clock.Advance(2 * time.Minute)
	v.locker.IdleTimer().Restart()
	v.locker.IdleTimer().Restart()
	v.clock.Advance(2 * time.Minute)
	if v.locker.IsLocked() {
		t.Fatal("Vault locked despite activity")
	}
	v.clock.Advance(time.Minute)
	if !v.locker.IsLocked() {
		t.Fatal("Expected vault to lock")
	}
}

func TestReopenEnabledVault(t *testing.T) {
	engine := kv.NewMem()
	ctx := context.Background()

	v := openVault(t, engine)
	if err := v.locker.MasterLock().Enable(ctx, pass); err != nil {
		t.Fatal(err)
	}
	original, _ := v.locker.GetSecret()
	v.locker.Close()

	v = openVault(t, engine)
	if v.locker.IsPristine() {
		t.Fatal("Reopened vault is pristine")
	}
	if !v.locker.IsLocked() {
		t.Fatal("Reopened vault is not locked")
	}
	if r := v.locker.IdleTimer().RemainingTime(); r != idle.DefaultMaxTime {
		t.Errorf("Expected idle timer started on open, remaining %v", r)
	}

	if err := v.master.Unlock(ctx, pass); err != nil {
		t.Fatal(err)
	}
	s, _ := v.locker.GetSecret()
	if string(s) != string(original) {
		t.Error("Reopened vault has a different secret")
	}
}

func TestGetLockUnknown(t *testing.T) {
	v := openVault(t, kv.NewMem())
	if _, err := v.locker.GetLock("fingerprint"); err != locker.ErrUnknownLockType {
		t.Errorf("Expected ErrUnknownLockType, got %v", err)
	}
}

func TestMasterLockRequired(t *testing.T) {
	ctx := context.Background()
	sec := secret.New(locker.ErrLocked)
	store := storage.New(kv.NewMem(), sec)
	timer, err := idle.New(ctx, store, idle.NewManualClock(epoch))
	if err != nil {
		t.Fatal(err)
	}

	notMaster, err := lock.NewPassphrase(ctx, store, sec, false)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := locker.New(sec, timer, notMaster); err != locker.ErrMasterLock {
		t.Errorf("Expected ErrMasterLock without a master, got %v", err)
	}

	m1, _ := lock.NewPassphrase(ctx, store, sec, true)
	m2, _ := lock.NewPassphrase(ctx, store, sec, true)
	if _, err := locker.New(sec, timer, m1, m2); err != locker.ErrMasterLock {
		t.Errorf("Expected ErrMasterLock with two masters, got %v", err)
	}
}

func TestClose(t *testing.T) {
	v := openVault(t, kv.NewMem())
	ctx := context.Background()

	if err := v.locker.MasterLock().Enable(ctx, pass); err != nil {
		t.Fatal(err)
	}
	v.locker.Close()

	v.clock.Advance(time.Hour)
	if v.locker.IsLocked() {
		t.Error("Closed locker locked the vault")
	}
}
