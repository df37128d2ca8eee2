// Copyright 2016 Daniel Krawisz.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package locker ties the vault secret, its locks and the idle timer into a
// single state machine.
//
// A vault is pristine until its master lock is enabled. A pristine vault
// keeps a generated secret in memory so that the master lock has something
// to protect. Once the master lock is enabled the vault is locked whenever
// the secret is undefined and unlocked otherwise, and it locks itself when
// the idle timer elapses.
package locker

import (
	"errors"
	"sync"

	"github.com/DanielKrawisz/walletagent/event"
	"github.com/DanielKrawisz/walletagent/idle"
	"github.com/DanielKrawisz/walletagent/lock"
	"github.com/DanielKrawisz/walletagent/secret"
)

var (
	// ErrPristine is returned by Lock before the master lock is enabled.
	ErrPristine = errors.New("vault has no master lock configured")

	// ErrUnknownLockType is returned by GetLock for a type the locker does
	// not hold.
	ErrUnknownLockType = errors.New("unknown lock type")

	// ErrLocked is the error to give secret.New for a secret owned by a
	// Locker. Reading the secret of a locked vault fails with it.
	ErrLocked = errors.New("vault is locked")

	// ErrMasterLock is returned by New unless exactly one master lock is
	// given.
	ErrMasterLock = errors.New("exactly one master lock is required")
)

// Locker is the vault state machine.
type Locker struct {
	secret *secret.Secret
	timer  *idle.Timer
	locks  map[lock.Type]lock.Lock
	master lock.Lock

	mtx      sync.Mutex
	pristine bool

	lockedChange event.Signal[bool]
	unsubscribe  []func()
}

// New returns a Locker for sec, which should have been created with
// ErrLocked. Exactly one of locks must be a master lock.
//
// If the master lock is already enabled the vault starts locked and the idle
// timer is started. Otherwise the vault is pristine and, unless sec is
// already defined, a new secret is generated.
func New(sec *secret.Secret, timer *idle.Timer, locks ...lock.Lock) (*Locker, error) {
	l := &Locker{
		secret: sec,
		timer:  timer,
		locks:  make(map[lock.Type]lock.Lock, len(locks)),
	}
	for _, lk := range locks {
		if lk.IsMaster() {
			if l.master != nil {
				return nil, ErrMasterLock
			}
			l.master = lk
		}
		l.locks[lk.Type()] = lk
	}
	if l.master == nil {
		return nil, ErrMasterLock
	}
	l.pristine = !l.master.IsEnabled()

	// A pristine vault gets its secret before anything listens, so the
	// generation is not reported as an unlock.
	if l.pristine && !sec.Has() {
		if err := sec.Generate(); err != nil {
			return nil, err
		}
	}

	l.unsubscribe = []func(){
		l.master.OnEnabledChange(l.masterEnabledChanged),
		sec.OnDefinedChange(l.secretChanged),
		timer.OnTimeout(l.idle),
	}

	if l.pristine {
		log.Info("Vault is pristine")
		return l, nil
	}

	log.Info("Vault opened locked")
	timer.Restart()
	return l, nil
}

func (l *Locker) masterEnabledChanged(enabled bool) {
	l.mtx.Lock()
	l.pristine = !enabled
	l.mtx.Unlock()

	if enabled {
		l.timer.Restart()
	}
}

func (l *Locker) secretChanged(defined bool) {
	if defined {
		log.Info("Vault unlocked")
		l.timer.Restart()
	} else {
		log.Info("Vault locked")
	}
	l.lockedChange.Dispatch(!defined)
}

func (l *Locker) idle() {
	if l.IsPristine() {
		return
	}
	log.Debug("Locking idle vault")
	l.Lock()
}

// IsPristine returns whether the master lock has yet to be enabled.
func (l *Locker) IsPristine() bool {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	return l.pristine
}

// IsLocked returns whether the secret is undefined.
func (l *Locker) IsLocked() bool {
	return !l.secret.Has()
}

// GetSecret returns a copy of the vault secret. It fails with an error
// matching ErrLocked and secret.ErrUndefined if the vault is locked.
func (l *Locker) GetSecret() ([]byte, error) {
	return l.secret.Get()
}

// GetLock returns the lock of type t.
func (l *Locker) GetLock(t lock.Type) (lock.Lock, error) {
	lk, ok := l.locks[t]
	if !ok {
		return nil, ErrUnknownLockType
	}
	return lk, nil
}

// Lock forgets the secret.
func (l *Locker) Lock() error {
	if l.IsPristine() {
		return ErrPristine
	}
	l.secret.Unset()
	return nil
}

// OnLockedChange registers fn to be called with true when the vault locks
// and false when it unlocks. It returns a function which removes fn.
func (l *Locker) OnLockedChange(fn func(locked bool)) func() {
	return l.lockedChange.Add(fn)
}

// IdleTimer returns the timer which locks the vault.
func (l *Locker) IdleTimer() *idle.Timer {
	return l.timer
}

// MasterLock returns the master lock.
func (l *Locker) MasterLock() lock.Lock {
	return l.master
}

// Close stops the idle timer and detaches the locker from its secret and
// locks.
func (l *Locker) Close() {
	for _, unsubscribe := range l.unsubscribe {
		unsubscribe()
	}
	l.unsubscribe = nil
	l.timer.Stop()
}
