// Copyright 2016 Daniel Krawisz.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package lock defines the mechanisms which protect the vault secret. A lock
// wraps the secret under a key derived from user input and restores it when
// given the same input again.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/DanielKrawisz/walletagent/event"
)

// Type names a kind of lock.
type Type string

// KeyPrefix is prepended to a lock's type to form the storage key of its
// persisted configuration.
const KeyPrefix = "locker.lock."

var (
	// ErrNotEnabled is returned by an operation which requires the lock to be
	// enabled.
	ErrNotEnabled = errors.New("lock is not enabled")

	// ErrAlreadyEnabled is returned by Enable on an enabled lock.
	ErrAlreadyEnabled = errors.New("lock is already enabled")

	// ErrInvalidOnMaster is returned when disabling the master lock.
	ErrInvalidOnMaster = errors.New("operation is invalid on the master lock")

	// ErrPassphraseInvalid is returned when a passphrase does not unlock the
	// secret.
	ErrPassphraseInvalid = errors.New("invalid passphrase")
)

// Strength describes how hard an input would be to guess. Score runs from 0
// to 1.
type Strength struct {
	Score       float64
	Warning     string
	Suggestions []string
}

// TooWeakError is returned when an input is rejected as too easy to guess.
type TooWeakError struct {
	Score       float64
	Warning     string
	Suggestions []string
}

func (e *TooWeakError) Error() string {
	if e.Warning != "" {
		return fmt.Sprintf("passphrase is too weak (score %.2f): %s", e.Score, e.Warning)
	}
	return fmt.Sprintf("passphrase is too weak (score %.2f)", e.Score)
}

// Lock is a mechanism for protecting the vault secret.
type Lock interface {
	Type() Type

	// IsMaster returns whether this is the lock the vault cannot be opened
	// without.
	IsMaster() bool

	IsEnabled() bool

	// Enable configures the lock with input so that Unlock(input) restores
	// the current secret.
	Enable(ctx context.Context, input []byte) error

	// Disable erases the lock's configuration. The master lock cannot be
	// disabled.
	Disable(ctx context.Context) error

	// Update replaces the lock's configuration. For the master lock oldInput
	// must unlock the vault first.
	Update(ctx context.Context, newInput, oldInput []byte) error

	// Validate reports the strength of input, failing with *TooWeakError
	// if it is unacceptable.
	Validate(input []byte) (*Strength, error)

	// Unlock restores the vault secret from input.
	Unlock(ctx context.Context, input []byte) error

	// OnEnabledChange registers fn to be called when the lock becomes enabled
	// or disabled. It returns a function which removes fn.
	OnEnabledChange(fn func(enabled bool)) func()
}

// method is what a particular kind of lock does. The state machine in base
// decides when each is called.
type method interface {
	validate(input []byte) (*Strength, error)
	configure(ctx context.Context, input []byte) error
	unlock(ctx context.Context, input []byte) error
	erase(ctx context.Context) error
}

// base implements the state machine shared by every lock.
type base struct {
	typ    Type
	master bool
	m      method

	// opMu serialises operations which change or use the configuration.
	opMu sync.Mutex

	mtx     sync.Mutex
	enabled bool

	enabledChange event.Signal[bool]
}

func (b *base) Type() Type {
	return b.typ
}

func (b *base) IsMaster() bool {
	return b.master
}

func (b *base) IsEnabled() bool {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	return b.enabled
}

func (b *base) setEnabled(enabled bool) {
	b.mtx.Lock()
	changed := b.enabled != enabled
	b.enabled = enabled
	b.mtx.Unlock()

	if changed {
		if enabled {
			log.Infof("Lock %s enabled", b.typ)
		} else {
			log.Infof("Lock %s disabled", b.typ)
		}
		b.enabledChange.Dispatch(enabled)
	}
}

func (b *base) Enable(ctx context.Context, input []byte) error {
	b.opMu.Lock()
	defer b.opMu.Unlock()

	if b.IsEnabled() {
		return ErrAlreadyEnabled
	}
	if _, err := b.m.validate(input); err != nil {
		return err
	}
	if err := b.m.configure(ctx, input); err != nil {
		return err
	}

	b.setEnabled(true)
	return nil
}

func (b *base) Disable(ctx context.Context) error {
	b.opMu.Lock()
	defer b.opMu.Unlock()

	if !b.IsEnabled() {
		return ErrNotEnabled
	}
	if b.master {
		return ErrInvalidOnMaster
	}
	if err := b.m.erase(ctx); err != nil {
		return err
	}

	b.setEnabled(false)
	return nil
}

func (b *base) Update(ctx context.Context, newInput, oldInput []byte) error {
	b.opMu.Lock()
	defer b.opMu.Unlock()

	if !b.IsEnabled() {
		return ErrNotEnabled
	}
	if _, err := b.m.validate(newInput); err != nil {
		return err
	}
	if b.master {
		if err := b.m.unlock(ctx, oldInput); err != nil {
			return err
		}
	}
	if err := b.m.configure(ctx, newInput); err != nil {
		return err
	}

	log.Infof("Lock %s updated", b.typ)
	b.enabledChange.Dispatch(true)
	return nil
}

func (b *base) Validate(input []byte) (*Strength, error) {
	return b.m.validate(input)
}

func (b *base) Unlock(ctx context.Context, input []byte) error {
	b.opMu.Lock()
	defer b.opMu.Unlock()

	if !b.IsEnabled() {
		return ErrNotEnabled
	}
	return b.m.unlock(ctx, input)
}

func (b *base) OnEnabledChange(fn func(enabled bool)) func() {
	return b.enabledChange.Add(fn)
}
