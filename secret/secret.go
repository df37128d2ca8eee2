// Copyright 2016 Daniel Krawisz.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package secret

import (
	"context"
	"crypto/rand"
	"errors"
	"sync"

	"github.com/awnumar/memguard"

	"github.com/DanielKrawisz/walletagent/event"
)

// Size is the length in bytes of a generated vault secret.
const Size = 32

// ErrUndefined is matched by every error returned from Get while the secret
// is not set.
var ErrUndefined = errors.New("secret is undefined")

// UndefinedError is returned by Get when the secret is not set. It carries the
// error given to New so that the owner of the secret can decide how a missing
// secret is reported, for example as a locked vault.
type UndefinedError struct {
	Err error
}

// Error returns the message of the carried error.
func (e *UndefinedError) Error() string {
	if e.Err == nil {
		return ErrUndefined.Error()
	}
	return e.Err.Error()
}

// Unwrap returns the carried error.
func (e *UndefinedError) Unwrap() error {
	return e.Err
}

// Is reports whether target is ErrUndefined.
func (e *UndefinedError) Is(target error) bool {
	return target == ErrUndefined
}

// Secret holds the vault key in memory. It is either undefined or defined
// with a value, and listeners are told whenever it moves between those two
// states.
type Secret struct {
	mtx          sync.Mutex
	value        []byte
	ready        chan struct{} // closed while value is defined.
	undefinedErr error

	definedChange event.Signal[bool]
}

// New returns an undefined secret. undefinedErr is carried by the
// UndefinedError that Get returns while the secret is undefined; it may be nil.
func New(undefinedErr error) *Secret {
	return &Secret{
		ready:        make(chan struct{}),
		undefinedErr: undefinedErr,
	}
}

// NewWithValue returns a secret which is already defined with a copy of value.
func NewWithValue(value []byte, undefinedErr error) *Secret {
	s := New(undefinedErr)
	s.value = protect(value)
	close(s.ready)
	return s
}

// Has returns whether the secret is defined.
func (s *Secret) Has() bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.value != nil
}

// Get returns a copy of the secret, or an *UndefinedError if it is not set.
func (s *Secret) Get() ([]byte, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.value == nil {
		return nil, &UndefinedError{Err: s.undefinedErr}
	}
	return copyBytes(s.value), nil
}

// GetAsync returns a copy of the secret, waiting until it becomes defined if
// necessary. It returns early with the context's error if ctx is done first.
func (s *Secret) GetAsync(ctx context.Context) ([]byte, error) {
	for {
		s.mtx.Lock()
		if s.value != nil {
			v := copyBytes(s.value)
			s.mtx.Unlock()
			return v, nil
		}
		ready := s.ready
		s.mtx.Unlock()

		select {
		case <-ready:
			// The secret may have been unset again before we get the lock, in
			// which case we go back to waiting.
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Set stores a copy of value. Listeners are notified only if the secret was
// undefined before. Setting a secret which is already defined replaces the
// value without notification.
func (s *Secret) Set(value []byte) {
	s.mtx.Lock()
	wasDefined := s.value != nil
	if wasDefined {
		wipe(s.value)
	}
	s.value = protect(value)
	if !wasDefined {
		close(s.ready)
	}
	s.mtx.Unlock()

	if !wasDefined {
		log.Trace("Secret defined")
		s.definedChange.Dispatch(true)
	}
}

// Unset clears the secret. Listeners are notified only if it was defined.
func (s *Secret) Unset() {
	s.mtx.Lock()
	wasDefined := s.value != nil
	if wasDefined {
		wipe(s.value)
		s.value = nil
		s.ready = make(chan struct{})
	}
	s.mtx.Unlock()

	if wasDefined {
		log.Trace("Secret undefined")
		s.definedChange.Dispatch(false)
	}
}

// Generate sets the secret to Size random bytes.
func (s *Secret) Generate() error {
	v := make([]byte, Size)
	if _, err := rand.Read(v); err != nil {
		return err
	}
	s.Set(v)
	memguard.WipeBytes(v)
	return nil
}

// OnDefinedChange registers fn to be called with true when the secret becomes
// defined and false when it becomes undefined. It returns a function which
// removes fn.
func (s *Secret) OnDefinedChange(fn func(defined bool)) func() {
	return s.definedChange.Add(fn)
}

func copyBytes(b []byte) []byte {
	c := make([]byte, len(b))
	copy(c, b)
	return c
}

// protect copies b into a fresh buffer and attempts to keep it out of swap.
func protect(b []byte) []byte {
	c := copyBytes(b)
	if len(c) > 0 {
		if err := lockMemory(c); err != nil {
			log.Tracef("Unable to lock secret memory: %v", err)
		}
	}
	return c
}

func wipe(b []byte) {
	memguard.WipeBytes(b)
	if len(b) > 0 {
		_ = unlockMemory(b)
	}
}
