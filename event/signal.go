// Copyright 2016 Daniel Krawisz.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package event provides a small ordered observer registry. Listeners are
// invoked synchronously, in the order in which they were added. A listener
// that is added while a value is being dispatched is not invoked for that
// dispatch.
package event

import "sync"

// listener wraps a callback so that it can be identified for removal even
// though funcs are not comparable.
type listener[T any] struct {
	fn func(T)
}

// Signal is an ordered list of callbacks which all receive the values passed
// to Dispatch. The zero value is ready to use.
type Signal[T any] struct {
	mtx       sync.Mutex
	listeners []*listener[T]
}

// Add registers fn and returns a function which removes it again. Calling the
// returned function more than once has no further effect.
func (s *Signal[T]) Add(fn func(T)) func() {
	l := &listener[T]{fn: fn}

	s.mtx.Lock()
	s.listeners = append(s.listeners, l)
	s.mtx.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { s.remove(l) })
	}
}

func (s *Signal[T]) remove(l *listener[T]) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	for i, x := range s.listeners {
		if x == l {
			// Copy instead of shifting in place so that a snapshot taken by a
			// concurrent Dispatch is not disturbed.
			ls := make([]*listener[T], 0, len(s.listeners)-1)
			ls = append(ls, s.listeners[:i]...)
			s.listeners = append(ls, s.listeners[i+1:]...)
			return
		}
	}
}

// Dispatch calls every registered listener with v.
func (s *Signal[T]) Dispatch(v T) {
	s.mtx.Lock()
	ls := s.listeners
	s.mtx.Unlock()

	for _, l := range ls {
		l.fn(v)
	}
}

// Len returns the number of registered listeners.
func (s *Signal[T]) Len() int {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return len(s.listeners)
}
