// Copyright 2016 Daniel Krawisz.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package kv

import (
	"context"
	"sort"
	"sync"
)

// Mem is an Engine which keeps everything in memory. It is used in tests and
// for vaults which are never persisted.
type Mem struct {
	mtx    sync.RWMutex
	data   map[string][]byte
	closed bool
}

// NewMem returns an empty Mem.
func NewMem() *Mem {
	return &Mem{data: make(map[string][]byte)}
}

func (m *Mem) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.closed {
		return &Error{Kind: "Closed", Err: ErrClosed}
	}
	return nil
}

// Get returns the value stored under key.
func (m *Mem) Get(ctx context.Context, key string) ([]byte, error) {
	m.mtx.RLock()
	defer m.mtx.RUnlock()

	if err := m.check(ctx); err != nil {
		return nil, err
	}
	v, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte{}, v...), nil
}

// Put stores value under key.
func (m *Mem) Put(ctx context.Context, key string, value []byte) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	if err := m.check(ctx); err != nil {
		return err
	}
	if key == "" {
		return ErrEmptyKey
	}
	m.data[key] = append([]byte{}, value...)
	return nil
}

// Delete removes key.
func (m *Mem) Delete(ctx context.Context, key string) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	if err := m.check(ctx); err != nil {
		return err
	}
	delete(m.data, key)
	return nil
}

// Clear removes every key.
func (m *Mem) Clear(ctx context.Context) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	if err := m.check(ctx); err != nil {
		return err
	}
	m.data = make(map[string][]byte)
	return nil
}

// List returns the pairs within r in key order.
func (m *Mem) List(ctx context.Context, r Range) ([]Pair, error) {
	m.mtx.RLock()
	defer m.mtx.RUnlock()

	if err := m.check(ctx); err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		if r.Contains(k) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	pairs := make([]Pair, 0, len(keys))
	for _, k := range keys {
		var p Pair
		if r.withKeys() {
			p.Key = k
		}
		if r.withValues() {
			p.Value = append([]byte{}, m.data[k]...)
		}
		pairs = append(pairs, p)
	}
	return pairs, nil
}

// Len returns the number of stored keys.
func (m *Mem) Len() int {
	m.mtx.RLock()
	defer m.mtx.RUnlock()
	return len(m.data)
}

// Close marks the engine closed. Further operations fail.
func (m *Mem) Close() error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.closed = true
	return nil
}
