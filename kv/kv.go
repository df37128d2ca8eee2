// Copyright 2016 Daniel Krawisz.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package kv defines the key-value engines that the vault persists its data
// in. Keys are strings ordered lexicographically and values are opaque bytes.
package kv

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by Get when no value is stored under the key.
	ErrNotFound = errors.New("record not found")

	// ErrEmptyKey is returned when an operation is given an empty key.
	ErrEmptyKey = errors.New("empty key")

	// ErrClosed is returned by an engine which has been closed.
	ErrClosed = errors.New("engine is closed")
)

// Range selects the keys k with Gte <= k <= Lte. An empty bound is open.
// Keys and Values select which parts of each pair are returned; if neither is
// set, both are.
type Range struct {
	Gte    string
	Lte    string
	Keys   bool
	Values bool
}

// Prefix returns a Range covering every key which starts with prefix.
func Prefix(prefix string) Range {
	return Range{Gte: prefix, Lte: prefix + "\xff"}
}

// Contains reports whether key lies within the bounds of r.
func (r Range) Contains(key string) bool {
	if r.Gte != "" && key < r.Gte {
		return false
	}
	if r.Lte != "" && key > r.Lte {
		return false
	}
	return true
}

// withKeys and withValues resolve the projection, treating a Range with
// neither flag set as asking for both.
func (r Range) withKeys() bool   { return r.Keys || !r.Values }
func (r Range) withValues() bool { return r.Values || !r.Keys }

// Pair is a single entry returned by List.
type Pair struct {
	Key   string
	Value []byte
}

// Engine is a key-value database.
type Engine interface {
	// Get returns the value stored under key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put stores value under key, replacing any previous value.
	Put(ctx context.Context, key string, value []byte) error

	// Delete removes key. Removing a key which does not exist is not an
	// error.
	Delete(ctx context.Context, key string) error

	// Clear removes every key.
	Clear(ctx context.Context) error

	// List returns the pairs within r in ascending key order.
	List(ctx context.Context, r Range) ([]Pair, error)

	// Close releases the engine's resources.
	Close() error
}

// Error attaches an engine specific classification to an error.
type Error struct {
	Kind string
	Err  error
}

// Error returns the message of the underlying error.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Kind returns the classification of err: the Kind of an *Error if there is
// one in its chain, or the dynamic type of err otherwise.
func Kind(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return fmt.Sprintf("%T", err)
}
