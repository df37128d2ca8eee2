// Copyright 2016 Daniel Krawisz.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package storage keeps JSON encoded application data in a key-value engine.
// Values may be encrypted under the vault secret on a per-key basis; reads
// decrypt transparently, so callers do not need to know how a key was
// written.
package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/awnumar/memguard"

	"github.com/DanielKrawisz/walletagent/envelope"
	"github.com/DanielKrawisz/walletagent/kv"
	"github.com/DanielKrawisz/walletagent/secret"
)

// OperationError is returned when the engine fails. It records the storage
// operation and the engine's classification of the failure.
type OperationError struct {
	Op   string
	Kind string
	Err  error
}

// Error returns a description of the failed operation.
func (e *OperationError) Error() string {
	return fmt.Sprintf("storage %s failed (%s): %v", e.Op, e.Kind, e.Err)
}

// Unwrap returns the engine error.
func (e *OperationError) Unwrap() error {
	return e.Err
}

func wrap(op string, err error) error {
	log.Debugf("Storage %s failed: %v", op, err)
	return &OperationError{Op: op, Kind: kv.Kind(err), Err: err}
}

// Entry is a single result of List.
type Entry struct {
	Key   string
	Value json.RawMessage
}

// Decode unmarshals the entry's value into v.
func (e Entry) Decode(v interface{}) error {
	return json.Unmarshal(e.Value, v)
}

// Storage is the application's key-value store.
type Storage struct {
	engine kv.Engine
	secret *secret.Secret
}

// New returns a Storage which persists in engine and encrypts with sec.
func New(engine kv.Engine, sec *secret.Secret) *Storage {
	return &Storage{engine: engine, secret: sec}
}

// Get unmarshals the value stored under key into v. It returns false if
// nothing is stored under key. If the value is encrypted, Get waits for the
// vault secret to be available before decrypting it.
func (s *Storage) Get(ctx context.Context, key string, v interface{}) (bool, error) {
	raw, err := s.engine.Get(ctx, key)
	if err == kv.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, wrap("get", err)
	}

	plain, err := s.open(ctx, key, raw)
	if err != nil {
		return false, err
	}
	return true, json.Unmarshal(plain, v)
}

// Has returns whether a value is stored under key.
func (s *Storage) Has(ctx context.Context, key string) (bool, error) {
	_, err := s.engine.Get(ctx, key)
	if err == kv.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, wrap("has", err)
	}
	return true, nil
}

// Set stores v under key in plain JSON.
func (s *Storage) Set(ctx context.Context, key string, v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := s.engine.Put(ctx, key, b); err != nil {
		return wrap("set", err)
	}
	return nil
}

// SetEncrypted stores v under key encrypted with the vault secret, waiting
// for the secret to be available if the vault is locked.
func (s *Storage) SetEncrypted(ctx context.Context, key string, v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}

	k, err := s.secret.GetAsync(ctx)
	if err != nil {
		return err
	}
	e, err := envelope.Seal(k, b)
	memguard.WipeBytes(k)
	if err != nil {
		return err
	}

	return s.Set(ctx, key, e)
}

// Remove deletes key.
func (s *Storage) Remove(ctx context.Context, key string) error {
	if err := s.engine.Delete(ctx, key); err != nil {
		return wrap("remove", err)
	}
	return nil
}

// Clear deletes every key.
func (s *Storage) Clear(ctx context.Context) error {
	if err := s.engine.Clear(ctx); err != nil {
		return wrap("clear", err)
	}
	return nil
}

// List returns the entries within r in key order, decrypting values where
// necessary.
func (s *Storage) List(ctx context.Context, r kv.Range) ([]Entry, error) {
	pairs, err := s.engine.List(ctx, r)
	if err != nil {
		return nil, wrap("list", err)
	}

	entries := make([]Entry, 0, len(pairs))
	for _, p := range pairs {
		e := Entry{Key: p.Key}
		if p.Value != nil {
			plain, err := s.open(ctx, p.Key, p.Value)
			if err != nil {
				return nil, err
			}
			e.Value = plain
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// open returns raw unchanged unless it is an encryption envelope, in which
// case it returns the decrypted value.
func (s *Storage) open(ctx context.Context, key string, raw []byte) ([]byte, error) {
	e, ok := envelope.Parse(raw)
	if !ok {
		return raw, nil
	}

	k, err := s.secret.GetAsync(ctx)
	if err != nil {
		return nil, err
	}
	plain, err := envelope.Open(k, e)
	memguard.WipeBytes(k)
	if err != nil {
		return nil, fmt.Errorf("storage: decrypting %q: %w", key, err)
	}
	return plain, nil
}
