// Copyright 2016 Daniel Krawisz.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package lock

import (
	"context"

	"github.com/awnumar/memguard"

	"github.com/DanielKrawisz/walletagent/envelope"
	"github.com/DanielKrawisz/walletagent/secret"
)

// PassphraseType is the type of a passphrase lock.
const PassphraseType Type = "passphrase"

// Store persists a lock's configuration. *storage.Storage implements it.
type Store interface {
	Get(ctx context.Context, key string, v interface{}) (bool, error)
	Has(ctx context.Context, key string) (bool, error)
	Set(ctx context.Context, key string, v interface{}) error
	Remove(ctx context.Context, key string) error
}

// passphraseRecord is the persisted configuration of a passphrase lock.
type passphraseRecord struct {
	KeyDerivation   *keyDerivation     `json:"keyDerivation"`
	EncryptedSecret *envelope.Envelope `json:"encryptedSecret"`
}

// Passphrase is a lock which encrypts the vault secret under a key derived
// from a passphrase with argon2id.
type Passphrase struct {
	base

	key    string
	store  Store
	secret *secret.Secret
	params KDFParams
}

// Option configures a Passphrase lock.
type Option func(*Passphrase)

// WithKDFParams sets the cost parameters used when the lock is configured.
// Existing configurations keep the parameters they were created with.
func WithKDFParams(params KDFParams) Option {
	return func(p *Passphrase) {
		p.params = params
	}
}

// NewPassphrase returns a passphrase lock protecting sec. The lock is enabled
// if a configuration is already persisted in store.
func NewPassphrase(ctx context.Context, store Store, sec *secret.Secret,
	master bool, opts ...Option) (*Passphrase, error) {

	p := &Passphrase{
		key:    KeyPrefix + string(PassphraseType),
		store:  store,
		secret: sec,
		params: InteractiveParams,
	}
	p.base.typ = PassphraseType
	p.base.master = master
	p.base.m = p
	for _, opt := range opts {
		opt(p)
	}

	enabled, err := store.Has(ctx, p.key)
	if err != nil {
		return nil, err
	}
	p.base.enabled = enabled
	return p, nil
}

func (p *Passphrase) validate(pass []byte) (*Strength, error) {
	return validatePassphrase(pass)
}

// configure wraps the current secret under a key derived from pass with a
// fresh salt, waiting for the secret if the vault is locked.
func (p *Passphrase) configure(ctx context.Context, pass []byte) error {
	kd, err := newKeyDerivation(p.params)
	if err != nil {
		return err
	}
	key, err := kd.deriveKey(pass)
	if err != nil {
		return err
	}
	defer memguard.WipeBytes(key)

	sec, err := p.secret.GetAsync(ctx)
	if err != nil {
		return err
	}
	defer memguard.WipeBytes(sec)

	e, err := envelope.Seal(key, sec)
	if err != nil {
		return err
	}

	return p.store.Set(ctx, p.key, &passphraseRecord{
		KeyDerivation:   kd,
		EncryptedSecret: e,
	})
}

// unlock restores the secret. Every failure to recover it from the stored
// configuration is reported as ErrPassphraseInvalid.
func (p *Passphrase) unlock(ctx context.Context, pass []byte) error {
	var rec passphraseRecord
	ok, err := p.store.Get(ctx, p.key, &rec)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotEnabled
	}
	if rec.KeyDerivation == nil || rec.EncryptedSecret == nil {
		log.Debugf("Lock %s has an incomplete configuration", p.typ)
		return ErrPassphraseInvalid
	}

	key, err := rec.KeyDerivation.deriveKey(pass)
	if err != nil {
		log.Debugf("Lock %s key derivation failed: %v", p.typ, err)
		return ErrPassphraseInvalid
	}
	defer memguard.WipeBytes(key)

	sec, err := envelope.Open(key, rec.EncryptedSecret)
	if err != nil {
		return ErrPassphraseInvalid
	}
	defer memguard.WipeBytes(sec)

	p.secret.Set(sec)
	log.Debugf("Lock %s unlocked the vault", p.typ)
	return nil
}

func (p *Passphrase) erase(ctx context.Context) error {
	return p.store.Remove(ctx, p.key)
}
