// Copyright 2016 Daniel Krawisz.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package lock_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DanielKrawisz/walletagent/kv"
	"github.com/DanielKrawisz/walletagent/lock"
	"github.com/DanielKrawisz/walletagent/secret"
	"github.com/DanielKrawisz/walletagent/storage"
)

var (
	testParams = lock.KDFParams{Time: 1, Memory: 64, Parallelism: 1, KeyLen: 32}

	strongPass  = []byte("gT7#qL9!vZ2@xP4$")
	strongPass2 = []byte("Rm8&Kw3^Yd6*Hn1%")
	weakPass    = []byte("password")

	passKey = lock.KeyPrefix + string(lock.PassphraseType)
)

type fixture struct {
	engine *kv.Mem
	store  *storage.Storage
	secret *secret.Secret
	value  []byte
}

func newFixture() *fixture {
	value := bytes.Repeat([]byte{0x42}, secret.Size)
	engine := kv.NewMem()
	sec := secret.NewWithValue(value, nil)
	return &fixture{
		engine: engine,
		store:  storage.New(engine, sec),
		secret: sec,
		value:  value,
	}
}

func (f *fixture) newLock(t *testing.T, master bool) *lock.Passphrase {
	p, err := lock.NewPassphrase(context.Background(), f.store, f.secret, master,
		lock.WithKDFParams(testParams))
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestEnableUnlock(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	p := f.newLock(t, true)

	if p.Type() != lock.PassphraseType || !p.IsMaster() || p.IsEnabled() {
		t.Fatalf("Unexpected initial state")
	}

	var changes []bool
	p.OnEnabledChange(func(enabled bool) { changes = append(changes, enabled) })

	if err := p.Enable(ctx, strongPass); err != nil {
		t.Fatal(err)
	}
	if !p.IsEnabled() {
		t.Error("Expected lock to be enabled")
	}
	if len(changes) != 1 || !changes[0] {
		t.Errorf("Unexpected enabled changes %v", changes)
	}

	f.secret.Unset()
	if err := p.Unlock(ctx, strongPass); err != nil {
		t.Fatal(err)
	}
	got, err := f.secret.Get()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, f.value) {
		t.Errorf("Unlock restored the wrong secret")
	}
}

func TestUnlockWrongPassphrase(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	p := f.newLock(t, true)

	if err := p.Enable(ctx, strongPass); err != nil {
		t.Fatal(err)
	}
	f.secret.Unset()

	if err := p.Unlock(ctx, strongPass2); err != lock.ErrPassphraseInvalid {
		t.Errorf("Expected ErrPassphraseInvalid, got %v", err)
	}
	if f.secret.Has() {
		t.Error("Secret was set by a failed unlock")
	}
}

func TestUnlockCorruptCiphertext(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	p := f.newLock(t, true)

	if err := p.Enable(ctx, strongPass); err != nil {
		t.Fatal(err)
	}

	var rec map[string]map[string]interface{}
	raw, _ := f.engine.Get(ctx, passKey)
	if err := json.Unmarshal(raw, &rec); err != nil {
		t.Fatal(err)
	}
	ct := []byte(rec["encryptedSecret"]["cypherText"].(string))
	if ct[0] == '0' {
		ct[0] = '1'
	} else {
		ct[0] = '0'
	}
	rec["encryptedSecret"]["cypherText"] = string(ct)
	raw, _ = json.Marshal(rec)
	if err := f.engine.Put(ctx, passKey, raw); err != nil {
		t.Fatal(err)
	}

	f.secret.Unset()
	if err := p.Unlock(ctx, strongPass); err != lock.ErrPassphraseInvalid {
		t.Errorf("Expected ErrPassphraseInvalid, got %v", err)
	}
}

func TestEnableTooWeak(t *testing.T) {
	f := newFixture()
	p := f.newLock(t, true)

	err := p.Enable(context.Background(), weakPass)
	var weak *lock.TooWeakError
	if !errors.As(err, &weak) {
		t.Fatalf("Expected *TooWeakError, got %v", err)
	}
	if weak.Score >= lock.MinScore {
		t.Errorf("Unexpected score %v", weak.Score)
	}
	if len(weak.Suggestions) == 0 {
		t.Error("Expected suggestions")
	}
	if p.IsEnabled() {
		t.Error("Lock enabled with a weak passphrase")
	}
	if f.engine.Len() != 0 {
		t.Error("Weak passphrase configuration was persisted")
	}
}

func TestValidate(t *testing.T) {
	p := newFixture().newLock(t, false)

	s, err := p.Validate(strongPass)
	if err != nil {
		t.Fatal(err)
	}
	if s.Score < lock.MinScore || s.Score > 1 {
		t.Errorf("Unexpected score %v", s.Score)
	}

	s, err = p.Validate(nil)
	if err == nil {
		t.Fatal("Expected empty passphrase to be rejected")
	}
	if s.Score != 0 {
		t.Errorf("Expected score 0 for empty passphrase, got %v", s.Score)
	}
}

func TestStateErrors(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	other := f.newLock(t, false)
	if err := other.Disable(ctx); err != lock.ErrNotEnabled {
		t.Errorf("Disable: expected ErrNotEnabled, got %v", err)
	}
	if err := other.Unlock(ctx, strongPass); err != lock.ErrNotEnabled {
		t.Errorf("Unlock: expected ErrNotEnabled, got %v", err)
	}
	if err := other.Update(ctx, strongPass2, strongPass); err != lock.ErrNotEnabled {
		t.Errorf("Update: expected ErrNotEnabled, got %v", err)
	}

	master := f.newLock(t, true)
	if err := master.Enable(ctx, strongPass); err != nil {
		t.Fatal(err)
	}
	if err := master.Enable(ctx, strongPass); err != lock.ErrAlreadyEnabled {
		t.Errorf("Enable: expected ErrAlreadyEnabled, got %v", err)
	}
	if err := master.Disable(ctx); err != lock.ErrInvalidOnMaster {
		t.Errorf("Disable: expected ErrInvalidOnMaster, got %v", err)
	}
	if !master.IsEnabled() {
		t.Error("Master lock was disabled")
	}
}

func TestDisable(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	p := f.newLock(t, false)

	var changes []bool
	p.OnEnabledChange(func(enabled bool) { changes = append(changes, enabled) })

	if err := p.Enable(ctx, strongPass); err != nil {
		t.Fatal(err)
	}
	if err := p.Disable(ctx); err != nil {
		t.Fatal(err)
	}
	if p.IsEnabled() {
		t.Error("Expected lock to be disabled")
	}
	if _, err := f.engine.Get(ctx, passKey); err != kv.ErrNotFound {
		t.Errorf("Expected configuration to be erased, got %v", err)
	}
	if len(changes) != 2 || !changes[0] || changes[1] {
		t.Errorf("Unexpected enabled changes %v", changes)
	}
}

func TestUpdateMaster(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	p := f.newLock(t, true)

	var changes []bool
	p.OnEnabledChange(func(enabled bool) { changes = append(changes, enabled) })

	if err := p.Enable(ctx, strongPass); err != nil {
		t.Fatal(err)
	}

	// The old passphrase must be proven.
	if err := p.Update(ctx, strongPass2, []byte("not the passphrase")); err != lock.ErrPassphraseInvalid {
		t.Errorf("Expected ErrPassphraseInvalid, got %v", err)
	}

	// The new passphrase is validated first.
	var weak *lock.TooWeakError
	if err := p.Update(ctx, weakPass, strongPass); !errors.As(err, &weak) {
		t.Errorf("Expected *TooWeakError, got %v", err)
	}

	if len(changes) != 1 {
		t.Errorf("Failed updates emitted enabled changes: %v", changes)
	}

	if err := p.Update(ctx, strongPass2, strongPass); err != nil {
		t.Fatal(err)
	}
	if len(changes) != 2 || !changes[1] {
		t.Errorf("Expected Update to emit an enabled change, got %v", changes)
	}
	if !p.IsEnabled() {
		t.Error("Lock disabled by Update")
	}

	f.secret.Unset()
	if err := p.Unlock(ctx, strongPass); err != lock.ErrPassphraseInvalid {
		t.Errorf("Old passphrase still unlocks: %v", err)
	}
	if err := p.Unlock(ctx, strongPass2); err != nil {
		t.Fatal(err)
	}
	got, _ := f.secret.Get()
	if !bytes.Equal(got, f.value) {
		t.Error("Update changed the secret")
	}
}

func TestUpdateNonMaster(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	p := f.newLock(t, false)

	if err := p.Enable(ctx, strongPass); err != nil {
		t.Fatal(err)
	}
	if err := p.Update(ctx, strongPass2, nil); err != nil {
		t.Fatal(err)
	}
	f.secret.Unset()
	if err := p.Unlock(ctx, strongPass2); err != nil {
		t.Fatal(err)
	}
}

func TestPersistedConfiguration(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	p := f.newLock(t, true)

	if err := p.Enable(ctx, strongPass); err != nil {
		t.Fatal(err)
	}

	raw, err := f.engine.Get(ctx, passKey)
	if err != nil {
		t.Fatal(err)
	}
	var rec struct {
		KeyDerivation struct {
			Algorithm string         `json:"algorithm"`
			Salt      string         `json:"salt"`
			Params    lock.KDFParams `json:"params"`
		} `json:"keyDerivation"`
		EncryptedSecret struct {
			Algorithm  string `json:"algorithm"`
			IV         string `json:"iv"`
			CypherText string `json:"cypherText"`
		} `json:"encryptedSecret"`
	}
	if err := json.Unmarshal(raw, &rec); err != nil {
		t.Fatal(err)
	}

	kd := rec.KeyDerivation
	if kd.Algorithm != lock.KDFAlgorithm {
		t.Errorf("Unexpected kdf %s", kd.Algorithm)
	}
	if len(kd.Salt) != 2*lock.SaltSize || kd.Salt != lowerHex(kd.Salt) {
		t.Errorf("Unexpected salt %s", kd.Salt)
	}
	if kd.Params != testParams {
		t.Errorf("Unexpected params %v", kd.Params)
	}
	es := rec.EncryptedSecret
	if es.Algorithm != "chacha20-poly1305" || len(es.IV) != 24 || es.IV != lowerHex(es.IV) {
		t.Errorf("Unexpected encrypted secret %v", es)
	}

	// A lock opened on the same store is enabled.
	reopened := f.newLock(t, true)
	if !reopened.IsEnabled() {
		t.Error("Expected reopened lock to be enabled")
	}
}

func TestEnableWaitsForSecret(t *testing.T) {
	f := newFixture()
	p := f.newLock(t, true)
	f.secret.Unset()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := p.Enable(ctx, strongPass); err != context.DeadlineExceeded {
		t.Errorf("Expected DeadlineExceeded, got %v", err)
	}
	if p.IsEnabled() {
		t.Error("Lock enabled without a secret")
	}
}

func lowerHex(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'F' {
			b[i] = c + 'a' - 'A'
		}
	}
	return string(b)
}
