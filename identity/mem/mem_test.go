// Copyright 2016 Daniel Krawisz.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mem_test

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/btcsuite/btcutil/hdkeychain"

	"github.com/DanielKrawisz/walletagent/identity"
	"github.com/DanielKrawisz/walletagent/identity/mem"
	"github.com/DanielKrawisz/walletagent/kv"
	"github.com/DanielKrawisz/walletagent/secret"
	"github.com/DanielKrawisz/walletagent/storage"
)

var app = identity.App{ID: "4d5e6f", Name: "Example", HomepageURL: "https://example.com"}

func TestCreateRemove(t *testing.T) {
	ctx := context.Background()
	ids := mem.New(nil)

	var events []identity.ChangeEvent
	ids.OnChange(func(e identity.ChangeEvent) { events = append(events, e) })

	ident, err := ids.Create(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !ids.Has(ident.ID()) {
		t.Fatal("Created identity not found")
	}

	dev := ident.Devices().Current()
	key, err := hdkeychain.NewKeyFromString(dev.KeyMaterial)
	if err != nil {
		t.Fatalf("Device key material is not an extended key: %v", err)
	}
	if !key.IsPrivate() {
		t.Error("Device key material is not private")
	}
	if !strings.Contains(dev.DIDPublicKeyID, ident.ID()) {
		t.Errorf("Unexpected DID public key id %s", dev.DIDPublicKeyID)
	}

	if err := ids.Remove(ctx, ident.ID()); err != nil {
		t.Fatal(err)
	}
	if _, err := ids.Get(ident.ID()); err != identity.ErrUnknownIdentity {
		t.Errorf("Expected ErrUnknownIdentity, got %v", err)
	}
	if err := ids.Remove(ctx, ident.ID()); err != identity.ErrUnknownIdentity {
		t.Errorf("Expected ErrUnknownIdentity, got %v", err)
	}

	expected := []identity.ChangeEvent{
		{Type: identity.ChangeAdd, ID: ident.ID()},
		{Type: identity.ChangeRemove, ID: ident.ID()},
	}
	if len(events) != len(expected) {
		t.Fatalf("Expected %d events got %d", len(expected), len(events))
	}
	for i := range expected {
		if events[i] != expected[i] {
			t.Errorf("Event %d: expected %v got %v", i, expected[i], events[i])
		}
	}
}

func TestApps(t *testing.T) {
	ctx := context.Background()
	ident, err := mem.New(nil).Create(ctx)
	if err != nil {
		t.Fatal(err)
	}

	var revoked []string
	var links []bool
	ident.OnRevoke(func(id string) { revoked = append(revoked, id) })
	ident.OnLinkCurrentChange(func(id string, linked bool) { links = append(links, linked) })

	if err := ident.LinkCurrentDevice(ctx, app.ID); err != identity.ErrUnknownApp {
		t.Errorf("Expected ErrUnknownApp, got %v", err)
	}
	if err := ident.Add(ctx, app); err != nil {
		t.Fatal(err)
	}
	if err := ident.LinkCurrentDevice(ctx, app.ID); err != nil {
		t.Fatal(err)
	}
	if err := ident.LinkCurrentDevice(ctx, app.ID); err != nil {
		t.Fatal(err)
	}
	if !ident.IsLinked(app.ID) {
		t.Error("Expected app to be linked")
	}
	if err := ident.UnlinkCurrentDevice(ctx, app.ID); err != nil {
		t.Fatal(err)
	}
	if err := ident.UnlinkCurrentDevice(ctx, "unknown"); err != nil {
		t.Errorf("Unlinking an unknown app gave %v", err)
	}
	if len(links) != 2 || !links[0] || links[1] {
		t.Errorf("Unexpected link changes %v", links)
	}

	if err := ident.Revoke(ctx, app.ID); err != nil {
		t.Fatal(err)
	}
	if err := ident.Revoke(ctx, app.ID); err != identity.ErrUnknownApp {
		t.Errorf("Expected ErrUnknownApp, got %v", err)
	}
	if len(revoked) != 1 || revoked[0] != app.ID {
		t.Errorf("Unexpected revocations %v", revoked)
	}
	if len(ident.AppList()) != 0 {
		t.Error("Revoked app still listed")
	}
}

func TestPersistence(t *testing.T) {
	ctx := context.Background()
	engine := kv.NewMem()
	store := storage.New(engine, secret.NewWithValue(bytes.Repeat([]byte{1}, secret.Size), nil))

	ids := mem.New(store)
	ident, err := ids.Create(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := ident.Add(ctx, app); err != nil {
		t.Fatal(err)
	}
	if err := ident.LinkCurrentDevice(ctx, app.ID); err != nil {
		t.Fatal(err)
	}

	raw, err := engine.Get(ctx, mem.KeyPrefix+ident.ID())
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(raw), "xprv") {
		t.Error("Identity stored unencrypted")
	}

	reloaded := mem.New(store)
	var loaded []string
	reloaded.OnLoad(func(ids []string) { loaded = ids })
	if err := reloaded.Load(ctx); err != nil {
		t.Fatal(err)
	}
	if len(loaded) != 1 || loaded[0] != ident.ID() {
		t.Fatalf("Unexpected loaded identities %v", loaded)
	}

	got, err := reloaded.Get(ident.ID())
	if err != nil {
		t.Fatal(err)
	}
	if got.Devices().Current() != ident.Current() {
		t.Error("Device changed across reload")
	}
	r := got.(*mem.Identity)
	if !r.IsLinked(app.ID) {
		t.Error("Link lost across reload")
	}
	if apps := r.AppList(); len(apps) != 1 || apps[0] != app {
		t.Errorf("Unexpected apps %v", apps)
	}

	if err := reloaded.Remove(ctx, ident.ID()); err != nil {
		t.Fatal(err)
	}
	if engine.Len() != 0 {
		t.Error("Identity record not removed")
	}
}
