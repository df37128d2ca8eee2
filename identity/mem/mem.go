// Copyright 2016 Daniel Krawisz.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package mem is an implementation of identity.Identities which keeps its
// identities in memory and optionally writes them through to encrypted
// storage.
package mem

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcutil/hdkeychain"
	"github.com/google/uuid"

	"github.com/DanielKrawisz/walletagent/event"
	"github.com/DanielKrawisz/walletagent/identity"
	"github.com/DanielKrawisz/walletagent/kv"
	"github.com/DanielKrawisz/walletagent/storage"
)

// KeyPrefix is the storage namespace of identity records.
const KeyPrefix = "identity!"

// Store persists identity records. *storage.Storage implements it.
type Store interface {
	SetEncrypted(ctx context.Context, key string, v interface{}) error
	Remove(ctx context.Context, key string) error
	List(ctx context.Context, r kv.Range) ([]storage.Entry, error)
}

type appRecord struct {
	App    identity.App `json:"app"`
	Linked bool         `json:"linked"`
}

type record struct {
	ID     string                `json:"id"`
	Device identity.Device       `json:"device"`
	Apps   map[string]*appRecord `json:"apps"`
}

// Identities is an in-memory collection of identities.
type Identities struct {
	store Store

	mtx        sync.RWMutex
	identities map[string]*Identity

	load   event.Signal[[]string]
	change event.Signal[identity.ChangeEvent]
}

var _ identity.Identities = (*Identities)(nil)

// New returns an empty collection. If store is not nil, every change is
// written to it and Load reads from it.
func New(store Store) *Identities {
	return &Identities{
		store:      store,
		identities: make(map[string]*Identity),
	}
}

// Load reads the persisted identities, if there is a store, and notifies the
// load listeners.
func (ids *Identities) Load(ctx context.Context) error {
	if ids.store != nil {
		entries, err := ids.store.List(ctx, kv.Prefix(KeyPrefix))
		if err != nil {
			return err
		}

		loaded := make(map[string]*Identity, len(entries))
		for _, e := range entries {
			var r record
			if err := e.Decode(&r); err != nil {
				log.Warnf("Skipping unreadable identity %s: %v", e.Key, err)
				continue
			}
			if r.Apps == nil {
				r.Apps = make(map[string]*appRecord)
			}
			loaded[r.ID] = newIdentity(ids, &r)
		}

		ids.mtx.Lock()
		ids.identities = loaded
		ids.mtx.Unlock()
	}

	list := ids.List()
	log.Debugf("Loaded %d identities", len(list))
	ids.load.Dispatch(list)
	return nil
}

// Create generates a new identity with a fresh device key.
func (ids *Identities) Create(ctx context.Context) (*Identity, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return nil, err
	}
	device, err := newDevice(id.String())
	if err != nil {
		return nil, err
	}

	ident := newIdentity(ids, &record{
		ID:     id.String(),
		Device: device,
		Apps:   make(map[string]*appRecord),
	})
	if err := ids.save(ctx, ident); err != nil {
		return nil, err
	}

	ids.mtx.Lock()
	ids.identities[ident.id] = ident
	ids.mtx.Unlock()

	log.Infof("Identity %s created", ident.id)
	ids.change.Dispatch(identity.ChangeEvent{Type: identity.ChangeAdd, ID: ident.id})
	return ident, nil
}

// Remove deletes an identity.
func (ids *Identities) Remove(ctx context.Context, id string) error {
	if !ids.Has(id) {
		return identity.ErrUnknownIdentity
	}
	if ids.store != nil {
		if err := ids.store.Remove(ctx, KeyPrefix+id); err != nil {
			return err
		}
	}

	ids.mtx.Lock()
	delete(ids.identities, id)
	ids.mtx.Unlock()

	log.Infof("Identity %s removed", id)
	ids.change.Dispatch(identity.ChangeEvent{Type: identity.ChangeRemove, ID: id})
	return nil
}

// Has returns whether the identity exists.
func (ids *Identities) Has(id string) bool {
	ids.mtx.RLock()
	defer ids.mtx.RUnlock()
	_, ok := ids.identities[id]
	return ok
}

// Get returns the identity with the given id.
func (ids *Identities) Get(id string) (identity.Identity, error) {
	ids.mtx.RLock()
	defer ids.mtx.RUnlock()
	ident, ok := ids.identities[id]
	if !ok {
		return nil, identity.ErrUnknownIdentity
	}
	return ident, nil
}

// List returns the ids of every identity in order.
func (ids *Identities) List() []string {
	ids.mtx.RLock()
	defer ids.mtx.RUnlock()
	list := make([]string, 0, len(ids.identities))
	for id := range ids.identities {
		list = append(list, id)
	}
	sort.Strings(list)
	return list
}

// OnLoad registers fn to be called after Load.
func (ids *Identities) OnLoad(fn func(ids []string)) func() {
	return ids.load.Add(fn)
}

// OnChange registers fn to be called when an identity is created or removed.
func (ids *Identities) OnChange(fn func(identity.ChangeEvent)) func() {
	return ids.change.Add(fn)
}

func (ids *Identities) save(ctx context.Context, ident *Identity) error {
	if ids.store == nil {
		return nil
	}
	return ids.store.SetEncrypted(ctx, KeyPrefix+ident.id, ident.snapshot())
}

// newDevice generates the key of a new device for the identity id.
func newDevice(id string) (identity.Device, error) {
	seed, err := hdkeychain.GenerateSeed(hdkeychain.RecommendedSeedLen)
	if err != nil {
		return identity.Device{}, err
	}
	master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return identity.Device{}, err
	}
	deviceID, err := uuid.NewRandom()
	if err != nil {
		return identity.Device{}, err
	}

	return identity.Device{
		ID:             deviceID.String(),
		KeyMaterial:    master.String(),
		DIDPublicKeyID: fmt.Sprintf("did:uuid:%s#%s", id, deviceID),
	}, nil
}
