// Copyright 2016 Daniel Krawisz.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package session manages the sessions granted to third-party apps. A
// session binds an app to an identity for a limited time and carries key
// material derived for it alone. Sessions end when they are destroyed, when
// their identity is removed, and when the app is revoked or unlinked from the
// current device.
package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/DanielKrawisz/walletagent/identity"
	"github.com/DanielKrawisz/walletagent/kv"
	"github.com/DanielKrawisz/walletagent/storage"
)

// KeyPrefix is the storage namespace of session descriptors.
const KeyPrefix = "session!"

// DefaultMaxAge is how long a session lasts unless told otherwise.
const DefaultMaxAge = 90 * 24 * time.Hour

var (
	// ErrUnknownSession is returned by GetByID for an id with no session.
	ErrUnknownSession = errors.New("unknown session")

	// ErrInvalidOptions is returned by Create for unusable options.
	ErrInvalidOptions = errors.New("invalid session options")
)

// Store persists session descriptors. *storage.Storage implements it.
type Store interface {
	SetEncrypted(ctx context.Context, key string, v interface{}) error
	Remove(ctx context.Context, key string) error
	List(ctx context.Context, r kv.Range) ([]storage.Entry, error)
}

// CreateOptions are the optional parameters of Create.
type CreateOptions struct {
	// MaxAge is the lifetime of the session. Zero means the manager's
	// default.
	MaxAge time.Duration

	Meta map[string]interface{}
}

// subscription is the manager's registration with the events of one
// identity, shared by all of that identity's sessions.
type subscription struct {
	ident  identity.Identity
	count  int
	remove []func()
}

// Manager keeps the index of live sessions.
type Manager struct {
	store      Store
	identities identity.Identities
	now        func() time.Time
	maxAge     time.Duration

	creating singleflight.Group

	mtx      sync.Mutex
	sessions map[string]*Session
	subs     map[string]*subscription

	unsubscribe []func()
}

// Option configures a Manager.
type Option func(*Manager)

// WithDefaultMaxAge sets the lifetime of sessions created without one.
func WithDefaultMaxAge(d time.Duration) Option {
	return func(m *Manager) {
		m.maxAge = d
	}
}

// WithClock sets the source of the current time.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// New returns a Manager with an empty index. Sessions are loaded from store
// whenever identities reports that it has loaded.
func New(store Store, identities identity.Identities, opts ...Option) *Manager {
	m := &Manager{
		store:      store,
		identities: identities,
		now:        time.Now,
		maxAge:     DefaultMaxAge,
		sessions:   make(map[string]*Session),
		subs:       make(map[string]*subscription),
	}
	for _, opt := range opts {
		opt(m)
	}

	m.unsubscribe = []func(){
		identities.OnLoad(func([]string) {
			if err := m.Load(context.Background()); err != nil {
				log.Warnf("Unable to load sessions: %v", err)
			}
		}),
		identities.OnChange(func(e identity.ChangeEvent) {
			if e.Type == identity.ChangeRemove {
				m.destroyIdentity(context.Background(), e.ID)
			}
		}),
	}
	return m
}

func sessionKey(id string) string {
	return KeyPrefix + id
}

// GetByID returns the session with the given id.
func (m *Manager) GetByID(id string) (*Session, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrUnknownSession
	}
	return s.clone(), nil
}

// IsValid returns whether id names a session which has not expired.
func (m *Manager) IsValid(id string) bool {
	m.mtx.Lock()
	s, ok := m.sessions[id]
	m.mtx.Unlock()
	return ok && s.IsValidAt(m.now())
}

// List returns every indexed session ordered by creation time.
func (m *Manager) List() []*Session {
	m.mtx.Lock()
	list := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		list = append(list, s.clone())
	}
	m.mtx.Unlock()

	sort.Slice(list, func(i, j int) bool {
		if list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].ID < list[j].ID
		}
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
	return list
}

// find returns the session of an app with an identity, if any.
func (m *Manager) find(identityID, appID string) *Session {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	for _, s := range m.sessions {
		if s.IdentityID == identityID && s.AppID == appID {
			return s
		}
	}
	return nil
}

// Create returns a session for app with the given identity. A valid session
// which already exists for the pair is returned unchanged. Concurrent calls
// for the same pair share a single creation.
func (m *Manager) Create(ctx context.Context, identityID string, app identity.App,
	opts *CreateOptions) (*Session, error) {

	if app.ID == "" || (opts != nil && opts.MaxAge < 0) {
		return nil, ErrInvalidOptions
	}

	v, err, _ := m.creating.Do(identityID+"!"+app.ID, func() (interface{}, error) {
		return m.create(ctx, identityID, app, opts)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session).clone(), nil
}

func (m *Manager) create(ctx context.Context, identityID string, app identity.App,
	opts *CreateOptions) (*Session, error) {

	ident, err := m.identities.Get(identityID)
	if err != nil {
		if errors.Is(err, identity.ErrUnknownIdentity) {
			m.destroyIdentity(ctx, identityID)
		}
		return nil, err
	}

	now := m.now()
	if s := m.find(identityID, app.ID); s != nil {
		if s.IsValidAt(now) {
			return s, nil
		}
		log.Debugf("Replacing expired session %s", s.ID)
		if err := m.Destroy(ctx, s.ID); err != nil {
			return nil, err
		}
	}

	id, err := uuid.NewRandom()
	if err != nil {
		return nil, err
	}
	device := ident.Devices().Current()
	keyMaterial, err := deriveKeyMaterial(device.KeyMaterial, id)
	if err != nil {
		return nil, err
	}

	maxAge := m.maxAge
	var meta map[string]interface{}
	if opts != nil {
		if opts.MaxAge > 0 {
			maxAge = opts.MaxAge
		}
		meta = opts.Meta
	}

	s := &Session{
		ID:             id.String(),
		IdentityID:     identityID,
		AppID:          app.ID,
		CreatedAt:      now,
		ExpiresAt:      now.Add(maxAge),
		DIDPublicKeyID: device.DIDPublicKeyID,
		KeyMaterial:    keyMaterial,
		Meta:           meta,
	}
	s = s.clone()

	if err := m.store.SetEncrypted(ctx, sessionKey(s.ID), s); err != nil {
		return nil, err
	}

	apps := ident.Apps()
	if err := apps.Add(ctx, app); err != nil {
		m.forget(ctx, s.ID)
		return nil, err
	}
	if err := apps.LinkCurrentDevice(ctx, app.ID); err != nil {
		m.forget(ctx, s.ID)
		return nil, err
	}

	m.mtx.Lock()
	m.sessions[s.ID] = s
	m.retain(ident)
	m.mtx.Unlock()

	log.Infof("Session %s created for app %s with identity %s", s.ID, app.ID, identityID)
	return s, nil
}

// forget removes the descriptor of a session which could not be completed.
func (m *Manager) forget(ctx context.Context, id string) {
	if err := m.store.Remove(ctx, sessionKey(id)); err != nil {
		log.Warnf("Unable to remove incomplete session %s: %v", id, err)
	}
}

// Destroy ends a session. Destroying an unknown session does nothing. If the
// session cannot be removed from storage or unlinked from its app, the index
// is restored and the error returned, so Destroy may be retried.
func (m *Manager) Destroy(ctx context.Context, id string) error {
	m.mtx.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mtx.Unlock()
		return nil
	}
	delete(m.sessions, id)
	sub := m.release(s.IdentityID)
	m.mtx.Unlock()

	err := m.store.Remove(ctx, sessionKey(id))
	if err == nil {
		err = m.unlink(ctx, s)
	}
	if err != nil {
		m.mtx.Lock()
		m.sessions[id] = s
		if sub != nil {
			m.retain(sub)
		}
		m.mtx.Unlock()
		log.Debugf("Session %s not destroyed: %v", id, err)
		return err
	}

	log.Infof("Session %s destroyed", id)
	return nil
}

// unlink unlinks the current device from the session's app. There is nothing
// to unlink once the identity has gone.
func (m *Manager) unlink(ctx context.Context, s *Session) error {
	ident, err := m.identities.Get(s.IdentityID)
	if errors.Is(err, identity.ErrUnknownIdentity) {
		return nil
	}
	if err != nil {
		return err
	}
	return ident.Apps().UnlinkCurrentDevice(ctx, s.AppID)
}

// retain counts another session of ident, subscribing to its events with the
// first. The caller must hold mtx.
func (m *Manager) retain(ident identity.Identity) {
	id := ident.ID()
	if sub, ok := m.subs[id]; ok {
		sub.count++
		return
	}

	apps := ident.Apps()
	m.subs[id] = &subscription{
		ident: ident,
		count: 1,
		remove: []func(){
			apps.OnRevoke(func(appID string) {
				m.destroyApp(id, appID, "revoked")
			}),
			apps.OnLinkCurrentChange(func(appID string, linked bool) {
				if !linked {
					m.destroyApp(id, appID, "unlinked")
				}
			}),
		},
	}
}

// release uncounts a session of the identity, unsubscribing with the last.
// It returns the identity so that a failed destroy can retain it again. The
// caller must hold mtx.
func (m *Manager) release(identityID string) identity.Identity {
	sub, ok := m.subs[identityID]
	if !ok {
		return nil
	}
	sub.count--
	if sub.count == 0 {
		delete(m.subs, identityID)
		for _, remove := range sub.remove {
			remove()
		}
	}
	return sub.ident
}

func (m *Manager) destroyApp(identityID, appID, reason string) {
	s := m.find(identityID, appID)
	if s == nil {
		return
	}
	log.Debugf("App %s %s, destroying session %s", appID, reason, s.ID)
	if err := m.Destroy(context.Background(), s.ID); err != nil {
		log.Warnf("Unable to destroy session %s of %s app %s: %v", s.ID, reason, appID, err)
	}
}

// destroyIdentity destroys every session of an identity, logging failures.
func (m *Manager) destroyIdentity(ctx context.Context, identityID string) {
	m.mtx.Lock()
	var ids []string
	for id, s := range m.sessions {
		if s.IdentityID == identityID {
			ids = append(ids, id)
		}
	}
	m.mtx.Unlock()

	for _, id := range ids {
		if err := m.Destroy(ctx, id); err != nil {
			log.Warnf("Unable to destroy session %s of removed identity %s: %v",
				id, identityID, err)
		}
	}
}

// Load indexes the sessions persisted in storage. Sessions whose identity no
// longer exists, or whose app is no longer linked to the current device, are
// removed.
func (m *Manager) Load(ctx context.Context) error {
	entries, err := m.store.List(ctx, kv.Prefix(KeyPrefix))
	if err != nil {
		return err
	}

	var loaded int
	for _, e := range entries {
		var s Session
		if err := e.Decode(&s); err != nil {
			log.Warnf("Skipping unreadable session %s: %v", e.Key, err)
			continue
		}

		ident, err := m.identities.Get(s.IdentityID)
		if errors.Is(err, identity.ErrUnknownIdentity) {
			log.Debugf("Removing session %s of unknown identity %s", s.ID, s.IdentityID)
			m.forget(ctx, s.ID)
			continue
		}
		if err != nil {
			log.Warnf("Skipping session %s: %v", s.ID, err)
			continue
		}
		if !ident.Apps().IsLinked(s.AppID) {
			log.Debugf("Removing session %s of unlinked app %s", s.ID, s.AppID)
			m.forget(ctx, s.ID)
			continue
		}

		m.mtx.Lock()
		if _, ok := m.sessions[s.ID]; !ok {
			m.sessions[s.ID] = &s
			m.retain(ident)
			loaded++
		}
		m.mtx.Unlock()
	}

	log.Debugf("Loaded %d sessions", loaded)
	return nil
}

// Close detaches the manager from every identity event.
func (m *Manager) Close() {
	for _, unsubscribe := range m.unsubscribe {
		unsubscribe()
	}
	m.unsubscribe = nil

	m.mtx.Lock()
	defer m.mtx.Unlock()
	for id, sub := range m.subs {
		for _, remove := range sub.remove {
			remove()
		}
		delete(m.subs, id)
	}
}
