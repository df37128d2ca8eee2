// Copyright 2016 Daniel Krawisz.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mem

import (
	"context"
	"sort"
	"sync"

	"github.com/DanielKrawisz/walletagent/event"
	"github.com/DanielKrawisz/walletagent/identity"
)

// Identity is an identity held by Identities. It implements identity.Apps
// and identity.Devices itself.
type Identity struct {
	parent *Identities
	id     string
	device identity.Device

	mtx  sync.Mutex
	apps map[string]*appRecord

	revoke     event.Signal[string]
	linkChange event.Signal[linkEvent]
}

type linkEvent struct {
	appID  string
	linked bool
}

var (
	_ identity.Identity = (*Identity)(nil)
	_ identity.Apps     = (*Identity)(nil)
	_ identity.Devices  = (*Identity)(nil)
)

func newIdentity(parent *Identities, r *record) *Identity {
	return &Identity{
		parent: parent,
		id:     r.ID,
		device: r.Device,
		apps:   r.Apps,
	}
}

// snapshot returns the persisted form of the identity.
func (i *Identity) snapshot() *record {
	i.mtx.Lock()
	defer i.mtx.Unlock()

	apps := make(map[string]*appRecord, len(i.apps))
	for id, a := range i.apps {
		c := *a
		apps[id] = &c
	}
	return &record{ID: i.id, Device: i.device, Apps: apps}
}

// ID returns the identity's id.
func (i *Identity) ID() string { return i.id }

// Apps returns the identity's app registry.
func (i *Identity) Apps() identity.Apps { return i }

// Devices returns the identity's devices.
func (i *Identity) Devices() identity.Devices { return i }

// Current returns the device this wallet runs on.
func (i *Identity) Current() identity.Device { return i.device }

// AppList returns the registered apps ordered by id.
func (i *Identity) AppList() []identity.App {
	i.mtx.Lock()
	defer i.mtx.Unlock()

	apps := make([]identity.App, 0, len(i.apps))
	for _, a := range i.apps {
		apps = append(apps, a.App)
	}
	sort.Slice(apps, func(a, b int) bool { return apps[a].ID < apps[b].ID })
	return apps
}

// IsLinked returns whether the current device is linked to an app.
func (i *Identity) IsLinked(appID string) bool {
	i.mtx.Lock()
	defer i.mtx.Unlock()
	a, ok := i.apps[appID]
	return ok && a.Linked
}

// Subscribers returns the number of registered revoke and link-change
// listeners.
func (i *Identity) Subscribers() (revoke, link int) {
	return i.revoke.Len(), i.linkChange.Len()
}

// Add registers app.
func (i *Identity) Add(ctx context.Context, app identity.App) error {
	i.mtx.Lock()
	prev, existed := i.apps[app.ID]
	if existed {
		i.apps[app.ID] = &appRecord{App: app, Linked: prev.Linked}
	} else {
		i.apps[app.ID] = &appRecord{App: app}
	}
	i.mtx.Unlock()

	if err := i.parent.save(ctx, i); err != nil {
		i.mtx.Lock()
		if existed {
			i.apps[app.ID] = prev
		} else {
			delete(i.apps, app.ID)
		}
		i.mtx.Unlock()
		return err
	}
	return nil
}

// Revoke unregisters an app and notifies the revoke listeners.
func (i *Identity) Revoke(ctx context.Context, appID string) error {
	i.mtx.Lock()
	prev, ok := i.apps[appID]
	if !ok {
		i.mtx.Unlock()
		return identity.ErrUnknownApp
	}
	delete(i.apps, appID)
	i.mtx.Unlock()

	if err := i.parent.save(ctx, i); err != nil {
		i.mtx.Lock()
		i.apps[appID] = prev
		i.mtx.Unlock()
		return err
	}

	log.Infof("App %s revoked from identity %s", appID, i.id)
	i.revoke.Dispatch(appID)
	return nil
}

// LinkCurrentDevice marks the current device as linked to a registered app.
func (i *Identity) LinkCurrentDevice(ctx context.Context, appID string) error {
	return i.setLinked(ctx, appID, true)
}

// UnlinkCurrentDevice marks the current device as unlinked from an app. It
// does nothing if the app is not registered.
func (i *Identity) UnlinkCurrentDevice(ctx context.Context, appID string) error {
	return i.setLinked(ctx, appID, false)
}

func (i *Identity) setLinked(ctx context.Context, appID string, linked bool) error {
	i.mtx.Lock()
	a, ok := i.apps[appID]
	if !ok {
		i.mtx.Unlock()
		if linked {
			return identity.ErrUnknownApp
		}
		return nil
	}
	if a.Linked == linked {
		i.mtx.Unlock()
		return nil
	}
	a.Linked = linked
	i.mtx.Unlock()

	if err := i.parent.save(ctx, i); err != nil {
		i.mtx.Lock()
		a.Linked = !linked
		i.mtx.Unlock()
		return err
	}

	i.linkChange.Dispatch(linkEvent{appID: appID, linked: linked})
	return nil
}

// OnRevoke registers fn to be called with the id of every revoked app.
func (i *Identity) OnRevoke(fn func(appID string)) func() {
	return i.revoke.Add(fn)
}

// OnLinkCurrentChange registers fn to be called when the current device is
// linked to or unlinked from an app.
func (i *Identity) OnLinkCurrentChange(fn func(appID string, linked bool)) func() {
	return i.linkChange.Add(func(e linkEvent) { fn(e.appID, e.linked) })
}
