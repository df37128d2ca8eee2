// Copyright 2016 Daniel Krawisz.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package identity defines the view of the wallet's identities that the
// session manager depends on.
package identity

import (
	"context"
	"errors"
)

var (
	// ErrUnknownIdentity is returned when an identity does not exist.
	ErrUnknownIdentity = errors.New("unknown identity")

	// ErrUnknownApp is returned when an app is not registered with an
	// identity.
	ErrUnknownApp = errors.New("unknown app")
)

// ChangeType is the kind of a ChangeEvent.
type ChangeType string

const (
	// ChangeAdd is sent when an identity is created.
	ChangeAdd ChangeType = "add"

	// ChangeRemove is sent when an identity is removed.
	ChangeRemove ChangeType = "remove"
)

// ChangeEvent describes a change to the set of identities.
type ChangeEvent struct {
	Type ChangeType
	ID   string
}

// App is a third-party application which may be granted sessions.
type App struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	HomepageURL string `json:"homepageUrl,omitempty"`
	IconURL     string `json:"iconUrl,omitempty"`
}

// Device is a device an identity is used from.
type Device struct {
	ID string `json:"id"`

	// KeyMaterial is the device's extended private key.
	KeyMaterial string `json:"keyMaterial"`

	DIDPublicKeyID string `json:"didPublicKeyId"`
}

// Identities is the collection of the wallet's identities.
type Identities interface {
	Has(id string) bool

	// Get returns the identity with the given id or ErrUnknownIdentity.
	Get(id string) (Identity, error)

	// OnLoad registers fn to be called with every identity id once the
	// collection has been loaded.
	OnLoad(fn func(ids []string)) func()

	// OnChange registers fn to be called when an identity is added or
	// removed.
	OnChange(fn func(ChangeEvent)) func()
}

// Identity is a single identity.
type Identity interface {
	ID() string
	Apps() Apps
	Devices() Devices
}

// Apps is the registry of apps an identity has granted access to.
type Apps interface {
	// Add registers app, replacing the details of an app with the same id.
	Add(ctx context.Context, app App) error

	// Revoke unregisters an app.
	Revoke(ctx context.Context, appID string) error

	// LinkCurrentDevice marks the current device as linked to an app.
	LinkCurrentDevice(ctx context.Context, appID string) error

	// UnlinkCurrentDevice marks the current device as no longer linked to
	// an app.
	UnlinkCurrentDevice(ctx context.Context, appID string) error

	// IsLinked returns whether app is registered and the current device is
	// linked to it.
	IsLinked(appID string) bool

	OnRevoke(fn func(appID string)) func()
	OnLinkCurrentChange(fn func(appID string, linked bool)) func()
}

// Devices gives access to an identity's devices.
type Devices interface {
	Current() Device
}
