// Copyright 2016 Daniel Krawisz.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package session

import (
	"encoding/binary"
	"time"

	"github.com/btcsuite/btcutil/hdkeychain"
	"github.com/google/uuid"
)

// Session is the access an app has been granted to an identity.
type Session struct {
	ID         string    `json:"id"`
	IdentityID string    `json:"identityId"`
	AppID      string    `json:"appId"`
	CreatedAt  time.Time `json:"createdAt"`
	ExpiresAt  time.Time `json:"expiresAt"`

	DIDPublicKeyID string `json:"didPublicKeyId"`

	// KeyMaterial is an extended private key derived from the device key
	// for this session alone.
	KeyMaterial string `json:"keyMaterial"`

	Meta map[string]interface{} `json:"meta,omitempty"`
}

// IsValidAt returns whether the session has not expired at t.
func (s *Session) IsValidAt(t time.Time) bool {
	return t.Before(s.ExpiresAt)
}

func (s *Session) clone() *Session {
	c := *s
	if s.Meta != nil {
		c.Meta = make(map[string]interface{}, len(s.Meta))
		for k, v := range s.Meta {
			c.Meta[k] = v
		}
	}
	return &c
}

// deriveKeyMaterial derives the session's key from the device's extended
// private key. The path has two hardened levels whose indices come from the
// first eight bytes of the session id, so the session key reveals nothing
// about the device key.
func deriveKeyMaterial(deviceKey string, id uuid.UUID) (string, error) {
	key, err := hdkeychain.NewKeyFromString(deviceKey)
	if err != nil {
		return "", err
	}

	for i := 0; i < 2; i++ {
		index := binary.BigEndian.Uint32(id[4*i:4*i+4])%hdkeychain.HardenedKeyStart +
			hdkeychain.HardenedKeyStart
		child, err := key.Child(index)
		key.Zero()
		if err != nil {
			return "", err
		}
		key = child
	}
	defer key.Zero()

	return key.String(), nil
}
