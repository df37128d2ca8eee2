// Copyright 2016 Daniel Krawisz.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package lock

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"

	"github.com/DanielKrawisz/walletagent/envelope"
)

const (
	// KDFAlgorithm is the key derivation function used by passphrase locks.
	KDFAlgorithm = "argon2id"

	// SaltSize is the size in bytes of a key derivation salt.
	SaltSize = 16
)

// KDFParams are the argon2id cost parameters. They are persisted alongside
// the salt so that a key can be derived again after the defaults change.
type KDFParams struct {
	Time        uint32 `json:"t"`
	Memory      uint32 `json:"m"` // KiB
	Parallelism uint8  `json:"p"`
	KeyLen      uint32 `json:"dkLen"`
}

// InteractiveParams are the cost parameters for a passphrase typed at login.
var InteractiveParams = KDFParams{
	Time:        2,
	Memory:      64 * 1024,
	Parallelism: 1,
	KeyLen:      envelope.KeySize,
}

var errBadKDF = errors.New("invalid key derivation")

func (p KDFParams) check() error {
	if p.Time == 0 || p.Memory == 0 || p.Parallelism == 0 {
		return fmt.Errorf("%w: zero cost parameter", errBadKDF)
	}
	if p.KeyLen != envelope.KeySize {
		return fmt.Errorf("%w: key length %d", errBadKDF, p.KeyLen)
	}
	return nil
}

// keyDerivation is the persisted description of how a key was derived.
type keyDerivation struct {
	Algorithm string    `json:"algorithm"`
	Salt      string    `json:"salt"`
	Params    KDFParams `json:"params"`
}

// newKeyDerivation returns a key derivation with a fresh random salt.
func newKeyDerivation(params KDFParams) (*keyDerivation, error) {
	if err := params.check(); err != nil {
		return nil, err
	}

	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}

	return &keyDerivation{
		Algorithm: KDFAlgorithm,
		Salt:      hex.EncodeToString(salt),
		Params:    params,
	}, nil
}

// deriveKey derives a key from pass.
func (kd *keyDerivation) deriveKey(pass []byte) ([]byte, error) {
	if kd.Algorithm != KDFAlgorithm {
		return nil, fmt.Errorf("%w: algorithm %q", errBadKDF, kd.Algorithm)
	}
	if err := kd.Params.check(); err != nil {
		return nil, err
	}
	salt, err := hex.DecodeString(kd.Salt)
	if err != nil || len(salt) == 0 {
		return nil, fmt.Errorf("%w: salt", errBadKDF)
	}

	p := kd.Params
	return argon2.IDKey(pass, salt, p.Time, p.Memory, p.Parallelism, p.KeyLen), nil
}
