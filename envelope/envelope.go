// Copyright 2016 Daniel Krawisz.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package envelope seals values with an AEAD cipher into a self-describing
// JSON structure. Binary fields are encoded as lowercase hex.
package envelope

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// Algorithm is the only cipher currently produced by Seal.
const Algorithm = "chacha20-poly1305"

// KeySize is the key length in bytes expected by Seal and Open.
const KeySize = chacha20poly1305.KeySize

var (
	// ErrDecryptionFailed is returned by Open when the ciphertext cannot be
	// authenticated. It does not say whether the key or the data is wrong.
	ErrDecryptionFailed = errors.New("decryption failed")

	// ErrUnsupportedAlgorithm is returned by Open for an envelope produced by
	// an unknown cipher.
	ErrUnsupportedAlgorithm = errors.New("unsupported encryption algorithm")
)

// Envelope is an encrypted value together with the parameters needed to
// decrypt it.
type Envelope struct {
	Algorithm  string `json:"algorithm"`
	IV         string `json:"iv"`
	CypherText string `json:"cypherText"`
}

// Seal encrypts plaintext under key with a fresh random 96-bit IV.
func Seal(key, plaintext []byte) (*Envelope, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}

	iv := make([]byte, chacha20poly1305.NonceSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, err
	}

	return &Envelope{
		Algorithm:  Algorithm,
		IV:         hex.EncodeToString(iv),
		CypherText: hex.EncodeToString(aead.Seal(nil, iv, plaintext, nil)),
	}, nil
}

// Open decrypts e with key. Every failure after the algorithm check,
// including a malformed IV or ciphertext, is reported as ErrDecryptionFailed.
func Open(key []byte, e *Envelope) ([]byte, error) {
	if e.Algorithm != Algorithm {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, e.Algorithm)
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, ErrDecryptionFailed
	}

	iv, err := hex.DecodeString(e.IV)
	if err != nil || len(iv) != aead.NonceSize() {
		return nil, ErrDecryptionFailed
	}
	ct, err := hex.DecodeString(e.CypherText)
	if err != nil {
		return nil, ErrDecryptionFailed
	}

	pt, err := aead.Open(nil, iv, ct, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return pt, nil
}

// Parse returns the envelope encoded in raw if raw is a JSON object with
// exactly the string fields algorithm, iv and cypherText. Any other JSON
// value is not an envelope.
func Parse(raw []byte) (*Envelope, bool) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || len(fields) != 3 {
		return nil, false
	}

	var e Envelope
	for name, dst := range map[string]*string{
		"algorithm":  &e.Algorithm,
		"iv":         &e.IV,
		"cypherText": &e.CypherText,
	} {
		v, ok := fields[name]
		if !ok {
			return nil, false
		}
		if err := json.Unmarshal(v, dst); err != nil {
			return nil, false
		}
	}
	return &e, true
}
