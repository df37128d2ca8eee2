// Copyright 2016 Daniel Krawisz.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package envelope

import (
	"bytes"
	"crypto/rand"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func randKey(t *testing.T) []byte {
	k := make([]byte, KeySize)
	if _, err := rand.Read(k); err != nil {
		t.Fatal(err)
	}
	return k
}

func TestSealOpen(t *testing.T) {
	key := randKey(t)
	pt := []byte(`{"hello":"world"}`)

	e, err := Seal(key, pt)
	if err != nil {
		t.Fatal(err)
	}
	if e.Algorithm != Algorithm {
		t.Errorf("unexpected algorithm %s", e.Algorithm)
	}
	if len(e.IV) != 24 {
		t.Errorf("expected a 96 bit hex IV, got %q", e.IV)
	}
	if strings.ToLower(e.IV) != e.IV || strings.ToLower(e.CypherText) != e.CypherText {
		t.Error("hex fields must be lowercase")
	}

	out, err := Open(key, e)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(out, pt) {
		t.Errorf("expected %s got %s", pt, out)
	}
}

func TestSealUniqueIV(t *testing.T) {
	key := randKey(t)
	e1, _ := Seal(key, []byte("x"))
	e2, _ := Seal(key, []byte("x"))
	if e1.IV == e2.IV {
		t.Error("expected distinct IVs")
	}
	if e1.CypherText == e2.CypherText {
		t.Error("expected distinct ciphertexts")
	}
}

func TestOpenFailures(t *testing.T) {
	key := randKey(t)
	e, err := Seal(key, []byte("secret"))
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		key  []byte
		env  Envelope
	}{
		{"wrong key", randKey(t), *e},
		{"short key", []byte{1, 2, 3}, *e},
		{"tampered ciphertext", key, Envelope{e.Algorithm, e.IV, flipLastHex(e.CypherText)}},
		{"tampered iv", key, Envelope{e.Algorithm, flipLastHex(e.IV), e.CypherText}},
		{"bad hex", key, Envelope{e.Algorithm, e.IV, "zz"}},
		{"short iv", key, Envelope{e.Algorithm, "00", e.CypherText}},
	}

	for _, test := range tests {
		env := test.env
		if _, err := Open(test.key, &env); err != ErrDecryptionFailed {
			t.Errorf("%s: expected ErrDecryptionFailed got %v", test.name, err)
		}
	}

	bad := *e
	bad.Algorithm = "rot13"
	if _, err := Open(key, &bad); !errors.Is(err, ErrUnsupportedAlgorithm) {
		t.Errorf("expected ErrUnsupportedAlgorithm got %v", err)
	}
}

func flipLastHex(s string) string {
	last := s[len(s)-1]
	if last == '0' {
		return s[:len(s)-1] + "1"
	}
	return s[:len(s)-1] + "0"
}

func TestParse(t *testing.T) {
	e, err := Seal(randKey(t), []byte("v"))
	if err != nil {
		t.Fatal(err)
	}
	raw, err := json.Marshal(e)
	if err != nil {
		t.Fatal(err)
	}

	got, ok := Parse(raw)
	if !ok {
		t.Fatal("envelope not recognised")
	}
	if *got != *e {
		t.Errorf("expected %v got %v", e, got)
	}

	notEnvelopes := []string{
		`"a string"`,
		`42`,
		`null`,
		`[1,2,3]`,
		`{"algorithm":"x","iv":"00"}`,
		`{"algorithm":"x","iv":"00","cypherText":"00","extra":1}`,
		`{"algorithm":"x","iv":1,"cypherText":"00"}`,
		`{"algorithm":"x","iv":"00","cipherText":"00"}`,
	}
	for _, s := range notEnvelopes {
		if _, ok := Parse([]byte(s)); ok {
			t.Errorf("%s recognised as an envelope", s)
		}
	}
}
