// Copyright 2016 Daniel Krawisz.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

//go:build !linux && !darwin && !freebsd && !netbsd && !openbsd

package secret

func lockMemory(b []byte) error   { return nil }
func unlockMemory(b []byte) error { return nil }
