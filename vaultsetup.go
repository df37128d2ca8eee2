// Originally derived from: btcsuite/btcwallet/walletsetup.go
// Copyright (c) 2013-2014 The btcsuite developers

// Copyright (c) 2015 Monetas.
// Copyright 2016 Daniel Krawisz.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/awnumar/memguard"
	"golang.org/x/term"

	"github.com/DanielKrawisz/walletagent/lock"
)

var (
	consoleReader = bufio.NewReader(os.Stdin)
)

// promptConsoleList prompts the user with the given prefix, list of valid
// responses, and default list entry to use.  The function will repeat the
// prompt to the user until they enter a valid response.
func promptConsoleList(prefix string, validResponses []string, defaultEntry string) (string, error) {
	// Setup the prompt according to the parameters.
	validStrings := strings.Join(validResponses, "/")
	var prompt string
	if defaultEntry != "" {
		prompt = fmt.Sprintf("%s (%s) [%s]: ", prefix, validStrings,
			defaultEntry)
	} else {
		prompt = fmt.Sprintf("%s (%s): ", prefix, validStrings)
	}

	// Prompt the user until one of the valid responses is given.
	for {
		fmt.Print(prompt)
		reply, err := consoleReader.ReadString('\n')
		if err != nil {
			return "", err
		}
		reply = strings.TrimSpace(strings.ToLower(reply))
		if reply == "" {
			reply = defaultEntry
		}

		for _, validResponse := range validResponses {
			if reply == validResponse {
				return reply, nil
			}
		}
	}
}

// promptConsoleListBool prompts the user for a boolean (yes/no) with the given
// prefix. The function will repeat the prompt to the user until they enter a
// valid reponse.
func promptConsoleListBool(prefix string, defaultEntry string) (bool, error) {
	// Setup the valid responses.
	valid := []string{"n", "no", "y", "yes"}
	response, err := promptConsoleList(prefix, valid, defaultEntry)
	if err != nil {
		return false, err
	}
	return response == "yes" || response == "y", nil
}

// promptConsolePass uses the given prefix to ask the user for a password.
// If confirm is set, the function will ask the user to confirm the passphrase
// and will repeat the prompts until they enter a matching response. An empty
// passphrase is returned as nil.
func promptConsolePass(prefix string, confirm bool) ([]byte, error) {
	// Prompt the user until they enter a passphrase.
	prompt := fmt.Sprintf("%s: ", prefix)
	for {
		fmt.Print(prompt)
		pass, err := term.ReadPassword(int(os.Stdin.Fd()))
		if err != nil {
			return nil, err
		}
		fmt.Print("\n")
		pass = bytes.TrimSpace(pass)
		if len(pass) == 0 {
			return nil, nil
		}

		if !confirm {
			return pass, nil
		}

		fmt.Print("Confirm passphrase: ")
		confirm, err := term.ReadPassword(int(os.Stdin.Fd()))
		if err != nil {
			return nil, err
		}
		fmt.Print("\n")
		confirm = bytes.TrimSpace(confirm)
		if !bytes.Equal(pass, confirm) {
			memguard.WipeBytes(pass)
			memguard.WipeBytes(confirm)
			fmt.Println("The entered passphrases do not match.")
			continue
		}
		memguard.WipeBytes(confirm)

		return pass, nil
	}
}

// printTooWeak explains why a passphrase was rejected.
func printTooWeak(err *lock.TooWeakError) {
	fmt.Println("That passphrase is too easy to guess.")
	if err.Warning != "" {
		fmt.Println(err.Warning)
	}
	for _, s := range err.Suggestions {
		fmt.Println("  -", s)
	}
}

// promptNewPassphrase asks for a new passphrase for l until the user enters
// one that l accepts.
func promptNewPassphrase(prefix string, l lock.Lock) ([]byte, error) {
	for {
		pass, err := promptConsolePass(prefix, true)
		if err != nil {
			return nil, err
		}
		if pass == nil {
			continue
		}

		_, err = l.Validate(pass)
		var weak *lock.TooWeakError
		if errors.As(err, &weak) {
			memguard.WipeBytes(pass)
			printTooWeak(weak)
			continue
		}
		if err != nil {
			return nil, err
		}
		return pass, nil
	}
}

// createVault configures the master passphrase of a pristine vault.
func createVault(ctx context.Context, a *agent) error {
	if !a.locker.IsPristine() {
		return errors.New("The vault has already been created.")
	}

	fmt.Println("A master passphrase protects the vault. It cannot be " +
		"recovered if it is lost.")
	pass, err := promptNewPassphrase("\nEnter master passphrase", a.locker.MasterLock())
	if err != nil {
		return err
	}
	defer memguard.WipeBytes(pass)

	fmt.Println("Creating the vault...")
	if err := a.locker.MasterLock().Enable(ctx, pass); err != nil {
		return fmt.Errorf("Failed to create vault: %v", err)
	}
	fmt.Println("The vault has successfully been created.")
	return nil
}

// unlockVault prompts for the master passphrase until it unlocks the vault.
func unlockVault(ctx context.Context, a *agent) error {
	for a.locker.IsLocked() {
		pass, err := a.readPass("Enter master passphrase")
		if err != nil {
			return err
		}
		if pass == nil {
			continue
		}
		err = a.unlock(ctx, pass)
		memguard.WipeBytes(pass)
		if err == lock.ErrPassphraseInvalid {
			fmt.Println("Invalid passphrase.")
			continue
		}
		if err != nil {
			return err
		}
	}
	return nil
}
