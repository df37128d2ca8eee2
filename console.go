// Copyright 2016 Daniel Krawisz.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/awnumar/memguard"

	"github.com/DanielKrawisz/walletagent/identity"
	"github.com/DanielKrawisz/walletagent/identity/mem"
	"github.com/DanielKrawisz/walletagent/lock"
	"github.com/DanielKrawisz/walletagent/session"
)

// commandTimeout bounds the time a single console command may take.
const commandTimeout = 30 * time.Second

var (
	// ErrVaultLocked is returned when a command needs the vault but it is
	// locked.
	ErrVaultLocked = errors.New("The vault is locked. Use unlock first.")

	// ErrWrongArgs is returned when a command is given the wrong number of
	// arguments.
	ErrWrongArgs = errors.New("Wrong number of arguments.")

	// ErrPassphraseMismatch is returned when a new passphrase is not
	// confirmed.
	ErrPassphraseMismatch = errors.New("The entered passphrases do not match.")

	errQuit = errors.New("quit")
)

// ErrUnknownCommand implements the error interface
// and is returned when a user calls an unknown command.
type ErrUnknownCommand struct {
	Command string
}

// Error constructs the error message as a string.
func (err *ErrUnknownCommand) Error() string {
	return fmt.Sprintf("Unknown command %s.", err.Command)
}

type consoleCommand struct {
	usage string
	help  string

	// vault is set if the command needs the vault to be unlocked.
	vault bool

	minArgs, maxArgs int

	run func(ctx context.Context, a *agent, args []string) error
}

// consoleCommandNames is the list of console commands.
var consoleCommandNames = []string{
	"changepass",
	"createsession",
	"destroysession",
	"help",
	"identities",
	"lock",
	"maxtime",
	"newidentity",
	"quit",
	"removeidentity",
	"revoke",
	"sessions",
	"status",
	"unlinkdevice",
	"unlock",
}

var consoleCommands = make(map[string]consoleCommand)

func init() {
	consoleCommands["changepass"] = consoleCommand{
		help:  "changes the master passphrase.",
		vault: true,
		run:   changePass,
	}
	consoleCommands["createsession"] = consoleCommand{
		usage:   "<identity> <app> [name] [maxage]",
		help:    "returns a session for an app, creating it if necessary.",
		vault:   true,
		minArgs: 2,
		maxArgs: 4,
		run:     createSession,
	}
	consoleCommands["destroysession"] = consoleCommand{
		usage:   "<session>",
		help:    "destroys a session.",
		vault:   true,
		minArgs: 1,
		maxArgs: 1,
		run:     destroySession,
	}
	consoleCommands["help"] = consoleCommand{
		usage:   "[command]",
		help:    "lists the commands, or explains one.",
		maxArgs: 1,
		run:     help,
	}
	consoleCommands["identities"] = consoleCommand{
		help:  "lists the identities and their apps.",
		vault: true,
		run:   listIdentities,
	}
	consoleCommands["lock"] = consoleCommand{
		help: "locks the vault.",
		run:  lockVault,
	}
	consoleCommands["maxtime"] = consoleCommand{
		usage:   "[duration]",
		help:    "shows or sets the idle time after which the vault locks.",
		vault:   true,
		maxArgs: 1,
		run:     maxTime,
	}
	consoleCommands["newidentity"] = consoleCommand{
		help:  "creates a new identity.",
		vault: true,
		run:   newIdentity,
	}
	consoleCommands["quit"] = consoleCommand{
		help: "shuts down the agent.",
		run: func(context.Context, *agent, []string) error {
			return errQuit
		},
	}
	consoleCommands["removeidentity"] = consoleCommand{
		usage:   "<identity>",
		help:    "removes an identity and all of its sessions.",
		vault:   true,
		minArgs: 1,
		maxArgs: 1,
		run:     removeIdentity,
	}
	consoleCommands["revoke"] = consoleCommand{
		usage:   "<identity> <app>",
		help:    "revokes an app's access to an identity.",
		vault:   true,
		minArgs: 2,
		maxArgs: 2,
		run:     revoke,
	}
	consoleCommands["sessions"] = consoleCommand{
		help:  "lists the sessions.",
		vault: true,
		run:   listSessions,
	}
	consoleCommands["status"] = consoleCommand{
		help: "shows whether the vault is locked.",
		run:  status,
	}
	consoleCommands["unlinkdevice"] = consoleCommand{
		usage:   "<identity> <app>",
		help:    "unlinks this device from an app.",
		vault:   true,
		minArgs: 2,
		maxArgs: 2,
		run:     unlinkDevice,
	}
	consoleCommands["unlock"] = consoleCommand{
		help: "unlocks the vault with the master passphrase.",
		run:  unlock,
	}

	// Ensure that consoleCommandNames is in alphabetical order and that
	// every command has a help message.
	previous := ""
	for _, name := range consoleCommandNames {
		if previous > name {
			panic(fmt.Sprint("consoleCommandNames is not in alphabetical order ", previous, " > ", name))
		}
		previous = name

		c, ok := consoleCommands[name]
		if !ok {
			panic(fmt.Sprint("Command ", name, " is not in consoleCommands"))
		}
		if c.help == "" {
			panic(fmt.Sprint("Command ", name, " has no help message"))
		}
	}
	if len(consoleCommandNames) != len(consoleCommands) {
		panic("consoleCommands has entries missing from consoleCommandNames")
	}
}

// runConsole reads commands from r until the user quits, r is exhausted or
// ctx is done.
func runConsole(ctx context.Context, a *agent, r *bufio.Reader) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		fmt.Fprint(a.out, "> ")
		line, err := r.ReadString('\n')
		if err == io.EOF && strings.TrimSpace(line) == "" {
			return nil
		}
		if err != nil && err != io.EOF {
			return err
		}

		err = execute(ctx, a, line)
		if err == errQuit {
			return nil
		}
		if err != nil {
			fmt.Fprintln(a.out, err)
		}
	}
}

// execute runs a single command line.
func execute(ctx context.Context, a *agent, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}

	name := strings.ToLower(fields[0])
	c, ok := consoleCommands[name]
	if !ok {
		return &ErrUnknownCommand{Command: name}
	}

	args := fields[1:]
	if len(args) < c.minArgs || len(args) > c.maxArgs {
		return fmt.Errorf("%w Usage: %s %s", ErrWrongArgs, name, c.usage)
	}

	locked := a.locker.IsLocked()
	if c.vault && locked {
		return ErrVaultLocked
	}

	// Using the console counts as activity.
	if !locked {
		a.locker.IdleTimer().Restart()
	}

	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	log.Debugf("Running command %s", name)
	return c.run(ctx, a, args)
}

func help(ctx context.Context, a *agent, args []string) error {
	if len(args) == 1 {
		name := strings.ToLower(args[0])
		c, ok := consoleCommands[name]
		if !ok {
			return &ErrUnknownCommand{Command: name}
		}
		fmt.Fprintf(a.out, "%s %s\n  %s\n", name, c.usage, c.help)
		return nil
	}

	for _, name := range consoleCommandNames {
		fmt.Fprintf(a.out, "%-16s %s\n", name, consoleCommands[name].help)
	}
	return nil
}

func status(ctx context.Context, a *agent, args []string) error {
	switch {
	case a.locker.IsPristine():
		fmt.Fprintln(a.out, "The vault has not been created.")
	case a.locker.IsLocked():
		fmt.Fprintln(a.out, "The vault is locked.")
	default:
		fmt.Fprintln(a.out, "The vault is unlocked.")
		fmt.Fprintf(a.out, "Locks after %v of inactivity (%v remaining).\n",
			a.locker.IdleTimer().MaxTime(),
			a.locker.IdleTimer().RemainingTime().Round(time.Second))
		fmt.Fprintf(a.out, "%d identities, %d sessions.\n",
			len(a.identities.List()), len(a.sessions.List()))
	}
	return nil
}

func unlock(ctx context.Context, a *agent, args []string) error {
	if !a.locker.IsLocked() {
		fmt.Fprintln(a.out, "The vault is already unlocked.")
		return nil
	}

	pass, err := a.readPass("Enter master passphrase")
	if err != nil {
		return err
	}
	defer memguard.WipeBytes(pass)

	err = a.unlock(ctx, pass)
	if err == lock.ErrPassphraseInvalid {
		return errors.New("Invalid passphrase.")
	}
	return err
}

func lockVault(ctx context.Context, a *agent, args []string) error {
	return a.locker.Lock()
}

func changePass(ctx context.Context, a *agent, args []string) error {
	old, err := a.readPass("Enter current passphrase")
	if err != nil {
		return err
	}
	defer memguard.WipeBytes(old)

	pass, err := a.readPass("Enter new passphrase")
	if err != nil {
		return err
	}
	defer memguard.WipeBytes(pass)

	confirm, err := a.readPass("Confirm passphrase")
	if err != nil {
		return err
	}
	defer memguard.WipeBytes(confirm)

	if string(pass) != string(confirm) {
		return ErrPassphraseMismatch
	}

	err = a.locker.MasterLock().Update(ctx, pass, old)
	var weak *lock.TooWeakError
	if errors.As(err, &weak) {
		fmt.Fprintln(a.out, "That passphrase is too easy to guess.")
		if weak.Warning != "" {
			fmt.Fprintln(a.out, weak.Warning)
		}
		for _, s := range weak.Suggestions {
			fmt.Fprintln(a.out, "  -", s)
		}
		return nil
	}
	if err == lock.ErrPassphraseInvalid {
		return errors.New("Invalid passphrase.")
	}
	if err != nil {
		return err
	}

	fmt.Fprintln(a.out, "The master passphrase has been changed.")
	return nil
}

func maxTime(ctx context.Context, a *agent, args []string) error {
	timer := a.locker.IdleTimer()
	if len(args) == 0 {
		fmt.Fprintln(a.out, timer.MaxTime())
		return nil
	}

	d, err := time.ParseDuration(args[0])
	if err != nil {
		return err
	}
	if d <= 0 {
		return errors.New("The idle time must be positive.")
	}
	return timer.SetMaxTime(ctx, d)
}

func newIdentity(ctx context.Context, a *agent, args []string) error {
	ident, err := a.identities.Create(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintln(a.out, ident.ID())
	return nil
}

func removeIdentity(ctx context.Context, a *agent, args []string) error {
	if !a.identities.Has(args[0]) {
		return identity.ErrUnknownIdentity
	}

	ok, err := a.confirm(fmt.Sprintf("Remove identity %s and all of its sessions?", args[0]))
	if err != nil || !ok {
		return err
	}
	return a.identities.Remove(ctx, args[0])
}

// getIdentity returns the identity with the given id.
func getIdentity(a *agent, id string) (*mem.Identity, error) {
	ident, err := a.identities.Get(id)
	if err != nil {
		return nil, err
	}
	return ident.(*mem.Identity), nil
}

func listIdentities(ctx context.Context, a *agent, args []string) error {
	for _, id := range a.identities.List() {
		ident, err := getIdentity(a, id)
		if err != nil {
			continue
		}

		fmt.Fprintf(a.out, "%s %s\n", id, ident.Current().DIDPublicKeyID)
		for _, app := range ident.AppList() {
			linked := ""
			if ident.IsLinked(app.ID) {
				linked = " (linked)"
			}
			fmt.Fprintf(a.out, "  %s %q%s\n", app.ID, app.Name, linked)
		}
	}
	return nil
}

func createSession(ctx context.Context, a *agent, args []string) error {
	app := identity.App{ID: args[1]}
	if len(args) > 2 {
		app.Name = args[2]
	}

	var opts *session.CreateOptions
	if len(args) > 3 {
		d, err := time.ParseDuration(args[3])
		if err != nil {
			return err
		}
		opts = &session.CreateOptions{MaxAge: d}
	}

	s, err := a.sessions.Create(ctx, args[0], app, opts)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "%s expires %s\n", s.ID, s.ExpiresAt.Format(time.RFC3339))
	return nil
}

func destroySession(ctx context.Context, a *agent, args []string) error {
	if _, err := a.sessions.GetByID(args[0]); err != nil {
		return err
	}
	return a.sessions.Destroy(ctx, args[0])
}

func listSessions(ctx context.Context, a *agent, args []string) error {
	sessions := a.sessions.List()
	sort.SliceStable(sessions, func(i, j int) bool {
		return sessions[i].IdentityID < sessions[j].IdentityID
	})

	now := time.Now()
	for _, s := range sessions {
		state := "valid"
		if !s.IsValidAt(now) {
			state = "expired"
		}
		fmt.Fprintf(a.out, "%s %s %s %s (%s)\n", s.ID, s.IdentityID, s.AppID,
			s.ExpiresAt.Format(time.RFC3339), state)
	}
	return nil
}

func revoke(ctx context.Context, a *agent, args []string) error {
	ident, err := getIdentity(a, args[0])
	if err != nil {
		return err
	}
	return ident.Revoke(ctx, args[1])
}

func unlinkDevice(ctx context.Context, a *agent, args []string) error {
	ident, err := getIdentity(a, args[0])
	if err != nil {
		return err
	}
	if !ident.IsLinked(args[1]) {
		return fmt.Errorf("This device is not linked to %s.", args[1])
	}
	return ident.UnlinkCurrentDevice(ctx, args[1])
}
