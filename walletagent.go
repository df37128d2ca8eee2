// Originally derived from: btcsuite/btcwallet/btcwallet.go
// Copyright (c) 2013-2014 The btcsuite developers

// Copyright (c) 2015 Monetas.
// Copyright 2016 Daniel Krawisz.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"

	"golang.org/x/time/rate"

	"github.com/DanielKrawisz/walletagent/identity/mem"
	"github.com/DanielKrawisz/walletagent/idle"
	"github.com/DanielKrawisz/walletagent/kv"
	"github.com/DanielKrawisz/walletagent/lock"
	"github.com/DanielKrawisz/walletagent/locker"
	"github.com/DanielKrawisz/walletagent/secret"
	"github.com/DanielKrawisz/walletagent/session"
	"github.com/DanielKrawisz/walletagent/storage"
)

var (
	cfg             *Config
	shutdownChannel = make(chan struct{})

	// masterLockOptions configures the master passphrase lock.
	masterLockOptions []lock.Option
)

// agent holds every component of a running vault.
type agent struct {
	engine     kv.Engine
	secret     *secret.Secret
	store      *storage.Storage
	locker     *locker.Locker
	identities *mem.Identities
	sessions   *session.Manager
	limiter    *rate.Limiter

	out      io.Writer
	readPass func(prompt string) ([]byte, error)
	confirm  func(prompt string) (bool, error)
}

// openEngine opens the key-value engine selected by cfg.
func openEngine(ctx context.Context, cfg *Config) (kv.Engine, error) {
	switch cfg.DBBackend {
	case "bolt":
		return kv.OpenBolt(cfg.vaultPath)
	case "mongo":
		return kv.OpenMongo(ctx, cfg.MongoURI, cfg.MongoDB, cfg.MongoCollection)
	default:
		return nil, fmt.Errorf("unknown database backend %q", cfg.DBBackend)
	}
}

// newAgent wires the vault components together on top of engine.
func newAgent(ctx context.Context, engine kv.Engine, cfg *Config, clock idle.Clock) (*agent, error) {
	sec := secret.New(locker.ErrLocked)
	store := storage.New(engine, sec)

	timer, err := idle.New(ctx, store, clock)
	if err != nil {
		return nil, err
	}
	if cfg.IdleTimeout > 0 && cfg.IdleTimeout != timer.MaxTime() {
		if err := timer.SetMaxTime(ctx, cfg.IdleTimeout); err != nil {
			return nil, err
		}
	}

	master, err := lock.NewPassphrase(ctx, store, sec, true, masterLockOptions...)
	if err != nil {
		return nil, err
	}

	l, err := locker.New(sec, timer, master)
	if err != nil {
		return nil, err
	}

	ids := mem.New(store)
	sessions := session.New(store, ids, session.WithDefaultMaxAge(cfg.SessionMaxAge))

	return &agent{
		engine:     engine,
		secret:     sec,
		store:      store,
		locker:     l,
		identities: ids,
		sessions:   sessions,
		limiter:    rate.NewLimiter(rate.Every(cfg.UnlockRate), cfg.UnlockBurst),
		out:        os.Stdout,
		readPass: func(prompt string) ([]byte, error) {
			return promptConsolePass(prompt, false)
		},
		confirm: func(prompt string) (bool, error) {
			return promptConsoleListBool(prompt, "no")
		},
	}, nil
}

// openAgent opens the configured database and builds an agent on it.
func openAgent(ctx context.Context, cfg *Config) (*agent, error) {
	engine, err := openEngine(ctx, cfg)
	if err != nil {
		return nil, err
	}

	a, err := newAgent(ctx, engine, cfg, nil)
	if err != nil {
		engine.Close()
		return nil, err
	}
	return a, nil
}

// unlock tries pass against the master lock. Attempts are rate limited.
func (a *agent) unlock(ctx context.Context, pass []byte) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return err
	}
	err := a.locker.MasterLock().Unlock(ctx, pass)
	if err == lock.ErrPassphraseInvalid {
		log.Warnf("Failed unlock attempt")
	}
	return err
}

// Close releases the vault. The secret is cleared before the database is
// closed.
func (a *agent) Close() error {
	a.sessions.Close()
	a.locker.Close()
	a.secret.Unset()
	return a.engine.Close()
}

func main() {
	// Use all processor cores.
	runtime.GOMAXPROCS(runtime.NumCPU())

	// Work around defer not working after os.Exit.
	if err := walletagentMain(); err != nil {
		os.Exit(1)
	}
}

// walletagentMain is a work-around main function that is required since
// deferred functions (such as log flushing) are not called with calls to
// os.Exit. Instead, main runs this function and checks for a non-nil error,
// at which point any defers have already run, and if the error is non-nil,
// the program can be exited with an error exit status.
func walletagentMain() error {
	// Load configuration and parse command line.  This function also
	// initializes logging and configures it accordingly.
	tcfg, err := loadConfig()
	if err != nil {
		return err
	}
	cfg = tcfg
	defer func() {
		if logRotator != nil {
			logRotator.Close()
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := openAgent(ctx, cfg)
	if err != nil {
		log.Errorf("Unable to open vault: %v", err)
		return err
	}
	defer a.Close()

	if cfg.Create {
		if err := createVault(ctx, a); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return err
		}
	} else if a.locker.IsPristine() {
		err := errors.New("The vault does not exist. Run with --create to create it.")
		fmt.Fprintln(os.Stderr, err)
		return err
	}

	if err := unlockVault(ctx, a); err != nil {
		log.Errorf("Unable to unlock vault: %v", err)
		return err
	}

	if err := a.identities.Load(ctx); err != nil {
		log.Errorf("Unable to load identities: %v", err)
		return err
	}

	a.locker.OnLockedChange(func(locked bool) {
		if locked {
			log.Info("Vault locked")
		} else {
			log.Info("Vault unlocked")
		}
	})

	// Shutdown if an interrupt signal is received.
	addInterruptHandler(cancel)

	// The console signals the main goroutine when the user quits.
	go func() {
		if err := runConsole(ctx, a, consoleReader); err != nil {
			log.Errorf("Console: %v", err)
		}
		shutdownChannel <- struct{}{}
	}()

	// Wait for shutdown signal from either the console or from the
	// interrupt handler.
	<-shutdownChannel
	log.Info("Shutdown complete")
	return nil
}
