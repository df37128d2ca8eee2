// Originally derived from: btcsuite/btcwallet/log.go
// Copyright (c) 2013-2015 The btcsuite developers

// Copyright (c) 2015 Monetas.
// Copyright 2016 Daniel Krawisz.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/btcsuite/btclog"
	"github.com/jrick/logrotate/rotator"

	"github.com/DanielKrawisz/walletagent/identity/mem"
	"github.com/DanielKrawisz/walletagent/idle"
	"github.com/DanielKrawisz/walletagent/kv"
	"github.com/DanielKrawisz/walletagent/lock"
	"github.com/DanielKrawisz/walletagent/locker"
	"github.com/DanielKrawisz/walletagent/secret"
	"github.com/DanielKrawisz/walletagent/session"
	"github.com/DanielKrawisz/walletagent/storage"
)

// logWriter implements an io.Writer that outputs to both standard output and
// the write-end pipe of an initialized log rotator.
type logWriter struct{}

func (logWriter) Write(p []byte) (n int, err error) {
	if logToConsole {
		os.Stdout.Write(p)
	}
	if logRotator != nil {
		logRotator.Write(p)
	}
	return len(p), nil
}

// Loggers per subsystem. A single backend logger is created and all subsystem
// loggers created from it will write to the backend. When adding new
// subsystems, add the subsystem logger variable here and to the
// subsystemLoggers map.
//
// Loggers can not be used before the log rotator has been initialized with a
// log file. This must be performed early during application startup by
// calling initLogRotator.
var (
	// backendLog is the logging backend used to create all subsystem
	// loggers. The backend must not be used before the log rotator has been
	// initialized, or data races and/or nil pointer dereferences will occur.
	backendLog = btclog.NewBackend(logWriter{})

	// logRotator is one of the logging outputs. It should be closed on
	// application shutdown.
	logRotator *rotator.Rotator

	logToConsole bool

	log     = backendLog.Logger("WLLT")
	scrtLog = backendLog.Logger("SCRT")
	idleLog = backendLog.Logger("IDLE")
	lockLog = backendLog.Logger("LOCK")
	lokrLog = backendLog.Logger("LOKR")
	kvdbLog = backendLog.Logger("KVDB")
	storLog = backendLog.Logger("STOR")
	idenLog = backendLog.Logger("IDEN")
	sessLog = backendLog.Logger("SESS")
)

// Initialize package-global logger variables.
func init() {
	secret.UseLogger(scrtLog)
	idle.UseLogger(idleLog)
	lock.UseLogger(lockLog)
	locker.UseLogger(lokrLog)
	kv.UseLogger(kvdbLog)
	storage.UseLogger(storLog)
	mem.UseLogger(idenLog)
	session.UseLogger(sessLog)
}

// subsystemLoggers maps each subsystem identifier to its associated logger.
var subsystemLoggers = map[string]btclog.Logger{
	"WLLT": log,
	"SCRT": scrtLog,
	"IDLE": idleLog,
	"LOCK": lockLog,
	"LOKR": lokrLog,
	"KVDB": kvdbLog,
	"STOR": storLog,
	"IDEN": idenLog,
	"SESS": sessLog,
}

// initLogRotator initializes the logging rotator to write logs to logFile and
// create roll files in the same directory. It must be called before the
// package-global log rotator variables are used.
func initLogRotator(logFile string, console bool) error {
	logDir, _ := filepath.Split(logFile)
	if err := os.MkdirAll(logDir, 0700); err != nil {
		return fmt.Errorf("failed to create log directory: %v", err)
	}
	r, err := rotator.New(logFile, 10*1024, false, 3)
	if err != nil {
		return fmt.Errorf("failed to create file rotator: %v", err)
	}

	logRotator = r
	logToConsole = console
	return nil
}

// setLogLevel sets the logging level for provided subsystem. Invalid
// subsystems are ignored.
func setLogLevel(subsystemID string, logLevel string) {
	// Ignore invalid subsystems.
	logger, ok := subsystemLoggers[subsystemID]
	if !ok {
		return
	}

	// Defaults to info if the log level is invalid.
	level, _ := btclog.LevelFromString(logLevel)
	logger.SetLevel(level)
}

// setLogLevels sets the log level for all subsystem loggers to the passed
// level.
func setLogLevels(logLevel string) {
	// Configure all sub-systems with the new logging level.
	for subsystemID := range subsystemLoggers {
		setLogLevel(subsystemID, logLevel)
	}
}
