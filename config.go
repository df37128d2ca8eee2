// Originally derived from: btcsuite/btcwallet/config.go
// Copyright (c) 2013-2014 The btcsuite developers

// Copyright (c) 2015 Monetas.
// Copyright 2016 Daniel Krawisz.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/btcsuite/btcutil"
	flags "github.com/jessevdk/go-flags"

	"github.com/DanielKrawisz/walletagent/session"
)

const (
	defaultConfigFilename = "walletagent.conf"
	defaultLogLevel       = "info"
	defaultLogDirname     = "logs"
	defaultLogFilename    = "walletagent.log"
	defaultLogConsole     = false

	vaultDbName = "vault.db"

	defaultDBBackend       = "bolt"
	defaultMongoURI        = "mongodb://127.0.0.1:27017"
	defaultMongoDB         = "walletagent"
	defaultMongoCollection = "vault"

	defaultUnlockRate  = 2 * time.Second
	defaultUnlockBurst = 3
)

var (
	defaultDataDir    = btcutil.AppDataDir("walletagent", false)
	defaultConfigFile = filepath.Join(defaultDataDir, defaultConfigFilename)
	defaultLogDir     = filepath.Join(defaultDataDir, defaultLogDirname)
)

// Config contains the configuration information read from the command line and
// from the config file.
type Config struct {
	ShowVersion bool   `short:"V" long:"version" description:"Display version information and exit"`
	DataDir     string `short:"D" long:"datadir" description:"Directory to store the vault database"`
	LogDir      string `long:"logdir" description:"Directory to log output"`

	DebugLevel string `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems -- Use show to list available subsystems"`
	ConfigFile string `short:"C" long:"configfile" description:"Path to configuration file"`
	LogConsole bool   `long:"logconsole" description:"Display logs on the console"`

	Create bool `long:"create" description:"Configure the master passphrase of a new vault"`

	DBBackend       string `long:"dbbackend" description:"Key-value engine to keep the vault in {bolt, mongo}"`
	MongoURI        string `long:"mongouri" description:"Connection string of the MongoDB server used by the mongo backend"`
	MongoDB         string `long:"mongodb" description:"MongoDB database used by the mongo backend"`
	MongoCollection string `long:"mongocollection" description:"MongoDB collection used by the mongo backend"`

	IdleTimeout   time.Duration `long:"idletimeout" description:"Lock the vault after this much inactivity, overriding the stored setting"`
	SessionMaxAge time.Duration `long:"sessionmaxage" description:"Lifetime of sessions created without an explicit max age"`

	UnlockRate  time.Duration `long:"unlockrate" description:"Minimum average time between unlock attempts"`
	UnlockBurst int           `long:"unlockburst" description:"Number of unlock attempts allowed in quick succession"`

	vaultPath string
}

// DefaultConfig returns a Config with every option at its default value.
func DefaultConfig() *Config {
	return &Config{
		DebugLevel:      defaultLogLevel,
		ConfigFile:      defaultConfigFile,
		DataDir:         defaultDataDir,
		LogDir:          defaultLogDir,
		LogConsole:      defaultLogConsole,
		DBBackend:       defaultDBBackend,
		MongoURI:        defaultMongoURI,
		MongoDB:         defaultMongoDB,
		MongoCollection: defaultMongoCollection,
		SessionMaxAge:   session.DefaultMaxAge,
		UnlockRate:      defaultUnlockRate,
		UnlockBurst:     defaultUnlockBurst,
	}
}

// cleanAndExpandPath expands environement variables and leading ~ in the
// passed path, cleans the result, and returns it.
func cleanAndExpandPath(path string) string {
	// Expand initial ~ to OS specific home directory.
	if strings.HasPrefix(path, "~") {
		homeDir := filepath.Dir(defaultDataDir)
		path = strings.Replace(path, "~", homeDir, 1)
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows-style %VARIABLE%,
	// but they variables can still be expanded via POSIX-style $VARIABLE.
	return filepath.Clean(os.ExpandEnv(path))
}

// validLogLevel returns whether or not logLevel is a valid debug log level.
func validLogLevel(logLevel string) bool {
	switch logLevel {
	case "trace":
		fallthrough
	case "debug":
		fallthrough
	case "info":
		fallthrough
	case "warn":
		fallthrough
	case "error":
		fallthrough
	case "critical":
		return true
	}
	return false
}

// supportedSubsystems returns a sorted slice of the supported subsystems for
// logging purposes.
func supportedSubsystems() []string {
	// Convert the subsystemLoggers map keys to a slice.
	subsystems := make([]string, 0, len(subsystemLoggers))
	for subsysID := range subsystemLoggers {
		subsystems = append(subsystems, subsysID)
	}

	// Sort the subsytems for stable display.
	sort.Strings(subsystems)
	return subsystems
}

// parseAndSetDebugLevels attempts to parse the specified debug level and set
// the levels accordingly.  An appropriate error is returned if anything is
// invalid.
func parseAndSetDebugLevels(debugLevel string) error {
	// When the specified string doesn't have any delimters, treat it as
	// the log level for all subsystems.
	if !strings.Contains(debugLevel, ",") && !strings.Contains(debugLevel, "=") {
		// Validate debug log level.
		if !validLogLevel(debugLevel) {
			str := "The specified debug level [%v] is invalid"
			return fmt.Errorf(str, debugLevel)
		}

		// Change the logging level for all subsystems.
		setLogLevels(debugLevel)

		return nil
	}

	// Split the specified string into subsystem/level pairs while detecting
	// issues and update the log levels accordingly.
	for _, logLevelPair := range strings.Split(debugLevel, ",") {
		if !strings.Contains(logLevelPair, "=") {
			str := "The specified debug level contains an invalid " +
				"subsystem/level pair [%v]"
			return fmt.Errorf(str, logLevelPair)
		}

		// Extract the specified subsystem and log level.
		fields := strings.Split(logLevelPair, "=")
		subsysID, logLevel := fields[0], fields[1]

		// Validate subsystem.
		if _, exists := subsystemLoggers[subsysID]; !exists {
			str := "The specified subsystem [%v] is invalid -- " +
				"supported subsytems %v"
			return fmt.Errorf(str, subsysID, supportedSubsystems())
		}

		// Validate log level.
		if !validLogLevel(logLevel) {
			str := "The specified debug level [%v] is invalid"
			return fmt.Errorf(str, logLevel)
		}

		setLogLevel(subsysID, logLevel)
	}

	return nil
}

// filesExists reports whether the named file or directory exists.
func fileExists(name string) bool {
	if _, err := os.Stat(name); err != nil {
		if os.IsNotExist(err) {
			return false
		}
	}
	return true
}

// checkCreateDir checks that the path exists and is a directory.
// If path does not exist, it is created.
func checkCreateDir(path string) error {
	if fi, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			// Attempt data directory creation
			if err = os.MkdirAll(path, 0700); err != nil {
				return fmt.Errorf("cannot create directory: %s", err)
			}
		} else {
			return fmt.Errorf("error checking directory: %s", err)
		}
	} else {
		if !fi.IsDir() {
			return fmt.Errorf("path '%s' is not a directory", path)
		}
	}

	return nil
}

// newConfigParser returns a new command line flags parser.
func newConfigParser(cfg *Config, appName string, options flags.Options) *flags.Parser {
	p := flags.NewNamedParser(appName, options)

	if cfg != nil {
		p.AddGroup("Application Options", "", cfg)
	}

	return p
}

// loadConfig initializes and parses the config using a config file and command
// line options.
//
// The configuration proceeds as follows:
//      1) Start with a default config with sane settings
//      2) Pre-parse the command line to check for an alternative config file
//      3) Load configuration file overwriting defaults with any specified options
//      4) Parse CLI options and overwrite/add any specified options
//
// The above results in walletagent functioning properly without any config
// settings while still allowing the user to override settings with config files
// and command line options.  Command line options always take precedence.
func loadConfig() (*Config, error) {
	appName := filepath.Base(os.Args[0])
	appName = strings.TrimSuffix(appName, filepath.Ext(appName))

	cfg := DefaultConfig()
	if _, err := LoadConfig(appName, cfg, os.Args[1:]); err != nil {
		return nil, err
	}

	if cfg.ShowVersion {
		fmt.Println(appName, "version", version())
		os.Exit(0)
	}

	// Special show command to list supported subsystems and exit.
	if cfg.DebugLevel == "show" {
		fmt.Println("Supported subsystems", supportedSubsystems())
		os.Exit(0)
	}

	// Initialize logging at the default logging level.
	err := initLogRotator(filepath.Join(cfg.LogDir, defaultLogFilename), cfg.LogConsole)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return nil, err
	}
	setLogLevels(defaultLogLevel)

	// Parse, validate, and set debug log level(s).
	if err := parseAndSetDebugLevels(cfg.DebugLevel); err != nil {
		err := fmt.Errorf("%s: %v", "loadConfig", err.Error())
		fmt.Fprintln(os.Stderr, err)
		return nil, err
	}

	return cfg, nil
}

// LoadConfig reads options from the config file and the command line into
// cfg, which should hold the defaults. It returns the arguments which were
// not options.
func LoadConfig(appName string, cfg *Config, args []string) ([]string, error) {
	// Pre-parse the command line options to see if an alternative config
	// file or data directory was specified.
	preCfg := *cfg
	preParser := newConfigParser(&preCfg, appName, flags.HelpFlag)
	_, err := preParser.ParseArgs(args)
	if err != nil {
		if e, ok := err.(*flags.Error); ok && e.Type == flags.ErrHelp {
			fmt.Fprintln(os.Stderr, err)
		}
		return nil, err
	}

	// The default config file lives in the data directory.
	configFile := preCfg.ConfigFile
	if configFile == defaultConfigFile && preCfg.DataDir != defaultDataDir {
		configFile = filepath.Join(preCfg.DataDir, defaultConfigFilename)
	}

	// Load additional config from file.
	var configFileError error
	parser := newConfigParser(cfg, appName, flags.Default)
	if preCfg.ConfigFile != defaultConfigFile || fileExists(configFile) {
		err = flags.NewIniParser(parser).ParseFile(configFile)
		if err != nil {
			if _, ok := err.(*os.PathError); !ok {
				fmt.Fprintln(os.Stderr, err)
				parser.WriteHelp(os.Stderr)
				return nil, err
			}
			configFileError = err
		}
	}

	// Parse command line options again to ensure they take precedence.
	remainingArgs, err := parser.ParseArgs(args)
	if err != nil {
		if e, ok := err.(*flags.Error); !ok || e.Type != flags.ErrHelp {
			parser.WriteHelp(os.Stderr)
		}
		return nil, err
	}

	// Warn about missing config file after the final command line parse
	// succeeds. This prevents the warning on help messages and invalid
	// options.
	if configFileError != nil {
		log.Warnf("%v", configFileError)
	}

	cfg.DataDir = cleanAndExpandPath(cfg.DataDir)
	if cfg.LogDir == defaultLogDir && cfg.DataDir != defaultDataDir {
		cfg.LogDir = filepath.Join(cfg.DataDir, defaultLogDirname)
	}
	cfg.LogDir = cleanAndExpandPath(cfg.LogDir)

	// Ensure the data directory exists.
	if err := checkCreateDir(cfg.DataDir); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return nil, err
	}
	cfg.vaultPath = filepath.Join(cfg.DataDir, vaultDbName)

	switch cfg.DBBackend {
	case "bolt":
	case "mongo":
		if cfg.MongoURI == "" || cfg.MongoDB == "" || cfg.MongoCollection == "" {
			err := errors.New("The mongo backend requires --mongouri, --mongodb and --mongocollection.")
			fmt.Fprintln(os.Stderr, err)
			return nil, err
		}
	default:
		err := fmt.Errorf("Unknown database backend %q.", cfg.DBBackend)
		fmt.Fprintln(os.Stderr, err)
		return nil, err
	}

	if cfg.IdleTimeout < 0 {
		err := errors.New("The idle timeout cannot be negative.")
		fmt.Fprintln(os.Stderr, err)
		return nil, err
	}
	if cfg.SessionMaxAge <= 0 {
		err := errors.New("The session max age must be positive.")
		fmt.Fprintln(os.Stderr, err)
		return nil, err
	}
	if cfg.UnlockRate <= 0 || cfg.UnlockBurst < 1 {
		err := errors.New("The unlock rate must be positive and the burst at least 1.")
		fmt.Fprintln(os.Stderr, err)
		return nil, err
	}

	return remainingArgs, nil
}
