// Copyright (c) 2025 The overlayd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/jessevdk/go-flags"
	"github.com/utxoverlay/overlayd/internal/cfgutil"
)

const (
	defaultConfigFilename = "overlayd.conf"
	defaultLogLevel       = "info"
	defaultLogDirname     = "logs"
	defaultLogFilename    = "overlayctl.log"
	defaultBackend        = "bolt"
	defaultMongoDatabase  = "overlay"
	defaultMetricsPort    = "9464"
)

var (
	overlaydHomeDir   = btcutil.AppDataDir("overlayd", false)
	defaultConfigFile = filepath.Join(overlaydHomeDir, defaultConfigFilename)
	defaultDataDir    = overlaydHomeDir
	defaultLogDir     = filepath.Join(overlaydHomeDir, defaultLogDirname)
)

// dbFilenames are the default database files of the file backed stores.
var dbFilenames = map[string]string{
	"bolt":   "index.db",
	"sqlite": "index.sqlite",
}

type config struct {
	// General application behavior
	ConfigFile string `short:"C" long:"configfile" description:"Path to configuration file"`
	DataDir    string `short:"b" long:"datadir" description:"Directory holding the index database"`
	LogDir     string `long:"logdir" description:"Directory to log output"`
	DebugLevel string `short:"d" long:"debuglevel" description:"Logging level {trace, debug, info, warn, error, critical}; use subsystem=level,... to set per subsystem and show to list subsystems"`

	// Index storage
	Backend  string                  `long:"backend" description:"Index backend {memory, bolt, sqlite, postgres, mongo}"`
	DBPath   *cfgutil.ExplicitString `long:"db" description:"Bolt or SQLite database file (default: index.db or index.sqlite in the data directory)"`
	DSN      string                  `long:"dsn" description:"Postgres connection string"`
	MongoURI string                  `long:"mongouri" description:"MongoDB connection URI"`
	MongoDB  string                  `long:"mongodb" description:"MongoDB database name"`

	// Served protocols and metrics
	Protocols     []string `short:"p" long:"protocol" description:"Protocol to serve; may be repeated (default: all)"`
	MetricsListen string   `long:"metricslisten" description:"Serve prometheus metrics on this interface/port while a command runs"`
}

// cleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
func cleanAndExpandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		homeDir := filepath.Dir(overlaydHomeDir)
		path = strings.Replace(path, "~", homeDir, 1)
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows cmd.exe-style
	// %VARIABLE%, but they variables can still be expanded via POSIX-style
	// $VARIABLE.
	return filepath.Clean(os.ExpandEnv(path))
}

// loadConfig initializes and parses the config using a config file and command
// line options, and registers the commands on the returned parser.  The
// command chosen on the command line is returned with the config.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified options
//  4. Parse CLI options and overwrite/add any specified options
//
// The above results in overlayctl functioning properly without any config
// settings while still allowing the user to override settings with config
// files and command line options.  Command line options always take
// precedence.
func loadConfig() (*config, command, error) {
	cfg := config{
		ConfigFile: defaultConfigFile,
		DataDir:    defaultDataDir,
		LogDir:     defaultLogDir,
		DebugLevel: defaultLogLevel,
		Backend:    defaultBackend,
		DBPath:     cfgutil.NewExplicitString(""),
		MongoDB:    defaultMongoDatabase,
	}

	// A config file in the current directory takes precedence.
	exists, err := cfgutil.FileExists(defaultConfigFilename)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return nil, nil, err
	}
	if exists {
		cfg.ConfigFile = defaultConfigFilename
	}

	// Pre-parse the command line options to see if an alternative config
	// file was specified.  Command options and arguments are ignored.
	preCfg := cfg
	preCfg.DBPath = cfgutil.NewExplicitString("")
	preParser := flags.NewParser(&preCfg, flags.IgnoreUnknown)
	_, _ = preParser.Parse()

	// Load additional config from file.
	var configFileError error
	parser := flags.NewParser(&cfg, flags.Default)
	commands := addCommands(parser)
	err = flags.NewIniParser(parser).ParseFile(preCfg.ConfigFile)
	if err != nil {
		var pathErr *os.PathError
		if !errors.As(err, &pathErr) {
			fmt.Fprintln(os.Stderr, err)
			parser.WriteHelp(os.Stderr)
			return nil, nil, err
		}
		configFileError = err
	}

	// Parse command line options again to ensure they take precedence.
	_, err = parser.Parse()
	if err != nil {
		return nil, nil, err
	}

	// Special show command to list supported subsystems and exit.
	if cfg.DebugLevel == "show" {
		fmt.Println("Supported subsystems", supportedSubsystems())
		os.Exit(0)
	}

	cfg.DataDir = cleanAndExpandPath(cfg.DataDir)
	cfg.LogDir = cleanAndExpandPath(cfg.LogDir)

	// Initialize log rotation.  After log rotation has been initialized,
	// the logger variables may be used.
	err = initLogRotator(filepath.Join(cfg.LogDir, defaultLogFilename))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return nil, nil, err
	}
	setLogLevels(defaultLogLevel)

	// Parse, validate, and set debug log level(s).
	if err := parseAndSetDebugLevels(cfg.DebugLevel); err != nil {
		err := fmt.Errorf("loadConfig: %w", err)
		fmt.Fprintln(os.Stderr, err)
		parser.WriteHelp(os.Stderr)
		return nil, nil, err
	}

	// Warn about missing config file after the final command line parse
	// succeeds.  This prevents the warning on help messages and invalid
	// options.
	if configFileError != nil {
		log.Warnf("%v", configFileError)
	}

	if err := cfg.validateBackend(); err != nil {
		err := fmt.Errorf("loadConfig: %w", err)
		fmt.Fprintln(os.Stderr, err)
		return nil, nil, err
	}

	if cfg.MetricsListen != "" {
		cfg.MetricsListen, err = cfgutil.NormalizeAddress(
			cfg.MetricsListen, defaultMetricsPort)
		if err != nil {
			err := fmt.Errorf("loadConfig: invalid metrics "+
				"address: %w", err)
			fmt.Fprintln(os.Stderr, err)
			return nil, nil, err
		}
	}

	return &cfg, commands[parser.Active.Name], nil
}

// validateBackend checks the storage options of the selected backend and
// fills in the default database path of the file backed stores.
func (cfg *config) validateBackend() error {
	switch cfg.Backend {
	case "memory":

	case "bolt", "sqlite":
		if !cfg.DBPath.ExplicitlySet() {
			cfg.DBPath.Value = filepath.Join(cfg.DataDir,
				dbFilenames[cfg.Backend])
		}
		cfg.DBPath.Value = cleanAndExpandPath(cfg.DBPath.Value)

	case "postgres":
		if cfg.DSN == "" {
			return errors.New("the postgres backend requires --dsn")
		}

	case "mongo":
		if cfg.MongoURI == "" {
			return errors.New("the mongo backend requires --mongouri")
		}

	default:
		return fmt.Errorf("unknown backend %q", cfg.Backend)
	}
	return nil
}
