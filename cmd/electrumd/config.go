package main

import (
	"os"
	"path/filepath"

	"github.com/btcsuite/btcd/btcutil"
	flags "github.com/jessevdk/go-flags"
)

const (
	defaultLogFilename = "electrumd.log"
	defaultDebugLevel  = "info"
)

var defaultDataDir = btcutil.AppDataDir("electrumd", false)

// cliConfig holds the daemon's command line options.
type cliConfig struct {
	DataDir    string `short:"b" long:"datadir" description:"Directory containing headers, certificates and configuration"`
	Server     string `long:"server" description:"Pin the main server, host:port:protocol"`
	Proxy      string `long:"proxy" description:"Outbound proxy, mode:host:port[:user[:password]] or none"`
	OneServer  bool   `long:"oneserver" description:"Only ever connect to the pinned server"`
	NoAuto     bool   `long:"noautoconnect" description:"Do not switch to other servers automatically"`
	Debug      bool   `long:"debug" description:"Dump raw protocol traffic to the log"`
	DebugLevel string `long:"debuglevel" description:"Logging level {trace, debug, info, warn, error, critical}"`
}

// loadConfig parses the command line and fills in defaults.
func loadConfig() (*cliConfig, error) {
	cfg := &cliConfig{
		DataDir:    defaultDataDir,
		DebugLevel: defaultDebugLevel,
	}
	if _, err := flags.Parse(cfg); err != nil {
		return nil, err
	}
	cfg.DataDir = cleanAndExpandPath(cfg.DataDir)
	return cfg, nil
}

// cleanAndExpandPath expands a leading ~ into the user's home directory.
func cleanAndExpandPath(path string) string {
	if len(path) > 1 && path[:2] == "~/" {
		home, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(home, path[2:])
		}
	}
	return filepath.Clean(path)
}
