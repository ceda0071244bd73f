package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/aghamir/electrum/config"
	"github.com/aghamir/electrum/electrum"
	"github.com/go-errors/errors"
	"github.com/lightningnetwork/lnd/healthcheck"
)

const (
	// minFreeDiskSpace is the low-water mark for the data directory
	// before the daemon shuts itself down.
	minFreeDiskSpace = 100 * 1024 * 1024

	healthCheckInterval = time.Minute
	healthCheckTimeout  = 5 * time.Second
	healthCheckBackoff  = 30 * time.Second
	healthCheckAttempts = 3
)

// electrumdMain is the true entry point. It is separate from main so
// deferred cleanup runs before os.Exit.
func electrumdMain() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := initLogRotator(
		filepath.Join(cfg.DataDir, "logs", defaultLogFilename),
	); err != nil {
		return err
	}
	defer logRotator.Close()
	if err := setLogLevels(cfg.DebugLevel); err != nil {
		return err
	}

	store, err := config.New(cfg.DataDir, nil)
	if err != nil {
		return errors.Errorf("unable to open config store: %v", err)
	}
	// Command line options set their keys for the session; server and
	// proxy are additionally pinned read-only.
	if cfg.Server != "" {
		store.SetKey("server", cfg.Server, false)
		store.SetReadOnly("server")
	}
	if cfg.Proxy != "" {
		store.SetKey("proxy", cfg.Proxy, false)
		store.SetReadOnly("proxy")
	}
	if cfg.OneServer {
		store.SetKey("oneserver", true, false)
	}
	if cfg.NoAuto {
		store.SetKey("auto_connect", false, false)
	}
	if cfg.Debug {
		store.SetKey("debug", true, false)
	}

	network, err := electrum.New(&electrum.Config{Store: store})
	if err != nil {
		return errors.Errorf("unable to create network: %v", err)
	}

	handle := network.RegisterCallback(
		[]string{electrum.EventStatus, electrum.EventBanner},
		func(event string, value interface{}) {
			switch event {
			case electrum.EventStatus:
				log.Infof("connection status: %v",
					network.GetStatusValue(event))
			case electrum.EventBanner:
				log.Infof("server banner: %v", value)
			}
		},
	)
	defer network.UnregisterCallback(handle)

	if err := network.Start(); err != nil {
		return err
	}
	defer network.Stop()
	log.Infof("electrumd started, data dir %s", cfg.DataDir)

	shutdown := make(chan string, 1)
	diskCheck := healthcheck.NewObservation(
		"disk space",
		func() error {
			free, err := healthcheck.AvailableDiskSpace(cfg.DataDir)
			if err != nil {
				return err
			}
			if free < minFreeDiskSpace {
				return fmt.Errorf("%d bytes free in %s", free,
					cfg.DataDir)
			}
			return nil
		},
		healthCheckInterval, healthCheckTimeout,
		healthCheckBackoff, healthCheckAttempts,
	)
	connCheck := healthcheck.NewObservation(
		"server connectivity",
		func() error {
			if !network.IsConnected() {
				return fmt.Errorf("no main server")
			}
			return nil
		},
		healthCheckInterval, healthCheckTimeout,
		healthCheckBackoff, healthCheckAttempts,
	)
	monitor := healthcheck.NewMonitor(&healthcheck.Config{
		Checks: []*healthcheck.Observation{diskCheck, connCheck},
		Shutdown: func(format string, params ...interface{}) {
			shutdown <- fmt.Sprintf(format, params...)
		},
	})
	if err := monitor.Start(); err != nil {
		return err
	}
	defer monitor.Stop()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	select {
	case sig := <-interrupt:
		log.Infof("received %v, shutting down", sig)
	case reason := <-shutdown:
		log.Errorf("health check failed: %s", reason)
	}
	return nil
}

func main() {
	if err := electrumdMain(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
