// Package cfdnode wires the components of a maker or taker node into one
// process.
package cfdnode

import (
	"github.com/cfdlabs/cfdnode/build"
	"github.com/cfdlabs/cfdnode/signal"
	"github.com/davecgh/go-spew/spew"
	"github.com/lightningnetwork/lnd/clock"
)

// Main is the true entry point of cfdnode. It builds the node described by
// cfg, runs it until interceptor requests a shutdown and then stops it.
// Errors during startup are returned, they are fatal.
func Main(cfg *Config, interceptor signal.Interceptor) error {
	defer func() {
		log.Info("Shutdown complete")
		if err := cfg.LogWriter.Close(); err != nil {
			log.Errorf("Unable to close log writer: %v", err)
		}
	}()

	log.Infof("Version: %s, role: %v, network: %v", build.Version(),
		cfg.role, cfg.Network)
	log.Tracef("Config: %v", newLogClosure(func() string {
		return spew.Sdump(cfg)
	}))

	srv, err := newServer(
		cfg, clock.NewDefaultClock(), interceptor.RequestShutdown,
	)
	if err != nil {
		log.Errorf("Unable to create server: %v", err)
		return err
	}

	if err := srv.Start(); err != nil {
		log.Errorf("Unable to start server: %v", err)
		_ = srv.Stop()

		return err
	}
	defer func() {
		_ = srv.Stop()
	}()

	// Wait for shutdown signal from either a graceful server stop or from
	// the interrupt handler.
	<-interceptor.ShutdownChannel()

	return nil
}
