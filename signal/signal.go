// Copyright (c) 2013-2017 The btcsuite developers
// Copyright (c) 2015-2016 The Decred developers
// Heavily inspired by https://github.com/btcsuite/btcd/blob/master/signal.go
// Copyright (C) 2015-2017 The Lightning Network Developers

package signal

import (
	"errors"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
)

// started guards against installing a second interrupt handler.
var started atomic.Bool

// Interceptor turns process signals and shutdown requests into a single
// shutdown channel.
type Interceptor struct {
	// interruptChannel is used to receive SIGINT (Ctrl+C) signals.
	interruptChannel chan os.Signal

	// shutdownRequestChannel is used to request the daemon to shutdown
	// gracefully, similar to when receiving SIGINT.
	shutdownRequestChannel chan struct{}

	// quit is closed when instructing the main interrupt handler to exit.
	quit chan struct{}

	// shutdownChannel is closed once the main interrupt handler exits.
	shutdownChannel chan struct{}
}

// Intercept installs the interrupt handler. It may only be called once per
// process.
func Intercept() (Interceptor, error) {
	if !started.CompareAndSwap(false, true) {
		return Interceptor{}, errors.New("intercept already started")
	}

	c := newInterceptor()
	signal.Notify(
		c.interruptChannel, os.Interrupt, syscall.SIGTERM,
		syscall.SIGQUIT,
	)
	go c.mainInterruptHandler()

	return c, nil
}

func newInterceptor() Interceptor {
	return Interceptor{
		interruptChannel:       make(chan os.Signal, 1),
		shutdownRequestChannel: make(chan struct{}),
		quit:                   make(chan struct{}),
		shutdownChannel:        make(chan struct{}),
	}
}

// mainInterruptHandler waits for a signal or a shutdown request and then
// closes the shutdown channel. It must be run as a goroutine.
func (c *Interceptor) mainInterruptHandler() {
	defer signal.Stop(c.interruptChannel)

	var isShutdown bool
	shutdown := func() {
		if isShutdown {
			log.Infof("Already shutting down...")
			return
		}
		isShutdown = true
		log.Infof("Shutting down...")

		close(c.quit)
	}

	for {
		select {
		case sig := <-c.interruptChannel:
			log.Infof("Received %v", sig)
			shutdown()

		case <-c.shutdownRequestChannel:
			log.Infof("Received shutdown request.")
			shutdown()

		case <-c.quit:
			log.Infof("Gracefully shutting down.")
			close(c.shutdownChannel)
			return
		}
	}
}

// Alive returns true if the main interrupt handler has not been killed.
func (c *Interceptor) Alive() bool {
	select {
	case <-c.quit:
		return false
	default:
		return true
	}
}

// RequestShutdown initiates a graceful shutdown from the application.
func (c *Interceptor) RequestShutdown() {
	select {
	case c.shutdownRequestChannel <- struct{}{}:
	case <-c.quit:
	}
}

// ShutdownChannel returns the channel that will be closed once the main
// interrupt handler has exited.
func (c *Interceptor) ShutdownChannel() <-chan struct{} {
	return c.shutdownChannel
}
