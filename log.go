package cfdnode

import (
	"github.com/btcsuite/btclog"
	"github.com/cfdlabs/cfdnode/build"
	"github.com/cfdlabs/cfdnode/cfd"
	"github.com/cfdlabs/cfdnode/cfddb"
	"github.com/cfdlabs/cfdnode/chainwallet"
	"github.com/cfdlabs/cfdnode/chanstate"
	"github.com/cfdlabs/cfdnode/customoutput"
	"github.com/cfdlabs/cfdnode/dispatcher"
	"github.com/cfdlabs/cfdnode/esplora"
	"github.com/cfdlabs/cfdnode/httpapi"
	"github.com/cfdlabs/cfdnode/peerconn"
	"github.com/cfdlabs/cfdnode/quote"
	"github.com/cfdlabs/cfdnode/signal"
)

// Subsystem is the logging tag of the root package.
const Subsystem = "CFDN"

// A single backend logger is created and all subsystem loggers created from
// it write to the backend. The backend writes to stdout and, once
// ValidateConfig attached the rotator, to the log file.
var (
	logWriter = &build.LogWriter{}

	// logManager owns every subsystem logger so --debuglevel can reach
	// them.
	logManager = build.NewSubLoggerManager(logWriter)

	log = logManager.GenSubLogger(Subsystem)
)

// Initialize package-global logger variables.
func init() {
	setSubLogger(chanstate.Subsystem, chanstate.UseLogger)
	setSubLogger(peerconn.Subsystem, peerconn.UseLogger)
	setSubLogger(dispatcher.Subsystem, dispatcher.UseLogger)
	setSubLogger(customoutput.Subsystem, customoutput.UseLogger)
	setSubLogger(cfd.Subsystem, cfd.UseLogger)
	setSubLogger(cfddb.Subsystem, cfddb.UseLogger)
	setSubLogger(quote.Subsystem, quote.UseLogger)
	setSubLogger(chainwallet.Subsystem, chainwallet.UseLogger)
	setSubLogger(esplora.Subsystem, esplora.UseLogger)
	setSubLogger(httpapi.Subsystem, httpapi.UseLogger)
	setSubLogger(signal.Subsystem, signal.UseLogger)
}

// setSubLogger creates the logger of a subsystem and hands it to the
// package.
func setSubLogger(subsystem string, useLogger func(btclog.Logger)) {
	useLogger(logManager.GenSubLogger(subsystem))
}

// logClosure is used to provide a closure over expensive logging operations so
// don't have to be performed when the logging level doesn't warrant it.
type logClosure func() string

// String invokes the underlying function and returns the result.
func (c logClosure) String() string {
	return c()
}

// newLogClosure returns a new closure over a function that returns a string
// which itself provides a Stringer interface so that it can be used with the
// logging system.
func newLogClosure(c func() string) logClosure {
	return logClosure(c)
}
