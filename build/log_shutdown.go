package build

import (
	"sync"

	"github.com/btcsuite/btclog"
)

// ShutdownLogger is a logger that requests a process shutdown the first time
// a critical message is logged.
type ShutdownLogger struct {
	btclog.Logger

	shutdown func()
	once     sync.Once
}

// NewShutdownLogger wraps logger so that Critical and Criticalf call
// shutdown.
func NewShutdownLogger(logger btclog.Logger, shutdown func()) *ShutdownLogger {
	return &ShutdownLogger{
		Logger:   logger,
		shutdown: shutdown,
	}
}

// Criticalf logs at LevelCritical and requests shutdown.
//
// NOTE: Part of the btclog.Logger interface.
func (s *ShutdownLogger) Criticalf(format string, params ...interface{}) {
	s.Logger.Criticalf(format, params...)
	s.requestShutdown()
}

// Critical logs at LevelCritical and requests shutdown.
//
// NOTE: Part of the btclog.Logger interface.
func (s *ShutdownLogger) Critical(v ...interface{}) {
	s.Logger.Critical(v...)
	s.requestShutdown()
}

func (s *ShutdownLogger) requestShutdown() {
	s.once.Do(func() {
		s.Logger.Info("Sending request for shutdown")
		s.shutdown()
	})
}
