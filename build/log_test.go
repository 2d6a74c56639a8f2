package build

import (
	"bytes"
	"testing"

	"github.com/btcsuite/btclog"
	"github.com/stretchr/testify/require"
)

func TestParseAndSetDebugLevels(t *testing.T) {
	var buf bytes.Buffer
	mgr := NewSubLoggerManager(&buf)
	peer := mgr.GenSubLogger("PEER")
	http := mgr.GenSubLogger("HTTP")

	require.Equal(t, []string{"HTTP", "PEER"}, mgr.SupportedSubsystems())

	require.NoError(t, ParseAndSetDebugLevels("debug,PEER=trace", mgr))
	require.Equal(t, btclog.LevelTrace, peer.Level())
	require.Equal(t, btclog.LevelDebug, http.Level())

	require.NoError(t, ParseAndSetDebugLevels("HTTP=error", mgr))
	require.Equal(t, btclog.LevelTrace, peer.Level())
	require.Equal(t, btclog.LevelError, http.Level())

	invalid := []string{
		"loud",
		"info,PEER",
		"info,NOPE=debug",
		"PEER=loud",
		"PEER=info=debug",
	}
	for _, level := range invalid {
		require.Error(t, ParseAndSetDebugLevels(level, mgr), level)
	}

	peer.Infof("hello")
	require.Contains(t, buf.String(), "[INF] PEER: hello")
}

func TestShutdownLogger(t *testing.T) {
	var buf bytes.Buffer
	mgr := NewSubLoggerManager(&buf)

	var requests int
	logger := NewShutdownLogger(mgr.GenSubLogger("CFDN"), func() {
		requests++
	})

	logger.Criticalf("disk %s", "full")
	logger.Critical("still full")
	require.Equal(t, 1, requests)

	out := buf.String()
	require.Contains(t, out, "[CRT] CFDN: disk full")
	require.Contains(t, out, "[CRT] CFDN: still full")
	require.Contains(t, out, "Sending request for shutdown")
}
