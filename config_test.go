package cfdnode

import (
	"encoding/hex"
	"path/filepath"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/cfdlabs/cfdnode/esplora"
	"github.com/cfdlabs/cfdnode/httpapi"
	"github.com/stretchr/testify/require"
)

// testConfig returns a default config rooted in a temporary directory.
func testConfig(t *testing.T) Config {
	t.Helper()

	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.CfdnodeDir = dir
	cfg.DataDir = filepath.Join(dir, defaultDataDirname)
	cfg.LogDir = filepath.Join(dir, defaultLogDirname)

	return cfg
}

func validate(t *testing.T, cfg Config) (*Config, error) {
	t.Helper()

	loaded, err := ValidateConfig(cfg)
	if loaded != nil {
		t.Cleanup(func() {
			_ = loaded.LogWriter.Close()
		})
	}

	return loaded, err
}

func TestValidateConfigMaker(t *testing.T) {
	cfg := testConfig(t)
	cfg.Role = "maker"
	cfg.Network = "signet"

	loaded, err := validate(t, cfg)
	require.NoError(t, err)

	require.Equal(t, httpapi.RoleMaker, loaded.role)
	require.Equal(t, &chaincfg.SigNetParams, loaded.ActiveNetParams)
	require.Equal(t, esplora.DefaultURLs["signet"], loaded.EsploraURL)
	require.Equal(t, 60*time.Second, loaded.SyncInterval)
	require.True(t, loaded.makerPeer.IsNone())

	require.Equal(t, filepath.Join(cfg.DataDir, "signet"),
		loaded.networkDir)
	require.DirExists(t, loaded.networkDir)
	require.DirExists(t, filepath.Join(cfg.LogDir, "signet"))
}

func TestValidateConfigTaker(t *testing.T) {
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	makerPeer := hex.EncodeToString(priv.PubKey().SerializeCompressed()) +
		"@127.0.0.1:9045"

	cfg := testConfig(t)
	cfg.Role = "taker"
	cfg.MakerPeer = makerPeer
	cfg.MakerHTTP = "http://127.0.0.1:8000"
	cfg.EsploraURL = "http://127.0.0.1:3002"
	cfg.SyncInterval = time.Second

	loaded, err := validate(t, cfg)
	require.NoError(t, err)

	require.Equal(t, httpapi.RoleTaker, loaded.role)
	require.Equal(t, "http://127.0.0.1:3002", loaded.EsploraURL)
	require.Equal(t, time.Second, loaded.SyncInterval)

	peer, err := loaded.makerPeer.UnwrapOrErr(nil)
	require.NoError(t, err)
	require.True(t, peer.PubKey.IsEqual(priv.PubKey()))
	require.Equal(t, "127.0.0.1:9045", peer.Addr)
}

func TestValidateConfigErrors(t *testing.T) {
	tests := []struct {
		name   string
		modify func(cfg *Config)
	}{
		{
			name: "unknown network",
			modify: func(cfg *Config) {
				cfg.Network = "simnet"
			},
		},
		{
			name: "unknown role",
			modify: func(cfg *Config) {
				cfg.Role = "broker"
			},
		},
		{
			name: "taker without maker",
			modify: func(cfg *Config) {
				cfg.Role = "taker"
				cfg.MakerHTTP = "http://127.0.0.1:8000"
			},
		},
		{
			name: "taker without maker api",
			modify: func(cfg *Config) {
				cfg.Role = "taker"
				cfg.MakerPeer = "02aa@127.0.0.1:9045"
			},
		},
		{
			name: "maker with maker peer",
			modify: func(cfg *Config) {
				cfg.Role = "maker"
				cfg.MakerPeer = "02aa@127.0.0.1:9045"
			},
		},
		{
			name: "invalid maker peer",
			modify: func(cfg *Config) {
				cfg.Role = "taker"
				cfg.MakerPeer = "nokey"
				cfg.MakerHTTP = "http://127.0.0.1:8000"
			},
		},
		{
			name: "spread out of range",
			modify: func(cfg *Config) {
				cfg.Role = "maker"
				cfg.Spread = 1000
			},
		},
		{
			name: "empty queue",
			modify: func(cfg *Config) {
				cfg.Role = "maker"
				cfg.QueueSize = 0
			},
		},
		{
			name: "invalid listen address",
			modify: func(cfg *Config) {
				cfg.Role = "maker"
				cfg.Listen = "9045"
			},
		},
		{
			name: "invalid debug level",
			modify: func(cfg *Config) {
				cfg.Role = "maker"
				cfg.DebugLevel = "info,NOPE=debug"
			},
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			cfg := testConfig(t)
			test.modify(&cfg)

			_, err := validate(t, cfg)
			require.Error(t, err)
		})
	}
}

func TestCleanAndExpandPath(t *testing.T) {
	t.Setenv("CFDNODE_TEST_DIR", "/tmp/cfd")

	require.Empty(t, CleanAndExpandPath(""))
	require.Equal(t, "/tmp/cfd/data", CleanAndExpandPath(
		"$CFDNODE_TEST_DIR/./data/",
	))
}
