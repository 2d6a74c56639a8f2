package cfdnode

import (
	"errors"
	"fmt"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/cfdlabs/cfdnode/build"
	"github.com/cfdlabs/cfdnode/chanstate"
	"github.com/cfdlabs/cfdnode/customoutput"
	"github.com/cfdlabs/cfdnode/dispatcher"
	"github.com/cfdlabs/cfdnode/esplora"
	"github.com/cfdlabs/cfdnode/httpapi"
	"github.com/cfdlabs/cfdnode/peerconn"
	"github.com/cfdlabs/cfdnode/quote"
	"github.com/jessevdk/go-flags"
	"github.com/lightningnetwork/lnd/fn/v2"
)

const (
	defaultConfigFilename = "cfdnode.conf"
	defaultDataDirname    = "data"
	defaultLogDirname     = "logs"
	defaultLogFilename    = "cfdnode.log"
	defaultLogLevel       = "info"
	defaultNetwork        = "regtest"
	defaultRole           = "taker"

	defaultQueueSize = 100

	defaultHealthCheckInterval = time.Minute
	defaultHealthCheckTimeout  = 30 * time.Second
	defaultHealthCheckBackoff  = 10 * time.Second
	defaultHealthCheckAttempts = 3
)

var (
	// DefaultCfdnodeDir is the default directory where cfdnode keeps its
	// data, logs and configuration file.
	DefaultCfdnodeDir = btcutil.AppDataDir("cfdnode", false)

	// DefaultConfigFile is the default full path of the config file.
	DefaultConfigFile = filepath.Join(
		DefaultCfdnodeDir, defaultConfigFilename,
	)

	defaultDataDir = filepath.Join(DefaultCfdnodeDir, defaultDataDirname)
	defaultLogDir  = filepath.Join(DefaultCfdnodeDir, defaultLogDirname)

	// networkParams maps the names accepted by --network to their chain
	// parameters.
	networkParams = map[string]*chaincfg.Params{
		"mainnet": &chaincfg.MainNetParams,
		"testnet": &chaincfg.TestNet3Params,
		"signet":  &chaincfg.SigNetParams,
		"regtest": &chaincfg.RegressionNetParams,
	}
)

// HealthCheckConfig configures the chain backend health check.
//
//nolint:lll
type HealthCheckConfig struct {
	Interval time.Duration `long:"interval" description:"How often the chain backend is checked, 0 disables the check."`
	Timeout  time.Duration `long:"timeout" description:"The time allowed for a single check."`
	Backoff  time.Duration `long:"backoff" description:"The time to wait between failed checks."`
	Attempts int           `long:"attempts" description:"The number of failed checks before cfdnode shuts down."`
}

// Config defines the configuration options for cfdnode.
//
// See LoadConfig for further details regarding the configuration
// loading+parsing process.
//
//nolint:lll
type Config struct {
	ShowVersion bool `short:"V" long:"version" description:"Display version information and exit"`

	CfdnodeDir string `long:"cfdnodedir" description:"The base directory that contains cfdnode's data, logs, configuration file, etc."`
	ConfigFile string `short:"C" long:"configfile" description:"Path to configuration file"`
	DataDir    string `short:"b" long:"datadir" description:"The directory to store cfdnode's data within"`

	LogDir         string `long:"logdir" description:"Directory to log output."`
	MaxLogFiles    int    `long:"maxlogfiles" description:"Maximum logfiles to keep (0 for no rotation)"`
	MaxLogFileSize int    `long:"maxlogfilesize" description:"Maximum logfile size in MB"`
	DebugLevel     string `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <global-level>,<subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems -- Use show to list available subsystems"`

	Role    string `long:"role" description:"The role of this node" choice:"maker" choice:"taker"`
	Network string `long:"network" description:"The bitcoin network to operate on" choice:"mainnet" choice:"testnet" choice:"signet" choice:"regtest"`

	Listen            string        `long:"listen" description:"The interface/port to listen for peer connections on, empty disables listening"`
	HTTPListen        string        `long:"httplisten" description:"The interface/port of the HTTP API"`
	ConnectionTimeout time.Duration `long:"connectiontimeout" description:"The timeout value for network connections. Valid time units are {ms, s, m, h}."`

	MakerPeer string `long:"makerpeer" description:"The maker to connect to, as pubkey@host:port. Required for takers."`
	MakerHTTP string `long:"makerhttp" description:"The HTTP API of the maker, polled for offers. Required for takers."`

	EsploraURL   string        `long:"esploraurl" description:"The esplora API used as chain backend, defaults to a public instance of the network"`
	SyncInterval time.Duration `long:"syncinterval" description:"The interval between chain syncs, defaults to a network specific value"`

	BitmexURL string `long:"bitmexurl" description:"The bitmex realtime API the maker takes its quotes from"`
	Spread    int32  `long:"spread" description:"The spread of the maker offer in per mille"`

	MaxQuantity int64 `long:"maxquantity" description:"The most contracts the maker accepts in one position, 0 for no limit"`

	ExpirySweepInterval time.Duration `long:"expirysweepinterval" description:"The interval at which expired payments are marked"`
	QueueSize           int           `long:"queuesize" description:"The capacity of the event queue"`

	AckTimeout    time.Duration `long:"acktimeout" description:"How long a custom output proposer waits for the ack"`
	CommitTimeout time.Duration `long:"committimeout" description:"How long the signature exchange of a custom output round may take"`

	FaucetAmount int64 `long:"faucetamount" description:"The amount in satoshis paid by the maker faucet"`

	HealthChecks *HealthCheckConfig `group:"healthcheck" namespace:"healthcheck"`

	// LogWriter is the root logger that all of the daemon's subloggers are
	// hooked up to.
	LogWriter *build.RotatingLogWriter

	// ActiveNetParams contains parameters of the target chain.
	ActiveNetParams *chaincfg.Params

	// role is the parsed Role.
	role httpapi.Role

	// makerPeer is the parsed MakerPeer.
	makerPeer fn.Option[peerconn.PeerInfo]

	// networkDir is the data directory of the active network.
	networkDir string
}

// DefaultConfig returns all default values for the Config struct.
func DefaultConfig() Config {
	return Config{
		CfdnodeDir:          DefaultCfdnodeDir,
		ConfigFile:          DefaultConfigFile,
		DataDir:             defaultDataDir,
		LogDir:              defaultLogDir,
		MaxLogFiles:         build.DefaultMaxLogFiles,
		MaxLogFileSize:      build.DefaultMaxLogFileSize,
		DebugLevel:          defaultLogLevel,
		Role:                defaultRole,
		Network:             defaultNetwork,
		Listen:              net.JoinHostPort("", strconv.Itoa(peerconn.DefaultPort)),
		HTTPListen:          httpapi.DefaultListenAddr,
		ConnectionTimeout:   peerconn.DefaultConnectionTimeout,
		BitmexURL:           quote.BitmexMainnetURL,
		Spread:              quote.DefaultSpreadPerMille,
		ExpirySweepInterval: dispatcher.DefaultExpirySweepInterval,
		QueueSize:           defaultQueueSize,
		AckTimeout:          customoutput.DefaultAckTimeout,
		CommitTimeout:       customoutput.DefaultCommitTimeout,
		FaucetAmount:        int64(httpapi.DefaultFaucetAmount),
		HealthChecks: &HealthCheckConfig{
			Interval: defaultHealthCheckInterval,
			Timeout:  defaultHealthCheckTimeout,
			Backoff:  defaultHealthCheckBackoff,
			Attempts: defaultHealthCheckAttempts,
		},
		LogWriter: build.NewRotatingLogWriter(),
	}
}

// LoadConfig initializes and parses the config using a config file and
// command line options.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified options
//  4. Parse CLI options and overwrite/add any specified options
func LoadConfig() (*Config, error) {
	// Pre-parse the command line options to pick up an alternative config
	// file.
	preCfg := DefaultConfig()
	if _, err := flags.Parse(&preCfg); err != nil {
		return nil, err
	}

	// Show the version and exit if the version flag was specified.
	appName := filepath.Base(os.Args[0])
	appName = strings.TrimSuffix(appName, filepath.Ext(appName))
	usageMessage := fmt.Sprintf("Use %s -h to show usage", appName)
	if preCfg.ShowVersion {
		fmt.Println(appName, "version", build.Version())
		os.Exit(0)
	}

	// If the config file path has not been modified by the user, then
	// we'll use the default config file path. However, if the user has
	// modified their cfdnodedir, then we should assume they intend to use
	// the config file within it.
	configFileDir := CleanAndExpandPath(preCfg.CfdnodeDir)
	configFilePath := CleanAndExpandPath(preCfg.ConfigFile)
	switch {
	case configFileDir != DefaultCfdnodeDir &&
		configFilePath == DefaultConfigFile:

		configFilePath = filepath.Join(
			configFileDir, defaultConfigFilename,
		)

	case configFileDir != DefaultCfdnodeDir:
		preCfg.DataDir = filepath.Join(configFileDir, defaultDataDirname)
		preCfg.LogDir = filepath.Join(configFileDir, defaultLogDirname)
	}

	// Next, load any additional configuration options from the file.
	var configFileError error
	cfg := preCfg
	fileParser := flags.NewParser(&cfg, flags.Default)
	err := flags.NewIniParser(fileParser).ParseFile(configFilePath)
	if err != nil {
		// If it's a parsing related error, then we'll return
		// immediately, otherwise we can proceed as possibly the config
		// file doesn't exist which is OK.
		var iniErr *flags.IniError
		if errors.As(err, &iniErr) {
			return nil, err
		}

		configFileError = err
	}

	// Finally, parse the remaining command line options again to ensure
	// they take precedence.
	if _, err := flags.Parse(&cfg); err != nil {
		return nil, err
	}

	// Make sure everything we just loaded makes sense.
	cleanCfg, err := ValidateConfig(cfg)
	var usageErr *usageError
	if errors.As(err, &usageErr) {
		// The logging system might not yet be initialized, so we also
		// write to stderr to make sure the error appears somewhere.
		_, _ = fmt.Fprintln(os.Stderr, usageMessage)
		log.Warnf("Incorrect usage: %v", usageMessage)

		// The log subsystem might not yet be initialized. But we still
		// try to log the error there since some packaging solutions
		// might only look at the log and not stdout/stderr.
		log.Warnf("Error validating config: %v", err)

		return nil, err
	}
	if err != nil {
		// The log subsystem might not yet be initialized. But we still
		// try to log the error there since some packaging solutions
		// might only look at the log and not stdout/stderr.
		log.Warnf("Error validating config: %v", err)

		return nil, err
	}

	// Warn about missing config file only after all other configuration is
	// done. This prevents the warning on help messages and invalid options.
	// Note this should go directly before the return.
	if configFileError != nil {
		log.Warnf("%v", configFileError)
	}

	return cleanCfg, nil
}

// usageError is an error type that signals a problem with the supplied flags.
type usageError struct {
	err error
}

// Error returns the error string.
//
// NOTE: This is part of the error interface.
func (u *usageError) Error() string {
	return u.err.Error()
}

// ValidateConfig checks the given configuration to be sane. This makes sure no
// illegal values or combination of values are set. All file system paths are
// normalized. The cleaned up config is returned on success.
func ValidateConfig(cfg Config) (*Config, error) {

	// mkErr wraps the message in a usageError so the caller prints the
	// usage hint.
	mkErr := func(format string, args ...interface{}) error {
		return &usageError{err: fmt.Errorf(format, args...)}
	}

	// makeDirectory creates dir, including missing parents, with
	// permissions restricted to the user.
	makeDirectory := func(dir string) error {
		err := os.MkdirAll(dir, 0700)
		if err != nil {
			// Show a nicer error message if it's because a symlink
			// is linked to a directory that does not exist
			// (probably because it's not mounted).
			var pathErr *os.PathError
			if errors.As(err, &pathErr) && os.IsExist(err) {
				link, lerr := os.Readlink(pathErr.Path)
				if lerr == nil {
					str := "is symlink %s -> %s mounted?"
					err = fmt.Errorf(str, pathErr.Path, link)
				}
			}

			return fmt.Errorf("failed to create directory '%s': "+
				"%w", dir, err)
		}

		return nil
	}

	// As soon as we're done parsing configuration options, ensure all
	// paths to directories and files are cleaned and expanded before
	// attempting to use them later on.
	cfg.CfdnodeDir = CleanAndExpandPath(cfg.CfdnodeDir)
	cfg.DataDir = CleanAndExpandPath(cfg.DataDir)
	cfg.LogDir = CleanAndExpandPath(cfg.LogDir)

	params, ok := networkParams[cfg.Network]
	if !ok {
		return nil, mkErr("unknown network %q", cfg.Network)
	}
	cfg.ActiveNetParams = params

	role, err := httpapi.ParseRole(cfg.Role)
	if err != nil {
		return nil, mkErr("%v", err)
	}
	cfg.role = role

	// A taker trades with exactly one maker, both its peer address and
	// its API are needed.
	switch {
	case role == httpapi.RoleTaker && cfg.MakerPeer == "":
		return nil, mkErr("--makerpeer is required for takers")

	case role == httpapi.RoleTaker && cfg.MakerHTTP == "":
		return nil, mkErr("--makerhttp is required for takers")

	case role == httpapi.RoleMaker && cfg.MakerPeer != "":
		return nil, mkErr("--makerpeer is only valid for takers")
	}

	if cfg.MakerPeer != "" {
		peer, err := peerconn.ParsePeerInfo(cfg.MakerPeer)
		if err != nil {
			return nil, mkErr("invalid --makerpeer: %v", err)
		}
		cfg.makerPeer = fn.Some(peer)
	}

	if cfg.EsploraURL == "" {
		cfg.EsploraURL = esplora.DefaultURLs[cfg.Network]
	}
	if cfg.SyncInterval == 0 {
		cfg.SyncInterval = chanstate.DefaultSyncInterval(params)
	}

	if cfg.Spread < 0 || cfg.Spread >= 1000 {
		return nil, mkErr("--spread must be within [0, 1000), got %d",
			cfg.Spread)
	}
	if cfg.QueueSize <= 0 {
		return nil, mkErr("--queuesize must be positive")
	}
	if cfg.MaxQuantity < 0 {
		return nil, mkErr("--maxquantity must not be negative")
	}
	if cfg.FaucetAmount <= 0 {
		return nil, mkErr("--faucetamount must be positive")
	}
	if cfg.MaxLogFileSize <= 0 {
		return nil, mkErr("--maxlogfilesize must be positive")
	}

	// The peer listener is optional, an explicitly empty value turns it
	// off.
	if cfg.Listen != "" {
		if _, _, err := net.SplitHostPort(cfg.Listen); err != nil {
			return nil, mkErr("invalid --listen: %v", err)
		}
	}
	if _, _, err := net.SplitHostPort(cfg.HTTPListen); err != nil {
		return nil, mkErr("invalid --httplisten: %v", err)
	}

	// Data and logs are kept apart per network so that switching
	// networks never mixes up keys or channels.
	cfg.networkDir = filepath.Join(cfg.DataDir, cfg.Network)
	cfg.LogDir = filepath.Join(cfg.LogDir, cfg.Network)

	for _, dir := range []string{cfg.networkDir, cfg.LogDir} {
		if err := makeDirectory(dir); err != nil {
			return nil, err
		}
	}

	// A log file must be set up before the debug level is applied, so
	// any output of the remaining validation lands in it.
	if cfg.LogWriter == nil {
		cfg.LogWriter = build.NewRotatingLogWriter()
	}
	err = cfg.LogWriter.InitLogRotator(
		filepath.Join(cfg.LogDir, defaultLogFilename),
		cfg.MaxLogFileSize, cfg.MaxLogFiles,
	)
	if err != nil {
		return nil, err
	}
	logWriter.Rotator = cfg.LogWriter

	// Special show command to list supported subsystems and exit.
	if cfg.DebugLevel == "show" {
		fmt.Println("Supported subsystems",
			logManager.SupportedSubsystems())
		os.Exit(0)
	}

	// Parse, validate, and set debug log level(s).
	err = build.ParseAndSetDebugLevels(cfg.DebugLevel, logManager)
	if err != nil {
		return nil, mkErr("error parsing debug level: %v", err)
	}

	return &cfg, nil
}

// CleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
// This function is taken from https://github.com/btcsuite/btcd
func CleanAndExpandPath(path string) string {
	if path == "" {
		return ""
	}

	// Expand initial ~ to OS specific home directory.
	if strings.HasPrefix(path, "~") {
		var homeDir string
		u, err := user.Current()
		if err == nil {
			homeDir = u.HomeDir
		} else {
			homeDir = os.Getenv("HOME")
		}

		path = strings.Replace(path, "~", homeDir, 1)
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows-style %VARIABLE%,
	// but the variables can still be expanded via POSIX-style $VARIABLE.
	return filepath.Clean(os.ExpandEnv(path))
}
