package chainwallet

import (
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/lightningnetwork/lnd/aezeed"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/keychain"
)

// SeedFileName is the name of the mnemonic file in the data dir.
const SeedFileName = "seed.txt"

// ErrMalformedSeed is returned when the seed file does not hold a valid
// mnemonic.
var ErrMalformedSeed = errors.New("malformed seed file")

// LoadOrCreateSeed reads the aezeed mnemonic from the seed file in dataDir,
// creating a fresh seed on first start. The seed has no passphrase.
func LoadOrCreateSeed(dataDir string,
	clk clock.Clock) (*aezeed.CipherSeed, error) {

	path := filepath.Join(dataDir, SeedFileName)

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		return parseSeed(string(data))

	case !errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("unable to read seed: %w", err)
	}

	var entropy [aezeed.EntropySize]byte
	if _, err := rand.Read(entropy[:]); err != nil {
		return nil, err
	}

	seed, err := aezeed.New(
		keychain.KeyDerivationVersionLegacy, &entropy, clk.Now(),
	)
	if err != nil {
		return nil, err
	}

	mnemonic, err := seed.ToMnemonic(nil)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, err
	}
	words := strings.Join(mnemonic[:], " ") + "\n"
	if err := os.WriteFile(path, []byte(words), 0600); err != nil {
		return nil, fmt.Errorf("unable to store seed: %w", err)
	}

	log.Infof("Created new wallet seed in %v", path)

	return seed, nil
}

func parseSeed(data string) (*aezeed.CipherSeed, error) {
	words := strings.Fields(data)
	if len(words) != aezeed.NumMnemonicWords {
		return nil, fmt.Errorf("%w: expected %d words, got %d",
			ErrMalformedSeed, aezeed.NumMnemonicWords, len(words))
	}

	var mnemonic aezeed.Mnemonic
	copy(mnemonic[:], words)

	seed, err := mnemonic.ToCipherSeed(nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedSeed, err)
	}

	return seed, nil
}
