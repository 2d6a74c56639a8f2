package chainwallet

import (
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightningnetwork/lnd/keychain"
)

// KeyRing derives the node and channel keys from the wallet seed along
// m/1017'/coin_type'/family'/0/index.
type KeyRing struct {
	coinType uint32
	root     *hdkeychain.ExtendedKey

	mu       sync.Mutex
	families map[keychain.KeyFamily]*hdkeychain.ExtendedKey
}

// NewKeyRing creates a key ring over the master key.
func NewKeyRing(master *hdkeychain.ExtendedKey,
	params *chaincfg.Params) (*KeyRing, error) {

	root, err := deriveHardened(
		master, keychain.BIP0043Purpose, params.HDCoinType,
	)
	if err != nil {
		return nil, err
	}

	return &KeyRing{
		coinType: params.HDCoinType,
		root:     root,
		families: make(map[keychain.KeyFamily]*hdkeychain.ExtendedKey),
	}, nil
}

// DeriveKey returns the private key at loc.
func (k *KeyRing) DeriveKey(loc keychain.KeyLocator) (*btcec.PrivateKey,
	error) {

	branch, err := k.familyBranch(loc.Family)
	if err != nil {
		return nil, err
	}

	key, err := branch.Derive(loc.Index)
	if err != nil {
		return nil, fmt.Errorf("unable to derive %v/%d: %w", loc.Family,
			loc.Index, err)
	}

	return key.ECPrivKey()
}

// NodeKey returns the identity key of the node.
func (k *KeyRing) NodeKey() (*btcec.PrivateKey, error) {
	return k.DeriveKey(keychain.KeyLocator{
		Family: keychain.KeyFamilyNodeKey,
	})
}

// familyBranch returns the external branch of a key family.
func (k *KeyRing) familyBranch(
	family keychain.KeyFamily) (*hdkeychain.ExtendedKey, error) {

	k.mu.Lock()
	defer k.mu.Unlock()

	if branch, ok := k.families[family]; ok {
		return branch, nil
	}

	account, err := deriveHardened(k.root, uint32(family))
	if err != nil {
		return nil, err
	}
	branch, err := account.Derive(0)
	if err != nil {
		return nil, err
	}
	k.families[family] = branch

	return branch, nil
}

// deriveHardened derives the hardened children at path below key.
func deriveHardened(key *hdkeychain.ExtendedKey,
	path ...uint32) (*hdkeychain.ExtendedKey, error) {

	var err error
	for _, index := range path {
		key, err = key.Derive(hdkeychain.HardenedKeyStart + index)
		if err != nil {
			return nil, err
		}
	}

	return key, nil
}
