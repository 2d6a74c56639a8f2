package chanstate

import (
	"crypto/sha256"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/input"
	"github.com/lightningnetwork/lnd/keychain"
	"github.com/lightningnetwork/lnd/shachain"
)

const (
	// DefaultCsvDelay is the relative delay we ask the remote party to
	// wait before it can sweep its own balance from a force close.
	DefaultCsvDelay = 144

	// DefaultDustLimit is the value below which an output is trimmed from
	// a commitment transaction.
	DefaultDustLimit btcutil.Amount = 354

	// DefaultMaxAcceptedHTLCs bounds the number of HTLCs per direction.
	DefaultMaxAcceptedHTLCs = 30
)

// KeyRing derives private keys from the node's seed.
type KeyRing interface {
	// DeriveKey returns the private key at the given locator.
	DeriveKey(loc keychain.KeyLocator) (*btcec.PrivateKey, error)
}

// ChannelConfig holds the public channel parameters of one party.
type ChannelConfig struct {
	// FundingKey is the key of this party in the 2-of-2 funding output.
	FundingKey *btcec.PublicKey

	// RevocationBasePoint is tweaked with the counterparty's commitment
	// points to build revocation keys.
	RevocationBasePoint *btcec.PublicKey

	// PaymentBasePoint receives this party's balance in the counterparty's
	// commitment.
	PaymentBasePoint *btcec.PublicKey

	// DelayBasePoint is tweaked with this party's commitment points to
	// build the key of its delayed output.
	DelayBasePoint *btcec.PublicKey

	// HtlcBasePoint signs the HTLC outputs of this party.
	HtlcBasePoint *btcec.PublicKey

	// CsvDelay is the delay this party imposes on the counterparty's
	// to_local output.
	CsvDelay uint16

	// DustLimit is the dust limit of this party's commitment.
	DustLimit btcutil.Amount
}

// channelKeys are the private keys of our side of one channel, all derived
// from the same key index.
type channelKeys struct {
	index uint32

	funding        *btcec.PrivateKey
	revocationBase *btcec.PrivateKey
	payment        *btcec.PrivateKey
	delayBase      *btcec.PrivateKey
	htlcBase       *btcec.PrivateKey

	producer shachain.Producer
}

// deriveChannelKeys derives the key set at index from ring.
func deriveChannelKeys(ring KeyRing, index uint32) (*channelKeys, error) {
	derive := func(family keychain.KeyFamily) (*btcec.PrivateKey, error) {
		key, err := ring.DeriveKey(keychain.KeyLocator{
			Family: family,
			Index:  index,
		})
		if err != nil {
			return nil, fmt.Errorf("unable to derive key "+
				"family=%d index=%d: %w", family, index, err)
		}

		return key, nil
	}

	keys := &channelKeys{index: index}

	var err error
	if keys.funding, err = derive(keychain.KeyFamilyMultiSig); err != nil {
		return nil, err
	}
	keys.revocationBase, err = derive(keychain.KeyFamilyRevocationBase)
	if err != nil {
		return nil, err
	}
	keys.payment, err = derive(keychain.KeyFamilyPaymentBase)
	if err != nil {
		return nil, err
	}
	keys.delayBase, err = derive(keychain.KeyFamilyDelayBase)
	if err != nil {
		return nil, err
	}
	keys.htlcBase, err = derive(keychain.KeyFamilyHtlcBase)
	if err != nil {
		return nil, err
	}

	root, err := derive(keychain.KeyFamilyRevocationRoot)
	if err != nil {
		return nil, err
	}
	rootHash := chainhash.Hash(sha256.Sum256(root.Serialize()))
	keys.producer = shachain.NewRevocationProducer(rootHash)

	return keys, nil
}

// config returns the public half of the key set.
func (k *channelKeys) config(csvDelay uint16,
	dustLimit btcutil.Amount) *ChannelConfig {

	return &ChannelConfig{
		FundingKey:          k.funding.PubKey(),
		RevocationBasePoint: k.revocationBase.PubKey(),
		PaymentBasePoint:    k.payment.PubKey(),
		DelayBasePoint:      k.delayBase.PubKey(),
		HtlcBasePoint:       k.htlcBase.PubKey(),
		CsvDelay:            csvDelay,
		DustLimit:           dustLimit,
	}
}

// commitSecret returns the per-commitment secret of our commitment at the
// given height.
func (k *channelKeys) commitSecret(height uint64) ([32]byte, error) {
	secret, err := k.producer.AtIndex(height)
	if err != nil {
		return [32]byte{}, err
	}

	return *secret, nil
}

// commitPoint returns the per-commitment point of our commitment at the
// given height.
func (k *channelKeys) commitPoint(height uint64) (*btcec.PublicKey, error) {
	secret, err := k.commitSecret(height)
	if err != nil {
		return nil, err
	}

	return input.ComputeCommitmentPoint(secret[:]), nil
}
