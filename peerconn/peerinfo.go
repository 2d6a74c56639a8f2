package peerconn

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/lnwire"
)

// ErrInvalidPeerInfo is returned for peers not in pubkey@host:port form.
var ErrInvalidPeerInfo = errors.New("invalid peer info")

// PeerInfo is the identity and address of a counterparty.
type PeerInfo struct {
	PubKey *btcec.PublicKey
	Addr   string
}

// ParsePeerInfo parses a peer given as pubkey@host:port.
func ParsePeerInfo(s string) (PeerInfo, error) {
	pubStr, addr, ok := strings.Cut(strings.TrimSpace(s), "@")
	if !ok {
		return PeerInfo{}, fmt.Errorf("%w: expected pubkey@host:port, "+
			"got %q", ErrInvalidPeerInfo, s)
	}

	pubBytes, err := hex.DecodeString(pubStr)
	if err != nil {
		return PeerInfo{}, fmt.Errorf("%w: pubkey: %v",
			ErrInvalidPeerInfo, err)
	}
	pub, err := btcec.ParsePubKey(pubBytes)
	if err != nil {
		return PeerInfo{}, fmt.Errorf("%w: pubkey: %v",
			ErrInvalidPeerInfo, err)
	}

	if _, _, err := net.SplitHostPort(addr); err != nil {
		return PeerInfo{}, fmt.Errorf("%w: address: %v",
			ErrInvalidPeerInfo, err)
	}

	return PeerInfo{PubKey: pub, Addr: addr}, nil
}

// String returns the peer in pubkey@host:port form.
func (p PeerInfo) String() string {
	return fmt.Sprintf("%x@%s", p.PubKey.SerializeCompressed(), p.Addr)
}

// netAddress resolves the peer into the address form of the transport.
func (p PeerInfo) netAddress(chain wire.BitcoinNet) (*lnwire.NetAddress,
	error) {

	addr, err := net.ResolveTCPAddr("tcp", p.Addr)
	if err != nil {
		return nil, err
	}

	return &lnwire.NetAddress{
		IdentityKey: p.PubKey,
		Address:     addr,
		ChainNet:    chain,
	}, nil
}
