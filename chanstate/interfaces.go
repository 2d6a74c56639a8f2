package chanstate

import (
	"context"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwire"
)

// PeerMessenger delivers wire messages to connected peers. SendMessage
// must not block on the remote side processing the message.
type PeerMessenger interface {
	SendMessage(ctx context.Context, peer *btcec.PublicKey,
		msg lnwire.Message) error
}

// TxConfirmation locates a confirmed transaction.
type TxConfirmation struct {
	BlockHeight uint32
	BlockHash   chainhash.Hash

	// TxIndex is the position of the transaction in its block.
	TxIndex uint32
}

// OutSpend describes the spender of an outpoint.
type OutSpend struct {
	Txid chainhash.Hash

	// Confirmation is set once the spend confirmed.
	Confirmation fn.Option[TxConfirmation]
}

// ChainSource is the view of the chain the channel layer needs.
type ChainSource interface {
	// GetBestBlock returns the current tip.
	GetBestBlock(ctx context.Context) (uint32, chainhash.Hash, error)

	// GetTxConfirmation returns where txid confirmed, or None if it is
	// unconfirmed or unknown.
	GetTxConfirmation(ctx context.Context,
		txid chainhash.Hash) (fn.Option[TxConfirmation], error)

	// GetOutSpend returns the spender of op, or None if unspent.
	GetOutSpend(ctx context.Context,
		op wire.OutPoint) (fn.Option[OutSpend], error)

	// GetTransaction returns a transaction by id.
	GetTransaction(ctx context.Context,
		txid chainhash.Hash) (*wire.MsgTx, error)

	// BroadcastTx publishes tx.
	BroadcastTx(ctx context.Context, tx *wire.MsgTx) error
}

// PreimageLookup returns the preimage of one of our invoices.
type PreimageLookup func(ctx context.Context,
	hash lntypes.Hash) fn.Option[lntypes.Preimage]
