package chanstate

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/lnwire"
)

// A compile time check to ensure both chain followers are Confirmable.
var (
	_ Confirmable = (*Manager)(nil)
	_ Confirmable = (*ChainMonitor)(nil)
)

// GetRelevantTxids returns the funding transactions of open channels.
func (m *Manager) GetRelevantTxids() []chainhash.Hash {
	m.mu.Lock()
	defer m.mu.Unlock()

	var txids []chainhash.Hash
	for _, c := range m.channels {
		if c.State == StateOpen {
			txids = append(txids, c.FundingOutpoint.Hash)
		}
	}

	return txids
}

// TransactionsConfirmed assigns the short channel id of channels whose
// funding transaction confirmed.
func (m *Manager) TransactionsConfirmed(ctx context.Context,
	txs []ConfirmedTx) {

	var events []Event

	m.mu.Lock()
	for _, tx := range txs {
		for _, c := range m.channels {
			if c.State != StateOpen ||
				c.FundingOutpoint.Hash != tx.Txid ||
				c.ConfirmedHeight != 0 {

				continue
			}

			c.ConfirmedHeight = tx.BlockHeight
			c.ShortChanID = fn.Some(lnwire.ShortChannelID{
				BlockHeight: tx.BlockHeight,
				TxIndex:     tx.TxIndex,
				TxPosition:  uint16(c.FundingOutpoint.Index),
			})
			m.logCheckpoint(c)

			log.Infof("Funding of channel %v confirmed at height "+
				"%d", c.ChanID, tx.BlockHeight)

			evs, err := m.maybeSendChannelReady(ctx, c)
			if err != nil {
				log.Errorf("Unable to send channel ready for "+
					"%v: %v", c.ChanID, err)
			}
			events = append(events, evs...)
		}
	}
	m.mu.Unlock()

	m.publish(ctx, events)
}

// TransactionUnconfirmed resets the confirmation of a funding transaction
// that left the chain.
func (m *Manager) TransactionUnconfirmed(_ context.Context,
	txid chainhash.Hash) {

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, c := range m.channels {
		if c.FundingOutpoint.Hash != txid || c.ConfirmedHeight == 0 {
			continue
		}

		log.Warnf("Funding of channel %v reorged out at height %d",
			c.ChanID, c.ConfirmedHeight)

		c.ConfirmedHeight = 0
		c.ShortChanID = fn.None[lnwire.ShortChannelID]()
		m.logCheckpoint(c)
	}
}

// BestBlockUpdated records the tip and warns about HTLCs close to expiry.
func (m *Manager) BestBlockUpdated(_ context.Context, height uint32,
	hash chainhash.Hash) {

	m.mu.Lock()
	defer m.mu.Unlock()

	m.bestHeight = height
	m.bestHash = hash

	for _, c := range m.channels {
		if c.State != StateOpen {
			continue
		}
		for _, h := range c.localCommit.state.htlcs {
			if h.Expiry <= height+finalCltvSafety {
				log.Warnf("Channel %v: htlc %d (incoming=%v) "+
					"expires at %d, tip is %d", c.ChanID,
					h.ID, h.Incoming, h.Expiry, height)
			}
		}
	}
}

// BestHeight returns the last height seen by the manager.
func (m *Manager) BestHeight() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.bestHeight
}

// ChainMonitor watches the funding outputs of the manager's channels and
// resolves them once they are spent.
type ChainMonitor struct {
	mgr    *Manager
	source ChainSource
}

// NewChainMonitor creates a monitor for the channels of mgr.
func NewChainMonitor(mgr *Manager, source ChainSource) *ChainMonitor {
	return &ChainMonitor{
		mgr:    mgr,
		source: source,
	}
}

// GetRelevantTxids returns the closing transactions of closing channels.
func (cm *ChainMonitor) GetRelevantTxids() []chainhash.Hash {
	cm.mgr.mu.Lock()
	defer cm.mgr.mu.Unlock()

	var txids []chainhash.Hash
	for _, c := range cm.mgr.channels {
		if c.State != StateClosing {
			continue
		}
		if txid, ok := c.closingTxid(); ok {
			txids = append(txids, txid)
		}
	}

	return txids
}

// TransactionsConfirmed resolves channels whose closing transaction
// confirmed.
func (cm *ChainMonitor) TransactionsConfirmed(ctx context.Context,
	txs []ConfirmedTx) {

	for _, conf := range txs {
		tx, err := cm.source.GetTransaction(ctx, conf.Txid)
		if err != nil {
			log.Errorf("Unable to fetch closing tx %v: %v",
				conf.Txid, err)
			continue
		}

		events := cm.resolve(ctx, tx, conf.BlockHeight)
		cm.mgr.publish(ctx, events)
	}
}

// resolve settles the channel closed by tx.
func (cm *ChainMonitor) resolve(ctx context.Context, tx *wire.MsgTx,
	height uint32) []Event {

	m := cm.mgr
	m.mu.Lock()
	defer m.mu.Unlock()

	txid := tx.TxHash()
	for _, c := range m.channels {
		closing, ok := c.closingTxid()
		if c.State != StateClosing || !ok || closing != txid {
			continue
		}

		events, _, err := m.closeConfirmed(ctx, c, tx, height)
		if err != nil {
			log.Errorf("Unable to resolve channel %v: %v", c.ChanID,
				err)
		}

		return events
	}

	return nil
}

// TransactionUnconfirmed is a no-op, unconfirmed closing transactions are
// checked again on the next sync.
func (cm *ChainMonitor) TransactionUnconfirmed(context.Context,
	chainhash.Hash) {
}

// BestBlockUpdated checks the funding outputs of live channels for spends.
func (cm *ChainMonitor) BestBlockUpdated(ctx context.Context, _ uint32,
	_ chainhash.Hash) {

	type watched struct {
		chanID lnwire.ChannelID
		op     wire.OutPoint
	}

	m := cm.mgr
	m.mu.Lock()
	var outpoints []watched
	for _, c := range m.channels {
		if c.State == StateClosed || c.State == StatePending {
			continue
		}
		if c.ConfirmedHeight == 0 && !c.ZeroConf {
			continue
		}
		outpoints = append(outpoints, watched{c.ChanID, c.FundingOutpoint})
	}
	m.mu.Unlock()

	for _, w := range outpoints {
		spend, err := cm.source.GetOutSpend(ctx, w.op)
		if err != nil {
			log.Errorf("Unable to check funding output %v: %v",
				w.op, err)
			continue
		}

		spend.WhenSome(func(s OutSpend) {
			events := cm.fundingSpent(ctx, w.chanID, s.Txid)
			m.publish(ctx, events)
		})
	}
}

// fundingSpent marks a channel closed by spender.
func (cm *ChainMonitor) fundingSpent(ctx context.Context,
	chanID lnwire.ChannelID, spender chainhash.Hash) []Event {

	m := cm.mgr
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.channels[chanID]
	if !ok {
		return nil
	}
	if known, ok := c.closingTxid(); ok && known == spender {
		return nil
	}

	log.Warnf("Funding output of channel %v spent by %v", chanID, spender)

	wasLive := c.State == StateOpen
	m.terminate(c, ErrChannelClosing)
	c.ClosingTxid = fn.Some(spender)
	m.logCheckpoint(c)

	if !wasLive {
		return nil
	}

	return []Event{&ChannelClosed{
		ChanID: chanID,
		Reason: fmt.Sprintf("funding output spent by %v", spender),
	}}
}
