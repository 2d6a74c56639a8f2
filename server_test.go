package cfdnode

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/cfdlabs/cfdnode/cfddb"
	"github.com/cfdlabs/cfdnode/chanstate"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestLookupPreimage(t *testing.T) {
	clk := clock.NewTestClock(time.Unix(1_700_000_000, 0))
	store, err := cfddb.Open(
		filepath.Join(t.TempDir(), cfddb.DefaultDBFileName), clk,
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, store.Close())
	})

	s := &server{store: store}
	ctx := context.Background()

	inbound := lntypes.Preimage{1}
	outbound := lntypes.Preimage{2}
	for _, p := range []struct {
		preimage lntypes.Preimage
		flow     cfddb.PaymentFlow
	}{
		{inbound, cfddb.FlowInbound},
		{outbound, cfddb.FlowOutbound},
	} {
		err := store.InsertPayment(ctx, &cfddb.PaymentInfo{
			Hash:     p.preimage.Hash(),
			Preimage: fn.Some(p.preimage),
			Flow:     p.flow,
			Status:   cfddb.StatusPending,
		})
		require.NoError(t, err)
	}

	// Only our own invoices are claimed.
	got := s.lookupPreimage(ctx, inbound.Hash())
	require.Equal(t, fn.Some(inbound), got)

	require.True(t, s.lookupPreimage(ctx, outbound.Hash()).IsNone())
	require.True(t, s.lookupPreimage(ctx, lntypes.Hash{9}).IsNone())
}

type channelList []chanstate.ChannelDetails

func (c channelList) ListChannels() []chanstate.ChannelDetails {
	return c
}

func TestChannelsCollector(t *testing.T) {
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	channels := channelList{
		{
			ChanID:        lnwire.ChannelID{1},
			Peer:          priv.PubKey(),
			State:         chanstate.StateOpen,
			LocalBalance:  3000,
			RemoteBalance: 7000,
			CustomOutputs: make([]chanstate.CustomOutput, 1),
		},
		{
			ChanID: lnwire.ChannelID{2},
			Peer:   priv.PubKey(),
			State:  chanstate.StateClosed,
		},
	}

	registry := prometheus.NewRegistry()
	require.NoError(t, registry.Register(newChannelsCollector(channels)))

	// Four state counts plus three gauges of the open channel.
	require.Equal(t, 7, testutil.CollectAndCount(
		newChannelsCollector(channels),
	))

	expected := `
# HELP cfdnode_channel_local_balance_msat Local balance of a channel in millisatoshis.
# TYPE cfdnode_channel_local_balance_msat gauge
cfdnode_channel_local_balance_msat{chan_id="` + channels[0].ChanID.String() + `"} 3000
# HELP cfdnode_channels Number of channels by state.
# TYPE cfdnode_channels gauge
cfdnode_channels{state="` + chanstate.StateClosed.String() + `"} 1
cfdnode_channels{state="` + chanstate.StateClosing.String() + `"} 0
cfdnode_channels{state="` + chanstate.StateOpen.String() + `"} 1
cfdnode_channels{state="` + chanstate.StatePending.String() + `"} 0
`
	err = testutil.GatherAndCompare(
		registry, strings.NewReader(expected),
		"cfdnode_channel_local_balance_msat", "cfdnode_channels",
	)
	require.NoError(t, err)
}
