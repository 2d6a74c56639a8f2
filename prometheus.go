package cfdnode

import (
	"github.com/cfdlabs/cfdnode/build"
	"github.com/cfdlabs/cfdnode/chanstate"
	"github.com/prometheus/client_golang/prometheus"
)

// newRegistry creates the registry served on /metrics. Besides the given
// collectors of the components it exports node level gauges.
func newRegistry(s *server,
	collectors []prometheus.Collector) (*prometheus.Registry, error) {

	registry := prometheus.NewRegistry()

	versionGauge := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cfdnode_version",
			Help: "Version of cfdnode running.",
		},
		[]string{"version", "role"},
	)
	versionGauge.WithLabelValues(build.Version(), string(s.cfg.role)).Set(1)

	startTime := s.clock.Now()
	nodeCollectors := []prometheus.Collector{
		versionGauge,
		prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: "cfdnode_uptime_seconds",
				Help: "Uptime of cfdnode in seconds.",
			},
			func() float64 {
				return s.clock.Now().Sub(startTime).Seconds()
			},
		),

		// Could be a counter, but a reorg may move it back.
		prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: "cfdnode_block_height",
				Help: "Height of the best chain.",
			},
			func() float64 {
				return float64(s.channels.BestHeight())
			},
		),
		prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: "cfdnode_wallet_confirmed_balance_sats",
				Help: "Confirmed on-chain balance in satoshis.",
			},
			func() float64 {
				return float64(s.wallet.GetBalance().Confirmed)
			},
		),
		prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: "cfdnode_wallet_unconfirmed_balance_sats",
				Help: "Unconfirmed on-chain balance in satoshis.",
			},
			func() float64 {
				return float64(s.wallet.GetBalance().Unconfirmed)
			},
		),
		prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: "cfdnode_peers_connected",
				Help: "Number of connected peers.",
			},
			func() float64 {
				return float64(len(s.connMgr.ConnectedPeers()))
			},
		),
		newChannelsCollector(s.channels),
	}

	for _, c := range append(nodeCollectors, collectors...) {
		if err := registry.Register(c); err != nil {
			return nil, err
		}
	}

	return registry, nil
}

// channelLister is the part of the channel manager the collector reads.
type channelLister interface {
	ListChannels() []chanstate.ChannelDetails
}

// channelsCollector exports the channels of the node. A custom collector
// drops closed channels without having to reset gauge vectors.
type channelsCollector struct {
	channels channelLister

	countDesc         *prometheus.Desc
	localBalanceDesc  *prometheus.Desc
	remoteBalanceDesc *prometheus.Desc
	customOutputsDesc *prometheus.Desc
}

func newChannelsCollector(channels channelLister) *channelsCollector {
	byChannel := []string{"chan_id"}

	return &channelsCollector{
		channels: channels,
		countDesc: prometheus.NewDesc(
			"cfdnode_channels",
			"Number of channels by state.",
			[]string{"state"}, nil,
		),
		localBalanceDesc: prometheus.NewDesc(
			"cfdnode_channel_local_balance_msat",
			"Local balance of a channel in millisatoshis.",
			byChannel, nil,
		),
		remoteBalanceDesc: prometheus.NewDesc(
			"cfdnode_channel_remote_balance_msat",
			"Remote balance of a channel in millisatoshis.",
			byChannel, nil,
		),
		customOutputsDesc: prometheus.NewDesc(
			"cfdnode_channel_custom_outputs",
			"Number of custom outputs committed to a channel.",
			byChannel, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *channelsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.countDesc
	ch <- c.localBalanceDesc
	ch <- c.remoteBalanceDesc
	ch <- c.customOutputsDesc
}

// Collect implements prometheus.Collector.
func (c *channelsCollector) Collect(ch chan<- prometheus.Metric) {
	counts := map[chanstate.ChannelState]int{
		chanstate.StatePending: 0,
		chanstate.StateOpen:    0,
		chanstate.StateClosing: 0,
		chanstate.StateClosed:  0,
	}

	for _, channel := range c.channels.ListChannels() {
		counts[channel.State]++

		if channel.State != chanstate.StateOpen {
			continue
		}

		id := channel.ChanID.String()
		ch <- prometheus.MustNewConstMetric(
			c.localBalanceDesc, prometheus.GaugeValue,
			float64(channel.LocalBalance), id,
		)
		ch <- prometheus.MustNewConstMetric(
			c.remoteBalanceDesc, prometheus.GaugeValue,
			float64(channel.RemoteBalance), id,
		)
		ch <- prometheus.MustNewConstMetric(
			c.customOutputsDesc, prometheus.GaugeValue,
			float64(len(channel.CustomOutputs)), id,
		)
	}

	for state, count := range counts {
		ch <- prometheus.MustNewConstMetric(
			c.countDesc, prometheus.GaugeValue, float64(count),
			state.String(),
		)
	}
}
