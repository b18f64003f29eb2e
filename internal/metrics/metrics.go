// Package metrics exposes iaxd's runtime state as Prometheus metrics,
// gathered at scrape time rather than pushed, the same way the teacher's
// collector works.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// EngineProvider exposes the bound engine's own counters.
type EngineProvider interface {
	ActiveTransactionCount() int
	CallNumbersInUse() int
	FloodGuardRejections() uint64
}

// TransactionStatsProvider aggregates frame-level counters across every
// frame the engine has sent or received, regardless of which transaction it
// belonged to.
type TransactionStatsProvider interface {
	FramesSent() uint64
	FramesRetransmitted() uint64
	FramesReceived() uint64
}

// TrunkStatusEntry represents one active outbound meta-trunk's status.
type TrunkStatusEntry struct {
	RemoteAddr string
	CallCount  int
}

// TrunkProvider exposes the set of active outbound trunk frames.
type TrunkProvider interface {
	ActiveTrunks() []TrunkStatusEntry
}

// LineStatusEntry represents one configured registration line's status.
type LineStatusEntry struct {
	Username string
	State    string // "LoggedOut", "Registering", "Registered", "Unregistering"
}

// LineProvider exposes the set of configured registration lines.
type LineProvider interface {
	Lines() []LineStatusEntry
}

// Collector is a prometheus.Collector that gathers iaxd metrics at scrape time.
type Collector struct {
	engine      EngineProvider
	txStats     TransactionStatsProvider
	trunks      TrunkProvider
	lines       LineProvider
	startTime   time.Time

	activeTransactionsDesc *prometheus.Desc
	callNumbersInUseDesc   *prometheus.Desc
	floodGuardRejectsDesc  *prometheus.Desc

	framesSentDesc          *prometheus.Desc
	framesRetransmittedDesc *prometheus.Desc
	framesReceivedDesc      *prometheus.Desc

	trunkCallCountDesc *prometheus.Desc
	lineStateDesc      *prometheus.Desc

	uptimeDesc *prometheus.Desc
}

// NewCollector creates a new metrics collector. Any provider may be nil if
// that subsystem is not wired into this process.
func NewCollector(
	engine EngineProvider,
	txStats TransactionStatsProvider,
	trunks TrunkProvider,
	lines LineProvider,
	startTime time.Time,
) *Collector {
	return &Collector{
		engine:    engine,
		txStats:   txStats,
		trunks:    trunks,
		lines:     lines,
		startTime: startTime,

		activeTransactionsDesc: prometheus.NewDesc(
			"iaxd_active_transactions",
			"Number of in-flight transactions (calls, registrations, pokes)",
			nil, nil,
		),
		callNumbersInUseDesc: prometheus.NewDesc(
			"iaxd_call_numbers_in_use",
			"Number of local call numbers currently allocated",
			nil, nil,
		),
		floodGuardRejectsDesc: prometheus.NewDesc(
			"iaxd_floodguard_rejections_total",
			"Total inbound New/RegReq/Poke attempts rejected by the flood guard",
			nil, nil,
		),
		framesSentDesc: prometheus.NewDesc(
			"iaxd_frames_sent_total",
			"Total full, mini and meta-video frames sent across all transactions",
			nil, nil,
		),
		framesRetransmittedDesc: prometheus.NewDesc(
			"iaxd_frames_retransmitted_total",
			"Total full frames retransmitted after timeout or VNAK",
			nil, nil,
		),
		framesReceivedDesc: prometheus.NewDesc(
			"iaxd_frames_received_total",
			"Total frames received across all transactions",
			nil, nil,
		),
		trunkCallCountDesc: prometheus.NewDesc(
			"iaxd_trunk_call_count",
			"Number of calls currently multiplexed onto an outbound meta-trunk",
			[]string{"remote_addr"}, nil,
		),
		lineStateDesc: prometheus.NewDesc(
			"iaxd_line_state",
			"Registration line state (1=in that state, 0=other)",
			[]string{"username", "state"}, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"iaxd_uptime_seconds",
			"Seconds since the iaxd process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeTransactionsDesc
	ch <- c.callNumbersInUseDesc
	ch <- c.floodGuardRejectsDesc
	ch <- c.framesSentDesc
	ch <- c.framesRetransmittedDesc
	ch <- c.framesReceivedDesc
	ch <- c.trunkCallCountDesc
	ch <- c.lineStateDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries all providers at
// scrape time; none of them touch the network or a database, so there is no
// need for the context-with-timeout the teacher's Collect used against its
// SQL-backed providers.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.engine != nil {
		ch <- prometheus.MustNewConstMetric(
			c.activeTransactionsDesc, prometheus.GaugeValue,
			float64(c.engine.ActiveTransactionCount()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.callNumbersInUseDesc, prometheus.GaugeValue,
			float64(c.engine.CallNumbersInUse()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.floodGuardRejectsDesc, prometheus.CounterValue,
			float64(c.engine.FloodGuardRejections()),
		)
	}

	if c.txStats != nil {
		ch <- prometheus.MustNewConstMetric(
			c.framesSentDesc, prometheus.CounterValue,
			float64(c.txStats.FramesSent()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.framesRetransmittedDesc, prometheus.CounterValue,
			float64(c.txStats.FramesRetransmitted()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.framesReceivedDesc, prometheus.CounterValue,
			float64(c.txStats.FramesReceived()),
		)
	}

	if c.trunks != nil {
		for _, t := range c.trunks.ActiveTrunks() {
			ch <- prometheus.MustNewConstMetric(
				c.trunkCallCountDesc, prometheus.GaugeValue,
				float64(t.CallCount), t.RemoteAddr,
			)
		}
	}

	if c.lines != nil {
		for _, l := range c.lines.Lines() {
			for _, state := range []string{"LoggedOut", "Registering", "Registered", "Unregistering"} {
				val := 0.0
				if l.State == state {
					val = 1.0
				}
				ch <- prometheus.MustNewConstMetric(
					c.lineStateDesc, prometheus.GaugeValue, val,
					l.Username, state,
				)
			}
		}
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}
