package metrics

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/flowpbx/webphone/internal/media"
)

// CallCounter exposes the number of calls held by the engine.
type CallCounter interface {
	CallCount() int
	MaxCalls() int
}

// AccountStatusEntry is the registration state of one account.
type AccountStatusEntry struct {
	URI        string
	Status     int
	Registered bool
}

// AccountStatusProvider exposes account registration states.
type AccountStatusProvider interface {
	AccountStatuses() []AccountStatusEntry
}

// AccountStatusFunc adapts a function to AccountStatusProvider.
type AccountStatusFunc func() []AccountStatusEntry

func (f AccountStatusFunc) AccountStatuses() []AccountStatusEntry { return f() }

// HistoryCounter returns recorded call counts grouped by direction.
type HistoryCounter interface {
	CountByDirection(ctx context.Context) (map[string]int64, error)
}

// RTPStatsProvider returns aggregate RTP statistics.
type RTPStatsProvider interface {
	MediaStats() (int, media.StreamStats)
}

// Collector is a prometheus.Collector that gathers webphone metrics at
// scrape time.
type Collector struct {
	calls     CallCounter
	accounts  AccountStatusProvider
	history   HistoryCounter
	rtp       RTPStatsProvider
	startTime time.Time
	logger    *slog.Logger

	activeCallsDesc        *prometheus.Desc
	maxCallsDesc           *prometheus.Desc
	accountRegisteredDesc  *prometheus.Desc
	callsTotalDesc         *prometheus.Desc
	rtpSessionsDesc        *prometheus.Desc
	rtpPacketsSentDesc     *prometheus.Desc
	rtpPacketsReceivedDesc *prometheus.Desc
	rtpPacketsDroppedDesc  *prometheus.Desc
	uptimeDesc             *prometheus.Desc
}

// NewCollector creates a new metrics collector. Any provider may be nil if
// unavailable.
func NewCollector(
	calls CallCounter,
	accounts AccountStatusProvider,
	history HistoryCounter,
	rtp RTPStatsProvider,
	startTime time.Time,
	logger *slog.Logger,
) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{
		calls:     calls,
		accounts:  accounts,
		history:   history,
		rtp:       rtp,
		startTime: startTime,
		logger:    logger.With("subsystem", "metrics"),

		activeCallsDesc: prometheus.NewDesc(
			"webphone_active_calls",
			"Number of calls currently held by the SIP engine",
			nil, nil,
		),
		maxCallsDesc: prometheus.NewDesc(
			"webphone_max_calls",
			"Configured maximum number of concurrent calls",
			nil, nil,
		),
		accountRegisteredDesc: prometheus.NewDesc(
			"webphone_account_registered",
			"Account registration state (1=registered, 0=other)",
			[]string{"account", "status"}, nil,
		),
		callsTotalDesc: prometheus.NewDesc(
			"webphone_calls_total",
			"Total number of ended calls (from call history)",
			[]string{"direction"}, nil,
		),
		rtpSessionsDesc: prometheus.NewDesc(
			"webphone_rtp_sessions_active",
			"Number of allocated RTP media sessions",
			nil, nil,
		),
		rtpPacketsSentDesc: prometheus.NewDesc(
			"webphone_rtp_packets_sent_total",
			"RTP packets sent across all active sessions",
			nil, nil,
		),
		rtpPacketsReceivedDesc: prometheus.NewDesc(
			"webphone_rtp_packets_received_total",
			"RTP packets received across all active sessions",
			nil, nil,
		),
		rtpPacketsDroppedDesc: prometheus.NewDesc(
			"webphone_rtp_packets_dropped_total",
			"RTP packets dropped across all active sessions",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"webphone_uptime_seconds",
			"Seconds since the webphone process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeCallsDesc
	ch <- c.maxCallsDesc
	ch <- c.accountRegisteredDesc
	ch <- c.callsTotalDesc
	ch <- c.rtpSessionsDesc
	ch <- c.rtpPacketsSentDesc
	ch <- c.rtpPacketsReceivedDesc
	ch <- c.rtpPacketsDroppedDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries all providers at
// scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if c.calls != nil {
		ch <- prometheus.MustNewConstMetric(
			c.activeCallsDesc, prometheus.GaugeValue,
			float64(c.calls.CallCount()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.maxCallsDesc, prometheus.GaugeValue,
			float64(c.calls.MaxCalls()),
		)
	}

	// One series per account, labelled with its last status code.
	if c.accounts != nil {
		for _, a := range c.accounts.AccountStatuses() {
			val := 0.0
			if a.Registered {
				val = 1.0
			}
			ch <- prometheus.MustNewConstMetric(
				c.accountRegisteredDesc, prometheus.GaugeValue, val,
				a.URI, strconv.Itoa(a.Status),
			)
		}
	}

	if c.history != nil {
		counts, err := c.history.CountByDirection(ctx)
		if err != nil {
			c.logger.Error("failed to count call history by direction", "error", err)
		} else {
			for _, dir := range []string{"inbound", "outbound"} {
				ch <- prometheus.MustNewConstMetric(
					c.callsTotalDesc, prometheus.CounterValue,
					float64(counts[dir]), dir,
				)
			}
		}
	}

	if c.rtp != nil {
		sessions, stats := c.rtp.MediaStats()
		ch <- prometheus.MustNewConstMetric(
			c.rtpSessionsDesc, prometheus.GaugeValue,
			float64(sessions),
		)
		ch <- prometheus.MustNewConstMetric(
			c.rtpPacketsSentDesc, prometheus.CounterValue,
			float64(stats.PacketsSent),
		)
		ch <- prometheus.MustNewConstMetric(
			c.rtpPacketsReceivedDesc, prometheus.CounterValue,
			float64(stats.PacketsReceived),
		)
		ch <- prometheus.MustNewConstMetric(
			c.rtpPacketsDroppedDesc, prometheus.CounterValue,
			float64(stats.PacketsDropped),
		)
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}
