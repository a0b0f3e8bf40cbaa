package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/stratovm/heartbeatd/internal/queue"
	"github.com/stratovm/heartbeatd/internal/services"
)

// StatsCollector exports the pipeline's drop and error counters: queue
// rejections and evictions, undelivered heartbeats from a forced
// shutdown, receiver decode failures and updater tuple validation
// failures. The components already count these; the collector snapshots
// their Stats() structs on every scrape rather than duplicating the
// bookkeeping through the signal path.
type StatsCollector struct {
	queueStats    func() queue.Stats
	receiverStats func() services.ReceiverStats
	updaterStats  func() services.UpdaterStats

	rejectedDesc    *prometheus.Desc
	evictedDesc     *prometheus.Desc
	undeliveredDesc *prometheus.Desc
	decodeDesc      *prometheus.Desc
	validationDesc  *prometheus.Desc
}

// NewStatsCollector registers a collector over the given stats
// snapshot functions.
func NewStatsCollector(reg prometheus.Registerer, queueStats func() queue.Stats,
	receiverStats func() services.ReceiverStats, updaterStats func() services.UpdaterStats) *StatsCollector {

	c := &StatsCollector{
		queueStats:    queueStats,
		receiverStats: receiverStats,
		updaterStats:  updaterStats,
		rejectedDesc: prometheus.NewDesc("heartbeatd_queue_rejected_total",
			"Heartbeats rejected by the saturated queue under the drop-newest policy.", nil, nil),
		evictedDesc: prometheus.NewDesc("heartbeatd_queue_evicted_total",
			"Queued heartbeats evicted under the drop-oldest policy.", nil, nil),
		undeliveredDesc: prometheus.NewDesc("heartbeatd_queue_undelivered_total",
			"Queued heartbeats abandoned by a forced shutdown.", nil, nil),
		decodeDesc: prometheus.NewDesc("heartbeatd_decode_errors_total",
			"Inbound heartbeat messages dropped as undecodable or invalid.", nil, nil),
		validationDesc: prometheus.NewDesc("heartbeatd_validation_errors_total",
			"Malformed VM tuples skipped while applying heartbeats.", nil, nil),
	}
	reg.MustRegister(c)
	return c
}

// Describe implements prometheus.Collector.
func (c *StatsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.rejectedDesc
	ch <- c.evictedDesc
	ch <- c.undeliveredDesc
	ch <- c.decodeDesc
	ch <- c.validationDesc
}

// Collect implements prometheus.Collector.
func (c *StatsCollector) Collect(ch chan<- prometheus.Metric) {
	qs := c.queueStats()
	ch <- prometheus.MustNewConstMetric(c.rejectedDesc, prometheus.CounterValue, float64(qs.Rejected))
	ch <- prometheus.MustNewConstMetric(c.evictedDesc, prometheus.CounterValue, float64(qs.Evicted))
	ch <- prometheus.MustNewConstMetric(c.undeliveredDesc, prometheus.CounterValue, float64(qs.Undelivered))

	rs := c.receiverStats()
	ch <- prometheus.MustNewConstMetric(c.decodeDesc, prometheus.CounterValue, float64(rs.DecodeErrors))

	us := c.updaterStats()
	ch <- prometheus.MustNewConstMetric(c.validationDesc, prometheus.CounterValue, float64(us.ValidationErrors))
}
