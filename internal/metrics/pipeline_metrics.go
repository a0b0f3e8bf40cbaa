// Package metrics exposes the pipeline's published signals as prometheus
// series. It is strictly a consumer of the queue and updater observer
// interfaces: losing a scrape or a signal affects dashboards, never the
// cache.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/stratovm/heartbeatd/internal/models"
)

// PipelineMetrics implements queue.Listener and services.
// TransitionListener over a prometheus registry.
type PipelineMetrics struct {
	queueDepth    prometheus.Gauge
	queueInflight prometheus.Gauge
	pushesTotal   prometheus.Counter
	saturations   prometheus.Counter
	drains        prometheus.Counter
	transitions   *prometheus.CounterVec
}

// NewPipelineMetrics registers the pipeline series with reg.
func NewPipelineMetrics(reg prometheus.Registerer) *PipelineMetrics {
	factory := promauto.With(reg)
	return &PipelineMetrics{
		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "heartbeatd_queue_depth",
			Help: "Heartbeats waiting in the bounded queue after the last push.",
		}),
		queueInflight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "heartbeatd_queue_inflight",
			Help: "Heartbeats being applied at the time of the last push.",
		}),
		pushesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "heartbeatd_queue_pushes_total",
			Help: "Heartbeats admitted to the bounded queue.",
		}),
		saturations: factory.NewCounter(prometheus.CounterOpts{
			Name: "heartbeatd_queue_saturation_episodes_total",
			Help: "Times the queue transitioned into saturation.",
		}),
		drains: factory.NewCounter(prometheus.CounterOpts{
			Name: "heartbeatd_queue_drains_total",
			Help: "Times the queue and in-flight work returned to empty.",
		}),
		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "heartbeatd_vm_transitions_total",
			Help: "Observable per-VM state transitions by new zone state.",
		}, []string{"zone_state"}),
	}
}

// OnPush records the queue shape after an admission.
func (m *PipelineMetrics) OnPush(depth, inflight int) {
	m.pushesTotal.Inc()
	m.queueDepth.Set(float64(depth))
	m.queueInflight.Set(float64(inflight))
}

// OnSaturated counts one saturation episode.
func (m *PipelineMetrics) OnSaturated() {
	m.saturations.Inc()
}

// OnDrained counts one return-to-empty.
func (m *PipelineMetrics) OnDrained() {
	m.drains.Inc()
	m.queueDepth.Set(0)
	m.queueInflight.Set(0)
}

// OnVMTransition counts a per-VM state change.
func (m *PipelineMetrics) OnVMTransition(t models.VMTransition) {
	m.transitions.WithLabelValues(t.NewZoneState).Inc()
}
