// Package xlatmetrics provides Prometheus metrics for the translation
// pipeline's data plane: per-direction packet counts, drops, ICMP errors
// emitted by the internal router, and refragmentation activity. Not named
// by the translation spec itself, but the ambient observability surface
// the teacher daemon always carries alongside its data plane.
package xlatmetrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// -------------------------------------------------------------------------
// Prometheus Metric Constants
// -------------------------------------------------------------------------

const (
	namespace = "nat64"
	subsystem = "xlat"
)

// Label names.
const (
	labelDirection = "direction" // "4to6" or "6to4"
	labelWorker    = "worker"
	labelReason    = "reason"
	labelICMPKind  = "kind" // e.g. "time_exceeded", "frag_needed", "packet_too_big"
)

// -------------------------------------------------------------------------
// Collector — Prometheus Translation Metrics
// -------------------------------------------------------------------------

// Collector holds all translator Prometheus metrics.
type Collector struct {
	// PacketsIn counts packets read off the device per worker.
	PacketsIn *prometheus.CounterVec

	// PacketsOut counts packets successfully translated and written, per
	// direction.
	PacketsOut *prometheus.CounterVec

	// PacketsDropped counts silently-dropped packets, labeled by the
	// validation reason that caused the drop.
	PacketsDropped *prometheus.CounterVec

	// ICMPEmitted counts ICMP/ICMPv6 errors synthesized by the internal
	// router, labeled by kind.
	ICMPEmitted *prometheus.CounterVec

	// FragmentsOut counts fragments emitted during refragmentation, per
	// direction.
	FragmentsOut *prometheus.CounterVec

	// ActiveWorkers reports the number of worker goroutines currently
	// running their read loop.
	ActiveWorkers prometheus.Gauge
}

// NewCollector creates a Collector with all metrics registered against reg.
// If reg is nil, prometheus.DefaultRegisterer is used.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.PacketsIn,
		c.PacketsOut,
		c.PacketsDropped,
		c.ICMPEmitted,
		c.FragmentsOut,
		c.ActiveWorkers,
	)

	return c
}

// newMetrics creates all Prometheus metric vectors without registering them.
func newMetrics() *Collector {
	return &Collector{
		PacketsIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "packets_in_total",
			Help:      "Total packets read from the device, per worker.",
		}, []string{labelWorker}),

		PacketsOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "packets_out_total",
			Help:      "Total packets successfully translated and written, per direction.",
		}, []string{labelDirection}),

		PacketsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "packets_dropped_total",
			Help:      "Total packets silently dropped, per validation reason.",
		}, []string{labelDirection, labelReason}),

		ICMPEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "icmp_emitted_total",
			Help:      "Total ICMP/ICMPv6 error messages synthesized by the internal router.",
		}, []string{labelICMPKind}),

		FragmentsOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "fragments_out_total",
			Help:      "Total fragments emitted during outbound-MTU-driven refragmentation.",
		}, []string{labelDirection}),

		ActiveWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "active_workers",
			Help:      "Number of worker goroutines currently running their read loop.",
		}),
	}
}

// -------------------------------------------------------------------------
// Recording helpers
// -------------------------------------------------------------------------

// IncPacketsIn increments the per-worker inbound packet counter.
func (c *Collector) IncPacketsIn(worker int) {
	c.PacketsIn.WithLabelValues(workerLabel(worker)).Inc()
}

// IncPacketsOut increments the per-direction outbound packet counter.
func (c *Collector) IncPacketsOut(direction string) {
	c.PacketsOut.WithLabelValues(direction).Inc()
}

// IncPacketsDropped increments the drop counter for direction/reason.
func (c *Collector) IncPacketsDropped(direction, reason string) {
	c.PacketsDropped.WithLabelValues(direction, reason).Inc()
}

// IncICMPEmitted increments the internal-router ICMP-emission counter.
func (c *Collector) IncICMPEmitted(kind string) {
	c.ICMPEmitted.WithLabelValues(kind).Inc()
}

// IncFragmentsOut increments the refragmentation counter for direction by n.
func (c *Collector) IncFragmentsOut(direction string, n int) {
	c.FragmentsOut.WithLabelValues(direction).Add(float64(n))
}

// SetActiveWorkers sets the active-worker gauge.
func (c *Collector) SetActiveWorkers(n int) {
	c.ActiveWorkers.Set(float64(n))
}

func workerLabel(worker int) string {
	return strconv.Itoa(worker)
}
