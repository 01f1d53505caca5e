package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/danmuck/headunit/internal/protocol/session"
)

const namespace = "headunit"

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"service", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "method", "path", "status"},
	)
	meshFrames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mesh",
			Name:      "frames_total",
			Help:      "Frames put on or taken off the medium.",
		},
		[]string{"direction", "type"},
	)
	meshDispatch = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mesh",
			Name:      "dispatch_total",
			Help:      "Inbound frames by dispatch outcome.",
		},
		[]string{"outcome"},
	)
	meshViolations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mesh",
			Name:      "violations_total",
			Help:      "Inbound frames dropped as protocol violations.",
		},
		[]string{"category"},
	)
	deliveryFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "delivery_failures_total",
			Help:      "NEED_ACK frames that exhausted their attempts.",
		},
		[]string{"type"},
	)
	devices = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "devices",
			Help:      "Known devices by lifecycle state.",
		},
		[]string{"state"},
	)
	profileLoads = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "profile",
			Name:      "load_duration_seconds",
			Help:      "Time to push every chunk of a profile to a node.",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			meshFrames,
			meshDispatch,
			meshViolations,
			deliveryFailures,
			devices,
			profileLoads,
		)
	})
}

func RecordHTTPRequest(service, method, path string, status int, duration time.Duration) {
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(service, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(service, method, path, statusLabel).Observe(duration.Seconds())
}

// RecordFrame counts one frame; direction is "rx" or "tx".
func RecordFrame(direction, msgType string) {
	meshFrames.WithLabelValues(direction, msgType).Inc()
}

func RecordDispatch(outcome string) {
	meshDispatch.WithLabelValues(outcome).Inc()
}

func RecordViolation(category string) {
	meshViolations.WithLabelValues(category).Inc()
}

func RecordDeliveryFailure(msgType string) {
	deliveryFailures.WithLabelValues(msgType).Inc()
}

// SetDevices replaces the per-state device gauge. States missing from counts read zero.
func SetDevices(states []string, counts map[string]int) {
	for _, s := range states {
		devices.WithLabelValues(s).Set(float64(counts[s]))
	}
}

func RecordProfileLoad(d time.Duration) {
	profileLoads.Observe(d.Seconds())
}

// SessionCollector exports the cumulative counters of a session.Layer at scrape time.
// Every series carries a constant service label, so collectors of differently
// named services register side by side.
type SessionCollector struct {
	stats   func() session.Stats
	pending func() int
	descs   map[string]*prometheus.Desc
	pendDsc *prometheus.Desc
}

func NewSessionCollector(service string, stats func() session.Stats, pending func() int) *SessionCollector {
	labels := prometheus.Labels{"service": service}
	names := map[string]string{
		"sent_total":           "Frames sent by the session layer, retransmissions excluded.",
		"retransmits_total":    "Retransmissions of unacknowledged frames.",
		"acked_total":          "Pending frames settled by an ACK.",
		"duplicates_total":     "Inbound frames suppressed as duplicates.",
		"acks_sent_total":      "ACK frames sent.",
		"unmatched_acks_total": "ACK frames with no pending entry.",
	}
	descs := make(map[string]*prometheus.Desc, len(names))
	for name, help := range names {
		descs[name] = prometheus.NewDesc(prometheus.BuildFQName(namespace, "session", name), help, nil, labels)
	}
	return &SessionCollector{
		stats:   stats,
		pending: pending,
		descs:   descs,
		pendDsc: prometheus.NewDesc(prometheus.BuildFQName(namespace, "session", "pending_acks"),
			"Frames waiting for an ACK.", nil, labels),
	}
}

func (c *SessionCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range c.descs {
		ch <- d
	}
	ch <- c.pendDsc
}

func (c *SessionCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.stats()
	values := map[string]uint64{
		"sent_total":           s.Sent,
		"retransmits_total":    s.Retransmits,
		"acked_total":          s.Acked,
		"duplicates_total":     s.Duplicates,
		"acks_sent_total":      s.AcksSent,
		"unmatched_acks_total": s.UnmatchedAcks,
	}
	for name, v := range values {
		ch <- prometheus.MustNewConstMetric(c.descs[name], prometheus.CounterValue, float64(v))
	}
	ch <- prometheus.MustNewConstMetric(c.pendDsc, prometheus.GaugeValue, float64(c.pending()))
}
