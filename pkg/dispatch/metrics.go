// Prometheus metrics collection for federation dispatch.
package dispatch

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks dispatch outcomes and syncs with Prometheus.
type Metrics struct {
	mu           sync.RWMutex
	matrixSent   int64
	overlaySent  int64
	fallbacks    int64
	timeouts     int64
	resolved     int64
	envelopes    int64
	eventsRouted int64
}

// NewMetrics creates a new dispatch metrics collector.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// RecordRequest records one completed outbound federation request.
func (m *Metrics) RecordRequest(transport string) {
	m.mu.Lock()
	switch transport {
	case TransportMycelium:
		m.overlaySent++
	default:
		m.matrixSent++
	}
	m.mu.Unlock()
	federationRequests.WithLabelValues(transport).Inc()
}

// RecordFallback records an overlay submission failure that fell back
// to the Matrix transport.
func (m *Metrics) RecordFallback() {
	m.mu.Lock()
	m.fallbacks++
	m.mu.Unlock()
	overlayFallbacks.Inc()
}

// RecordTimeout records an overlay wait that expired without a
// response.
func (m *Metrics) RecordTimeout() {
	m.mu.Lock()
	m.timeouts++
	m.mu.Unlock()
	overlayTimeouts.Inc()
}

// RecordResolved records a peer response delivered to its pending slot.
func (m *Metrics) RecordResolved(latency time.Duration) {
	m.mu.Lock()
	m.resolved++
	m.mu.Unlock()
	overlayResolved.Inc()
	overlayResponseTime.Observe(latency.Seconds())
}

// RecordEnvelope records one inbound overlay envelope.
func (m *Metrics) RecordEnvelope(topic string) {
	m.mu.Lock()
	m.envelopes++
	m.mu.Unlock()
	envelopesReceived.WithLabelValues(topic).Inc()
}

// RecordEventRouted records a Matrix event pushed to a peer over the
// overlay.
func (m *Metrics) RecordEventRouted() {
	m.mu.Lock()
	m.eventsRouted++
	m.mu.Unlock()
	eventsRouted.Inc()
}

// SetOverlayUp publishes the overlay health probe result.
func (m *Metrics) SetOverlayUp(up bool) {
	if up {
		overlayUp.Set(1)
	} else {
		overlayUp.Set(0)
	}
}

// UpdateGauges updates the route table and pending registry sizes.
func (m *Metrics) UpdateGauges(routes, pending int) {
	routeTableSize.Set(float64(routes))
	pendingSlots.Set(float64(pending))
}

// Snapshot returns a copy of the local counters.
func (m *Metrics) Snapshot() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return map[string]int64{
		"matrix_sent":   m.matrixSent,
		"overlay_sent":  m.overlaySent,
		"fallbacks":     m.fallbacks,
		"timeouts":      m.timeouts,
		"resolved":      m.resolved,
		"envelopes":     m.envelopes,
		"events_routed": m.eventsRouted,
	}
}

var (
	// Counter metrics
	federationRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_federation_requests_total",
			Help: "Total number of outbound federation requests by transport",
		},
		[]string{"transport"},
	)

	overlayFallbacks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bridge_overlay_fallbacks_total",
			Help: "Total number of overlay submissions that fell back to Matrix",
		},
	)

	overlayTimeouts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bridge_overlay_timeouts_total",
			Help: "Total number of overlay waits that expired without a response",
		},
	)

	overlayResolved = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bridge_overlay_resolved_total",
			Help: "Total number of overlay responses delivered to pending slots",
		},
	)

	envelopesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_envelopes_received_total",
			Help: "Total number of inbound overlay envelopes by topic",
		},
		[]string{"topic"},
	)

	eventsRouted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bridge_events_routed_total",
			Help: "Total number of Matrix events pushed to peers over the overlay",
		},
	)

	// Gauge metrics
	overlayUp = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bridge_overlay_up",
			Help: "Whether the last overlay health probe succeeded",
		},
	)

	routeTableSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bridge_route_table_size",
			Help: "Current number of federation routes",
		},
	)

	pendingSlots = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bridge_pending_slots",
			Help: "Current number of reserved pending-call slots",
		},
	)

	// Histogram metrics
	overlayResponseTime = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bridge_overlay_response_seconds",
			Help:    "Time from overlay submission to peer response",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
	)
)

func init() {
	prometheus.MustRegister(
		federationRequests,
		overlayFallbacks,
		overlayTimeouts,
		overlayResolved,
		envelopesReceived,
		eventsRouted,
		overlayUp,
		routeTableSize,
		pendingSlots,
		overlayResponseTime,
	)
}
