package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the camera server.
type Metrics struct {
	registry              *prometheus.Registry
	requestsTotal         prometheus.Counter
	errorsTotal           prometheus.Counter
	togglesTotal          prometheus.Counter
	switchesTotal         prometheus.Counter
	segmentsWrittenTotal  prometheus.Counter
	segmentsEvictedTotal  prometheus.Counter
	segmentsDroppedTotal  prometheus.Counter
	framesCapturedTotal   prometheus.Counter
	framesDroppedTotal    prometheus.Counter
	deviceErrorsTotal     prometheus.Counter
	storeWriteErrorsTotal prometheus.Counter
	activeViewers         prometheus.Gauge
	storeSegments         prometheus.Gauge
	storeBytes            prometheus.Gauge
}

// New creates and registers Prometheus metrics for the camera server.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livecam_requests_total",
			Help: "Total number of HTTP requests received",
		}),
		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livecam_errors_total",
			Help: "Total number of HTTP responses with error status (4xx or 5xx)",
		}),
		togglesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livecam_toggles_total",
			Help: "Total number of accepted toggle requests",
		}),
		switchesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livecam_switches_total",
			Help: "Total number of completed device switches",
		}),
		segmentsWrittenTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livecam_segments_written_total",
			Help: "Total number of segments written to the stream store",
		}),
		segmentsEvictedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livecam_segments_evicted_total",
			Help: "Total number of segments evicted from the stream store",
		}),
		segmentsDroppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livecam_segments_dropped_total",
			Help: "Total number of segments dropped by the encoder queue",
		}),
		framesCapturedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livecam_frames_captured_total",
			Help: "Total number of frames read from the capture source",
		}),
		framesDroppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livecam_frames_dropped_total",
			Help: "Total number of frames dropped for slow viewers",
		}),
		deviceErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livecam_device_errors_total",
			Help: "Total number of device open failures and disconnects",
		}),
		storeWriteErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livecam_store_write_errors_total",
			Help: "Total number of failed segment writes",
		}),
		activeViewers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "livecam_active_viewers",
			Help: "Number of connected viewers",
		}),
		storeSegments: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "livecam_store_segments",
			Help: "Number of segments currently in the stream store",
		}),
		storeBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "livecam_store_bytes",
			Help: "Bytes currently held by the stream store",
		}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.errorsTotal,
		m.togglesTotal,
		m.switchesTotal,
		m.segmentsWrittenTotal,
		m.segmentsEvictedTotal,
		m.segmentsDroppedTotal,
		m.framesCapturedTotal,
		m.framesDroppedTotal,
		m.deviceErrorsTotal,
		m.storeWriteErrorsTotal,
		m.activeViewers,
		m.storeSegments,
		m.storeBytes,
	)

	return m
}

// All Inc/Set helpers are nil-safe so components can run without metrics
// (e.g. in tests).

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	if m != nil {
		m.requestsTotal.Inc()
	}
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	if m != nil {
		m.errorsTotal.Inc()
	}
}

// IncToggles increments the toggles counter.
func (m *Metrics) IncToggles() {
	if m != nil {
		m.togglesTotal.Inc()
	}
}

// IncSwitches increments the completed device switch counter.
func (m *Metrics) IncSwitches() {
	if m != nil {
		m.switchesTotal.Inc()
	}
}

// IncSegmentsWritten increments the segments written counter.
func (m *Metrics) IncSegmentsWritten() {
	if m != nil {
		m.segmentsWrittenTotal.Inc()
	}
}

// AddSegmentsEvicted adds n to the segments evicted counter.
func (m *Metrics) AddSegmentsEvicted(n int) {
	if m != nil && n > 0 {
		m.segmentsEvictedTotal.Add(float64(n))
	}
}

// IncSegmentsDropped increments the encoder queue drop counter.
func (m *Metrics) IncSegmentsDropped() {
	if m != nil {
		m.segmentsDroppedTotal.Inc()
	}
}

// IncFramesCaptured increments the captured frame counter.
func (m *Metrics) IncFramesCaptured() {
	if m != nil {
		m.framesCapturedTotal.Inc()
	}
}

// IncFramesDropped increments the slow-viewer frame drop counter.
func (m *Metrics) IncFramesDropped() {
	if m != nil {
		m.framesDroppedTotal.Inc()
	}
}

// IncDeviceErrors increments the device error counter.
func (m *Metrics) IncDeviceErrors() {
	if m != nil {
		m.deviceErrorsTotal.Inc()
	}
}

// IncStoreWriteErrors increments the failed segment write counter.
func (m *Metrics) IncStoreWriteErrors() {
	if m != nil {
		m.storeWriteErrorsTotal.Inc()
	}
}

// SetActiveViewers sets the connected viewers gauge.
func (m *Metrics) SetActiveViewers(n int) {
	if m != nil {
		m.activeViewers.Set(float64(n))
	}
}

// SetStoreOccupancy sets the store segment count and byte gauges.
func (m *Metrics) SetStoreOccupancy(segments int, bytes int64) {
	if m != nil {
		m.storeSegments.Set(float64(segments))
		m.storeBytes.Set(float64(bytes))
	}
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values
// (active viewers, store occupancy).
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
