package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	Namespace = "headersync"

	// Status label values for success/error metrics
	StatusSuccess = "success"
	StatusError   = "error"
)

// Labels holds constant labels applied to all metrics. These distinguish
// metrics from multiple sync instances scraping into one Prometheus.
type Labels struct {
	Network     string // Dash network name (e.g., "mainnet", "testnet")
	Environment string // Deployment environment (e.g., "production", "staging")
	Region      string // Cloud region (e.g., "us-east-1")
}

// toPrometheusLabels converts Labels to prometheus.Labels map.
// Only non-empty labels are included to avoid empty label values.
func (l Labels) toPrometheusLabels() prometheus.Labels {
	labels := prometheus.Labels{}
	if l.Network != "" {
		labels["network"] = l.Network
	}
	if l.Environment != "" {
		labels["environment"] = l.Environment
	}
	if l.Region != "" {
		labels["region"] = l.Region
	}
	return labels
}

type Metrics struct {
	// Reader state
	liveSubStreams  prometheus.Gauge
	lastKnownHeight prometheus.Gauge

	// Processing counters
	headersProcessed prometheus.Counter
	batchesRejected  prometheus.Counter
	streamRetries    prometheus.Counter
	streamErrors     prometheus.Counter
	reconnects       prometheus.Counter

	// Batch shape
	batchSize prometheus.Histogram

	// Sink outcomes
	sinkWrites *prometheus.CounterVec
}

// New creates a Metrics instance and registers all metrics with the provided
// registerer. Returns an error if any registration fails.
func New(reg prometheus.Registerer) (*Metrics, error) {
	return NewWithLabels(reg, Labels{})
}

// NewWithLabels creates a Metrics instance with constant labels applied to
// all metrics.
func NewWithLabels(reg prometheus.Registerer, labels Labels) (*Metrics, error) {
	promLabels := labels.toPrometheusLabels()
	if len(promLabels) > 0 {
		reg = prometheus.WrapRegistererWith(promLabels, reg)
	}
	return newMetrics(reg)
}

func newMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		liveSubStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "live_sub_streams",
			Help:      "Number of live historical sub-streams",
		}),
		lastKnownHeight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "last_known_height",
			Help:      "Height of the last header seen on the continuous stream",
		}),
		headersProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "headers_processed_total",
			Help:      "Total headers delivered to the batch handler and accepted",
		}),
		batchesRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "batches_rejected_total",
			Help:      "Total header batches rejected by the chain",
		}),
		streamRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "stream_retries_total",
			Help:      "Total sub-stream replacements after transient transport errors",
		}),
		streamErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "stream_errors_total",
			Help:      "Total fatal stream errors surfaced to the provider",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "reconnects_total",
			Help:      "Total transparent reconnects of the continuous stream",
		}),
		batchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "batch_size_headers",
			Help:      "Headers per delivered batch",
			Buckets:   []float64{1, 2, 5, 10, 50, 100, 500, 1000, 5000, 20000, 50000},
		}),
		sinkWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "sink_writes_total",
			Help:      "Total sink write attempts by sink and status",
		}, []string{"sink", "status"}),
	}

	err := errors.Join(
		reg.Register(m.liveSubStreams),
		reg.Register(m.lastKnownHeight),
		reg.Register(m.headersProcessed),
		reg.Register(m.batchesRejected),
		reg.Register(m.streamRetries),
		reg.Register(m.streamErrors),
		reg.Register(m.reconnects),
		reg.Register(m.batchSize),
		reg.Register(m.sinkWrites),
	)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// SetLiveSubStreams updates the live sub-stream gauge.
func (m *Metrics) SetLiveSubStreams(n int) {
	if m == nil {
		return
	}
	m.liveSubStreams.Set(float64(n))
}

// SetLastKnownHeight updates the continuous-stream height gauge.
func (m *Metrics) SetLastKnownHeight(h uint32) {
	if m == nil {
		return
	}
	m.lastKnownHeight.Set(float64(h))
}

// AddHeadersProcessed records headers accepted by the handler.
func (m *Metrics) AddHeadersProcessed(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.headersProcessed.Add(float64(n))
}

// IncBatchesRejected records a chain-level batch rejection.
func (m *Metrics) IncBatchesRejected() {
	if m == nil {
		return
	}
	m.batchesRejected.Inc()
}

// IncStreamRetries records a sub-stream replacement.
func (m *Metrics) IncStreamRetries() {
	if m == nil {
		return
	}
	m.streamRetries.Inc()
}

// IncStreamErrors records a fatal stream error.
func (m *Metrics) IncStreamErrors() {
	if m == nil {
		return
	}
	m.streamErrors.Inc()
}

// IncReconnects records a transparent continuous-stream reconnect.
func (m *Metrics) IncReconnects() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

// ObserveBatchSize records the header count of a delivered batch.
func (m *Metrics) ObserveBatchSize(n int) {
	if m == nil {
		return
	}
	m.batchSize.Observe(float64(n))
}

// RecordSinkWrite records a sink write outcome. Pass nil error for success.
func (m *Metrics) RecordSinkWrite(sink string, err error) {
	if m == nil {
		return
	}
	status := StatusSuccess
	if err != nil {
		status = StatusError
	}
	m.sinkWrites.WithLabelValues(sink, status).Inc()
}
