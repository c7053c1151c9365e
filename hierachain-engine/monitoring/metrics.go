package monitoring

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Namespace prefixes every metric name.
const Namespace = "hierachain_pbft"

// Metrics holds all Prometheus metrics of one node.
type Metrics struct {
	// Message metrics
	MessagesReceived *prometheus.CounterVec
	MessagesRejected *prometheus.CounterVec
	MessagesSent     *prometheus.CounterVec

	// Consensus metrics
	PhaseTransitions   *prometheus.CounterVec
	ViewChanges        prometheus.Counter
	BlocksCommitted    prometheus.Counter
	StableCheckpoints  prometheus.Counter
	CurrentView        prometheus.Gauge
	CurrentSeqNum      prometheus.Gauge
	RoundLatency       prometheus.Histogram
	ValidationFailures prometheus.Counter
	BlocksFetched      prometheus.Counter
	MessageLogSize     prometheus.Gauge

	// System metrics
	MempoolSize       prometheus.Gauge
	WorkerPoolActive  prometheus.Gauge
	WorkerPoolPending prometheus.Gauge
}

// NewMetrics registers the metrics on reg. Each node needs its own registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		MessagesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "messages_received_total",
			Help:      "PBFT messages accepted by kind",
		}, []string{"kind"}),
		MessagesRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "messages_rejected_total",
			Help:      "PBFT messages rejected by reason",
		}, []string{"reason"}),
		MessagesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "messages_sent_total",
			Help:      "PBFT messages broadcast by kind",
		}, []string{"kind"}),

		PhaseTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "phase_transitions_total",
			Help:      "Phase transitions by target phase",
		}, []string{"phase"}),
		ViewChanges: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "view_changes_total",
			Help:      "Completed view changes",
		}),
		BlocksCommitted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "blocks_committed_total",
			Help:      "Blocks committed to the local chain",
		}),
		StableCheckpoints: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "stable_checkpoints_total",
			Help:      "Checkpoints that reached a quorum",
		}),
		CurrentView: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "view",
			Help:      "Current view number",
		}),
		CurrentSeqNum: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "seq_num",
			Help:      "Current sequence number",
		}),
		RoundLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "round_latency_seconds",
			Help:      "Time from round start to commit in seconds",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		ValidationFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "validation_failures_total",
			Help:      "Candidate blocks that failed validation",
		}),
		BlocksFetched: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "blocks_fetched_total",
			Help:      "Committed blocks adopted from peers while catching up",
		}),
		MessageLogSize: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "message_log_size",
			Help:      "Messages retained in the consensus log",
		}),

		MempoolSize: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "mempool_size",
			Help:      "Current number of pending transactions in mempool",
		}),
		WorkerPoolActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "worker_pool_active",
			Help:      "Number of validations in progress",
		}),
		WorkerPoolPending: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "worker_pool_pending",
			Help:      "Number of queued validations",
		}),
	}
}

// RecordReceived counts an accepted message.
func (m *Metrics) RecordReceived(kind string) {
	m.MessagesReceived.WithLabelValues(kind).Inc()
}

// RecordRejected counts a rejected message.
func (m *Metrics) RecordRejected(reason string) {
	m.MessagesRejected.WithLabelValues(reason).Inc()
}

// RecordSent counts a broadcast message.
func (m *Metrics) RecordSent(kind string) {
	m.MessagesSent.WithLabelValues(kind).Inc()
}

// RecordPhase counts a transition into phase.
func (m *Metrics) RecordPhase(phase string) {
	m.PhaseTransitions.WithLabelValues(phase).Inc()
}

// RecordCommit records a committed block and the round duration.
func (m *Metrics) RecordCommit(seq uint64, duration time.Duration) {
	m.BlocksCommitted.Inc()
	m.CurrentSeqNum.Set(float64(seq))
	if duration > 0 {
		m.RoundLatency.Observe(duration.Seconds())
	}
}

// RecordViewChange records a completed view change.
func (m *Metrics) RecordViewChange(view uint64) {
	m.ViewChanges.Inc()
	m.CurrentView.Set(float64(view))
}

// UpdatePosition sets the view and sequence gauges.
func (m *Metrics) UpdatePosition(view, seq uint64) {
	m.CurrentView.Set(float64(view))
	m.CurrentSeqNum.Set(float64(seq))
}

// UpdateMempoolSize updates the mempool gauge.
func (m *Metrics) UpdateMempoolSize(size int) {
	m.MempoolSize.Set(float64(size))
}

// UpdateWorkerPool updates worker pool gauges.
func (m *Metrics) UpdateWorkerPool(active, pending int) {
	m.WorkerPoolActive.Set(float64(active))
	m.WorkerPoolPending.Set(float64(pending))
}

// HealthFunc reports an error when the node is unhealthy.
type HealthFunc func() error

// MetricsServer runs an HTTP server exposing /metrics and /health.
type MetricsServer struct {
	server *http.Server
}

// NewMetricsServer creates a metrics server for the metrics gathered by g.
func NewMetricsServer(addr string, g prometheus.Gatherer, health HealthFunc) *MetricsServer {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if health != nil {
			if err := health(); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return &MetricsServer{
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Handler returns the HTTP handler, for tests.
func (s *MetricsServer) Handler() http.Handler {
	return s.server.Handler
}

// Start starts the metrics server (blocking). It returns nil after Stop.
func (s *MetricsServer) Start() error {
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully stops the metrics server.
func (s *MetricsServer) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
