// Package metrics provides Prometheus metrics for Custodia.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "custodia"
)

// Metrics contains all Prometheus metrics for the node.
type Metrics struct {
	// Session metrics
	SessionsActive  prometheus.Gauge
	SessionsTotal   *prometheus.CounterVec
	SessionDuration prometheus.Histogram

	// Message metrics
	MessagesReceived *prometheus.CounterVec
	MessageBytes     *prometheus.CounterVec
	MessagesRejected *prometheus.CounterVec
	ParseErrors      *prometheus.CounterVec

	// Direct response metrics
	ResponsesDelivered  *prometheus.CounterVec
	ResponsesDropped    *prometheus.CounterVec
	ResponseWaitTimeout prometheus.Counter
	ResponseWaitLatency prometheus.Histogram

	// Wallet metrics
	WalletsOpen          prometheus.Gauge
	WalletOpens          prometheus.Counter
	WalletCacheHits      prometheus.Counter
	WalletResolutions    prometheus.Counter
	WalletResolutionErrs *prometheus.CounterVec
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	m := &Metrics{
		// Session metrics
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of currently open inbound sessions",
		}),
		SessionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total inbound sessions by transport and outcome",
		}, []string{"transport", "outcome"}),
		SessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Histogram of inbound session duration in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}),

		// Message metrics
		MessagesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Total inbound messages by transport",
		}, []string{"transport"}),
		MessageBytes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "message_bytes_total",
			Help:      "Total inbound message bytes by transport",
		}, []string{"transport"}),
		MessagesRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_rejected_total",
			Help:      "Total inbound messages rejected before processing by reason",
		}, []string{"transport", "reason"}),
		ParseErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "parse_errors_total",
			Help:      "Total message parse failures by transport",
		}, []string{"transport"}),

		// Direct response metrics
		ResponsesDelivered: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "responses_delivered_total",
			Help:      "Total direct responses delivered by content kind",
		}, []string{"kind"}),
		ResponsesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "responses_dropped_total",
			Help:      "Total direct responses dropped by reason",
		}, []string{"reason"}),
		ResponseWaitTimeout: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "response_wait_timeouts_total",
			Help:      "Total response waits that ended without a payload",
		}),
		ResponseWaitLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "response_wait_latency_seconds",
			Help:      "Histogram of time spent waiting for a direct response",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}),

		// Wallet metrics
		WalletsOpen: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "wallets_open",
			Help:      "Number of currently open tenant wallets",
		}),
		WalletOpens: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "wallet_opens_total",
			Help:      "Total tenant wallet store opens",
		}),
		WalletCacheHits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "wallet_cache_hits_total",
			Help:      "Total tenant lookups served from the wallet cache",
		}),
		WalletResolutions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "wallet_resolutions_total",
			Help:      "Total tenant resolutions performed on inbound messages",
		}),
		WalletResolutionErrs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "wallet_resolution_errors_total",
			Help:      "Total tenant resolution failures by type",
		}, []string{"error_type"}),
	}

	return m
}

// RecordSessionOpen records a new inbound session.
func (m *Metrics) RecordSessionOpen() {
	m.SessionsActive.Inc()
}

// RecordSessionClose records an inbound session closing with its outcome.
func (m *Metrics) RecordSessionClose(transport, outcome string, durationSeconds float64) {
	m.SessionsActive.Dec()
	m.SessionsTotal.WithLabelValues(transport, outcome).Inc()
	m.SessionDuration.Observe(durationSeconds)
}

// RecordMessageReceived records an inbound message.
func (m *Metrics) RecordMessageReceived(transport string, bytes int) {
	m.MessagesReceived.WithLabelValues(transport).Inc()
	m.MessageBytes.WithLabelValues(transport).Add(float64(bytes))
}

// RecordMessageRejected records a message turned away before processing,
// for example by the rate limiter or the session limit.
func (m *Metrics) RecordMessageRejected(transport, reason string) {
	m.MessagesRejected.WithLabelValues(transport, reason).Inc()
}

// RecordParseError records a message parse failure.
func (m *Metrics) RecordParseError(transport string) {
	m.ParseErrors.WithLabelValues(transport).Inc()
}

// RecordResponseDelivered records a direct response handed to a waiter.
func (m *Metrics) RecordResponseDelivered(kind string, waitSeconds float64) {
	m.ResponsesDelivered.WithLabelValues(kind).Inc()
	m.ResponseWaitLatency.Observe(waitSeconds)
}

// RecordResponseDropped records a direct response with no consumer.
func (m *Metrics) RecordResponseDropped(reason string) {
	m.ResponsesDropped.WithLabelValues(reason).Inc()
}

// RecordResponseTimeout records a response wait ending without a payload.
func (m *Metrics) RecordResponseTimeout(waitSeconds float64) {
	m.ResponseWaitTimeout.Inc()
	m.ResponseWaitLatency.Observe(waitSeconds)
}

// RecordWalletOpen records a tenant wallet store open.
func (m *Metrics) RecordWalletOpen() {
	m.WalletsOpen.Inc()
	m.WalletOpens.Inc()
}

// RecordWalletClose records a tenant wallet store close.
func (m *Metrics) RecordWalletClose() {
	m.WalletsOpen.Dec()
}

// RecordWalletCacheHit records a tenant lookup served from cache.
func (m *Metrics) RecordWalletCacheHit() {
	m.WalletCacheHits.Inc()
}

// RecordWalletResolution records a tenant resolution attempt.
func (m *Metrics) RecordWalletResolution() {
	m.WalletResolutions.Inc()
}

// RecordWalletResolutionError records a tenant resolution failure.
func (m *Metrics) RecordWalletResolutionError(errorType string) {
	m.WalletResolutionErrs.WithLabelValues(errorType).Inc()
}
