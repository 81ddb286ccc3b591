// Package metrics defines the indexer's Prometheus instruments.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every instrument. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	EventsApplied   *prometheus.CounterVec
	EventsSkipped   *prometheus.CounterVec
	Anomalies       *prometheus.CounterVec
	WriteFailures   *prometheus.CounterVec
	MissingRows     *prometheus.CounterVec
	ResolverErrors  prometheus.Counter
	FetchErrors     *prometheus.CounterVec
	CursorBlock     *prometheus.GaugeVec
	TipBlock        prometheus.Gauge
	BatchDuration   *prometheus.HistogramVec
	StreamState     *prometheus.GaugeVec
	PublishFailures prometheus.Counter
}

// New creates the instruments and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EventsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "indexer_events_applied_total",
			Help: "Ledger events applied to the trade store",
		}, []string{"stream"}),
		EventsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "indexer_events_skipped_total",
			Help: "Ledger events skipped by the dedup gate",
		}, []string{"stream"}),
		Anomalies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "indexer_reconciliation_anomalies_total",
			Help: "Events applied in an unexpected trade state",
		}, []string{"stream", "stored", "target"}),
		WriteFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "indexer_write_failures_total",
			Help: "Events whose write failed after every retry",
		}, []string{"stream"}),
		MissingRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "indexer_missing_row_retries_total",
			Help: "Retries caused by a trade row that has not landed yet",
		}, []string{"stream"}),
		ResolverErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "indexer_bucket_resolver_errors_total",
			Help: "Price bucket lookups that failed",
		}),
		FetchErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "indexer_fetch_errors_total",
			Help: "Ledger range queries that failed",
		}, []string{"stream"}),
		CursorBlock: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "indexer_cursor_block",
			Help: "Last committed block per stream",
		}, []string{"stream"}),
		TipBlock: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "indexer_ledger_tip_block",
			Help: "Latest ledger block observed",
		}),
		BatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "indexer_backfill_batch_seconds",
			Help:    "Time to fetch and apply one backfill range",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"stream"}),
		StreamState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "indexer_stream_state",
			Help: "1 for the current runner state of each stream",
		}, []string{"stream", "state"}),
		PublishFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "indexer_change_publish_failures_total",
			Help: "Trade change notifications that could not be published",
		}),
	}

	reg.MustRegister(
		m.EventsApplied, m.EventsSkipped, m.Anomalies, m.WriteFailures,
		m.MissingRows, m.ResolverErrors, m.FetchErrors, m.CursorBlock,
		m.TipBlock, m.BatchDuration, m.StreamState, m.PublishFailures,
	)
	return m
}

func (m *Metrics) Applied(stream string) {
	if m != nil {
		m.EventsApplied.WithLabelValues(stream).Inc()
	}
}

func (m *Metrics) Skipped(stream string) {
	if m != nil {
		m.EventsSkipped.WithLabelValues(stream).Inc()
	}
}

func (m *Metrics) Anomaly(stream, stored, target string) {
	if m != nil {
		m.Anomalies.WithLabelValues(stream, stored, target).Inc()
	}
}

func (m *Metrics) WriteFailed(stream string) {
	if m != nil {
		m.WriteFailures.WithLabelValues(stream).Inc()
	}
}

func (m *Metrics) MissingRow(stream string) {
	if m != nil {
		m.MissingRows.WithLabelValues(stream).Inc()
	}
}

func (m *Metrics) ResolverFailed() {
	if m != nil {
		m.ResolverErrors.Inc()
	}
}

func (m *Metrics) FetchFailed(stream string) {
	if m != nil {
		m.FetchErrors.WithLabelValues(stream).Inc()
	}
}

func (m *Metrics) Cursor(stream string, block uint64) {
	if m != nil {
		m.CursorBlock.WithLabelValues(stream).Set(float64(block))
	}
}

func (m *Metrics) Tip(block uint64) {
	if m != nil {
		m.TipBlock.Set(float64(block))
	}
}

func (m *Metrics) Batch(stream string, d time.Duration) {
	if m != nil {
		m.BatchDuration.WithLabelValues(stream).Observe(d.Seconds())
	}
}

// State flips the stream's state gauge so exactly one state reads 1.
func (m *Metrics) State(stream, state string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		m.StreamState.WithLabelValues(stream, s).Set(v)
	}
}

func (m *Metrics) PublishFailed() {
	if m != nil {
		m.PublishFailures.Inc()
	}
}
