// Package metrics holds the Prometheus instruments of the replication engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for a device or relay process.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	UpdatesPushed    *prometheus.CounterVec
	UpdatesQueued    prometheus.Counter
	UpdatesApplied   *prometheus.CounterVec
	DuplicateUpdates prometheus.Counter
	SyncDuration     *prometheus.HistogramVec
	SyncErrors       *prometheus.CounterVec
	QueueDepth       prometheus.Gauge
	DecryptFailures  prometheus.Counter
	Consolidations   prometheus.Counter
	RelayRecords     prometheus.Counter
	RelaySubscribers prometheus.Gauge
}

// New creates and registers all metrics on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		UpdatesPushed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ledgersync_updates_pushed_total",
			Help: "Update pushes attempted against the relay, by result",
		}, []string{"result"}),
		UpdatesQueued: f.NewCounter(prometheus.CounterOpts{
			Name: "ledgersync_updates_queued_total",
			Help: "Updates placed in the offline queue",
		}),
		UpdatesApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ledgersync_updates_applied_total",
			Help: "Remote updates imported into the local document, by source",
		}, []string{"source"}),
		DuplicateUpdates: f.NewCounter(prometheus.CounterOpts{
			Name: "ledgersync_duplicate_updates_total",
			Help: "Remote updates delivered more than once",
		}),
		SyncDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ledgersync_sync_duration_seconds",
			Help:    "Duration of sync runs",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
		SyncErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ledgersync_sync_errors_total",
			Help: "Failed sync runs, by kind",
		}, []string{"kind"}),
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "ledgersync_offline_queue_depth",
			Help: "Operations waiting in the offline queue",
		}),
		DecryptFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "ledgersync_decrypt_failures_total",
			Help: "Entries skipped because no held key could open them",
		}),
		Consolidations: f.NewCounter(prometheus.CounterOpts{
			Name: "ledgersync_consolidations_total",
			Help: "Snapshot consolidations performed",
		}),
		RelayRecords: f.NewCounter(prometheus.CounterOpts{
			Name: "ledgersync_relay_records_total",
			Help: "Update records accepted by the relay",
		}),
		RelaySubscribers: f.NewGauge(prometheus.GaugeOpts{
			Name: "ledgersync_relay_subscribers",
			Help: "Open subscription streams on the relay",
		}),
	}
}

// IncPushed counts a push attempt with result "ok" or "error".
func (m *Metrics) IncPushed(result string) {
	if m == nil {
		return
	}
	m.UpdatesPushed.WithLabelValues(result).Inc()
}

// IncQueued counts an offline enqueue.
func (m *Metrics) IncQueued() {
	if m == nil {
		return
	}
	m.UpdatesQueued.Inc()
}

// IncApplied counts an imported remote update from source ("sync" or "live").
func (m *Metrics) IncApplied(source string) {
	if m == nil {
		return
	}
	m.UpdatesApplied.WithLabelValues(source).Inc()
}

// IncDuplicate counts a repeated delivery.
func (m *Metrics) IncDuplicate() {
	if m == nil {
		return
	}
	m.DuplicateUpdates.Inc()
}

// ObserveSync records the duration of a sync run of the given kind.
func (m *Metrics) ObserveSync(kind string, seconds float64) {
	if m == nil {
		return
	}
	m.SyncDuration.WithLabelValues(kind).Observe(seconds)
}

// IncSyncError counts a failed sync run of the given kind.
func (m *Metrics) IncSyncError(kind string) {
	if m == nil {
		return
	}
	m.SyncErrors.WithLabelValues(kind).Inc()
}

// SetQueueDepth sets the current offline queue depth.
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}

// IncDecryptFailure counts an entry that could not be decrypted.
func (m *Metrics) IncDecryptFailure() {
	if m == nil {
		return
	}
	m.DecryptFailures.Inc()
}

// IncConsolidation counts a snapshot consolidation.
func (m *Metrics) IncConsolidation() {
	if m == nil {
		return
	}
	m.Consolidations.Inc()
}

// IncRelayRecord counts a record accepted by the relay.
func (m *Metrics) IncRelayRecord() {
	if m == nil {
		return
	}
	m.RelayRecords.Inc()
}

// AddRelaySubscribers moves the relay subscriber gauge by delta.
func (m *Metrics) AddRelaySubscribers(delta int) {
	if m == nil {
		return
	}
	m.RelaySubscribers.Add(float64(delta))
}
