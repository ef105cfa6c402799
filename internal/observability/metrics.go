package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for DerivLedger.
type Metrics struct {
	registry *prometheus.Registry

	// --- Core ---
	CallsApplied      *prometheus.CounterVec
	CallsRejected     *prometheus.CounterVec
	CallDuration      *prometheus.HistogramVec
	CallsDeduplicated *prometheus.CounterVec
	CoreSequence      *prometheus.GaugeVec
	CoreJournals      *prometheus.CounterVec
	StateTransitions  *prometheus.CounterVec
	TransferRollbacks *prometheus.CounterVec

	// --- Contract valuation ---
	Nav           *prometheus.GaugeVec
	LongBalance   *prometheus.GaugeVec
	ShortBalance  *prometheus.GaugeVec
	FeesCollected *prometheus.CounterVec
	FeeShortfall  *prometheus.CounterVec

	// --- Channels & backpressure ---
	ProjectionDrops     *prometheus.CounterVec
	PublishDrops        prometheus.Counter
	PersistBackpressure prometheus.Counter

	// --- Persistence ---
	PersistCallsWritten    prometheus.Counter
	PersistJournalsWritten prometheus.Counter
	PersistBatchSize       prometheus.Histogram
	PersistBatchDur        prometheus.Histogram
	PersistErrors          *prometheus.CounterVec
	PersistRetry           prometheus.Counter
	PersistLastSequence    *prometheus.GaugeVec

	// --- Snapshots & archive ---
	SnapshotTaken     prometheus.Counter
	SnapshotDuration  prometheus.Histogram
	SnapshotSizeBytes prometheus.Gauge
	ArchiveUploads    *prometheus.CounterVec

	// --- Projections ---
	ProjectionUpdateDur *prometheus.HistogramVec
	ProjectionRows      *prometheus.CounterVec

	// --- Ingestion & publishing ---
	IngestReceived   *prometheus.CounterVec
	IngestRejected   *prometheus.CounterVec
	NoticesPublished *prometheus.CounterVec

	// --- API ---
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// NewMetrics creates all metrics on a fresh registry. Each call is
// independent, so tests can build as many as they like.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	applyBuckets := []float64{0.00001, 0.00005, 0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.05}
	ioBuckets := []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1}

	return &Metrics{
		registry: reg,

		CallsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "deriv_core_calls_applied_total",
			Help: "Calls committed by a contract core",
		}, []string{"call_type"}),

		CallsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "deriv_core_calls_rejected_total",
			Help: "Calls rejected (duplicate, sequence, validation, transfer)",
		}, []string{"call_type", "reason"}),

		CallDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "deriv_core_call_apply_duration_seconds",
			Help:    "Time to apply one call, collaborator effects included",
			Buckets: applyBuckets,
		}, []string{"call_type"}),

		CallsDeduplicated: f.NewCounterVec(prometheus.CounterOpts{
			Name: "deriv_idempotency_duplicates_total",
			Help: "Duplicate calls caught per tier",
		}, []string{"tier"}),

		CoreSequence: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "deriv_core_sequence",
			Help: "Next call sequence per contract",
		}, []string{"contract"}),

		CoreJournals: f.NewCounterVec(prometheus.CounterOpts{
			Name: "deriv_core_journals_generated_total",
			Help: "Journal entries generated",
		}, []string{"journal_type"}),

		StateTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "deriv_core_state_transitions_total",
			Help: "Contract lifecycle transitions",
		}, []string{"from", "to"}),

		TransferRollbacks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "deriv_core_transfer_rollbacks_total",
			Help: "Collaborator effects compensated after a later effect failed",
		}, []string{"result"}),

		Nav: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "deriv_contract_nav",
			Help: "Net asset value of the long side",
		}, []string{"contract"}),

		LongBalance: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "deriv_contract_long_balance",
			Help: "Long margin balance",
		}, []string{"contract"}),

		ShortBalance: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "deriv_contract_short_balance",
			Help: "Short margin balance",
		}, []string{"contract"}),

		FeesCollected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "deriv_contract_fees_collected_total",
			Help: "Fees paid to the store, in margin currency units",
		}, []string{"contract", "kind"}),

		FeeShortfall: f.NewCounterVec(prometheus.CounterOpts{
			Name: "deriv_contract_fee_shortfall_total",
			Help: "Fees waived because the short balance could not cover them",
		}, []string{"contract"}),

		ProjectionDrops: f.NewCounterVec(prometheus.CounterOpts{
			Name: "deriv_projection_drops_total",
			Help: "Outputs dropped due to full projection channel",
		}, []string{"projection"}),

		PublishDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "deriv_publish_drops_total",
			Help: "Notices dropped due to full publish channel",
		}),

		PersistBackpressure: f.NewCounter(prometheus.CounterOpts{
			Name: "deriv_persist_backpressure_total",
			Help: "Times a core blocked on the persist channel",
		}),

		PersistCallsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "deriv_persist_calls_written_total",
			Help: "Call envelopes written to Postgres",
		}),

		PersistJournalsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "deriv_persist_journals_written_total",
			Help: "Journal rows written to Postgres",
		}),

		PersistBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "deriv_persist_batch_size",
			Help:    "Outputs per persistence flush",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}),

		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "deriv_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: ioBuckets,
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "deriv_persist_errors_total",
			Help: "Persistence failures by stage",
		}, []string{"stage"}),

		PersistRetry: f.NewCounter(prometheus.CounterOpts{
			Name: "deriv_persist_retries_total",
			Help: "Persistence flush retries",
		}),

		PersistLastSequence: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "deriv_persist_last_sequence",
			Help: "Last persisted call sequence per contract",
		}, []string{"contract"}),

		SnapshotTaken: f.NewCounter(prometheus.CounterOpts{
			Name: "deriv_snapshot_taken_total",
			Help: "Storage snapshots written",
		}),

		SnapshotDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "deriv_snapshot_duration_seconds",
			Help:    "Snapshot write duration",
			Buckets: ioBuckets,
		}),

		SnapshotSizeBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "deriv_snapshot_size_bytes",
			Help: "Size of the last snapshot",
		}),

		ArchiveUploads: f.NewCounterVec(prometheus.CounterOpts{
			Name: "deriv_archive_uploads_total",
			Help: "Settled contract archives uploaded",
		}, []string{"result"}),

		ProjectionUpdateDur: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "deriv_projection_update_duration_seconds",
			Help:    "Projection update duration",
			Buckets: ioBuckets,
		}, []string{"projection"}),

		ProjectionRows: f.NewCounterVec(prometheus.CounterOpts{
			Name: "deriv_projection_rows_total",
			Help: "Rows written by projections",
		}, []string{"projection"}),

		IngestReceived: f.NewCounterVec(prometheus.CounterOpts{
			Name: "deriv_ingest_received_total",
			Help: "Calls received from transports",
		}, []string{"transport", "call_type"}),

		IngestRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "deriv_ingest_rejected_total",
			Help: "Inbound messages that could not be parsed or routed",
		}, []string{"transport", "reason"}),

		NoticesPublished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "deriv_notices_published_total",
			Help: "Notices published per sink",
		}, []string{"sink", "kind"}),

		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "deriv_http_requests_total",
			Help: "HTTP requests by route and status",
		}, []string{"route", "method", "status"}),

		HTTPDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "deriv_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
