package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Layout metrics
	LayoutVersionCurrent = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "meridian_layout_version_current",
			Help: "Current committed cluster layout version id",
		},
	)

	LayoutVersionsLive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "meridian_layout_versions_live",
			Help: "Number of layout versions not yet sync_ack'd by every node",
		},
	)

	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "meridian_nodes_total",
			Help: "Total number of nodes known to this node's layout, by zone",
		},
		[]string{"zone"},
	)

	// Table engine metrics
	TableWritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meridian_table_writes_total",
			Help: "Total number of table writes by table and outcome",
		},
		[]string{"table", "outcome"},
	)

	TableWriteDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "meridian_table_write_duration_seconds",
			Help:    "Table write duration in seconds by table",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"table"},
	)

	TableReadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meridian_table_reads_total",
			Help: "Total number of table reads by table and outcome",
		},
		[]string{"table", "outcome"},
	)

	ReadRepairsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meridian_table_read_repairs_total",
			Help: "Total number of read-repair writes issued, by table",
		},
		[]string{"table"},
	)

	AntiEntropyRoundsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meridian_anti_entropy_rounds_total",
			Help: "Total number of anti-entropy sync rounds by table and outcome",
		},
		[]string{"table", "outcome"},
	)

	AntiEntropyRowsMerged = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meridian_anti_entropy_rows_merged_total",
			Help: "Total number of rows merged during anti-entropy, by table",
		},
		[]string{"table"},
	)

	// Quorum metrics
	QuorumFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meridian_quorum_failures_total",
			Help: "Total number of quorum failures by table and operation",
		},
		[]string{"table", "operation"},
	)

	// Block manager metrics
	BlocksStoredTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "meridian_blocks_stored_total",
			Help: "Number of blocks currently stored on disk by this node",
		},
	)

	BlockBytesStored = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "meridian_block_bytes_stored",
			Help: "Total bytes of block data stored on disk by this node",
		},
	)

	BlocksGCedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "meridian_blocks_gced_total",
			Help: "Total number of blocks removed by garbage collection",
		},
	)

	BlockResyncQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "meridian_block_resync_queue_depth",
			Help: "Number of blocks currently pending in the resync queue",
		},
	)

	BlockPutDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "meridian_block_put_duration_seconds",
			Help:    "Time taken to write a block with quorum in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	BlockGetDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "meridian_block_get_duration_seconds",
			Help:    "Time taken to fetch a block from a read node in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// RPC metrics
	RPCRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meridian_rpc_requests_total",
			Help: "Total number of RPC requests issued by this node, by message family and outcome",
		},
		[]string{"family", "outcome"},
	)

	RPCRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "meridian_rpc_request_duration_seconds",
			Help:    "RPC request duration in seconds by message family",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"family"},
	)

	// KV backend metrics
	KVTransactionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meridian_kv_transactions_total",
			Help: "Total number of KV transactions by outcome",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(LayoutVersionCurrent)
	prometheus.MustRegister(LayoutVersionsLive)
	prometheus.MustRegister(NodesTotal)

	prometheus.MustRegister(TableWritesTotal)
	prometheus.MustRegister(TableWriteDuration)
	prometheus.MustRegister(TableReadsTotal)
	prometheus.MustRegister(ReadRepairsTotal)
	prometheus.MustRegister(AntiEntropyRoundsTotal)
	prometheus.MustRegister(AntiEntropyRowsMerged)
	prometheus.MustRegister(QuorumFailuresTotal)

	prometheus.MustRegister(BlocksStoredTotal)
	prometheus.MustRegister(BlockBytesStored)
	prometheus.MustRegister(BlocksGCedTotal)
	prometheus.MustRegister(BlockResyncQueueDepth)
	prometheus.MustRegister(BlockPutDuration)
	prometheus.MustRegister(BlockGetDuration)

	prometheus.MustRegister(RPCRequestsTotal)
	prometheus.MustRegister(RPCRequestDuration)

	prometheus.MustRegister(KVTransactionsTotal)
}

// Handler returns the HTTP handler that exposes the Prometheus registry
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures elapsed wall-clock time for a single operation
type Timer struct {
	start time.Time
}

// NewTimer starts a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time on a plain histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(t.Duration().Seconds())
}

// ObserveDurationVec records the elapsed time on a labeled histogram
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(t.Duration().Seconds())
}

// Duration returns the elapsed time since the timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
