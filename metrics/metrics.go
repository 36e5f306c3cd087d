package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var namespace = "alpaca"
var subsystem = "durablemap"

var (
	// PutsTotal stores the number of put/remove calls that appended a record
	PutsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "puts_total",
		Help:      "Number of puts that appended a record to the log, including tombstones",
	})

	// NoopPutsTotal stores the number of puts skipped because the stored value was equal
	NoopPutsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "noop_puts_total",
		Help:      "Number of puts skipped because the stored value was already equal",
	})

	// RemovesTotal stores the number of tombstones appended
	RemovesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "removes_total",
		Help:      "Number of tombstone records appended",
	})

	// GetsTotal stores the number of lookups partitioned by result
	GetsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "gets_total",
		Help:      "Number of lookups partitioned by result",
	}, []string{"result"})

	// CompactionsTotal stores the number of finished compactions
	CompactionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "compactions_total",
		Help:      "Number of finished compactions",
	})

	// CompactionDuration stores how long compactions took (in seconds)
	CompactionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "compaction_duration_seconds",
		Help:      "Seconds taken by a compaction",
	})

	// IndexRecoveriesTotal stores the number of index recoveries partitioned by policy
	IndexRecoveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "index_recoveries_total",
		Help:      "Number of indexes recovered on open partitioned by recovery policy",
	}, []string{"policy"})

	// CompactionScore stores the last computed compaction score
	CompactionScore = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "compaction_score",
		Help:      "Last computed estimate of the wasted fraction of the log",
	})

	// LiveEntries stores the number of live keys of the last inspected map
	LiveEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "live_entries",
		Help:      "Number of live keys of the last inspected map",
	})

	// TotalDiskUsageBytes stores the disk usage of the map files
	TotalDiskUsageBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "total_disk_usage_bytes",
		Help:      "Disk usage of the files under the root directory",
	})
)
