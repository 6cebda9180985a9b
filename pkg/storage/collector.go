package storage

import "github.com/prometheus/client_golang/prometheus"

// Collector exports engine and Pebble metrics to Prometheus.
type Collector struct {
	e *Engine

	eventsIngested   *prometheus.Desc
	eventsDuplicate  *prometheus.Desc
	failed           *prometheus.Desc
	compactionCount  *prometheus.Desc
	compactionDebt   *prometheus.Desc
	compactionActive *prometheus.Desc
	flushCount       *prometheus.Desc
	memtableSize     *prometheus.Desc
	walSize          *prometheus.Desc
	walBytesWritten  *prometheus.Desc
	diskUsage        *prometheus.Desc
}

func NewCollector(e *Engine) *Collector {
	return &Collector{
		e: e,

		eventsIngested: prometheus.NewDesc(
			"agentmemory_storage_events_ingested_total",
			"Events written by this process",
			nil, nil,
		),
		eventsDuplicate: prometheus.NewDesc(
			"agentmemory_storage_events_duplicate_total",
			"Ingestion requests for events that were already stored",
			nil, nil,
		),
		failed: prometheus.NewDesc(
			"agentmemory_storage_failed",
			"1 when the engine refuses writes after a fatal error",
			nil, nil,
		),
		compactionCount: prometheus.NewDesc(
			"agentmemory_pebble_compaction_count_total",
			"Total number of compactions performed",
			nil, nil,
		),
		compactionDebt: prometheus.NewDesc(
			"agentmemory_pebble_compaction_estimated_debt_bytes",
			"Estimated number of bytes that need to be compacted to reach a stable state",
			nil, nil,
		),
		compactionActive: prometheus.NewDesc(
			"agentmemory_pebble_compaction_in_progress",
			"Number of compactions currently running",
			nil, nil,
		),
		flushCount: prometheus.NewDesc(
			"agentmemory_pebble_flush_count_total",
			"Total number of memtable flushes",
			nil, nil,
		),
		memtableSize: prometheus.NewDesc(
			"agentmemory_pebble_memtable_size_bytes",
			"Current size of the memtable in bytes",
			nil, nil,
		),
		walSize: prometheus.NewDesc(
			"agentmemory_pebble_wal_size_bytes",
			"Size of the live WAL data in bytes",
			nil, nil,
		),
		walBytesWritten: prometheus.NewDesc(
			"agentmemory_pebble_wal_bytes_written_total",
			"Physical bytes written to the WAL",
			nil, nil,
		),
		diskUsage: prometheus.NewDesc(
			"agentmemory_pebble_disk_usage_bytes",
			"Total disk space used by the store",
			nil, nil,
		),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.eventsIngested
	ch <- c.eventsDuplicate
	ch <- c.failed
	ch <- c.compactionCount
	ch <- c.compactionDebt
	ch <- c.compactionActive
	ch <- c.flushCount
	ch <- c.memtableSize
	ch <- c.walSize
	ch <- c.walBytesWritten
	ch <- c.diskUsage
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(c.eventsIngested, prometheus.CounterValue, float64(c.e.ingested.Load()))
	ch <- prometheus.MustNewConstMetric(c.eventsDuplicate, prometheus.CounterValue, float64(c.e.duplicates.Load()))
	failed := 0.0
	if c.e.failed.Load() != nil {
		failed = 1
	}
	ch <- prometheus.MustNewConstMetric(c.failed, prometheus.GaugeValue, failed)

	m, ok := c.e.metrics()
	if !ok {
		return
	}
	ch <- prometheus.MustNewConstMetric(c.compactionCount, prometheus.CounterValue, float64(m.Compact.Count))
	ch <- prometheus.MustNewConstMetric(c.compactionDebt, prometheus.GaugeValue, float64(m.Compact.EstimatedDebt))
	ch <- prometheus.MustNewConstMetric(c.compactionActive, prometheus.GaugeValue, float64(m.Compact.NumInProgress))
	ch <- prometheus.MustNewConstMetric(c.flushCount, prometheus.CounterValue, float64(m.Flush.Count))
	ch <- prometheus.MustNewConstMetric(c.memtableSize, prometheus.GaugeValue, float64(m.MemTable.Size))
	ch <- prometheus.MustNewConstMetric(c.walSize, prometheus.GaugeValue, float64(m.WAL.Size))
	ch <- prometheus.MustNewConstMetric(c.walBytesWritten, prometheus.CounterValue, float64(m.WAL.BytesWritten))
	ch <- prometheus.MustNewConstMetric(c.diskUsage, prometheus.GaugeValue, float64(m.DiskSpaceUsage()))
}
