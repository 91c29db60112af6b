package store

import (
	"github.com/cockroachdb/pebble"
	"github.com/prometheus/client_golang/prometheus"
)

// Collector exposes the health of the underlying pebble instance.
type Collector struct {
	db *pebble.DB

	compactionCount *prometheus.Desc
	compactionDebt  *prometheus.Desc
	memtableSize    *prometheus.Desc
	memtableCount   *prometheus.Desc
	walSize         *prometheus.Desc
	walBytesWritten *prometheus.Desc
	diskUsage       *prometheus.Desc
	flushCount      *prometheus.Desc
}

func NewCollector(db *pebble.DB) *Collector {
	return &Collector{
		db: db,

		compactionCount: prometheus.NewDesc(
			"musubi_store_compaction_count_total",
			"Total number of compactions performed",
			nil, nil,
		),
		compactionDebt: prometheus.NewDesc(
			"musubi_store_compaction_estimated_debt_bytes",
			"Estimated bytes to compact to reach a stable state",
			nil, nil,
		),
		memtableSize: prometheus.NewDesc(
			"musubi_store_memtable_size_bytes",
			"Current size of the memtables",
			nil, nil,
		),
		memtableCount: prometheus.NewDesc(
			"musubi_store_memtable_count",
			"Number of memtables",
			nil, nil,
		),
		walSize: prometheus.NewDesc(
			"musubi_store_wal_size_bytes",
			"Size of live WAL data in bytes",
			nil, nil,
		),
		walBytesWritten: prometheus.NewDesc(
			"musubi_store_wal_bytes_written_total",
			"Total physical bytes written to the WAL",
			nil, nil,
		),
		diskUsage: prometheus.NewDesc(
			"musubi_store_disk_usage_bytes",
			"Total disk space used by the store",
			nil, nil,
		),
		flushCount: prometheus.NewDesc(
			"musubi_store_flush_count_total",
			"Total number of memtable flushes",
			nil, nil,
		),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.compactionCount
	ch <- c.compactionDebt
	ch <- c.memtableSize
	ch <- c.memtableCount
	ch <- c.walSize
	ch <- c.walBytesWritten
	ch <- c.diskUsage
	ch <- c.flushCount
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	m := c.db.Metrics()

	ch <- prometheus.MustNewConstMetric(c.compactionCount, prometheus.CounterValue, float64(m.Compact.Count))
	ch <- prometheus.MustNewConstMetric(c.compactionDebt, prometheus.GaugeValue, float64(m.Compact.EstimatedDebt))
	ch <- prometheus.MustNewConstMetric(c.memtableSize, prometheus.GaugeValue, float64(m.MemTable.Size))
	ch <- prometheus.MustNewConstMetric(c.memtableCount, prometheus.GaugeValue, float64(m.MemTable.Count))
	ch <- prometheus.MustNewConstMetric(c.walSize, prometheus.GaugeValue, float64(m.WAL.Size))
	ch <- prometheus.MustNewConstMetric(c.walBytesWritten, prometheus.CounterValue, float64(m.WAL.BytesWritten))
	ch <- prometheus.MustNewConstMetric(c.diskUsage, prometheus.GaugeValue, float64(m.DiskSpaceUsage()))
	ch <- prometheus.MustNewConstMetric(c.flushCount, prometheus.CounterValue, float64(m.Flush.Count))
}
