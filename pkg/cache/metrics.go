package cache

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector 把缓存统计暴露为 Prometheus 指标。每次抓取时读取一次 Stats 快照。
type Collector struct {
	cache   *Cache
	timeout time.Duration

	memoryItems    *prometheus.Desc
	memoryCapacity *prometheus.Desc
	expiryTimers   *prometheus.Desc
	evictions      *prometheus.Desc
	expirations    *prometheus.Desc
	boxRecords     *prometheus.Desc
	boxBytes       *prometheus.Desc
	hits           *prometheus.Desc
	memoryHits     *prometheus.Desc
	misses         *prometheus.Desc
	writes         *prometheus.Desc
	writeFailures  *prometheus.Desc
	corrupted      *prometheus.Desc
	sweepRemoved   *prometheus.Desc
	sweepOrphans   *prometheus.Desc
	sweepDuration  *prometheus.Desc
	sweepTimestamp *prometheus.Desc
}

// NewCollector 创建指标收集器，namespace 为空时使用 fundcache
func NewCollector(c *Cache, namespace string) *Collector {
	if namespace == "" {
		namespace = "fundcache"
	}
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "cache", name), help, labels, nil)
	}

	return &Collector{
		cache:   c,
		timeout: 5 * time.Second,

		memoryItems:    desc("memory_items", "Number of items held in the memory tier."),
		memoryCapacity: desc("memory_capacity", "Maximum number of items in the memory tier."),
		expiryTimers:   desc("expiry_timers", "Number of scheduled memory tier expirations."),
		evictions:      desc("memory_evictions_total", "Items evicted from the memory tier because it was full."),
		expirations:    desc("memory_expirations_total", "Items expired from the memory tier."),
		boxRecords:     desc("persistent_records", "Records per persistent box.", "box"),
		boxBytes:       desc("persistent_bytes", "Stored bytes per persistent box.", "box"),
		hits:           desc("hits_total", "Reads served by any tier."),
		memoryHits:     desc("memory_hits_total", "Reads served by the memory tier."),
		misses:         desc("misses_total", "Reads that found no valid record."),
		writes:         desc("writes_total", "Successful writes."),
		writeFailures:  desc("write_failures_total", "Writes that failed and were discarded."),
		corrupted:      desc("corrupted_total", "Corrupt records found and deleted on read."),
		sweepRemoved:   desc("last_sweep_removed", "Expired records removed by the last sweep."),
		sweepOrphans:   desc("last_sweep_orphans", "Orphan chunks removed by the last sweep."),
		sweepDuration:  desc("last_sweep_duration_seconds", "Duration of the last sweep."),
		sweepTimestamp: desc("last_sweep_timestamp_seconds", "Unix time at which the last sweep finished."),
	}
}

// Describe 实现 prometheus.Collector
func (m *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		m.memoryItems, m.memoryCapacity, m.expiryTimers, m.evictions, m.expirations,
		m.boxRecords, m.boxBytes, m.hits, m.memoryHits, m.misses, m.writes,
		m.writeFailures, m.corrupted, m.sweepRemoved, m.sweepOrphans,
		m.sweepDuration, m.sweepTimestamp,
	} {
		ch <- d
	}
}

// Collect 实现 prometheus.Collector
func (m *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	stats := m.cache.Stats(ctx)

	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}
	counter := func(d *prometheus.Desc, v int64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v))
	}

	gauge(m.memoryItems, float64(stats.MemoryItems))
	gauge(m.memoryCapacity, float64(stats.MemoryCapacity))
	gauge(m.expiryTimers, float64(stats.ActiveExpiryTimers))
	counter(m.evictions, stats.MemoryEvictions)
	counter(m.expirations, stats.MemoryExpirations)

	for box, boxStats := range stats.Boxes {
		gauge(m.boxRecords, float64(boxStats.Count), string(box))
		gauge(m.boxBytes, float64(boxStats.Bytes), string(box))
	}

	counter(m.hits, stats.Hits)
	counter(m.memoryHits, stats.MemoryHits)
	counter(m.misses, stats.Misses)
	counter(m.writes, stats.Writes)
	counter(m.writeFailures, stats.WriteFailures)
	counter(m.corrupted, stats.Corrupted)

	if last := stats.LastSweep; last != nil {
		gauge(m.sweepRemoved, float64(last.Removed))
		gauge(m.sweepOrphans, float64(last.Orphans))
		gauge(m.sweepDuration, last.Duration.Seconds())
		gauge(m.sweepTimestamp, float64(stats.LastCleanup.Unix()))
	}
}

var _ prometheus.Collector = (*Collector)(nil)
