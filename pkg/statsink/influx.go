// Package statsink 把缓存统计作为定时任务写入 InfluxDB，便于观察命中率与容量变化。
package statsink

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/sirupsen/logrus"

	"fundcache/pkg/cache"
	"fundcache/pkg/logger"
	"fundcache/pkg/scheduler"
)

const (
	// Measurement 写入的 measurement 名称
	Measurement = "fundcache_stats"
	// TaskReport 统计上报任务的类型名
	TaskReport = "cache_stats_report"
)

// InfluxConfig InfluxDB 配置
type InfluxConfig struct {
	URL      string        `mapstructure:"url"`
	Token    string        `mapstructure:"token"`
	Org      string        `mapstructure:"org"`
	Bucket   string        `mapstructure:"bucket"`
	Interval time.Duration `mapstructure:"interval"` // 上报间隔
	Instance string        `mapstructure:"instance"` // 写入 instance 标签
}

// StatsSource 提供统计快照
type StatsSource interface {
	Stats(ctx context.Context) cache.Stats
}

// InfluxReporter 上报缓存统计，实现 scheduler.JobExecutor
type InfluxReporter struct {
	config   InfluxConfig
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	source   StatsSource
	log      *logrus.Entry
}

// NewInfluxReporter 创建上报器，不会立即连接
func NewInfluxReporter(config InfluxConfig, source StatsSource) *InfluxReporter {
	if config.Interval <= 0 {
		config.Interval = time.Minute
	}
	client := influxdb2.NewClient(config.URL, config.Token)
	return &InfluxReporter{
		config:   config,
		client:   client,
		writeAPI: client.WriteAPIBlocking(config.Org, config.Bucket),
		source:   source,
		log:      logger.WithComponent("InfluxReporter"),
	}
}

// Report 写入一次统计快照
func (r *InfluxReporter) Report(ctx context.Context) error {
	stats := r.source.Stats(ctx)
	if err := r.writeAPI.WritePoint(ctx, r.points(stats, time.Now())...); err != nil {
		return fmt.Errorf("写入 InfluxDB 失败: %w", err)
	}
	return nil
}

// ReportJob 返回按 Interval 上报的任务配置
func (r *InfluxReporter) ReportJob() scheduler.JobConfig {
	return scheduler.JobConfig{
		Name:     TaskReport,
		Enabled:  true,
		Schedule: "@every " + r.config.Interval.String(),
		Task:     TaskReport,
		Timeout:  r.config.Interval,
	}
}

// Schedule 注册为调度器的执行器并添加上报任务
func (r *InfluxReporter) Schedule(s scheduler.JobScheduler) error {
	s.Register(TaskReport, r)
	if err := s.AddJob(r.ReportJob()); err != nil {
		return err
	}
	r.log.WithFields(logrus.Fields{
		"url":      r.config.URL,
		"bucket":   r.config.Bucket,
		"interval": r.config.Interval,
	}).Info("已注册缓存统计上报任务")
	return nil
}

// Execute 实现 scheduler.JobExecutor
func (r *InfluxReporter) Execute(ctx context.Context, job *scheduler.Job) error {
	if job.Config.Task != TaskReport {
		return fmt.Errorf("未知的任务类型: %s", job.Config.Task)
	}
	return r.Report(ctx)
}

// Close 释放客户端资源
func (r *InfluxReporter) Close() {
	r.client.Close()
}

func (r *InfluxReporter) points(stats cache.Stats, now time.Time) []*write.Point {
	point := influxdb2.NewPointWithMeasurement(Measurement).
		AddTag("policy", string(stats.MemoryPolicy)).
		AddField("memory_items", stats.MemoryItems).
		AddField("memory_capacity", stats.MemoryCapacity).
		AddField("expiry_timers", stats.ActiveExpiryTimers).
		AddField("memory_evictions", stats.MemoryEvictions).
		AddField("memory_expirations", stats.MemoryExpirations).
		AddField("persistent_entries", stats.PersistentEntries).
		AddField("chunk_records", stats.ChunkRecords).
		AddField("metadata_records", stats.MetadataRecords).
		AddField("total_bytes", stats.TotalBytes).
		AddField("hits", stats.Hits).
		AddField("memory_hits", stats.MemoryHits).
		AddField("misses", stats.Misses).
		AddField("hit_rate", stats.HitRate).
		AddField("writes", stats.Writes).
		AddField("write_failures", stats.WriteFailures).
		AddField("corrupted", stats.Corrupted).
		SetTime(now)
	if r.config.Instance != "" {
		point.AddTag("instance", r.config.Instance)
	}
	points := []*write.Point{point}

	if last := stats.LastSweep; last != nil {
		sweep := influxdb2.NewPointWithMeasurement(Measurement+"_sweep").
			AddField("scanned", last.Scanned).
			AddField("removed", last.Removed).
			AddField("corrupted", last.Corrupted).
			AddField("orphans", last.Orphans).
			AddField("memory_reaped", last.MemoryReaped).
			AddField("cancelled", last.Cancelled).
			AddField("duration_ms", last.Duration.Milliseconds()).
			SetTime(stats.LastCleanup)
		if r.config.Instance != "" {
			sweep.AddTag("instance", r.config.Instance)
		}
		points = append(points, sweep)
	}
	return points
}
