package cache

import (
	"context"
	"fmt"
	"strconv"

	"github.com/sirupsen/logrus"

	"fundcache/pkg/scheduler"
)

const (
	// TaskSweep 主动清理任务的类型名
	TaskSweep = "cache_sweep"
	// DefaultSweepSchedule 默认每小时清理一次
	DefaultSweepSchedule = "@every 1h"
)

// Sweeper 把缓存的主动清理挂到任务调度器上，实现 scheduler.JobExecutor
type Sweeper struct {
	cache     *Cache
	scheduler scheduler.JobScheduler
	log       *logrus.Entry
}

// NewSweeper 创建清理器并注册为 TaskSweep 的执行器
func NewSweeper(c *Cache, s scheduler.JobScheduler) *Sweeper {
	sw := &Sweeper{
		cache:     c,
		scheduler: s,
		log:       c.log.WithField("task", TaskSweep),
	}
	s.Register(TaskSweep, sw)
	return sw
}

// SweepJob 返回默认的清理任务配置
func SweepJob(schedule string, batchSize int) scheduler.JobConfig {
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	return scheduler.JobConfig{
		Name:     TaskSweep,
		Enabled:  true,
		Schedule: schedule,
		Task:     TaskSweep,
		Params:   map[string]interface{}{"batch_size": batchSize},
	}
}

// Schedule 按 schedule 注册清理任务并启动调度器
func (s *Sweeper) Schedule(schedule string) error {
	return s.ScheduleJob(SweepJob(schedule, s.cache.config.SweepBatchSize))
}

// ScheduleJob 注册自定义的清理任务配置并启动调度器
func (s *Sweeper) ScheduleJob(job scheduler.JobConfig) error {
	if job.Task == "" {
		job.Task = TaskSweep
	}
	if err := s.scheduler.AddJob(job); err != nil {
		return err
	}
	s.log.WithField("schedule", job.Schedule).Info("已注册缓存清理任务")
	return s.scheduler.Start()
}

// Stop 停止调度器
func (s *Sweeper) Stop() error {
	return s.scheduler.Stop()
}

// Execute 执行一次任务
func (s *Sweeper) Execute(ctx context.Context, job *scheduler.Job) error {
	if job.Config.Task != TaskSweep {
		return fmt.Errorf("未知的任务类型: %s", job.Config.Task)
	}

	batchSize, err := intParam(job.Config.Params, "batch_size", s.cache.config.SweepBatchSize)
	if err != nil {
		return err
	}

	result, err := s.cache.cleanupExpired(ctx, batchSize)
	if err != nil {
		return err
	}

	s.log.WithFields(logrus.Fields{
		"job_id":  job.ID,
		"removed": result.Removed,
		"orphans": result.Orphans,
	}).Debug("清理任务完成")
	return nil
}

// intParam 读取整数参数，兼容 YAML 与 JSON 解码出的数值类型
func intParam(params map[string]interface{}, name string, fallback int) (int, error) {
	raw, ok := params[name]
	if !ok || raw == nil {
		return fallback, nil
	}
	switch v := raw.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case uint64:
		return int(v), nil
	case float64:
		return int(v), nil
	case string:
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("参数 %s 不是整数: %q", name, v)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("参数 %s 类型不支持: %T", name, raw)
	}
}
