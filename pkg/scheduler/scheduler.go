package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"fundcache/pkg/logger"
)

// stopTimeout Stop 等待正在执行的任务的上限
const stopTimeout = 30 * time.Second

// 支持秒级调度与 @every 描述符
var scheduleParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// CronScheduler 基于 robfig/cron 的任务调度器
type CronScheduler struct {
	cron      *cron.Cron
	jobs      map[string]*Job
	executors map[string]JobExecutor
	mu        sync.RWMutex
	wg        sync.WaitGroup
	logger    *logrus.Entry
	ctx       context.Context
	cancel    context.CancelFunc
	started   bool
	stopped   bool
}

// New 创建任务调度器
func New() *CronScheduler {
	ctx, cancel := context.WithCancel(context.Background())

	return &CronScheduler{
		cron:      cron.New(cron.WithParser(scheduleParser)),
		jobs:      make(map[string]*Job),
		executors: make(map[string]JobExecutor),
		logger:    logger.WithComponent("Scheduler"),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Register 为任务类型注册执行器
func (s *CronScheduler) Register(task string, executor JobExecutor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executors[task] = executor
}

// Start 启动调度器
func (s *CronScheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return errors.New("调度器已停止")
	}
	if s.started {
		return nil
	}

	s.cron.Start()
	s.started = true
	s.refreshNextRuns()
	s.logger.WithField("jobs", len(s.jobs)).Info("任务调度器已启动")
	return nil
}

// Stop 取消正在执行的任务并等待其退出，重复调用无副作用
func (s *CronScheduler) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.mu.Unlock()

	s.cancel()
	cronDone := s.cron.Stop()

	done := make(chan struct{})
	go func() {
		<-cronDone.Done()
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("任务调度器已停止")
	case <-time.After(stopTimeout):
		s.logger.Warn("任务调度器停止超时")
	}
	return nil
}

// AddJob 添加任务
func (s *CronScheduler) AddJob(config JobConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.validateJobConfig(config); err != nil {
		return err
	}
	if _, exists := s.jobs[config.Name]; exists {
		return fmt.Errorf("任务已存在: %s", config.Name)
	}

	job := &Job{
		ID:     uuid.New().String(),
		Config: config,
		Status: JobStatusPending,
	}

	if !config.Enabled {
		job.Status = JobStatusDisabled
		s.jobs[config.Name] = job
		s.logger.Infof("任务已添加（已禁用）: %s", config.Name)
		return nil
	}

	entryID, err := s.cron.AddFunc(config.Schedule, func() {
		s.wg.Add(1)
		defer s.wg.Done()
		s.executeJob(job)
	})
	if err != nil {
		return fmt.Errorf("添加任务到调度器失败: %w", err)
	}
	job.EntryID = entryID
	s.jobs[config.Name] = job

	if s.started {
		s.refreshNextRuns()
	}
	s.logger.Infof("任务已添加: %s (调度: %s)", config.Name, config.Schedule)
	return nil
}

// AddJobs 批量添加任务，跳过无效配置并返回合并后的错误
func (s *CronScheduler) AddJobs(configs ...JobConfig) error {
	var errs []error
	for _, config := range configs {
		if err := s.AddJob(config); err != nil {
			s.logger.WithError(err).Warnf("跳过无效任务配置: %s", config.Name)
			errs = append(errs, fmt.Errorf("%s: %w", config.Name, err))
		}
	}
	return errors.Join(errs...)
}

// RemoveJob 移除任务
func (s *CronScheduler) RemoveJob(jobName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, exists := s.jobs[jobName]
	if !exists {
		return fmt.Errorf("任务不存在: %s", jobName)
	}

	if job.EntryID != 0 {
		s.cron.Remove(job.EntryID)
	}
	delete(s.jobs, jobName)

	s.logger.Infof("任务已移除: %s", jobName)
	return nil
}

// GetJob 获取任务副本
func (s *CronScheduler) GetJob(jobName string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, exists := s.jobs[jobName]
	if !exists {
		return nil, fmt.Errorf("任务不存在: %s", jobName)
	}

	jobCopy := *job
	return &jobCopy, nil
}

// Jobs 按名称排序返回任务快照
func (s *CronScheduler) Jobs() []JobInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	infos := make([]JobInfo, 0, len(s.jobs))
	for _, job := range s.jobs {
		infos = append(infos, job.Info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// RunJob 在后台立即执行一次任务
func (s *CronScheduler) RunJob(jobName string) error {
	s.mu.RLock()
	job, exists := s.jobs[jobName]
	stopped := s.stopped
	s.mu.RUnlock()

	if !exists {
		return fmt.Errorf("任务不存在: %s", jobName)
	}
	if !job.Config.Enabled {
		return fmt.Errorf("任务已禁用: %s", jobName)
	}
	if stopped {
		return errors.New("调度器已停止")
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.executeJob(job)
	}()
	return nil
}

// validateJobConfig 验证任务配置，调用方需持有锁
func (s *CronScheduler) validateJobConfig(config JobConfig) error {
	if config.Name == "" {
		return errors.New("任务名称不能为空")
	}
	if config.Schedule == "" {
		return errors.New("任务调度表达式不能为空")
	}
	if _, err := scheduleParser.Parse(config.Schedule); err != nil {
		return fmt.Errorf("无效的调度表达式 '%s': %w", config.Schedule, err)
	}
	if config.Task == "" {
		return errors.New("任务类型不能为空")
	}
	if _, ok := s.executors[config.Task]; !ok {
		return fmt.Errorf("任务类型没有注册执行器: %s", config.Task)
	}
	if config.Timeout < 0 {
		return errors.New("任务超时不能为负数")
	}
	return nil
}

// executeJob 执行任务，同一任务的重叠执行会被跳过
func (s *CronScheduler) executeJob(job *Job) {
	s.mu.Lock()
	if job.Status == JobStatusRunning {
		job.SkipCount++
		s.mu.Unlock()
		s.logger.Warnf("任务正在运行，跳过本次执行: %s", job.Config.Name)
		return
	}
	executor := s.executors[job.Config.Task]
	job.Status = JobStatusRunning
	now := time.Now()
	job.LastRun = &now
	job.RunCount++
	s.mu.Unlock()

	log := s.logger.WithFields(logrus.Fields{"job": job.Config.Name, "task": job.Config.Task, "job_id": job.ID})
	log.Debug("开始执行任务")

	timeout := job.Config.Timeout
	if timeout <= 0 {
		timeout = DefaultJobTimeout
	}
	ctx, cancel := context.WithTimeout(s.ctx, timeout)
	defer cancel()

	err := executor.Execute(ctx, job)

	s.mu.Lock()
	defer s.mu.Unlock()

	job.LastDuration = time.Since(now)
	if err != nil {
		job.Status = JobStatusError
		job.LastError = err
		job.ErrorCount++
		log.WithError(err).Error("任务执行失败")
	} else {
		job.Status = JobStatusPending
		job.LastError = nil
		log.WithField("duration", job.LastDuration).Debug("任务执行成功")
	}
	if entry := s.cron.Entry(job.EntryID); entry.Valid() && !entry.Next.IsZero() {
		next := entry.Next
		job.NextRun = &next
	}
}

// refreshNextRuns 更新所有任务的下次运行时间，调用方需持有锁
func (s *CronScheduler) refreshNextRuns() {
	for _, job := range s.jobs {
		if !job.Config.Enabled {
			continue
		}
		if entry := s.cron.Entry(job.EntryID); entry.Valid() && !entry.Next.IsZero() {
			next := entry.Next
			job.NextRun = &next
		}
	}
}

var _ JobScheduler = (*CronScheduler)(nil)
