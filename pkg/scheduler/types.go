// Package scheduler 按 cron 表达式运行缓存的维护任务（过期清理、统计上报等）。
// 每种任务类型注册一个执行器，同一任务的重叠执行会被跳过。
package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
)

// JobConfig 定义单个维护任务的配置
type JobConfig struct {
	Name     string                 `yaml:"name" json:"name" mapstructure:"name"`
	Enabled  bool                   `yaml:"enabled" json:"enabled" mapstructure:"enabled"`
	Schedule string                 `yaml:"schedule" json:"schedule" mapstructure:"schedule"`
	Task     string                 `yaml:"task" json:"task" mapstructure:"task"`
	Timeout  time.Duration          `yaml:"timeout" json:"timeout" mapstructure:"timeout"`
	Params   map[string]interface{} `yaml:"params" json:"params" mapstructure:"params"`
}

// Job 表示一个已注册的任务
type Job struct {
	ID           string
	Config       JobConfig
	EntryID      cron.EntryID
	Status       JobStatus
	LastRun      *time.Time
	NextRun      *time.Time
	LastDuration time.Duration
	RunCount     int64
	ErrorCount   int64
	SkipCount    int64
	LastError    error
}

// JobInfo 任务状态快照，可直接序列化
type JobInfo struct {
	Name         string        `json:"name"`
	Task         string        `json:"task"`
	Schedule     string        `json:"schedule"`
	Status       JobStatus     `json:"status"`
	LastRun      *time.Time    `json:"last_run,omitempty"`
	NextRun      *time.Time    `json:"next_run,omitempty"`
	LastDuration time.Duration `json:"last_duration"`
	RunCount     int64         `json:"run_count"`
	ErrorCount   int64         `json:"error_count"`
	SkipCount    int64         `json:"skip_count"`
	LastError    string        `json:"last_error,omitempty"`
}

// Info 返回任务快照，调用方需持有调度器的锁
func (j *Job) Info() JobInfo {
	info := JobInfo{
		Name:         j.Config.Name,
		Task:         j.Config.Task,
		Schedule:     j.Config.Schedule,
		Status:       j.Status,
		LastRun:      j.LastRun,
		NextRun:      j.NextRun,
		LastDuration: j.LastDuration,
		RunCount:     j.RunCount,
		ErrorCount:   j.ErrorCount,
		SkipCount:    j.SkipCount,
	}
	if j.LastError != nil {
		info.LastError = j.LastError.Error()
	}
	return info
}

// JobStatus 任务状态
type JobStatus string

const (
	JobStatusPending  JobStatus = "pending"
	JobStatusRunning  JobStatus = "running"
	JobStatusError    JobStatus = "error"
	JobStatusDisabled JobStatus = "disabled"
)

// DefaultJobTimeout 单次执行的默认超时
const DefaultJobTimeout = 5 * time.Minute

// JobExecutor 任务执行器接口
type JobExecutor interface {
	Execute(ctx context.Context, job *Job) error
}

// ExecutorFunc 把普通函数适配为 JobExecutor
type ExecutorFunc func(ctx context.Context, job *Job) error

func (f ExecutorFunc) Execute(ctx context.Context, job *Job) error { return f(ctx, job) }

// JobScheduler 任务调度器接口
type JobScheduler interface {
	// Register 为任务类型注册执行器，重复注册会覆盖
	Register(task string, executor JobExecutor)

	// Start 启动调度器，重复调用无副作用
	Start() error

	// Stop 停止调度器并等待正在执行的任务退出
	Stop() error

	// AddJob 添加任务，任务类型必须已注册执行器
	AddJob(config JobConfig) error

	// RemoveJob 移除任务
	RemoveJob(jobName string) error

	// GetJob 获取任务副本
	GetJob(jobName string) (*Job, error)

	// Jobs 按名称排序返回所有任务的快照
	Jobs() []JobInfo

	// RunJob 在后台立即执行一次任务
	RunJob(jobName string) error
}
