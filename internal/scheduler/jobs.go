package scheduler

import (
	"context"
	"time"
)

// 任务名，同时作为锁 key 后缀（saga:poll:<name>）
const (
	JobSteps         = "steps"
	JobRetries       = "retries"
	JobCompensations = "compensations"
	JobCleanup       = "cleanup"
	JobVozvrat       = "vozvrat"
	JobPaybacks      = "paybacks"
)

// Poller 编排服务的轮询入口
type Poller interface {
	ExecutePendingSteps(ctx context.Context) error
	RequeueDueRetries(ctx context.Context) error
	ProcessCompensations(ctx context.Context) error
	Cleanup(ctx context.Context) error
	FlagRefunds(ctx context.Context) error
	DrainPaybacks(ctx context.Context) error
}

// Intervals 各任务运行间隔
type Intervals struct {
	Steps         time.Duration
	Retries       time.Duration
	Compensations time.Duration
	Cleanup       time.Duration
	Vozvrat       time.Duration
	Paybacks      time.Duration
}

func DefaultIntervals() Intervals {
	return Intervals{
		Steps:         30 * time.Second,
		Retries:       60 * time.Second,
		Compensations: 60 * time.Second,
		Cleanup:       120 * time.Second,
		Vozvrat:       10 * time.Second,
		Paybacks:      15 * time.Second,
	}
}

// SagaJobs 编排服务的全部轮询任务；单次运行不超过其间隔的两倍
func SagaJobs(p Poller, iv Intervals) []Job {
	d := DefaultIntervals()
	pick := func(v, def time.Duration) time.Duration {
		if v <= 0 {
			return def
		}
		return v
	}
	jobs := []Job{
		{Name: JobSteps, Interval: pick(iv.Steps, d.Steps), Run: p.ExecutePendingSteps},
		{Name: JobRetries, Interval: pick(iv.Retries, d.Retries), Run: p.RequeueDueRetries},
		{Name: JobCompensations, Interval: pick(iv.Compensations, d.Compensations), Run: p.ProcessCompensations},
		{Name: JobCleanup, Interval: pick(iv.Cleanup, d.Cleanup), Run: p.Cleanup},
		{Name: JobVozvrat, Interval: pick(iv.Vozvrat, d.Vozvrat), Run: p.FlagRefunds},
		{Name: JobPaybacks, Interval: pick(iv.Paybacks, d.Paybacks), Run: p.DrainPaybacks},
	}
	for i := range jobs {
		jobs[i].Timeout = 2 * jobs[i].Interval
	}
	return jobs
}

// Register 注册全部任务
func (s *Scheduler) Register(jobs ...Job) error {
	for _, job := range jobs {
		if err := s.Add(job); err != nil {
			return err
		}
	}
	return nil
}
