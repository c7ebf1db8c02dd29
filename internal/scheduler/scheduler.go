// Package scheduler 后台轮询任务调度（cron + 可选跨实例锁）
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/fulfillment/saga-orchestrator/internal/metrics"
	"github.com/fulfillment/saga-orchestrator/pkg/health"
	"github.com/fulfillment/saga-orchestrator/pkg/logger"
	"github.com/fulfillment/saga-orchestrator/pkg/response"
)

var ErrUnknownJob = errors.New("unknown job")

// Locker 跨实例互斥，未拿到锁返回 (false, nil)
type Locker interface {
	Run(ctx context.Context, name string, fn func(ctx context.Context) error) (bool, error)
}

// Job 一个轮询任务
type Job struct {
	Name     string
	Interval time.Duration
	Timeout  time.Duration // 0 表示不额外限制
	Run      func(ctx context.Context) error
}

type entry struct {
	job  Job
	loop *health.LoopMonitor
}

// Scheduler 以固定间隔运行任务，同一任务在进程内不会重叠
type Scheduler struct {
	cron    *cron.Cron
	locker  Locker
	log     *logger.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	entries map[string]*entry

	ctx    context.Context
	cancel context.CancelFunc
}

// New locker 为 nil 时只做进程内互斥
func New(locker Locker, log *logger.Logger, m *metrics.Metrics) *Scheduler {
	if log == nil {
		log = logger.Nop()
	}
	if m == nil {
		m = metrics.New(nil)
	}
	cl := cronLogger{log: log}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:    cron.New(cron.WithChain(cron.SkipIfStillRunning(cl)), cron.WithLogger(cl)),
		locker:  locker,
		log:     log,
		metrics: m,
		entries: make(map[string]*entry),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Add 注册任务
func (s *Scheduler) Add(job Job) error {
	if job.Name == "" || job.Run == nil {
		return fmt.Errorf("job name and run func required")
	}
	if job.Interval <= 0 {
		return fmt.Errorf("job %s: interval must be positive", job.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.entries[job.Name]; dup {
		return fmt.Errorf("job %s already registered", job.Name)
	}
	e := &entry{job: job, loop: &health.LoopMonitor{}}
	s.entries[job.Name] = e
	s.cron.Schedule(cron.Every(job.Interval), cron.FuncJob(func() {
		if s.ctx.Err() != nil {
			return
		}
		_ = s.run(s.ctx, e)
	}))
	return nil
}

// Start 启动调度；所有循环先 tick 一次，避免启动阶段被判定为 stale
func (s *Scheduler) Start() {
	s.mu.Lock()
	for _, e := range s.entries {
		e.loop.Tick()
	}
	s.mu.Unlock()
	s.cron.Start()
	s.log.Infof("scheduler started", map[string]interface{}{"jobs": s.Names()})
}

// Stop 停止调度并等待运行中的任务结束（或 ctx 到期）
func (s *Scheduler) Stop(ctx context.Context) error {
	s.cancel()
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce 立即运行一次任务（与定时运行共用锁与监控）
func (s *Scheduler) RunOnce(ctx context.Context, name string) error {
	s.mu.Lock()
	e, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.run(ctx, e)
}

// Names 已注册任务名（排序）
func (s *Scheduler) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.namesLocked()
}

// Loop 返回任务的循环监控
func (s *Scheduler) Loop(name string) *health.LoopMonitor {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[name]; ok {
		return e.loop
	}
	return nil
}

// Checkers 每个任务一个就绪检查，超过 3 个周期未运行视为 stale
func (s *Scheduler) Checkers() []health.Checker {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]health.Checker, 0, len(s.entries))
	for _, name := range s.namesLocked() {
		e := s.entries[name]
		out = append(out, health.NewLoopChecker(name, e.loop, 3*e.job.Interval))
	}
	return out
}

func (s *Scheduler) namesLocked() []string {
	names := make([]string, 0, len(s.entries))
	for name := range s.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Scheduler) run(ctx context.Context, e *entry) (err error) {
	job := e.job
	ctx, runID := response.EnsureRequestID(ctx)
	log := s.log.WithContext(ctx).WithJob(job.Name).WithField("requestID", runID)
	start := time.Now()
	result := metrics.PollOK

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panic: %v", job.Name, r)
			log.Errorf("poll panic", map[string]interface{}{
				"panic": fmt.Sprint(r),
				"stack": string(debug.Stack()),
			})
		}
		if err != nil {
			result = metrics.PollError
			log.WithError(err).Warn("poll finished with errors")
		}
		e.loop.Tick()
		e.loop.SetError(err)
		s.metrics.ObservePoll(job.Name, result, time.Since(start))
	}()

	if job.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, job.Timeout)
		defer cancel()
	}

	if s.locker == nil {
		return job.Run(ctx)
	}
	ran, err := s.locker.Run(ctx, job.Name, job.Run)
	if err != nil {
		return err
	}
	if !ran {
		result = metrics.PollSkipped
		log.Debug("poll lock held by another instance")
	}
	return nil
}

// cronLogger 将 cron 日志接到 pkg/logger
type cronLogger struct {
	log *logger.Logger
}

func (l cronLogger) with(keysAndValues []interface{}) *logger.Logger {
	lg := l.log.WithField("component", "cron")
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		lg = lg.WithField(fmt.Sprint(keysAndValues[i]), keysAndValues[i+1])
	}
	return lg
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.with(keysAndValues).Debug(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.with(keysAndValues).WithError(err).Error(msg)
}
