// Package health 存活/就绪检查
//
// 依赖分两级：关键依赖（数据库）失败时实例不可接流量；可选依赖（Redis 锁、
// 轮询循环）失败只把整体状态降为 degraded，仍返回 200。
package health

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

type Status string

const (
	StatusUp       Status = "up"
	StatusDown     Status = "down"
	StatusDegraded Status = "degraded"
)

type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
}

type CheckResult struct {
	Status    Status `json:"status"`
	LatencyMs int64  `json:"latencyMs"`
	Message   string `json:"message,omitempty"`
	Critical  bool   `json:"critical"`
}

// Report 检查结果
type Report struct {
	Status       Status                 `json:"status"`
	Ready        bool                   `json:"ready"`
	CheckedAt    int64                  `json:"checkedAt"`
	Dependencies map[string]CheckResult `json:"dependencies,omitempty"`
}

type registration struct {
	checker  Checker
	critical bool
}

type Health struct {
	mu      sync.RWMutex
	checks  []registration
	ready   atomic.Bool
	timeout time.Duration
}

const defaultCheckTimeout = 2 * time.Second

func New() *Health {
	return &Health{timeout: defaultCheckTimeout}
}

// Register 注册关键依赖
func (h *Health) Register(c Checker) {
	h.add(c, true)
}

// RegisterOptional 注册可选依赖，失败只降级
func (h *Health) RegisterOptional(c Checker) {
	h.add(c, false)
}

func (h *Health) add(c Checker, critical bool) {
	if c == nil {
		return
	}
	h.mu.Lock()
	h.checks = append(h.checks, registration{checker: c, critical: critical})
	h.mu.Unlock()
}

func (h *Health) SetReady(ready bool) {
	h.ready.Store(ready)
}

func (h *Health) IsReady() bool {
	return h.ready.Load()
}

// Live 只表示进程在响应
func (h *Health) Live() Report {
	return Report{Status: StatusUp, Ready: h.IsReady(), CheckedAt: time.Now().UnixMilli()}
}

// Ready 运行全部检查；启动完成前或关闭中一律 down
func (h *Health) Ready(ctx context.Context) Report {
	deps := h.runChecks(ctx)
	r := Report{Ready: h.IsReady(), CheckedAt: time.Now().UnixMilli(), Dependencies: deps}
	if !r.Ready {
		r.Status = StatusDown
		return r
	}
	r.Status = summarize(deps)
	return r
}

func (h *Health) runChecks(ctx context.Context) map[string]CheckResult {
	h.mu.RLock()
	checks := append([]registration(nil), h.checks...)
	h.mu.RUnlock()
	if len(checks) == 0 {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	results := make(map[string]CheckResult, len(checks))
	var mu sync.Mutex
	var g errgroup.Group
	for _, reg := range checks {
		g.Go(func() error {
			res := h.checkOne(ctx, reg.checker)
			res.Critical = reg.critical
			name := reg.checker.Name()
			if name == "" {
				name = "unknown"
			}
			mu.Lock()
			results[name] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (h *Health) checkOne(parent context.Context, c Checker) CheckResult {
	ctx, cancel := context.WithTimeout(parent, h.timeout)
	defer cancel()

	start := time.Now()
	res := c.Check(ctx)
	if res.LatencyMs <= 0 {
		res.LatencyMs = time.Since(start).Milliseconds()
	}
	if res.Status == "" {
		res.Status = StatusDown
	}
	if res.Status != StatusUp && ctx.Err() != nil && res.Message == "" {
		res.Message = "timeout"
	}
	return res
}

func summarize(deps map[string]CheckResult) Status {
	overall := StatusUp
	for _, r := range deps {
		switch {
		case r.Status == StatusDown && r.Critical:
			return StatusDown
		case r.Status != StatusUp:
			overall = StatusDegraded
		}
	}
	return overall
}

func statusCode(s Status) int {
	if s == StatusDown {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Health) LiveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, h.Live())
	}
}

func (h *Health) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := h.Ready(r.Context())
		writeJSON(w, statusCode(resp.Status), resp)
	}
}

type postgresChecker struct {
	db *sql.DB
}

func NewPostgresChecker(db *sql.DB) Checker {
	return &postgresChecker{db: db}
}

func (c *postgresChecker) Name() string { return "postgres" }

func (c *postgresChecker) Check(ctx context.Context) CheckResult {
	if c.db == nil {
		return CheckResult{Status: StatusDown, Message: "nil db"}
	}
	if err := c.db.PingContext(ctx); err != nil {
		return CheckResult{Status: StatusDown, Message: err.Error()}
	}
	return CheckResult{Status: StatusUp}
}

// PingFunc 适配任意带 Ping 的客户端（如 redis: func(ctx) error { return c.Ping(ctx).Err() }）
type PingFunc func(ctx context.Context) error

type pingChecker struct {
	name string
	ping PingFunc
}

func NewPingChecker(name string, ping PingFunc) Checker {
	return &pingChecker{name: name, ping: ping}
}

func (c *pingChecker) Name() string { return c.name }

func (c *pingChecker) Check(ctx context.Context) CheckResult {
	if c.ping == nil {
		return CheckResult{Status: StatusDown, Message: "nil client"}
	}
	if err := c.ping(ctx); err != nil {
		return CheckResult{Status: StatusDown, Message: err.Error()}
	}
	return CheckResult{Status: StatusUp}
}
