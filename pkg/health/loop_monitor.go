package health

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"
)

// LoopMonitor tracks whether a background poll is still ticking.
type LoopMonitor struct {
	lastTickUnixNano atomic.Int64
	runs             atomic.Int64
	lastErr          atomic.Value // string
}

func (m *LoopMonitor) Tick() {
	m.lastTickUnixNano.Store(time.Now().UnixNano())
	m.runs.Add(1)
}

// SetError 记录最近一次错误，nil 清空
func (m *LoopMonitor) SetError(err error) {
	if err == nil {
		m.lastErr.Store("")
		return
	}
	m.lastErr.Store(err.Error())
}

func (m *LoopMonitor) LastError() string {
	if v := m.lastErr.Load(); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// Runs 已执行轮次
func (m *LoopMonitor) Runs() int64 {
	return m.runs.Load()
}

// Healthy returns whether the loop has ticked recently.
// If Tick() has never been called, it returns ok=false.
func (m *LoopMonitor) Healthy(now time.Time, maxAge time.Duration) (ok bool, age time.Duration, lastErr string) {
	lastErr = m.LastError()
	last := m.lastTickUnixNano.Load()
	if last <= 0 {
		return false, 0, lastErr
	}
	t := time.Unix(0, last)
	if now.Before(t) {
		return true, 0, lastErr
	}
	age = now.Sub(t)
	if maxAge <= 0 {
		maxAge = 10 * time.Second
	}
	return age <= maxAge, age, lastErr
}

type loopChecker struct {
	name   string
	loop   *LoopMonitor
	maxAge time.Duration
}

// NewLoopChecker 将轮询循环注册为就绪检查项；超过 maxAge 未 tick 视为 down，
// 最近一轮出错视为 degraded
func NewLoopChecker(name string, loop *LoopMonitor, maxAge time.Duration) Checker {
	return &loopChecker{name: name, loop: loop, maxAge: maxAge}
}

func (c *loopChecker) Name() string { return "loop:" + c.name }

func (c *loopChecker) Check(_ context.Context) CheckResult {
	if c.loop == nil {
		return CheckResult{Status: StatusDown, Message: "nil loop"}
	}
	ok, age, lastErr := c.loop.Healthy(time.Now(), c.maxAge)
	switch {
	case !ok:
		return CheckResult{Status: StatusDown, Message: fmt.Sprintf("stale: last tick %s ago", age.Truncate(time.Second))}
	case lastErr != "":
		return CheckResult{Status: StatusDegraded, Message: lastErr}
	default:
		return CheckResult{Status: StatusUp}
	}
}
