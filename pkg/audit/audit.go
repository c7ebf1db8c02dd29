// Package audit saga 审计事件（append-only）
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

type EventType string

const (
	// 事务
	EventTransactionCreated EventType = "TRANSACTION_CREATED"
	EventStatusChanged      EventType = "STATUS_CHANGED"
	EventTransactionTimeout EventType = "TRANSACTION_TIMEOUT"

	// 步骤
	EventStepCompleted EventType = "STEP_COMPLETED"
	EventStepFailed    EventType = "STEP_FAILED"
	EventStepSkipped   EventType = "STEP_SKIPPED"
	EventStepReset     EventType = "STEP_RESET"

	// 事务已进入补偿/终态后步骤才返回成功，需人工核对
	EventStepLateResult EventType = "STEP_LATE_RESULT"

	// 补偿
	EventCompensationStarted   EventType = "COMPENSATION_STARTED"
	EventCompensationCompleted EventType = "COMPENSATION_COMPLETED"
	EventCompensationFailed    EventType = "COMPENSATION_FAILED"
	EventCompensationExhausted EventType = "COMPENSATION_EXHAUSTED"

	// 问题单 / 客户
	EventClientNotified  EventType = "CLIENT_NOTIFIED"
	EventClientDecision  EventType = "CLIENT_DECISION"
	EventProblemResolved EventType = "PROBLEM_RESOLVED"

	// 退款
	EventPaybackCreated   EventType = "PAYBACK_CREATED"
	EventPaybackCompleted EventType = "PAYBACK_COMPLETED"
)

const (
	ResultSuccess = "SUCCESS"
	ResultFailed  = "FAILED"
)

type Event struct {
	ID            int64     `json:"id"`
	EventType     EventType `json:"eventType"`
	TransactionID string    `json:"transactionId"`
	Actor         string    `json:"actor"` // system / admin / office / client
	Detail        string    `json:"detail"`
	Params        string    `json:"params"` // JSON（脱敏后）
	Result        string    `json:"result"`
	ErrorMsg      string    `json:"errorMsg"`
	Timestamp     int64     `json:"timestamp"`
	RequestID     string    `json:"requestId"`
}

type QueryFilter struct {
	TransactionID string
	EventType     EventType
	StartTime     int64
	EndTime       int64
	Limit         int
	Offset        int
}

// NewEvent 创建审计事件。Timestamp 使用 Unix 毫秒。
func NewEvent(eventType EventType, transactionID string) *Event {
	return &Event{
		EventType:     eventType,
		TransactionID: transactionID,
		Actor:         "system",
		Timestamp:     time.Now().UnixMilli(),
		Result:        ResultSuccess,
		Params:        "{}",
	}
}

func (e *Event) WithActor(actor string) *Event {
	if e == nil {
		return nil
	}
	e.Actor = actor
	return e
}

func (e *Event) WithDetail(detail string) *Event {
	if e == nil {
		return nil
	}
	e.Detail = detail
	return e
}

// WithParams 设置参数（自动脱敏敏感字段）。
func (e *Event) WithParams(params map[string]interface{}) *Event {
	if e == nil {
		return nil
	}
	b, err := json.Marshal(SanitizeParams(params))
	if err != nil {
		e.Params = "{}"
		return e
	}
	e.Params = string(b)
	return e
}

func (e *Event) WithResult(success bool, errMsg string) *Event {
	if e == nil {
		return nil
	}
	if success {
		e.Result = ResultSuccess
		e.ErrorMsg = ""
		return e
	}
	e.Result = ResultFailed
	e.ErrorMsg = errMsg
	return e
}

// SanitizeParams 脱敏敏感参数（token/secret/password 等）
func SanitizeParams(params map[string]interface{}) map[string]interface{} {
	if params == nil {
		return map[string]interface{}{}
	}
	out := make(map[string]interface{}, len(params))
	for k, v := range params {
		switch {
		case isSensitiveKey(k):
			out[k] = "***"
		default:
			if m, ok := v.(map[string]interface{}); ok {
				out[k] = SanitizeParams(m)
				continue
			}
			out[k] = v
		}
	}
	return out
}

func isSensitiveKey(key string) bool {
	k := strings.ToLower(strings.TrimSpace(key))
	if k == "" {
		return false
	}
	return strings.Contains(k, "password") ||
		strings.Contains(k, "secret") ||
		strings.Contains(k, "token") ||
		strings.Contains(k, "authorization") ||
		strings.HasSuffix(k, "_key")
}

// DBLogger 写入 saga_audit_events，默认异步写入以避免阻塞轮询。
type DBLogger struct {
	db    *sql.DB
	idGen func() (int64, error)

	queue  chan *Event
	cancel context.CancelFunc
	wg     sync.WaitGroup

	onError func(error)
}

type DBLoggerOption func(*dbLoggerOptions)

type dbLoggerOptions struct {
	queueSize   int
	workers     int
	onError     func(error)
	idGen       func() (int64, error)
	synchronous bool
}

func WithQueueSize(size int) DBLoggerOption {
	return func(o *dbLoggerOptions) {
		if size > 0 {
			o.queueSize = size
		}
	}
}

func WithWorkers(n int) DBLoggerOption {
	return func(o *dbLoggerOptions) {
		if n > 0 {
			o.workers = n
		}
	}
}

func WithErrorHandler(fn func(error)) DBLoggerOption {
	return func(o *dbLoggerOptions) {
		if fn != nil {
			o.onError = fn
		}
	}
}

// WithIDGenerator 为未设置 ID 的事件分配 ID
func WithIDGenerator(fn func() (int64, error)) DBLoggerOption {
	return func(o *dbLoggerOptions) {
		o.idGen = fn
	}
}

// WithSynchronousWrite 让 Log() 直接写数据库
func WithSynchronousWrite() DBLoggerOption {
	return func(o *dbLoggerOptions) {
		o.synchronous = true
	}
}

func NewDBLogger(db *sql.DB, opts ...DBLoggerOption) (*DBLogger, error) {
	if db == nil {
		return nil, errors.New("audit: db is nil")
	}
	cfg := dbLoggerOptions{
		queueSize: 4096,
		workers:   2,
		onError:   func(error) {},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	l := &DBLogger{db: db, idGen: cfg.idGen, onError: cfg.onError}
	if cfg.synchronous {
		return l, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.queue = make(chan *Event, cfg.queueSize)
	for i := 0; i < cfg.workers; i++ {
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			for {
				select {
				case <-ctx.Done():
					l.drain()
					return
				case ev := <-l.queue:
					if ev == nil {
						continue
					}
					if err := l.insert(context.Background(), ev); err != nil {
						l.onError(err)
					}
				}
			}
		}()
	}
	return l, nil
}

// drain 关闭前写完队列中剩余事件
func (l *DBLogger) drain() {
	for {
		select {
		case ev := <-l.queue:
			if ev == nil {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if err := l.insert(ctx, ev); err != nil {
				l.onError(err)
			}
			cancel()
		default:
			return
		}
	}
}

// Close 停止后台写入协程
func (l *DBLogger) Close() {
	if l == nil {
		return
	}
	if l.cancel != nil {
		l.cancel()
	}
	l.wg.Wait()
}

func (l *DBLogger) Log(ctx context.Context, ev *Event) error {
	if l == nil || l.db == nil || ev == nil {
		return nil
	}
	if strings.TrimSpace(ev.Params) == "" {
		ev.Params = "{}"
	}
	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().UnixMilli()
	}
	if ev.ID == 0 && l.idGen != nil {
		id, err := l.idGen()
		if err != nil {
			return fmt.Errorf("audit: generate id: %w", err)
		}
		ev.ID = id
	}

	if l.queue == nil {
		return l.insert(ctx, ev)
	}
	select {
	case l.queue <- ev:
	default:
		l.onError(errors.New("audit: queue full, event dropped"))
	}
	return nil
}

func (l *DBLogger) Query(ctx context.Context, filter *QueryFilter) ([]*Event, error) {
	if l == nil || l.db == nil {
		return nil, errors.New("audit: db logger not initialized")
	}

	var (
		where  []string
		args   []interface{}
		argIdx = 1
	)
	if filter != nil {
		if filter.TransactionID != "" {
			where = append(where, fmt.Sprintf("transaction_id = $%d", argIdx))
			args = append(args, filter.TransactionID)
			argIdx++
		}
		if filter.EventType != "" {
			where = append(where, fmt.Sprintf("event_type = $%d", argIdx))
			args = append(args, filter.EventType)
			argIdx++
		}
		if filter.StartTime != 0 {
			where = append(where, fmt.Sprintf("timestamp >= $%d", argIdx))
			args = append(args, filter.StartTime)
			argIdx++
		}
		if filter.EndTime != 0 {
			where = append(where, fmt.Sprintf("timestamp <= $%d", argIdx))
			args = append(args, filter.EndTime)
		}
	}

	query := `
SELECT id, event_type, transaction_id, actor, detail, params, result, error_msg, timestamp, request_id
FROM saga_audit_events
`
	if len(where) > 0 {
		query += "WHERE " + strings.Join(where, " AND ") + "\n"
	}
	query += "ORDER BY timestamp DESC, id DESC\n"

	limit, offset := 100, 0
	if filter != nil {
		if filter.Limit > 0 {
			limit = filter.Limit
		}
		if filter.Offset > 0 {
			offset = filter.Offset
		}
	}
	query += fmt.Sprintf("LIMIT %d OFFSET %d", limit, offset)

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var ev Event
		if err := rows.Scan(&ev.ID, &ev.EventType, &ev.TransactionID, &ev.Actor, &ev.Detail,
			&ev.Params, &ev.Result, &ev.ErrorMsg, &ev.Timestamp, &ev.RequestID); err != nil {
			return nil, err
		}
		events = append(events, &ev)
	}
	return events, rows.Err()
}

func (l *DBLogger) insert(ctx context.Context, ev *Event) error {
	const stmt = `
INSERT INTO saga_audit_events (
  id, event_type, transaction_id, actor, detail, params, result, error_msg, timestamp, request_id
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
`
	_, err := l.db.ExecContext(ctx, stmt,
		ev.ID, ev.EventType, ev.TransactionID, ev.Actor, ev.Detail,
		ev.Params, ev.Result, ev.ErrorMsg, ev.Timestamp, ev.RequestID,
	)
	return err
}

// CreateTableSQL saga_audit_events 表结构
const CreateTableSQL = `
CREATE TABLE IF NOT EXISTS saga_audit_events (
  id BIGINT PRIMARY KEY,
  event_type VARCHAR(64) NOT NULL,
  transaction_id VARCHAR(64) NOT NULL DEFAULT '',
  actor VARCHAR(32) NOT NULL DEFAULT 'system',
  detail TEXT NOT NULL DEFAULT '',
  params JSONB NOT NULL DEFAULT '{}'::jsonb,
  result VARCHAR(16) NOT NULL DEFAULT 'SUCCESS',
  error_msg TEXT NOT NULL DEFAULT '',
  timestamp BIGINT NOT NULL,
  request_id VARCHAR(128) NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_saga_audit_tx_ts ON saga_audit_events(transaction_id, timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_saga_audit_event_ts ON saga_audit_events(event_type, timestamp DESC);
`
