package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/fulfillment/saga-orchestrator/pkg/saga"
)

// SagaStep saga 步骤
type SagaStep struct {
	ID              int64           `json:"id"`
	TransactionID   string          `json:"transactionId"`
	StepOrder       int             `json:"stepOrder"`
	StepType        saga.StepType   `json:"stepType"`
	Status          saga.StepStatus `json:"status"`
	DependsOnStepID int64           `json:"dependsOnStepId"` // 0 表示无依赖
	IsCompensatable bool            `json:"isCompensatable"`
	RetryCount      int             `json:"retryCount"`
	MaxRetries      int             `json:"maxRetries"`
	NextRetryAtMs   int64           `json:"nextRetryAtMs"`
	ErrorMessage    string          `json:"errorMessage"`
	StartedAtMs     int64           `json:"startedAtMs"`
	CompletedAtMs   int64           `json:"completedAtMs"`
	CreatedAtMs     int64           `json:"createdAtMs"`
	UpdatedAtMs     int64           `json:"updatedAtMs"`
}

func (s *SagaStep) Clone() *SagaStep {
	cp := *s
	return &cp
}

// PendingStep 待执行步骤及其上下文
type PendingStep struct {
	Step              *SagaStep
	TransactionStatus saga.TransactionStatus
	DependencyStatus  saga.StepStatus // 无依赖时为空
}

// Ready 依赖是否已满足
func (p *PendingStep) Ready() bool {
	if p.Step.DependsOnStepID == 0 {
		return true
	}
	return saga.DependencySatisfied(p.DependencyStatus)
}

const stepColumns = `id, transaction_id, step_order, step_type, status, depends_on_step_id, is_compensatable,
	retry_count, max_retries, next_retry_at_ms, error_message, started_at_ms, completed_at_ms,
	created_at_ms, updated_at_ms`

func stepColumnsWithPrefix(prefix string) string {
	return prefix + `id, ` + prefix + `transaction_id, ` + prefix + `step_order, ` + prefix + `step_type, ` +
		prefix + `status, ` + prefix + `depends_on_step_id, ` + prefix + `is_compensatable, ` +
		prefix + `retry_count, ` + prefix + `max_retries, ` + prefix + `next_retry_at_ms, ` +
		prefix + `error_message, ` + prefix + `started_at_ms, ` + prefix + `completed_at_ms, ` +
		prefix + `created_at_ms, ` + prefix + `updated_at_ms`
}

func stepScanDest(s *SagaStep) []interface{} {
	return []interface{}{
		&s.ID, &s.TransactionID, &s.StepOrder, &s.StepType, &s.Status, &s.DependsOnStepID, &s.IsCompensatable,
		&s.RetryCount, &s.MaxRetries, &s.NextRetryAtMs, &s.ErrorMessage, &s.StartedAtMs, &s.CompletedAtMs,
		&s.CreatedAtMs, &s.UpdatedAtMs,
	}
}

func scanStep(row rowScanner) (*SagaStep, error) {
	var s SagaStep
	if err := row.Scan(stepScanDest(&s)...); err != nil {
		return nil, err
	}
	return &s, nil
}

func insertStep(ctx context.Context, db DBTX, s *SagaStep) error {
	query := `
		INSERT INTO saga_steps (` + stepColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`
	_, err := db.ExecContext(ctx, query,
		s.ID, s.TransactionID, s.StepOrder, s.StepType, s.Status, s.DependsOnStepID, s.IsCompensatable,
		s.RetryCount, s.MaxRetries, s.NextRetryAtMs, s.ErrorMessage, s.StartedAtMs, s.CompletedAtMs,
		s.CreatedAtMs, s.UpdatedAtMs,
	)
	if err != nil {
		return fmt.Errorf("insert step: %w", err)
	}
	return nil
}

// StepRepository 步骤仓储
type StepRepository struct {
	db *sql.DB
}

func NewStepRepository(db *sql.DB) *StepRepository {
	return &StepRepository{db: db}
}

func (r *StepRepository) Get(ctx context.Context, id int64) (*SagaStep, error) {
	query := `SELECT ` + stepColumns + ` FROM saga_steps WHERE id = $1`
	s, err := scanStep(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query step: %w", err)
	}
	return s, nil
}

// ListByTransaction 按 step_order 升序
func (r *StepRepository) ListByTransaction(ctx context.Context, transactionID string) ([]*SagaStep, error) {
	query := `SELECT ` + stepColumns + ` FROM saga_steps WHERE transaction_id = $1 ORDER BY step_order, id`
	return r.query(ctx, query, transactionID)
}

// ListRunnable PENDING 步骤（所属事务 CREATED/ACTIVE），附带依赖步骤状态
func (r *StepRepository) ListRunnable(ctx context.Context, limit int) ([]*PendingStep, error) {
	query := `
		SELECT ` + stepColumnsWithPrefix("s.") + `, t.status, COALESCE(d.status, '')
		FROM saga_steps s
		JOIN saga_transactions t ON t.id = s.transaction_id
		LEFT JOIN saga_steps d ON d.id = s.depends_on_step_id
		WHERE s.status = 'PENDING' AND t.status IN ('CREATED', 'ACTIVE')
		ORDER BY t.created_at_ms, s.step_order
		LIMIT $1
	`
	rows, err := r.db.QueryContext(ctx, query, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("query runnable steps: %w", err)
	}
	defer rows.Close()

	var out []*PendingStep
	for rows.Next() {
		var (
			s  SagaStep
			ps = PendingStep{Step: &s}
		)
		dest := append(stepScanDest(&s), &ps.TransactionStatus, &ps.DependencyStatus)
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan runnable step: %w", err)
		}
		out = append(out, &ps)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runnable steps: %w", err)
	}
	return out, nil
}

// ListDueRetries 到期可重试的 FAILED 步骤
func (r *StepRepository) ListDueRetries(ctx context.Context, nowMs int64, limit int) ([]*SagaStep, error) {
	query := `
		SELECT ` + stepColumnsWithPrefix("s.") + `
		FROM saga_steps s
		JOIN saga_transactions t ON t.id = s.transaction_id
		WHERE s.status = 'FAILED'
		  AND s.retry_count < s.max_retries
		  AND s.next_retry_at_ms <= $1
		  AND t.status IN ('CREATED', 'ACTIVE')
		ORDER BY s.next_retry_at_ms
		LIMIT $2
	`
	return r.query(ctx, query, nowMs, clampLimit(limit))
}

// ListStale 租约过期仍为 IN_PROGRESS 的步骤（进程崩溃遗留），已终态事务除外
func (r *StepRepository) ListStale(ctx context.Context, cutoffMs int64, limit int) ([]*SagaStep, error) {
	query := `
		SELECT ` + stepColumnsWithPrefix("s.") + `
		FROM saga_steps s
		JOIN saga_transactions t ON t.id = s.transaction_id
		WHERE s.status = 'IN_PROGRESS'
		  AND s.updated_at_ms < $1
		  AND t.status NOT IN ('COMPLETED', 'CANCELLED')
		ORDER BY s.updated_at_ms
		LIMIT $2
	`
	return r.query(ctx, query, cutoffMs, clampLimit(limit))
}

// UpdateCAS 仅当当前状态属于 expected 时写入，返回是否命中
func (r *StepRepository) UpdateCAS(ctx context.Context, s *SagaStep, expected ...saga.StepStatus) (bool, error) {
	if len(expected) == 0 {
		return false, errors.New("expected statuses required")
	}
	query := `
		UPDATE saga_steps
		SET status = $1, retry_count = $2, next_retry_at_ms = $3, error_message = $4,
		    started_at_ms = $5, completed_at_ms = $6, updated_at_ms = $7
		WHERE id = $8 AND status = ANY($9)
	`
	res, err := r.db.ExecContext(ctx, query,
		s.Status, s.RetryCount, s.NextRetryAtMs, s.ErrorMessage,
		s.StartedAtMs, s.CompletedAtMs, s.UpdatedAtMs,
		s.ID, pq.Array(statusStrings(expected)),
	)
	if err != nil {
		return false, fmt.Errorf("update step: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *StepRepository) query(ctx context.Context, query string, args ...interface{}) ([]*SagaStep, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query steps: %w", err)
	}
	defer rows.Close()

	var out []*SagaStep
	for rows.Next() {
		s, err := scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate steps: %w", err)
	}
	return out, nil
}
