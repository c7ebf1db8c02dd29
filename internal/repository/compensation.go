package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/fulfillment/saga-orchestrator/pkg/saga"
)

// CompensationLog 补偿日志
type CompensationLog struct {
	ID               int64                   `json:"id"`
	TransactionID    string                  `json:"transactionId"`
	SagaStepID       int64                   `json:"sagaStepId"` // 0 表示整笔事务
	CompensationType saga.CompensationType   `json:"compensationType"`
	Reason           string                  `json:"reason"`
	Details          string                  `json:"details"`
	CompensatedItems CompensatedItems        `json:"compensatedItems"`
	Status           saga.CompensationStatus `json:"status"`
	RetryCount       int                     `json:"retryCount"`
	ErrorMessage     string                  `json:"errorMessage"`
	ErrorHistory     StringList              `json:"errorHistory"`
	CreatedAtMs      int64                   `json:"createdAtMs"`
	StartedAtMs      int64                   `json:"startedAtMs"`
	CompletedAtMs    int64                   `json:"completedAtMs"`
	DurationMs       int64                   `json:"durationMs"`
	ExhaustedAtMs    int64                   `json:"exhaustedAtMs"` // 重试耗尽并已告警
	UpdatedAtMs      int64                   `json:"updatedAtMs"`
}

func (c *CompensationLog) Clone() *CompensationLog {
	cp := *c
	cp.CompensatedItems = append(CompensatedItems(nil), c.CompensatedItems...)
	cp.ErrorHistory = append(StringList(nil), c.ErrorHistory...)
	return &cp
}

const compensationColumns = `id, transaction_id, saga_step_id, compensation_type, reason, details,
	compensated_items, status, retry_count, error_message, error_history, created_at_ms,
	started_at_ms, completed_at_ms, duration_ms, exhausted_at_ms, updated_at_ms`

func scanCompensation(row rowScanner) (*CompensationLog, error) {
	var c CompensationLog
	err := row.Scan(
		&c.ID, &c.TransactionID, &c.SagaStepID, &c.CompensationType, &c.Reason, &c.Details,
		&c.CompensatedItems, &c.Status, &c.RetryCount, &c.ErrorMessage, &c.ErrorHistory, &c.CreatedAtMs,
		&c.StartedAtMs, &c.CompletedAtMs, &c.DurationMs, &c.ExhaustedAtMs, &c.UpdatedAtMs,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func insertCompensation(ctx context.Context, db DBTX, c *CompensationLog) error {
	query := `
		INSERT INTO saga_compensation_logs (` + compensationColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`
	_, err := db.ExecContext(ctx, query,
		c.ID, c.TransactionID, c.SagaStepID, c.CompensationType, c.Reason, c.Details,
		c.CompensatedItems, c.Status, c.RetryCount, c.ErrorMessage, c.ErrorHistory, c.CreatedAtMs,
		c.StartedAtMs, c.CompletedAtMs, c.DurationMs, c.ExhaustedAtMs, c.UpdatedAtMs,
	)
	if err != nil {
		// 部分唯一索引兜底：同一事务最多一条进行中的补偿
		if isUniqueViolation(err) {
			return ErrCompensationActive
		}
		return fmt.Errorf("insert compensation log: %w", err)
	}
	return nil
}

// CompensationRepository 补偿日志仓储
type CompensationRepository struct {
	db *sql.DB
}

func NewCompensationRepository(db *sql.DB) *CompensationRepository {
	return &CompensationRepository{db: db}
}

// Start 发起补偿：锁定事务行，拒绝终态与已有进行中补偿，写入 PENDING 日志并将事务置为 COMPENSATING。
// 返回更新后的事务。
func (r *CompensationRepository) Start(ctx context.Context, c *CompensationLog) (*Transaction, error) {
	var updated *Transaction
	err := withTx(ctx, r.db, func(tx *sql.Tx) error {
		t, err := getTransaction(ctx, tx, `WHERE id = $1 FOR UPDATE`, c.TransactionID)
		if err != nil {
			return err
		}
		if saga.IsTerminal(t.Status) {
			return ErrTerminalState
		}

		var active int
		err = tx.QueryRowContext(ctx, `
			SELECT COUNT(1) FROM saga_compensation_logs
			WHERE transaction_id = $1 AND status IN ('PENDING', 'IN_PROGRESS')
		`, c.TransactionID).Scan(&active)
		if err != nil {
			return fmt.Errorf("check active compensation: %w", err)
		}
		if active > 0 {
			return ErrCompensationActive
		}

		if err := insertCompensation(ctx, tx, c); err != nil {
			return err
		}

		if t.Status != saga.TxCompensating {
			t.Status = saga.TxCompensating
			t.UpdatedAtMs = c.CreatedAtMs
			if err := updateTransaction(ctx, tx, t); err != nil {
				return err
			}
		}
		updated = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Complete 补偿完成：日志 IN_PROGRESS -> COMPLETED，事务 COMPENSATING -> CANCELLED，同一数据库事务
func (r *CompensationRepository) Complete(ctx context.Context, c *CompensationLog) (*Transaction, error) {
	var updated *Transaction
	err := withTx(ctx, r.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE saga_compensation_logs
			SET status = 'COMPLETED', completed_at_ms = $1, duration_ms = $2, compensated_items = $3, updated_at_ms = $1
			WHERE id = $4 AND status = 'IN_PROGRESS'
		`, c.CompletedAtMs, c.DurationMs, c.CompensatedItems, c.ID)
		if err != nil {
			return fmt.Errorf("complete compensation log: %w", err)
		}
		n, err := rowsAffected(res)
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrVersionConflict
		}

		t, err := getTransaction(ctx, tx, `WHERE id = $1 FOR UPDATE`, c.TransactionID)
		if err != nil {
			return err
		}
		if t.Status != saga.TxCompensating {
			return ErrVersionConflict
		}
		t.Status = saga.TxCancelled
		t.CancelledAtMs = c.CompletedAtMs
		t.UpdatedAtMs = c.CompletedAtMs
		if err := updateTransaction(ctx, tx, t); err != nil {
			return err
		}
		updated = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.Status = saga.CompensationCompleted
	return updated, nil
}

// InsertRecord 写入记账型补偿记录（ITEM_SPECIFIC，直接 COMPLETED）
func (r *CompensationRepository) InsertRecord(ctx context.Context, c *CompensationLog) error {
	if c.Status.Active() {
		return errors.New("record must not be active")
	}
	return insertCompensation(ctx, r.db, c)
}

func (r *CompensationRepository) Get(ctx context.Context, id int64) (*CompensationLog, error) {
	query := `SELECT ` + compensationColumns + ` FROM saga_compensation_logs WHERE id = $1`
	c, err := scanCompensation(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query compensation log: %w", err)
	}
	return c, nil
}

// ListByStatus 按状态查询；FAILED 时仅返回尚未告警耗尽的记录
func (r *CompensationRepository) ListByStatus(ctx context.Context, status saga.CompensationStatus, limit int) ([]*CompensationLog, error) {
	query := `SELECT ` + compensationColumns + ` FROM saga_compensation_logs
		WHERE status = $1 AND exhausted_at_ms = 0
		ORDER BY created_at_ms
		LIMIT $2`
	return r.query(ctx, query, status, clampLimit(limit))
}

func (r *CompensationRepository) ListByTransaction(ctx context.Context, transactionID string) ([]*CompensationLog, error) {
	query := `SELECT ` + compensationColumns + ` FROM saga_compensation_logs
		WHERE transaction_id = $1
		ORDER BY created_at_ms, id`
	return r.query(ctx, query, transactionID)
}

// UpdateCAS 仅当当前状态属于 expected 时写入
func (r *CompensationRepository) UpdateCAS(ctx context.Context, c *CompensationLog, expected ...saga.CompensationStatus) (bool, error) {
	if len(expected) == 0 {
		return false, errors.New("expected statuses required")
	}
	query := `
		UPDATE saga_compensation_logs
		SET status = $1, retry_count = $2, error_message = $3, error_history = $4, compensated_items = $5,
		    started_at_ms = $6, completed_at_ms = $7, duration_ms = $8, exhausted_at_ms = $9, updated_at_ms = $10
		WHERE id = $11 AND status = ANY($12)
	`
	res, err := r.db.ExecContext(ctx, query,
		c.Status, c.RetryCount, c.ErrorMessage, c.ErrorHistory, c.CompensatedItems,
		c.StartedAtMs, c.CompletedAtMs, c.DurationMs, c.ExhaustedAtMs, c.UpdatedAtMs,
		c.ID, pq.Array(statusStrings(expected)),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return false, ErrCompensationActive
		}
		return false, fmt.Errorf("update compensation log: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Requeue FAILED -> PENDING，同事务已有进行中补偿时不生效
func (r *CompensationRepository) Requeue(ctx context.Context, id int64, nowMs int64) (bool, error) {
	query := `
		UPDATE saga_compensation_logs c
		SET status = 'PENDING', updated_at_ms = $1
		WHERE c.id = $2 AND c.status = 'FAILED'
		  AND NOT EXISTS (
		    SELECT 1 FROM saga_compensation_logs o
		    WHERE o.transaction_id = c.transaction_id AND o.status IN ('PENDING', 'IN_PROGRESS')
		  )
	`
	res, err := r.db.ExecContext(ctx, query, nowMs, id)
	if err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("requeue compensation log: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *CompensationRepository) query(ctx context.Context, query string, args ...interface{}) ([]*CompensationLog, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query compensation logs: %w", err)
	}
	defer rows.Close()

	var out []*CompensationLog
	for rows.Next() {
		c, err := scanCompensation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan compensation log: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate compensation logs: %w", err)
	}
	return out, nil
}
