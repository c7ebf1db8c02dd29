package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/fulfillment/saga-orchestrator/pkg/saga"
)

const msPerMinute = int64(60 * 1000)

// Transaction 订单 saga 事务
type Transaction struct {
	ID              string                 `json:"id"`
	OrderID         int64                  `json:"orderId"`
	CollectorID     int64                  `json:"collectorId"`
	ClientID        int64                  `json:"clientId"`
	Status          saga.TransactionStatus `json:"status"`
	ScannedItems    ItemQuantities         `json:"scannedItems"`
	MissingItems    ItemQuantities         `json:"missingItems"`
	PauseReason     string                 `json:"pauseReason"`
	ClientDecision  saga.ClientDecision    `json:"clientDecision"`
	OfficeNotes     string                 `json:"officeNotes"`
	OfficeProblemID int64                  `json:"officeProblemId"`
	TimeoutMinutes  int                    `json:"timeoutMinutes"`

	EstimatedCompletionAtMs int64 `json:"estimatedCompletionAtMs"`
	CreatedAtMs             int64 `json:"createdAtMs"`
	StartedAtMs             int64 `json:"startedAtMs"`
	PausedAtMs              int64 `json:"pausedAtMs"`
	ClientNotifiedAtMs      int64 `json:"clientNotifiedAtMs"`
	ClientRespondedAtMs     int64 `json:"clientRespondedAtMs"`
	ResumedAtMs             int64 `json:"resumedAtMs"`
	CompletedAtMs           int64 `json:"completedAtMs"`
	CancelledAtMs           int64 `json:"cancelledAtMs"`
	UpdatedAtMs             int64 `json:"updatedAtMs"`

	Version int64 `json:"version"`
}

// DeadlineMs 客户决定截止时间，未通知客户返回 0
func (t *Transaction) DeadlineMs() int64 {
	if t.ClientNotifiedAtMs <= 0 {
		return 0
	}
	return t.ClientNotifiedAtMs + int64(t.TimeoutMinutes)*msPerMinute
}

// TimeoutEligible 等待决定中、已通知、未回复且超过截止时间
func (t *Transaction) TimeoutEligible(nowMs int64) bool {
	if !saga.IsWaiting(t.Status) || t.ClientRespondedAtMs > 0 {
		return false
	}
	deadline := t.DeadlineMs()
	return deadline > 0 && nowMs >= deadline
}

func (t *Transaction) Clone() *Transaction {
	cp := *t
	cp.ScannedItems = t.ScannedItems.Clone()
	cp.MissingItems = t.MissingItems.Clone()
	return &cp
}

// TransactionFilter 列表查询条件
type TransactionFilter struct {
	OrderID  int64
	Statuses []saga.TransactionStatus
	Limit    int
	Offset   int
}

const transactionColumns = `id, order_id, collector_id, client_id, status, scanned_items, missing_items,
	pause_reason, client_decision, office_notes, office_problem_id, timeout_minutes,
	estimated_completion_at_ms, created_at_ms, started_at_ms, paused_at_ms, client_notified_at_ms,
	client_responded_at_ms, resumed_at_ms, completed_at_ms, cancelled_at_ms, updated_at_ms, version`

func scanTransaction(row rowScanner) (*Transaction, error) {
	var t Transaction
	err := row.Scan(
		&t.ID, &t.OrderID, &t.CollectorID, &t.ClientID, &t.Status, &t.ScannedItems, &t.MissingItems,
		&t.PauseReason, &t.ClientDecision, &t.OfficeNotes, &t.OfficeProblemID, &t.TimeoutMinutes,
		&t.EstimatedCompletionAtMs, &t.CreatedAtMs, &t.StartedAtMs, &t.PausedAtMs, &t.ClientNotifiedAtMs,
		&t.ClientRespondedAtMs, &t.ResumedAtMs, &t.CompletedAtMs, &t.CancelledAtMs, &t.UpdatedAtMs, &t.Version,
	)
	if err != nil {
		return nil, err
	}
	if t.ScannedItems == nil {
		t.ScannedItems = ItemQuantities{}
	}
	if t.MissingItems == nil {
		t.MissingItems = ItemQuantities{}
	}
	return &t, nil
}

// TransactionRepository 事务仓储
type TransactionRepository struct {
	db *sql.DB
}

func NewTransactionRepository(db *sql.DB) *TransactionRepository {
	return &TransactionRepository{db: db}
}

// CreateWithSteps 在同一数据库事务中写入事务与全部步骤
func (r *TransactionRepository) CreateWithSteps(ctx context.Context, t *Transaction, steps []*SagaStep) error {
	return withTx(ctx, r.db, func(tx *sql.Tx) error {
		if err := insertTransaction(ctx, tx, t); err != nil {
			return err
		}
		for _, s := range steps {
			if err := insertStep(ctx, tx, s); err != nil {
				return err
			}
		}
		return nil
	})
}

func insertTransaction(ctx context.Context, db DBTX, t *Transaction) error {
	query := `
		INSERT INTO saga_transactions (` + transactionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23)
	`
	_, err := db.ExecContext(ctx, query,
		t.ID, t.OrderID, t.CollectorID, t.ClientID, t.Status, t.ScannedItems, t.MissingItems,
		t.PauseReason, t.ClientDecision, t.OfficeNotes, t.OfficeProblemID, t.TimeoutMinutes,
		t.EstimatedCompletionAtMs, t.CreatedAtMs, t.StartedAtMs, t.PausedAtMs, t.ClientNotifiedAtMs,
		t.ClientRespondedAtMs, t.ResumedAtMs, t.CompletedAtMs, t.CancelledAtMs, t.UpdatedAtMs, t.Version,
	)
	if err != nil {
		if isUniqueViolation(err) && strings.Contains(uniqueConstraint(err), "order") {
			return ErrDuplicateOrder
		}
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

// Get 按 ID 查询
func (r *TransactionRepository) Get(ctx context.Context, id string) (*Transaction, error) {
	return getTransaction(ctx, r.db, `WHERE id = $1`, id)
}

// GetByOrderID 按订单查询（order_id 唯一）
func (r *TransactionRepository) GetByOrderID(ctx context.Context, orderID int64) (*Transaction, error) {
	return getTransaction(ctx, r.db, `WHERE order_id = $1`, orderID)
}

func getTransaction(ctx context.Context, db DBTX, where string, args ...interface{}) (*Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM saga_transactions ` + where
	t, err := scanTransaction(db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query transaction: %w", err)
	}
	return t, nil
}

// Update 乐观锁更新全部可变字段，成功后 t.Version 自增。
// 已终态（COMPLETED/CANCELLED）的行永远不会被更新。
func (r *TransactionRepository) Update(ctx context.Context, t *Transaction) error {
	return updateTransaction(ctx, r.db, t)
}

// UpdateWithProblems 问题单与事务更新同一数据库事务提交，任一失败全部回滚
func (r *TransactionRepository) UpdateWithProblems(ctx context.Context, t *Transaction, problems []*OfficeProblem) error {
	return withTx(ctx, r.db, func(tx *sql.Tx) error {
		for _, p := range problems {
			if err := insertProblem(ctx, tx, p); err != nil {
				return err
			}
		}
		return updateTransaction(ctx, tx, t)
	})
}

func updateTransaction(ctx context.Context, db DBTX, t *Transaction) error {
	query := `
		UPDATE saga_transactions
		SET status = $1, scanned_items = $2, missing_items = $3, pause_reason = $4, client_decision = $5,
		    office_notes = $6, office_problem_id = $7, timeout_minutes = $8, estimated_completion_at_ms = $9,
		    started_at_ms = $10, paused_at_ms = $11, client_notified_at_ms = $12, client_responded_at_ms = $13,
		    resumed_at_ms = $14, completed_at_ms = $15, cancelled_at_ms = $16, updated_at_ms = $17,
		    version = version + 1
		WHERE id = $18 AND version = $19 AND status NOT IN ('COMPLETED', 'CANCELLED')
	`
	res, err := db.ExecContext(ctx, query,
		t.Status, t.ScannedItems, t.MissingItems, t.PauseReason, t.ClientDecision,
		t.OfficeNotes, t.OfficeProblemID, t.TimeoutMinutes, t.EstimatedCompletionAtMs,
		t.StartedAtMs, t.PausedAtMs, t.ClientNotifiedAtMs, t.ClientRespondedAtMs,
		t.ResumedAtMs, t.CompletedAtMs, t.CancelledAtMs, t.UpdatedAtMs,
		t.ID, t.Version,
	)
	if err != nil {
		return fmt.Errorf("update transaction: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrVersionConflict
	}
	t.Version++
	return nil
}

// List 按订单/状态查询
func (r *TransactionRepository) List(ctx context.Context, f TransactionFilter) ([]*Transaction, error) {
	var (
		where  []string
		args   []interface{}
		argIdx = 1
	)
	if f.OrderID != 0 {
		where = append(where, fmt.Sprintf("order_id = $%d", argIdx))
		args = append(args, f.OrderID)
		argIdx++
	}
	if len(f.Statuses) > 0 {
		where = append(where, fmt.Sprintf("status = ANY($%d)", argIdx))
		args = append(args, pq.Array(statusStrings(f.Statuses)))
		argIdx++
	}

	query := `SELECT ` + transactionColumns + ` FROM saga_transactions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY created_at_ms DESC LIMIT $%d OFFSET $%d", argIdx, argIdx+1)
	args = append(args, clampLimit(f.Limit), max(f.Offset, 0))

	return queryTransactions(ctx, r.db, query, args...)
}

// ListTimedOut 等待客户决定且已超时的事务
func (r *TransactionRepository) ListTimedOut(ctx context.Context, nowMs int64, limit int) ([]*Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM saga_transactions
		WHERE status IN ('WAITING_CLIENT', 'WAITING_OFFICE')
		  AND client_notified_at_ms > 0
		  AND client_responded_at_ms = 0
		  AND client_notified_at_ms + timeout_minutes * 60000 <= $1
		ORDER BY client_notified_at_ms
		LIMIT $2`
	return queryTransactions(ctx, r.db, query, nowMs, clampLimit(limit))
}

// ListCompletable ACTIVE 且所有步骤已完成/跳过的事务
func (r *TransactionRepository) ListCompletable(ctx context.Context, limit int) ([]*Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM saga_transactions t
		WHERE t.status = 'ACTIVE'
		  AND NOT EXISTS (
		    SELECT 1 FROM saga_steps s
		    WHERE s.transaction_id = t.id AND s.status NOT IN ('COMPLETED', 'SKIPPED')
		  )
		ORDER BY t.updated_at_ms
		LIMIT $1`
	return queryTransactions(ctx, r.db, query, clampLimit(limit))
}

func queryTransactions(ctx context.Context, db DBTX, query string, args ...interface{}) ([]*Transaction, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()

	var out []*Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transactions: %w", err)
	}
	return out, nil
}

func statusStrings[T ~string](in []T) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}
