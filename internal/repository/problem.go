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

// OfficeProblem 办公室问题单（缺货/破损）
type OfficeProblem struct {
	ID             int64               `json:"id"`
	TransactionID  string              `json:"transactionId"`
	OrderID        int64               `json:"orderId"`
	ProductID      string              `json:"productId"`
	Quantity       int                 `json:"quantity"`
	CollectorID    int64               `json:"collectorId"`
	ClientID       int64               `json:"clientId"`
	ProblemType    saga.ProblemType    `json:"problemType"`
	Details        string              `json:"details"`
	Status         saga.ProblemStatus  `json:"status"`
	ClientDecision saga.ClientDecision `json:"clientDecision"`
	OfficeAction   saga.OfficeAction   `json:"officeAction"`
	Solution       string              `json:"solution"`
	Priority       int                 `json:"priority"` // 1 最高
	NotifiedAtMs   int64               `json:"notifiedAtMs"`
	RespondedAtMs  int64               `json:"respondedAtMs"`
	ResolvedAtMs   int64               `json:"resolvedAtMs"`
	CreatedAtMs    int64               `json:"createdAtMs"`
	UpdatedAtMs    int64               `json:"updatedAtMs"`
}

func (p *OfficeProblem) Clone() *OfficeProblem {
	cp := *p
	return &cp
}

// ProblemFilter 看板查询条件
type ProblemFilter struct {
	TransactionID string
	OrderID       int64
	CollectorID   int64
	Statuses      []saga.ProblemStatus
	Limit         int
	Offset        int
}

const problemColumns = `id, transaction_id, order_id, product_id, quantity, collector_id, client_id,
	problem_type, details, status, client_decision, office_action, solution, priority,
	notified_at_ms, responded_at_ms, resolved_at_ms, created_at_ms, updated_at_ms`

func scanProblem(row rowScanner) (*OfficeProblem, error) {
	var p OfficeProblem
	err := row.Scan(
		&p.ID, &p.TransactionID, &p.OrderID, &p.ProductID, &p.Quantity, &p.CollectorID, &p.ClientID,
		&p.ProblemType, &p.Details, &p.Status, &p.ClientDecision, &p.OfficeAction, &p.Solution, &p.Priority,
		&p.NotifiedAtMs, &p.RespondedAtMs, &p.ResolvedAtMs, &p.CreatedAtMs, &p.UpdatedAtMs,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ProblemRepository 问题单仓储
type ProblemRepository struct {
	db *sql.DB
}

func NewProblemRepository(db *sql.DB) *ProblemRepository {
	return &ProblemRepository{db: db}
}

func insertProblem(ctx context.Context, db DBTX, p *OfficeProblem) error {
	query := `
		INSERT INTO office_problems (` + problemColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
	`
	_, err := db.ExecContext(ctx, query,
		p.ID, p.TransactionID, p.OrderID, p.ProductID, p.Quantity, p.CollectorID, p.ClientID,
		p.ProblemType, p.Details, p.Status, p.ClientDecision, p.OfficeAction, p.Solution, p.Priority,
		p.NotifiedAtMs, p.RespondedAtMs, p.ResolvedAtMs, p.CreatedAtMs, p.UpdatedAtMs,
	)
	if err != nil {
		return fmt.Errorf("insert office problem: %w", err)
	}
	return nil
}

func (r *ProblemRepository) Get(ctx context.Context, id int64) (*OfficeProblem, error) {
	query := `SELECT ` + problemColumns + ` FROM office_problems WHERE id = $1`
	p, err := scanProblem(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query office problem: %w", err)
	}
	return p, nil
}

// UpdateCAS 仅当当前状态属于 expected 时写入
func (r *ProblemRepository) UpdateCAS(ctx context.Context, p *OfficeProblem, expected ...saga.ProblemStatus) (bool, error) {
	if len(expected) == 0 {
		return false, errors.New("expected statuses required")
	}
	query := `
		UPDATE office_problems
		SET status = $1, client_decision = $2, office_action = $3, solution = $4,
		    notified_at_ms = $5, responded_at_ms = $6, resolved_at_ms = $7, updated_at_ms = $8
		WHERE id = $9 AND status = ANY($10)
	`
	res, err := r.db.ExecContext(ctx, query,
		p.Status, p.ClientDecision, p.OfficeAction, p.Solution,
		p.NotifiedAtMs, p.RespondedAtMs, p.ResolvedAtMs, p.UpdatedAtMs,
		p.ID, pq.Array(statusStrings(expected)),
	)
	if err != nil {
		return false, fmt.Errorf("update office problem: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *ProblemRepository) ListByTransaction(ctx context.Context, transactionID string) ([]*OfficeProblem, error) {
	return r.List(ctx, ProblemFilter{TransactionID: transactionID, Limit: 1000})
}

// List 按 transactionId/orderId/collectorId/status 过滤，优先级高者在前
func (r *ProblemRepository) List(ctx context.Context, f ProblemFilter) ([]*OfficeProblem, error) {
	var (
		where  []string
		args   []interface{}
		argIdx = 1
	)
	if f.TransactionID != "" {
		where = append(where, fmt.Sprintf("transaction_id = $%d", argIdx))
		args = append(args, f.TransactionID)
		argIdx++
	}
	if f.OrderID != 0 {
		where = append(where, fmt.Sprintf("order_id = $%d", argIdx))
		args = append(args, f.OrderID)
		argIdx++
	}
	if f.CollectorID != 0 {
		where = append(where, fmt.Sprintf("collector_id = $%d", argIdx))
		args = append(args, f.CollectorID)
		argIdx++
	}
	if len(f.Statuses) > 0 {
		where = append(where, fmt.Sprintf("status = ANY($%d)", argIdx))
		args = append(args, pq.Array(statusStrings(f.Statuses)))
		argIdx++
	}

	query := `SELECT ` + problemColumns + ` FROM office_problems`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY priority, created_at_ms LIMIT $%d OFFSET $%d", argIdx, argIdx+1)
	args = append(args, clampLimit(f.Limit), max(f.Offset, 0))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query office problems: %w", err)
	}
	defer rows.Close()

	var out []*OfficeProblem
	for rows.Next() {
		p, err := scanProblem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan office problem: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate office problems: %w", err)
	}
	return out, nil
}
