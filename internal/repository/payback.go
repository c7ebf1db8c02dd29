package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// 购物车行退款标记
const (
	VozvratRequested = "tc"  // 待生成退款
	VozvratRecorded  = "tcc" // 已写入退款台账
)

// 退款台账状态
const (
	PaybackCreated   = "created"
	PaybackCompleted = "completed"
)

// Payback 退款台账，cart_id 唯一（幂等键）
type Payback struct {
	ID            int64  `json:"id"`
	CartID        int64  `json:"cartId"`
	OrderID       int64  `json:"orderId"`
	AmountMinor   int64  `json:"amountMinor"`
	Status        string `json:"status"`
	Attempts      int    `json:"attempts"`
	LastError     string `json:"lastError"`
	CreatedAtMs   int64  `json:"createdAtMs"`
	CompletedAtMs int64  `json:"completedAtMs"`
	UpdatedAtMs   int64  `json:"updatedAtMs"`
}

const paybackColumns = `id, cart_id, order_id, amount_minor, status, attempts, last_error,
	created_at_ms, completed_at_ms, updated_at_ms`

func scanPayback(row rowScanner) (*Payback, error) {
	var p Payback
	err := row.Scan(&p.ID, &p.CartID, &p.OrderID, &p.AmountMinor, &p.Status, &p.Attempts, &p.LastError,
		&p.CreatedAtMs, &p.CompletedAtMs, &p.UpdatedAtMs)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// PaybackRepository 购物车退款标记与退款台账
type PaybackRepository struct {
	db *sql.DB
}

func NewPaybackRepository(db *sql.DB) *PaybackRepository {
	return &PaybackRepository{db: db}
}

// MarkRefund 标记订单某商品需退款（vozvrat='tc'），qty<=0 表示整行退款。返回命中行数。
func (r *PaybackRepository) MarkRefund(ctx context.Context, orderID int64, productID string, qty int) (int64, error) {
	query := `
		UPDATE cart_items
		SET vozvrat = 'tc',
		    refund_qty = CASE WHEN $3 <= 0 THEN quantity ELSE LEAST(quantity, refund_qty + $3) END
		WHERE order_id = $1 AND product_id = $2 AND (vozvrat IS NULL OR vozvrat = 'tc')
	`
	res, err := r.db.ExecContext(ctx, query, orderID, productID, qty)
	if err != nil {
		return 0, fmt.Errorf("mark cart item refund: %w", err)
	}
	return rowsAffected(res)
}

// ListFlaggedCarts 含待退款行的购物车
func (r *PaybackRepository) ListFlaggedCarts(ctx context.Context, limit int) ([]int64, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT DISTINCT cart_id FROM cart_items WHERE vozvrat = 'tc' ORDER BY cart_id LIMIT $1
	`, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("query flagged carts: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan cart id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// FlagCart 单个数据库事务内：锁定待退款行，按 cart_id 检查台账，不存在才写入 payback，
// 再将所有待退款行置为 'tcc'。返回 (payback, 是否新建)。
func (r *PaybackRepository) FlagCart(ctx context.Context, cartID, paybackID, nowMs int64) (*Payback, bool, error) {
	var (
		pb      *Payback
		created bool
	)
	err := withTx(ctx, r.db, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT order_id, price_minor, refund_qty FROM cart_items
			WHERE cart_id = $1 AND vozvrat = 'tc'
			FOR UPDATE
		`, cartID)
		if err != nil {
			return fmt.Errorf("lock cart items: %w", err)
		}
		var (
			orderID int64
			amount  int64
			lines   int
		)
		for rows.Next() {
			var oid, price int64
			var qty int
			if err := rows.Scan(&oid, &price, &qty); err != nil {
				rows.Close()
				return fmt.Errorf("scan cart item: %w", err)
			}
			orderID = oid
			amount += price * int64(qty)
			lines++
		}
		if err := rows.Close(); err != nil {
			return fmt.Errorf("close cart items: %w", err)
		}
		if lines == 0 {
			return nil
		}

		existing, err := scanPayback(tx.QueryRowContext(ctx,
			`SELECT `+paybackColumns+` FROM paybacks WHERE cart_id = $1`, cartID))
		switch {
		case errors.Is(err, sql.ErrNoRows):
			pb = &Payback{
				ID:          paybackID,
				CartID:      cartID,
				OrderID:     orderID,
				AmountMinor: amount,
				Status:      PaybackCreated,
				CreatedAtMs: nowMs,
				UpdatedAtMs: nowMs,
			}
			res, err := tx.ExecContext(ctx, `
				INSERT INTO paybacks (`+paybackColumns+`)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
				ON CONFLICT (cart_id) DO NOTHING
			`, pb.ID, pb.CartID, pb.OrderID, pb.AmountMinor, pb.Status, pb.Attempts, pb.LastError,
				pb.CreatedAtMs, pb.CompletedAtMs, pb.UpdatedAtMs)
			if err != nil {
				return fmt.Errorf("insert payback: %w", err)
			}
			n, err := rowsAffected(res)
			if err != nil {
				return err
			}
			created = n > 0
		case err != nil:
			return fmt.Errorf("check payback: %w", err)
		default:
			pb = existing
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE cart_items SET vozvrat = 'tcc' WHERE cart_id = $1 AND vozvrat = 'tc'
		`, cartID); err != nil {
			return fmt.Errorf("flip cart items: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return pb, created, nil
}

// ListCreated 待执行退款
func (r *PaybackRepository) ListCreated(ctx context.Context, limit int) ([]*Payback, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+paybackColumns+` FROM paybacks WHERE status = 'created' ORDER BY created_at_ms LIMIT $1
	`, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("query paybacks: %w", err)
	}
	defer rows.Close()

	var out []*Payback
	for rows.Next() {
		p, err := scanPayback(rows)
		if err != nil {
			return nil, fmt.Errorf("scan payback: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// MarkCompleted created -> completed
func (r *PaybackRepository) MarkCompleted(ctx context.Context, id, nowMs int64) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE paybacks SET status = 'completed', completed_at_ms = $1, updated_at_ms = $1, last_error = ''
		WHERE id = $2 AND status = 'created'
	`, nowMs, id)
	if err != nil {
		return false, fmt.Errorf("complete payback: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// RecordFailure 记录一次失败，保持 created 以便下轮重试
func (r *PaybackRepository) RecordFailure(ctx context.Context, id int64, errMsg string, nowMs int64) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE paybacks SET attempts = attempts + 1, last_error = $1, updated_at_ms = $2
		WHERE id = $3 AND status = 'created'
	`, errMsg, nowMs, id)
	if err != nil {
		return fmt.Errorf("record payback failure: %w", err)
	}
	return nil
}
