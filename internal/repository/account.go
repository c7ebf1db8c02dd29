package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// SystemAccount 系统账户（代替 userId=-1 约定），按 name 单例
type SystemAccount struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Role        string `json:"role"`
	CreatedAtMs int64  `json:"createdAtMs"`
}

type AccountRepository struct {
	db *sql.DB
}

func NewAccountRepository(db *sql.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

// Ensure 不存在则创建，返回库中的记录（多实例并发启动时以先写入者为准）
func (r *AccountRepository) Ensure(ctx context.Context, acc *SystemAccount) (*SystemAccount, error) {
	if acc == nil || acc.Name == "" {
		return nil, errors.New("account name required")
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO system_accounts (id, name, role, created_at_ms)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (name) DO NOTHING
	`, acc.ID, acc.Name, acc.Role, acc.CreatedAtMs)
	if err != nil {
		return nil, fmt.Errorf("insert system account: %w", err)
	}

	var out SystemAccount
	err = r.db.QueryRowContext(ctx, `
		SELECT id, name, role, created_at_ms FROM system_accounts WHERE name = $1
	`, acc.Name).Scan(&out.ID, &out.Name, &out.Role, &out.CreatedAtMs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query system account: %w", err)
	}
	return &out, nil
}
