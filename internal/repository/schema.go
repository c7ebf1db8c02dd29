package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/fulfillment/saga-orchestrator/pkg/audit"
)

// SchemaSQL 表结构（可用于初始化/迁移）
const SchemaSQL = `
CREATE TABLE IF NOT EXISTS saga_transactions (
  id VARCHAR(64) PRIMARY KEY,
  order_id BIGINT NOT NULL,
  collector_id BIGINT NOT NULL DEFAULT 0,
  client_id BIGINT NOT NULL DEFAULT 0,
  status VARCHAR(32) NOT NULL,
  scanned_items JSONB NOT NULL DEFAULT '{}'::jsonb,
  missing_items JSONB NOT NULL DEFAULT '{}'::jsonb,
  pause_reason VARCHAR(128) NOT NULL DEFAULT '',
  client_decision VARCHAR(16) NOT NULL DEFAULT '',
  office_notes TEXT NOT NULL DEFAULT '',
  office_problem_id BIGINT NOT NULL DEFAULT 0,
  timeout_minutes INT NOT NULL DEFAULT 1440,
  estimated_completion_at_ms BIGINT NOT NULL DEFAULT 0,
  created_at_ms BIGINT NOT NULL,
  started_at_ms BIGINT NOT NULL DEFAULT 0,
  paused_at_ms BIGINT NOT NULL DEFAULT 0,
  client_notified_at_ms BIGINT NOT NULL DEFAULT 0,
  client_responded_at_ms BIGINT NOT NULL DEFAULT 0,
  resumed_at_ms BIGINT NOT NULL DEFAULT 0,
  completed_at_ms BIGINT NOT NULL DEFAULT 0,
  cancelled_at_ms BIGINT NOT NULL DEFAULT 0,
  updated_at_ms BIGINT NOT NULL,
  version BIGINT NOT NULL DEFAULT 1,
  CONSTRAINT uq_saga_transactions_order_id UNIQUE (order_id)
);
CREATE INDEX IF NOT EXISTS idx_saga_transactions_status ON saga_transactions(status, updated_at_ms);

CREATE TABLE IF NOT EXISTS saga_steps (
  id BIGINT PRIMARY KEY,
  transaction_id VARCHAR(64) NOT NULL REFERENCES saga_transactions(id),
  step_order INT NOT NULL,
  step_type VARCHAR(64) NOT NULL,
  status VARCHAR(32) NOT NULL,
  depends_on_step_id BIGINT NOT NULL DEFAULT 0,
  is_compensatable BOOLEAN NOT NULL DEFAULT FALSE,
  retry_count INT NOT NULL DEFAULT 0,
  max_retries INT NOT NULL DEFAULT 3,
  next_retry_at_ms BIGINT NOT NULL DEFAULT 0,
  error_message TEXT NOT NULL DEFAULT '',
  started_at_ms BIGINT NOT NULL DEFAULT 0,
  completed_at_ms BIGINT NOT NULL DEFAULT 0,
  created_at_ms BIGINT NOT NULL,
  updated_at_ms BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_saga_steps_tx_order ON saga_steps(transaction_id, step_order);
CREATE INDEX IF NOT EXISTS idx_saga_steps_status ON saga_steps(status, next_retry_at_ms);

CREATE TABLE IF NOT EXISTS saga_compensation_logs (
  id BIGINT PRIMARY KEY,
  transaction_id VARCHAR(64) NOT NULL REFERENCES saga_transactions(id),
  saga_step_id BIGINT NOT NULL DEFAULT 0,
  compensation_type VARCHAR(32) NOT NULL,
  reason VARCHAR(128) NOT NULL DEFAULT '',
  details TEXT NOT NULL DEFAULT '',
  compensated_items JSONB NOT NULL DEFAULT '[]'::jsonb,
  status VARCHAR(32) NOT NULL,
  retry_count INT NOT NULL DEFAULT 0,
  error_message TEXT NOT NULL DEFAULT '',
  error_history JSONB NOT NULL DEFAULT '[]'::jsonb,
  created_at_ms BIGINT NOT NULL,
  started_at_ms BIGINT NOT NULL DEFAULT 0,
  completed_at_ms BIGINT NOT NULL DEFAULT 0,
  duration_ms BIGINT NOT NULL DEFAULT 0,
  exhausted_at_ms BIGINT NOT NULL DEFAULT 0,
  updated_at_ms BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_saga_compensation_tx ON saga_compensation_logs(transaction_id, created_at_ms);
CREATE INDEX IF NOT EXISTS idx_saga_compensation_status ON saga_compensation_logs(status, created_at_ms);
CREATE UNIQUE INDEX IF NOT EXISTS uq_saga_compensation_active
  ON saga_compensation_logs(transaction_id) WHERE status IN ('PENDING', 'IN_PROGRESS');

CREATE TABLE IF NOT EXISTS office_problems (
  id BIGINT PRIMARY KEY,
  transaction_id VARCHAR(64) NOT NULL REFERENCES saga_transactions(id),
  order_id BIGINT NOT NULL,
  product_id VARCHAR(64) NOT NULL,
  quantity INT NOT NULL DEFAULT 0,
  collector_id BIGINT NOT NULL DEFAULT 0,
  client_id BIGINT NOT NULL DEFAULT 0,
  problem_type VARCHAR(32) NOT NULL,
  details TEXT NOT NULL DEFAULT '',
  status VARCHAR(32) NOT NULL,
  client_decision VARCHAR(16) NOT NULL DEFAULT '',
  office_action VARCHAR(16) NOT NULL DEFAULT '',
  solution TEXT NOT NULL DEFAULT '',
  priority INT NOT NULL DEFAULT 3,
  notified_at_ms BIGINT NOT NULL DEFAULT 0,
  responded_at_ms BIGINT NOT NULL DEFAULT 0,
  resolved_at_ms BIGINT NOT NULL DEFAULT 0,
  created_at_ms BIGINT NOT NULL,
  updated_at_ms BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_office_problems_tx ON office_problems(transaction_id);
CREATE INDEX IF NOT EXISTS idx_office_problems_order ON office_problems(order_id);
CREATE INDEX IF NOT EXISTS idx_office_problems_collector_status ON office_problems(collector_id, status);

CREATE TABLE IF NOT EXISTS cart_items (
  id BIGINT PRIMARY KEY,
  cart_id BIGINT NOT NULL,
  order_id BIGINT NOT NULL,
  product_id VARCHAR(64) NOT NULL,
  quantity INT NOT NULL,
  price_minor BIGINT NOT NULL,
  refund_qty INT NOT NULL DEFAULT 0,
  vozvrat VARCHAR(8)
);
CREATE INDEX IF NOT EXISTS idx_cart_items_vozvrat ON cart_items(vozvrat, cart_id);
CREATE INDEX IF NOT EXISTS idx_cart_items_order_product ON cart_items(order_id, product_id);

CREATE TABLE IF NOT EXISTS paybacks (
  id BIGINT PRIMARY KEY,
  cart_id BIGINT NOT NULL UNIQUE,
  order_id BIGINT NOT NULL DEFAULT 0,
  amount_minor BIGINT NOT NULL,
  status VARCHAR(16) NOT NULL,
  attempts INT NOT NULL DEFAULT 0,
  last_error TEXT NOT NULL DEFAULT '',
  created_at_ms BIGINT NOT NULL,
  completed_at_ms BIGINT NOT NULL DEFAULT 0,
  updated_at_ms BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_paybacks_status ON paybacks(status, created_at_ms);

CREATE TABLE IF NOT EXISTS system_accounts (
  id BIGINT PRIMARY KEY,
  name VARCHAR(64) NOT NULL UNIQUE,
  role VARCHAR(32) NOT NULL,
  created_at_ms BIGINT NOT NULL
);
`

// Migrate 执行建表语句（仅开发环境默认开启）
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, SchemaSQL); err != nil {
		return fmt.Errorf("migrate saga schema: %w", err)
	}
	if _, err := db.ExecContext(ctx, audit.CreateTableSQL); err != nil {
		return fmt.Errorf("migrate audit schema: %w", err)
	}
	return nil
}
