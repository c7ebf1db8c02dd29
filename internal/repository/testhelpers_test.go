package repository

import (
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/fulfillment/saga-orchestrator/pkg/saga"
)

func newMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db, mock
}

func expectationsMet(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

var transactionCols = []string{
	"id", "order_id", "collector_id", "client_id", "status", "scanned_items", "missing_items",
	"pause_reason", "client_decision", "office_notes", "office_problem_id", "timeout_minutes",
	"estimated_completion_at_ms", "created_at_ms", "started_at_ms", "paused_at_ms", "client_notified_at_ms",
	"client_responded_at_ms", "resumed_at_ms", "completed_at_ms", "cancelled_at_ms", "updated_at_ms", "version",
}

func transactionRows(id string, status saga.TransactionStatus, version int64) *sqlmock.Rows {
	return sqlmock.NewRows(transactionCols).AddRow(
		id, int64(1001), int64(7), int64(8), string(status), []byte(`{"p1":1}`), []byte(`{}`),
		"", "", "", int64(0), 30,
		int64(0), int64(1000), int64(1100), int64(0), int64(0),
		int64(0), int64(0), int64(0), int64(0), int64(1100), version,
	)
}

var stepCols = []string{
	"id", "transaction_id", "step_order", "step_type", "status", "depends_on_step_id", "is_compensatable",
	"retry_count", "max_retries", "next_retry_at_ms", "error_message", "started_at_ms", "completed_at_ms",
	"created_at_ms", "updated_at_ms",
}

var compensationCols = []string{
	"id", "transaction_id", "saga_step_id", "compensation_type", "reason", "details",
	"compensated_items", "status", "retry_count", "error_message", "error_history", "created_at_ms",
	"started_at_ms", "completed_at_ms", "duration_ms", "exhausted_at_ms", "updated_at_ms",
}
