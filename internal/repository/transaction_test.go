package repository

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"

	"github.com/fulfillment/saga-orchestrator/pkg/saga"
)

func TestTransactionDeadline(t *testing.T) {
	tx := &Transaction{Status: saga.TxWaitingClient, TimeoutMinutes: 30}
	if tx.DeadlineMs() != 0 || tx.TimeoutEligible(1<<40) {
		t.Fatal("no deadline before the client is notified")
	}

	tx.ClientNotifiedAtMs = 1_000_000
	deadline := tx.DeadlineMs()
	if deadline != 1_000_000+30*60*1000 {
		t.Fatalf("deadline = %d", deadline)
	}
	if tx.TimeoutEligible(deadline - 1) {
		t.Fatal("not eligible before deadline")
	}
	if !tx.TimeoutEligible(deadline + 60*1000) {
		t.Fatal("eligible after deadline")
	}

	tx.ClientRespondedAtMs = deadline
	if tx.TimeoutEligible(deadline + 1) {
		t.Fatal("responded transactions never time out")
	}
}

func TestTransactionRepository_Get(t *testing.T) {
	db, mock := newMock(t)
	repo := NewTransactionRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("FROM saga_transactions WHERE id = $1")).
		WithArgs("tx-1").
		WillReturnRows(transactionRows("tx-1", saga.TxActive, 3))

	got, err := repo.Get(context.Background(), "tx-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != saga.TxActive || got.Version != 3 || got.ScannedItems["p1"] != 1 {
		t.Fatalf("unexpected transaction: %+v", got)
	}
	if got.MissingItems == nil {
		t.Fatal("missing items should be an empty map")
	}
	expectationsMet(t, mock)
}

func TestTransactionRepository_GetNotFound(t *testing.T) {
	db, mock := newMock(t)
	repo := NewTransactionRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("FROM saga_transactions WHERE order_id = $1")).
		WithArgs(int64(55)).
		WillReturnRows(sqlmock.NewRows(transactionCols))

	if _, err := repo.GetByOrderID(context.Background(), 55); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	expectationsMet(t, mock)
}

func TestTransactionRepository_UpdateVersionGuard(t *testing.T) {
	db, mock := newMock(t)
	repo := NewTransactionRepository(db)

	tx := &Transaction{ID: "tx-1", Status: saga.TxPaused, Version: 4, UpdatedAtMs: 2000}
	query := regexp.QuoteMeta("WHERE id = $18 AND version = $19 AND status NOT IN ('COMPLETED', 'CANCELLED')")

	mock.ExpectExec(query).WillReturnResult(sqlmock.NewResult(0, 0))
	if err := repo.Update(context.Background(), tx); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}
	if tx.Version != 4 {
		t.Fatalf("version must not change on conflict, got %d", tx.Version)
	}

	mock.ExpectExec(query).WillReturnResult(sqlmock.NewResult(0, 1))
	if err := repo.Update(context.Background(), tx); err != nil {
		t.Fatalf("update: %v", err)
	}
	if tx.Version != 5 {
		t.Fatalf("version = %d, want 5", tx.Version)
	}
	expectationsMet(t, mock)
}

func TestTransactionRepository_CreateWithSteps(t *testing.T) {
	db, mock := newMock(t)
	repo := NewTransactionRepository(db)

	tx := &Transaction{ID: "tx-1", OrderID: 1001, Status: saga.TxCreated, Version: 1}
	steps := []*SagaStep{
		{ID: 1, TransactionID: "tx-1", StepOrder: 1, StepType: saga.StepValidateOrder, Status: saga.StepPending},
		{ID: 2, TransactionID: "tx-1", StepOrder: 2, StepType: saga.StepCheckStock, Status: saga.StepPending, DependsOnStepID: 1},
	}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO saga_transactions")).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO saga_steps")).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO saga_steps")).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	if err := repo.CreateWithSteps(context.Background(), tx, steps); err != nil {
		t.Fatalf("create: %v", err)
	}
	expectationsMet(t, mock)
}

func TestTransactionRepository_CreateDuplicateOrder(t *testing.T) {
	db, mock := newMock(t)
	repo := NewTransactionRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO saga_transactions")).
		WillReturnError(&pq.Error{Code: "23505", Constraint: "uq_saga_transactions_order_id"})
	mock.ExpectRollback()

	err := repo.CreateWithSteps(context.Background(), &Transaction{ID: "tx-2", OrderID: 1001}, nil)
	if !errors.Is(err, ErrDuplicateOrder) {
		t.Fatalf("expected ErrDuplicateOrder, got %v", err)
	}
	expectationsMet(t, mock)
}

func TestTransactionRepository_UpdateWithProblems(t *testing.T) {
	db, mock := newMock(t)
	repo := NewTransactionRepository(db)

	tx := &Transaction{ID: "tx-1", Status: saga.TxPaused, Version: 2}
	problems := []*OfficeProblem{
		{ID: 31, TransactionID: "tx-1", ProductID: "P1", Quantity: 1, Status: saga.ProblemPending},
		{ID: 32, TransactionID: "tx-1", ProductID: "P2", Quantity: 2, Status: saga.ProblemPending},
	}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO office_problems")).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO office_problems")).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE saga_transactions")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := repo.UpdateWithProblems(context.Background(), tx, problems); err != nil {
		t.Fatalf("update with problems: %v", err)
	}
	if tx.Version != 3 {
		t.Fatalf("version = %d, want 3", tx.Version)
	}
	expectationsMet(t, mock)
}

func TestTransactionRepository_UpdateWithProblemsRollsBack(t *testing.T) {
	db, mock := newMock(t)
	repo := NewTransactionRepository(db)

	tx := &Transaction{ID: "tx-1", Status: saga.TxPaused, Version: 2}
	problems := []*OfficeProblem{{ID: 31, TransactionID: "tx-1", ProductID: "P1", Quantity: 1}}

	// 问题单写入失败：事务行不更新
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO office_problems")).WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()
	if err := repo.UpdateWithProblems(context.Background(), tx, problems); err == nil {
		t.Fatal("expected insert error")
	}

	// 版本冲突：已写入的问题单一起回滚
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO office_problems")).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE saga_transactions")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()
	if err := repo.UpdateWithProblems(context.Background(), tx, problems); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}
	if tx.Version != 2 {
		t.Fatalf("version must not change on rollback, got %d", tx.Version)
	}
	expectationsMet(t, mock)
}

func TestTransactionRepository_ListByStatus(t *testing.T) {
	db, mock := newMock(t)
	repo := NewTransactionRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE status = ANY($1) ORDER BY created_at_ms DESC LIMIT $2 OFFSET $3")).
		WithArgs(pq.Array([]string{"PAUSED", "WAITING_CLIENT"}), 20, 0).
		WillReturnRows(transactionRows("tx-9", saga.TxPaused, 2))

	got, err := repo.List(context.Background(), TransactionFilter{
		Statuses: []saga.TransactionStatus{saga.TxPaused, saga.TxWaitingClient},
		Limit:    20,
	})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 || got[0].ID != "tx-9" {
		t.Fatalf("unexpected list: %+v", got)
	}
	expectationsMet(t, mock)
}

func TestTransactionRepository_ListTimedOut(t *testing.T) {
	db, mock := newMock(t)
	repo := NewTransactionRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("client_notified_at_ms + timeout_minutes * 60000 <= $1")).
		WithArgs(int64(5000), 50).
		WillReturnRows(transactionRows("tx-3", saga.TxWaitingClient, 6))

	got, err := repo.ListTimedOut(context.Background(), 5000, 50)
	if err != nil || len(got) != 1 {
		t.Fatalf("list timed out: %v %v", got, err)
	}
	expectationsMet(t, mock)
}
