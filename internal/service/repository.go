package service

import (
	"context"

	"github.com/fulfillment/saga-orchestrator/internal/repository"
	"github.com/fulfillment/saga-orchestrator/pkg/saga"
)

// TransactionStore 事务存储
type TransactionStore interface {
	CreateWithSteps(ctx context.Context, t *repository.Transaction, steps []*repository.SagaStep) error
	Get(ctx context.Context, id string) (*repository.Transaction, error)
	GetByOrderID(ctx context.Context, orderID int64) (*repository.Transaction, error)
	Update(ctx context.Context, t *repository.Transaction) error
	UpdateWithProblems(ctx context.Context, t *repository.Transaction, problems []*repository.OfficeProblem) error
	List(ctx context.Context, f repository.TransactionFilter) ([]*repository.Transaction, error)
	ListTimedOut(ctx context.Context, nowMs int64, limit int) ([]*repository.Transaction, error)
	ListCompletable(ctx context.Context, limit int) ([]*repository.Transaction, error)
}

// StepStore 步骤存储
type StepStore interface {
	Get(ctx context.Context, id int64) (*repository.SagaStep, error)
	ListByTransaction(ctx context.Context, transactionID string) ([]*repository.SagaStep, error)
	ListRunnable(ctx context.Context, limit int) ([]*repository.PendingStep, error)
	ListDueRetries(ctx context.Context, nowMs int64, limit int) ([]*repository.SagaStep, error)
	ListStale(ctx context.Context, cutoffMs int64, limit int) ([]*repository.SagaStep, error)
	UpdateCAS(ctx context.Context, s *repository.SagaStep, expected ...saga.StepStatus) (bool, error)
}

// CompensationStore 补偿日志存储
type CompensationStore interface {
	Start(ctx context.Context, c *repository.CompensationLog) (*repository.Transaction, error)
	Complete(ctx context.Context, c *repository.CompensationLog) (*repository.Transaction, error)
	InsertRecord(ctx context.Context, c *repository.CompensationLog) error
	Get(ctx context.Context, id int64) (*repository.CompensationLog, error)
	ListByStatus(ctx context.Context, status saga.CompensationStatus, limit int) ([]*repository.CompensationLog, error)
	ListByTransaction(ctx context.Context, transactionID string) ([]*repository.CompensationLog, error)
	UpdateCAS(ctx context.Context, c *repository.CompensationLog, expected ...saga.CompensationStatus) (bool, error)
	Requeue(ctx context.Context, id int64, nowMs int64) (bool, error)
}

// ProblemStore 问题单存储
type ProblemStore interface {
	Get(ctx context.Context, id int64) (*repository.OfficeProblem, error)
	UpdateCAS(ctx context.Context, p *repository.OfficeProblem, expected ...saga.ProblemStatus) (bool, error)
	ListByTransaction(ctx context.Context, transactionID string) ([]*repository.OfficeProblem, error)
	List(ctx context.Context, f repository.ProblemFilter) ([]*repository.OfficeProblem, error)
}

// PaybackStore 退款标记与台账
type PaybackStore interface {
	MarkRefund(ctx context.Context, orderID int64, productID string, qty int) (int64, error)
	ListFlaggedCarts(ctx context.Context, limit int) ([]int64, error)
	FlagCart(ctx context.Context, cartID, paybackID, nowMs int64) (*repository.Payback, bool, error)
	ListCreated(ctx context.Context, limit int) ([]*repository.Payback, error)
	MarkCompleted(ctx context.Context, id, nowMs int64) (bool, error)
	RecordFailure(ctx context.Context, id int64, errMsg string, nowMs int64) error
}

// AccountStore 系统账户
type AccountStore interface {
	Ensure(ctx context.Context, acc *repository.SystemAccount) (*repository.SystemAccount, error)
}

// Stores 编排服务依赖的全部存储
type Stores struct {
	Transactions  TransactionStore
	Steps         StepStore
	Compensations CompensationStore
	Problems      ProblemStore
	Paybacks      PaybackStore
	Accounts      AccountStore
}

// IDGenerator ID 生成器
type IDGenerator interface {
	NextID() (int64, error)
}
