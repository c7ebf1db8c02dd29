package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/fulfillment/saga-orchestrator/internal/metrics"
	"github.com/fulfillment/saga-orchestrator/internal/repository"
	"github.com/fulfillment/saga-orchestrator/pkg/audit"
	apperr "github.com/fulfillment/saga-orchestrator/pkg/errors"
	"github.com/fulfillment/saga-orchestrator/pkg/saga"
)

// SagaState 事务完整状态（排障用）
type SagaState struct {
	Transaction     *repository.Transaction       `json:"transaction"`
	Steps           []*repository.SagaStep        `json:"steps"`
	Compensations   []*repository.CompensationLog `json:"compensations"`
	Problems        []*repository.OfficeProblem   `json:"problems"`
	DeadlineMs      int64                         `json:"deadlineMs"`
	TimeoutEligible bool                          `json:"timeoutEligible"`
}

func (s *SagaService) GetSagaState(ctx context.Context, txID string) (*SagaState, error) {
	if strings.TrimSpace(txID) == "" {
		return nil, apperr.New(apperr.CodeInvalidParam, "transactionId required")
	}
	tx, err := s.txs.Get(ctx, txID)
	if err != nil {
		return nil, toAppError(err)
	}
	steps, err := s.steps.ListByTransaction(ctx, txID)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	comps, err := s.comps.ListByTransaction(ctx, txID)
	if err != nil {
		return nil, fmt.Errorf("list compensations: %w", err)
	}
	problems, err := s.problems.ListByTransaction(ctx, txID)
	if err != nil {
		return nil, fmt.Errorf("list problems: %w", err)
	}
	return &SagaState{
		Transaction:     tx,
		Steps:           steps,
		Compensations:   comps,
		Problems:        problems,
		DeadlineMs:      tx.DeadlineMs(),
		TimeoutEligible: tx.TimeoutEligible(s.nowMs()),
	}, nil
}

func (s *SagaService) ListTransactions(ctx context.Context, f repository.TransactionFilter) ([]*repository.Transaction, error) {
	txs, err := s.txs.List(ctx, f)
	if err != nil {
		return nil, toAppError(err)
	}
	return txs, nil
}

// SkipStep 人工跳过 PENDING/FAILED 步骤
func (s *SagaService) SkipStep(ctx context.Context, stepID int64, reason string) (*repository.SagaStep, error) {
	st, err := s.manualStep(ctx, stepID, saga.StepPending, saga.StepFailed)
	if err != nil {
		return nil, err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "skipped manually"
	}

	now := s.nowMs()
	next := st.Clone()
	next.Status = saga.StepSkipped
	next.ErrorMessage = truncate(reason, maxErrorMessageLen)
	next.NextRetryAtMs = 0
	next.CompletedAtMs = now
	next.UpdatedAtMs = now
	ok, err := s.steps.UpdateCAS(ctx, next, saga.StepPending, saga.StepFailed)
	if err != nil {
		return nil, fmt.Errorf("skip step %d: %w", stepID, err)
	}
	if !ok {
		return nil, apperr.New(apperr.CodeVersionConflict, "step changed concurrently")
	}

	s.metrics.IncStepOutcome(string(st.StepType), metrics.StepOutcomeSkipped)
	s.audit(ctx, st.TransactionID, audit.EventStepSkipped, fmt.Sprintf("step %d %s: %s", st.StepOrder, st.StepType, reason))
	if err := s.checkCompletion(ctx, st.TransactionID); err != nil {
		s.log.WithContext(ctx).WithTransaction(st.TransactionID).WithError(err).Warn("completion check after skip failed")
	}
	return next, nil
}

// ResetStep FAILED/SKIPPED -> PENDING，清空重试次数与错误
func (s *SagaService) ResetStep(ctx context.Context, stepID int64) (*repository.SagaStep, error) {
	st, err := s.manualStep(ctx, stepID, saga.StepFailed, saga.StepSkipped)
	if err != nil {
		return nil, err
	}

	next := st.Clone()
	next.Status = saga.StepPending
	next.RetryCount = 0
	next.NextRetryAtMs = 0
	next.ErrorMessage = ""
	next.StartedAtMs = 0
	next.CompletedAtMs = 0
	next.UpdatedAtMs = s.nowMs()
	ok, err := s.steps.UpdateCAS(ctx, next, saga.StepFailed, saga.StepSkipped)
	if err != nil {
		return nil, fmt.Errorf("reset step %d: %w", stepID, err)
	}
	if !ok {
		return nil, apperr.New(apperr.CodeVersionConflict, "step changed concurrently")
	}

	s.metrics.IncStepOutcome(string(st.StepType), metrics.StepOutcomeReset)
	s.audit(ctx, st.TransactionID, audit.EventStepReset, fmt.Sprintf("step %d %s", st.StepOrder, st.StepType))
	return next, nil
}

// manualStep 读取步骤并校验人工操作前置条件
func (s *SagaService) manualStep(ctx context.Context, stepID int64, allowed ...saga.StepStatus) (*repository.SagaStep, error) {
	if stepID <= 0 {
		return nil, apperr.New(apperr.CodeInvalidParam, "stepId required")
	}
	st, err := s.steps.Get(ctx, stepID)
	if err != nil {
		return nil, toAppError(err)
	}
	tx, err := s.txs.Get(ctx, st.TransactionID)
	if err != nil {
		return nil, toAppError(err)
	}
	if saga.IsTerminal(tx.Status) {
		return nil, apperr.Newf(apperr.CodeTerminalState, "transaction is %s", tx.Status)
	}
	for _, a := range allowed {
		if st.Status == a {
			return st, nil
		}
	}
	return nil, apperr.Newf(apperr.CodeInvalidTransition, "step is %s", st.Status)
}
