package service

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/fulfillment/saga-orchestrator/internal/repository"
	"github.com/fulfillment/saga-orchestrator/pkg/saga"
)

var errLeaseExpired = errors.New("step lease expired")

// RequeueDueRetries 到期的 FAILED 步骤重新进入 PENDING
func (s *SagaService) RequeueDueRetries(ctx context.Context) error {
	now := s.nowMs()
	due, err := s.steps.ListDueRetries(ctx, now, s.opts.BatchSize)
	if err != nil {
		return fmt.Errorf("list due retries: %w", err)
	}
	return s.runBatch(ctx, "requeue-retries", len(due), func(ctx context.Context, i int) error {
		next := due[i].Clone()
		next.Status = saga.StepPending
		next.NextRetryAtMs = 0
		next.UpdatedAtMs = now
		if _, err := s.steps.UpdateCAS(ctx, next, saga.StepFailed); err != nil {
			return fmt.Errorf("requeue step %d: %w", next.ID, err)
		}
		return nil
	})
}

// RecoverStaleSteps 租约过期的 IN_PROGRESS 步骤按一次失败处理
func (s *SagaService) RecoverStaleSteps(ctx context.Context) error {
	cutoff := s.nowMs() - s.opts.StepLeaseTimeout.Milliseconds()
	stale, err := s.steps.ListStale(ctx, cutoff, s.opts.BatchSize)
	if err != nil {
		return fmt.Errorf("list stale steps: %w", err)
	}
	return s.runBatch(ctx, "recover-stale", len(stale), func(ctx context.Context, i int) error {
		s.log.WithContext(ctx).WithTransaction(stale[i].TransactionID).WithStep(stale[i].ID, string(stale[i].StepType)).Warn("recovering stale step")
		return s.handleStepFailure(ctx, stale[i], errLeaseExpired)
	})
}

// FinalizeTransactions 补齐因并发冲突未完成的事务
func (s *SagaService) FinalizeTransactions(ctx context.Context) error {
	txs, err := s.txs.ListCompletable(ctx, s.opts.BatchSize)
	if err != nil {
		return fmt.Errorf("list completable transactions: %w", err)
	}
	return s.runBatch(ctx, "finalize", len(txs), func(ctx context.Context, i int) error {
		return s.checkCompletion(ctx, txs[i].ID)
	})
}

// Cleanup 超时评估、僵死步骤回收、事务收尾、补偿重排
func (s *SagaService) Cleanup(ctx context.Context) error {
	var errs []error
	for _, fn := range []func(context.Context) error{
		s.EvaluateTimeouts,
		s.RecoverStaleSteps,
		s.FinalizeTransactions,
		s.RequeueFailedCompensations,
	} {
		if err := fn(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return combine(errs...)
}

func stepsByOrderDesc(steps []*repository.SagaStep) []*repository.SagaStep {
	out := append([]*repository.SagaStep(nil), steps...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].StepOrder > out[j].StepOrder })
	return out
}
