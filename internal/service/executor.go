package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fulfillment/saga-orchestrator/internal/metrics"
	"github.com/fulfillment/saga-orchestrator/internal/repository"
	"github.com/fulfillment/saga-orchestrator/pkg/audit"
	apperr "github.com/fulfillment/saga-orchestrator/pkg/errors"
	"github.com/fulfillment/saga-orchestrator/pkg/saga"
	"github.com/fulfillment/saga-orchestrator/pkg/tracing"
)

const maxErrorMessageLen = 1000

var errNotRunnable = errors.New("transaction not runnable")

// ExecutePendingSteps 执行依赖已满足的 PENDING 步骤
func (s *SagaService) ExecutePendingSteps(ctx context.Context) error {
	pending, err := s.steps.ListRunnable(ctx, s.opts.BatchSize)
	if err != nil {
		return fmt.Errorf("list runnable steps: %w", err)
	}

	ready := make([]*repository.PendingStep, 0, len(pending))
	for _, ps := range pending {
		if ps.Ready() {
			ready = append(ready, ps)
		}
	}
	if len(ready) == 0 {
		return nil
	}

	return s.runBatch(ctx, "execute-steps", len(ready), func(ctx context.Context, i int) error {
		return s.executeStep(ctx, ready[i].Step)
	})
}

func (s *SagaService) executeStep(ctx context.Context, step *repository.SagaStep) error {
	log := s.log.WithContext(ctx).WithTransaction(step.TransactionID).WithStep(step.ID, string(step.StepType))

	now := s.nowMs()
	claimed := step.Clone()
	claimed.Status = saga.StepInProgress
	claimed.StartedAtMs = now
	claimed.UpdatedAtMs = now
	ok, err := s.steps.UpdateCAS(ctx, claimed, saga.StepPending)
	if err != nil {
		return fmt.Errorf("claim step %d: %w", step.ID, err)
	}
	if !ok {
		log.Debug("step already claimed")
		return nil
	}

	tx, err := s.activate(ctx, step.TransactionID)
	if err != nil {
		s.releaseClaim(ctx, claimed)
		if errors.Is(err, errNotRunnable) || apperr.CodeOf(err) == apperr.CodeTerminalState {
			log.Debug("transaction no longer runnable, step released")
			return nil
		}
		return err
	}

	start := s.now()
	callCtx, cancel := context.WithTimeout(ctx, s.opts.CallTimeout)
	spanCtx, span := tracing.StartSagaSpan(callCtx, "step."+string(step.StepType), tx.ID, step.ID)
	status, callErr := s.dispatch(spanCtx, tx, claimed)
	tracing.Finish(span, callErr)
	cancel()
	s.metrics.ObserveStep(string(step.StepType), s.now().Sub(start))

	if callErr != nil {
		log.WithError(callErr).Warn("step failed")
		return s.handleStepFailure(ctx, claimed, callErr)
	}
	return s.completeStep(ctx, claimed, status)
}

// activate 首个步骤执行时 CREATED -> ACTIVE
func (s *SagaService) activate(ctx context.Context, txID string) (*repository.Transaction, error) {
	return s.mutateTransaction(ctx, txID, func(t *repository.Transaction) error {
		switch {
		case t.Status == saga.TxCreated:
			t.Status = saga.TxActive
			t.StartedAtMs = s.nowMs()
			return nil
		case saga.Runnable(t.Status):
			return errNoChange
		default:
			return errNotRunnable
		}
	})
}

// releaseClaim 事务不可执行时归还步骤
func (s *SagaService) releaseClaim(ctx context.Context, claimed *repository.SagaStep) {
	back := claimed.Clone()
	back.Status = saga.StepPending
	back.StartedAtMs = 0
	back.UpdatedAtMs = s.nowMs()
	if _, err := s.steps.UpdateCAS(ctx, back, saga.StepInProgress); err != nil {
		s.log.WithContext(ctx).WithTransaction(claimed.TransactionID).WithError(err).Warn("release step claim failed")
	}
}

// dispatch 按步骤类型调用外部服务，返回步骤终态
func (s *SagaService) dispatch(ctx context.Context, tx *repository.Transaction, step *repository.SagaStep) (saga.StepStatus, error) {
	req := sagaRequest(tx, "")
	var err error
	switch step.StepType {
	case saga.StepValidateOrder:
		err = s.gateway.ValidateOrder(ctx, req)
	case saga.StepCheckStock:
		report, checkErr := s.gateway.CheckStock(ctx, req)
		if checkErr != nil {
			return "", checkErr
		}
		if report != nil && report.HasMissing() {
			if _, err := s.ReportMissingItems(ctx, &MissingItemsReport{
				TransactionID: tx.ID,
				Items:         report.Missing,
				ProblemType:   saga.ProblemMissingItem,
				Details:       "reported by stock check",
			}); err != nil {
				return "", fmt.Errorf("report missing items: %w", err)
			}
		}
	case saga.StepReserveItems:
		err = s.gateway.ReserveItems(ctx, req)
	case saga.StepNotifyOffice:
		err = s.gateway.NotifyOffice(ctx, req)
	case saga.StepNotifyCollector:
		err = s.gateway.NotifyCollector(ctx, req)
	case saga.StepCreateDelivery:
		err = s.gateway.CreateDelivery(ctx, req)
	case saga.StepProcessPayment:
		err = s.gateway.ProcessPayment(ctx, req)
	case saga.StepSendConfirmation:
		err = s.gateway.SendConfirmation(ctx, req)
	default:
		s.log.WithContext(ctx).WithTransaction(tx.ID).WithStep(step.ID, string(step.StepType)).Warn("unknown step type, skipping")
		return saga.StepSkipped, nil
	}
	if err != nil {
		return "", err
	}
	return saga.StepCompleted, nil
}

func (s *SagaService) completeStep(ctx context.Context, step *repository.SagaStep, status saga.StepStatus) error {
	log := s.log.WithContext(ctx).WithTransaction(step.TransactionID).WithStep(step.ID, string(step.StepType))
	var late saga.TransactionStatus
	if tx, err := s.txs.Get(ctx, step.TransactionID); err != nil {
		log.WithError(err).Warn("load transaction for step result failed")
	} else if saga.IsTerminal(tx.Status) || tx.Status == saga.TxCompensating || tx.Status == saga.TxTimeout {
		late = tx.Status
	}
	if late != "" {
		s.metrics.IncStepOutcome(string(step.StepType), metrics.StepOutcomeLate)
		s.audit(ctx, step.TransactionID, audit.EventStepLateResult,
			fmt.Sprintf("step %d %s succeeded after transaction became %s", step.StepOrder, step.StepType, late))
		log.Errorf("step succeeded after transaction stopped, manual review required", map[string]interface{}{
			"transactionStatus": string(late),
		})
		// 终态事务的步骤不再改写
		if saga.IsTerminal(late) {
			return nil
		}
	}

	now := s.nowMs()
	done := step.Clone()
	done.Status = status
	done.ErrorMessage = ""
	done.NextRetryAtMs = 0
	done.CompletedAtMs = max(now, step.StartedAtMs)
	done.UpdatedAtMs = now
	ok, err := s.steps.UpdateCAS(ctx, done, saga.StepInProgress)
	if err != nil {
		return fmt.Errorf("complete step %d: %w", step.ID, err)
	}
	if !ok {
		log.Warn("step changed while executing")
		return nil
	}
	if late != "" {
		// 补偿流程可见该步骤已完成，由其决定是否回滚
		return nil
	}

	outcome, event := metrics.StepOutcomeCompleted, audit.EventStepCompleted
	if status == saga.StepSkipped {
		outcome, event = metrics.StepOutcomeSkipped, audit.EventStepSkipped
	}
	s.metrics.IncStepOutcome(string(step.StepType), outcome)
	s.audit(ctx, step.TransactionID, event, fmt.Sprintf("step %d %s", step.StepOrder, step.StepType))

	return s.checkCompletion(ctx, step.TransactionID)
}

// handleStepFailure 记录失败；达到重试上限后发起整单补偿
func (s *SagaService) handleStepFailure(ctx context.Context, step *repository.SagaStep, cause error) error {
	if tx, err := s.txs.Get(ctx, step.TransactionID); err == nil && saga.IsTerminal(tx.Status) {
		s.log.WithContext(ctx).WithTransaction(step.TransactionID).WithStep(step.ID, string(step.StepType)).Debug("transaction already finished, step failure ignored")
		return nil
	}

	now := s.nowMs()
	failed := step.Clone()
	failed.Status = saga.StepFailed
	failed.RetryCount++
	failed.ErrorMessage = truncate(cause.Error(), maxErrorMessageLen)
	failed.UpdatedAtMs = now

	permanent := failed.RetryCount >= failed.MaxRetries
	if permanent {
		failed.NextRetryAtMs = 0
	} else {
		failed.NextRetryAtMs = now + s.backoff(failed.RetryCount).Milliseconds()
	}

	ok, err := s.steps.UpdateCAS(ctx, failed, saga.StepInProgress)
	if err != nil {
		return fmt.Errorf("fail step %d: %w", step.ID, err)
	}
	if !ok {
		return nil
	}

	outcome := metrics.StepOutcomeFailed
	if permanent {
		outcome = metrics.StepOutcomePermanent
	}
	s.metrics.IncStepOutcome(string(step.StepType), outcome)
	s.audit(ctx, step.TransactionID, audit.EventStepFailed,
		fmt.Sprintf("step %d %s attempt %d/%d: %s", step.StepOrder, step.StepType, failed.RetryCount, failed.MaxRetries, failed.ErrorMessage))

	if !permanent {
		return nil
	}

	resp, err := s.InitiateCompensation(ctx, &CompensationRequest{
		TransactionID: step.TransactionID,
		Type:          saga.CompensationFull,
		Reason:        saga.StepFailedReason(step.StepType),
		Details:       failed.ErrorMessage,
		SagaStepID:    step.ID,
		Actor:         actorSystem,
	})
	if err != nil {
		return fmt.Errorf("initiate compensation: %w", err)
	}
	if !resp.Success {
		s.log.WithContext(ctx).WithTransaction(step.TransactionID).Infof("compensation not started", map[string]interface{}{
			"errorCode": string(resp.ErrorCode),
			"message":   resp.Message,
		})
	}
	return nil
}

// checkCompletion 所有步骤 COMPLETED/SKIPPED 时完成事务
func (s *SagaService) checkCompletion(ctx context.Context, txID string) error {
	steps, err := s.steps.ListByTransaction(ctx, txID)
	if err != nil {
		return fmt.Errorf("list steps: %w", err)
	}
	if len(steps) == 0 {
		return nil
	}
	for _, st := range steps {
		if !saga.StepDone(st.Status) {
			return nil
		}
	}

	_, err = s.mutateTransaction(ctx, txID, func(t *repository.Transaction) error {
		if t.Status != saga.TxActive {
			return errNoChange
		}
		t.Status = saga.TxCompleted
		t.CompletedAtMs = max(s.nowMs(), t.StartedAtMs)
		return nil
	})
	if apperr.CodeOf(err) == apperr.CodeTerminalState {
		return nil
	}
	return err
}

func (s *SagaService) backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := s.opts.RetryBaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= s.opts.RetryMaxDelay {
			return s.opts.RetryMaxDelay
		}
	}
	return d
}
