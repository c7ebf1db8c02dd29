package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/fulfillment/saga-orchestrator/internal/client"
	"github.com/fulfillment/saga-orchestrator/internal/metrics"
	"github.com/fulfillment/saga-orchestrator/internal/repository"
	"github.com/fulfillment/saga-orchestrator/pkg/audit"
	apperr "github.com/fulfillment/saga-orchestrator/pkg/errors"
	"github.com/fulfillment/saga-orchestrator/pkg/saga"
	"github.com/fulfillment/saga-orchestrator/pkg/tracing"
)

const (
	actorSystem   = "system"
	maxErrHistory = 20
)

// CompensationRequest 发起补偿
type CompensationRequest struct {
	TransactionID string                `json:"transactionId"`
	Type          saga.CompensationType `json:"type"`
	Reason        string                `json:"reason"`
	Details       string                `json:"details"`
	SagaStepID    int64                 `json:"sagaStepId,omitempty"`
	Actor         string                `json:"actor,omitempty"`
}

// CompensationResponse Success=false 时 ErrorCode 说明拒绝原因
type CompensationResponse struct {
	Success        bool                   `json:"success"`
	ErrorCode      apperr.Code            `json:"errorCode,omitempty"`
	Message        string                 `json:"message,omitempty"`
	CompensationID int64                  `json:"compensationId,omitempty"`
	Status         saga.TransactionStatus `json:"status,omitempty"`
}

func rejected(code apperr.Code, msg string) *CompensationResponse {
	return &CompensationResponse{Success: false, ErrorCode: code, Message: msg}
}

// InitiateCompensation 写入 PENDING 补偿日志并将事务置为 COMPENSATING。
// 已有进行中补偿或事务已终结时返回 Success=false。
func (s *SagaService) InitiateCompensation(ctx context.Context, req *CompensationRequest) (*CompensationResponse, error) {
	if req == nil || strings.TrimSpace(req.TransactionID) == "" {
		return nil, apperr.New(apperr.CodeInvalidParam, "transactionId required")
	}
	kind := req.Type
	if kind == "" {
		kind = saga.CompensationFull
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = saga.ReasonManual
	}
	actor := req.Actor
	if actor == "" {
		actor = actorSystem
	}

	tx, err := s.txs.Get(ctx, req.TransactionID)
	if err != nil {
		return nil, toAppError(err)
	}
	if saga.IsTerminal(tx.Status) {
		return rejected(apperr.CodeTerminalState, fmt.Sprintf("transaction is %s", tx.Status)), nil
	}

	switch kind {
	case saga.CompensationFull:
	case saga.CompensationPartial:
		if req.SagaStepID <= 0 {
			return nil, apperr.New(apperr.CodeInvalidParam, "sagaStepId required for partial compensation")
		}
		step, err := s.steps.Get(ctx, req.SagaStepID)
		if err != nil {
			return nil, toAppError(err)
		}
		if step.TransactionID != tx.ID {
			return nil, apperr.New(apperr.CodeInvalidParam, "step does not belong to transaction")
		}
	case saga.CompensationItemSpecific:
		return nil, apperr.New(apperr.CodeInvalidParam, "item-specific compensation is recorded by problem resolution")
	default:
		return nil, apperr.Newf(apperr.CodeInvalidParam, "unknown compensation type %q", kind)
	}

	id, err := s.nextID()
	if err != nil {
		return nil, err
	}
	now := s.nowMs()
	entry := &repository.CompensationLog{
		ID:               id,
		TransactionID:    tx.ID,
		SagaStepID:       req.SagaStepID,
		CompensationType: kind,
		Reason:           reason,
		Details:          truncate(req.Details, maxErrorMessageLen),
		Status:           saga.CompensationPending,
		CreatedAtMs:      now,
		UpdatedAtMs:      now,
	}

	updated, err := s.comps.Start(ctx, entry)
	switch {
	case errors.Is(err, repository.ErrCompensationActive):
		return rejected(apperr.CodeCompensationActive, "compensation already in progress"), nil
	case errors.Is(err, repository.ErrTerminalState):
		return rejected(apperr.CodeTerminalState, "transaction is in a terminal state"), nil
	case err != nil:
		return nil, toAppError(err)
	}

	if updated.Status != tx.Status {
		s.statusChanged(ctx, updated, tx.Status)
	}
	s.metrics.IncCompensation(string(kind), metrics.CompensationStarted)
	s.audit(ctx, tx.ID, audit.EventCompensationStarted, fmt.Sprintf("%s by %s: %s", kind, actor, reason))
	s.log.WithContext(ctx).WithTransaction(tx.ID).Infof("compensation initiated", map[string]interface{}{
		"compensationId": id,
		"type":           string(kind),
		"reason":         reason,
		"actor":          actor,
	})

	return &CompensationResponse{Success: true, CompensationID: id, Status: updated.Status}, nil
}

// ProcessCompensations 执行 PENDING 补偿
func (s *SagaService) ProcessCompensations(ctx context.Context) error {
	pending, err := s.comps.ListByStatus(ctx, saga.CompensationPending, s.opts.BatchSize)
	if err != nil {
		return fmt.Errorf("list pending compensations: %w", err)
	}
	return s.runBatch(ctx, "process-compensations", len(pending), func(ctx context.Context, i int) error {
		return s.processCompensation(ctx, pending[i])
	})
}

func (s *SagaService) processCompensation(ctx context.Context, c *repository.CompensationLog) error {
	log := s.log.WithContext(ctx).WithTransaction(c.TransactionID).WithField("compensationId", c.ID)

	now := s.nowMs()
	claimed := c.Clone()
	claimed.Status = saga.CompensationInProgress
	claimed.StartedAtMs = now
	claimed.UpdatedAtMs = now
	ok, err := s.comps.UpdateCAS(ctx, claimed, saga.CompensationPending)
	if err != nil {
		return fmt.Errorf("claim compensation %d: %w", c.ID, err)
	}
	if !ok {
		log.Debug("compensation already claimed")
		return nil
	}

	tx, err := s.txs.Get(ctx, c.TransactionID)
	if err != nil {
		return s.failCompensation(ctx, claimed, fmt.Errorf("load transaction: %w", err))
	}
	if tx.Status != saga.TxCompensating {
		return s.failCompensation(ctx, claimed, fmt.Errorf("transaction is %s, not COMPENSATING", tx.Status))
	}

	spanCtx, span := tracing.StartSagaSpan(ctx, "compensation."+string(c.CompensationType), tx.ID, c.SagaStepID)
	items, runErr := s.runCompensation(spanCtx, tx, claimed)
	tracing.Finish(span, runErr)
	if runErr != nil {
		return s.failCompensation(ctx, claimed, runErr)
	}

	done := claimed.Clone()
	done.CompensatedItems = items
	done.CompletedAtMs = max(s.nowMs(), claimed.StartedAtMs)
	done.DurationMs = done.CompletedAtMs - claimed.StartedAtMs
	updated, err := s.comps.Complete(ctx, done)
	if err != nil {
		return s.failCompensation(ctx, claimed, fmt.Errorf("complete compensation: %w", err))
	}

	s.cancelOpenProblems(ctx, tx.ID)
	s.statusChanged(ctx, updated, saga.TxCompensating)
	s.metrics.IncCompensation(string(c.CompensationType), metrics.CompensationCompleted)
	s.audit(ctx, tx.ID, audit.EventCompensationCompleted, fmt.Sprintf("%s in %dms", c.CompensationType, done.DurationMs))
	log.Infof("compensation completed", map[string]interface{}{"durationMs": done.DurationMs})
	return nil
}

// runCompensation 执行撤销动作，返回涉及的商品
func (s *SagaService) runCompensation(ctx context.Context, tx *repository.Transaction, c *repository.CompensationLog) (repository.CompensatedItems, error) {
	steps, err := s.steps.ListByTransaction(ctx, tx.ID)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	req := sagaRequest(tx, c.Reason)

	switch c.CompensationType {
	case saga.CompensationPartial:
		target, ok := findStep(steps, c.SagaStepID)
		if !ok {
			return nil, fmt.Errorf("step %d not found", c.SagaStepID)
		}
		for _, st := range stepsByOrderDesc(steps) {
			if st.StepOrder > target.StepOrder || !compensatable(st) {
				continue
			}
			if err := s.undoStep(ctx, st.StepType, req); err != nil {
				return nil, err
			}
			if err := s.markCompensated(ctx, st); err != nil {
				return nil, err
			}
		}
	default:
		for _, action := range []struct {
			op   string
			call func(context.Context, *client.SagaRequest) error
		}{
			{client.OpCancelReservations, s.gateway.CancelReservations},
			{client.OpNotifyCollectorAboutCancellation, s.gateway.NotifyCollectorAboutCancellation},
			{client.OpProcessRefund, s.gateway.ProcessRefund},
		} {
			if err := s.callWithTimeout(ctx, action.call, req); err != nil {
				return nil, fmt.Errorf("%s: %w", action.op, err)
			}
		}
		for _, st := range stepsByOrderDesc(steps) {
			if !compensatable(st) {
				continue
			}
			if err := s.markCompensated(ctx, st); err != nil {
				return nil, err
			}
		}
	}

	items := make(repository.CompensatedItems, 0, len(tx.ScannedItems))
	for _, id := range tx.ScannedItems.Keys() {
		items = append(items, repository.CompensatedItem{ProductID: id, Quantity: tx.ScannedItems[id]})
	}
	return items, nil
}

// undoStep 单个步骤的撤销动作，无外部副作用的步骤直接返回
func (s *SagaService) undoStep(ctx context.Context, t saga.StepType, req *client.SagaRequest) error {
	var (
		op   string
		call func(context.Context, *client.SagaRequest) error
	)
	switch t {
	case saga.StepReserveItems:
		op, call = client.OpCancelReservations, s.gateway.CancelReservations
	case saga.StepNotifyCollector:
		op, call = client.OpNotifyCollectorAboutCancellation, s.gateway.NotifyCollectorAboutCancellation
	case saga.StepProcessPayment:
		op, call = client.OpProcessRefund, s.gateway.ProcessRefund
	case saga.StepCreateDelivery:
		op, call = client.OpCancelDelivery, s.gateway.CancelDelivery
	default:
		return nil
	}
	if err := s.callWithTimeout(ctx, call, req); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *SagaService) callWithTimeout(ctx context.Context, call func(context.Context, *client.SagaRequest) error, req *client.SagaRequest) error {
	callCtx, cancel := context.WithTimeout(ctx, s.opts.CallTimeout)
	defer cancel()
	return call(callCtx, req)
}

func (s *SagaService) markCompensated(ctx context.Context, st *repository.SagaStep) error {
	next := st.Clone()
	next.Status = saga.StepCompensated
	next.UpdatedAtMs = s.nowMs()
	if _, err := s.steps.UpdateCAS(ctx, next, saga.StepCompleted); err != nil {
		return fmt.Errorf("mark step %d compensated: %w", st.ID, err)
	}
	return nil
}

// failCompensation IN_PROGRESS -> FAILED，事务保持 COMPENSATING
func (s *SagaService) failCompensation(ctx context.Context, claimed *repository.CompensationLog, cause error) error {
	msg := truncate(cause.Error(), maxErrorMessageLen)
	failed := claimed.Clone()
	failed.Status = saga.CompensationFailed
	failed.RetryCount++
	failed.ErrorMessage = msg
	failed.ErrorHistory = append(failed.ErrorHistory, msg)
	if len(failed.ErrorHistory) > maxErrHistory {
		failed.ErrorHistory = failed.ErrorHistory[len(failed.ErrorHistory)-maxErrHistory:]
	}
	failed.UpdatedAtMs = s.nowMs()

	if _, err := s.comps.UpdateCAS(ctx, failed, saga.CompensationInProgress); err != nil {
		return fmt.Errorf("fail compensation %d: %w", claimed.ID, err)
	}
	s.metrics.IncCompensation(string(claimed.CompensationType), metrics.CompensationFailed)
	s.audit(ctx, claimed.TransactionID, audit.EventCompensationFailed,
		fmt.Sprintf("attempt %d: %s", failed.RetryCount, msg))
	return fmt.Errorf("compensation %d: %w", claimed.ID, cause)
}

// RequeueFailedCompensations 未达上限的 FAILED 补偿重新排队；达到上限只告警一次
func (s *SagaService) RequeueFailedCompensations(ctx context.Context) error {
	failed, err := s.comps.ListByStatus(ctx, saga.CompensationFailed, s.opts.BatchSize)
	if err != nil {
		return fmt.Errorf("list failed compensations: %w", err)
	}
	return s.runBatch(ctx, "requeue-compensations", len(failed), func(ctx context.Context, i int) error {
		c := failed[i]
		now := s.nowMs()
		if c.RetryCount < s.opts.CompensationMaxRetries {
			if _, err := s.comps.Requeue(ctx, c.ID, now); err != nil {
				return fmt.Errorf("requeue compensation %d: %w", c.ID, err)
			}
			return nil
		}

		exhausted := c.Clone()
		exhausted.ExhaustedAtMs = now
		exhausted.UpdatedAtMs = now
		ok, err := s.comps.UpdateCAS(ctx, exhausted, saga.CompensationFailed)
		if err != nil {
			return fmt.Errorf("mark compensation %d exhausted: %w", c.ID, err)
		}
		if !ok {
			return nil
		}
		s.metrics.IncCompensation(string(c.CompensationType), metrics.CompensationExhausted)
		s.audit(ctx, c.TransactionID, audit.EventCompensationExhausted,
			fmt.Sprintf("compensation %d failed %d times: %s", c.ID, c.RetryCount, c.ErrorMessage))
		s.log.WithContext(ctx).WithTransaction(c.TransactionID).Errorf("compensation retries exhausted, manual intervention required", map[string]interface{}{
			"compensationId": c.ID,
			"retryCount":     c.RetryCount,
		})
		return nil
	})
}

func compensatable(st *repository.SagaStep) bool {
	return st.IsCompensatable && st.Status == saga.StepCompleted
}

func findStep(steps []*repository.SagaStep, id int64) (*repository.SagaStep, bool) {
	for _, st := range steps {
		if st.ID == id {
			return st, true
		}
	}
	return nil, false
}
