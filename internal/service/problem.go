package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/fulfillment/saga-orchestrator/internal/repository"
	"github.com/fulfillment/saga-orchestrator/pkg/audit"
	apperr "github.com/fulfillment/saga-orchestrator/pkg/errors"
	"github.com/fulfillment/saga-orchestrator/pkg/saga"
)

const (
	actorClient = "client"
	actorOffice = "office"
)

var openProblemStatuses = []saga.ProblemStatus{
	saga.ProblemPending,
	saga.ProblemClientNotified,
	saga.ProblemClientDecided,
}

// MissingItemsReport 拣货发现缺货/破损
type MissingItemsReport struct {
	TransactionID string           `json:"transactionId"`
	Items         map[string]int   `json:"items"`
	ProblemType   saga.ProblemType `json:"problemType"`
	Details       string           `json:"details"`
	Priority      int              `json:"priority"`
}

// ReportMissingItems 覆盖写入缺货商品，事务暂停，每个商品一张问题单
func (s *SagaService) ReportMissingItems(ctx context.Context, req *MissingItemsReport) ([]*repository.OfficeProblem, error) {
	if req == nil || strings.TrimSpace(req.TransactionID) == "" {
		return nil, apperr.New(apperr.CodeInvalidParam, "transactionId required")
	}
	if len(req.Items) == 0 {
		return nil, apperr.New(apperr.CodeInvalidParam, "items required")
	}
	for id, qty := range req.Items {
		if strings.TrimSpace(id) == "" || qty <= 0 {
			return nil, apperr.Newf(apperr.CodeInvalidParam, "invalid missing item %q: %d", id, qty)
		}
	}
	ptype := req.ProblemType
	if ptype == "" {
		ptype = saga.ProblemMissingItem
	}
	if ptype != saga.ProblemMissingItem && ptype != saga.ProblemDamagedItem {
		return nil, apperr.Newf(apperr.CodeInvalidParam, "unknown problem type %q", ptype)
	}
	priority := req.Priority
	if priority <= 0 {
		priority = 1
	}

	products := repository.ItemQuantities(req.Items).Keys()
	ids := make([]int64, len(products))
	for i := range products {
		id, err := s.nextID()
		if err != nil {
			return nil, err
		}
		ids[i] = id
	}

	now := s.nowMs()
	var problems []*repository.OfficeProblem
	apply := func(t *repository.Transaction) error {
		t.MissingItems = t.MissingItems.Set(req.Items)
		if t.Status != saga.TxPaused {
			t.Status = saga.TxPaused
			t.PausedAtMs = now
		}
		t.PauseReason = saga.ReasonMissingItems
		t.OfficeProblemID = ids[len(ids)-1]
		return nil
	}
	// 问题单与暂停同一事务提交，避免事务已暂停却没有问题单
	write := func(t *repository.Transaction) error {
		problems = make([]*repository.OfficeProblem, 0, len(products))
		for i, productID := range products {
			problems = append(problems, &repository.OfficeProblem{
				ID:            ids[i],
				TransactionID: t.ID,
				OrderID:       t.OrderID,
				ProductID:     productID,
				Quantity:      req.Items[productID],
				CollectorID:   t.CollectorID,
				ClientID:      t.ClientID,
				ProblemType:   ptype,
				Details:       truncate(req.Details, maxErrorMessageLen),
				Status:        saga.ProblemPending,
				Priority:      priority,
				CreatedAtMs:   now,
				UpdatedAtMs:   now,
			})
		}
		return s.txs.UpdateWithProblems(ctx, t, problems)
	}
	updated, err := s.mutateTransactionWith(ctx, req.TransactionID, apply, write)
	if err != nil {
		return nil, err
	}

	s.log.WithContext(ctx).WithTransaction(updated.ID).Infof("missing items reported", map[string]interface{}{
		"products": products,
	})
	return problems, nil
}

// RecordScannedItems 累加已扫描商品
func (s *SagaService) RecordScannedItems(ctx context.Context, txID string, items map[string]int) (*repository.Transaction, error) {
	if strings.TrimSpace(txID) == "" || len(items) == 0 {
		return nil, apperr.New(apperr.CodeInvalidParam, "transactionId and items required")
	}
	for id, qty := range items {
		if strings.TrimSpace(id) == "" || qty <= 0 {
			return nil, apperr.Newf(apperr.CodeInvalidParam, "invalid scanned item %q: %d", id, qty)
		}
	}
	return s.mutateTransaction(ctx, txID, func(t *repository.Transaction) error {
		t.ScannedItems = t.ScannedItems.Add(items)
		return nil
	})
}

// NotifyClient 办公室已通知客户，开始计时
func (s *SagaService) NotifyClient(ctx context.Context, problemID int64) (*repository.OfficeProblem, error) {
	p, err := s.problems.Get(ctx, problemID)
	if err != nil {
		return nil, toAppError(err)
	}
	if p.Status == saga.ProblemClientNotified {
		return p, nil
	}
	if p.Status != saga.ProblemPending {
		return nil, apperr.Newf(apperr.CodeInvalidTransition, "problem is %s", p.Status)
	}

	now := s.nowMs()
	notified := p.Clone()
	notified.Status = saga.ProblemClientNotified
	notified.NotifiedAtMs = now
	notified.UpdatedAtMs = now
	ok, err := s.problems.UpdateCAS(ctx, notified, saga.ProblemPending)
	if err != nil {
		return nil, fmt.Errorf("update problem: %w", err)
	}
	if !ok {
		return nil, apperr.New(apperr.CodeVersionConflict, "problem changed concurrently")
	}

	_, err = s.mutateTransaction(ctx, p.TransactionID, func(t *repository.Transaction) error {
		t.Status = saga.TxWaitingClient
		// 已有未回复的通知时沿用最早的计时
		if t.ClientNotifiedAtMs == 0 || t.ClientRespondedAtMs > 0 {
			t.ClientNotifiedAtMs = now
		}
		t.ClientRespondedAtMs = 0
		t.ClientDecision = ""
		return nil
	})
	if err != nil {
		back := notified.Clone()
		back.Status = saga.ProblemPending
		back.NotifiedAtMs = 0
		back.UpdatedAtMs = s.nowMs()
		if _, revertErr := s.problems.UpdateCAS(ctx, back, saga.ProblemClientNotified); revertErr != nil {
			s.log.WithContext(ctx).WithTransaction(p.TransactionID).WithError(revertErr).Warn("revert problem notification failed")
		}
		return nil, err
	}

	s.audit(ctx, p.TransactionID, audit.EventClientNotified, fmt.Sprintf("problem %d product %s", p.ID, p.ProductID))
	return notified, nil
}

// RecordClientDecision 记录客户决定；截止时间已过则拒绝并进入超时流程
func (s *SagaService) RecordClientDecision(ctx context.Context, problemID int64, decision saga.ClientDecision) (*repository.Transaction, error) {
	switch decision {
	case saga.DecisionContinue, saga.DecisionWait, saga.DecisionCancel:
	default:
		return nil, apperr.Newf(apperr.CodeInvalidParam, "unknown decision %q", decision)
	}

	p, err := s.problems.Get(ctx, problemID)
	if err != nil {
		return nil, toAppError(err)
	}
	if p.Status != saga.ProblemClientNotified {
		return nil, apperr.Newf(apperr.CodeInvalidTransition, "problem is %s", p.Status)
	}
	tx, err := s.txs.Get(ctx, p.TransactionID)
	if err != nil {
		return nil, toAppError(err)
	}
	if saga.IsTerminal(tx.Status) {
		return nil, apperr.Newf(apperr.CodeTerminalState, "transaction is %s", tx.Status)
	}

	now := s.nowMs()
	if tx.TimeoutEligible(now) {
		if err := s.timeoutTransaction(ctx, tx.ID); err != nil {
			s.log.WithContext(ctx).WithTransaction(tx.ID).WithError(err).Warn("timeout transaction failed")
		}
		return nil, apperr.New(apperr.CodeTimeout, "client decision deadline passed")
	}

	decided := p.Clone()
	decided.Status = saga.ProblemClientDecided
	decided.ClientDecision = decision
	decided.RespondedAtMs = now
	decided.UpdatedAtMs = now
	ok, err := s.problems.UpdateCAS(ctx, decided, saga.ProblemClientNotified)
	if err != nil {
		return nil, fmt.Errorf("update problem: %w", err)
	}
	if !ok {
		return nil, apperr.New(apperr.CodeVersionConflict, "problem changed concurrently")
	}

	// 其它已通知未回复的问题单继续计时
	pendingSince, err := s.earliestUnanswered(ctx, tx.ID, p.ID)
	if err != nil {
		s.revertDecision(ctx, decided)
		return nil, err
	}
	updated, err := s.mutateTransaction(ctx, tx.ID, func(t *repository.Transaction) error {
		if t.Status == saga.TxTimeout || t.Status == saga.TxCompensating {
			return apperr.Newf(apperr.CodeInvalidTransition, "transaction is %s", t.Status)
		}
		if pendingSince > 0 {
			t.ClientNotifiedAtMs = pendingSince
			t.ClientRespondedAtMs = 0
		} else {
			t.ClientRespondedAtMs = now
		}
		t.ClientDecision = decision
		if decision == saga.DecisionWait {
			t.Status = saga.TxWaitingOffice
		}
		return nil
	})
	if err != nil {
		s.revertDecision(ctx, decided)
		return nil, err
	}
	s.audit(ctx, tx.ID, audit.EventClientDecision, fmt.Sprintf("problem %d: %s", p.ID, decision))

	switch decision {
	case saga.DecisionContinue:
		return s.dropItem(ctx, decided, saga.OfficeSkipItem, "client continued without item")
	case saga.DecisionCancel:
		if err := s.closeProblem(ctx, decided, saga.ProblemCancelled, "", "client cancelled order"); err != nil {
			return nil, err
		}
		return s.cancelWith(ctx, tx.ID, saga.ReasonClientCancelled, fmt.Sprintf("problem %d", p.ID), actorClient)
	default:
		return updated, nil
	}
}

// earliestUnanswered 除 except 外仍为 CLIENT_NOTIFIED 的最早通知时间，没有则为 0
func (s *SagaService) earliestUnanswered(ctx context.Context, txID string, except int64) (int64, error) {
	problems, err := s.problems.ListByTransaction(ctx, txID)
	if err != nil {
		return 0, fmt.Errorf("list problems: %w", err)
	}
	var earliest int64
	for _, other := range problems {
		if other.ID == except || other.Status != saga.ProblemClientNotified {
			continue
		}
		if earliest == 0 || other.NotifiedAtMs < earliest {
			earliest = other.NotifiedAtMs
		}
	}
	return earliest, nil
}

// revertDecision 事务未能更新时问题单退回 CLIENT_NOTIFIED，客户可重新提交
func (s *SagaService) revertDecision(ctx context.Context, decided *repository.OfficeProblem) {
	back := decided.Clone()
	back.Status = saga.ProblemClientNotified
	back.ClientDecision = ""
	back.RespondedAtMs = 0
	back.UpdatedAtMs = s.nowMs()
	if _, err := s.problems.UpdateCAS(ctx, back, saga.ProblemClientDecided); err != nil {
		s.log.WithContext(ctx).WithTransaction(decided.TransactionID).WithError(err).Warn("revert client decision failed")
	}
}

// ResolveProblemRequest 办公室处理结果
type ResolveProblemRequest struct {
	ProblemID int64             `json:"problemId"`
	Action    saga.OfficeAction `json:"action"`
	Solution  string            `json:"solution"`
}

// ResolveProblem 办公室处理：恢复、跳过商品或取消订单
func (s *SagaService) ResolveProblem(ctx context.Context, req *ResolveProblemRequest) (*repository.Transaction, error) {
	if req == nil || req.ProblemID <= 0 {
		return nil, apperr.New(apperr.CodeInvalidParam, "problemId required")
	}
	p, err := s.problems.Get(ctx, req.ProblemID)
	if err != nil {
		return nil, toAppError(err)
	}
	if !p.Status.Open() {
		return nil, apperr.Newf(apperr.CodeInvalidTransition, "problem is %s", p.Status)
	}
	tx, err := s.txs.Get(ctx, p.TransactionID)
	if err != nil {
		return nil, toAppError(err)
	}
	if saga.IsTerminal(tx.Status) {
		return nil, apperr.Newf(apperr.CodeTerminalState, "transaction is %s", tx.Status)
	}
	solution := truncate(strings.TrimSpace(req.Solution), maxErrorMessageLen)

	var out *repository.Transaction
	switch req.Action {
	case saga.OfficeResume:
		if err := s.closeProblem(ctx, p, saga.ProblemResolved, saga.OfficeResume, solution); err != nil {
			return nil, err
		}
		out, err = s.removeMissing(ctx, p.TransactionID, p.ProductID, solution)
	case saga.OfficeSkipItem:
		out, err = s.dropItem(ctx, p, saga.OfficeSkipItem, solution)
	case saga.OfficeCancelOrder:
		if err := s.closeProblem(ctx, p, saga.ProblemCancelled, saga.OfficeCancelOrder, solution); err != nil {
			return nil, err
		}
		if solution != "" {
			if _, err := s.mutateTransaction(ctx, tx.ID, func(t *repository.Transaction) error {
				t.OfficeNotes = solution
				return nil
			}); err != nil {
				return nil, err
			}
		}
		out, err = s.cancelWith(ctx, tx.ID, saga.ReasonOfficeCancelled, solution, actorOffice)
	default:
		return nil, apperr.Newf(apperr.CodeInvalidParam, "unknown office action %q", req.Action)
	}
	if err != nil {
		return nil, err
	}

	s.audit(ctx, p.TransactionID, audit.EventProblemResolved, fmt.Sprintf("problem %d: %s", p.ID, req.Action))
	return out, nil
}

// dropItem 放弃缺货商品：标记退款、记一条 ITEM_SPECIFIC 补偿、关闭问题单
func (s *SagaService) dropItem(ctx context.Context, p *repository.OfficeProblem, action saga.OfficeAction, solution string) (*repository.Transaction, error) {
	if _, err := s.paybacks.MarkRefund(ctx, p.OrderID, p.ProductID, p.Quantity); err != nil {
		return nil, fmt.Errorf("mark refund: %w", err)
	}

	id, err := s.nextID()
	if err != nil {
		return nil, err
	}
	now := s.nowMs()
	if err := s.comps.InsertRecord(ctx, &repository.CompensationLog{
		ID:               id,
		TransactionID:    p.TransactionID,
		CompensationType: saga.CompensationItemSpecific,
		Reason:           saga.ReasonItemSkipped,
		Details:          fmt.Sprintf("problem %d", p.ID),
		CompensatedItems: repository.CompensatedItems{{ProductID: p.ProductID, Quantity: p.Quantity}},
		Status:           saga.CompensationCompleted,
		CreatedAtMs:      now,
		StartedAtMs:      now,
		CompletedAtMs:    now,
		UpdatedAtMs:      now,
	}); err != nil {
		return nil, fmt.Errorf("record item compensation: %w", err)
	}

	if err := s.closeProblem(ctx, p, saga.ProblemResolved, action, solution); err != nil {
		return nil, err
	}
	return s.removeMissing(ctx, p.TransactionID, p.ProductID, solution)
}

// removeMissing 移除缺货商品，全部处理完后恢复事务
func (s *SagaService) removeMissing(ctx context.Context, txID, productID, notes string) (*repository.Transaction, error) {
	now := s.nowMs()
	updated, err := s.mutateTransaction(ctx, txID, func(t *repository.Transaction) error {
		t.MissingItems = t.MissingItems.Remove(productID)
		if notes != "" {
			t.OfficeNotes = notes
		}
		if len(t.MissingItems) == 0 && (t.Status == saga.TxPaused || saga.IsWaiting(t.Status)) {
			t.Status = saga.TxActive
			t.ResumedAtMs = now
			t.PauseReason = ""
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if updated.Status == saga.TxActive {
		if err := s.checkCompletion(ctx, txID); err != nil {
			return updated, err
		}
	}
	return updated, nil
}

func (s *SagaService) closeProblem(ctx context.Context, p *repository.OfficeProblem, status saga.ProblemStatus, action saga.OfficeAction, solution string) error {
	now := s.nowMs()
	next := p.Clone()
	next.Status = status
	next.OfficeAction = action
	next.Solution = solution
	next.ResolvedAtMs = now
	next.UpdatedAtMs = now
	ok, err := s.problems.UpdateCAS(ctx, next, openProblemStatuses...)
	if err != nil {
		return fmt.Errorf("close problem %d: %w", p.ID, err)
	}
	if !ok {
		return apperr.New(apperr.CodeVersionConflict, "problem changed concurrently")
	}
	*p = *next
	return nil
}

// cancelOpenProblems 事务结束时关闭未处理的问题单
func (s *SagaService) cancelOpenProblems(ctx context.Context, txID string) {
	problems, err := s.problems.ListByTransaction(ctx, txID)
	if err != nil {
		s.log.WithContext(ctx).WithTransaction(txID).WithError(err).Warn("list problems failed")
		return
	}
	for _, p := range problems {
		if !p.Status.Open() {
			continue
		}
		if err := s.closeProblem(ctx, p, saga.ProblemCancelled, "", "transaction cancelled"); err != nil {
			s.log.WithContext(ctx).WithTransaction(txID).WithError(err).Warn("cancel problem failed")
		}
	}
}

// cancelWith 发起整单补偿并返回最新事务
func (s *SagaService) cancelWith(ctx context.Context, txID, reason, details, actor string) (*repository.Transaction, error) {
	resp, err := s.InitiateCompensation(ctx, &CompensationRequest{
		TransactionID: txID,
		Type:          saga.CompensationFull,
		Reason:        reason,
		Details:       details,
		Actor:         actor,
	})
	if err != nil {
		return nil, err
	}
	if !resp.Success && resp.ErrorCode != apperr.CodeCompensationActive {
		return nil, apperr.New(resp.ErrorCode, resp.Message)
	}
	tx, err := s.txs.Get(ctx, txID)
	if err != nil {
		return nil, toAppError(err)
	}
	return tx, nil
}

// EvaluateTimeouts 等待客户超时的事务进入 TIMEOUT 并补偿
func (s *SagaService) EvaluateTimeouts(ctx context.Context) error {
	expired, err := s.txs.ListTimedOut(ctx, s.nowMs(), s.opts.BatchSize)
	if err != nil {
		return fmt.Errorf("list timed out transactions: %w", err)
	}
	return s.runBatch(ctx, "evaluate-timeouts", len(expired), func(ctx context.Context, i int) error {
		return s.timeoutTransaction(ctx, expired[i].ID)
	})
}

func (s *SagaService) timeoutTransaction(ctx context.Context, txID string) error {
	var timedOut bool
	_, err := s.mutateTransaction(ctx, txID, func(t *repository.Transaction) error {
		timedOut = false
		if !t.TimeoutEligible(s.nowMs()) {
			return errNoChange
		}
		t.Status = saga.TxTimeout
		timedOut = true
		return nil
	})
	if err != nil {
		if apperr.CodeOf(err) == apperr.CodeTerminalState {
			return nil
		}
		return err
	}
	if !timedOut {
		return nil
	}

	s.cancelOpenProblems(ctx, txID)
	s.metrics.IncTimeouts()
	s.audit(ctx, txID, audit.EventTransactionTimeout, "client decision deadline passed")

	resp, err := s.InitiateCompensation(ctx, &CompensationRequest{
		TransactionID: txID,
		Type:          saga.CompensationFull,
		Reason:        saga.ReasonClientTimeout,
		Actor:         actorSystem,
	})
	if err != nil {
		return fmt.Errorf("initiate timeout compensation: %w", err)
	}
	if !resp.Success {
		s.log.WithContext(ctx).WithTransaction(txID).Warnf("timeout compensation not started", map[string]interface{}{
			"errorCode": string(resp.ErrorCode),
		})
	}
	return nil
}

// ListProblems 看板查询
func (s *SagaService) ListProblems(ctx context.Context, f repository.ProblemFilter) ([]*repository.OfficeProblem, error) {
	problems, err := s.problems.List(ctx, f)
	if err != nil {
		return nil, toAppError(err)
	}
	return problems, nil
}
