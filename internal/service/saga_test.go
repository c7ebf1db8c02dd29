package service

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/fulfillment/saga-orchestrator/internal/client"
	"github.com/fulfillment/saga-orchestrator/internal/repository"
	apperr "github.com/fulfillment/saga-orchestrator/pkg/errors"
	"github.com/fulfillment/saga-orchestrator/pkg/saga"
)

func stepAt(t *testing.T, h *harness, txID string, order int) *repository.SagaStep {
	t.Helper()
	for _, s := range h.db.txSteps(txID) {
		if s.StepOrder == order {
			return s
		}
	}
	t.Fatalf("step %d not found", order)
	return nil
}

func callIndex(calls []string, op string) int {
	for i, c := range calls {
		if c == op {
			return i
		}
	}
	return -1
}

func TestStartSaga_DefaultPlan(t *testing.T) {
	h := newHarness(t)
	resp, err := h.svc.StartSaga(context.Background(), &StartSagaRequest{OrderID: 100, ScannedItems: map[string]int{"P1": 1}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Existing {
		t.Fatal("expected new transaction")
	}
	if resp.Status != saga.TxCreated {
		t.Fatalf("expected CREATED, got %s", resp.Status)
	}
	if len(resp.StepIDs) != 8 {
		t.Fatalf("expected 8 steps, got %d", len(resp.StepIDs))
	}

	tx := h.db.tx(resp.TransactionID)
	if tx.TimeoutMinutes != 1440 {
		t.Fatalf("expected default timeout 1440, got %d", tx.TimeoutMinutes)
	}
	if tx.Version != 1 {
		t.Fatalf("expected version 1, got %d", tx.Version)
	}

	check := stepAt(t, h, resp.TransactionID, 2)
	validate := stepAt(t, h, resp.TransactionID, 1)
	if check.DependsOnStepID != validate.ID {
		t.Fatalf("expected CHECK_STOCK to depend on step %d, got %d", validate.ID, check.DependsOnStepID)
	}
	if validate.DependsOnStepID != 0 {
		t.Fatalf("expected no dependency for first step, got %d", validate.DependsOnStepID)
	}
	if !stepAt(t, h, resp.TransactionID, 6).IsCompensatable {
		t.Fatal("expected PROCESS_PAYMENT to be compensatable")
	}
	if stepAt(t, h, resp.TransactionID, 1).MaxRetries != 3 {
		t.Fatal("expected default max retries 3")
	}
	if h.gw.auditCount("TRANSACTION_CREATED") != 1 {
		t.Fatal("expected TRANSACTION_CREATED audit event")
	}
}

func TestStartSaga_Idempotent(t *testing.T) {
	h := newHarness(t)
	first := h.start(t, 200, nil)

	resp, err := h.svc.StartSaga(context.Background(), &StartSagaRequest{OrderID: 200})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !resp.Existing || resp.TransactionID != first {
		t.Fatalf("expected existing transaction %s, got %+v", first, resp)
	}
	if n := len(h.db.txSteps(first)); n != 8 {
		t.Fatalf("expected steps not duplicated, got %d", n)
	}
}

func TestStartSaga_Validation(t *testing.T) {
	h := newHarness(t)
	cases := []struct {
		name string
		req  *StartSagaRequest
	}{
		{"missing order", &StartSagaRequest{}},
		{"duplicate order", &StartSagaRequest{OrderID: 1, Steps: []StepSpec{
			{Order: 1, Type: saga.StepValidateOrder},
			{Order: 1, Type: saga.StepCheckStock},
		}}},
		{"forward dependency", &StartSagaRequest{OrderID: 1, Steps: []StepSpec{
			{Order: 1, Type: saga.StepValidateOrder, DependsOn: 2},
			{Order: 2, Type: saga.StepCheckStock},
		}}},
		{"unknown dependency", &StartSagaRequest{OrderID: 1, Steps: []StepSpec{
			{Order: 2, Type: saga.StepCheckStock, DependsOn: 1},
		}}},
		{"empty type", &StartSagaRequest{OrderID: 1, Steps: []StepSpec{{Order: 1}}}},
		{"negative retries", &StartSagaRequest{OrderID: 1, Steps: []StepSpec{{Order: 1, Type: saga.StepValidateOrder, MaxRetries: -1}}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.svc.StartSaga(context.Background(), tc.req)
			if apperr.CodeOf(err) != apperr.CodeInvalidParam {
				t.Fatalf("expected INVALID_PARAM, got %v", err)
			}
		})
	}
}

func TestExecute_IndependentStepsComplete(t *testing.T) {
	h := newHarness(t)
	txID := h.start(t, 300, []StepSpec{
		{Order: 1, Type: saga.StepValidateOrder},
		{Order: 2, Type: saga.StepNotifyOffice},
		{Order: 3, Type: saga.StepSendConfirmation},
	})

	if err := h.svc.ExecutePendingSteps(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tx := h.db.tx(txID)
	if tx.Status != saga.TxCompleted {
		t.Fatalf("expected COMPLETED, got %s", tx.Status)
	}
	if tx.StartedAtMs == 0 {
		t.Fatal("expected startedAt to be set")
	}
	if tx.CompletedAtMs < tx.StartedAtMs {
		t.Fatalf("completedAt %d before startedAt %d", tx.CompletedAtMs, tx.StartedAtMs)
	}
	for _, s := range h.db.txSteps(txID) {
		if s.Status != saga.StepCompleted {
			t.Fatalf("step %d: expected COMPLETED, got %s", s.StepOrder, s.Status)
		}
		if s.CompletedAtMs < s.StartedAtMs {
			t.Fatalf("step %d: completedAt before startedAt", s.StepOrder)
		}
	}
	if got := testutil.ToFloat64(h.metrics.Transitions.WithLabelValues("COMPLETED")); got != 1 {
		t.Fatalf("expected 1 COMPLETED transition, got %v", got)
	}
}

func TestExecute_DependencyOrder(t *testing.T) {
	h := newHarness(t)
	txID := h.start(t, 400, nil)

	h.drive(t, 10)

	if st := h.status(t, txID); st != saga.TxCompleted {
		t.Fatalf("expected COMPLETED, got %s", st)
	}
	for _, c := range h.db.claims {
		st, _ := (&memStepStore{h.db}).Get(context.Background(), c.stepID)
		if st.DependsOnStepID != 0 && !saga.DependencySatisfied(c.depStatus) {
			t.Fatalf("step %d claimed while dependency was %q", st.StepOrder, c.depStatus)
		}
	}

	calls := h.gw.callsSnapshot()
	order := []string{
		client.OpValidateOrder,
		client.OpCheckStock,
		client.OpReserveItems,
		client.OpNotifyCollector,
		client.OpProcessPayment,
		client.OpCreateDelivery,
		client.OpSendConfirmation,
	}
	for i := 1; i < len(order); i++ {
		if callIndex(calls, order[i-1]) > callIndex(calls, order[i]) {
			t.Fatalf("%s called before %s: %v", order[i], order[i-1], calls)
		}
	}
	if callIndex(calls, client.OpNotifyOffice) < callIndex(calls, client.OpReserveItems) {
		t.Fatalf("notifyOffice called before reserveItems: %v", calls)
	}
}

func TestExecute_UnknownStepTypeSkipped(t *testing.T) {
	h := newHarness(t)
	txID := h.start(t, 450, []StepSpec{
		{Order: 1, Type: saga.StepType("LEGACY_EXPORT")},
	})

	if err := h.svc.ExecutePendingSteps(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s := stepAt(t, h, txID, 1); s.Status != saga.StepSkipped {
		t.Fatalf("expected SKIPPED, got %s", s.Status)
	}
	if st := h.status(t, txID); st != saga.TxCompleted {
		t.Fatalf("expected COMPLETED after skip, got %s", st)
	}
}

func TestExecute_RetryCapStartsCompensation(t *testing.T) {
	h := newHarness(t)
	txID := h.start(t, 500, []StepSpec{
		{Order: 1, Type: saga.StepValidateOrder},
		{Order: 2, Type: saga.StepReserveItems, DependsOn: 1, Compensatable: true},
	})
	h.gw.failAlways(client.OpReserveItems, &client.CallError{Operation: client.OpReserveItems, StatusCode: 503, Retryable: true})

	// 第一次与第二次失败后仍可重试
	h.drive(t, 3)
	reserve := stepAt(t, h, txID, 2)
	if reserve.RetryCount != 2 || reserve.Status != saga.StepPending {
		t.Fatalf("expected requeued step with 2 retries, got %s/%d", reserve.Status, reserve.RetryCount)
	}
	if st := h.status(t, txID); st != saga.TxActive {
		t.Fatalf("expected ACTIVE before retry cap, got %s", st)
	}

	h.drive(t, 3)
	reserve = stepAt(t, h, txID, 2)
	if reserve.RetryCount != 3 {
		t.Fatalf("expected 3 retries, got %d", reserve.RetryCount)
	}
	if n := h.gw.count(client.OpReserveItems); n != 3 {
		t.Fatalf("expected 3 reserve attempts, got %d", n)
	}
	if st := h.status(t, txID); st != saga.TxCompensating {
		t.Fatalf("expected COMPENSATING, got %s", st)
	}

	comps := h.db.txComps(txID)
	if len(comps) != 1 {
		t.Fatalf("expected 1 compensation, got %d", len(comps))
	}
	if comps[0].Reason != "STEP_FAILED:RESERVE_ITEMS" || comps[0].SagaStepID != reserve.ID {
		t.Fatalf("unexpected compensation: %+v", comps[0])
	}
	if got := testutil.ToFloat64(h.metrics.StepOutcomes.WithLabelValues("RESERVE_ITEMS", "permanent")); got != 1 {
		t.Fatalf("expected 1 permanent failure, got %v", got)
	}

	if err := h.svc.ProcessCompensations(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if st := h.status(t, txID); st != saga.TxCancelled {
		t.Fatalf("expected CANCELLED, got %s", st)
	}
	for _, op := range []string{client.OpCancelReservations, client.OpNotifyCollectorAboutCancellation, client.OpProcessRefund} {
		if h.gw.count(op) != 1 {
			t.Fatalf("expected %s once, got %d", op, h.gw.count(op))
		}
	}
	if s := stepAt(t, h, txID, 1); s.Status != saga.StepCompleted {
		t.Fatalf("expected non-compensatable step to stay COMPLETED, got %s", s.Status)
	}
}

func TestExecute_RetryRecovers(t *testing.T) {
	h := newHarness(t)
	txID := h.start(t, 550, []StepSpec{{Order: 1, Type: saga.StepProcessPayment, Compensatable: true}})
	h.gw.failTimes(client.OpProcessPayment, 2)

	h.drive(t, 4)

	if st := h.status(t, txID); st != saga.TxCompleted {
		t.Fatalf("expected COMPLETED, got %s", st)
	}
	s := stepAt(t, h, txID, 1)
	if s.RetryCount != 2 || s.ErrorMessage != "" {
		t.Fatalf("expected retry count 2 and cleared error, got %d %q", s.RetryCount, s.ErrorMessage)
	}
}

func TestExecute_RetryWaitsForBackoff(t *testing.T) {
	h := newHarness(t)
	txID := h.start(t, 560, []StepSpec{{Order: 1, Type: saga.StepValidateOrder}})
	h.gw.failTimes(client.OpValidateOrder, 1)
	ctx := context.Background()

	_ = h.svc.ExecutePendingSteps(ctx)
	if err := h.svc.RequeueDueRetries(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s := stepAt(t, h, txID, 1); s.Status != saga.StepFailed {
		t.Fatalf("expected FAILED until backoff elapses, got %s", s.Status)
	}

	h.clock.Advance(time.Second)
	if err := h.svc.RequeueDueRetries(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s := stepAt(t, h, txID, 1); s.Status != saga.StepPending {
		t.Fatalf("expected PENDING after backoff, got %s", s.Status)
	}
}

func TestExecute_PausedTransactionNotRun(t *testing.T) {
	h := newHarness(t)
	txID := h.start(t, 570, nil)
	if _, err := h.svc.ReportMissingItems(context.Background(), &MissingItemsReport{
		TransactionID: txID,
		Items:         map[string]int{"P9": 1},
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	h.drive(t, 3)

	if n := len(h.gw.callsSnapshot()); n != 0 {
		t.Fatalf("expected no step calls while paused, got %v", h.gw.callsSnapshot())
	}
	if st := h.status(t, txID); st != saga.TxPaused {
		t.Fatalf("expected PAUSED, got %s", st)
	}
}

func TestRecoverStaleSteps(t *testing.T) {
	h := newHarness(t)
	txID := h.start(t, 600, []StepSpec{{Order: 1, Type: saga.StepValidateOrder}})
	s := stepAt(t, h, txID, 1)

	claimed := s.Clone()
	claimed.Status = saga.StepInProgress
	claimed.StartedAtMs = h.clock.Now().UnixMilli()
	claimed.UpdatedAtMs = claimed.StartedAtMs
	if ok, _ := (&memStepStore{h.db}).UpdateCAS(context.Background(), claimed, saga.StepPending); !ok {
		t.Fatal("claim failed")
	}

	h.clock.Advance(4 * time.Minute)
	if err := h.svc.RecoverStaleSteps(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := stepAt(t, h, txID, 1); got.Status != saga.StepInProgress {
		t.Fatalf("expected lease to hold, got %s", got.Status)
	}

	h.clock.Advance(2 * time.Minute)
	if err := h.svc.RecoverStaleSteps(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := stepAt(t, h, txID, 1)
	if got.Status != saga.StepFailed || got.RetryCount != 1 {
		t.Fatalf("expected FAILED with 1 retry, got %s/%d", got.Status, got.RetryCount)
	}
	if got.ErrorMessage != errLeaseExpired.Error() {
		t.Fatalf("unexpected error message %q", got.ErrorMessage)
	}
}

// claimStep 模拟执行中的步骤
func claimStep(t *testing.T, h *harness, txID string, order int) *repository.SagaStep {
	t.Helper()
	claimed := stepAt(t, h, txID, order).Clone()
	claimed.Status = saga.StepInProgress
	claimed.StartedAtMs = h.clock.Now().UnixMilli()
	claimed.UpdatedAtMs = claimed.StartedAtMs
	if ok, _ := (&memStepStore{h.db}).UpdateCAS(context.Background(), claimed, saga.StepPending); !ok {
		t.Fatal("claim failed")
	}
	return claimed
}

func setTxStatus(h *harness, txID string, status saga.TransactionStatus) {
	h.db.mu.Lock()
	h.db.txs[txID].Status = status
	h.db.mu.Unlock()
}

func TestRecoverStaleSteps_FinishedTransactionUntouched(t *testing.T) {
	h := newHarness(t)
	txID := h.start(t, 610, []StepSpec{{Order: 1, Type: saga.StepValidateOrder}})
	claimed := claimStep(t, h, txID, 1)
	setTxStatus(h, txID, saga.TxCancelled)

	h.clock.Advance(10 * time.Minute)
	if err := h.svc.RecoverStaleSteps(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := h.svc.handleStepFailure(context.Background(), claimed, errLeaseExpired); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := stepAt(t, h, txID, 1)
	if got.Status != saga.StepInProgress || got.RetryCount != 0 {
		t.Fatalf("expected step unchanged, got %s/%d", got.Status, got.RetryCount)
	}
	if n := h.gw.auditCount("STEP_FAILED"); n != 0 {
		t.Fatalf("expected no STEP_FAILED audit, got %d", n)
	}
}

func TestCompleteStep_LateResultOnCancelledTransaction(t *testing.T) {
	h := newHarness(t)
	txID := h.start(t, 620, []StepSpec{{Order: 1, Type: saga.StepProcessPayment}})
	claimed := claimStep(t, h, txID, 1)
	setTxStatus(h, txID, saga.TxCancelled)

	if err := h.svc.completeStep(context.Background(), claimed, saga.StepCompleted); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := stepAt(t, h, txID, 1); got.Status != saga.StepInProgress {
		t.Fatalf("expected step untouched on cancelled transaction, got %s", got.Status)
	}
	if st := h.status(t, txID); st != saga.TxCancelled {
		t.Fatalf("expected CANCELLED, got %s", st)
	}
	if n := h.gw.auditCount("STEP_LATE_RESULT"); n != 1 {
		t.Fatalf("expected 1 late result audit, got %d", n)
	}
	if n := h.gw.auditCount("STEP_COMPLETED"); n != 0 {
		t.Fatalf("expected no STEP_COMPLETED audit, got %d", n)
	}
	if got := testutil.ToFloat64(h.metrics.StepOutcomes.WithLabelValues("PROCESS_PAYMENT", "late")); got != 1 {
		t.Fatalf("expected 1 late outcome, got %v", got)
	}
}

func TestCompleteStep_LateResultWhileCompensating(t *testing.T) {
	h := newHarness(t)
	txID := h.start(t, 630, []StepSpec{{Order: 1, Type: saga.StepProcessPayment}})
	claimed := claimStep(t, h, txID, 1)
	setTxStatus(h, txID, saga.TxCompensating)

	if err := h.svc.completeStep(context.Background(), claimed, saga.StepCompleted); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// 补偿流程需要看到该步骤已执行
	if got := stepAt(t, h, txID, 1); got.Status != saga.StepCompleted {
		t.Fatalf("expected COMPLETED, got %s", got.Status)
	}
	if st := h.status(t, txID); st != saga.TxCompensating {
		t.Fatalf("expected COMPENSATING, got %s", st)
	}
	if n := h.gw.auditCount("STEP_LATE_RESULT"); n != 1 {
		t.Fatalf("expected 1 late result audit, got %d", n)
	}
}

func TestFinalizeTransactions(t *testing.T) {
	h := newHarness(t)
	txID := h.start(t, 700, []StepSpec{{Order: 1, Type: saga.StepValidateOrder}})

	h.db.mu.Lock()
	h.db.txs[txID].Status = saga.TxActive
	h.db.txs[txID].StartedAtMs = h.clock.Now().UnixMilli()
	for _, s := range h.db.steps {
		s.Status = saga.StepCompleted
	}
	h.db.mu.Unlock()

	if err := h.svc.FinalizeTransactions(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if st := h.status(t, txID); st != saga.TxCompleted {
		t.Fatalf("expected COMPLETED, got %s", st)
	}
}

func TestMutateTransaction_RetriesVersionConflict(t *testing.T) {
	h := newHarness(t)
	txID := h.start(t, 800, nil)

	h.db.mu.Lock()
	h.db.forceTxConflict = 2
	h.db.mu.Unlock()
	tx, err := h.svc.RecordScannedItems(context.Background(), txID, map[string]int{"P3": 4})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tx.ScannedItems["P3"] != 4 || tx.ScannedItems["P1"] != 2 {
		t.Fatalf("unexpected scanned items: %v", tx.ScannedItems)
	}

	h.db.mu.Lock()
	h.db.forceTxConflict = maxMutateAttempts
	h.db.mu.Unlock()
	_, err = h.svc.RecordScannedItems(context.Background(), txID, map[string]int{"P3": 1})
	if apperr.CodeOf(err) != apperr.CodeVersionConflict {
		t.Fatalf("expected VERSION_CONFLICT, got %v", err)
	}
}

func TestTerminalTransactionImmutable(t *testing.T) {
	h := newHarness(t)
	txID := h.start(t, 900, []StepSpec{{Order: 1, Type: saga.StepValidateOrder}})
	if err := h.svc.ExecutePendingSteps(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	before := h.db.tx(txID)
	if before.Status != saga.TxCompleted {
		t.Fatalf("expected COMPLETED, got %s", before.Status)
	}
	ctx := context.Background()

	resp, err := h.svc.InitiateCompensation(ctx, &CompensationRequest{TransactionID: txID})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Success || resp.ErrorCode != apperr.CodeTerminalState {
		t.Fatalf("expected TERMINAL_STATE rejection, got %+v", resp)
	}
	if _, err := h.svc.RecordScannedItems(ctx, txID, map[string]int{"P1": 1}); apperr.CodeOf(err) != apperr.CodeTerminalState {
		t.Fatalf("expected TERMINAL_STATE, got %v", err)
	}
	if _, err := h.svc.ReportMissingItems(ctx, &MissingItemsReport{TransactionID: txID, Items: map[string]int{"P1": 1}}); apperr.CodeOf(err) != apperr.CodeTerminalState {
		t.Fatalf("expected TERMINAL_STATE, got %v", err)
	}
	if _, err := h.svc.ResetStep(ctx, stepAt(t, h, txID, 1).ID); apperr.CodeOf(err) != apperr.CodeTerminalState {
		t.Fatalf("expected TERMINAL_STATE, got %v", err)
	}

	after := h.db.tx(txID)
	if after.Version != before.Version || after.Status != before.Status {
		t.Fatalf("terminal transaction changed: %+v", after)
	}
	if len(h.db.txComps(txID)) != 0 {
		t.Fatal("expected no compensation log for terminal transaction")
	}
}

func TestBackoff(t *testing.T) {
	h := newHarness(t)
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 4 * time.Second}
	for i, w := range want {
		if got := h.svc.backoff(i + 1); got != w {
			t.Fatalf("attempt %d: expected %s, got %s", i+1, w, got)
		}
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("abcdef", 3); got != "abc" {
		t.Fatalf("expected abc, got %q", got)
	}
	if got := truncate("ab", 3); got != "ab" {
		t.Fatalf("expected ab, got %q", got)
	}
}
