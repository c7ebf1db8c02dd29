package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/fulfillment/saga-orchestrator/internal/client"
	"github.com/fulfillment/saga-orchestrator/internal/metrics"
	"github.com/fulfillment/saga-orchestrator/internal/repository"
	"github.com/fulfillment/saga-orchestrator/pkg/audit"
	apperr "github.com/fulfillment/saga-orchestrator/pkg/errors"
	"github.com/fulfillment/saga-orchestrator/pkg/logger"
	"github.com/fulfillment/saga-orchestrator/pkg/saga"
)

const maxMutateAttempts = 3

// errNoChange fn 判断无需写入时返回
var errNoChange = errors.New("no change")

// Options 编排参数
type Options struct {
	MaxRetries             int
	CompensationMaxRetries int
	DefaultTimeoutMinutes  int
	RetryBaseDelay         time.Duration
	RetryMaxDelay          time.Duration
	StepLeaseTimeout       time.Duration
	CallTimeout            time.Duration
	BatchSize              int
	Concurrency            int
	SystemAccountName      string
}

func DefaultOptions() Options {
	return Options{
		MaxRetries:             3,
		CompensationMaxRetries: 3,
		DefaultTimeoutMinutes:  1440,
		RetryBaseDelay:         30 * time.Second,
		RetryMaxDelay:          10 * time.Minute,
		StepLeaseTimeout:       5 * time.Minute,
		CallTimeout:            10 * time.Second,
		BatchSize:              100,
		Concurrency:            8,
		SystemAccountName:      "saga-system",
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MaxRetries <= 0 {
		o.MaxRetries = d.MaxRetries
	}
	if o.CompensationMaxRetries <= 0 {
		o.CompensationMaxRetries = d.CompensationMaxRetries
	}
	if o.DefaultTimeoutMinutes <= 0 {
		o.DefaultTimeoutMinutes = d.DefaultTimeoutMinutes
	}
	if o.RetryBaseDelay <= 0 {
		o.RetryBaseDelay = d.RetryBaseDelay
	}
	if o.RetryMaxDelay < o.RetryBaseDelay {
		o.RetryMaxDelay = o.RetryBaseDelay
	}
	if o.StepLeaseTimeout <= 0 {
		o.StepLeaseTimeout = d.StepLeaseTimeout
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = d.CallTimeout
	}
	if o.BatchSize <= 0 {
		o.BatchSize = d.BatchSize
	}
	if o.Concurrency <= 0 {
		o.Concurrency = d.Concurrency
	}
	if o.SystemAccountName == "" {
		o.SystemAccountName = d.SystemAccountName
	}
	return o
}

// SagaService 订单 saga 编排
type SagaService struct {
	txs      TransactionStore
	steps    StepStore
	comps    CompensationStore
	problems ProblemStore
	paybacks PaybackStore
	accounts AccountStore

	gateway Gateway
	idGen   IDGenerator
	log     *logger.Logger
	metrics *metrics.Metrics
	opts    Options
	now     func() time.Time

	systemAccount atomic.Pointer[repository.SystemAccount]
}

// NewSagaService 创建编排服务
func NewSagaService(stores Stores, gateway Gateway, idGen IDGenerator, log *logger.Logger, m *metrics.Metrics, opts Options) *SagaService {
	if log == nil {
		log = logger.Nop()
	}
	if m == nil {
		m = metrics.New(nil)
	}
	return &SagaService{
		txs:      stores.Transactions,
		steps:    stores.Steps,
		comps:    stores.Compensations,
		problems: stores.Problems,
		paybacks: stores.Paybacks,
		accounts: stores.Accounts,
		gateway:  gateway,
		idGen:    idGen,
		log:      log,
		metrics:  m,
		opts:     opts.withDefaults(),
		now:      time.Now,
	}
}

// SetClock 替换时钟（测试使用）
func (s *SagaService) SetClock(now func() time.Time) {
	s.now = now
}

func (s *SagaService) nowMs() int64 {
	return s.now().UnixMilli()
}

// StepSpec 自定义计划中的步骤，依赖按 Order 引用
type StepSpec struct {
	Order         int           `json:"order"`
	Type          saga.StepType `json:"type"`
	DependsOn     int           `json:"dependsOn,omitempty"`
	Compensatable bool          `json:"compensatable,omitempty"`
	MaxRetries    int           `json:"maxRetries,omitempty"`
}

// DefaultPlan 默认订单履约计划
func DefaultPlan() []StepSpec {
	return []StepSpec{
		{Order: 1, Type: saga.StepValidateOrder},
		{Order: 2, Type: saga.StepCheckStock, DependsOn: 1},
		{Order: 3, Type: saga.StepReserveItems, DependsOn: 2, Compensatable: true},
		{Order: 4, Type: saga.StepNotifyCollector, DependsOn: 3, Compensatable: true},
		{Order: 5, Type: saga.StepNotifyOffice, DependsOn: 3},
		{Order: 6, Type: saga.StepProcessPayment, DependsOn: 4, Compensatable: true},
		{Order: 7, Type: saga.StepCreateDelivery, DependsOn: 6, Compensatable: true},
		{Order: 8, Type: saga.StepSendConfirmation, DependsOn: 7},
	}
}

type StartSagaRequest struct {
	OrderID                 int64          `json:"orderId"`
	CollectorID             int64          `json:"collectorId"`
	ClientID                int64          `json:"clientId"`
	ScannedItems            map[string]int `json:"scannedItems"`
	TimeoutMinutes          int            `json:"timeoutMinutes"`
	EstimatedCompletionAtMs int64          `json:"estimatedCompletionAt"`
	Steps                   []StepSpec     `json:"steps"`
}

type StartSagaResponse struct {
	TransactionID string                 `json:"transactionId"`
	Status        saga.TransactionStatus `json:"status"`
	Existing      bool                   `json:"existing"`
	StepIDs       []int64                `json:"stepIds,omitempty"`
}

// StartSaga 创建事务及其步骤；同一订单重复调用返回已有事务
func (s *SagaService) StartSaga(ctx context.Context, req *StartSagaRequest) (*StartSagaResponse, error) {
	if req == nil || req.OrderID <= 0 {
		return nil, apperr.New(apperr.CodeInvalidParam, "orderId required")
	}
	plan := req.Steps
	if len(plan) == 0 {
		plan = DefaultPlan()
	}
	if err := validatePlan(plan); err != nil {
		return nil, err
	}

	if existing, err := s.txs.GetByOrderID(ctx, req.OrderID); err == nil {
		return &StartSagaResponse{TransactionID: existing.ID, Status: existing.Status, Existing: true}, nil
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, toAppError(err)
	}

	now := s.nowMs()
	timeout := req.TimeoutMinutes
	if timeout <= 0 {
		timeout = s.opts.DefaultTimeoutMinutes
	}
	scanned := repository.ItemQuantities{}.Add(req.ScannedItems)
	tx := &repository.Transaction{
		ID:                      uuid.NewString(),
		OrderID:                 req.OrderID,
		CollectorID:             req.CollectorID,
		ClientID:                req.ClientID,
		Status:                  saga.TxCreated,
		ScannedItems:            scanned,
		MissingItems:            repository.ItemQuantities{},
		TimeoutMinutes:          timeout,
		EstimatedCompletionAtMs: req.EstimatedCompletionAtMs,
		CreatedAtMs:             now,
		UpdatedAtMs:             now,
		Version:                 1,
	}

	steps, err := s.buildSteps(tx.ID, plan, now)
	if err != nil {
		return nil, err
	}

	if err := s.txs.CreateWithSteps(ctx, tx, steps); err != nil {
		if errors.Is(err, repository.ErrDuplicateOrder) {
			existing, getErr := s.txs.GetByOrderID(ctx, req.OrderID)
			if getErr != nil {
				return nil, toAppError(getErr)
			}
			return &StartSagaResponse{TransactionID: existing.ID, Status: existing.Status, Existing: true}, nil
		}
		return nil, toAppError(err)
	}

	s.audit(ctx, tx.ID, audit.EventTransactionCreated, fmt.Sprintf("order %d, %d steps", tx.OrderID, len(steps)))
	s.log.WithContext(ctx).WithTransaction(tx.ID).Infof("saga started", map[string]interface{}{
		"orderId": tx.OrderID,
		"steps":   len(steps),
	})

	ids := make([]int64, len(steps))
	for i, st := range steps {
		ids[i] = st.ID
	}
	return &StartSagaResponse{TransactionID: tx.ID, Status: tx.Status, StepIDs: ids}, nil
}

func validatePlan(plan []StepSpec) error {
	orders := make(map[int]struct{}, len(plan))
	for _, sp := range plan {
		if sp.Order <= 0 {
			return apperr.New(apperr.CodeInvalidParam, "step order must be positive")
		}
		if sp.Type == "" {
			return apperr.Newf(apperr.CodeInvalidParam, "step %d: type required", sp.Order)
		}
		if _, dup := orders[sp.Order]; dup {
			return apperr.Newf(apperr.CodeInvalidParam, "duplicate step order %d", sp.Order)
		}
		if sp.MaxRetries < 0 {
			return apperr.Newf(apperr.CodeInvalidParam, "step %d: maxRetries must not be negative", sp.Order)
		}
		orders[sp.Order] = struct{}{}
	}
	for _, sp := range plan {
		if sp.DependsOn == 0 {
			continue
		}
		if _, ok := orders[sp.DependsOn]; !ok || sp.DependsOn >= sp.Order {
			return apperr.Newf(apperr.CodeInvalidParam, "step %d: invalid dependency %d", sp.Order, sp.DependsOn)
		}
	}
	return nil
}

func (s *SagaService) buildSteps(txID string, plan []StepSpec, now int64) ([]*repository.SagaStep, error) {
	sorted := append([]StepSpec(nil), plan...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Order < sorted[j].Order })

	idByOrder := make(map[int]int64, len(sorted))
	steps := make([]*repository.SagaStep, 0, len(sorted))
	for _, sp := range sorted {
		id, err := s.idGen.NextID()
		if err != nil {
			return nil, fmt.Errorf("generate step id: %w", err)
		}
		idByOrder[sp.Order] = id
		maxRetries := sp.MaxRetries
		if maxRetries == 0 {
			maxRetries = s.opts.MaxRetries
		}
		steps = append(steps, &repository.SagaStep{
			ID:              id,
			TransactionID:   txID,
			StepOrder:       sp.Order,
			StepType:        sp.Type,
			Status:          saga.StepPending,
			DependsOnStepID: idByOrder[sp.DependsOn],
			IsCompensatable: sp.Compensatable,
			MaxRetries:      maxRetries,
			CreatedAtMs:     now,
			UpdatedAtMs:     now,
		})
	}
	return steps, nil
}

// mutateTransaction 读-改-写事务：校验状态迁移，版本冲突时重新读取并重新评估 fn
func (s *SagaService) mutateTransaction(ctx context.Context, id string, fn func(t *repository.Transaction) error) (*repository.Transaction, error) {
	return s.mutateTransactionWith(ctx, id, fn, func(next *repository.Transaction) error {
		return s.txs.Update(ctx, next)
	})
}

// mutateTransactionWith 同 mutateTransaction，由 write 负责持久化（可附带其它行）
func (s *SagaService) mutateTransactionWith(ctx context.Context, id string, fn, write func(t *repository.Transaction) error) (*repository.Transaction, error) {
	for attempt := 0; attempt < maxMutateAttempts; attempt++ {
		current, err := s.txs.Get(ctx, id)
		if err != nil {
			return nil, toAppError(err)
		}
		if saga.IsTerminal(current.Status) {
			return current, apperr.Newf(apperr.CodeTerminalState, "transaction %s is %s", id, current.Status)
		}

		next := current.Clone()
		if err := fn(next); err != nil {
			if errors.Is(err, errNoChange) {
				return current, nil
			}
			return current, err
		}
		if err := saga.ValidateTransition(current.Status, next.Status); err != nil {
			return current, apperr.Wrap(apperr.CodeInvalidTransition, err)
		}
		next.UpdatedAtMs = s.nowMs()

		err = write(next)
		if err == nil {
			if current.Status != next.Status {
				s.statusChanged(ctx, next, current.Status)
			}
			return next, nil
		}
		if !errors.Is(err, repository.ErrVersionConflict) {
			return current, toAppError(err)
		}
		s.log.WithContext(ctx).WithTransaction(id).Debug("version conflict, retrying")
	}
	return nil, apperr.Newf(apperr.CodeVersionConflict, "transaction %s: concurrent update", id)
}

// statusChanged 状态变更后的通知（尽力而为）
func (s *SagaService) statusChanged(ctx context.Context, t *repository.Transaction, from saga.TransactionStatus) {
	s.metrics.IncTransition(string(t.Status))
	s.log.WithContext(ctx).WithTransaction(t.ID).Infof("transaction status changed", map[string]interface{}{
		"from": string(from),
		"to":   string(t.Status),
	})

	callCtx, cancel := context.WithTimeout(ctx, s.opts.CallTimeout)
	defer cancel()
	err := s.gateway.UpdateTransactionStatus(callCtx, &client.StatusUpdate{
		TransactionID: t.ID,
		OrderID:       t.OrderID,
		Status:        string(t.Status),
	})
	if err != nil {
		s.log.WithContext(ctx).WithTransaction(t.ID).WithError(err).Warn("update transaction status failed")
	}
	s.audit(ctx, t.ID, audit.EventStatusChanged, fmt.Sprintf("%s -> %s", from, t.Status))
}

func (s *SagaService) audit(ctx context.Context, txID string, ev audit.EventType, detail string) {
	if err := s.gateway.LogAuditEvent(ctx, txID, string(ev), detail); err != nil {
		s.log.WithContext(ctx).WithTransaction(txID).WithError(err).Warn("log audit event failed")
	}
}

func (s *SagaService) nextID() (int64, error) {
	id, err := s.idGen.NextID()
	if err != nil {
		return 0, fmt.Errorf("generate id: %w", err)
	}
	return id, nil
}

func sagaRequest(t *repository.Transaction, reason string) *client.SagaRequest {
	return &client.SagaRequest{
		TransactionID: t.ID,
		OrderID:       t.OrderID,
		CollectorID:   t.CollectorID,
		ClientID:      t.ClientID,
		Items:         t.ScannedItems.Clone(),
		Reason:        reason,
	}
}

// toAppError 仓储错误映射为业务错误码，未知错误原样返回
func toAppError(err error) error {
	if err == nil {
		return nil
	}
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return err
	}
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return apperr.Wrap(apperr.CodeNotFound, err)
	case errors.Is(err, repository.ErrVersionConflict):
		return apperr.Wrap(apperr.CodeVersionConflict, err)
	case errors.Is(err, repository.ErrCompensationActive):
		return apperr.Wrap(apperr.CodeCompensationActive, err)
	case errors.Is(err, repository.ErrTerminalState):
		return apperr.Wrap(apperr.CodeTerminalState, err)
	case errors.Is(err, repository.ErrDuplicateOrder):
		return apperr.Wrap(apperr.CodeAlreadyExists, err)
	default:
		return err
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
