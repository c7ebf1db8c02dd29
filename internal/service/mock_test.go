package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fulfillment/saga-orchestrator/internal/client"
	"github.com/fulfillment/saga-orchestrator/internal/metrics"
	"github.com/fulfillment/saga-orchestrator/internal/repository"
	"github.com/fulfillment/saga-orchestrator/pkg/logger"
	"github.com/fulfillment/saga-orchestrator/pkg/saga"
)

// mockIDGen mock ID 生成器
type mockIDGen struct {
	id  int64
	err error
}

func (m *mockIDGen) NextID() (int64, error) {
	if m.err != nil {
		return 0, m.err
	}
	return atomic.AddInt64(&m.id, 1), nil
}

// testClock 可推进的时钟
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.UnixMilli(1_700_000_000_000)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type cartLine struct {
	cartID    int64
	orderID   int64
	productID string
	quantity  int
	price     int64
	refundQty int
	vozvrat   string
}

// memDB 内存数据库，所有 store 共享一把锁
type memDB struct {
	mu sync.Mutex

	txs      map[string]*repository.Transaction
	steps    map[int64]*repository.SagaStep
	comps    map[int64]*repository.CompensationLog
	problems map[int64]*repository.OfficeProblem
	paybacks map[int64]*repository.Payback
	accounts map[string]*repository.SystemAccount
	cart     []*cartLine

	// 记录步骤进入 COMPENSATED 的顺序
	compensatedOrder []int64
	// 记录步骤被认领时其依赖的状态
	claims []claimRecord

	updateTxErr      error
	forceTxConflict  int
	createProblemErr error
}

type claimRecord struct {
	stepID    int64
	depStatus saga.StepStatus
}

func newMemDB() *memDB {
	return &memDB{
		txs:      make(map[string]*repository.Transaction),
		steps:    make(map[int64]*repository.SagaStep),
		comps:    make(map[int64]*repository.CompensationLog),
		problems: make(map[int64]*repository.OfficeProblem),
		paybacks: make(map[int64]*repository.Payback),
		accounts: make(map[string]*repository.SystemAccount),
	}
}

func (db *memDB) stores() Stores {
	return Stores{
		Transactions:  &memTxStore{db},
		Steps:         &memStepStore{db},
		Compensations: &memCompStore{db},
		Problems:      &memProblemStore{db},
		Paybacks:      &memPaybackStore{db},
		Accounts:      &memAccountStore{db},
	}
}

func (db *memDB) tx(id string) *repository.Transaction {
	db.mu.Lock()
	defer db.mu.Unlock()
	t, ok := db.txs[id]
	if !ok {
		return nil
	}
	return t.Clone()
}

func (db *memDB) txSteps(id string) []*repository.SagaStep {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.stepsLocked(id)
}

func (db *memDB) stepsLocked(id string) []*repository.SagaStep {
	var out []*repository.SagaStep
	for _, s := range db.steps {
		if s.TransactionID == id {
			out = append(out, s.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepOrder < out[j].StepOrder })
	return out
}

func (db *memDB) txComps(id string) []*repository.CompensationLog {
	db.mu.Lock()
	defer db.mu.Unlock()
	var out []*repository.CompensationLog
	for _, c := range db.comps {
		if c.TransactionID == id {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (db *memDB) activeComps(id string) int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.activeCompsLocked(id, 0)
}

func (db *memDB) activeCompsLocked(txID string, except int64) int {
	n := 0
	for _, c := range db.comps {
		if c.TransactionID == txID && c.ID != except && c.Status.Active() {
			n++
		}
	}
	return n
}

// ---- transactions ----

type memTxStore struct{ db *memDB }

func (m *memTxStore) CreateWithSteps(_ context.Context, t *repository.Transaction, steps []*repository.SagaStep) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	for _, existing := range m.db.txs {
		if existing.OrderID == t.OrderID {
			return repository.ErrDuplicateOrder
		}
	}
	m.db.txs[t.ID] = t.Clone()
	for _, s := range steps {
		m.db.steps[s.ID] = s.Clone()
	}
	return nil
}

func (m *memTxStore) Get(_ context.Context, id string) (*repository.Transaction, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	t, ok := m.db.txs[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return t.Clone(), nil
}

func (m *memTxStore) GetByOrderID(_ context.Context, orderID int64) (*repository.Transaction, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	for _, t := range m.db.txs {
		if t.OrderID == orderID {
			return t.Clone(), nil
		}
	}
	return nil, repository.ErrNotFound
}

func (m *memTxStore) Update(_ context.Context, t *repository.Transaction) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	return m.updateLocked(t)
}

// UpdateWithProblems 任一失败都不写入
func (m *memTxStore) UpdateWithProblems(_ context.Context, t *repository.Transaction, problems []*repository.OfficeProblem) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	if m.db.createProblemErr != nil {
		return m.db.createProblemErr
	}
	if err := m.updateLocked(t); err != nil {
		return err
	}
	for _, p := range problems {
		m.db.problems[p.ID] = p.Clone()
	}
	return nil
}

func (m *memTxStore) updateLocked(t *repository.Transaction) error {
	if m.db.updateTxErr != nil {
		return m.db.updateTxErr
	}
	if m.db.forceTxConflict > 0 {
		m.db.forceTxConflict--
		return repository.ErrVersionConflict
	}
	stored, ok := m.db.txs[t.ID]
	if !ok || stored.Version != t.Version || saga.IsTerminal(stored.Status) {
		return repository.ErrVersionConflict
	}
	t.Version++
	m.db.txs[t.ID] = t.Clone()
	return nil
}

func (m *memTxStore) List(_ context.Context, f repository.TransactionFilter) ([]*repository.Transaction, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	var out []*repository.Transaction
	for _, t := range m.db.txs {
		if f.OrderID != 0 && t.OrderID != f.OrderID {
			continue
		}
		if len(f.Statuses) > 0 && !containsStatus(f.Statuses, t.Status) {
			continue
		}
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAtMs > out[j].CreatedAtMs })
	return out, nil
}

func (m *memTxStore) ListTimedOut(_ context.Context, nowMs int64, _ int) ([]*repository.Transaction, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	var out []*repository.Transaction
	for _, t := range m.db.txs {
		if t.TimeoutEligible(nowMs) {
			out = append(out, t.Clone())
		}
	}
	return out, nil
}

func (m *memTxStore) ListCompletable(_ context.Context, _ int) ([]*repository.Transaction, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	var out []*repository.Transaction
	for _, t := range m.db.txs {
		if t.Status != saga.TxActive {
			continue
		}
		done := true
		for _, s := range m.db.stepsLocked(t.ID) {
			if !saga.StepDone(s.Status) {
				done = false
				break
			}
		}
		if done {
			out = append(out, t.Clone())
		}
	}
	return out, nil
}

func containsStatus[T comparable](in []T, v T) bool {
	for _, s := range in {
		if s == v {
			return true
		}
	}
	return false
}

// ---- steps ----

type memStepStore struct{ db *memDB }

func (m *memStepStore) Get(_ context.Context, id int64) (*repository.SagaStep, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	s, ok := m.db.steps[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return s.Clone(), nil
}

func (m *memStepStore) ListByTransaction(_ context.Context, txID string) ([]*repository.SagaStep, error) {
	return m.db.txSteps(txID), nil
}

func (m *memStepStore) ListRunnable(_ context.Context, _ int) ([]*repository.PendingStep, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	var out []*repository.PendingStep
	for _, s := range m.db.steps {
		if s.Status != saga.StepPending {
			continue
		}
		t := m.db.txs[s.TransactionID]
		if t == nil || !saga.Runnable(t.Status) {
			continue
		}
		ps := &repository.PendingStep{Step: s.Clone(), TransactionStatus: t.Status}
		if dep, ok := m.db.steps[s.DependsOnStepID]; ok {
			ps.DependencyStatus = dep.Status
		}
		out = append(out, ps)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Step.TransactionID != out[j].Step.TransactionID {
			return out[i].Step.TransactionID < out[j].Step.TransactionID
		}
		return out[i].Step.StepOrder < out[j].Step.StepOrder
	})
	return out, nil
}

func (m *memStepStore) ListDueRetries(_ context.Context, nowMs int64, _ int) ([]*repository.SagaStep, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	var out []*repository.SagaStep
	for _, s := range m.db.steps {
		t := m.db.txs[s.TransactionID]
		if s.Status == saga.StepFailed && s.RetryCount < s.MaxRetries && s.NextRetryAtMs <= nowMs &&
			t != nil && saga.Runnable(t.Status) {
			out = append(out, s.Clone())
		}
	}
	return out, nil
}

func (m *memStepStore) ListStale(_ context.Context, cutoffMs int64, _ int) ([]*repository.SagaStep, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	var out []*repository.SagaStep
	for _, s := range m.db.steps {
		tx := m.db.txs[s.TransactionID]
		if tx == nil || saga.IsTerminal(tx.Status) {
			continue
		}
		if s.Status == saga.StepInProgress && s.UpdatedAtMs < cutoffMs {
			out = append(out, s.Clone())
		}
	}
	return out, nil
}

func (m *memStepStore) UpdateCAS(_ context.Context, s *repository.SagaStep, expected ...saga.StepStatus) (bool, error) {
	if len(expected) == 0 {
		return false, errors.New("expected statuses required")
	}
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	stored, ok := m.db.steps[s.ID]
	if !ok || !containsStatus(expected, stored.Status) {
		return false, nil
	}
	if s.Status == saga.StepInProgress && stored.Status == saga.StepPending {
		var dep saga.StepStatus
		if d, ok := m.db.steps[stored.DependsOnStepID]; ok {
			dep = d.Status
		}
		m.db.claims = append(m.db.claims, claimRecord{stepID: s.ID, depStatus: dep})
	}
	if s.Status == saga.StepCompensated {
		m.db.compensatedOrder = append(m.db.compensatedOrder, s.ID)
	}
	m.db.steps[s.ID] = s.Clone()
	return true, nil
}

// ---- compensations ----

type memCompStore struct{ db *memDB }

func (m *memCompStore) Start(_ context.Context, c *repository.CompensationLog) (*repository.Transaction, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	t, ok := m.db.txs[c.TransactionID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if saga.IsTerminal(t.Status) {
		return nil, repository.ErrTerminalState
	}
	if m.db.activeCompsLocked(c.TransactionID, 0) > 0 {
		return nil, repository.ErrCompensationActive
	}
	m.db.comps[c.ID] = c.Clone()
	if t.Status != saga.TxCompensating {
		t.Status = saga.TxCompensating
		t.UpdatedAtMs = c.CreatedAtMs
		t.Version++
	}
	return t.Clone(), nil
}

func (m *memCompStore) Complete(_ context.Context, c *repository.CompensationLog) (*repository.Transaction, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	stored, ok := m.db.comps[c.ID]
	if !ok || stored.Status != saga.CompensationInProgress {
		return nil, repository.ErrVersionConflict
	}
	t, ok := m.db.txs[c.TransactionID]
	if !ok || t.Status != saga.TxCompensating {
		return nil, repository.ErrVersionConflict
	}
	done := c.Clone()
	done.Status = saga.CompensationCompleted
	done.UpdatedAtMs = c.CompletedAtMs
	m.db.comps[c.ID] = done
	t.Status = saga.TxCancelled
	t.CancelledAtMs = c.CompletedAtMs
	t.UpdatedAtMs = c.CompletedAtMs
	t.Version++
	c.Status = saga.CompensationCompleted
	return t.Clone(), nil
}

func (m *memCompStore) InsertRecord(_ context.Context, c *repository.CompensationLog) error {
	if c.Status.Active() {
		return errors.New("record must not be active")
	}
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	m.db.comps[c.ID] = c.Clone()
	return nil
}

func (m *memCompStore) Get(_ context.Context, id int64) (*repository.CompensationLog, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	c, ok := m.db.comps[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return c.Clone(), nil
}

func (m *memCompStore) ListByStatus(_ context.Context, status saga.CompensationStatus, _ int) ([]*repository.CompensationLog, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	var out []*repository.CompensationLog
	for _, c := range m.db.comps {
		if c.Status == status && c.ExhaustedAtMs == 0 {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memCompStore) ListByTransaction(_ context.Context, txID string) ([]*repository.CompensationLog, error) {
	return m.db.txComps(txID), nil
}

func (m *memCompStore) UpdateCAS(_ context.Context, c *repository.CompensationLog, expected ...saga.CompensationStatus) (bool, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	stored, ok := m.db.comps[c.ID]
	if !ok || !containsStatus(expected, stored.Status) {
		return false, nil
	}
	if c.Status.Active() && m.db.activeCompsLocked(c.TransactionID, c.ID) > 0 {
		return false, repository.ErrCompensationActive
	}
	m.db.comps[c.ID] = c.Clone()
	return true, nil
}

func (m *memCompStore) Requeue(_ context.Context, id int64, nowMs int64) (bool, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	c, ok := m.db.comps[id]
	if !ok || c.Status != saga.CompensationFailed || m.db.activeCompsLocked(c.TransactionID, id) > 0 {
		return false, nil
	}
	c.Status = saga.CompensationPending
	c.UpdatedAtMs = nowMs
	return true, nil
}

// ---- problems ----

type memProblemStore struct{ db *memDB }

func (m *memProblemStore) Get(_ context.Context, id int64) (*repository.OfficeProblem, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	p, ok := m.db.problems[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return p.Clone(), nil
}

func (m *memProblemStore) UpdateCAS(_ context.Context, p *repository.OfficeProblem, expected ...saga.ProblemStatus) (bool, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	stored, ok := m.db.problems[p.ID]
	if !ok || !containsStatus(expected, stored.Status) {
		return false, nil
	}
	m.db.problems[p.ID] = p.Clone()
	return true, nil
}

func (m *memProblemStore) ListByTransaction(ctx context.Context, txID string) ([]*repository.OfficeProblem, error) {
	return m.List(ctx, repository.ProblemFilter{TransactionID: txID})
}

func (m *memProblemStore) List(_ context.Context, f repository.ProblemFilter) ([]*repository.OfficeProblem, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	var out []*repository.OfficeProblem
	for _, p := range m.db.problems {
		if f.TransactionID != "" && p.TransactionID != f.TransactionID {
			continue
		}
		if f.OrderID != 0 && p.OrderID != f.OrderID {
			continue
		}
		if f.CollectorID != 0 && p.CollectorID != f.CollectorID {
			continue
		}
		if len(f.Statuses) > 0 && !containsStatus(f.Statuses, p.Status) {
			continue
		}
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ---- paybacks ----

type memPaybackStore struct{ db *memDB }

func (m *memPaybackStore) MarkRefund(_ context.Context, orderID int64, productID string, qty int) (int64, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	var n int64
	for _, l := range m.db.cart {
		if l.orderID != orderID || l.productID != productID || (l.vozvrat != "" && l.vozvrat != repository.VozvratRequested) {
			continue
		}
		l.vozvrat = repository.VozvratRequested
		if qty <= 0 {
			l.refundQty = l.quantity
		} else {
			l.refundQty = min(l.quantity, l.refundQty+qty)
		}
		n++
	}
	return n, nil
}

func (m *memPaybackStore) ListFlaggedCarts(_ context.Context, _ int) ([]int64, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	seen := map[int64]bool{}
	var out []int64
	for _, l := range m.db.cart {
		if l.vozvrat == repository.VozvratRequested && !seen[l.cartID] {
			seen[l.cartID] = true
			out = append(out, l.cartID)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (m *memPaybackStore) FlagCart(_ context.Context, cartID, paybackID, nowMs int64) (*repository.Payback, bool, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	var (
		lines   []*cartLine
		amount  int64
		orderID int64
	)
	for _, l := range m.db.cart {
		if l.cartID == cartID && l.vozvrat == repository.VozvratRequested {
			lines = append(lines, l)
			amount += l.price * int64(l.refundQty)
			orderID = l.orderID
		}
	}
	if len(lines) == 0 {
		return nil, false, nil
	}
	var (
		pb      *repository.Payback
		created bool
	)
	for _, existing := range m.db.paybacks {
		if existing.CartID == cartID {
			pb = existing
		}
	}
	if pb == nil {
		pb = &repository.Payback{
			ID: paybackID, CartID: cartID, OrderID: orderID, AmountMinor: amount,
			Status: repository.PaybackCreated, CreatedAtMs: nowMs, UpdatedAtMs: nowMs,
		}
		m.db.paybacks[pb.ID] = pb
		created = true
	}
	for _, l := range lines {
		l.vozvrat = repository.VozvratRecorded
	}
	cp := *pb
	return &cp, created, nil
}

func (m *memPaybackStore) ListCreated(_ context.Context, _ int) ([]*repository.Payback, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	var out []*repository.Payback
	for _, p := range m.db.paybacks {
		if p.Status == repository.PaybackCreated {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memPaybackStore) MarkCompleted(_ context.Context, id, nowMs int64) (bool, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	p, ok := m.db.paybacks[id]
	if !ok || p.Status != repository.PaybackCreated {
		return false, nil
	}
	p.Status = repository.PaybackCompleted
	p.CompletedAtMs = nowMs
	p.UpdatedAtMs = nowMs
	p.LastError = ""
	return true, nil
}

func (m *memPaybackStore) RecordFailure(_ context.Context, id int64, errMsg string, nowMs int64) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	if p, ok := m.db.paybacks[id]; ok && p.Status == repository.PaybackCreated {
		p.Attempts++
		p.LastError = errMsg
		p.UpdatedAtMs = nowMs
	}
	return nil
}

// ---- accounts ----

type memAccountStore struct{ db *memDB }

func (m *memAccountStore) Ensure(_ context.Context, acc *repository.SystemAccount) (*repository.SystemAccount, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	if existing, ok := m.db.accounts[acc.Name]; ok {
		cp := *existing
		return &cp, nil
	}
	cp := *acc
	m.db.accounts[acc.Name] = &cp
	out := cp
	return &out, nil
}

// ---- gateway ----

// mockGateway 记录调用顺序，可按操作注入错误
type mockGateway struct {
	mu sync.Mutex

	calls    []string
	errs     map[string]error
	failLeft map[string]int
	missing  map[string]int // CheckStock 首次返回的缺货

	statusUpdates []string
	audits        []string
	paybackCalls  []*client.PaybackRefundRequest
}

func newMockGateway() *mockGateway {
	return &mockGateway{
		errs:     make(map[string]error),
		failLeft: make(map[string]int),
	}
}

// failAlways 让操作一直失败
func (g *mockGateway) failAlways(op string, err error) {
	g.mu.Lock()
	g.errs[op] = err
	g.mu.Unlock()
}

// failTimes 让操作先失败 n 次
func (g *mockGateway) failTimes(op string, n int) {
	g.mu.Lock()
	g.failLeft[op] = n
	g.mu.Unlock()
}

func (g *mockGateway) clear(op string) {
	g.mu.Lock()
	delete(g.errs, op)
	delete(g.failLeft, op)
	g.mu.Unlock()
}

func (g *mockGateway) record(op string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, op)
	if err := g.errs[op]; err != nil {
		return err
	}
	if g.failLeft[op] > 0 {
		g.failLeft[op]--
		return &client.CallError{Operation: op, StatusCode: 503, Retryable: true}
	}
	return nil
}

func (g *mockGateway) count(op string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, c := range g.calls {
		if c == op {
			n++
		}
	}
	return n
}

func (g *mockGateway) callsSnapshot() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.calls...)
}

func (g *mockGateway) auditCount(event string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, a := range g.audits {
		if a == event {
			n++
		}
	}
	return n
}

func (g *mockGateway) ValidateOrder(_ context.Context, _ *client.SagaRequest) error {
	return g.record(client.OpValidateOrder)
}

func (g *mockGateway) CheckStock(_ context.Context, _ *client.SagaRequest) (*client.StockReport, error) {
	if err := g.record(client.OpCheckStock); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	report := &client.StockReport{Missing: g.missing}
	g.missing = nil
	return report, nil
}

func (g *mockGateway) ReserveItems(_ context.Context, _ *client.SagaRequest) error {
	return g.record(client.OpReserveItems)
}

func (g *mockGateway) NotifyOffice(_ context.Context, _ *client.SagaRequest) error {
	return g.record(client.OpNotifyOffice)
}

func (g *mockGateway) NotifyCollector(_ context.Context, _ *client.SagaRequest) error {
	return g.record(client.OpNotifyCollector)
}

func (g *mockGateway) CreateDelivery(_ context.Context, _ *client.SagaRequest) error {
	return g.record(client.OpCreateDelivery)
}

func (g *mockGateway) ProcessPayment(_ context.Context, _ *client.SagaRequest) error {
	return g.record(client.OpProcessPayment)
}

func (g *mockGateway) SendConfirmation(_ context.Context, _ *client.SagaRequest) error {
	return g.record(client.OpSendConfirmation)
}

func (g *mockGateway) CancelReservations(_ context.Context, _ *client.SagaRequest) error {
	return g.record(client.OpCancelReservations)
}

func (g *mockGateway) NotifyCollectorAboutCancellation(_ context.Context, _ *client.SagaRequest) error {
	return g.record(client.OpNotifyCollectorAboutCancellation)
}

func (g *mockGateway) CancelDelivery(_ context.Context, _ *client.SagaRequest) error {
	return g.record(client.OpCancelDelivery)
}

func (g *mockGateway) ProcessRefund(_ context.Context, _ *client.SagaRequest) error {
	return g.record(client.OpProcessRefund)
}

func (g *mockGateway) UpdateTransactionStatus(_ context.Context, req *client.StatusUpdate) error {
	g.mu.Lock()
	g.statusUpdates = append(g.statusUpdates, req.Status)
	g.mu.Unlock()
	return nil
}

func (g *mockGateway) LogAuditEvent(_ context.Context, _ string, eventType, _ string) error {
	g.mu.Lock()
	g.audits = append(g.audits, eventType)
	g.mu.Unlock()
	return nil
}

func (g *mockGateway) RefundPayback(_ context.Context, req *client.PaybackRefundRequest) error {
	if err := g.record(client.OpRefundPayback); err != nil {
		return err
	}
	g.mu.Lock()
	g.paybackCalls = append(g.paybackCalls, req)
	g.mu.Unlock()
	return nil
}

// ---- harness ----

type harness struct {
	svc     *SagaService
	db      *memDB
	gw      *mockGateway
	clock   *testClock
	metrics *metrics.Metrics
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db := newMemDB()
	gw := newMockGateway()
	clock := newTestClock()
	m := metrics.New(nil)
	opts := DefaultOptions()
	opts.RetryBaseDelay = time.Second
	opts.RetryMaxDelay = 4 * time.Second
	svc := NewSagaService(db.stores(), gw, &mockIDGen{}, logger.Nop(), m, opts)
	svc.SetClock(clock.Now)
	return &harness{svc: svc, db: db, gw: gw, clock: clock, metrics: m}
}

func (h *harness) start(t *testing.T, orderID int64, steps []StepSpec) string {
	t.Helper()
	resp, err := h.svc.StartSaga(context.Background(), &StartSagaRequest{
		OrderID:      orderID,
		CollectorID:  7,
		ClientID:     8,
		ScannedItems: map[string]int{"P1": 2, "P2": 1},
		Steps:        steps,
	})
	if err != nil {
		t.Fatalf("start saga: %v", err)
	}
	return resp.TransactionID
}

// drive 反复执行步骤轮询与重试轮询，直到没有新进展
func (h *harness) drive(t *testing.T, rounds int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < rounds; i++ {
		_ = h.svc.ExecutePendingSteps(ctx)
		h.clock.Advance(time.Minute)
		_ = h.svc.RequeueDueRetries(ctx)
	}
}

func (h *harness) status(t *testing.T, id string) saga.TransactionStatus {
	t.Helper()
	tx := h.db.tx(id)
	if tx == nil {
		t.Fatalf("transaction %s not found", id)
	}
	return tx.Status
}
