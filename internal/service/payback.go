package service

import (
	"context"
	"fmt"

	"github.com/fulfillment/saga-orchestrator/internal/client"
	"github.com/fulfillment/saga-orchestrator/internal/repository"
	"github.com/fulfillment/saga-orchestrator/pkg/audit"
	apperr "github.com/fulfillment/saga-orchestrator/pkg/errors"
)

const systemAccountRole = "system"

// EnsureSystemAccount 启动时创建（或读取）具名系统账户
func (s *SagaService) EnsureSystemAccount(ctx context.Context) (*repository.SystemAccount, error) {
	id, err := s.nextID()
	if err != nil {
		return nil, err
	}
	acc, err := s.accounts.Ensure(ctx, &repository.SystemAccount{
		ID:          id,
		Name:        s.opts.SystemAccountName,
		Role:        systemAccountRole,
		CreatedAtMs: s.nowMs(),
	})
	if err != nil {
		return nil, fmt.Errorf("ensure system account: %w", err)
	}
	s.systemAccount.Store(acc)
	return acc, nil
}

// FlagRefunds 为待退款购物车写入退款台账（按 cart_id 幂等）
func (s *SagaService) FlagRefunds(ctx context.Context) error {
	carts, err := s.paybacks.ListFlaggedCarts(ctx, s.opts.BatchSize)
	if err != nil {
		return fmt.Errorf("list flagged carts: %w", err)
	}
	return s.runBatch(ctx, "flag-refunds", len(carts), func(ctx context.Context, i int) error {
		cartID := carts[i]
		id, err := s.nextID()
		if err != nil {
			return err
		}
		pb, created, err := s.paybacks.FlagCart(ctx, cartID, id, s.nowMs())
		if err != nil {
			return fmt.Errorf("flag cart %d: %w", cartID, err)
		}
		if !created {
			return nil
		}
		s.metrics.IncPaybacksCreated()
		s.audit(ctx, "", audit.EventPaybackCreated, fmt.Sprintf("payback %d cart %d amount %d", pb.ID, cartID, pb.AmountMinor))
		s.log.WithContext(ctx).WithField("cartId", cartID).Infof("payback created", map[string]interface{}{
			"paybackId":   pb.ID,
			"amountMinor": pb.AmountMinor,
		})
		return nil
	})
}

// DrainPaybacks 以系统账户执行 created 状态的退款
func (s *SagaService) DrainPaybacks(ctx context.Context) error {
	acc := s.systemAccount.Load()
	if acc == nil {
		return apperr.New(apperr.CodeUnavailable, "system account not initialised")
	}
	pending, err := s.paybacks.ListCreated(ctx, s.opts.BatchSize)
	if err != nil {
		return fmt.Errorf("list created paybacks: %w", err)
	}
	return s.runBatch(ctx, "drain-paybacks", len(pending), func(ctx context.Context, i int) error {
		pb := pending[i]
		callCtx, cancel := context.WithTimeout(ctx, s.opts.CallTimeout)
		callErr := s.gateway.RefundPayback(callCtx, &client.PaybackRefundRequest{
			PaybackID:   pb.ID,
			CartID:      pb.CartID,
			OrderID:     pb.OrderID,
			AmountMinor: pb.AmountMinor,
			Account:     acc.Name,
		})
		cancel()
		if callErr != nil {
			if err := s.paybacks.RecordFailure(ctx, pb.ID, truncate(callErr.Error(), maxErrorMessageLen), s.nowMs()); err != nil {
				return combine(callErr, err)
			}
			return fmt.Errorf("refund payback %d: %w", pb.ID, callErr)
		}

		ok, err := s.paybacks.MarkCompleted(ctx, pb.ID, s.nowMs())
		if err != nil {
			return fmt.Errorf("complete payback %d: %w", pb.ID, err)
		}
		if ok {
			s.metrics.IncPaybacksCompleted()
			s.audit(ctx, "", audit.EventPaybackCompleted, fmt.Sprintf("payback %d cart %d order %d", pb.ID, pb.CartID, pb.OrderID))
		}
		return nil
	})
}
