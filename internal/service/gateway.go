package service

import (
	"context"

	"github.com/fulfillment/saga-orchestrator/internal/client"
)

// Gateway 外部服务网关
type Gateway interface {
	ValidateOrder(ctx context.Context, req *client.SagaRequest) error
	CheckStock(ctx context.Context, req *client.SagaRequest) (*client.StockReport, error)
	ReserveItems(ctx context.Context, req *client.SagaRequest) error
	NotifyOffice(ctx context.Context, req *client.SagaRequest) error
	NotifyCollector(ctx context.Context, req *client.SagaRequest) error
	CreateDelivery(ctx context.Context, req *client.SagaRequest) error
	ProcessPayment(ctx context.Context, req *client.SagaRequest) error
	SendConfirmation(ctx context.Context, req *client.SagaRequest) error

	// 补偿动作
	CancelReservations(ctx context.Context, req *client.SagaRequest) error
	NotifyCollectorAboutCancellation(ctx context.Context, req *client.SagaRequest) error
	CancelDelivery(ctx context.Context, req *client.SagaRequest) error
	ProcessRefund(ctx context.Context, req *client.SagaRequest) error

	UpdateTransactionStatus(ctx context.Context, req *client.StatusUpdate) error
	LogAuditEvent(ctx context.Context, transactionID, eventType, detail string) error
	RefundPayback(ctx context.Context, req *client.PaybackRefundRequest) error
}
