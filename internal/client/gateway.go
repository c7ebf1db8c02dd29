package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/fulfillment/saga-orchestrator/internal/metrics"
	"github.com/fulfillment/saga-orchestrator/pkg/audit"
	"github.com/fulfillment/saga-orchestrator/pkg/logger"
	"github.com/fulfillment/saga-orchestrator/pkg/response"
	"github.com/fulfillment/saga-orchestrator/pkg/tracing"
)

const maxResponseBytes = 1 << 20

// 下游操作名，同时用作幂等键后缀与指标标签
const (
	OpValidateOrder                    = "validateOrder"
	OpCheckStock                       = "checkStock"
	OpReserveItems                     = "reserveItems"
	OpCancelReservations               = "cancelReservations"
	OpSendConfirmation                 = "sendConfirmation"
	OpUpdateTransactionStatus          = "updateTransactionStatus"
	OpNotifyOffice                     = "notifyOffice"
	OpNotifyCollector                  = "notifyCollector"
	OpNotifyCollectorAboutCancellation = "notifyCollectorAboutCancellation"
	OpCreateDelivery                   = "createDelivery"
	OpCancelDelivery                   = "cancelDelivery"
	OpProcessPayment                   = "processPayment"
	OpProcessRefund                    = "processRefund"
	OpRefundPayback                    = "refundPayback"
)

// Endpoints 各协作服务的 base URL
type Endpoints struct {
	Order     string
	Collector string
	Office    string
	Delivery  string
	Payment   string
}

// AuditSink 审计事件落库（audit.DBLogger）
type AuditSink interface {
	Log(ctx context.Context, ev *audit.Event) error
}

// Options 网关配置
type Options struct {
	InternalToken string
	Timeout       time.Duration
	RetryMax      int
	RetryWaitMin  time.Duration
	RetryWaitMax  time.Duration
	Audit         AuditSink
	Logger        *logger.Logger
	Metrics       *metrics.Metrics
	HTTPClient    *http.Client
}

// ServiceGateway 通过 HTTP JSON 调用订单/拣货员/办公室/配送/支付服务
type ServiceGateway struct {
	endpoints Endpoints
	token     string
	client    *retryablehttp.Client
	audit     AuditSink
	log       *logger.Logger
	metrics   *metrics.Metrics
}

func NewServiceGateway(endpoints Endpoints, opts Options) *ServiceGateway {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.RetryMax < 0 {
		opts.RetryMax = 0
	}
	if opts.RetryWaitMin <= 0 {
		opts.RetryWaitMin = 200 * time.Millisecond
	}
	if opts.RetryWaitMax < opts.RetryWaitMin {
		opts.RetryWaitMax = 2 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = cleanhttp.DefaultPooledClient()
	}
	httpClient.Timeout = opts.Timeout

	rc := retryablehttp.NewClient()
	rc.HTTPClient = httpClient
	rc.RetryMax = opts.RetryMax
	rc.RetryWaitMin = opts.RetryWaitMin
	rc.RetryWaitMax = opts.RetryWaitMax
	rc.CheckRetry = retryablehttp.DefaultRetryPolicy
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	rc.Logger = &retryLogger{log: opts.Logger.WithField("component", "gateway")}

	return &ServiceGateway{
		endpoints: endpoints,
		token:     opts.InternalToken,
		client:    rc,
		audit:     opts.Audit,
		log:       opts.Logger,
		metrics:   opts.Metrics,
	}
}

func (g *ServiceGateway) ValidateOrder(ctx context.Context, req *SagaRequest) error {
	return g.call(ctx, g.endpoints.Order, "/internal/orders/validate", OpValidateOrder, req.TransactionID, req, nil)
}

// CheckStock 返回缺货明细
func (g *ServiceGateway) CheckStock(ctx context.Context, req *SagaRequest) (*StockReport, error) {
	var report StockReport
	if err := g.call(ctx, g.endpoints.Order, "/internal/orders/check-stock", OpCheckStock, req.TransactionID, req, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

func (g *ServiceGateway) ReserveItems(ctx context.Context, req *SagaRequest) error {
	return g.call(ctx, g.endpoints.Order, "/internal/orders/reserve", OpReserveItems, req.TransactionID, req, nil)
}

func (g *ServiceGateway) CancelReservations(ctx context.Context, req *SagaRequest) error {
	return g.call(ctx, g.endpoints.Order, "/internal/orders/cancel-reservation", OpCancelReservations, req.TransactionID, req, nil)
}

func (g *ServiceGateway) SendConfirmation(ctx context.Context, req *SagaRequest) error {
	return g.call(ctx, g.endpoints.Order, "/internal/orders/confirm", OpSendConfirmation, req.TransactionID, req, nil)
}

func (g *ServiceGateway) NotifyOffice(ctx context.Context, req *SagaRequest) error {
	return g.call(ctx, g.endpoints.Office, "/internal/office/notify", OpNotifyOffice, req.TransactionID, req, nil)
}

func (g *ServiceGateway) NotifyCollector(ctx context.Context, req *SagaRequest) error {
	return g.call(ctx, g.endpoints.Collector, "/internal/collectors/notify", OpNotifyCollector, req.TransactionID, req, nil)
}

func (g *ServiceGateway) NotifyCollectorAboutCancellation(ctx context.Context, req *SagaRequest) error {
	return g.call(ctx, g.endpoints.Collector, "/internal/collectors/cancel", OpNotifyCollectorAboutCancellation, req.TransactionID, req, nil)
}

func (g *ServiceGateway) CreateDelivery(ctx context.Context, req *SagaRequest) error {
	return g.call(ctx, g.endpoints.Delivery, "/internal/deliveries", OpCreateDelivery, req.TransactionID, req, nil)
}

func (g *ServiceGateway) CancelDelivery(ctx context.Context, req *SagaRequest) error {
	return g.call(ctx, g.endpoints.Delivery, "/internal/deliveries/cancel", OpCancelDelivery, req.TransactionID, req, nil)
}

func (g *ServiceGateway) ProcessPayment(ctx context.Context, req *SagaRequest) error {
	return g.call(ctx, g.endpoints.Payment, "/internal/payments/charge", OpProcessPayment, req.TransactionID, req, nil)
}

func (g *ServiceGateway) ProcessRefund(ctx context.Context, req *SagaRequest) error {
	return g.call(ctx, g.endpoints.Payment, "/internal/payments/refund", OpProcessRefund, req.TransactionID, req, nil)
}

// UpdateTransactionStatus 同步状态给订单服务，幂等键包含目标状态
func (g *ServiceGateway) UpdateTransactionStatus(ctx context.Context, req *StatusUpdate) error {
	key := req.TransactionID + ":" + req.Status
	return g.call(ctx, g.endpoints.Order, "/internal/orders/saga-status", OpUpdateTransactionStatus, key, req, nil)
}

// RefundPayback 以系统账户执行台账退款，幂等键 payback:<id>
func (g *ServiceGateway) RefundPayback(ctx context.Context, req *PaybackRefundRequest) error {
	return g.doPost(ctx, g.endpoints.Payment, "/internal/payments/payback", OpRefundPayback, req.IdempotencyKey(), req, nil)
}

// LogAuditEvent 写审计事件；未配置审计存储时仅记录日志
func (g *ServiceGateway) LogAuditEvent(ctx context.Context, transactionID, eventType, detail string) error {
	if g.audit == nil {
		g.log.WithContext(ctx).WithTransaction(transactionID).Infof("audit event", map[string]interface{}{
			"eventType": eventType,
			"detail":    detail,
		})
		return nil
	}
	ev := audit.NewEvent(audit.EventType(eventType), transactionID).WithDetail(detail)
	if err := g.audit.Log(ctx, ev); err != nil {
		return fmt.Errorf("log audit event: %w", err)
	}
	return nil
}

func (g *ServiceGateway) call(ctx context.Context, baseURL, path, op, scope string, body, out interface{}) error {
	return g.doPost(ctx, baseURL, path, op, scope+":"+op, body, out)
}

func (g *ServiceGateway) doPost(ctx context.Context, baseURL, path, op, idemKey string, body, out interface{}) error {
	err := g.post(ctx, baseURL, path, op, idemKey, body, out)
	if g.metrics != nil {
		g.metrics.IncGatewayCall(op, err)
	}
	return err
}

func (g *ServiceGateway) post(ctx context.Context, baseURL, path, op, idemKey string, body, out interface{}) error {
	if strings.TrimSpace(baseURL) == "" {
		return &CallError{Operation: op, Message: "endpoint not configured"}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal %s body: %w", op, err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(baseURL, "/")+path, payload)
	if err != nil {
		return fmt.Errorf("create %s request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Idempotency-Key", idemKey)
	if g.token != "" {
		req.Header.Set("X-Internal-Token", g.token)
	}
	tracing.InjectHTTP(ctx, req.Header)
	response.InjectRequestID(ctx, req.Header)

	resp, err := g.client.Do(req)
	if err != nil && resp == nil {
		return &CallError{Operation: op, Retryable: true, cause: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return &CallError{Operation: op, StatusCode: resp.StatusCode, Retryable: true, cause: err}
	}

	var result struct {
		envelope
		Data json.RawMessage `json:"data"`
	}
	decodeErr := json.Unmarshal(bytes.TrimSpace(raw), &result)

	if resp.StatusCode != http.StatusOK {
		return &CallError{
			Operation:  op,
			StatusCode: resp.StatusCode,
			Code:       result.ErrorCode,
			Message:    result.Message,
			Retryable:  retryableStatus(resp.StatusCode),
		}
	}
	if decodeErr != nil {
		return &CallError{Operation: op, StatusCode: resp.StatusCode, cause: fmt.Errorf("decode response: %w", decodeErr)}
	}
	if !result.Success {
		return &CallError{
			Operation:  op,
			StatusCode: resp.StatusCode,
			Code:       result.ErrorCode,
			Message:    result.Message,
			Retryable:  result.Retryable,
		}
	}
	if out != nil && len(result.Data) > 0 && string(result.Data) != "null" {
		if err := json.Unmarshal(result.Data, out); err != nil {
			return &CallError{Operation: op, StatusCode: resp.StatusCode, cause: fmt.Errorf("decode data: %w", err)}
		}
	}
	return nil
}

// retryLogger 适配 retryablehttp.LeveledLogger
type retryLogger struct {
	log *logger.Logger
}

func (l *retryLogger) with(keysAndValues []interface{}) *logger.Logger {
	out := l.log
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		out = out.WithField(fmt.Sprint(keysAndValues[i]), keysAndValues[i+1])
	}
	return out
}

func (l *retryLogger) Error(msg string, keysAndValues ...interface{}) {
	l.with(keysAndValues).Error(msg)
}

func (l *retryLogger) Info(msg string, keysAndValues ...interface{}) {
	l.with(keysAndValues).Debug(msg)
}

func (l *retryLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.with(keysAndValues).Debug(msg)
}

func (l *retryLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.with(keysAndValues).Warn(msg)
}
