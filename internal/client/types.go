package client

// SagaRequest 步骤动作的公共请求体
type SagaRequest struct {
	TransactionID string         `json:"transactionId"`
	OrderID       int64          `json:"orderId"`
	CollectorID   int64          `json:"collectorId,omitempty"`
	ClientID      int64          `json:"clientId,omitempty"`
	Items         map[string]int `json:"items,omitempty"`
	Reason        string         `json:"reason,omitempty"`
}

// StockReport 库存检查结果，Missing 为空表示齐全
type StockReport struct {
	Missing map[string]int `json:"missing"`
}

// HasMissing 是否存在缺货
func (r *StockReport) HasMissing() bool {
	if r == nil {
		return false
	}
	for _, qty := range r.Missing {
		if qty > 0 {
			return true
		}
	}
	return false
}

// StatusUpdate 向订单服务同步 saga 状态
type StatusUpdate struct {
	TransactionID string `json:"transactionId"`
	OrderID       int64  `json:"orderId"`
	Status        string `json:"status"`
}

// PaybackRefundRequest 退款台账执行请求
type PaybackRefundRequest struct {
	PaybackID   int64  `json:"paybackId"`
	CartID      int64  `json:"cartId"`
	OrderID     int64  `json:"orderId"`
	AmountMinor int64  `json:"amountMinor"`
	Account     string `json:"account"`
}

// IdempotencyKey payback:<id>
func (r *PaybackRefundRequest) IdempotencyKey() string {
	return "payback:" + itoa(r.PaybackID)
}

type envelope struct {
	Success   bool   `json:"success"`
	ErrorCode string `json:"errorCode"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}
