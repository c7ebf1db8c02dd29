// Package saga 定义订单履约 saga 的状态、步骤类型与状态迁移规则
package saga

// TransactionStatus 事务（整笔订单 saga）状态
type TransactionStatus string

const (
	TxCreated       TransactionStatus = "CREATED"
	TxActive        TransactionStatus = "ACTIVE"
	TxPaused        TransactionStatus = "PAUSED"
	TxWaitingClient TransactionStatus = "WAITING_CLIENT"
	TxWaitingOffice TransactionStatus = "WAITING_OFFICE"
	TxCompensating  TransactionStatus = "COMPENSATING"
	TxCompleted     TransactionStatus = "COMPLETED"
	TxCancelled     TransactionStatus = "CANCELLED"
	TxTimeout       TransactionStatus = "TIMEOUT"
)

// StepStatus 步骤状态
type StepStatus string

const (
	StepPending     StepStatus = "PENDING"
	StepInProgress  StepStatus = "IN_PROGRESS"
	StepCompleted   StepStatus = "COMPLETED"
	StepFailed      StepStatus = "FAILED"
	StepSkipped     StepStatus = "SKIPPED"
	StepCompensated StepStatus = "COMPENSATED"
)

// StepType 步骤类型，决定调用哪个外部服务
type StepType string

const (
	StepValidateOrder    StepType = "VALIDATE_ORDER"
	StepCheckStock       StepType = "CHECK_STOCK"
	StepNotifyOffice     StepType = "NOTIFY_OFFICE"
	StepNotifyCollector  StepType = "NOTIFY_COLLECTOR"
	StepReserveItems     StepType = "RESERVE_ITEMS"
	StepCreateDelivery   StepType = "CREATE_DELIVERY"
	StepProcessPayment   StepType = "PROCESS_PAYMENT"
	StepSendConfirmation StepType = "SEND_CONFIRMATION"
)

var knownStepTypes = map[StepType]struct{}{
	StepValidateOrder:    {},
	StepCheckStock:       {},
	StepNotifyOffice:     {},
	StepNotifyCollector:  {},
	StepReserveItems:     {},
	StepCreateDelivery:   {},
	StepProcessPayment:   {},
	StepSendConfirmation: {},
}

// Known 是否为已知步骤类型
func (t StepType) Known() bool {
	_, ok := knownStepTypes[t]
	return ok
}

// CompensationType 补偿类型
type CompensationType string

const (
	CompensationFull         CompensationType = "FULL"
	CompensationPartial      CompensationType = "PARTIAL"
	CompensationItemSpecific CompensationType = "ITEM_SPECIFIC"
)

// CompensationStatus 补偿日志状态
type CompensationStatus string

const (
	CompensationPending    CompensationStatus = "PENDING"
	CompensationInProgress CompensationStatus = "IN_PROGRESS"
	CompensationCompleted  CompensationStatus = "COMPLETED"
	CompensationFailed     CompensationStatus = "FAILED"
)

// Active 是否为进行中的补偿（同一事务最多一条）
func (s CompensationStatus) Active() bool {
	return s == CompensationPending || s == CompensationInProgress
}

// ProblemStatus 办公室问题单状态
type ProblemStatus string

const (
	ProblemPending        ProblemStatus = "PENDING"
	ProblemClientNotified ProblemStatus = "CLIENT_NOTIFIED"
	ProblemClientDecided  ProblemStatus = "CLIENT_DECIDED"
	ProblemResolved       ProblemStatus = "RESOLVED"
	ProblemCancelled      ProblemStatus = "CANCELLED"
)

// Open 问题单是否仍未关闭
func (s ProblemStatus) Open() bool {
	return s != ProblemResolved && s != ProblemCancelled
}

// ProblemType 问题类型
type ProblemType string

const (
	ProblemMissingItem ProblemType = "MISSING_ITEM"
	ProblemDamagedItem ProblemType = "DAMAGED_ITEM"
)

// ClientDecision 客户决定
type ClientDecision string

const (
	DecisionContinue ClientDecision = "CONTINUE"
	DecisionWait     ClientDecision = "WAIT"
	DecisionCancel   ClientDecision = "CANCEL"
)

// OfficeAction 办公室处理动作
type OfficeAction string

const (
	OfficeResume      OfficeAction = "RESUME"
	OfficeSkipItem    OfficeAction = "SKIP_ITEM"
	OfficeCancelOrder OfficeAction = "CANCEL_ORDER"
)

// 补偿原因
const (
	ReasonStepFailedPrefix = "STEP_FAILED:"
	ReasonClientCancelled  = "CLIENT_CANCELLED"
	ReasonOfficeCancelled  = "OFFICE_CANCELLED"
	ReasonClientTimeout    = "CLIENT_TIMEOUT"
	ReasonMissingItems     = "MISSING_ITEMS"
	ReasonManual           = "MANUAL"
	ReasonItemSkipped      = "ITEM_SKIPPED"
)

// StepFailedReason 构造步骤永久失败的补偿原因
func StepFailedReason(t StepType) string {
	return ReasonStepFailedPrefix + string(t)
}
