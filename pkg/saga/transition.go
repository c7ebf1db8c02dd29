package saga

import "fmt"

var transactionTransitions = map[TransactionStatus][]TransactionStatus{
	TxCreated:       {TxActive, TxPaused, TxCompensating},
	TxActive:        {TxPaused, TxWaitingClient, TxWaitingOffice, TxCompensating, TxCompleted},
	TxPaused:        {TxActive, TxWaitingClient, TxWaitingOffice, TxCompensating},
	TxWaitingClient: {TxActive, TxWaitingOffice, TxPaused, TxCompensating, TxTimeout},
	TxWaitingOffice: {TxActive, TxWaitingClient, TxPaused, TxCompensating, TxTimeout},
	TxTimeout:       {TxCompensating},
	TxCompensating:  {TxCancelled},
}

// CanTransition 判断事务状态迁移是否合法（相同状态视为合法）
func CanTransition(from, to TransactionStatus) bool {
	if from == to {
		return !IsTerminal(from)
	}
	for _, next := range transactionTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidateTransition 非法迁移时返回错误
func ValidateTransition(from, to TransactionStatus) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("invalid transition: %s -> %s", from, to)
	}
	return nil
}

// IsTerminal COMPLETED / CANCELLED 之后事务不可再变更
func IsTerminal(s TransactionStatus) bool {
	return s == TxCompleted || s == TxCancelled
}

// IsWaiting 等待人工决定的状态
func IsWaiting(s TransactionStatus) bool {
	return s == TxWaitingClient || s == TxWaitingOffice
}

// Runnable 该状态下步骤可被调度执行
func Runnable(s TransactionStatus) bool {
	return s == TxCreated || s == TxActive
}

// DependencySatisfied 依赖步骤 COMPLETED 或 SKIPPED 时才可执行
func DependencySatisfied(dep StepStatus) bool {
	return dep == StepCompleted || dep == StepSkipped
}

// StepDone 步骤是否已不再阻塞事务完成
func StepDone(s StepStatus) bool {
	return s == StepCompleted || s == StepSkipped
}
