package client

import (
	"errors"
	"fmt"
	"strconv"
)

// CallError 下游调用失败
type CallError struct {
	Operation  string
	StatusCode int // 0 表示未收到响应
	Code       string
	Message    string
	Retryable  bool
	cause      error
}

func (e *CallError) Error() string {
	switch {
	case e.StatusCode == 0 && e.cause != nil:
		return fmt.Sprintf("%s: %v", e.Operation, e.cause)
	case e.Code != "":
		return fmt.Sprintf("%s: status %d: %s %s", e.Operation, e.StatusCode, e.Code, e.Message)
	default:
		return fmt.Sprintf("%s: status %d", e.Operation, e.StatusCode)
	}
}

func (e *CallError) Unwrap() error {
	return e.cause
}

// IsRetryable 网络错误、5xx、429 以及下游声明可重试的失败
func IsRetryable(err error) bool {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.Retryable
	}
	return false
}

func retryableStatus(code int) bool {
	return code == 0 || code == 429 || code >= 500
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}
