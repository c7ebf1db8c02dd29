// Package errors 定义统一错误码
package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
)

// Code 错误码
type Code string

// 错误码定义
const (
	// 通用错误
	CodeOK              Code = "OK"
	CodeUnknown         Code = "UNKNOWN"
	CodeInvalidParam    Code = "INVALID_PARAM"
	CodeInvalidRequest  Code = "INVALID_REQUEST"
	CodeRequestTooLarge Code = "REQUEST_TOO_LARGE"
	CodeNotFound        Code = "NOT_FOUND"
	CodeAlreadyExists   Code = "ALREADY_EXISTS"
	CodeUnauthenticated Code = "UNAUTHENTICATED"
	CodeInternal        Code = "INTERNAL"
	CodeUnavailable     Code = "UNAVAILABLE"
	CodeTimeout         Code = "TIMEOUT"

	// 并发与状态机
	CodeVersionConflict    Code = "VERSION_CONFLICT"
	CodeInvalidTransition  Code = "INVALID_TRANSITION"
	CodeTerminalState      Code = "TERMINAL_STATE"
	CodeCompensationActive Code = "COMPENSATION_ACTIVE"

	// 外部服务
	CodeGatewayError Code = "GATEWAY_ERROR"

	// 系统
	CodeSystemBusy Code = "SYSTEM_BUSY"
)

var defaultMessages = map[Code]string{
	CodeInvalidParam:       "invalid parameter",
	CodeInvalidRequest:     "invalid request",
	CodeRequestTooLarge:    "request body too large",
	CodeNotFound:           "not found",
	CodeAlreadyExists:      "already exists",
	CodeUnauthenticated:    "unauthenticated",
	CodeInternal:           "internal error",
	CodeUnavailable:        "service unavailable",
	CodeTimeout:            "timeout",
	CodeVersionConflict:    "concurrent update, please retry",
	CodeInvalidTransition:  "invalid status transition",
	CodeTerminalState:      "transaction is in a terminal state",
	CodeCompensationActive: "compensation already in progress",
	CodeGatewayError:       "external service call failed",
	CodeSystemBusy:         "system busy, please retry",
}

// Error 业务错误
type Error struct {
	Code      Code   `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
	RequestID string `json:"requestId,omitempty"`

	cause error
}

func (e *Error) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 支持 errors.Is / errors.As 穿透到原始错误
func (e *Error) Unwrap() error {
	return e.cause
}

// New 创建错误
func New(code Code, message string) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		Retryable: isRetryable(code),
	}
}

// Newf 创建格式化错误
func Newf(code Code, format string, args ...interface{}) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// NewWithDefault message 为空时使用错误码的默认描述
func NewWithDefault(code Code, message string) *Error {
	if message == "" {
		message = defaultMessages[code]
	}
	if message == "" {
		message = string(code)
	}
	return New(code, message)
}

// Wrap 包装底层错误
func Wrap(code Code, cause error) *Error {
	msg := defaultMessages[code]
	if cause != nil {
		msg = cause.Error()
	}
	e := NewWithDefault(code, msg)
	e.cause = cause
	return e
}

// WithRequestID 添加请求 ID
func (e *Error) WithRequestID(requestID string) *Error {
	e.RequestID = requestID
	return e
}

// HTTPStatus 返回对应的 HTTP 状态码
func (e *Error) HTTPStatus() int {
	return httpStatus(e.Code)
}

// CodeOf 提取错误码，非 *Error 返回 CodeInternal
func CodeOf(err error) Code {
	if err == nil {
		return CodeOK
	}
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// From 归一化任意错误为 *Error；未知错误统一为 INTERNAL，不暴露底层信息
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if stderrors.As(err, &e) {
		return e
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return &Error{Code: CodeTimeout, Message: defaultMessages[CodeTimeout], Retryable: true, cause: err}
	}
	return &Error{Code: CodeInternal, Message: defaultMessages[CodeInternal], cause: err}
}

// IsRetryable 判断错误是否可重试
func IsRetryable(err error) bool {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// isRetryable 判断是否可重试
func isRetryable(code Code) bool {
	switch code {
	case CodeSystemBusy, CodeTimeout, CodeUnavailable,
		CodeVersionConflict, CodeGatewayError:
		return true
	default:
		return false
	}
}

// httpStatus 错误码对应的 HTTP 状态码
func httpStatus(code Code) int {
	switch code {
	case CodeOK:
		return http.StatusOK
	case CodeInvalidParam, CodeInvalidRequest:
		return http.StatusBadRequest
	case CodeRequestTooLarge:
		return http.StatusRequestEntityTooLarge
	case CodeUnauthenticated:
		return http.StatusUnauthorized
	case CodeNotFound:
		return http.StatusNotFound
	case CodeAlreadyExists, CodeVersionConflict, CodeCompensationActive:
		return http.StatusConflict
	case CodeInvalidTransition, CodeTerminalState:
		return http.StatusUnprocessableEntity
	case CodeInternal, CodeUnknown:
		return http.StatusInternalServerError
	case CodeGatewayError:
		return http.StatusBadGateway
	case CodeUnavailable, CodeSystemBusy:
		return http.StatusServiceUnavailable
	case CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// 预定义错误
var (
	ErrInvalidParam    = New(CodeInvalidParam, "invalid parameter")
	ErrNotFound        = New(CodeNotFound, "not found")
	ErrUnauthenticated = New(CodeUnauthenticated, "unauthenticated")
	ErrSystemBusy      = New(CodeSystemBusy, "system busy, please retry")
)
