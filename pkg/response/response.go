// Package response 统一 HTTP JSON 响应
package response

import (
	"encoding/json"
	"net/http"
	"strings"

	commonerrors "github.com/fulfillment/saga-orchestrator/pkg/errors"
)

// Result 对外统一响应体
type Result struct {
	Success   bool              `json:"success"`
	ErrorCode commonerrors.Code `json:"errorCode,omitempty"`
	Message   string            `json:"message,omitempty"`
	Retryable bool              `json:"retryable"`
	RequestID string            `json:"requestId,omitempty"`
	Data      interface{}       `json:"data,omitempty"`
}

// RequestIDFromRequest extracts request ID from headers.
func RequestIDFromRequest(r *http.Request) string {
	if r == nil {
		return ""
	}
	if id := RequestIDFromContext(r.Context()); id != "" {
		return id
	}
	return strings.TrimSpace(r.Header.Get(RequestIDHeader))
}

// WriteOK 写成功响应
func WriteOK(w http.ResponseWriter, r *http.Request, data interface{}) {
	writeJSON(w, http.StatusOK, &Result{
		Success:   true,
		RequestID: RequestIDFromRequest(r),
		Data:      data,
	})
}

// WriteError 按错误码写失败响应；非 *Error 视为 INTERNAL
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	if w == nil || err == nil {
		return
	}
	e := commonerrors.From(err)
	writeJSON(w, e.HTTPStatus(), &Result{
		Success:   false,
		ErrorCode: e.Code,
		Message:   e.Message,
		Retryable: e.Retryable,
		RequestID: RequestIDFromRequest(r),
	})
}

// WriteErrorCode writes an error response using error code and message.
func WriteErrorCode(w http.ResponseWriter, r *http.Request, code commonerrors.Code, message string) {
	WriteError(w, r, commonerrors.NewWithDefault(code, message))
}

// WriteResult 写业务结果（Success=false 也返回 200，由调用方检查 errorCode）
func WriteResult(w http.ResponseWriter, r *http.Request, res *Result) {
	if res == nil {
		res = &Result{Success: true}
	}
	if res.RequestID == "" {
		res.RequestID = RequestIDFromRequest(r)
	}
	writeJSON(w, http.StatusOK, res)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
