// Package handler saga 编排 HTTP 接口（内部调用 + 运维管理）
package handler

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/fulfillment/saga-orchestrator/internal/repository"
	"github.com/fulfillment/saga-orchestrator/internal/service"
	apperr "github.com/fulfillment/saga-orchestrator/pkg/errors"
	"github.com/fulfillment/saga-orchestrator/pkg/health"
	"github.com/fulfillment/saga-orchestrator/pkg/logger"
	"github.com/fulfillment/saga-orchestrator/pkg/response"
	"github.com/fulfillment/saga-orchestrator/pkg/saga"
	"github.com/fulfillment/saga-orchestrator/pkg/tracing"
)

const (
	defaultMaxBodyBytes int64 = 1 << 20
	defaultListLimit          = 100
	maxListLimit              = 1000
)

// SagaAPI handler 依赖的编排能力，*service.SagaService 实现
type SagaAPI interface {
	StartSaga(ctx context.Context, req *service.StartSagaRequest) (*service.StartSagaResponse, error)
	RecordScannedItems(ctx context.Context, txID string, items map[string]int) (*repository.Transaction, error)
	ReportMissingItems(ctx context.Context, req *service.MissingItemsReport) ([]*repository.OfficeProblem, error)
	NotifyClient(ctx context.Context, problemID int64) (*repository.OfficeProblem, error)
	RecordClientDecision(ctx context.Context, problemID int64, decision saga.ClientDecision) (*repository.Transaction, error)
	ResolveProblem(ctx context.Context, req *service.ResolveProblemRequest) (*repository.Transaction, error)

	GetSagaState(ctx context.Context, txID string) (*service.SagaState, error)
	ListTransactions(ctx context.Context, f repository.TransactionFilter) ([]*repository.Transaction, error)
	InitiateCompensation(ctx context.Context, req *service.CompensationRequest) (*service.CompensationResponse, error)
	SkipStep(ctx context.Context, stepID int64, reason string) (*repository.SagaStep, error)
	ResetStep(ctx context.Context, stepID int64) (*repository.SagaStep, error)
	ListProblems(ctx context.Context, f repository.ProblemFilter) ([]*repository.OfficeProblem, error)
}

// Config handler 配置
type Config struct {
	Service       SagaAPI
	Health        *health.Health
	Metrics       http.Handler
	InternalToken string
	AdminToken    string
	MetricsToken  string // 为空时 /metrics 不鉴权
	MaxBodyBytes  int64
	Logger        *logger.Logger
}

// Handler HTTP 路由
type Handler struct {
	svc SagaAPI
	cfg Config
	log *logger.Logger
}

// New 构建完整 HTTP handler（含中间件）
func New(cfg Config) http.Handler {
	if cfg.Logger == nil {
		cfg.Logger = logger.Nop()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if cfg.Health == nil {
		cfg.Health = health.New()
	}
	h := &Handler{svc: cfg.Service, cfg: cfg, log: cfg.Logger}

	mux := http.NewServeMux()
	h.routes(mux)

	// tracing 紧贴 mux，才能拿到匹配后的路由模式
	var handler http.Handler = tracing.HTTPMiddleware(mux)
	handler = limitBodyMiddleware(cfg.MaxBodyBytes, handler)
	handler = response.RequestIDMiddleware(handler)
	handler = response.RecoveryMiddleware(cfg.Logger)(handler)
	return handler
}

func (h *Handler) routes(mux *http.ServeMux) {
	internal := h.requireToken("X-Internal-Token", h.cfg.InternalToken)
	admin := h.requireToken("X-Admin-Token", h.cfg.AdminToken)

	mux.HandleFunc("POST /internal/sagas", internal(h.startSaga))
	mux.HandleFunc("POST /internal/transactions/{id}/scanned", internal(h.recordScanned))
	mux.HandleFunc("POST /internal/transactions/{id}/missing", internal(h.reportMissing))
	mux.HandleFunc("POST /internal/problems/{id}/notify", internal(h.notifyClient))
	mux.HandleFunc("POST /internal/problems/{id}/decision", internal(h.clientDecision))
	mux.HandleFunc("POST /internal/problems/{id}/resolve", internal(h.resolveProblem))

	mux.HandleFunc("GET /admin/transactions", admin(h.listTransactions))
	mux.HandleFunc("GET /admin/transactions/{id}", admin(h.getSagaState))
	mux.HandleFunc("POST /admin/transactions/{id}/compensate", admin(h.compensate))
	mux.HandleFunc("POST /admin/steps/{id}/skip", admin(h.skipStep))
	mux.HandleFunc("POST /admin/steps/{id}/reset", admin(h.resetStep))
	mux.HandleFunc("GET /admin/problems", admin(h.listProblems))

	mux.HandleFunc("GET /live", h.cfg.Health.LiveHandler())
	mux.HandleFunc("GET /ready", h.cfg.Health.ReadyHandler())
	mux.HandleFunc("GET /health", h.cfg.Health.ReadyHandler())
	if h.cfg.Metrics != nil {
		mux.Handle("GET /metrics", h.metricsHandler())
	}
}

// requireToken 校验共享密钥；未配置密钥时一律拒绝
func (h *Handler) requireToken(header, token string) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			got := strings.TrimSpace(r.Header.Get(header))
			if token == "" || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				response.WriteErrorCode(w, r, apperr.CodeUnauthenticated, "unauthorized")
				return
			}
			next(w, r)
		}
	}
}

func (h *Handler) metricsHandler() http.Handler {
	token := h.cfg.MetricsToken
	if token == "" {
		return h.cfg.Metrics
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !metricsAuthorized(r, token) {
			response.WriteErrorCode(w, r, apperr.CodeUnauthenticated, "unauthorized")
			return
		}
		h.cfg.Metrics.ServeHTTP(w, r)
	})
}

func metricsAuthorized(r *http.Request, token string) bool {
	if strings.TrimSpace(r.Header.Get("X-Metrics-Token")) == token {
		return true
	}
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	return strings.HasPrefix(auth, "Bearer ") && strings.TrimSpace(strings.TrimPrefix(auth, "Bearer ")) == token
}

// ---- internal ----

func (h *Handler) startSaga(w http.ResponseWriter, r *http.Request) {
	var req service.StartSagaRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	resp, err := h.svc.StartSaga(r.Context(), &req)
	h.write(w, r, resp, err)
}

type scannedRequest struct {
	Items map[string]int `json:"items"`
}

func (h *Handler) recordScanned(w http.ResponseWriter, r *http.Request) {
	var req scannedRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	tx, err := h.svc.RecordScannedItems(r.Context(), r.PathValue("id"), req.Items)
	h.write(w, r, tx, err)
}

func (h *Handler) reportMissing(w http.ResponseWriter, r *http.Request) {
	var req service.MissingItemsReport
	if !decodeJSON(w, r, &req) {
		return
	}
	req.TransactionID = r.PathValue("id")
	problems, err := h.svc.ReportMissingItems(r.Context(), &req)
	if problems == nil && err == nil {
		problems = []*repository.OfficeProblem{}
	}
	h.write(w, r, problems, err)
}

func (h *Handler) notifyClient(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	p, err := h.svc.NotifyClient(r.Context(), id)
	h.write(w, r, p, err)
}

type decisionRequest struct {
	Decision saga.ClientDecision `json:"decision"`
}

func (h *Handler) clientDecision(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req decisionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	decision := saga.ClientDecision(strings.ToUpper(strings.TrimSpace(string(req.Decision))))
	tx, err := h.svc.RecordClientDecision(r.Context(), id, decision)
	h.write(w, r, tx, err)
}

func (h *Handler) resolveProblem(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req service.ResolveProblemRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.ProblemID = id
	tx, err := h.svc.ResolveProblem(r.Context(), &req)
	h.write(w, r, tx, err)
}

// ---- admin ----

func (h *Handler) getSagaState(w http.ResponseWriter, r *http.Request) {
	state, err := h.svc.GetSagaState(r.Context(), r.PathValue("id"))
	h.write(w, r, state, err)
}

func (h *Handler) listTransactions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := repository.TransactionFilter{}
	if v := strings.TrimSpace(q.Get("orderId")); v != "" {
		orderID, err := strconv.ParseInt(v, 10, 64)
		if err != nil || orderID <= 0 {
			response.WriteErrorCode(w, r, apperr.CodeInvalidParam, "invalid orderId")
			return
		}
		f.OrderID = orderID
	}
	for _, s := range splitList(q["status"]) {
		f.Statuses = append(f.Statuses, saga.TransactionStatus(strings.ToUpper(s)))
	}
	var ok bool
	if f.Limit, f.Offset, ok = pagination(w, r); !ok {
		return
	}
	txs, err := h.svc.ListTransactions(r.Context(), f)
	if txs == nil && err == nil {
		txs = []*repository.Transaction{}
	}
	h.write(w, r, txs, err)
}

func (h *Handler) listProblems(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := repository.ProblemFilter{TransactionID: strings.TrimSpace(q.Get("transactionId"))}
	for key, dst := range map[string]*int64{"orderId": &f.OrderID, "collectorId": &f.CollectorID} {
		v := strings.TrimSpace(q.Get(key))
		if v == "" {
			continue
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			response.WriteErrorCode(w, r, apperr.CodeInvalidParam, "invalid "+key)
			return
		}
		*dst = n
	}
	for _, s := range splitList(q["status"]) {
		f.Statuses = append(f.Statuses, saga.ProblemStatus(strings.ToUpper(s)))
	}
	var ok bool
	if f.Limit, f.Offset, ok = pagination(w, r); !ok {
		return
	}
	problems, err := h.svc.ListProblems(r.Context(), f)
	if problems == nil && err == nil {
		problems = []*repository.OfficeProblem{}
	}
	h.write(w, r, problems, err)
}

func (h *Handler) compensate(w http.ResponseWriter, r *http.Request) {
	var req service.CompensationRequest
	if !decodeOptionalJSON(w, r, &req) {
		return
	}
	req.TransactionID = r.PathValue("id")
	if actor := strings.TrimSpace(r.Header.Get("X-Actor")); actor != "" {
		req.Actor = actor
	} else if req.Actor == "" {
		req.Actor = "admin"
	}
	resp, err := h.svc.InitiateCompensation(r.Context(), &req)
	if err == nil && resp != nil && !resp.Success {
		err = apperr.New(resp.ErrorCode, resp.Message)
	}
	h.write(w, r, resp, err)
}

type skipRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) skipStep(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req skipRequest
	if !decodeOptionalJSON(w, r, &req) {
		return
	}
	step, err := h.svc.SkipStep(r.Context(), id, req.Reason)
	h.write(w, r, step, err)
}

func (h *Handler) resetStep(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	step, err := h.svc.ResetStep(r.Context(), id)
	h.write(w, r, step, err)
}

// ---- helpers ----

func (h *Handler) write(w http.ResponseWriter, r *http.Request, data interface{}, err error) {
	if err != nil {
		e := apperr.From(err)
		if e.Code == apperr.CodeInternal {
			h.log.WithContext(r.Context()).WithError(err).Errorf("request failed", map[string]interface{}{
				"path":      r.URL.Path,
				"requestID": response.RequestIDFromRequest(r),
			})
		}
		response.WriteError(w, r, e)
		return
	}
	response.WriteOK(w, r, data)
}

func limitBodyMiddleware(maxBytes int64, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil && maxBytes > 0 {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
		}
		next.ServeHTTP(w, r)
	})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	return decode(w, r, dst, false)
}

// decodeOptionalJSON 允许空 body
func decodeOptionalJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	return decode(w, r, dst, true)
}

func decode(w http.ResponseWriter, r *http.Request, dst interface{}, allowEmpty bool) bool {
	if r.Body == nil {
		if allowEmpty {
			return true
		}
		response.WriteErrorCode(w, r, apperr.CodeInvalidRequest, "invalid request")
		return false
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return true
		}
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			response.WriteErrorCode(w, r, apperr.CodeRequestTooLarge, "")
			return false
		}
		response.WriteErrorCode(w, r, apperr.CodeInvalidRequest, "invalid request")
		return false
	}
	return true
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		response.WriteErrorCode(w, r, apperr.CodeInvalidParam, "invalid id")
		return 0, false
	}
	return id, true
}

func pagination(w http.ResponseWriter, r *http.Request) (limit, offset int, ok bool) {
	q := r.URL.Query()
	limit, offset = defaultListLimit, 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			response.WriteErrorCode(w, r, apperr.CodeInvalidParam, "invalid limit")
			return 0, 0, false
		}
		limit = min(n, maxListLimit)
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			response.WriteErrorCode(w, r, apperr.CodeInvalidParam, "invalid offset")
			return 0, 0, false
		}
		offset = n
	}
	return limit, offset, true
}

// splitList 支持 ?status=A&status=B 与 ?status=A,B
func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
