package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/lulu-molty/molty/internal/audit"
	"github.com/lulu-molty/molty/internal/engine"
	xerrors "github.com/lulu-molty/molty/internal/errors"
	"github.com/lulu-molty/molty/internal/ledger"
	"github.com/lulu-molty/molty/internal/limits"
	"github.com/lulu-molty/molty/internal/observability/metrics"
	"github.com/lulu-molty/molty/internal/risk"
	"github.com/lulu-molty/molty/internal/task"
)

// Server 暴露账本的 REST 接口。所有资金变更走任务队列，
// 接口本身只做提交与查询。
type Server struct {
	addr    string
	engine  *engine.Engine
	tasks   *task.Service
	auditor *audit.Auditor
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, eng *engine.Engine, tasks *task.Service, auditor *audit.Auditor) *Server {
	return &Server{addr: addr, engine: eng, tasks: tasks, auditor: auditor}
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Handler 返回完整路由，测试可以直接挂到 httptest 上。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/accounts", s.instrument("accounts", s.handleCreateAccount))
	mux.HandleFunc("/api/v1/transfers", s.instrument("transfers", s.handleTransfer))
	mux.HandleFunc("/api/v1/balance", s.instrument("balance", s.handleBalance))
	mux.HandleFunc("/api/v1/limits", s.instrument("limits", s.handleLimits))
	mux.HandleFunc("/api/v1/breaker", s.instrument("breaker", s.handleBreakerStatus))
	mux.HandleFunc("/api/v1/breaker/reset", s.instrument("breaker_reset", s.handleBreakerReset))
	mux.HandleFunc("/api/v1/tasks", s.instrument("tasks", s.handleTasks))
	mux.HandleFunc("/api/v1/tasks/", s.instrument("task_detail", s.handleTaskDetail))
	mux.HandleFunc("/api/v1/audit", s.instrument("audit", s.handleAudit))
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) instrument(name string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		handler(recorder, r)
		metrics.ObserveHTTPRequest(name, r.Method, recorder.status, time.Since(started))
	}
}

type transferRequest struct {
	ID          string          `json:"id,omitempty"`
	From        string          `json:"from"`
	To          string          `json:"to"`
	Amount      decimal.Decimal `json:"amount"`
	Fee         decimal.Decimal `json:"fee"`
	Memo        string          `json:"memo,omitempty"`
	Priority    int             `json:"priority"`
	WaitSeconds int             `json:"wait_seconds"`
}

// handleTransfer 把转账包装成任务提交。wait_seconds 大于零时
// 同步等待任务落定，适合需要立刻知道结果的调用方。
func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	var req transferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "请求体解析失败"))
		return
	}
	payload, err := task.EncodePayload(task.TransferPayload{
		From:   req.From,
		To:     req.To,
		Amount: req.Amount,
		Fee:    req.Fee,
		Memo:   req.Memo,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	submitted, err := s.tasks.Submit(r.Context(), task.SubmitRequest{
		ID:       req.ID,
		Kind:     task.KindTransfer,
		Priority: req.Priority,
		Payload:  payload,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if req.WaitSeconds > 0 {
		waitCtx, cancel := context.WithTimeout(r.Context(), time.Duration(req.WaitSeconds)*time.Second)
		defer cancel()
		final, waitErr := s.tasks.WaitUntilCompleted(waitCtx, submitted.ID, 100*time.Millisecond)
		if waitErr == nil {
			writeJSON(w, http.StatusOK, final)
			return
		}
		// 超时不算失败，把当前状态交还调用方继续轮询。
	}
	writeJSON(w, http.StatusAccepted, submitted)
}

func (s *Server) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Address string `json:"address"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Address) == "" {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "address 不能为空"))
		return
	}
	account, err := s.engine.CreateAccount(r.Context(), strings.TrimSpace(req.Address))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, account)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	address := r.URL.Query().Get("address")
	if address == "" {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "缺少 address 参数"))
		return
	}
	balance, err := s.engine.Balance(r.Context(), address)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"address": address,
		"balance": balance,
	})
}

func (s *Server) handleLimits(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	address := r.URL.Query().Get("address")
	if address == "" {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "缺少 address 参数"))
		return
	}
	category := limits.Category(r.URL.Query().Get("category"))
	if category == "" {
		category = limits.CategoryTransfer
	}
	usage, err := s.engine.DailyLimit(r.Context(), address, category)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, usage)
}

func (s *Server) handleBreakerStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.engine.BreakerStatus())
}

func (s *Server) handleBreakerReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Key string `json:"key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "请求体解析失败"))
		return
	}
	if !s.engine.ResetBreaker(req.Key) {
		writeJSON(w, http.StatusForbidden, map[string]any{"reset": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reset": true})
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleSubmitTask(w, r)
	case http.MethodGet:
		s.handleListTasks(w, r)
	default:
		http.Error(w, "仅支持 GET/POST", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	var req task.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "请求体解析失败"))
		return
	}
	submitted, err := s.tasks.Submit(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, submitted)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	var opts []task.ListOption
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			opts = append(opts, task.WithLimit(parsed))
		}
	}
	if raw := r.URL.Query().Get("status"); raw != "" {
		opts = append(opts, task.WithStatuses(task.Status(raw)))
	}
	if raw := r.URL.Query().Get("kind"); raw != "" {
		opts = append(opts, task.WithKinds(task.Kind(raw)))
	}
	results, err := s.tasks.List(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) handleTaskDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/v1/tasks/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 无效"))
		return
	}
	found, err := s.tasks.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, found)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	report, err := s.auditor.Run(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError 把错误码映射到 HTTP 状态码，响应体携带码与消息。
func writeError(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case xerrors.CodeInvalidArgument, ledger.CodeValidation, task.CodeTaskValidation:
		status = http.StatusBadRequest
	case xerrors.CodeNotFound, ledger.CodeUnknownAddress, task.CodeTaskNotFound:
		status = http.StatusNotFound
	case xerrors.CodeConflict, task.CodeTaskConflict:
		status = http.StatusConflict
	case ledger.CodeInsufficientBalance, ledger.CodeAccountFrozen:
		status = http.StatusUnprocessableEntity
	case limits.CodeLimitExceeded:
		status = http.StatusTooManyRequests
	case risk.CodeCircuitOpen:
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"code":  string(code),
		"error": err.Error(),
	})
}
