package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/lulu-molty/molty/internal/audit"
	"github.com/lulu-molty/molty/internal/engine"
	"github.com/lulu-molty/molty/internal/ledger"
	"github.com/lulu-molty/molty/internal/limits"
	"github.com/lulu-molty/molty/internal/risk"
	"github.com/lulu-molty/molty/internal/task"
)

// newTestServer 组装全内存的完整栈，并在后台运行任务消费循环。
func newTestServer(t *testing.T) (*Server, ledger.Store) {
	t.Helper()

	store := ledger.NewMemoryStore(ledger.DefaultParams())
	limitStore := limits.NewMemoryStore()
	tracker := limits.NewTracker(limits.DefaultPolicy(), limitStore)
	breaker := risk.NewBreaker(risk.Config{
		AmountThreshold:        decimal.NewFromInt(1_000_000),
		PerAddressThreshold:    decimal.NewFromInt(1_000_000),
		MaxTransactionsPerHour: 1_000_000,
		ResetKey:               "ops-key",
	}, nil)
	eng := engine.New(engine.Config{}, store, tracker, breaker)
	if err := eng.EnsureAccounts(context.Background()); err != nil {
		t.Fatalf("ensure accounts: %v", err)
	}

	taskStore := task.NewMemoryStore()
	queue := task.NewMemoryQueue()
	service := task.NewService(taskStore, queue, 3)
	processor := task.NewProcessor(taskStore, queue, queue,
		task.WithDeadLetterStore(task.NewMemoryDeadLetterStore()),
	)
	eng.RegisterHandlers(processor)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = processor.Start(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		_ = queue.Close()
		<-done
	})

	auditor := audit.New(store, limitStore, limits.DefaultPolicy())
	return NewServer(":0", eng, service, auditor), store
}

func fund(t *testing.T, store ledger.Store, address string, amount int64) {
	t.Helper()
	ctx := context.Background()
	if _, err := store.CreateAccount(ctx, address); err != nil {
		t.Fatalf("create %s: %v", address, err)
	}
	if amount <= 0 {
		return
	}
	if _, err := store.Transfer(ctx, ledger.TransferRequest{
		From:   store.Params().SystemAddress,
		To:     address,
		Amount: decimal.NewFromInt(amount),
		Type:   ledger.TxTransfer,
	}); err != nil {
		t.Fatalf("fund %s: %v", address, err)
	}
}

func doRequest(t *testing.T, server *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	return rec
}

func TestTransferEndpointWaitsForSettlement(t *testing.T) {
	t.Parallel()

	server, store := newTestServer(t)
	fund(t, store, "agent-a", 500)
	fund(t, store, "agent-b", 0)

	rec := doRequest(t, server, http.MethodPost, "/api/v1/transfers",
		`{"from":"agent-a","to":"agent-b","amount":"120","fee":"1","wait_seconds":5}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	var settled task.Task
	if err := json.Unmarshal(rec.Body.Bytes(), &settled); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if settled.Status != task.StatusSucceeded {
		t.Fatalf("expected succeeded task, got %s (%s)", settled.Status, settled.LastError)
	}
	if settled.Result == nil || settled.Result.TxID == "" {
		t.Fatalf("expected tx id, got %+v", settled.Result)
	}

	balance := doRequest(t, server, http.MethodGet, "/api/v1/balance?address=agent-b", "")
	if balance.Code != http.StatusOK {
		t.Fatalf("balance status %d", balance.Code)
	}
	var got struct {
		Balance decimal.Decimal `json:"balance"`
	}
	if err := json.Unmarshal(balance.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode balance: %v", err)
	}
	if !got.Balance.Equal(decimal.NewFromInt(120)) {
		t.Fatalf("receiver balance = %s, want 120", got.Balance)
	}
}

func TestTransferEndpointAsyncReturnsAccepted(t *testing.T) {
	t.Parallel()

	server, store := newTestServer(t)
	fund(t, store, "agent-a", 500)
	fund(t, store, "agent-b", 0)

	rec := doRequest(t, server, http.MethodPost, "/api/v1/transfers",
		`{"from":"agent-a","to":"agent-b","amount":"50"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	var submitted task.Task
	if err := json.Unmarshal(rec.Body.Bytes(), &submitted); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if submitted.ID == "" {
		t.Fatal("expected task id")
	}

	detail := doRequest(t, server, http.MethodGet, "/api/v1/tasks/"+submitted.ID, "")
	if detail.Code != http.StatusOK {
		t.Fatalf("detail status %d", detail.Code)
	}
}

func TestTransferEndpointRejectsBadPayload(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t)

	rec := doRequest(t, server, http.MethodPost, "/api/v1/transfers",
		`{"from":"agent-a","to":"agent-b","amount":"-10"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestBalanceEndpointRequiresAddress(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t)
	rec := doRequest(t, server, http.MethodGet, "/api/v1/balance", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestLimitsEndpointReportsUsage(t *testing.T) {
	t.Parallel()

	server, store := newTestServer(t)
	fund(t, store, "agent-a", 500)
	fund(t, store, "agent-b", 0)

	rec := doRequest(t, server, http.MethodPost, "/api/v1/transfers",
		`{"from":"agent-a","to":"agent-b","amount":"30","wait_seconds":5}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("transfer status %d: %s", rec.Code, rec.Body.String())
	}

	usage := doRequest(t, server, http.MethodGet, "/api/v1/limits?address=agent-a&category=transfer", "")
	if usage.Code != http.StatusOK {
		t.Fatalf("limits status %d", usage.Code)
	}
	var got limits.Usage
	if err := json.Unmarshal(usage.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode usage: %v", err)
	}
	if !got.Spent.Equal(decimal.NewFromInt(30)) {
		t.Fatalf("spent = %s, want 30", got.Spent)
	}
}

func TestBreakerEndpoints(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t)

	status := doRequest(t, server, http.MethodGet, "/api/v1/breaker", "")
	if status.Code != http.StatusOK {
		t.Fatalf("status endpoint %d", status.Code)
	}
	var breakerStatus risk.Status
	if err := json.Unmarshal(status.Body.Bytes(), &breakerStatus); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if breakerStatus.IsOpen {
		t.Fatal("breaker must start closed")
	}

	denied := doRequest(t, server, http.MethodPost, "/api/v1/breaker/reset", `{"key":"wrong"}`)
	if denied.Code != http.StatusForbidden {
		t.Fatalf("wrong key must return 403, got %d", denied.Code)
	}
	granted := doRequest(t, server, http.MethodPost, "/api/v1/breaker/reset", `{"key":"ops-key"}`)
	if granted.Code != http.StatusOK {
		t.Fatalf("correct key must return 200, got %d", granted.Code)
	}
}

func TestTaskDetailNotFound(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t)
	rec := doRequest(t, server, http.MethodGet, "/api/v1/tasks/no-such-task", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestAuditEndpoint(t *testing.T) {
	t.Parallel()

	server, store := newTestServer(t)
	fund(t, store, "agent-a", 500)

	rec := doRequest(t, server, http.MethodPost, "/api/v1/audit", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("audit status %d: %s", rec.Code, rec.Body.String())
	}
	var report audit.Report
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if !report.AllPassed {
		t.Fatalf("fresh ledger must pass audit: %+v", report.Checks)
	}
}

func TestCreateAccountEndpoint(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t)

	rec := doRequest(t, server, http.MethodPost, "/api/v1/accounts", `{"address":"agent-new"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	dup := doRequest(t, server, http.MethodPost, "/api/v1/accounts", `{"address":"agent-new"}`)
	if dup.Code != http.StatusConflict {
		t.Fatalf("duplicate must return 409, got %d", dup.Code)
	}
}
