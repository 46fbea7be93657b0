package audit

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/lulu-molty/molty/internal/ledger"
	"github.com/lulu-molty/molty/internal/limits"
)

func newHealthyFixture(t *testing.T) (*Auditor, ledger.Store, limits.Store) {
	t.Helper()
	store := ledger.NewMemoryStore(ledger.DefaultParams())
	limitStore := limits.NewMemoryStore()
	auditor := New(store, limitStore, limits.DefaultPolicy())
	return auditor, store, limitStore
}

func seedTransfers(t *testing.T, store ledger.Store) {
	t.Helper()
	ctx := context.Background()
	system := store.Params().SystemAddress
	for _, address := range []string{"agent-a", "agent-b"} {
		if _, err := store.CreateAccount(ctx, address); err != nil {
			t.Fatalf("create %s: %v", address, err)
		}
		if _, err := store.Transfer(ctx, ledger.TransferRequest{
			From:   system,
			To:     address,
			Amount: decimal.NewFromInt(500),
			Type:   ledger.TxTransfer,
		}); err != nil {
			t.Fatalf("fund %s: %v", address, err)
		}
	}
	if _, err := store.Transfer(ctx, ledger.TransferRequest{
		From:   "agent-a",
		To:     "agent-b",
		Amount: decimal.NewFromInt(120),
		Fee:    decimal.NewFromInt(1),
		Type:   ledger.TxTransfer,
	}); err != nil {
		t.Fatalf("transfer: %v", err)
	}
}

func TestAuditPassesAndIsIdempotent(t *testing.T) {
	t.Parallel()

	auditor, store, _ := newHealthyFixture(t)
	seedTransfers(t, store)
	fixed := time.Now()
	auditor.now = func() time.Time { return fixed }

	first, err := auditor.Run(context.Background())
	if err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	if !first.AllPassed {
		t.Fatalf("healthy ledger must pass, report: %+v", first.Checks)
	}
	if len(first.Checks) != 5 {
		t.Fatalf("expected 5 checks, got %d", len(first.Checks))
	}

	second, err := auditor.Run(context.Background())
	if err != nil {
		t.Fatalf("second run failed: %v", err)
	}
	// 账本未变化时两次审计结论完全一致。
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("audit must be idempotent:\nfirst  %+v\nsecond %+v", first, second)
	}
}

// stubLedger 允许注入账本层拿不到的异常状态。
type stubLedger struct {
	ledger.Store
	params   ledger.Params
	accounts []*ledger.Account
	txs      []*ledger.Transaction
}

func (s *stubLedger) Params() ledger.Params { return s.params }

func (s *stubLedger) ListAccounts(context.Context) ([]*ledger.Account, error) {
	return s.accounts, nil
}

func (s *stubLedger) ListTransactions(_ context.Context, filter ledger.TxFilter) ([]*ledger.Transaction, error) {
	var matched []*ledger.Transaction
	for _, tx := range s.txs {
		for _, status := range filter.Statuses {
			if tx.Status != status {
				continue
			}
			if filter.CreatedBefore > 0 && tx.CreatedAt >= filter.CreatedBefore {
				continue
			}
			matched = append(matched, tx)
		}
	}
	return matched, nil
}

func TestAuditFlagsNegativeBalance(t *testing.T) {
	t.Parallel()

	params := ledger.DefaultParams()
	stub := &stubLedger{
		params: params,
		accounts: []*ledger.Account{
			{Address: params.SystemAddress, Balance: params.InitialSupply.Add(decimal.NewFromInt(5))},
			{Address: "agent-a", Balance: decimal.NewFromInt(-5)},
		},
	}
	auditor := New(stub, limits.NewMemoryStore(), limits.DefaultPolicy())

	report, err := auditor.Run(context.Background())
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if report.AllPassed {
		t.Fatal("negative balance must fail the audit")
	}
	if check := findCheck(t, report, CheckNonNegative); check.Passed {
		t.Fatalf("expected %s to fail", CheckNonNegative)
	}
}

func TestAuditFlagsInconsistentBookends(t *testing.T) {
	t.Parallel()

	params := ledger.DefaultParams()
	stub := &stubLedger{
		params: params,
		accounts: []*ledger.Account{
			{Address: params.SystemAddress, Balance: params.InitialSupply},
		},
		txs: []*ledger.Transaction{{
			TxID:              "tx-bad",
			FromAddress:       "agent-a",
			ToAddress:         "agent-b",
			Amount:            decimal.NewFromInt(100),
			Fee:               decimal.NewFromInt(1),
			Type:              ledger.TxTransfer,
			Status:            ledger.TxConfirmed,
			BalanceBeforeFrom: decimal.NewFromInt(500),
			BalanceAfterFrom:  decimal.NewFromInt(450),
			BalanceBeforeTo:   decimal.NewFromInt(0),
			BalanceAfterTo:    decimal.NewFromInt(100),
		}},
	}
	auditor := New(stub, limits.NewMemoryStore(), limits.DefaultPolicy())

	report, err := auditor.Run(context.Background())
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if check := findCheck(t, report, CheckTxConsistency); check.Passed {
		t.Fatalf("expected %s to fail", CheckTxConsistency)
	}
}

func TestAuditFlagsOrphanedPending(t *testing.T) {
	t.Parallel()

	auditor, store, _ := newHealthyFixture(t)
	seedTransfers(t, store)
	if _, err := store.RecordPending(context.Background(), ledger.TransferRequest{
		From:   "agent-a",
		To:     "agent-b",
		Amount: decimal.NewFromInt(10),
		Type:   ledger.TxTransfer,
	}); err != nil {
		t.Fatalf("record pending: %v", err)
	}

	// 把审计时钟拨快两小时，让刚登记的挂起交易超过滞留阈值。
	auditor.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	report, err := auditor.Run(context.Background())
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if check := findCheck(t, report, CheckOrphanPending); check.Passed {
		t.Fatalf("expected %s to fail", CheckOrphanPending)
	}
	if report.AllPassed {
		t.Fatal("orphaned pending must fail the audit")
	}
}

func TestAuditFlagsDailyCounterOverrun(t *testing.T) {
	t.Parallel()

	auditor, store, limitStore := newHealthyFixture(t)
	seedTransfers(t, store)

	day := time.Now().UTC().Format("2006-01-02")
	if err := limitStore.Apply(context.Background(), "agent-a", day, limits.Delta{
		TransferSent: decimal.NewFromInt(20000),
	}, time.Now().Unix()); err != nil {
		t.Fatalf("apply counter: %v", err)
	}

	report, err := auditor.Run(context.Background())
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if check := findCheck(t, report, CheckDailyCounters); check.Passed {
		t.Fatalf("expected %s to fail", CheckDailyCounters)
	}
}

func findCheck(t *testing.T, report *Report, name string) CheckResult {
	t.Helper()
	for _, check := range report.Checks {
		if check.Name == name {
			return check
		}
	}
	t.Fatalf("check %s missing from report", name)
	return CheckResult{}
}
