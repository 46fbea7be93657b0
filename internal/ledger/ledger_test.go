package ledger

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func newTestStore(t *testing.T) *MemoryStore {
	t.Helper()
	return NewMemoryStore(Params{InitialSupply: decimal.NewFromInt(1_000_000)})
}

func fund(t *testing.T, store *MemoryStore, address string, amount int64) {
	t.Helper()
	ctx := context.Background()
	if _, err := store.CreateAccount(ctx, address); err != nil {
		t.Fatalf("create account %s failed: %v", address, err)
	}
	if amount <= 0 {
		return
	}
	_, err := store.Transfer(ctx, TransferRequest{
		From:   store.Params().SystemAddress,
		To:     address,
		Amount: decimal.NewFromInt(amount),
		Type:   TxReward,
	})
	if err != nil {
		t.Fatalf("fund %s failed: %v", address, err)
	}
}

func TestTransferUpdatesBothBalancesWithBookends(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	fund(t, store, "agent-a", 500)
	fund(t, store, "agent-b", 200)

	tx, err := store.Transfer(ctx, TransferRequest{
		From:   "agent-a",
		To:     "agent-b",
		Amount: decimal.NewFromInt(100),
		Type:   TxTransfer,
	})
	if err != nil {
		t.Fatalf("transfer failed: %v", err)
	}

	if !tx.BalanceBeforeFrom.Equal(decimal.NewFromInt(500)) ||
		!tx.BalanceAfterFrom.Equal(decimal.NewFromInt(400)) ||
		!tx.BalanceBeforeTo.Equal(decimal.NewFromInt(200)) ||
		!tx.BalanceAfterTo.Equal(decimal.NewFromInt(300)) {
		t.Fatalf("unexpected bookends: %s/%s %s/%s",
			tx.BalanceBeforeFrom, tx.BalanceAfterFrom, tx.BalanceBeforeTo, tx.BalanceAfterTo)
	}
	if tx.Status != TxConfirmed {
		t.Fatalf("expected confirmed status, got %s", tx.Status)
	}

	balanceA, _ := store.GetBalance(ctx, "agent-a")
	balanceB, _ := store.GetBalance(ctx, "agent-b")
	if !balanceA.Equal(decimal.NewFromInt(400)) || !balanceB.Equal(decimal.NewFromInt(300)) {
		t.Fatalf("unexpected balances: a=%s b=%s", balanceA, balanceB)
	}
}

func TestTransferInsufficientBalanceLeavesLedgerUntouched(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	fund(t, store, "agent-a", 50)
	fund(t, store, "agent-b", 10)

	before, _ := store.Stats(ctx)
	_, err := store.Transfer(ctx, TransferRequest{
		From:   "agent-a",
		To:     "agent-b",
		Amount: decimal.NewFromInt(100),
		Type:   TxTransfer,
	})
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected insufficient balance, got %v", err)
	}

	after, _ := store.Stats(ctx)
	if after.TxCount != before.TxCount {
		t.Fatalf("rejected transfer must not append a confirmed record")
	}
	balanceA, _ := store.GetBalance(ctx, "agent-a")
	if !balanceA.Equal(decimal.NewFromInt(50)) {
		t.Fatalf("balance changed on rejected transfer: %s", balanceA)
	}
}

func TestTransferUnknownAddressRejected(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	fund(t, store, "agent-a", 100)

	_, err := store.Transfer(ctx, TransferRequest{
		From:   "agent-a",
		To:     "ghost",
		Amount: decimal.NewFromInt(10),
		Type:   TxTransfer,
	})
	if !errors.Is(err, ErrUnknownAddress) {
		t.Fatalf("expected unknown address, got %v", err)
	}
}

func TestTransferValidation(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	fund(t, store, "agent-a", 100)

	cases := []struct {
		name string
		req  TransferRequest
	}{
		{"self transfer", TransferRequest{From: "agent-a", To: "agent-a", Amount: decimal.NewFromInt(1), Type: TxTransfer}},
		{"zero amount", TransferRequest{From: "agent-a", To: "agent-b", Amount: decimal.Zero, Type: TxTransfer}},
		{"negative amount", TransferRequest{From: "agent-a", To: "agent-b", Amount: decimal.NewFromInt(-5), Type: TxTransfer}},
		{"negative fee", TransferRequest{From: "agent-a", To: "agent-b", Amount: decimal.NewFromInt(5), Fee: decimal.NewFromInt(-1), Type: TxTransfer}},
		{"missing type", TransferRequest{From: "agent-a", To: "agent-b", Amount: decimal.NewFromInt(5)}},
	}
	for _, tc := range cases {
		if _, err := store.Transfer(ctx, tc.req); err == nil {
			t.Fatalf("%s: expected validation error", tc.name)
		}
	}
}

func TestFrozenAccountCannotSend(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	fund(t, store, "agent-a", 100)
	fund(t, store, "agent-b", 100)

	if err := store.SetAccountStatus(ctx, "agent-a", AccountFrozen); err != nil {
		t.Fatalf("freeze failed: %v", err)
	}
	_, err := store.Transfer(ctx, TransferRequest{
		From:   "agent-a",
		To:     "agent-b",
		Amount: decimal.NewFromInt(10),
		Type:   TxTransfer,
	})
	if !errors.Is(err, ErrAccountFrozen) {
		t.Fatalf("expected frozen account rejection, got %v", err)
	}

	// 冻结只限制转出，转入仍然允许。
	if _, err := store.Transfer(ctx, TransferRequest{
		From:   "agent-b",
		To:     "agent-a",
		Amount: decimal.NewFromInt(10),
		Type:   TxTransfer,
	}); err != nil {
		t.Fatalf("transfer into frozen account failed: %v", err)
	}
}

func TestFeeCreditsCollector(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	fund(t, store, "agent-a", 100)
	fund(t, store, "agent-b", 0)

	tx, err := store.Transfer(ctx, TransferRequest{
		From:   "agent-a",
		To:     "agent-b",
		Amount: decimal.NewFromInt(40),
		Fee:    decimal.NewFromInt(2),
		Type:   TxTransfer,
	})
	if err != nil {
		t.Fatalf("transfer failed: %v", err)
	}
	if !tx.BalanceAfterFrom.Equal(decimal.NewFromInt(58)) {
		t.Fatalf("fee not debited from sender: %s", tx.BalanceAfterFrom)
	}

	collector, _ := store.GetBalance(ctx, store.Params().FeeCollector)
	if !collector.Equal(decimal.NewFromInt(2)) {
		t.Fatalf("fee collector balance = %s, want 2", collector)
	}
}

func TestConservationOfSupply(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	fund(t, store, "agent-a", 500)
	fund(t, store, "agent-b", 200)

	for i := 0; i < 5; i++ {
		if _, err := store.Transfer(ctx, TransferRequest{
			From:   "agent-a",
			To:     "agent-b",
			Amount: decimal.NewFromInt(13),
			Fee:    decimal.NewFromInt(1),
			Type:   TxTransfer,
		}); err != nil {
			t.Fatalf("transfer %d failed: %v", i, err)
		}
	}

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	if !stats.TotalBalance.Equal(store.Params().InitialSupply) {
		t.Fatalf("supply not conserved: %s", stats.TotalBalance)
	}
}

func TestPendingLifecycle(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	fund(t, store, "agent-a", 100)
	fund(t, store, "agent-b", 0)

	pending, err := store.RecordPending(ctx, TransferRequest{
		From:   "agent-a",
		To:     "agent-b",
		Amount: decimal.NewFromInt(30),
		Type:   TxTransfer,
	})
	if err != nil {
		t.Fatalf("record pending failed: %v", err)
	}
	if pending.Status != TxPending {
		t.Fatalf("expected pending status, got %s", pending.Status)
	}

	balanceB, _ := store.GetBalance(ctx, "agent-b")
	if !balanceB.IsZero() {
		t.Fatalf("pending transaction must not move funds")
	}

	confirmed, err := store.ConfirmPending(ctx, pending.TxID)
	if err != nil {
		t.Fatalf("confirm failed: %v", err)
	}
	if confirmed.Status != TxConfirmed || !confirmed.BalanceAfterTo.Equal(decimal.NewFromInt(30)) {
		t.Fatalf("unexpected confirmed record: %+v", confirmed)
	}

	if _, err := store.ConfirmPending(ctx, pending.TxID); !errors.Is(err, ErrTxNotPending) {
		t.Fatalf("double confirm must fail, got %v", err)
	}
}

func TestConfirmPendingFailureIsTerminal(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	fund(t, store, "agent-a", 10)
	fund(t, store, "agent-b", 0)

	pending, err := store.RecordPending(ctx, TransferRequest{
		From:   "agent-a",
		To:     "agent-b",
		Amount: decimal.NewFromInt(50),
		Type:   TxTransfer,
	})
	if err != nil {
		t.Fatalf("record pending failed: %v", err)
	}

	if _, err := store.ConfirmPending(ctx, pending.TxID); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected insufficient balance, got %v", err)
	}

	stored, err := store.GetTransaction(ctx, pending.TxID)
	if err != nil {
		t.Fatalf("get transaction failed: %v", err)
	}
	if stored.Status != TxFailed {
		t.Fatalf("failed settlement must be terminal, got %s", stored.Status)
	}
}

func TestListTransactionsFilters(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	fund(t, store, "agent-a", 100)
	fund(t, store, "agent-b", 100)
	fund(t, store, "agent-c", 100)

	if _, err := store.Transfer(ctx, TransferRequest{
		From: "agent-a", To: "agent-b", Amount: decimal.NewFromInt(5), Type: TxTransfer,
	}); err != nil {
		t.Fatalf("transfer failed: %v", err)
	}
	if _, err := store.Transfer(ctx, TransferRequest{
		From: "agent-b", To: "agent-c", Amount: decimal.NewFromInt(5), Type: TxTransfer,
	}); err != nil {
		t.Fatalf("transfer failed: %v", err)
	}

	forB, err := store.ListTransactions(ctx, TxFilter{Address: "agent-b"})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	// 充值一笔加上两笔互转。
	if len(forB) != 3 {
		t.Fatalf("expected 3 transactions for agent-b, got %d", len(forB))
	}
	for i := 1; i < len(forB); i++ {
		if forB[i-1].CreatedAt < forB[i].CreatedAt {
			t.Fatalf("transactions not sorted newest first")
		}
	}

	pendingOnly, err := store.ListTransactions(ctx, TxFilter{Statuses: []TxStatus{TxPending}})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(pendingOnly) != 0 {
		t.Fatalf("expected no pending transactions, got %d", len(pendingOnly))
	}
}

func TestGetBalanceUnknownAddressIsZero(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	balance, err := store.GetBalance(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("get balance failed: %v", err)
	}
	if !balance.IsZero() {
		t.Fatalf("unknown address balance = %s, want 0", balance)
	}
}

func TestCreateAccountDuplicate(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	if _, err := store.CreateAccount(ctx, "agent-a"); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := store.CreateAccount(ctx, "agent-a"); !errors.Is(err, ErrAccountExists) {
		t.Fatalf("expected duplicate error, got %v", err)
	}
}
