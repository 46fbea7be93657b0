package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	xerrors "github.com/lulu-molty/molty/internal/errors"
	"github.com/lulu-molty/molty/internal/ledger"
	"github.com/lulu-molty/molty/internal/limits"
	"github.com/lulu-molty/molty/internal/risk"
	"github.com/lulu-molty/molty/internal/task"
)

func newTestEngine(t *testing.T, breakerCfg risk.Config) (*Engine, ledger.Store) {
	t.Helper()

	store := ledger.NewMemoryStore(ledger.DefaultParams())
	tracker := limits.NewTracker(limits.DefaultPolicy(), limits.NewMemoryStore())
	breaker := risk.NewBreaker(breakerCfg, nil)
	eng := New(Config{}, store, tracker, breaker)
	if err := eng.EnsureAccounts(context.Background()); err != nil {
		t.Fatalf("ensure accounts: %v", err)
	}
	return eng, store
}

// quietBreakerConfig 把阈值调到测试流量之上，避免风控干扰被测路径。
func quietBreakerConfig() risk.Config {
	return risk.Config{
		AmountThreshold:        decimal.NewFromInt(1_000_000),
		PerAddressThreshold:    decimal.NewFromInt(1_000_000),
		MaxTransactionsPerHour: 1_000_000,
		ResetKey:               "test-reset-key",
	}
}

func fund(t *testing.T, store ledger.Store, address string, amount int64) {
	t.Helper()
	ctx := context.Background()
	if _, err := store.CreateAccount(ctx, address); err != nil && !errors.Is(err, ledger.ErrAccountExists) {
		t.Fatalf("create %s: %v", address, err)
	}
	if amount <= 0 {
		return
	}
	_, err := store.Transfer(ctx, ledger.TransferRequest{
		From:   store.Params().SystemAddress,
		To:     address,
		Amount: decimal.NewFromInt(amount),
		Type:   ledger.TxTransfer,
	})
	if err != nil {
		t.Fatalf("fund %s: %v", address, err)
	}
}

func makeTask(t *testing.T, kind task.Kind, payload any) *task.Task {
	t.Helper()
	encoded, err := task.EncodePayload(payload)
	if err != nil {
		t.Fatalf("encode payload: %v", err)
	}
	return &task.Task{ID: "task-" + string(kind), Kind: kind, Payload: encoded, MaxRetries: 3}
}

func mustBalance(t *testing.T, eng *Engine, address string) decimal.Decimal {
	t.Helper()
	balance, err := eng.Balance(context.Background(), address)
	if err != nil {
		t.Fatalf("balance %s: %v", address, err)
	}
	return balance
}

func TestHandleTransferMovesFundsAndRecordsUsage(t *testing.T) {
	t.Parallel()

	eng, store := newTestEngine(t, quietBreakerConfig())
	ctx := context.Background()
	fund(t, store, "agent-a", 500)
	fund(t, store, "agent-b", 200)

	result, err := eng.HandleTransfer(ctx, makeTask(t, task.KindTransfer, task.TransferPayload{
		From:   "agent-a",
		To:     "agent-b",
		Amount: decimal.NewFromInt(100),
		Fee:    decimal.NewFromInt(1),
	}))
	if err != nil {
		t.Fatalf("transfer failed: %v", err)
	}
	if result.TxID == "" {
		t.Fatal("expected tx id in result")
	}

	if got := mustBalance(t, eng, "agent-a"); !got.Equal(decimal.NewFromInt(399)) {
		t.Fatalf("sender balance = %s, want 399", got)
	}
	if got := mustBalance(t, eng, "agent-b"); !got.Equal(decimal.NewFromInt(300)) {
		t.Fatalf("receiver balance = %s, want 300", got)
	}

	usage, err := eng.DailyLimit(ctx, "agent-a", limits.CategoryTransfer)
	if err != nil {
		t.Fatalf("usage failed: %v", err)
	}
	if !usage.Spent.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("spent = %s, want 100", usage.Spent)
	}
}

func TestHandleTransferRejectionLeavesStateUntouched(t *testing.T) {
	t.Parallel()

	eng, store := newTestEngine(t, quietBreakerConfig())
	ctx := context.Background()
	fund(t, store, "agent-a", 9000)
	fund(t, store, "agent-b", 0)

	// 超过单笔上限，限额层拒绝。
	_, err := eng.HandleTransfer(ctx, makeTask(t, task.KindTransfer, task.TransferPayload{
		From:   "agent-a",
		To:     "agent-b",
		Amount: decimal.NewFromInt(6000),
	}))
	if !errors.Is(err, limits.ErrSingleAboveMax) {
		t.Fatalf("expected single-max rejection, got %v", err)
	}

	if got := mustBalance(t, eng, "agent-a"); !got.Equal(decimal.NewFromInt(9000)) {
		t.Fatalf("sender balance changed on rejection: %s", got)
	}
	usage, err := eng.DailyLimit(ctx, "agent-a", limits.CategoryTransfer)
	if err != nil {
		t.Fatalf("usage failed: %v", err)
	}
	if !usage.Spent.IsZero() {
		t.Fatalf("rejected transfer must not consume limit, spent %s", usage.Spent)
	}
}

func TestHandleTransferBlockedWhileBreakerOpen(t *testing.T) {
	t.Parallel()

	cfg := quietBreakerConfig()
	cfg.AmountThreshold = decimal.NewFromInt(500)
	eng, store := newTestEngine(t, cfg)
	ctx := context.Background()
	fund(t, store, "agent-a", 2000)
	fund(t, store, "agent-b", 0)

	transfer := func() error {
		_, err := eng.HandleTransfer(ctx, makeTask(t, task.KindTransfer, task.TransferPayload{
			From:   "agent-a",
			To:     "agent-b",
			Amount: decimal.NewFromInt(150),
		}))
		return err
	}
	for i := 0; i < 3; i++ {
		if err := transfer(); err != nil {
			t.Fatalf("transfer %d failed: %v", i+1, err)
		}
	}
	// 窗口已累计 450，这一笔把总额推过 500，触发熔断。
	if err := transfer(); xerrors.CodeOf(err) != risk.CodeCircuitOpen {
		t.Fatalf("expected circuit-open rejection, got %v", err)
	}
	if !eng.BreakerStatus().IsOpen {
		t.Fatal("breaker must be open")
	}
	if got := mustBalance(t, eng, "agent-a"); !got.Equal(decimal.NewFromInt(1550)) {
		t.Fatalf("rejected transfer must not move funds, balance %s", got)
	}

	if !eng.ResetBreaker("test-reset-key") {
		t.Fatal("manual reset with correct key must succeed")
	}
	if eng.BreakerStatus().IsOpen {
		t.Fatal("breaker must close after manual reset")
	}
}

func TestHandleGameSettlesBetAndPayout(t *testing.T) {
	t.Parallel()

	eng, store := newTestEngine(t, quietBreakerConfig())
	ctx := context.Background()
	fund(t, store, "player-1", 100)
	fund(t, store, "CASINO_POOL", 1000)

	result, err := eng.HandleGame(ctx, makeTask(t, task.KindGame, task.GamePayload{
		Player: "player-1",
		Game:   "dice",
		Bet:    decimal.NewFromInt(50),
		Payout: decimal.NewFromInt(80),
	}))
	if err != nil {
		t.Fatalf("game failed: %v", err)
	}
	if result.TxID == "" || result.Message == "" {
		t.Fatalf("expected bet and payout tx references, got %+v", result)
	}

	if got := mustBalance(t, eng, "player-1"); !got.Equal(decimal.NewFromInt(130)) {
		t.Fatalf("player balance = %s, want 130", got)
	}
	if got := mustBalance(t, eng, "CASINO_POOL"); !got.Equal(decimal.NewFromInt(970)) {
		t.Fatalf("pool balance = %s, want 970", got)
	}

	spend, err := eng.DailyLimit(ctx, "player-1", limits.CategoryGameSpend)
	if err != nil {
		t.Fatalf("spend usage: %v", err)
	}
	if !spend.Spent.Equal(decimal.NewFromInt(50)) {
		t.Fatalf("game spend = %s, want 50", spend.Spent)
	}
	win, err := eng.DailyLimit(ctx, "player-1", limits.CategoryGameWin)
	if err != nil {
		t.Fatalf("win usage: %v", err)
	}
	if !win.Spent.Equal(decimal.NewFromInt(80)) {
		t.Fatalf("game win = %s, want 80", win.Spent)
	}
}

func TestHandleGameDailyCap(t *testing.T) {
	t.Parallel()

	eng, store := newTestEngine(t, quietBreakerConfig())
	ctx := context.Background()
	fund(t, store, "player-1", 500)

	play := func(bet int64) error {
		_, err := eng.HandleGame(ctx, makeTask(t, task.KindGame, task.GamePayload{
			Player: "player-1",
			Game:   "dice",
			Bet:    decimal.NewFromInt(bet),
		}))
		return err
	}
	if err := play(60); err != nil {
		t.Fatalf("first bet failed: %v", err)
	}
	if err := play(60); !errors.Is(err, limits.ErrGameDailyLimitExceeded) {
		t.Fatalf("expected daily cap rejection, got %v", err)
	}
	if got := mustBalance(t, eng, "player-1"); !got.Equal(decimal.NewFromInt(440)) {
		t.Fatalf("rejected bet must not move funds, balance %s", got)
	}
}

func TestHandleRewardFromSystem(t *testing.T) {
	t.Parallel()

	eng, store := newTestEngine(t, quietBreakerConfig())
	ctx := context.Background()
	fund(t, store, "agent-a", 0)

	result, err := eng.HandleReward(ctx, makeTask(t, task.KindReward, task.RewardPayload{
		To:     "agent-a",
		Amount: decimal.NewFromInt(25),
		Reason: "daily-bonus",
	}))
	if err != nil {
		t.Fatalf("reward failed: %v", err)
	}

	tx, err := store.GetTransaction(ctx, result.TxID)
	if err != nil {
		t.Fatalf("get transaction: %v", err)
	}
	if tx.Type != ledger.TxReward || !tx.Fee.IsZero() {
		t.Fatalf("unexpected reward transaction: type %s fee %s", tx.Type, tx.Fee)
	}
	if got := mustBalance(t, eng, "agent-a"); !got.Equal(decimal.NewFromInt(25)) {
		t.Fatalf("recipient balance = %s, want 25", got)
	}
}

func TestLedgerFailuresTripBreaker(t *testing.T) {
	t.Parallel()

	cfg := quietBreakerConfig()
	cfg.FailureThreshold = 5
	eng, store := newTestEngine(t, cfg)
	ctx := context.Background()
	fund(t, store, "agent-a", 1000)

	// 连续五次向不存在的地址转账，失败计数达到阈值后熔断。
	for i := 0; i < 5; i++ {
		_, err := eng.HandleTransfer(ctx, makeTask(t, task.KindTransfer, task.TransferPayload{
			From:   "agent-a",
			To:     "no-such-address",
			Amount: decimal.NewFromInt(10),
		}))
		if !errors.Is(err, ledger.ErrUnknownAddress) {
			t.Fatalf("attempt %d: expected unknown address, got %v", i+1, err)
		}
	}
	if !eng.BreakerStatus().IsOpen {
		t.Fatal("breaker must open after repeated ledger failures")
	}
}
