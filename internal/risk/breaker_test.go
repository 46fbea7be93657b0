package risk

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	xerrors "github.com/lulu-molty/molty/internal/errors"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.PerAddressThreshold = decimal.NewFromInt(1_000_000)
	cfg.ResetKey = "test-reset-key"
	return cfg
}

func advance(b *Breaker) *time.Time {
	current := time.Now()
	b.now = func() time.Time { return current }
	return &current
}

func TestWindowAmountTripsBreaker(t *testing.T) {
	t.Parallel()

	b := NewBreaker(testConfig(), nil)
	amount := decimal.NewFromInt(150)

	for i := 0; i < 3; i++ {
		if err := b.CanExecute("agent-a", amount); err != nil {
			t.Fatalf("transfer %d rejected: %v", i+1, err)
		}
		b.RecordSuccess("agent-a", amount, "tx")
	}

	// 窗口累计 450，再来 150 会越过 500 阈值。
	if err := b.CanExecute("agent-a", amount); err == nil {
		t.Fatalf("fourth transfer must trip the breaker")
	} else if xerrors.CodeOf(err) != CodeCircuitOpen {
		t.Fatalf("unexpected error code: %s", xerrors.CodeOf(err))
	}

	status := b.Status()
	if !status.IsOpen {
		t.Fatalf("breaker must be open after trip")
	}

	// 打开期间一切转账被拒绝。
	if err := b.CanExecute("agent-b", decimal.NewFromInt(1)); err == nil {
		t.Fatalf("open breaker must reject all transfers")
	}
}

func TestCooldownAutoReset(t *testing.T) {
	t.Parallel()

	b := NewBreaker(testConfig(), nil)
	current := advance(b)

	b.RecordSuccess("agent-a", decimal.NewFromInt(450), "tx")
	if err := b.CanExecute("agent-a", decimal.NewFromInt(150)); err == nil {
		t.Fatalf("expected trip")
	}

	*current = current.Add(10 * time.Minute)
	if err := b.CanExecute("agent-a", decimal.NewFromInt(1)); err == nil {
		t.Fatalf("breaker must stay open during cooldown")
	}

	*current = current.Add(25 * time.Minute)
	if err := b.CanExecute("agent-a", decimal.NewFromInt(100)); err != nil {
		t.Fatalf("breaker must auto-reset after cooldown: %v", err)
	}
	status := b.Status()
	if status.IsOpen || status.FailureCount != 0 || !status.WindowAmount.IsZero() {
		t.Fatalf("state must be fully reset after recovery: %+v", status)
	}
}

func TestConsecutiveFailuresTrip(t *testing.T) {
	t.Parallel()

	b := NewBreaker(testConfig(), nil)

	for i := 0; i < 4; i++ {
		b.RecordFailure("storage error")
	}
	if b.Status().IsOpen {
		t.Fatalf("breaker must stay closed below the failure threshold")
	}

	// 一次成功清零计数。
	b.RecordSuccess("agent-a", decimal.NewFromInt(1), "tx")
	for i := 0; i < 4; i++ {
		b.RecordFailure("storage error")
	}
	if b.Status().IsOpen {
		t.Fatalf("success must reset the failure counter")
	}

	b.RecordFailure("storage error")
	if !b.Status().IsOpen {
		t.Fatalf("breaker must open at the failure threshold")
	}
}

func TestPerAddressRejectionIsLocal(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.AmountThreshold = decimal.NewFromInt(1_000_000)
	cfg.ResetKey = "test-reset-key"
	b := NewBreaker(cfg, nil)

	amount := decimal.NewFromInt(150)
	if err := b.CanExecute("agent-a", amount); err != nil {
		t.Fatalf("first transfer rejected: %v", err)
	}
	b.RecordSuccess("agent-a", amount, "tx")

	// 150+150 越过地址级 200 阈值，仅拒绝本笔。
	if err := b.CanExecute("agent-a", amount); err == nil {
		t.Fatalf("per-address overflow must be rejected")
	}
	if b.Status().IsOpen {
		t.Fatalf("per-address rejection must not trip the global breaker")
	}
	if err := b.CanExecute("agent-b", amount); err != nil {
		t.Fatalf("other addresses must be unaffected: %v", err)
	}
}

func TestHourlyRateTrips(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.MaxTransactionsPerHour = 3
	cfg.AmountThreshold = decimal.NewFromInt(1_000_000)
	b := NewBreaker(cfg, nil)

	for i := 0; i < 3; i++ {
		if err := b.CanExecute("agent-a", decimal.NewFromInt(1)); err != nil {
			t.Fatalf("transfer %d rejected: %v", i+1, err)
		}
		b.RecordSuccess("agent-a", decimal.NewFromInt(1), "tx")
	}
	if err := b.CanExecute("agent-a", decimal.NewFromInt(1)); err == nil {
		t.Fatalf("rate overflow must trip the breaker")
	}
	if !b.Status().IsOpen {
		t.Fatalf("breaker must be open after rate trip")
	}
}

func TestManualReset(t *testing.T) {
	t.Parallel()

	b := NewBreaker(testConfig(), nil)
	b.RecordSuccess("agent-a", decimal.NewFromInt(450), "tx")
	if err := b.CanExecute("agent-a", decimal.NewFromInt(150)); err == nil {
		t.Fatalf("expected trip")
	}

	if b.ManualReset("wrong-key") {
		t.Fatalf("wrong key must be rejected")
	}
	if !b.Status().IsOpen {
		t.Fatalf("breaker must stay open after rejected reset")
	}

	if !b.ManualReset("test-reset-key") {
		t.Fatalf("correct key must reset the breaker")
	}
	if b.Status().IsOpen {
		t.Fatalf("breaker must be closed after manual reset")
	}
	if err := b.CanExecute("agent-a", decimal.NewFromInt(100)); err != nil {
		t.Fatalf("transfers must pass after reset: %v", err)
	}
}

func TestManualResetWithoutKeyConfigured(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.ResetKey = ""
	b := NewBreaker(cfg, nil)
	if b.ManualReset("") {
		t.Fatalf("empty configured key must never reset")
	}
}

func TestWindowExpiresLazily(t *testing.T) {
	t.Parallel()

	b := NewBreaker(testConfig(), nil)
	current := advance(b)

	b.RecordSuccess("agent-a", decimal.NewFromInt(450), "tx")

	// 窗口过期后累计额度清零，不再触发熔断。
	*current = current.Add(11 * time.Minute)
	if err := b.CanExecute("agent-a", decimal.NewFromInt(150)); err != nil {
		t.Fatalf("expired window must not trip: %v", err)
	}

	status := b.Status()
	if status.IsOpen {
		t.Fatalf("breaker must stay closed")
	}
}

func TestStatusHidesResetKey(t *testing.T) {
	t.Parallel()

	b := NewBreaker(testConfig(), nil)
	if b.Status().Config.ResetKey != "" {
		t.Fatalf("status must not expose the reset key")
	}
}
