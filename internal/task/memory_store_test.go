package task

import (
	"context"
	"errors"
	"testing"

	xerrors "github.com/lulu-molty/molty/internal/errors"
)

func newStoredTask(t *testing.T, store *MemoryStore, id string, maxRetries int) *Task {
	t.Helper()
	task := &Task{
		ID:         id,
		Kind:       KindTransfer,
		Payload:    transferPayload(t),
		Status:     StatusPending,
		MaxRetries: maxRetries,
	}
	if err := store.Create(context.Background(), task); err != nil {
		t.Fatalf("create %s failed: %v", id, err)
	}
	return task
}

func TestMemoryStoreClaimLifecycle(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	ctx := context.Background()
	newStoredTask(t, store, "task-a", 1)

	claimed, err := store.Claim(ctx, "task-a")
	if err != nil {
		t.Fatalf("first claim failed: %v", err)
	}
	if claimed.Status != StatusRunning || claimed.Attempts != 1 {
		t.Fatalf("unexpected claimed state: %+v", claimed)
	}

	// 运行中的任务不能被重复领取。
	if _, err := store.Claim(ctx, "task-a"); !errors.Is(err, ErrTaskConflict) {
		t.Fatalf("expected conflict on double claim, got %v", err)
	}

	// 可重试的失败回到 pending，错误信息保留。
	if err := store.MarkFailed(ctx, "task-a", CodeTaskProcessing, "下游超时", false); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	pending, err := store.Get(ctx, "task-a")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if pending.Status != StatusPending {
		t.Fatalf("retryable failure must return to pending, got %s", pending.Status)
	}
	if pending.LastError != "下游超时" || pending.ErrorCode != string(CodeTaskProcessing) {
		t.Fatalf("failure detail lost: %+v", pending)
	}

	reclaimed, err := store.Claim(ctx, "task-a")
	if err != nil {
		t.Fatalf("reclaim failed: %v", err)
	}
	if reclaimed.Attempts != 2 {
		t.Fatalf("expected attempts 2, got %d", reclaimed.Attempts)
	}
	if reclaimed.LastError != "" || reclaimed.ErrorCode != "" {
		t.Fatalf("claim must clear previous error, got %+v", reclaimed)
	}

	// 终态失败之后不再可领取。
	if err := store.MarkFailed(ctx, "task-a", CodeTaskExhausted, "重试次数耗尽", true); err != nil {
		t.Fatalf("mark terminal failed: %v", err)
	}
	if _, err := store.Claim(ctx, "task-a"); !errors.Is(err, ErrTaskExhausted) {
		t.Fatalf("expected exhausted, got %v", err)
	}
}

func TestMemoryStoreClaimCompletedAndMissing(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	ctx := context.Background()
	newStoredTask(t, store, "task-done", 3)

	if _, err := store.Claim(ctx, "task-done"); err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if err := store.MarkSucceeded(ctx, "task-done", Result{TxID: "tx-1"}); err != nil {
		t.Fatalf("mark succeeded: %v", err)
	}
	if _, err := store.Claim(ctx, "task-done"); !errors.Is(err, ErrTaskCompleted) {
		t.Fatalf("expected completed, got %v", err)
	}

	done, err := store.Get(ctx, "task-done")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if done.Result == nil || done.Result.TxID != "tx-1" {
		t.Fatalf("result lost: %+v", done.Result)
	}

	if _, err := store.Get(ctx, "no-such-task"); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := store.Claim(ctx, "no-such-task"); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected not found on claim, got %v", err)
	}
}

func TestMemoryStoreCreateValidation(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	ctx := context.Background()
	newStoredTask(t, store, "task-dup", 3)

	if err := store.Create(ctx, &Task{ID: "task-dup", Kind: KindTransfer}); !errors.Is(err, ErrTaskConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if err := store.Create(ctx, &Task{ID: "task-bad", Kind: Kind("withdraw")}); err == nil {
		t.Fatal("expected kind rejection")
	}
	if err := store.Create(ctx, &Task{Kind: KindTransfer}); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected invalid argument for empty id, got %v", err)
	}
}

func TestMemoryStoreListFilters(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	ctx := context.Background()
	newStoredTask(t, store, "task-1", 3)
	newStoredTask(t, store, "task-2", 3)
	rewardTask := &Task{
		ID:         "task-3",
		Kind:       KindReward,
		Payload:    []byte(`{"to":"agent-a","amount":"5"}`),
		Status:     StatusPending,
		MaxRetries: 3,
	}
	if err := store.Create(ctx, rewardTask); err != nil {
		t.Fatalf("create reward task: %v", err)
	}
	if _, err := store.Claim(ctx, "task-2"); err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if err := store.MarkSucceeded(ctx, "task-2", Result{}); err != nil {
		t.Fatalf("mark succeeded: %v", err)
	}

	pendingOnly, err := store.List(ctx, buildListOptions([]ListOption{WithStatuses(StatusPending)}))
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(pendingOnly) != 2 {
		t.Fatalf("expected 2 pending tasks, got %d", len(pendingOnly))
	}

	rewards, err := store.List(ctx, buildListOptions([]ListOption{WithKinds(KindReward)}))
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(rewards) != 1 || rewards[0].ID != "task-3" {
		t.Fatalf("unexpected reward list: %+v", rewards)
	}

	stats, err := store.Stats(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	if stats.Total != 3 || stats.Pending != 2 || stats.Succeeded != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}
