package task

import (
	"context"

	xerrors "github.com/lulu-molty/molty/internal/errors"
)

// Store 抽象了任务状态的持久化接口。
type Store interface {
	Create(ctx context.Context, task *Task) error
	Get(ctx context.Context, id string) (*Task, error)
	Claim(ctx context.Context, id string) (*Task, error)
	MarkSucceeded(ctx context.Context, id string, result Result) error
	MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, terminal bool) error
	List(ctx context.Context, opts ListOptions) ([]*Task, error)
	Stats(ctx context.Context, opts ListOptions) (TaskStats, error)
	Close() error
}

// TaskStats 按状态汇总任务数量，供 /api/v1/tasks 的统计口径
// 与幂等提交去重使用。
type TaskStats struct {
	Total           int   `json:"total"`
	Pending         int   `json:"pending"`
	Running         int   `json:"running"`
	Succeeded       int   `json:"succeeded"`
	Failed          int   `json:"failed"`
	OldestUpdatedAt int64 `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt int64 `json:"newest_updated_at,omitempty"`
}

// DeadLetter 是一条进入死信队列的任务记录。
type DeadLetter struct {
	ID        int64  `json:"id"`
	TaskID    string `json:"task_id"`
	Kind      Kind   `json:"kind"`
	Payload   string `json:"payload"`
	Reason    string `json:"reason"`
	Attempts  int    `json:"attempts"`
	CreatedAt int64  `json:"created_at"`
}

// DeadLetterStore 是只追加的死信存储，死信永不自动重放。
type DeadLetterStore interface {
	Append(ctx context.Context, letter DeadLetter) error
	List(ctx context.Context, limit int) ([]*DeadLetter, error)
	Close() error
}
