package task

import (
	"context"
	"sort"
	"sync"
	"time"

	xerrors "github.com/lulu-molty/molty/internal/errors"
)

// MemoryStore 以内存方式保存任务状态，主要用于测试。
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]*Task
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[string]*Task)}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, task *Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if task == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "task 不能为空")
	}
	if task.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}
	if !IsValidKind(task.Kind) {
		return xerrors.New(CodeTaskValidation, "不支持的任务类型")
	}
	if _, ok := m.tasks[task.ID]; ok {
		return ErrTaskConflict
	}
	now := time.Now().Unix()
	if task.CreatedAt == 0 {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	m.tasks[task.ID] = cloneTask(task)
	return nil
}

// Get 返回任务。
func (m *MemoryStore) Get(_ context.Context, id string) (*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return cloneTask(task), nil
}

// Claim 领取任务并置为运行中。允许的总执行次数为 1 次首投加 MaxRetries 次重试。
func (m *MemoryStore) Claim(_ context.Context, id string) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	switch task.Status {
	case StatusSucceeded:
		return cloneTask(task), ErrTaskCompleted
	case StatusRunning:
		return cloneTask(task), ErrTaskConflict
	case StatusFailed:
		// 失败是终态，只有回到 pending 的任务才可重试。
		return cloneTask(task), ErrTaskExhausted
	}
	if task.Attempts > task.MaxRetries {
		return cloneTask(task), ErrTaskExhausted
	}
	task.Status = StatusRunning
	task.Attempts++
	task.LastError = ""
	task.ErrorCode = ""
	task.UpdatedAt = time.Now().Unix()
	return cloneTask(task), nil
}

// MarkSucceeded 记录成功结果。
func (m *MemoryStore) MarkSucceeded(_ context.Context, id string, result Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	task.Status = StatusSucceeded
	task.Result = &result
	task.LastError = ""
	task.ErrorCode = ""
	task.UpdatedAt = time.Now().Unix()
	return nil
}

// MarkFailed 记录一次失败。终态失败固定为 failed，可重试的失败回到 pending 等待重投。
func (m *MemoryStore) MarkFailed(_ context.Context, id string, code xerrors.Code, lastError string, terminal bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	if terminal {
		task.Status = StatusFailed
	} else {
		task.Status = StatusPending
	}
	task.LastError = lastError
	task.ErrorCode = string(code)
	task.UpdatedAt = time.Now().Unix()
	return nil
}

// List 返回符合过滤条件的任务。
func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	matches := make([]*Task, 0, len(m.tasks))
	for _, task := range m.tasks {
		if !matchesListFilters(task, opts) {
			continue
		}
		matches = append(matches, task)
	}

	sort.Slice(matches, func(i, j int) bool {
		if opts.Order == SortByUpdatedAsc {
			if matches[i].UpdatedAt != matches[j].UpdatedAt {
				return matches[i].UpdatedAt < matches[j].UpdatedAt
			}
		} else if matches[i].UpdatedAt != matches[j].UpdatedAt {
			return matches[i].UpdatedAt > matches[j].UpdatedAt
		}
		return matches[i].ID < matches[j].ID
	})

	if opts.Offset >= len(matches) {
		return nil, nil
	}
	matches = matches[opts.Offset:]
	if len(matches) > opts.Limit {
		matches = matches[:opts.Limit]
	}

	results := make([]*Task, 0, len(matches))
	for _, task := range matches {
		results = append(results, cloneTask(task))
	}
	return results, nil
}

// Stats 统计符合过滤条件的任务数量与更新时间范围。
func (m *MemoryStore) Stats(_ context.Context, opts ListOptions) (TaskStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	stats := TaskStats{}
	for _, task := range m.tasks {
		if !matchesListFilters(task, opts) {
			continue
		}
		stats.Total++
		switch task.Status {
		case StatusPending:
			stats.Pending++
		case StatusRunning:
			stats.Running++
		case StatusSucceeded:
			stats.Succeeded++
		case StatusFailed:
			stats.Failed++
		}
		if task.UpdatedAt > stats.NewestUpdatedAt {
			stats.NewestUpdatedAt = task.UpdatedAt
		}
		if stats.OldestUpdatedAt == 0 || (task.UpdatedAt != 0 && task.UpdatedAt < stats.OldestUpdatedAt) {
			stats.OldestUpdatedAt = task.UpdatedAt
		}
	}
	if stats.Total == 0 {
		stats.OldestUpdatedAt = 0
		stats.NewestUpdatedAt = 0
	}
	return stats, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

func cloneTask(task *Task) *Task {
	clone := *task
	if task.Result != nil {
		resultCopy := *task.Result
		clone.Result = &resultCopy
	}
	clone.Payload = clonePayload(task.Payload)
	return &clone
}

func matchesListFilters(task *Task, opts ListOptions) bool {
	if len(opts.Statuses) > 0 {
		matched := false
		for _, status := range opts.Statuses {
			if task.Status == status {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if len(opts.Kinds) > 0 {
		matched := false
		for _, kind := range opts.Kinds {
			if task.Kind == kind {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if opts.UpdatedGTE > 0 && task.UpdatedAt < opts.UpdatedGTE {
		return false
	}
	if opts.UpdatedLTE > 0 && task.UpdatedAt > opts.UpdatedLTE {
		return false
	}
	return true
}

// ensure interface compliance at compile time
var _ Store = (*MemoryStore)(nil)

// MemoryDeadLetterStore 以内存方式保存死信，主要用于测试。
type MemoryDeadLetterStore struct {
	mu      sync.RWMutex
	letters []*DeadLetter
	nextID  int64
}

// NewMemoryDeadLetterStore 创建内存死信存储。
func NewMemoryDeadLetterStore() *MemoryDeadLetterStore {
	return &MemoryDeadLetterStore{}
}

// Append 追加一条死信记录。
func (m *MemoryDeadLetterStore) Append(_ context.Context, letter DeadLetter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	letter.ID = m.nextID
	if letter.CreatedAt == 0 {
		letter.CreatedAt = time.Now().Unix()
	}
	m.letters = append(m.letters, &letter)
	return nil
}

// List 按时间倒序返回最近的死信。
func (m *MemoryDeadLetterStore) List(_ context.Context, limit int) ([]*DeadLetter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if limit <= 0 || limit > len(m.letters) {
		limit = len(m.letters)
	}
	results := make([]*DeadLetter, 0, limit)
	for i := len(m.letters) - 1; i >= 0 && len(results) < limit; i-- {
		clone := *m.letters[i]
		results = append(results, &clone)
	}
	return results, nil
}

// Close 对内存存储无需操作。
func (m *MemoryDeadLetterStore) Close() error {
	return nil
}

var _ DeadLetterStore = (*MemoryDeadLetterStore)(nil)
