package task

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	xerrors "github.com/lulu-molty/molty/internal/errors"
)

// MySQLStore 将任务状态持久化到 MySQL 的 tasks 表。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 基于已建连的数据库创建任务存储。
func NewMySQLStore(db *sql.DB) *MySQLStore {
	return &MySQLStore{db: db}
}

const selectTaskSQL = `SELECT id, kind, priority, payload, status, attempts, max_retries,
    last_error, result, created_at, updated_at FROM tasks`

// Create 写入一条新任务。
func (s *MySQLStore) Create(ctx context.Context, task *Task) error {
	if task == nil || task.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}
	if !IsValidKind(task.Kind) {
		return xerrors.New(CodeTaskValidation, "不支持的任务类型")
	}
	now := time.Now().Unix()
	if task.CreatedAt == 0 {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, `INSERT INTO tasks
        (id, kind, priority, payload, status, attempts, max_retries, last_error, result, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, NULL, NULL, ?, ?)`,
		task.ID, task.Kind, task.Priority, string(task.Payload), task.Status,
		task.Attempts, task.MaxRetries, task.CreatedAt, task.UpdatedAt)
	if err != nil {
		if strings.Contains(err.Error(), "Duplicate entry") {
			return ErrTaskConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入任务失败")
	}
	return nil
}

// Get 返回任务。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Task, error) {
	task, err := scanTask(s.db.QueryRowContext(ctx, selectTaskSQL+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	return task, err
}

// Claim 以单条带条件的 UPDATE 原子领取任务。
func (s *MySQLStore) Claim(ctx context.Context, id string) (*Task, error) {
	now := time.Now().Unix()
	result, err := s.db.ExecContext(ctx, `UPDATE tasks
        SET status = ?, attempts = attempts + 1, last_error = NULL, claimed_at = ?, updated_at = ?
        WHERE id = ? AND status = ? AND attempts <= max_retries`,
		StatusRunning, now, now, id, StatusPending)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "领取任务失败")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取领取结果失败")
	}

	task, getErr := s.Get(ctx, id)
	if getErr != nil {
		return nil, getErr
	}
	if affected == 0 {
		switch {
		case task.Status == StatusSucceeded:
			return task, ErrTaskCompleted
		case task.Status == StatusRunning:
			return task, ErrTaskConflict
		default:
			return task, ErrTaskExhausted
		}
	}
	return task, nil
}

// MarkSucceeded 记录成功结果。
func (s *MySQLStore) MarkSucceeded(ctx context.Context, id string, result Result) error {
	encoded, err := json.Marshal(result)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化任务结果失败")
	}
	res, err := s.db.ExecContext(ctx, `UPDATE tasks
        SET status = ?, result = ?, last_error = NULL, updated_at = ? WHERE id = ?`,
		StatusSucceeded, string(encoded), time.Now().Unix(), id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新任务成功状态失败")
	}
	return requireAffected(res)
}

// MarkFailed 记录一次失败。终态写 failed，可重试的失败回到 pending。
func (s *MySQLStore) MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, terminal bool) error {
	status := StatusPending
	if terminal {
		status = StatusFailed
	}
	res, err := s.db.ExecContext(ctx, `UPDATE tasks
        SET status = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		status, string(code)+": "+lastError, time.Now().Unix(), id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新任务失败状态失败")
	}
	return requireAffected(res)
}

func requireAffected(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取更新结果失败")
	}
	if affected == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// List 返回符合过滤条件的任务。
func (s *MySQLStore) List(ctx context.Context, opts ListOptions) ([]*Task, error) {
	opts.applyDefaults()
	query, args := buildTaskQuery(selectTaskSQL, opts)

	order := ` ORDER BY updated_at DESC, id DESC`
	if opts.Order == SortByUpdatedAsc {
		order = ` ORDER BY updated_at ASC, id ASC`
	}
	query += order + ` LIMIT ? OFFSET ?`
	args = append(args, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务列表失败")
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历任务列表失败")
	}
	return tasks, nil
}

// Stats 统计符合过滤条件的任务数量与更新时间范围。
func (s *MySQLStore) Stats(ctx context.Context, opts ListOptions) (TaskStats, error) {
	opts.applyDefaults()
	query, args := buildTaskQuery(`SELECT
        COUNT(*),
        COUNT(IF(status = 'pending', 1, NULL)),
        COUNT(IF(status = 'running', 1, NULL)),
        COUNT(IF(status = 'succeeded', 1, NULL)),
        COUNT(IF(status = 'failed', 1, NULL)),
        COALESCE(MIN(updated_at), 0),
        COALESCE(MAX(updated_at), 0)
        FROM tasks`, opts)

	var stats TaskStats
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&stats.Total, &stats.Pending, &stats.Running, &stats.Succeeded, &stats.Failed,
		&stats.OldestUpdatedAt, &stats.NewestUpdatedAt)
	if err != nil {
		return TaskStats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "统计任务失败")
	}
	return stats, nil
}

func buildTaskQuery(base string, opts ListOptions) (string, []any) {
	var conditions []string
	var args []any
	if len(opts.Statuses) > 0 {
		placeholders := make([]string, len(opts.Statuses))
		for i, status := range opts.Statuses {
			placeholders[i] = "?"
			args = append(args, status)
		}
		conditions = append(conditions, `status IN (`+strings.Join(placeholders, ", ")+`)`)
	}
	if len(opts.Kinds) > 0 {
		placeholders := make([]string, len(opts.Kinds))
		for i, kind := range opts.Kinds {
			placeholders[i] = "?"
			args = append(args, kind)
		}
		conditions = append(conditions, `kind IN (`+strings.Join(placeholders, ", ")+`)`)
	}
	if opts.UpdatedGTE > 0 {
		conditions = append(conditions, `updated_at >= ?`)
		args = append(args, opts.UpdatedGTE)
	}
	if opts.UpdatedLTE > 0 {
		conditions = append(conditions, `updated_at <= ?`)
		args = append(args, opts.UpdatedLTE)
	}
	if len(conditions) > 0 {
		base += ` WHERE ` + strings.Join(conditions, ` AND `)
	}
	return base, args
}

type taskRowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row taskRowScanner) (*Task, error) {
	task := &Task{}
	var payload string
	var lastError, result sql.NullString
	err := row.Scan(&task.ID, &task.Kind, &task.Priority, &payload, &task.Status,
		&task.Attempts, &task.MaxRetries, &lastError, &result, &task.CreatedAt, &task.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务记录失败")
	}
	task.Payload = json.RawMessage(payload)
	if lastError.Valid {
		if code, message, ok := strings.Cut(lastError.String, ": "); ok {
			task.ErrorCode = code
			task.LastError = message
		} else {
			task.LastError = lastError.String
		}
	}
	if result.Valid && result.String != "" {
		parsed := &Result{}
		if err := json.Unmarshal([]byte(result.String), parsed); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务结果失败")
		}
		task.Result = parsed
	}
	return task, nil
}

// Close 仅释放引用，连接池由调用方管理。
func (s *MySQLStore) Close() error {
	return nil
}

var _ Store = (*MySQLStore)(nil)

// MySQLDeadLetterStore 将死信持久化到 dead_letters 表，只追加不修改。
type MySQLDeadLetterStore struct {
	db *sql.DB
}

// NewMySQLDeadLetterStore 基于已建连的数据库创建死信存储。
func NewMySQLDeadLetterStore(db *sql.DB) *MySQLDeadLetterStore {
	return &MySQLDeadLetterStore{db: db}
}

// Append 追加一条死信记录。
func (s *MySQLDeadLetterStore) Append(ctx context.Context, letter DeadLetter) error {
	if letter.CreatedAt == 0 {
		letter.CreatedAt = time.Now().Unix()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO dead_letters
        (task_id, kind, payload, reason, attempts, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		letter.TaskID, letter.Kind, letter.Payload, letter.Reason, letter.Attempts, letter.CreatedAt)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入死信失败")
	}
	return nil
}

// List 按时间倒序返回最近的死信。
func (s *MySQLDeadLetterStore) List(ctx context.Context, limit int) ([]*DeadLetter, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, task_id, kind, payload, reason, attempts, created_at
        FROM dead_letters ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询死信失败")
	}
	defer rows.Close()

	var letters []*DeadLetter
	for rows.Next() {
		letter := &DeadLetter{}
		if err := rows.Scan(&letter.ID, &letter.TaskID, &letter.Kind, &letter.Payload,
			&letter.Reason, &letter.Attempts, &letter.CreatedAt); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析死信失败")
		}
		letters = append(letters, letter)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历死信失败")
	}
	return letters, nil
}

// Close 仅释放引用，连接池由调用方管理。
func (s *MySQLDeadLetterStore) Close() error {
	return nil
}

var _ DeadLetterStore = (*MySQLDeadLetterStore)(nil)
