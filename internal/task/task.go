package task

import (
	"encoding/json"

	"github.com/shopspring/decimal"

	xerrors "github.com/lulu-molty/molty/internal/errors"
)

// Status 表示任务在生命周期中的状态。
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Kind 表示任务承载的资金操作类型。
type Kind string

const (
	KindTransfer Kind = "transfer"
	KindGame     Kind = "game"
	KindReward   Kind = "reward"
)

// TransferPayload 描述一笔点对点转账。
type TransferPayload struct {
	From   string          `json:"from"`
	To     string          `json:"to"`
	Amount decimal.Decimal `json:"amount"`
	Fee    decimal.Decimal `json:"fee"`
	Memo   string          `json:"memo,omitempty"`
}

// GamePayload 描述一轮游戏结算：投注进入资金池，派彩从资金池流出。
type GamePayload struct {
	Player string          `json:"player"`
	Game   string          `json:"game"`
	Bet    decimal.Decimal `json:"bet"`
	Payout decimal.Decimal `json:"payout"`
}

// RewardPayload 描述一次系统奖励发放。
type RewardPayload struct {
	To     string          `json:"to"`
	Amount decimal.Decimal `json:"amount"`
	Reason string          `json:"reason,omitempty"`
}

// Result 保存一次任务执行产生的账本结果。
type Result struct {
	TxID    string `json:"tx_id,omitempty"`
	Message string `json:"message,omitempty"`
}

// Task 描述排队执行的资金操作。Payload 按 Kind 解码为对应的结构。
type Task struct {
	ID         string          `json:"id"`
	Kind       Kind            `json:"kind"`
	Priority   int             `json:"priority"`
	Payload    json.RawMessage `json:"payload"`
	Status     Status          `json:"status"`
	Attempts   int             `json:"attempts"`
	MaxRetries int             `json:"max_retries"`
	LastError  string          `json:"last_error,omitempty"`
	ErrorCode  string          `json:"error_code,omitempty"`
	Result     *Result         `json:"result,omitempty"`
	CreatedAt  int64           `json:"created_at"`
	UpdatedAt  int64           `json:"updated_at"`
}

var (
	// ErrTaskNotFound 表示指定的任务不存在。
	ErrTaskNotFound = xerrors.New(CodeTaskNotFound, "任务不存在")
	// ErrTaskConflict 表示任务在当前状态下无法进行所请求的操作。
	ErrTaskConflict = xerrors.New(CodeTaskConflict, "任务状态冲突", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrTaskCompleted 表示任务已经成功完成。
	ErrTaskCompleted = xerrors.New(CodeTaskCompleted, "任务已完成", xerrors.WithSeverity(xerrors.SeverityInfo))
	// ErrTaskExhausted 表示任务的重试次数已经耗尽。
	ErrTaskExhausted = xerrors.New(CodeTaskExhausted, "任务重试次数耗尽", xerrors.WithSeverity(xerrors.SeverityCritical))
)

const (
	CodeTaskNotFound   xerrors.Code = "TASK_NOT_FOUND"
	CodeTaskConflict   xerrors.Code = "TASK_CONFLICT"
	CodeTaskCompleted  xerrors.Code = "TASK_COMPLETED"
	CodeTaskExhausted  xerrors.Code = "TASK_RETRIES_EXHAUSTED"
	CodeTaskValidation xerrors.Code = "TASK_VALIDATION_FAILED"
	CodeTaskPublish    xerrors.Code = "TASK_PUBLISH_FAILED"
	CodeTaskProcessing xerrors.Code = "TASK_PROCESSING_FAILED"
	CodeTaskPanic      xerrors.Code = "TASK_HANDLER_PANIC"
)

func init() {
	xerrors.Register(CodeTaskNotFound, xerrors.Attributes{
		Message:  "任务不存在",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeTaskConflict, xerrors.Attributes{
		Message:  "任务状态冲突",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeTaskCompleted, xerrors.Attributes{
		Message:  "任务已完成",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeTaskExhausted, xerrors.Attributes{
		Message:  "任务重试次数耗尽",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
	xerrors.Register(CodeTaskValidation, xerrors.Attributes{
		Message:  "任务校验失败",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeTaskPublish, xerrors.Attributes{
		Message:   "任务入队失败",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeTaskProcessing, xerrors.Attributes{
		Message:   "任务执行失败",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeTaskPanic, xerrors.Attributes{
		Message:  "任务处理器异常退出",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
}

// IsValidStatus 检查给定的任务状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusRunning, StatusSucceeded, StatusFailed:
		return true
	default:
		return false
	}
}

// IsValidKind 检查任务类型是否受支持。
func IsValidKind(kind Kind) bool {
	switch kind {
	case KindTransfer, KindGame, KindReward:
		return true
	default:
		return false
	}
}

// EncodePayload 把类型化的载荷序列化为任务存储格式。
func EncodePayload(payload any) (json.RawMessage, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, xerrors.Wrap(CodeTaskValidation, err, "序列化任务载荷失败")
	}
	return encoded, nil
}

// DecodeTransferPayload 解码转账载荷并做基础校验。
func DecodeTransferPayload(task *Task) (*TransferPayload, error) {
	if task.Kind != KindTransfer {
		return nil, xerrors.New(CodeTaskValidation, "任务类型不是转账")
	}
	payload := &TransferPayload{}
	if err := json.Unmarshal(task.Payload, payload); err != nil {
		return nil, xerrors.Wrap(CodeTaskValidation, err, "解析转账载荷失败")
	}
	if payload.From == "" || payload.To == "" {
		return nil, xerrors.New(CodeTaskValidation, "转账地址不能为空")
	}
	if !payload.Amount.IsPositive() {
		return nil, xerrors.New(CodeTaskValidation, "转账金额必须为正数")
	}
	if payload.Fee.IsNegative() {
		return nil, xerrors.New(CodeTaskValidation, "手续费不能为负数")
	}
	return payload, nil
}

// DecodeGamePayload 解码游戏载荷并做基础校验。
func DecodeGamePayload(task *Task) (*GamePayload, error) {
	if task.Kind != KindGame {
		return nil, xerrors.New(CodeTaskValidation, "任务类型不是游戏")
	}
	payload := &GamePayload{}
	if err := json.Unmarshal(task.Payload, payload); err != nil {
		return nil, xerrors.Wrap(CodeTaskValidation, err, "解析游戏载荷失败")
	}
	if payload.Player == "" {
		return nil, xerrors.New(CodeTaskValidation, "玩家地址不能为空")
	}
	if !payload.Bet.IsPositive() {
		return nil, xerrors.New(CodeTaskValidation, "投注金额必须为正数")
	}
	if payload.Payout.IsNegative() {
		return nil, xerrors.New(CodeTaskValidation, "派彩金额不能为负数")
	}
	return payload, nil
}

// DecodeRewardPayload 解码奖励载荷并做基础校验。
func DecodeRewardPayload(task *Task) (*RewardPayload, error) {
	if task.Kind != KindReward {
		return nil, xerrors.New(CodeTaskValidation, "任务类型不是奖励")
	}
	payload := &RewardPayload{}
	if err := json.Unmarshal(task.Payload, payload); err != nil {
		return nil, xerrors.Wrap(CodeTaskValidation, err, "解析奖励载荷失败")
	}
	if payload.To == "" {
		return nil, xerrors.New(CodeTaskValidation, "奖励地址不能为空")
	}
	if !payload.Amount.IsPositive() {
		return nil, xerrors.New(CodeTaskValidation, "奖励金额必须为正数")
	}
	return payload, nil
}

func clonePayload(payload json.RawMessage) json.RawMessage {
	if payload == nil {
		return nil
	}
	cloned := make(json.RawMessage, len(payload))
	copy(cloned, payload)
	return cloned
}
