package limits

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	xerrors "github.com/lulu-molty/molty/internal/errors"
)

// 限额相关错误码。
const (
	CodeLimitExceeded xerrors.Code = "LIMIT_EXCEEDED"
)

func init() {
	xerrors.Register(CodeLimitExceeded, xerrors.Attributes{
		Message:  "超出限额",
		Severity: xerrors.SeverityWarning,
	})
}

// 限额检查失败的分类错误。
var (
	ErrSingleBelowMin         = xerrors.New(CodeLimitExceeded, "转账金额低于单笔下限")
	ErrSingleAboveMax         = xerrors.New(CodeLimitExceeded, "转账金额超过单笔上限")
	ErrDailyLimitExceeded     = xerrors.New(CodeLimitExceeded, "超出每日转账限额")
	ErrGameDailyLimitExceeded = xerrors.New(CodeLimitExceeded, "超出每日游戏投入限额")
	ErrGameWinLimitExceeded   = xerrors.New(CodeLimitExceeded, "超出每日游戏赢取限额")
	ErrLargeTransferCooldown  = xerrors.New(CodeLimitExceeded, "大额转账冷却中")
	ErrUnknownCategory        = xerrors.New(xerrors.CodeInvalidArgument, "未知的限额类别")
)

// Usage 汇总某地址某类别当日的消耗情况。
type Usage struct {
	Address   string          `json:"address"`
	Category  Category        `json:"category"`
	Day       string          `json:"day"`
	Spent     decimal.Decimal `json:"spent"`
	Remaining decimal.Decimal `json:"remaining"`
	Limit     decimal.Decimal `json:"limit"`
}

// Tracker 执行每日限额与大额转账冷却检查。
// 检查与记账分离：Check 只读，Record 在账本变更成功后调用。
type Tracker struct {
	policy Policy
	store  Store
	now    func() time.Time
}

// NewTracker 创建限额跟踪器。
func NewTracker(policy Policy, store Store) *Tracker {
	return &Tracker{policy: policy, store: store, now: time.Now}
}

// Policy 返回当前生效的策略。
func (t *Tracker) Policy() Policy {
	return t.policy
}

// IsLarge 判断金额是否达到大额转账阈值。
func (t *Tracker) IsLarge(amount decimal.Decimal) bool {
	return amount.GreaterThanOrEqual(t.policy.LargeTransferThreshold)
}

// day 返回 UTC 日期键，跨日即自然重置。
func (t *Tracker) day() string {
	return t.now().UTC().Format("2006-01-02")
}

// Check 校验一次操作是否超出限额，不修改任何计数。
func (t *Tracker) Check(ctx context.Context, address string, category Category, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return xerrors.New(xerrors.CodeInvalidArgument, "金额必须为正数")
	}

	record, err := t.store.Get(ctx, address, t.day())
	if err != nil {
		return err
	}

	switch category {
	case CategoryTransfer:
		return t.checkTransfer(ctx, address, record, amount)
	case CategoryGameSpend:
		if record.GameSpent.Add(amount).GreaterThan(t.policy.GameDailyMax) {
			return ErrGameDailyLimitExceeded
		}
		return nil
	case CategoryGameWin:
		if record.GameWon.Add(amount).GreaterThan(t.policy.GameWinDailyMax) {
			return ErrGameWinLimitExceeded
		}
		return nil
	default:
		return ErrUnknownCategory
	}
}

func (t *Tracker) checkTransfer(ctx context.Context, address string, record *DailyRecord, amount decimal.Decimal) error {
	if amount.LessThan(t.policy.TransferSingleMin) {
		return ErrSingleBelowMin
	}
	if amount.GreaterThan(t.policy.TransferSingleMax) {
		return ErrSingleAboveMax
	}
	if record.TransferSent.Add(amount).GreaterThan(t.policy.TransferDailyMax) {
		return ErrDailyLimitExceeded
	}
	if t.IsLarge(amount) && t.policy.CooldownHours > 0 {
		lastAt, err := t.store.LastLargeTransfer(ctx, address)
		if err != nil {
			return err
		}
		cooldown := time.Duration(t.policy.CooldownHours) * time.Hour
		if lastAt > 0 && t.now().Sub(time.Unix(lastAt, 0)) < cooldown {
			return ErrLargeTransferCooldown
		}
	}
	return nil
}

// Record 在操作成功后累加计数，转账类别同时维护大额转账时间戳。
func (t *Tracker) Record(ctx context.Context, address string, category Category, amount decimal.Decimal) error {
	now := t.now()
	var delta Delta
	switch category {
	case CategoryTransfer:
		delta.TransferSent = amount
	case CategoryGameSpend:
		delta.GameSpent = amount
	case CategoryGameWin:
		delta.GameWon = amount
	default:
		return ErrUnknownCategory
	}
	if err := t.store.Apply(ctx, address, t.day(), delta, now.Unix()); err != nil {
		return err
	}
	if category == CategoryTransfer && t.IsLarge(amount) {
		return t.store.SetLastLargeTransfer(ctx, address, now.Unix())
	}
	return nil
}

// RecordReceived 记录转入方的当日入账计数。
func (t *Tracker) RecordReceived(ctx context.Context, address string, amount decimal.Decimal) error {
	return t.store.Apply(ctx, address, t.day(), Delta{TransferReceived: amount}, t.now().Unix())
}

// Usage 返回某地址某类别的当日用量。
func (t *Tracker) Usage(ctx context.Context, address string, category Category) (*Usage, error) {
	day := t.day()
	record, err := t.store.Get(ctx, address, day)
	if err != nil {
		return nil, err
	}

	var spent, limit decimal.Decimal
	switch category {
	case CategoryTransfer:
		spent, limit = record.TransferSent, t.policy.TransferDailyMax
	case CategoryGameSpend:
		spent, limit = record.GameSpent, t.policy.GameDailyMax
	case CategoryGameWin:
		spent, limit = record.GameWon, t.policy.GameWinDailyMax
	default:
		return nil, ErrUnknownCategory
	}

	remaining := limit.Sub(spent)
	if remaining.IsNegative() {
		remaining = decimal.Zero
	}
	return &Usage{
		Address:   address,
		Category:  category,
		Day:       day,
		Spent:     spent,
		Remaining: remaining,
		Limit:     limit,
	}, nil
}
