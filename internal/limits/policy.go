package limits

import (
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	xerrors "github.com/lulu-molty/molty/internal/errors"
)

// Category 标识一条限额计数所属的类别。
type Category string

const (
	CategoryTransfer  Category = "transfer"
	CategoryGameSpend Category = "game-spend"
	CategoryGameWin   Category = "game-win"
)

// Policy 描述每日限额策略，可从 YAML 文件加载。
type Policy struct {
	TransferDailyMax       decimal.Decimal `yaml:"transfer_daily_max"`
	TransferSingleMax      decimal.Decimal `yaml:"transfer_single_max"`
	TransferSingleMin      decimal.Decimal `yaml:"transfer_single_min"`
	LargeTransferThreshold decimal.Decimal `yaml:"large_transfer_threshold"`
	CooldownHours          int             `yaml:"cooldown_hours"`
	GameDailyMax           decimal.Decimal `yaml:"game_daily_max"`
	GameWinDailyMax        decimal.Decimal `yaml:"game_win_daily_max"`
}

// DefaultPolicy 返回内置默认策略。
func DefaultPolicy() Policy {
	return Policy{
		TransferDailyMax:       decimal.NewFromInt(10000),
		TransferSingleMax:      decimal.NewFromInt(5000),
		TransferSingleMin:      decimal.RequireFromString("0.01"),
		LargeTransferThreshold: decimal.NewFromInt(1000),
		CooldownHours:          24,
		GameDailyMax:           decimal.NewFromInt(100),
		GameWinDailyMax:        decimal.NewFromInt(500),
	}
}

// LoadPolicyFile 从 YAML 文件加载策略，缺省字段回退到默认值。
func LoadPolicyFile(path string) (Policy, error) {
	policy := DefaultPolicy()
	content, err := os.ReadFile(path)
	if err != nil {
		return policy, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "读取限额策略文件失败")
	}
	if err := yaml.Unmarshal(content, &policy); err != nil {
		return policy, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "解析限额策略失败")
	}
	if err := policy.Validate(); err != nil {
		return policy, err
	}
	return policy, nil
}

// Validate 校验策略内部一致性。
func (p Policy) Validate() error {
	if !p.TransferDailyMax.IsPositive() || !p.TransferSingleMax.IsPositive() {
		return xerrors.New(xerrors.CodeInvalidArgument, "转账限额必须为正数")
	}
	if p.TransferSingleMin.IsNegative() {
		return xerrors.New(xerrors.CodeInvalidArgument, "单笔下限不能为负数")
	}
	if p.TransferSingleMax.GreaterThan(p.TransferDailyMax) {
		return xerrors.New(xerrors.CodeInvalidArgument, "单笔上限不能超过每日上限")
	}
	if p.CooldownHours < 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "冷却时长不能为负数")
	}
	if p.GameDailyMax.IsNegative() || p.GameWinDailyMax.IsNegative() {
		return xerrors.New(xerrors.CodeInvalidArgument, "游戏限额不能为负数")
	}
	return nil
}
