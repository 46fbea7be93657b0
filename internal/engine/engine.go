package engine

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	xerrors "github.com/lulu-molty/molty/internal/errors"
	"github.com/lulu-molty/molty/internal/ledger"
	"github.com/lulu-molty/molty/internal/limits"
	"github.com/lulu-molty/molty/internal/observability/alerting"
	"github.com/lulu-molty/molty/internal/risk"
	"github.com/lulu-molty/molty/internal/task"
	"github.com/lulu-molty/molty/pkg/logger"
)

// CodeLargeTransfer 标记超过大额阈值的已执行转账，仅用于告警。
const CodeLargeTransfer xerrors.Code = "LARGE_TRANSFER"

func init() {
	xerrors.Register(CodeLargeTransfer, xerrors.Attributes{
		Message:  "大额转账",
		Severity: xerrors.SeverityWarning,
		Alert:    true,
	})
}

// Config 描述转账引擎的账户级参数。
type Config struct {
	// CasinoPool 是游戏投注与派彩共用的资金池地址。
	CasinoPool string `json:"casino_pool"`
}

func (c *Config) applyDefaults() {
	if c.CasinoPool == "" {
		c.CasinoPool = "CASINO_POOL"
	}
}

// Engine 把限额、熔断与账本串成一条线性的执行管道。
// 所有资金变更经由任务处理器串行进入，引擎本身不做并发控制。
type Engine struct {
	cfg     Config
	ledger  ledger.Store
	limits  *limits.Tracker
	breaker *risk.Breaker
	alerter alerting.Dispatcher
}

// Option 定义引擎的可选配置。
type Option func(*Engine)

// WithAlertDispatcher 配置告警派发器，用于大额转账通知。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) Option {
	return func(e *Engine) {
		e.alerter = dispatcher
	}
}

// New 构造转账引擎。
func New(cfg Config, store ledger.Store, tracker *limits.Tracker, breaker *risk.Breaker, opts ...Option) *Engine {
	cfg.applyDefaults()
	e := &Engine{
		cfg:     cfg,
		ledger:  store,
		limits:  tracker,
		breaker: breaker,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// RegisterHandlers 把引擎的处理函数挂到任务处理器上。
func (e *Engine) RegisterHandlers(processor *task.Processor) {
	processor.Register(task.KindTransfer, e.HandleTransfer)
	processor.Register(task.KindGame, e.HandleGame)
	processor.Register(task.KindReward, e.HandleReward)
}

// EnsureAccounts 创建引擎依赖的资金池账户，已存在时静默跳过。
func (e *Engine) EnsureAccounts(ctx context.Context) error {
	if _, err := e.ledger.CreateAccount(ctx, e.cfg.CasinoPool); err != nil && !stdErrors.Is(err, ledger.ErrAccountExists) {
		return err
	}
	return nil
}

// HandleTransfer 执行一笔点对点转账。
// 管道顺序固定：载荷校验、限额检查、熔断检查、账本落账、事后记账。
// 任何一步被拒绝，余额与计数器都保持不变。
func (e *Engine) HandleTransfer(ctx context.Context, t *task.Task) (*task.Result, error) {
	payload, err := task.DecodeTransferPayload(t)
	if err != nil {
		return nil, err
	}
	if err := e.limits.Check(ctx, payload.From, limits.CategoryTransfer, payload.Amount); err != nil {
		return nil, err
	}
	if err := e.breaker.CanExecute(payload.From, payload.Amount); err != nil {
		return nil, err
	}

	metadata := map[string]string{"task_id": t.ID}
	if payload.Memo != "" {
		metadata["memo"] = payload.Memo
	}
	tx, err := e.ledger.Transfer(ctx, ledger.TransferRequest{
		From:     payload.From,
		To:       payload.To,
		Amount:   payload.Amount,
		Fee:      payload.Fee,
		Type:     ledger.TxTransfer,
		Metadata: metadata,
	})
	if err != nil {
		e.breaker.RecordFailure(err.Error())
		return nil, err
	}

	e.settleTransfer(ctx, payload.From, payload.To, payload.Amount, tx.TxID)
	return &task.Result{TxID: tx.TxID}, nil
}

// settleTransfer 在账本落账之后更新限额计数与熔断窗口。
// 账本是唯一事实来源，这里的记账失败只记日志，不回滚转账。
func (e *Engine) settleTransfer(ctx context.Context, from, to string, amount decimal.Decimal, txID string) {
	if err := e.limits.Record(ctx, from, limits.CategoryTransfer, amount); err != nil {
		logger.L().Error("记录转出限额失败", slog.Any("error", err), slog.String("address", from))
	}
	if err := e.limits.RecordReceived(ctx, to, amount); err != nil {
		logger.L().Error("记录转入金额失败", slog.Any("error", err), slog.String("address", to))
	}
	e.breaker.RecordSuccess(from, amount, txID)

	if e.limits.IsLarge(amount) {
		alerting.NotifyAsync(e.alerter, alerting.Event{
			Code:     CodeLargeTransfer,
			Message:  "大额转账已执行",
			Severity: xerrors.SeverityWarning,
			Address:  from,
			TxID:     txID,
			Metadata: map[string]string{
				"to":     to,
				"amount": amount.String(),
			},
			OccurredAt: time.Now(),
		})
	}
}

// HandleGame 结算一轮游戏：投注进入资金池，派彩从资金池流出。
// 游戏结果由外部决定，载荷里只携带既成的投注与派彩金额。
func (e *Engine) HandleGame(ctx context.Context, t *task.Task) (*task.Result, error) {
	payload, err := task.DecodeGamePayload(t)
	if err != nil {
		return nil, err
	}
	if err := e.limits.Check(ctx, payload.Player, limits.CategoryGameSpend, payload.Bet); err != nil {
		return nil, err
	}
	if payload.Payout.IsPositive() {
		if err := e.limits.Check(ctx, payload.Player, limits.CategoryGameWin, payload.Payout); err != nil {
			return nil, err
		}
	}
	if err := e.breaker.CanExecute(payload.Player, payload.Bet); err != nil {
		return nil, err
	}

	betTx, err := e.ledger.Transfer(ctx, ledger.TransferRequest{
		From:   payload.Player,
		To:     e.cfg.CasinoPool,
		Amount: payload.Bet,
		Type:   ledger.TxGame,
		Metadata: map[string]string{
			"task_id": t.ID,
			"game":    payload.Game,
			"leg":     "bet",
		},
	})
	if err != nil {
		e.breaker.RecordFailure(err.Error())
		return nil, err
	}
	if err := e.limits.Record(ctx, payload.Player, limits.CategoryGameSpend, payload.Bet); err != nil {
		logger.L().Error("记录游戏投注限额失败", slog.Any("error", err), slog.String("address", payload.Player))
	}
	e.breaker.RecordSuccess(payload.Player, payload.Bet, betTx.TxID)

	result := &task.Result{TxID: betTx.TxID}
	if !payload.Payout.IsPositive() {
		return result, nil
	}

	payoutTx, err := e.ledger.Transfer(ctx, ledger.TransferRequest{
		From:   e.cfg.CasinoPool,
		To:     payload.Player,
		Amount: payload.Payout,
		Type:   ledger.TxGame,
		Metadata: map[string]string{
			"task_id": t.ID,
			"game":    payload.Game,
			"leg":     "payout",
		},
	})
	if err != nil {
		// 投注已落账：派彩失败要人工对账，不能靠重试二次扣注。
		e.breaker.RecordFailure(err.Error())
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "派彩转账失败，投注 "+betTx.TxID+" 需要人工处理")
	}
	if err := e.limits.Record(ctx, payload.Player, limits.CategoryGameWin, payload.Payout); err != nil {
		logger.L().Error("记录游戏派彩限额失败", slog.Any("error", err), slog.String("address", payload.Player))
	}
	result.Message = "payout " + payoutTx.TxID
	return result, nil
}

// HandleReward 从 SYSTEM 账户发放奖励，不收手续费。
// 奖励由系统侧发起，不占用接收方的转账限额，也不经过熔断窗口。
func (e *Engine) HandleReward(ctx context.Context, t *task.Task) (*task.Result, error) {
	payload, err := task.DecodeRewardPayload(t)
	if err != nil {
		return nil, err
	}

	metadata := map[string]string{"task_id": t.ID}
	if payload.Reason != "" {
		metadata["reason"] = payload.Reason
	}
	tx, err := e.ledger.Transfer(ctx, ledger.TransferRequest{
		From:     e.ledger.Params().SystemAddress,
		To:       payload.To,
		Amount:   payload.Amount,
		Type:     ledger.TxReward,
		Metadata: metadata,
	})
	if err != nil {
		return nil, err
	}
	if err := e.limits.RecordReceived(ctx, payload.To, payload.Amount); err != nil {
		logger.L().Error("记录奖励入账失败", slog.Any("error", err), slog.String("address", payload.To))
	}
	return &task.Result{TxID: tx.TxID}, nil
}

// CreateAccount 开设一个新账户。
func (e *Engine) CreateAccount(ctx context.Context, address string) (*ledger.Account, error) {
	return e.ledger.CreateAccount(ctx, address)
}

// Balance 返回地址余额，未知地址返回零。
func (e *Engine) Balance(ctx context.Context, address string) (decimal.Decimal, error) {
	return e.ledger.GetBalance(ctx, address)
}

// DailyLimit 返回地址在指定类别下的当日用量。
func (e *Engine) DailyLimit(ctx context.Context, address string, category limits.Category) (*limits.Usage, error) {
	return e.limits.Usage(ctx, address, category)
}

// BreakerStatus 返回熔断器当前状态。
func (e *Engine) BreakerStatus() risk.Status {
	return e.breaker.Status()
}

// ResetBreaker 用运维密钥手工关闭熔断器。
func (e *Engine) ResetBreaker(key string) bool {
	return e.breaker.ManualReset(key)
}
