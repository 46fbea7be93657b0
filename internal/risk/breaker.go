package risk

import (
	"crypto/subtle"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	xerrors "github.com/lulu-molty/molty/internal/errors"
	"github.com/lulu-molty/molty/internal/observability/alerting"
	"github.com/lulu-molty/molty/internal/observability/metrics"
	"github.com/lulu-molty/molty/pkg/logger"
)

// 风控相关错误码。
const (
	CodeCircuitOpen xerrors.Code = "CIRCUIT_OPEN"
)

func init() {
	xerrors.Register(CodeCircuitOpen, xerrors.Attributes{
		Message:  "风控熔断生效",
		Severity: xerrors.SeverityWarning,
	})
}

// Config 描述熔断器参数。
type Config struct {
	TimeWindowMinutes      int             `json:"time_window_minutes"`
	AmountThreshold        decimal.Decimal `json:"amount_threshold"`
	PerAddressThreshold    decimal.Decimal `json:"per_address_threshold"`
	FailureThreshold       int             `json:"failure_threshold"`
	CooldownMinutes        int             `json:"cooldown_minutes"`
	MaxTransactionsPerHour int             `json:"max_transactions_per_hour"`
	ResetKey               string          `json:"reset_key"`
}

// DefaultConfig 返回内置默认参数。
func DefaultConfig() Config {
	return Config{
		TimeWindowMinutes:      10,
		AmountThreshold:        decimal.NewFromInt(500),
		PerAddressThreshold:    decimal.NewFromInt(200),
		FailureThreshold:       5,
		CooldownMinutes:        30,
		MaxTransactionsPerHour: 1000,
	}
}

func (c *Config) applyDefaults() {
	defaults := DefaultConfig()
	if c.TimeWindowMinutes <= 0 {
		c.TimeWindowMinutes = defaults.TimeWindowMinutes
	}
	if !c.AmountThreshold.IsPositive() {
		c.AmountThreshold = defaults.AmountThreshold
	}
	if !c.PerAddressThreshold.IsPositive() {
		c.PerAddressThreshold = defaults.PerAddressThreshold
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = defaults.FailureThreshold
	}
	if c.CooldownMinutes <= 0 {
		c.CooldownMinutes = defaults.CooldownMinutes
	}
	if c.MaxTransactionsPerHour <= 0 {
		c.MaxTransactionsPerHour = defaults.MaxTransactionsPerHour
	}
}

// Status 是熔断器的可观测快照。
type Status struct {
	IsOpen            bool            `json:"is_open"`
	Reason            string          `json:"reason,omitempty"`
	OpenedAt          int64           `json:"opened_at,omitempty"`
	CooldownRemaining int64           `json:"cooldown_remaining_seconds,omitempty"`
	FailureCount      int             `json:"failure_count"`
	WindowAmount      decimal.Decimal `json:"window_amount"`
	WindowCount       int             `json:"window_count"`
	HourCount         int             `json:"hour_count"`
	Config            Config          `json:"config"`
}

type addressWindow struct {
	start  time.Time
	amount decimal.Decimal
}

// Breaker 是全局转账熔断器。所有判定在单个互斥锁下完成，
// 窗口过期采用惰性替换，不依赖后台定时器。
type Breaker struct {
	mu  sync.Mutex
	cfg Config

	dispatcher alerting.Dispatcher

	open     bool
	openedAt time.Time
	reason   string

	failureCount int

	windowStart  time.Time
	windowAmount decimal.Decimal
	windowCount  int

	hourStart time.Time
	hourCount int

	perAddress map[string]*addressWindow

	now func() time.Time
}

// NewBreaker 创建熔断器。dispatcher 可为 nil，此时熔断只记日志不外发告警。
func NewBreaker(cfg Config, dispatcher alerting.Dispatcher) *Breaker {
	cfg.applyDefaults()
	now := time.Now()
	return &Breaker{
		cfg:          cfg,
		dispatcher:   dispatcher,
		windowStart:  now,
		windowAmount: decimal.Zero,
		hourStart:    now,
		perAddress:   make(map[string]*addressWindow),
		now:          time.Now,
	}
}

func (b *Breaker) window() time.Duration {
	return time.Duration(b.cfg.TimeWindowMinutes) * time.Minute
}

func (b *Breaker) cooldown() time.Duration {
	return time.Duration(b.cfg.CooldownMinutes) * time.Minute
}

// CanExecute 判断一笔转账是否被风控放行。
// 地址级检查先于全局检查，单个地址的超量不会触发全局熔断。
func (b *Breaker) CanExecute(from string, amount decimal.Decimal) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()

	if b.open {
		if now.Sub(b.openedAt) > b.cooldown() {
			b.closeLocked(now)
			logger.L().Info("熔断器冷却结束，自动恢复")
		} else {
			remaining := b.cooldown() - now.Sub(b.openedAt)
			return xerrors.New(CodeCircuitOpen, "熔断器处于打开状态，转账暂停",
				xerrors.WithMetadata("reason", b.reason),
				xerrors.WithMetadata("retry_after_seconds", fmt.Sprintf("%d", int64(remaining.Seconds())+1)))
		}
	}

	b.refreshWindowsLocked(now)

	// 地址级滑动窗口，超量只拒绝本笔，不影响其他地址。
	window, ok := b.perAddress[from]
	if ok && window.amount.Add(amount).GreaterThan(b.cfg.PerAddressThreshold) {
		return xerrors.New(CodeCircuitOpen, "地址在时间窗口内的转账总额超限",
			xerrors.WithMetadata("address", from))
	}

	if b.windowAmount.Add(amount).GreaterThan(b.cfg.AmountThreshold) {
		b.tripLocked(now, "时间窗口内转账总额超过阈值", from)
		return xerrors.New(CodeCircuitOpen, "时间窗口内转账总额超过阈值，熔断器已打开")
	}

	if b.hourCount >= b.cfg.MaxTransactionsPerHour {
		b.tripLocked(now, "小时交易笔数超过阈值", from)
		return xerrors.New(CodeCircuitOpen, "小时交易笔数超过阈值，熔断器已打开")
	}

	return nil
}

// RecordSuccess 在转账成功后记入各窗口，并清零连续失败计数。
func (b *Breaker) RecordSuccess(from string, amount decimal.Decimal, txID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.refreshWindowsLocked(now)

	b.windowAmount = b.windowAmount.Add(amount)
	b.windowCount++
	b.hourCount++

	window, ok := b.perAddress[from]
	if !ok {
		window = &addressWindow{start: now, amount: decimal.Zero}
		b.perAddress[from] = window
	}
	window.amount = window.amount.Add(amount)

	b.failureCount = 0

	logger.Audit().Info("transfer recorded",
		slog.String("address", from),
		slog.String("amount", amount.String()),
		slog.String("tx_id", txID))
}

// RecordFailure 累计连续失败，达到阈值后触发熔断。
func (b *Breaker) RecordFailure(reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount++
	if !b.open && b.failureCount >= b.cfg.FailureThreshold {
		b.tripLocked(b.now(), "连续失败次数达到阈值: "+reason, "")
	}
}

// ManualReset 用管理密钥强制恢复。密钥比较使用常数时间算法。
func (b *Breaker) ManualReset(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.cfg.ResetKey == "" {
		return false
	}
	if subtle.ConstantTimeCompare([]byte(key), []byte(b.cfg.ResetKey)) != 1 {
		logger.Audit().Warn("manual reset rejected")
		return false
	}
	b.closeLocked(b.now())
	logger.Audit().Warn("manual reset accepted")
	return true
}

// Status 返回熔断器当前快照。
func (b *Breaker) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()

	status := Status{
		IsOpen:       b.open,
		Reason:       b.reason,
		FailureCount: b.failureCount,
		WindowAmount: b.windowAmount,
		WindowCount:  b.windowCount,
		HourCount:    b.hourCount,
		Config:       b.cfg,
	}
	status.Config.ResetKey = ""
	if b.open {
		status.OpenedAt = b.openedAt.Unix()
		remaining := b.cooldown() - b.now().Sub(b.openedAt)
		if remaining > 0 {
			status.CooldownRemaining = int64(remaining.Seconds())
		}
	}
	return status
}

// refreshWindowsLocked 惰性替换过期窗口。
func (b *Breaker) refreshWindowsLocked(now time.Time) {
	if now.Sub(b.windowStart) >= b.window() {
		b.windowStart = now
		b.windowAmount = decimal.Zero
		b.windowCount = 0
	}
	if now.Sub(b.hourStart) >= time.Hour {
		b.hourStart = now
		b.hourCount = 0
	}
	for address, window := range b.perAddress {
		if now.Sub(window.start) >= b.window() {
			delete(b.perAddress, address)
		}
	}
}

// tripLocked 打开熔断器并异步发送告警，告警失败不阻塞风控判定。
func (b *Breaker) tripLocked(now time.Time, reason, address string) {
	b.open = true
	b.openedAt = now
	b.reason = reason

	metrics.ObserveBreakerTrip()
	logger.L().Warn("熔断器已打开",
		slog.String("reason", reason),
		slog.String("address", address))
	alerting.NotifyAsync(b.dispatcher, alerting.Event{
		Code:       CodeCircuitOpen,
		Message:    reason,
		Severity:   xerrors.SeverityCritical,
		Address:    address,
		OccurredAt: now,
	})
}

// closeLocked 关闭熔断器并清空全部窗口状态。
func (b *Breaker) closeLocked(now time.Time) {
	b.open = false
	b.openedAt = time.Time{}
	b.reason = ""
	b.failureCount = 0
	b.windowStart = now
	b.windowAmount = decimal.Zero
	b.windowCount = 0
	b.hourStart = now
	b.hourCount = 0
	b.perAddress = make(map[string]*addressWindow)
}
