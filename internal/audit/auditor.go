package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/lulu-molty/molty/internal/ledger"
	"github.com/lulu-molty/molty/internal/limits"
	"github.com/lulu-molty/molty/internal/observability/metrics"
	"github.com/lulu-molty/molty/pkg/logger"
)

const (
	CheckConservation   = "balance-conservation"
	CheckNonNegative    = "no-negative-balances"
	CheckTxConsistency  = "transaction-consistency"
	CheckOrphanPending  = "orphaned-pending"
	CheckDailyCounters  = "daily-limit-counters"
	recentTxSampleLimit = 100
	orphanPendingAge    = time.Hour
)

// epsilon 吸收十进制运算的尾差，对账不追求绝对零误差。
var epsilon = decimal.NewFromFloat(0.01)

// CheckResult 记录单项检查的结论与问题明细。
type CheckResult struct {
	Name    string   `json:"name"`
	Passed  bool     `json:"passed"`
	Details []string `json:"details,omitempty"`
}

// Report 是一次完整审计的输出，可直接序列化为 JSON。
type Report struct {
	RanAt     int64         `json:"ran_at"`
	AllPassed bool          `json:"all_passed"`
	Checks    []CheckResult `json:"checks"`
}

// Auditor 只读地核对账本与限额计数。检查期间不加任何锁，
// 允许与在途转账之间存在快照偏差，由 epsilon 兜底。
type Auditor struct {
	ledger ledger.Store
	limits limits.Store
	policy limits.Policy
	now    func() time.Time
}

// New 构造审计器。
func New(store ledger.Store, limitStore limits.Store, policy limits.Policy) *Auditor {
	return &Auditor{
		ledger: store,
		limits: limitStore,
		policy: policy,
		now:    time.Now,
	}
}

// Run 依次执行全部检查。单项失败不会中断后续检查，
// 只有访问存储出错时才返回 error。
func (a *Auditor) Run(ctx context.Context) (*Report, error) {
	now := a.now()
	report := &Report{RanAt: now.Unix(), AllPassed: true}

	accounts, err := a.ledger.ListAccounts(ctx)
	if err != nil {
		return nil, err
	}

	checks := []CheckResult{
		a.checkConservation(accounts),
		a.checkNonNegative(accounts),
	}

	txCheck, err := a.checkTransactionConsistency(ctx)
	if err != nil {
		return nil, err
	}
	checks = append(checks, txCheck)

	orphanCheck, err := a.checkOrphanedPending(ctx, now)
	if err != nil {
		return nil, err
	}
	checks = append(checks, orphanCheck)

	counterCheck, err := a.checkDailyCounters(ctx, accounts, now)
	if err != nil {
		return nil, err
	}
	checks = append(checks, counterCheck)

	report.Checks = checks
	for _, check := range checks {
		if !check.Passed {
			report.AllPassed = false
		}
	}

	metrics.ObserveAudit(report.AllPassed)
	logger.Audit().Info("完成完整性审计",
		slog.Bool("all_passed", report.AllPassed),
		slog.Int("checks", len(report.Checks)),
	)
	return report, nil
}

// checkConservation 核对货币守恒：非销毁账户的余额之和应等于
// 初始发行量减去销毁账户持有量。
func (a *Auditor) checkConservation(accounts []*ledger.Account) CheckResult {
	result := CheckResult{Name: CheckConservation, Passed: true}
	params := a.ledger.Params()

	circulating := decimal.Zero
	burned := decimal.Zero
	for _, account := range accounts {
		if account.Address == params.BurnAddress {
			burned = burned.Add(account.Balance)
			continue
		}
		circulating = circulating.Add(account.Balance)
	}

	expected := params.InitialSupply.Sub(burned)
	diff := circulating.Sub(expected).Abs()
	if diff.GreaterThan(epsilon) {
		result.Passed = false
		result.Details = append(result.Details, fmt.Sprintf(
			"流通余额 %s 与期望 %s 偏差 %s", circulating, expected, diff))
	}
	return result
}

func (a *Auditor) checkNonNegative(accounts []*ledger.Account) CheckResult {
	result := CheckResult{Name: CheckNonNegative, Passed: true}
	for _, account := range accounts {
		if account.Balance.IsNegative() {
			result.Passed = false
			result.Details = append(result.Details, fmt.Sprintf(
				"账户 %s 余额为负: %s", account.Address, account.Balance))
		}
	}
	return result
}

// checkTransactionConsistency 抽样最近的已确认交易，
// 核对四个余额端点与金额、手续费是否自洽。
func (a *Auditor) checkTransactionConsistency(ctx context.Context) (CheckResult, error) {
	result := CheckResult{Name: CheckTxConsistency, Passed: true}
	txs, err := a.ledger.ListTransactions(ctx, ledger.TxFilter{
		Statuses: []ledger.TxStatus{ledger.TxConfirmed},
		Limit:    recentTxSampleLimit,
	})
	if err != nil {
		return result, err
	}

	for _, tx := range txs {
		// 创世交易没有付款方，端点核对从收款侧开始。
		if tx.FromAddress != "" {
			expectedFrom := tx.BalanceBeforeFrom.Sub(tx.Amount).Sub(tx.Fee)
			if tx.BalanceAfterFrom.Sub(expectedFrom).Abs().GreaterThan(epsilon) {
				result.Passed = false
				result.Details = append(result.Details, fmt.Sprintf(
					"交易 %s 付款方端点不自洽: %s -> %s，金额 %s 手续费 %s",
					tx.TxID, tx.BalanceBeforeFrom, tx.BalanceAfterFrom, tx.Amount, tx.Fee))
			}
		}
		expectedTo := tx.BalanceBeforeTo.Add(tx.Amount)
		if tx.BalanceAfterTo.Sub(expectedTo).Abs().GreaterThan(epsilon) {
			result.Passed = false
			result.Details = append(result.Details, fmt.Sprintf(
				"交易 %s 收款方端点不自洽: %s -> %s，金额 %s",
				tx.TxID, tx.BalanceBeforeTo, tx.BalanceAfterTo, tx.Amount))
		}
	}
	return result, nil
}

// checkOrphanedPending 找出滞留超过一小时的挂起交易。
// 审计只标记不处理，结算补偿由运维决定。
func (a *Auditor) checkOrphanedPending(ctx context.Context, now time.Time) (CheckResult, error) {
	result := CheckResult{Name: CheckOrphanPending, Passed: true}
	cutoff := now.Add(-orphanPendingAge).Unix()
	txs, err := a.ledger.ListTransactions(ctx, ledger.TxFilter{
		Statuses:      []ledger.TxStatus{ledger.TxPending},
		CreatedBefore: cutoff,
		Limit:         recentTxSampleLimit,
	})
	if err != nil {
		return result, err
	}
	for _, tx := range txs {
		result.Passed = false
		result.Details = append(result.Details, fmt.Sprintf(
			"挂起交易 %s 创建于 %s 至今未结算",
			tx.TxID, time.Unix(tx.CreatedAt, 0).UTC().Format(time.RFC3339)))
	}
	return result, nil
}

// checkDailyCounters 用当日限额计数反查越限情况，作为检测性控制。
// 正常路径下限额在执行前就会拒绝，这里兜底发现绕过执行管道的变更。
func (a *Auditor) checkDailyCounters(ctx context.Context, accounts []*ledger.Account, now time.Time) (CheckResult, error) {
	result := CheckResult{Name: CheckDailyCounters, Passed: true}
	day := now.UTC().Format("2006-01-02")

	for _, account := range accounts {
		record, err := a.limits.Get(ctx, account.Address, day)
		if err != nil {
			return result, err
		}
		if record.TransferSent.GreaterThan(a.policy.TransferDailyMax) {
			result.Passed = false
			result.Details = append(result.Details, fmt.Sprintf(
				"地址 %s 当日转出 %s 超过限额 %s", account.Address, record.TransferSent, a.policy.TransferDailyMax))
		}
		if record.GameSpent.GreaterThan(a.policy.GameDailyMax) {
			result.Passed = false
			result.Details = append(result.Details, fmt.Sprintf(
				"地址 %s 当日投注 %s 超过限额 %s", account.Address, record.GameSpent, a.policy.GameDailyMax))
		}
		if record.GameWon.GreaterThan(a.policy.GameWinDailyMax) {
			result.Passed = false
			result.Details = append(result.Details, fmt.Sprintf(
				"地址 %s 当日派彩 %s 超过限额 %s", account.Address, record.GameWon, a.policy.GameWinDailyMax))
		}
	}
	return result, nil
}
