package ledger

import (
	"context"

	"github.com/shopspring/decimal"
)

// TxFilter 控制交易查询的筛选条件。
type TxFilter struct {
	Address       string
	Statuses      []TxStatus
	CreatedBefore int64
	Limit         int
}

func (f *TxFilter) applyDefaults() {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	if f.Limit > 500 {
		f.Limit = 500
	}
}

// Stats 聚合账本的全局统计信息。
type Stats struct {
	TotalBalance decimal.Decimal `json:"total_balance"`
	AccountCount int             `json:"account_count"`
	TxCount      int             `json:"transaction_count"`
	PendingCount int             `json:"pending_count"`
}

// Store 抽象了账本的持久化接口。Transfer 必须是原子操作：
// 两侧余额更新与交易记录要么全部生效，要么全部不生效。
type Store interface {
	CreateAccount(ctx context.Context, address string) (*Account, error)
	GetAccount(ctx context.Context, address string) (*Account, error)
	// GetBalance 对未知地址返回零余额而非错误。
	GetBalance(ctx context.Context, address string) (decimal.Decimal, error)
	SetAccountStatus(ctx context.Context, address string, status AccountStatus) error
	Transfer(ctx context.Context, req TransferRequest) (*Transaction, error)
	// RecordPending 为外部结算流程登记一笔挂起交易，不动余额。
	RecordPending(ctx context.Context, req TransferRequest) (*Transaction, error)
	// ConfirmPending 以转账语义结算此前登记的挂起交易。
	ConfirmPending(ctx context.Context, txID string) (*Transaction, error)
	GetTransaction(ctx context.Context, txID string) (*Transaction, error)
	ListTransactions(ctx context.Context, filter TxFilter) ([]*Transaction, error)
	ListAccounts(ctx context.Context) ([]*Account, error)
	Stats(ctx context.Context) (Stats, error)
	Params() Params
	Close() error
}
