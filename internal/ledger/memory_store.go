package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	xerrors "github.com/lulu-molty/molty/internal/errors"
)

// MemoryStore 以内存方式维护账本，主要用于测试与开发环境。
type MemoryStore struct {
	mu       sync.RWMutex
	params   Params
	accounts map[string]*Account
	txs      map[string]*Transaction
	txOrder  []string
}

// NewMemoryStore 创建内存账本并完成创世：SYSTEM 持有全部初始发行量，
// 销毁地址与手续费归集地址以零余额建立。
func NewMemoryStore(params Params) *MemoryStore {
	params.applyDefaults()
	m := &MemoryStore{
		params:   params,
		accounts: make(map[string]*Account),
		txs:      make(map[string]*Transaction),
	}
	now := time.Now().Unix()
	for _, addr := range []string{params.SystemAddress, params.BurnAddress, params.FeeCollector} {
		m.accounts[addr] = &Account{
			Address:   addr,
			Balance:   decimal.Zero,
			Status:    AccountActive,
			CreatedAt: now,
			UpdatedAt: now,
		}
	}
	system := m.accounts[params.SystemAddress]
	system.Balance = params.InitialSupply
	genesis := &Transaction{
		TxID:            NewTxID("", params.SystemAddress, params.InitialSupply),
		ToAddress:       params.SystemAddress,
		Amount:          params.InitialSupply,
		Fee:             decimal.Zero,
		Type:            TxGenesis,
		Status:          TxConfirmed,
		BalanceBeforeTo: decimal.Zero,
		BalanceAfterTo:  params.InitialSupply,
		CreatedAt:       now,
		ConfirmedAt:     now,
	}
	m.txs[genesis.TxID] = genesis
	m.txOrder = append(m.txOrder, genesis.TxID)
	return m
}

// CreateAccount 建立一个零余额账户。
func (m *MemoryStore) CreateAccount(_ context.Context, address string) (*Account, error) {
	if address == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "地址不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[address]; ok {
		return nil, ErrAccountExists
	}
	now := time.Now().Unix()
	account := &Account{
		Address:   address,
		Balance:   decimal.Zero,
		Status:    AccountActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.accounts[address] = account
	clone := *account
	return &clone, nil
}

// GetAccount 返回账户信息。
func (m *MemoryStore) GetAccount(_ context.Context, address string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	account, ok := m.accounts[address]
	if !ok {
		return nil, ErrUnknownAddress
	}
	clone := *account
	return &clone, nil
}

// GetBalance 返回余额，未知地址返回 0。
func (m *MemoryStore) GetBalance(_ context.Context, address string) (decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	account, ok := m.accounts[address]
	if !ok {
		return decimal.Zero, nil
	}
	return account.Balance, nil
}

// SetAccountStatus 冻结或解冻账户。
func (m *MemoryStore) SetAccountStatus(_ context.Context, address string, status AccountStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	account, ok := m.accounts[address]
	if !ok {
		return ErrUnknownAddress
	}
	account.Status = status
	account.UpdatedAt = time.Now().Unix()
	return nil
}

// Transfer 原子地完成余额变更并追加一条 confirmed 交易记录。
func (m *MemoryStore) Transfer(_ context.Context, req TransferRequest) (*Transaction, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, err := m.applyTransfer(req, NewTxID(req.From, req.To, req.Amount), time.Now().Unix())
	if err != nil {
		return nil, err
	}
	clone := *tx
	clone.Metadata = cloneMetadata(tx.Metadata)
	return &clone, nil
}

// applyTransfer 持有写锁时执行转账记账。
func (m *MemoryStore) applyTransfer(req TransferRequest, txID string, now int64) (*Transaction, error) {
	from, ok := m.accounts[req.From]
	if !ok {
		return nil, ErrUnknownAddress
	}
	to, ok := m.accounts[req.To]
	if !ok {
		return nil, ErrUnknownAddress
	}
	if from.Status == AccountFrozen {
		return nil, ErrAccountFrozen
	}

	total := req.Amount.Add(req.Fee)
	if from.Balance.LessThan(total) {
		return nil, ErrInsufficientBalance
	}

	beforeFrom := from.Balance
	beforeTo := to.Balance
	from.Balance = beforeFrom.Sub(total)
	to.Balance = beforeTo.Add(req.Amount)
	from.UpdatedAt = now
	to.UpdatedAt = now

	// 手续费归集到配置的收集账户，保持总量守恒。
	if req.Fee.IsPositive() {
		collector, ok := m.accounts[m.params.FeeCollector]
		if ok {
			collector.Balance = collector.Balance.Add(req.Fee)
			collector.UpdatedAt = now
		}
	}

	tx := &Transaction{
		TxID:              txID,
		FromAddress:       req.From,
		ToAddress:         req.To,
		Amount:            req.Amount,
		Fee:               req.Fee,
		Type:              req.Type,
		Status:            TxConfirmed,
		BalanceBeforeFrom: beforeFrom,
		BalanceAfterFrom:  from.Balance,
		BalanceBeforeTo:   beforeTo,
		BalanceAfterTo:    to.Balance,
		Metadata:          cloneMetadata(req.Metadata),
		CreatedAt:         now,
		ConfirmedAt:       now,
	}
	m.txs[tx.TxID] = tx
	m.txOrder = append(m.txOrder, tx.TxID)
	return tx, nil
}

// RecordPending 登记一笔待结算交易，不触碰余额。
func (m *MemoryStore) RecordPending(_ context.Context, req TransferRequest) (*Transaction, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().Unix()
	tx := &Transaction{
		TxID:        NewTxID(req.From, req.To, req.Amount),
		FromAddress: req.From,
		ToAddress:   req.To,
		Amount:      req.Amount,
		Fee:         req.Fee,
		Type:        req.Type,
		Status:      TxPending,
		Metadata:    cloneMetadata(req.Metadata),
		CreatedAt:   now,
	}
	m.txs[tx.TxID] = tx
	m.txOrder = append(m.txOrder, tx.TxID)
	clone := *tx
	clone.Metadata = cloneMetadata(tx.Metadata)
	return &clone, nil
}

// ConfirmPending 结算挂起交易。失败时交易进入 failed 终态。
func (m *MemoryStore) ConfirmPending(_ context.Context, txID string) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pending, ok := m.txs[txID]
	if !ok {
		return nil, ErrTxNotFound
	}
	if pending.Status != TxPending {
		return nil, ErrTxNotPending
	}
	now := time.Now().Unix()
	settled, err := m.applyTransfer(TransferRequest{
		From:     pending.FromAddress,
		To:       pending.ToAddress,
		Amount:   pending.Amount,
		Fee:      pending.Fee,
		Type:     pending.Type,
		Metadata: pending.Metadata,
	}, txID+":settle", now)
	if err != nil {
		pending.Status = TxFailed
		return nil, err
	}
	// 结算结果回写到原记录，去掉占位副本。
	delete(m.txs, settled.TxID)
	m.txOrder = m.txOrder[:len(m.txOrder)-1]
	pending.Status = TxConfirmed
	pending.BalanceBeforeFrom = settled.BalanceBeforeFrom
	pending.BalanceAfterFrom = settled.BalanceAfterFrom
	pending.BalanceBeforeTo = settled.BalanceBeforeTo
	pending.BalanceAfterTo = settled.BalanceAfterTo
	pending.ConfirmedAt = now
	clone := *pending
	clone.Metadata = cloneMetadata(pending.Metadata)
	return &clone, nil
}

// GetTransaction 返回指定交易。
func (m *MemoryStore) GetTransaction(_ context.Context, txID string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tx, ok := m.txs[txID]
	if !ok {
		return nil, ErrTxNotFound
	}
	clone := *tx
	clone.Metadata = cloneMetadata(tx.Metadata)
	return &clone, nil
}

// ListTransactions 按创建时间倒序返回符合条件的交易。
func (m *MemoryStore) ListTransactions(_ context.Context, filter TxFilter) ([]*Transaction, error) {
	filter.applyDefaults()
	m.mu.RLock()
	defer m.mu.RUnlock()

	matches := make([]*Transaction, 0, filter.Limit)
	for i := len(m.txOrder) - 1; i >= 0; i-- {
		tx := m.txs[m.txOrder[i]]
		if !matchesTxFilter(tx, filter) {
			continue
		}
		clone := *tx
		clone.Metadata = cloneMetadata(tx.Metadata)
		matches = append(matches, &clone)
		if len(matches) >= filter.Limit {
			break
		}
	}
	return matches, nil
}

func matchesTxFilter(tx *Transaction, filter TxFilter) bool {
	if filter.Address != "" && tx.FromAddress != filter.Address && tx.ToAddress != filter.Address {
		return false
	}
	if len(filter.Statuses) > 0 {
		matched := false
		for _, status := range filter.Statuses {
			if tx.Status == status {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if filter.CreatedBefore > 0 && tx.CreatedAt >= filter.CreatedBefore {
		return false
	}
	return true
}

// ListAccounts 返回全部账户快照，按地址排序。
func (m *MemoryStore) ListAccounts(_ context.Context) ([]*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	accounts := make([]*Account, 0, len(m.accounts))
	for _, account := range m.accounts {
		clone := *account
		accounts = append(accounts, &clone)
	}
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].Address < accounts[j].Address
	})
	return accounts, nil
}

// Stats 返回账本全局统计。
func (m *MemoryStore) Stats(_ context.Context) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := Stats{AccountCount: len(m.accounts), TotalBalance: decimal.Zero}
	for _, account := range m.accounts {
		stats.TotalBalance = stats.TotalBalance.Add(account.Balance)
	}
	for _, tx := range m.txs {
		switch tx.Status {
		case TxConfirmed:
			stats.TxCount++
		case TxPending:
			stats.PendingCount++
		}
	}
	return stats, nil
}

// Params 返回账本参数。
func (m *MemoryStore) Params() Params {
	return m.params
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
