package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	xerrors "github.com/lulu-molty/molty/internal/errors"
)

// MySQLStore 使用 MySQL 持久化账本，转账在单个数据库事务内完成。
type MySQLStore struct {
	db     *sql.DB
	params Params
}

// NewMySQLStore 基于已建连的数据库创建账本存储，并保证创世数据存在。
func NewMySQLStore(ctx context.Context, db *sql.DB, params Params) (*MySQLStore, error) {
	params.applyDefaults()
	s := &MySQLStore{db: db, params: params}
	if err := s.ensureGenesis(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// ensureGenesis 在空库上写入系统账户与创世交易，重复调用不产生影响。
func (s *MySQLStore) ensureGenesis(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启创世事务失败")
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM accounts WHERE address = ?`, s.params.SystemAddress).Scan(&exists)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询系统账户失败")
	}
	if exists > 0 {
		return nil
	}

	now := time.Now().Unix()
	for _, addr := range []string{s.params.SystemAddress, s.params.BurnAddress, s.params.FeeCollector} {
		balance := decimal.Zero
		if addr == s.params.SystemAddress {
			balance = s.params.InitialSupply
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO accounts (address, balance, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
			addr, balance, AccountActive, now, now); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入系统账户失败")
		}
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO transactions
        (tx_id, from_address, to_address, amount, fee, tx_type, status,
         balance_before_from, balance_after_from, balance_before_to, balance_after_to,
         metadata, created_at, confirmed_at)
        VALUES (?, '', ?, ?, 0, ?, ?, 0, 0, 0, ?, NULL, ?, ?)`,
		NewTxID("", s.params.SystemAddress, s.params.InitialSupply),
		s.params.SystemAddress, s.params.InitialSupply, TxGenesis, TxConfirmed,
		s.params.InitialSupply, now, now); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入创世交易失败")
	}

	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交创世事务失败")
	}
	return nil
}

// CreateAccount 建立一个零余额账户。
func (s *MySQLStore) CreateAccount(ctx context.Context, address string) (*Account, error) {
	if address == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "地址不能为空")
	}
	now := time.Now().Unix()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts (address, balance, status, created_at, updated_at) VALUES (?, 0, ?, ?, ?)`,
		address, AccountActive, now, now)
	if err != nil {
		if strings.Contains(err.Error(), "Duplicate entry") {
			return nil, ErrAccountExists
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建账户失败")
	}
	return &Account{Address: address, Balance: decimal.Zero, Status: AccountActive, CreatedAt: now, UpdatedAt: now}, nil
}

// GetAccount 返回账户信息。
func (s *MySQLStore) GetAccount(ctx context.Context, address string) (*Account, error) {
	account := &Account{}
	err := s.db.QueryRowContext(ctx,
		`SELECT address, balance, status, created_at, updated_at FROM accounts WHERE address = ?`, address).
		Scan(&account.Address, &account.Balance, &account.Status, &account.CreatedAt, &account.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUnknownAddress
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询账户失败")
	}
	return account, nil
}

// GetBalance 返回余额，未知地址返回 0。
func (s *MySQLStore) GetBalance(ctx context.Context, address string) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := s.db.QueryRowContext(ctx, `SELECT balance FROM accounts WHERE address = ?`, address).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询余额失败")
	}
	return balance, nil
}

// SetAccountStatus 冻结或解冻账户。
func (s *MySQLStore) SetAccountStatus(ctx context.Context, address string, status AccountStatus) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET status = ?, updated_at = ? WHERE address = ?`,
		status, time.Now().Unix(), address)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新账户状态失败")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取更新结果失败")
	}
	if affected == 0 {
		return ErrUnknownAddress
	}
	return nil
}

// Transfer 在单个数据库事务内完成余额变更与交易落库。
func (s *MySQLStore) Transfer(ctx context.Context, req TransferRequest) (*Transaction, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	dbTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启转账事务失败")
	}
	defer dbTx.Rollback()

	tx, err := s.applyTransfer(ctx, dbTx, req, NewTxID(req.From, req.To, req.Amount), time.Now().Unix())
	if err != nil {
		return nil, err
	}

	if err := s.insertTransaction(ctx, dbTx, tx); err != nil {
		return nil, err
	}

	if err := dbTx.Commit(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交转账事务失败")
	}
	return tx, nil
}

// applyTransfer 在打开的事务内完成余额校验与更新。
// 行锁按地址字典序获取，避免并发转账互相死锁。
func (s *MySQLStore) applyTransfer(ctx context.Context, dbTx *sql.Tx, req TransferRequest, txID string, now int64) (*Transaction, error) {
	addresses := []string{req.From, req.To}
	if addresses[0] > addresses[1] {
		addresses[0], addresses[1] = addresses[1], addresses[0]
	}

	balances := make(map[string]decimal.Decimal, 2)
	statuses := make(map[string]AccountStatus, 2)
	for _, addr := range addresses {
		var balance decimal.Decimal
		var status AccountStatus
		err := dbTx.QueryRowContext(ctx,
			`SELECT balance, status FROM accounts WHERE address = ? FOR UPDATE`, addr).
			Scan(&balance, &status)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUnknownAddress
		}
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "锁定账户失败")
		}
		balances[addr] = balance
		statuses[addr] = status
	}

	if statuses[req.From] == AccountFrozen {
		return nil, ErrAccountFrozen
	}

	total := req.Amount.Add(req.Fee)
	beforeFrom := balances[req.From]
	beforeTo := balances[req.To]
	if beforeFrom.LessThan(total) {
		return nil, ErrInsufficientBalance
	}

	afterFrom := beforeFrom.Sub(total)
	afterTo := beforeTo.Add(req.Amount)
	for addr, balance := range map[string]decimal.Decimal{req.From: afterFrom, req.To: afterTo} {
		if _, err := dbTx.ExecContext(ctx,
			`UPDATE accounts SET balance = ?, updated_at = ? WHERE address = ?`,
			balance, now, addr); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新账户余额失败")
		}
	}

	if req.Fee.IsPositive() {
		if _, err := dbTx.ExecContext(ctx,
			`UPDATE accounts SET balance = balance + ?, updated_at = ? WHERE address = ?`,
			req.Fee, now, s.params.FeeCollector); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "归集手续费失败")
		}
	}

	return &Transaction{
		TxID:              txID,
		FromAddress:       req.From,
		ToAddress:         req.To,
		Amount:            req.Amount,
		Fee:               req.Fee,
		Type:              req.Type,
		Status:            TxConfirmed,
		BalanceBeforeFrom: beforeFrom,
		BalanceAfterFrom:  afterFrom,
		BalanceBeforeTo:   beforeTo,
		BalanceAfterTo:    afterTo,
		Metadata:          cloneMetadata(req.Metadata),
		CreatedAt:         now,
		ConfirmedAt:       now,
	}, nil
}

func (s *MySQLStore) insertTransaction(ctx context.Context, dbTx *sql.Tx, tx *Transaction) error {
	metadata, err := encodeMetadata(tx.Metadata)
	if err != nil {
		return err
	}
	if _, err := dbTx.ExecContext(ctx, `INSERT INTO transactions
        (tx_id, from_address, to_address, amount, fee, tx_type, status,
         balance_before_from, balance_after_from, balance_before_to, balance_after_to,
         metadata, created_at, confirmed_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.TxID, tx.FromAddress, tx.ToAddress, tx.Amount, tx.Fee, tx.Type, tx.Status,
		tx.BalanceBeforeFrom, tx.BalanceAfterFrom, tx.BalanceBeforeTo, tx.BalanceAfterTo,
		metadata, tx.CreatedAt, tx.ConfirmedAt); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入交易记录失败")
	}
	return nil
}

// RecordPending 登记一笔待结算交易，不触碰余额。
func (s *MySQLStore) RecordPending(ctx context.Context, req TransferRequest) (*Transaction, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
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
	metadata, err := encodeMetadata(tx.Metadata)
	if err != nil {
		return nil, err
	}
	if _, err := s.db.ExecContext(ctx, `INSERT INTO transactions
        (tx_id, from_address, to_address, amount, fee, tx_type, status,
         balance_before_from, balance_after_from, balance_before_to, balance_after_to,
         metadata, created_at, confirmed_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, 0, 0, 0, 0, ?, ?, 0)`,
		tx.TxID, tx.FromAddress, tx.ToAddress, tx.Amount, tx.Fee, tx.Type, tx.Status,
		metadata, tx.CreatedAt); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入挂起交易失败")
	}
	return tx, nil
}

// ConfirmPending 结算挂起交易。结算失败时交易进入 failed 终态。
func (s *MySQLStore) ConfirmPending(ctx context.Context, txID string) (*Transaction, error) {
	dbTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启结算事务失败")
	}
	defer dbTx.Rollback()

	pending, err := scanTransaction(dbTx.QueryRowContext(ctx,
		selectTransactionSQL+` WHERE tx_id = ? FOR UPDATE`, txID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTxNotFound
	}
	if err != nil {
		return nil, err
	}
	if pending.Status != TxPending {
		return nil, ErrTxNotPending
	}

	now := time.Now().Unix()
	settled, err := s.applyTransfer(ctx, dbTx, TransferRequest{
		From:     pending.FromAddress,
		To:       pending.ToAddress,
		Amount:   pending.Amount,
		Fee:      pending.Fee,
		Type:     pending.Type,
		Metadata: pending.Metadata,
	}, txID, now)
	if err != nil {
		dbTx.Rollback()
		s.markFailed(ctx, txID)
		return nil, err
	}

	if _, err := dbTx.ExecContext(ctx, `UPDATE transactions SET status = ?,
        balance_before_from = ?, balance_after_from = ?, balance_before_to = ?, balance_after_to = ?,
        confirmed_at = ? WHERE tx_id = ?`,
		TxConfirmed, settled.BalanceBeforeFrom, settled.BalanceAfterFrom,
		settled.BalanceBeforeTo, settled.BalanceAfterTo, now, txID); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新交易状态失败")
	}

	if err := dbTx.Commit(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交结算事务失败")
	}
	settled.CreatedAt = pending.CreatedAt
	return settled, nil
}

// markFailed 把挂起交易标记为失败终态，错误只记录不阻断调用方。
func (s *MySQLStore) markFailed(ctx context.Context, txID string) {
	s.db.ExecContext(ctx, `UPDATE transactions SET status = ? WHERE tx_id = ? AND status = ?`,
		TxFailed, txID, TxPending)
}

const selectTransactionSQL = `SELECT tx_id, from_address, to_address, amount, fee, tx_type, status,
    balance_before_from, balance_after_from, balance_before_to, balance_after_to,
    metadata, created_at, confirmed_at FROM transactions`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*Transaction, error) {
	tx := &Transaction{}
	var metadata sql.NullString
	err := row.Scan(&tx.TxID, &tx.FromAddress, &tx.ToAddress, &tx.Amount, &tx.Fee, &tx.Type, &tx.Status,
		&tx.BalanceBeforeFrom, &tx.BalanceAfterFrom, &tx.BalanceBeforeTo, &tx.BalanceAfterTo,
		&metadata, &tx.CreatedAt, &tx.ConfirmedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析交易记录失败")
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &tx.Metadata); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析交易附加信息失败")
		}
	}
	return tx, nil
}

func encodeMetadata(metadata map[string]string) (sql.NullString, error) {
	if len(metadata) == 0 {
		return sql.NullString{}, nil
	}
	encoded, err := json.Marshal(metadata)
	if err != nil {
		return sql.NullString{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化交易附加信息失败")
	}
	return sql.NullString{String: string(encoded), Valid: true}, nil
}

// GetTransaction 返回指定交易。
func (s *MySQLStore) GetTransaction(ctx context.Context, txID string) (*Transaction, error) {
	tx, err := scanTransaction(s.db.QueryRowContext(ctx, selectTransactionSQL+` WHERE tx_id = ?`, txID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTxNotFound
	}
	return tx, err
}

// ListTransactions 按创建时间倒序返回符合条件的交易。
func (s *MySQLStore) ListTransactions(ctx context.Context, filter TxFilter) ([]*Transaction, error) {
	filter.applyDefaults()

	var conditions []string
	var args []any
	if filter.Address != "" {
		conditions = append(conditions, `(from_address = ? OR to_address = ?)`)
		args = append(args, filter.Address, filter.Address)
	}
	if len(filter.Statuses) > 0 {
		placeholders := make([]string, len(filter.Statuses))
		for i, status := range filter.Statuses {
			placeholders[i] = "?"
			args = append(args, status)
		}
		conditions = append(conditions, `status IN (`+strings.Join(placeholders, ", ")+`)`)
	}
	if filter.CreatedBefore > 0 {
		conditions = append(conditions, `created_at < ?`)
		args = append(args, filter.CreatedBefore)
	}

	query := selectTransactionSQL
	if len(conditions) > 0 {
		query += ` WHERE ` + strings.Join(conditions, ` AND `)
	}
	query += ` ORDER BY created_at DESC, tx_id DESC LIMIT ?`
	args = append(args, filter.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询交易列表失败")
	}
	defer rows.Close()

	var txs []*Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历交易列表失败")
	}
	return txs, nil
}

// ListAccounts 返回全部账户，按地址排序。
func (s *MySQLStore) ListAccounts(ctx context.Context) ([]*Account, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT address, balance, status, created_at, updated_at FROM accounts ORDER BY address`)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询账户列表失败")
	}
	defer rows.Close()

	var accounts []*Account
	for rows.Next() {
		account := &Account{}
		if err := rows.Scan(&account.Address, &account.Balance, &account.Status,
			&account.CreatedAt, &account.UpdatedAt); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析账户失败")
		}
		accounts = append(accounts, account)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历账户列表失败")
	}
	return accounts, nil
}

// Stats 返回账本全局统计。
func (s *MySQLStore) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(balance), 0), COUNT(*) FROM accounts`).
		Scan(&stats.TotalBalance, &stats.AccountCount)
	if err != nil {
		return Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "统计账户失败")
	}
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(IF(status = ?, 1, NULL)), COUNT(IF(status = ?, 1, NULL)) FROM transactions`,
		TxConfirmed, TxPending).
		Scan(&stats.TxCount, &stats.PendingCount)
	if err != nil {
		return Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "统计交易失败")
	}
	return stats, nil
}

// Params 返回账本参数。
func (s *MySQLStore) Params() Params {
	return s.params
}

// Close 仅释放引用，连接池由调用方管理。
func (s *MySQLStore) Close() error {
	return nil
}

var _ Store = (*MySQLStore)(nil)
