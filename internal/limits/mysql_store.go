package limits

import (
	"context"
	"database/sql"
	"errors"

	xerrors "github.com/lulu-molty/molty/internal/errors"
)

// MySQLStore 把日限额计数持久化到 MySQL，依赖 daily_limits 与 large_transfers 表。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 基于已建连的数据库创建限额存储。
func NewMySQLStore(db *sql.DB) *MySQLStore {
	return &MySQLStore{db: db}
}

// Get 返回指定地址与日期的计数，不存在时返回零值记录。
func (s *MySQLStore) Get(ctx context.Context, address, day string) (*DailyRecord, error) {
	record := zeroRecord(address, day)
	err := s.db.QueryRowContext(ctx,
		`SELECT game_spent, game_won, transfer_sent, transfer_received, updated_at
         FROM daily_limits WHERE address = ? AND day = ?`, address, day).
		Scan(&record.GameSpent, &record.GameWon, &record.TransferSent, &record.TransferReceived, &record.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return record, nil
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询日限额计数失败")
	}
	return record, nil
}

// Apply 以 upsert 方式累加计数。
func (s *MySQLStore) Apply(ctx context.Context, address, day string, delta Delta, now int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO daily_limits (address, day, game_spent, game_won, transfer_sent, transfer_received, updated_at)
         VALUES (?, ?, ?, ?, ?, ?, ?)
         ON DUPLICATE KEY UPDATE
             game_spent = game_spent + VALUES(game_spent),
             game_won = game_won + VALUES(game_won),
             transfer_sent = transfer_sent + VALUES(transfer_sent),
             transfer_received = transfer_received + VALUES(transfer_received),
             updated_at = VALUES(updated_at)`,
		address, day, delta.GameSpent, delta.GameWon, delta.TransferSent, delta.TransferReceived, now)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新日限额计数失败")
	}
	return nil
}

// LastLargeTransfer 返回该地址最近一次大额转账的时间戳。
func (s *MySQLStore) LastLargeTransfer(ctx context.Context, address string) (int64, error) {
	var at int64
	err := s.db.QueryRowContext(ctx,
		`SELECT last_at FROM large_transfers WHERE address = ?`, address).Scan(&at)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询大额转账记录失败")
	}
	return at, nil
}

// SetLastLargeTransfer 记录大额转账时间戳。
func (s *MySQLStore) SetLastLargeTransfer(ctx context.Context, address string, at int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO large_transfers (address, last_at) VALUES (?, ?)
         ON DUPLICATE KEY UPDATE last_at = VALUES(last_at)`, address, at)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "记录大额转账失败")
	}
	return nil
}

// Close 仅释放引用，连接池由调用方管理。
func (s *MySQLStore) Close() error {
	return nil
}

var _ Store = (*MySQLStore)(nil)
