package limits

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"
)

// DailyRecord 按 (地址, 日期) 聚合当日资金流水。
type DailyRecord struct {
	Address          string
	Day              string
	GameSpent        decimal.Decimal
	GameWon          decimal.Decimal
	TransferSent     decimal.Decimal
	TransferReceived decimal.Decimal
	UpdatedAt        int64
}

// Delta 描述一次对日计数的增量更新。
type Delta struct {
	GameSpent        decimal.Decimal
	GameWon          decimal.Decimal
	TransferSent     decimal.Decimal
	TransferReceived decimal.Decimal
}

// Store 抽象日限额计数的持久化。日期切换通过键自然完成，不需要显式重置。
type Store interface {
	// Get 返回指定地址与日期的计数，不存在时返回零值记录。
	Get(ctx context.Context, address, day string) (*DailyRecord, error)
	// Apply 以增量方式更新计数，时间戳由实现维护。
	Apply(ctx context.Context, address, day string, delta Delta, now int64) error
	// LastLargeTransfer 返回该地址最近一次大额转账的时间戳，从未发生时返回 0。
	LastLargeTransfer(ctx context.Context, address string) (int64, error)
	// SetLastLargeTransfer 记录大额转账时间戳。
	SetLastLargeTransfer(ctx context.Context, address string, at int64) error
	Close() error
}

type dayKey struct {
	address string
	day     string
}

// MemoryStore 以内存方式维护日计数，用于测试与单机部署。
type MemoryStore struct {
	mu        sync.RWMutex
	records   map[dayKey]*DailyRecord
	lastLarge map[string]int64
}

// NewMemoryStore 创建内存限额存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:   make(map[dayKey]*DailyRecord),
		lastLarge: make(map[string]int64),
	}
}

// Get 返回指定地址与日期的计数。
func (m *MemoryStore) Get(_ context.Context, address, day string) (*DailyRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	record, ok := m.records[dayKey{address, day}]
	if !ok {
		return zeroRecord(address, day), nil
	}
	clone := *record
	return &clone, nil
}

// Apply 以增量方式更新计数。
func (m *MemoryStore) Apply(_ context.Context, address, day string, delta Delta, now int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := dayKey{address, day}
	record, ok := m.records[key]
	if !ok {
		record = zeroRecord(address, day)
		m.records[key] = record
	}
	record.GameSpent = record.GameSpent.Add(delta.GameSpent)
	record.GameWon = record.GameWon.Add(delta.GameWon)
	record.TransferSent = record.TransferSent.Add(delta.TransferSent)
	record.TransferReceived = record.TransferReceived.Add(delta.TransferReceived)
	record.UpdatedAt = now
	return nil
}

// LastLargeTransfer 返回该地址最近一次大额转账的时间戳。
func (m *MemoryStore) LastLargeTransfer(_ context.Context, address string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastLarge[address], nil
}

// SetLastLargeTransfer 记录大额转账时间戳。
func (m *MemoryStore) SetLastLargeTransfer(_ context.Context, address string, at int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastLarge[address] = at
	return nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

func zeroRecord(address, day string) *DailyRecord {
	return &DailyRecord{
		Address:          address,
		Day:              day,
		GameSpent:        decimal.Zero,
		GameWon:          decimal.Zero,
		TransferSent:     decimal.Zero,
		TransferReceived: decimal.Zero,
	}
}

var _ Store = (*MemoryStore)(nil)
