package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisDeadLetterConfig 描述 Redis 死信存储的连接参数。
type RedisDeadLetterConfig struct {
	Address  string
	Password string
	DB       int
	Key      string
	// MaxEntries 限制保留的死信条数，0 表示不截断。
	MaxEntries int64
}

// RedisDeadLetterStore 把死信以 JSON 追加到 Redis 列表，最新的在表头。
type RedisDeadLetterStore struct {
	client     *redis.Client
	key        string
	maxEntries int64
}

// NewRedisDeadLetterStore 创建 Redis 死信存储。
func NewRedisDeadLetterStore(cfg RedisDeadLetterConfig) (*RedisDeadLetterStore, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	key := cfg.Key
	if key == "" {
		key = "molty:dead_letters"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return &RedisDeadLetterStore{client: client, key: key, maxEntries: cfg.MaxEntries}, nil
}

// Append 追加一条死信记录。
func (s *RedisDeadLetterStore) Append(ctx context.Context, letter DeadLetter) error {
	if letter.CreatedAt == 0 {
		letter.CreatedAt = time.Now().Unix()
	}
	encoded, err := json.Marshal(letter)
	if err != nil {
		return fmt.Errorf("序列化死信失败: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, s.key, encoded)
	if s.maxEntries > 0 {
		pipe.LTrim(ctx, s.key, 0, s.maxEntries-1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("Redis 写入死信失败: %w", err)
	}
	return nil
}

// List 按时间倒序返回最近的死信。
func (s *RedisDeadLetterStore) List(ctx context.Context, limit int) ([]*DeadLetter, error) {
	if limit <= 0 {
		limit = 50
	}
	entries, err := s.client.LRange(ctx, s.key, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("Redis 读取死信失败: %w", err)
	}
	letters := make([]*DeadLetter, 0, len(entries))
	for _, entry := range entries {
		letter := &DeadLetter{}
		if err := json.Unmarshal([]byte(entry), letter); err != nil {
			return nil, fmt.Errorf("解析死信记录失败: %w", err)
		}
		letters = append(letters, letter)
	}
	return letters, nil
}

// Close 关闭 Redis 连接。
func (s *RedisDeadLetterStore) Close() error {
	return s.client.Close()
}

var _ DeadLetterStore = (*RedisDeadLetterStore)(nil)
