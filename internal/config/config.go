package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/shopspring/decimal"

	"github.com/lulu-molty/molty/internal/risk"
	mysqlstore "github.com/lulu-molty/molty/internal/storage/mysql"
	"github.com/lulu-molty/molty/pkg/logger"
)

// 受支持的后端枚举值。
const (
	DriverMemory = "memory"
	DriverMySQL  = "mysql"

	QueueMemory   = "memory"
	QueueRedis    = "redis"
	QueueRabbitMQ = "rabbitmq"
)

// Config 描述 molty 守护进程启动所需的全部配置。
type Config struct {
	Server   ServerConfig   `json:"server"`
	Storage  StorageConfig  `json:"storage"`
	Queue    QueueConfig    `json:"queue"`
	Ledger   LedgerConfig   `json:"ledger"`
	Risk     RiskConfig     `json:"risk"`
	Alerting AlertingConfig `json:"alerting"`
	Runtime  RuntimeConfig  `json:"runtime"`
	Logging  logger.Config  `json:"logging"`
}

// ServerConfig 控制 REST API 的监听地址。
type ServerConfig struct {
	Address string `json:"address"`
}

// StorageConfig 选择账本、限额与任务状态共用的持久化后端。
type StorageConfig struct {
	Driver string            `json:"driver"`
	MySQL  mysqlstore.Config `json:"mysql"`
}

// QueueConfig 选择任务队列后端及其连接参数。
type QueueConfig struct {
	Backend  string         `json:"backend"`
	Redis    RedisConfig    `json:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
	// DeadLetterBackend 为空时跟随 Storage.Driver，可显式指定 redis。
	DeadLetterBackend string `json:"dead_letter_backend"`
}

// RedisConfig 描述 Redis 队列与死信列表的连接信息。
type RedisConfig struct {
	Address       string `json:"address"`
	Password      string `json:"password"`
	DB            int    `json:"db"`
	Queue         string `json:"queue"`
	DeadLetterKey string `json:"dead_letter_key"`
}

// RabbitMQConfig 描述 RabbitMQ 队列的连接信息。
type RabbitMQConfig struct {
	URL         string `json:"url"`
	Queue       string `json:"queue"`
	MaxPriority int    `json:"max_priority"`
}

// LedgerConfig 描述创世参数与内置账户地址。
type LedgerConfig struct {
	InitialSupply decimal.Decimal `json:"initial_supply"`
	SystemAddress string          `json:"system_address"`
	BurnAddress   string          `json:"burn_address"`
	FeeCollector  string          `json:"fee_collector"`
	CasinoPool    string          `json:"casino_pool"`
}

// RiskConfig 集中限额策略文件路径与熔断参数。
type RiskConfig struct {
	PolicyFile string      `json:"policy_file"`
	Breaker    risk.Config `json:"breaker"`
}

// AlertingConfig 描述告警投递目标。Webhook 为空时只写日志。
type AlertingConfig struct {
	WebhookURL string `json:"webhook_url"`
}

// RuntimeConfig 放置执行层的通用参数。
type RuntimeConfig struct {
	MaxRetries         int `json:"max_retries"`
	AuditIntervalHours int `json:"audit_interval_hours"`
}

// Load 解析指定路径的 JSON 配置文件并套用默认值。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	cfg.applyDefaults(filepath.Dir(path))
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default 返回单机内存部署可直接使用的配置。
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults(".")
	return cfg
}

func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = DriverMemory
	}
	if c.Queue.Backend == "" {
		c.Queue.Backend = QueueMemory
	}
	if c.Queue.DeadLetterBackend == "" {
		c.Queue.DeadLetterBackend = c.Storage.Driver
	}
	if c.Risk.PolicyFile != "" && !filepath.IsAbs(c.Risk.PolicyFile) {
		c.Risk.PolicyFile = filepath.Join(baseDir, c.Risk.PolicyFile)
	}
	if c.Runtime.MaxRetries <= 0 {
		c.Runtime.MaxRetries = 3
	}
	if c.Runtime.AuditIntervalHours <= 0 {
		c.Runtime.AuditIntervalHours = 24
	}
}

func (c *Config) validate() error {
	switch c.Storage.Driver {
	case DriverMemory:
	case DriverMySQL:
		if c.Storage.MySQL.DSN == "" {
			return errors.New("mysql 后端需要配置 dsn")
		}
	default:
		return fmt.Errorf("不支持的存储后端: %s", c.Storage.Driver)
	}

	switch c.Queue.Backend {
	case QueueMemory:
	case QueueRedis:
		if c.Queue.Redis.Address == "" {
			return errors.New("redis 队列需要配置 address")
		}
	case QueueRabbitMQ:
		if c.Queue.RabbitMQ.URL == "" {
			return errors.New("rabbitmq 队列需要配置 url")
		}
	default:
		return fmt.Errorf("不支持的队列后端: %s", c.Queue.Backend)
	}

	switch c.Queue.DeadLetterBackend {
	case DriverMemory, DriverMySQL:
	case QueueRedis:
		if c.Queue.Redis.Address == "" {
			return errors.New("redis 死信存储需要配置 address")
		}
	default:
		return fmt.Errorf("不支持的死信后端: %s", c.Queue.DeadLetterBackend)
	}

	return nil
}
