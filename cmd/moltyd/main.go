package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/lulu-molty/molty/internal/api"
	"github.com/lulu-molty/molty/internal/audit"
	"github.com/lulu-molty/molty/internal/config"
	"github.com/lulu-molty/molty/internal/engine"
	"github.com/lulu-molty/molty/internal/ledger"
	"github.com/lulu-molty/molty/internal/limits"
	"github.com/lulu-molty/molty/internal/observability/alerting"
	"github.com/lulu-molty/molty/internal/risk"
	mysqlstore "github.com/lulu-molty/molty/internal/storage/mysql"
	"github.com/lulu-molty/molty/internal/task"
	"github.com/lulu-molty/molty/pkg/logger"
)

// main 是 molty 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("moltyd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if err := logger.Init(cfg.Logging); err != nil {
		return err
	}
	defer logger.Close()

	params := ledger.Params{
		InitialSupply: cfg.Ledger.InitialSupply,
		SystemAddress: cfg.Ledger.SystemAddress,
		BurnAddress:   cfg.Ledger.BurnAddress,
		FeeCollector:  cfg.Ledger.FeeCollector,
	}

	var db *sql.DB
	if cfg.Storage.Driver == config.DriverMySQL {
		db, err = mysqlstore.Open(ctx, cfg.Storage.MySQL)
		if err != nil {
			return err
		}
		defer db.Close()
	}

	var (
		ledgerStore ledger.Store
		limitStore  limits.Store
		taskStore   task.Store
	)
	switch cfg.Storage.Driver {
	case config.DriverMemory:
		ledgerStore = ledger.NewMemoryStore(params)
		limitStore = limits.NewMemoryStore()
		taskStore = task.NewMemoryStore()
	case config.DriverMySQL:
		store, err := ledger.NewMySQLStore(ctx, db, params)
		if err != nil {
			return err
		}
		ledgerStore = store
		limitStore = limits.NewMySQLStore(db)
		taskStore = task.NewMySQLStore(db)
	default:
		return fmt.Errorf("不支持的存储后端: %s", cfg.Storage.Driver)
	}
	defer func() {
		_ = taskStore.Close()
	}()

	policy := limits.DefaultPolicy()
	if cfg.Risk.PolicyFile != "" {
		policy, err = limits.LoadPolicyFile(cfg.Risk.PolicyFile)
		if err != nil {
			return err
		}
	}
	tracker := limits.NewTracker(policy, limitStore)

	notifiers := []alerting.Notifier{&alerting.LogNotifier{}}
	if cfg.Alerting.WebhookURL != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{URL: cfg.Alerting.WebhookURL})
	}
	dispatcher := alerting.NewFanout(notifiers...)

	breaker := risk.NewBreaker(cfg.Risk.Breaker, dispatcher)

	queue, err := buildQueue(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := queue.Close(); err != nil {
			logger.L().Warn("关闭任务队列失败", slog.String("error", err.Error()))
		}
	}()

	deadLetters, err := buildDeadLetterStore(cfg, db)
	if err != nil {
		return err
	}
	defer func() {
		_ = deadLetters.Close()
	}()

	taskService := task.NewService(taskStore, queue, cfg.Runtime.MaxRetries)
	// 账本操作必须串行结算，处理器固定单消费者。
	processor := task.NewProcessor(taskStore, queue, queue,
		task.WithWorkerCount(1),
		task.WithDeadLetterStore(deadLetters),
		task.WithAlertDispatcher(dispatcher),
	)

	eng := engine.New(engine.Config{CasinoPool: cfg.Ledger.CasinoPool},
		ledgerStore, tracker, breaker,
		engine.WithAlertDispatcher(dispatcher),
	)
	if err := eng.EnsureAccounts(ctx); err != nil {
		return err
	}
	eng.RegisterHandlers(processor)

	processorCtx, processorCancel := context.WithCancel(ctx)
	defer processorCancel()

	go func() {
		if err := processor.Start(processorCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.L().Error("任务处理器异常退出", slog.String("error", err.Error()))
		}
	}()

	auditor := audit.New(ledgerStore, limitStore, policy)
	go runAuditLoop(ctx, auditor, time.Duration(cfg.Runtime.AuditIntervalHours)*time.Hour)

	server := api.NewServer(cfg.Server.Address, eng, taskService, auditor)
	logger.L().Info("moltyd 启动", slog.String("address", cfg.Server.Address))

	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// loadConfig 按 MOLTY_CONFIG 指定的路径加载配置；
// 未指定且默认路径不存在时回退到内存单机配置。
func loadConfig() (*config.Config, error) {
	path := os.Getenv("MOLTY_CONFIG")
	if path != "" {
		return config.Load(path)
	}
	path = filepath.Join("configs", "molty.json")
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return config.Default(), nil
		}
		return nil, err
	}
	return config.Load(path)
}

func buildQueue(cfg *config.Config) (task.Queue, error) {
	switch cfg.Queue.Backend {
	case config.QueueMemory:
		return task.NewMemoryQueue(), nil
	case config.QueueRedis:
		return task.NewRedisQueue(task.RedisQueueConfig{
			Address:   cfg.Queue.Redis.Address,
			Password:  cfg.Queue.Redis.Password,
			DB:        cfg.Queue.Redis.DB,
			Queue:     cfg.Queue.Redis.Queue,
			BlockWait: 5 * time.Second,
		})
	case config.QueueRabbitMQ:
		return task.NewRabbitMQQueue(task.RabbitMQConfig{
			URL:         cfg.Queue.RabbitMQ.URL,
			Queue:       cfg.Queue.RabbitMQ.Queue,
			MaxPriority: cfg.Queue.RabbitMQ.MaxPriority,
			Prefetch:    1,
			Durable:     true,
		})
	default:
		return nil, fmt.Errorf("不支持的队列后端: %s", cfg.Queue.Backend)
	}
}

func buildDeadLetterStore(cfg *config.Config, db *sql.DB) (task.DeadLetterStore, error) {
	switch cfg.Queue.DeadLetterBackend {
	case config.DriverMemory:
		return task.NewMemoryDeadLetterStore(), nil
	case config.DriverMySQL:
		if db == nil {
			return nil, errors.New("mysql 死信存储依赖 mysql 存储后端")
		}
		return task.NewMySQLDeadLetterStore(db), nil
	case config.QueueRedis:
		return task.NewRedisDeadLetterStore(task.RedisDeadLetterConfig{
			Address:  cfg.Queue.Redis.Address,
			Password: cfg.Queue.Redis.Password,
			DB:       cfg.Queue.Redis.DB,
			Key:      cfg.Queue.Redis.DeadLetterKey,
		})
	default:
		return nil, fmt.Errorf("不支持的死信后端: %s", cfg.Queue.DeadLetterBackend)
	}
}

// runAuditLoop 启动后先跑一轮对账，之后按配置的间隔重复。
func runAuditLoop(ctx context.Context, auditor *audit.Auditor, interval time.Duration) {
	runOnce := func() {
		if _, err := auditor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.L().Error("定时对账失败", slog.String("error", err.Error()))
		}
	}
	runOnce()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runOnce()
		}
	}
}
