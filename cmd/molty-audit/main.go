package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/lulu-molty/molty/internal/audit"
	"github.com/lulu-molty/molty/internal/config"
	"github.com/lulu-molty/molty/internal/ledger"
	"github.com/lulu-molty/molty/internal/limits"
	mysqlstore "github.com/lulu-molty/molty/internal/storage/mysql"
	"github.com/lulu-molty/molty/pkg/logger"
)

// main 执行一轮账本对账并把报告写到标准输出。
// 全部检查通过时退出码为 0，否则为 1。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	report, err := run(ctx)
	if err != nil {
		log.Fatalf("molty-audit 运行失败: %v", err)
	}

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(report); err != nil {
		log.Fatalf("输出报告失败: %v", err)
	}
	if !report.AllPassed {
		os.Exit(1)
	}
}

func run(ctx context.Context) (*audit.Report, error) {
	path := os.Getenv("MOLTY_CONFIG")
	if path == "" {
		return nil, fmt.Errorf("对账需要通过 MOLTY_CONFIG 指定配置文件")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	if err := logger.Init(cfg.Logging); err != nil {
		return nil, err
	}
	defer logger.Close()

	params := ledger.Params{
		InitialSupply: cfg.Ledger.InitialSupply,
		SystemAddress: cfg.Ledger.SystemAddress,
		BurnAddress:   cfg.Ledger.BurnAddress,
		FeeCollector:  cfg.Ledger.FeeCollector,
	}

	var (
		ledgerStore ledger.Store
		limitStore  limits.Store
	)
	switch cfg.Storage.Driver {
	case config.DriverMySQL:
		var db *sql.DB
		db, err = mysqlstore.Open(ctx, cfg.Storage.MySQL)
		if err != nil {
			return nil, err
		}
		defer db.Close()
		store, err := ledger.NewMySQLStore(ctx, db, params)
		if err != nil {
			return nil, err
		}
		ledgerStore = store
		limitStore = limits.NewMySQLStore(db)
	case config.DriverMemory:
		// 内存后端没有跨进程状态，对账只能看到创世账本。
		ledgerStore = ledger.NewMemoryStore(params)
		limitStore = limits.NewMemoryStore()
	default:
		return nil, fmt.Errorf("不支持的存储后端: %s", cfg.Storage.Driver)
	}

	policy := limits.DefaultPolicy()
	if cfg.Risk.PolicyFile != "" {
		policy, err = limits.LoadPolicyFile(cfg.Risk.PolicyFile)
		if err != nil {
			return nil, err
		}
	}

	return audit.New(ledgerStore, limitStore, policy).Run(ctx)
}
