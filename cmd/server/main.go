package main

import (
	"github.com/gin-gonic/gin"
	"github.com/wheval/sendpay-sub000/internal/config"
	"github.com/wheval/sendpay-sub000/internal/database"
	"github.com/wheval/sendpay-sub000/internal/event"
	"github.com/wheval/sendpay-sub000/internal/fiat"
	"github.com/wheval/sendpay-sub000/internal/handler"
	"github.com/wheval/sendpay-sub000/internal/logger"
	"github.com/wheval/sendpay-sub000/internal/logic"
	"github.com/wheval/sendpay-sub000/internal/router"
	"github.com/wheval/sendpay-sub000/internal/signer"
	"github.com/wheval/sendpay-sub000/internal/starknet"
	"github.com/wheval/sendpay-sub000/internal/task"
)

func main() {
	// 加载配置
	cfg := config.Load()
	cfg.MustValidate()

	// 初始化日志
	level := logger.ParseLogLevel(cfg.Log.Level)
	if cfg.Log.Output == "file" {
		l, err := logger.NewWithRotation(level, logger.RotationConfig{Filename: cfg.Log.File})
		if err != nil {
			logger.Fatal("Failed to initialize file logger: %v", err)
		}
		logger.SetDefaultLogger(l)
	} else if l, err := logger.New(level); err == nil {
		logger.SetDefaultLogger(l)
	}
	defer logger.Sync()

	// 初始化数据库
	db, err := database.Init(cfg.Database)
	if err != nil {
		logger.Fatal("Failed to initialize database: %v", err)
	}

	// 初始化链节点客户端
	ledgerClient, err := starknet.Init(cfg.Ledger)
	if err != nil {
		logger.Fatal("Failed to initialize ledger client: %v", err)
	}

	// 初始化出金通道客户端
	fiatClient, err := fiat.Init(cfg.Fiat)
	if err != nil {
		logger.Fatal("Failed to initialize fiat client: %v", err)
	}

	// 初始化签名器（内部自检，哈希构造不一致直接退出）
	backendSigner, err := signer.Init(cfg.Ledger)
	if err != nil {
		logger.Fatal("Failed to initialize signer: %v", err)
	}
	logger.Info("Backend signer address: %s", backendSigner.Address())

	// 业务逻辑层
	eventLogic := logic.NewEventLogic(db)
	txLogic := logic.NewTransactionLogic(db)
	bankLogic := logic.NewBankAccountLogic(db)
	rateLogic := logic.NewRateLogic(fiatClient, cfg.Fiat)
	payoutLogic := logic.NewPayoutLogic(
		txLogic, bankLogic, rateLogic,
		fiatClient, ledgerClient, backendSigner,
		cfg.Fiat, cfg.Ledger.TokenDecimals,
	)

	// 设置Gin模式
	if cfg.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	// 初始化路由
	webhookHandler := handler.NewWebhookHandler(fiatClient, payoutLogic)
	withdrawalHandler := handler.NewWithdrawalHandler(txLogic, rateLogic, backendSigner, ledgerClient, cfg.Fiat.Currency)
	onrampHandler := handler.NewOnrampHandler(txLogic, cfg.Fiat.Currency)
	bankAccountHandler := handler.NewBankAccountHandler(bankLogic)
	r := router.Setup(cfg, webhookHandler, withdrawalHandler, onrampHandler, bankAccountHandler)

	// 启动扫链器。部署层面保证每个合约只有一个实例在跑，
	// 检查点只有单一写方。
	monitor := event.NewMonitor(ledgerClient, eventLogic, payoutLogic, cfg.Watcher)
	if err := monitor.Start(); err != nil {
		logger.Fatal("Failed to start ledger monitor: %v", err)
	}
	defer monitor.Stop()

	// 启动对账任务
	taskManager, err := task.Start(cfg, payoutLogic, txLogic)
	if err != nil {
		logger.Fatal("Failed to start task manager: %v", err)
	}
	defer taskManager.Stop()

	// 启动服务器
	logger.Info("Server starting on port %s", cfg.Server.Port)
	if err := r.Run(":" + cfg.Server.Port); err != nil {
		logger.Fatal("Failed to start server: %v", err)
	}
}
