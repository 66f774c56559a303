package task

import (
	"github.com/go-co-op/gocron/v2"
	"github.com/wheval/sendpay-sub000/internal/config"
	"github.com/wheval/sendpay-sub000/internal/logger"
	"github.com/wheval/sendpay-sub000/internal/logic"
)

// Manager 任务管理器
type Manager struct {
	scheduler gocron.Scheduler
	config    *config.Config
}

// Job 定时任务接口
type Job interface {
	GetName() string
	GetSchedule() gocron.JobDefinition
	Execute()
}

// NewManager 创建新的任务管理器
func NewManager(cfg *config.Config) (*Manager, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}

	return &Manager{
		scheduler: s,
		config:    cfg,
	}, nil
}

// Start 启动任务管理器并注册对账任务
func Start(cfg *config.Config, payoutLogic *logic.PayoutLogic, txLogic *logic.TransactionLogic) (*Manager, error) {
	manager, err := NewManager(cfg)
	if err != nil {
		return nil, err
	}

	sweepJob := NewReconcileJob(txLogic, payoutLogic, cfg.Sweep)
	manager.Register(sweepJob)

	manager.scheduler.Start()
	logger.Info("Task manager started")

	// 启动时先补偿一轮（可选）
	if cfg.Sweep.RunAtStartup {
		go sweepJob.Execute()
	}

	return manager, nil
}

// Register 注册任务，单例模式防止同一任务并发重入
func (m *Manager) Register(job Job) {
	_, err := m.scheduler.NewJob(
		job.GetSchedule(),
		gocron.NewTask(job.Execute),
		gocron.WithName(job.GetName()),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		logger.Error("Failed to register job %s: %v", job.GetName(), err)
	}
}

// Stop 停止任务管理器
func (m *Manager) Stop() {
	if err := m.scheduler.Shutdown(); err != nil {
		logger.Error("Failed to shutdown scheduler: %v", err)
	}
	logger.Info("Task manager stopped")
}
