package task

import (
	"context"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/panjf2000/ants/v2"
	"github.com/wheval/sendpay-sub000/internal/config"
	"github.com/wheval/sendpay-sub000/internal/logger"
	"github.com/wheval/sendpay-sub000/internal/logic"
	"github.com/wheval/sendpay-sub000/internal/model"
)

// ReconcileJob 对账补偿任务。
// 扫描卡在中间状态的出金交易，重新驱动出金编排。
// 出金引用由提现ID推导，重复驱动不会产生第二笔转账。
type ReconcileJob struct {
	txLogic     *logic.TransactionLogic
	payoutLogic *logic.PayoutLogic
	cfg         config.SweepConfig
}

// NewReconcileJob 创建对账任务
func NewReconcileJob(txLogic *logic.TransactionLogic, payoutLogic *logic.PayoutLogic, cfg config.SweepConfig) *ReconcileJob {
	return &ReconcileJob{
		txLogic:     txLogic,
		payoutLogic: payoutLogic,
		cfg:         cfg,
	}
}

// GetName 获取任务名称
func (j *ReconcileJob) GetName() string {
	return "payout_reconcile"
}

// GetSchedule 获取调度配置
func (j *ReconcileJob) GetSchedule() gocron.JobDefinition {
	return gocron.DurationJob(time.Duration(j.cfg.Interval) * time.Second)
}

// Execute 执行一轮对账，单笔失败不影响其余交易
func (j *ReconcileJob) Execute() {
	logger.Info("Starting payout reconcile sweep")

	txs, err := j.txLogic.GetStuckWithdrawals(j.cfg.BatchSize, j.cfg.MaxRetries)
	if err != nil {
		logger.Error("Failed to fetch stuck transactions: %v", err)
		return
	}
	if len(txs) == 0 {
		logger.Debug("No stuck transactions to reconcile")
		return
	}

	workers := j.cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	pool, err := ants.NewPool(workers)
	if err != nil {
		logger.Error("Failed to create worker pool: %v", err)
		return
	}
	defer pool.Release()

	var wg sync.WaitGroup
	var mu sync.Mutex
	recovered := 0

	for i := range txs {
		tx := txs[i]
		wg.Add(1)
		err := pool.Submit(func() {
			defer wg.Done()
			if j.reconcileOne(&tx) {
				mu.Lock()
				recovered++
				mu.Unlock()
			}
		})
		if err != nil {
			wg.Done()
			logger.Error("Failed to submit reconcile task for %s: %v", tx.Reference, err)
		}
	}
	wg.Wait()

	logger.Info("Payout reconcile sweep completed: scanned=%d recovered=%d", len(txs), recovered)
}

// reconcileOne 补偿单笔交易，返回本轮是否成功驱动
func (j *ReconcileJob) reconcileOne(tx *model.TransactionModel) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	if err := j.txLogic.IncrementRetry(tx.Id); err != nil {
		logger.Error("Failed to bump retry count for %s: %v", tx.Reference, err)
	}

	if err := j.payoutLogic.RunPayout(ctx, tx); err != nil {
		logger.Error("Failed to reconcile transaction %s (withdrawal %s): %v", tx.Reference, tx.WithdrawalId, err)
		return false
	}
	return true
}
