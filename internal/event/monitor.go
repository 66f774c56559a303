package event

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wheval/sendpay-sub000/internal/config"
	"github.com/wheval/sendpay-sub000/internal/logic"
	"github.com/wheval/sendpay-sub000/internal/logger"
	"github.com/wheval/sendpay-sub000/internal/model"
	"github.com/wheval/sendpay-sub000/internal/starknet"
)

// LedgerClient 扫链所需的链节点接口
type LedgerClient interface {
	GetLatestBlockNumber(ctx context.Context) (uint64, error)
	GetEvents(ctx context.Context, fromBlock, toBlock uint64, keyFilter []string) ([]starknet.RawEvent, error)
}

// TickResult 一次轮询的处理结果
type TickResult struct {
	Applied      int    // 实际应用的事件数
	Skipped      int    // 跳过的事件数（重复、未识别、解码失败）
	HighestBlock uint64 // 本次处理到的最高区块
}

// Monitor 结算合约事件扫链器。
// 每个合约部署只允许一个实例运行（检查点单写方），区块区间内串行处理，
// 检查点只在整段区间全部应用后才推进。
type Monitor struct {
	ledger      LedgerClient
	eventLogic  *logic.EventLogic
	payoutLogic *logic.PayoutLogic
	cfg         config.WatcherConfig
	lastBlock   uint64
	ctx         context.Context
	cancel      context.CancelFunc
}

// NewMonitor 创建扫链器
func NewMonitor(
	ledger LedgerClient,
	eventLogic *logic.EventLogic,
	payoutLogic *logic.PayoutLogic,
	cfg config.WatcherConfig,
) *Monitor {
	ctx, cancel := context.WithCancel(context.Background())

	return &Monitor{
		ledger:      ledger,
		eventLogic:  eventLogic,
		payoutLogic: payoutLogic,
		cfg:         cfg,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start 开始监控链上事件
func (m *Monitor) Start() error {
	if err := m.loadCheckpoint(); err != nil {
		return fmt.Errorf("failed to load checkpoint: %w", err)
	}

	logger.Info("Starting ledger monitor %s from block %d", m.cfg.Name, m.lastBlock+1)

	go m.monitorLoop()
	return nil
}

// Stop 停止发起新的轮询。正在处理的区间不会被打断，
// 最坏情况是部分应用且检查点未推进，重启后靠幂等记录安全重放。
func (m *Monitor) Stop() {
	m.cancel()
}

// loadCheckpoint 加载检查点并回退若干区块，容忍浅层重组。
// 回退造成的重复投递由幂等记录吸收。
func (m *Monitor) loadCheckpoint() error {
	checkpoint, err := m.eventLogic.GetCheckpoint(m.cfg.Name)
	if err != nil {
		return err
	}

	if checkpoint == 0 {
		if m.cfg.StartBlock > 0 {
			m.lastBlock = m.cfg.StartBlock - 1
		} else {
			m.lastBlock = 0
		}
		return nil
	}

	// 从 checkpoint - backoff 区块本身开始重扫，lastBlock再减一
	if checkpoint > m.cfg.ReorgBackoff {
		m.lastBlock = checkpoint - m.cfg.ReorgBackoff - 1
	} else {
		m.lastBlock = 0
	}
	logger.Info("Loaded checkpoint %d for watcher %s, resuming from %d", checkpoint, m.cfg.Name, m.lastBlock+1)
	return nil
}

// monitorLoop 轮询循环
func (m *Monitor) monitorLoop() {
	interval := time.Duration(m.cfg.Interval) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			logger.Info("Monitor %s stopped", m.cfg.Name)
			return
		case <-ticker.C:
			result, err := m.ProcessTick(m.ctx)
			if err != nil {
				// 瞬时错误不推进检查点，下一个tick重试
				logger.Error("Error processing tick: %v", err)
				continue
			}
			if result.Applied > 0 || result.Skipped > 0 {
				logger.Info("Watcher %s processed up to block %d: applied=%d skipped=%d",
					m.cfg.Name, result.HighestBlock, result.Applied, result.Skipped)
			}
		}
	}
}

// ProcessTick 处理一次轮询：拉取区间事件、逐个应用、推进检查点。
// 瞬时错误放弃整段区间（检查点不动，下个tick重试），
// 永久冲突的事件落库记录后跳过，不阻塞检查点。
func (m *Monitor) ProcessTick(ctx context.Context) (TickResult, error) {
	result := TickResult{HighestBlock: m.lastBlock}

	latest, err := m.ledger.GetLatestBlockNumber(ctx)
	if err != nil {
		return result, fmt.Errorf("failed to get latest block number: %w", err)
	}

	fromBlock := m.lastBlock + 1
	if fromBlock > latest {
		return result, nil
	}

	toBlock := latest
	if m.cfg.MaxBlockRange > 0 && toBlock-fromBlock+1 > m.cfg.MaxBlockRange {
		toBlock = fromBlock + m.cfg.MaxBlockRange - 1
	}

	events, err := m.ledger.GetEvents(ctx, fromBlock, toBlock, nil)
	if err != nil {
		return result, fmt.Errorf("failed to get events [%d, %d]: %w", fromBlock, toBlock, err)
	}

	// 区间内按顺序处理，前一个事件落库前不处理下一个
	for _, raw := range events {
		applied, err := m.processEvent(ctx, raw)
		if err != nil {
			return result, fmt.Errorf("failed to process event %s:%d: %w", raw.TxHash, raw.EventIndex, err)
		}
		if applied {
			result.Applied++
		} else {
			result.Skipped++
		}
	}

	// 整段区间应用完毕才推进检查点
	if err := m.eventLogic.SetCheckpoint(m.cfg.Name, toBlock); err != nil {
		return result, fmt.Errorf("failed to persist checkpoint: %w", err)
	}
	m.lastBlock = toBlock
	result.HighestBlock = toBlock

	return result, nil
}

// processEvent 处理单个事件，返回是否实际应用了副作用
func (m *Monitor) processEvent(ctx context.Context, raw starknet.RawEvent) (bool, error) {
	decoded, err := Decode(raw)
	if err != nil {
		// 解码失败只记录日志并跳过，不阻塞检查点推进
		logger.Error("Failed to decode event %s:%d: %v", raw.TxHash, raw.EventIndex, err)
		return false, nil
	}

	if _, ok := decoded.(UnknownEvent); ok {
		logger.Debug("Skipping unknown event %s:%d", raw.TxHash, raw.EventIndex)
		return false, nil
	}

	processed, err := m.eventLogic.HasProcessed(raw.TxHash, raw.EventIndex)
	if err != nil {
		return false, err
	}
	if processed {
		// 重复投递（重启回退或节点重发），跳过
		return false, nil
	}

	record := &model.ProcessedEventModel{
		TxHash:       raw.TxHash,
		LogIndex:     raw.EventIndex,
		EventType:    decoded.EventName(),
		BlockNum:     raw.BlockNum,
		WithdrawalId: withdrawalIdOf(decoded),
	}

	if err := m.applyEvent(ctx, decoded, raw); err != nil {
		if errors.Is(err, logic.ErrUnrecoverableEvent) {
			// 永久冲突的事件重试也不会成功，落库记录原因后跳过，
			// 不能让单个毒事件卡死整段区间的检查点
			logger.Error("Abandoning unrecoverable event %s:%d: %v", raw.TxHash, raw.EventIndex, err)
			record.ErrorDetail = err.Error()
			if markErr := m.eventLogic.MarkProcessed(record); markErr != nil && !errors.Is(markErr, logic.ErrEventAlreadyProcessed) {
				return false, markErr
			}
			return false, nil
		}
		return false, err
	}
	if err := m.eventLogic.MarkProcessed(record); err != nil {
		if errors.Is(err, logic.ErrEventAlreadyProcessed) {
			// 与另一个写方撞上，副作用本身幂等，跳过即可
			return false, nil
		}
		return false, err
	}

	return true, nil
}

// applyEvent 将类型化事件交给状态机/出金编排
func (m *Monitor) applyEvent(ctx context.Context, decoded DecodedEvent, raw starknet.RawEvent) error {
	switch ev := decoded.(type) {
	case WithdrawalCreatedEvent:
		return m.payoutLogic.ProcessWithdrawalCreated(ctx, logic.WithdrawalCreatedInput{
			WithdrawalId: ev.WithdrawalId,
			User:         ev.User,
			Amount:       ev.Amount,
			Token:        ev.Token,
			ExternalRef:  ev.ExternalRef,
			TxHash:       raw.TxHash,
		})
	case WithdrawalCompletedEvent:
		return m.payoutLogic.ProcessWithdrawalCompleted(ev.WithdrawalId)
	case WithdrawalFailedEvent:
		return m.payoutLogic.ProcessWithdrawalFailed(ev.WithdrawalId, ev.Reason)
	case DepositCompletedEvent:
		logger.Info("Observed deposit credit for %s amount=%s ref=%s", ev.User, ev.Amount.String(), ev.ExternalRef)
		return nil
	case RoleChangedEvent:
		logger.Info("Contract role change: account=%s role=%s granted=%v", ev.Account, ev.Role, ev.Granted)
		return nil
	case EmergencyPausedEvent:
		logger.Warn("Settlement contract paused by %s at %d", ev.By, ev.Timestamp)
		return nil
	case EmergencyResumedEvent:
		logger.Info("Settlement contract resumed by %s at %d", ev.By, ev.Timestamp)
		return nil
	default:
		logger.Warn("Unhandled event type %s", decoded.EventName())
		return nil
	}
}

// withdrawalIdOf 提取事件关联的提现ID，用于幂等记录排查
func withdrawalIdOf(decoded DecodedEvent) string {
	switch ev := decoded.(type) {
	case WithdrawalCreatedEvent:
		return ev.WithdrawalId.String()
	case WithdrawalCompletedEvent:
		return ev.WithdrawalId.String()
	case WithdrawalFailedEvent:
		return ev.WithdrawalId.String()
	}
	return ""
}
