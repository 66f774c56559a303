package logic

import (
	"errors"
	"fmt"

	"github.com/wheval/sendpay-sub000/internal/model"
	"gorm.io/gorm"
)

// ErrEventAlreadyProcessed 事件已处理过，调用方跳过下游副作用即可，不算错误
var ErrEventAlreadyProcessed = errors.New("事件已处理")

// EventLogic 已处理事件与扫链检查点的业务逻辑
type EventLogic struct {
	db *gorm.DB
}

// NewEventLogic 创建事件业务逻辑
func NewEventLogic(db *gorm.DB) *EventLogic {
	return &EventLogic{db: db}
}

// HasProcessed 检查事件是否已处理
func (e *EventLogic) HasProcessed(txHash string, logIndex int64) (bool, error) {
	var count int64
	err := e.db.Model(&model.ProcessedEventModel{}).
		Where("tx_hash = ? AND log_index = ?", txHash, logIndex).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("检查事件是否存在失败: %w", err)
	}
	return count > 0, nil
}

// MarkProcessed 登记已处理事件。
// 唯一键冲突返回ErrEventAlreadyProcessed，表示重复投递，调用方按跳过处理。
func (e *EventLogic) MarkProcessed(record *model.ProcessedEventModel) error {
	if record.TxHash == "" {
		return errors.New("交易哈希不能为空")
	}
	if record.EventType == "" {
		return errors.New("事件类型不能为空")
	}

	if err := e.db.Create(record).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrEventAlreadyProcessed
		}
		return fmt.Errorf("创建事件记录失败: %w", err)
	}
	return nil
}

// GetCheckpoint 读取watcher的检查点，不存在时返回0
func (e *EventLogic) GetCheckpoint(watcherName string) (uint64, error) {
	var cp model.WatcherCheckpointModel
	err := e.db.Where("watcher_name = ?", watcherName).First(&cp).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("读取检查点失败: %w", err)
	}
	return cp.LastProcessedBlock, nil
}

// SetCheckpoint 写入watcher的检查点
func (e *EventLogic) SetCheckpoint(watcherName string, blockNum uint64) error {
	var cp model.WatcherCheckpointModel
	err := e.db.Where("watcher_name = ?", watcherName).First(&cp).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			cp = model.WatcherCheckpointModel{
				WatcherName:        watcherName,
				LastProcessedBlock: blockNum,
			}
			if err := e.db.Create(&cp).Error; err != nil {
				return fmt.Errorf("创建检查点失败: %w", err)
			}
			return nil
		}
		return fmt.Errorf("读取检查点失败: %w", err)
	}

	if err := e.db.Model(&cp).Update("last_processed_block", blockNum).Error; err != nil {
		return fmt.Errorf("更新检查点失败: %w", err)
	}
	return nil
}
