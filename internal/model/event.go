package model

import (
	"time"
)

// ProcessedEventModel 已处理链上事件记录，(tx_hash, log_index) 唯一。
// 记录存在即表示该事件的副作用已经执行过，重复投递直接跳过。
type ProcessedEventModel struct {
	Id        int64     `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time `json:"created_at"`

	TxHash       string `json:"tx_hash" gorm:"not null;uniqueIndex:idx_event_key"`
	LogIndex     int64  `json:"log_index" gorm:"not null;uniqueIndex:idx_event_key"`
	EventType    string `json:"event_type" gorm:"not null"`
	BlockNum     uint64 `json:"block_num" gorm:"not null"`
	WithdrawalId string `json:"withdrawal_id"`
	ErrorDetail  string `json:"error_detail" gorm:"type:text"` // 非空表示事件因永久冲突被放弃
}

// TableName 自定义表名
func (ProcessedEventModel) TableName() string {
	return "processed_event"
}

// WatcherCheckpointModel 扫链检查点，每个逻辑watcher一行
type WatcherCheckpointModel struct {
	Id        int64     `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	WatcherName        string `json:"watcher_name" gorm:"uniqueIndex;not null"`
	LastProcessedBlock uint64 `json:"last_processed_block" gorm:"not null"`
}

// TableName 自定义表名
func (WatcherCheckpointModel) TableName() string {
	return "watcher_checkpoint"
}
