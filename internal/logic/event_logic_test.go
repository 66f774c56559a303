package logic

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wheval/sendpay-sub000/internal/model"
)

func TestMarkProcessedDuplicate(t *testing.T) {
	db := setupTestDB(t)
	eventLogic := NewEventLogic(db)

	record := &model.ProcessedEventModel{
		TxHash:    "0xaaa",
		LogIndex:  3,
		EventType: "WithdrawalCreated",
		BlockNum:  100,
	}
	require.NoError(t, eventLogic.MarkProcessed(record))

	// 同一个 (tx_hash, log_index) 再次登记返回专用错误，调用方按跳过处理
	dup := &model.ProcessedEventModel{
		TxHash:    "0xaaa",
		LogIndex:  3,
		EventType: "WithdrawalCreated",
		BlockNum:  100,
	}
	err := eventLogic.MarkProcessed(dup)
	assert.ErrorIs(t, err, ErrEventAlreadyProcessed)

	// 同哈希不同log_index不冲突
	other := &model.ProcessedEventModel{
		TxHash:    "0xaaa",
		LogIndex:  4,
		EventType: "WithdrawalCompleted",
		BlockNum:  100,
	}
	assert.NoError(t, eventLogic.MarkProcessed(other))
}

func TestHasProcessed(t *testing.T) {
	db := setupTestDB(t)
	eventLogic := NewEventLogic(db)

	processed, err := eventLogic.HasProcessed("0xbbb", 0)
	require.NoError(t, err)
	assert.False(t, processed)

	require.NoError(t, eventLogic.MarkProcessed(&model.ProcessedEventModel{
		TxHash:    "0xbbb",
		LogIndex:  0,
		EventType: "WithdrawalCreated",
		BlockNum:  50,
	}))

	processed, err = eventLogic.HasProcessed("0xbbb", 0)
	require.NoError(t, err)
	assert.True(t, processed)
}

func TestCheckpointRoundTrip(t *testing.T) {
	db := setupTestDB(t)
	eventLogic := NewEventLogic(db)

	// 不存在时返回0
	cp, err := eventLogic.GetCheckpoint("settlement")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), cp)

	require.NoError(t, eventLogic.SetCheckpoint("settlement", 120))
	cp, err = eventLogic.GetCheckpoint("settlement")
	require.NoError(t, err)
	assert.Equal(t, uint64(120), cp)

	// 更新已有检查点
	require.NoError(t, eventLogic.SetCheckpoint("settlement", 150))
	cp, err = eventLogic.GetCheckpoint("settlement")
	require.NoError(t, err)
	assert.Equal(t, uint64(150), cp)

	// watcher之间互不影响
	cp, err = eventLogic.GetCheckpoint("other")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), cp)
}
