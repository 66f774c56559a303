package logic

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wheval/sendpay-sub000/internal/model"
)

func newOfframpTx(reference string) *model.TransactionModel {
	return &model.TransactionModel{
		Flow:         model.TxFlowOfframp,
		Status:       model.TxStatusCreated,
		UserAddress:  "0x1234",
		Reference:    reference,
		AmountSource: "100000000",
		Currency:     "NGN",
	}
}

func TestCreateTransactionDuplicateReference(t *testing.T) {
	db := setupTestDB(t)
	txLogic := NewTransactionLogic(db)

	require.NoError(t, txLogic.CreateTransaction(newOfframpTx("0xabc")))

	// 引用带前导零也视为同一个引用
	err := txLogic.CreateTransaction(newOfframpTx("0x00abc"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "已存在")
}

func TestGetByReferenceNormalizesLeadingZeros(t *testing.T) {
	db := setupTestDB(t)
	txLogic := NewTransactionLogic(db)

	require.NoError(t, txLogic.CreateTransaction(newOfframpTx("0x00abc")))

	tx, err := txLogic.GetByReference("0xABC")
	require.NoError(t, err)
	assert.Equal(t, "0xabc", tx.Reference)

	_, err = txLogic.GetByReference("0xdead")
	assert.ErrorIs(t, err, ErrTransactionNotFound)
}

func TestTransitionGuarded(t *testing.T) {
	db := setupTestDB(t)
	txLogic := NewTransactionLogic(db)

	tx := newOfframpTx("0x1")
	require.NoError(t, txLogic.CreateTransaction(tx))

	require.NoError(t, txLogic.Transition(tx.Id, model.TxStatusCreated, model.TxStatusSigned, nil))

	// 当前状态已变化，同一迁移再次执行应失败且不生效
	err := txLogic.Transition(tx.Id, model.TxStatusCreated, model.TxStatusSigned, nil)
	assert.ErrorIs(t, err, ErrStatusConflict)

	got, err := txLogic.GetByReference("0x1")
	require.NoError(t, err)
	assert.Equal(t, model.TxStatusSigned, got.Status)
}

func TestTransitionRejectsIllegalEdge(t *testing.T) {
	db := setupTestDB(t)
	txLogic := NewTransactionLogic(db)

	tx := newOfframpTx("0x2")
	require.NoError(t, txLogic.CreateTransaction(tx))

	// created不能直接跳到payout_completed
	err := txLogic.Transition(tx.Id, model.TxStatusCreated, model.TxStatusPayoutCompleted, nil)
	assert.ErrorIs(t, err, ErrIllegalTransition)

	got, err := txLogic.GetByReference("0x2")
	require.NoError(t, err)
	assert.Equal(t, model.TxStatusCreated, got.Status)
}

func TestTransitionRejectsTerminalFrom(t *testing.T) {
	db := setupTestDB(t)
	txLogic := NewTransactionLogic(db)

	err := txLogic.Transition(1, model.TxStatusOnchainCompleted, model.TxStatusPayoutPending, nil)
	assert.ErrorIs(t, err, ErrIllegalTransition)
}

func TestTransitionWritesExtraFields(t *testing.T) {
	db := setupTestDB(t)
	txLogic := NewTransactionLogic(db)

	tx := newOfframpTx("0x3")
	tx.Status = model.TxStatusPayoutPending
	require.NoError(t, txLogic.CreateTransaction(tx))

	err := txLogic.Transition(tx.Id, model.TxStatusPayoutPending, model.TxStatusPayoutCompleted, map[string]interface{}{
		"proof_timestamp": int64(1700000000),
	})
	require.NoError(t, err)

	got, err := txLogic.GetByReference("0x3")
	require.NoError(t, err)
	assert.Equal(t, model.TxStatusPayoutCompleted, got.Status)
	assert.Equal(t, int64(1700000000), got.ProofTimestamp)
}

func TestMarkPayoutFailedRecordsReason(t *testing.T) {
	db := setupTestDB(t)
	txLogic := NewTransactionLogic(db)

	tx := newOfframpTx("0x4")
	tx.Status = model.TxStatusPayoutPending
	require.NoError(t, txLogic.CreateTransaction(tx))

	require.NoError(t, txLogic.MarkPayoutFailed(tx.Id, model.TxStatusPayoutPending, "below minimum payout: 500 < 10000"))

	got, err := txLogic.GetByReference("0x4")
	require.NoError(t, err)
	assert.Equal(t, model.TxStatusPayoutFailed, got.Status)
	assert.Contains(t, got.ErrorDetail, "below minimum payout")
}

func TestIncrementRetry(t *testing.T) {
	db := setupTestDB(t)
	txLogic := NewTransactionLogic(db)

	tx := newOfframpTx("0x5")
	require.NoError(t, txLogic.CreateTransaction(tx))

	require.NoError(t, txLogic.IncrementRetry(tx.Id))
	require.NoError(t, txLogic.IncrementRetry(tx.Id))

	got, err := txLogic.GetByReference("0x5")
	require.NoError(t, err)
	assert.Equal(t, 2, got.RetryCount)
}

func TestGetStuckWithdrawals(t *testing.T) {
	db := setupTestDB(t)
	txLogic := NewTransactionLogic(db)

	stuck := newOfframpTx("0x10")
	stuck.Status = model.TxStatusPayoutFailed
	stuck.WithdrawalId = "42"
	require.NoError(t, txLogic.CreateTransaction(stuck))

	// 未绑定提现ID的不纳入补偿
	noWd := newOfframpTx("0x11")
	noWd.Status = model.TxStatusPayoutPending
	require.NoError(t, txLogic.CreateTransaction(noWd))

	// 重试次数到顶的不再捞取
	exhausted := newOfframpTx("0x12")
	exhausted.Status = model.TxStatusPayoutFailed
	exhausted.WithdrawalId = "43"
	exhausted.RetryCount = 5
	require.NoError(t, txLogic.CreateTransaction(exhausted))

	// 终态的不捞取
	done := newOfframpTx("0x13")
	done.Status = model.TxStatusOnchainCompleted
	done.WithdrawalId = "44"
	require.NoError(t, txLogic.CreateTransaction(done))

	// 链上已关闭的不捞取
	closed := newOfframpTx("0x14")
	closed.Status = model.TxStatusPayoutFailed
	closed.WithdrawalId = "45"
	closed.OnchainClosed = true
	require.NoError(t, txLogic.CreateTransaction(closed))

	txs, err := txLogic.GetStuckWithdrawals(10, 5)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, "0x10", txs[0].Reference)
}

func TestGetTransactionsPaginated(t *testing.T) {
	db := setupTestDB(t)
	txLogic := NewTransactionLogic(db)

	for _, ref := range []string{"0x20", "0x21", "0x22"} {
		require.NoError(t, txLogic.CreateTransaction(newOfframpTx(ref)))
	}
	other := newOfframpTx("0x23")
	other.UserAddress = "0x9999"
	require.NoError(t, txLogic.CreateTransaction(other))

	txs, total, err := txLogic.GetTransactions("0x1234", 1, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	assert.Len(t, txs, 2)

	txs, _, err = txLogic.GetTransactions("0x1234", 2, 2)
	require.NoError(t, err)
	assert.Len(t, txs, 1)
}
