package logic

import (
	"errors"
	"fmt"

	"github.com/wheval/sendpay-sub000/internal/model"
	"github.com/wheval/sendpay-sub000/internal/starknet"
	"gorm.io/gorm"
)

var (
	// ErrTransactionNotFound 交易不存在
	ErrTransactionNotFound = errors.New("交易不存在")
	// ErrStatusConflict 当前状态与期望不符，乐观守护更新未生效
	ErrStatusConflict = errors.New("交易状态已变化")
	// ErrIllegalTransition 非法状态迁移
	ErrIllegalTransition = errors.New("非法状态迁移")
)

// TransactionLogic 结算交易业务逻辑
type TransactionLogic struct {
	db *gorm.DB
}

// NewTransactionLogic 创建交易业务逻辑
func NewTransactionLogic(db *gorm.DB) *TransactionLogic {
	return &TransactionLogic{db: db}
}

// CreateTransaction 创建交易记录，reference全局唯一
func (t *TransactionLogic) CreateTransaction(tx *model.TransactionModel) error {
	if tx.Reference == "" {
		return errors.New("交易引用不能为空")
	}
	if tx.UserAddress == "" {
		return errors.New("用户地址不能为空")
	}

	tx.Reference = starknet.NormalizeFelt(tx.Reference)
	if err := t.db.Create(tx).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return errors.New("交易引用已存在")
		}
		return fmt.Errorf("创建交易记录失败: %w", err)
	}
	return nil
}

// GetByReference 根据对外引用查询交易，容忍前导零差异
func (t *TransactionLogic) GetByReference(reference string) (*model.TransactionModel, error) {
	var tx model.TransactionModel
	err := t.db.Where("reference = ?", starknet.NormalizeFelt(reference)).First(&tx).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTransactionNotFound
		}
		return nil, fmt.Errorf("查询交易失败: %w", err)
	}
	return &tx, nil
}

// GetByWithdrawalId 根据合约提现ID查询交易
func (t *TransactionLogic) GetByWithdrawalId(withdrawalId string) (*model.TransactionModel, error) {
	var tx model.TransactionModel
	err := t.db.Where("withdrawal_id = ?", withdrawalId).First(&tx).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTransactionNotFound
		}
		return nil, fmt.Errorf("查询交易失败: %w", err)
	}
	return &tx, nil
}

// GetByPayoutReference 根据幂等出金引用查询交易
func (t *TransactionLogic) GetByPayoutReference(payoutRef string) (*model.TransactionModel, error) {
	var tx model.TransactionModel
	err := t.db.Where("payout_reference = ?", payoutRef).First(&tx).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTransactionNotFound
		}
		return nil, fmt.Errorf("查询交易失败: %w", err)
	}
	return &tx, nil
}

// Transition 乐观守护的状态迁移：仅当当前状态等于from时才更新。
// 所有写方都必须走这里，禁止盲写status。
func (t *TransactionLogic) Transition(id int64, from, to model.TxStatus, extra map[string]interface{}) error {
	if from.IsTerminal() {
		return ErrIllegalTransition
	}
	if !model.CanTransition(from, to) {
		return ErrIllegalTransition
	}

	updates := map[string]interface{}{"status": to}
	for k, v := range extra {
		updates[k] = v
	}

	result := t.db.Model(&model.TransactionModel{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("更新交易状态失败: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrStatusConflict
	}
	return nil
}

// MarkPayoutFailed 标记出金失败并记录结构化原因
func (t *TransactionLogic) MarkPayoutFailed(id int64, from model.TxStatus, reason string) error {
	return t.Transition(id, from, model.TxStatusPayoutFailed, map[string]interface{}{
		"error_detail": reason,
	})
}

// IncrementRetry 递增重试计数
func (t *TransactionLogic) IncrementRetry(id int64) error {
	err := t.db.Model(&model.TransactionModel{}).
		Where("id = ?", id).
		Update("retry_count", gorm.Expr("retry_count + 1")).Error
	if err != nil {
		return fmt.Errorf("更新重试计数失败: %w", err)
	}
	return nil
}

// GetStuckWithdrawals 查询卡在中间状态、需要对账任务补偿的出金交易。
// 限定批量大小与重试上限，避免无界重试。链上已关闭的提现不再捞取。
func (t *TransactionLogic) GetStuckWithdrawals(batchSize, maxRetries int) ([]model.TransactionModel, error) {
	var txs []model.TransactionModel
	err := t.db.Where("flow = ?", model.TxFlowOfframp).
		Where("status IN ?", []model.TxStatus{
			model.TxStatusSubmittedOnchain,
			model.TxStatusPayoutPending,
			model.TxStatusPayoutFailed,
		}).
		Where("withdrawal_id <> ''").
		Where("onchain_closed = ?", false).
		Where("retry_count < ?", maxRetries).
		Order("updated_at ASC").
		Limit(batchSize).
		Find(&txs).Error
	if err != nil {
		return nil, fmt.Errorf("查询待补偿交易失败: %w", err)
	}
	return txs, nil
}

// GetTransactions 获取用户交易列表（分页）
func (t *TransactionLogic) GetTransactions(userAddress string, page, pageSize int) ([]model.TransactionModel, int64, error) {
	var txs []model.TransactionModel
	var total int64

	query := t.db.Model(&model.TransactionModel{}).Where("user_address = ?", starknet.NormalizeFelt(userAddress))
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("获取交易总数失败: %w", err)
	}

	offset := (page - 1) * pageSize
	if err := query.Offset(offset).Limit(pageSize).Order("created_at DESC").Find(&txs).Error; err != nil {
		return nil, 0, fmt.Errorf("获取交易列表失败: %w", err)
	}

	return txs, total, nil
}
