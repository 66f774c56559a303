package logic

import (
	"errors"
	"fmt"

	"github.com/wheval/sendpay-sub000/internal/model"
	"github.com/wheval/sendpay-sub000/internal/starknet"
	"gorm.io/gorm"
)

// ErrBankAccountNotFound 银行账户不存在
var ErrBankAccountNotFound = errors.New("银行账户不存在")

// BankAccountLogic 银行账户业务逻辑
type BankAccountLogic struct {
	db *gorm.DB
}

// NewBankAccountLogic 创建银行账户业务逻辑
func NewBankAccountLogic(db *gorm.DB) *BankAccountLogic {
	return &BankAccountLogic{db: db}
}

// CreateBankAccount 创建银行账户
func (b *BankAccountLogic) CreateBankAccount(account *model.BankAccountModel) error {
	if account.BankCode == "" {
		return errors.New("银行代码不能为空")
	}
	if account.AccountNumber == "" {
		return errors.New("账号不能为空")
	}
	if account.UserAddress == "" {
		return errors.New("用户地址不能为空")
	}

	account.UserAddress = starknet.NormalizeFelt(account.UserAddress)
	if err := b.db.Create(account).Error; err != nil {
		return fmt.Errorf("创建银行账户失败: %w", err)
	}
	return nil
}

// GetBankAccount 根据ID获取银行账户
func (b *BankAccountLogic) GetBankAccount(id int64) (*model.BankAccountModel, error) {
	var account model.BankAccountModel
	if err := b.db.First(&account, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrBankAccountNotFound
		}
		return nil, fmt.Errorf("获取银行账户失败: %w", err)
	}
	return &account, nil
}

// GetUserBankAccounts 获取用户的所有银行账户
func (b *BankAccountLogic) GetUserBankAccounts(userAddress string) ([]model.BankAccountModel, error) {
	var accounts []model.BankAccountModel
	err := b.db.Where("user_address = ?", starknet.NormalizeFelt(userAddress)).
		Order("created_at DESC").
		Find(&accounts).Error
	if err != nil {
		return nil, fmt.Errorf("获取银行账户列表失败: %w", err)
	}
	return accounts, nil
}

// GetDefaultBankAccount 获取用户默认银行账户，没有默认账户时返回最早创建的一个
func (b *BankAccountLogic) GetDefaultBankAccount(userAddress string) (*model.BankAccountModel, error) {
	var account model.BankAccountModel
	err := b.db.Where("user_address = ?", starknet.NormalizeFelt(userAddress)).
		Order("is_default DESC, created_at ASC").
		First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrBankAccountNotFound
		}
		return nil, fmt.Errorf("获取默认银行账户失败: %w", err)
	}
	return &account, nil
}

// DeleteBankAccount 删除银行账户（仅限本人）
func (b *BankAccountLogic) DeleteBankAccount(id int64, userAddress string) error {
	result := b.db.Where("id = ? AND user_address = ?", id, starknet.NormalizeFelt(userAddress)).
		Delete(&model.BankAccountModel{})
	if result.Error != nil {
		return fmt.Errorf("删除银行账户失败: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrBankAccountNotFound
	}
	return nil
}
