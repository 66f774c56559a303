package model

import (
	"time"
)

// UserModel 用户记录
type UserModel struct {
	Id        int64     `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Address string `json:"address" gorm:"uniqueIndex;not null"` // 链上地址
	Email   string `json:"email" gorm:"uniqueIndex"`
	Name    string `json:"name"`
}

// TableName 自定义表名
func (UserModel) TableName() string {
	return "user"
}

// BankAccountModel 收款银行账户
type BankAccountModel struct {
	Id        int64     `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	UserAddress   string `json:"user_address" gorm:"not null;index"`
	BankCode      string `json:"bank_code" gorm:"not null"`
	BankName      string `json:"bank_name"`
	AccountNumber string `json:"account_number" gorm:"not null"`
	AccountName   string `json:"account_name"`
	IsDefault     bool   `json:"is_default" gorm:"default:false"`
}

// TableName 自定义表名
func (BankAccountModel) TableName() string {
	return "bank_account"
}
