package model

import (
	"time"
)

// TxFlow 交易方向
type TxFlow string

const (
	TxFlowOnramp  TxFlow = "onramp"  // 法币入金
	TxFlowOfframp TxFlow = "offramp" // 链上出金
)

// TxStatus 交易状态
type TxStatus string

const (
	// 出金流程
	TxStatusCreated          TxStatus = "created"           // 待签名
	TxStatusSigned           TxStatus = "signed"            // 已签发授权
	TxStatusSubmittedOnchain TxStatus = "submitted_onchain" // 用户已上链
	TxStatusPayoutPending    TxStatus = "payout_pending"    // 出金请求已发出
	TxStatusPayoutCompleted  TxStatus = "payout_completed"  // 通道确认到账
	TxStatusOnchainCompleted TxStatus = "onchain_completed" // 链上已关闭（终态）
	TxStatusPayoutFailed     TxStatus = "payout_failed"     // 出金失败

	// 入金流程
	TxStatusCreditPending TxStatus = "credit_pending" // 等待法币到账
	TxStatusCredited      TxStatus = "credited"       // 已上链记账（终态）
	TxStatusCreditFailed  TxStatus = "credit_failed"  // 入金失败（终态）
)

// TransactionModel 结算交易主记录
type TransactionModel struct {
	Id        int64     `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Flow         TxFlow   `json:"flow" gorm:"not null;index"`
	Status       TxStatus `json:"status" gorm:"not null;index"`
	UserAddress  string   `json:"user_address" gorm:"not null;index"`
	Reference    string   `json:"reference" gorm:"uniqueIndex;not null"` // 对外引用，全局唯一
	AmountSource string   `json:"amount_source" gorm:"not null"`         // 链上金额（最小单位，十进制字符串）
	AmountTarget int64    `json:"amount_target"`                         // 法币金额（最小货币单位）
	Currency     string   `json:"currency"`
	LedgerTxHash string   `json:"ledger_tx_hash"`

	// 出金流程元数据
	WithdrawalId     string `json:"withdrawal_id" gorm:"index"` // 合约侧提现ID（十进制字符串）
	BankAccountId    int64  `json:"bank_account_id"`
	PayoutReference  string `json:"payout_reference" gorm:"index"` // 幂等出金引用，由提现ID推导
	ProviderPayoutId string `json:"provider_payout_id"`            // 通道返回的出金单号
	SettlementTxHash string `json:"settlement_tx_hash"`            // 结算凭证上链交易哈希
	ProofTimestamp   int64  `json:"proof_timestamp"`               // 结算凭证时间戳，确认出金时写死，重签不变
	RateSnapshot     string `json:"rate_snapshot"`                 // 签名时锁定的汇率
	Nonce            string `json:"nonce"`                         // 签名时使用的合约nonce
	TokenAddress     string `json:"token_address"`

	// 入金流程元数据
	ProviderChargeId string `json:"provider_charge_id"`

	// 链上已关闭该提现（WithdrawalFailed），出金不可再重试
	OnchainClosed bool `json:"onchain_closed" gorm:"default:false"`

	RetryCount  int    `json:"retry_count" gorm:"default:0"`
	ErrorDetail string `json:"error_detail" gorm:"type:text"`
}

// TableName 自定义表名
func (TransactionModel) TableName() string {
	return "transaction"
}

// IsTerminal 是否处于终态，终态交易禁止任何状态回退
func (s TxStatus) IsTerminal() bool {
	switch s {
	case TxStatusOnchainCompleted, TxStatusCredited, TxStatusCreditFailed:
		return true
	}
	return false
}

// legalTransitions 合法状态迁移表
var legalTransitions = map[TxStatus][]TxStatus{
	TxStatusCreated:          {TxStatusSigned},
	TxStatusSigned:           {TxStatusSubmittedOnchain},
	TxStatusSubmittedOnchain: {TxStatusPayoutPending, TxStatusPayoutFailed},
	TxStatusPayoutPending:    {TxStatusPayoutCompleted, TxStatusPayoutFailed},
	TxStatusPayoutFailed:     {TxStatusPayoutPending}, // 对账任务重试
	TxStatusPayoutCompleted:  {TxStatusOnchainCompleted},
	TxStatusCreditPending:    {TxStatusCredited, TxStatusCreditFailed},
}

// CanTransition 校验状态迁移是否合法
func CanTransition(from, to TxStatus) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
