package handler

import (
	"time"

	"github.com/wheval/sendpay-sub000/internal/model"
)

// SignWithdrawalRequest 申请提现签名请求
type SignWithdrawalRequest struct {
	Amount        string `json:"amount" binding:"required"` // 链上金额（最小单位，十进制字符串）
	Token         string `json:"token" binding:"required"`  // 代币合约地址
	BankAccountId int64  `json:"bankAccountId"`
}

// SignWithdrawalResponse 提现签名响应
type SignWithdrawalResponse struct {
	Reference string `json:"reference"`
	Nonce     string `json:"nonce"`
	Timestamp uint64 `json:"timestamp"`
	R         string `json:"r"`
	S         string `json:"s"`
}

// InitiateOnrampRequest 发起入金请求
type InitiateOnrampRequest struct {
	Amount string `json:"amount" binding:"required"` // 链上入账金额（最小单位，十进制字符串）
	Token  string `json:"token" binding:"required"`  // 代币合约地址
}

// InitiateOnrampResponse 入金发起响应，reference用作通道侧收款引用
type InitiateOnrampResponse struct {
	Reference string `json:"reference"`
	Currency  string `json:"currency"`
	Status    string `json:"status"`
}

// SubmittedRequest 用户提交上链后的回执
type SubmittedRequest struct {
	TxHash string `json:"txHash" binding:"required"`
}

// CreateBankAccountRequest 创建银行账户请求
type CreateBankAccountRequest struct {
	BankCode      string `json:"bankCode" binding:"required"`
	BankName      string `json:"bankName"`
	AccountNumber string `json:"accountNumber" binding:"required"`
	AccountName   string `json:"accountName"`
	IsDefault     bool   `json:"isDefault"`
}

// TransactionResponse 交易响应模型
type TransactionResponse struct {
	Reference    string    `json:"reference"`
	Flow         string    `json:"flow"`
	Status       string    `json:"status"`
	AmountSource string    `json:"amountSource"`
	AmountTarget int64     `json:"amountTarget"`
	Currency     string    `json:"currency"`
	LedgerTxHash string    `json:"ledgerTxHash"`
	WithdrawalId string    `json:"withdrawalId"`
	ErrorDetail  string    `json:"errorDetail"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// ToTransactionResponse 转换交易响应
func ToTransactionResponse(tx *model.TransactionModel) TransactionResponse {
	return TransactionResponse{
		Reference:    tx.Reference,
		Flow:         string(tx.Flow),
		Status:       string(tx.Status),
		AmountSource: tx.AmountSource,
		AmountTarget: tx.AmountTarget,
		Currency:     tx.Currency,
		LedgerTxHash: tx.LedgerTxHash,
		WithdrawalId: tx.WithdrawalId,
		ErrorDetail:  tx.ErrorDetail,
		CreatedAt:    tx.CreatedAt,
		UpdatedAt:    tx.UpdatedAt,
	}
}

// ToTransactionResponseList 转换交易响应列表
func ToTransactionResponseList(txs []model.TransactionModel) []TransactionResponse {
	out := make([]TransactionResponse, 0, len(txs))
	for i := range txs {
		out = append(out, ToTransactionResponse(&txs[i]))
	}
	return out
}

// BankAccountResponse 银行账户响应模型
type BankAccountResponse struct {
	Id            int64  `json:"id"`
	BankCode      string `json:"bankCode"`
	BankName      string `json:"bankName"`
	AccountNumber string `json:"accountNumber"`
	AccountName   string `json:"accountName"`
	IsDefault     bool   `json:"isDefault"`
}

// ToBankAccountResponse 转换银行账户响应
func ToBankAccountResponse(a *model.BankAccountModel) BankAccountResponse {
	return BankAccountResponse{
		Id:            a.Id,
		BankCode:      a.BankCode,
		BankName:      a.BankName,
		AccountNumber: a.AccountNumber,
		AccountName:   a.AccountName,
		IsDefault:     a.IsDefault,
	}
}

// WebhookPayload 出金通道webhook载荷
type WebhookPayload struct {
	Event string      `json:"event"`
	Data  WebhookData `json:"data"`
}

// WebhookData webhook数据字段
type WebhookData struct {
	Id        string `json:"id"`
	Reference string `json:"reference"`
	Status    string `json:"status"`
	Amount    int64  `json:"amount"`
	Reason    string `json:"complete_message"`
}
