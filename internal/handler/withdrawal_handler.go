package handler

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/wheval/sendpay-sub000/internal/logger"
	"github.com/wheval/sendpay-sub000/internal/logic"
	"github.com/wheval/sendpay-sub000/internal/model"
	"github.com/wheval/sendpay-sub000/internal/signer"
)

// NonceReader 读取用户在结算合约中的提现nonce
type NonceReader interface {
	GetNonce(ctx context.Context, userAddress string) (*big.Int, error)
}

// WithdrawalHandler 提现处理器
type WithdrawalHandler struct {
	txLogic     *logic.TransactionLogic
	rateLogic   *logic.RateLogic
	signer      *signer.Signer
	nonceReader NonceReader
	currency    string
}

// NewWithdrawalHandler 创建提现处理器
func NewWithdrawalHandler(
	txLogic *logic.TransactionLogic,
	rateLogic *logic.RateLogic,
	s *signer.Signer,
	nonceReader NonceReader,
	currency string,
) *WithdrawalHandler {
	return &WithdrawalHandler{
		txLogic:     txLogic,
		rateLogic:   rateLogic,
		signer:      s,
		nonceReader: nonceReader,
		currency:    currency,
	}
}

// newReference 生成felt可携带的对外引用
func newReference() string {
	id := uuid.New()
	return "0x" + hex.EncodeToString(id[:])
}

// Sign 签发提现授权。
// nonce每次都从合约现读，汇率快照与nonce一并落在交易元数据上。
func (h *WithdrawalHandler) Sign(c *gin.Context) {
	var req SignWithdrawalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ErrorResponse(c, http.StatusBadRequest, "请求参数无效")
		return
	}

	amount, ok := new(big.Int).SetString(req.Amount, 10)
	if !ok || amount.Sign() <= 0 {
		ErrorResponse(c, http.StatusBadRequest, "金额无效")
		return
	}

	userAddress := UserAddress(c)

	// nonce现读，禁止缓存；合约负责拒绝重放
	nonce, err := h.nonceReader.GetNonce(c.Request.Context(), userAddress)
	if err != nil {
		logger.Error("Failed to read nonce for %s: %v", userAddress, err)
		ErrorResponse(c, http.StatusBadGateway, "读取nonce失败")
		return
	}

	// 签名时锁定汇率快照
	rate, err := h.rateLogic.GetRate(c.Request.Context(), req.Token)
	if err != nil {
		logger.Error("Failed to get rate: %v", err)
		ErrorResponse(c, http.StatusBadGateway, "获取汇率失败")
		return
	}

	reference := newReference()
	timestamp := uint64(time.Now().Unix())

	tx := &model.TransactionModel{
		Flow:          model.TxFlowOfframp,
		Status:        model.TxStatusCreated,
		UserAddress:   userAddress,
		Reference:     reference,
		AmountSource:  amount.String(),
		Currency:      h.currency,
		BankAccountId: req.BankAccountId,
		TokenAddress:  req.Token,
		RateSnapshot:  fmt.Sprintf("%f", rate),
		Nonce:         nonce.String(),
	}
	if err := h.txLogic.CreateTransaction(tx); err != nil {
		logger.Error("Failed to create withdrawal transaction: %v", err)
		ErrorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}

	sig, err := h.signer.SignWithdrawalRequest(signer.WithdrawalRequest{
		User:        userAddress,
		Amount:      amount,
		Token:       req.Token,
		ExternalRef: tx.Reference,
		Nonce:       nonce,
		Timestamp:   timestamp,
	})
	if err != nil {
		logger.Error("Failed to sign withdrawal request: %v", err)
		ErrorResponse(c, http.StatusInternalServerError, "签名失败")
		return
	}

	if err := h.txLogic.Transition(tx.Id, model.TxStatusCreated, model.TxStatusSigned, nil); err != nil {
		logger.Error("Failed to mark transaction signed: %v", err)
		ErrorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}

	SuccessResponse(c, http.StatusOK, "签名成功", SignWithdrawalResponse{
		Reference: tx.Reference,
		Nonce:     nonce.String(),
		Timestamp: timestamp,
		R:         sig.R,
		S:         sig.S,
	})
}

// Submitted 用户将签名提现提交上链后的回执，记录交易哈希
func (h *WithdrawalHandler) Submitted(c *gin.Context) {
	reference := c.Param("reference")

	var req SubmittedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ErrorResponse(c, http.StatusBadRequest, "请求参数无效")
		return
	}

	tx, err := h.txLogic.GetByReference(reference)
	if err != nil {
		ErrorResponse(c, http.StatusNotFound, err.Error())
		return
	}
	if tx.UserAddress != UserAddress(c) {
		ErrorResponse(c, http.StatusForbidden, "无权操作该交易")
		return
	}

	err = h.txLogic.Transition(tx.Id, model.TxStatusSigned, model.TxStatusSubmittedOnchain, map[string]interface{}{
		"ledger_tx_hash": req.TxHash,
	})
	if err != nil {
		ErrorResponse(c, http.StatusConflict, err.Error())
		return
	}

	SuccessResponse(c, http.StatusOK, "已记录上链交易", nil)
}

// GetTransaction 查询单笔交易
func (h *WithdrawalHandler) GetTransaction(c *gin.Context) {
	tx, err := h.txLogic.GetByReference(c.Param("reference"))
	if err != nil {
		ErrorResponse(c, http.StatusNotFound, err.Error())
		return
	}
	if tx.UserAddress != UserAddress(c) {
		ErrorResponse(c, http.StatusForbidden, "无权查看该交易")
		return
	}

	SuccessResponse(c, http.StatusOK, "获取交易成功", ToTransactionResponse(tx))
}

// GetTransactions 查询交易列表（分页）
func (h *WithdrawalHandler) GetTransactions(c *gin.Context) {
	page, pageSize := parsePagination(c)

	txs, total, err := h.txLogic.GetTransactions(UserAddress(c), page, pageSize)
	if err != nil {
		ErrorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}

	pagination := Pagination{
		Page:      page,
		PageSize:  pageSize,
		Total:     total,
		TotalPage: (total + int64(pageSize) - 1) / int64(pageSize),
	}

	SuccessResponse(c, http.StatusOK, "获取交易列表成功", gin.H{
		"transactions": ToTransactionResponseList(txs),
		"pagination":   pagination,
	})
}

// parsePagination 解析分页参数
func parsePagination(c *gin.Context) (int, int) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "10"))
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 10
	}
	return page, pageSize
}
