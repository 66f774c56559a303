package handler

import (
	"math/big"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/wheval/sendpay-sub000/internal/logger"
	"github.com/wheval/sendpay-sub000/internal/logic"
	"github.com/wheval/sendpay-sub000/internal/model"
	"github.com/wheval/sendpay-sub000/internal/starknet"
)

// OnrampHandler 入金处理器
type OnrampHandler struct {
	txLogic  *logic.TransactionLogic
	currency string
}

// NewOnrampHandler 创建入金处理器
func NewOnrampHandler(txLogic *logic.TransactionLogic, currency string) *OnrampHandler {
	return &OnrampHandler{
		txLogic:  txLogic,
		currency: currency,
	}
}

// Initiate 发起入金：创建credit_pending交易，返回通道收款引用。
// 用户按该引用在通道侧付款，charge.completed webhook按引用找回交易并上链记账。
func (h *OnrampHandler) Initiate(c *gin.Context) {
	var req InitiateOnrampRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ErrorResponse(c, http.StatusBadRequest, "请求参数无效")
		return
	}

	amount, ok := new(big.Int).SetString(req.Amount, 10)
	if !ok || amount.Sign() <= 0 {
		ErrorResponse(c, http.StatusBadRequest, "金额无效")
		return
	}
	if _, err := starknet.ParseFelt(req.Token); err != nil {
		ErrorResponse(c, http.StatusBadRequest, "代币地址无效")
		return
	}

	userAddress := UserAddress(c)
	if _, err := starknet.ParseFelt(userAddress); err != nil {
		ErrorResponse(c, http.StatusBadRequest, "用户地址无效")
		return
	}

	tx := &model.TransactionModel{
		Flow:         model.TxFlowOnramp,
		Status:       model.TxStatusCreditPending,
		UserAddress:  userAddress,
		Reference:    newReference(),
		AmountSource: amount.String(),
		Currency:     h.currency,
		TokenAddress: req.Token,
	}
	if err := h.txLogic.CreateTransaction(tx); err != nil {
		logger.Error("Failed to create onramp transaction: %v", err)
		ErrorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}

	SuccessResponse(c, http.StatusOK, "入金已发起", InitiateOnrampResponse{
		Reference: tx.Reference,
		Currency:  tx.Currency,
		Status:    string(tx.Status),
	})
}
