package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/wheval/sendpay-sub000/internal/logic"
	"github.com/wheval/sendpay-sub000/internal/model"
)

// BankAccountHandler 银行账户处理器
type BankAccountHandler struct {
	bankLogic *logic.BankAccountLogic
}

// NewBankAccountHandler 创建银行账户处理器
func NewBankAccountHandler(bankLogic *logic.BankAccountLogic) *BankAccountHandler {
	return &BankAccountHandler{bankLogic: bankLogic}
}

// Create 创建银行账户
func (h *BankAccountHandler) Create(c *gin.Context) {
	var req CreateBankAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ErrorResponse(c, http.StatusBadRequest, "请求参数无效")
		return
	}

	account := &model.BankAccountModel{
		UserAddress:   UserAddress(c),
		BankCode:      req.BankCode,
		BankName:      req.BankName,
		AccountNumber: req.AccountNumber,
		AccountName:   req.AccountName,
		IsDefault:     req.IsDefault,
	}
	if err := h.bankLogic.CreateBankAccount(account); err != nil {
		ErrorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}

	SuccessResponse(c, http.StatusCreated, "创建银行账户成功", ToBankAccountResponse(account))
}

// List 获取当前用户的银行账户列表
func (h *BankAccountHandler) List(c *gin.Context) {
	accounts, err := h.bankLogic.GetUserBankAccounts(UserAddress(c))
	if err != nil {
		ErrorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}

	out := make([]BankAccountResponse, 0, len(accounts))
	for i := range accounts {
		out = append(out, ToBankAccountResponse(&accounts[i]))
	}

	SuccessResponse(c, http.StatusOK, "获取银行账户列表成功", out)
}

// Delete 删除银行账户
func (h *BankAccountHandler) Delete(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		ErrorResponse(c, http.StatusBadRequest, "无效的账户ID")
		return
	}

	if err := h.bankLogic.DeleteBankAccount(id, UserAddress(c)); err != nil {
		ErrorResponse(c, http.StatusNotFound, err.Error())
		return
	}

	SuccessResponse(c, http.StatusOK, "删除银行账户成功", nil)
}
