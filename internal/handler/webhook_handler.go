package handler

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/wheval/sendpay-sub000/internal/fiat"
	"github.com/wheval/sendpay-sub000/internal/logger"
	"github.com/wheval/sendpay-sub000/internal/logic"
)

// WebhookHandler 出金通道webhook处理器
type WebhookHandler struct {
	fiatClient  *fiat.Client
	payoutLogic *logic.PayoutLogic
}

// NewWebhookHandler 创建webhook处理器
func NewWebhookHandler(fiatClient *fiat.Client, payoutLogic *logic.PayoutLogic) *WebhookHandler {
	return &WebhookHandler{
		fiatClient:  fiatClient,
		payoutLogic: payoutLogic,
	}
}

// Handle 处理通道回调。
// 签名校验失败直接拒绝；签名通过后无论内部处理结果如何都返回200，
// 防止通道无限重试。内部失败不改库，留给对账任务修复。
func (h *WebhookHandler) Handle(c *gin.Context) {
	rawBody, err := c.GetRawData()
	if err != nil {
		ErrorResponse(c, http.StatusBadRequest, "无法读取请求体")
		return
	}

	signature := c.GetHeader("X-Webhook-Signature")
	if !h.fiatClient.VerifyWebhookSignature(rawBody, signature) {
		logger.Warn("Rejected webhook with bad signature from %s", c.ClientIP())
		ErrorResponse(c, http.StatusUnauthorized, "签名校验失败")
		return
	}

	var payload WebhookPayload
	if err := json.Unmarshal(rawBody, &payload); err != nil {
		// 签名合法但载荷异常，确认收到避免重试风暴
		logger.Error("Failed to parse webhook payload: %v", err)
		SuccessResponse(c, http.StatusOK, "received", nil)
		return
	}

	switch payload.Event {
	case "transfer.disburse":
		err = h.payoutLogic.ConfirmPayout(c.Request.Context(), payload.Data.Reference)
	case "transfer.failed":
		err = h.payoutLogic.FailPayout(payload.Data.Reference, "provider failure: "+payload.Data.Reason)
	case "transfer.reversed":
		err = h.payoutLogic.FailPayout(payload.Data.Reference, "provider reversal: "+payload.Data.Reason)
	case "charge.completed":
		err = h.payoutLogic.ProcessChargeCompleted(c.Request.Context(), payload.Data.Reference, payload.Data.Id)
	default:
		logger.Warn("Unknown webhook event: %s", payload.Event)
	}

	if err != nil {
		// 内部错误也确认收到，状态没有改动，对账任务会补偿
		logger.Error("Failed to process webhook %s ref=%s: %v", payload.Event, payload.Data.Reference, err)
	}

	SuccessResponse(c, http.StatusOK, "received", nil)
}
