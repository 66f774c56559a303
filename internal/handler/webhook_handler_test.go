package handler

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wheval/sendpay-sub000/internal/config"
	"github.com/wheval/sendpay-sub000/internal/database"
	"github.com/wheval/sendpay-sub000/internal/fiat"
	"github.com/wheval/sendpay-sub000/internal/logic"
	"github.com/wheval/sendpay-sub000/internal/model"
	"github.com/wheval/sendpay-sub000/internal/signer"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

const testWebhookSecret = "test-webhook-secret"

// stubRail 通道伪实现，固定返回成功
type stubRail struct {
	statusCalls int
}

func (s *stubRail) InitiatePayout(ctx context.Context, req fiat.PayoutRequest) (*fiat.PayoutResult, error) {
	return &fiat.PayoutResult{ProviderId: "FLW-1", Status: "NEW"}, nil
}

func (s *stubRail) GetPayoutStatus(ctx context.Context, providerId string) (string, error) {
	s.statusCalls++
	return "SUCCESSFUL", nil
}

type stubLedger struct {
	submitCalls int
}

func (s *stubLedger) SubmitTransaction(ctx context.Context, entrypoint string, calldata []string) (string, error) {
	s.submitCalls++
	return "0xsettlehash", nil
}

type stubProofSigner struct{}

func (stubProofSigner) SignSettlementProof(proof signer.SettlementProof) (string, error) {
	return "0x" + strings.Repeat("12", 32) + strings.Repeat("34", 32), nil
}

type webhookFixture struct {
	router  *gin.Engine
	txLogic *logic.TransactionLogic
	ledger  *stubLedger
	db      *gorm.DB
}

func newWebhookFixture(t *testing.T) *webhookFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{
		Logger:         gormLogger.Default.LogMode(gormLogger.Silent),
		NamingStrategy: &schema.NamingStrategy{SingularTable: true},
		TranslateError: true,
	})
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))

	fiatCfg := config.FiatConfig{
		BaseUrl:       "http://localhost:1",
		WebhookSecret: testWebhookSecret,
		Currency:      "NGN",
		MinPayout:     10000,
		RateTTL:       60,
	}
	fiatClient, err := fiat.Init(fiatCfg)
	require.NoError(t, err)

	txLogic := logic.NewTransactionLogic(db)
	bankLogic := logic.NewBankAccountLogic(db)
	rateLogic := logic.NewRateLogic(fiatClient, fiatCfg)
	ledger := &stubLedger{}
	payoutLogic := logic.NewPayoutLogic(
		txLogic, bankLogic, rateLogic,
		&stubRail{}, ledger, stubProofSigner{},
		fiatCfg, 6,
	)

	r := gin.New()
	r.POST("/webhook", NewWebhookHandler(fiatClient, payoutLogic).Handle)

	return &webhookFixture{router: r, txLogic: txLogic, ledger: ledger, db: db}
}

func (f *webhookFixture) seedPendingPayout(t *testing.T) {
	t.Helper()
	tx := &model.TransactionModel{
		Flow:             model.TxFlowOfframp,
		Status:           model.TxStatusPayoutPending,
		UserAddress:      "0x1234",
		Reference:        "0xabc",
		AmountSource:     "100000000",
		AmountTarget:     15000000,
		Currency:         "NGN",
		WithdrawalId:     "42",
		PayoutReference:  "sendpay-wd-42",
		ProviderPayoutId: "FLW-1",
	}
	require.NoError(t, f.txLogic.CreateTransaction(tx))
}

func signBody(body []byte) string {
	mac := hmac.New(sha256.New, []byte(testWebhookSecret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (f *webhookFixture) post(body []byte, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	if signature != "" {
		req.Header.Set("X-Webhook-Signature", signature)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	f := newWebhookFixture(t)
	f.seedPendingPayout(t)

	body := []byte(`{"event":"transfer.disburse","data":{"id":"FLW-1","reference":"sendpay-wd-42","status":"SUCCESSFUL"}}`)

	w := f.post(body, "deadbeef")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.post(body, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// 状态未被改动
	tx, err := f.txLogic.GetByReference("0xabc")
	require.NoError(t, err)
	assert.Equal(t, model.TxStatusPayoutPending, tx.Status)
	assert.Equal(t, 0, f.ledger.submitCalls)
}

func TestWebhookTransferDisburse(t *testing.T) {
	f := newWebhookFixture(t)
	f.seedPendingPayout(t)

	body := []byte(`{"event":"transfer.disburse","data":{"id":"FLW-1","reference":"sendpay-wd-42","status":"SUCCESSFUL"}}`)
	w := f.post(body, signBody(body))
	assert.Equal(t, http.StatusOK, w.Code)

	tx, err := f.txLogic.GetByReference("0xabc")
	require.NoError(t, err)
	assert.Equal(t, model.TxStatusPayoutCompleted, tx.Status)
	assert.Equal(t, "0xsettlehash", tx.SettlementTxHash)
	assert.Equal(t, 1, f.ledger.submitCalls)

	// webhook重放：200但不再上链第二次
	w = f.post(body, signBody(body))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, f.ledger.submitCalls)
}

func TestWebhookTransferFailed(t *testing.T) {
	f := newWebhookFixture(t)
	f.seedPendingPayout(t)

	body := []byte(`{"event":"transfer.failed","data":{"id":"FLW-1","reference":"sendpay-wd-42","status":"FAILED","complete_message":"insufficient funds"}}`)
	w := f.post(body, signBody(body))
	assert.Equal(t, http.StatusOK, w.Code)

	tx, err := f.txLogic.GetByReference("0xabc")
	require.NoError(t, err)
	assert.Equal(t, model.TxStatusPayoutFailed, tx.Status)
	assert.Contains(t, tx.ErrorDetail, "insufficient funds")
}

func TestWebhookChargeCompleted(t *testing.T) {
	f := newWebhookFixture(t)
	tx := &model.TransactionModel{
		Flow:         model.TxFlowOnramp,
		Status:       model.TxStatusCreditPending,
		UserAddress:  "0x1234",
		Reference:    "0xcharge",
		AmountSource: "50000000",
		Currency:     "NGN",
	}
	require.NoError(t, f.txLogic.CreateTransaction(tx))

	body := []byte(`{"event":"charge.completed","data":{"id":"CHG-1","reference":"0xcharge","status":"successful"}}`)
	w := f.post(body, signBody(body))
	assert.Equal(t, http.StatusOK, w.Code)

	got, err := f.txLogic.GetByReference("0xcharge")
	require.NoError(t, err)
	assert.Equal(t, model.TxStatusCredited, got.Status)
	assert.Equal(t, "CHG-1", got.ProviderChargeId)
	assert.Equal(t, 1, f.ledger.submitCalls)
}

func TestWebhookMalformedPayloadAfterValidSignature(t *testing.T) {
	f := newWebhookFixture(t)

	body := []byte(`{not json`)
	w := f.post(body, signBody(body))
	// 签名合法但载荷异常也确认收到，避免通道重试风暴
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestWebhookUnknownEventAcked(t *testing.T) {
	f := newWebhookFixture(t)

	body := []byte(`{"event":"transfer.something_new","data":{"reference":"sendpay-wd-42"}}`)
	w := f.post(body, signBody(body))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestWebhookInternalErrorStillAcked(t *testing.T) {
	f := newWebhookFixture(t)

	// 引用不存在，内部处理失败但依然200
	body := []byte(`{"event":"transfer.disburse","data":{"id":"FLW-9","reference":"sendpay-wd-999","status":"SUCCESSFUL"}}`)
	w := f.post(body, signBody(body))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 0, f.ledger.submitCalls)
}
