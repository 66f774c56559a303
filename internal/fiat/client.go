package fiat

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/wheval/sendpay-sub000/internal/config"
	"github.com/wheval/sendpay-sub000/internal/logger"
)

// ErrPayoutRejected 通道明确拒绝（4xx），属于校验类错误，不重试
var ErrPayoutRejected = errors.New("payout rejected by provider")

// PayoutRequest 出金请求
type PayoutRequest struct {
	BankCode      string `json:"account_bank"`
	AccountNumber string `json:"account_number"`
	Amount        int64  `json:"amount"` // 最小货币单位
	Currency      string `json:"currency"`
	Reference     string `json:"reference"` // 幂等引用，通道按此去重
	Narration     string `json:"narration"`
}

// PayoutResult 出金受理结果
type PayoutResult struct {
	ProviderId string `json:"id"`
	Status     string `json:"status"`
}

// Client 法币出金通道客户端
type Client struct {
	baseUrl       string
	secretKey     string
	webhookSecret string
	httpClient    *http.Client
}

func Init(cfg config.FiatConfig) (*Client, error) {
	if cfg.BaseUrl == "" {
		return nil, fmt.Errorf("fiat base url is empty")
	}

	return &Client{
		baseUrl:       cfg.BaseUrl,
		secretKey:     cfg.SecretKey,
		webhookSecret: cfg.WebhookSecret,
		httpClient:    &http.Client{Timeout: 20 * time.Second},
	}, nil
}

type apiEnvelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// doRequest 执行一次API调用，网络/5xx错误重试一次，4xx不重试
func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, result interface{}) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
	}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(2 * time.Second):
			}
			logger.Warn("Retrying fiat api call %s %s after error: %v", method, path, lastErr)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseUrl+path, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("failed to build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+c.secretKey)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("fiat api call failed: %w", err)
			continue
		}

		var envelope apiEnvelope
		decodeErr := json.NewDecoder(resp.Body).Decode(&envelope)
		resp.Body.Close()

		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			lastErr = fmt.Errorf("fiat api returned status %d", resp.StatusCode)
			continue
		}
		if resp.StatusCode >= 400 {
			// 校验类失败由调用方标记交易失败，不做盲目重试
			return fmt.Errorf("%w: status %d message %s", ErrPayoutRejected, resp.StatusCode, envelope.Message)
		}
		if decodeErr != nil {
			lastErr = fmt.Errorf("failed to decode fiat api response: %w", decodeErr)
			continue
		}

		if result != nil && envelope.Data != nil {
			if err := json.Unmarshal(envelope.Data, result); err != nil {
				return fmt.Errorf("failed to unmarshal fiat api data: %w", err)
			}
		}
		return nil
	}

	return lastErr
}

// InitiatePayout 发起出金。reference作为幂等键，重复提交同一reference不会产生第二笔转账。
func (c *Client) InitiatePayout(ctx context.Context, req PayoutRequest) (*PayoutResult, error) {
	var result PayoutResult
	if err := c.doRequest(ctx, http.MethodPost, "/transfers", req, &result); err != nil {
		return nil, err
	}

	logger.Info("Initiated payout reference=%s provider_id=%s status=%s", req.Reference, result.ProviderId, result.Status)
	return &result, nil
}

// GetPayoutStatus 查询出金单状态，webhook到达后用于独立复核
func (c *Client) GetPayoutStatus(ctx context.Context, providerId string) (string, error) {
	var result PayoutResult
	if err := c.doRequest(ctx, http.MethodGet, "/transfers/"+providerId, nil, &result); err != nil {
		return "", err
	}
	return result.Status, nil
}

// GetExchangeRate 查询1单位代币对应的法币汇率
func (c *Client) GetExchangeRate(ctx context.Context, from, to string) (float64, error) {
	var result struct {
		Rate float64 `json:"rate"`
	}
	path := fmt.Sprintf("/rates?from=%s&to=%s", from, to)
	if err := c.doRequest(ctx, http.MethodGet, path, nil, &result); err != nil {
		return 0, err
	}
	if result.Rate <= 0 {
		return 0, fmt.Errorf("provider returned invalid rate %f", result.Rate)
	}
	return result.Rate, nil
}

// VerifyWebhookSignature 校验webhook签名：对原始body做HMAC-SHA256，
// 与请求头携带的签名常量时间比较。校验通过前不得信任body中的任何字段。
func (c *Client) VerifyWebhookSignature(rawBody []byte, signature string) bool {
	if signature == "" || c.webhookSecret == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(c.webhookSecret))
	mac.Write(rawBody)
	expected := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(expected), []byte(signature))
}
