package logic

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/wheval/sendpay-sub000/internal/config"
	"github.com/wheval/sendpay-sub000/internal/logger"
)

// RateProvider 汇率报价来源
type RateProvider interface {
	GetExchangeRate(ctx context.Context, from, to string) (float64, error)
}

// RateLogic 汇率查询，带显式TTL缓存。
// 缓存实例随逻辑对象注入，不使用进程级全局状态，测试可替换Provider。
type RateLogic struct {
	provider   RateProvider
	currency   string
	ttl        time.Duration
	staticRate float64 // 报价源不可用时的兜底汇率，0表示不兜底

	mu        sync.Mutex
	cached    float64
	fetchedAt time.Time
}

// NewRateLogic 创建汇率逻辑
func NewRateLogic(provider RateProvider, cfg config.FiatConfig) *RateLogic {
	staticRate := 0.0
	if cfg.StaticRate != "" {
		if v, err := strconv.ParseFloat(cfg.StaticRate, 64); err == nil && v > 0 {
			staticRate = v
		} else {
			logger.Warn("Ignoring invalid static rate %q", cfg.StaticRate)
		}
	}

	return &RateLogic{
		provider:   provider,
		currency:   cfg.Currency,
		ttl:        time.Duration(cfg.RateTTL) * time.Second,
		staticRate: staticRate,
	}
}

// GetRate 获取1单位代币对应的法币汇率，TTL内走缓存
func (r *RateLogic) GetRate(ctx context.Context, token string) (float64, error) {
	r.mu.Lock()
	if r.cached > 0 && time.Since(r.fetchedAt) < r.ttl {
		rate := r.cached
		r.mu.Unlock()
		return rate, nil
	}
	r.mu.Unlock()

	rate, err := r.provider.GetExchangeRate(ctx, token, r.currency)
	if err != nil {
		if r.staticRate > 0 {
			logger.Warn("Rate provider unavailable, using static rate %f: %v", r.staticRate, err)
			return r.staticRate, nil
		}
		return 0, fmt.Errorf("获取汇率失败: %w", err)
	}

	r.mu.Lock()
	r.cached = rate
	r.fetchedAt = time.Now()
	r.mu.Unlock()

	return rate, nil
}
