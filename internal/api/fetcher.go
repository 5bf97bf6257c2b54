package api

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"market-data-pipeline/internal/service"
)

// TickerFetcher 按需拉取单个交易对的行情快照 (刷新与预热使用)
type TickerFetcher interface {
	FetchTicker(ctx context.Context, symbol string) (RawPriceMap, error)
}

// RestFetcher 通过交易所 REST 接口拉取 ticker, 请求按令牌桶限速
type RestFetcher struct {
	client  *resty.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

func NewRestFetcher(baseURL string, timeout time.Duration, requestsPerSecond float64, logger *zap.Logger) *RestFetcher {
	limit := rate.Inf
	if requestsPerSecond > 0 {
		limit = rate.Limit(requestsPerSecond)
	}

	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json").
		SetRetryCount(2).
		SetRetryWaitTime(200 * time.Millisecond)

	return &RestFetcher{
		client:  client,
		limiter: rate.NewLimiter(limit, max(1, int(requestsPerSecond))),
		logger:  logger,
	}
}

func NewRestFetcherFromConfig(cfg service.ExchangeConfig, logger *zap.Logger) *RestFetcher {
	return NewRestFetcher(cfg.RESTURL, cfg.FetchTimeout, cfg.FetchRateLimit, logger)
}

func (f *RestFetcher) FetchTicker(ctx context.Context, symbol string) (RawPriceMap, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("fetch ticker %s: %w", symbol, err)
	}

	var out RawPriceMap
	resp, err := f.client.R().
		SetContext(ctx).
		SetQueryParam("symbol", symbol).
		SetResult(&out).
		Get("/ticker")
	if err != nil {
		return nil, fmt.Errorf("fetch ticker %s: %w", symbol, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("fetch ticker %s: unexpected status %d", symbol, resp.StatusCode())
	}
	if out == nil {
		return nil, fmt.Errorf("fetch ticker %s: empty response", symbol)
	}

	f.logger.Debug("Fetched ticker snapshot", zap.String("Symbol", symbol), zap.Duration("Latency", resp.Time()))
	return out, nil
}
