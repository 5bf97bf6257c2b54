package app

import (
	"context"
	"fmt"

	"github.com/google/wire"
	"go.uber.org/zap"

	"market-data-pipeline/internal/api"
	"market-data-pipeline/internal/cache"
	"market-data-pipeline/internal/engine"
	"market-data-pipeline/internal/service"
)

// ProviderSet 构建完整管道所需的全部 provider
var ProviderSet = wire.NewSet(
	ProvideScheduler,
	ProvideStore,
	ProvideCache,
	ProvideFetcher,
	ProvideConnector,
	ProvideEngine,
	NewPipeline,
	wire.Bind(new(engine.PriceCache), new(*cache.Tiered)),
	wire.Bind(new(engine.HealthReporter), new(*api.Connector)),
)

// ProvideScheduler 生产环境使用真实时钟
func ProvideScheduler() service.Scheduler {
	return service.NewRealScheduler()
}

// ProvideStore 按 Cache.Backend 创建持久层 (for Wire)
func ProvideStore(ctx context.Context, cfg *service.Config, logger *zap.Logger) (cache.Store, error) {
	c := cfg.Cache
	switch c.Backend {
	case "", "memory":
		return cache.NewMemoryStore(), nil
	case "redis":
		store, err := cache.NewRedisStore(ctx, c.Redis.Addr, c.Redis.Password, c.Redis.DB, c.Redis.KeyPrefix)
		if err != nil {
			return nil, err
		}
		logger.Info("Using redis cache backend", zap.String("Addr", c.Redis.Addr))
		return store, nil
	case "postgres":
		store, err := cache.NewPostgresStore(ctx, c.Postgres.DSN, c.Postgres.Table)
		if err != nil {
			return nil, err
		}
		logger.Info("Using postgres cache backend", zap.String("Table", c.Postgres.Table))
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported cache backend %q (use: memory, redis, postgres)", c.Backend)
	}
}

func ProvideCache(store cache.Store, sched service.Scheduler, cfg *service.Config, logger *zap.Logger) *cache.Tiered {
	return cache.NewTiered(store, sched, cache.OptionsFromConfig(cfg.Cache), logger)
}

// ProvideFetcher 未配置 RESTURL 时返回 nil, 刷新操作将返回 engine.ErrNoFetcher
func ProvideFetcher(cfg *service.Config, logger *zap.Logger) api.TickerFetcher {
	if cfg.Exchange.RESTURL == "" {
		return nil
	}
	return api.NewRestFetcherFromConfig(cfg.Exchange, logger.With(zap.String("Component", "fetcher")))
}

func ProvideConnector(cfg *service.Config, sched service.Scheduler, logger *zap.Logger) *api.Connector {
	opts := api.ConnectorOptionsFromConfig(cfg.Exchange, cfg.Symbols, cfg.Aggregation.UpdateBuffer)
	return api.NewConnector(opts, api.NewWSDialer(cfg.Exchange.ConnectTimeout), sched, logger.With(zap.String("Component", "connector")))
}

func ProvideEngine(cfg *service.Config, c engine.PriceCache, fetcher api.TickerFetcher, health engine.HealthReporter, sched service.Scheduler, logger *zap.Logger) *engine.Engine {
	return engine.NewEngine(engine.OptionsFromConfig(cfg.Aggregation), c, fetcher, health, sched, logger.With(zap.String("Component", "engine")))
}
