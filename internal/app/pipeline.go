package app

import (
	"context"
	"sync"

	"github.com/sourcegraph/conc"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"market-data-pipeline/internal/api"
	"market-data-pipeline/internal/cache"
	"market-data-pipeline/internal/engine"
	"market-data-pipeline/internal/model"
	"market-data-pipeline/internal/service"
)

// Pipeline 组装连接管理器、聚合引擎和缓存, 负责启动顺序与关闭
type Pipeline struct {
	cfg       *service.Config
	connector *api.Connector
	engine    *engine.Engine
	cache     *cache.Tiered
	sched     service.Scheduler
	logger    *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	sweep  service.Timer
	wg     conc.WaitGroup
}

func NewPipeline(cfg *service.Config, connector *api.Connector, eng *engine.Engine, c *cache.Tiered, sched service.Scheduler, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		cfg:       cfg,
		connector: connector,
		engine:    eng,
		cache:     c,
		sched:     sched,
		logger:    logger,
	}
}

func (p *Pipeline) Engine() *engine.Engine { return p.engine }

func (p *Pipeline) Connector() *api.Connector { return p.connector }

func (p *Pipeline) Cache() *cache.Tiered { return p.cache }

// Start 预热 -> 启动引擎消费 -> 建立行情连接
func (p *Pipeline) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)

	p.mu.Lock()
	p.cancel = cancel
	p.sweep = p.sched.Every(p.cfg.Cache.SweepInterval, func() {
		if removed := p.cache.ClearExpiredEntries(runCtx); removed > 0 {
			p.logger.Debug("Swept expired cache entries", zap.Int("Removed", removed))
		}
	})
	p.mu.Unlock()

	// 冷启动先清理一次过期条目, 同时得到持久层条目数
	p.cache.ClearExpiredEntries(runCtx)
	p.engine.Warm(runCtx)
	p.engine.PreloadPopularPairs(runCtx, p.cfg.Popular)

	p.connector.OnStateChange(func(state model.ConnectionState) {
		p.onConnectionState(runCtx, state)
	})

	p.wg.Go(func() {
		if err := p.engine.Run(runCtx, p.connector.Updates()); err != nil {
			p.logger.Error("Engine stopped with error", zap.Error(err))
		}
	})

	p.connector.Connect()
	p.logger.Info("Pipeline started", zap.Int("Symbols", len(p.cfg.Symbols)))
}

// onConnectionState 每次连上后通过 REST 补齐断线期间的行情
func (p *Pipeline) onConnectionState(ctx context.Context, state model.ConnectionState) {
	switch state {
	case model.StateConnected:
		if ctx.Err() != nil || !p.engine.CanRefresh() {
			return
		}
		p.wg.Go(func() {
			failed := p.engine.BulkRefreshSymbols(ctx, p.cfg.Symbols)
			for symbol, err := range failed {
				p.logger.Debug("Refresh failed", zap.String("Symbol", symbol), zap.Error(err))
			}
		})
	case model.StateFailed:
		p.logger.Error("Connection failed permanently, waiting for manual reconnect")
	}
}

// Stop 断开连接、停止引擎并刷新缓存, 返回合并后的错误
func (p *Pipeline) Stop() error {
	p.connector.Disconnect()

	p.mu.Lock()
	if p.sweep != nil {
		p.sweep.Stop()
		p.sweep = nil
	}
	if p.cancel != nil {
		p.cancel()
	}
	p.mu.Unlock()

	var err error
	if r := p.wg.WaitAndRecover(); r != nil {
		err = multierr.Append(err, r.AsError())
	}
	p.engine.Close()
	err = multierr.Append(err, p.cache.Close())

	p.logger.Info("Pipeline stopped")
	return err
}
