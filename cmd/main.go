package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"market-data-pipeline/internal/model"
	"market-data-pipeline/internal/service"
)

func main() {
	configPath := flag.String("config", "config", "directory containing config.yaml")
	flag.Parse()

	if _, err := os.Stat(*configPath); os.IsNotExist(err) {
		zap.NewExample().Fatal("Configuration directory not found. Please create it.", zap.String("Path", *configPath))
	}

	cfg, v, err := service.LoadConfig(*configPath)
	if err != nil {
		zap.NewExample().Fatal("Failed to load config", zap.Error(err))
	}

	logger, level, err := service.NewLogger(cfg.Log)
	if err != nil {
		zap.NewExample().Fatal("Failed to initialize logger", zap.Error(err))
	}
	defer logger.Sync()

	// 配置热更新只调整日志级别, 其余参数需重启生效
	service.WatchConfig(v, func(next *service.Config) {
		lvl, err := service.ParseLevel(next.Log.Level)
		if err != nil {
			logger.Warn("Ignoring invalid log level", zap.Error(err))
			return
		}
		if lvl != level.Level() {
			level.SetLevel(lvl)
			logger.Info("Log level changed", zap.String("Level", lvl.String()))
		}
	}, func(err error) {
		logger.Warn("Config reload rejected", zap.Error(err))
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pipeline, err := initPipeline(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to build pipeline", zap.Error(err))
	}

	logger.Info("Starting market data pipeline",
		zap.String("Exchange", cfg.Exchange.Name),
		zap.Strings("Symbols", cfg.Symbols),
		zap.String("CacheBackend", cfg.Cache.Backend))

	pipeline.Start(ctx)

	// 周期性输出统计
	stats := pipeline.Engine().GetStatisticsStream()
	defer stats.Unsubscribe()
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	var latest model.PipelineStats
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case s, ok := <-stats.C:
			if !ok {
				break loop
			}
			latest = s
		case <-ticker.C:
			logger.Info("Pipeline statistics",
				zap.Int("TrackedSymbols", latest.TrackedSymbols),
				zap.Int64("TotalUpdates", latest.TotalUpdates),
				zap.Float64("UpdatesPerSecond", latest.UpdatesPerSecond),
				zap.Int64("InvalidUpdates", latest.InvalidUpdates),
				zap.Float64("CacheHitRatio", latest.Cache.HitRatio),
				zap.String("Connection", latest.Connection.State.String()))
		}
	}

	logger.Info("Shutting down...")
	if err := pipeline.Stop(); err != nil {
		logger.Error("Shutdown finished with errors", zap.Error(err))
	}
}
