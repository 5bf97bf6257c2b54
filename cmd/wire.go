//go:build wireinject
// +build wireinject

package main

import (
	"context"

	"github.com/google/wire"
	"go.uber.org/zap"

	"market-data-pipeline/internal/app"
	"market-data-pipeline/internal/service"
)

// initPipeline 通过 Wire 构建完整的管道对象图
// 调用方负责 Start/Stop
func initPipeline(ctx context.Context, cfg *service.Config, logger *zap.Logger) (*app.Pipeline, error) {
	wire.Build(app.ProviderSet)
	return nil, nil
}
