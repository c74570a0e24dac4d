package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"kalshi-arb/internal/config"
)

// App 聚合核心依赖并驱动系统生命周期。
type App struct {
	cfg    *config.Config
	logger *zap.Logger
}

// New 创建 App 实例。
func New(cfg *config.Config, logger *zap.Logger) *App {
	return &App{
		cfg:    cfg,
		logger: logger,
	}
}

// Run 启动实盘流水线并阻塞等待退出信号。
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("套利检测系统已初始化",
		zap.String("environment", a.cfg.App.Environment),
		zap.Strings("symbols", a.cfg.Binance.Symbols),
		zap.Strings("series", a.cfg.Kalshi.Series),
	)

	orch := newOrchestrator(a.cfg, a.logger)
	orch.start(ctx)

	if a.cfg.App.MonitorPort > 0 {
		startMonitorServer(ctx, orch, a.cfg.App.MonitorPort, a.logger)
	}

	go orch.watchHealth(ctx, a.cfg.Agent.HealthInterval)

	<-ctx.Done()
	if err := ctx.Err(); err != nil && !errors.Is(err, context.Canceled) {
		orch.stop()
		return fmt.Errorf("系统异常退出: %w", err)
	}

	a.logger.Info("系统收到退出信号，正在停止")
	orch.stop()
	a.logger.Info("系统已停止")
	return nil
}
