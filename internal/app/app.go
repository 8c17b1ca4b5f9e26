package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/NestedFinance/nested-core-lego/internal/config"
	"github.com/NestedFinance/nested-core-lego/internal/store"
)

// App 聚合核心依赖并驱动系统生命周期。
type App struct {
	cfg    *config.Config
	logger *zap.Logger
	store  *store.Store
}

// New 创建 App 实例。
func New(cfg *config.Config, logger *zap.Logger, store *store.Store) *App {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &App{
		cfg:    cfg,
		logger: logger,
		store:  store,
	}
}

// Run 完成部署与缓存重建后启动 HTTP 服务，阻塞直到 ctx 结束。
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("篮子执行服务正在初始化",
		zap.String("environment", a.cfg.App.Environment),
		zap.String("addr", a.cfg.Server.Addr),
		zap.Int("operators", len(a.cfg.Operators)),
	)

	orch, err := newOrchestrator(ctx, a.cfg, a.logger, a.store)
	if err != nil {
		return err
	}
	defer orch.Close()

	if err := orch.server.Start(ctx); err != nil {
		return fmt.Errorf("HTTP 服务异常退出: %w", err)
	}
	if err := ctx.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("系统异常退出: %w", err)
	}
	a.logger.Info("系统收到退出信号，正在停止")
	return nil
}
