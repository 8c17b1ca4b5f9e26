package engine

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/NestedFinance/nested-core-lego/internal/fees"
	"github.com/NestedFinance/nested-core-lego/internal/operator"
	"github.com/NestedFinance/nested-core-lego/internal/records"
)

// AddOperator 声明引擎依赖的 operator 名称。
func (e *Engine) AddOperator(names ...operator.Name) {
	e.holder.Require(names...)
}

// RemoveOperator 取消对名称的依赖，已缓存的地址在下次重建前仍可解析。
func (e *Engine) RemoveOperator(name operator.Name) bool {
	return e.holder.Forget(name)
}

// Operators 返回引擎依赖的名称。
func (e *Engine) Operators() []operator.Name {
	return e.holder.Required()
}

// RebuildCache 将注册表当前映射发布到引擎的快照。
func (e *Engine) RebuildCache(ctx context.Context) *operator.Cache {
	cache := e.registry.RebuildCache(e.holder)
	e.observer.CacheRebuilt(ctx, cache)
	return cache
}

// IsCached 判断所有依赖名称是否都已以最新地址缓存。
func (e *Engine) IsCached() bool {
	return e.holder.IsCached(e.registry)
}

// Resolve 从引擎快照解析名称。
func (e *Engine) Resolve(name operator.Name) (common.Address, error) {
	return e.holder.Snapshot().Resolve(name)
}

// Snapshot 返回引擎当前快照。
func (e *Engine) Snapshot() *operator.Cache {
	return e.holder.Snapshot()
}

// Holdings 返回篮子记录。
func (e *Engine) Holdings(ctx context.Context, id uint64) (records.Basket, error) {
	return e.baskets.Get(ctx, id)
}

// Baskets 返回 owner 的全部篮子。
func (e *Engine) Baskets(ctx context.Context, owner common.Address) ([]records.Basket, error) {
	return e.baskets.ListByOwner(ctx, owner)
}

// FeeConfiguration 返回当前手续费配置。
func (e *Engine) FeeConfiguration() fees.Config {
	return e.fees.Config()
}

// UpdateFeeConfiguration 走管理端路径更新手续费配置，进行中的执行仍使用旧快照。
func (e *Engine) UpdateFeeConfiguration(ctx context.Context, cfg fees.Config) error {
	if err := e.fees.Update(ctx, cfg); err != nil {
		return err
	}
	e.logger.Info("手续费配置已替换", zap.Uint64("rate_bps", cfg.RateBps))
	return nil
}
