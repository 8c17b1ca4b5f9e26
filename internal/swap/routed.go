package swap

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/NestedFinance/nested-core-lego/internal/failure"
)

// RoutedSwap 授权外部路由并调用其 calldata，以余额差额计算获得数量。
type RoutedSwap struct {
	swapTarget common.Address
	logger     *zap.Logger
}

var _ Handler = (*RoutedSwap)(nil)

// NewRoutedSwap 创建 handler；swapTarget 非零时固定使用该路由。
func NewRoutedSwap(swapTarget common.Address, logger *zap.Logger) *RoutedSwap {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RoutedSwap{swapTarget: swapTarget, logger: logger}
}

// Kind 实现 Handler。
func (r *RoutedSwap) Kind() Kind { return KindRouted }

// SwapTarget 返回固定路由地址。
func (r *RoutedSwap) SwapTarget() common.Address { return r.swapTarget }

// Execute 实现 Handler。
func (r *RoutedSwap) Execute(ctx context.Context, env Env, req Request) (Result, error) {
	if req.Amount == nil || req.Amount.IsZero() {
		return Result{}, fmt.Errorf("swap: 卖出数量为零: %w", failure.ErrZeroAcquired)
	}
	target := req.CallTarget
	if r.swapTarget != (common.Address{}) {
		target = r.swapTarget
	}
	if target == (common.Address{}) {
		return Result{}, fmt.Errorf("swap: 未指定调用目标: %w", failure.ErrInvalidRequest)
	}

	srcBefore, err := env.Ledger.BalanceOf(ctx, req.SourceToken, env.Holder)
	if err != nil {
		return Result{}, err
	}
	dstBefore, err := env.Ledger.BalanceOf(ctx, req.TargetToken, env.Holder)
	if err != nil {
		return Result{}, err
	}

	if err := env.Ledger.Approve(ctx, req.SourceToken, env.Holder, target, req.Amount); err != nil {
		return Result{}, err
	}
	callErr := env.Targets.Invoke(ctx, env.Ledger, env.Holder, target, req.CallData)
	if err := env.Ledger.Approve(ctx, req.SourceToken, env.Holder, target, new(uint256.Int)); err != nil {
		return Result{}, err
	}
	if callErr != nil {
		return Result{}, fmt.Errorf("swap: 调用 %s 失败: %v: %w", target.Hex(), callErr, failure.ErrSwapExecutionFailed)
	}

	srcAfter, err := env.Ledger.BalanceOf(ctx, req.SourceToken, env.Holder)
	if err != nil {
		return Result{}, err
	}
	dstAfter, err := env.Ledger.BalanceOf(ctx, req.TargetToken, env.Holder)
	if err != nil {
		return Result{}, err
	}

	spent := new(uint256.Int)
	if srcBefore.Gt(srcAfter) {
		spent.Sub(srcBefore, srcAfter)
	}
	if spent.Gt(req.Amount) {
		return Result{}, fmt.Errorf("swap: %s 花费 %s 超过授权 %s: %w",
			target.Hex(), spent.Dec(), req.Amount.Dec(), failure.ErrSwapExecutionFailed)
	}
	if !dstAfter.Gt(dstBefore) {
		return Result{}, fmt.Errorf("swap: %s 未获得任何 %s: %w", target.Hex(), req.TargetToken.Hex(), failure.ErrZeroAcquired)
	}
	acquired := new(uint256.Int).Sub(dstAfter, dstBefore)

	r.logger.Debug("routed swap 完成",
		zap.String("target", target.Hex()),
		zap.String("source_token", req.SourceToken.Hex()),
		zap.String("target_token", req.TargetToken.Hex()),
		zap.String("spent", spent.Dec()),
		zap.String("acquired", acquired.Dec()),
	)
	return Result{Acquired: acquired, Spent: spent}, nil
}
