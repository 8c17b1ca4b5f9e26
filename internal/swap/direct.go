package swap

import (
	"context"
	"fmt"

	"github.com/NestedFinance/nested-core-lego/internal/failure"
)

// DirectTransfer 不做任何调用，源代币即目标代币。
type DirectTransfer struct{}

var _ Handler = DirectTransfer{}

// Kind 实现 Handler。
func (DirectTransfer) Kind() Kind { return KindDirect }

// Execute 实现 Handler。
func (DirectTransfer) Execute(_ context.Context, _ Env, req Request) (Result, error) {
	if req.SourceToken != req.TargetToken {
		return Result{}, fmt.Errorf("swap: 源代币 %s 与目标代币 %s 不一致: %w",
			req.SourceToken.Hex(), req.TargetToken.Hex(), failure.ErrTokenMismatch)
	}
	if req.Amount == nil || req.Amount.IsZero() {
		return Result{}, fmt.Errorf("swap: 转移数量为零: %w", failure.ErrZeroAcquired)
	}
	return Result{Acquired: req.Amount.Clone(), Spent: req.Amount.Clone()}, nil
}
