package chain

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/NestedFinance/nested-core-lego/internal/failure"
)

// BalanceReader 提供已提交余额的只读访问。
type BalanceReader interface {
	BalanceOf(ctx context.Context, token, holder common.Address) (*uint256.Int, error)
}

// Ledger 抽象 ERC20 风格的余额与授权操作。
type Ledger interface {
	BalanceReader
	Transfer(ctx context.Context, token, from, to common.Address, amount *uint256.Int) error
	Approve(ctx context.Context, token, owner, spender common.Address, amount *uint256.Int) error
	Allowance(ctx context.Context, token, owner, spender common.Address) (*uint256.Int, error)
	TransferFrom(ctx context.Context, spender, token, from, to common.Address, amount *uint256.Int) error
}

// BalanceChange 描述一次执行对某个账户余额的净变化。
// Negative 为 true 表示扣减。
type BalanceChange struct {
	Token    common.Address
	Holder   common.Address
	Amount   *uint256.Int
	Negative bool
}

// Book 为可提交余额变化的账本。
type Book interface {
	BalanceReader
	Credit(ctx context.Context, token, holder common.Address, amount *uint256.Int) error
}

func applyChange(current *uint256.Int, change BalanceChange) (*uint256.Int, error) {
	if change.Negative {
		next, underflow := new(uint256.Int).SubOverflow(current, change.Amount)
		if underflow {
			return nil, fmt.Errorf("chain: %s 在 %s 余额不足 have=%s need=%s: %w",
				change.Holder.Hex(), change.Token.Hex(), current.Dec(), change.Amount.Dec(), failure.ErrInsufficientBalance)
		}
		return next, nil
	}
	next, overflow := new(uint256.Int).AddOverflow(current, change.Amount)
	if overflow {
		return nil, fmt.Errorf("chain: %s 在 %s 余额溢出: %w", change.Holder.Hex(), change.Token.Hex(), failure.ErrInvalidRequest)
	}
	return next, nil
}
