package chain

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/NestedFinance/nested-core-lego/internal/failure"
)

type balanceKey struct {
	token  common.Address
	holder common.Address
}

type allowanceKey struct {
	token   common.Address
	owner   common.Address
	spender common.Address
}

type slot struct {
	base    *uint256.Int
	current *uint256.Int
}

// Overlay 在已提交账本之上暂存一次执行内的全部余额变化。
// 丢弃 Overlay 即回滚；只有 Changes 被提交后才会落库。
// Overlay 不是并发安全的，一次执行独占一个实例。
type Overlay struct {
	base       BalanceReader
	slots      map[balanceKey]*slot
	order      []balanceKey
	allowances map[allowanceKey]*uint256.Int
}

var _ Ledger = (*Overlay)(nil)

// NewOverlay 基于 base 创建暂存视图。
func NewOverlay(base BalanceReader) *Overlay {
	return &Overlay{
		base:       base,
		slots:      make(map[balanceKey]*slot),
		allowances: make(map[allowanceKey]*uint256.Int),
	}
}

func (o *Overlay) load(ctx context.Context, key balanceKey) (*slot, error) {
	if s, ok := o.slots[key]; ok {
		return s, nil
	}
	bal, err := o.base.BalanceOf(ctx, key.token, key.holder)
	if err != nil {
		return nil, err
	}
	if bal == nil {
		bal = new(uint256.Int)
	}
	s := &slot{base: bal.Clone(), current: bal.Clone()}
	o.slots[key] = s
	o.order = append(o.order, key)
	return s, nil
}

// BalanceOf 返回暂存视图下的余额。
func (o *Overlay) BalanceOf(ctx context.Context, token, holder common.Address) (*uint256.Int, error) {
	s, err := o.load(ctx, balanceKey{token: token, holder: holder})
	if err != nil {
		return nil, err
	}
	return s.current.Clone(), nil
}

// Transfer 在暂存视图中转移余额。
func (o *Overlay) Transfer(ctx context.Context, token, from, to common.Address, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return nil
	}
	src, err := o.load(ctx, balanceKey{token: token, holder: from})
	if err != nil {
		return err
	}
	dst, err := o.load(ctx, balanceKey{token: token, holder: to})
	if err != nil {
		return err
	}
	nextSrc, err := applyChange(src.current, BalanceChange{Token: token, Holder: from, Amount: amount, Negative: true})
	if err != nil {
		return err
	}
	if from == to {
		return nil
	}
	nextDst, err := applyChange(dst.current, BalanceChange{Token: token, Holder: to, Amount: amount})
	if err != nil {
		return err
	}
	src.current = nextSrc
	dst.current = nextDst
	return nil
}

// Approve 设置授权额度，授权只存在于本次执行内，不会被提交。
func (o *Overlay) Approve(_ context.Context, token, owner, spender common.Address, amount *uint256.Int) error {
	key := allowanceKey{token: token, owner: owner, spender: spender}
	if amount == nil || amount.IsZero() {
		delete(o.allowances, key)
		return nil
	}
	o.allowances[key] = amount.Clone()
	return nil
}

// Allowance 返回当前授权额度。
func (o *Overlay) Allowance(_ context.Context, token, owner, spender common.Address) (*uint256.Int, error) {
	if v, ok := o.allowances[allowanceKey{token: token, owner: owner, spender: spender}]; ok {
		return v.Clone(), nil
	}
	return new(uint256.Int), nil
}

// TransferFrom 由 spender 消耗授权并转移余额。
func (o *Overlay) TransferFrom(ctx context.Context, spender, token, from, to common.Address, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return nil
	}
	key := allowanceKey{token: token, owner: from, spender: spender}
	allowed, ok := o.allowances[key]
	if !ok || allowed.Lt(amount) {
		have := "0"
		if ok {
			have = allowed.Dec()
		}
		return fmt.Errorf("chain: %s 对 %s 的授权不足 have=%s need=%s: %w",
			from.Hex(), spender.Hex(), have, amount.Dec(), failure.ErrInsufficientBalance)
	}
	if err := o.Transfer(ctx, token, from, to, amount); err != nil {
		return err
	}
	remaining := new(uint256.Int).Sub(allowed, amount)
	if remaining.IsZero() {
		delete(o.allowances, key)
	} else {
		o.allowances[key] = remaining
	}
	return nil
}

// Changes 按首次访问顺序返回所有非零净变化。
func (o *Overlay) Changes() []BalanceChange {
	changes := make([]BalanceChange, 0, len(o.order))
	for _, key := range o.order {
		s := o.slots[key]
		switch s.current.Cmp(s.base) {
		case 1:
			changes = append(changes, BalanceChange{
				Token:  key.token,
				Holder: key.holder,
				Amount: new(uint256.Int).Sub(s.current, s.base),
			})
		case -1:
			changes = append(changes, BalanceChange{
				Token:    key.token,
				Holder:   key.holder,
				Amount:   new(uint256.Int).Sub(s.base, s.current),
				Negative: true,
			})
		}
	}
	return changes
}
