package chain

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// MemoryBook 为进程内的已提交账本。
type MemoryBook struct {
	mu       sync.RWMutex
	balances map[balanceKey]*uint256.Int
}

var _ Book = (*MemoryBook)(nil)

// NewMemoryBook 创建空账本。
func NewMemoryBook() *MemoryBook {
	return &MemoryBook{balances: make(map[balanceKey]*uint256.Int)}
}

// BalanceOf 返回已提交余额。
func (b *MemoryBook) BalanceOf(_ context.Context, token, holder common.Address) (*uint256.Int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if v, ok := b.balances[balanceKey{token: token, holder: holder}]; ok {
		return v.Clone(), nil
	}
	return new(uint256.Int), nil
}

// Credit 直接增加余额，用于初始注资。
func (b *MemoryBook) Credit(_ context.Context, token, holder common.Address, amount *uint256.Int) error {
	return b.Apply([]BalanceChange{{Token: token, Holder: holder, Amount: amount}})
}

// Apply 原子地应用一组净变化，任一变化失败则全部不生效。
func (b *MemoryBook) Apply(changes []BalanceChange) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	staged := make(map[balanceKey]*uint256.Int, len(changes))
	for _, change := range changes {
		key := balanceKey{token: change.Token, holder: change.Holder}
		current, ok := staged[key]
		if !ok {
			current = new(uint256.Int)
			if v, exists := b.balances[key]; exists {
				current = v.Clone()
			}
		}
		next, err := applyChange(current, change)
		if err != nil {
			return err
		}
		staged[key] = next
	}
	for key, value := range staged {
		b.balances[key] = value
	}
	return nil
}
