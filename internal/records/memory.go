package records

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/NestedFinance/nested-core-lego/internal/failure"
)

// MemoryRepository 为进程内的篮子存储。
type MemoryRepository struct {
	mu      sync.RWMutex
	baskets map[uint64]Basket
	lastID  uint64
}

var _ Reader = (*MemoryRepository)(nil)

// NewMemoryRepository 创建空存储。
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{baskets: make(map[uint64]Basket)}
}

// Get 实现 Reader。
func (m *MemoryRepository) Get(_ context.Context, id uint64) (Basket, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.baskets[id]
	if !ok {
		return Basket{}, fmt.Errorf("records: 篮子 %d 不存在: %w", id, failure.ErrNotFound)
	}
	return b.Clone(), nil
}

// ListByOwner 实现 Reader。
func (m *MemoryRepository) ListByOwner(_ context.Context, owner common.Address) ([]Basket, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var list []Basket
	for _, b := range m.baskets {
		if b.Owner == owner {
			list = append(list, b.Clone())
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list, nil
}

// Commit 在持有写锁期间调用 fn，fn 返回 nil 时写入篮子。
// nextID 为新篮子铸造 id，仅在 fn 内有效。
func (m *MemoryRepository) Commit(fn func(nextID func() uint64) (Basket, error)) (Basket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	minted := m.lastID
	next := func() uint64 {
		minted++
		return minted
	}
	b, err := fn(next)
	if err != nil {
		return Basket{}, err
	}
	m.lastID = minted
	m.baskets[b.ID] = b.Clone()
	return b, nil
}
