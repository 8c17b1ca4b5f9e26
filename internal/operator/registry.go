package operator

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/NestedFinance/nested-core-lego/internal/failure"
)

// Store 持久化注册表内容。
type Store interface {
	SaveEntries(ctx context.Context, entries []Entry, revision uint64) error
	LoadEntries(ctx context.Context) ([]Entry, uint64, error)
}

// Registry 维护名称到 operator 地址的映射。
// 导入只修改注册表本身，消费者必须通过 RebuildCache 才能看到新地址。
type Registry struct {
	mu       sync.RWMutex
	entries  map[Name]common.Address
	revision uint64

	store  Store
	logger *zap.Logger
}

// NewRegistry 构造空注册表，store 可为 nil。
func NewRegistry(store Store, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		entries: make(map[Name]common.Address),
		store:   store,
		logger:  logger,
	}
}

// Load 从存储恢复已导入的映射。
func (r *Registry) Load(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	entries, revision, err := r.store.LoadEntries(ctx)
	if err != nil {
		return fmt.Errorf("operator: 加载注册表失败: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = make(map[Name]common.Address, len(entries))
	for _, e := range entries {
		r.entries[e.Name] = e.Address
	}
	r.revision = revision
	r.logger.Info("operator 注册表已加载", zap.Int("entries", len(entries)), zap.Uint64("revision", revision))
	return nil
}

// Import 批量导入名称与地址，同一批次中重复的名称以最后一次为准。
func (r *Registry) Import(ctx context.Context, names []Name, addrs []common.Address) error {
	if len(names) != len(addrs) {
		return fmt.Errorf("operator: names=%d addresses=%d: %w", len(names), len(addrs), failure.ErrArityMismatch)
	}
	if len(names) == 0 {
		return nil
	}
	for i := range names {
		if names[i].IsZero() {
			return fmt.Errorf("operator: 第%d个名称为空: %w", i, failure.ErrInvalidRequest)
		}
		if addrs[i] == (common.Address{}) {
			return fmt.Errorf("operator: %q 的地址为零: %w", names[i].String(), failure.ErrInvalidRequest)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	next := make(map[Name]common.Address, len(r.entries)+len(names))
	for name, addr := range r.entries {
		next[name] = addr
	}
	for i := range names {
		next[names[i]] = addrs[i]
	}
	revision := r.revision + 1

	if r.store != nil {
		if err := r.store.SaveEntries(ctx, sortedEntries(next), revision); err != nil {
			return fmt.Errorf("operator: 持久化注册表失败: %w", err)
		}
	}

	r.entries = next
	r.revision = revision
	for i := range names {
		r.logger.Info("operator 已导入",
			zap.String("name", names[i].String()),
			zap.String("address", addrs[i].Hex()),
			zap.Uint64("revision", revision),
		)
	}
	return nil
}

// Lookup 读取注册表实时状态，仅用于管理与诊断。
func (r *Registry) Lookup(name Name) (common.Address, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	addr, ok := r.entries[name]
	return addr, ok
}

// Entries 返回注册表全部条目。
func (r *Registry) Entries() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedEntries(r.entries)
}

// Revision 返回注册表版本，每次成功导入加一。
func (r *Registry) Revision() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.revision
}

// RebuildCache 将注册表当前映射覆盖到 holder 的上一份快照并原子发布。
// 注册表中不存在的旧名称保留原地址；重复调用得到相同快照。
func (r *Registry) RebuildCache(holder *CacheHolder) *Cache {
	holder.mu.Lock()
	defer holder.mu.Unlock()

	prev := holder.Snapshot()

	r.mu.RLock()
	next := &Cache{
		revision: r.revision,
		entries:  make(map[Name]common.Address, len(prev.entries)+len(r.entries)),
	}
	for name, addr := range prev.entries {
		next.entries[name] = addr
	}
	for name, addr := range r.entries {
		next.entries[name] = addr
	}
	r.mu.RUnlock()

	holder.current.Store(next)
	r.logger.Info("operator 缓存已重建",
		zap.Uint64("revision", next.revision),
		zap.Int("entries", len(next.entries)),
	)
	return next
}
