package operator

import (
	"bytes"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"

	"github.com/NestedFinance/nested-core-lego/internal/failure"
)

// Entry 表示一条名称到地址的映射。
type Entry struct {
	Name    Name
	Address common.Address
}

// Cache 是发布给某个消费者的不可变快照。
type Cache struct {
	revision uint64
	entries  map[Name]common.Address
}

var emptyCache = &Cache{entries: map[Name]common.Address{}}

// Resolve 从快照中解析名称，不读取注册表的实时状态。
func (c *Cache) Resolve(name Name) (common.Address, error) {
	if c != nil {
		if addr, ok := c.entries[name]; ok {
			return addr, nil
		}
	}
	return common.Address{}, fmt.Errorf("operator: %q 未在缓存中: %w", name.String(), failure.ErrUnknownHandler)
}

// Revision 返回快照对应的注册表版本。
func (c *Cache) Revision() uint64 {
	if c == nil {
		return 0
	}
	return c.revision
}

// Len 返回快照中的条目数。
func (c *Cache) Len() int {
	if c == nil {
		return 0
	}
	return len(c.entries)
}

// Entries 按名称排序返回全部条目。
func (c *Cache) Entries() []Entry {
	if c == nil {
		return nil
	}
	return sortedEntries(c.entries)
}

func sortedEntries(m map[Name]common.Address) []Entry {
	list := make([]Entry, 0, len(m))
	for name, addr := range m {
		list = append(list, Entry{Name: name, Address: addr})
	}
	sort.Slice(list, func(i, j int) bool {
		return bytes.Compare(list[i].Name[:], list[j].Name[:]) < 0
	})
	return list
}

// CacheHolder 由消费者持有，保存当前快照以及其依赖的名称集合。
type CacheHolder struct {
	current atomic.Pointer[Cache]

	mu       sync.Mutex
	required map[Name]struct{}
}

// NewCacheHolder 创建空快照的持有者。
func NewCacheHolder() *CacheHolder {
	h := &CacheHolder{required: make(map[Name]struct{})}
	h.current.Store(emptyCache)
	return h
}

// Snapshot 原子地读取当前快照。
func (h *CacheHolder) Snapshot() *Cache {
	return h.current.Load()
}

// Require 声明消费者依赖的名称。
func (h *CacheHolder) Require(names ...Name) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, name := range names {
		if !name.IsZero() {
			h.required[name] = struct{}{}
		}
	}
}

// Forget 移除一个依赖名称，已缓存的地址保持不变。
func (h *CacheHolder) Forget(name Name) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.required[name]; !ok {
		return false
	}
	delete(h.required, name)
	return true
}

// Required 返回依赖名称列表。
func (h *CacheHolder) Required() []Name {
	h.mu.Lock()
	defer h.mu.Unlock()
	list := make([]Name, 0, len(h.required))
	for name := range h.required {
		list = append(list, name)
	}
	sort.Slice(list, func(i, j int) bool {
		return bytes.Compare(list[i][:], list[j][:]) < 0
	})
	return list
}

// IsCached 判断每个依赖名称都已以注册表当前地址进入快照。
func (h *CacheHolder) IsCached(r *Registry) bool {
	snapshot := h.Snapshot()
	for _, name := range h.Required() {
		live, ok := r.Lookup(name)
		if !ok {
			return false
		}
		cached, err := snapshot.Resolve(name)
		if err != nil || cached != live {
			return false
		}
	}
	return true
}
