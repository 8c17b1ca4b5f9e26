package lock

import (
	"context"
	"fmt"
	"sync"

	"github.com/NestedFinance/nested-core-lego/internal/failure"
)

// UnlockFunc 释放已获得的锁。
type UnlockFunc func(ctx context.Context) error

// Locker 提供按键互斥，键已被持有时立即返回 failure.ErrConflict。
type Locker interface {
	TryLock(ctx context.Context, key string) (UnlockFunc, error)
}

// MemoryLocker 为单进程部署使用的互斥实现。
type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

var _ Locker = (*MemoryLocker)(nil)

// NewMemoryLocker 创建进程内 locker。
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]struct{})}
}

// TryLock 实现 Locker。
func (m *MemoryLocker) TryLock(_ context.Context, key string) (UnlockFunc, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, busy := m.held[key]; busy {
		return nil, fmt.Errorf("lock: %s 正在被执行: %w", key, failure.ErrConflict)
	}
	m.held[key] = struct{}{}

	var once sync.Once
	return func(context.Context) error {
		once.Do(func() {
			m.mu.Lock()
			delete(m.held, key)
			m.mu.Unlock()
		})
		return nil
	}, nil
}
