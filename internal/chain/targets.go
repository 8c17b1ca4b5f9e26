package chain

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/NestedFinance/nested-core-lego/internal/failure"
)

// Call 描述一次对外部调用目标的调用。
type Call struct {
	Ledger Ledger
	Sender common.Address
	Self   common.Address
	Data   []byte
}

// CallTarget 是可被 operator 调用的外部合约抽象，返回错误即视为 revert。
type CallTarget interface {
	Call(ctx context.Context, call Call) error
}

// Targets 维护地址到调用目标的映射。
type Targets struct {
	mu      sync.RWMutex
	targets map[common.Address]CallTarget
}

// NewTargets 创建空映射。
func NewTargets() *Targets {
	return &Targets{targets: make(map[common.Address]CallTarget)}
}

// Register 在 addr 处部署调用目标，重复部署会覆盖。
func (t *Targets) Register(addr common.Address, target CallTarget) {
	if t == nil || target == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.targets[addr] = target
}

// Lookup 返回 addr 处的调用目标。
func (t *Targets) Lookup(addr common.Address) (CallTarget, bool) {
	if t == nil {
		return nil, false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	target, ok := t.targets[addr]
	return target, ok
}

// Invoke 以 sender 身份调用 addr 处的目标。
func (t *Targets) Invoke(ctx context.Context, ledger Ledger, sender, addr common.Address, data []byte) error {
	target, ok := t.Lookup(addr)
	if !ok {
		return fmt.Errorf("chain: 调用目标 %s 不存在: %w", addr.Hex(), failure.ErrSwapExecutionFailed)
	}
	return target.Call(ctx, Call{Ledger: ledger, Sender: sender, Self: addr, Data: data})
}
