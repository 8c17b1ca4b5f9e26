package swap

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/NestedFinance/nested-core-lego/internal/chain"
	"github.com/NestedFinance/nested-core-lego/internal/failure"
)

// Kind 标识 handler 的变体。
type Kind string

const (
	KindRouted Kind = "routed"
	KindDirect Kind = "direct"
)

// Env 是 handler 执行时可见的环境，Holder 在执行期间持有资金。
type Env struct {
	Ledger  chain.Ledger
	Targets *chain.Targets
	Holder  common.Address
}

// Request 描述一次代币获取。
type Request struct {
	SourceToken common.Address
	Amount      *uint256.Int
	TargetToken common.Address
	CallTarget  common.Address
	CallData    []byte
}

// Result 为一次获取的实测结果。
type Result struct {
	Acquired *uint256.Int
	Spent    *uint256.Int
}

// Handler 是可插拔的兑换实现，调用之间不保留状态。
type Handler interface {
	Kind() Kind
	Execute(ctx context.Context, env Env, req Request) (Result, error)
}

// Directory 维护已部署 operator 地址到实现的映射。
type Directory struct {
	mu       sync.RWMutex
	handlers map[common.Address]Handler
}

// NewDirectory 构造空目录。
func NewDirectory() *Directory {
	return &Directory{handlers: make(map[common.Address]Handler)}
}

// Deploy 在 addr 处部署 handler，重复部署会覆盖。
func (d *Directory) Deploy(addr common.Address, h Handler) error {
	if h == nil {
		return fmt.Errorf("swap: handler 不能为空: %w", failure.ErrInvalidRequest)
	}
	if addr == (common.Address{}) {
		return fmt.Errorf("swap: 部署地址为零: %w", failure.ErrInvalidRequest)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[addr] = h
	return nil
}

// Lookup 返回 addr 处的 handler。
func (d *Directory) Lookup(addr common.Address) (Handler, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	h, ok := d.handlers[addr]
	return h, ok
}

// Kinds 返回每个已部署地址的变体。
func (d *Directory) Kinds() map[common.Address]Kind {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[common.Address]Kind, len(d.handlers))
	for addr, h := range d.handlers {
		out[addr] = h.Kind()
	}
	return out
}
