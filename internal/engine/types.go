package engine

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/NestedFinance/nested-core-lego/internal/fees"
	"github.com/NestedFinance/nested-core-lego/internal/operator"
	"github.com/NestedFinance/nested-core-lego/internal/records"
	"github.com/NestedFinance/nested-core-lego/internal/swap"
)

// State 表示一次执行所处的阶段。
type State string

const (
	StateValidating State = "validating"
	StateResolving  State = "resolving"
	StateExecuting  State = "executing"
	StateSettling   State = "settling"
	StateCommitted  State = "committed"
	StateAborted    State = "aborted"
)

// Order 是一次获取单个代币的指令，只在一次调用内有效。
// Operator 为空时使用默认 operator，CallTarget 为零时使用请求的 SwapTarget。
type Order struct {
	Operator       operator.Name
	Token          common.Address
	CallTarget     common.Address
	CallData       []byte
	SellAmountHint *uint256.Int
}

// Request 描述一次创建或扩充篮子的调用，BasketID 为 0 表示新建。
// ReplicatedFrom 非零时必须指向已有篮子，其所有者获得版税。
type Request struct {
	BasketID        uint64
	Caller          common.Address
	MetadataURI     string
	SourceToken     common.Address
	TotalSellAmount *uint256.Int
	SwapTarget      common.Address
	ToleranceBps    uint64
	ReplicatedFrom  uint64
	Orders          []Order
}

// Acquisition 记录单个订单的实测结果。
type Acquisition struct {
	Token    common.Address
	Operator operator.Name
	Handler  common.Address
	Kind     swap.Kind
	Spent    *uint256.Int
	Acquired *uint256.Int
}

// Receipt 为成功执行的结果。
// RoyaltyRecipient 为零地址时 Fees.Royalties 由 vault 保留。
type Receipt struct {
	ExecutionID      string
	BasketID         uint64
	Created          bool
	Fees             fees.Split
	RoyaltyRecipient common.Address
	Acquired         []Acquisition
	Refund           *uint256.Int
	Basket           records.Basket
}

// Transition 描述一次状态迁移。
type Transition struct {
	ExecutionID string
	BasketID    uint64
	From        State
	To          State
	At          time.Time
}

// Abort 描述一次被中止的执行。
type Abort struct {
	ExecutionID string
	BasketID    uint64
	Caller      common.Address
	State       State
	Err         error
}

// Observer 接收引擎事件，实现不得阻塞。
type Observer interface {
	StateChanged(ctx context.Context, t Transition)
	Committed(ctx context.Context, req Request, receipt Receipt)
	Aborted(ctx context.Context, req Request, abort Abort)
	CacheRebuilt(ctx context.Context, cache *operator.Cache)
}

// NopObserver 忽略全部事件，可嵌入以只实现部分方法。
type NopObserver struct{}

func (NopObserver) StateChanged(context.Context, Transition)      {}
func (NopObserver) Committed(context.Context, Request, Receipt)   {}
func (NopObserver) Aborted(context.Context, Request, Abort)       {}
func (NopObserver) CacheRebuilt(context.Context, *operator.Cache) {}

// Observers 将事件依次分发给多个 Observer。
type Observers []Observer

func (o Observers) StateChanged(ctx context.Context, t Transition) {
	for _, obs := range o {
		obs.StateChanged(ctx, t)
	}
}

func (o Observers) Committed(ctx context.Context, req Request, receipt Receipt) {
	for _, obs := range o {
		obs.Committed(ctx, req, receipt)
	}
}

func (o Observers) Aborted(ctx context.Context, req Request, abort Abort) {
	for _, obs := range o {
		obs.Aborted(ctx, req, abort)
	}
}

func (o Observers) CacheRebuilt(ctx context.Context, cache *operator.Cache) {
	for _, obs := range o {
		obs.CacheRebuilt(ctx, cache)
	}
}
