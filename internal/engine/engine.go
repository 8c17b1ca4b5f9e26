package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/NestedFinance/nested-core-lego/internal/chain"
	"github.com/NestedFinance/nested-core-lego/internal/failure"
	"github.com/NestedFinance/nested-core-lego/internal/fees"
	"github.com/NestedFinance/nested-core-lego/internal/journal"
	"github.com/NestedFinance/nested-core-lego/internal/lock"
	"github.com/NestedFinance/nested-core-lego/internal/operator"
	"github.com/NestedFinance/nested-core-lego/internal/records"
	"github.com/NestedFinance/nested-core-lego/internal/swap"
)

// Options 控制引擎行为。
type Options struct {
	// Reserve 在执行期间及之后持有篮子资产。
	Reserve         common.Address
	DefaultOperator operator.Name
	MaxHoldings     int
}

// Deps 为引擎的协作者。
type Deps struct {
	Registry  *operator.Registry
	Directory *swap.Directory
	Targets   *chain.Targets
	Book      chain.BalanceReader
	Baskets   records.Reader
	Settler   Settler
	Fees      *fees.Splitter
	Locker    lock.Locker
	Observer  Observer
}

// Engine 编排篮子的创建与扩充，每次调用要么全部生效要么全部不生效。
type Engine struct {
	registry  *operator.Registry
	holder    *operator.CacheHolder
	directory *swap.Directory
	targets   *chain.Targets
	book      chain.BalanceReader
	baskets   records.Reader
	settler   Settler
	fees      *fees.Splitter
	locker    lock.Locker
	observer  Observer

	ledger          records.Ledger
	reserve         common.Address
	defaultOperator operator.Name
	logger          *zap.Logger
	now             func() time.Time
}

// New 创建引擎，引擎持有自己的缓存快照，初始为空。
func New(deps Deps, opts Options, logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Registry == nil || deps.Directory == nil || deps.Targets == nil || deps.Book == nil ||
		deps.Baskets == nil || deps.Settler == nil || deps.Fees == nil {
		return nil, errors.New("engine: 依赖不完整")
	}
	if opts.Reserve == (common.Address{}) {
		return nil, errors.New("engine: reserve 地址不能为空")
	}
	if opts.MaxHoldings <= 0 {
		return nil, errors.New("engine: max holdings 必须大于0")
	}
	if deps.Locker == nil {
		deps.Locker = lock.NewMemoryLocker()
	}
	if deps.Observer == nil {
		deps.Observer = NopObserver{}
	}
	return &Engine{
		registry:        deps.Registry,
		holder:          operator.NewCacheHolder(),
		directory:       deps.Directory,
		targets:         deps.Targets,
		book:            deps.Book,
		baskets:         deps.Baskets,
		settler:         deps.Settler,
		fees:            deps.Fees,
		locker:          deps.Locker,
		observer:        deps.Observer,
		ledger:          records.Ledger{MaxHoldings: opts.MaxHoldings},
		reserve:         opts.Reserve,
		defaultOperator: opts.DefaultOperator,
		logger:          logger,
		now:             func() time.Time { return time.Now().UTC() },
	}, nil
}

// execution 为一次调用的执行上下文，不会跨调用保留。
type execution struct {
	id    string
	req   Request
	state State
}

func (e *Engine) transition(ctx context.Context, run *execution, to State) {
	from := run.state
	run.state = to
	e.logger.Debug("执行状态迁移",
		zap.String("execution_id", run.id),
		zap.Uint64("basket_id", run.req.BasketID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)
	e.observer.StateChanged(ctx, Transition{
		ExecutionID: run.id,
		BasketID:    run.req.BasketID,
		From:        from,
		To:          to,
		At:          e.now(),
	})
}

func (e *Engine) abort(ctx context.Context, run *execution, err error) error {
	state := run.state
	e.logger.Warn("执行已中止",
		zap.String("execution_id", run.id),
		zap.Uint64("basket_id", run.req.BasketID),
		zap.String("state", string(state)),
		zap.String("kind", failure.KindOf(err)),
		zap.Error(err),
	)
	e.transition(ctx, run, StateAborted)
	e.observer.Aborted(ctx, run.req, Abort{
		ExecutionID: run.id,
		BasketID:    run.req.BasketID,
		Caller:      run.req.Caller,
		State:       state,
		Err:         err,
	})
	return err
}

// resolved 为一个订单解析出的 handler。
type resolved struct {
	name    operator.Name
	address common.Address
	handler swap.Handler
}

// CreateOrExtendBasket 创建新篮子或扩充已有篮子，返回成功执行的回执。
// 任何失败都不会留下余额或持仓的变化。
func (e *Engine) CreateOrExtendBasket(ctx context.Context, req Request) (Receipt, error) {
	run := &execution{id: uuid.NewString(), req: req}
	e.transition(ctx, run, StateValidating)

	if req.BasketID != 0 {
		unlock, err := e.locker.TryLock(ctx, basketLockKey(req.BasketID))
		if err != nil {
			return Receipt{}, e.abort(ctx, run, err)
		}
		defer func() {
			if err := unlock(context.WithoutCancel(ctx)); err != nil {
				e.logger.Warn("释放篮子锁失败", zap.Uint64("basket_id", req.BasketID), zap.Error(err))
			}
		}()
	}

	feeCfg := e.fees.Config()
	split := feeCfg.Split(req.TotalSellAmount)
	base, royaltyTo, err := e.validate(ctx, req, split)
	if err != nil {
		return Receipt{}, e.abort(ctx, run, err)
	}

	e.transition(ctx, run, StateResolving)
	handlers, err := e.resolve(req)
	if err != nil {
		return Receipt{}, e.abort(ctx, run, err)
	}

	e.transition(ctx, run, StateExecuting)
	overlay := chain.NewOverlay(e.book)
	acquired, spent, err := e.execute(ctx, overlay, req, handlers)
	if err != nil {
		return Receipt{}, e.abort(ctx, run, err)
	}

	e.transition(ctx, run, StateSettling)
	refund, err := e.settleFees(ctx, overlay, req, feeCfg, split, royaltyTo, spent)
	if err != nil {
		return Receipt{}, e.abort(ctx, run, err)
	}

	holdings := make([]records.Holding, 0, len(acquired))
	for _, acq := range acquired {
		holdings = append(holdings, records.Holding{Token: acq.Token, Amount: acq.Acquired})
	}
	planned, err := e.ledger.Plan(base, holdings)
	if err != nil {
		return Receipt{}, e.abort(ctx, run, err)
	}
	now := e.now()
	fresh := req.BasketID == 0
	if fresh {
		planned.Owner = req.Caller
		planned.SourceToken = req.SourceToken
		planned.TotalSellAmount = req.TotalSellAmount.Clone()
		planned.MetadataURI = req.MetadataURI
		planned.ReplicatedFrom = req.ReplicatedFrom
		planned.CreatedAt = now
	} else {
		planned.TotalSellAmount = new(uint256.Int).Add(base.TotalSellAmount, req.TotalSellAmount)
	}
	planned.UpdatedAt = now

	receipt := Receipt{
		ExecutionID:      run.id,
		Created:          fresh,
		Fees:             split,
		RoyaltyRecipient: royaltyTo,
		Acquired:         acquired,
		Refund:           refund,
	}
	eventType := journal.EventBasketExtended
	if fresh {
		eventType = journal.EventBasketCreated
	}
	saved, err := e.settler.Settle(ctx, Settlement{
		Changes: overlay.Changes(),
		Basket:  planned,
		Event: journal.Event{
			Type:      eventType,
			BasketID:  planned.ID,
			Timestamp: now,
			Payload:   commitPayload(run.id, req, receipt, planned),
		},
	})
	if err != nil {
		return Receipt{}, e.abort(ctx, run, err)
	}

	run.req.BasketID = saved.ID
	receipt.BasketID = saved.ID
	receipt.Basket = saved
	e.transition(ctx, run, StateCommitted)
	e.logger.Info("篮子执行已提交",
		zap.String("execution_id", run.id),
		zap.Uint64("basket_id", saved.ID),
		zap.Bool("created", fresh),
		zap.Int("orders", len(req.Orders)),
		zap.Int("holdings", len(saved.Holdings)),
		zap.String("fee", split.FeePortion.Dec()),
		zap.String("refund", refund.Dec()),
	)
	e.observer.Committed(ctx, run.req, receipt)
	return receipt, nil
}

func basketLockKey(id uint64) string {
	return "basket:" + strconv.FormatUint(id, 10)
}

// validate 只读地检查请求，返回待合并的基础篮子与版税收款方。
// 收款方为零地址表示篮子不是复制而来，版税由 vault 保留。
func (e *Engine) validate(ctx context.Context, req Request, split fees.Split) (records.Basket, common.Address, error) {
	if len(req.Orders) == 0 {
		return records.Basket{}, common.Address{}, fmt.Errorf("engine: 订单列表为空: %w", failure.ErrInvalidRequest)
	}
	if req.TotalSellAmount == nil || req.TotalSellAmount.IsZero() {
		return records.Basket{}, common.Address{}, fmt.Errorf("engine: 卖出总额为零: %w", failure.ErrInvalidRequest)
	}
	if req.Caller == (common.Address{}) || req.SourceToken == (common.Address{}) {
		return records.Basket{}, common.Address{}, fmt.Errorf("engine: 调用方与源代币不能为空: %w", failure.ErrInvalidRequest)
	}
	if req.ToleranceBps > fees.TotalWeight {
		return records.Basket{}, common.Address{}, fmt.Errorf("engine: 容差 %d 超过 %d: %w", req.ToleranceBps, fees.TotalWeight, failure.ErrInvalidRequest)
	}

	hints := new(uint256.Int)
	tokens := make([]common.Address, 0, len(req.Orders))
	for i, order := range req.Orders {
		if order.Token == (common.Address{}) {
			return records.Basket{}, common.Address{}, fmt.Errorf("engine: 第%d个订单目标代币为空: %w", i, failure.ErrInvalidRequest)
		}
		if order.SellAmountHint == nil || order.SellAmountHint.IsZero() {
			return records.Basket{}, common.Address{}, fmt.Errorf("engine: 第%d个订单卖出数量为零: %w", i, failure.ErrInvalidRequest)
		}
		if _, overflow := hints.AddOverflow(hints, order.SellAmountHint); overflow {
			return records.Basket{}, common.Address{}, fmt.Errorf("engine: 订单卖出数量之和溢出: %w", failure.ErrInvalidRequest)
		}
		tokens = append(tokens, order.Token)
	}

	tolerance, _ := new(uint256.Int).MulDivOverflow(split.Net, uint256.NewInt(req.ToleranceBps), uint256.NewInt(fees.TotalWeight))
	floor := new(uint256.Int).Sub(split.Net, tolerance)
	if hints.Gt(split.Net) || hints.Lt(floor) {
		return records.Basket{}, common.Address{}, fmt.Errorf("engine: 订单卖出之和 %s 不在 [%s, %s] 内: %w",
			hints.Dec(), floor.Dec(), split.Net.Dec(), failure.ErrReconciliationMismatch)
	}

	base := records.Basket{}
	if req.BasketID != 0 {
		existing, err := e.baskets.Get(ctx, req.BasketID)
		if err != nil {
			return records.Basket{}, common.Address{}, err
		}
		if existing.Owner != req.Caller {
			return records.Basket{}, common.Address{}, fmt.Errorf("engine: %s 不是篮子 %d 的所有者: %w",
				req.Caller.Hex(), req.BasketID, failure.ErrUnauthorized)
		}
		if req.ReplicatedFrom != 0 && req.ReplicatedFrom != existing.ReplicatedFrom {
			return records.Basket{}, common.Address{}, fmt.Errorf("engine: 篮子 %d 的复制来源不可更改: %w", req.BasketID, failure.ErrInvalidRequest)
		}
		base = existing
	}
	if err := e.ledger.Check(base, tokens); err != nil {
		return records.Basket{}, common.Address{}, err
	}

	source := req.ReplicatedFrom
	if req.BasketID != 0 {
		source = base.ReplicatedFrom
	}
	if source == 0 {
		return base, common.Address{}, nil
	}
	origin, err := e.baskets.Get(ctx, source)
	if err != nil {
		return records.Basket{}, common.Address{}, fmt.Errorf("engine: 复制来源: %w", err)
	}
	return base, origin.Owner, nil
}

// resolve 用一次加载的快照解析全部订单，任何一个失败即整体失败。
func (e *Engine) resolve(req Request) ([]resolved, error) {
	snapshot := e.holder.Snapshot()
	out := make([]resolved, 0, len(req.Orders))
	for i, order := range req.Orders {
		name := order.Operator
		if name.IsZero() {
			name = e.defaultOperator
		}
		addr, err := snapshot.Resolve(name)
		if err != nil {
			return nil, fmt.Errorf("engine: 第%d个订单: %w", i, err)
		}
		handler, ok := e.directory.Lookup(addr)
		if !ok {
			return nil, fmt.Errorf("engine: 第%d个订单 %q 的地址 %s 未部署: %w",
				i, name.String(), addr.Hex(), failure.ErrUnknownHandler)
		}
		out = append(out, resolved{name: name, address: addr, handler: handler})
	}
	return out, nil
}

// execute 在 overlay 中转入资金并按顺序执行订单，返回获得结果与总花费。
func (e *Engine) execute(ctx context.Context, overlay *chain.Overlay, req Request, handlers []resolved) ([]Acquisition, *uint256.Int, error) {
	if err := overlay.Transfer(ctx, req.SourceToken, req.Caller, e.reserve, req.TotalSellAmount); err != nil {
		return nil, nil, fmt.Errorf("engine: 转入资金失败: %w", err)
	}

	env := swap.Env{Ledger: overlay, Targets: e.targets, Holder: e.reserve}
	spent := new(uint256.Int)
	acquired := make([]Acquisition, 0, len(req.Orders))
	for i, order := range req.Orders {
		target := order.CallTarget
		if target == (common.Address{}) {
			target = req.SwapTarget
		}
		h := handlers[i]
		res, err := h.handler.Execute(ctx, env, swap.Request{
			SourceToken: req.SourceToken,
			Amount:      order.SellAmountHint,
			TargetToken: order.Token,
			CallTarget:  target,
			CallData:    order.CallData,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("engine: 第%d个订单(%s)执行失败: %w", i, order.Token.Hex(), err)
		}
		spent.Add(spent, res.Spent)
		acquired = append(acquired, Acquisition{
			Token:    order.Token,
			Operator: h.name,
			Handler:  h.address,
			Kind:     h.handler.Kind(),
			Spent:    res.Spent,
			Acquired: res.Acquired,
		})
	}
	return acquired, spent, nil
}

// settleFees 分发手续费，未花费的部分退还调用方。
// vault 是保留账户：截断余数，以及没有收款方时的版税，都转入 vault 留存。
func (e *Engine) settleFees(ctx context.Context, overlay *chain.Overlay, req Request, cfg fees.Config, split fees.Split, royaltyTo common.Address, spent *uint256.Int) (*uint256.Int, error) {
	for _, share := range split.Shares {
		if err := overlay.Transfer(ctx, req.SourceToken, e.reserve, share.Beneficiary, share.Amount); err != nil {
			return nil, fmt.Errorf("engine: 分发手续费失败: %w", err)
		}
	}
	retained := split.Remainder.Clone()
	if royaltyTo == (common.Address{}) {
		retained.Add(retained, split.Royalties)
	} else if err := overlay.Transfer(ctx, req.SourceToken, e.reserve, royaltyTo, split.Royalties); err != nil {
		return nil, fmt.Errorf("engine: 支付版税失败: %w", err)
	}
	if err := overlay.Transfer(ctx, req.SourceToken, e.reserve, cfg.Vault, retained); err != nil {
		return nil, fmt.Errorf("engine: 保留手续费余数失败: %w", err)
	}

	if spent.Gt(split.Net) {
		return nil, fmt.Errorf("engine: 实际花费 %s 超过净额 %s: %w", spent.Dec(), split.Net.Dec(), failure.ErrReconciliationMismatch)
	}
	refund := new(uint256.Int).Sub(split.Net, spent)
	if err := overlay.Transfer(ctx, req.SourceToken, e.reserve, req.Caller, refund); err != nil {
		return nil, fmt.Errorf("engine: 退还剩余资金失败: %w", err)
	}
	return refund, nil
}

func commitPayload(id string, req Request, receipt Receipt, basket records.Basket) journal.CommitPayload {
	payload := journal.CommitPayload{
		ExecutionID:     id,
		Caller:          req.Caller.Hex(),
		SourceToken:     req.SourceToken.Hex(),
		TotalSellAmount: req.TotalSellAmount.Dec(),
		FeePortion:      receipt.Fees.FeePortion.Dec(),
		Retained:        receipt.Fees.Remainder.Dec(),
		Royalties:       receipt.Fees.Royalties.Dec(),
		Refund:          receipt.Refund.Dec(),
	}
	if receipt.RoyaltyRecipient != (common.Address{}) {
		payload.RoyaltyRecipient = receipt.RoyaltyRecipient.Hex()
	} else {
		payload.Retained = new(uint256.Int).Add(receipt.Fees.Remainder, receipt.Fees.Royalties).Dec()
	}
	for _, share := range receipt.Fees.Shares {
		payload.Shares = append(payload.Shares, journal.SharePayload{Beneficiary: share.Beneficiary.Hex(), Amount: share.Amount.Dec()})
	}
	for _, acq := range receipt.Acquired {
		payload.Acquired = append(payload.Acquired, journal.HoldingPayload{Token: acq.Token.Hex(), Amount: acq.Acquired.Dec()})
	}
	for _, h := range basket.Holdings {
		payload.Holdings = append(payload.Holdings, journal.HoldingPayload{Token: h.Token.Hex(), Amount: h.Amount.Dec()})
	}
	return payload
}
