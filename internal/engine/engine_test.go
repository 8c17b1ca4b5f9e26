package engine

import (
	"context"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NestedFinance/nested-core-lego/internal/chain"
	"github.com/NestedFinance/nested-core-lego/internal/failure"
	"github.com/NestedFinance/nested-core-lego/internal/fees"
	"github.com/NestedFinance/nested-core-lego/internal/lock"
	"github.com/NestedFinance/nested-core-lego/internal/operator"
	"github.com/NestedFinance/nested-core-lego/internal/records"
	"github.com/NestedFinance/nested-core-lego/internal/swap"
)

var (
	caller   = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	stranger = common.HexToAddress("0x00000000000000000000000000000000000000c2")
	weth     = common.HexToAddress("0x00000000000000000000000000000000000000d0")
	dai      = common.HexToAddress("0x00000000000000000000000000000000000000d1")
	mkr      = common.HexToAddress("0x00000000000000000000000000000000000000d2")
	uni      = common.HexToAddress("0x00000000000000000000000000000000000000d3")
	reserve  = common.HexToAddress("0x00000000000000000000000000000000000000e5")
	vault    = common.HexToAddress("0x00000000000000000000000000000000000000f1")
	treasury = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	royalty  = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	zeroExAt = common.HexToAddress("0x0000000000000000000000000000000000000aaa")
	flatAt   = common.HexToAddress("0x0000000000000000000000000000000000000bbb")
	routerAt = common.HexToAddress("0x0000000000000000000000000000000000000def")

	zeroEx = operator.MustName("ZeroEx")
	flat   = operator.MustName("Flat")
)

func u(v uint64) *uint256.Int { return uint256.NewInt(v) }

type recordingObserver struct {
	NopObserver
	mu          sync.Mutex
	transitions []State
	aborts      []Abort
	commits     []Receipt
}

func (r *recordingObserver) StateChanged(_ context.Context, t Transition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, t.To)
}

func (r *recordingObserver) Aborted(_ context.Context, _ Request, a Abort) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.aborts = append(r.aborts, a)
}

func (r *recordingObserver) Committed(_ context.Context, _ Request, receipt Receipt) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commits = append(r.commits, receipt)
}

type harness struct {
	engine   *Engine
	book     *chain.MemoryBook
	repo     *records.MemoryRepository
	registry *operator.Registry
	locker   *lock.MemoryLocker
	observer *recordingObserver
}

func newHarness(t *testing.T, maxHoldings int) *harness {
	t.Helper()
	ctx := context.Background()

	book := chain.NewMemoryBook()
	require.NoError(t, book.Credit(ctx, weth, caller, u(10000)))
	for _, token := range []common.Address{dai, mkr, uni} {
		require.NoError(t, book.Credit(ctx, token, routerAt, u(1_000_000)))
	}

	targets := chain.NewTargets()
	targets.Register(routerAt, chain.NewRouter(nil))

	directory := swap.NewDirectory()
	require.NoError(t, directory.Deploy(zeroExAt, swap.NewRoutedSwap(common.Address{}, nil)))
	require.NoError(t, directory.Deploy(flatAt, swap.DirectTransfer{}))

	registry := operator.NewRegistry(nil, nil)
	require.NoError(t, registry.Import(ctx, []operator.Name{zeroEx, flat}, []common.Address{zeroExAt, flatAt}))

	splitter, err := fees.NewSplitter(fees.Config{
		RateBps: 100,
		Vault:   vault,
		Beneficiaries: []fees.Beneficiary{
			{Address: treasury, Weight: 8000},
			{Address: royalty, Weight: 2000},
		},
	}, nil, nil)
	require.NoError(t, err)

	repo := records.NewMemoryRepository()
	locker := lock.NewMemoryLocker()
	observer := &recordingObserver{}
	eng, err := New(Deps{
		Registry:  registry,
		Directory: directory,
		Targets:   targets,
		Book:      book,
		Baskets:   repo,
		Settler:   NewMemorySettler(book, repo),
		Fees:      splitter,
		Locker:    locker,
		Observer:  observer,
	}, Options{Reserve: reserve, DefaultOperator: zeroEx, MaxHoldings: maxHoldings}, nil)
	require.NoError(t, err)

	eng.AddOperator(zeroEx, flat)
	eng.RebuildCache(ctx)
	require.True(t, eng.IsCached())

	return &harness{engine: eng, book: book, repo: repo, registry: registry, locker: locker, observer: observer}
}

func swapOrder(t *testing.T, token common.Address, amount uint64) Order {
	t.Helper()
	data, err := chain.EncodeDummySwap(weth, token, u(amount))
	require.NoError(t, err)
	return Order{Operator: zeroEx, Token: token, CallData: data, SellAmountHint: u(amount)}
}

func basketRequest(total uint64, orders ...Order) Request {
	return Request{
		Caller:          caller,
		MetadataURI:     "ipfs://basket",
		SourceToken:     weth,
		TotalSellAmount: u(total),
		SwapTarget:      routerAt,
		Orders:          orders,
	}
}

func (h *harness) balance(t *testing.T, token, holder common.Address) *uint256.Int {
	t.Helper()
	bal, err := h.book.BalanceOf(context.Background(), token, holder)
	require.NoError(t, err)
	return bal
}

func TestCreateBasketSplitsFeesAndRecordsHoldings(t *testing.T) {
	h := newHarness(t, 15)

	receipt, err := h.engine.CreateOrExtendBasket(context.Background(),
		basketRequest(1000, swapOrder(t, dai, 600), swapOrder(t, mkr, 390)))
	require.NoError(t, err)

	require.Equal(t, uint64(1), receipt.BasketID)
	require.True(t, receipt.Created)
	require.Equal(t, u(10), receipt.Fees.FeePortion)
	require.Equal(t, u(8), receipt.Fees.Shares[0].Amount)
	require.Equal(t, u(2), receipt.Fees.Shares[1].Amount)
	require.True(t, receipt.Fees.Remainder.IsZero())
	require.True(t, receipt.Refund.IsZero())

	basket, err := h.engine.Holdings(context.Background(), receipt.BasketID)
	require.NoError(t, err)
	require.Equal(t, []records.Holding{{Token: dai, Amount: u(600)}, {Token: mkr, Amount: u(390)}}, basket.Holdings)
	require.Equal(t, caller, basket.Owner)

	total := new(uint256.Int)
	for _, holding := range basket.Holdings {
		total.Add(total, holding.Amount)
	}
	require.Equal(t, u(990), total)

	assert.Equal(t, u(9000), h.balance(t, weth, caller))
	assert.Equal(t, u(8), h.balance(t, weth, treasury))
	assert.Equal(t, u(2), h.balance(t, weth, royalty))
	assert.Equal(t, u(600), h.balance(t, dai, reserve))
	assert.Equal(t, u(390), h.balance(t, mkr, reserve))
	assert.True(t, h.balance(t, weth, reserve).IsZero())

	require.Equal(t, []State{StateValidating, StateResolving, StateExecuting, StateSettling, StateCommitted}, h.observer.transitions)
}

func TestFailingOrderLeavesNoTrace(t *testing.T) {
	h := newHarness(t, 15)
	bad := swapOrder(t, mkr, 390)
	bad.CallData = []byte{0xde, 0xad, 0xbe, 0xef}

	_, err := h.engine.CreateOrExtendBasket(context.Background(),
		basketRequest(1000, swapOrder(t, dai, 600), bad))
	require.ErrorIs(t, err, failure.ErrSwapExecutionFailed)
	require.Equal(t, "SwapExecutionFailed", failure.KindOf(err))

	assert.Equal(t, u(10000), h.balance(t, weth, caller))
	assert.True(t, h.balance(t, dai, reserve).IsZero())
	assert.True(t, h.balance(t, weth, treasury).IsZero())
	_, err = h.engine.Holdings(context.Background(), 1)
	require.ErrorIs(t, err, failure.ErrNotFound)

	require.Len(t, h.observer.aborts, 1)
	require.Equal(t, StateExecuting, h.observer.aborts[0].State)
}

func TestFailingExtensionKeepsBasketIdentical(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 15)
	receipt, err := h.engine.CreateOrExtendBasket(ctx, basketRequest(1000, swapOrder(t, dai, 990)))
	require.NoError(t, err)
	before, err := h.engine.Holdings(ctx, receipt.BasketID)
	require.NoError(t, err)

	zero := swapOrder(t, uni, 100)
	zero.CallData, err = chain.EncodeDummySwap(weth, uni, u(0))
	require.NoError(t, err)

	req := basketRequest(200, swapOrder(t, mkr, 98), zero)
	req.BasketID = receipt.BasketID
	_, err = h.engine.CreateOrExtendBasket(ctx, req)
	require.Error(t, err)

	after, err := h.engine.Holdings(ctx, receipt.BasketID)
	require.NoError(t, err)
	require.Equal(t, before, after)
}

func TestExtendMergesSameToken(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 15)
	first, err := h.engine.CreateOrExtendBasket(ctx, basketRequest(1000, swapOrder(t, dai, 600), swapOrder(t, mkr, 390)))
	require.NoError(t, err)

	req := basketRequest(100, swapOrder(t, dai, 50), swapOrder(t, dai, 49))
	req.BasketID = first.BasketID
	second, err := h.engine.CreateOrExtendBasket(ctx, req)
	require.NoError(t, err)
	require.False(t, second.Created)
	require.Equal(t, first.BasketID, second.BasketID)

	basket, err := h.engine.Holdings(ctx, first.BasketID)
	require.NoError(t, err)
	require.Equal(t, []records.Holding{{Token: dai, Amount: u(699)}, {Token: mkr, Amount: u(390)}}, basket.Holdings)
	require.Equal(t, u(1100), basket.TotalSellAmount)
}

func TestExtendAtMaxHoldingsFails(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 2)
	first, err := h.engine.CreateOrExtendBasket(ctx, basketRequest(1000, swapOrder(t, dai, 600), swapOrder(t, mkr, 390)))
	require.NoError(t, err)

	req := basketRequest(100, swapOrder(t, uni, 99))
	req.BasketID = first.BasketID
	_, err = h.engine.CreateOrExtendBasket(ctx, req)
	require.ErrorIs(t, err, failure.ErrHoldingsLimitExceeded)

	basket, err := h.engine.Holdings(ctx, first.BasketID)
	require.NoError(t, err)
	require.Len(t, basket.Holdings, 2)
	assert.Equal(t, u(9000), h.balance(t, weth, caller))
}

func TestExtendRequiresOwnerAndExistingBasket(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 15)
	first, err := h.engine.CreateOrExtendBasket(ctx, basketRequest(1000, swapOrder(t, dai, 990)))
	require.NoError(t, err)

	req := basketRequest(100, swapOrder(t, dai, 99))
	req.BasketID = 42
	_, err = h.engine.CreateOrExtendBasket(ctx, req)
	require.ErrorIs(t, err, failure.ErrNotFound)

	req.BasketID = first.BasketID
	req.Caller = stranger
	_, err = h.engine.CreateOrExtendBasket(ctx, req)
	require.ErrorIs(t, err, failure.ErrUnauthorized)
}

func TestConcurrentExtensionIsRejected(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 15)
	first, err := h.engine.CreateOrExtendBasket(ctx, basketRequest(1000, swapOrder(t, dai, 990)))
	require.NoError(t, err)

	unlock, err := h.locker.TryLock(ctx, basketLockKey(first.BasketID))
	require.NoError(t, err)

	req := basketRequest(100, swapOrder(t, dai, 99))
	req.BasketID = first.BasketID
	_, err = h.engine.CreateOrExtendBasket(ctx, req)
	require.ErrorIs(t, err, failure.ErrConflict)

	require.NoError(t, unlock(ctx))
	_, err = h.engine.CreateOrExtendBasket(ctx, req)
	require.NoError(t, err)
}

func TestValidationFailures(t *testing.T) {
	h := newHarness(t, 15)
	ctx := context.Background()

	cases := []struct {
		name string
		req  Request
		want error
	}{
		{"no orders", basketRequest(1000), failure.ErrInvalidRequest},
		{"zero total", basketRequest(0, swapOrder(t, dai, 1)), failure.ErrInvalidRequest},
		{"zero hint", basketRequest(1000, Order{Token: dai, SellAmountHint: u(0)}), failure.ErrInvalidRequest},
		{"hints above net", basketRequest(1000, swapOrder(t, dai, 1000)), failure.ErrReconciliationMismatch},
		{"hints below net", basketRequest(1000, swapOrder(t, dai, 980)), failure.ErrReconciliationMismatch},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.engine.CreateOrExtendBasket(ctx, tc.req)
			require.ErrorIs(t, err, tc.want)
		})
	}
	assert.Equal(t, u(10000), h.balance(t, weth, caller))
}

func TestToleranceRefundsUnspentSource(t *testing.T) {
	h := newHarness(t, 15)
	req := basketRequest(1000, swapOrder(t, dai, 600), swapOrder(t, mkr, 385))
	req.ToleranceBps = 100

	receipt, err := h.engine.CreateOrExtendBasket(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, u(5), receipt.Refund)
	assert.Equal(t, u(9005), h.balance(t, weth, caller))
}

func TestUnknownHandlerUntilRebuild(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 15)
	uniswap := operator.MustName("Uniswap")

	order := swapOrder(t, dai, 990)
	order.Operator = uniswap
	_, err := h.engine.CreateOrExtendBasket(ctx, basketRequest(1000, order))
	require.ErrorIs(t, err, failure.ErrUnknownHandler)

	require.NoError(t, h.registry.Import(ctx, []operator.Name{uniswap}, []common.Address{zeroExAt}))
	_, err = h.engine.CreateOrExtendBasket(ctx, basketRequest(1000, order))
	require.ErrorIs(t, err, failure.ErrUnknownHandler, "imported but not rebuilt")

	h.engine.RebuildCache(ctx)
	_, err = h.engine.CreateOrExtendBasket(ctx, basketRequest(1000, order))
	require.NoError(t, err)
}

func TestResolvedAddressWithoutDeploymentIsUnknown(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 15)
	ghost := operator.MustName("Ghost")
	require.NoError(t, h.registry.Import(ctx, []operator.Name{ghost}, []common.Address{common.HexToAddress("0x0dead")}))
	h.engine.RebuildCache(ctx)

	order := swapOrder(t, dai, 990)
	order.Operator = ghost
	_, err := h.engine.CreateOrExtendBasket(ctx, basketRequest(1000, order))
	require.ErrorIs(t, err, failure.ErrUnknownHandler)
}

func TestStaleCacheKeepsPreviousAddress(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 15)

	require.NoError(t, h.registry.Import(ctx, []operator.Name{zeroEx}, []common.Address{flatAt}))
	require.False(t, h.engine.IsCached())

	addr, err := h.engine.Resolve(zeroEx)
	require.NoError(t, err)
	require.Equal(t, zeroExAt, addr)

	_, err = h.engine.CreateOrExtendBasket(ctx, basketRequest(1000, swapOrder(t, dai, 990)))
	require.NoError(t, err)
}

func TestDirectTransferKeepsSourceToken(t *testing.T) {
	h := newHarness(t, 15)
	order := Order{Operator: flat, Token: weth, SellAmountHint: u(990)}

	receipt, err := h.engine.CreateOrExtendBasket(context.Background(), basketRequest(1000, order))
	require.NoError(t, err)
	require.Equal(t, []records.Holding{{Token: weth, Amount: u(990)}}, receipt.Basket.Holdings)
	assert.Equal(t, u(990), h.balance(t, weth, reserve))

	mismatch := Order{Operator: flat, Token: dai, SellAmountHint: u(990)}
	_, err = h.engine.CreateOrExtendBasket(context.Background(), basketRequest(1000, mismatch))
	require.ErrorIs(t, err, failure.ErrTokenMismatch)
}

func TestInsufficientFundingAborts(t *testing.T) {
	h := newHarness(t, 15)
	req := basketRequest(20000, swapOrder(t, dai, 19800))
	_, err := h.engine.CreateOrExtendBasket(context.Background(), req)
	require.ErrorIs(t, err, failure.ErrInsufficientBalance)
}

func TestConcurrentCreatesCannotOverdraw(t *testing.T) {
	h := newHarness(t, 15)
	ctx := context.Background()

	req := basketRequest(6000, swapOrder(t, dai, 5940))
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.engine.CreateOrExtendBasket(ctx, req)
		}(i)
	}
	wg.Wait()

	failed := 0
	for _, err := range errs {
		if err != nil {
			failed++
			require.ErrorIs(t, err, failure.ErrInsufficientBalance)
		}
	}
	require.Equal(t, 1, failed)
	assert.Equal(t, u(4000), h.balance(t, weth, caller))
}

func TestFeeUpdateAppliesToLaterCalls(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 15)
	cfg := h.engine.FeeConfiguration()
	cfg.RateBps = 0
	require.NoError(t, h.engine.UpdateFeeConfiguration(ctx, cfg))

	receipt, err := h.engine.CreateOrExtendBasket(ctx, basketRequest(1000, swapOrder(t, dai, 1000)))
	require.NoError(t, err)
	require.True(t, receipt.Fees.FeePortion.IsZero())

	cfg.Beneficiaries[0].Weight = 1
	require.ErrorIs(t, h.engine.UpdateFeeConfiguration(ctx, cfg), failure.ErrInvalidConfiguration)
}

func royaltiesConfig() fees.Config {
	return fees.Config{
		RateBps:         100,
		Vault:           vault,
		Beneficiaries:   []fees.Beneficiary{{Address: treasury, Weight: 8000}},
		RoyaltiesWeight: 2000,
	}
}

func TestReplicatedBasketPaysRoyaltiesToSourceOwner(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 15)
	require.NoError(t, h.engine.UpdateFeeConfiguration(ctx, royaltiesConfig()))
	require.NoError(t, h.book.Credit(ctx, weth, stranger, u(10000)))

	source, err := h.engine.CreateOrExtendBasket(ctx, basketRequest(1000, swapOrder(t, dai, 990)))
	require.NoError(t, err)
	require.Equal(t, common.Address{}, source.RoyaltyRecipient)
	require.Equal(t, u(2), source.Fees.Royalties)
	assert.Equal(t, u(2), h.balance(t, weth, vault))
	assert.Equal(t, u(9000), h.balance(t, weth, caller))

	req := basketRequest(1000, swapOrder(t, dai, 990))
	req.Caller = stranger
	req.ReplicatedFrom = source.BasketID
	replica, err := h.engine.CreateOrExtendBasket(ctx, req)
	require.NoError(t, err)
	require.Equal(t, caller, replica.RoyaltyRecipient)
	require.Equal(t, source.BasketID, replica.Basket.ReplicatedFrom)
	require.Equal(t, stranger, replica.Basket.Owner)

	assert.Equal(t, u(9002), h.balance(t, weth, caller))
	assert.Equal(t, u(9000), h.balance(t, weth, stranger))
	assert.Equal(t, u(16), h.balance(t, weth, treasury))
	assert.Equal(t, u(2), h.balance(t, weth, vault))

	extend := basketRequest(1000, swapOrder(t, mkr, 990))
	extend.Caller = stranger
	extend.BasketID = replica.BasketID
	extended, err := h.engine.CreateOrExtendBasket(ctx, extend)
	require.NoError(t, err)
	require.Equal(t, caller, extended.RoyaltyRecipient)
	assert.Equal(t, u(9004), h.balance(t, weth, caller))

	extend.ReplicatedFrom = 7
	_, err = h.engine.CreateOrExtendBasket(ctx, extend)
	require.ErrorIs(t, err, failure.ErrInvalidRequest)
}

func TestReplicationFromMissingBasketIsRejected(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 15)

	req := basketRequest(1000, swapOrder(t, dai, 990))
	req.ReplicatedFrom = 999
	_, err := h.engine.CreateOrExtendBasket(ctx, req)
	require.ErrorIs(t, err, failure.ErrNotFound)

	assert.Equal(t, u(10000), h.balance(t, weth, caller))
	assert.True(t, h.balance(t, weth, treasury).IsZero())
	_, err = h.engine.Holdings(ctx, 1)
	require.ErrorIs(t, err, failure.ErrNotFound)
	require.Len(t, h.observer.aborts, 1)
	require.Equal(t, StateValidating, h.observer.aborts[0].State)
}
