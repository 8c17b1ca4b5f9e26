package swap

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"github.com/NestedFinance/nested-core-lego/internal/chain"
	"github.com/NestedFinance/nested-core-lego/internal/failure"
)

var (
	dai     = common.HexToAddress("0x00000000000000000000000000000000000000d1")
	uni     = common.HexToAddress("0x00000000000000000000000000000000000000d2")
	reserve = common.HexToAddress("0x00000000000000000000000000000000000000e5")
	router  = common.HexToAddress("0x0000000000000000000000000000000000000aaa")
	greedy  = common.HexToAddress("0x0000000000000000000000000000000000000bad")
	stingy  = common.HexToAddress("0x0000000000000000000000000000000000000ccc")
)

func u(v uint64) *uint256.Int { return uint256.NewInt(v) }

// greedyTarget 直接从调用方转走全部余额，绕过授权。
type greedyTarget struct{ token common.Address }

func (g greedyTarget) Call(ctx context.Context, call chain.Call) error {
	bal, err := call.Ledger.BalanceOf(ctx, g.token, call.Sender)
	if err != nil {
		return err
	}
	return call.Ledger.Transfer(ctx, g.token, call.Sender, call.Self, bal)
}

// stingyTarget 收取授权额度但不返还任何代币。
type stingyTarget struct {
	token  common.Address
	amount *uint256.Int
}

func (s stingyTarget) Call(ctx context.Context, call chain.Call) error {
	return call.Ledger.TransferFrom(ctx, call.Self, s.token, call.Sender, call.Self, s.amount)
}

func newEnv(t *testing.T) (Env, *chain.Overlay) {
	t.Helper()
	ctx := context.Background()
	book := chain.NewMemoryBook()
	require.NoError(t, book.Credit(ctx, dai, reserve, u(2000)))
	require.NoError(t, book.Credit(ctx, uni, router, u(5000)))

	targets := chain.NewTargets()
	targets.Register(router, chain.NewRouter(nil))
	targets.Register(greedy, greedyTarget{token: dai})
	targets.Register(stingy, stingyTarget{token: dai, amount: u(1000)})

	overlay := chain.NewOverlay(book)
	return Env{Ledger: overlay, Targets: targets, Holder: reserve}, overlay
}

func TestRoutedSwapMeasuresDeltas(t *testing.T) {
	ctx := context.Background()
	env, overlay := newEnv(t)

	data, err := chain.EncodeDummySwap(dai, uni, u(1000))
	require.NoError(t, err)

	res, err := NewRoutedSwap(common.Address{}, nil).Execute(ctx, env, Request{
		SourceToken: dai, Amount: u(1000), TargetToken: uni, CallTarget: router, CallData: data,
	})
	require.NoError(t, err)
	require.Equal(t, u(1000), res.Acquired)
	require.Equal(t, u(1000), res.Spent)

	left, err := overlay.Allowance(ctx, dai, reserve, router)
	require.NoError(t, err)
	require.True(t, left.IsZero(), "allowance revoked")
}

func TestRoutedSwapRejectsZeroBeforeCalling(t *testing.T) {
	ctx := context.Background()
	env, overlay := newEnv(t)

	_, err := NewRoutedSwap(common.Address{}, nil).Execute(ctx, env, Request{
		SourceToken: dai, Amount: u(0), TargetToken: uni, CallTarget: greedy,
	})
	require.ErrorIs(t, err, failure.ErrZeroAcquired)
	require.Empty(t, overlay.Changes())
}

func TestRoutedSwapRevert(t *testing.T) {
	ctx := context.Background()
	env, _ := newEnv(t)

	_, err := NewRoutedSwap(common.Address{}, nil).Execute(ctx, env, Request{
		SourceToken: dai, Amount: u(10), TargetToken: uni, CallTarget: router, CallData: []byte{1, 2, 3, 4},
	})
	require.ErrorIs(t, err, failure.ErrSwapExecutionFailed)
	require.Equal(t, "SwapExecutionFailed", failure.KindOf(err))
}

func TestRoutedSwapMissingTarget(t *testing.T) {
	env, _ := newEnv(t)
	_, err := NewRoutedSwap(common.Address{}, nil).Execute(context.Background(), env, Request{
		SourceToken: dai, Amount: u(10), TargetToken: uni, CallTarget: common.HexToAddress("0x1234"),
	})
	require.ErrorIs(t, err, failure.ErrSwapExecutionFailed)
}

func TestRoutedSwapZeroAcquired(t *testing.T) {
	env, _ := newEnv(t)
	_, err := NewRoutedSwap(common.Address{}, nil).Execute(context.Background(), env, Request{
		SourceToken: dai, Amount: u(1000), TargetToken: uni, CallTarget: stingy,
	})
	require.ErrorIs(t, err, failure.ErrZeroAcquired)
}

func TestRoutedSwapCannotOverspend(t *testing.T) {
	env, _ := newEnv(t)
	_, err := NewRoutedSwap(common.Address{}, nil).Execute(context.Background(), env, Request{
		SourceToken: dai, Amount: u(10), TargetToken: uni, CallTarget: greedy,
	})
	require.ErrorIs(t, err, failure.ErrSwapExecutionFailed)
}

func TestRoutedSwapFixedTargetOverridesOrder(t *testing.T) {
	ctx := context.Background()
	env, _ := newEnv(t)

	data, err := chain.EncodeFillQuote(dai, uni, u(100), u(40))
	require.NoError(t, err)

	res, err := NewRoutedSwap(router, nil).Execute(ctx, env, Request{
		SourceToken: dai, Amount: u(100), TargetToken: uni, CallTarget: greedy, CallData: data,
	})
	require.NoError(t, err)
	require.Equal(t, u(40), res.Acquired)
}

func TestDirectTransfer(t *testing.T) {
	env, _ := newEnv(t)

	res, err := DirectTransfer{}.Execute(context.Background(), env, Request{SourceToken: dai, TargetToken: dai, Amount: u(7)})
	require.NoError(t, err)
	require.Equal(t, u(7), res.Acquired)
	require.Equal(t, u(7), res.Spent)

	_, err = DirectTransfer{}.Execute(context.Background(), env, Request{SourceToken: dai, TargetToken: uni, Amount: u(7)})
	require.ErrorIs(t, err, failure.ErrTokenMismatch)
}

func TestDirectoryDeploy(t *testing.T) {
	dir := NewDirectory()
	require.ErrorIs(t, dir.Deploy(common.Address{}, DirectTransfer{}), failure.ErrInvalidRequest)
	require.NoError(t, dir.Deploy(router, NewRoutedSwap(common.Address{}, nil)))

	h, ok := dir.Lookup(router)
	require.True(t, ok)
	require.Equal(t, KindRouted, h.Kind())
	require.Equal(t, map[common.Address]Kind{router: KindRouted}, dir.Kinds())
}
