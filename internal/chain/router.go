package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.uber.org/zap"
)

const routerABIJSON = `[
	{"type":"function","name":"dummyswapToken","stateMutability":"nonpayable","outputs":[],"inputs":[
		{"name":"sellToken","type":"address"},
		{"name":"buyToken","type":"address"},
		{"name":"amount","type":"uint256"}]},
	{"type":"function","name":"fillQuote","stateMutability":"nonpayable","outputs":[],"inputs":[
		{"name":"sellToken","type":"address"},
		{"name":"buyToken","type":"address"},
		{"name":"sellAmount","type":"uint256"},
		{"name":"buyAmount","type":"uint256"}]}
]`

var routerABI = mustParseABI(routerABIJSON)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("chain: 解析 router ABI 失败: %v", err))
	}
	return parsed
}

// ErrMalformedCallData 表示 calldata 无法被 router 解码。
var ErrMalformedCallData = errors.New("malformed calldata")

// EncodeDummySwap 编码 1:1 兑换指令。
func EncodeDummySwap(sellToken, buyToken common.Address, amount *uint256.Int) ([]byte, error) {
	return routerABI.Pack("dummyswapToken", sellToken, buyToken, amount.ToBig())
}

// EncodeFillQuote 编码按报价成交的兑换指令。
func EncodeFillQuote(sellToken, buyToken common.Address, sellAmount, buyAmount *uint256.Int) ([]byte, error) {
	return routerABI.Pack("fillQuote", sellToken, buyToken, sellAmount.ToBig(), buyAmount.ToBig())
}

// Router 是参考兑换路由：从调用方拉取卖出代币，并用自身库存支付买入代币。
type Router struct {
	logger *zap.Logger
}

var _ CallTarget = (*Router)(nil)

// NewRouter 创建 router。
func NewRouter(logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{logger: logger}
}

type routerCall struct {
	method     string
	sellToken  common.Address
	buyToken   common.Address
	sellAmount *uint256.Int
	buyAmount  *uint256.Int
}

func decodeRouterCall(data []byte) (routerCall, error) {
	if len(data) < 4 {
		return routerCall{}, fmt.Errorf("chain: calldata 长度不足: %w", ErrMalformedCallData)
	}
	method, err := routerABI.MethodById(data[:4])
	if err != nil {
		return routerCall{}, fmt.Errorf("chain: 未知的 router 方法: %w", ErrMalformedCallData)
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return routerCall{}, fmt.Errorf("chain: 解码 %s 参数失败: %v: %w", method.Name, err, ErrMalformedCallData)
	}

	call := routerCall{method: method.Name}
	call.sellToken, _ = args[0].(common.Address)
	call.buyToken, _ = args[1].(common.Address)
	if call.sellAmount, err = toUint256(args[2]); err != nil {
		return routerCall{}, err
	}
	switch method.Name {
	case "dummyswapToken":
		call.buyAmount = call.sellAmount.Clone()
	case "fillQuote":
		if call.buyAmount, err = toUint256(args[3]); err != nil {
			return routerCall{}, err
		}
	}
	return call, nil
}

func toUint256(v any) (*uint256.Int, error) {
	b, ok := v.(*big.Int)
	if !ok {
		return nil, fmt.Errorf("chain: 数量类型 %T 非法: %w", v, ErrMalformedCallData)
	}
	out, overflow := uint256.FromBig(b)
	if overflow {
		return nil, fmt.Errorf("chain: 数量溢出: %w", ErrMalformedCallData)
	}
	return out, nil
}

// Call 执行兑换。卖出与买入数量为零或代币相同都会 revert。
func (r *Router) Call(ctx context.Context, call Call) error {
	decoded, err := decodeRouterCall(call.Data)
	if err != nil {
		return err
	}
	if decoded.sellAmount.IsZero() || decoded.buyAmount.IsZero() {
		return fmt.Errorf("chain: router %s 数量为零", decoded.method)
	}
	if decoded.sellToken == decoded.buyToken {
		return fmt.Errorf("chain: router %s 买卖代币相同", decoded.method)
	}

	if err := call.Ledger.TransferFrom(ctx, call.Self, decoded.sellToken, call.Sender, call.Self, decoded.sellAmount); err != nil {
		return fmt.Errorf("chain: router 拉取卖出代币失败: %w", err)
	}
	if err := call.Ledger.Transfer(ctx, decoded.buyToken, call.Self, call.Sender, decoded.buyAmount); err != nil {
		return fmt.Errorf("chain: router 库存不足: %w", err)
	}

	r.logger.Debug("router 完成兑换",
		zap.String("method", decoded.method),
		zap.String("sell_token", decoded.sellToken.Hex()),
		zap.String("buy_token", decoded.buyToken.Hex()),
		zap.String("sell_amount", decoded.sellAmount.Dec()),
		zap.String("buy_amount", decoded.buyAmount.Dec()),
	)
	return nil
}
