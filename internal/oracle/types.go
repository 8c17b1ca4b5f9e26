package oracle

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	// ErrMaintenance 表示交易所处于维护状态。
	ErrMaintenance = errors.New("exchange on maintenance")
	// ErrUnknownToken 表示代币未配置交易所符号。
	ErrUnknownToken = errors.New("unknown token")
	// ErrNoPrice 表示交易所未返回可用价格。
	ErrNoPrice = errors.New("no price")
)

// QuoteRequest 描述一次报价请求。
type QuoteRequest struct {
	SellToken  common.Address
	BuyToken   common.Address
	SellAmount *uint256.Int
	// Slippage 为允许的最大滑点，零表示使用报价器默认值。
	Slippage   float64
}

// Quote 为可直接放入订单的兑换路由。
type Quote struct {
	SellToken  common.Address
	SellAmount *uint256.Int
	BuyToken   common.Address
	MinBuy     *uint256.Int
	To         common.Address
	Data       []byte
}

// Quoter 为报价来源。
type Quoter interface {
	Quote(ctx context.Context, req QuoteRequest) (Quote, error)
}
