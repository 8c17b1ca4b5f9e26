package oracle

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/NestedFinance/nested-core-lego/internal/engine"
	"github.com/NestedFinance/nested-core-lego/internal/failure"
	"github.com/NestedFinance/nested-core-lego/internal/fees"
	"github.com/NestedFinance/nested-core-lego/internal/operator"
)

// maxConcurrentQuotes 限制同时进行的报价数量。
const maxConcurrentQuotes = 8

// QuoteAll 并发获取全部报价，失败的报价记录日志后被跳过，结果保持请求顺序。
func QuoteAll(ctx context.Context, quoter Quoter, reqs []QuoteRequest, logger *zap.Logger) ([]Quote, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	results := make([]*Quote, len(reqs))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(maxConcurrentQuotes)

	for i, req := range reqs {
		group.Go(func() error {
			quote, err := quoter.Quote(groupCtx, req)
			if err != nil {
				logger.Warn("报价失败，跳过该代币",
					zap.String("sell_token", req.SellToken.Hex()),
					zap.String("buy_token", req.BuyToken.Hex()),
					zap.Error(err),
				)
				return nil
			}
			results[i] = &quote
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	quotes := make([]Quote, 0, len(results))
	for _, q := range results {
		if q != nil {
			quotes = append(quotes, *q)
		}
	}
	return quotes, nil
}

// BuildParams 为由报价构造执行请求所需的其余参数。
type BuildParams struct {
	BasketID     uint64
	Caller       common.Address
	SourceToken  common.Address
	MetadataURI  string
	Operator     operator.Name
	ToleranceBps uint64
	Fees         fees.Config
}

// BuildRequest 由报价构造执行请求。总卖出额包含手续费缓冲，使扣费后的净额恰好等于各报价卖出额之和。
func BuildRequest(params BuildParams, quotes []Quote) (engine.Request, error) {
	if len(quotes) == 0 {
		return engine.Request{}, fmt.Errorf("oracle: 没有可用报价: %w", failure.ErrInvalidRequest)
	}

	sum := new(uint256.Int)
	orders := make([]engine.Order, 0, len(quotes))
	for _, q := range quotes {
		if q.SellToken != params.SourceToken {
			return engine.Request{}, fmt.Errorf("oracle: 报价卖出代币 %s 与源代币不一致: %w", q.SellToken.Hex(), failure.ErrInvalidRequest)
		}
		if _, overflow := sum.AddOverflow(sum, q.SellAmount); overflow {
			return engine.Request{}, fmt.Errorf("oracle: 卖出总额溢出: %w", failure.ErrInvalidRequest)
		}
		orders = append(orders, engine.Order{
			Operator:       params.Operator,
			Token:          q.BuyToken,
			CallTarget:     q.To,
			CallData:       append([]byte(nil), q.Data...),
			SellAmountHint: q.SellAmount.Clone(),
		})
	}

	total, err := GrossFor(params.Fees, sum)
	if err != nil {
		return engine.Request{}, err
	}

	return engine.Request{
		BasketID:        params.BasketID,
		Caller:          params.Caller,
		MetadataURI:     params.MetadataURI,
		SourceToken:     params.SourceToken,
		TotalSellAmount: total,
		ToleranceBps:    params.ToleranceBps,
		Orders:          orders,
	}, nil
}

// GrossFor 返回扣除手续费后净额恰为 net 的最小总额。
func GrossFor(cfg fees.Config, net *uint256.Int) (*uint256.Int, error) {
	if cfg.RateBps >= fees.TotalWeight {
		return nil, fmt.Errorf("oracle: 费率 %d 下净额无法为正: %w", cfg.RateBps, failure.ErrInvalidConfiguration)
	}
	gross, overflow := new(uint256.Int).MulDivOverflow(net, uint256.NewInt(fees.TotalWeight), uint256.NewInt(fees.TotalWeight-cfg.RateBps))
	if overflow {
		return nil, fmt.Errorf("oracle: 总额溢出: %w", failure.ErrInvalidRequest)
	}
	netOf := func(g *uint256.Int) *uint256.Int {
		return new(uint256.Int).Sub(g, cfg.FeeFor(g))
	}
	one := uint256.NewInt(1)
	for netOf(gross).Lt(net) {
		gross.Add(gross, one)
	}
	for !gross.IsZero() && !netOf(new(uint256.Int).Sub(gross, one)).Lt(net) {
		gross.Sub(gross, one)
	}
	return gross, nil
}
