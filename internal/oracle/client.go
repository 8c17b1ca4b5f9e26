package oracle

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/NestedFinance/nested-core-lego/internal/chain"
	"github.com/NestedFinance/nested-core-lego/internal/config"
	"github.com/NestedFinance/nested-core-lego/internal/failure"
)

type tickerClient interface {
	FetchTicker(symbol string, options ...ccxt.FetchTickerOptions) (ccxt.Ticker, error)
}

type tokenInfo struct {
	symbol   string
	decimals int32
}

// ExchangeQuoter 以交易所最新成交价为两种代币定价，并生成 router 的 fillQuote 调用。
type ExchangeQuoter struct {
	cfg        config.OracleConfig
	logger     *zap.Logger
	client     tickerClient
	swapTarget common.Address
	tokens     map[common.Address]tokenInfo
}

var _ Quoter = (*ExchangeQuoter)(nil)

// NewExchangeQuoter 构造基于 ccxt 的报价器。
func NewExchangeQuoter(cfg config.OracleConfig, logger *zap.Logger) (*ExchangeQuoter, error) {
	userConfig := map[string]interface{}{
		"enableRateLimit": true,
		"options": map[string]interface{}{
			"adjustForTimeDifference": true,
		},
	}

	switch strings.ToLower(cfg.Exchange) {
	case "binanceusdm":
		ex := ccxt.NewBinanceusdm(userConfig)
		if cfg.UseSandbox {
			ex.SetSandboxMode(true)
		}
		return newExchangeQuoter(cfg, ex, logger), nil
	default:
		return nil, fmt.Errorf("oracle: 不支持的交易所 %q", cfg.Exchange)
	}
}

func newExchangeQuoter(cfg config.OracleConfig, client tickerClient, logger *zap.Logger) *ExchangeQuoter {
	if logger == nil {
		logger = zap.NewNop()
	}
	tokens := make(map[common.Address]tokenInfo, len(cfg.Tokens))
	for _, tok := range cfg.Tokens {
		tokens[common.HexToAddress(tok.Address)] = tokenInfo{
			symbol:   strings.ToUpper(tok.Symbol),
			decimals: tok.Decimals,
		}
	}
	return &ExchangeQuoter{
		cfg:        cfg,
		logger:     logger,
		client:     client,
		swapTarget: common.HexToAddress(cfg.SwapTarget),
		tokens:     tokens,
	}
}

// Quote 实现 Quoter。最少买入数量按两种代币的报价资产价格折算并扣除滑点。
func (q *ExchangeQuoter) Quote(ctx context.Context, req QuoteRequest) (Quote, error) {
	if req.SellAmount == nil || req.SellAmount.IsZero() {
		return Quote{}, fmt.Errorf("oracle: 卖出数量为零: %w", failure.ErrInvalidRequest)
	}
	if req.SellToken == req.BuyToken {
		return Quote{}, fmt.Errorf("oracle: 买卖代币相同: %w", failure.ErrInvalidRequest)
	}
	sell, ok := q.tokens[req.SellToken]
	if !ok {
		return Quote{}, fmt.Errorf("oracle: %s: %w", req.SellToken.Hex(), ErrUnknownToken)
	}
	buy, ok := q.tokens[req.BuyToken]
	if !ok {
		return Quote{}, fmt.Errorf("oracle: %s: %w", req.BuyToken.Hex(), ErrUnknownToken)
	}

	sellPrice, err := q.price(ctx, sell.symbol)
	if err != nil {
		return Quote{}, err
	}
	buyPrice, err := q.price(ctx, buy.symbol)
	if err != nil {
		return Quote{}, err
	}

	slippage := req.Slippage
	if slippage <= 0 {
		slippage = q.cfg.Slippage
	}
	minBuy, err := convert(req.SellAmount, sell.decimals, sellPrice, buy.decimals, buyPrice, slippage)
	if err != nil {
		return Quote{}, err
	}

	data, err := chain.EncodeFillQuote(req.SellToken, req.BuyToken, req.SellAmount, minBuy)
	if err != nil {
		return Quote{}, fmt.Errorf("oracle: 编码 fillQuote 失败: %w", err)
	}

	q.logger.Debug("报价完成",
		zap.String("sell", sell.symbol),
		zap.String("buy", buy.symbol),
		zap.String("sell_amount", req.SellAmount.Dec()),
		zap.String("min_buy", minBuy.Dec()),
	)

	return Quote{
		SellToken:  req.SellToken,
		SellAmount: req.SellAmount.Clone(),
		BuyToken:   req.BuyToken,
		MinBuy:     minBuy,
		To:         q.swapTarget,
		Data:       data,
	}, nil
}

func convert(amount *uint256.Int, sellDecimals int32, sellPrice decimal.Decimal, buyDecimals int32, buyPrice decimal.Decimal, slippage float64) (*uint256.Int, error) {
	units := decimal.NewFromBigInt(amount.ToBig(), -sellDecimals)
	value := units.Mul(sellPrice)
	bought := value.Div(buyPrice).Mul(decimal.NewFromInt(1).Sub(decimal.NewFromFloat(slippage)))
	raw := bought.Shift(buyDecimals).Floor()
	if raw.Sign() <= 0 {
		return nil, fmt.Errorf("oracle: 折算买入数量为零: %w", failure.ErrZeroAcquired)
	}
	out, overflow := uint256.FromBig(raw.BigInt())
	if overflow {
		return nil, fmt.Errorf("oracle: 折算买入数量溢出: %w", failure.ErrInvalidRequest)
	}
	return out, nil
}

// price 返回 symbol 相对报价资产的最新价格，报价资产自身恒为1。
func (q *ExchangeQuoter) price(ctx context.Context, symbol string) (decimal.Decimal, error) {
	quote := strings.ToUpper(q.cfg.QuoteAsset)
	if symbol == quote {
		return decimal.NewFromInt(1), nil
	}
	market := fmt.Sprintf("%s/%s:%s", symbol, quote, quote)

	var ticker ccxt.Ticker
	err := q.callWithRetry(ctx, "fetch_ticker_"+symbol, func() error {
		result, err := q.client.FetchTicker(market)
		if err != nil {
			return err
		}
		ticker = result
		return nil
	})
	if err != nil {
		return decimal.Zero, err
	}

	if ticker.Last == nil || *ticker.Last <= 0 {
		return decimal.Zero, fmt.Errorf("oracle: %s: %w", market, ErrNoPrice)
	}
	return decimal.NewFromFloat(*ticker.Last), nil
}

func (q *ExchangeQuoter) callWithRetry(ctx context.Context, operation string, fn func() error) error {
	attempt := 0
	delay := q.cfg.Retry.MinDelay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	maxDelay := q.cfg.Retry.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 5 * time.Second
	}
	maxAttempts := q.cfg.Retry.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	for {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		attempt++
		err := fn()
		if err == nil {
			if attempt > 1 {
				q.logger.Info("交易所调用重试后成功",
					zap.String("operation", operation),
					zap.Int("attempts", attempt),
				)
			}
			return nil
		}

		normalizedErr, retry := classifyError(err)
		if errors.Is(normalizedErr, ErrMaintenance) {
			q.logger.Warn("交易所维护中", zap.String("operation", operation), zap.Error(normalizedErr))
			return normalizedErr
		}
		if !retry || attempt >= maxAttempts {
			q.logger.Error("交易所调用失败",
				zap.String("operation", operation),
				zap.Int("attempts", attempt),
				zap.Error(normalizedErr),
			)
			return normalizedErr
		}

		wait := delay
		if wait > maxDelay {
			wait = maxDelay
		}
		q.logger.Warn("交易所调用失败，等待重试",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(normalizedErr),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

func classifyError(err error) (error, bool) {
	if err == nil {
		return nil, false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err, false
	}

	var ccxtErr *ccxt.Error
	if errors.As(err, &ccxtErr) {
		switch ccxtErr.Type {
		case ccxt.NetworkErrorErrType,
			ccxt.RequestTimeoutErrType,
			ccxt.ExchangeNotAvailableErrType,
			ccxt.RateLimitExceededErrType,
			ccxt.DDoSProtectionErrType,
			ccxt.BadResponseErrType,
			ccxt.NullResponseErrType:
			return err, true
		case ccxt.OnMaintenanceErrType:
			message := strings.TrimSpace(ccxtErr.Message)
			if message == "" {
				message = "exchange under maintenance"
			}
			return fmt.Errorf("%w: %s", ErrMaintenance, message), false
		default:
			return err, false
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return err, true
	}
	return err, false
}
