package records

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/NestedFinance/nested-core-lego/internal/failure"
)

// Holding 是篮子中单个代币的持仓。
type Holding struct {
	Token  common.Address
	Amount *uint256.Int
}

// Basket 是一个篮子记录，Holdings 按首次获得的顺序排列。
type Basket struct {
	ID              uint64
	Owner           common.Address
	SourceToken     common.Address
	TotalSellAmount *uint256.Int
	MetadataURI     string
	ReplicatedFrom  uint64
	Holdings        []Holding
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Clone 返回深拷贝。
func (b Basket) Clone() Basket {
	out := b
	if b.TotalSellAmount != nil {
		out.TotalSellAmount = b.TotalSellAmount.Clone()
	}
	out.Holdings = make([]Holding, len(b.Holdings))
	for i, h := range b.Holdings {
		out.Holdings[i] = Holding{Token: h.Token, Amount: h.Amount.Clone()}
	}
	return out
}

// AmountOf 返回 token 的持仓数量。
func (b Basket) AmountOf(token common.Address) (*uint256.Int, bool) {
	for _, h := range b.Holdings {
		if h.Token == token {
			return h.Amount.Clone(), true
		}
	}
	return new(uint256.Int), false
}

// Ledger 执行持仓上限规则。
type Ledger struct {
	MaxHoldings int
}

// NewTokens 统计 tokens 中尚未持有的不同代币数量。
func (l Ledger) NewTokens(b Basket, tokens []common.Address) int {
	held := make(map[common.Address]struct{}, len(b.Holdings)+len(tokens))
	for _, h := range b.Holdings {
		held[h.Token] = struct{}{}
	}
	count := 0
	for _, token := range tokens {
		if _, ok := held[token]; ok {
			continue
		}
		held[token] = struct{}{}
		count++
	}
	return count
}

// Check 判断加入 tokens 后是否超过持仓上限。
func (l Ledger) Check(b Basket, tokens []common.Address) error {
	next := len(b.Holdings) + l.NewTokens(b, tokens)
	if next > l.MaxHoldings {
		return fmt.Errorf("records: 篮子 %d 持仓种类 %d 超过上限 %d: %w", b.ID, next, l.MaxHoldings, failure.ErrHoldingsLimitExceeded)
	}
	return nil
}

// Plan 将获得的代币合并进篮子副本；同一代币累加，新代币追加。
func (l Ledger) Plan(b Basket, acquisitions []Holding) (Basket, error) {
	out := b.Clone()
	for _, acq := range acquisitions {
		if acq.Amount == nil || acq.Amount.IsZero() {
			return Basket{}, fmt.Errorf("records: %s 获得数量为零: %w", acq.Token.Hex(), failure.ErrZeroAcquired)
		}
		merged := false
		for i := range out.Holdings {
			if out.Holdings[i].Token != acq.Token {
				continue
			}
			sum, overflow := new(uint256.Int).AddOverflow(out.Holdings[i].Amount, acq.Amount)
			if overflow {
				return Basket{}, fmt.Errorf("records: %s 持仓溢出: %w", acq.Token.Hex(), failure.ErrInvalidRequest)
			}
			out.Holdings[i].Amount = sum
			merged = true
			break
		}
		if !merged {
			out.Holdings = append(out.Holdings, Holding{Token: acq.Token, Amount: acq.Amount.Clone()})
		}
	}
	if len(out.Holdings) > l.MaxHoldings {
		return Basket{}, fmt.Errorf("records: 篮子 %d 持仓种类 %d 超过上限 %d: %w",
			b.ID, len(out.Holdings), l.MaxHoldings, failure.ErrHoldingsLimitExceeded)
	}
	return out, nil
}

// Reader 提供篮子的只读访问。
type Reader interface {
	Get(ctx context.Context, id uint64) (Basket, error)
	ListByOwner(ctx context.Context, owner common.Address) ([]Basket, error)
}
