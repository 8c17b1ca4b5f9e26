package fees

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.uber.org/multierr"

	"github.com/NestedFinance/nested-core-lego/internal/failure"
)

// TotalWeight 是受益人权重与费率的基点分母。
const TotalWeight uint64 = 10000

// Beneficiary 描述一个受益人及其权重。
type Beneficiary struct {
	Address common.Address `json:"address"`
	Weight  uint64         `json:"weight"`
}

// Config 为进程级的手续费配置，只能通过管理端更新。
// 受益人权重与 RoyaltiesWeight 之和必须等于 TotalWeight。
type Config struct {
	RateBps       uint64         `json:"rate_bps"`
	Vault         common.Address `json:"vault"`
	Beneficiaries []Beneficiary  `json:"beneficiaries"`

	// RoyaltiesWeight 为版税份额的权重，收款方由调用时决定。
	RoyaltiesWeight uint64 `json:"royalties_weight"`
}

// Share 是单个受益人分得的数量。
type Share struct {
	Beneficiary common.Address
	Amount      *uint256.Int
}

// Split 是一次分账的结果，Remainder 为截断误差，由 Vault 保留。
// Royalties 为版税份额，不计入 Shares 与 Remainder。
type Split struct {
	Gross      *uint256.Int
	FeePortion *uint256.Int
	Net        *uint256.Int
	Shares     []Share
	Royalties  *uint256.Int
	Remainder  *uint256.Int
}

// Validate 校验配置，所有问题一并返回。
func (c Config) Validate() error {
	var err error
	if c.RateBps > TotalWeight {
		err = multierr.Append(err, fmt.Errorf("费率 %d 超过 %d", c.RateBps, TotalWeight))
	}
	if c.Vault == (common.Address{}) {
		err = multierr.Append(err, errors.New("vault 不能为空"))
	}

	sum := c.RoyaltiesWeight
	seen := make(map[common.Address]struct{}, len(c.Beneficiaries))
	for i, b := range c.Beneficiaries {
		if b.Address == (common.Address{}) {
			err = multierr.Append(err, fmt.Errorf("beneficiaries[%d] 地址为空", i))
		}
		if _, dup := seen[b.Address]; dup {
			err = multierr.Append(err, fmt.Errorf("beneficiaries[%d] 地址 %s 重复", i, b.Address.Hex()))
		}
		seen[b.Address] = struct{}{}
		if b.Weight == 0 {
			err = multierr.Append(err, fmt.Errorf("beneficiaries[%d] 权重为0", i))
		}
		sum += b.Weight
	}
	if sum != TotalWeight {
		err = multierr.Append(err, fmt.Errorf("权重之和 %d 不等于 %d", sum, TotalWeight))
	}

	if err != nil {
		return fmt.Errorf("fees: 配置非法: %v: %w", err, failure.ErrInvalidConfiguration)
	}
	return nil
}

// Clone 返回深拷贝。
func (c Config) Clone() Config {
	out := c
	out.Beneficiaries = append([]Beneficiary(nil), c.Beneficiaries...)
	return out
}

// FeeFor 返回 amount 对应的手续费部分，向零截断。
func (c Config) FeeFor(amount *uint256.Int) *uint256.Int {
	if amount == nil {
		return new(uint256.Int)
	}
	fee, _ := new(uint256.Int).MulDivOverflow(amount, uint256.NewInt(c.RateBps), uint256.NewInt(TotalWeight))
	return fee
}

// Split 计算 amount 的分账，纯函数。
func (c Config) Split(amount *uint256.Int) Split {
	if amount == nil {
		amount = new(uint256.Int)
	}
	fee := c.FeeFor(amount)
	out := Split{
		Gross:      amount.Clone(),
		FeePortion: fee,
		Net:        new(uint256.Int).Sub(amount, fee),
		Shares:     make([]Share, 0, len(c.Beneficiaries)),
		Remainder:  fee.Clone(),
	}
	for _, b := range c.Beneficiaries {
		share, _ := new(uint256.Int).MulDivOverflow(fee, uint256.NewInt(b.Weight), uint256.NewInt(TotalWeight))
		out.Shares = append(out.Shares, Share{Beneficiary: b.Address, Amount: share})
		out.Remainder.Sub(out.Remainder, share)
	}
	out.Royalties, _ = new(uint256.Int).MulDivOverflow(fee, uint256.NewInt(c.RoyaltiesWeight), uint256.NewInt(TotalWeight))
	out.Remainder.Sub(out.Remainder, out.Royalties)
	return out
}

// Distributed 返回实际分给受益人的总额，不含版税。
func (s Split) Distributed() *uint256.Int {
	total := new(uint256.Int)
	for _, share := range s.Shares {
		total.Add(total, share.Amount)
	}
	return total
}
