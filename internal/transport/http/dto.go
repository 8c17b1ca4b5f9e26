package httpapi

import (
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"

	"github.com/NestedFinance/nested-core-lego/internal/engine"
	"github.com/NestedFinance/nested-core-lego/internal/fees"
	"github.com/NestedFinance/nested-core-lego/internal/operator"
	"github.com/NestedFinance/nested-core-lego/internal/records"
)

type orderDTO struct {
	Operator       string        `json:"operator,omitempty"`
	Token          string        `json:"token"`
	CallTarget     string        `json:"call_target,omitempty"`
	CallData       hexutil.Bytes `json:"call_data"`
	SellAmountHint string        `json:"sell_amount_hint"`
}

type basketRequestDTO struct {
	BasketID        uint64     `json:"basket_id,omitempty"`
	Caller          string     `json:"caller"`
	MetadataURI     string     `json:"metadata_uri,omitempty"`
	SourceToken     string     `json:"source_token"`
	TotalSellAmount string     `json:"total_sell_amount"`
	SwapTarget      string     `json:"swap_target,omitempty"`
	ToleranceBps    *uint64    `json:"tolerance_bps,omitempty"`
	ReplicatedFrom  uint64     `json:"replicated_from,omitempty"`
	Orders          []orderDTO `json:"orders"`
}

type holdingDTO struct {
	Token  string `json:"token"`
	Amount string `json:"amount"`
}

type basketDTO struct {
	ID              uint64       `json:"id"`
	Owner           string       `json:"owner"`
	SourceToken     string       `json:"source_token"`
	TotalSellAmount string       `json:"total_sell_amount"`
	MetadataURI     string       `json:"metadata_uri,omitempty"`
	ReplicatedFrom  uint64       `json:"replicated_from,omitempty"`
	Holdings        []holdingDTO `json:"holdings"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

type shareDTO struct {
	Beneficiary string `json:"beneficiary"`
	Amount      string `json:"amount"`
}

type splitDTO struct {
	Gross      string     `json:"gross"`
	FeePortion string     `json:"fee_portion"`
	Net        string     `json:"net"`
	Shares     []shareDTO `json:"shares"`
	Royalties  string     `json:"royalties"`
	Remainder  string     `json:"remainder"`
}

type acquisitionDTO struct {
	Token    string `json:"token"`
	Operator string `json:"operator"`
	Handler  string `json:"handler"`
	Kind     string `json:"kind"`
	Spent    string `json:"spent"`
	Acquired string `json:"acquired"`
}

type receiptDTO struct {
	ExecutionID      string           `json:"execution_id"`
	BasketID         uint64           `json:"basket_id"`
	Created          bool             `json:"created"`
	Fees             splitDTO         `json:"fees"`
	RoyaltyRecipient string           `json:"royalty_recipient,omitempty"`
	Acquired         []acquisitionDTO `json:"acquired"`
	Refund           string           `json:"refund"`
	Basket           basketDTO        `json:"basket"`
}

type importRequestDTO struct {
	Names     []string `json:"names"`
	Addresses []string `json:"addresses"`
}

type operatorDTO struct {
	Name            string `json:"name"`
	NameHex         string `json:"name_hex"`
	Address         string `json:"address,omitempty"`
	RegistryAddress string `json:"registry_address,omitempty"`
	Cached          bool   `json:"cached"`
}

type quoteBuyDTO struct {
	Token      string `json:"token"`
	SellAmount string `json:"sell_amount"`
}

type quoteRequestDTO struct {
	BasketID     uint64        `json:"basket_id,omitempty"`
	Caller       string        `json:"caller"`
	SourceToken  string        `json:"source_token"`
	MetadataURI  string        `json:"metadata_uri,omitempty"`
	Operator     string        `json:"operator,omitempty"`
	ToleranceBps *uint64       `json:"tolerance_bps,omitempty"`
	Slippage     float64       `json:"slippage,omitempty"`
	Buys         []quoteBuyDTO `json:"buys"`
	// Execute 为 true 时直接执行构造出的请求。
	Execute      bool          `json:"execute,omitempty"`
}

func parseAddress(field, value string, required bool) (common.Address, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		if required {
			return common.Address{}, badRequest("%s 不能为空", field)
		}
		return common.Address{}, nil
	}
	if !common.IsHexAddress(value) {
		return common.Address{}, badRequest("%s 不是合法地址: %q", field, value)
	}
	return common.HexToAddress(value), nil
}

func parseAmount(field, value string) (*uint256.Int, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return new(uint256.Int), nil
	}
	var (
		out *uint256.Int
		err error
	)
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		out, err = uint256.FromHex(value)
	} else {
		out, err = uint256.FromDecimal(value)
	}
	if err != nil {
		return nil, badRequest("%s 非法: %v", field, err)
	}
	return out, nil
}

func parseOperator(value string) (operator.Name, error) {
	if strings.TrimSpace(value) == "" {
		return operator.Name{}, nil
	}
	name, err := operator.ParseName(value)
	if err != nil {
		return operator.Name{}, badRequest("operator %q 非法: %v", value, err)
	}
	return name, nil
}

func (d basketRequestDTO) toRequest(defaultTolerance uint64) (engine.Request, error) {
	caller, err := parseAddress("caller", d.Caller, true)
	if err != nil {
		return engine.Request{}, err
	}
	source, err := parseAddress("source_token", d.SourceToken, true)
	if err != nil {
		return engine.Request{}, err
	}
	swapTarget, err := parseAddress("swap_target", d.SwapTarget, false)
	if err != nil {
		return engine.Request{}, err
	}
	total, err := parseAmount("total_sell_amount", d.TotalSellAmount)
	if err != nil {
		return engine.Request{}, err
	}
	tolerance := defaultTolerance
	if d.ToleranceBps != nil {
		tolerance = *d.ToleranceBps
	}

	req := engine.Request{
		BasketID:        d.BasketID,
		Caller:          caller,
		MetadataURI:     d.MetadataURI,
		SourceToken:     source,
		TotalSellAmount: total,
		SwapTarget:      swapTarget,
		ToleranceBps:    tolerance,
		ReplicatedFrom:  d.ReplicatedFrom,
		Orders:          make([]engine.Order, 0, len(d.Orders)),
	}
	for i, o := range d.Orders {
		name, err := parseOperator(o.Operator)
		if err != nil {
			return engine.Request{}, err
		}
		token, err := parseAddress("orders.token", o.Token, true)
		if err != nil {
			return engine.Request{}, err
		}
		target, err := parseAddress("orders.call_target", o.CallTarget, false)
		if err != nil {
			return engine.Request{}, err
		}
		hint, err := parseAmount("orders.sell_amount_hint", o.SellAmountHint)
		if err != nil {
			return engine.Request{}, badRequest("orders[%d]: %v", i, err)
		}
		req.Orders = append(req.Orders, engine.Order{
			Operator:       name,
			Token:          token,
			CallTarget:     target,
			CallData:       []byte(o.CallData),
			SellAmountHint: hint,
		})
	}
	return req, nil
}

func requestDTO(req engine.Request) basketRequestDTO {
	tolerance := req.ToleranceBps
	out := basketRequestDTO{
		BasketID:        req.BasketID,
		Caller:          req.Caller.Hex(),
		MetadataURI:     req.MetadataURI,
		SourceToken:     req.SourceToken.Hex(),
		TotalSellAmount: amountString(req.TotalSellAmount),
		ToleranceBps:    &tolerance,
		ReplicatedFrom:  req.ReplicatedFrom,
		Orders:          make([]orderDTO, 0, len(req.Orders)),
	}
	if req.SwapTarget != (common.Address{}) {
		out.SwapTarget = req.SwapTarget.Hex()
	}
	for _, o := range req.Orders {
		dto := orderDTO{
			Token:          o.Token.Hex(),
			CallData:       hexutil.Bytes(o.CallData),
			SellAmountHint: amountString(o.SellAmountHint),
		}
		if !o.Operator.IsZero() {
			dto.Operator = o.Operator.String()
		}
		if o.CallTarget != (common.Address{}) {
			dto.CallTarget = o.CallTarget.Hex()
		}
		out.Orders = append(out.Orders, dto)
	}
	return out
}

func amountString(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

func toBasketDTO(b records.Basket) basketDTO {
	out := basketDTO{
		ID:              b.ID,
		Owner:           b.Owner.Hex(),
		SourceToken:     b.SourceToken.Hex(),
		TotalSellAmount: amountString(b.TotalSellAmount),
		MetadataURI:     b.MetadataURI,
		ReplicatedFrom:  b.ReplicatedFrom,
		Holdings:        make([]holdingDTO, 0, len(b.Holdings)),
		CreatedAt:       b.CreatedAt,
		UpdatedAt:       b.UpdatedAt,
	}
	for _, h := range b.Holdings {
		out.Holdings = append(out.Holdings, holdingDTO{Token: h.Token.Hex(), Amount: amountString(h.Amount)})
	}
	return out
}

func toSplitDTO(s fees.Split) splitDTO {
	out := splitDTO{
		Gross:      amountString(s.Gross),
		FeePortion: amountString(s.FeePortion),
		Net:        amountString(s.Net),
		Shares:     make([]shareDTO, 0, len(s.Shares)),
		Royalties:  amountString(s.Royalties),
		Remainder:  amountString(s.Remainder),
	}
	for _, share := range s.Shares {
		out.Shares = append(out.Shares, shareDTO{Beneficiary: share.Beneficiary.Hex(), Amount: amountString(share.Amount)})
	}
	return out
}

func toReceiptDTO(r engine.Receipt) receiptDTO {
	out := receiptDTO{
		ExecutionID: r.ExecutionID,
		BasketID:    r.BasketID,
		Created:     r.Created,
		Fees:        toSplitDTO(r.Fees),
		Acquired:    make([]acquisitionDTO, 0, len(r.Acquired)),
		Refund:      amountString(r.Refund),
		Basket:      toBasketDTO(r.Basket),
	}
	if r.RoyaltyRecipient != (common.Address{}) {
		out.RoyaltyRecipient = r.RoyaltyRecipient.Hex()
	}
	for _, a := range r.Acquired {
		out.Acquired = append(out.Acquired, acquisitionDTO{
			Token:    a.Token.Hex(),
			Operator: a.Operator.String(),
			Handler:  a.Handler.Hex(),
			Kind:     string(a.Kind),
			Spent:    amountString(a.Spent),
			Acquired: amountString(a.Acquired),
		})
	}
	return out
}
