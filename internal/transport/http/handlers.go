package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/NestedFinance/nested-core-lego/internal/fees"
	"github.com/NestedFinance/nested-core-lego/internal/journal"
	"github.com/NestedFinance/nested-core-lego/internal/operator"
	"github.com/NestedFinance/nested-core-lego/internal/oracle"
)

func (s *Server) handleCreateOrExtend(c *gin.Context) {
	var body basketRequestDTO
	if err := c.ShouldBindJSON(&body); err != nil {
		s.abortWithError(c, badRequest("请求体非法: %v", err))
		return
	}
	req, err := body.toRequest(s.cfg.DefaultToleranceBps)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	receipt, err := s.deps.Engine.CreateOrExtendBasket(c.Request.Context(), req)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	status := http.StatusOK
	if receipt.Created {
		status = http.StatusCreated
	}
	c.JSON(status, toReceiptDTO(receipt))
}

func (s *Server) handleGetBasket(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		s.abortWithError(c, badRequest("篮子编号非法: %q", c.Param("id")))
		return
	}
	basket, err := s.deps.Engine.Holdings(c.Request.Context(), id)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, toBasketDTO(basket))
}

func (s *Server) handleListBaskets(c *gin.Context) {
	owner, err := parseAddress("owner", c.Query("owner"), true)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	baskets, err := s.deps.Engine.Baskets(c.Request.Context(), owner)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	out := make([]basketDTO, 0, len(baskets))
	for _, b := range baskets {
		out = append(out, toBasketDTO(b))
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) operatorView(name operator.Name) operatorDTO {
	view := operatorDTO{Name: name.String(), NameHex: name.Hex()}
	if addr, err := s.deps.Engine.Resolve(name); err == nil {
		view.Address = addr.Hex()
	}
	if addr, ok := s.deps.Registry.Lookup(name); ok {
		view.RegistryAddress = addr.Hex()
	}
	view.Cached = view.Address != "" && view.Address == view.RegistryAddress
	return view
}

func (s *Server) handleGetOperator(c *gin.Context) {
	name, err := operator.ParseName(c.Param("name"))
	if err != nil {
		s.abortWithError(c, badRequest("operator 名称非法: %v", err))
		return
	}
	if _, err := s.deps.Engine.Resolve(name); err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.operatorView(name))
}

func (s *Server) handleListOperators(c *gin.Context) {
	names := s.deps.Engine.Operators()
	views := make([]operatorDTO, 0, len(names))
	for _, name := range names {
		views = append(views, s.operatorView(name))
	}
	c.JSON(http.StatusOK, gin.H{
		"revision":  s.deps.Registry.Revision(),
		"is_cached": s.deps.Engine.IsCached(),
		"operators": views,
	})
}

func (s *Server) handleGetFees(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Engine.FeeConfiguration())
}

func (s *Server) handleListEvents(c *gin.Context) {
	if s.deps.Journal == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "事件日志未启用"})
		return
	}
	limit := 200
	if qs := c.Query("limit"); qs != "" {
		if v, err := strconv.Atoi(qs); err == nil && v > 0 {
			if v > 1000 {
				v = 1000
			}
			limit = v
		}
	}
	filter := journal.Filter{Limit: limit}
	if typ := strings.TrimSpace(c.Query("type")); typ != "" {
		filter.Type = journal.EventType(strings.ToLower(typ))
	}
	if qs := c.Query("basket_id"); qs != "" {
		id, err := strconv.ParseUint(qs, 10, 64)
		if err != nil {
			s.abortWithError(c, badRequest("basket_id 非法: %q", qs))
			return
		}
		filter.BasketID = id
	}
	events, err := s.deps.Journal.List(c.Request.Context(), filter)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, events)
}

func (s *Server) handleImportOperators(c *gin.Context) {
	var body importRequestDTO
	if err := c.ShouldBindJSON(&body); err != nil {
		s.abortWithError(c, badRequest("请求体非法: %v", err))
		return
	}
	names := make([]operator.Name, 0, len(body.Names))
	for _, raw := range body.Names {
		name, err := operator.ParseName(raw)
		if err != nil {
			s.abortWithError(c, badRequest("operator 名称 %q 非法: %v", raw, err))
			return
		}
		names = append(names, name)
	}
	addrs := make([]common.Address, 0, len(body.Addresses))
	for _, raw := range body.Addresses {
		addr, err := parseAddress("addresses", raw, true)
		if err != nil {
			s.abortWithError(c, err)
			return
		}
		addrs = append(addrs, addr)
	}

	if err := s.deps.Registry.Import(c.Request.Context(), names, addrs); err != nil {
		s.abortWithError(c, err)
		return
	}
	revision := s.deps.Registry.Revision()
	if s.deps.Journal != nil {
		s.deps.Journal.RecordAdmin(c.Request.Context(), journal.EventOperatorsImport, "import_operators", map[string]interface{}{
			"names":    body.Names,
			"revision": revision,
		})
	}
	c.JSON(http.StatusOK, gin.H{"revision": revision, "imported": len(names)})
}

func (s *Server) handleRebuildCache(c *gin.Context) {
	cache := s.deps.Engine.RebuildCache(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{
		"revision":  cache.Revision(),
		"entries":   cache.Len(),
		"is_cached": s.deps.Engine.IsCached(),
	})
}

func (s *Server) handleUpdateFees(c *gin.Context) {
	var cfg fees.Config
	if err := c.ShouldBindJSON(&cfg); err != nil {
		s.abortWithError(c, badRequest("请求体非法: %v", err))
		return
	}
	if err := s.deps.Engine.UpdateFeeConfiguration(c.Request.Context(), cfg); err != nil {
		s.abortWithError(c, err)
		return
	}
	if s.deps.Journal != nil {
		s.deps.Journal.RecordAdmin(c.Request.Context(), journal.EventFeesUpdated, "update_fees", map[string]interface{}{
			"rate_bps":      cfg.RateBps,
			"vault":         cfg.Vault.Hex(),
			"beneficiaries": len(cfg.Beneficiaries),
		})
	}
	c.JSON(http.StatusOK, s.deps.Engine.FeeConfiguration())
}

func (s *Server) handleQuote(c *gin.Context) {
	var body quoteRequestDTO
	if err := c.ShouldBindJSON(&body); err != nil {
		s.abortWithError(c, badRequest("请求体非法: %v", err))
		return
	}
	caller, err := parseAddress("caller", body.Caller, true)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	source, err := parseAddress("source_token", body.SourceToken, true)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	name, err := parseOperator(body.Operator)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	reqs := make([]oracle.QuoteRequest, 0, len(body.Buys))
	for _, buy := range body.Buys {
		token, err := parseAddress("buys.token", buy.Token, true)
		if err != nil {
			s.abortWithError(c, err)
			return
		}
		amount, err := parseAmount("buys.sell_amount", buy.SellAmount)
		if err != nil {
			s.abortWithError(c, err)
			return
		}
		reqs = append(reqs, oracle.QuoteRequest{SellToken: source, BuyToken: token, SellAmount: amount, Slippage: body.Slippage})
	}

	ctx := c.Request.Context()
	quotes, err := oracle.QuoteAll(ctx, s.deps.Quoter, reqs, s.logger)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	tolerance := s.cfg.DefaultToleranceBps
	if body.ToleranceBps != nil {
		tolerance = *body.ToleranceBps
	}
	req, err := oracle.BuildRequest(oracle.BuildParams{
		BasketID:     body.BasketID,
		Caller:       caller,
		SourceToken:  source,
		MetadataURI:  body.MetadataURI,
		Operator:     name,
		ToleranceBps: tolerance,
		Fees:         s.deps.Engine.FeeConfiguration(),
	}, quotes)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	if len(quotes) < len(reqs) {
		s.logger.Info("部分代币报价失败，已从请求中移除",
			zap.Int("requested", len(reqs)),
			zap.Int("quoted", len(quotes)),
		)
	}

	if !body.Execute {
		c.JSON(http.StatusOK, requestDTO(req))
		return
	}
	receipt, err := s.deps.Engine.CreateOrExtendBasket(ctx, req)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	status := http.StatusOK
	if receipt.Created {
		status = http.StatusCreated
	}
	c.JSON(status, toReceiptDTO(receipt))
}
