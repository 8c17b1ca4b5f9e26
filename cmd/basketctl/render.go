package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

func run(ctx context.Context, c *client, w io.Writer, args []string) error {
	switch args[0] {
	case "basket":
		if len(args) < 2 {
			return errors.New("缺少篮子编号")
		}
		var b basket
		if err := c.do(ctx, http.MethodGet, "/api/baskets/"+url.PathEscape(args[1]), nil, false, &b); err != nil {
			return err
		}
		renderBaskets(w, []basket{b})
		renderHoldings(w, b)
	case "baskets":
		if len(args) < 2 {
			return errors.New("缺少 owner 地址")
		}
		var list []basket
		if err := c.do(ctx, http.MethodGet, "/api/baskets", url.Values{"owner": {args[1]}}, false, &list); err != nil {
			return err
		}
		renderBaskets(w, list)
	case "operators":
		var ops operatorList
		if err := c.do(ctx, http.MethodGet, "/api/operators", nil, false, &ops); err != nil {
			return err
		}
		renderOperators(w, ops)
	case "fees":
		var cfg feeConfig
		if err := c.do(ctx, http.MethodGet, "/api/fees", nil, false, &cfg); err != nil {
			return err
		}
		renderFees(w, cfg)
	case "events":
		query := url.Values{}
		if len(args) > 1 {
			query.Set("type", args[1])
		}
		if len(args) > 2 {
			query.Set("basket_id", args[2])
		}
		var events []event
		if err := c.do(ctx, http.MethodGet, "/api/events", query, false, &events); err != nil {
			return err
		}
		renderEvents(w, events)
	case "rebuild":
		if c.token == "" {
			return errors.New("未设置 BASKET_SERVER_ADMIN_TOKEN")
		}
		var res rebuildResult
		if err := c.do(ctx, http.MethodPost, "/api/admin/cache/rebuild", nil, true, &res); err != nil {
			return err
		}
		fmt.Fprintf(w, "缓存已重建: revision=%d entries=%d cached=%t\n", res.Revision, res.Entries, res.IsCached)
	default:
		return fmt.Errorf("未知命令 %q", args[0])
	}
	return nil
}

func newTable(w io.Writer, title string) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetTitle(title)
	t.SetStyle(table.StyleLight)
	return t
}

func renderBaskets(w io.Writer, list []basket) {
	t := newTable(w, "篮子")
	t.AppendHeader(table.Row{"ID", "Owner", "Source", "Total Sell", "Holdings", "Replicated", "Updated"})
	for _, b := range list {
		replicated := "-"
		if b.ReplicatedFrom != 0 {
			replicated = fmt.Sprintf("#%d", b.ReplicatedFrom)
		}
		t.AppendRow(table.Row{b.ID, b.Owner, b.SourceToken, b.TotalSellAmount, len(b.Holdings), replicated, b.UpdatedAt.Format("2006-01-02 15:04:05")})
	}
	t.SetColumnConfigs([]table.ColumnConfig{{Number: 4, Align: text.AlignRight}})
	t.Render()
}

func renderHoldings(w io.Writer, b basket) {
	t := newTable(w, fmt.Sprintf("篮子 #%d 持仓", b.ID))
	t.AppendHeader(table.Row{"#", "Token", "Amount"})
	for i, h := range b.Holdings {
		t.AppendRow(table.Row{i + 1, h.Token, h.Amount})
	}
	t.SetColumnConfigs([]table.ColumnConfig{{Number: 3, Align: text.AlignRight}})
	t.Render()
}

func renderOperators(w io.Writer, ops operatorList) {
	t := newTable(w, fmt.Sprintf("Operators (revision %d, cached=%t)", ops.Revision, ops.IsCached))
	t.AppendHeader(table.Row{"Name", "Engine", "Registry", "Cached"})
	for _, op := range ops.Operators {
		t.AppendRow(table.Row{op.Name, orDash(op.Address), orDash(op.RegistryAddress), op.Cached})
	}
	t.Render()
}

func renderFees(w io.Writer, cfg feeConfig) {
	t := newTable(w, fmt.Sprintf("手续费 %d bps, vault %s", cfg.RateBps, cfg.Vault))
	t.AppendHeader(table.Row{"Beneficiary", "Weight", "Share"})
	for _, b := range cfg.Beneficiaries {
		t.AppendRow(table.Row{b.Address, b.Weight, fmt.Sprintf("%.2f%%", float64(b.Weight)/100)})
	}
	if cfg.RoyaltiesWeight > 0 {
		t.AppendRow(table.Row{"royalties", cfg.RoyaltiesWeight, fmt.Sprintf("%.2f%%", float64(cfg.RoyaltiesWeight)/100)})
	}
	t.Render()
}

func renderEvents(w io.Writer, events []event) {
	t := newTable(w, "事件")
	t.AppendHeader(table.Row{"ID", "Time", "Type", "Basket", "Payload"})
	for _, e := range events {
		basketID := "-"
		if e.BasketID != 0 {
			basketID = fmt.Sprintf("#%d", e.BasketID)
		}
		t.AppendRow(table.Row{e.ID, e.Timestamp.Format("2006-01-02 15:04:05"), e.Type, basketID, truncate(string(e.Payload), 80)})
	}
	t.Render()
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
