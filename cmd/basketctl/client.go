package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

type client struct {
	base  string
	token string
	http  *http.Client
}

type apiError struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func (c *client) do(ctx context.Context, method, path string, query url.Values, admin bool, out interface{}) error {
	target := strings.TrimRight(c.base, "/") + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return err
	}
	if admin {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("请求 %s 失败: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("读取响应失败: %w", err)
	}
	if resp.StatusCode >= 300 {
		var apiErr apiError
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s (%s, HTTP %d)", apiErr.Error, apiErr.Kind, resp.StatusCode)
		}
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("解析响应失败: %w", err)
	}
	return nil
}

type holding struct {
	Token  string `json:"token"`
	Amount string `json:"amount"`
}

type basket struct {
	ID              uint64    `json:"id"`
	Owner           string    `json:"owner"`
	SourceToken     string    `json:"source_token"`
	TotalSellAmount string    `json:"total_sell_amount"`
	MetadataURI     string    `json:"metadata_uri"`
	ReplicatedFrom  uint64    `json:"replicated_from"`
	Holdings        []holding `json:"holdings"`
	UpdatedAt       time.Time `json:"updated_at"`
}

type operatorView struct {
	Name            string `json:"name"`
	Address         string `json:"address"`
	RegistryAddress string `json:"registry_address"`
	Cached          bool   `json:"cached"`
}

type operatorList struct {
	Revision  uint64         `json:"revision"`
	IsCached  bool           `json:"is_cached"`
	Operators []operatorView `json:"operators"`
}

type beneficiary struct {
	Address string `json:"address"`
	Weight  uint64 `json:"weight"`
}

type feeConfig struct {
	RateBps         uint64        `json:"rate_bps"`
	Vault           string        `json:"vault"`
	Beneficiaries   []beneficiary `json:"beneficiaries"`
	RoyaltiesWeight uint64        `json:"royalties_weight"`
}

type event struct {
	ID        int64           `json:"id"`
	Type      string          `json:"type"`
	BasketID  uint64          `json:"basket_id"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

type rebuildResult struct {
	Revision uint64 `json:"revision"`
	Entries  int    `json:"entries"`
	IsCached bool   `json:"is_cached"`
}
