package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NestedFinance/nested-core-lego/internal/chain"
	"github.com/NestedFinance/nested-core-lego/internal/config"
	"github.com/NestedFinance/nested-core-lego/internal/operator"
	"github.com/NestedFinance/nested-core-lego/internal/store"
)

var (
	reserve  = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	vault    = common.HexToAddress("0x00000000000000000000000000000000000000ab")
	treasury = common.HexToAddress("0x00000000000000000000000000000000000000ac")
	caller   = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	dai      = common.HexToAddress("0x00000000000000000000000000000000000000d1")
	uni      = common.HexToAddress("0x00000000000000000000000000000000000000d2")
	router   = common.HexToAddress("0x00000000000000000000000000000000000000f0")
	zeroEx   = common.HexToAddress("0x00000000000000000000000000000000000000e1")
	flat     = common.HexToAddress("0x00000000000000000000000000000000000000e2")
)

func testConfig(dbPath string) *config.Config {
	return &config.Config{
		App:     config.AppConfig{Environment: "test"},
		Server:  config.ServerConfig{Addr: ":0", Mode: "test", AdminToken: "secret", EnableMetrics: true, ShutdownTimeout: time.Second},
		Engine:  config.EngineConfig{Reserve: reserve.Hex(), DefaultOperator: "ZeroEx"},
		Records: config.RecordsConfig{MaxHoldings: 15},
		Fees: config.FeesConfig{
			RateBps:       100,
			Vault:         vault.Hex(),
			Beneficiaries: []config.BeneficiaryConfig{{Address: treasury.Hex(), Weight: 10000}},
		},
		Operators: []config.OperatorConfig{
			{Name: "ZeroEx", Kind: "routed", Address: zeroEx.Hex(), SwapTarget: router.Hex()},
			{Name: "Flat", Kind: "direct", Address: flat.Hex()},
		},
		Router: config.RouterConfig{Enabled: true, Address: router.Hex()},
		Genesis: []config.BalanceConfig{
			{Token: dai.Hex(), Holder: caller.Hex(), Amount: "10000"},
			{Token: uni.Hex(), Holder: router.Hex(), Amount: "100000"},
		},
		Lock: config.LockConfig{Backend: "memory"},
		Database: config.DatabaseConfig{
			Path:         dbPath,
			MaxOpenConns: 1,
			MaxIdleConns: 1,
		},
	}
}

func openStore(t *testing.T, path string) *store.Store {
	t.Helper()
	st, err := store.NewSQLite(config.DatabaseConfig{Path: path, MaxOpenConns: 1, MaxIdleConns: 1})
	require.NoError(t, err)
	return st
}

func serve(t *testing.T, h http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestOrchestratorEndToEnd(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "baskets.db")
	st := openStore(t, dbPath)
	defer st.Close()

	orch, err := newOrchestrator(ctx, testConfig(dbPath), nil, st)
	require.NoError(t, err)
	defer orch.Close()

	require.True(t, orch.engine.IsCached())
	addr, err := orch.engine.Resolve(mustName(t, "Flat"))
	require.NoError(t, err)
	assert.Equal(t, flat, addr)

	data, err := chain.EncodeDummySwap(dai, uni, uint256.NewInt(990))
	require.NoError(t, err)

	rec := serve(t, orch.server.Handler(), http.MethodPost, "/api/baskets", map[string]interface{}{
		"caller":            caller.Hex(),
		"source_token":      dai.Hex(),
		"total_sell_amount": "1000",
		"orders": []map[string]interface{}{{
			"token":            uni.Hex(),
			"call_data":        hexutil.Encode(data),
			"sell_amount_hint": "990",
		}},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	bal, err := orch.book.BalanceOf(ctx, uni, reserve)
	require.NoError(t, err)
	assert.Equal(t, "990", bal.Dec())
	bal, err = orch.book.BalanceOf(ctx, dai, treasury)
	require.NoError(t, err)
	assert.Equal(t, "10", bal.Dec())

	rec = serve(t, orch.server.Handler(), http.MethodGet, "/api/baskets/1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = serve(t, orch.server.Handler(), http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `outcome="committed"`)

	rec = serve(t, orch.server.Handler(), http.MethodGet, "/api/events?type=basket_created", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "basket_created")
}

func TestOrchestratorRestartIsIdempotent(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "baskets.db")
	cfg := testConfig(dbPath)

	st := openStore(t, dbPath)
	first, err := newOrchestrator(ctx, cfg, nil, st)
	require.NoError(t, err)
	revision := first.registry.Revision()
	first.Close()
	require.NoError(t, st.Close())

	st = openStore(t, dbPath)
	defer st.Close()
	second, err := newOrchestrator(ctx, cfg, nil, st)
	require.NoError(t, err)
	defer second.Close()

	assert.Equal(t, revision, second.registry.Revision())
	bal, err := second.book.BalanceOf(ctx, dai, caller)
	require.NoError(t, err)
	assert.Equal(t, "10000", bal.Dec())
}

func TestOrchestratorRejectsUnknownOperatorKind(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "baskets.db")
	cfg := testConfig(dbPath)
	cfg.Operators = append(cfg.Operators, config.OperatorConfig{Name: "Paraswap", Kind: "bridge", Address: common.HexToAddress("0xe3").Hex()})

	st := openStore(t, dbPath)
	defer st.Close()
	_, err := newOrchestrator(context.Background(), cfg, nil, st)
	require.Error(t, err)
}

func mustName(t *testing.T, s string) operator.Name {
	t.Helper()
	name, err := operator.NameFromString(s)
	require.NoError(t, err)
	return name
}
