package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/NestedFinance/nested-core-lego/internal/engine"
	"github.com/NestedFinance/nested-core-lego/internal/failure"
	"github.com/NestedFinance/nested-core-lego/internal/fees"
	"github.com/NestedFinance/nested-core-lego/internal/operator"
	"github.com/NestedFinance/nested-core-lego/internal/swap"
)

func TestCollectorCountsOutcomes(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	c, err := NewCollector(reg)
	require.NoError(t, err)

	weth := common.HexToAddress("0xd0")
	c.StateChanged(ctx, engine.Transition{ExecutionID: "a", To: engine.StateValidating, At: time.Now()})
	c.Committed(ctx, engine.Request{SourceToken: weth}, engine.Receipt{
		ExecutionID: "a",
		Fees:        fees.Split{FeePortion: uint256.NewInt(10)},
		Acquired: []engine.Acquisition{
			{Operator: operator.MustName("ZeroEx"), Kind: swap.KindRouted},
			{Operator: operator.MustName("ZeroEx"), Kind: swap.KindRouted},
		},
	})
	c.Aborted(ctx, engine.Request{}, engine.Abort{ExecutionID: "b", Err: fmt.Errorf("x: %w", failure.ErrUnknownHandler)})
	c.Aborted(ctx, engine.Request{}, engine.Abort{ExecutionID: "c", Err: errors.New("boom")})

	require.Equal(t, 1.0, testutil.ToFloat64(c.executions.WithLabelValues("committed", "")))
	require.Equal(t, 1.0, testutil.ToFloat64(c.executions.WithLabelValues("aborted", "UnknownHandler")))
	require.Equal(t, 1.0, testutil.ToFloat64(c.executions.WithLabelValues("aborted", "Internal")))
	require.Equal(t, 2.0, testutil.ToFloat64(c.orders.WithLabelValues("ZeroEx", "routed")))
	require.Equal(t, 10.0, testutil.ToFloat64(c.feeCollected.WithLabelValues(weth.Hex())))
	require.Equal(t, 1, testutil.CollectAndCount(c.duration))
}

func TestCollectorRegistersOnce(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewCollector(reg)
	require.NoError(t, err)
	_, err = NewCollector(reg)
	require.Error(t, err)
}

func TestHandlerExposesCollector(t *testing.T) {
	reg := NewRegistry()
	c, err := NewCollector(reg)
	require.NoError(t, err)
	c.CacheRebuilt(context.Background(), operator.NewCacheHolder().Snapshot())

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "basket_registry_rebuilds_total 1")
	require.Contains(t, rec.Body.String(), "go_goroutines")
}
