package metrics

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/NestedFinance/nested-core-lego/internal/engine"
	"github.com/NestedFinance/nested-core-lego/internal/failure"
	"github.com/NestedFinance/nested-core-lego/internal/operator"
)

// Collector 将引擎事件转换为 Prometheus 指标。
type Collector struct {
	executions   *prometheus.CounterVec
	orders       *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	feeCollected *prometheus.CounterVec
	rebuilds     prometheus.Counter
	cacheEntries prometheus.Gauge

	mu      sync.Mutex
	started map[string]time.Time
}

var _ engine.Observer = (*Collector)(nil)

// NewCollector 创建并注册指标。
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "basket_executions_total",
			Help: "Basket executions by outcome and failure kind",
		}, []string{"outcome", "kind"}),
		orders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "basket_orders_executed_total",
			Help: "Orders executed in committed basket executions",
		}, []string{"operator", "handler_kind"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "basket_execution_duration_seconds",
			Help:    "Duration of basket executions",
			Buckets: prometheus.DefBuckets,
		}, []string{"outcome"}),
		feeCollected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "basket_fee_collected_total",
			Help: "Fee portion collected, in smallest units of the source token",
		}, []string{"source_token"}),
		rebuilds: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "basket_registry_rebuilds_total",
			Help: "Operator cache rebuilds",
		}),
		cacheEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "basket_registry_cache_entries",
			Help: "Entries in the engine operator cache",
		}),
		started: make(map[string]time.Time),
	}
	for _, col := range []prometheus.Collector{c.executions, c.orders, c.duration, c.feeCollected, c.rebuilds, c.cacheEntries} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// StateChanged 实现 engine.Observer。
func (c *Collector) StateChanged(_ context.Context, t engine.Transition) {
	if t.To != engine.StateValidating {
		return
	}
	c.mu.Lock()
	c.started[t.ExecutionID] = t.At
	c.mu.Unlock()
}

// Committed 实现 engine.Observer。
func (c *Collector) Committed(_ context.Context, req engine.Request, receipt engine.Receipt) {
	c.executions.WithLabelValues("committed", "").Inc()
	for _, acq := range receipt.Acquired {
		c.orders.WithLabelValues(acq.Operator.String(), string(acq.Kind)).Inc()
	}
	c.feeCollected.WithLabelValues(req.SourceToken.Hex()).Add(toFloat(receipt.Fees.FeePortion))
	c.observeDuration(receipt.ExecutionID, "committed")
}

// Aborted 实现 engine.Observer。
func (c *Collector) Aborted(_ context.Context, _ engine.Request, abort engine.Abort) {
	c.executions.WithLabelValues("aborted", failure.KindOf(abort.Err)).Inc()
	c.observeDuration(abort.ExecutionID, "aborted")
}

// CacheRebuilt 实现 engine.Observer。
func (c *Collector) CacheRebuilt(_ context.Context, cache *operator.Cache) {
	c.rebuilds.Inc()
	c.cacheEntries.Set(float64(cache.Len()))
}

func (c *Collector) observeDuration(id, outcome string) {
	c.mu.Lock()
	start, ok := c.started[id]
	delete(c.started, id)
	c.mu.Unlock()
	if ok {
		c.duration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	}
}

func toFloat(v *uint256.Int) float64 {
	if v == nil {
		return 0
	}
	f, _ := new(big.Float).SetInt(v.ToBig()).Float64()
	return f
}
