package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/NestedFinance/nested-core-lego/internal/chain"
	"github.com/NestedFinance/nested-core-lego/internal/config"
	"github.com/NestedFinance/nested-core-lego/internal/engine"
	"github.com/NestedFinance/nested-core-lego/internal/fees"
	"github.com/NestedFinance/nested-core-lego/internal/journal"
	"github.com/NestedFinance/nested-core-lego/internal/lock"
	"github.com/NestedFinance/nested-core-lego/internal/metrics"
	"github.com/NestedFinance/nested-core-lego/internal/operator"
	"github.com/NestedFinance/nested-core-lego/internal/oracle"
	"github.com/NestedFinance/nested-core-lego/internal/records"
	"github.com/NestedFinance/nested-core-lego/internal/store"
	"github.com/NestedFinance/nested-core-lego/internal/swap"
	httpapi "github.com/NestedFinance/nested-core-lego/internal/transport/http"
)

// orchestrator 持有装配完成的组件。
type orchestrator struct {
	book     *chain.SQLBook
	registry *operator.Registry
	engine   *engine.Engine
	journal  *journal.Service
	server   *httpapi.Server
	redis    redis.UniversalClient
	logger   *zap.Logger
}

func newOrchestrator(ctx context.Context, cfg *config.Config, logger *zap.Logger, st *store.Store) (*orchestrator, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db := st.DB()

	book, err := chain.NewSQLBook(db)
	if err != nil {
		return nil, fmt.Errorf("初始化余额账本失败: %w", err)
	}
	repo, err := records.NewSQLRepository(db)
	if err != nil {
		return nil, fmt.Errorf("初始化篮子仓储失败: %w", err)
	}
	opStore, err := operator.NewSQLStore(db)
	if err != nil {
		return nil, fmt.Errorf("初始化注册表存储失败: %w", err)
	}
	feeStore, err := fees.NewSQLStore(db)
	if err != nil {
		return nil, fmt.Errorf("初始化手续费存储失败: %w", err)
	}
	journalSvc, err := journal.NewService(st, logger)
	if err != nil {
		return nil, fmt.Errorf("初始化事件日志失败: %w", err)
	}

	registry := operator.NewRegistry(opStore, logger)
	if err := registry.Load(ctx); err != nil {
		return nil, err
	}

	targets := chain.NewTargets()
	if cfg.Router.Enabled {
		addr := common.HexToAddress(cfg.Router.Address)
		targets.Register(addr, chain.NewRouter(logger))
		logger.Info("参考兑换路由已部署", zap.String("address", addr.Hex()))
	}

	directory := swap.NewDirectory()
	names, err := deployOperators(cfg.Operators, directory, logger)
	if err != nil {
		return nil, err
	}
	if err := importChanged(ctx, registry, cfg.Operators); err != nil {
		return nil, err
	}

	splitter, err := fees.NewSplitter(feesFromConfig(cfg.Fees), feeStore, logger)
	if err != nil {
		return nil, fmt.Errorf("初始化手续费配置失败: %w", err)
	}
	if err := splitter.Load(ctx); err != nil {
		return nil, err
	}

	if err := seedGenesis(ctx, book, cfg.Genesis, logger); err != nil {
		return nil, err
	}

	locker, redisClient, err := newLocker(cfg.Lock)
	if err != nil {
		return nil, err
	}

	settler, err := engine.NewSQLSettler(st, book, repo, journalSvc)
	if err != nil {
		return nil, err
	}

	observers := engine.Observers{engine.NewJournalObserver(journalSvc, logger)}
	var metricsHandler http.Handler
	if cfg.Server.EnableMetrics {
		reg := metrics.NewRegistry()
		collector, err := metrics.NewCollector(reg)
		if err != nil {
			return nil, fmt.Errorf("注册指标失败: %w", err)
		}
		observers = append(observers, collector)
		metricsHandler = metrics.Handler(reg)
	}

	defaultOp, err := operator.NameFromString(cfg.Engine.DefaultOperator)
	if err != nil {
		return nil, fmt.Errorf("默认 operator 名称非法: %w", err)
	}

	eng, err := engine.New(engine.Deps{
		Registry:  registry,
		Directory: directory,
		Targets:   targets,
		Book:      book,
		Baskets:   repo,
		Settler:   settler,
		Fees:      splitter,
		Locker:    locker,
		Observer:  observers,
	}, engine.Options{
		Reserve:         common.HexToAddress(cfg.Engine.Reserve),
		DefaultOperator: defaultOp,
		MaxHoldings:     cfg.Records.MaxHoldings,
	}, logger)
	if err != nil {
		return nil, err
	}

	eng.AddOperator(append(names, defaultOp)...)
	cache := eng.RebuildCache(ctx)
	if !eng.IsCached() {
		logger.Warn("存在尚未导入的 operator 名称", zap.Int("cached", cache.Len()))
	}

	var quoter oracle.Quoter
	if cfg.Oracle.Enabled {
		q, err := oracle.NewExchangeQuoter(cfg.Oracle, logger)
		if err != nil {
			return nil, fmt.Errorf("初始化报价器失败: %w", err)
		}
		quoter = q
	}

	server, err := httpapi.NewServer(httpapi.Config{
		Addr:                cfg.Server.Addr,
		Mode:                cfg.Server.Mode,
		AdminToken:          cfg.Server.AdminToken,
		DefaultToleranceBps: cfg.Engine.DefaultToleranceBps,
		ReadTimeout:         cfg.Server.ReadTimeout,
		WriteTimeout:        cfg.Server.WriteTimeout,
		ShutdownTimeout:     cfg.Server.ShutdownTimeout,
		Metrics:             metricsHandler,
	}, httpapi.Deps{
		Engine:   eng,
		Registry: registry,
		Journal:  journalSvc,
		Quoter:   quoter,
	}, logger)
	if err != nil {
		return nil, err
	}

	logger.Info("篮子执行服务初始化完成",
		zap.Uint64("registry_revision", registry.Revision()),
		zap.Uint64("cache_revision", cache.Revision()),
		zap.Bool("oracle", quoter != nil),
		zap.String("lock", cfg.Lock.Backend),
	)

	return &orchestrator{
		book:     book,
		registry: registry,
		engine:   eng,
		journal:  journalSvc,
		server:   server,
		redis:    redisClient,
		logger:   logger,
	}, nil
}

// Close 释放外部连接。
func (o *orchestrator) Close() {
	if o.redis != nil {
		if err := o.redis.Close(); err != nil {
			o.logger.Warn("关闭 redis 连接失败", zap.Error(err))
		}
	}
}

func deployOperators(ops []config.OperatorConfig, directory *swap.Directory, logger *zap.Logger) ([]operator.Name, error) {
	names := make([]operator.Name, 0, len(ops))
	for _, op := range ops {
		name, err := operator.NameFromString(op.Name)
		if err != nil {
			return nil, err
		}
		var handler swap.Handler
		switch swap.Kind(strings.ToLower(op.Kind)) {
		case swap.KindRouted:
			handler = swap.NewRoutedSwap(common.HexToAddress(op.SwapTarget), logger)
		case swap.KindDirect:
			handler = swap.DirectTransfer{}
		default:
			return nil, fmt.Errorf("operator %s 的类型 %q 不受支持", op.Name, op.Kind)
		}
		addr := common.HexToAddress(op.Address)
		if err := directory.Deploy(addr, handler); err != nil {
			return nil, err
		}
		names = append(names, name)
		logger.Info("operator 已部署",
			zap.String("name", op.Name),
			zap.String("kind", string(handler.Kind())),
			zap.String("address", addr.Hex()),
		)
	}
	return names, nil
}

// importChanged 只导入地址与注册表不一致的 operator，避免重启时无谓地推进版本。
func importChanged(ctx context.Context, registry *operator.Registry, ops []config.OperatorConfig) error {
	var (
		names []operator.Name
		addrs []common.Address
	)
	for _, op := range ops {
		name, err := operator.NameFromString(op.Name)
		if err != nil {
			return err
		}
		addr := common.HexToAddress(op.Address)
		if current, ok := registry.Lookup(name); ok && current == addr {
			continue
		}
		names = append(names, name)
		addrs = append(addrs, addr)
	}
	return registry.Import(ctx, names, addrs)
}

func feesFromConfig(cfg config.FeesConfig) fees.Config {
	out := fees.Config{
		RateBps:         cfg.RateBps,
		Vault:           common.HexToAddress(cfg.Vault),
		Beneficiaries:   make([]fees.Beneficiary, 0, len(cfg.Beneficiaries)),
		RoyaltiesWeight: cfg.RoyaltiesWeight,
	}
	for _, b := range cfg.Beneficiaries {
		out.Beneficiaries = append(out.Beneficiaries, fees.Beneficiary{
			Address: common.HexToAddress(b.Address),
			Weight:  b.Weight,
		})
	}
	return out
}

// seedGenesis 只为当前余额为零的账户注资，重启不会重复注资。
func seedGenesis(ctx context.Context, book *chain.SQLBook, genesis []config.BalanceConfig, logger *zap.Logger) error {
	for _, g := range genesis {
		token := common.HexToAddress(g.Token)
		holder := common.HexToAddress(g.Holder)
		amount, err := uint256.FromDecimal(g.Amount)
		if err != nil {
			return fmt.Errorf("初始余额 %q 非法: %w", g.Amount, err)
		}
		current, err := book.BalanceOf(ctx, token, holder)
		if err != nil {
			return err
		}
		if !current.IsZero() {
			continue
		}
		if err := book.Credit(ctx, token, holder, amount); err != nil {
			return fmt.Errorf("写入初始余额失败: %w", err)
		}
		logger.Info("初始余额已写入",
			zap.String("token", token.Hex()),
			zap.String("holder", holder.Hex()),
			zap.String("amount", amount.Dec()),
		)
	}
	return nil
}

func newLocker(cfg config.LockConfig) (lock.Locker, redis.UniversalClient, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", "memory":
		return lock.NewMemoryLocker(), nil, nil
	case "redis":
		client := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    []string{cfg.RedisAddr},
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		return lock.NewRedisLocker(client, cfg.Prefix, cfg.TTL), client, nil
	default:
		return nil, nil, errors.New("lock.backend 仅支持 memory|redis")
	}
}
