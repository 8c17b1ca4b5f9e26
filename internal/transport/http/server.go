package httpapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/NestedFinance/nested-core-lego/internal/engine"
	"github.com/NestedFinance/nested-core-lego/internal/fees"
	"github.com/NestedFinance/nested-core-lego/internal/journal"
	"github.com/NestedFinance/nested-core-lego/internal/operator"
	"github.com/NestedFinance/nested-core-lego/internal/oracle"
	"github.com/NestedFinance/nested-core-lego/internal/records"
)

// Engine 为 HTTP 层使用的引擎能力。
type Engine interface {
	CreateOrExtendBasket(ctx context.Context, req engine.Request) (engine.Receipt, error)
	RebuildCache(ctx context.Context) *operator.Cache
	IsCached() bool
	Resolve(name operator.Name) (common.Address, error)
	Operators() []operator.Name
	Holdings(ctx context.Context, id uint64) (records.Basket, error)
	Baskets(ctx context.Context, owner common.Address) ([]records.Basket, error)
	FeeConfiguration() fees.Config
	UpdateFeeConfiguration(ctx context.Context, cfg fees.Config) error
}

// Registry 为 operator 注册表的管理端能力。
type Registry interface {
	Import(ctx context.Context, names []operator.Name, addrs []common.Address) error
	Lookup(name operator.Name) (common.Address, bool)
	Revision() uint64
}

// Journal 为事件日志的读写能力。
type Journal interface {
	List(ctx context.Context, filter journal.Filter) ([]journal.Event, error)
	RecordAdmin(ctx context.Context, typ journal.EventType, action string, detail map[string]interface{})
}

// Config 描述 HTTP 服务参数。
type Config struct {
	Addr                string
	Mode                string
	AdminToken          string
	DefaultToleranceBps uint64
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	ShutdownTimeout     time.Duration
	// Metrics 非空时挂载到 /metrics。
	Metrics             http.Handler
}

// Deps 为 HTTP 服务依赖，Journal 与 Quoter 可为空。
type Deps struct {
	Engine   Engine
	Registry Registry
	Journal  Journal
	Quoter   oracle.Quoter
}

// Server 提供篮子执行、管理与查询接口。
type Server struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger
	router *gin.Engine
}

// NewServer 构建 HTTP 服务。
func NewServer(cfg Config, deps Deps, logger *zap.Logger) (*Server, error) {
	if deps.Engine == nil || deps.Registry == nil {
		return nil, errors.New("httpapi: 缺少 engine 或 registry")
	}
	if cfg.AdminToken == "" {
		return nil, errors.New("httpapi: admin token 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	switch cfg.Mode {
	case gin.DebugMode, gin.TestMode, gin.ReleaseMode:
		gin.SetMode(cfg.Mode)
	default:
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{cfg: cfg, deps: deps, logger: logger}
	router := gin.New()
	router.Use(gin.Recovery(), s.requestLogger())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "cached": deps.Engine.IsCached()})
	})
	if cfg.Metrics != nil {
		router.GET("/metrics", gin.WrapH(cfg.Metrics))
	}

	api := router.Group("/api")
	api.POST("/baskets", s.handleCreateOrExtend)
	api.GET("/baskets", s.handleListBaskets)
	api.GET("/baskets/:id", s.handleGetBasket)
	api.GET("/operators", s.handleListOperators)
	api.GET("/operators/:name", s.handleGetOperator)
	api.GET("/fees", s.handleGetFees)
	api.GET("/events", s.handleListEvents)
	if deps.Quoter != nil {
		api.POST("/quotes", s.handleQuote)
	}

	admin := api.Group("/admin", s.requireAdmin())
	admin.POST("/operators/import", s.handleImportOperators)
	admin.POST("/cache/rebuild", s.handleRebuildCache)
	admin.PUT("/fees", s.handleUpdateFees)

	s.router = router
	return s, nil
}

// Handler 返回底层 http.Handler。
func (s *Server) Handler() http.Handler {
	return s.router
}

// Addr 返回监听地址。
func (s *Server) Addr() string {
	return s.cfg.Addr
}

// Start 启动 HTTP 服务，直到 ctx 取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("HTTP 接口已启动", zap.String("addr", s.cfg.Addr))

	select {
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shCtx); err != nil {
			s.logger.Warn("关闭 HTTP 服务失败", zap.Error(err))
		}
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("HTTP 请求",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.String("ip", c.ClientIP()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}

func (s *Server) requireAdmin() gin.HandlerFunc {
	want := []byte(s.cfg.AdminToken)
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), want) != 1 {
			s.abortWithError(c, errUnauthorized)
			return
		}
		c.Next()
	}
}
