package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.uber.org/multierr"
)

// Config 聚合了服务运行所需的全部配置项。
type Config struct {
	App       AppConfig        `mapstructure:"app"`
	Server    ServerConfig     `mapstructure:"server"`
	Engine    EngineConfig     `mapstructure:"engine"`
	Records   RecordsConfig    `mapstructure:"records"`
	Fees      FeesConfig       `mapstructure:"fees"`
	Operators []OperatorConfig `mapstructure:"operators"`
	Router    RouterConfig     `mapstructure:"router"`
	Genesis   []BalanceConfig  `mapstructure:"genesis"`
	Oracle    OracleConfig     `mapstructure:"oracle"`
	Lock      LockConfig       `mapstructure:"lock"`
	Database  DatabaseConfig   `mapstructure:"database"`
	Logging   LoggingConfig    `mapstructure:"logging"`
}

// AppConfig 控制应用级参数。
type AppConfig struct {
	Environment string `mapstructure:"environment"`
}

// ServerConfig 控制 HTTP 接口。
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	Mode            string        `mapstructure:"mode"`
	AdminToken      string        `mapstructure:"admin_token"`
	EnableMetrics   bool          `mapstructure:"enable_metrics"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// EngineConfig 控制篮子创建引擎。
type EngineConfig struct {
	Reserve             string `mapstructure:"reserve"`
	DefaultOperator     string `mapstructure:"default_operator"`
	DefaultToleranceBps uint64 `mapstructure:"default_tolerance_bps"`
}

// RecordsConfig 控制持仓账本。
type RecordsConfig struct {
	MaxHoldings int `mapstructure:"max_holdings"`
}

// FeesConfig 描述手续费率与受益人权重。
type FeesConfig struct {
	RateBps         uint64              `mapstructure:"rate_bps"`
	Vault           string              `mapstructure:"vault"`
	Beneficiaries   []BeneficiaryConfig `mapstructure:"beneficiaries"`
	RoyaltiesWeight uint64              `mapstructure:"royalties_weight"`
}

// BeneficiaryConfig 描述单个受益人。
type BeneficiaryConfig struct {
	Address string `mapstructure:"address"`
	Weight  uint64 `mapstructure:"weight"`
}

// OperatorConfig 描述启动时部署并导入的 operator。
type OperatorConfig struct {
	Name       string `mapstructure:"name"`
	Kind       string `mapstructure:"kind"`
	Address    string `mapstructure:"address"`
	SwapTarget string `mapstructure:"swap_target"`
}

// RouterConfig 控制参考兑换路由的部署。
type RouterConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address"`
}

// BalanceConfig 描述初始注资。
type BalanceConfig struct {
	Token  string `mapstructure:"token"`
	Holder string `mapstructure:"holder"`
	Amount string `mapstructure:"amount"`
}

// OracleConfig 描述报价来源。
type OracleConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Exchange   string        `mapstructure:"exchange"`
	QuoteAsset string        `mapstructure:"quote_asset"`
	UseSandbox bool          `mapstructure:"use_sandbox"`
	Slippage   float64       `mapstructure:"slippage"`
	SwapTarget string        `mapstructure:"swap_target"`
	Retry      RetryConfig   `mapstructure:"retry"`
	Tokens     []TokenConfig `mapstructure:"tokens"`
}

// RetryConfig 统一控制重试机制。
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	MinDelay    time.Duration `mapstructure:"min_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// TokenConfig 描述代币在交易所中的符号与精度。
type TokenConfig struct {
	Symbol   string `mapstructure:"symbol"`
	Address  string `mapstructure:"address"`
	Decimals int32  `mapstructure:"decimals"`
}

// LockConfig 控制篮子级互斥。
type LockConfig struct {
	Backend       string        `mapstructure:"backend"`
	RedisAddr     string        `mapstructure:"redis_addr"`
	RedisPassword string        `mapstructure:"redis_password"`
	RedisDB       int           `mapstructure:"redis_db"`
	Prefix        string        `mapstructure:"prefix"`
	TTL           time.Duration `mapstructure:"ttl"`
}

// DatabaseConfig 管理数据库连接。
type DatabaseConfig struct {
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	InMemory        bool          `mapstructure:"in_memory"`
}

// LoggingConfig 控制日志输出。
type LoggingConfig struct {
	Level            string        `mapstructure:"level"`
	Encoding         string        `mapstructure:"encoding"`
	Development      bool          `mapstructure:"development"`
	OutputPaths      []string      `mapstructure:"output_paths"`
	ErrorOutputPaths []string      `mapstructure:"error_output_paths"`
	File             FileLogConfig `mapstructure:"file"`
}

// FileLogConfig 控制滚动日志文件。
type FileLogConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Filename   string `mapstructure:"filename"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

// Validate 对配置进行基本校验。
func (c *Config) Validate() error {
	var err error

	if c.App.Environment == "" {
		err = multierr.Append(err, errors.New("app.environment 不能为空"))
	}
	if c.Server.Addr == "" {
		err = multierr.Append(err, errors.New("server.addr 不能为空"))
	}
	if c.Server.AdminToken == "" {
		err = multierr.Append(err, errors.New("server.admin_token 不能为空"))
	}
	err = multierr.Append(err, checkAddress("engine.reserve", c.Engine.Reserve, true))
	if c.Engine.DefaultToleranceBps > 10000 {
		err = multierr.Append(err, errors.New("engine.default_tolerance_bps 不能大于10000"))
	}
	if c.Records.MaxHoldings <= 0 {
		err = multierr.Append(err, errors.New("records.max_holdings 必须大于0"))
	}
	if c.Fees.RateBps > 10000 {
		err = multierr.Append(err, errors.New("fees.rate_bps 不能大于10000"))
	}
	err = multierr.Append(err, checkAddress("fees.vault", c.Fees.Vault, true))
	for i, b := range c.Fees.Beneficiaries {
		err = multierr.Append(err, checkAddress(fmt.Sprintf("fees.beneficiaries[%d].address", i), b.Address, true))
	}
	for i, op := range c.Operators {
		if strings.TrimSpace(op.Name) == "" || len(op.Name) > 32 {
			err = multierr.Append(err, fmt.Errorf("operators[%d].name 长度必须位于[1,32]", i))
		}
		switch strings.ToLower(op.Kind) {
		case "routed", "direct":
		default:
			err = multierr.Append(err, fmt.Errorf("operators[%d].kind 仅支持 routed|direct", i))
		}
		err = multierr.Append(err, checkAddress(fmt.Sprintf("operators[%d].address", i), op.Address, true))
		err = multierr.Append(err, checkAddress(fmt.Sprintf("operators[%d].swap_target", i), op.SwapTarget, false))
	}
	if c.Router.Enabled {
		err = multierr.Append(err, checkAddress("router.address", c.Router.Address, true))
	}
	for i, g := range c.Genesis {
		err = multierr.Append(err, checkAddress(fmt.Sprintf("genesis[%d].token", i), g.Token, true))
		err = multierr.Append(err, checkAddress(fmt.Sprintf("genesis[%d].holder", i), g.Holder, true))
		if _, parseErr := uint256.FromDecimal(g.Amount); parseErr != nil {
			err = multierr.Append(err, fmt.Errorf("genesis[%d].amount 非法: %w", i, parseErr))
		}
	}
	if c.Oracle.Enabled {
		if c.Oracle.Exchange == "" {
			err = multierr.Append(err, errors.New("oracle.exchange 不能为空"))
		}
		if c.Oracle.QuoteAsset == "" {
			err = multierr.Append(err, errors.New("oracle.quote_asset 不能为空"))
		}
		if c.Oracle.Slippage < 0 || c.Oracle.Slippage > 0.5 {
			err = multierr.Append(err, errors.New("oracle.slippage 应位于[0,0.5]"))
		}
		err = multierr.Append(err, checkAddress("oracle.swap_target", c.Oracle.SwapTarget, true))
		if c.Oracle.Retry.MaxAttempts <= 0 {
			err = multierr.Append(err, errors.New("oracle.retry.max_attempts 必须大于0"))
		}
		if c.Oracle.Retry.MinDelay > c.Oracle.Retry.MaxDelay {
			err = multierr.Append(err, errors.New("oracle.retry.min_delay 不能大于 max_delay"))
		}
		for i, tok := range c.Oracle.Tokens {
			if tok.Symbol == "" {
				err = multierr.Append(err, fmt.Errorf("oracle.tokens[%d].symbol 不能为空", i))
			}
			if tok.Decimals < 0 || tok.Decimals > 36 {
				err = multierr.Append(err, fmt.Errorf("oracle.tokens[%d].decimals 应位于[0,36]", i))
			}
			err = multierr.Append(err, checkAddress(fmt.Sprintf("oracle.tokens[%d].address", i), tok.Address, true))
		}
	}
	switch strings.ToLower(c.Lock.Backend) {
	case "memory":
	case "redis":
		if c.Lock.RedisAddr == "" {
			err = multierr.Append(err, errors.New("lock.redis_addr 不能为空"))
		}
		if c.Lock.TTL <= 0 {
			err = multierr.Append(err, errors.New("lock.ttl 必须大于0"))
		}
	default:
		err = multierr.Append(err, errors.New("lock.backend 仅支持 memory|redis"))
	}
	if c.Database.Path == "" && !c.Database.InMemory {
		err = multierr.Append(err, errors.New("database.path 不能为空"))
	}
	if c.Database.MaxOpenConns <= 0 {
		err = multierr.Append(err, errors.New("database.max_open_conns 必须大于0"))
	}
	if c.Database.MaxIdleConns < 0 {
		err = multierr.Append(err, errors.New("database.max_idle_conns 不能为负"))
	}
	if c.Database.ConnMaxLifetime < 0 {
		err = multierr.Append(err, errors.New("database.conn_max_lifetime 不能为负"))
	}
	if c.Logging.Level == "" {
		err = multierr.Append(err, errors.New("logging.level 不能为空"))
	}
	if c.Logging.Encoding == "" {
		err = multierr.Append(err, errors.New("logging.encoding 不能为空"))
	}
	if len(c.Logging.OutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.output_paths 至少包含一个输出目标"))
	}
	if c.Logging.File.Enabled && c.Logging.File.Filename == "" {
		err = multierr.Append(err, errors.New("logging.file.filename 不能为空"))
	}

	if err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}

	return nil
}

func checkAddress(field, value string, required bool) error {
	if value == "" {
		if required {
			return fmt.Errorf("%s 不能为空", field)
		}
		return nil
	}
	if !common.IsHexAddress(value) {
		return fmt.Errorf("%s 不是合法地址: %q", field, value)
	}
	return nil
}
