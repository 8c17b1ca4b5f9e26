package fees

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.uber.org/zap"
)

// Store 持久化手续费配置。
type Store interface {
	SaveConfig(ctx context.Context, cfg Config) error
	LoadConfig(ctx context.Context) (Config, bool, error)
}

// Splitter 持有当前配置的不可变快照。
type Splitter struct {
	current atomic.Pointer[Config]
	store   Store
	logger  *zap.Logger
}

// NewSplitter 以 initial 为初始配置创建 Splitter，store 可为 nil。
func NewSplitter(initial Config, store Store, logger *zap.Logger) (*Splitter, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := initial.Validate(); err != nil {
		return nil, err
	}
	s := &Splitter{store: store, logger: logger}
	cfg := initial.Clone()
	s.current.Store(&cfg)
	return s, nil
}

// Load 若存储中已有配置则以其为准。
func (s *Splitter) Load(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	cfg, ok, err := s.store.LoadConfig(ctx)
	if err != nil {
		return fmt.Errorf("fees: 加载配置失败: %w", err)
	}
	if !ok {
		return nil
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.current.Store(&cfg)
	s.logger.Info("手续费配置已加载", zap.Uint64("rate_bps", cfg.RateBps), zap.Int("beneficiaries", len(cfg.Beneficiaries)))
	return nil
}

// Update 校验、持久化并原子替换配置。
func (s *Splitter) Update(ctx context.Context, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	next := cfg.Clone()
	if s.store != nil {
		if err := s.store.SaveConfig(ctx, next); err != nil {
			return fmt.Errorf("fees: 持久化配置失败: %w", err)
		}
	}
	s.current.Store(&next)
	s.logger.Info("手续费配置已更新", zap.Uint64("rate_bps", next.RateBps), zap.Int("beneficiaries", len(next.Beneficiaries)))
	return nil
}

// Config 返回当前配置的副本。
func (s *Splitter) Config() Config {
	return s.current.Load().Clone()
}

// Split 以当前配置分账。
func (s *Splitter) Split(amount *uint256.Int) Split {
	return s.current.Load().Split(amount)
}

// SQLStore 将配置保存为单行记录。
type SQLStore struct {
	db *sql.DB
}

var _ Store = (*SQLStore)(nil)

// NewSQLStore 创建存储并初始化表结构。
func NewSQLStore(db *sql.DB) (*SQLStore, error) {
	if db == nil {
		return nil, errors.New("fees: 数据库实例不能为空")
	}
	stmt := `
CREATE TABLE IF NOT EXISTS fee_config (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	rate_bps INTEGER NOT NULL,
	vault TEXT NOT NULL,
	beneficiaries TEXT NOT NULL,
	royalties_weight INTEGER NOT NULL DEFAULT 0,
	updated_at TEXT NOT NULL
);`
	if _, err := db.Exec(stmt); err != nil {
		return nil, fmt.Errorf("fees: 初始化表结构失败: %w", err)
	}
	return &SQLStore{db: db}, nil
}

// SaveConfig 覆盖写入配置。
func (s *SQLStore) SaveConfig(ctx context.Context, cfg Config) error {
	raw, err := json.Marshal(cfg.Beneficiaries)
	if err != nil {
		return fmt.Errorf("fees: 序列化受益人失败: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO fee_config (id, rate_bps, vault, beneficiaries, royalties_weight, updated_at) VALUES (1, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET rate_bps = excluded.rate_bps, vault = excluded.vault,
		 beneficiaries = excluded.beneficiaries, royalties_weight = excluded.royalties_weight,
		 updated_at = excluded.updated_at`,
		cfg.RateBps, cfg.Vault.Hex(), string(raw), cfg.RoyaltiesWeight, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("fees: 写入配置失败: %w", err)
	}
	return nil
}

// LoadConfig 读取配置，不存在时 ok 为 false。
func (s *SQLStore) LoadConfig(ctx context.Context) (Config, bool, error) {
	var (
		cfg   Config
		vault string
		raw   string
	)
	err := s.db.QueryRowContext(ctx, `SELECT rate_bps, vault, beneficiaries, royalties_weight FROM fee_config WHERE id = 1`).
		Scan(&cfg.RateBps, &vault, &raw, &cfg.RoyaltiesWeight)
	if errors.Is(err, sql.ErrNoRows) {
		return Config{}, false, nil
	}
	if err != nil {
		return Config{}, false, fmt.Errorf("fees: 查询配置失败: %w", err)
	}
	cfg.Vault = common.HexToAddress(vault)
	if err := json.Unmarshal([]byte(raw), &cfg.Beneficiaries); err != nil {
		return Config{}, false, fmt.Errorf("fees: 解析受益人失败: %w", err)
	}
	return cfg, true, nil
}
