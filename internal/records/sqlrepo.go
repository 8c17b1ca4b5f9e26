package records

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/NestedFinance/nested-core-lego/internal/failure"
)

// SQLRepository 将篮子保存在 SQLite 中。
type SQLRepository struct {
	db *sql.DB
}

var _ Reader = (*SQLRepository)(nil)

// NewSQLRepository 创建存储并初始化表结构。
func NewSQLRepository(db *sql.DB) (*SQLRepository, error) {
	if db == nil {
		return nil, errors.New("records: 数据库实例不能为空")
	}
	r := &SQLRepository{db: db}
	if err := r.initSchema(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *SQLRepository) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS baskets (
			id INTEGER PRIMARY KEY,
			owner TEXT NOT NULL,
			source_token TEXT NOT NULL,
			total_sell_amount TEXT NOT NULL,
			metadata_uri TEXT NOT NULL,
			replicated_from INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_baskets_owner ON baskets(owner);`,
		`CREATE TABLE IF NOT EXISTS basket_holdings (
			basket_id INTEGER NOT NULL REFERENCES baskets(id) ON DELETE CASCADE,
			position INTEGER NOT NULL,
			token TEXT NOT NULL,
			amount TEXT NOT NULL,
			PRIMARY KEY (basket_id, token)
		);`,
		`CREATE TABLE IF NOT EXISTS basket_sequence (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			last_id INTEGER NOT NULL
		);`,
	}
	for _, stmt := range stmts {
		if _, err := r.db.Exec(stmt); err != nil {
			return fmt.Errorf("records: 初始化表结构失败: %w", err)
		}
	}
	return nil
}

// NextIDTx 在调用方事务中铸造新的篮子 id。
func (r *SQLRepository) NextIDTx(ctx context.Context, tx *sql.Tx) (uint64, error) {
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO basket_sequence (id, last_id) VALUES (1, 1)
		 ON CONFLICT(id) DO UPDATE SET last_id = last_id + 1`,
	); err != nil {
		return 0, fmt.Errorf("records: 更新序列失败: %w", err)
	}
	var id uint64
	if err := tx.QueryRowContext(ctx, `SELECT last_id FROM basket_sequence WHERE id = 1`).Scan(&id); err != nil {
		return 0, fmt.Errorf("records: 读取序列失败: %w", err)
	}
	return id, nil
}

// SaveTx 在调用方事务中写入篮子及其全部持仓。
func (r *SQLRepository) SaveTx(ctx context.Context, tx *sql.Tx, b Basket) error {
	total := "0"
	if b.TotalSellAmount != nil {
		total = b.TotalSellAmount.Dec()
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO baskets (id, owner, source_token, total_sell_amount, metadata_uri, replicated_from, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET total_sell_amount = excluded.total_sell_amount,
		 metadata_uri = excluded.metadata_uri, updated_at = excluded.updated_at`,
		b.ID, b.Owner.Hex(), b.SourceToken.Hex(), total, b.MetadataURI, b.ReplicatedFrom,
		b.CreatedAt.UTC().Format(time.RFC3339Nano), b.UpdatedAt.UTC().Format(time.RFC3339Nano),
	); err != nil {
		return fmt.Errorf("records: 写入篮子失败: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM basket_holdings WHERE basket_id = ?`, b.ID); err != nil {
		return fmt.Errorf("records: 清理持仓失败: %w", err)
	}
	for i, h := range b.Holdings {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO basket_holdings (basket_id, position, token, amount) VALUES (?, ?, ?, ?)`,
			b.ID, i, h.Token.Hex(), h.Amount.Dec(),
		); err != nil {
			return fmt.Errorf("records: 写入持仓失败: %w", err)
		}
	}
	return nil
}

// Get 实现 Reader。
func (r *SQLRepository) Get(ctx context.Context, id uint64) (Basket, error) {
	var (
		b                Basket
		owner, source    string
		total            string
		created, updated string
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT id, owner, source_token, total_sell_amount, metadata_uri, replicated_from, created_at, updated_at
		 FROM baskets WHERE id = ?`, id,
	).Scan(&b.ID, &owner, &source, &total, &b.MetadataURI, &b.ReplicatedFrom, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Basket{}, fmt.Errorf("records: 篮子 %d 不存在: %w", id, failure.ErrNotFound)
	}
	if err != nil {
		return Basket{}, fmt.Errorf("records: 查询篮子失败: %w", err)
	}
	b.Owner = common.HexToAddress(owner)
	b.SourceToken = common.HexToAddress(source)
	if b.TotalSellAmount, err = uint256.FromDecimal(total); err != nil {
		return Basket{}, fmt.Errorf("records: 解析总额 %q 失败: %w", total, err)
	}
	if b.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
		return Basket{}, fmt.Errorf("records: 解析创建时间失败: %w", err)
	}
	if b.UpdatedAt, err = time.Parse(time.RFC3339Nano, updated); err != nil {
		return Basket{}, fmt.Errorf("records: 解析更新时间失败: %w", err)
	}

	holdings, err := r.holdings(ctx, id)
	if err != nil {
		return Basket{}, err
	}
	b.Holdings = holdings
	return b, nil
}

func (r *SQLRepository) holdings(ctx context.Context, id uint64) ([]Holding, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT token, amount FROM basket_holdings WHERE basket_id = ? ORDER BY position`, id)
	if err != nil {
		return nil, fmt.Errorf("records: 查询持仓失败: %w", err)
	}
	defer rows.Close()

	holdings := make([]Holding, 0)
	for rows.Next() {
		var token, amount string
		if err := rows.Scan(&token, &amount); err != nil {
			return nil, fmt.Errorf("records: 读取持仓失败: %w", err)
		}
		value, err := uint256.FromDecimal(amount)
		if err != nil {
			return nil, fmt.Errorf("records: 解析持仓数量 %q 失败: %w", amount, err)
		}
		holdings = append(holdings, Holding{Token: common.HexToAddress(token), Amount: value})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("records: 遍历持仓失败: %w", err)
	}
	return holdings, nil
}

// ListByOwner 实现 Reader。
func (r *SQLRepository) ListByOwner(ctx context.Context, owner common.Address) ([]Basket, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id FROM baskets WHERE owner = ? ORDER BY id`, owner.Hex())
	if err != nil {
		return nil, fmt.Errorf("records: 查询篮子列表失败: %w", err)
	}
	var ids []uint64
	for rows.Next() {
		var id uint64
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("records: 读取篮子 id 失败: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("records: 遍历篮子列表失败: %w", err)
	}
	_ = rows.Close()

	list := make([]Basket, 0, len(ids))
	for _, id := range ids {
		b, err := r.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		list = append(list, b)
	}
	return list, nil
}
