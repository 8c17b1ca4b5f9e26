package chain

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// SQLBook 将已提交余额保存在 SQLite 中，余额以十进制文本存储。
type SQLBook struct {
	db *sql.DB
}

var _ Book = (*SQLBook)(nil)

// NewSQLBook 创建账本并初始化表结构。
func NewSQLBook(db *sql.DB) (*SQLBook, error) {
	if db == nil {
		return nil, errors.New("chain: 数据库实例不能为空")
	}
	b := &SQLBook{db: db}
	if err := b.initSchema(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *SQLBook) initSchema() error {
	stmt := `
CREATE TABLE IF NOT EXISTS token_balances (
	token TEXT NOT NULL,
	holder TEXT NOT NULL,
	balance TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (token, holder)
);`
	if _, err := b.db.Exec(stmt); err != nil {
		return fmt.Errorf("chain: 初始化表结构失败: %w", err)
	}
	return nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func readBalance(ctx context.Context, q queryer, token, holder common.Address) (*uint256.Int, error) {
	var raw string
	err := q.QueryRowContext(ctx,
		`SELECT balance FROM token_balances WHERE token = ? AND holder = ?`,
		token.Hex(), holder.Hex(),
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return new(uint256.Int), nil
	}
	if err != nil {
		return nil, fmt.Errorf("chain: 查询余额失败: %w", err)
	}
	bal, err := uint256.FromDecimal(raw)
	if err != nil {
		return nil, fmt.Errorf("chain: 解析余额 %q 失败: %w", raw, err)
	}
	return bal, nil
}

// BalanceOf 返回已提交余额。
func (b *SQLBook) BalanceOf(ctx context.Context, token, holder common.Address) (*uint256.Int, error) {
	return readBalance(ctx, b.db, token, holder)
}

// Credit 在独立事务中增加余额。
func (b *SQLBook) Credit(ctx context.Context, token, holder common.Address, amount *uint256.Int) (err error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("chain: 开启事务失败: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = b.ApplyTx(ctx, tx, []BalanceChange{{Token: token, Holder: holder, Amount: amount}}); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("chain: 提交事务失败: %w", err)
	}
	return nil
}

// ApplyTx 在调用方事务中应用净变化；余额不足时返回错误，由调用方回滚。
func (b *SQLBook) ApplyTx(ctx context.Context, tx *sql.Tx, changes []BalanceChange) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, change := range changes {
		current, err := readBalance(ctx, tx, change.Token, change.Holder)
		if err != nil {
			return err
		}
		next, err := applyChange(current, change)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO token_balances (token, holder, balance, updated_at) VALUES (?, ?, ?, ?)
			 ON CONFLICT(token, holder) DO UPDATE SET balance = excluded.balance, updated_at = excluded.updated_at`,
			change.Token.Hex(), change.Holder.Hex(), next.Dec(), now,
		); err != nil {
			return fmt.Errorf("chain: 写入余额失败: %w", err)
		}
	}
	return nil
}
