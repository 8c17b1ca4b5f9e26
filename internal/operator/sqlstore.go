package operator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// SQLStore 将注册表保存在 SQLite 中。
type SQLStore struct {
	db *sql.DB
}

var _ Store = (*SQLStore)(nil)

// NewSQLStore 创建存储并初始化表结构。
func NewSQLStore(db *sql.DB) (*SQLStore, error) {
	if db == nil {
		return nil, errors.New("operator: 数据库实例不能为空")
	}
	s := &SQLStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS operator_registry (
			name TEXT PRIMARY KEY,
			address TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS operator_registry_meta (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			revision INTEGER NOT NULL
		);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("operator: 初始化表结构失败: %w", err)
		}
	}
	return nil
}

// SaveEntries 在单个事务中写入全部条目与版本号。
func (s *SQLStore) SaveEntries(ctx context.Context, entries []Entry, revision uint64) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("operator: 开启事务失败: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, e := range entries {
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO operator_registry (name, address, updated_at) VALUES (?, ?, ?)
			 ON CONFLICT(name) DO UPDATE SET address = excluded.address, updated_at = excluded.updated_at`,
			e.Name.Hex(), e.Address.Hex(), now,
		); err != nil {
			return fmt.Errorf("operator: 写入条目失败: %w", err)
		}
	}
	if _, err = tx.ExecContext(ctx,
		`INSERT INTO operator_registry_meta (id, revision) VALUES (1, ?)
		 ON CONFLICT(id) DO UPDATE SET revision = excluded.revision`,
		revision,
	); err != nil {
		return fmt.Errorf("operator: 写入版本失败: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("operator: 提交事务失败: %w", err)
	}
	return nil
}

// LoadEntries 读取全部条目与版本号。
func (s *SQLStore) LoadEntries(ctx context.Context) ([]Entry, uint64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, address FROM operator_registry ORDER BY name`)
	if err != nil {
		return nil, 0, fmt.Errorf("operator: 查询条目失败: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var rawName, rawAddr string
		if err := rows.Scan(&rawName, &rawAddr); err != nil {
			return nil, 0, fmt.Errorf("operator: 读取条目失败: %w", err)
		}
		decoded, err := hexutil.Decode(rawName)
		if err != nil || len(decoded) != 32 {
			return nil, 0, fmt.Errorf("operator: 名称 %q 非法", rawName)
		}
		var e Entry
		copy(e.Name[:], decoded)
		e.Address = common.HexToAddress(rawAddr)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("operator: 遍历条目失败: %w", err)
	}

	var revision uint64
	err = s.db.QueryRowContext(ctx, `SELECT revision FROM operator_registry_meta WHERE id = 1`).Scan(&revision)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, 0, fmt.Errorf("operator: 查询版本失败: %w", err)
	}
	return entries, revision, nil
}
