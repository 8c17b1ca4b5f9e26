package engine

import (
	"context"
	"database/sql"
	"errors"

	"github.com/NestedFinance/nested-core-lego/internal/chain"
	"github.com/NestedFinance/nested-core-lego/internal/journal"
	"github.com/NestedFinance/nested-core-lego/internal/records"
	"github.com/NestedFinance/nested-core-lego/internal/store"
)

// Settlement 是一次执行需要原子落库的全部内容。
// Basket.ID 为 0 时由 Settler 在同一事务中铸造。
type Settlement struct {
	Changes []chain.BalanceChange
	Basket  records.Basket
	Event   journal.Event
}

// Settler 原子地提交余额变化、篮子记录与日志。
type Settler interface {
	Settle(ctx context.Context, s Settlement) (records.Basket, error)
}

// SQLSettler 在单个 SQLite 事务中提交。
type SQLSettler struct {
	store   *store.Store
	book    *chain.SQLBook
	repo    *records.SQLRepository
	journal *journal.Service
}

var _ Settler = (*SQLSettler)(nil)

// NewSQLSettler 创建 SQLSettler，journal 可为 nil。
func NewSQLSettler(st *store.Store, book *chain.SQLBook, repo *records.SQLRepository, j *journal.Service) (*SQLSettler, error) {
	if st == nil || book == nil || repo == nil {
		return nil, errors.New("engine: settler 依赖不能为空")
	}
	return &SQLSettler{store: st, book: book, repo: repo, journal: j}, nil
}

// Settle 实现 Settler。
func (s *SQLSettler) Settle(ctx context.Context, st Settlement) (records.Basket, error) {
	basket := st.Basket
	err := s.store.InTx(ctx, func(tx *sql.Tx) error {
		if basket.ID == 0 {
			id, err := s.repo.NextIDTx(ctx, tx)
			if err != nil {
				return err
			}
			basket.ID = id
		}
		if err := s.book.ApplyTx(ctx, tx, st.Changes); err != nil {
			return err
		}
		if err := s.repo.SaveTx(ctx, tx, basket); err != nil {
			return err
		}
		if s.journal != nil {
			event := st.Event
			event.BasketID = basket.ID
			if err := s.journal.RecordTx(ctx, tx, event); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return records.Basket{}, err
	}
	return basket, nil
}

// MemorySettler 提交到进程内账本与存储，日志事件被忽略。
type MemorySettler struct {
	book *chain.MemoryBook
	repo *records.MemoryRepository
}

var _ Settler = (*MemorySettler)(nil)

// NewMemorySettler 创建 MemorySettler。
func NewMemorySettler(book *chain.MemoryBook, repo *records.MemoryRepository) *MemorySettler {
	return &MemorySettler{book: book, repo: repo}
}

// Settle 实现 Settler。
func (s *MemorySettler) Settle(_ context.Context, st Settlement) (records.Basket, error) {
	return s.repo.Commit(func(nextID func() uint64) (records.Basket, error) {
		basket := st.Basket
		if basket.ID == 0 {
			basket.ID = nextID()
		}
		if err := s.book.Apply(st.Changes); err != nil {
			return records.Basket{}, err
		}
		return basket, nil
	})
}
