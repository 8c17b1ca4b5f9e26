package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/NestedFinance/nested-core-lego/internal/store"
)

// Service 负责持久化篮子事件。
type Service struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewService 初始化日志服务，创建所需表结构。
func NewService(store *store.Store, logger *zap.Logger) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("journal: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Service{
		db:     store.DB(),
		logger: logger,
	}

	if err := s.initSchema(); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *Service) initSchema() error {
	stmt := `
CREATE TABLE IF NOT EXISTS basket_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	event_type TEXT NOT NULL,
	basket_id INTEGER NOT NULL DEFAULT 0,
	payload TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_basket_events_type ON basket_events(event_type);
CREATE INDEX IF NOT EXISTS idx_basket_events_basket ON basket_events(basket_id);
`
	if _, err := s.db.Exec(stmt); err != nil {
		return fmt.Errorf("journal: 初始化表失败: %w", err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Service) insert(ctx context.Context, exec execer, event Event) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("journal: 序列化事件失败: %w", err)
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	_, err = exec.ExecContext(ctx,
		`INSERT INTO basket_events (event_type, basket_id, payload, created_at) VALUES (?, ?, ?, ?)`,
		string(event.Type), event.BasketID, string(payload), event.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("journal: 写入事件失败: %w", err)
	}
	return nil
}

// Record 写入单个事件。
func (s *Service) Record(ctx context.Context, event Event) error {
	return s.insert(ctx, s.db, event)
}

// RecordTx 在调用方事务中写入事件，与业务数据一同提交或回滚。
func (s *Service) RecordTx(ctx context.Context, tx *sql.Tx, event Event) error {
	return s.insert(ctx, tx, event)
}

// RecordAdmin 记录管理操作，失败只打日志。
func (s *Service) RecordAdmin(ctx context.Context, typ EventType, action string, detail map[string]interface{}) {
	if err := s.Record(ctx, Event{
		Type:      typ,
		Timestamp: time.Now().UTC(),
		Payload:   AdminPayload{Action: action, Detail: detail},
	}); err != nil {
		s.logger.Warn("记录管理事件失败", zap.String("action", action), zap.Error(err))
	}
}

// List 按条件检索最近事件。
func (s *Service) List(ctx context.Context, filter Filter) ([]Event, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT id, event_type, basket_id, payload, created_at FROM basket_events WHERE 1 = 1`
	args := make([]interface{}, 0, 3)
	if filter.Type != "" {
		query += ` AND event_type = ?`
		args = append(args, string(filter.Type))
	}
	if filter.BasketID != 0 {
		query += ` AND basket_id = ?`
		args = append(args, filter.BasketID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("journal: 查询事件失败: %w", err)
	}
	defer rows.Close()

	events := make([]Event, 0, limit)
	for rows.Next() {
		var (
			event   Event
			typ     string
			payload string
			created string
		)
		if scanErr := rows.Scan(&event.ID, &typ, &event.BasketID, &payload, &created); scanErr != nil {
			return nil, fmt.Errorf("journal: 解析事件失败: %w", scanErr)
		}

		ts, parseErr := time.Parse(time.RFC3339Nano, created)
		if parseErr != nil {
			ts = time.Now().UTC()
		}
		event.Type = EventType(typ)
		event.Timestamp = ts
		event.Payload = json.RawMessage(payload)
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal: 读取事件失败: %w", err)
	}

	return events, nil
}
