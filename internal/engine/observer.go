package engine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/NestedFinance/nested-core-lego/internal/failure"
	"github.com/NestedFinance/nested-core-lego/internal/journal"
	"github.com/NestedFinance/nested-core-lego/internal/operator"
)

// JournalObserver 将中止与缓存重建写入日志，提交事件由 Settler 在事务内写入。
type JournalObserver struct {
	NopObserver
	journal *journal.Service
	logger  *zap.Logger
}

// NewJournalObserver 创建 JournalObserver。
func NewJournalObserver(j *journal.Service, logger *zap.Logger) *JournalObserver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JournalObserver{journal: j, logger: logger}
}

// Aborted 实现 Observer。
func (o *JournalObserver) Aborted(ctx context.Context, req Request, abort Abort) {
	payload := journal.AbortPayload{
		ExecutionID: abort.ExecutionID,
		Caller:      req.Caller.Hex(),
		State:       string(abort.State),
		Kind:        failure.KindOf(abort.Err),
		Error:       abort.Err.Error(),
	}
	if err := o.journal.Record(context.WithoutCancel(ctx), journal.Event{
		Type:      journal.EventExecutionAborted,
		BasketID:  abort.BasketID,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}); err != nil {
		o.logger.Warn("记录中止事件失败", zap.String("execution_id", abort.ExecutionID), zap.Error(err))
	}
}

// CacheRebuilt 实现 Observer。
func (o *JournalObserver) CacheRebuilt(ctx context.Context, cache *operator.Cache) {
	o.journal.RecordAdmin(context.WithoutCancel(ctx), journal.EventCacheRebuilt, "rebuild_cache", map[string]interface{}{
		"revision": cache.Revision(),
		"entries":  cache.Len(),
	})
}
