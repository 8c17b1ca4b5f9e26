package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/NestedFinance/nested-core-lego/internal/config"
	"github.com/NestedFinance/nested-core-lego/internal/store"
)

func newService(t *testing.T) (*Service, *store.Store) {
	t.Helper()
	st, err := store.NewSQLite(config.DatabaseConfig{InMemory: true, MaxOpenConns: 1, MaxIdleConns: 1})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	svc, err := NewService(st, nil)
	require.NoError(t, err)
	return svc, st
}

func TestRecordAndList(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)

	require.NoError(t, svc.Record(ctx, Event{Type: EventBasketCreated, BasketID: 1, Payload: CommitPayload{ExecutionID: "a"}}))
	require.NoError(t, svc.Record(ctx, Event{Type: EventExecutionAborted, BasketID: 2, Payload: AbortPayload{Kind: "UnknownHandler"}}))
	svc.RecordAdmin(ctx, EventCacheRebuilt, "rebuild", map[string]interface{}{"revision": 3})

	all, err := svc.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, EventCacheRebuilt, all[0].Type, "newest first")

	aborted, err := svc.List(ctx, Filter{Type: EventExecutionAborted})
	require.NoError(t, err)
	require.Len(t, aborted, 1)

	var payload AbortPayload
	require.NoError(t, json.Unmarshal(aborted[0].Payload.(json.RawMessage), &payload))
	require.Equal(t, "UnknownHandler", payload.Kind)

	byBasket, err := svc.List(ctx, Filter{BasketID: 1})
	require.NoError(t, err)
	require.Len(t, byBasket, 1)
	require.Equal(t, uint64(1), byBasket[0].BasketID)
}

func TestRecordTxRollsBackWithCaller(t *testing.T) {
	ctx := context.Background()
	svc, st := newService(t)

	err := st.InTx(ctx, func(tx *sql.Tx) error {
		if err := svc.RecordTx(ctx, tx, Event{Type: EventBasketCreated, BasketID: 9}); err != nil {
			return err
		}
		return errors.New("abort")
	})
	require.Error(t, err)

	events, err := svc.List(ctx, Filter{BasketID: 9})
	require.NoError(t, err)
	require.Empty(t, events)
}
