package operator

import (
	"context"
	"database/sql"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NestedFinance/nested-core-lego/internal/failure"
)

var (
	zeroEx = MustName("ZeroEx")
	flat   = MustName("Flat")
	addrA  = common.HexToAddress("0x0000000000000000000000000000000000000aaa")
	addrB  = common.HexToAddress("0x0000000000000000000000000000000000000bbb")
	addrC  = common.HexToAddress("0x0000000000000000000000000000000000000ccc")
)

func TestResolveRequiresImportAndRebuild(t *testing.T) {
	ctx := context.Background()
	registry := NewRegistry(nil, nil)
	holder := NewCacheHolder()

	_, err := holder.Snapshot().Resolve(zeroEx)
	require.ErrorIs(t, err, failure.ErrUnknownHandler)

	require.NoError(t, registry.Import(ctx, []Name{zeroEx}, []common.Address{addrA}))
	_, err = holder.Snapshot().Resolve(zeroEx)
	require.ErrorIs(t, err, failure.ErrUnknownHandler, "imported but not rebuilt")

	registry.RebuildCache(holder)
	got, err := holder.Snapshot().Resolve(zeroEx)
	require.NoError(t, err)
	require.Equal(t, addrA, got)
}

func TestImportArityMismatch(t *testing.T) {
	registry := NewRegistry(nil, nil)
	err := registry.Import(context.Background(), []Name{zeroEx, flat}, []common.Address{addrA})
	require.ErrorIs(t, err, failure.ErrArityMismatch)
	require.Zero(t, registry.Revision())
}

func TestImportRejectsZeroValues(t *testing.T) {
	registry := NewRegistry(nil, nil)
	require.ErrorIs(t, registry.Import(context.Background(), []Name{{}}, []common.Address{addrA}), failure.ErrInvalidRequest)
	require.ErrorIs(t, registry.Import(context.Background(), []Name{zeroEx}, []common.Address{{}}), failure.ErrInvalidRequest)
	require.Empty(t, registry.Entries())
}

func TestImportRepeatedNameLastWins(t *testing.T) {
	registry := NewRegistry(nil, nil)
	require.NoError(t, registry.Import(context.Background(), []Name{zeroEx, zeroEx}, []common.Address{addrA, addrB}))
	got, ok := registry.Lookup(zeroEx)
	require.True(t, ok)
	require.Equal(t, addrB, got)
	require.Equal(t, uint64(1), registry.Revision())
}

func TestRebuildCacheIsIdempotent(t *testing.T) {
	registry := NewRegistry(nil, nil)
	holder := NewCacheHolder()
	require.NoError(t, registry.Import(context.Background(), []Name{zeroEx, flat}, []common.Address{addrA, addrB}))

	first := registry.RebuildCache(holder)
	second := registry.RebuildCache(holder)
	require.Equal(t, first.Entries(), second.Entries())
	require.Equal(t, first.Revision(), second.Revision())
}

func TestRebuildCacheWithNoImportsPublishesEmptySnapshot(t *testing.T) {
	registry := NewRegistry(nil, nil)
	holder := NewCacheHolder()
	cache := registry.RebuildCache(holder)
	require.Zero(t, cache.Len())
	require.Zero(t, cache.Revision())
}

func TestHoldersAreIndependentAndStaleUntilRebuild(t *testing.T) {
	ctx := context.Background()
	registry := NewRegistry(nil, nil)
	engineHolder := NewCacheHolder()
	otherHolder := NewCacheHolder()

	require.NoError(t, registry.Import(ctx, []Name{zeroEx}, []common.Address{addrA}))
	registry.RebuildCache(engineHolder)
	registry.RebuildCache(otherHolder)

	require.NoError(t, registry.Import(ctx, []Name{zeroEx}, []common.Address{addrC}))
	registry.RebuildCache(otherHolder)

	stale, err := engineHolder.Snapshot().Resolve(zeroEx)
	require.NoError(t, err)
	assert.Equal(t, addrA, stale)

	fresh, err := otherHolder.Snapshot().Resolve(zeroEx)
	require.NoError(t, err)
	assert.Equal(t, addrC, fresh)
}

func TestSnapshotIsNotTornByLaterRebuild(t *testing.T) {
	ctx := context.Background()
	registry := NewRegistry(nil, nil)
	holder := NewCacheHolder()
	require.NoError(t, registry.Import(ctx, []Name{zeroEx, flat}, []common.Address{addrA, addrB}))
	registry.RebuildCache(holder)

	snapshot := holder.Snapshot()
	require.NoError(t, registry.Import(ctx, []Name{zeroEx, flat}, []common.Address{addrC, addrC}))
	registry.RebuildCache(holder)

	a, err := snapshot.Resolve(zeroEx)
	require.NoError(t, err)
	b, err := snapshot.Resolve(flat)
	require.NoError(t, err)
	require.Equal(t, []common.Address{addrA, addrB}, []common.Address{a, b})
}

func TestIsCachedTracksRequiredNames(t *testing.T) {
	ctx := context.Background()
	registry := NewRegistry(nil, nil)
	holder := NewCacheHolder()
	holder.Require(zeroEx, flat)
	require.False(t, holder.IsCached(registry))

	require.NoError(t, registry.Import(ctx, []Name{zeroEx, flat}, []common.Address{addrA, addrB}))
	require.False(t, holder.IsCached(registry))

	registry.RebuildCache(holder)
	require.True(t, holder.IsCached(registry))

	require.NoError(t, registry.Import(ctx, []Name{flat}, []common.Address{addrC}))
	require.False(t, holder.IsCached(registry))

	require.True(t, holder.Forget(flat))
	require.False(t, holder.Forget(flat))
	require.True(t, holder.IsCached(registry))
}

func TestRegistryPersistsThroughSQLStore(t *testing.T) {
	ctx := context.Background()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	defer db.Close()

	store, err := NewSQLStore(db)
	require.NoError(t, err)

	registry := NewRegistry(store, nil)
	require.NoError(t, registry.Import(ctx, []Name{zeroEx, flat}, []common.Address{addrA, addrB}))
	require.NoError(t, registry.Import(ctx, []Name{zeroEx}, []common.Address{addrC}))

	restored := NewRegistry(store, nil)
	require.NoError(t, restored.Load(ctx))
	require.Equal(t, registry.Entries(), restored.Entries())
	require.Equal(t, uint64(2), restored.Revision())

	holder := NewCacheHolder()
	_, err = holder.Snapshot().Resolve(zeroEx)
	require.ErrorIs(t, err, failure.ErrUnknownHandler, "loading does not publish")
}

func TestNameRoundTrip(t *testing.T) {
	require.Equal(t, "ZeroEx", zeroEx.String())
	parsed, err := ParseName(zeroEx.Hex())
	require.NoError(t, err)
	require.Equal(t, zeroEx, parsed)

	_, err = NameFromString("this-name-is-definitely-longer-than-32-bytes")
	require.ErrorIs(t, err, failure.ErrInvalidRequest)
}
