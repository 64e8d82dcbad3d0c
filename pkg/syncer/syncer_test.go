package syncer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shelfsync/shelfsync/internal/lock"
	"github.com/shelfsync/shelfsync/pkg/authority"
	"github.com/shelfsync/shelfsync/pkg/catalog"
	"github.com/shelfsync/shelfsync/pkg/connectors"
	"github.com/shelfsync/shelfsync/pkg/connectors/connectortest"
	"github.com/shelfsync/shelfsync/pkg/consolidator"
	"github.com/shelfsync/shelfsync/pkg/detector"
	"github.com/shelfsync/shelfsync/pkg/errors"
	"github.com/shelfsync/shelfsync/pkg/identity"
	"github.com/shelfsync/shelfsync/pkg/platforms"
	"github.com/shelfsync/shelfsync/pkg/pusher"
	"github.com/shelfsync/shelfsync/pkg/store"
	"github.com/shelfsync/shelfsync/pkg/store/memory"
)

type engine struct {
	shopify   *connectortest.Fake
	square    *connectortest.Fake
	directory *memory.Directory
	mappings  *memory.MappingStore
	canonical *memory.CanonicalStore
	orch      *Orchestrator
}

func newEngine(t *testing.T, opts ...Option) *engine {
	t.Helper()

	e := &engine{
		shopify:   connectortest.New(platforms.Shopify),
		square:    connectortest.New(platforms.Square),
		directory: memory.NewDirectory(),
		mappings:  memory.NewMappingStore(),
		canonical: memory.NewCanonicalStore(),
	}
	registry, err := connectors.NewRegistry(e.shopify, e.square)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, e.directory.SaveConnection(ctx, store.Connection{
		ID: "conn-shopify", AccountID: "acct-1", Platform: platforms.Shopify, Active: true,
	}))
	require.NoError(t, e.directory.SaveConnection(ctx, store.Connection{
		ID: "conn-square", AccountID: "acct-1", Platform: platforms.Square, Active: true,
	}))

	resolver := identity.New(e.mappings, e.canonical)
	cons := consolidator.New(resolver, e.canonical)
	det := detector.New(authority.New(), e.canonical)
	push := pusher.New(registry, e.mappings, e.canonical, e.directory,
		pusher.WithMaxAttempts(2), pusher.WithBaseDelay(time.Millisecond))

	e.orch = New(e.directory, registry, cons, det, push, opts...)
	return e
}

func scriptShopify(f *connectortest.Fake) {
	f.Locations = []*catalog.Location{
		{Name: "Main", Active: true, ExternalIDs: catalog.ExternalIDs{platforms.Shopify: "L1"}},
	}
	f.Products = []*catalog.Product{
		{
			Title:       "Widget",
			ExternalIDs: catalog.ExternalIDs{platforms.Shopify: "P1"},
			Variants: []*catalog.Variant{
				{
					SKU:         "WID-1",
					Price:       1000,
					ExternalIDs: catalog.ExternalIDs{platforms.Shopify: "V1"},
					Inventory:   []*catalog.InventoryLevel{{LocationID: "L1", Available: 5}},
				},
			},
		},
	}
}

func TestFullCycleCreatesMissingEntitiesOnOtherPlatform(t *testing.T) {
	e := newEngine(t)
	scriptShopify(e.shopify)
	// Square is connected but empty: everything Shopify has should be
	// created there.

	report, err := e.orch.SyncAccount(context.Background(), "acct-1")
	require.NoError(t, err)

	assert.Len(t, report.Fetches, 2)
	assert.Zero(t, report.FetchFailures())
	assert.False(t, report.FinishedAt.IsZero())
	assert.GreaterOrEqual(t, report.Duration, time.Duration(0))
	assert.Equal(t, 1, report.Created[platforms.EntityProduct])
	assert.Equal(t, 1, report.Created[platforms.EntityVariant])
	assert.Equal(t, 1, report.Created[platforms.EntityLocation])

	assert.NotEmpty(t, e.square.CreatedLocations, "location created on Square")
	assert.NotEmpty(t, e.square.CreatedProducts, "product created on Square")
	assert.Zero(t, report.Failed())
	assert.Equal(t, StateIdle, e.orch.StateOf("acct-1"))
}

func TestFailingConnectorDoesNotBlockOthers(t *testing.T) {
	e := newEngine(t)
	scriptShopify(e.shopify)
	e.square.FetchCatalogErr = errors.NewConnectorTransientError(platforms.Square, "list", 503, errors.New("down"))

	report, err := e.orch.SyncAccount(context.Background(), "acct-1")
	require.NoError(t, err, "one connection failing is not a cycle failure")

	assert.Equal(t, 1, report.FetchFailures())
	assert.Equal(t, 1, report.Created[platforms.EntityProduct], "healthy platform still consolidated")

	// Square's fetch failed, so it is not part of the cycle's platform set
	// and gets no create actions this round.
	assert.Empty(t, e.square.CreatedProducts)
}

func TestAuthFailureOnFetchFlagsConnection(t *testing.T) {
	e := newEngine(t)
	scriptShopify(e.shopify)
	e.square.FetchLocationsErr = errors.NewConnectorAuthError(platforms.Square, "locations", "token revoked")

	report, err := e.orch.SyncAccount(context.Background(), "acct-1")
	require.NoError(t, err)
	assert.Equal(t, 1, report.FetchFailures())

	conns, err := e.directory.GetActiveConnections(context.Background(), "acct-1")
	require.NoError(t, err)
	require.Len(t, conns, 1)
	assert.Equal(t, platforms.Shopify, conns[0].Platform)
}

func TestOverlappingSyncSkipped(t *testing.T) {
	locker := lock.NewMemory()
	e := newEngine(t, WithLocker(locker))
	scriptShopify(e.shopify)

	ctx := context.Background()
	held, err := locker.Acquire(ctx, "sync:acct-1", time.Minute)
	require.NoError(t, err)
	require.True(t, held)

	_, err = e.orch.SyncAccount(ctx, "acct-1")
	assert.ErrorIs(t, err, errors.ErrSyncInProgress)

	// Different account is unaffected by acct-1's lock.
	report, err := e.orch.SyncAccount(ctx, "acct-2")
	require.NoError(t, err)
	assert.Empty(t, report.Fetches)
}

func TestDryRunDetectsWithoutPushing(t *testing.T) {
	e := newEngine(t, WithDryRun(true))
	scriptShopify(e.shopify)

	report, err := e.orch.SyncAccount(context.Background(), "acct-1")
	require.NoError(t, err)

	assert.Empty(t, report.Results, "nothing pushed in dry run")
	assert.Empty(t, e.square.CreatedProducts)
	assert.Empty(t, e.square.CreatedLocations)
	assert.Equal(t, 1, report.Created[platforms.EntityProduct], "consolidation still persists identities")
}

func TestNoActiveConnectionsIsANoOp(t *testing.T) {
	e := newEngine(t)

	report, err := e.orch.SyncAccount(context.Background(), "acct-unknown")
	require.NoError(t, err)
	assert.Empty(t, report.Fetches)
	assert.Empty(t, report.Results)
}

func TestSecondCycleIsQuiescent(t *testing.T) {
	e := newEngine(t)
	scriptShopify(e.shopify)

	first, err := e.orch.SyncAccount(context.Background(), "acct-1")
	require.NoError(t, err)
	require.Zero(t, first.Failed())

	// Pretend Square now reports what was created there, matching Shopify.
	e.square.Locations = []*catalog.Location{
		{Name: "Main", Active: true, ExternalIDs: catalog.ExternalIDs{platforms.Square: e.square.CreatedLocations[0].ExternalIDs.Get(platforms.Square)}},
	}

	second, err := e.orch.SyncAccount(context.Background(), "acct-1")
	require.NoError(t, err)
	assert.Zero(t, second.Created[platforms.EntityProduct], "no new identities on re-run")
}
