package pusher

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shelfsync/shelfsync/pkg/catalog"
	"github.com/shelfsync/shelfsync/pkg/connectors"
	"github.com/shelfsync/shelfsync/pkg/connectors/connectortest"
	"github.com/shelfsync/shelfsync/pkg/detector"
	"github.com/shelfsync/shelfsync/pkg/errors"
	"github.com/shelfsync/shelfsync/pkg/platforms"
	"github.com/shelfsync/shelfsync/pkg/store"
	"github.com/shelfsync/shelfsync/pkg/store/memory"
)

type fixture struct {
	fake      *connectortest.Fake
	mappings  *memory.MappingStore
	canonical *memory.CanonicalStore
	directory *memory.Directory
	pusher    *Pusher
	conns     map[platforms.Platform]store.Connection
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fake := connectortest.New(platforms.Square)
	registry, err := connectors.NewRegistry(fake)
	require.NoError(t, err)

	mappings := memory.NewMappingStore()
	canonical := memory.NewCanonicalStore()
	directory := memory.NewDirectory()
	conn := store.Connection{ID: "conn-1", AccountID: "acct-1", Platform: platforms.Square, Active: true}
	require.NoError(t, directory.SaveConnection(context.Background(), conn))

	return &fixture{
		fake:      fake,
		mappings:  mappings,
		canonical: canonical,
		directory: directory,
		pusher: New(registry, mappings, canonical, directory,
			WithMaxAttempts(3), WithBaseDelay(time.Millisecond)),
		conns: map[platforms.Platform]store.Connection{platforms.Square: conn},
	}
}

func updateAction(productID string) detector.Action {
	return detector.Action{
		Kind:     detector.KindUpdateProduct,
		Platform: platforms.Square,
		Product: &catalog.Product{
			ID:          productID,
			Title:       "Widget",
			ExternalIDs: catalog.ExternalIDs{platforms.Square: "SQ-" + productID},
		},
	}
}

func TestPartialFailureReportedNotRaised(t *testing.T) {
	f := newFixture(t)

	transient := errors.NewConnectorTransientError(platforms.Square, "update", 503, errors.New("unavailable"))
	f.fake.OnPushUpdate = func(p *catalog.Product) error {
		if p.ID == "prod-2" {
			return transient
		}
		return nil
	}

	actions := []detector.Action{updateAction("prod-1"), updateAction("prod-2"), updateAction("prod-3")}
	results := f.pusher.Push(context.Background(), f.conns, actions)

	require.Len(t, results, 3)
	assert.Equal(t, OutcomeSucceeded, results[0].Outcome)
	assert.Equal(t, OutcomeFailed, results[1].Outcome)
	assert.Equal(t, 3, results[1].Attempts, "transient failure retries up to the bound")
	assert.ErrorIs(t, results[1].Err, errors.ErrTransient)
	assert.Equal(t, OutcomeSucceeded, results[2].Outcome)
}

func TestAuthFailureAbortsGroupAndFlagsConnection(t *testing.T) {
	f := newFixture(t)

	f.fake.OnPushUpdate = func(p *catalog.Product) error {
		if p.ID == "prod-1" {
			return errors.NewConnectorAuthError(platforms.Square, "update", "token revoked")
		}
		return nil
	}

	actions := []detector.Action{updateAction("prod-1"), updateAction("prod-2")}
	results := f.pusher.Push(context.Background(), f.conns, actions)

	require.Len(t, results, 2)
	assert.Equal(t, OutcomeFailed, results[0].Outcome)
	assert.Equal(t, 1, results[0].Attempts, "auth failures are not retried")
	assert.Equal(t, OutcomeAborted, results[1].Outcome)

	conns, err := f.directory.GetActiveConnections(context.Background(), "acct-1")
	require.NoError(t, err)
	assert.Empty(t, conns, "flagged connection no longer active")
}

func TestUnresolvedMappingSkipsSingleAction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Only the variant mapping exists; the location is unresolved.
	_, err := f.mappings.SaveMapping(ctx, store.Mapping{
		InternalID: "var-1",
		Platform:   platforms.Square,
		EntityType: platforms.EntityVariant,
		PlatformID: "SQV1",
	})
	require.NoError(t, err)

	actions := []detector.Action{
		{Kind: detector.KindSetInventory, Platform: platforms.Square, VariantID: "var-1", LocationID: "loc-unmapped", Quantity: 4},
		updateAction("prod-1"),
	}
	results := f.pusher.Push(ctx, f.conns, actions)

	require.Len(t, results, 2)
	assert.Equal(t, OutcomeSkippedUnresolved, results[0].Outcome)
	assert.True(t, errors.IsUnresolvedMapping(results[0].Err))
	assert.Equal(t, OutcomeSucceeded, results[1].Outcome)
	assert.Empty(t, f.fake.InventoryPushes)
}

func TestCreateRecordsAssignedMappings(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	product := &catalog.Product{
		ID:    "prod-1",
		Title: "Widget",
		Variants: []*catalog.Variant{
			{ID: "var-1", ProductID: "prod-1", SKU: "wid-1", Price: 1000},
		},
	}
	results := f.pusher.Push(ctx, f.conns, []detector.Action{
		{Kind: detector.KindCreateProduct, Platform: platforms.Square, Product: product},
	})

	require.Len(t, results, 1)
	require.Equal(t, OutcomeSucceeded, results[0].Outcome)

	platformID, err := f.mappings.GetPlatformID(ctx, platforms.Square, platforms.EntityProduct, "prod-1")
	require.NoError(t, err)
	assert.NotEmpty(t, platformID)

	variantPlatformID, err := f.mappings.GetPlatformID(ctx, platforms.Square, platforms.EntityVariant, "var-1")
	require.NoError(t, err)
	assert.NotEmpty(t, variantPlatformID)
}

func TestInventoryPushResolvesNativeIDs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, m := range []store.Mapping{
		{InternalID: "var-1", Platform: platforms.Square, EntityType: platforms.EntityVariant, PlatformID: "SQV1"},
		{InternalID: "loc-1", Platform: platforms.Square, EntityType: platforms.EntityLocation, PlatformID: "SQL1"},
	} {
		_, err := f.mappings.SaveMapping(ctx, m)
		require.NoError(t, err)
	}

	results := f.pusher.Push(ctx, f.conns, []detector.Action{
		{Kind: detector.KindSetInventory, Platform: platforms.Square, VariantID: "var-1", LocationID: "loc-1", Quantity: 9},
	})

	require.Len(t, results, 1)
	assert.Equal(t, OutcomeSucceeded, results[0].Outcome)
	require.Len(t, f.fake.InventoryPushes, 1)
	push := f.fake.InventoryPushes[0]
	assert.Equal(t, "SQV1", push.VariantExternalID)
	assert.Equal(t, "SQL1", push.LocationExternalID)
	assert.Equal(t, int64(9), push.Quantity)
}
