package detector

import (
	"context"
	"testing"
	"time"

	"github.com/agentstation/utc"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shelfsync/shelfsync/pkg/authority"
	"github.com/shelfsync/shelfsync/pkg/catalog"
	"github.com/shelfsync/shelfsync/pkg/consolidator"
	"github.com/shelfsync/shelfsync/pkg/platforms"
	"github.com/shelfsync/shelfsync/pkg/store/memory"
)

func at(offset time.Duration) utc.Time {
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	return utc.New(base.Add(offset))
}

// graphWithVariant builds a one-product, one-variant graph observed by the
// given platforms.
func graphWithVariant(obs map[platforms.Platform]*catalog.Variant) *consolidator.Graph {
	product := &catalog.Product{ID: "prod-1", AccountID: "acct-1", Title: "Widget"}
	variant := &catalog.Variant{ID: "var-1", ProductID: "prod-1", SKU: "wid-1", Price: 1000}

	productObs := map[platforms.Platform]*catalog.Product{}
	var platformList []platforms.Platform
	for p := range obs {
		productObs[p] = &catalog.Product{Title: "Widget"}
	}
	for _, p := range platforms.All() {
		if _, ok := obs[p]; ok {
			platformList = append(platformList, p)
		}
	}

	return &consolidator.Graph{
		AccountID: "acct-1",
		Platforms: platformList,
		Products: map[string]*consolidator.ProductNode{
			"prod-1": {
				Canonical:    product,
				Observations: productObs,
				Variants: map[string]*consolidator.VariantNode{
					"var-1": {
						Canonical:    variant,
						Observations: obs,
						Inventory:    map[string]map[platforms.Platform]*catalog.InventoryLevel{},
					},
				},
			},
		},
		Locations: map[string]*consolidator.LocationNode{},
		Created:   map[platforms.EntityType]int{},
	}
}

func TestPriceConflictTargetsOnlyDisagreeingPlatform(t *testing.T) {
	d := New(authority.New(), memory.NewCanonicalStore())

	g := graphWithVariant(map[platforms.Platform]*catalog.Variant{
		platforms.Shopify: {SKU: "wid-1", Price: 1000, UpdatedAt: at(0)},
		platforms.Square:  {SKU: "wid-1", Price: 950, UpdatedAt: at(time.Hour)},
	})

	actions, err := d.Detect(context.Background(), g)
	require.NoError(t, err)

	require.Len(t, actions, 1)
	action := actions[0]
	assert.Equal(t, KindUpdateProduct, action.Kind)
	assert.Equal(t, platforms.Square, action.Platform)
	require.Len(t, action.Changes, 1)
	assert.Equal(t, "Price", action.Changes[0].Field)
	assert.Equal(t, int64(1000), action.Changes[0].Desired)
	require.Len(t, action.Product.Variants, 1)
	assert.Equal(t, int64(1000), action.Product.Variants[0].Price)
}

func TestNewestWinsFieldFollowsFreshestObservation(t *testing.T) {
	d := New(authority.New(), memory.NewCanonicalStore())

	// Barcode is newest-wins: Square's fresher value beats Shopify's.
	g := graphWithVariant(map[platforms.Platform]*catalog.Variant{
		platforms.Shopify: {SKU: "wid-1", Price: 1000, Barcode: "111", UpdatedAt: at(0)},
		platforms.Square:  {SKU: "wid-1", Price: 1000, Barcode: "222", UpdatedAt: at(time.Hour)},
	})

	actions, err := d.Detect(context.Background(), g)
	require.NoError(t, err)

	require.Len(t, actions, 1)
	action := actions[0]
	assert.Equal(t, platforms.Shopify, action.Platform)
	require.Len(t, action.Changes, 1)
	assert.Equal(t, "Barcode", action.Changes[0].Field)
	assert.Equal(t, "222", action.Changes[0].Desired)
}

func TestInventoryEvaluatedPerLocationIndependently(t *testing.T) {
	d := New(authority.New(), memory.NewCanonicalStore())

	g := graphWithVariant(map[platforms.Platform]*catalog.Variant{
		platforms.Shopify: {SKU: "wid-1", Price: 1000, UpdatedAt: at(time.Hour)},
		platforms.Square:  {SKU: "wid-1", Price: 1000, UpdatedAt: at(0)},
	})
	vnode := g.Products["prod-1"].Variants["var-1"]
	vnode.Inventory = map[string]map[platforms.Platform]*catalog.InventoryLevel{
		"loc-1": {
			platforms.Shopify: {VariantID: "var-1", LocationID: "loc-1", Available: 5, UpdatedAt: at(time.Hour)},
			platforms.Square:  {VariantID: "var-1", LocationID: "loc-1", Available: 5, UpdatedAt: at(0)},
		},
		"loc-2": {
			platforms.Shopify: {VariantID: "var-1", LocationID: "loc-2", Available: 0, UpdatedAt: at(time.Hour)},
			platforms.Square:  {VariantID: "var-1", LocationID: "loc-2", Available: 3, UpdatedAt: at(0)},
		},
	}

	actions, err := d.Detect(context.Background(), g)
	require.NoError(t, err)

	require.Len(t, actions, 1)
	action := actions[0]
	assert.Equal(t, KindSetInventory, action.Kind)
	assert.Equal(t, platforms.Square, action.Platform)
	assert.Equal(t, "loc-2", action.LocationID)
	assert.Equal(t, int64(0), action.Quantity)
}

func TestNegativeQuantityClampsToZero(t *testing.T) {
	canonical := memory.NewCanonicalStore()
	d := New(authority.New(), canonical)

	g := graphWithVariant(map[platforms.Platform]*catalog.Variant{
		platforms.Shopify: {SKU: "wid-1", Price: 1000, UpdatedAt: at(time.Hour)},
		platforms.Square:  {SKU: "wid-1", Price: 1000, UpdatedAt: at(0)},
	})
	g.Products["prod-1"].Variants["var-1"].Inventory = map[string]map[platforms.Platform]*catalog.InventoryLevel{
		"loc-1": {
			platforms.Shopify: {VariantID: "var-1", LocationID: "loc-1", Available: -2, UpdatedAt: at(time.Hour)},
			platforms.Square:  {VariantID: "var-1", LocationID: "loc-1", Available: 4, UpdatedAt: at(0)},
		},
	}

	actions, err := d.Detect(context.Background(), g)
	require.NoError(t, err)

	require.Len(t, actions, 1)
	assert.Equal(t, int64(0), actions[0].Quantity)
}

func TestMissingPlatformGetsCreateActions(t *testing.T) {
	d := New(authority.New(), memory.NewCanonicalStore())

	g := graphWithVariant(map[platforms.Platform]*catalog.Variant{
		platforms.Shopify: {SKU: "wid-1", Price: 1000, UpdatedAt: at(0)},
	})
	// Square fetched successfully but has neither the product nor any
	// known external ID for it.
	g.Platforms = []platforms.Platform{platforms.Shopify, platforms.Square}
	g.Locations["loc-1"] = &consolidator.LocationNode{
		Canonical: &catalog.Location{ID: "loc-1", AccountID: "acct-1", Name: "Main"},
		Observations: map[platforms.Platform]*catalog.Location{
			platforms.Shopify: {Name: "Main"},
		},
	}

	actions, err := d.Detect(context.Background(), g)
	require.NoError(t, err)

	require.Len(t, actions, 2)
	assert.Equal(t, KindCreateLocation, actions[0].Kind)
	assert.Equal(t, platforms.Square, actions[0].Platform)
	assert.Equal(t, KindCreateProduct, actions[1].Kind)
	assert.Equal(t, platforms.Square, actions[1].Platform)
	assert.Equal(t, "prod-1", actions[1].Product.ID)
}

func TestKnownExternalIDSuppressesCreate(t *testing.T) {
	d := New(authority.New(), memory.NewCanonicalStore())

	g := graphWithVariant(map[platforms.Platform]*catalog.Variant{
		platforms.Shopify: {SKU: "wid-1", Price: 1000, UpdatedAt: at(0)},
	})
	g.Platforms = []platforms.Platform{platforms.Shopify, platforms.Square}
	g.Products["prod-1"].Canonical.ExternalIDs = catalog.ExternalIDs{
		platforms.Shopify: "P1",
		platforms.Square:  "SQ1",
	}

	actions, err := d.Detect(context.Background(), g)
	require.NoError(t, err)
	assert.Empty(t, actions)
}

func TestDetectionIsDeterministic(t *testing.T) {
	build := func() *consolidator.Graph {
		g := graphWithVariant(map[platforms.Platform]*catalog.Variant{
			platforms.Shopify: {SKU: "wid-1", Price: 1000, Barcode: "111", UpdatedAt: at(0)},
			platforms.Square:  {SKU: "wid-1", Price: 950, Barcode: "222", UpdatedAt: at(time.Hour)},
			platforms.Clover:  {SKU: "wid-1", Price: 900, UpdatedAt: at(2 * time.Hour)},
		})
		g.Products["prod-1"].Variants["var-1"].Inventory = map[string]map[platforms.Platform]*catalog.InventoryLevel{
			"loc-1": {
				platforms.Shopify: {VariantID: "var-1", LocationID: "loc-1", Available: 5, UpdatedAt: at(3 * time.Hour)},
				platforms.Square:  {VariantID: "var-1", LocationID: "loc-1", Available: 2, UpdatedAt: at(0)},
			},
		}
		return g
	}

	first, err := New(authority.New(), memory.NewCanonicalStore()).Detect(context.Background(), build())
	require.NoError(t, err)
	second, err := New(authority.New(), memory.NewCanonicalStore()).Detect(context.Background(), build())
	require.NoError(t, err)

	// Settled timestamps are taken at run time; everything else must match
	// exactly.
	if diff := cmp.Diff(first, second, cmpopts.IgnoreTypes(utc.Time{})); diff != "" {
		t.Errorf("action lists differ between identical runs (-first +second):\n%s", diff)
	}
}

func TestSKUComparisonIsNormalized(t *testing.T) {
	d := New(authority.New(), memory.NewCanonicalStore())

	// Same SKU modulo case: no action should flap between the platforms.
	g := graphWithVariant(map[platforms.Platform]*catalog.Variant{
		platforms.Shopify: {SKU: "WID-1", Price: 1000, UpdatedAt: at(0)},
		platforms.Square:  {SKU: "wid-1", Price: 1000, UpdatedAt: at(time.Hour)},
	})

	actions, err := d.Detect(context.Background(), g)
	require.NoError(t, err)
	assert.Empty(t, actions)
}
