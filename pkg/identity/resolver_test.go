package identity

import (
	"context"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shelfsync/shelfsync/pkg/catalog"
	"github.com/shelfsync/shelfsync/pkg/errors"
	"github.com/shelfsync/shelfsync/pkg/platforms"
	"github.com/shelfsync/shelfsync/pkg/store"
	"github.com/shelfsync/shelfsync/pkg/store/memory"
)

func newTestResolver() (*Resolver, *memory.MappingStore, *memory.CanonicalStore) {
	mappings := memory.NewMappingStore()
	canonical := memory.NewCanonicalStore()
	return New(mappings, canonical), mappings, canonical
}

func TestNormalizeSKU(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "lowercases", in: "WIDGET-1", want: "widget-1"},
		{name: "trims whitespace", in: "  abc-2  ", want: "abc-2"},
		{name: "folds fullwidth digits", in: "ＳＫＵ１", want: "sku1"},
		{name: "empty", in: "", want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeSKU(tt.in))
		})
	}
}

func TestProductResolutionIsIdempotent(t *testing.T) {
	r, mappings, _ := newTestResolver()
	ctx := context.Background()

	obs := &catalog.Product{
		Title:       "Widget",
		ExternalIDs: catalog.ExternalIDs{platforms.Shopify: "P1"},
	}

	first, created, err := r.Product(ctx, "acct-1", platforms.Shopify, obs)
	require.NoError(t, err)
	assert.True(t, created)
	require.NotEmpty(t, first.ID)

	second, created, err := r.Product(ctx, "acct-1", platforms.Shopify, obs)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	internalID, err := mappings.GetInternalID(ctx, platforms.Shopify, platforms.EntityProduct, "P1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, internalID)
}

func TestProductResolutionAcrossPlatforms(t *testing.T) {
	r, _, _ := newTestResolver()
	ctx := context.Background()

	shopifyProduct, _, err := r.Product(ctx, "acct-1", platforms.Shopify, &catalog.Product{
		Title:       "Widget",
		ExternalIDs: catalog.ExternalIDs{platforms.Shopify: "P1"},
	})
	require.NoError(t, err)

	// Same title from another platform, no shared key: distinct canonical
	// product. Cross-platform product identity comes from variant SKUs, not
	// titles.
	squareProduct, created, err := r.Product(ctx, "acct-1", platforms.Square, &catalog.Product{
		Title:       "Widget",
		ExternalIDs: catalog.ExternalIDs{platforms.Square: "SQ1"},
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, shopifyProduct.ID, squareProduct.ID)
}

func TestVariantResolvesBySKUWithinParent(t *testing.T) {
	r, mappings, _ := newTestResolver()
	ctx := context.Background()

	parent, _, err := r.Product(ctx, "acct-1", platforms.Shopify, &catalog.Product{
		Title:       "Widget",
		ExternalIDs: catalog.ExternalIDs{platforms.Shopify: "P1"},
	})
	require.NoError(t, err)

	first, created, err := r.Variant(ctx, platforms.Shopify, parent, &catalog.Variant{
		SKU:         "WID-RED",
		ExternalIDs: catalog.ExternalIDs{platforms.Shopify: "V1"},
	})
	require.NoError(t, err)
	require.True(t, created)

	// Square reports the same SKU under its own ID: resolves to the same
	// canonical variant and records the Square mapping.
	second, created, err := r.Variant(ctx, platforms.Square, parent, &catalog.Variant{
		SKU:         "wid-red",
		ExternalIDs: catalog.ExternalIDs{platforms.Square: "SQV1"},
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	internalID, err := mappings.GetInternalID(ctx, platforms.Square, platforms.EntityVariant, "SQV1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, internalID)
}

func TestVariantSKUDoesNotMergeAcrossProducts(t *testing.T) {
	r, _, _ := newTestResolver()
	ctx := context.Background()

	parentA, _, err := r.Product(ctx, "acct-1", platforms.Shopify, &catalog.Product{
		Title:       "Widget",
		ExternalIDs: catalog.ExternalIDs{platforms.Shopify: "P1"},
	})
	require.NoError(t, err)
	parentB, _, err := r.Product(ctx, "acct-1", platforms.Shopify, &catalog.Product{
		Title:       "Gadget",
		ExternalIDs: catalog.ExternalIDs{platforms.Shopify: "P2"},
	})
	require.NoError(t, err)

	variantA, _, err := r.Variant(ctx, platforms.Shopify, parentA, &catalog.Variant{
		SKU:         "SHARED-SKU",
		ExternalIDs: catalog.ExternalIDs{platforms.Shopify: "V1"},
	})
	require.NoError(t, err)

	variantB, created, err := r.Variant(ctx, platforms.Square, parentB, &catalog.Variant{
		SKU:         "SHARED-SKU",
		ExternalIDs: catalog.ExternalIDs{platforms.Square: "SQV9"},
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, variantA.ID, variantB.ID)
}

func TestVariantPlatformIDUnderWrongParentConflicts(t *testing.T) {
	r, _, _ := newTestResolver()
	ctx := context.Background()

	parentA, _, err := r.Product(ctx, "acct-1", platforms.Shopify, &catalog.Product{
		Title:       "Widget",
		ExternalIDs: catalog.ExternalIDs{platforms.Shopify: "P1"},
	})
	require.NoError(t, err)
	parentB, _, err := r.Product(ctx, "acct-1", platforms.Shopify, &catalog.Product{
		Title:       "Gadget",
		ExternalIDs: catalog.ExternalIDs{platforms.Shopify: "P2"},
	})
	require.NoError(t, err)

	_, _, err = r.Variant(ctx, platforms.Shopify, parentA, &catalog.Variant{
		SKU:         "WID-1",
		ExternalIDs: catalog.ExternalIDs{platforms.Shopify: "V1"},
	})
	require.NoError(t, err)

	_, _, err = r.Variant(ctx, platforms.Shopify, parentB, &catalog.Variant{
		SKU:         "OTHER",
		ExternalIDs: catalog.ExternalIDs{platforms.Shopify: "V1"},
	})
	require.Error(t, err)
	assert.True(t, errors.IsMappingConflict(err))
}

// TestMappingBijection feeds randomized batches with duplicate
// observations and verifies internal IDs and platform IDs stay one to one.
func TestMappingBijection(t *testing.T) {
	r, mappings, _ := newTestResolver()
	ctx := context.Background()
	rng := rand.New(rand.NewSource(42))

	const distinct = 25
	byPlatformID := map[string]string{}

	for i := 0; i < 200; i++ {
		n := rng.Intn(distinct)
		platformID := fmt.Sprintf("P%d", n)
		resolved, _, err := r.Product(ctx, "acct-1", platforms.Shopify, &catalog.Product{
			Title:       fmt.Sprintf("Product %d", n),
			ExternalIDs: catalog.ExternalIDs{platforms.Shopify: platformID},
		})
		require.NoError(t, err)

		if prev, seen := byPlatformID[platformID]; seen {
			assert.Equal(t, prev, resolved.ID, "platform ID %s re-resolved to a different internal ID", platformID)
		}
		byPlatformID[platformID] = resolved.ID
	}

	// Reverse direction: every internal ID maps back to exactly one
	// platform ID.
	seenInternal := map[string]string{}
	for platformID, internalID := range byPlatformID {
		assert.NotContains(t, seenInternal, internalID, "internal ID mapped from two platform IDs")
		seenInternal[internalID] = platformID

		roundTrip, err := mappings.GetPlatformID(ctx, platforms.Shopify, platforms.EntityProduct, internalID)
		require.NoError(t, err)
		assert.Equal(t, platformID, roundTrip)
	}
}

func TestConcurrentClaimConvergesOnOneIdentity(t *testing.T) {
	_, mappings, _ := newTestResolver()
	ctx := context.Background()

	first, err := mappings.SaveMapping(ctx, store.Mapping{
		InternalID: "internal-a",
		Platform:   platforms.Shopify,
		EntityType: platforms.EntityProduct,
		PlatformID: "P1",
	})
	require.NoError(t, err)
	assert.Equal(t, "internal-a", first.InternalID)

	// A losing concurrent claim gets the winner's row back.
	second, err := mappings.SaveMapping(ctx, store.Mapping{
		InternalID: "internal-b",
		Platform:   platforms.Shopify,
		EntityType: platforms.EntityProduct,
		PlatformID: "P1",
	})
	require.NoError(t, err)
	assert.Equal(t, "internal-a", second.InternalID)
}
