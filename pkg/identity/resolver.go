// Package identity maps platform-observed entities to canonical internal
// identities, creating them when absent. Resolution order is always:
// platform-native ID, then secondary key (SKU, scoped to the known parent
// product), then allocation of a fresh internal ID.
//
// Concurrent resolution of the same platform-native ID is safe: the
// mapping claim goes through the store's idempotent upsert before the
// entity is persisted, so a race produces one surviving mapping and both
// callers converge on the same internal ID.
package identity

import (
	"context"
	"strings"

	"github.com/agentstation/utc"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/shelfsync/shelfsync/pkg/catalog"
	"github.com/shelfsync/shelfsync/pkg/errors"
	"github.com/shelfsync/shelfsync/pkg/platforms"
	"github.com/shelfsync/shelfsync/pkg/store"
)

// Resolver resolves platform observations to canonical identities.
type Resolver struct {
	mappings  store.MappingStore
	canonical store.CanonicalStore
}

// New creates a Resolver backed by the given stores.
func New(mappings store.MappingStore, canonical store.CanonicalStore) *Resolver {
	return &Resolver{mappings: mappings, canonical: canonical}
}

// NormalizeSKU canonicalizes a SKU for secondary-key comparison: NFKC
// normalization, case folding, and trimmed whitespace. Marketplace exports
// disagree on width and case for the same SKU often enough that raw string
// equality misses real matches.
func NormalizeSKU(sku string) string {
	return cases.Fold().String(norm.NFKC.String(strings.TrimSpace(sku)))
}

// Product resolves a platform-observed product to a canonical product,
// creating one if absent. Returns the canonical product and whether it was
// created by this call.
func (r *Resolver) Product(ctx context.Context, accountID string, platform platforms.Platform, obs *catalog.Product) (*catalog.Product, bool, error) {
	platformID := obs.ExternalIDs.Get(platform)

	if platformID != "" {
		internalID, err := r.mappings.GetInternalID(ctx, platform, platforms.EntityProduct, platformID)
		if err == nil {
			existing, err := r.canonical.GetProduct(ctx, internalID)
			if err != nil {
				return nil, false, err
			}
			return existing, false, nil
		}
		if !errors.IsNotFound(err) {
			return nil, false, err
		}
	}

	// Unknown: allocate, claim the mapping, then persist under the
	// surviving internal ID.
	internalID := catalog.NewID()
	if platformID != "" {
		survivor, err := r.mappings.SaveMapping(ctx, store.Mapping{
			InternalID: internalID,
			Platform:   platform,
			EntityType: platforms.EntityProduct,
			PlatformID: platformID,
		})
		if err != nil {
			return nil, false, err
		}
		if survivor.InternalID != internalID {
			// Lost a concurrent claim; adopt the winner.
			existing, err := r.canonical.GetProduct(ctx, survivor.InternalID)
			if err != nil {
				return nil, false, err
			}
			return existing, false, nil
		}
	}

	created := &catalog.Product{
		ID:          internalID,
		AccountID:   accountID,
		Title:       obs.Title,
		Description: obs.Description,
		Images:      obs.Images,
		ExternalIDs: obs.ExternalIDs.Clone(),
		CreatedAt:   utc.Now(),
		UpdatedAt:   observedAt(obs.UpdatedAt),
	}
	if err := r.canonical.UpsertProduct(ctx, created); err != nil {
		return nil, false, err
	}
	return created, true, nil
}

// Variant resolves a platform-observed variant within its already-resolved
// parent product. SKU is consulted only within the parent's scope; a
// platform ID that points at a variant under a different parent is a
// mapping conflict, not a merge.
func (r *Resolver) Variant(ctx context.Context, platform platforms.Platform, parent *catalog.Product, obs *catalog.Variant) (*catalog.Variant, bool, error) {
	platformID := obs.ExternalIDs.Get(platform)

	if platformID != "" {
		internalID, err := r.mappings.GetInternalID(ctx, platform, platforms.EntityVariant, platformID)
		if err == nil {
			existing, err := r.canonical.GetVariant(ctx, internalID)
			if err != nil {
				return nil, false, err
			}
			if existing.ProductID != parent.ID {
				return nil, false, &errors.MappingConflictError{
					EntityType: platforms.EntityVariant,
					Key:        platformID,
					ExpectedID: parent.ID,
					ActualID:   existing.ProductID,
				}
			}
			return existing, false, nil
		}
		if !errors.IsNotFound(err) {
			return nil, false, err
		}
	}

	// Secondary key: SKU within the parent product only. Cross-product SKU
	// collisions must never merge distinct products.
	if obs.SKU != "" {
		existing, err := r.canonical.FindVariantBySKU(ctx, parent.ID, NormalizeSKU(obs.SKU))
		if err == nil {
			if platformID != "" {
				if _, err := r.mappings.SaveMapping(ctx, store.Mapping{
					InternalID: existing.ID,
					Platform:   platform,
					EntityType: platforms.EntityVariant,
					PlatformID: platformID,
				}); err != nil {
					return nil, false, err
				}
			}
			return existing, false, nil
		}
		if !errors.IsNotFound(err) {
			return nil, false, err
		}
	}

	internalID := catalog.NewID()
	if platformID != "" {
		survivor, err := r.mappings.SaveMapping(ctx, store.Mapping{
			InternalID: internalID,
			Platform:   platform,
			EntityType: platforms.EntityVariant,
			PlatformID: platformID,
		})
		if err != nil {
			return nil, false, err
		}
		if survivor.InternalID != internalID {
			existing, err := r.canonical.GetVariant(ctx, survivor.InternalID)
			if err != nil {
				return nil, false, err
			}
			return existing, false, nil
		}
	}

	created := &catalog.Variant{
		ID:               internalID,
		ProductID:        parent.ID,
		SKU:              NormalizeSKU(obs.SKU),
		Barcode:          obs.Barcode,
		Price:            obs.Price,
		CompareAtPrice:   obs.CompareAtPrice,
		WeightGrams:      obs.WeightGrams,
		RequiresShipping: obs.RequiresShipping,
		Taxable:          obs.Taxable,
		ExternalIDs:      obs.ExternalIDs.Clone(),
		CreatedAt:        utc.Now(),
		UpdatedAt:        observedAt(obs.UpdatedAt),
	}
	if err := r.canonical.UpsertVariant(ctx, created); err != nil {
		return nil, false, err
	}
	return created, true, nil
}

// Location resolves a platform-observed location. Locations have no
// secondary key; an unknown platform ID always allocates.
func (r *Resolver) Location(ctx context.Context, accountID string, platform platforms.Platform, obs *catalog.Location) (*catalog.Location, bool, error) {
	platformID := obs.ExternalIDs.Get(platform)

	if platformID != "" {
		internalID, err := r.mappings.GetInternalID(ctx, platform, platforms.EntityLocation, platformID)
		if err == nil {
			existing, err := r.canonical.GetLocation(ctx, internalID)
			if err != nil {
				return nil, false, err
			}
			return existing, false, nil
		}
		if !errors.IsNotFound(err) {
			return nil, false, err
		}
	}

	internalID := catalog.NewID()
	if platformID != "" {
		survivor, err := r.mappings.SaveMapping(ctx, store.Mapping{
			InternalID: internalID,
			Platform:   platform,
			EntityType: platforms.EntityLocation,
			PlatformID: platformID,
		})
		if err != nil {
			return nil, false, err
		}
		if survivor.InternalID != internalID {
			existing, err := r.canonical.GetLocation(ctx, survivor.InternalID)
			if err != nil {
				return nil, false, err
			}
			return existing, false, nil
		}
	}

	created := &catalog.Location{
		ID:          internalID,
		AccountID:   accountID,
		Name:        obs.Name,
		Active:      obs.Active,
		Address:     obs.Address,
		ExternalIDs: obs.ExternalIDs.Clone(),
		CreatedAt:   utc.Now(),
		UpdatedAt:   observedAt(obs.UpdatedAt),
	}
	if err := r.canonical.UpsertLocation(ctx, created); err != nil {
		return nil, false, err
	}
	return created, true, nil
}

// observedAt falls back to now for platforms that omit record timestamps.
func observedAt(t utc.Time) utc.Time {
	if t.IsZero() {
		return utc.Now()
	}
	return t
}
