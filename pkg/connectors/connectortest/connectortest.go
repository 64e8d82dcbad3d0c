// Package connectortest provides a scripted in-memory connector for
// exercising the sync pipeline without HTTP. Fetch results are assigned
// directly, pushes are recorded, and any operation can be made to fail.
package connectortest

import (
	"context"
	"fmt"
	"sync"

	"github.com/shelfsync/shelfsync/pkg/catalog"
	"github.com/shelfsync/shelfsync/pkg/platforms"
	"github.com/shelfsync/shelfsync/pkg/store"
)

// InventoryPush records one PushInventoryLevel call.
type InventoryPush struct {
	VariantExternalID  string
	LocationExternalID string
	Quantity           int64
}

// Fake is a scriptable Connector. The zero value is not usable; construct
// with New.
type Fake struct {
	mu sync.Mutex

	platform platforms.Platform

	// Scripted fetch results.
	Locations []*catalog.Location
	Products  []*catalog.Product

	// Scripted failures, returned by the matching operation when set.
	FetchLocationsErr error
	FetchCatalogErr   error
	PushCreateErr     error
	PushUpdateErr     error
	PushInventoryErr  error
	CreateLocationErr error

	// Per-call hooks, consulted before the blanket errors above. A nil
	// return lets the call proceed.
	OnPushUpdate    func(p *catalog.Product) error
	OnPushInventory func(variantExternalID, locationExternalID string, quantity int64) error

	// Recorded push traffic.
	CreatedProducts  []*catalog.Product
	UpdatedProducts  []*catalog.Product
	InventoryPushes  []InventoryPush
	CreatedLocations []*catalog.Location

	nextID int
}

// New creates a Fake for the given platform.
func New(platform platforms.Platform) *Fake {
	return &Fake{platform: platform}
}

// Platform returns the platform this fake was created for.
func (f *Fake) Platform() platforms.Platform {
	return f.platform
}

// FetchLocations returns the scripted locations.
func (f *Fake) FetchLocations(_ context.Context, _ store.Connection) ([]*catalog.Location, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FetchLocationsErr != nil {
		return nil, f.FetchLocationsErr
	}
	return f.Locations, nil
}

// FetchCatalog returns the scripted products.
func (f *Fake) FetchCatalog(_ context.Context, _ store.Connection) ([]*catalog.Product, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FetchCatalogErr != nil {
		return nil, f.FetchCatalogErr
	}
	return f.Products, nil
}

// PushProductCreate records the product and assigns it fresh platform IDs.
func (f *Fake) PushProductCreate(_ context.Context, _ store.Connection, p *catalog.Product) (*catalog.Product, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PushCreateErr != nil {
		return nil, f.PushCreateErr
	}
	f.CreatedProducts = append(f.CreatedProducts, p)
	if p.ExternalIDs == nil {
		p.ExternalIDs = catalog.ExternalIDs{}
	}
	p.ExternalIDs.Set(f.platform, f.assignID())
	for _, v := range p.Variants {
		if v.ExternalIDs == nil {
			v.ExternalIDs = catalog.ExternalIDs{}
		}
		if v.ExternalIDs.Get(f.platform) == "" {
			v.ExternalIDs.Set(f.platform, f.assignID())
		}
	}
	return p, nil
}

// PushProductUpdate records the product.
func (f *Fake) PushProductUpdate(_ context.Context, _ store.Connection, p *catalog.Product) (*catalog.Product, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.OnPushUpdate != nil {
		if err := f.OnPushUpdate(p); err != nil {
			return nil, err
		}
	}
	if f.PushUpdateErr != nil {
		return nil, f.PushUpdateErr
	}
	f.UpdatedProducts = append(f.UpdatedProducts, p)
	return p, nil
}

// PushInventoryLevel records the write.
func (f *Fake) PushInventoryLevel(_ context.Context, _ store.Connection, variantExternalID, locationExternalID string, quantity int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.OnPushInventory != nil {
		if err := f.OnPushInventory(variantExternalID, locationExternalID, quantity); err != nil {
			return err
		}
	}
	if f.PushInventoryErr != nil {
		return f.PushInventoryErr
	}
	f.InventoryPushes = append(f.InventoryPushes, InventoryPush{
		VariantExternalID:  variantExternalID,
		LocationExternalID: locationExternalID,
		Quantity:           quantity,
	})
	return nil
}

// CreateLocation records the location and assigns it a fresh platform ID.
func (f *Fake) CreateLocation(_ context.Context, _ store.Connection, l *catalog.Location) (*catalog.Location, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CreateLocationErr != nil {
		return nil, f.CreateLocationErr
	}
	f.CreatedLocations = append(f.CreatedLocations, l)
	if l.ExternalIDs == nil {
		l.ExternalIDs = catalog.ExternalIDs{}
	}
	l.ExternalIDs.Set(f.platform, f.assignID())
	return l, nil
}

func (f *Fake) assignID() string {
	f.nextID++
	return fmt.Sprintf("%s-%d", f.platform, f.nextID)
}
