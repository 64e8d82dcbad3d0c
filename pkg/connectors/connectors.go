// Package connectors defines the uniform fetch/push contract every
// marketplace adapter implements, and the closed registry that resolves a
// platform tag to its connector once at startup. A connector is stateless
// across connections: every operation receives the connection it acts for.
package connectors

import (
	"context"
	"sync"

	"github.com/shelfsync/shelfsync/pkg/catalog"
	"github.com/shelfsync/shelfsync/pkg/errors"
	"github.com/shelfsync/shelfsync/pkg/platforms"
	"github.com/shelfsync/shelfsync/pkg/store"
)

// Connector adapts one marketplace's API to the engine's canonical model.
//
// Fetch results are tagged with the connector's platform in each entity's
// external-ID map. FetchCatalog paginates internally and returns one
// complete, de-duplicated list. Failures carry the engine's taxonomy:
// errors.ErrAuth for rejected credentials, errors.ErrTransient for
// network/rate-limit failures, errors.ErrMalformedData for unparseable
// responses.
type Connector interface {
	// Platform returns the platform this connector serves.
	Platform() platforms.Platform

	// FetchLocations returns the platform's locations.
	FetchLocations(ctx context.Context, conn store.Connection) ([]*catalog.Location, error)

	// FetchCatalog returns the platform's products with variants and
	// inventory levels nested.
	FetchCatalog(ctx context.Context, conn store.Connection) ([]*catalog.Product, error)

	// PushProductCreate creates the product remotely and returns it with the
	// platform-assigned IDs merged in.
	PushProductCreate(ctx context.Context, conn store.Connection, p *catalog.Product) (*catalog.Product, error)

	// PushProductUpdate updates the product remotely and returns it with any
	// newly assigned variant IDs merged in.
	PushProductUpdate(ctx context.Context, conn store.Connection, p *catalog.Product) (*catalog.Product, error)

	// PushInventoryLevel sets the available quantity of a variant at a
	// location, both addressed by their platform-native IDs.
	PushInventoryLevel(ctx context.Context, conn store.Connection, variantExternalID, locationExternalID string, quantity int64) error

	// CreateLocation creates the location remotely and returns it with the
	// platform-assigned ID merged in.
	CreateLocation(ctx context.Context, conn store.Connection, l *catalog.Location) (*catalog.Location, error)
}

// Registry resolves platform tags to connectors. It is populated once at
// startup; an unregistered platform is a configuration error surfaced as
// errors.ErrUnsupportedPlatform, never a stringly-typed runtime lookup.
type Registry struct {
	mu         sync.RWMutex
	connectors map[platforms.Platform]Connector
}

// NewRegistry creates a registry from the given connectors, rejecting
// duplicates and unknown platforms.
func NewRegistry(conns ...Connector) (*Registry, error) {
	r := &Registry{connectors: make(map[platforms.Platform]Connector, len(conns))}
	for _, c := range conns {
		p := c.Platform()
		if !p.IsValid() {
			return nil, &errors.ValidationError{Field: "platform", Value: p, Message: "unknown platform"}
		}
		if _, dup := r.connectors[p]; dup {
			return nil, &errors.ValidationError{Field: "platform", Value: p, Message: "connector registered twice"}
		}
		r.connectors[p] = c
	}
	return r, nil
}

// Get returns the connector for a platform.
func (r *Registry) Get(p platforms.Platform) (Connector, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.connectors[p]
	if !ok {
		return nil, errors.ErrUnsupportedPlatform
	}
	return c, nil
}

// Platforms returns the registered platforms.
func (r *Registry) Platforms() []platforms.Platform {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]platforms.Platform, 0, len(r.connectors))
	for p := range r.connectors {
		out = append(out, p)
	}
	return out
}
