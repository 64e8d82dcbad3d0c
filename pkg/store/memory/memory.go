// Package memory provides in-memory implementations of the store
// interfaces. They are safe for concurrent use and back the engine's tests
// and dev mode; the sqlite package provides the durable equivalent.
package memory

import (
	"context"
	"strings"
	"sync"

	"github.com/agentstation/utc"

	"github.com/shelfsync/shelfsync/pkg/catalog"
	"github.com/shelfsync/shelfsync/pkg/errors"
	"github.com/shelfsync/shelfsync/pkg/platforms"
	"github.com/shelfsync/shelfsync/pkg/store"
)

// platformKey uniquely identifies a platform-native record.
type platformKey struct {
	platform   platforms.Platform
	entityType platforms.EntityType
	platformID string
}

// tupleKey is the 4-tuple upsert key of a mapping row.
type tupleKey struct {
	internalID string
	platform   platforms.Platform
	entityType platforms.EntityType
	metaKey    string
}

// MappingStore is an in-memory store.MappingStore. A single mutex serializes
// all writes, which is the in-process equivalent of the uniqueness
// constraint the sqlite store relies on.
type MappingStore struct {
	mu         sync.Mutex
	byTuple    map[tupleKey]store.Mapping
	byPlatform map[platformKey]string // -> internal ID, primary rows only
}

// NewMappingStore creates an empty in-memory mapping store.
func NewMappingStore() *MappingStore {
	return &MappingStore{
		byTuple:    make(map[tupleKey]store.Mapping),
		byPlatform: make(map[platformKey]string),
	}
}

// GetInternalID returns the internal ID mapped to a platform-native ID.
func (s *MappingStore) GetInternalID(_ context.Context, platform platforms.Platform, entityType platforms.EntityType, platformID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byPlatform[platformKey{platform, entityType, platformID}]; ok {
		return id, nil
	}
	return "", errors.ErrNotFound
}

// GetPlatformID returns the platform-native ID mapped to an internal ID.
func (s *MappingStore) GetPlatformID(_ context.Context, platform platforms.Platform, entityType platforms.EntityType, internalID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.byTuple[tupleKey{internalID, platform, entityType, ""}]; ok {
		return m.PlatformID, nil
	}
	return "", errors.ErrNotFound
}

// SaveMapping upserts a mapping row; the first writer of a platform-native
// ID wins and later writers receive the surviving row.
func (s *MappingStore) SaveMapping(_ context.Context, m store.Mapping) (store.Mapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m.MetaKey == "" && m.PlatformID != "" {
		pk := platformKey{m.Platform, m.EntityType, m.PlatformID}
		if winner, claimed := s.byPlatform[pk]; claimed && winner != m.InternalID {
			// Lost the race: hand back the surviving mapping.
			return s.byTuple[tupleKey{winner, m.Platform, m.EntityType, ""}], nil
		}
		s.byPlatform[pk] = m.InternalID
	}

	m.UpdatedAt = utc.Now()
	s.byTuple[tupleKey{m.InternalID, m.Platform, m.EntityType, m.MetaKey}] = m
	return m, nil
}

// GetMetaValue returns the value stored under a meta key.
func (s *MappingStore) GetMetaValue(_ context.Context, platform platforms.Platform, entityType platforms.EntityType, internalID, metaKey string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.byTuple[tupleKey{internalID, platform, entityType, metaKey}]; ok {
		return m.MetaValue, nil
	}
	return "", errors.ErrNotFound
}

// SaveMetaValue upserts a meta key/value row.
func (s *MappingStore) SaveMetaValue(ctx context.Context, platform platforms.Platform, entityType platforms.EntityType, internalID, metaKey, metaValue string) error {
	_, err := s.SaveMapping(ctx, store.Mapping{
		InternalID: internalID,
		Platform:   platform,
		EntityType: entityType,
		MetaKey:    metaKey,
		MetaValue:  metaValue,
	})
	return err
}

// CanonicalStore is an in-memory store.CanonicalStore.
type CanonicalStore struct {
	mu        sync.RWMutex
	products  map[string]*catalog.Product
	variants  map[string]*catalog.Variant
	locations map[string]*catalog.Location
	inventory map[catalog.LevelKey]*catalog.InventoryLevel
}

// NewCanonicalStore creates an empty in-memory canonical store.
func NewCanonicalStore() *CanonicalStore {
	return &CanonicalStore{
		products:  make(map[string]*catalog.Product),
		variants:  make(map[string]*catalog.Variant),
		locations: make(map[string]*catalog.Location),
		inventory: make(map[catalog.LevelKey]*catalog.InventoryLevel),
	}
}

// GetProduct returns a product by internal ID.
func (s *CanonicalStore) GetProduct(_ context.Context, id string) (*catalog.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := s.products[id]; ok {
		return cloneProduct(p), nil
	}
	return nil, &errors.NotFoundError{Resource: "product", ID: id}
}

// ListProducts returns every product for an account, with variants and
// inventory attached.
func (s *CanonicalStore) ListProducts(_ context.Context, accountID string) ([]*catalog.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*catalog.Product
	for _, p := range s.products {
		if p.AccountID == accountID {
			out = append(out, cloneProduct(p))
		}
	}
	return out, nil
}

// UpsertProduct inserts or replaces a product. Nested variants are persisted
// separately by the consolidator, not implicitly here.
func (s *CanonicalStore) UpsertProduct(_ context.Context, p *catalog.Product) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	cp.Variants = nil
	cp.ExternalIDs = p.ExternalIDs.Clone()
	s.products[p.ID] = &cp
	return nil
}

// GetVariant returns a variant by internal ID.
func (s *CanonicalStore) GetVariant(_ context.Context, id string) (*catalog.Variant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if v, ok := s.variants[id]; ok {
		cv := *v
		cv.ExternalIDs = v.ExternalIDs.Clone()
		return &cv, nil
	}
	return nil, &errors.NotFoundError{Resource: "variant", ID: id}
}

// FindVariantBySKU looks up a variant by SKU scoped to its parent product.
func (s *CanonicalStore) FindVariantBySKU(_ context.Context, productID, sku string) (*catalog.Variant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, v := range s.variants {
		if v.ProductID == productID && strings.EqualFold(v.SKU, sku) {
			cv := *v
			cv.ExternalIDs = v.ExternalIDs.Clone()
			return &cv, nil
		}
	}
	return nil, errors.ErrNotFound
}

// UpsertVariant inserts or replaces a variant.
func (s *CanonicalStore) UpsertVariant(_ context.Context, v *catalog.Variant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cv := *v
	cv.Inventory = nil
	cv.ExternalIDs = v.ExternalIDs.Clone()
	s.variants[v.ID] = &cv
	return nil
}

// GetLocation returns a location by internal ID.
func (s *CanonicalStore) GetLocation(_ context.Context, id string) (*catalog.Location, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if l, ok := s.locations[id]; ok {
		cl := *l
		cl.ExternalIDs = l.ExternalIDs.Clone()
		return &cl, nil
	}
	return nil, &errors.NotFoundError{Resource: "location", ID: id}
}

// ListLocations returns every location for an account.
func (s *CanonicalStore) ListLocations(_ context.Context, accountID string) ([]*catalog.Location, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*catalog.Location
	for _, l := range s.locations {
		if l.AccountID == accountID {
			cl := *l
			cl.ExternalIDs = l.ExternalIDs.Clone()
			out = append(out, &cl)
		}
	}
	return out, nil
}

// UpsertLocation inserts or replaces a location.
func (s *CanonicalStore) UpsertLocation(_ context.Context, l *catalog.Location) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cl := *l
	cl.ExternalIDs = l.ExternalIDs.Clone()
	s.locations[l.ID] = &cl
	return nil
}

// UpsertInventoryLevel inserts or replaces the level for one
// (variant, location) pair. Quantities are clamped to zero; a negative
// platform-reported quantity is recorded as out of stock.
func (s *CanonicalStore) UpsertInventoryLevel(_ context.Context, lvl *catalog.InventoryLevel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cl := *lvl
	if cl.Available < 0 {
		cl.Available = 0
	}
	s.inventory[cl.Key()] = &cl
	return nil
}

// ListInventory returns the levels of a variant across all locations.
func (s *CanonicalStore) ListInventory(_ context.Context, variantID string) ([]*catalog.InventoryLevel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*catalog.InventoryLevel
	for key, lvl := range s.inventory {
		if key.VariantID == variantID {
			cl := *lvl
			out = append(out, &cl)
		}
	}
	return out, nil
}

func cloneProduct(p *catalog.Product) *catalog.Product {
	cp := *p
	cp.ExternalIDs = p.ExternalIDs.Clone()
	return &cp
}

// Directory is an in-memory store.ConnectionDirectory.
type Directory struct {
	mu          sync.RWMutex
	connections map[string]store.Connection
}

// NewDirectory creates an empty in-memory connection directory.
func NewDirectory() *Directory {
	return &Directory{connections: make(map[string]store.Connection)}
}

// GetActiveConnections returns active, auth-valid connections for an account.
func (d *Directory) GetActiveConnections(_ context.Context, accountID string) ([]store.Connection, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []store.Connection
	for _, c := range d.connections {
		if c.AccountID == accountID && c.Active && !c.NeedsReauth {
			out = append(out, c)
		}
	}
	return out, nil
}

// ListAccountIDs returns accounts that have at least one active connection.
func (d *Directory) ListAccountIDs(_ context.Context) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	seen := make(map[string]bool)
	var out []string
	for _, c := range d.connections {
		if c.Active && !c.NeedsReauth && !seen[c.AccountID] {
			seen[c.AccountID] = true
			out = append(out, c.AccountID)
		}
	}
	return out, nil
}

// SaveConnection upserts a connection.
func (d *Directory) SaveConnection(_ context.Context, c store.Connection) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = utc.Now()
	}
	c.UpdatedAt = utc.Now()
	d.connections[c.ID] = c
	return nil
}

// MarkNeedsReauth flags a connection for re-authentication.
func (d *Directory) MarkNeedsReauth(_ context.Context, connectionID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.connections[connectionID]
	if !ok {
		return &errors.NotFoundError{Resource: "connection", ID: connectionID}
	}
	c.NeedsReauth = true
	c.UpdatedAt = utc.Now()
	d.connections[connectionID] = c
	return nil
}
