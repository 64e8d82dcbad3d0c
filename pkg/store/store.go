// Package store defines the persistence boundary of the reconciliation
// engine: the canonical entity store, the identity mapping store, and the
// connection directory. All write operations are idempotent upserts so that
// overlapping sync runs and retries converge on a single record instead of
// multiplying rows.
package store

import (
	"context"

	"github.com/agentstation/utc"

	"github.com/shelfsync/shelfsync/pkg/catalog"
	"github.com/shelfsync/shelfsync/pkg/platforms"
)

// Mapping correlates one canonical internal ID with one platform-native ID
// for an entity type. Rows are keyed by the 4-tuple (internal ID, platform,
// entity type, meta key); the empty meta key marks the primary ID row.
// Per (platform, entity type) the mapping is a bijection: one internal ID
// per platform ID and one platform ID per internal ID.
type Mapping struct {
	InternalID string               `db:"internal_id"`
	Platform   platforms.Platform   `db:"platform"`
	EntityType platforms.EntityType `db:"entity_type"`
	PlatformID string               `db:"platform_id"`
	MetaKey    string               `db:"meta_key"`
	MetaValue  string               `db:"meta_value"`
	UpdatedAt  utc.Time             `db:"updated_at"`
}

// MappingStore persists identity mappings. Implementations must make
// SaveMapping safe under concurrent invocation for the same platform-native
// ID: a uniqueness constraint (or equivalent serialization) guarantees that
// a race produces exactly one surviving mapping.
type MappingStore interface {
	// GetInternalID returns the internal ID mapped to a platform-native ID,
	// or errors.ErrNotFound.
	GetInternalID(ctx context.Context, platform platforms.Platform, entityType platforms.EntityType, platformID string) (string, error)

	// GetPlatformID returns the platform-native ID mapped to an internal ID,
	// or errors.ErrNotFound.
	GetPlatformID(ctx context.Context, platform platforms.Platform, entityType platforms.EntityType, internalID string) (string, error)

	// SaveMapping upserts a mapping row and returns the surviving row.
	// When another writer already claimed the same (platform, entity type,
	// platform ID), the existing row wins and is returned unchanged, so the
	// caller can adopt the surviving internal ID.
	SaveMapping(ctx context.Context, m Mapping) (Mapping, error)

	// GetMetaValue returns the meta value stored under a meta key for an
	// internal ID on a platform, or errors.ErrNotFound.
	GetMetaValue(ctx context.Context, platform platforms.Platform, entityType platforms.EntityType, internalID, metaKey string) (string, error)

	// SaveMetaValue upserts a meta key/value pair for an internal ID on a
	// platform. Idempotent on repeated identical input.
	SaveMetaValue(ctx context.Context, platform platforms.Platform, entityType platforms.EntityType, internalID, metaKey, metaValue string) error
}

// CanonicalStore persists canonical entities. The store is logically
// partitioned per account; cross-account writes never collide.
type CanonicalStore interface {
	GetProduct(ctx context.Context, id string) (*catalog.Product, error)
	ListProducts(ctx context.Context, accountID string) ([]*catalog.Product, error)
	UpsertProduct(ctx context.Context, p *catalog.Product) error

	GetVariant(ctx context.Context, id string) (*catalog.Variant, error)
	// FindVariantBySKU looks a variant up by normalized SKU within the scope
	// of its parent product. SKU is a best-effort secondary key only; it is
	// never consulted across products.
	FindVariantBySKU(ctx context.Context, productID, sku string) (*catalog.Variant, error)
	UpsertVariant(ctx context.Context, v *catalog.Variant) error

	GetLocation(ctx context.Context, id string) (*catalog.Location, error)
	ListLocations(ctx context.Context, accountID string) ([]*catalog.Location, error)
	UpsertLocation(ctx context.Context, l *catalog.Location) error

	UpsertInventoryLevel(ctx context.Context, lvl *catalog.InventoryLevel) error
	ListInventory(ctx context.Context, variantID string) ([]*catalog.InventoryLevel, error)
}

// Credentials is the decrypted-at-use credential set for one connection.
// Encryption at rest and OAuth exchange live outside the engine.
type Credentials struct {
	AccessToken string            `json:"access_token"`
	Domain      string            `json:"domain,omitempty"` // shop domain, merchant ID, ...
	Extra       map[string]string `json:"extra,omitempty"`
}

// Connection is one account's link to one platform.
type Connection struct {
	ID          string             `db:"id"`
	AccountID   string             `db:"account_id"`
	Platform    platforms.Platform `db:"platform"`
	Credentials Credentials
	Active      bool     `db:"active"`
	NeedsReauth bool     `db:"needs_reauth"`
	CreatedAt   utc.Time `db:"created_at"`
	UpdatedAt   utc.Time `db:"updated_at"`
}

// ConnectionDirectory enumerates platform connections per account and
// records re-authentication flags raised by the pusher.
type ConnectionDirectory interface {
	// GetActiveConnections returns the active, auth-valid connections for an
	// account.
	GetActiveConnections(ctx context.Context, accountID string) ([]Connection, error)

	// ListAccountIDs returns every account with at least one active
	// connection, for the periodic scheduler.
	ListAccountIDs(ctx context.Context) ([]string, error)

	// SaveConnection upserts a connection.
	SaveConnection(ctx context.Context, c Connection) error

	// MarkNeedsReauth flags a connection whose credentials were rejected;
	// flagged connections are excluded from future cycles until re-authorized.
	MarkNeedsReauth(ctx context.Context, connectionID string) error
}
