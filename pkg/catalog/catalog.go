// Package catalog defines the canonical data model for the reconciliation
// engine: products, variants, locations, and inventory levels, each carrying
// a stable internal ID and a per-platform external-ID map. Canonical
// entities are owned by the engine's storage boundary; connectors reference
// them but never own them.
package catalog

import (
	"github.com/agentstation/utc"
	"github.com/google/uuid"

	"github.com/shelfsync/shelfsync/pkg/platforms"
)

// NewID allocates a fresh internal identity. Internal IDs are opaque,
// stable for the lifetime of the entity, and never reused.
func NewID() string {
	return uuid.NewString()
}

// Product is the canonical representation of a sellable product across all
// connected platforms.
type Product struct {
	ID          string      `json:"id" yaml:"id" db:"id"`
	AccountID   string      `json:"account_id" yaml:"account_id" db:"account_id"`
	Title       string      `json:"title" yaml:"title" db:"title"`
	Description string      `json:"description,omitempty" yaml:"description,omitempty" db:"description"`
	Images      []string    `json:"images,omitempty" yaml:"images,omitempty"`
	Variants    []*Variant  `json:"variants,omitempty" yaml:"variants,omitempty"`
	ExternalIDs ExternalIDs `json:"external_ids,omitempty" yaml:"external_ids,omitempty"`
	CreatedAt   utc.Time    `json:"created_at" yaml:"created_at" db:"created_at"`
	UpdatedAt   utc.Time    `json:"updated_at" yaml:"updated_at" db:"updated_at"`
}

// Variant is one purchasable variation of a Product. A variant belongs to
// exactly one product. Prices are in minor currency units (cents) so that
// cross-platform comparison is exact.
type Variant struct {
	ID               string            `json:"id" yaml:"id" db:"id"`
	ProductID        string            `json:"product_id" yaml:"product_id" db:"product_id"`
	SKU              string            `json:"sku,omitempty" yaml:"sku,omitempty" db:"sku"`
	Barcode          string            `json:"barcode,omitempty" yaml:"barcode,omitempty" db:"barcode"`
	Price            int64             `json:"price" yaml:"price" db:"price"`
	CompareAtPrice   int64             `json:"compare_at_price,omitempty" yaml:"compare_at_price,omitempty" db:"compare_at_price"`
	WeightGrams      int64             `json:"weight_grams,omitempty" yaml:"weight_grams,omitempty" db:"weight_grams"`
	RequiresShipping bool              `json:"requires_shipping" yaml:"requires_shipping" db:"requires_shipping"`
	Taxable          bool              `json:"taxable" yaml:"taxable" db:"taxable"`
	Inventory        []*InventoryLevel `json:"inventory,omitempty" yaml:"inventory,omitempty"`
	ExternalIDs      ExternalIDs       `json:"external_ids,omitempty" yaml:"external_ids,omitempty"`
	CreatedAt        utc.Time          `json:"created_at" yaml:"created_at" db:"created_at"`
	UpdatedAt        utc.Time          `json:"updated_at" yaml:"updated_at" db:"updated_at"`
}

// Location is a canonical stock-keeping location.
type Location struct {
	ID          string      `json:"id" yaml:"id" db:"id"`
	AccountID   string      `json:"account_id" yaml:"account_id" db:"account_id"`
	Name        string      `json:"name" yaml:"name" db:"name"`
	Active      bool        `json:"active" yaml:"active" db:"active"`
	Address     string      `json:"address,omitempty" yaml:"address,omitempty" db:"address"`
	ExternalIDs ExternalIDs `json:"external_ids,omitempty" yaml:"external_ids,omitempty"`
	CreatedAt   utc.Time    `json:"created_at" yaml:"created_at" db:"created_at"`
	UpdatedAt   utc.Time    `json:"updated_at" yaml:"updated_at" db:"updated_at"`
}

// InventoryLevel is the available quantity of one variant at one location.
// It has no identity of its own: the (VariantID, LocationID) pair is unique
// and its lifecycle is tied to that pair.
type InventoryLevel struct {
	VariantID  string   `json:"variant_id" yaml:"variant_id" db:"variant_id"`
	LocationID string   `json:"location_id" yaml:"location_id" db:"location_id"`
	Available  int64    `json:"available" yaml:"available" db:"available"`
	UpdatedAt  utc.Time `json:"updated_at" yaml:"updated_at" db:"updated_at"`
}

// LevelKey is the composite key of an InventoryLevel.
type LevelKey struct {
	VariantID  string
	LocationID string
}

// Key returns the composite key for this level.
func (l *InventoryLevel) Key() LevelKey {
	return LevelKey{VariantID: l.VariantID, LocationID: l.LocationID}
}

// Variant lookup helpers.

// VariantByExternalID returns the variant carrying the given external ID for
// a platform, or nil.
func (p *Product) VariantByExternalID(platform platforms.Platform, externalID string) *Variant {
	for _, v := range p.Variants {
		if v.ExternalIDs.Get(platform) == externalID {
			return v
		}
	}
	return nil
}

// LevelAt returns the inventory level of this variant at a location, or nil.
func (v *Variant) LevelAt(locationID string) *InventoryLevel {
	for _, l := range v.Inventory {
		if l.LocationID == locationID {
			return l
		}
	}
	return nil
}
