// Package platforms defines the closed set of marketplace platforms the
// engine can reconcile against. Connectors are registered per platform at
// startup; a platform value outside this set is a configuration error, not
// a runtime surprise.
package platforms

import "slices"

// Platform identifies one external marketplace.
type Platform string

// String returns the string representation of a platform.
func (p Platform) String() string {
	return string(p)
}

// Supported platforms.
const (
	Shopify Platform = "shopify"
	Square  Platform = "square"
	Clover  Platform = "clover"
)

// All returns every supported platform.
// This provides a convenient way to iterate over all Platform values.
func All() []Platform {
	return []Platform{
		Shopify,
		Square,
		Clover,
	}
}

// IsValid returns true if the platform is one of the defined constants.
// Uses All() to ensure consistency with the authoritative platform list.
func (p Platform) IsValid() bool {
	return slices.Contains(All(), p)
}

// EntityType identifies the kind of canonical entity a mapping or
// observation refers to.
type EntityType string

const (
	// EntityProduct represents a product entity.
	EntityProduct EntityType = "product"
	// EntityVariant represents a variant entity.
	EntityVariant EntityType = "variant"
	// EntityLocation represents a location entity.
	EntityLocation EntityType = "location"
)

// EntityTypes returns every entity type that participates in identity
// mapping.
func EntityTypes() []EntityType {
	return []EntityType{EntityProduct, EntityVariant, EntityLocation}
}

// IsValid returns true if the entity type is one of the defined constants.
func (t EntityType) IsValid() bool {
	return slices.Contains(EntityTypes(), t)
}
