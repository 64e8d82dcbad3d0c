package detector

import (
	"fmt"
	"sort"

	"github.com/shelfsync/shelfsync/pkg/catalog"
	"github.com/shelfsync/shelfsync/pkg/platforms"
)

// Kind classifies a corrective action.
type Kind string

const (
	// KindCreateProduct creates a product on a platform that lacks it.
	KindCreateProduct Kind = "create_product"
	// KindUpdateProduct rewrites disagreeing fields of a product on one
	// platform.
	KindUpdateProduct Kind = "update_product"
	// KindCreateLocation creates a location on a platform that lacks it.
	KindCreateLocation Kind = "create_location"
	// KindSetInventory sets one (variant, location) stock quantity on one
	// platform.
	KindSetInventory Kind = "set_inventory"
)

// kindRank orders kinds so creates land before the updates that may
// reference them.
func kindRank(k Kind) int {
	switch k {
	case KindCreateLocation:
		return 0
	case KindCreateProduct:
		return 1
	case KindUpdateProduct:
		return 2
	case KindSetInventory:
		return 3
	default:
		return 4
	}
}

// FieldChange records one disagreeing field on the target platform.
type FieldChange struct {
	Field    string
	Observed any
	Desired  any
}

// Action is one corrective write targeting one platform. Product actions
// carry the desired product state; inventory actions address a
// (variant, location) pair by internal IDs and leave platform-native ID
// resolution to the pusher.
type Action struct {
	Kind     Kind
	Platform platforms.Platform

	Product  *catalog.Product
	Location *catalog.Location

	VariantID  string
	LocationID string
	Quantity   int64

	Changes []FieldChange
}

// ID returns a stable identifier for logs and reports.
func (a Action) ID() string {
	switch a.Kind {
	case KindSetInventory:
		return fmt.Sprintf("%s:%s:%s:%s", a.Kind, a.Platform, a.VariantID, a.LocationID)
	case KindCreateLocation:
		return fmt.Sprintf("%s:%s:%s", a.Kind, a.Platform, a.Location.ID)
	default:
		return fmt.Sprintf("%s:%s:%s", a.Kind, a.Platform, a.Product.ID)
	}
}

// sortActions normalizes action order so identical inputs always yield an
// identical list.
func sortActions(actions []Action) {
	sort.Slice(actions, func(i, j int) bool {
		if a, b := kindRank(actions[i].Kind), kindRank(actions[j].Kind); a != b {
			return a < b
		}
		if actions[i].ID() != actions[j].ID() {
			return actions[i].ID() < actions[j].ID()
		}
		return actions[i].Platform < actions[j].Platform
	})
}
