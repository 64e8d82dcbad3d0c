// Package consolidator merges per-platform fetch snapshots into one
// resolved view of an account. Every observed entity goes through identity
// resolution and is persisted canonically as it lands; the resulting Graph
// keeps each platform's raw observation next to the canonical record so
// change detection can compare them field by field.
//
// A bad observation never poisons the cycle: resolution failures are
// collected as Issues on the Graph and the observation is skipped.
package consolidator

import (
	"context"
	"sort"

	"github.com/shelfsync/shelfsync/pkg/catalog"
	"github.com/shelfsync/shelfsync/pkg/identity"
	"github.com/shelfsync/shelfsync/pkg/logging"
	"github.com/shelfsync/shelfsync/pkg/platforms"
	"github.com/shelfsync/shelfsync/pkg/store"
)

// Snapshot is one platform's successfully fetched state.
type Snapshot struct {
	Platform  platforms.Platform
	Locations []*catalog.Location
	Products  []*catalog.Product
}

// Issue records an observation that could not be consolidated.
type Issue struct {
	Platform   platforms.Platform
	EntityType platforms.EntityType
	PlatformID string
	Err        error
}

// LocationNode pairs a canonical location with its platform observations.
type LocationNode struct {
	Canonical    *catalog.Location
	Observations map[platforms.Platform]*catalog.Location
}

// VariantNode pairs a canonical variant with its platform observations and
// per-location inventory observations. Inventory is keyed by internal
// location ID after translation from platform-native IDs.
type VariantNode struct {
	Canonical    *catalog.Variant
	Observations map[platforms.Platform]*catalog.Variant
	Inventory    map[string]map[platforms.Platform]*catalog.InventoryLevel
}

// ProductNode pairs a canonical product with its platform observations.
type ProductNode struct {
	Canonical    *catalog.Product
	Observations map[platforms.Platform]*catalog.Product
	Variants     map[string]*VariantNode
}

// Graph is the consolidated state of one account after a fetch cycle.
type Graph struct {
	AccountID string
	Platforms []platforms.Platform
	Products  map[string]*ProductNode
	Locations map[string]*LocationNode
	Issues    []Issue

	// Created counts the canonical entities allocated during this cycle,
	// per entity type.
	Created map[platforms.EntityType]int
}

// ProductIDs returns the product node keys in stable order.
func (g *Graph) ProductIDs() []string {
	out := make([]string, 0, len(g.Products))
	for id := range g.Products {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// LocationIDs returns the location node keys in stable order.
func (g *Graph) LocationIDs() []string {
	out := make([]string, 0, len(g.Locations))
	for id := range g.Locations {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// VariantIDs returns a product node's variant keys in stable order.
func (n *ProductNode) VariantIDs() []string {
	out := make([]string, 0, len(n.Variants))
	for id := range n.Variants {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Consolidator resolves snapshots against the identity layer.
type Consolidator struct {
	resolver  *identity.Resolver
	canonical store.CanonicalStore
}

// New creates a Consolidator over the given resolver and canonical store.
func New(resolver *identity.Resolver, canonical store.CanonicalStore) *Consolidator {
	return &Consolidator{resolver: resolver, canonical: canonical}
}

// Consolidate builds the account graph from the given snapshots. Snapshots
// are processed in platform order so repeated runs over the same inputs
// produce the same graph.
func (c *Consolidator) Consolidate(ctx context.Context, accountID string, snapshots []Snapshot) (*Graph, error) {
	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].Platform < snapshots[j].Platform
	})

	g := &Graph{
		AccountID: accountID,
		Products:  map[string]*ProductNode{},
		Locations: map[string]*LocationNode{},
		Created:   map[platforms.EntityType]int{},
	}
	for _, snap := range snapshots {
		g.Platforms = append(g.Platforms, snap.Platform)
	}

	// platform -> platform-native location ID -> internal location ID, for
	// translating the location references nested in inventory levels.
	locIndex := map[platforms.Platform]map[string]string{}

	for _, snap := range snapshots {
		locIndex[snap.Platform] = map[string]string{}
		for _, obs := range snap.Locations {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			c.consolidateLocation(ctx, g, locIndex, snap.Platform, accountID, obs)
		}
	}

	for _, snap := range snapshots {
		for _, obs := range snap.Products {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			c.consolidateProduct(ctx, g, locIndex, snap.Platform, accountID, obs)
		}
	}

	return g, nil
}

func (c *Consolidator) consolidateLocation(ctx context.Context, g *Graph, locIndex map[platforms.Platform]map[string]string, platform platforms.Platform, accountID string, obs *catalog.Location) {
	canonical, created, err := c.resolver.Location(ctx, accountID, platform, obs)
	if err != nil {
		g.addIssue(ctx, platform, platforms.EntityLocation, obs.ExternalIDs.Get(platform), err)
		return
	}
	if created {
		g.Created[platforms.EntityLocation]++
	} else {
		before := len(canonical.ExternalIDs)
		canonical.ExternalIDs = canonical.ExternalIDs.Merge(obs.ExternalIDs)
		if len(canonical.ExternalIDs) != before {
			if err := c.canonical.UpsertLocation(ctx, canonical); err != nil {
				g.addIssue(ctx, platform, platforms.EntityLocation, obs.ExternalIDs.Get(platform), err)
				return
			}
		}
	}

	node, ok := g.Locations[canonical.ID]
	if !ok {
		node = &LocationNode{
			Canonical:    canonical,
			Observations: map[platforms.Platform]*catalog.Location{},
		}
		g.Locations[canonical.ID] = node
	}
	node.Observations[platform] = obs

	if nativeID := obs.ExternalIDs.Get(platform); nativeID != "" {
		locIndex[platform][nativeID] = canonical.ID
	}
}

func (c *Consolidator) consolidateProduct(ctx context.Context, g *Graph, locIndex map[platforms.Platform]map[string]string, platform platforms.Platform, accountID string, obs *catalog.Product) {
	canonical, created, err := c.resolver.Product(ctx, accountID, platform, obs)
	if err != nil {
		g.addIssue(ctx, platform, platforms.EntityProduct, obs.ExternalIDs.Get(platform), err)
		return
	}
	if created {
		g.Created[platforms.EntityProduct]++
	} else {
		before := len(canonical.ExternalIDs)
		canonical.ExternalIDs = canonical.ExternalIDs.Merge(obs.ExternalIDs)
		if len(canonical.ExternalIDs) != before {
			if err := c.canonical.UpsertProduct(ctx, canonical); err != nil {
				g.addIssue(ctx, platform, platforms.EntityProduct, obs.ExternalIDs.Get(platform), err)
				return
			}
		}
	}

	node, ok := g.Products[canonical.ID]
	if !ok {
		node = &ProductNode{
			Canonical:    canonical,
			Observations: map[platforms.Platform]*catalog.Product{},
			Variants:     map[string]*VariantNode{},
		}
		g.Products[canonical.ID] = node
	}
	node.Observations[platform] = obs

	for _, vobs := range obs.Variants {
		variant, vcreated, err := c.resolver.Variant(ctx, platform, canonical, vobs)
		if err != nil {
			g.addIssue(ctx, platform, platforms.EntityVariant, vobs.ExternalIDs.Get(platform), err)
			continue
		}
		if vcreated {
			g.Created[platforms.EntityVariant]++
		} else {
			before := len(variant.ExternalIDs)
			variant.ExternalIDs = variant.ExternalIDs.Merge(vobs.ExternalIDs)
			if len(variant.ExternalIDs) != before {
				if err := c.canonical.UpsertVariant(ctx, variant); err != nil {
					g.addIssue(ctx, platform, platforms.EntityVariant, vobs.ExternalIDs.Get(platform), err)
					continue
				}
			}
		}

		vnode, ok := node.Variants[variant.ID]
		if !ok {
			vnode = &VariantNode{
				Canonical:    variant,
				Observations: map[platforms.Platform]*catalog.Variant{},
				Inventory:    map[string]map[platforms.Platform]*catalog.InventoryLevel{},
			}
			node.Variants[variant.ID] = vnode
		}
		vnode.Observations[platform] = vobs

		for _, lvl := range vobs.Inventory {
			internalLocID, ok := locIndex[platform][lvl.LocationID]
			if !ok {
				g.addIssue(ctx, platform, platforms.EntityLocation, lvl.LocationID,
					&unknownLocationError{platform: platform, nativeID: lvl.LocationID})
				continue
			}
			byPlatform, ok := vnode.Inventory[internalLocID]
			if !ok {
				byPlatform = map[platforms.Platform]*catalog.InventoryLevel{}
				vnode.Inventory[internalLocID] = byPlatform
			}
			byPlatform[platform] = &catalog.InventoryLevel{
				VariantID:  variant.ID,
				LocationID: internalLocID,
				Available:  lvl.Available,
				UpdatedAt:  lvl.UpdatedAt,
			}
		}
	}
}

func (g *Graph) addIssue(ctx context.Context, platform platforms.Platform, entityType platforms.EntityType, platformID string, err error) {
	logging.Ctx(ctx).Warn().
		Str("platform", string(platform)).
		Str("entity_type", string(entityType)).
		Str("platform_id", platformID).
		Err(err).
		Msg("Skipping observation")
	g.Issues = append(g.Issues, Issue{
		Platform:   platform,
		EntityType: entityType,
		PlatformID: platformID,
		Err:        err,
	})
}

type unknownLocationError struct {
	platform platforms.Platform
	nativeID string
}

func (e *unknownLocationError) Error() string {
	return "inventory level references unknown " + string(e.platform) + " location " + e.nativeID
}
